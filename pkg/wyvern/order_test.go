package wyvern

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func transferFromCalldata(from, to common.Address, tokenID *big.Int) []byte {
	data := make([]byte, 4+3*32)
	copy(data[:4], selectorTransferFrom)
	copy(data[4+12:4+32], from.Bytes())
	copy(data[36+12:36+32], to.Bytes())
	tokenID.FillBytes(data[68:100])
	return data
}

func baseParams() Params {
	return Params{
		Exchange:        common.HexToAddress("0x7be8076f4ea4a4ad08075c2508e481d6c946d12b"),
		Maker:           common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		FeeRecipient:    common.HexToAddress("0x00000000000000000000000000000000000000f1"),
		FeeMethod:       FeeMethodSplitFee,
		Side:            SideSell,
		SaleKind:        SaleKindFixedPrice,
		Target:          common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		MakerRelayerFee: big.NewInt(250),
		TakerRelayerFee: big.NewInt(0),
		PaymentToken:    common.Address{},
		BasePrice:       big.NewInt(1_000_000),
		ListingTime:     1000,
		ExpirationTime:  2000,
		Salt:            big.NewInt(42),
		Calldata:        transferFromCalldata(common.HexToAddress("0xa1"), common.Address{}, big.NewInt(7)),
	}
}

func TestOrderHashDeterminism(t *testing.T) {
	t.Parallel()

	o1 := New(1, OrderKindWyvernV2, baseParams())
	o2 := New(1, OrderKindWyvernV2, baseParams())
	require.Equal(t, o1.Hash(), o2.Hash())

	p := baseParams()
	p.Salt = big.NewInt(43)
	o3 := New(1, OrderKindWyvernV2, p)
	require.NotEqual(t, o1.Hash(), o3.Hash())
}

func TestOrderHashCommitsToNonce(t *testing.T) {
	t.Parallel()

	p := baseParams()
	p.Nonce = big.NewInt(3)
	o1 := New(1, OrderKindWyvernV23, p)

	p2 := baseParams()
	p2.Nonce = big.NewInt(4)
	o2 := New(1, OrderKindWyvernV23, p2)
	require.NotEqual(t, o1.Hash(), o2.Hash())

	// v2 hashing ignores the nonce field entirely
	v2a := New(1, OrderKindWyvernV2, p)
	v2b := New(1, OrderKindWyvernV2, p2)
	require.Equal(t, v2a.Hash(), v2b.Hash())
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	p := baseParams()
	p.Maker = crypto.PubkeyToAddress(key.PublicKey)
	o := New(1, OrderKindWyvernV23, p)
	require.NoError(t, o.Sign(key))
	require.NoError(t, o.Verify())

	// a different maker must fail verification
	o.Params.Maker = common.HexToAddress("0xdead")
	require.Error(t, o.Verify())
}

func TestInfoSingleToken(t *testing.T) {
	t.Parallel()

	o := New(1, OrderKindWyvernV2, baseParams())
	info, ok := o.Info()
	require.True(t, ok)
	require.Equal(t, o.Params.Target, info.Contract)
	require.NotNil(t, info.TokenID)
	require.Equal(t, int64(7), info.TokenID.Int64())
	require.Nil(t, info.MerkleRoot)
}

func TestInfoContractWide(t *testing.T) {
	t.Parallel()

	p := baseParams()
	pattern := make([]byte, len(p.Calldata))
	for i := 68; i < 100; i++ {
		pattern[i] = 0xff
	}
	p.ReplacementPattern = pattern

	o := New(1, OrderKindWyvernV2, p)
	info, ok := o.Info()
	require.True(t, ok)
	require.Equal(t, p.Target, info.Contract)
	require.Nil(t, info.TokenID)
	require.Nil(t, info.MerkleRoot)
}

func TestInfoTokenRange(t *testing.T) {
	t.Parallel()

	p := baseParams()
	p.StaticTarget = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	extradata := make([]byte, 4+2*32)
	copy(extradata[:4], selectorCheckTokenIDWithinRange)
	big.NewInt(100).FillBytes(extradata[4:36])
	big.NewInt(200).FillBytes(extradata[36:68])
	p.StaticExtradata = extradata

	o := New(1, OrderKindWyvernV2, p)
	info, ok := o.Info()
	require.True(t, ok)
	require.Equal(t, int64(100), info.StartTokenID.Int64())
	require.Equal(t, int64(200), info.EndTokenID.Int64())
	require.Nil(t, info.TokenID)
}

func TestInfoTokenList(t *testing.T) {
	t.Parallel()

	contract := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	root := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000aa")

	data := make([]byte, 4+5*32)
	copy(data[:4], selectorMatchERC721UsingCrit)
	copy(data[4+2*32+12:4+3*32], contract.Bytes())
	copy(data[4+4*32:4+5*32], root.Bytes())

	p := baseParams()
	p.Calldata = data
	o := New(1, OrderKindWyvernV2, p)
	info, ok := o.Info()
	require.True(t, ok)
	require.Equal(t, contract, info.Contract)
	require.NotNil(t, info.MerkleRoot)
	require.Equal(t, root, *info.MerkleRoot)

	// an empty criteria root means the whole contract
	zeroRoot := make([]byte, 4+5*32)
	copy(zeroRoot, data)
	copy(zeroRoot[4+4*32:4+5*32], make([]byte, 32))
	p.Calldata = zeroRoot
	o = New(1, OrderKindWyvernV2, p)
	info, ok = o.Info()
	require.True(t, ok)
	require.Nil(t, info.MerkleRoot)
}

func TestInfoUnknownCalldata(t *testing.T) {
	t.Parallel()

	p := baseParams()
	p.Calldata = []byte{0xde, 0xad, 0xbe, 0xef}
	o := New(1, OrderKindWyvernV2, p)
	_, ok := o.Info()
	require.False(t, ok)
}

func TestMatchDataPacks(t *testing.T) {
	t.Parallel()

	sellParams := baseParams()
	sell := New(1, OrderKindWyvernV2, sellParams)
	taker := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	buy, err := sell.BuildMatching(taker)
	require.NoError(t, err)
	require.Equal(t, SideBuy, buy.Params.Side)
	require.Equal(t, taker, buy.Params.Maker)

	ex := NewExchange(sellParams.Exchange)
	data, err := ex.MatchData(buy, sell)
	require.NoError(t, err)
	require.Equal(t, exchangeABI.Methods["atomicMatch_"].ID, data[:4])

	cancel, err := ex.CancelData(sell)
	require.NoError(t, err)
	require.Equal(t, exchangeABI.Methods["cancelOrder_"].ID, cancel[:4])
}
