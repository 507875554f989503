package impl

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"testing/quick"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/wyvernlabs/go-orderbook/internal/orderbook"
	jobsimpl "github.com/wyvernlabs/go-orderbook/pkg/jobs/impl"
	"github.com/wyvernlabs/go-orderbook/pkg/merkletree"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore/impl/mem"
	"github.com/wyvernlabs/go-orderbook/pkg/updater"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

var (
	testNft      = common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	testWeth     = common.HexToAddress("0x0000000000000000000000000000000000000eee")
	testRoyaltor = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

func testService(t *testing.T) (*Service, *mem.Store, *jobsimpl.MemQueue) {
	t.Helper()
	store := mem.New()
	hashQ := jobsimpl.NewMem("hash-update")
	service := NewService(store, updater.Queues{HashUpdate: hashQ}, 1, true)

	ctx := context.Background()
	require.NoError(t, store.SetContractKind(ctx, testNft, sqlstore.ContractKindERC721))
	require.NoError(t, store.SetContractKind(ctx, testWeth, sqlstore.ContractKindERC20))
	require.NoError(t, store.SetRoyaltyRecipient(ctx, testNft, testRoyaltor))
	return service, store, hashQ
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func transferFromCalldata(tokenID *big.Int) []byte {
	selector := crypto.Keccak256([]byte("transferFrom(address,address,uint256)"))[:4]
	data := make([]byte, 4+3*32)
	copy(data[:4], selector)
	tokenID.FillBytes(data[68:100])
	return data
}

func criteriaCalldata(contract common.Address, root common.Hash) []byte {
	selector := crypto.Keccak256([]byte("matchERC721UsingCriteria(address,address,address,uint256,bytes32,bytes32[])"))[:4]
	data := make([]byte, 4+5*32)
	copy(data[:4], selector)
	copy(data[4+2*32+12:4+3*32], contract.Bytes())
	copy(data[4+4*32:4+5*32], root.Bytes())
	return data
}

func signedSellOrder(t *testing.T, key *ecdsa.PrivateKey, mutate func(*wyvern.Params)) *wyvern.Order {
	t.Helper()
	params := wyvern.Params{
		Exchange:        common.HexToAddress("0x7f268357a8c2552623316e2562d90e642bb538e5"),
		Maker:           crypto.PubkeyToAddress(key.PublicKey),
		FeeRecipient:    common.HexToAddress("0x00000000000000000000000000000000000000f1"),
		FeeMethod:       wyvern.FeeMethodSplitFee,
		Side:            wyvern.SideSell,
		SaleKind:        wyvern.SaleKindFixedPrice,
		Target:          testNft,
		MakerRelayerFee: big.NewInt(250),
		TakerRelayerFee: big.NewInt(0),
		BasePrice:       new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		ListingTime:     time.Now().Add(-time.Minute).Unix(),
		ExpirationTime:  time.Now().Add(24 * time.Hour).Unix(),
		Salt:            big.NewInt(42),
		Nonce:           big.NewInt(0),
		Calldata:        transferFromCalldata(big.NewInt(7)),
	}
	if mutate != nil {
		mutate(&params)
	}
	order := wyvern.New(1, wyvern.OrderKindWyvernV23, params)
	require.NoError(t, order.Sign(key))
	return order
}

func TestIntakeSavesValidOrder(t *testing.T) {
	t.Parallel()
	service, store, hashQ := testService(t)
	ctx := context.Background()

	order := signedSellOrder(t, newKey(t), nil)
	result, err := service.Intake(ctx, []orderbook.OrderInfo{{Order: order}})
	require.NoError(t, err)
	require.Empty(t, result.Invalid)
	require.Len(t, result.Valid, 1)
	require.Equal(t, order.Hash(), result.Valid[0])

	saved, ok, err := store.Order(ctx, order.Hash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "token:0x0000000000000000000000000000000000000aaa:7", saved.TokenSetID)
	require.Equal(t, order.Params.BasePrice, saved.Price)
	require.Equal(t, order.Params.BasePrice, saved.Value)

	// the initial status derivation was enqueued
	require.Equal(t, 1, hashQ.Len())
}

func TestIntakeRejections(t *testing.T) {
	t.Parallel()
	service, _, _ := testService(t)
	ctx := context.Background()
	key := newKey(t)

	testCases := []struct {
		name   string
		order  func() *wyvern.Order
		reason string
	}{
		{
			"bad signature",
			func() *wyvern.Order {
				order := signedSellOrder(t, key, nil)
				order.Params.Salt = big.NewInt(999)
				return order
			},
			orderbook.ReasonInvalidSignature,
		},
		{
			"unknown kind",
			func() *wyvern.Order {
				order := signedSellOrder(t, key, nil)
				order.Kind = "seaport"
				return order
			},
			orderbook.ReasonUnknownKind,
		},
		{
			"expired",
			func() *wyvern.Order {
				return signedSellOrder(t, key, func(p *wyvern.Params) {
					p.ExpirationTime = time.Now().Add(-time.Hour).Unix()
				})
			},
			orderbook.ReasonInvalidTiming,
		},
		{
			"excessive fee",
			func() *wyvern.Order {
				return signedSellOrder(t, key, func(p *wyvern.Params) {
					p.MakerRelayerFee = big.NewInt(10_001)
				})
			},
			orderbook.ReasonInvalidFee,
		},
		{
			"unindexed target",
			func() *wyvern.Order {
				return signedSellOrder(t, key, func(p *wyvern.Params) {
					p.Target = common.HexToAddress("0xbbb")
				})
			},
			orderbook.ReasonInvalidTarget,
		},
		{
			"sell paying in erc20",
			func() *wyvern.Order {
				return signedSellOrder(t, key, func(p *wyvern.Params) {
					p.PaymentToken = testWeth
				})
			},
			orderbook.ReasonInvalidPayment,
		},
		{
			"buy paying in unknown token",
			func() *wyvern.Order {
				return signedSellOrder(t, key, func(p *wyvern.Params) {
					p.Side = wyvern.SideBuy
					p.PaymentToken = common.HexToAddress("0xccc")
				})
			},
			orderbook.ReasonInvalidPayment,
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := service.Intake(ctx, []orderbook.OrderInfo{{Order: tc.order()}})
			require.NoError(t, err)
			require.Empty(t, result.Valid)
			require.Len(t, result.Invalid, 1)
			require.Equal(t, tc.reason, result.Invalid[0].Reason)
		})
	}
}

func TestIntakeUnauthorized(t *testing.T) {
	t.Parallel()
	store := mem.New()
	service := NewService(store, updater.Queues{HashUpdate: jobsimpl.NewMem("hash-update")}, 1, false)

	_, err := service.Intake(context.Background(), nil)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokenListOrderMerkleRoot(t *testing.T) {
	t.Parallel()
	service, store, _ := testService(t)
	ctx := context.Background()
	key := newKey(t)

	tokenIDs := []*big.Int{big.NewInt(11), big.NewInt(22), big.NewInt(33)}
	for _, id := range tokenIDs {
		require.NoError(t, store.SetTokenAttribute(ctx,
			sqlstore.Token{Contract: testNft, TokenID: id}, "fur", "gold"))
	}
	tree, err := merkletree.NewTokenTree(tokenIDs)
	require.NoError(t, err)

	attribute := &orderbook.Attribute{Collection: testNft, Key: "fur", Value: "gold"}

	// declared root matches the attribute set
	good := signedSellOrder(t, key, func(p *wyvern.Params) {
		p.Calldata = criteriaCalldata(testNft, tree.Root())
	})
	result, err := service.Intake(ctx, []orderbook.OrderInfo{{Order: good, Attribute: attribute}})
	require.NoError(t, err)
	require.Len(t, result.Valid, 1)

	saved, ok, err := store.Order(ctx, good.Hash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "list:"+tree.Root().Hex(), saved.TokenSetID)

	// a wrong declared root is rejected
	bad := signedSellOrder(t, key, func(p *wyvern.Params) {
		p.Calldata = criteriaCalldata(testNft, common.BigToHash(big.NewInt(0xbad)))
		p.Salt = big.NewInt(43)
	})
	result, err = service.Intake(ctx, []orderbook.OrderInfo{{Order: bad, Attribute: attribute}})
	require.NoError(t, err)
	require.Empty(t, result.Valid)
	require.Len(t, result.Invalid, 1)
	require.Equal(t, orderbook.ReasonNoMatchingTokens, result.Invalid[0].Reason)
}

func TestOpenSeaFeeAttribution(t *testing.T) {
	t.Parallel()
	service, store, _ := testService(t)
	ctx := context.Background()

	order := signedSellOrder(t, newKey(t), func(p *wyvern.Params) {
		p.FeeRecipient = openseaFeeRecipient
		p.MakerRelayerFee = big.NewInt(500)
		p.TakerRelayerFee = big.NewInt(500)
	})
	result, err := service.Intake(ctx, []orderbook.OrderInfo{{Order: order}})
	require.NoError(t, err)
	require.Len(t, result.Valid, 1)

	saved, ok, err := store.Order(ctx, order.Hash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, openseaFeeRecipient, saved.SourceID)
	require.Equal(t, 250, saved.SourceBps)
	require.Equal(t, []sqlstore.Royalty{{Recipient: testRoyaltor, Bps: 250}}, saved.RoyaltyInfo)
}

func TestBuyOrderValue(t *testing.T) {
	t.Parallel()

	// value = basePrice - basePrice * takerRelayerFee / 10000, truncated
	f := func(price uint64, feeBps uint16) bool {
		fee := int64(feeBps % 10_001)
		params := wyvern.Params{
			Side:            wyvern.SideBuy,
			BasePrice:       new(big.Int).SetUint64(price),
			TakerRelayerFee: big.NewInt(fee),
		}
		order := wyvern.New(1, wyvern.OrderKindWyvernV23, params)
		got := orderValue(order)

		want := new(big.Int).SetUint64(price)
		cut := new(big.Int).Mul(want, big.NewInt(fee))
		cut.Div(cut, big.NewInt(10_000))
		want.Sub(want, cut)
		return got.Cmp(want) == 0
	}
	require.NoError(t, quick.Check(f, nil))

	sell := wyvern.New(1, wyvern.OrderKindWyvernV23, wyvern.Params{
		Side:            wyvern.SideSell,
		BasePrice:       big.NewInt(1000),
		TakerRelayerFee: big.NewInt(500),
	})
	require.Equal(t, int64(1000), orderValue(sell).Int64())
}
