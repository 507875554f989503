package relay

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

func TestPayloadShape(t *testing.T) {
	t.Parallel()

	selector := crypto.Keccak256([]byte("transferFrom(address,address,uint256)"))[:4]
	calldata := make([]byte, 4+3*32)
	copy(calldata[:4], selector)
	big.NewInt(7).FillBytes(calldata[68:100])

	contract := common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	order := wyvern.New(1, wyvern.OrderKindWyvernV2, wyvern.Params{
		Maker:     common.HexToAddress("0xa1"),
		Side:      wyvern.SideSell,
		Target:    contract,
		BasePrice: big.NewInt(1000),
		Calldata:  calldata,
	})

	o, err := NewOpenSea(1, "key", 2)
	require.NoError(t, err)

	body, err := o.payload(order)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, encoding.Unmarshal(body, &fields))

	require.Equal(t, "0", fields["makerProtocolFee"])
	require.Equal(t, "0", fields["takerProtocolFee"])
	require.Equal(t, "0", fields["makerReferrerFee"])
	require.Equal(t, float64(1), fields["feeMethod"])
	require.Equal(t, "1", fields["quantity"])
	require.Equal(t, order.Hash().Hex(), fields["hash"])

	metadata := fields["metadata"].(map[string]interface{})
	asset := metadata["asset"].(map[string]interface{})
	require.Equal(t, "7", asset["id"])
	require.Equal(t, contract.Hex(), asset["address"])
	require.Equal(t, "ERC721", metadata["schema"])
}

func TestRelayURLPerChain(t *testing.T) {
	t.Parallel()

	mainnet, err := NewOpenSea(1, "", 2)
	require.NoError(t, err)
	require.Equal(t, openseaMainnetURL, mainnet.url)

	rinkeby, err := NewOpenSea(4, "", 2)
	require.NoError(t, err)
	require.Equal(t, openseaTestnetURL, rinkeby.url)
}
