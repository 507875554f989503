package tokenset

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

var (
	testContract = common.HexToAddress("0xAaAaAAaaAaaaAAAAaaAAaAaaAaAaaaaAaaaaaAAA")
	testRoot     = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000ff")
)

func TestCanonicalIDs(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		set  TokenSet
		id   string
	}{
		{
			"single token",
			Single(testContract, big.NewInt(7)),
			"token:0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa:7",
		},
		{
			"range",
			Range(testContract, big.NewInt(10), big.NewInt(20)),
			"range:0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa:10:20",
		},
		{
			"contract",
			Contract(testContract),
			"contract:0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		},
		{
			"list",
			List(testContract, testRoot),
			"list:0x00000000000000000000000000000000000000000000000000000000000000ff",
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.id, tc.set.ID())
		})
	}
}

func TestIDIsPureFunctionOfSelector(t *testing.T) {
	t.Parallel()

	a := Single(testContract, big.NewInt(7))
	b := Single(testContract, new(big.Int).SetInt64(7))
	require.Equal(t, a.ID(), b.ID())

	c := Single(testContract, big.NewInt(8))
	require.NotEqual(t, a.ID(), c.ID())
}

func TestFromTokenInfo(t *testing.T) {
	t.Parallel()

	set, err := FromTokenInfo(wyvern.TokenInfo{Contract: testContract, TokenID: big.NewInt(3)})
	require.NoError(t, err)
	require.Equal(t, KindToken, set.Kind)

	set, err = FromTokenInfo(wyvern.TokenInfo{
		Contract:     testContract,
		StartTokenID: big.NewInt(1),
		EndTokenID:   big.NewInt(5),
	})
	require.NoError(t, err)
	require.Equal(t, KindRange, set.Kind)

	_, err = FromTokenInfo(wyvern.TokenInfo{
		Contract:     testContract,
		StartTokenID: big.NewInt(5),
		EndTokenID:   big.NewInt(1),
	})
	require.Error(t, err)

	set, err = FromTokenInfo(wyvern.TokenInfo{Contract: testContract, MerkleRoot: &testRoot})
	require.NoError(t, err)
	require.Equal(t, KindList, set.Kind)

	set, err = FromTokenInfo(wyvern.TokenInfo{Contract: testContract})
	require.NoError(t, err)
	require.Equal(t, KindContract, set.Kind)

	_, err = FromTokenInfo(wyvern.TokenInfo{})
	require.Error(t, err)
}

func TestParseIDRoundtrip(t *testing.T) {
	t.Parallel()

	for _, set := range []TokenSet{
		Single(testContract, big.NewInt(7)),
		Range(testContract, big.NewInt(10), big.NewInt(20)),
		Contract(testContract),
	} {
		parsed, err := ParseID(set.ID())
		require.NoError(t, err)
		require.Equal(t, set.ID(), parsed.ID())
	}

	list, err := ParseID(List(testContract, testRoot).ID())
	require.NoError(t, err)
	require.Equal(t, KindList, list.Kind)
	require.Equal(t, testRoot, list.MerkleRoot)

	_, err = ParseID("bogus:1:2")
	require.Error(t, err)
}

func TestLabelHash(t *testing.T) {
	t.Parallel()

	// only list sets carry a non-zero label hash
	for _, set := range []TokenSet{
		Single(testContract, big.NewInt(7)),
		Range(testContract, big.NewInt(1), big.NewInt(2)),
		Contract(testContract),
	} {
		hash, err := set.LabelHash()
		require.NoError(t, err)
		require.Equal(t, common.Hash{}, hash)
	}

	list := List(testContract, testRoot)
	h1, err := list.LabelHash()
	require.NoError(t, err)
	require.NotEqual(t, common.Hash{}, h1)

	h2, err := List(testContract, testRoot).LabelHash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}
