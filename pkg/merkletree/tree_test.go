package merkletree

import (
	"math/big"
	"math/rand"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"
)

func TestTokenTreeDeterminism(t *testing.T) {
	t.Parallel()

	ids := func(vals ...int64) []*big.Int {
		out := make([]*big.Int, len(vals))
		for i, v := range vals {
			out[i] = big.NewInt(v)
		}
		return out
	}

	t1, err := NewTokenTree(ids(1, 2, 3, 4, 5))
	require.NoError(t, err)
	t2, err := NewTokenTree(ids(5, 3, 1, 4, 2))
	require.NoError(t, err)
	require.Equal(t, t1.Root(), t2.Root())

	t3, err := NewTokenTree(ids(1, 2, 3, 4, 6))
	require.NoError(t, err)
	require.NotEqual(t, t1.Root(), t3.Root())
}

func TestRootIsKeccak256(t *testing.T) {
	t.Parallel()

	// cross-check the default hash against an independent keccak
	keccak := func(parts ...[]byte) []byte {
		hasher := sha3.NewLegacyKeccak256()
		for _, p := range parts {
			hasher.Write(p)
		}
		return hasher.Sum(nil)
	}

	leaf1, leaf2 := make([]byte, 32), make([]byte, 32)
	big.NewInt(7).FillBytes(leaf1)
	big.NewInt(9).FillBytes(leaf2)

	h1, h2 := keccak(leaf1), keccak(leaf2)
	l, r := sortPair(h1, h2)

	tree, err := NewTokenTree([]*big.Int{big.NewInt(7), big.NewInt(9)})
	require.NoError(t, err)
	require.Equal(t, keccak(l, r), tree.Root().Bytes())
}

func TestTokenTreeEmpty(t *testing.T) {
	t.Parallel()

	_, err := NewTokenTree(nil)
	require.Error(t, err)
}

func TestProofRoundtrip(t *testing.T) {
	t.Parallel()

	f := func(seed int64) bool {
		rnd := rand.New(rand.NewSource(seed))
		count := 1 + rnd.Intn(64)
		tokenIDs := make([]*big.Int, count)
		for i := range tokenIDs {
			tokenIDs[i] = new(big.Int).SetUint64(rnd.Uint64())
		}

		tree, err := NewTokenTree(tokenIDs)
		if err != nil {
			return false
		}

		for _, id := range tokenIDs {
			leaf := make([]byte, 32)
			id.FillBytes(leaf)
			proof, ok := tree.Proof(leaf)
			if !ok {
				return false
			}
			if !VerifyProof(tree.Root(), leaf, proof, nil) {
				return false
			}
		}
		return true
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestProofUnknownLeaf(t *testing.T) {
	t.Parallel()

	tree, err := NewTokenTree([]*big.Int{big.NewInt(1), big.NewInt(2)})
	require.NoError(t, err)

	unknown := make([]byte, 32)
	unknown[31] = 9
	_, ok := tree.Proof(unknown)
	require.False(t, ok)
}

func TestVerifyProofRejectsWrongRoot(t *testing.T) {
	t.Parallel()

	tree, err := NewTokenTree([]*big.Int{big.NewInt(10), big.NewInt(20), big.NewInt(30)})
	require.NoError(t, err)

	leaf := make([]byte, 32)
	big.NewInt(10).FillBytes(leaf)
	proof, ok := tree.Proof(leaf)
	require.True(t, ok)

	other, err := NewTokenTree([]*big.Int{big.NewInt(11), big.NewInt(21)})
	require.NoError(t, err)
	require.False(t, VerifyProof(other.Root(), leaf, proof, nil))
}
