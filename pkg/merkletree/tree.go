package merkletree

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultHashFunc is the default hash function in case none is passed.
var DefaultHashFunc = crypto.Keccak256

// MerkleTree is a binary Merkle Tree over a set of token ids. Token-list orders
// commit to their token set through the root of this tree.
type MerkleTree struct {
	root   *node
	leaves []*node

	hashFunc func(...[]byte) []byte
}

type node struct {
	parent, left, right *node
	hash                []byte
}

func (n *node) isLeaf() bool {
	return n.left == nil && n.right == nil
}

// NewTree builds a new Merkle Tree from raw leaves.
func NewTree(leaves [][]byte, hashFunc func(...[]byte) []byte) (*MerkleTree, error) {
	if hashFunc == nil {
		hashFunc = DefaultHashFunc
	}

	tree := &MerkleTree{
		hashFunc: hashFunc,
	}

	if len(leaves) == 0 {
		return nil, errors.New("no leaves")
	}

	if err := tree.buildTree(leaves); err != nil {
		return nil, fmt.Errorf("building the tree: %s", err)
	}
	return tree, nil
}

// NewTokenTree builds a tree whose leaves are the 32-byte big-endian encodings
// of the given token ids.
func NewTokenTree(tokenIDs []*big.Int) (*MerkleTree, error) {
	leaves := make([][]byte, len(tokenIDs))
	for i, id := range tokenIDs {
		if id == nil {
			return nil, errors.New("nil token id")
		}
		leaf := make([]byte, 32)
		id.FillBytes(leaf)
		leaves[i] = leaf
	}
	return NewTree(leaves, nil)
}

// Root returns the Merkle root.
func (t *MerkleTree) Root() common.Hash {
	return common.BytesToHash(t.root.hash)
}

// Proof returns the sibling path for the given raw leaf, bottom-up.
// The second return value is false if the leaf is not part of the tree.
func (t *MerkleTree) Proof(leaf []byte) ([]common.Hash, bool) {
	target := t.hashFunc(leaf)
	var n *node
	for _, l := range t.leaves {
		if bytes.Equal(l.hash, target) {
			n = l
			break
		}
	}
	if n == nil {
		return nil, false
	}

	var proof []common.Hash
	for n.parent != nil {
		sibling := n.parent.left
		if sibling == n {
			sibling = n.parent.right
		}
		proof = append(proof, common.BytesToHash(sibling.hash))
		n = n.parent
	}
	return proof, true
}

// VerifyProof checks a sibling path against a root.
func VerifyProof(root common.Hash, leaf []byte, proof []common.Hash, hashFunc func(...[]byte) []byte) bool {
	if hashFunc == nil {
		hashFunc = DefaultHashFunc
	}
	hash := hashFunc(leaf)
	for _, sibling := range proof {
		l, r := sortPair(hash, sibling.Bytes())
		hash = hashFunc(l, r)
	}
	return bytes.Equal(hash, root.Bytes())
}

func (t *MerkleTree) buildTree(leaves [][]byte) error {
	t.leaves = make([]*node, len(leaves))
	for i, leaf := range leaves {
		if len(leaf) == 0 {
			return errors.New("leaf cannot be empty")
		}

		t.leaves[i] = &node{
			hash: t.hashFunc(leaf),
		}
	}

	// leaves are sortable so that the root is independent of insertion order
	sort.Slice(t.leaves, func(i, j int) bool {
		return bytes.Compare(t.leaves[i].hash, t.leaves[j].hash) == -1
	})

	// duplicate the last node when the number of leaves is odd
	if len(t.leaves)%2 == 1 {
		t.leaves = append(t.leaves, &node{
			hash: t.leaves[len(t.leaves)-1].hash,
		})
	}

	t.buildInternalNodes(t.leaves)

	return nil
}

func (t *MerkleTree) buildInternalNodes(nodes []*node) {
	if len(nodes) == 1 {
		t.root = nodes[0]
		return
	}

	parentNodes := make([]*node, (len(nodes)+1)/2)
	for i := 0; i < len(nodes); i += 2 {
		left, right := i, i+1
		if i+1 == len(nodes) {
			right = i
		}

		// hash pair needs to be sorted
		l, r := sortPair(nodes[left].hash, nodes[right].hash)

		parent := &node{
			hash:  t.hashFunc(l, r),
			left:  nodes[left],
			right: nodes[right],
		}
		nodes[left].parent, nodes[right].parent = parent, parent
		parentNodes[i/2] = parent
	}

	t.buildInternalNodes(parentNodes)
}

func sortPair(a []byte, b []byte) ([]byte, []byte) {
	if bytes.Compare(a, b) == 1 {
		return b, a
	}
	return a, b
}
