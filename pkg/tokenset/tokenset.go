package tokenset

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	jsoniter "github.com/json-iterator/go"

	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

// Kind is the shape of a token set.
type Kind string

// Token-set kinds.
const (
	KindToken    Kind = "token"
	KindRange    Kind = "range"
	KindContract Kind = "contract"
	KindList     Kind = "list"
)

// labelJSON stringifies labels with sorted map keys so the label hash is
// stable across processes.
var labelJSON = jsoniter.Config{SortMapKeys: true}.Froze()

// TokenSet is the set of tokens an order may be filled against.
type TokenSet struct {
	Kind         Kind
	Contract     common.Address
	TokenID      *big.Int
	StartTokenID *big.Int
	EndTokenID   *big.Int
	MerkleRoot   common.Hash
}

// Single returns the set holding exactly one token.
func Single(contract common.Address, tokenID *big.Int) TokenSet {
	return TokenSet{Kind: KindToken, Contract: contract, TokenID: tokenID}
}

// Range returns the set of all tokens of a contract with ids in [start, end].
func Range(contract common.Address, start, end *big.Int) TokenSet {
	return TokenSet{Kind: KindRange, Contract: contract, StartTokenID: start, EndTokenID: end}
}

// Contract returns the set of every token of a contract.
func Contract(contract common.Address) TokenSet {
	return TokenSet{Kind: KindContract, Contract: contract}
}

// List returns the set committed to by a Merkle root.
func List(contract common.Address, root common.Hash) TokenSet {
	return TokenSet{Kind: KindList, Contract: contract, MerkleRoot: root}
}

// FromTokenInfo maps an order's target-asset info to its token set.
func FromTokenInfo(info wyvern.TokenInfo) (TokenSet, error) {
	switch {
	case info.MerkleRoot != nil:
		return List(info.Contract, *info.MerkleRoot), nil
	case info.TokenID != nil:
		return Single(info.Contract, info.TokenID), nil
	case info.StartTokenID != nil && info.EndTokenID != nil:
		if info.StartTokenID.Cmp(info.EndTokenID) > 0 {
			return TokenSet{}, fmt.Errorf("empty token range [%s, %s]", info.StartTokenID, info.EndTokenID)
		}
		return Range(info.Contract, info.StartTokenID, info.EndTokenID), nil
	case info.Contract != (common.Address{}):
		return Contract(info.Contract), nil
	}
	return TokenSet{}, fmt.Errorf("token info has no contract")
}

// ID is the canonical identifier of the set. It is a pure function of the
// set's selector: two orders with identical selectors share the id exactly.
func (ts TokenSet) ID() string {
	switch ts.Kind {
	case KindToken:
		return fmt.Sprintf("token:%s:%s", lower(ts.Contract), ts.TokenID)
	case KindRange:
		return fmt.Sprintf("range:%s:%s:%s", lower(ts.Contract), ts.StartTokenID, ts.EndTokenID)
	case KindContract:
		return fmt.Sprintf("contract:%s", lower(ts.Contract))
	case KindList:
		return fmt.Sprintf("list:%s", ts.MerkleRoot.Hex())
	}
	return ""
}

// Label describes the set as JSON, used for display and for hashing.
func (ts TokenSet) Label() ([]byte, error) {
	var data map[string]interface{}
	switch ts.Kind {
	case KindToken:
		data = map[string]interface{}{
			"contract": lower(ts.Contract),
			"tokenId":  ts.TokenID.String(),
		}
	case KindRange:
		data = map[string]interface{}{
			"contract":     lower(ts.Contract),
			"startTokenId": ts.StartTokenID.String(),
			"endTokenId":   ts.EndTokenID.String(),
		}
	case KindContract:
		data = map[string]interface{}{
			"contract": lower(ts.Contract),
		}
	case KindList:
		data = map[string]interface{}{
			"contract":   lower(ts.Contract),
			"merkleRoot": ts.MerkleRoot.Hex(),
		}
	default:
		return nil, fmt.Errorf("unknown token set kind %q", ts.Kind)
	}

	label, err := labelJSON.Marshal(map[string]interface{}{
		"kind": string(ts.Kind),
		"data": data,
	})
	if err != nil {
		return nil, fmt.Errorf("stringifying label: %s", err)
	}
	return label, nil
}

// LabelHash is sha256 of the stable-stringified label for list sets, and the
// zero hash for every other kind.
func (ts TokenSet) LabelHash() (common.Hash, error) {
	if ts.Kind != KindList {
		return common.Hash{}, nil
	}
	label, err := ts.Label()
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(sha256.Sum256(label)), nil
}

// ParseID recovers a set selector from its canonical id.
func ParseID(id string) (TokenSet, error) {
	parts := strings.Split(id, ":")
	switch {
	case len(parts) == 3 && parts[0] == "token":
		tokenID, ok := new(big.Int).SetString(parts[2], 10)
		if !ok {
			return TokenSet{}, fmt.Errorf("parsing token id %q", parts[2])
		}
		return Single(common.HexToAddress(parts[1]), tokenID), nil
	case len(parts) == 4 && parts[0] == "range":
		start, ok := new(big.Int).SetString(parts[2], 10)
		if !ok {
			return TokenSet{}, fmt.Errorf("parsing start token id %q", parts[2])
		}
		end, ok := new(big.Int).SetString(parts[3], 10)
		if !ok {
			return TokenSet{}, fmt.Errorf("parsing end token id %q", parts[3])
		}
		return Range(common.HexToAddress(parts[1]), start, end), nil
	case len(parts) == 2 && parts[0] == "contract":
		return Contract(common.HexToAddress(parts[1])), nil
	case len(parts) == 2 && parts[0] == "list":
		return TokenSet{Kind: KindList, MerkleRoot: common.HexToHash(parts[1])}, nil
	}
	return TokenSet{}, fmt.Errorf("unknown token set id %q", id)
}

func lower(a common.Address) string {
	return strings.ToLower(a.Hex())
}
