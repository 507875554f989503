package wyvern

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Selectors of the proxy calls an order's calldata may carry.
var (
	selectorTransferFrom            = crypto.Keccak256([]byte("transferFrom(address,address,uint256)"))[:4]
	selectorSafeTransferFrom721     = crypto.Keccak256([]byte("safeTransferFrom(address,address,uint256)"))[:4]
	selectorSafeTransferFrom1155    = crypto.Keccak256([]byte("safeTransferFrom(address,address,uint256,uint256,bytes)"))[:4]
	selectorMatchERC721UsingCrit    = crypto.Keccak256([]byte("matchERC721UsingCriteria(address,address,address,uint256,bytes32,bytes32[])"))[:4]
	selectorMatchERC1155UsingCrit   = crypto.Keccak256([]byte("matchERC1155UsingCriteria(address,address,address,uint256,uint256,bytes32,bytes32[])"))[:4]
	selectorCheckTokenIDWithinRange = crypto.Keccak256([]byte("checkTokenIdWithinRange(bytes,address[7],uint8[2],uint256[6])"))[:4]
)

var ethSignedMessagePrefix = []byte("\x19Ethereum Signed Message:\n32")

// Order is a signed limit order together with the protocol version it targets.
type Order struct {
	ChainID int64
	Kind    OrderKind
	Params  Params
}

// New wraps order params for a chain.
func New(chainID int64, kind OrderKind, params Params) *Order {
	return &Order{ChainID: chainID, Kind: kind, Params: params}
}

// Hash computes the order's content hash: keccak256 over the packed encoding
// of every signed field. Wyvern v2.3 orders additionally commit to the maker
// nonce, so bumping the nonce invalidates all prior signatures.
func (o *Order) Hash() common.Hash {
	p := o.Params

	var buf bytes.Buffer
	buf.Write(p.Exchange.Bytes())
	buf.Write(p.Maker.Bytes())
	buf.Write(p.Taker.Bytes())
	buf.Write(pad32(p.MakerRelayerFee))
	buf.Write(pad32(p.TakerRelayerFee))
	buf.Write(pad32(p.MakerProtocolFee))
	buf.Write(pad32(p.TakerProtocolFee))
	buf.Write(p.FeeRecipient.Bytes())
	buf.WriteByte(byte(p.FeeMethod))
	buf.WriteByte(byte(p.Side))
	buf.WriteByte(byte(p.SaleKind))
	buf.Write(p.Target.Bytes())
	buf.WriteByte(byte(p.HowToCall))
	buf.Write(p.Calldata)
	buf.Write(p.ReplacementPattern)
	buf.Write(p.StaticTarget.Bytes())
	buf.Write(p.StaticExtradata)
	buf.Write(p.PaymentToken.Bytes())
	buf.Write(pad32(p.BasePrice))
	buf.Write(pad32(p.Extra))
	buf.Write(pad32(big.NewInt(p.ListingTime)))
	buf.Write(pad32(big.NewInt(p.ExpirationTime)))
	buf.Write(pad32(p.Salt))
	if o.Kind == OrderKindWyvernV23 {
		buf.Write(pad32(p.Nonce))
	}

	return crypto.Keccak256Hash(buf.Bytes())
}

// PrefixHash is the EIP-191 personal-sign digest of the order hash, which is
// what makers actually sign.
func (o *Order) PrefixHash() common.Hash {
	hash := o.Hash()
	return crypto.Keccak256Hash(ethSignedMessagePrefix, hash.Bytes())
}

// SignatureData is what a wallet needs to produce the order signature.
type SignatureData struct {
	Message common.Hash `json:"message"`
	V       uint8       `json:"v"`
	R       common.Hash `json:"r"`
	S       common.Hash `json:"s"`
}

// SignatureData returns the digest to sign together with any signature the
// order already carries.
func (o *Order) SignatureData() SignatureData {
	return SignatureData{
		Message: o.PrefixHash(),
		V:       o.Params.V,
		R:       o.Params.R,
		S:       o.Params.S,
	}
}

// RecoverMaker recovers the signer address from the order's (v, r, s) signature.
func (o *Order) RecoverMaker() (common.Address, error) {
	p := o.Params
	if p.V != 27 && p.V != 28 {
		return common.Address{}, fmt.Errorf("invalid signature v value %d", p.V)
	}

	sig := make([]byte, 65)
	copy(sig[:32], p.R.Bytes())
	copy(sig[32:64], p.S.Bytes())
	sig[64] = p.V - 27

	pub, err := crypto.SigToPub(o.PrefixHash().Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recovering public key: %s", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that the order signature belongs to the declared maker.
func (o *Order) Verify() error {
	signer, err := o.RecoverMaker()
	if err != nil {
		return err
	}
	if signer != o.Params.Maker {
		return errors.New("signature does not match maker")
	}
	return nil
}

// Sign signs the order with the given private key, filling in (v, r, s).
// Used by tests; production orders arrive already signed.
func (o *Order) Sign(key *ecdsa.PrivateKey) error {
	sig, err := crypto.Sign(o.PrefixHash().Bytes(), key)
	if err != nil {
		return fmt.Errorf("signing prefix hash: %s", err)
	}
	o.Params.R = common.BytesToHash(sig[:32])
	o.Params.S = common.BytesToHash(sig[32:64])
	o.Params.V = sig[64] + 27
	return nil
}

// Info inspects the order's calldata and replacement pattern to recover which
// asset(s) the order targets. It returns false when the calldata shape is not
// one the indexer understands.
func (o *Order) Info() (TokenInfo, bool) {
	p := o.Params
	data := []byte(p.Calldata)
	if len(data) < 4 {
		return TokenInfo{}, false
	}
	selector := data[:4]

	switch {
	case bytes.Equal(selector, selectorTransferFrom), bytes.Equal(selector, selectorSafeTransferFrom721):
		// transferFrom(from, to, tokenId) against the target NFT contract
		if len(data) < 4+3*32 {
			return TokenInfo{}, false
		}
		info := TokenInfo{Contract: p.Target}
		if rangeStart, rangeEnd, ok := decodeTokenRange(p.StaticExtradata); ok {
			info.StartTokenID, info.EndTokenID = rangeStart, rangeEnd
			return info, true
		}
		if wordMasked(p.ReplacementPattern, 2) {
			// the token id is filled at match time: the order spans the contract
			return info, true
		}
		info.TokenID = word(data, 2)
		return info, true

	case bytes.Equal(selector, selectorSafeTransferFrom1155):
		// safeTransferFrom(from, to, id, amount, data)
		if len(data) < 4+4*32 {
			return TokenInfo{}, false
		}
		info := TokenInfo{Contract: p.Target}
		if wordMasked(p.ReplacementPattern, 2) {
			return info, true
		}
		info.TokenID = word(data, 2)
		return info, true

	case bytes.Equal(selector, selectorMatchERC721UsingCrit):
		// matchERC721UsingCriteria(from, to, token, tokenId, root, proof)
		if len(data) < 4+5*32 {
			return TokenInfo{}, false
		}
		return criteriaInfo(data, 4), true

	case bytes.Equal(selector, selectorMatchERC1155UsingCrit):
		// matchERC1155UsingCriteria(from, to, token, tokenId, amount, root, proof)
		if len(data) < 4+6*32 {
			return TokenInfo{}, false
		}
		return criteriaInfo(data, 5), true
	}

	return TokenInfo{}, false
}

func criteriaInfo(data []byte, rootWord int) TokenInfo {
	info := TokenInfo{
		Contract: common.BytesToAddress(word(data, 2).Bytes()),
	}
	root := common.BigToHash(word(data, rootWord))
	if root == (common.Hash{}) {
		// empty criteria accepts any token of the contract
		return info
	}
	info.MerkleRoot = &root
	return info
}

// decodeTokenRange recognizes the static-call guard that constrains the token
// id to a contiguous range; its extradata carries [startTokenId, endTokenId].
func decodeTokenRange(extradata []byte) (*big.Int, *big.Int, bool) {
	if len(extradata) < 4+2*32 {
		return nil, nil, false
	}
	if !bytes.Equal(extradata[:4], selectorCheckTokenIDWithinRange) {
		return nil, nil, false
	}
	return word(extradata, 0), word(extradata, 1), true
}

// word returns the i-th 32-byte argument word of selector-prefixed calldata.
func word(data []byte, i int) *big.Int {
	offset := 4 + i*32
	return new(big.Int).SetBytes(data[offset : offset+32])
}

// wordMasked reports whether the i-th argument word has any replacement bits
// set, meaning its value is supplied by the taker at match time.
func wordMasked(pattern []byte, i int) bool {
	offset := 4 + i*32
	if len(pattern) < offset+32 {
		return false
	}
	for _, b := range pattern[offset : offset+32] {
		if b != 0 {
			return true
		}
	}
	return false
}

func pad32(x *big.Int) []byte {
	out := make([]byte, 32)
	if x != nil {
		x.FillBytes(out)
	}
	return out
}
