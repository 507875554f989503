package wyvern

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// OrderKind identifies the exchange protocol version an order was signed for.
type OrderKind string

// Supported order kinds.
const (
	OrderKindWyvernV2  OrderKind = "wyvern-v2"
	OrderKindWyvernV23 OrderKind = "wyvern-v2.3"
)

// Valid reports whether the kind is one the indexer understands.
func (k OrderKind) Valid() bool {
	return k == OrderKindWyvernV2 || k == OrderKindWyvernV23
}

// Side is the order side.
type Side uint8

// Order sides. The on-chain encoding is 0 for buy and 1 for sell.
const (
	SideBuy  Side = 0
	SideSell Side = 1
)

// SaleKind is the price curve of the order.
type SaleKind uint8

// Sale kinds.
const (
	SaleKindFixedPrice   SaleKind = 0
	SaleKindDutchAuction SaleKind = 1
)

// FeeMethod is the fee accounting method.
type FeeMethod uint8

// Fee methods.
const (
	FeeMethodProtocolFee FeeMethod = 0
	FeeMethodSplitFee    FeeMethod = 1
)

// HowToCall is the proxy call type used to move the asset.
type HowToCall uint8

// Proxy call types.
const (
	HowToCallCall         HowToCall = 0
	HowToCallDelegateCall HowToCall = 1
)

// Params holds every signed field of a Wyvern order. It round-trips through
// JSON as the order's raw payload.
type Params struct {
	Exchange           common.Address `json:"exchange"`
	Maker              common.Address `json:"maker"`
	Taker              common.Address `json:"taker"`
	MakerRelayerFee    *big.Int       `json:"makerRelayerFee"`
	TakerRelayerFee    *big.Int       `json:"takerRelayerFee"`
	MakerProtocolFee   *big.Int       `json:"makerProtocolFee"`
	TakerProtocolFee   *big.Int       `json:"takerProtocolFee"`
	FeeRecipient       common.Address `json:"feeRecipient"`
	FeeMethod          FeeMethod      `json:"feeMethod"`
	Side               Side           `json:"side"`
	SaleKind           SaleKind       `json:"saleKind"`
	Target             common.Address `json:"target"`
	HowToCall          HowToCall      `json:"howToCall"`
	Calldata           hexutil.Bytes  `json:"calldata"`
	ReplacementPattern hexutil.Bytes  `json:"replacementPattern"`
	StaticTarget       common.Address `json:"staticTarget"`
	StaticExtradata    hexutil.Bytes  `json:"staticExtradata"`
	PaymentToken       common.Address `json:"paymentToken"`
	BasePrice          *big.Int       `json:"basePrice"`
	Extra              *big.Int       `json:"extra"`
	ListingTime        int64          `json:"listingTime"`
	ExpirationTime     int64          `json:"expirationTime"`
	Salt               *big.Int       `json:"salt"`
	Nonce              *big.Int       `json:"nonce,omitempty"`

	V uint8       `json:"v"`
	R common.Hash `json:"r"`
	S common.Hash `json:"s"`
}

// TokenInfo describes the asset targeted by an order, recovered from the
// order's calldata and replacement pattern.
type TokenInfo struct {
	Contract     common.Address
	TokenID      *big.Int
	StartTokenID *big.Int
	EndTokenID   *big.Int
	MerkleRoot   *common.Hash
}

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
