package sqlstore

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

// FillabilityStatus is the derived lifecycle state of an order.
type FillabilityStatus string

// Fillability states. Terminal states (cancelled, filled) are kept for history.
const (
	FillabilityFillable  FillabilityStatus = "fillable"
	FillabilityNoBalance FillabilityStatus = "no-balance"
	FillabilityCancelled FillabilityStatus = "cancelled"
	FillabilityFilled    FillabilityStatus = "filled"
	FillabilityExpired   FillabilityStatus = "expired"
)

// ApprovalStatus tracks whether the order's conduit may move the maker's assets.
type ApprovalStatus string

// Approval states.
const (
	ApprovalApproved   ApprovalStatus = "approved"
	ApprovalNoApproval ApprovalStatus = "no-approval"
)

// Royalty is one royalty attribution of an order.
type Royalty struct {
	Recipient common.Address `json:"recipient"`
	Bps       int            `json:"bps"`
}

// Order is the projection row of a signed limit order.
type Order struct {
	Hash              common.Hash
	Kind              wyvern.OrderKind
	Side              wyvern.Side
	Maker             common.Address
	Contract          common.Address
	Currency          common.Address
	Price             *big.Int
	Value             *big.Int
	Quantity          *big.Int
	QuantityRemaining *big.Int
	TokenSetID        string
	ValidFrom         time.Time
	ValidUntil        time.Time
	Nonce             *big.Int
	Conduit           common.Address
	FeeBps            int
	SourceID          common.Address
	SourceBps         int
	RoyaltyInfo       []Royalty
	RawData           json.RawMessage

	FillabilityStatus FillabilityStatus
	ApprovalStatus    ApprovalStatus
	Expiration        time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Active reports whether the order can still transition between fillable and
// no-balance; terminal and expired orders are left alone by maker updates.
func (o Order) Active() bool {
	return o.FillabilityStatus == FillabilityFillable || o.FillabilityStatus == FillabilityNoBalance
}

// EventKey uniquely identifies a chain log. Re-delivery of the same key is a
// no-op on every event table.
type EventKey struct {
	BlockHash common.Hash
	TxHash    common.Hash
	LogIndex  uint
}

// EventBase carries the chain position shared by all event rows.
type EventBase struct {
	EventKey
	Block     int64
	Timestamp time.Time
}

// CancelEvent records an on-chain OrderCancelled log.
type CancelEvent struct {
	EventBase
	OrderHash common.Hash
}

// FillEvent records an on-chain OrdersMatched log.
type FillEvent struct {
	EventBase
	BuyHash  common.Hash
	SellHash common.Hash
	Maker    common.Address
	Taker    common.Address
	Price    *big.Int
	Amount   *big.Int
}

// BulkCancelEvent records a NonceIncremented log: every order of the maker
// with nonce below MinNonce is invalid from this point on.
type BulkCancelEvent struct {
	EventBase
	Maker     common.Address
	OrderKind wyvern.OrderKind
	MinNonce  *big.Int
}

// NftTransferEvent records an ERC721 Transfer or ERC1155 TransferSingle/Batch
// entry. Amount is 1 for ERC721.
type NftTransferEvent struct {
	EventBase
	Contract common.Address
	TokenID  *big.Int
	From     common.Address
	To       common.Address
	Amount   *big.Int
}

// NftApprovalEvent records an ApprovalForAll log. The latest row per
// (contract, owner, operator) is the current approval state.
type NftApprovalEvent struct {
	EventBase
	Contract common.Address
	Owner    common.Address
	Operator common.Address
	Approved bool
}

// FtTransferEvent records an ERC20 Transfer log.
type FtTransferEvent struct {
	EventBase
	Contract common.Address
	From     common.Address
	To       common.Address
	Amount   *big.Int
}

// FtApprovalEvent records an ERC20 Approval log.
type FtApprovalEvent struct {
	EventBase
	Contract common.Address
	Owner    common.Address
	Spender  common.Address
	Value    *big.Int
}

// OrderStatusChange is one row touched by a bulk status recheck.
type OrderStatusChange struct {
	Hash           common.Hash
	Kind           wyvern.OrderKind
	Maker          common.Address
	OldFillability FillabilityStatus
	NewFillability FillabilityStatus
	OldApproval    ApprovalStatus
	NewApproval    ApprovalStatus
}

// StatusUpdate is the authoritative per-order state written by a hash update.
// Nil big-int fields leave the stored value untouched.
type StatusUpdate struct {
	Fillability       FillabilityStatus
	Approval          ApprovalStatus
	Value             *big.Int
	QuantityRemaining *big.Int
	Expiration        time.Time
}

// Token is a concrete (contract, tokenId) pair.
type Token struct {
	Contract common.Address
	TokenID  *big.Int
}

// ContractKind classifies an indexed contract.
type ContractKind string

// Indexed contract kinds.
const (
	ContractKindERC721  ContractKind = "erc721"
	ContractKindERC1155 ContractKind = "erc1155"
	ContractKindERC20   ContractKind = "erc20"
)
