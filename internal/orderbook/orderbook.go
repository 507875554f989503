package orderbook

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

// Attribute describes the collection attribute a token-list order targets.
type Attribute struct {
	Collection common.Address `json:"collection"`
	Key        string         `json:"key"`
	Value      string         `json:"value"`
}

// OrderInfo is one candidate order submission.
type OrderInfo struct {
	Order     *wyvern.Order
	Attribute *Attribute
	Source    *common.Address
}

// InvalidOrder pairs a rejected submission with its reason. Rejections are
// data-invalid: they are reported, never retried.
type InvalidOrder struct {
	OrderInfo OrderInfo
	Reason    string
}

// IntakeResult partitions a batch of submissions.
type IntakeResult struct {
	Valid   []common.Hash
	Invalid []InvalidOrder
}

// Reject reasons surfaced to submitters.
const (
	ReasonInvalidSignature  = "Order has invalid signature"
	ReasonUnknownKind       = "Order has unknown kind"
	ReasonInvalidTiming     = "Order has invalid timing"
	ReasonInvalidSide       = "Order has invalid side"
	ReasonInvalidPayment    = "Order has invalid payment token"
	ReasonInvalidTarget     = "Order has unknown target contract"
	ReasonInvalidFee        = "Order has invalid fee"
	ReasonNoMatchingTokens  = "Order has no matching token set"
	ReasonUnauthorized      = "unauthorized"
)

// Orderbook is the order intake and query service.
type Orderbook interface {
	// Intake filters and saves a batch of candidate orders; every saved
	// order gets an initial hash-update enqueued.
	Intake(ctx context.Context, candidates []OrderInfo) (IntakeResult, error)
	// Order fetches one order by hash.
	Order(ctx context.Context, hash common.Hash) (sqlstore.Order, bool, error)
	// BestOrder returns the best fillable order of a side for a token set.
	BestOrder(ctx context.Context, side wyvern.Side, tokenSetID string) (sqlstore.Order, bool, error)
}
