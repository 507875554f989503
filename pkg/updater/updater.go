package updater

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jsoniter "github.com/json-iterator/go"

	"github.com/wyvernlabs/go-orderbook/pkg/jobs"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

var encoding = jsoniter.ConfigCompatibleWithStandardLibrary

// MakerUpdateKind selects which of a maker's orders a trigger may affect.
type MakerUpdateKind string

// Maker-update variants.
const (
	MakerUpdateBuyBalance   MakerUpdateKind = "buy-balance"
	MakerUpdateBuyApproval  MakerUpdateKind = "buy-approval"
	MakerUpdateSellBalance  MakerUpdateKind = "sell-balance"
	MakerUpdateSellApproval MakerUpdateKind = "sell-approval"
)

// MakerUpdate asks the worker to recheck all of a maker's orders that could
// have been affected by a single chain event. Context doubles as the job id:
// specific enough to never drop a distinct update, general enough to coalesce
// redundant in-flight triggers.
type MakerUpdate struct {
	Context   string           `json:"context"`
	Kind      MakerUpdateKind  `json:"kind"`
	Maker     common.Address   `json:"maker"`
	Contract  common.Address   `json:"contract"`
	TokenID   *big.Int         `json:"tokenId,omitempty"`
	Operator  *common.Address  `json:"operator,omitempty"`
	OrderKind wyvern.OrderKind `json:"orderKind,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

// HashUpdate asks the worker to re-derive one order's status from scratch.
type HashUpdate struct {
	Context   string      `json:"context"`
	Hash      common.Hash `json:"hash"`
	Trigger   string      `json:"trigger"`
	Timestamp int64       `json:"timestamp"`
}

// FillHandle asks the worker to apply one OrdersMatched event to both sides.
type FillHandle struct {
	Context   string      `json:"context"`
	BuyHash   common.Hash `json:"buyHash"`
	SellHash  common.Hash `json:"sellHash"`
	Amount    *big.Int    `json:"amount"`
	Timestamp int64       `json:"timestamp"`
}

// Queues is the registry of the background queues, passed explicitly to
// whoever produces jobs.
type Queues struct {
	HashUpdate  jobs.Queue
	MakerUpdate jobs.Queue
	FillHandle  jobs.Queue
	OrdersRelay jobs.Queue
}

// EnqueueHashUpdate publishes a hash-update job; duplicate in-flight contexts
// coalesce silently.
func EnqueueHashUpdate(ctx context.Context, q jobs.Queue, hu HashUpdate) error {
	payload, err := encoding.Marshal(hu)
	if err != nil {
		return fmt.Errorf("marshaling hash update: %s", err)
	}
	if err := q.Enqueue(ctx, hu.Context, payload); err != nil && !errors.Is(err, jobs.ErrDuplicate) {
		return fmt.Errorf("enqueueing hash update: %s", err)
	}
	return nil
}

// EnqueueMakerUpdate publishes a maker-update job.
func EnqueueMakerUpdate(ctx context.Context, q jobs.Queue, mu MakerUpdate) error {
	payload, err := encoding.Marshal(mu)
	if err != nil {
		return fmt.Errorf("marshaling maker update: %s", err)
	}
	if err := q.Enqueue(ctx, mu.Context, payload); err != nil && !errors.Is(err, jobs.ErrDuplicate) {
		return fmt.Errorf("enqueueing maker update: %s", err)
	}
	return nil
}

// EnqueueFillHandle publishes a fill-handle job.
func EnqueueFillHandle(ctx context.Context, q jobs.Queue, fh FillHandle) error {
	payload, err := encoding.Marshal(fh)
	if err != nil {
		return fmt.Errorf("marshaling fill handle: %s", err)
	}
	if err := q.Enqueue(ctx, fh.Context, payload); err != nil && !errors.Is(err, jobs.ErrDuplicate) {
		return fmt.Errorf("enqueueing fill handle: %s", err)
	}
	return nil
}

func tsTime(unix int64) time.Time {
	return time.Unix(unix, 0).UTC()
}
