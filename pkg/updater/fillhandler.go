package updater

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wyvernlabs/go-orderbook/pkg/jobs"
)

// HandleFillHandle applies one OrdersMatched event to both order sides:
// subtract the filled quantity, transition to filled when nothing remains,
// and otherwise chase with a hash update to re-evaluate the remainder.
func (w *Worker) HandleFillHandle(ctx context.Context, job jobs.Job) error {
	var fh FillHandle
	if err := encoding.Unmarshal(job.Payload, &fh); err != nil {
		return fmt.Errorf("unmarshaling fill handle: %s", err)
	}
	at := tsTime(fh.Timestamp)

	for _, orderHash := range []common.Hash{fh.BuyHash, fh.SellHash} {
		order, ok, err := w.store.ReduceQuantityRemaining(ctx, orderHash, fh.Amount, at)
		if err != nil {
			return fmt.Errorf("reducing quantity of %s: %s", orderHash, err)
		}
		if !ok {
			// the counterparty order was never submitted to this indexer
			continue
		}

		if order.QuantityRemaining.Sign() > 0 {
			if err := EnqueueHashUpdate(ctx, w.queues.HashUpdate, HashUpdate{
				Context:   fmt.Sprintf("%s-%s", fh.Context, orderHash.Hex()),
				Hash:      orderHash,
				Trigger:   "fill",
				Timestamp: fh.Timestamp,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
