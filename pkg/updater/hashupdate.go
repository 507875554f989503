package updater

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/wyvernlabs/go-orderbook/pkg/jobs"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/tokenset"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

// HandleHashUpdate re-derives one order's status from scratch against the
// current projections. This is the authoritative single-order recomputation:
// whatever state the order is in, the outcome depends only on the accumulated
// event history, which is what makes reorg recovery work.
func (w *Worker) HandleHashUpdate(ctx context.Context, job jobs.Job) error {
	var hu HashUpdate
	if err := encoding.Unmarshal(job.Payload, &hu); err != nil {
		return fmt.Errorf("unmarshaling hash update: %s", err)
	}
	at := tsTime(hu.Timestamp)

	order, ok, err := w.store.Order(ctx, hu.Hash)
	if err != nil {
		return fmt.Errorf("loading order: %s", err)
	}
	if !ok {
		// fills routinely reference orders the indexer never saw
		return nil
	}

	upd, err := w.deriveStatus(ctx, order, at)
	if err != nil {
		return fmt.Errorf("deriving status of %s: %s", order.Hash, err)
	}

	if _, err := w.store.SetOrderStatus(ctx, order.Hash, upd); err != nil {
		return fmt.Errorf("writing derived status: %s", err)
	}

	return w.applyKindPolicy(ctx, sqlstore.OrderStatusChange{
		Hash:           order.Hash,
		Kind:           order.Kind,
		Maker:          order.Maker,
		OldFillability: order.FillabilityStatus,
		NewFillability: upd.Fillability,
		OldApproval:    order.ApprovalStatus,
		NewApproval:    upd.Approval,
	}, at)
}

func (w *Worker) deriveStatus(
	ctx context.Context,
	order sqlstore.Order,
	at time.Time,
) (sqlstore.StatusUpdate, error) {
	upd := sqlstore.StatusUpdate{
		Approval:   order.ApprovalStatus,
		Expiration: at,
	}

	cancelled, err := w.store.IsCancelled(ctx, order.Hash)
	if err != nil {
		return upd, fmt.Errorf("checking cancel events: %s", err)
	}
	if cancelled {
		upd.Fillability = sqlstore.FillabilityCancelled
		return upd, nil
	}

	if order.Kind == wyvern.OrderKindWyvernV23 && order.Nonce != nil {
		floor, ok, err := w.store.NonceFloor(ctx, order.Maker, order.Kind)
		if err != nil {
			return upd, fmt.Errorf("checking nonce floor: %s", err)
		}
		if ok && order.Nonce.Cmp(floor) < 0 {
			upd.Fillability = sqlstore.FillabilityCancelled
			return upd, nil
		}
	}

	filled, err := w.store.FilledQuantity(ctx, order.Hash)
	if err != nil {
		return upd, fmt.Errorf("checking fill events: %s", err)
	}
	remaining := new(big.Int).Sub(orZero(order.Quantity), filled)
	if remaining.Sign() <= 0 {
		remaining.SetInt64(0)
		upd.QuantityRemaining = remaining
		upd.Fillability = sqlstore.FillabilityFilled
		return upd, nil
	}
	upd.QuantityRemaining = remaining

	if !order.ValidUntil.After(time.Now()) {
		upd.Fillability = sqlstore.FillabilityExpired
		return upd, nil
	}

	switch order.Side {
	case wyvern.SideSell:
		if err := w.deriveSellStatus(ctx, order, remaining, &upd); err != nil {
			return upd, err
		}
	case wyvern.SideBuy:
		if err := w.deriveBuyStatus(ctx, order, &upd); err != nil {
			return upd, err
		}
	default:
		return upd, fmt.Errorf("unknown order side %d", order.Side)
	}

	if upd.Fillability == sqlstore.FillabilityFillable {
		upd.Expiration = order.ValidUntil
	}
	return upd, nil
}

func (w *Worker) deriveSellStatus(
	ctx context.Context,
	order sqlstore.Order,
	remaining *big.Int,
	upd *sqlstore.StatusUpdate,
) error {
	upd.Fillability = sqlstore.FillabilityFillable

	// For escrowed kinds the exchange custodies the token already.
	if policy, ok := w.policies[order.Kind]; !ok || !policy.Escrowed {
		set, err := tokenset.ParseID(order.TokenSetID)
		if err != nil {
			return fmt.Errorf("parsing token set id: %s", err)
		}
		// only single-token sets pin down which token the maker must hold
		if set.Kind == tokenset.KindToken {
			balance, err := w.store.NftBalance(ctx, set.Contract, set.TokenID, order.Maker)
			if err != nil {
				return fmt.Errorf("reading nft balance: %s", err)
			}
			if balance.Cmp(remaining) < 0 {
				upd.Fillability = sqlstore.FillabilityNoBalance
			}
		}
	}

	approved, err := w.store.NftApproval(ctx, order.Contract, order.Maker, order.Conduit)
	if err != nil {
		return fmt.Errorf("reading nft approval: %s", err)
	}
	upd.Approval = sqlstore.ApprovalNoApproval
	if approved {
		upd.Approval = sqlstore.ApprovalApproved
	}
	return nil
}

func (w *Worker) deriveBuyStatus(
	ctx context.Context,
	order sqlstore.Order,
	upd *sqlstore.StatusUpdate,
) error {
	balance, err := w.store.FtBalance(ctx, order.Currency, order.Maker)
	if err != nil {
		return fmt.Errorf("reading ft balance: %s", err)
	}
	upd.Fillability = sqlstore.FillabilityFillable
	if balance.Cmp(orZero(order.Price)) < 0 {
		upd.Fillability = sqlstore.FillabilityNoBalance
	}

	required := new(big.Int).Sub(orZero(order.Price), orZero(order.Value))
	allowance, ok, err := w.store.FtAllowance(ctx, order.Currency, order.Maker, order.Conduit)
	if err != nil {
		return fmt.Errorf("reading ft allowance: %s", err)
	}
	if !ok {
		allowance = new(big.Int)
	}
	upd.Approval = sqlstore.ApprovalNoApproval
	if allowance.Cmp(required) >= 0 {
		upd.Approval = sqlstore.ApprovalApproved
	}
	return nil
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
