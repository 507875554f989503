package updater

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/wyvernlabs/go-orderbook/pkg/jobs"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

// AllowanceFetcher re-reads an ERC20 allowance from chain state. ERC20
// Transfer carries no Approval log, so transfer-induced approval rechecks
// must consult the chain before projecting.
type AllowanceFetcher interface {
	Allowance(ctx context.Context, contract, owner, spender common.Address) (*big.Int, error)
}

// ChainAllowanceFetcher reads allowances through a contract caller.
type ChainAllowanceFetcher struct {
	Caller wyvern.ContractCaller
}

// Allowance implements AllowanceFetcher.
func (f *ChainAllowanceFetcher) Allowance(
	ctx context.Context,
	contract, owner, spender common.Address,
) (*big.Int, error) {
	return wyvern.NewWETH(contract, f.Caller).Allowance(ctx, owner, spender)
}

// Worker hosts the maker-update, hash-update and fill handlers. It holds no
// mutable state of its own: the database is the shared state, and every write
// it performs is idempotent.
type Worker struct {
	log        zerolog.Logger
	store      sqlstore.Store
	queues     Queues
	allowances AllowanceFetcher
	policies   map[wyvern.OrderKind]KindPolicy
	skipKinds  []wyvern.OrderKind
}

// NewWorker returns a worker bound to the store and queue registry. The
// allowance fetcher may be nil, in which case transfer-induced approval
// rechecks fall back to the projected allowance.
func NewWorker(store sqlstore.Store, queues Queues, allowances AllowanceFetcher) *Worker {
	policies := DefaultKindPolicies()
	return &Worker{
		log: logger.With().
			Str("component", "updater").
			Logger(),
		store:      store,
		queues:     queues,
		allowances: allowances,
		policies:   policies,
		skipKinds:  escrowedKinds(policies),
	}
}

// HandleMakerUpdate processes one maker-update job.
func (w *Worker) HandleMakerUpdate(ctx context.Context, job jobs.Job) error {
	var mu MakerUpdate
	if err := encoding.Unmarshal(job.Payload, &mu); err != nil {
		return fmt.Errorf("unmarshaling maker update: %s", err)
	}
	at := tsTime(mu.Timestamp)

	var changes []sqlstore.OrderStatusChange
	var err error
	switch mu.Kind {
	case MakerUpdateSellBalance:
		changes, err = w.store.RecheckSellBalanceOrders(
			ctx, mu.Maker, mu.Contract, mu.TokenID, w.skipKinds, at)
	case MakerUpdateBuyBalance:
		changes, err = w.store.RecheckBuyBalanceOrders(ctx, mu.Maker, mu.Contract, at)
	case MakerUpdateSellApproval:
		if mu.Operator == nil {
			return fmt.Errorf("sell-approval update without operator")
		}
		var approved bool
		approved, err = w.store.NftApproval(ctx, mu.Contract, mu.Maker, *mu.Operator)
		if err != nil {
			return fmt.Errorf("reading nft approval: %s", err)
		}
		changes, err = w.store.RecheckSellApprovalOrders(
			ctx, mu.Maker, mu.Contract, *mu.Operator, approved, at)
	case MakerUpdateBuyApproval:
		changes, err = w.handleBuyApproval(ctx, mu, at)
	default:
		return fmt.Errorf("unknown maker update kind %q", mu.Kind)
	}
	if err != nil {
		return fmt.Errorf("rechecking %s orders: %s", mu.Kind, err)
	}

	for _, change := range changes {
		if err := w.applyKindPolicy(ctx, change, at); err != nil {
			return err
		}
		// chase with a hash update so per-order derivations (expiry,
		// quantity) are applied exactly once per trigger
		if err := EnqueueHashUpdate(ctx, w.queues.HashUpdate, HashUpdate{
			Context:   fmt.Sprintf("%s-%s", mu.Context, change.Hash.Hex()),
			Hash:      change.Hash,
			Trigger:   string(mu.Kind),
			Timestamp: mu.Timestamp,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) handleBuyApproval(
	ctx context.Context,
	mu MakerUpdate,
	at time.Time,
) ([]sqlstore.OrderStatusChange, error) {
	if mu.Operator != nil {
		allowance, err := w.resolveAllowance(ctx, mu.Contract, mu.Maker, *mu.Operator, false)
		if err != nil {
			return nil, err
		}
		return w.store.RecheckBuyApprovalOrders(ctx, mu.Maker, *mu.Operator, allowance, at)
	}

	if mu.OrderKind == "" {
		return nil, fmt.Errorf("buy-approval update without operator or order kind")
	}

	// Transfer-induced recheck: one pass per distinct conduit of the maker's
	// orders of this kind, each with a fresh on-chain allowance read.
	conduits, err := w.store.BuyOrderConduits(ctx, mu.Maker, mu.OrderKind)
	if err != nil {
		return nil, fmt.Errorf("listing buy order conduits: %s", err)
	}
	var changes []sqlstore.OrderStatusChange
	for _, conduit := range conduits {
		allowance, err := w.resolveAllowance(ctx, mu.Contract, mu.Maker, conduit, true)
		if err != nil {
			return nil, err
		}
		batch, err := w.store.RecheckBuyApprovalOrders(ctx, mu.Maker, conduit, allowance, at)
		if err != nil {
			return nil, fmt.Errorf("rechecking buy approvals for conduit %s: %s", conduit, err)
		}
		changes = append(changes, batch...)
	}
	return changes, nil
}

// resolveAllowance returns the spender's allowance, preferring chain state
// when forced or when no projection exists yet, and caching what it reads.
func (w *Worker) resolveAllowance(
	ctx context.Context,
	contract, owner, spender common.Address,
	forceChainRead bool,
) (*big.Int, error) {
	if !forceChainRead || w.allowances == nil {
		allowance, ok, err := w.store.FtAllowance(ctx, contract, owner, spender)
		if err != nil {
			return nil, fmt.Errorf("reading ft allowance: %s", err)
		}
		if ok {
			return allowance, nil
		}
		if w.allowances == nil {
			return new(big.Int), nil
		}
	}

	allowance, err := w.allowances.Allowance(ctx, contract, owner, spender)
	if err != nil {
		return nil, fmt.Errorf("fetching allowance from chain: %s", err)
	}
	if err := w.store.SetFtAllowance(ctx, contract, owner, spender, allowance); err != nil {
		return nil, fmt.Errorf("caching fetched allowance: %s", err)
	}
	return allowance, nil
}

// applyKindPolicy promotes a lost balance/approval straight to cancelled for
// marketplaces that invalidate off-chain on such transitions.
func (w *Worker) applyKindPolicy(
	ctx context.Context,
	change sqlstore.OrderStatusChange,
	at time.Time,
) error {
	policy, ok := w.policies[change.Kind]
	if !ok || !policy.CancelOnRevoke {
		return nil
	}
	if change.NewFillability != sqlstore.FillabilityNoBalance &&
		change.NewApproval != sqlstore.ApprovalNoApproval {
		return nil
	}

	if _, err := w.store.SetOrderStatus(ctx, change.Hash, sqlstore.StatusUpdate{
		Fillability: sqlstore.FillabilityCancelled,
		Approval:    change.NewApproval,
		Expiration:  at,
	}); err != nil {
		return fmt.Errorf("cancelling revoked order: %s", err)
	}
	return nil
}
