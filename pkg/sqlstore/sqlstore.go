package sqlstore

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wyvernlabs/go-orderbook/pkg/tokenset"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

// OrderStore reads and mutates the orders projection table. Every mutation is
// idempotent and writes conditionally, so the final state depends only on the
// accumulated event history and not on job ordering.
type OrderStore interface {
	// SaveOrder upserts an order row keyed by hash; replays are no-ops.
	SaveOrder(ctx context.Context, order Order) error
	// Order fetches one order by hash.
	Order(ctx context.Context, hash common.Hash) (Order, bool, error)
	// SetOrderStatus writes the authoritative per-order state, returning
	// whether any column actually changed.
	SetOrderStatus(ctx context.Context, hash common.Hash, upd StatusUpdate) (bool, error)
	// ReduceQuantityRemaining subtracts a filled amount; when the remainder
	// hits zero the order transitions to filled.
	ReduceQuantityRemaining(ctx context.Context, hash common.Hash, amount *big.Int, at time.Time) (Order, bool, error)

	// RecheckSellBalanceOrders re-derives fillability for every active sell
	// order of the maker whose token set contains (contract, tokenID),
	// except orders of the skipKinds (escrowed marketplaces).
	RecheckSellBalanceOrders(
		ctx context.Context,
		maker, contract common.Address,
		tokenID *big.Int,
		skipKinds []wyvern.OrderKind,
		at time.Time,
	) ([]OrderStatusChange, error)
	// RecheckBuyBalanceOrders re-derives fillability for every active buy
	// order of the maker paying in the given currency.
	RecheckBuyBalanceOrders(ctx context.Context, maker, currency common.Address, at time.Time) ([]OrderStatusChange, error)
	// RecheckSellApprovalOrders re-derives approval for every active sell
	// order of the maker on the contract whose conduit is the operator.
	RecheckSellApprovalOrders(
		ctx context.Context,
		maker, contract, operator common.Address,
		approved bool,
		at time.Time,
	) ([]OrderStatusChange, error)
	// RecheckBuyApprovalOrders re-derives approval for every active buy order
	// of the maker whose conduit is the operator, against the given allowance.
	RecheckBuyApprovalOrders(
		ctx context.Context,
		maker, operator common.Address,
		allowance *big.Int,
		at time.Time,
	) ([]OrderStatusChange, error)
	// BuyOrderConduits lists the distinct conduits of the maker's active buy
	// orders of one kind, for approval fan-out after an ERC20 transfer.
	BuyOrderConduits(ctx context.Context, maker common.Address, kind wyvern.OrderKind) ([]common.Address, error)

	// BestOrder returns the best currently-fillable order of a side for a
	// token set: highest value for buys, lowest for sells.
	BestOrder(ctx context.Context, side wyvern.Side, tokenSetID string) (Order, bool, error)
	// OrdersByMaker lists the maker's orders on one side.
	OrdersByMaker(ctx context.Context, maker common.Address, side wyvern.Side) ([]Order, error)
}

// EventStore is the append-only event log plus its projections. All Add
// methods are keyed by (blockHash, txHash, logIndex) with insert-if-absent
// semantics; projections are applied only for rows actually inserted.
type EventStore interface {
	AddCancelEvents(ctx context.Context, events []CancelEvent) error
	AddFillEvents(ctx context.Context, events []FillEvent) error
	// AddBulkCancelEvents also cancels every active order of the maker/kind
	// with nonce below the new floor, returning the rows it touched.
	AddBulkCancelEvents(ctx context.Context, events []BulkCancelEvent) ([]OrderStatusChange, error)
	AddNftTransferEvents(ctx context.Context, events []NftTransferEvent) error
	AddNftApprovalEvents(ctx context.Context, events []NftApprovalEvent) error
	AddFtTransferEvents(ctx context.Context, events []FtTransferEvent) error
	AddFtApprovalEvents(ctx context.Context, events []FtApprovalEvent) error

	// DeleteBlockEvents erases every event row of a reorged block hash,
	// reverses the balance projections derived from them, and returns the
	// hashes of all orders whose state may have depended on those rows.
	DeleteBlockEvents(ctx context.Context, blockHash common.Hash) ([]common.Hash, error)

	// IsCancelled reports whether any cancel event references the order.
	IsCancelled(ctx context.Context, orderHash common.Hash) (bool, error)
	// FilledQuantity sums the fill events referencing the order.
	FilledQuantity(ctx context.Context, orderHash common.Hash) (*big.Int, error)
	// NonceFloor returns the highest bulk-cancel min-nonce of a maker/kind.
	NonceFloor(ctx context.Context, maker common.Address, kind wyvern.OrderKind) (*big.Int, bool, error)

	// LastProcessedHeight tracks how far the ingestor has advanced.
	LastProcessedHeight(ctx context.Context) (int64, bool, error)
	SetLastProcessedHeight(ctx context.Context, height int64) error
}

// BalanceStore serves the balance/approval projections and the proxy cache.
type BalanceStore interface {
	NftBalance(ctx context.Context, contract common.Address, tokenID *big.Int, owner common.Address) (*big.Int, error)
	FtBalance(ctx context.Context, contract, owner common.Address) (*big.Int, error)
	// NftApproval is the latest ApprovalForAll state per (contract, owner, operator).
	NftApproval(ctx context.Context, contract, owner, operator common.Address) (bool, error)
	FtAllowance(ctx context.Context, contract, owner, spender common.Address) (*big.Int, bool, error)
	// SetFtAllowance caches an allowance read back from chain state.
	SetFtAllowance(ctx context.Context, contract, owner, spender common.Address, amount *big.Int) error
	Proxy(ctx context.Context, owner common.Address) (common.Address, bool, error)
	SetProxy(ctx context.Context, owner, proxy common.Address) error
}

// TokenSetStore materializes token sets and answers membership queries.
// Membership is write-once: it never shrinks while the set exists.
type TokenSetStore interface {
	SaveTokenSet(ctx context.Context, set tokenset.TokenSet, tokens []Token) error
	TokenSetExists(ctx context.Context, id string) (bool, error)
	// TokensByAttribute lists the collection tokens carrying an attribute,
	// used to rebuild the Merkle tree of a token-list order.
	TokensByAttribute(ctx context.Context, collection common.Address, key, value string) ([]Token, error)
	SetTokenAttribute(ctx context.Context, token Token, key, value string) error

	ContractKind(ctx context.Context, contract common.Address) (ContractKind, bool, error)
	SetContractKind(ctx context.Context, contract common.Address, kind ContractKind) error
	RoyaltyRecipient(ctx context.Context, collection common.Address) (common.Address, bool, error)
	SetRoyaltyRecipient(ctx context.Context, collection, recipient common.Address) error
}

// Store aggregates every store the indexer needs.
type Store interface {
	OrderStore
	EventStore
	BalanceStore
	TokenSetStore
	Close()
}
