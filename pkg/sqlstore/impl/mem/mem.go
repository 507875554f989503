package mem

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/tokenset"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

// Store is a pure in-memory sqlstore.Store with the same observable semantics
// as the Postgres implementation. It backs the engine tests.
type Store struct {
	mu sync.RWMutex

	orders map[common.Hash]sqlstore.Order

	cancelEvents      map[sqlstore.EventKey]sqlstore.CancelEvent
	fillEvents        map[sqlstore.EventKey]sqlstore.FillEvent
	bulkCancelEvents  map[sqlstore.EventKey]sqlstore.BulkCancelEvent
	nftTransferEvents map[sqlstore.EventKey]sqlstore.NftTransferEvent
	nftApprovalEvents map[sqlstore.EventKey]sqlstore.NftApprovalEvent
	ftTransferEvents  map[sqlstore.EventKey]sqlstore.FtTransferEvent
	ftApprovalEvents  map[sqlstore.EventKey]sqlstore.FtApprovalEvent

	nftBalances  map[string]*big.Int
	ftBalances   map[string]*big.Int
	ftAllowances map[string]*big.Int
	proxies      map[common.Address]common.Address

	tokenSets       map[string]tokenset.TokenSet
	tokenSetMembers map[string]map[string]sqlstore.Token
	attributes      map[string]map[string]sqlstore.Token
	contracts       map[common.Address]sqlstore.ContractKind
	royalties       map[common.Address]common.Address

	lastHeight    int64
	lastHeightSet bool
}

var _ sqlstore.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		orders:            map[common.Hash]sqlstore.Order{},
		cancelEvents:      map[sqlstore.EventKey]sqlstore.CancelEvent{},
		fillEvents:        map[sqlstore.EventKey]sqlstore.FillEvent{},
		bulkCancelEvents:  map[sqlstore.EventKey]sqlstore.BulkCancelEvent{},
		nftTransferEvents: map[sqlstore.EventKey]sqlstore.NftTransferEvent{},
		nftApprovalEvents: map[sqlstore.EventKey]sqlstore.NftApprovalEvent{},
		ftTransferEvents:  map[sqlstore.EventKey]sqlstore.FtTransferEvent{},
		ftApprovalEvents:  map[sqlstore.EventKey]sqlstore.FtApprovalEvent{},
		nftBalances:       map[string]*big.Int{},
		ftBalances:        map[string]*big.Int{},
		ftAllowances:      map[string]*big.Int{},
		proxies:           map[common.Address]common.Address{},
		tokenSets:         map[string]tokenset.TokenSet{},
		tokenSetMembers:   map[string]map[string]sqlstore.Token{},
		attributes:        map[string]map[string]sqlstore.Token{},
		contracts:         map[common.Address]sqlstore.ContractKind{},
		royalties:         map[common.Address]common.Address{},
	}
}

// Close implements sqlstore.Store.
func (s *Store) Close() {}

func nftKey(contract common.Address, tokenID *big.Int, owner common.Address) string {
	return fmt.Sprintf("%s|%s|%s", contract.Hex(), tokenID, owner.Hex())
}

func ftKey(contract, owner common.Address) string {
	return fmt.Sprintf("%s|%s", contract.Hex(), owner.Hex())
}

func allowanceKey(contract, owner, spender common.Address) string {
	return fmt.Sprintf("%s|%s|%s", contract.Hex(), owner.Hex(), spender.Hex())
}

func tokenKey(t sqlstore.Token) string {
	return fmt.Sprintf("%s|%s", t.Contract.Hex(), t.TokenID)
}

func attrKey(collection common.Address, key, value string) string {
	return fmt.Sprintf("%s|%s|%s", collection.Hex(), key, value)
}

func clone(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

// ---- OrderStore ----

// SaveOrder implements sqlstore.OrderStore.
func (s *Store) SaveOrder(_ context.Context, order sqlstore.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.orders[order.Hash]; ok {
		order.CreatedAt = existing.CreatedAt
	}
	s.orders[order.Hash] = order
	return nil
}

// Order implements sqlstore.OrderStore.
func (s *Store) Order(_ context.Context, hash common.Hash) (sqlstore.Order, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[hash]
	return order, ok, nil
}

// SetOrderStatus implements sqlstore.OrderStore.
func (s *Store) SetOrderStatus(_ context.Context, hash common.Hash, upd sqlstore.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[hash]
	if !ok {
		return false, fmt.Errorf("order %s not found", hash)
	}

	changed := false
	if order.FillabilityStatus != upd.Fillability {
		order.FillabilityStatus = upd.Fillability
		changed = true
	}
	if order.ApprovalStatus != upd.Approval {
		order.ApprovalStatus = upd.Approval
		changed = true
	}
	if upd.Value != nil && (order.Value == nil || order.Value.Cmp(upd.Value) != 0) {
		order.Value = clone(upd.Value)
		changed = true
	}
	if upd.QuantityRemaining != nil &&
		(order.QuantityRemaining == nil || order.QuantityRemaining.Cmp(upd.QuantityRemaining) != 0) {
		order.QuantityRemaining = clone(upd.QuantityRemaining)
		changed = true
	}
	if !upd.Expiration.IsZero() && !order.Expiration.Equal(upd.Expiration) {
		order.Expiration = upd.Expiration
		changed = true
	}
	if changed {
		order.UpdatedAt = time.Now()
		s.orders[hash] = order
	}
	return changed, nil
}

// ReduceQuantityRemaining implements sqlstore.OrderStore.
func (s *Store) ReduceQuantityRemaining(
	_ context.Context,
	hash common.Hash,
	amount *big.Int,
	at time.Time,
) (sqlstore.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[hash]
	if !ok {
		return sqlstore.Order{}, false, nil
	}

	remaining := new(big.Int).Sub(orZero(order.QuantityRemaining), orZero(amount))
	if remaining.Sign() <= 0 {
		remaining.SetInt64(0)
		order.FillabilityStatus = sqlstore.FillabilityFilled
		order.Expiration = at
	}
	order.QuantityRemaining = remaining
	order.UpdatedAt = time.Now()
	s.orders[hash] = order
	return order, true, nil
}

func (s *Store) recheckOrders(
	match func(o sqlstore.Order) bool,
	derive func(o sqlstore.Order) (sqlstore.FillabilityStatus, sqlstore.ApprovalStatus),
	at time.Time,
) []sqlstore.OrderStatusChange {
	var changes []sqlstore.OrderStatusChange
	for hash, order := range s.orders {
		if !order.Active() || !match(order) {
			continue
		}
		newFill, newApproval := derive(order)
		if newFill == order.FillabilityStatus && newApproval == order.ApprovalStatus {
			continue
		}
		change := sqlstore.OrderStatusChange{
			Hash:           hash,
			Kind:           order.Kind,
			Maker:          order.Maker,
			OldFillability: order.FillabilityStatus,
			NewFillability: newFill,
			OldApproval:    order.ApprovalStatus,
			NewApproval:    newApproval,
		}
		if newFill != order.FillabilityStatus {
			order.FillabilityStatus = newFill
			if newFill == sqlstore.FillabilityFillable {
				order.Expiration = order.ValidUntil
			} else {
				order.Expiration = at
			}
		}
		order.ApprovalStatus = newApproval
		order.UpdatedAt = time.Now()
		s.orders[hash] = order
		changes = append(changes, change)
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Hash.Hex() < changes[j].Hash.Hex()
	})
	return changes
}

// RecheckSellBalanceOrders implements sqlstore.OrderStore.
func (s *Store) RecheckSellBalanceOrders(
	_ context.Context,
	maker, contract common.Address,
	tokenID *big.Int,
	skipKinds []wyvern.OrderKind,
	at time.Time,
) ([]sqlstore.OrderStatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	skip := map[wyvern.OrderKind]struct{}{}
	for _, k := range skipKinds {
		skip[k] = struct{}{}
	}
	balance := orZero(s.nftBalances[nftKey(contract, tokenID, maker)])

	changes := s.recheckOrders(
		func(o sqlstore.Order) bool {
			if o.Maker != maker || o.Side != wyvern.SideSell {
				return false
			}
			if _, ok := skip[o.Kind]; ok {
				return false
			}
			return s.tokenSetContains(o.TokenSetID, contract, tokenID)
		},
		func(o sqlstore.Order) (sqlstore.FillabilityStatus, sqlstore.ApprovalStatus) {
			if balance.Cmp(orZero(o.QuantityRemaining)) >= 0 {
				return sqlstore.FillabilityFillable, o.ApprovalStatus
			}
			return sqlstore.FillabilityNoBalance, o.ApprovalStatus
		},
		at,
	)
	return changes, nil
}

// RecheckBuyBalanceOrders implements sqlstore.OrderStore.
func (s *Store) RecheckBuyBalanceOrders(
	_ context.Context,
	maker, currency common.Address,
	at time.Time,
) ([]sqlstore.OrderStatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := orZero(s.ftBalances[ftKey(currency, maker)])
	changes := s.recheckOrders(
		func(o sqlstore.Order) bool {
			return o.Maker == maker && o.Side == wyvern.SideBuy && o.Currency == currency
		},
		func(o sqlstore.Order) (sqlstore.FillabilityStatus, sqlstore.ApprovalStatus) {
			if balance.Cmp(orZero(o.Price)) >= 0 {
				return sqlstore.FillabilityFillable, o.ApprovalStatus
			}
			return sqlstore.FillabilityNoBalance, o.ApprovalStatus
		},
		at,
	)
	return changes, nil
}

// RecheckSellApprovalOrders implements sqlstore.OrderStore.
func (s *Store) RecheckSellApprovalOrders(
	_ context.Context,
	maker, contract, operator common.Address,
	approved bool,
	at time.Time,
) ([]sqlstore.OrderStatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newStatus := sqlstore.ApprovalNoApproval
	if approved {
		newStatus = sqlstore.ApprovalApproved
	}
	changes := s.recheckOrders(
		func(o sqlstore.Order) bool {
			return o.Maker == maker && o.Side == wyvern.SideSell &&
				o.Contract == contract && o.Conduit == operator
		},
		func(o sqlstore.Order) (sqlstore.FillabilityStatus, sqlstore.ApprovalStatus) {
			return o.FillabilityStatus, newStatus
		},
		at,
	)
	return changes, nil
}

// RecheckBuyApprovalOrders implements sqlstore.OrderStore.
func (s *Store) RecheckBuyApprovalOrders(
	_ context.Context,
	maker, operator common.Address,
	allowance *big.Int,
	at time.Time,
) ([]sqlstore.OrderStatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := s.recheckOrders(
		func(o sqlstore.Order) bool {
			return o.Maker == maker && o.Side == wyvern.SideBuy && o.Conduit == operator
		},
		func(o sqlstore.Order) (sqlstore.FillabilityStatus, sqlstore.ApprovalStatus) {
			// the proxy only pulls the taker-fee share, price - value
			required := new(big.Int).Sub(orZero(o.Price), orZero(o.Value))
			if orZero(allowance).Cmp(required) >= 0 {
				return o.FillabilityStatus, sqlstore.ApprovalApproved
			}
			return o.FillabilityStatus, sqlstore.ApprovalNoApproval
		},
		at,
	)
	return changes, nil
}

// BuyOrderConduits implements sqlstore.OrderStore.
func (s *Store) BuyOrderConduits(
	_ context.Context,
	maker common.Address,
	kind wyvern.OrderKind,
) ([]common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[common.Address]struct{}{}
	var conduits []common.Address
	for _, order := range s.orders {
		if order.Maker != maker || order.Side != wyvern.SideBuy || order.Kind != kind || !order.Active() {
			continue
		}
		if _, ok := seen[order.Conduit]; ok {
			continue
		}
		seen[order.Conduit] = struct{}{}
		conduits = append(conduits, order.Conduit)
	}
	return conduits, nil
}

// BestOrder implements sqlstore.OrderStore.
func (s *Store) BestOrder(
	_ context.Context,
	side wyvern.Side,
	tokenSetID string,
) (sqlstore.Order, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best sqlstore.Order
	found := false
	for _, order := range s.orders {
		if order.Side != side || order.TokenSetID != tokenSetID {
			continue
		}
		if order.FillabilityStatus != sqlstore.FillabilityFillable ||
			order.ApprovalStatus != sqlstore.ApprovalApproved {
			continue
		}
		if !found {
			best, found = order, true
			continue
		}
		cmp := orZero(order.Value).Cmp(orZero(best.Value))
		if (side == wyvern.SideBuy && cmp > 0) || (side == wyvern.SideSell && cmp < 0) {
			best = order
		}
	}
	return best, found, nil
}

// OrdersByMaker implements sqlstore.OrderStore.
func (s *Store) OrdersByMaker(
	_ context.Context,
	maker common.Address,
	side wyvern.Side,
) ([]sqlstore.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []sqlstore.Order
	for _, order := range s.orders {
		if order.Maker == maker && order.Side == side {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Hash.Hex() < orders[j].Hash.Hex()
	})
	return orders, nil
}

func (s *Store) tokenSetContains(setID string, contract common.Address, tokenID *big.Int) bool {
	set, ok := s.tokenSets[setID]
	if !ok {
		return false
	}
	switch set.Kind {
	case tokenset.KindToken:
		return set.Contract == contract && set.TokenID.Cmp(tokenID) == 0
	case tokenset.KindRange:
		return set.Contract == contract &&
			set.StartTokenID.Cmp(tokenID) <= 0 && set.EndTokenID.Cmp(tokenID) >= 0
	case tokenset.KindContract:
		return set.Contract == contract
	case tokenset.KindList:
		_, member := s.tokenSetMembers[setID][tokenKey(sqlstore.Token{Contract: contract, TokenID: tokenID})]
		return member
	}
	return false
}
