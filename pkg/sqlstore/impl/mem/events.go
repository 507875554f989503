package mem

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

// ---- EventStore ----

// AddCancelEvents implements sqlstore.EventStore.
func (s *Store) AddCancelEvents(_ context.Context, events []sqlstore.CancelEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if _, ok := s.cancelEvents[e.EventKey]; ok {
			continue
		}
		s.cancelEvents[e.EventKey] = e
	}
	return nil
}

// AddFillEvents implements sqlstore.EventStore.
func (s *Store) AddFillEvents(_ context.Context, events []sqlstore.FillEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if _, ok := s.fillEvents[e.EventKey]; ok {
			continue
		}
		s.fillEvents[e.EventKey] = e
	}
	return nil
}

// AddBulkCancelEvents implements sqlstore.EventStore.
func (s *Store) AddBulkCancelEvents(
	_ context.Context,
	events []sqlstore.BulkCancelEvent,
) ([]sqlstore.OrderStatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []sqlstore.OrderStatusChange
	for _, e := range events {
		if _, ok := s.bulkCancelEvents[e.EventKey]; ok {
			continue
		}
		s.bulkCancelEvents[e.EventKey] = e

		changes = append(changes, s.recheckOrders(
			func(o sqlstore.Order) bool {
				return o.Maker == e.Maker && o.Kind == e.OrderKind &&
					o.Nonce != nil && o.Nonce.Cmp(e.MinNonce) < 0
			},
			func(o sqlstore.Order) (sqlstore.FillabilityStatus, sqlstore.ApprovalStatus) {
				return sqlstore.FillabilityCancelled, o.ApprovalStatus
			},
			e.Timestamp,
		)...)
	}
	return changes, nil
}

// AddNftTransferEvents implements sqlstore.EventStore.
func (s *Store) AddNftTransferEvents(_ context.Context, events []sqlstore.NftTransferEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if _, ok := s.nftTransferEvents[e.EventKey]; ok {
			continue
		}
		s.nftTransferEvents[e.EventKey] = e
		s.applyNftTransfer(e, false)
	}
	return nil
}

// AddNftApprovalEvents implements sqlstore.EventStore.
func (s *Store) AddNftApprovalEvents(_ context.Context, events []sqlstore.NftApprovalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if _, ok := s.nftApprovalEvents[e.EventKey]; ok {
			continue
		}
		s.nftApprovalEvents[e.EventKey] = e
	}
	return nil
}

// AddFtTransferEvents implements sqlstore.EventStore.
func (s *Store) AddFtTransferEvents(_ context.Context, events []sqlstore.FtTransferEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if _, ok := s.ftTransferEvents[e.EventKey]; ok {
			continue
		}
		s.ftTransferEvents[e.EventKey] = e
		s.applyFtTransfer(e, false)
	}
	return nil
}

// AddFtApprovalEvents implements sqlstore.EventStore.
func (s *Store) AddFtApprovalEvents(_ context.Context, events []sqlstore.FtApprovalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if _, ok := s.ftApprovalEvents[e.EventKey]; ok {
			continue
		}
		s.ftApprovalEvents[e.EventKey] = e
		s.ftAllowances[allowanceKey(e.Contract, e.Owner, e.Spender)] = clone(e.Value)
	}
	return nil
}

func (s *Store) applyNftTransfer(e sqlstore.NftTransferEvent, reverse bool) {
	amount := orZero(e.Amount)
	from, to := e.From, e.To
	if reverse {
		from, to = to, from
	}
	if from != (common.Address{}) {
		key := nftKey(e.Contract, e.TokenID, from)
		s.nftBalances[key] = new(big.Int).Sub(orZero(s.nftBalances[key]), amount)
	}
	if to != (common.Address{}) {
		key := nftKey(e.Contract, e.TokenID, to)
		s.nftBalances[key] = new(big.Int).Add(orZero(s.nftBalances[key]), amount)
	}
}

func (s *Store) applyFtTransfer(e sqlstore.FtTransferEvent, reverse bool) {
	amount := orZero(e.Amount)
	from, to := e.From, e.To
	if reverse {
		from, to = to, from
	}
	if from != (common.Address{}) {
		key := ftKey(e.Contract, from)
		s.ftBalances[key] = new(big.Int).Sub(orZero(s.ftBalances[key]), amount)
	}
	if to != (common.Address{}) {
		key := ftKey(e.Contract, to)
		s.ftBalances[key] = new(big.Int).Add(orZero(s.ftBalances[key]), amount)
	}
}

// DeleteBlockEvents implements sqlstore.EventStore.
func (s *Store) DeleteBlockEvents(_ context.Context, blockHash common.Hash) ([]common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := map[common.Hash]struct{}{}

	for key, e := range s.cancelEvents {
		if key.BlockHash != blockHash {
			continue
		}
		touched[e.OrderHash] = struct{}{}
		delete(s.cancelEvents, key)
	}
	for key, e := range s.fillEvents {
		if key.BlockHash != blockHash {
			continue
		}
		touched[e.BuyHash] = struct{}{}
		touched[e.SellHash] = struct{}{}
		delete(s.fillEvents, key)
	}
	for key, e := range s.bulkCancelEvents {
		if key.BlockHash != blockHash {
			continue
		}
		for hash, order := range s.orders {
			if order.Maker == e.Maker && order.Kind == e.OrderKind &&
				order.Nonce != nil && order.Nonce.Cmp(e.MinNonce) < 0 {
				touched[hash] = struct{}{}
			}
		}
		delete(s.bulkCancelEvents, key)
	}
	for key, e := range s.nftTransferEvents {
		if key.BlockHash != blockHash {
			continue
		}
		s.applyNftTransfer(e, true)
		for hash, order := range s.orders {
			if order.Side != wyvern.SideSell {
				continue
			}
			if order.Maker != e.From && order.Maker != e.To {
				continue
			}
			if s.tokenSetContains(order.TokenSetID, e.Contract, e.TokenID) {
				touched[hash] = struct{}{}
			}
		}
		delete(s.nftTransferEvents, key)
	}
	for key, e := range s.nftApprovalEvents {
		if key.BlockHash != blockHash {
			continue
		}
		for hash, order := range s.orders {
			if order.Side == wyvern.SideSell && order.Maker == e.Owner && order.Conduit == e.Operator {
				touched[hash] = struct{}{}
			}
		}
		delete(s.nftApprovalEvents, key)
	}
	for key, e := range s.ftTransferEvents {
		if key.BlockHash != blockHash {
			continue
		}
		s.applyFtTransfer(e, true)
		for hash, order := range s.orders {
			if order.Side != wyvern.SideBuy || order.Currency != e.Contract {
				continue
			}
			if order.Maker == e.From || order.Maker == e.To {
				touched[hash] = struct{}{}
			}
		}
		delete(s.ftTransferEvents, key)
	}
	reset := map[string]bool{}
	for key, e := range s.ftApprovalEvents {
		if key.BlockHash != blockHash {
			continue
		}
		for hash, order := range s.orders {
			if order.Side == wyvern.SideBuy && order.Maker == e.Owner && order.Conduit == e.Spender {
				touched[hash] = struct{}{}
			}
		}
		reset[allowanceKey(e.Contract, e.Owner, e.Spender)] = true
		delete(s.ftApprovalEvents, key)
	}
	// re-derive allowances from the surviving approval events
	latest := map[string]sqlstore.FtApprovalEvent{}
	for _, e := range s.ftApprovalEvents {
		k := allowanceKey(e.Contract, e.Owner, e.Spender)
		if l, ok := latest[k]; reset[k] && (!ok || e.Block > l.Block || (e.Block == l.Block && e.LogIndex > l.LogIndex)) {
			latest[k] = e
		}
	}
	for k := range reset {
		delete(s.ftAllowances, k)
		if l, ok := latest[k]; ok {
			s.ftAllowances[k] = clone(l.Value)
		}
	}

	hashes := make([]common.Hash, 0, len(touched))
	for hash := range touched {
		hashes = append(hashes, hash)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Hex() < hashes[j].Hex() })
	return hashes, nil
}

// IsCancelled implements sqlstore.EventStore.
func (s *Store) IsCancelled(_ context.Context, orderHash common.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.cancelEvents {
		if e.OrderHash == orderHash {
			return true, nil
		}
	}
	return false, nil
}

// FilledQuantity implements sqlstore.EventStore.
func (s *Store) FilledQuantity(_ context.Context, orderHash common.Hash) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := new(big.Int)
	for _, e := range s.fillEvents {
		if e.BuyHash == orderHash || e.SellHash == orderHash {
			total.Add(total, orZero(e.Amount))
		}
	}
	return total, nil
}

// NonceFloor implements sqlstore.EventStore.
func (s *Store) NonceFloor(
	_ context.Context,
	maker common.Address,
	kind wyvern.OrderKind,
) (*big.Int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var floor *big.Int
	for _, e := range s.bulkCancelEvents {
		if e.Maker != maker || e.OrderKind != kind {
			continue
		}
		if floor == nil || e.MinNonce.Cmp(floor) > 0 {
			floor = e.MinNonce
		}
	}
	if floor == nil {
		return nil, false, nil
	}
	return clone(floor), true, nil
}

// LastProcessedHeight implements sqlstore.EventStore.
func (s *Store) LastProcessedHeight(_ context.Context) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeight, s.lastHeightSet, nil
}

// SetLastProcessedHeight implements sqlstore.EventStore.
func (s *Store) SetLastProcessedHeight(_ context.Context, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeight, s.lastHeightSet = height, true
	return nil
}

// ---- BalanceStore ----

// NftBalance implements sqlstore.BalanceStore.
func (s *Store) NftBalance(
	_ context.Context,
	contract common.Address,
	tokenID *big.Int,
	owner common.Address,
) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return clone(orZero(s.nftBalances[nftKey(contract, tokenID, owner)])), nil
}

// FtBalance implements sqlstore.BalanceStore.
func (s *Store) FtBalance(_ context.Context, contract, owner common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return clone(orZero(s.ftBalances[ftKey(contract, owner)])), nil
}

// NftApproval implements sqlstore.BalanceStore.
func (s *Store) NftApproval(_ context.Context, contract, owner, operator common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *sqlstore.NftApprovalEvent
	for key := range s.nftApprovalEvents {
		e := s.nftApprovalEvents[key]
		if e.Contract != contract || e.Owner != owner || e.Operator != operator {
			continue
		}
		if latest == nil || e.Block > latest.Block ||
			(e.Block == latest.Block && e.LogIndex > latest.LogIndex) {
			e := e
			latest = &e
		}
	}
	if latest == nil {
		return false, nil
	}
	return latest.Approved, nil
}

// FtAllowance implements sqlstore.BalanceStore.
func (s *Store) FtAllowance(
	_ context.Context,
	contract, owner, spender common.Address,
) (*big.Int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allowance, ok := s.ftAllowances[allowanceKey(contract, owner, spender)]
	if !ok {
		return nil, false, nil
	}
	return clone(allowance), true, nil
}

// SetFtAllowance implements sqlstore.BalanceStore.
func (s *Store) SetFtAllowance(
	_ context.Context,
	contract, owner, spender common.Address,
	amount *big.Int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ftAllowances[allowanceKey(contract, owner, spender)] = clone(amount)
	return nil
}

// Proxy implements sqlstore.BalanceStore.
func (s *Store) Proxy(_ context.Context, owner common.Address) (common.Address, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	proxy, ok := s.proxies[owner]
	return proxy, ok, nil
}

// SetProxy implements sqlstore.BalanceStore.
func (s *Store) SetProxy(_ context.Context, owner, proxy common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.proxies[owner] = proxy
	return nil
}

// SeedNftBalance sets a balance directly, bypassing the event log. Test helper.
func (s *Store) SeedNftBalance(contract common.Address, tokenID *big.Int, owner common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nftBalances[nftKey(contract, tokenID, owner)] = clone(amount)
}

// SeedFtBalance sets a fungible balance directly. Test helper.
func (s *Store) SeedFtBalance(contract, owner common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ftBalances[ftKey(contract, owner)] = clone(amount)
}
