package mem

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/tokenset"
)

// SaveTokenSet implements sqlstore.TokenSetStore. Membership is write-once:
// tokens are only ever added, never removed.
func (s *Store) SaveTokenSet(_ context.Context, set tokenset.TokenSet, tokens []sqlstore.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := set.ID()
	if _, ok := s.tokenSets[id]; !ok {
		s.tokenSets[id] = set
	}
	members, ok := s.tokenSetMembers[id]
	if !ok {
		members = map[string]sqlstore.Token{}
		s.tokenSetMembers[id] = members
	}
	for _, token := range tokens {
		members[tokenKey(token)] = token
	}
	return nil
}

// TokenSetExists implements sqlstore.TokenSetStore.
func (s *Store) TokenSetExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.tokenSets[id]
	return ok, nil
}

// TokensByAttribute implements sqlstore.TokenSetStore.
func (s *Store) TokensByAttribute(
	_ context.Context,
	collection common.Address,
	key, value string,
) ([]sqlstore.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.attributes[attrKey(collection, key, value)]
	tokens := make([]sqlstore.Token, 0, len(members))
	for _, token := range members {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].TokenID.Cmp(tokens[j].TokenID) < 0
	})
	return tokens, nil
}

// SetTokenAttribute implements sqlstore.TokenSetStore.
func (s *Store) SetTokenAttribute(_ context.Context, token sqlstore.Token, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ak := attrKey(token.Contract, key, value)
	members, ok := s.attributes[ak]
	if !ok {
		members = map[string]sqlstore.Token{}
		s.attributes[ak] = members
	}
	members[tokenKey(token)] = token
	return nil
}

// ContractKind implements sqlstore.TokenSetStore.
func (s *Store) ContractKind(
	_ context.Context,
	contract common.Address,
) (sqlstore.ContractKind, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kind, ok := s.contracts[contract]
	return kind, ok, nil
}

// SetContractKind implements sqlstore.TokenSetStore.
func (s *Store) SetContractKind(
	_ context.Context,
	contract common.Address,
	kind sqlstore.ContractKind,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contracts[contract] = kind
	return nil
}

// RoyaltyRecipient implements sqlstore.TokenSetStore.
func (s *Store) RoyaltyRecipient(
	_ context.Context,
	collection common.Address,
) (common.Address, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recipient, ok := s.royalties[collection]
	return recipient, ok, nil
}

// SetRoyaltyRecipient implements sqlstore.TokenSetStore.
func (s *Store) SetRoyaltyRecipient(_ context.Context, collection, recipient common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.royalties[collection] = recipient
	return nil
}
