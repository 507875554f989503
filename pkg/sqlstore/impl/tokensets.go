package impl

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v4"

	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/tokenset"
)

// SaveTokenSet implements sqlstore.TokenSetStore. Membership rows are only
// ever added; the set definition row is written once.
func (s *Store) SaveTokenSet(
	ctx context.Context,
	set tokenset.TokenSet,
	tokens []sqlstore.Token,
) error {
	label, err := set.Label()
	if err != nil {
		return fmt.Errorf("building token set label: %s", err)
	}
	labelHash, err := set.LabelHash()
	if err != nil {
		return fmt.Errorf("hashing token set label: %s", err)
	}

	var tokenID, start, end interface{}
	if set.TokenID != nil {
		tokenID = set.TokenID.String()
	}
	if set.StartTokenID != nil {
		start = set.StartTokenID.String()
	}
	if set.EndTokenID != nil {
		end = set.EndTokenID.String()
	}

	txn, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %s", err)
	}
	defer func() { _ = txn.Rollback(ctx) }()

	if _, err := txn.Exec(ctx, `
		INSERT INTO token_sets
			(id, kind, contract, token_id, start_token_id, end_token_id,
			 merkle_root, label, label_hash)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		set.ID(), string(set.Kind), addr(set.Contract), tokenID, start, end,
		hash(set.MerkleRoot), label, hash(labelHash),
	); err != nil {
		return fmt.Errorf("inserting token set: %s", err)
	}

	for _, token := range tokens {
		if _, err := txn.Exec(ctx, `
			INSERT INTO token_sets_tokens (token_set_id, contract, token_id)
			VALUES ($1, $2, $3::numeric)
			ON CONFLICT (token_set_id, contract, token_id) DO NOTHING`,
			set.ID(), addr(token.Contract), numeric(token.TokenID),
		); err != nil {
			return fmt.Errorf("inserting token set member: %s", err)
		}
	}

	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %s", err)
	}
	return nil
}

// TokenSetExists implements sqlstore.TokenSetStore.
func (s *Store) TokenSetExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM token_sets WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("querying token set: %s", err)
	}
	return exists, nil
}

// TokensByAttribute implements sqlstore.TokenSetStore.
func (s *Store) TokensByAttribute(
	ctx context.Context,
	collection common.Address,
	key, value string,
) ([]sqlstore.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contract, token_id::text FROM token_attributes
		WHERE contract = $1 AND key = $2 AND value = $3
		ORDER BY token_id`,
		addr(collection), key, value,
	)
	if err != nil {
		return nil, fmt.Errorf("querying tokens by attribute: %s", err)
	}
	defer rows.Close()

	var tokens []sqlstore.Token
	for rows.Next() {
		var contract, tokenID string
		if err := rows.Scan(&contract, &tokenID); err != nil {
			return nil, fmt.Errorf("scanning token: %s", err)
		}
		id, err := parseNumeric(tokenID)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, sqlstore.Token{Contract: parseAddr(contract), TokenID: id})
	}
	return tokens, rows.Err()
}

// SetTokenAttribute implements sqlstore.TokenSetStore.
func (s *Store) SetTokenAttribute(
	ctx context.Context,
	token sqlstore.Token,
	key, value string,
) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO token_attributes (contract, token_id, key, value)
		VALUES ($1, $2::numeric, $3, $4)
		ON CONFLICT (contract, token_id, key) DO UPDATE SET value = EXCLUDED.value`,
		addr(token.Contract), numeric(token.TokenID), key, value,
	); err != nil {
		return fmt.Errorf("upserting token attribute: %s", err)
	}
	return nil
}

// ContractKind implements sqlstore.TokenSetStore.
func (s *Store) ContractKind(
	ctx context.Context,
	contract common.Address,
) (sqlstore.ContractKind, bool, error) {
	var kind string
	err := s.pool.QueryRow(ctx,
		`SELECT kind FROM contracts WHERE address = $1`, addr(contract),
	).Scan(&kind)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying contract kind: %s", err)
	}
	return sqlstore.ContractKind(kind), true, nil
}

// SetContractKind implements sqlstore.TokenSetStore.
func (s *Store) SetContractKind(
	ctx context.Context,
	contract common.Address,
	kind sqlstore.ContractKind,
) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO contracts (address, kind) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET kind = EXCLUDED.kind`,
		addr(contract), string(kind),
	); err != nil {
		return fmt.Errorf("upserting contract: %s", err)
	}
	return nil
}

// RoyaltyRecipient implements sqlstore.TokenSetStore.
func (s *Store) RoyaltyRecipient(
	ctx context.Context,
	collection common.Address,
) (common.Address, bool, error) {
	var recipient string
	err := s.pool.QueryRow(ctx,
		`SELECT royalty_recipient FROM collections WHERE address = $1`, addr(collection),
	).Scan(&recipient)
	if err == pgx.ErrNoRows {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, fmt.Errorf("querying royalty recipient: %s", err)
	}
	return parseAddr(recipient), true, nil
}

// SetRoyaltyRecipient implements sqlstore.TokenSetStore.
func (s *Store) SetRoyaltyRecipient(ctx context.Context, collection, recipient common.Address) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO collections (address, royalty_recipient) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET royalty_recipient = EXCLUDED.royalty_recipient`,
		addr(collection), addr(recipient),
	); err != nil {
		return fmt.Errorf("upserting collection: %s", err)
	}
	return nil
}
