package impl

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v4"

	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// AddCancelEvents implements sqlstore.EventStore.
func (s *Store) AddCancelEvents(ctx context.Context, events []sqlstore.CancelEvent) error {
	for _, e := range events {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO cancel_events
				(block_hash, tx_hash, log_index, block, timestamp, order_hash)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (block_hash, tx_hash, log_index) DO NOTHING`,
			hash(e.BlockHash), hash(e.TxHash), e.LogIndex, e.Block, e.Timestamp, hash(e.OrderHash),
		); err != nil {
			return fmt.Errorf("inserting cancel event: %s", err)
		}
	}
	return nil
}

// AddFillEvents implements sqlstore.EventStore.
func (s *Store) AddFillEvents(ctx context.Context, events []sqlstore.FillEvent) error {
	for _, e := range events {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO fill_events
				(block_hash, tx_hash, log_index, block, timestamp,
				 buy_hash, sell_hash, maker, taker, price, amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11::numeric)
			ON CONFLICT (block_hash, tx_hash, log_index) DO NOTHING`,
			hash(e.BlockHash), hash(e.TxHash), e.LogIndex, e.Block, e.Timestamp,
			hash(e.BuyHash), hash(e.SellHash), addr(e.Maker), addr(e.Taker),
			numeric(e.Price), numeric(e.Amount),
		); err != nil {
			return fmt.Errorf("inserting fill event: %s", err)
		}
	}
	return nil
}

// AddBulkCancelEvents implements sqlstore.EventStore. The event insert and the
// order cancellation happen in one statement so replays are no-ops.
func (s *Store) AddBulkCancelEvents(
	ctx context.Context,
	events []sqlstore.BulkCancelEvent,
) ([]sqlstore.OrderStatusChange, error) {
	var changes []sqlstore.OrderStatusChange
	for _, e := range events {
		rows, err := s.pool.Query(ctx, `
			WITH ins AS (
				INSERT INTO bulk_cancel_events
					(block_hash, tx_hash, log_index, block, timestamp, maker, order_kind, min_nonce)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric)
				ON CONFLICT (block_hash, tx_hash, log_index) DO NOTHING
				RETURNING maker, order_kind, min_nonce, timestamp
			), candidate AS (
				SELECT o.hash, o.kind, o.maker,
					o.fillability_status AS old_status, o.approval_status, i.timestamp
				FROM orders o
				JOIN ins i ON o.maker = i.maker AND o.kind = i.order_kind
				WHERE o.nonce < i.min_nonce
				  AND o.fillability_status IN ('fillable', 'no-balance')
			)
			UPDATE orders o SET
				fillability_status = 'cancelled',
				expiration = c.timestamp,
				updated_at = now()
			FROM candidate c
			WHERE o.hash = c.hash
			RETURNING o.hash, o.kind, o.maker, c.old_status, 'cancelled'::text, c.approval_status`,
			hash(e.BlockHash), hash(e.TxHash), e.LogIndex, e.Block, e.Timestamp,
			addr(e.Maker), string(e.OrderKind), numeric(e.MinNonce),
		)
		if err != nil {
			return nil, fmt.Errorf("inserting bulk cancel event: %s", err)
		}
		batch, err := scanFillabilityChanges(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		changes = append(changes, batch...)
	}
	return changes, nil
}

// AddNftTransferEvents implements sqlstore.EventStore. The balance projection
// is folded into the same statement: only freshly-inserted rows produce deltas.
func (s *Store) AddNftTransferEvents(ctx context.Context, events []sqlstore.NftTransferEvent) error {
	for _, e := range events {
		if _, err := s.pool.Exec(ctx, `
			WITH ins AS (
				INSERT INTO nft_transfer_events
					(block_hash, tx_hash, log_index, block, timestamp,
					 contract, token_id, from_address, to_address, amount)
				VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10::numeric)
				ON CONFLICT (block_hash, tx_hash, log_index) DO NOTHING
				RETURNING contract, token_id, from_address, to_address, amount
			), deltas AS (
				SELECT contract, token_id, from_address AS owner, -amount AS delta
				FROM ins WHERE from_address != '`+zeroAddress+`'
				UNION ALL
				SELECT contract, token_id, to_address, amount
				FROM ins WHERE to_address != '`+zeroAddress+`'
			)
			INSERT INTO nft_balances (contract, token_id, owner, amount)
			SELECT contract, token_id, owner, delta FROM deltas
			ON CONFLICT (contract, token_id, owner)
			DO UPDATE SET amount = nft_balances.amount + EXCLUDED.amount`,
			hash(e.BlockHash), hash(e.TxHash), e.LogIndex, e.Block, e.Timestamp,
			addr(e.Contract), numeric(e.TokenID), addr(e.From), addr(e.To), numeric(e.Amount),
		); err != nil {
			return fmt.Errorf("inserting nft transfer event: %s", err)
		}
	}
	return nil
}

// AddNftApprovalEvents implements sqlstore.EventStore.
func (s *Store) AddNftApprovalEvents(ctx context.Context, events []sqlstore.NftApprovalEvent) error {
	for _, e := range events {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO nft_approval_events
				(block_hash, tx_hash, log_index, block, timestamp,
				 contract, owner, operator, approved)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (block_hash, tx_hash, log_index) DO NOTHING`,
			hash(e.BlockHash), hash(e.TxHash), e.LogIndex, e.Block, e.Timestamp,
			addr(e.Contract), addr(e.Owner), addr(e.Operator), e.Approved,
		); err != nil {
			return fmt.Errorf("inserting nft approval event: %s", err)
		}
	}
	return nil
}

// AddFtTransferEvents implements sqlstore.EventStore.
func (s *Store) AddFtTransferEvents(ctx context.Context, events []sqlstore.FtTransferEvent) error {
	for _, e := range events {
		if _, err := s.pool.Exec(ctx, `
			WITH ins AS (
				INSERT INTO ft_transfer_events
					(block_hash, tx_hash, log_index, block, timestamp,
					 contract, from_address, to_address, amount)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric)
				ON CONFLICT (block_hash, tx_hash, log_index) DO NOTHING
				RETURNING contract, from_address, to_address, amount
			), deltas AS (
				SELECT contract, from_address AS owner, -amount AS delta
				FROM ins WHERE from_address != '`+zeroAddress+`'
				UNION ALL
				SELECT contract, to_address, amount
				FROM ins WHERE to_address != '`+zeroAddress+`'
			)
			INSERT INTO ft_balances (contract, owner, amount)
			SELECT contract, owner, delta FROM deltas
			ON CONFLICT (contract, owner)
			DO UPDATE SET amount = ft_balances.amount + EXCLUDED.amount`,
			hash(e.BlockHash), hash(e.TxHash), e.LogIndex, e.Block, e.Timestamp,
			addr(e.Contract), addr(e.From), addr(e.To), numeric(e.Amount),
		); err != nil {
			return fmt.Errorf("inserting ft transfer event: %s", err)
		}
	}
	return nil
}

// AddFtApprovalEvents implements sqlstore.EventStore.
func (s *Store) AddFtApprovalEvents(ctx context.Context, events []sqlstore.FtApprovalEvent) error {
	for _, e := range events {
		if _, err := s.pool.Exec(ctx, `
			WITH ins AS (
				INSERT INTO ft_approval_events
					(block_hash, tx_hash, log_index, block, timestamp,
					 contract, owner, spender, value)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric)
				ON CONFLICT (block_hash, tx_hash, log_index) DO NOTHING
				RETURNING contract, owner, spender, value
			)
			INSERT INTO ft_allowances (contract, owner, spender, amount)
			SELECT contract, owner, spender, value FROM ins
			ON CONFLICT (contract, owner, spender)
			DO UPDATE SET amount = EXCLUDED.amount`,
			hash(e.BlockHash), hash(e.TxHash), e.LogIndex, e.Block, e.Timestamp,
			addr(e.Contract), addr(e.Owner), addr(e.Spender), numeric(e.Value),
		); err != nil {
			return fmt.Errorf("inserting ft approval event: %s", err)
		}
	}
	return nil
}

// DeleteBlockEvents implements sqlstore.EventStore. All reversals happen in a
// single transaction; only rows of the given block hash are touched.
func (s *Store) DeleteBlockEvents(ctx context.Context, blockHash common.Hash) ([]common.Hash, error) {
	txn, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %s", err)
	}
	defer func() { _ = txn.Rollback(ctx) }()

	blockHex := hash(blockHash)
	touched := map[common.Hash]struct{}{}

	collect := func(query string) error {
		rows, err := txn.Query(ctx, query, blockHex)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				return err
			}
			touched[parseHash(h)] = struct{}{}
		}
		return rows.Err()
	}

	queries := []string{
		`SELECT order_hash FROM cancel_events WHERE block_hash = $1`,
		`SELECT buy_hash FROM fill_events WHERE block_hash = $1`,
		`SELECT sell_hash FROM fill_events WHERE block_hash = $1`,
		`SELECT o.hash FROM orders o
		 JOIN bulk_cancel_events b ON o.maker = b.maker AND o.kind = b.order_kind
		 WHERE b.block_hash = $1 AND o.nonce < b.min_nonce`,
		`SELECT DISTINCT o.hash FROM orders o
		 JOIN token_sets ts ON ts.id = o.token_set_id
		 JOIN nft_transfer_events e ON e.block_hash = $1
		 WHERE o.side = 1
		   AND (o.maker = e.from_address OR o.maker = e.to_address)
		   AND (
			(ts.kind = 'token' AND ts.contract = e.contract AND ts.token_id = e.token_id)
			OR (ts.kind = 'range' AND ts.contract = e.contract
				AND ts.start_token_id <= e.token_id AND ts.end_token_id >= e.token_id)
			OR (ts.kind = 'contract' AND ts.contract = e.contract)
			OR (ts.kind = 'list' AND EXISTS (
				SELECT 1 FROM token_sets_tokens tst
				WHERE tst.token_set_id = ts.id
				  AND tst.contract = e.contract AND tst.token_id = e.token_id))
		   )`,
		`SELECT o.hash FROM orders o
		 JOIN nft_approval_events e ON e.block_hash = $1
		 WHERE o.side = 1 AND o.maker = e.owner AND o.conduit = e.operator`,
		`SELECT o.hash FROM orders o
		 JOIN ft_transfer_events e ON e.block_hash = $1
		 WHERE o.side = 0 AND o.currency = e.contract
		   AND (o.maker = e.from_address OR o.maker = e.to_address)`,
		`SELECT o.hash FROM orders o
		 JOIN ft_approval_events e ON e.block_hash = $1
		 WHERE o.side = 0 AND o.maker = e.owner AND o.conduit = e.spender`,
	}
	for _, q := range queries {
		if err := collect(q); err != nil {
			return nil, fmt.Errorf("collecting affected orders: %s", err)
		}
	}

	// reverse the balance projections of the rows being erased
	if _, err := txn.Exec(ctx, `
		INSERT INTO nft_balances (contract, token_id, owner, amount)
		SELECT contract, token_id, owner, delta FROM (
			SELECT contract, token_id, from_address AS owner, amount AS delta
			FROM nft_transfer_events WHERE block_hash = $1 AND from_address != '`+zeroAddress+`'
			UNION ALL
			SELECT contract, token_id, to_address, -amount
			FROM nft_transfer_events WHERE block_hash = $1 AND to_address != '`+zeroAddress+`'
		) d
		ON CONFLICT (contract, token_id, owner)
		DO UPDATE SET amount = nft_balances.amount + EXCLUDED.amount`,
		blockHex,
	); err != nil {
		return nil, fmt.Errorf("reversing nft balances: %s", err)
	}
	if _, err := txn.Exec(ctx, `
		INSERT INTO ft_balances (contract, owner, amount)
		SELECT contract, owner, delta FROM (
			SELECT contract, from_address AS owner, amount AS delta
			FROM ft_transfer_events WHERE block_hash = $1 AND from_address != '`+zeroAddress+`'
			UNION ALL
			SELECT contract, to_address, -amount
			FROM ft_transfer_events WHERE block_hash = $1 AND to_address != '`+zeroAddress+`'
		) d
		ON CONFLICT (contract, owner)
		DO UPDATE SET amount = ft_balances.amount + EXCLUDED.amount`,
		blockHex,
	); err != nil {
		return nil, fmt.Errorf("reversing ft balances: %s", err)
	}

	// re-derive allowances from the surviving approval events
	if _, err := txn.Exec(ctx, `
		WITH affected AS (
			SELECT DISTINCT contract, owner, spender
			FROM ft_approval_events WHERE block_hash = $1
		), latest AS (
			SELECT DISTINCT ON (e.contract, e.owner, e.spender)
				e.contract, e.owner, e.spender, e.value
			FROM ft_approval_events e
			JOIN affected a ON a.contract = e.contract AND a.owner = e.owner AND a.spender = e.spender
			WHERE e.block_hash != $1
			ORDER BY e.contract, e.owner, e.spender, e.block DESC, e.log_index DESC
		), restored AS (
			UPDATE ft_allowances fa SET amount = l.value
			FROM latest l
			WHERE fa.contract = l.contract AND fa.owner = l.owner AND fa.spender = l.spender
			RETURNING fa.contract, fa.owner, fa.spender
		)
		DELETE FROM ft_allowances fa
		USING affected a
		WHERE fa.contract = a.contract AND fa.owner = a.owner AND fa.spender = a.spender
		  AND NOT EXISTS (
			SELECT 1 FROM latest l
			WHERE l.contract = fa.contract AND l.owner = fa.owner AND l.spender = fa.spender)`,
		blockHex,
	); err != nil {
		return nil, fmt.Errorf("re-deriving ft allowances: %s", err)
	}

	for _, table := range []string{
		"cancel_events", "fill_events", "bulk_cancel_events",
		"nft_transfer_events", "nft_approval_events",
		"ft_transfer_events", "ft_approval_events",
	} {
		if _, err := txn.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE block_hash = $1", table), blockHex); err != nil {
			return nil, fmt.Errorf("deleting %s rows: %s", table, err)
		}
	}

	if err := txn.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %s", err)
	}

	hashes := make([]common.Hash, 0, len(touched))
	for h := range touched {
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// LastProcessedHeight implements sqlstore.EventStore.
func (s *Store) LastProcessedHeight(ctx context.Context) (int64, bool, error) {
	var height int64
	err := s.pool.QueryRow(ctx,
		`SELECT value::bigint FROM indexer_state WHERE key = 'last_processed_height'`,
	).Scan(&height)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying last processed height: %s", err)
	}
	return height, true, nil
}

// SetLastProcessedHeight implements sqlstore.EventStore.
func (s *Store) SetLastProcessedHeight(ctx context.Context, height int64) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO indexer_state (key, value) VALUES ('last_processed_height', $1::text)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		fmt.Sprintf("%d", height),
	); err != nil {
		return fmt.Errorf("upserting last processed height: %s", err)
	}
	return nil
}

// IsCancelled implements sqlstore.EventStore.
func (s *Store) IsCancelled(ctx context.Context, orderHash common.Hash) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM cancel_events WHERE order_hash = $1)`,
		hash(orderHash),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("querying cancel events: %s", err)
	}
	return exists, nil
}

// FilledQuantity implements sqlstore.EventStore.
func (s *Store) FilledQuantity(ctx context.Context, orderHash common.Hash) (*big.Int, error) {
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM fill_events
		WHERE buy_hash = $1 OR sell_hash = $1`,
		hash(orderHash),
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("querying fill events: %s", err)
	}
	return parseNumeric(total)
}

// NonceFloor implements sqlstore.EventStore.
func (s *Store) NonceFloor(
	ctx context.Context,
	maker common.Address,
	kind wyvern.OrderKind,
) (*big.Int, bool, error) {
	var floor *string
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(min_nonce)::text FROM bulk_cancel_events
		WHERE maker = $1 AND order_kind = $2`,
		addr(maker), string(kind),
	).Scan(&floor)
	if err != nil {
		return nil, false, fmt.Errorf("querying nonce floor: %s", err)
	}
	if floor == nil {
		return nil, false, nil
	}
	nonce, err := parseNumeric(*floor)
	if err != nil {
		return nil, false, err
	}
	return nonce, true, nil
}
