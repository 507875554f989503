package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v4"

	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

const orderColumns = `
	hash, kind, side, maker, contract, currency,
	price::text, value::text, quantity::text, quantity_remaining::text, token_set_id,
	valid_from, valid_until, coalesce(nonce::text, ''), conduit,
	fee_bps, source_id, source_bps, royalty_info, raw_data,
	fillability_status, approval_status, expiration, created_at, updated_at`

// SaveOrder implements sqlstore.OrderStore.
func (s *Store) SaveOrder(ctx context.Context, o sqlstore.Order) error {
	royalties, err := json.Marshal(o.RoyaltyInfo)
	if err != nil {
		return fmt.Errorf("marshaling royalty info: %s", err)
	}

	var nonce interface{}
	if o.Nonce != nil {
		nonce = o.Nonce.String()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (
			hash, kind, side, maker, contract, currency,
			price, value, quantity, quantity_remaining, token_set_id,
			valid_from, valid_until, nonce, conduit,
			fee_bps, source_id, source_bps, royalty_info, raw_data,
			fillability_status, approval_status, expiration, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::numeric, $8::numeric, $9::numeric, $10::numeric, $11,
			$12, $13, $14::numeric, $15,
			$16, $17, $18, $19, $20,
			$21, $22, $23, now(), now()
		)
		ON CONFLICT (hash) DO UPDATE SET
			value = EXCLUDED.value,
			quantity_remaining = EXCLUDED.quantity_remaining,
			fillability_status = EXCLUDED.fillability_status,
			approval_status = EXCLUDED.approval_status,
			expiration = EXCLUDED.expiration,
			raw_data = EXCLUDED.raw_data,
			updated_at = now()`,
		hash(o.Hash), string(o.Kind), int(o.Side), addr(o.Maker), addr(o.Contract), addr(o.Currency),
		numeric(o.Price), numeric(o.Value), numeric(o.Quantity), numeric(o.QuantityRemaining), o.TokenSetID,
		o.ValidFrom, o.ValidUntil, nonce, addr(o.Conduit),
		o.FeeBps, addr(o.SourceID), o.SourceBps, royalties, []byte(o.RawData),
		string(o.FillabilityStatus), string(o.ApprovalStatus), o.Expiration,
	)
	if err != nil {
		return fmt.Errorf("upserting order: %s", err)
	}
	return nil
}

// Order implements sqlstore.OrderStore.
func (s *Store) Order(ctx context.Context, orderHash common.Hash) (sqlstore.Order, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE hash = $1`, hash(orderHash))
	order, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return sqlstore.Order{}, false, nil
	}
	if err != nil {
		return sqlstore.Order{}, false, fmt.Errorf("querying order: %s", err)
	}
	return order, true, nil
}

// SetOrderStatus implements sqlstore.OrderStore.
func (s *Store) SetOrderStatus(
	ctx context.Context,
	orderHash common.Hash,
	upd sqlstore.StatusUpdate,
) (bool, error) {
	var value, quantity interface{}
	if upd.Value != nil {
		value = upd.Value.String()
	}
	if upd.QuantityRemaining != nil {
		quantity = upd.QuantityRemaining.String()
	}
	var expiration interface{}
	if !upd.Expiration.IsZero() {
		expiration = upd.Expiration
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET
			fillability_status = $2,
			approval_status = $3,
			value = COALESCE($4::numeric, value),
			quantity_remaining = COALESCE($5::numeric, quantity_remaining),
			expiration = COALESCE($6, expiration),
			updated_at = now()
		WHERE hash = $1
		  AND (fillability_status != $2
			OR approval_status != $3
			OR value != COALESCE($4::numeric, value)
			OR quantity_remaining != COALESCE($5::numeric, quantity_remaining)
			OR expiration != COALESCE($6, expiration))`,
		hash(orderHash), string(upd.Fillability), string(upd.Approval), value, quantity, expiration,
	)
	if err != nil {
		return false, fmt.Errorf("updating order status: %s", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReduceQuantityRemaining implements sqlstore.OrderStore.
func (s *Store) ReduceQuantityRemaining(
	ctx context.Context,
	orderHash common.Hash,
	amount *big.Int,
	at time.Time,
) (sqlstore.Order, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders SET
			quantity_remaining = GREATEST(quantity_remaining - $2::numeric, 0),
			fillability_status = CASE
				WHEN quantity_remaining - $2::numeric <= 0 THEN 'filled'
				ELSE fillability_status END,
			expiration = CASE
				WHEN quantity_remaining - $2::numeric <= 0 THEN $3
				ELSE expiration END,
			updated_at = now()
		WHERE hash = $1
		RETURNING `+orderColumns,
		hash(orderHash), numeric(amount), at,
	)
	order, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return sqlstore.Order{}, false, nil
	}
	if err != nil {
		return sqlstore.Order{}, false, fmt.Errorf("reducing quantity remaining: %s", err)
	}
	return order, true, nil
}

// RecheckSellBalanceOrders implements sqlstore.OrderStore.
func (s *Store) RecheckSellBalanceOrders(
	ctx context.Context,
	maker, contract common.Address,
	tokenID *big.Int,
	skipKinds []wyvern.OrderKind,
	at time.Time,
) ([]sqlstore.OrderStatusChange, error) {
	kinds := make([]string, len(skipKinds))
	for i, k := range skipKinds {
		kinds[i] = string(k)
	}

	rows, err := s.pool.Query(ctx, `
		WITH candidate AS (
			SELECT o.hash, o.kind, o.maker,
				o.fillability_status AS old_status, o.approval_status,
				CASE WHEN COALESCE(nb.amount, 0) >= o.quantity_remaining
					THEN 'fillable' ELSE 'no-balance' END AS new_status
			FROM orders o
			JOIN token_sets ts ON ts.id = o.token_set_id
			LEFT JOIN nft_balances nb
				ON nb.contract = $2 AND nb.token_id = $3::numeric AND nb.owner = o.maker
			WHERE o.maker = $1
			  AND o.side = 1
			  AND o.fillability_status IN ('fillable', 'no-balance')
			  AND o.kind != ALL($4)
			  AND (
				(ts.kind = 'token' AND ts.contract = $2 AND ts.token_id = $3::numeric)
				OR (ts.kind = 'range' AND ts.contract = $2
					AND ts.start_token_id <= $3::numeric AND ts.end_token_id >= $3::numeric)
				OR (ts.kind = 'contract' AND ts.contract = $2)
				OR (ts.kind = 'list' AND EXISTS (
					SELECT 1 FROM token_sets_tokens tst
					WHERE tst.token_set_id = ts.id
					  AND tst.contract = $2 AND tst.token_id = $3::numeric))
			  )
		)
		UPDATE orders o SET
			fillability_status = c.new_status,
			expiration = CASE WHEN c.new_status = 'fillable' THEN o.valid_until ELSE $5 END,
			updated_at = now()
		FROM candidate c
		WHERE o.hash = c.hash AND c.new_status != c.old_status
		RETURNING o.hash, o.kind, o.maker, c.old_status, c.new_status, c.approval_status`,
		addr(maker), addr(contract), numeric(tokenID), kinds, at,
	)
	if err != nil {
		return nil, fmt.Errorf("rechecking sell balance orders: %s", err)
	}
	defer rows.Close()
	return scanFillabilityChanges(rows)
}

// RecheckBuyBalanceOrders implements sqlstore.OrderStore.
func (s *Store) RecheckBuyBalanceOrders(
	ctx context.Context,
	maker, currency common.Address,
	at time.Time,
) ([]sqlstore.OrderStatusChange, error) {
	rows, err := s.pool.Query(ctx, `
		WITH candidate AS (
			SELECT o.hash, o.kind, o.maker,
				o.fillability_status AS old_status, o.approval_status,
				CASE WHEN COALESCE(fb.amount, 0) >= o.price
					THEN 'fillable' ELSE 'no-balance' END AS new_status
			FROM orders o
			LEFT JOIN ft_balances fb ON fb.contract = $2 AND fb.owner = o.maker
			WHERE o.maker = $1
			  AND o.side = 0
			  AND o.currency = $2
			  AND o.fillability_status IN ('fillable', 'no-balance')
		)
		UPDATE orders o SET
			fillability_status = c.new_status,
			expiration = CASE WHEN c.new_status = 'fillable' THEN o.valid_until ELSE $3 END,
			updated_at = now()
		FROM candidate c
		WHERE o.hash = c.hash AND c.new_status != c.old_status
		RETURNING o.hash, o.kind, o.maker, c.old_status, c.new_status, c.approval_status`,
		addr(maker), addr(currency), at,
	)
	if err != nil {
		return nil, fmt.Errorf("rechecking buy balance orders: %s", err)
	}
	defer rows.Close()
	return scanFillabilityChanges(rows)
}

// RecheckSellApprovalOrders implements sqlstore.OrderStore.
func (s *Store) RecheckSellApprovalOrders(
	ctx context.Context,
	maker, contract, operator common.Address,
	approved bool,
	_ time.Time,
) ([]sqlstore.OrderStatusChange, error) {
	newStatus := string(sqlstore.ApprovalNoApproval)
	if approved {
		newStatus = string(sqlstore.ApprovalApproved)
	}

	rows, err := s.pool.Query(ctx, `
		UPDATE orders o SET
			approval_status = $4,
			updated_at = now()
		WHERE o.maker = $1
		  AND o.side = 1
		  AND o.contract = $2
		  AND o.conduit = $3
		  AND o.fillability_status IN ('fillable', 'no-balance')
		  AND o.approval_status != $4
		RETURNING o.hash, o.kind, o.maker, o.fillability_status, o.fillability_status, $4::text`,
		addr(maker), addr(contract), addr(operator), newStatus,
	)
	if err != nil {
		return nil, fmt.Errorf("rechecking sell approval orders: %s", err)
	}
	defer rows.Close()
	return scanApprovalChanges(rows, newStatus)
}

// RecheckBuyApprovalOrders implements sqlstore.OrderStore.
func (s *Store) RecheckBuyApprovalOrders(
	ctx context.Context,
	maker, operator common.Address,
	allowance *big.Int,
	_ time.Time,
) ([]sqlstore.OrderStatusChange, error) {
	rows, err := s.pool.Query(ctx, `
		WITH candidate AS (
			SELECT o.hash, o.kind, o.maker, o.fillability_status,
				o.approval_status AS old_approval,
				CASE WHEN $3::numeric >= (o.price - o.value)
					THEN 'approved' ELSE 'no-approval' END AS new_approval
			FROM orders o
			WHERE o.maker = $1
			  AND o.side = 0
			  AND o.conduit = $2
			  AND o.fillability_status IN ('fillable', 'no-balance')
		)
		UPDATE orders o SET
			approval_status = c.new_approval,
			updated_at = now()
		FROM candidate c
		WHERE o.hash = c.hash AND c.new_approval != c.old_approval
		RETURNING o.hash, o.kind, o.maker, c.fillability_status, c.old_approval, c.new_approval`,
		addr(maker), addr(operator), numeric(allowance),
	)
	if err != nil {
		return nil, fmt.Errorf("rechecking buy approval orders: %s", err)
	}
	defer rows.Close()

	var changes []sqlstore.OrderStatusChange
	for rows.Next() {
		var hashHex, kind, makerHex, fill, oldApproval, newApproval string
		if err := rows.Scan(&hashHex, &kind, &makerHex, &fill, &oldApproval, &newApproval); err != nil {
			return nil, fmt.Errorf("scanning change row: %s", err)
		}
		changes = append(changes, sqlstore.OrderStatusChange{
			Hash:           parseHash(hashHex),
			Kind:           wyvern.OrderKind(kind),
			Maker:          parseAddr(makerHex),
			OldFillability: sqlstore.FillabilityStatus(fill),
			NewFillability: sqlstore.FillabilityStatus(fill),
			OldApproval:    sqlstore.ApprovalStatus(oldApproval),
			NewApproval:    sqlstore.ApprovalStatus(newApproval),
		})
	}
	return changes, rows.Err()
}

// BuyOrderConduits implements sqlstore.OrderStore.
func (s *Store) BuyOrderConduits(
	ctx context.Context,
	maker common.Address,
	kind wyvern.OrderKind,
) ([]common.Address, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT conduit FROM orders
		WHERE maker = $1 AND side = 0 AND kind = $2
		  AND fillability_status IN ('fillable', 'no-balance')`,
		addr(maker), string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("querying buy order conduits: %s", err)
	}
	defer rows.Close()

	var conduits []common.Address
	for rows.Next() {
		var conduit string
		if err := rows.Scan(&conduit); err != nil {
			return nil, fmt.Errorf("scanning conduit: %s", err)
		}
		conduits = append(conduits, parseAddr(conduit))
	}
	return conduits, rows.Err()
}

// BestOrder implements sqlstore.OrderStore.
func (s *Store) BestOrder(
	ctx context.Context,
	side wyvern.Side,
	tokenSetID string,
) (sqlstore.Order, bool, error) {
	direction := "ASC"
	if side == wyvern.SideBuy {
		direction = "DESC"
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE side = $1 AND token_set_id = $2
		  AND fillability_status = 'fillable' AND approval_status = 'approved'
		ORDER BY value `+direction+` LIMIT 1`,
		int(side), tokenSetID,
	)
	order, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return sqlstore.Order{}, false, nil
	}
	if err != nil {
		return sqlstore.Order{}, false, fmt.Errorf("querying best order: %s", err)
	}
	return order, true, nil
}

// OrdersByMaker implements sqlstore.OrderStore.
func (s *Store) OrdersByMaker(
	ctx context.Context,
	maker common.Address,
	side wyvern.Side,
) ([]sqlstore.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE maker = $1 AND side = $2
		ORDER BY hash`,
		addr(maker), int(side),
	)
	if err != nil {
		return nil, fmt.Errorf("querying orders by maker: %s", err)
	}
	defer rows.Close()

	var orders []sqlstore.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %s", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (sqlstore.Order, error) {
	var (
		o                                    sqlstore.Order
		hashHex, kind, makerHex              string
		contractHex, currencyHex, conduitHex string
		price, value, quantity, remaining    string
		nonce, srcHex                        string
		royalties, rawData                   []byte
		side                                 int
		fillability, approval                string
	)
	err := row.Scan(
		&hashHex, &kind, &side, &makerHex, &contractHex, &currencyHex,
		&price, &value, &quantity, &remaining, &o.TokenSetID,
		&o.ValidFrom, &o.ValidUntil, &nonce, &conduitHex,
		&o.FeeBps, &srcHex, &o.SourceBps, &royalties, &rawData,
		&fillability, &approval, &o.Expiration, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return sqlstore.Order{}, err
	}

	o.Hash = parseHash(hashHex)
	o.Kind = wyvern.OrderKind(kind)
	o.Side = wyvern.Side(side)
	o.Maker = parseAddr(makerHex)
	o.Contract = parseAddr(contractHex)
	o.Currency = parseAddr(currencyHex)
	o.Conduit = parseAddr(conduitHex)
	o.SourceID = parseAddr(srcHex)
	o.FillabilityStatus = sqlstore.FillabilityStatus(fillability)
	o.ApprovalStatus = sqlstore.ApprovalStatus(approval)
	o.RawData = rawData

	if o.Price, err = parseNumeric(price); err != nil {
		return sqlstore.Order{}, err
	}
	if o.Value, err = parseNumeric(value); err != nil {
		return sqlstore.Order{}, err
	}
	if o.Quantity, err = parseNumeric(quantity); err != nil {
		return sqlstore.Order{}, err
	}
	if o.QuantityRemaining, err = parseNumeric(remaining); err != nil {
		return sqlstore.Order{}, err
	}
	if nonce != "" {
		if o.Nonce, err = parseNumeric(nonce); err != nil {
			return sqlstore.Order{}, err
		}
	}
	if len(royalties) > 0 {
		if err := json.Unmarshal(royalties, &o.RoyaltyInfo); err != nil {
			return sqlstore.Order{}, fmt.Errorf("unmarshaling royalty info: %s", err)
		}
	}
	return o, nil
}

func scanFillabilityChanges(rows pgx.Rows) ([]sqlstore.OrderStatusChange, error) {
	var changes []sqlstore.OrderStatusChange
	for rows.Next() {
		var hashHex, kind, makerHex, oldStatus, newStatus, approval string
		if err := rows.Scan(&hashHex, &kind, &makerHex, &oldStatus, &newStatus, &approval); err != nil {
			return nil, fmt.Errorf("scanning change row: %s", err)
		}
		changes = append(changes, sqlstore.OrderStatusChange{
			Hash:           parseHash(hashHex),
			Kind:           wyvern.OrderKind(kind),
			Maker:          parseAddr(makerHex),
			OldFillability: sqlstore.FillabilityStatus(oldStatus),
			NewFillability: sqlstore.FillabilityStatus(newStatus),
			OldApproval:    sqlstore.ApprovalStatus(approval),
			NewApproval:    sqlstore.ApprovalStatus(approval),
		})
	}
	return changes, rows.Err()
}

func scanApprovalChanges(rows pgx.Rows, newStatus string) ([]sqlstore.OrderStatusChange, error) {
	var changes []sqlstore.OrderStatusChange
	for rows.Next() {
		var hashHex, kind, makerHex, fill, fill2, approval string
		if err := rows.Scan(&hashHex, &kind, &makerHex, &fill, &fill2, &approval); err != nil {
			return nil, fmt.Errorf("scanning change row: %s", err)
		}
		oldApproval := sqlstore.ApprovalApproved
		if sqlstore.ApprovalStatus(newStatus) == sqlstore.ApprovalApproved {
			oldApproval = sqlstore.ApprovalNoApproval
		}
		changes = append(changes, sqlstore.OrderStatusChange{
			Hash:           parseHash(hashHex),
			Kind:           wyvern.OrderKind(kind),
			Maker:          parseAddr(makerHex),
			OldFillability: sqlstore.FillabilityStatus(fill),
			NewFillability: sqlstore.FillabilityStatus(fill2),
			OldApproval:    oldApproval,
			NewApproval:    sqlstore.ApprovalStatus(approval),
		})
	}
	return changes, rows.Err()
}
