package impl

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v4"
)

// NftBalance implements sqlstore.BalanceStore.
func (s *Store) NftBalance(
	ctx context.Context,
	contract common.Address,
	tokenID *big.Int,
	owner common.Address,
) (*big.Int, error) {
	var amount string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE((
			SELECT amount FROM nft_balances
			WHERE contract = $1 AND token_id = $2::numeric AND owner = $3
		), 0)::text`,
		addr(contract), numeric(tokenID), addr(owner),
	).Scan(&amount)
	if err != nil {
		return nil, fmt.Errorf("querying nft balance: %s", err)
	}
	return parseNumeric(amount)
}

// FtBalance implements sqlstore.BalanceStore.
func (s *Store) FtBalance(ctx context.Context, contract, owner common.Address) (*big.Int, error) {
	var amount string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE((
			SELECT amount FROM ft_balances WHERE contract = $1 AND owner = $2
		), 0)::text`,
		addr(contract), addr(owner),
	).Scan(&amount)
	if err != nil {
		return nil, fmt.Errorf("querying ft balance: %s", err)
	}
	return parseNumeric(amount)
}

// NftApproval implements sqlstore.BalanceStore: the latest approval event per
// (contract, owner, operator) is the current state.
func (s *Store) NftApproval(
	ctx context.Context,
	contract, owner, operator common.Address,
) (bool, error) {
	var approved bool
	err := s.pool.QueryRow(ctx, `
		SELECT approved FROM nft_approval_events
		WHERE contract = $1 AND owner = $2 AND operator = $3
		ORDER BY block DESC, log_index DESC
		LIMIT 1`,
		addr(contract), addr(owner), addr(operator),
	).Scan(&approved)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying nft approval: %s", err)
	}
	return approved, nil
}

// FtAllowance implements sqlstore.BalanceStore.
func (s *Store) FtAllowance(
	ctx context.Context,
	contract, owner, spender common.Address,
) (*big.Int, bool, error) {
	var amount string
	err := s.pool.QueryRow(ctx, `
		SELECT amount::text FROM ft_allowances
		WHERE contract = $1 AND owner = $2 AND spender = $3`,
		addr(contract), addr(owner), addr(spender),
	).Scan(&amount)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying ft allowance: %s", err)
	}
	allowance, err := parseNumeric(amount)
	if err != nil {
		return nil, false, err
	}
	return allowance, true, nil
}

// SetFtAllowance implements sqlstore.BalanceStore.
func (s *Store) SetFtAllowance(
	ctx context.Context,
	contract, owner, spender common.Address,
	amount *big.Int,
) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO ft_allowances (contract, owner, spender, amount)
		VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (contract, owner, spender)
		DO UPDATE SET amount = EXCLUDED.amount`,
		addr(contract), addr(owner), addr(spender), numeric(amount),
	); err != nil {
		return fmt.Errorf("upserting ft allowance: %s", err)
	}
	return nil
}

// Proxy implements sqlstore.BalanceStore.
func (s *Store) Proxy(ctx context.Context, owner common.Address) (common.Address, bool, error) {
	var proxy string
	err := s.pool.QueryRow(ctx,
		`SELECT proxy FROM proxies WHERE owner = $1`, addr(owner),
	).Scan(&proxy)
	if err == pgx.ErrNoRows {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, fmt.Errorf("querying proxy: %s", err)
	}
	return parseAddr(proxy), true, nil
}

// SetProxy implements sqlstore.BalanceStore.
func (s *Store) SetProxy(ctx context.Context, owner, proxy common.Address) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO proxies (owner, proxy) VALUES ($1, $2)
		ON CONFLICT (owner) DO UPDATE SET proxy = EXCLUDED.proxy`,
		addr(owner), addr(proxy),
	); err != nil {
		return fmt.Errorf("upserting proxy: %s", err)
	}
	return nil
}
