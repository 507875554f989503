package impl

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
)

// Store implements sqlstore.Store on PostgreSQL through a pgx pool.
//
// Every mutation is a single SQL statement (or one short transaction) that
// combines an event-log insert with a conditional projection update, so
// concurrent writers and at-least-once job execution converge to the same
// state regardless of interleaving.
type Store struct {
	log  zerolog.Logger
	pool *pgxpool.Pool
}

var _ sqlstore.Store = (*Store)(nil)

// New connects a pool to the given Postgres URI.
func New(ctx context.Context, postgresURI string) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, postgresURI)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %s", err)
	}

	log := logger.With().
		Str("component", "sqlstore").
		Logger()

	return &Store{log: log, pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// hex-encoded columns are stored lowercase so index lookups never depend on
// checksum casing.
func addr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func hash(h common.Hash) string {
	return strings.ToLower(h.Hex())
}

func numeric(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func parseNumeric(s string) (*big.Int, error) {
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parsing numeric %q", s)
	}
	return x, nil
}

func parseAddr(s string) common.Address {
	return common.HexToAddress(s)
}

func parseHash(s string) common.Hash {
	return common.HexToHash(s)
}
