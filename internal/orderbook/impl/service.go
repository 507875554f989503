package impl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/wyvernlabs/go-orderbook/internal/orderbook"
	"github.com/wyvernlabs/go-orderbook/pkg/jobs"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/updater"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

var encoding = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnauthorized is returned when order intake is disabled by policy.
var ErrUnauthorized = errors.New("unauthorized")

// maxListingTimeSkew tolerates clock drift on freshly-signed orders.
const maxListingTimeSkew = time.Minute * 5

// Service implements orderbook.Orderbook.
type Service struct {
	log          zerolog.Logger
	store        sqlstore.Store
	queues       updater.Queues
	chainID      int64
	acceptOrders bool
}

var _ orderbook.Orderbook = (*Service)(nil)

// NewService returns the order intake/query service.
func NewService(store sqlstore.Store, queues updater.Queues, chainID int64, acceptOrders bool) *Service {
	return &Service{
		log: logger.With().
			Str("component", "orderbook").
			Logger(),
		store:        store,
		queues:       queues,
		chainID:      chainID,
		acceptOrders: acceptOrders,
	}
}

// Intake implements orderbook.Orderbook.
func (s *Service) Intake(ctx context.Context, candidates []orderbook.OrderInfo) (orderbook.IntakeResult, error) {
	if !s.acceptOrders {
		return orderbook.IntakeResult{}, ErrUnauthorized
	}

	var result orderbook.IntakeResult
	for _, candidate := range candidates {
		if reason, ok := s.filter(ctx, candidate); !ok {
			result.Invalid = append(result.Invalid, orderbook.InvalidOrder{
				OrderInfo: candidate,
				Reason:    reason,
			})
			continue
		}

		orderHash, reason, err := s.save(ctx, candidate)
		if err != nil {
			return orderbook.IntakeResult{}, fmt.Errorf("saving order: %s", err)
		}
		if reason != "" {
			result.Invalid = append(result.Invalid, orderbook.InvalidOrder{
				OrderInfo: candidate,
				Reason:    reason,
			})
			continue
		}
		result.Valid = append(result.Valid, orderHash)

		if err := updater.EnqueueHashUpdate(ctx, s.queues.HashUpdate, updater.HashUpdate{
			Context:   fmt.Sprintf("new-order-%s", orderHash.Hex()),
			Hash:      orderHash,
			Trigger:   "new-order",
			Timestamp: time.Now().Unix(),
		}); err != nil {
			return orderbook.IntakeResult{}, err
		}
		if err := s.enqueueRelay(ctx, candidate.Order); err != nil {
			return orderbook.IntakeResult{}, err
		}
	}
	return result, nil
}

// Order implements orderbook.Orderbook.
func (s *Service) Order(ctx context.Context, hash common.Hash) (sqlstore.Order, bool, error) {
	return s.store.Order(ctx, hash)
}

// BestOrder implements orderbook.Orderbook.
func (s *Service) BestOrder(
	ctx context.Context,
	side wyvern.Side,
	tokenSetID string,
) (sqlstore.Order, bool, error) {
	return s.store.BestOrder(ctx, side, tokenSetID)
}

// enqueueRelay hands the raw signed order to the relay queue; the relay is an
// at-least-once sink, so duplicates are the consumer's problem.
func (s *Service) enqueueRelay(ctx context.Context, order *wyvern.Order) error {
	if s.queues.OrdersRelay == nil {
		return nil
	}
	payload, err := encoding.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshaling relay payload: %s", err)
	}
	err = s.queues.OrdersRelay.Enqueue(ctx, fmt.Sprintf("relay-%s", order.Hash().Hex()), payload)
	if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
		return fmt.Errorf("enqueueing relay job: %s", err)
	}
	return nil
}
