package impl

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wyvernlabs/go-orderbook/internal/orderbook"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

// filter applies the intake checks; any failure routes the order to the
// invalid bucket with a reason and is never retried.
func (s *Service) filter(ctx context.Context, candidate orderbook.OrderInfo) (string, bool) {
	order := candidate.Order
	if order == nil {
		return orderbook.ReasonUnknownKind, false
	}
	if !order.Kind.Valid() {
		return orderbook.ReasonUnknownKind, false
	}
	if err := order.Verify(); err != nil {
		return orderbook.ReasonInvalidSignature, false
	}

	now := time.Now()
	if order.Params.ListingTime > now.Add(maxListingTimeSkew).Unix() {
		return orderbook.ReasonInvalidTiming, false
	}
	if order.Params.ExpirationTime <= now.Unix() {
		return orderbook.ReasonInvalidTiming, false
	}

	if maxFeeBps(order).Cmp(maxBps) > 0 {
		return orderbook.ReasonInvalidFee, false
	}

	info, ok := order.Info()
	if !ok {
		return orderbook.ReasonInvalidTarget, false
	}

	targetKind, found, err := s.store.ContractKind(ctx, info.Contract)
	if err != nil {
		s.log.Error().Err(err).Msg("reading target contract kind")
		return orderbook.ReasonInvalidTarget, false
	}
	if !found {
		return orderbook.ReasonInvalidTarget, false
	}

	switch order.Params.Side {
	case wyvern.SideBuy:
		// buy orders must pay in a known ERC20
		paymentKind, found, err := s.store.ContractKind(ctx, order.Params.PaymentToken)
		if err != nil {
			s.log.Error().Err(err).Msg("reading payment token kind")
			return orderbook.ReasonInvalidPayment, false
		}
		if !found || paymentKind != sqlstore.ContractKindERC20 {
			return orderbook.ReasonInvalidPayment, false
		}
	case wyvern.SideSell:
		// sell orders settle in ETH and must target an indexed NFT contract
		if order.Params.PaymentToken != (common.Address{}) {
			return orderbook.ReasonInvalidPayment, false
		}
		if targetKind != sqlstore.ContractKindERC721 && targetKind != sqlstore.ContractKindERC1155 {
			return orderbook.ReasonInvalidTarget, false
		}
	default:
		return orderbook.ReasonInvalidSide, false
	}

	return "", true
}

var maxBps = big.NewInt(10_000)

func maxFeeBps(order *wyvern.Order) *big.Int {
	maker := orZero(order.Params.MakerRelayerFee)
	taker := orZero(order.Params.TakerRelayerFee)
	if maker.Cmp(taker) > 0 {
		return maker
	}
	return taker
}
