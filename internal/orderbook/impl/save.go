package impl

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wyvernlabs/go-orderbook/internal/orderbook"
	"github.com/wyvernlabs/go-orderbook/pkg/merkletree"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/tokenset"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

// openseaFeeRecipient marks orders relayed from OpenSea; their source share is
// a fixed 250 bps regardless of the declared relayer fees.
var openseaFeeRecipient = common.HexToAddress("0x5b3256965e7c3cf26e11fcaf296dfc8807c01073")

const openseaFeeBps = 250

// save derives the order's token set and projection row. A non-empty reason
// marks a data-invalid order; errors are infrastructure failures.
func (s *Service) save(ctx context.Context, candidate orderbook.OrderInfo) (common.Hash, string, error) {
	order := candidate.Order
	info, _ := order.Info()

	set, members, reason, err := s.resolveTokenSet(ctx, candidate, info)
	if err != nil || reason != "" {
		return common.Hash{}, reason, err
	}
	if err := s.store.SaveTokenSet(ctx, set, members); err != nil {
		return common.Hash{}, "", fmt.Errorf("saving token set: %s", err)
	}

	sourceID, sourceBps := attributeSource(candidate)
	feeBps := int(maxFeeBps(order).Int64())

	var royalties []sqlstore.Royalty
	if royaltyBps := feeBps - sourceBps; royaltyBps > 0 {
		recipient, ok, err := s.store.RoyaltyRecipient(ctx, info.Contract)
		if err != nil {
			return common.Hash{}, "", fmt.Errorf("reading royalty recipient: %s", err)
		}
		if ok {
			royalties = []sqlstore.Royalty{{Recipient: recipient, Bps: royaltyBps}}
		}
	}

	rawData, err := encoding.Marshal(order.Params)
	if err != nil {
		return common.Hash{}, "", fmt.Errorf("marshaling raw order data: %s", err)
	}

	conduit := common.Address{}
	if proxy, ok, err := s.store.Proxy(ctx, order.Params.Maker); err != nil {
		return common.Hash{}, "", fmt.Errorf("reading maker proxy: %s", err)
	} else if ok {
		conduit = proxy
	}

	orderHash := order.Hash()
	row := sqlstore.Order{
		Hash:              orderHash,
		Kind:              order.Kind,
		Side:              order.Params.Side,
		Maker:             order.Params.Maker,
		Contract:          info.Contract,
		Currency:          order.Params.PaymentToken,
		Price:             orZero(order.Params.BasePrice),
		Value:             orderValue(order),
		Quantity:          big.NewInt(1),
		QuantityRemaining: big.NewInt(1),
		TokenSetID:        set.ID(),
		ValidFrom:         time.Unix(order.Params.ListingTime, 0).UTC(),
		ValidUntil:        time.Unix(order.Params.ExpirationTime, 0).UTC(),
		Nonce:             order.Params.Nonce,
		Conduit:           conduit,
		FeeBps:            feeBps,
		SourceID:          sourceID,
		SourceBps:         sourceBps,
		RoyaltyInfo:       royalties,
		RawData:           rawData,
		FillabilityStatus: sqlstore.FillabilityFillable,
		ApprovalStatus:    sqlstore.ApprovalNoApproval,
		Expiration:        time.Unix(order.Params.ExpirationTime, 0).UTC(),
	}
	if err := s.store.SaveOrder(ctx, row); err != nil {
		return common.Hash{}, "", fmt.Errorf("upserting order: %s", err)
	}
	return orderHash, "", nil
}

// resolveTokenSet maps the order's target-asset info to its token set,
// materializing list membership and checking the declared Merkle root.
func (s *Service) resolveTokenSet(
	ctx context.Context,
	candidate orderbook.OrderInfo,
	info wyvern.TokenInfo,
) (tokenset.TokenSet, []sqlstore.Token, string, error) {
	if info.MerkleRoot == nil {
		set, err := tokenset.FromTokenInfo(info)
		if err != nil {
			return tokenset.TokenSet{}, nil, orderbook.ReasonInvalidTarget, nil
		}
		var members []sqlstore.Token
		if set.Kind == tokenset.KindToken {
			members = []sqlstore.Token{{Contract: set.Contract, TokenID: set.TokenID}}
		}
		return set, members, "", nil
	}

	// token-list orders must come with the attribute their root was built from
	if candidate.Attribute == nil {
		return tokenset.TokenSet{}, nil, orderbook.ReasonNoMatchingTokens, nil
	}
	attr := *candidate.Attribute
	tokens, err := s.store.TokensByAttribute(ctx, attr.Collection, attr.Key, attr.Value)
	if err != nil {
		return tokenset.TokenSet{}, nil, "", fmt.Errorf("querying attribute tokens: %s", err)
	}
	if len(tokens) == 0 {
		return tokenset.TokenSet{}, nil, orderbook.ReasonNoMatchingTokens, nil
	}

	tokenIDs := make([]*big.Int, len(tokens))
	for i, token := range tokens {
		if token.Contract != info.Contract {
			return tokenset.TokenSet{}, nil, orderbook.ReasonNoMatchingTokens, nil
		}
		tokenIDs[i] = token.TokenID
	}

	tree, err := merkletree.NewTokenTree(tokenIDs)
	if err != nil {
		return tokenset.TokenSet{}, nil, "", fmt.Errorf("building merkle tree: %s", err)
	}
	if tree.Root() != *info.MerkleRoot {
		return tokenset.TokenSet{}, nil, orderbook.ReasonNoMatchingTokens, nil
	}

	return tokenset.List(info.Contract, tree.Root()), tokens, "", nil
}

// attributeSource decides marketplace attribution per the fee recipient.
func attributeSource(candidate orderbook.OrderInfo) (common.Address, int) {
	order := candidate.Order
	if order.Params.FeeRecipient == openseaFeeRecipient {
		return openseaFeeRecipient, openseaFeeBps
	}
	sourceID := common.Address{}
	if candidate.Source != nil {
		sourceID = *candidate.Source
	}
	return sourceID, int(maxFeeBps(order).Int64())
}

// orderValue is the price net of fees for buys and the price itself for
// sells: value = basePrice - basePrice * takerRelayerFee / 10000, with
// truncated integer division.
func orderValue(order *wyvern.Order) *big.Int {
	price := orZero(order.Params.BasePrice)
	if order.Params.Side == wyvern.SideSell {
		return price
	}
	fee := new(big.Int).Mul(price, orZero(order.Params.TakerRelayerFee))
	fee.Div(fee, maxBps)
	return new(big.Int).Sub(price, fee)
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
