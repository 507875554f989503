package impl

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/wyvernlabs/go-orderbook/internal/orderbook"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

// TxData is the wallet payload of a transaction step.
type TxData struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *big.Int       `json:"value,omitempty"`
}

// StepBuilder assembles the ordered transaction/signature sequences a user
// walks through. It only reads chain state; it never signs or sends.
type StepBuilder struct {
	caller   wyvern.ContractCaller
	weth     *wyvern.WETH
	registry *wyvern.ProxyRegistry
	exchange *wyvern.Exchange
}

// NewStepBuilder wires the builder against the chain contracts.
func NewStepBuilder(
	caller wyvern.ContractCaller,
	wethAddress, registryAddress, exchangeAddress common.Address,
) *StepBuilder {
	return &StepBuilder{
		caller:   caller,
		weth:     wyvern.NewWETH(wethAddress, caller),
		registry: wyvern.NewProxyRegistry(registryAddress, caller),
		exchange: wyvern.NewExchange(exchangeAddress),
	}
}

// BidSteps builds the sequence for placing a WETH bid.
func (b *StepBuilder) BidSteps(ctx context.Context, order *wyvern.Order) ([]orderbook.Step, error) {
	maker := order.Params.Maker
	price := order.Params.BasePrice

	balance, err := b.weth.Balance(ctx, maker)
	if err != nil {
		return nil, fmt.Errorf("reading weth balance: %s", err)
	}
	wrapStep := orderbook.Step{
		Action:      "Wrapping ETH",
		Description: "Wrapping ETH required to make an offer",
		Status:      orderbook.StepComplete,
		Kind:        orderbook.StepTransaction,
	}
	if balance.Cmp(price) < 0 {
		data, err := b.weth.DepositData()
		if err != nil {
			return nil, err
		}
		wrapStep.Status = orderbook.StepIncomplete
		wrapStep.Data = TxData{
			To:    b.weth.Address,
			Data:  data,
			Value: new(big.Int).Sub(price, balance),
		}
	}

	proxy, err := b.registry.Proxy(ctx, maker)
	if err != nil {
		return nil, fmt.Errorf("reading maker proxy: %s", err)
	}
	allowance, err := b.weth.Allowance(ctx, maker, proxy)
	if err != nil {
		return nil, fmt.Errorf("reading weth allowance: %s", err)
	}
	approveStep := orderbook.Step{
		Action:      "Approving WETH",
		Description: "Approving WETH to be spent by the exchange",
		Status:      orderbook.StepComplete,
		Kind:        orderbook.StepTransaction,
	}
	if allowance.Cmp(price) < 0 {
		data, err := b.weth.ApproveData(proxy, price)
		if err != nil {
			return nil, err
		}
		approveStep.Status = orderbook.StepIncomplete
		approveStep.Data = TxData{To: b.weth.Address, Data: data}
	}

	return []orderbook.Step{
		wrapStep,
		approveStep,
		{
			Action:      "Signing order",
			Description: "Signing the offer with the maker wallet",
			Status:      orderbook.StepIncomplete,
			Kind:        orderbook.StepSignature,
			Data:        order.PrefixHash(),
		},
		{
			Action:      "Submitting order",
			Description: "Posting the signed offer to the orderbook",
			Status:      orderbook.StepIncomplete,
			Kind:        orderbook.StepRequest,
		},
	}, nil
}

// ListSteps builds the sequence for listing an NFT.
func (b *StepBuilder) ListSteps(ctx context.Context, order *wyvern.Order) ([]orderbook.Step, error) {
	maker := order.Params.Maker
	info, ok := order.Info()
	if !ok {
		return nil, fmt.Errorf("order has no recognizable target")
	}

	proxy, err := b.registry.Proxy(ctx, maker)
	if err != nil {
		return nil, fmt.Errorf("reading maker proxy: %s", err)
	}
	proxyStep := orderbook.Step{
		Action:      "Registering proxy",
		Description: "Registering a user proxy, a one-time setup",
		Status:      orderbook.StepComplete,
		Kind:        orderbook.StepTransaction,
	}
	if proxy == (common.Address{}) {
		data, err := b.registry.RegisterProxyData()
		if err != nil {
			return nil, err
		}
		proxyStep.Status = orderbook.StepIncomplete
		proxyStep.Data = TxData{To: b.registry.Address, Data: data}
	}

	nft := wyvern.NewNFT(info.Contract, b.caller)
	approveStep := orderbook.Step{
		Action:      "Approving token",
		Description: "Approving the proxy to transfer the listed token",
		Status:      orderbook.StepComplete,
		Kind:        orderbook.StepTransaction,
	}
	approved := false
	if proxy != (common.Address{}) {
		approved, err = nft.IsApproved(ctx, maker, proxy)
		if err != nil {
			return nil, fmt.Errorf("reading token approval: %s", err)
		}
	}
	if !approved {
		data, err := nft.ApproveData(proxy, true)
		if err != nil {
			return nil, err
		}
		approveStep.Status = orderbook.StepIncomplete
		approveStep.Data = TxData{To: info.Contract, Data: data}
	}

	return []orderbook.Step{
		proxyStep,
		approveStep,
		{
			Action:      "Signing order",
			Description: "Signing the listing with the maker wallet",
			Status:      orderbook.StepIncomplete,
			Kind:        orderbook.StepSignature,
			Data:        order.PrefixHash(),
		},
		{
			Action:      "Submitting order",
			Description: "Posting the signed listing to the orderbook",
			Status:      orderbook.StepIncomplete,
			Kind:        orderbook.StepRequest,
		},
	}, nil
}

// FillSteps builds the sequence for filling a maker order.
func (b *StepBuilder) FillSteps(taker common.Address, order *wyvern.Order) ([]orderbook.Step, error) {
	matching, err := order.BuildMatching(taker)
	if err != nil {
		return nil, fmt.Errorf("building matching order: %s", err)
	}

	buy, sell := matching, order
	if order.Params.Side == wyvern.SideBuy {
		buy, sell = order, matching
	}
	data, err := b.exchange.MatchData(buy, sell)
	if err != nil {
		return nil, fmt.Errorf("encoding match transaction: %s", err)
	}

	var value *big.Int
	if sell.Params.PaymentToken == (common.Address{}) && order.Params.Side == wyvern.SideSell {
		value = sell.Params.BasePrice
	}
	return []orderbook.Step{
		{
			Action:      "Filling order",
			Description: "Submitting the match transaction",
			Status:      orderbook.StepIncomplete,
			Kind:        orderbook.StepTransaction,
			Data:        TxData{To: b.exchange.Address, Data: data, Value: value},
		},
		{
			Action:      "Confirmation",
			Description: "Waiting for the fill to be indexed",
			Status:      orderbook.StepIncomplete,
			Kind:        orderbook.StepConfirmation,
		},
	}, nil
}

// CancelSteps builds the sequence for cancelling a maker order on-chain.
func (b *StepBuilder) CancelSteps(order *wyvern.Order) ([]orderbook.Step, error) {
	data, err := b.exchange.CancelData(order)
	if err != nil {
		return nil, fmt.Errorf("encoding cancel transaction: %s", err)
	}
	return []orderbook.Step{
		{
			Action:      "Cancelling order",
			Description: "Submitting the cancel transaction from the maker wallet",
			Status:      orderbook.StepIncomplete,
			Kind:        orderbook.StepTransaction,
			Data:        TxData{To: b.exchange.Address, Data: data},
		},
		{
			Action:      "Confirmation",
			Description: "Waiting for the cancel to be indexed",
			Status:      orderbook.StepIncomplete,
			Kind:        orderbook.StepConfirmation,
		},
	}, nil
}
