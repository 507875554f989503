package wyvern

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var exchangeABI = mustABI(`[
	{
		"name": "atomicMatch_",
		"type": "function",
		"inputs": [
			{"name": "addrs", "type": "address[14]"},
			{"name": "uints", "type": "uint256[18]"},
			{"name": "feeMethodsSidesKindsHowToCalls", "type": "uint8[8]"},
			{"name": "calldataBuy", "type": "bytes"},
			{"name": "calldataSell", "type": "bytes"},
			{"name": "replacementPatternBuy", "type": "bytes"},
			{"name": "replacementPatternSell", "type": "bytes"},
			{"name": "staticExtradataBuy", "type": "bytes"},
			{"name": "staticExtradataSell", "type": "bytes"},
			{"name": "vs", "type": "uint8[2]"},
			{"name": "rssMetadata", "type": "bytes32[5]"}
		]
	},
	{
		"name": "cancelOrder_",
		"type": "function",
		"inputs": [
			{"name": "addrs", "type": "address[7]"},
			{"name": "uints", "type": "uint256[9]"},
			{"name": "feeMethod", "type": "uint8"},
			{"name": "side", "type": "uint8"},
			{"name": "saleKind", "type": "uint8"},
			{"name": "howToCall", "type": "uint8"},
			{"name": "calldata", "type": "bytes"},
			{"name": "replacementPattern", "type": "bytes"},
			{"name": "staticExtradata", "type": "bytes"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		]
	},
	{
		"name": "incrementNonce",
		"type": "function",
		"inputs": []
	}
]`)

// Exchange builds the transactions a taker or maker submits to the exchange
// contract. It never signs anything.
type Exchange struct {
	Address common.Address
}

// NewExchange returns an exchange bound to a contract address.
func NewExchange(address common.Address) *Exchange {
	return &Exchange{Address: address}
}

// BuildMatching derives the mirror order a taker submits to fill the given
// maker order. The taker takes the maker's place on the opposite side, and the
// fee recipient must be set on exactly one side of the match.
func (o *Order) BuildMatching(taker common.Address) (*Order, error) {
	p := o.Params

	matching := Params{
		Exchange:           p.Exchange,
		Taker:              p.Maker,
		MakerRelayerFee:    p.MakerRelayerFee,
		TakerRelayerFee:    p.TakerRelayerFee,
		MakerProtocolFee:   p.MakerProtocolFee,
		TakerProtocolFee:   p.TakerProtocolFee,
		FeeMethod:          p.FeeMethod,
		SaleKind:           SaleKindFixedPrice,
		Target:             p.Target,
		HowToCall:          p.HowToCall,
		Calldata:           fillReplacements(p.Calldata, p.ReplacementPattern, taker),
		ReplacementPattern: nil,
		PaymentToken:       p.PaymentToken,
		BasePrice:          p.BasePrice,
		Extra:              big.NewInt(0),
		ListingTime:        0,
		ExpirationTime:     0,
		Salt:               big.NewInt(0),
	}
	matching.Maker = taker
	switch p.Side {
	case SideBuy:
		matching.Side = SideSell
	case SideSell:
		matching.Side = SideBuy
	default:
		return nil, fmt.Errorf("unknown order side %d", p.Side)
	}
	if p.FeeRecipient == (common.Address{}) {
		return nil, errors.New("maker order has no fee recipient")
	}

	return New(o.ChainID, o.Kind, matching), nil
}

// MatchData encodes the atomicMatch_ calldata for a (buy, sell) pair.
func (e *Exchange) MatchData(buy, sell *Order) ([]byte, error) {
	bp, sp := buy.Params, sell.Params
	if bp.Side != SideBuy || sp.Side != SideSell {
		return nil, errors.New("orders are not a (buy, sell) pair")
	}

	addrs := [14]common.Address{
		bp.Exchange, bp.Maker, bp.Taker, bp.FeeRecipient, bp.Target, bp.StaticTarget, bp.PaymentToken,
		sp.Exchange, sp.Maker, sp.Taker, sp.FeeRecipient, sp.Target, sp.StaticTarget, sp.PaymentToken,
	}
	uints := [18]*big.Int{
		orZero(bp.MakerRelayerFee), orZero(bp.TakerRelayerFee), orZero(bp.MakerProtocolFee), orZero(bp.TakerProtocolFee),
		orZero(bp.BasePrice), orZero(bp.Extra), big.NewInt(bp.ListingTime), big.NewInt(bp.ExpirationTime), orZero(bp.Salt),
		orZero(sp.MakerRelayerFee), orZero(sp.TakerRelayerFee), orZero(sp.MakerProtocolFee), orZero(sp.TakerProtocolFee),
		orZero(sp.BasePrice), orZero(sp.Extra), big.NewInt(sp.ListingTime), big.NewInt(sp.ExpirationTime), orZero(sp.Salt),
	}
	methods := [8]uint8{
		uint8(bp.FeeMethod), uint8(bp.Side), uint8(bp.SaleKind), uint8(bp.HowToCall),
		uint8(sp.FeeMethod), uint8(sp.Side), uint8(sp.SaleKind), uint8(sp.HowToCall),
	}
	vs := [2]uint8{bp.V, sp.V}
	rss := [5][32]byte{[32]byte(bp.R), [32]byte(bp.S), [32]byte(sp.R), [32]byte(sp.S), {}}

	data, err := exchangeABI.Pack("atomicMatch_",
		addrs, uints, methods,
		[]byte(bp.Calldata), []byte(sp.Calldata),
		[]byte(bp.ReplacementPattern), []byte(sp.ReplacementPattern),
		[]byte(bp.StaticExtradata), []byte(sp.StaticExtradata),
		vs, rss,
	)
	if err != nil {
		return nil, fmt.Errorf("packing atomicMatch_: %s", err)
	}
	return data, nil
}

// CancelData encodes the cancelOrder_ calldata, which the maker must submit
// from their own address.
func (e *Exchange) CancelData(o *Order) ([]byte, error) {
	p := o.Params
	addrs := [7]common.Address{
		p.Exchange, p.Maker, p.Taker, p.FeeRecipient, p.Target, p.StaticTarget, p.PaymentToken,
	}
	uints := [9]*big.Int{
		orZero(p.MakerRelayerFee), orZero(p.TakerRelayerFee), orZero(p.MakerProtocolFee), orZero(p.TakerProtocolFee),
		orZero(p.BasePrice), orZero(p.Extra), big.NewInt(p.ListingTime), big.NewInt(p.ExpirationTime), orZero(p.Salt),
	}

	data, err := exchangeABI.Pack("cancelOrder_",
		addrs, uints,
		uint8(p.FeeMethod), uint8(p.Side), uint8(p.SaleKind), uint8(p.HowToCall),
		[]byte(p.Calldata), []byte(p.ReplacementPattern), []byte(p.StaticExtradata),
		p.V, [32]byte(p.R), [32]byte(p.S),
	)
	if err != nil {
		return nil, fmt.Errorf("packing cancelOrder_: %s", err)
	}
	return data, nil
}

// IncrementNonceData encodes the bulk-cancel transaction (v2.3 only).
func (e *Exchange) IncrementNonceData() ([]byte, error) {
	data, err := exchangeABI.Pack("incrementNonce")
	if err != nil {
		return nil, fmt.Errorf("packing incrementNonce: %s", err)
	}
	return data, nil
}

// fillReplacements overwrites every masked byte of calldata with the
// corresponding byte from the counter-calldata built around the taker.
func fillReplacements(calldata, pattern []byte, taker common.Address) []byte {
	out := make([]byte, len(calldata))
	copy(out, calldata)
	if len(pattern) != len(calldata) {
		return out
	}

	// The standard transfer calls place the counterparty address in the
	// first or second argument word; replacement bits select which.
	takerWord := make([]byte, 32)
	copy(takerWord[12:], taker.Bytes())
	for w := 0; 4+(w+1)*32 <= len(out); w++ {
		if !wordMasked(pattern, w) {
			continue
		}
		copy(out[4+w*32:4+(w+1)*32], takerWord)
	}
	return out
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
