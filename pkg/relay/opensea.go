package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"

	"github.com/wyvernlabs/go-orderbook/pkg/jobs"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

var encoding = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	openseaMainnetURL = "https://api.opensea.io/wyvern/v1/orders/post"
	openseaTestnetURL = "https://testnets-api.opensea.io/wyvern/v1/orders/post"
)

// OpenSea relays accepted orders to the OpenSea shared orderbook. Posting is
// at-least-once: a non-2xx response errors so the queue retries with backoff.
type OpenSea struct {
	log     zerolog.Logger
	http    *http.Client
	limiter limiter.Store
	chainID int64
	apiKey  string
	url     string
}

// NewOpenSea returns a relay for the given chain. The api key is only
// attached on mainnet.
func NewOpenSea(chainID int64, apiKey string, postsPerSecond uint64) (*OpenSea, error) {
	store, err := memorystore.New(&memorystore.Config{
		Tokens:   postsPerSecond,
		Interval: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("creating memorystore: %s", err)
	}

	url := openseaTestnetURL
	if chainID == 1 {
		url = openseaMainnetURL
	}

	return &OpenSea{
		log: logger.With().
			Str("component", "opensearelay").
			Logger(),
		http:    &http.Client{Timeout: time.Second * 30},
		limiter: store,
		chainID: chainID,
		apiKey:  apiKey,
		url:     url,
	}, nil
}

// HandleRelay processes one orders-relay job.
func (o *OpenSea) HandleRelay(ctx context.Context, job jobs.Job) error {
	var order wyvern.Order
	if err := encoding.Unmarshal(job.Payload, &order); err != nil {
		return fmt.Errorf("unmarshaling relay order: %s", err)
	}

	if err := o.wait(ctx); err != nil {
		return err
	}

	body, err := o.payload(&order)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.chainID == 1 && o.apiKey != "" {
		req.Header.Set("X-Api-Key", o.apiKey)
	}

	res, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting order: %s", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", res.StatusCode, msg)
	}

	o.log.Debug().
		Str("order_hash", order.Hash().Hex()).
		Msg("order relayed")
	return nil
}

// payload builds the documented post body: the raw order params plus the
// fixed protocol fields and the asset metadata.
func (o *OpenSea) payload(order *wyvern.Order) ([]byte, error) {
	info, ok := order.Info()
	if !ok {
		return nil, fmt.Errorf("order has no recognizable target")
	}

	params, err := encoding.Marshal(order.Params)
	if err != nil {
		return nil, fmt.Errorf("marshaling order params: %s", err)
	}
	var fields map[string]interface{}
	if err := encoding.Unmarshal(params, &fields); err != nil {
		return nil, fmt.Errorf("expanding order params: %s", err)
	}

	fields["makerProtocolFee"] = "0"
	fields["takerProtocolFee"] = "0"
	fields["makerReferrerFee"] = "0"
	fields["feeMethod"] = 1
	fields["quantity"] = "1"
	fields["hash"] = order.Hash().Hex()

	tokenID := ""
	if info.TokenID != nil {
		tokenID = info.TokenID.String()
	}
	fields["metadata"] = map[string]interface{}{
		"asset": map[string]interface{}{
			"id":      tokenID,
			"address": info.Contract.Hex(),
		},
		"schema": "ERC721",
	}

	return encoding.Marshal(fields)
}

func (o *OpenSea) wait(ctx context.Context) error {
	for {
		_, _, reset, ok, err := o.limiter.Take(ctx, "opensea")
		if err != nil {
			return fmt.Errorf("taking rate limit token: %s", err)
		}
		if ok {
			return nil
		}
		wait := time.Until(time.Unix(0, int64(reset)))
		if wait < time.Millisecond*100 {
			wait = time.Millisecond * 100
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
