package eventfeed

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainClient is the slice of an Ethereum client the feed needs.
// *ethclient.Client satisfies it, as does the sqlite archive client.
type ChainClient interface {
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// BlockEvents groups the logs of one block, ordered by log index.
type BlockEvents struct {
	BlockNumber int64
	BlockHash   common.Hash
	Timestamp   time.Time
	Logs        []types.Log
}

// FixCallback is invoked when a previously-delivered block hash was replaced
// by a reorg, before the rewritten range is re-delivered.
type FixCallback func(blockHash common.Hash)

// EventFeed delivers a stream of per-block log batches.
type EventFeed interface {
	// Start is a blocking call that sends block events to ch from fromHeight
	// onward. Cancel the context to shut the feed down gracefully.
	Start(ctx context.Context, fromHeight int64, ch chan<- BlockEvents) error
}

// Config contains configuration attributes for an event feed.
type Config struct {
	MinBlockChainDepth int
	NewHeadPollFreq    time.Duration
	ChainAPIBackoff    time.Duration
	ReorgTrackDepth    int
	FixCallback        FixCallback
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MinBlockChainDepth: 5,
		NewHeadPollFreq:    time.Second * 10,
		ChainAPIBackoff:    time.Second * 15,
		ReorgTrackDepth:    64,
	}
}

// Option modifies a configuration attribute.
type Option func(*Config) error

// WithMinBlockDepth provides the confidence interval of block depth from
// which the feed considers blocks final; delivered blocks this deep rarely
// reorg, but the fix path still covers the case.
func WithMinBlockDepth(depth int) Option {
	return func(c *Config) error {
		if depth < 0 {
			return fmt.Errorf("depth must be non-negative")
		}
		c.MinBlockChainDepth = depth
		return nil
	}
}

// WithNewHeadPollFreq provides the rate at which the chain tip is polled.
func WithNewHeadPollFreq(freq time.Duration) Option {
	return func(c *Config) error {
		if freq < time.Second {
			return fmt.Errorf("poll frequency is too low (<1s)")
		}
		c.NewHeadPollFreq = freq
		return nil
	}
}

// WithChainAPIBackoff provides the sleep duration between retries whenever
// the chain API errors.
func WithChainAPIBackoff(backoff time.Duration) Option {
	return func(c *Config) error {
		if backoff < time.Second {
			return fmt.Errorf("backoff is too low (<1s)")
		}
		c.ChainAPIBackoff = backoff
		return nil
	}
}

// WithFixCallback registers the reorg signal receiver.
func WithFixCallback(cb FixCallback) Option {
	return func(c *Config) error {
		c.FixCallback = cb
		return nil
	}
}
