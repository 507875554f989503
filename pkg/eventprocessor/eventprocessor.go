package eventprocessor

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wyvernlabs/go-orderbook/pkg/eventfeed"
)

// Config contains configuration attributes for an event processor.
type Config struct {
	BlockFailedExecutionBackoff time.Duration
	Backfill                    bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BlockFailedExecutionBackoff: time.Second * 10,
	}
}

// Option modifies a configuration attribute.
type Option func(*Config) error

// WithBlockFailedExecutionBackoff provides a sleep duration between retryable
// executions, e.g. when the underlying database is unavailable.
func WithBlockFailedExecutionBackoff(backoff time.Duration) Option {
	return func(c *Config) error {
		if backoff.Seconds() < 1 {
			return fmt.Errorf("backoff is too low (<1s)")
		}
		c.BlockFailedExecutionBackoff = backoff
		return nil
	}
}

// WithBackfill suppresses trigger jobs: only the event tables are written,
// because the orderbook tables will be reconstructed in bulk afterwards.
func WithBackfill(backfill bool) Option {
	return func(c *Config) error {
		c.Backfill = backfill
		return nil
	}
}

// Ingestor turns raw chain logs into event rows and trigger jobs.
type Ingestor interface {
	ProcessBlockEvents(ctx context.Context, be eventfeed.BlockEvents, backfill bool) error
	FixBlock(ctx context.Context, blockHash common.Hash) error
}

// EventProcessor drives an Ingestor from an event feed.
type EventProcessor interface {
	Start() error
	Stop()
}
