package impl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/wyvernlabs/go-orderbook/pkg/eventfeed"
	"github.com/wyvernlabs/go-orderbook/pkg/eventprocessor"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
)

// EventProcessor pulls block events from a feed and runs them through the
// ingestor, tracking the last fully-processed height so restarts resume where
// they left off.
type EventProcessor struct {
	log      zerolog.Logger
	store    sqlstore.Store
	feed     eventfeed.EventFeed
	ingestor eventprocessor.Ingestor
	config   *eventprocessor.Config

	lock           sync.Mutex
	daemonCtx      context.Context
	daemonCancel   context.CancelFunc
	daemonCanceled chan struct{}

	mLastProcessedHeight atomic.Int64
}

var _ eventprocessor.EventProcessor = (*EventProcessor)(nil)

// New returns a new EventProcessor.
func New(
	store sqlstore.Store,
	feed eventfeed.EventFeed,
	ingestor eventprocessor.Ingestor,
	opts ...eventprocessor.Option,
) (*EventProcessor, error) {
	config := eventprocessor.DefaultConfig()
	for _, op := range opts {
		if err := op(config); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}

	log := logger.With().
		Str("component", "eventprocessor").
		Logger()

	return &EventProcessor{
		log:      log,
		store:    store,
		feed:     feed,
		ingestor: ingestor,
		config:   config,
	}, nil
}

// GetLastProcessedHeight returns the height of the last processed block.
func (ep *EventProcessor) GetLastProcessedHeight() int64 {
	return ep.mLastProcessedHeight.Load()
}

// Start starts processing new events from the last processed height.
func (ep *EventProcessor) Start() error {
	ep.lock.Lock()
	defer ep.lock.Unlock()

	if ep.daemonCtx != nil {
		return fmt.Errorf("already started")
	}

	ep.log.Debug().Msg("starting daemon...")
	ctx, cls := context.WithCancel(context.Background())
	ep.daemonCtx = ctx
	ep.daemonCancel = cls
	ep.daemonCanceled = make(chan struct{})
	if err := ep.startDaemon(); err != nil {
		return fmt.Errorf("background daemon failed starting: %s", err)
	}
	ep.log.Info().Msg("started")

	return nil
}

// Stop stops processing new events.
func (ep *EventProcessor) Stop() {
	ep.lock.Lock()
	defer ep.lock.Unlock()
	if ep.daemonCtx == nil {
		return
	}

	ep.log.Debug().Msg("stopping daemon gracefully...")
	ep.daemonCancel()
	<-ep.daemonCanceled

	ep.daemonCtx = nil
	ep.daemonCancel = nil
	ep.daemonCanceled = nil
	ep.log.Debug().Msg("stopped")
}

func (ep *EventProcessor) startDaemon() error {
	ctx, cls := context.WithTimeout(ep.daemonCtx, time.Second*10)
	defer cls()
	fromHeight, ok, err := ep.store.LastProcessedHeight(ctx)
	if err != nil {
		return fmt.Errorf("getting last processed height: %s", err)
	}
	if ok {
		fromHeight++
	}

	ch := make(chan eventfeed.BlockEvents)
	go func() {
		defer close(ep.daemonCanceled)
		if err := ep.feed.Start(ep.daemonCtx, fromHeight, ch); err != nil {
			ep.log.Error().Err(err).Msg("event feed stopped")
		}
	}()
	go func() {
		for {
			select {
			case <-ep.daemonCtx.Done():
				return
			case be := <-ch:
				ep.executeBlockEvents(be)
			}
		}
	}()

	return nil
}

// executeBlockEvents retries until the block lands: events must never be
// silently dropped, so any infrastructure failure just backs off.
func (ep *EventProcessor) executeBlockEvents(be eventfeed.BlockEvents) {
	for {
		if ep.daemonCtx.Err() != nil {
			return
		}
		if err := ep.ingestor.ProcessBlockEvents(ep.daemonCtx, be, ep.config.Backfill); err != nil {
			ep.log.Error().
				Err(err).
				Int64("height", be.BlockNumber).
				Msg("executing block events")
			time.Sleep(ep.config.BlockFailedExecutionBackoff)
			continue
		}
		break
	}

	if err := ep.store.SetLastProcessedHeight(ep.daemonCtx, be.BlockNumber); err != nil {
		ep.log.Error().Err(err).Msg("saving last processed height")
	}
	ep.mLastProcessedHeight.Store(be.BlockNumber)
}
