package impl

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/wyvernlabs/go-orderbook/pkg/eventfeed"
)

const maxBlocksFetchSizeStart = 10_000

// EventFeed delivers per-block batches of the logs the indexer cares about.
// Blocks are only delivered once they are MinBlockChainDepth behind the chain
// tip; recently delivered block hashes are tracked so a late reorg still
// produces a fix signal.
type EventFeed struct {
	log                zerolog.Logger
	chainClient        eventfeed.ChainClient
	addresses          []common.Address
	topics             [][]common.Hash
	config             *eventfeed.Config
	maxBlocksFetchSize int

	deliveredHashes map[int64]common.Hash
	mCurrentHeight  atomic.Int64
}

var _ eventfeed.EventFeed = (*EventFeed)(nil)

// New returns a new EventFeed filtering the given addresses and topics. An
// empty address list subscribes to every contract, which is what the NFT and
// ERC20 transfer tracking needs.
func New(
	chainClient eventfeed.ChainClient,
	addresses []common.Address,
	topics []common.Hash,
	opts ...eventfeed.Option,
) (*EventFeed, error) {
	config := eventfeed.DefaultConfig()
	for _, o := range opts {
		if err := o(config); err != nil {
			return nil, fmt.Errorf("applying provided option: %s", err)
		}
	}

	log := logger.With().
		Str("component", "eventfeed").
		Logger()

	var topicFilter [][]common.Hash
	if len(topics) > 0 {
		topicFilter = [][]common.Hash{topics}
	}

	return &EventFeed{
		log:                log,
		chainClient:        chainClient,
		addresses:          addresses,
		topics:             topicFilter,
		config:             config,
		maxBlocksFetchSize: maxBlocksFetchSizeStart,
		deliveredHashes:    map[int64]common.Hash{},
	}, nil
}

// Start implements eventfeed.EventFeed.
func (ef *EventFeed) Start(
	ctx context.Context,
	fromHeight int64,
	ch chan<- eventfeed.BlockEvents,
) error {
	ef.log.Debug().Msg("starting...")
	defer ef.log.Debug().Msg("stopped")

	ticker := time.NewTicker(ef.config.NewHeadPollFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		head, err := ef.chainClient.HeaderByNumber(ctx, nil)
		if err != nil {
			ef.log.Error().Err(err).Msg("fetching chain tip")
			continue
		}

		// Only blocks minChainDepth behind the tip are considered final
		// enough to deliver.
		toHeight := head.Number.Int64() - int64(ef.config.MinBlockChainDepth)
		for fromHeight <= toHeight {
			if ctx.Err() != nil {
				return nil
			}

			if err := ef.checkReorgs(ctx); err != nil {
				ef.log.Error().Err(err).Msg("checking reorgs")
				time.Sleep(ef.config.ChainAPIBackoff)
				continue
			}

			batchTo := toHeight
			if batchTo-fromHeight+1 > int64(ef.maxBlocksFetchSize) {
				batchTo = fromHeight + int64(ef.maxBlocksFetchSize) - 1
			}

			delivered, err := ef.deliverRange(ctx, fromHeight, batchTo, ch)
			if err != nil {
				ef.log.Error().
					Err(err).
					Int64("from", fromHeight).
					Int64("to", batchTo).
					Msg("delivering block range")
				// the response may simply be too big; shrink and retry
				if ef.maxBlocksFetchSize > 100 {
					ef.maxBlocksFetchSize /= 2
				}
				time.Sleep(ef.config.ChainAPIBackoff)
				continue
			}
			ef.mCurrentHeight.Store(batchTo)
			fromHeight = batchTo + 1
			if delivered > 0 {
				ef.log.Debug().
					Int64("height", batchTo).
					Int("blocks_with_events", delivered).
					Msg("delivered block range")
			}
		}
	}
}

func (ef *EventFeed) deliverRange(
	ctx context.Context,
	fromHeight, toHeight int64,
	ch chan<- eventfeed.BlockEvents,
) (int, error) {
	logs, err := ef.chainClient.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(fromHeight),
		ToBlock:   big.NewInt(toHeight),
		Addresses: ef.addresses,
		Topics:    ef.topics,
	})
	if err != nil {
		return 0, fmt.Errorf("filtering logs: %s", err)
	}

	byBlock := map[int64][]types.Log{}
	for _, l := range logs {
		byBlock[int64(l.BlockNumber)] = append(byBlock[int64(l.BlockNumber)], l)
	}
	heights := make([]int64, 0, len(byBlock))
	for height := range byBlock {
		heights = append(heights, height)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	for _, height := range heights {
		blockLogs := byBlock[height]
		sort.Slice(blockLogs, func(i, j int) bool { return blockLogs[i].Index < blockLogs[j].Index })

		header, err := ef.chainClient.HeaderByNumber(ctx, big.NewInt(height))
		if err != nil {
			return 0, fmt.Errorf("fetching header %d: %s", height, err)
		}

		be := eventfeed.BlockEvents{
			BlockNumber: height,
			BlockHash:   blockLogs[0].BlockHash,
			Timestamp:   time.Unix(int64(header.Time), 0),
			Logs:        blockLogs,
		}
		select {
		case <-ctx.Done():
			return 0, nil
		case ch <- be:
		}
		ef.trackDelivered(height, be.BlockHash)
	}
	return len(heights), nil
}

// checkReorgs re-fetches the headers of recently delivered blocks; any hash
// mismatch fires the fix callback so the erased block can be rebuilt.
func (ef *EventFeed) checkReorgs(ctx context.Context) error {
	if ef.config.FixCallback == nil {
		return nil
	}
	for height, deliveredHash := range ef.deliveredHashes {
		header, err := ef.chainClient.HeaderByNumber(ctx, big.NewInt(height))
		if err != nil {
			return fmt.Errorf("fetching header %d: %s", height, err)
		}
		if header.Hash() != deliveredHash {
			ef.log.Warn().
				Int64("height", height).
				Str("old_hash", deliveredHash.Hex()).
				Str("new_hash", header.Hash().Hex()).
				Msg("reorg detected")
			ef.config.FixCallback(deliveredHash)
			ef.deliveredHashes[height] = header.Hash()
		}
	}
	return nil
}

func (ef *EventFeed) trackDelivered(height int64, blockHash common.Hash) {
	ef.deliveredHashes[height] = blockHash
	if len(ef.deliveredHashes) <= ef.config.ReorgTrackDepth {
		return
	}
	oldest := height
	for h := range ef.deliveredHashes {
		if h < oldest {
			oldest = h
		}
	}
	delete(ef.deliveredHashes, oldest)
}
