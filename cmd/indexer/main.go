package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/wyvernlabs/go-orderbook/buildinfo"
	orderbookimpl "github.com/wyvernlabs/go-orderbook/internal/orderbook/impl"
	"github.com/wyvernlabs/go-orderbook/pkg/eventfeed"
	eventfeedimpl "github.com/wyvernlabs/go-orderbook/pkg/eventfeed/impl"
	"github.com/wyvernlabs/go-orderbook/pkg/eventfeed/impl/sqlitechainclient"
	"github.com/wyvernlabs/go-orderbook/pkg/eventprocessor"
	eventprocessorimpl "github.com/wyvernlabs/go-orderbook/pkg/eventprocessor/impl"
	"github.com/wyvernlabs/go-orderbook/pkg/jobs"
	jobsimpl "github.com/wyvernlabs/go-orderbook/pkg/jobs/impl"
	"github.com/wyvernlabs/go-orderbook/pkg/logging"
	"github.com/wyvernlabs/go-orderbook/pkg/metrics"
	"github.com/wyvernlabs/go-orderbook/pkg/relay"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	sqlstoreimpl "github.com/wyvernlabs/go-orderbook/pkg/sqlstore/impl"
	"github.com/wyvernlabs/go-orderbook/pkg/updater"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

func main() {
	config := setupConfig()
	logging.SetupLogger("orderbook-indexer", buildinfo.GitCommit, config.Log.Debug, config.Log.Human)

	ctx := context.Background()

	databaseURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&timezone=UTC",
		config.DB.User,
		config.DB.Pass,
		config.DB.Host,
		config.DB.Port,
		config.DB.Name,
	)
	store, err := sqlstoreimpl.New(ctx, databaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sqlstore")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Pass,
	})

	hashQueue := mustQueue(rdb, "hash-update", jobs.WithConcurrency(10))
	makerQueue := mustQueue(rdb, "maker-update", jobs.WithConcurrency(30))
	fillQueue := mustQueue(rdb, "fill-handle", jobs.WithConcurrency(5))
	relayQueue := mustQueue(rdb, "orders-relay", jobs.WithConcurrency(2))
	queues := updater.Queues{
		HashUpdate:  hashQueue,
		MakerUpdate: makerQueue,
		FillHandle:  fillQueue,
		OrdersRelay: relayQueue,
	}

	var conn *ethclient.Client
	if config.Chain.EthEndpoint != "" {
		conn, err = ethclient.Dial(config.Chain.EthEndpoint)
		if err != nil {
			log.Fatal().
				Err(err).
				Str("eth_endpoint", config.Chain.EthEndpoint).
				Msg("failed to connect to ethereum endpoint")
		}
		defer conn.Close()
	}

	var allowances updater.AllowanceFetcher
	if conn != nil {
		allowances = &updater.ChainAllowanceFetcher{Caller: conn}
	}
	worker := updater.NewWorker(store, queues, allowances)

	openSea, err := relay.NewOpenSea(config.Chain.ID, config.Relay.OpenSeaAPIKey, config.Relay.PostsPerSecond)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create opensea relay")
	}

	mustStart := func(q jobs.Queue, handler jobs.Handler) {
		if err := q.Start(handler); err != nil {
			log.Fatal().Err(err).Str("queue", q.Name()).Msg("failed to start queue")
		}
	}
	mustStart(hashQueue, worker.HandleHashUpdate)
	mustStart(makerQueue, worker.HandleMakerUpdate)
	mustStart(fillQueue, worker.HandleFillHandle)
	mustStart(relayQueue, openSea.HandleRelay)
	defer func() {
		relayQueue.Stop()
		fillQueue.Stop()
		makerQueue.Stop()
		hashQueue.Stop()
	}()

	exchanges := map[common.Address]wyvern.OrderKind{
		common.HexToAddress(config.Chain.ExchangeV2Address):  wyvern.OrderKindWyvernV2,
		common.HexToAddress(config.Chain.ExchangeV23Address): wyvern.OrderKindWyvernV23,
	}
	ingestor := eventprocessorimpl.NewIngestor(store, queues, exchanges)

	if config.Indexer.Master {
		processor := setupEventProcessor(config, store, ingestor, conn)
		if err := processor.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start event processor")
		}
		defer processor.Stop()
	}

	service := orderbookimpl.NewService(store, queues, config.Chain.ID, config.Indexer.AcceptOrders)

	if err := metrics.SetupInstrumentation(":"+config.Metrics.Port, "orderbook-indexer"); err != nil {
		log.Fatal().
			Err(err).
			Str("port", config.Metrics.Port).
			Msg("could not setup instrumentation")
	}

	router := mux.NewRouter()
	registerRoutes(router, service, config.Chain.ID)

	server := &http.Server{Addr: ":" + config.HTTP.Port, Handler: router}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().
				Err(err).
				Str("port", config.HTTP.Port).
				Msg("could not start server")
		}
	}()
	log.Info().Str("port", config.HTTP.Port).Msg("serving")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down...")
	_ = server.Shutdown(ctx)
}

func mustQueue(rdb *redis.Client, name string, opts ...jobs.Option) jobs.Queue {
	q, err := jobsimpl.New(rdb, name, opts...)
	if err != nil {
		log.Fatal().Err(err).Str("queue", name).Msg("failed to create queue")
	}
	return q
}

func setupEventProcessor(
	config *config,
	store sqlstore.Store,
	ingestor eventprocessor.Ingestor,
	conn *ethclient.Client,
) eventprocessor.EventProcessor {
	var chainClient eventfeed.ChainClient
	backfill := false
	if config.Indexer.BackfillArchive != "" {
		archive, err := sqlitechainclient.New(config.Indexer.BackfillArchive)
		if err != nil {
			log.Fatal().
				Err(err).
				Str("archive", config.Indexer.BackfillArchive).
				Msg("failed to open chain-log archive")
		}
		chainClient = archive
		backfill = true
	} else {
		if conn == nil {
			log.Fatal().Msg("master role requires an ethereum endpoint or a backfill archive")
		}
		chainClient = conn
	}

	feed, err := eventfeedimpl.New(
		chainClient,
		nil,
		eventprocessorimpl.Topics(),
		eventfeed.WithMinBlockDepth(config.Chain.MinBlockDepth),
		eventfeed.WithFixCallback(func(blockHash common.Hash) {
			if err := ingestor.FixBlock(context.Background(), blockHash); err != nil {
				log.Error().
					Err(err).
					Str("block_hash", blockHash.Hex()).
					Msg("fixing reorged block")
			}
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event feed")
	}

	processor, err := eventprocessorimpl.New(store, feed, ingestor,
		eventprocessor.WithBackfill(backfill))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event processor")
	}
	return processor
}
