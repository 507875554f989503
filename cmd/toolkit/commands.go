package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	jobsimpl "github.com/wyvernlabs/go-orderbook/pkg/jobs/impl"
	sqlstoreimpl "github.com/wyvernlabs/go-orderbook/pkg/sqlstore/impl"
	"github.com/wyvernlabs/go-orderbook/pkg/updater"
)

func openStore(cmd *cobra.Command) (*sqlstoreimpl.Store, error) {
	dbURI, err := cmd.Flags().GetString("db-uri")
	if err != nil {
		return nil, err
	}
	if dbURI == "" {
		return nil, fmt.Errorf("--db-uri is required")
	}
	return sqlstoreimpl.New(cmd.Context(), dbURI)
}

func openHashQueue(cmd *cobra.Command) (*jobsimpl.RedisQueue, error) {
	redisAddr, err := cmd.Flags().GetString("redis-addr")
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	return jobsimpl.New(rdb, "hash-update")
}

var orderCmd = &cobra.Command{
	Use:   "order <hash>",
	Short: "order prints an order row as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		order, ok, err := store.Order(cmd.Context(), common.HexToHash(args[0]))
		if err != nil {
			return fmt.Errorf("fetching order: %s", err)
		}
		if !ok {
			return fmt.Errorf("no order with hash %s", args[0])
		}

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(order)
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync <hash>...",
	Short: "resync re-enqueues a hash-update for each order hash",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, err := openHashQueue(cmd)
		if err != nil {
			return err
		}

		for _, arg := range args {
			orderHash := common.HexToHash(arg)
			if err := updater.EnqueueHashUpdate(cmd.Context(), queue, updater.HashUpdate{
				Context:   fmt.Sprintf("resync-%s-%d", orderHash.Hex(), time.Now().Unix()),
				Hash:      orderHash,
				Trigger:   "resync",
				Timestamp: time.Now().Unix(),
			}); err != nil {
				return err
			}
			fmt.Printf("enqueued hash-update for %s\n", orderHash.Hex())
		}
		return nil
	},
}

var fixBlockCmd = &cobra.Command{
	Use:   "fix-block <blockHash>",
	Short: "fix-block erases a block's events and re-derives the affected orders",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		queue, err := openHashQueue(cmd)
		if err != nil {
			return err
		}

		blockHash := common.HexToHash(args[0])
		hashes, err := store.DeleteBlockEvents(cmd.Context(), blockHash)
		if err != nil {
			return fmt.Errorf("deleting block events: %s", err)
		}

		ctx := context.Background()
		for _, orderHash := range hashes {
			if err := updater.EnqueueHashUpdate(ctx, queue, updater.HashUpdate{
				Context:   fmt.Sprintf("fix-%s-%s", blockHash.Hex(), orderHash.Hex()),
				Hash:      orderHash,
				Trigger:   "reorg",
				Timestamp: time.Now().Unix(),
			}); err != nil {
				return err
			}
		}
		fmt.Printf("erased block %s, re-deriving %d orders\n", blockHash.Hex(), len(hashes))
		return nil
	},
}
