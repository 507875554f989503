package sqlitechainclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
)

// SQLiteChainClient replays chain logs stored in a sqlite archive file. It is
// used for backfills: the event tables are rebuilt from the archive with
// trigger jobs suppressed, then the orderbook is re-derived in bulk.
type SQLiteChainClient struct {
	log zerolog.Logger
	db  *sql.DB

	onceChainTip        sync.Once
	chainTipBlockNumber int64
}

// New opens the archive at dbURI.
func New(dbURI string) (*SQLiteChainClient, error) {
	log := logger.With().
		Str("component", "sqlitechainclient").
		Logger()

	db, err := sql.Open("sqlite3", dbURI)
	if err != nil {
		return nil, fmt.Errorf("opening db: %s", err)
	}

	return &SQLiteChainClient{
		log: log,
		db:  db,
	}, nil
}

// FilterLogs returns the archived logs in the queried block range. The address
// filter is applied in memory; topic filters are not applied.
func (scc *SQLiteChainClient) FilterLogs(
	ctx context.Context,
	filter ethereum.FilterQuery,
) ([]types.Log, error) {
	if filter.BlockHash != nil {
		return nil, fmt.Errorf("block_hash filter isn't supported")
	}

	query := `select address, topics, data, block_number, tx_hash, tx_index, block_hash, log_index
	          from chain_logs
	          where block_number between ?1 and ?2
	          order by block_number asc, log_index asc`
	rows, err := scc.db.QueryContext(ctx, query, filter.FromBlock.Int64(), filter.ToBlock.Int64())
	if err != nil {
		return nil, fmt.Errorf("get logs in range: %s", err)
	}
	defer rows.Close()

	addressFilter := map[common.Address]struct{}{}
	for _, a := range filter.Addresses {
		addressFilter[a] = struct{}{}
	}

	var logs []types.Log
	for rows.Next() {
		if rows.Err() != nil {
			return nil, fmt.Errorf("get row: %s", rows.Err())
		}
		var address, txHash, blockHash, data string
		var topicsJSON []byte
		var blockNumber uint64
		var txIndex, logIndex uint
		if err := rows.Scan(
			&address,
			&topicsJSON,
			&data,
			&blockNumber,
			&txHash,
			&txIndex,
			&blockHash,
			&logIndex); err != nil {
			return nil, fmt.Errorf("scan row: %s", err)
		}

		addr := common.HexToAddress(address)
		if len(addressFilter) > 0 {
			if _, ok := addressFilter[addr]; !ok {
				continue
			}
		}

		var topicsHex []string
		if err := json.Unmarshal(topicsJSON, &topicsHex); err != nil {
			return nil, fmt.Errorf("unmarshal json topics: %s", err)
		}
		topics := make([]common.Hash, len(topicsHex))
		for i, topicHex := range topicsHex {
			topics[i] = common.HexToHash(topicHex)
		}
		logs = append(logs, types.Log{
			Address:     addr,
			Topics:      topics,
			Data:        common.FromHex(data),
			BlockNumber: blockNumber,
			TxHash:      common.HexToHash(txHash),
			TxIndex:     txIndex,
			BlockHash:   common.HexToHash(blockHash),
			Index:       logIndex,
		})
	}

	return logs, nil
}

// HeaderByNumber returns a bare header: archives store no header fields
// beyond the block number, which is all a backfill needs.
func (scc *SQLiteChainClient) HeaderByNumber(ctx context.Context, block *big.Int) (*types.Header, error) {
	if block != nil {
		return &types.Header{Number: new(big.Int).Set(block)}, nil
	}

	scc.onceChainTip.Do(func() {
		blockNumber, err := scc.getChainTipBlockNumber(ctx)
		if err != nil {
			scc.log.Error().Err(err).Msg("loading chain tip block number")
			scc.chainTipBlockNumber = -1
			scc.onceChainTip = sync.Once{} // Reset to retry in the next `HeaderByNumber(...)` call
			return
		}
		scc.chainTipBlockNumber = blockNumber
	})
	if scc.chainTipBlockNumber == -1 {
		return nil, fmt.Errorf("chain tip block number couldn't be loaded")
	}

	return &types.Header{
		Number: big.NewInt(scc.chainTipBlockNumber),
	}, nil
}

func (scc *SQLiteChainClient) getChainTipBlockNumber(ctx context.Context) (int64, error) {
	query := "select block_number from chain_logs order by block_number desc limit 1"
	row := scc.db.QueryRowContext(ctx, query)
	if row.Err() == sql.ErrNoRows {
		return 0, errors.New("no blocks found")
	}
	var blockNumber int64
	if err := row.Scan(&blockNumber); err != nil {
		return 0, fmt.Errorf("reading block_number column: %s", err)
	}

	return blockNumber, nil
}
