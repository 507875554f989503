package impl

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/wyvernlabs/go-orderbook/pkg/eventfeed"
	jobsimpl "github.com/wyvernlabs/go-orderbook/pkg/jobs/impl"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore/impl/mem"
	"github.com/wyvernlabs/go-orderbook/pkg/tokenset"
	"github.com/wyvernlabs/go-orderbook/pkg/updater"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

var (
	exchangeV23 = common.HexToAddress("0x7f268357a8c2552623316e2562d90e642bb538e5")
	nftContract = common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	wethAddress = common.HexToAddress("0x0000000000000000000000000000000000000eee")
	makerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	otherAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	proxyAddr   = common.HexToAddress("0x00000000000000000000000000000000000000c3")

	eth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type harness struct {
	store  *mem.Store
	ing    *Ingestor
	hashQ  *jobsimpl.MemQueue
	makerQ *jobsimpl.MemQueue
	fillQ  *jobsimpl.MemQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := mem.New()
	hashQ := jobsimpl.NewMem("hash-update")
	makerQ := jobsimpl.NewMem("maker-update")
	fillQ := jobsimpl.NewMem("fill-handle")
	queues := updater.Queues{HashUpdate: hashQ, MakerUpdate: makerQ, FillHandle: fillQ}

	worker := updater.NewWorker(store, queues, nil)
	require.NoError(t, hashQ.Start(worker.HandleHashUpdate))
	require.NoError(t, makerQ.Start(worker.HandleMakerUpdate))
	require.NoError(t, fillQ.Start(worker.HandleFillHandle))

	ing := NewIngestor(store, queues, map[common.Address]wyvern.OrderKind{
		exchangeV23: wyvern.OrderKindWyvernV23,
	})
	return &harness{store: store, ing: ing, hashQ: hashQ, makerQ: makerQ, fillQ: fillQ}
}

// drain runs every queued job, including jobs enqueued by other jobs, until
// the system settles.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for h.makerQ.Len()+h.hashQ.Len()+h.fillQ.Len() > 0 {
		_, err := h.makerQ.Drain(ctx)
		require.NoError(t, err)
		_, err = h.fillQ.Drain(ctx)
		require.NoError(t, err)
		_, err = h.hashQ.Drain(ctx)
		require.NoError(t, err)
	}
}

func (h *harness) ingest(t *testing.T, block int64, blockHash common.Hash, ts time.Time, logs ...types.Log) {
	t.Helper()
	require.NoError(t, h.ing.ProcessBlockEvents(context.Background(), eventfeed.BlockEvents{
		BlockNumber: block,
		BlockHash:   blockHash,
		Timestamp:   ts,
		Logs:        logs,
	}, false))
	h.drain(t)
}

// seedSellOrder inserts a sell order for (nftContract, tokenID) and derives
// its initial status through a hash update, the same path intake uses.
func (h *harness) seedSellOrder(
	t *testing.T,
	orderHash common.Hash,
	tokenID int64,
	nonce *big.Int,
	kind wyvern.OrderKind,
) sqlstore.Order {
	t.Helper()
	ctx := context.Background()

	set := tokenset.Single(nftContract, big.NewInt(tokenID))
	require.NoError(t, h.store.SaveTokenSet(ctx, set, []sqlstore.Token{
		{Contract: nftContract, TokenID: big.NewInt(tokenID)},
	}))

	order := sqlstore.Order{
		Hash:              orderHash,
		Kind:              kind,
		Side:              wyvern.SideSell,
		Maker:             makerAddr,
		Contract:          nftContract,
		Price:             new(big.Int).Set(eth),
		Value:             new(big.Int).Set(eth),
		Quantity:          big.NewInt(1),
		QuantityRemaining: big.NewInt(1),
		TokenSetID:        set.ID(),
		ValidFrom:         time.Now().Add(-time.Hour),
		ValidUntil:        time.Now().Add(24 * time.Hour),
		Nonce:             nonce,
		Conduit:           proxyAddr,
		FeeBps:            250,
		FillabilityStatus: sqlstore.FillabilityFillable,
		ApprovalStatus:    sqlstore.ApprovalNoApproval,
		Expiration:        time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, h.store.SaveOrder(ctx, order))
	require.NoError(t, updater.EnqueueHashUpdate(ctx, h.hashQ, updater.HashUpdate{
		Context:   "new-order-" + orderHash.Hex(),
		Hash:      orderHash,
		Trigger:   "new-order",
		Timestamp: time.Now().Unix(),
	}))
	h.drain(t)
	return order
}

func (h *harness) order(t *testing.T, orderHash common.Hash) sqlstore.Order {
	t.Helper()
	order, ok, err := h.store.Order(context.Background(), orderHash)
	require.NoError(t, err)
	require.True(t, ok)
	return order
}

// ---- log builders ----

func word32(x *big.Int) []byte {
	out := make([]byte, 32)
	x.FillBytes(out)
	return out
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func nftTransferLog(from, to common.Address, tokenID int64, key sqlstore.EventKey) types.Log {
	return types.Log{
		Address: nftContract,
		Topics: []common.Hash{
			TopicTransfer,
			addrTopic(from),
			addrTopic(to),
			common.BigToHash(big.NewInt(tokenID)),
		},
		BlockHash: key.BlockHash,
		TxHash:    key.TxHash,
		Index:     key.LogIndex,
	}
}

func ftTransferLog(from, to common.Address, amount *big.Int, key sqlstore.EventKey) types.Log {
	return types.Log{
		Address:   wethAddress,
		Topics:    []common.Hash{TopicTransfer, addrTopic(from), addrTopic(to)},
		Data:      word32(amount),
		BlockHash: key.BlockHash,
		TxHash:    key.TxHash,
		Index:     key.LogIndex,
	}
}

func approvalForAllLog(owner, operator common.Address, approved bool, key sqlstore.EventKey) types.Log {
	data := make([]byte, 32)
	if approved {
		data[31] = 1
	}
	return types.Log{
		Address:   nftContract,
		Topics:    []common.Hash{TopicApprovalForAll, addrTopic(owner), addrTopic(operator)},
		Data:      data,
		BlockHash: key.BlockHash,
		TxHash:    key.TxHash,
		Index:     key.LogIndex,
	}
}

func cancelLog(orderHash common.Hash, key sqlstore.EventKey) types.Log {
	return types.Log{
		Address:   exchangeV23,
		Topics:    []common.Hash{TopicOrderCancelled, orderHash},
		BlockHash: key.BlockHash,
		TxHash:    key.TxHash,
		Index:     key.LogIndex,
	}
}

func nonceIncrementedLog(maker common.Address, newNonce int64, key sqlstore.EventKey) types.Log {
	return types.Log{
		Address:   exchangeV23,
		Topics:    []common.Hash{TopicNonceIncremented, addrTopic(maker)},
		Data:      word32(big.NewInt(newNonce)),
		BlockHash: key.BlockHash,
		TxHash:    key.TxHash,
		Index:     key.LogIndex,
	}
}

func matchLog(buyHash, sellHash common.Hash, maker, taker common.Address, price *big.Int, key sqlstore.EventKey) types.Log {
	data := append(append(buyHash.Bytes(), sellHash.Bytes()...), word32(price)...)
	return types.Log{
		Address: exchangeV23,
		Topics: []common.Hash{
			TopicOrdersMatched,
			addrTopic(maker),
			addrTopic(taker),
			{},
		},
		Data:      data,
		BlockHash: key.BlockHash,
		TxHash:    key.TxHash,
		Index:     key.LogIndex,
	}
}

func key(block, idx int64) sqlstore.EventKey {
	return sqlstore.EventKey{
		BlockHash: common.BigToHash(big.NewInt(block * 1000)),
		TxHash:    common.BigToHash(big.NewInt(block*1000 + idx)),
		LogIndex:  uint(idx),
	}
}

// ---- scenarios ----

func TestSellBalanceLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SetContractKind(ctx, nftContract, sqlstore.ContractKindERC721))
	h.store.SeedNftBalance(nftContract, big.NewInt(7), makerAddr, big.NewInt(1))

	// operator approval arrives as a chain event like everything else
	h.ingest(t, 99, common.BigToHash(big.NewInt(99_000)), time.Unix(1_000_000, 0),
		approvalForAllLog(makerAddr, proxyAddr, true, key(99, 0)))

	orderHash := common.BigToHash(big.NewInt(0x1111))
	order := h.seedSellOrder(t, orderHash, 7, nil, wyvern.OrderKindWyvernV2)

	got := h.order(t, orderHash)
	require.Equal(t, sqlstore.FillabilityFillable, got.FillabilityStatus)
	require.Equal(t, sqlstore.ApprovalApproved, got.ApprovalStatus)
	require.Equal(t, eth, got.Value)

	// the maker loses the token at block 100
	txTime := time.Unix(1_000_100, 0)
	h.ingest(t, 100, common.BigToHash(big.NewInt(100_000)), txTime,
		nftTransferLog(makerAddr, otherAddr, 7, key(100, 0)))

	got = h.order(t, orderHash)
	require.Equal(t, sqlstore.FillabilityNoBalance, got.FillabilityStatus)
	require.Equal(t, txTime.UTC(), got.Expiration.UTC())

	// and gets it back at block 101
	h.ingest(t, 101, common.BigToHash(big.NewInt(101_000)), time.Unix(1_000_200, 0),
		nftTransferLog(otherAddr, makerAddr, 7, key(101, 0)))

	got = h.order(t, orderHash)
	require.Equal(t, sqlstore.FillabilityFillable, got.FillabilityStatus)
	require.Equal(t, order.ValidUntil.UTC(), got.Expiration.UTC())
}

func TestBulkCancelMonotonicity(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SetContractKind(ctx, nftContract, sqlstore.ContractKindERC721))
	h.ingest(t, 99, common.BigToHash(big.NewInt(99_000)), time.Unix(1_000_000, 0),
		approvalForAllLog(makerAddr, proxyAddr, true, key(99, 0)))

	hashes := []common.Hash{}
	for i, nonce := range []int64{3, 5, 7} {
		orderHash := common.BigToHash(big.NewInt(int64(0x2000 + i)))
		h.store.SeedNftBalance(nftContract, big.NewInt(int64(10+i)), makerAddr, big.NewInt(1))
		h.seedSellOrder(t, orderHash, int64(10+i), big.NewInt(nonce), wyvern.OrderKindWyvernV23)
		hashes = append(hashes, orderHash)
	}

	h.ingest(t, 100, common.BigToHash(big.NewInt(100_000)), time.Unix(1_000_100, 0),
		nonceIncrementedLog(makerAddr, 6, key(100, 0)))

	require.Equal(t, sqlstore.FillabilityCancelled, h.order(t, hashes[0]).FillabilityStatus)
	require.Equal(t, sqlstore.FillabilityCancelled, h.order(t, hashes[1]).FillabilityStatus)
	require.Equal(t, sqlstore.FillabilityFillable, h.order(t, hashes[2]).FillabilityStatus)

	// replays are no-ops
	h.ingest(t, 100, common.BigToHash(big.NewInt(100_000)), time.Unix(1_000_100, 0),
		nonceIncrementedLog(makerAddr, 6, key(100, 0)))
	require.Equal(t, sqlstore.FillabilityFillable, h.order(t, hashes[2]).FillabilityStatus)
}

func TestReorgRecovery(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SetContractKind(ctx, nftContract, sqlstore.ContractKindERC721))
	h.store.SeedNftBalance(nftContract, big.NewInt(7), makerAddr, big.NewInt(1))
	h.ingest(t, 99, common.BigToHash(big.NewInt(99_000)), time.Unix(1_000_000, 0),
		approvalForAllLog(makerAddr, proxyAddr, true, key(99, 0)))

	orderHash := common.BigToHash(big.NewInt(0x3333))
	h.seedSellOrder(t, orderHash, 7, nil, wyvern.OrderKindWyvernV2)

	reorgedBlock := common.BigToHash(big.NewInt(100_000))
	h.ingest(t, 100, reorgedBlock, time.Unix(1_000_100, 0),
		cancelLog(orderHash, key(100, 0)))
	require.Equal(t, sqlstore.FillabilityCancelled, h.order(t, orderHash).FillabilityStatus)

	// the block is replaced by one without the cancel
	require.NoError(t, h.ing.FixBlock(ctx, reorgedBlock))
	h.drain(t)

	require.Equal(t, sqlstore.FillabilityFillable, h.order(t, orderHash).FillabilityStatus)
}

func TestBuyBalanceUnderFunded(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SetContractKind(ctx, wethAddress, sqlstore.ContractKindERC20))

	halfEth := new(big.Int).Div(eth, big.NewInt(2))
	h.store.SeedFtBalance(wethAddress, makerAddr, halfEth)

	orderHash := common.BigToHash(big.NewInt(0x4444))
	order := sqlstore.Order{
		Hash:              orderHash,
		Kind:              wyvern.OrderKindWyvernV23,
		Side:              wyvern.SideBuy,
		Maker:             makerAddr,
		Contract:          nftContract,
		Currency:          wethAddress,
		Price:             new(big.Int).Set(eth),
		Value:             new(big.Int).Set(eth),
		Quantity:          big.NewInt(1),
		QuantityRemaining: big.NewInt(1),
		TokenSetID:        tokenset.Single(nftContract, big.NewInt(7)).ID(),
		ValidFrom:         time.Now().Add(-time.Hour),
		ValidUntil:        time.Now().Add(24 * time.Hour),
		Conduit:           proxyAddr,
		FillabilityStatus: sqlstore.FillabilityFillable,
		ApprovalStatus:    sqlstore.ApprovalNoApproval,
		Expiration:        time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, h.store.SaveOrder(ctx, order))
	require.NoError(t, updater.EnqueueHashUpdate(ctx, h.hashQ, updater.HashUpdate{
		Context: "new-order-" + orderHash.Hex(), Hash: orderHash,
		Trigger: "new-order", Timestamp: time.Now().Unix(),
	}))
	h.drain(t)

	got := h.order(t, orderHash)
	require.Equal(t, sqlstore.FillabilityNoBalance, got.FillabilityStatus)
	// no taker fee means no allowance requirement
	require.Equal(t, sqlstore.ApprovalApproved, got.ApprovalStatus)

	// a 0.6 ETH top-up makes the order fillable
	topUp := new(big.Int).Div(new(big.Int).Mul(eth, big.NewInt(6)), big.NewInt(10))
	h.ingest(t, 100, common.BigToHash(big.NewInt(100_000)), time.Unix(1_000_100, 0),
		ftTransferLog(otherAddr, makerAddr, topUp, key(100, 0)))

	require.Equal(t, sqlstore.FillabilityFillable, h.order(t, orderHash).FillabilityStatus)
}

func TestFillLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SetContractKind(ctx, nftContract, sqlstore.ContractKindERC721))
	h.store.SeedNftBalance(nftContract, big.NewInt(7), makerAddr, big.NewInt(1))
	h.ingest(t, 99, common.BigToHash(big.NewInt(99_000)), time.Unix(1_000_000, 0),
		approvalForAllLog(makerAddr, proxyAddr, true, key(99, 0)))

	sellHash := common.BigToHash(big.NewInt(0x5555))
	buyHash := common.BigToHash(big.NewInt(0x6666))
	h.seedSellOrder(t, sellHash, 7, nil, wyvern.OrderKindWyvernV2)

	h.ingest(t, 100, common.BigToHash(big.NewInt(100_000)), time.Unix(1_000_100, 0),
		matchLog(buyHash, sellHash, makerAddr, otherAddr, eth, key(100, 0)))

	got := h.order(t, sellHash)
	require.Equal(t, sqlstore.FillabilityFilled, got.FillabilityStatus)
	require.Equal(t, int64(0), got.QuantityRemaining.Int64())
}

func TestEventIdempotence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SetContractKind(ctx, nftContract, sqlstore.ContractKindERC721))
	h.store.SeedNftBalance(nftContract, big.NewInt(7), makerAddr, big.NewInt(1))
	h.ingest(t, 99, common.BigToHash(big.NewInt(99_000)), time.Unix(1_000_000, 0),
		approvalForAllLog(makerAddr, proxyAddr, true, key(99, 0)))

	orderHash := common.BigToHash(big.NewInt(0x7777))
	h.seedSellOrder(t, orderHash, 7, nil, wyvern.OrderKindWyvernV2)

	transfer := nftTransferLog(makerAddr, otherAddr, 7, key(100, 0))
	h.ingest(t, 100, common.BigToHash(big.NewInt(100_000)), time.Unix(1_000_100, 0), transfer)

	after := h.order(t, orderHash)
	balance, err := h.store.NftBalance(ctx, nftContract, big.NewInt(7), makerAddr)
	require.NoError(t, err)

	// replaying the same block any number of times changes nothing
	for i := 0; i < 3; i++ {
		h.ingest(t, 100, common.BigToHash(big.NewInt(100_000)), time.Unix(1_000_100, 0), transfer)
	}
	replayed := h.order(t, orderHash)
	require.Equal(t, after.FillabilityStatus, replayed.FillabilityStatus)
	require.Equal(t, after.Expiration.UTC(), replayed.Expiration.UTC())

	replayedBalance, err := h.store.NftBalance(ctx, nftContract, big.NewInt(7), makerAddr)
	require.NoError(t, err)
	require.Equal(t, balance, replayedBalance)
}
