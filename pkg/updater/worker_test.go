package updater

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/wyvernlabs/go-orderbook/pkg/jobs"
	jobsimpl "github.com/wyvernlabs/go-orderbook/pkg/jobs/impl"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore/impl/mem"
	"github.com/wyvernlabs/go-orderbook/pkg/tokenset"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

var (
	testContract = common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	testWeth     = common.HexToAddress("0x0000000000000000000000000000000000000eee")
	testMaker    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testProxy    = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func testWorker(t *testing.T) (*Worker, *mem.Store, *jobsimpl.MemQueue) {
	t.Helper()
	store := mem.New()
	hashQ := jobsimpl.NewMem("hash-update")
	worker := NewWorker(store, Queues{HashUpdate: hashQ}, nil)
	require.NoError(t, hashQ.Start(worker.HandleHashUpdate))
	return worker, store, hashQ
}

func sellOrder(hash common.Hash, kind wyvern.OrderKind, tokenID int64) sqlstore.Order {
	return sqlstore.Order{
		Hash:              hash,
		Kind:              kind,
		Side:              wyvern.SideSell,
		Maker:             testMaker,
		Contract:          testContract,
		Price:             big.NewInt(1000),
		Value:             big.NewInt(1000),
		Quantity:          big.NewInt(1),
		QuantityRemaining: big.NewInt(1),
		TokenSetID:        tokenset.Single(testContract, big.NewInt(tokenID)).ID(),
		ValidFrom:         time.Now().Add(-time.Hour),
		ValidUntil:        time.Now().Add(time.Hour),
		Conduit:           testProxy,
		FillabilityStatus: sqlstore.FillabilityFillable,
		ApprovalStatus:    sqlstore.ApprovalApproved,
		Expiration:        time.Now().Add(time.Hour),
	}
}

func makerUpdateJob(t *testing.T, mu MakerUpdate) []byte {
	t.Helper()
	payload, err := encoding.Marshal(mu)
	require.NoError(t, err)
	return payload
}

func TestSellBalanceRevokePromotesOffChainKinds(t *testing.T) {
	t.Parallel()
	worker, store, _ := testWorker(t)
	ctx := context.Background()

	wyvernHash := common.BigToHash(big.NewInt(1))
	x2y2Hash := common.BigToHash(big.NewInt(2))

	set := tokenset.Single(testContract, big.NewInt(7))
	require.NoError(t, store.SaveTokenSet(ctx, set, nil))
	require.NoError(t, store.SaveOrder(ctx, sellOrder(wyvernHash, wyvern.OrderKindWyvernV23, 7)))
	require.NoError(t, store.SaveOrder(ctx, sellOrder(x2y2Hash, kindX2Y2, 7)))

	// the maker holds nothing, so both orders lose their balance
	payload := makerUpdateJob(t, MakerUpdate{
		Context:   "t-0",
		Kind:      MakerUpdateSellBalance,
		Maker:     testMaker,
		Contract:  testContract,
		TokenID:   big.NewInt(7),
		Timestamp: time.Now().Unix(),
	})
	require.NoError(t, worker.HandleMakerUpdate(ctx, jobs.Job{ID: "test", Payload: payload, Attempt: 1}))

	wyvernOrder, _, err := store.Order(ctx, wyvernHash)
	require.NoError(t, err)
	require.Equal(t, sqlstore.FillabilityNoBalance, wyvernOrder.FillabilityStatus)

	// the off-chain-invalidated marketplace goes straight to cancelled
	x2y2Order, _, err := store.Order(ctx, x2y2Hash)
	require.NoError(t, err)
	require.Equal(t, sqlstore.FillabilityCancelled, x2y2Order.FillabilityStatus)
}

func TestEscrowedKindsSkipSellBalance(t *testing.T) {
	t.Parallel()
	worker, store, _ := testWorker(t)
	ctx := context.Background()

	escrowedHash := common.BigToHash(big.NewInt(3))
	set := tokenset.Single(testContract, big.NewInt(7))
	require.NoError(t, store.SaveTokenSet(ctx, set, nil))
	require.NoError(t, store.SaveOrder(ctx, sellOrder(escrowedHash, kindFoundation, 7)))

	payload := makerUpdateJob(t, MakerUpdate{
		Context:   "t-1",
		Kind:      MakerUpdateSellBalance,
		Maker:     testMaker,
		Contract:  testContract,
		TokenID:   big.NewInt(7),
		Timestamp: time.Now().Unix(),
	})
	require.NoError(t, worker.HandleMakerUpdate(ctx, jobs.Job{ID: "test", Payload: payload, Attempt: 1}))

	// the exchange custodies the token: no balance transition
	order, _, err := store.Order(ctx, escrowedHash)
	require.NoError(t, err)
	require.Equal(t, sqlstore.FillabilityFillable, order.FillabilityStatus)
}

type staticAllowance struct {
	amount *big.Int
	calls  int
}

func (f *staticAllowance) Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	f.calls++
	return f.amount, nil
}

func TestTransferInducedBuyApprovalReadsChain(t *testing.T) {
	t.Parallel()
	store := mem.New()
	hashQ := jobsimpl.NewMem("hash-update")
	fetcher := &staticAllowance{amount: big.NewInt(50)}
	worker := NewWorker(store, Queues{HashUpdate: hashQ}, fetcher)
	require.NoError(t, hashQ.Start(worker.HandleHashUpdate))
	ctx := context.Background()

	orderHash := common.BigToHash(big.NewInt(4))
	order := sellOrder(orderHash, wyvern.OrderKindWyvernV23, 7)
	order.Side = wyvern.SideBuy
	order.Currency = testWeth
	order.Price = big.NewInt(1000)
	order.Value = big.NewInt(900) // 100 taker-fee share must be approved
	require.NoError(t, store.SaveOrder(ctx, order))
	store.SeedFtBalance(testWeth, testMaker, big.NewInt(1000))

	payload := makerUpdateJob(t, MakerUpdate{
		Context:   "t-2",
		Kind:      MakerUpdateBuyApproval,
		Maker:     testMaker,
		Contract:  testWeth,
		OrderKind: wyvern.OrderKindWyvernV23,
		Timestamp: time.Now().Unix(),
	})
	require.NoError(t, worker.HandleMakerUpdate(ctx, jobs.Job{ID: "test", Payload: payload, Attempt: 1}))

	// the chain was consulted and 50 < 100 revokes approval
	require.Equal(t, 1, fetcher.calls)
	got, _, err := store.Order(ctx, orderHash)
	require.NoError(t, err)
	require.Equal(t, sqlstore.ApprovalNoApproval, got.ApprovalStatus)

	// the fetched allowance was cached in the projection
	cached, ok, err := store.FtAllowance(ctx, testWeth, testMaker, testProxy)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(50), cached.Int64())
}
