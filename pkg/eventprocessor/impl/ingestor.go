package impl

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/wyvernlabs/go-orderbook/pkg/eventfeed"
	"github.com/wyvernlabs/go-orderbook/pkg/eventprocessor"
	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
	"github.com/wyvernlabs/go-orderbook/pkg/updater"
	"github.com/wyvernlabs/go-orderbook/pkg/wyvern"
)

type blockMeta struct {
	number    int64
	timestamp time.Time
}

// Ingestor decodes chain logs into typed events, appends them to the event
// tables and converts them into downstream trigger jobs. A log that fails to
// decode is logged and skipped, never fatal.
type Ingestor struct {
	log       zerolog.Logger
	store     sqlstore.Store
	queues    updater.Queues
	exchanges map[common.Address]wyvern.OrderKind
}

var _ eventprocessor.Ingestor = (*Ingestor)(nil)

// NewIngestor returns an ingestor. The exchanges map routes order-lifecycle
// logs (cancel, match, nonce) by emitting contract to the order kind they
// apply to; transfer and approval logs are accepted from any contract.
func NewIngestor(
	store sqlstore.Store,
	queues updater.Queues,
	exchanges map[common.Address]wyvern.OrderKind,
) *Ingestor {
	return &Ingestor{
		log: logger.With().
			Str("component", "ingestor").
			Logger(),
		store:     store,
		queues:    queues,
		exchanges: exchanges,
	}
}

type decodedBlock struct {
	cancels      []sqlstore.CancelEvent
	fills        []sqlstore.FillEvent
	bulkCancels  []sqlstore.BulkCancelEvent
	nftTransfers []sqlstore.NftTransferEvent
	nftApprovals []sqlstore.NftApprovalEvent
	ftTransfers  []sqlstore.FtTransferEvent
	ftApprovals  []sqlstore.FtApprovalEvent

	// transactions that contained a fill, for the ERC20-transfer-induced
	// buy-approval recheck
	fillTxs map[common.Hash]struct{}

	// rows actually cancelled by the bulk-cancel statement
	bulkCancelChanges []sqlstore.OrderStatusChange
}

// ProcessBlockEvents implements eventprocessor.Ingestor.
func (ing *Ingestor) ProcessBlockEvents(
	ctx context.Context,
	be eventfeed.BlockEvents,
	backfill bool,
) error {
	meta := blockMeta{number: be.BlockNumber, timestamp: be.Timestamp}
	decoded := &decodedBlock{fillTxs: map[common.Hash]struct{}{}}

	for _, l := range be.Logs {
		if len(l.Topics) == 0 {
			continue
		}
		ing.decodeLog(l, meta, decoded)
	}

	if err := ing.persist(ctx, decoded); err != nil {
		return err
	}
	if backfill {
		return nil
	}
	return ing.enqueueTriggers(ctx, decoded)
}

func (ing *Ingestor) decodeLog(l types.Log, meta blockMeta, out *decodedBlock) {
	logDecodeErr := func(err error) {
		ing.log.Error().
			Err(err).
			Str("tx_hash", l.TxHash.Hex()).
			Uint("log_index", l.Index).
			Str("topic", l.Topics[0].Hex()).
			Msg("decoding log, skipping")
	}

	switch l.Topics[0] {
	case TopicOrderCancelled:
		if _, ok := ing.exchanges[l.Address]; !ok {
			return
		}
		e, err := decodeOrderCancelled(l, meta)
		if err != nil {
			logDecodeErr(err)
			return
		}
		out.cancels = append(out.cancels, e)
	case TopicOrdersMatched:
		if _, ok := ing.exchanges[l.Address]; !ok {
			return
		}
		e, err := decodeOrdersMatched(l, meta)
		if err != nil {
			logDecodeErr(err)
			return
		}
		out.fills = append(out.fills, e)
		out.fillTxs[l.TxHash] = struct{}{}
	case TopicNonceIncremented:
		kind, ok := ing.exchanges[l.Address]
		if !ok {
			return
		}
		maker, minNonce, eb, err := decodeNonceIncremented(l, meta)
		if err != nil {
			logDecodeErr(err)
			return
		}
		out.bulkCancels = append(out.bulkCancels, sqlstore.BulkCancelEvent{
			EventBase: eb,
			Maker:     maker,
			OrderKind: kind,
			MinNonce:  minNonce,
		})
	case TopicTransfer:
		switch len(l.Topics) {
		case 4:
			e, err := decodeNftTransfer(l, meta)
			if err != nil {
				logDecodeErr(err)
				return
			}
			out.nftTransfers = append(out.nftTransfers, e)
		case 3:
			e, err := decodeFtTransfer(l, meta)
			if err != nil {
				logDecodeErr(err)
				return
			}
			out.ftTransfers = append(out.ftTransfers, e)
		}
	case TopicTransferSingle:
		e, err := decodeTransferSingle(l, meta)
		if err != nil {
			logDecodeErr(err)
			return
		}
		out.nftTransfers = append(out.nftTransfers, e)
	case TopicTransferBatch:
		events, err := decodeTransferBatch(l, meta)
		if err != nil {
			logDecodeErr(err)
			return
		}
		out.nftTransfers = append(out.nftTransfers, events...)
	case TopicApprovalForAll:
		e, err := decodeApprovalForAll(l, meta)
		if err != nil {
			logDecodeErr(err)
			return
		}
		out.nftApprovals = append(out.nftApprovals, e)
	case TopicApproval:
		// ERC721 Approval carries the token id as an extra indexed topic;
		// only the ERC20 shape matters here
		if len(l.Topics) != 3 {
			return
		}
		e, err := decodeFtApproval(l, meta)
		if err != nil {
			logDecodeErr(err)
			return
		}
		out.ftApprovals = append(out.ftApprovals, e)
	}
}

func (ing *Ingestor) persist(ctx context.Context, decoded *decodedBlock) error {
	if err := ing.store.AddCancelEvents(ctx, decoded.cancels); err != nil {
		return fmt.Errorf("adding cancel events: %s", err)
	}
	if err := ing.store.AddFillEvents(ctx, decoded.fills); err != nil {
		return fmt.Errorf("adding fill events: %s", err)
	}
	changes, err := ing.store.AddBulkCancelEvents(ctx, decoded.bulkCancels)
	if err != nil {
		return fmt.Errorf("adding bulk cancel events: %s", err)
	}
	decoded.bulkCancelChanges = changes
	if err := ing.store.AddNftTransferEvents(ctx, decoded.nftTransfers); err != nil {
		return fmt.Errorf("adding nft transfer events: %s", err)
	}
	if err := ing.store.AddNftApprovalEvents(ctx, decoded.nftApprovals); err != nil {
		return fmt.Errorf("adding nft approval events: %s", err)
	}
	if err := ing.store.AddFtTransferEvents(ctx, decoded.ftTransfers); err != nil {
		return fmt.Errorf("adding ft transfer events: %s", err)
	}
	if err := ing.store.AddFtApprovalEvents(ctx, decoded.ftApprovals); err != nil {
		return fmt.Errorf("adding ft approval events: %s", err)
	}
	return nil
}

func (ing *Ingestor) enqueueTriggers(ctx context.Context, decoded *decodedBlock) error {
	for _, e := range decoded.cancels {
		if err := updater.EnqueueHashUpdate(ctx, ing.queues.HashUpdate, updater.HashUpdate{
			Context:   fmt.Sprintf("%s-%d-%s", e.TxHash.Hex(), e.LogIndex, e.OrderHash.Hex()),
			Hash:      e.OrderHash,
			Trigger:   "cancel",
			Timestamp: e.Timestamp.Unix(),
		}); err != nil {
			return err
		}
	}

	for _, e := range decoded.fills {
		for _, orderHash := range []common.Hash{e.BuyHash, e.SellHash} {
			if err := updater.EnqueueHashUpdate(ctx, ing.queues.HashUpdate, updater.HashUpdate{
				Context:   fmt.Sprintf("%s-%d-%s", e.TxHash.Hex(), e.LogIndex, orderHash.Hex()),
				Hash:      orderHash,
				Trigger:   "fill",
				Timestamp: e.Timestamp.Unix(),
			}); err != nil {
				return err
			}
		}
		if err := updater.EnqueueFillHandle(ctx, ing.queues.FillHandle, updater.FillHandle{
			Context:   fmt.Sprintf("%s-%d", e.TxHash.Hex(), e.LogIndex),
			BuyHash:   e.BuyHash,
			SellHash:  e.SellHash,
			Amount:    e.Amount,
			Timestamp: e.Timestamp.Unix(),
		}); err != nil {
			return err
		}
	}

	for _, change := range decoded.bulkCancelChanges {
		if err := updater.EnqueueHashUpdate(ctx, ing.queues.HashUpdate, updater.HashUpdate{
			Context:   fmt.Sprintf("bulk-cancel-%s", change.Hash.Hex()),
			Hash:      change.Hash,
			Trigger:   "bulk-cancel",
			Timestamp: time.Now().Unix(),
		}); err != nil {
			return err
		}
	}

	for _, e := range decoded.nftTransfers {
		for _, maker := range []common.Address{e.From, e.To} {
			if maker == (common.Address{}) {
				continue
			}
			if err := updater.EnqueueMakerUpdate(ctx, ing.queues.MakerUpdate, updater.MakerUpdate{
				Context:   fmt.Sprintf("%s-%d-%s-%s", e.TxHash.Hex(), e.LogIndex, maker.Hex(), e.TokenID),
				Kind:      updater.MakerUpdateSellBalance,
				Maker:     maker,
				Contract:  e.Contract,
				TokenID:   e.TokenID,
				Timestamp: e.Timestamp.Unix(),
			}); err != nil {
				return err
			}
		}
	}

	for _, e := range decoded.nftApprovals {
		operator := e.Operator
		if err := updater.EnqueueMakerUpdate(ctx, ing.queues.MakerUpdate, updater.MakerUpdate{
			Context:   fmt.Sprintf("%s-%d-%s-%s", e.TxHash.Hex(), e.LogIndex, e.Owner.Hex(), operator.Hex()),
			Kind:      updater.MakerUpdateSellApproval,
			Maker:     e.Owner,
			Contract:  e.Contract,
			Operator:  &operator,
			Timestamp: e.Timestamp.Unix(),
		}); err != nil {
			return err
		}
	}

	for _, e := range decoded.ftTransfers {
		for _, maker := range []common.Address{e.From, e.To} {
			if maker == (common.Address{}) {
				continue
			}
			if err := updater.EnqueueMakerUpdate(ctx, ing.queues.MakerUpdate, updater.MakerUpdate{
				Context:   fmt.Sprintf("%s-%d-%s", e.TxHash.Hex(), e.LogIndex, maker.Hex()),
				Kind:      updater.MakerUpdateBuyBalance,
				Maker:     maker,
				Contract:  e.Contract,
				Timestamp: e.Timestamp.Unix(),
			}); err != nil {
				return err
			}
		}

		// ERC20 Transfer emits no Approval log, so a transfer that settles a
		// fill must also recheck the sender's allowances per order kind
		if _, ok := decoded.fillTxs[e.TxHash]; ok {
			for _, kind := range ing.orderKinds() {
				if err := updater.EnqueueMakerUpdate(ctx, ing.queues.MakerUpdate, updater.MakerUpdate{
					Context:   fmt.Sprintf("%s-%d-%s-%s", e.TxHash.Hex(), e.LogIndex, e.From.Hex(), kind),
					Kind:      updater.MakerUpdateBuyApproval,
					Maker:     e.From,
					Contract:  e.Contract,
					OrderKind: kind,
					Timestamp: e.Timestamp.Unix(),
				}); err != nil {
					return err
				}
			}
		}
	}

	for _, e := range decoded.ftApprovals {
		spender := e.Spender
		if err := updater.EnqueueMakerUpdate(ctx, ing.queues.MakerUpdate, updater.MakerUpdate{
			Context:   fmt.Sprintf("%s-%d-%s-%s", e.TxHash.Hex(), e.LogIndex, e.Owner.Hex(), spender.Hex()),
			Kind:      updater.MakerUpdateBuyApproval,
			Maker:     e.Owner,
			Contract:  e.Contract,
			Operator:  &spender,
			Timestamp: e.Timestamp.Unix(),
		}); err != nil {
			return err
		}
	}

	return nil
}

// FixBlock implements eventprocessor.Ingestor: erase every event row of the
// reorged block hash and re-derive every order whose state depended on one.
func (ing *Ingestor) FixBlock(ctx context.Context, blockHash common.Hash) error {
	hashes, err := ing.store.DeleteBlockEvents(ctx, blockHash)
	if err != nil {
		return fmt.Errorf("deleting events of block %s: %s", blockHash, err)
	}

	ing.log.Info().
		Str("block_hash", blockHash.Hex()).
		Int("affected_orders", len(hashes)).
		Msg("erased reorged block")

	for _, orderHash := range hashes {
		if err := updater.EnqueueHashUpdate(ctx, ing.queues.HashUpdate, updater.HashUpdate{
			Context:   fmt.Sprintf("fix-%s-%s", blockHash.Hex(), orderHash.Hex()),
			Hash:      orderHash,
			Trigger:   "reorg",
			Timestamp: time.Now().Unix(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (ing *Ingestor) orderKinds() []wyvern.OrderKind {
	seen := map[wyvern.OrderKind]struct{}{}
	var kinds []wyvern.OrderKind
	for _, kind := range ing.exchanges {
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		kinds = append(kinds, kind)
	}
	return kinds
}
