package impl

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/wyvernlabs/go-orderbook/pkg/sqlstore"
)

// Topic hashes of every event the ingestor understands.
var (
	TopicOrderCancelled   = crypto.Keccak256Hash([]byte("OrderCancelled(bytes32)"))
	TopicOrdersMatched    = crypto.Keccak256Hash([]byte("OrdersMatched(bytes32,bytes32,address,address,uint256,bytes32)"))
	TopicNonceIncremented = crypto.Keccak256Hash([]byte("NonceIncremented(address,uint256)"))
	TopicTransfer         = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	TopicTransferSingle   = crypto.Keccak256Hash([]byte("TransferSingle(address,address,address,uint256,uint256)"))
	TopicTransferBatch    = crypto.Keccak256Hash([]byte("TransferBatch(address,address,address,uint256[],uint256[])"))
	TopicApprovalForAll   = crypto.Keccak256Hash([]byte("ApprovalForAll(address,address,bool)"))
	TopicApproval         = crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))
)

// Topics returns every topic hash worth subscribing to.
func Topics() []common.Hash {
	return []common.Hash{
		TopicOrderCancelled,
		TopicOrdersMatched,
		TopicNonceIncremented,
		TopicTransfer,
		TopicTransferSingle,
		TopicTransferBatch,
		TopicApprovalForAll,
		TopicApproval,
	}
}

var (
	uint256Type, _      = abi.NewType("uint256", "", nil)
	uint256ArrayType, _ = abi.NewType("uint256[]", "", nil)
	bytes32Type, _      = abi.NewType("bytes32", "", nil)

	ordersMatchedArgs = abi.Arguments{
		{Name: "buyHash", Type: bytes32Type},
		{Name: "sellHash", Type: bytes32Type},
		{Name: "price", Type: uint256Type},
	}
	transferSingleArgs = abi.Arguments{
		{Name: "id", Type: uint256Type},
		{Name: "value", Type: uint256Type},
	}
	transferBatchArgs = abi.Arguments{
		{Name: "ids", Type: uint256ArrayType},
		{Name: "values", Type: uint256ArrayType},
	}
)

func base(l types.Log, be blockMeta) sqlstore.EventBase {
	return sqlstore.EventBase{
		EventKey: sqlstore.EventKey{
			BlockHash: l.BlockHash,
			TxHash:    l.TxHash,
			LogIndex:  l.Index,
		},
		Block:     be.number,
		Timestamp: be.timestamp,
	}
}

func topicAddress(topic common.Hash) common.Address {
	return common.BytesToAddress(topic.Bytes())
}

func decodeOrderCancelled(l types.Log, be blockMeta) (sqlstore.CancelEvent, error) {
	if len(l.Topics) < 2 {
		return sqlstore.CancelEvent{}, fmt.Errorf("missing order hash topic")
	}
	return sqlstore.CancelEvent{
		EventBase: base(l, be),
		OrderHash: l.Topics[1],
	}, nil
}

func decodeOrdersMatched(l types.Log, be blockMeta) (sqlstore.FillEvent, error) {
	if len(l.Topics) < 3 {
		return sqlstore.FillEvent{}, fmt.Errorf("missing maker/taker topics")
	}
	values, err := ordersMatchedArgs.Unpack(l.Data)
	if err != nil {
		return sqlstore.FillEvent{}, fmt.Errorf("unpacking data: %s", err)
	}
	return sqlstore.FillEvent{
		EventBase: base(l, be),
		BuyHash:   common.Hash(values[0].([32]byte)),
		SellHash:  common.Hash(values[1].([32]byte)),
		Maker:     topicAddress(l.Topics[1]),
		Taker:     topicAddress(l.Topics[2]),
		Price:     values[2].(*big.Int),
		Amount:    big.NewInt(1),
	}, nil
}

func decodeNonceIncremented(l types.Log, be blockMeta) (common.Address, *big.Int, sqlstore.EventBase, error) {
	if len(l.Topics) < 2 {
		return common.Address{}, nil, sqlstore.EventBase{}, fmt.Errorf("missing maker topic")
	}
	if len(l.Data) < 32 {
		return common.Address{}, nil, sqlstore.EventBase{}, fmt.Errorf("missing nonce data")
	}
	return topicAddress(l.Topics[1]), new(big.Int).SetBytes(l.Data[:32]), base(l, be), nil
}

// decodeNftTransfer handles ERC721 Transfer logs, whose token id is the
// indexed fourth topic.
func decodeNftTransfer(l types.Log, be blockMeta) (sqlstore.NftTransferEvent, error) {
	if len(l.Topics) != 4 {
		return sqlstore.NftTransferEvent{}, fmt.Errorf("not an erc721 transfer")
	}
	return sqlstore.NftTransferEvent{
		EventBase: base(l, be),
		Contract:  l.Address,
		TokenID:   new(big.Int).SetBytes(l.Topics[3].Bytes()),
		From:      topicAddress(l.Topics[1]),
		To:        topicAddress(l.Topics[2]),
		Amount:    big.NewInt(1),
	}, nil
}

func decodeFtTransfer(l types.Log, be blockMeta) (sqlstore.FtTransferEvent, error) {
	if len(l.Topics) != 3 {
		return sqlstore.FtTransferEvent{}, fmt.Errorf("not an erc20 transfer")
	}
	if len(l.Data) < 32 {
		return sqlstore.FtTransferEvent{}, fmt.Errorf("missing amount data")
	}
	return sqlstore.FtTransferEvent{
		EventBase: base(l, be),
		Contract:  l.Address,
		From:      topicAddress(l.Topics[1]),
		To:        topicAddress(l.Topics[2]),
		Amount:    new(big.Int).SetBytes(l.Data[:32]),
	}, nil
}

func decodeTransferSingle(l types.Log, be blockMeta) (sqlstore.NftTransferEvent, error) {
	if len(l.Topics) < 4 {
		return sqlstore.NftTransferEvent{}, fmt.Errorf("missing operator/from/to topics")
	}
	values, err := transferSingleArgs.Unpack(l.Data)
	if err != nil {
		return sqlstore.NftTransferEvent{}, fmt.Errorf("unpacking data: %s", err)
	}
	return sqlstore.NftTransferEvent{
		EventBase: base(l, be),
		Contract:  l.Address,
		TokenID:   values[0].(*big.Int),
		From:      topicAddress(l.Topics[2]),
		To:        topicAddress(l.Topics[3]),
		Amount:    values[1].(*big.Int),
	}, nil
}

func decodeTransferBatch(l types.Log, be blockMeta) ([]sqlstore.NftTransferEvent, error) {
	if len(l.Topics) < 4 {
		return nil, fmt.Errorf("missing operator/from/to topics")
	}
	values, err := transferBatchArgs.Unpack(l.Data)
	if err != nil {
		return nil, fmt.Errorf("unpacking data: %s", err)
	}
	ids := values[0].([]*big.Int)
	amounts := values[1].([]*big.Int)
	if len(ids) != len(amounts) {
		return nil, fmt.Errorf("ids/values length mismatch")
	}

	events := make([]sqlstore.NftTransferEvent, len(ids))
	for i := range ids {
		eb := base(l, be)
		// batch entries share the log index; disambiguate the event key so
		// every entry survives the (blockHash, txHash, logIndex) constraint
		eb.LogIndex = eb.LogIndex*1000 + uint(i)
		events[i] = sqlstore.NftTransferEvent{
			EventBase: eb,
			Contract:  l.Address,
			TokenID:   ids[i],
			From:      topicAddress(l.Topics[2]),
			To:        topicAddress(l.Topics[3]),
			Amount:    amounts[i],
		}
	}
	return events, nil
}

func decodeApprovalForAll(l types.Log, be blockMeta) (sqlstore.NftApprovalEvent, error) {
	if len(l.Topics) < 3 {
		return sqlstore.NftApprovalEvent{}, fmt.Errorf("missing owner/operator topics")
	}
	if len(l.Data) < 32 {
		return sqlstore.NftApprovalEvent{}, fmt.Errorf("missing approved data")
	}
	return sqlstore.NftApprovalEvent{
		EventBase: base(l, be),
		Contract:  l.Address,
		Owner:     topicAddress(l.Topics[1]),
		Operator:  topicAddress(l.Topics[2]),
		Approved:  new(big.Int).SetBytes(l.Data[:32]).Sign() != 0,
	}, nil
}

func decodeFtApproval(l types.Log, be blockMeta) (sqlstore.FtApprovalEvent, error) {
	if len(l.Topics) != 3 {
		return sqlstore.FtApprovalEvent{}, fmt.Errorf("not an erc20 approval")
	}
	if len(l.Data) < 32 {
		return sqlstore.FtApprovalEvent{}, fmt.Errorf("missing value data")
	}
	return sqlstore.FtApprovalEvent{
		EventBase: base(l, be),
		Contract:  l.Address,
		Owner:     topicAddress(l.Topics[1]),
		Spender:   topicAddress(l.Topics[2]),
		Value:     new(big.Int).SetBytes(l.Data[:32]),
	}, nil
}
