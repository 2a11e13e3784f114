package syncstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/KONFeature/ponder/internal/checkpoint"
	"github.com/KONFeature/ponder/internal/rpc"
	"github.com/ethereum/go-ethereum/common"
)

// BlockRow is a persisted block header.
type BlockRow struct {
	ChainID          uint64         `meddler:"chain_id"`
	Hash             common.Hash    `meddler:"hash,hash"`
	ParentHash       common.Hash    `meddler:"parent_hash,hash"`
	Number           uint64         `meddler:"number,bignum"`
	Timestamp        uint64         `meddler:"timestamp,bignum"`
	Nonce            *string        `meddler:"nonce"`
	Miner            common.Address `meddler:"miner,address"`
	GasLimit         string         `meddler:"gas_limit"`
	GasUsed          string         `meddler:"gas_used"`
	BaseFeePerGas    *string        `meddler:"base_fee_per_gas"`
	ExtraData        *string        `meddler:"extra_data"`
	Size             *string        `meddler:"size"`
	StateRoot        *string        `meddler:"state_root"`
	TransactionsRoot *string        `meddler:"transactions_root"`
	ReceiptsRoot     *string        `meddler:"receipts_root"`
	LogsBloom        *string        `meddler:"logs_bloom"`
	MixHash          *string        `meddler:"mix_hash"`
	Difficulty       *string        `meddler:"difficulty"`
	Checkpoint       string         `meddler:"checkpoint"`
}

// TransactionRow is a persisted transaction.
type TransactionRow struct {
	ChainID              uint64          `meddler:"chain_id"`
	Hash                 common.Hash     `meddler:"hash,hash"`
	BlockHash            common.Hash     `meddler:"block_hash,hash"`
	BlockNumber          uint64          `meddler:"block_number,bignum"`
	TransactionIndex     uint64          `meddler:"transaction_index"`
	From                 common.Address  `meddler:"from_address,address"`
	To                   *common.Address `meddler:"to_address,address"`
	Value                string          `meddler:"value"`
	Input                string          `meddler:"input"`
	Nonce                uint64          `meddler:"nonce"`
	Gas                  string          `meddler:"gas"`
	GasPrice             *string         `meddler:"gas_price"`
	MaxFeePerGas         *string         `meddler:"max_fee_per_gas"`
	MaxPriorityFeePerGas *string         `meddler:"max_priority_fee_per_gas"`
	Type                 *string         `meddler:"type"`
}

// TransactionReceiptRow is a persisted receipt.
type TransactionReceiptRow struct {
	ChainID           uint64          `meddler:"chain_id"`
	TransactionHash   common.Hash     `meddler:"transaction_hash,hash"`
	BlockHash         common.Hash     `meddler:"block_hash,hash"`
	BlockNumber       uint64          `meddler:"block_number,bignum"`
	ContractAddress   *common.Address `meddler:"contract_address,address"`
	CumulativeGasUsed string          `meddler:"cumulative_gas_used"`
	EffectiveGasPrice *string         `meddler:"effective_gas_price"`
	GasUsed           string          `meddler:"gas_used"`
	From              common.Address  `meddler:"from_address,address"`
	To                *common.Address `meddler:"to_address,address"`
	LogsBloom         *string         `meddler:"logs_bloom"`
	Status            string          `meddler:"status"`
	Type              *string         `meddler:"type"`
}

// LogRow is a persisted log. The id is synthesized as
// chainId:blockNumber:logIndex.
type LogRow struct {
	ID               string         `meddler:"id"`
	ChainID          uint64         `meddler:"chain_id"`
	BlockHash        common.Hash    `meddler:"block_hash,hash"`
	BlockNumber      uint64         `meddler:"block_number,bignum"`
	LogIndex         uint64         `meddler:"log_index"`
	TransactionHash  common.Hash    `meddler:"transaction_hash,hash"`
	TransactionIndex uint64         `meddler:"transaction_index"`
	Address          common.Address `meddler:"address,address"`
	Topic0           *common.Hash   `meddler:"topic0,hash"`
	Topic1           *common.Hash   `meddler:"topic1,hash"`
	Topic2           *common.Hash   `meddler:"topic2,hash"`
	Topic3           *common.Hash   `meddler:"topic3,hash"`
	Data             string         `meddler:"data"`
	Checkpoint       string         `meddler:"checkpoint"`
}

// Topics reassembles the log's topic list.
func (l *LogRow) Topics() []common.Hash {
	var topics []common.Hash
	for _, t := range []*common.Hash{l.Topic0, l.Topic1, l.Topic2, l.Topic3} {
		if t == nil {
			break
		}
		topics = append(topics, *t)
	}
	return topics
}

// CallTraceRow is a persisted call trace. The id is synthesized from the
// transaction hash and the trace address path.
type CallTraceRow struct {
	ID                  string         `meddler:"id"`
	ChainID             uint64         `meddler:"chain_id"`
	BlockHash           common.Hash    `meddler:"block_hash,hash"`
	BlockNumber         uint64         `meddler:"block_number,bignum"`
	TransactionHash     common.Hash    `meddler:"transaction_hash,hash"`
	TransactionPosition uint64         `meddler:"transaction_position"`
	TraceAddress        string         `meddler:"trace_address"`
	From                common.Address `meddler:"from_address,address"`
	To                  common.Address `meddler:"to_address,address"`
	Input               string         `meddler:"input"`
	Output              *string        `meddler:"output"`
	Value               *string        `meddler:"value"`
	Gas                 string         `meddler:"gas"`
	GasUsed             string         `meddler:"gas_used"`
	Subtraces           int            `meddler:"subtraces"`
	CallType            string         `meddler:"call_type"`
	Error               *string        `meddler:"error"`
	Checkpoint          string         `meddler:"checkpoint"`
}

// rpcRequestRow is one memoized RPC response.
type rpcRequestRow struct {
	Request     string `meddler:"request"`
	ChainID     uint64 `meddler:"chain_id"`
	BlockNumber uint64 `meddler:"block_number,bignum"`
	Result      string `meddler:"result"`
}

// intervalRow is one covered range of an interval-index fragment.
type intervalRow struct {
	ID         int64  `meddler:"id,pk"`
	FilterID   string `meddler:"filter_id"`
	StartBlock uint64 `meddler:"start_block,bignum"`
	EndBlock   uint64 `meddler:"end_block,bignum"`
}

func logID(chainID uint64, blockNumber, logIndex uint64) string {
	return fmt.Sprintf("%d:%d:%d", chainID, blockNumber, logIndex)
}

func callTraceID(transactionHash common.Hash, traceAddress []int) string {
	parts := make([]string, 0, len(traceAddress)+1)
	parts = append(parts, strings.ToLower(transactionHash.Hex()))
	for _, step := range traceAddress {
		parts = append(parts, strconv.Itoa(step))
	}
	return strings.Join(parts, "-")
}

func encodeTraceAddress(traceAddress []int) string {
	parts := make([]string, len(traceAddress))
	for i, step := range traceAddress {
		parts[i] = strconv.Itoa(step)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func newBlockRow(chainID uint64, block *rpc.Block) *BlockRow {
	cp := checkpoint.Checkpoint{
		BlockTimestamp: uint64(block.Timestamp),
		ChainID:        chainID,
		BlockNumber:    uint64(block.Number),
		EventType:      checkpoint.EventTypeBlock,
	}

	return &BlockRow{
		ChainID:          chainID,
		Hash:             block.Hash,
		ParentHash:       block.ParentHash,
		Number:           uint64(block.Number),
		Timestamp:        uint64(block.Timestamp),
		Nonce:            block.Nonce,
		Miner:            block.Miner,
		GasLimit:         block.GasLimit,
		GasUsed:          block.GasUsed,
		BaseFeePerGas:    block.BaseFeePerGas,
		ExtraData:        block.ExtraData,
		Size:             block.Size,
		StateRoot:        block.StateRoot,
		TransactionsRoot: block.TransactionsRoot,
		ReceiptsRoot:     block.ReceiptsRoot,
		LogsBloom:        block.LogsBloom,
		MixHash:          block.MixHash,
		Difficulty:       block.Difficulty,
		Checkpoint:       cp.Encode(),
	}
}

func newTransactionRow(chainID uint64, tx *rpc.Transaction) *TransactionRow {
	return &TransactionRow{
		ChainID:              chainID,
		Hash:                 tx.Hash,
		BlockHash:            tx.BlockHash,
		BlockNumber:          uint64(tx.BlockNumber),
		TransactionIndex:     uint64(tx.TransactionIndex),
		From:                 tx.From,
		To:                   tx.To,
		Value:                tx.Value,
		Input:                tx.Input,
		Nonce:                uint64(tx.Nonce),
		Gas:                  tx.Gas,
		GasPrice:             tx.GasPrice,
		MaxFeePerGas:         tx.MaxFeePerGas,
		MaxPriorityFeePerGas: tx.MaxPriorityFeePerGas,
		Type:                 tx.Type,
	}
}

func newTransactionReceiptRow(chainID uint64, receipt *rpc.TransactionReceipt) *TransactionReceiptRow {
	return &TransactionReceiptRow{
		ChainID:           chainID,
		TransactionHash:   receipt.TransactionHash,
		BlockHash:         receipt.BlockHash,
		BlockNumber:       uint64(receipt.BlockNumber),
		ContractAddress:   receipt.ContractAddress,
		CumulativeGasUsed: receipt.CumulativeGasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		GasUsed:           receipt.GasUsed,
		From:              receipt.From,
		To:                receipt.To,
		LogsBloom:         receipt.LogsBloom,
		Status:            receipt.Status,
		Type:              receipt.Type,
	}
}

func newLogRow(chainID, blockTimestamp uint64, log *rpc.Log) *LogRow {
	cp := checkpoint.Checkpoint{
		BlockTimestamp:   blockTimestamp,
		ChainID:          chainID,
		BlockNumber:      uint64(log.BlockNumber),
		TransactionIndex: uint64(log.TransactionIndex),
		EventType:        checkpoint.EventTypeLog,
		EventIndex:       uint64(log.LogIndex),
	}

	row := &LogRow{
		ID:               logID(chainID, uint64(log.BlockNumber), uint64(log.LogIndex)),
		ChainID:          chainID,
		BlockHash:        log.BlockHash,
		BlockNumber:      uint64(log.BlockNumber),
		LogIndex:         uint64(log.LogIndex),
		TransactionHash:  log.TransactionHash,
		TransactionIndex: uint64(log.TransactionIndex),
		Address:          log.Address,
		Data:             log.Data,
		Checkpoint:       cp.Encode(),
	}

	topics := []**common.Hash{&row.Topic0, &row.Topic1, &row.Topic2, &row.Topic3}
	for i := range log.Topics {
		if i > 3 {
			break
		}
		topic := log.Topics[i]
		*topics[i] = &topic
	}

	return row
}

func newCallTraceRow(chainID, blockTimestamp uint64, trace *rpc.CallTrace, eventIndex uint64) *CallTraceRow {
	cp := checkpoint.Checkpoint{
		BlockTimestamp:   blockTimestamp,
		ChainID:          chainID,
		BlockNumber:      uint64(trace.BlockNumber),
		TransactionIndex: uint64(trace.TransactionPosition),
		EventType:        checkpoint.EventTypeCallTrace,
		EventIndex:       eventIndex,
	}

	row := &CallTraceRow{
		ID:                  callTraceID(trace.TransactionHash, trace.TraceAddress),
		ChainID:             chainID,
		BlockHash:           trace.BlockHash,
		BlockNumber:         uint64(trace.BlockNumber),
		TransactionHash:     trace.TransactionHash,
		TransactionPosition: uint64(trace.TransactionPosition),
		TraceAddress:        encodeTraceAddress(trace.TraceAddress),
		From:                trace.Action.From,
		To:                  trace.Action.To,
		Input:               trace.Action.Input,
		Value:               trace.Action.Value,
		Gas:                 trace.Action.Gas,
		Subtraces:           trace.Subtraces,
		CallType:            trace.Action.CallType,
		Error:               trace.Error,
		Checkpoint:          cp.Encode(),
	}

	if trace.Result != nil {
		row.GasUsed = trace.Result.GasUsed
		row.Output = trace.Result.Output
	}

	return row
}
