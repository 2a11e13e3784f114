package rpc

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Raw JSON-RPC shapes. The sync store persists these fields as returned by
// the node; nothing is re-derived locally, so a block's hash is the hash the
// node reported even for non-standard EVM chains.

// Block is an eth_getBlockBy* result with full transaction objects.
type Block struct {
	Hash             common.Hash     `json:"hash"`
	ParentHash       common.Hash     `json:"parentHash"`
	Number           hexutil.Uint64  `json:"number"`
	Timestamp        hexutil.Uint64  `json:"timestamp"`
	Nonce            *string         `json:"nonce"`
	Miner            common.Address  `json:"miner"`
	GasLimit         string          `json:"gasLimit"`
	GasUsed          string          `json:"gasUsed"`
	BaseFeePerGas    *string         `json:"baseFeePerGas"`
	ExtraData        *string         `json:"extraData"`
	Size             *string         `json:"size"`
	StateRoot        *string         `json:"stateRoot"`
	TransactionsRoot *string         `json:"transactionsRoot"`
	ReceiptsRoot     *string         `json:"receiptsRoot"`
	LogsBloom        *string         `json:"logsBloom"`
	MixHash          *string         `json:"mixHash"`
	Difficulty       *string         `json:"difficulty"`
	Transactions     TransactionList `json:"transactions"`
}

// TransactionList tolerates both block shapes: full transaction objects when
// the block was requested with them, and bare hash strings when it was not
// (the list is then empty).
type TransactionList []Transaction

func (l *TransactionList) UnmarshalJSON(data []byte) error {
	var full []Transaction
	if err := json.Unmarshal(data, &full); err == nil {
		*l = full
		return nil
	}

	var hashes []common.Hash
	if err := json.Unmarshal(data, &hashes); err != nil {
		return err
	}
	*l = nil
	return nil
}

// Transaction is a transaction object as embedded in a block.
type Transaction struct {
	Hash                 common.Hash     `json:"hash"`
	BlockHash            common.Hash     `json:"blockHash"`
	BlockNumber          hexutil.Uint64  `json:"blockNumber"`
	TransactionIndex     hexutil.Uint64  `json:"transactionIndex"`
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to"`
	Value                string          `json:"value"`
	Input                string          `json:"input"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Gas                  string          `json:"gas"`
	GasPrice             *string         `json:"gasPrice"`
	MaxFeePerGas         *string         `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *string         `json:"maxPriorityFeePerGas"`
	Type                 *string         `json:"type"`
}

// Log is an eth_getLogs result entry.
type Log struct {
	Address          common.Address `json:"address"`
	Topics           []common.Hash  `json:"topics"`
	Data             string         `json:"data"`
	BlockHash        common.Hash    `json:"blockHash"`
	BlockNumber      hexutil.Uint64 `json:"blockNumber"`
	TransactionHash  common.Hash    `json:"transactionHash"`
	TransactionIndex hexutil.Uint64 `json:"transactionIndex"`
	LogIndex         hexutil.Uint64 `json:"logIndex"`
	Removed          bool           `json:"removed"`
}

// TransactionReceipt is an eth_getTransactionReceipt result.
type TransactionReceipt struct {
	TransactionHash   common.Hash     `json:"transactionHash"`
	BlockHash         common.Hash     `json:"blockHash"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	ContractAddress   *common.Address `json:"contractAddress"`
	CumulativeGasUsed string          `json:"cumulativeGasUsed"`
	EffectiveGasPrice *string         `json:"effectiveGasPrice"`
	GasUsed           string          `json:"gasUsed"`
	From              common.Address  `json:"from"`
	To                *common.Address `json:"to"`
	LogsBloom         *string         `json:"logsBloom"`
	Status            string          `json:"status"`
	Type              *string         `json:"type"`
}

// Reverted reports whether the receipt's status is the failure sentinel.
func (r *TransactionReceipt) Reverted() bool {
	return r.Status == "0x0"
}

// CallTrace is one trace_filter result entry of type "call".
type CallTrace struct {
	Action struct {
		CallType string          `json:"callType"`
		From     common.Address  `json:"from"`
		To       common.Address  `json:"to"`
		Gas      string          `json:"gas"`
		Input    string          `json:"input"`
		Value    *string         `json:"value"`
	} `json:"action"`
	Result *struct {
		GasUsed string  `json:"gasUsed"`
		Output  *string `json:"output"`
	} `json:"result"`
	Error               *string        `json:"error"`
	BlockHash           common.Hash    `json:"blockHash"`
	BlockNumber         hexutil.Uint64 `json:"blockNumber"`
	TransactionHash     common.Hash    `json:"transactionHash"`
	TransactionPosition hexutil.Uint64 `json:"transactionPosition"`
	TraceAddress        []int          `json:"traceAddress"`
	Subtraces           int            `json:"subtraces"`
	Type                string         `json:"type"`
}

// FunctionSelector returns the lowercased 4-byte selector of the call input,
// or "" when the input carries no selector.
func (t *CallTrace) FunctionSelector() string {
	input := strings.ToLower(t.Action.Input)
	if len(input) < 10 || !strings.HasPrefix(input, "0x") {
		return ""
	}
	return input[:10]
}

// TraceFilterQuery is the trace_filter request shape.
type TraceFilterQuery struct {
	FromBlock   string           `json:"fromBlock,omitempty"`
	ToBlock     string           `json:"toBlock,omitempty"`
	FromAddress []common.Address `json:"fromAddress,omitempty"`
	ToAddress   []common.Address `json:"toAddress,omitempty"`
}

// LogFilterQuery is the eth_getLogs request shape. Topics follow the standard
// semantics: nil slot matches anything, a list matches any of its values.
type LogFilterQuery struct {
	FromBlock string          `json:"fromBlock,omitempty"`
	ToBlock   string          `json:"toBlock,omitempty"`
	Address   interface{}     `json:"address,omitempty"`
	Topics    [][]common.Hash `json:"topics,omitempty"`
}
