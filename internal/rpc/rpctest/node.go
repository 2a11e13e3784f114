// Package rpctest provides an in-process JSON-RPC node for tests: a fake
// chain served over HTTP that the real request queue can dial.
package rpctest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/KONFeature/ponder/internal/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Node is a canned EVM chain. Mutate it between polls to simulate chain
// progress and reorgs.
type Node struct {
	mu sync.Mutex

	blocks   map[uint64]*rpc.Block
	byHash   map[common.Hash]*rpc.Block
	logs     []rpc.Log
	receipts map[common.Hash]*rpc.TransactionReceipt
	traces   []rpc.CallTrace
	latest   uint64

	calls      map[string]int
	logQueries []rpc.LogFilterQuery

	// maxLogRange, when set, rejects eth_getLogs queries wider than the
	// limit the way range-capped providers do.
	maxLogRange uint64
}

// NewNode creates an empty chain.
func NewNode() *Node {
	return &Node{
		blocks:   make(map[uint64]*rpc.Block),
		byHash:   make(map[common.Hash]*rpc.Block),
		receipts: make(map[common.Hash]*rpc.TransactionReceipt),
		calls:    make(map[string]int),
	}
}

// BlockAt builds a deterministic block for the given height and seed. The
// seed distinguishes competing forks at one height.
func BlockAt(number, timestamp uint64, seed byte) *rpc.Block {
	hash := common.BytesToHash([]byte{seed, byte(number >> 8), byte(number)})
	parent := common.BytesToHash([]byte{seed, byte((number - 1) >> 8), byte(number - 1)})
	return &rpc.Block{
		Hash:       hash,
		ParentHash: parent,
		Number:     hexutil.Uint64(number),
		Timestamp:  hexutil.Uint64(timestamp),
		Miner:      common.HexToAddress("0x01"),
		GasLimit:   "0x1c9c380",
		GasUsed:    "0x0",
	}
}

// AddBlock registers a block and advances the head if needed.
func (n *Node) AddBlock(block *rpc.Block) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocks[uint64(block.Number)] = block
	n.byHash[block.Hash] = block
	if uint64(block.Number) > n.latest {
		n.latest = uint64(block.Number)
	}
}

// SetHead forces the reported head height.
func (n *Node) SetHead(number uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latest = number
}

// AddLog registers a log served by eth_getLogs.
func (n *Node) AddLog(log rpc.Log) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logs = append(n.logs, log)
}

// AddReceipt registers a receipt.
func (n *Node) AddReceipt(receipt rpc.TransactionReceipt) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receipts[receipt.TransactionHash] = &receipt
}

// AddTrace registers a trace served by trace_filter.
func (n *Node) AddTrace(trace rpc.CallTrace) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.traces = append(n.traces, trace)
}

// LogQueries returns every eth_getLogs query received, in order.
func (n *Node) LogQueries() []rpc.LogFilterQuery {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]rpc.LogFilterQuery, len(n.logQueries))
	copy(out, n.logQueries)
	return out
}

// Calls returns how many times a method was invoked.
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// Server starts the HTTP JSON-RPC endpoint.
func (n *Node) Server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(n.handle))
}

type request struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SetMaxLogRange caps the block range eth_getLogs accepts.
func (n *Node) SetMaxLogRange(limit uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.maxLogRange = limit
}

func (n *Node) handle(w http.ResponseWriter, r *http.Request) {
	body := json.NewDecoder(r.Body)

	var raw json.RawMessage
	if err := body.Decode(&raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		var reqs []request
		if err := json.Unmarshal(raw, &reqs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		responses := make([]response, len(reqs))
		for i, req := range reqs {
			responses[i] = n.dispatch(req)
		}
		json.NewEncoder(w).Encode(responses)
		return
	}

	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(n.dispatch(req))
}

func (n *Node) dispatch(req request) response {
	n.mu.Lock()
	n.calls[req.Method]++
	n.mu.Unlock()

	resp := response{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "eth_getBlockByNumber":
		var tag string
		json.Unmarshal(req.Params[0], &tag)
		resp.Result = n.blockByTag(tag)
	case "eth_getBlockByHash":
		var hash common.Hash
		json.Unmarshal(req.Params[0], &hash)
		n.mu.Lock()
		resp.Result = n.byHash[hash]
		n.mu.Unlock()
	case "eth_getLogs":
		var query rpc.LogFilterQuery
		json.Unmarshal(req.Params[0], &query)
		n.mu.Lock()
		n.logQueries = append(n.logQueries, query)
		limit := n.maxLogRange
		latest := n.latest
		n.mu.Unlock()

		if limit > 0 {
			from := parseHexBound(query.FromBlock, 0)
			to := parseHexBound(query.ToBlock, latest)
			if to-from+1 > limit {
				resp.Error = &rpcError{Code: -32005, Message: "query returned more than 10000 results"}
				return resp
			}
		}
		resp.Result = n.filterLogs(query)
	case "eth_getTransactionReceipt":
		var hash common.Hash
		json.Unmarshal(req.Params[0], &hash)
		n.mu.Lock()
		resp.Result = n.receipts[hash]
		n.mu.Unlock()
	case "trace_filter":
		var query rpc.TraceFilterQuery
		json.Unmarshal(req.Params[0], &query)
		resp.Result = n.filterTraces(query)
	}

	return resp
}

func (n *Node) blockByTag(tag string) *rpc.Block {
	n.mu.Lock()
	defer n.mu.Unlock()

	if tag == "latest" {
		return n.blocks[n.latest]
	}
	number, err := strconv.ParseUint(strings.TrimPrefix(tag, "0x"), 16, 64)
	if err != nil {
		return nil
	}
	return n.blocks[number]
}

func parseHexBound(s string, fallback uint64) uint64 {
	if s == "" || s == "latest" {
		return fallback
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return fallback
	}
	return v
}

func (n *Node) filterLogs(query rpc.LogFilterQuery) []rpc.Log {
	n.mu.Lock()
	defer n.mu.Unlock()

	from := parseHexBound(query.FromBlock, 0)
	to := parseHexBound(query.ToBlock, n.latest)

	var addresses []common.Address
	switch addr := query.Address.(type) {
	case string:
		addresses = []common.Address{common.HexToAddress(addr)}
	case []interface{}:
		for _, a := range addr {
			if s, ok := a.(string); ok {
				addresses = append(addresses, common.HexToAddress(s))
			}
		}
	}

	matched := []rpc.Log{}
	for _, log := range n.logs {
		if uint64(log.BlockNumber) < from || uint64(log.BlockNumber) > to {
			continue
		}
		if len(addresses) > 0 && !containsAddress(addresses, log.Address) {
			continue
		}
		if !topicsMatch(query.Topics, log.Topics) {
			continue
		}
		matched = append(matched, log)
	}
	return matched
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

func topicsMatch(slots [][]common.Hash, topics []common.Hash) bool {
	for i, slot := range slots {
		if len(slot) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, want := range slot {
			if topics[i] == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (n *Node) filterTraces(query rpc.TraceFilterQuery) []rpc.CallTrace {
	n.mu.Lock()
	defer n.mu.Unlock()

	from := parseHexBound(query.FromBlock, 0)
	to := parseHexBound(query.ToBlock, n.latest)

	matched := []rpc.CallTrace{}
	for _, trace := range n.traces {
		if uint64(trace.BlockNumber) < from || uint64(trace.BlockNumber) > to {
			continue
		}
		if len(query.ToAddress) > 0 && !containsAddress(query.ToAddress, trace.Action.To) {
			continue
		}
		matched = append(matched, trace)
	}
	return matched
}
