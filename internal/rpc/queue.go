// Package rpc provides the per-network request queue: typed JSON-RPC calls
// behind a fixed concurrency bound, an optional request-rate ceiling, retry
// with exponential backoff, and block-number-keyed response memoization.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KONFeature/ponder/internal/logger"
	"github.com/KONFeature/ponder/pkg/config"
	"github.com/ethereum/go-ethereum/common"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrNullResult is returned when the node answers null for an entity that was
// expected to exist.
var ErrNullResult = errors.New("rpc: null result")

// Memo persists responses keyed by (request, chainId, blockNumber) so that a
// reorg prune at a block height also invalidates the cached responses for it.
// The sync store implements it.
type Memo interface {
	GetRpcRequestResult(ctx context.Context, request string, chainID, blockNumber uint64) (string, bool, error)
	InsertRpcRequestResult(ctx context.Context, request string, chainID, blockNumber uint64, result string) error
}

// Queue is the request dispatcher for one network.
type Queue struct {
	network string
	chainID uint64
	client  *gethrpc.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	retry   *config.RetryConfig
	memo    Memo
	log     *logger.Logger
}

// NewQueue dials the network's transport and builds its request queue. memo
// may be nil to disable response memoization.
func NewQueue(ctx context.Context, cfg *config.NetworkConfig, log *logger.Logger, memo Memo) (*Queue, error) {
	client, err := gethrpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Name, err)
	}

	var limiter *rate.Limiter
	if cfg.MaxRequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRPCRequestConcurrency)
	}

	return &Queue{
		network: cfg.Name,
		chainID: cfg.ChainID,
		client:  client,
		sem:     semaphore.NewWeighted(int64(cfg.MaxRPCRequestConcurrency)),
		limiter: limiter,
		retry:   cfg.Retry,
		memo:    memo,
		log:     log,
	}, nil
}

// ChainID returns the queue's chain id.
func (q *Queue) ChainID() uint64 { return q.chainID }

// Close closes the underlying transport.
func (q *Queue) Close() {
	q.client.Close()
}

// Send performs a raw JSON-RPC call through the queue.
func (q *Queue) Send(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return q.do(ctx, method, func() error {
		return q.client.CallContext(ctx, result, method, args...)
	})
}

// do applies the concurrency bound, rate ceiling and retry policy around one
// request.
func (q *Queue) do(ctx context.Context, operation string, fn func() error) error {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer q.sem.Release(1)

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	requestsTotal.WithLabelValues(q.network, operation).Inc()

	err := retryWithBackoff(ctx, q.retry, operation, fn)
	if err != nil {
		errorsTotal.WithLabelValues(q.network, operation).Inc()
	}
	return err
}

// BlockByNumber fetches the block at the given height. includeTxs controls
// whether full transaction objects are returned.
func (q *Queue) BlockByNumber(ctx context.Context, number uint64, includeTxs bool) (*Block, error) {
	return q.blockByTag(ctx, fmt.Sprintf("0x%x", number), includeTxs)
}

// LatestBlock fetches the chain head.
func (q *Queue) LatestBlock(ctx context.Context, includeTxs bool) (*Block, error) {
	return q.blockByTag(ctx, "latest", includeTxs)
}

func (q *Queue) blockByTag(ctx context.Context, tag string, includeTxs bool) (*Block, error) {
	var block *Block
	if err := q.Send(ctx, &block, "eth_getBlockByNumber", tag, includeTxs); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("%w: block %s", ErrNullResult, tag)
	}
	return block, nil
}

// BlockByHash fetches the block with the given hash.
func (q *Queue) BlockByHash(ctx context.Context, hash common.Hash, includeTxs bool) (*Block, error) {
	var block *Block
	if err := q.Send(ctx, &block, "eth_getBlockByHash", hash, includeTxs); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("%w: block %s", ErrNullResult, hash.Hex())
	}
	return block, nil
}

// Logs performs eth_getLogs. When the query's upper bound is a concrete block
// number the response is memoized against it.
func (q *Queue) Logs(ctx context.Context, query LogFilterQuery, toBlock uint64) ([]Log, error) {
	var logs []Log
	err := q.memoized(ctx, "eth_getLogs", []interface{}{query}, toBlock, &logs)
	return logs, err
}

// TransactionReceipt fetches a receipt; the response is memoized against the
// receipt's block.
func (q *Queue) TransactionReceipt(ctx context.Context, hash common.Hash, blockNumber uint64) (*TransactionReceipt, error) {
	var receipt *TransactionReceipt
	err := q.memoized(ctx, "eth_getTransactionReceipt", []interface{}{hash}, blockNumber, &receipt)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, fmt.Errorf("%w: receipt %s", ErrNullResult, hash.Hex())
	}
	return receipt, nil
}

// TraceFilter performs trace_filter; the response is memoized against the
// query's upper bound.
func (q *Queue) TraceFilter(ctx context.Context, query TraceFilterQuery, toBlock uint64) ([]CallTrace, error) {
	var traces []CallTrace
	err := q.memoized(ctx, "trace_filter", []interface{}{query}, toBlock, &traces)
	return traces, err
}

// memoized runs a request through the memo table when one is attached:
// cached responses short-circuit the transport, fresh responses are stored
// keyed by (method+params, chainId, blockNumber).
func (q *Queue) memoized(ctx context.Context, method string, args []interface{}, blockNumber uint64, result interface{}) error {
	if q.memo == nil {
		return q.Send(ctx, result, method, args...)
	}

	key, err := memoKey(method, args)
	if err != nil {
		return err
	}

	if cached, ok, err := q.memo.GetRpcRequestResult(ctx, key, q.chainID, blockNumber); err == nil && ok {
		return json.Unmarshal([]byte(cached), result)
	}

	var raw json.RawMessage
	if err := q.Send(ctx, &raw, method, args...); err != nil {
		return err
	}

	if err := q.memo.InsertRpcRequestResult(ctx, key, q.chainID, blockNumber, string(raw)); err != nil {
		q.log.Warnf("failed to memoize %s response: %v", method, err)
	}

	return json.Unmarshal(raw, result)
}

func memoKey(method string, args []interface{}) (string, error) {
	params, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s params: %w", method, err)
	}
	return method + string(params), nil
}
