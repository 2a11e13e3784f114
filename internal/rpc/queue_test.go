package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KONFeature/ponder/internal/common"
	"github.com/KONFeature/ponder/internal/logger"
	"github.com/KONFeature/ponder/pkg/config"
	"github.com/stretchr/testify/require"
)

func testNetwork(url string) *config.NetworkConfig {
	network := &config.NetworkConfig{Name: "test", ChainID: 1, RPCURL: url}
	network.ApplyDefaults()
	network.Retry = &config.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    common.NewDuration(time.Millisecond),
		MaxBackoff:        common.NewDuration(5 * time.Millisecond),
		BackoffMultiplier: 2,
	}
	return network
}

func rpcHandler(fn func(method string, params []json.RawMessage) (interface{}, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, ok := fn(req.Method, req.Params)
		if !ok {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}
}

func TestQueue_RetriesTransientErrors(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(rpcHandler(func(method string, params []json.RawMessage) (interface{}, bool) {
		if attempts.Add(1) < 3 {
			return nil, false // 503 twice
		}
		return "0x10", true
	}))
	defer server.Close()

	queue, err := NewQueue(context.Background(), testNetwork(server.URL), logger.NewNopLogger(), nil)
	require.NoError(t, err)
	defer queue.Close()

	var result string
	require.NoError(t, queue.Send(context.Background(), &result, "eth_blockNumber"))
	require.Equal(t, "0x10", result)
	require.Equal(t, int64(3), attempts.Load())
}

func TestQueue_ExhaustedRetriesSurfaceNonRetryable(t *testing.T) {
	server := httptest.NewServer(rpcHandler(func(method string, params []json.RawMessage) (interface{}, bool) {
		return nil, false
	}))
	defer server.Close()

	queue, err := NewQueue(context.Background(), testNetwork(server.URL), logger.NewNopLogger(), nil)
	require.NoError(t, err)
	defer queue.Close()

	var result string
	err = queue.Send(context.Background(), &result, "eth_blockNumber")
	require.Error(t, err)
	require.False(t, retryableError(err))
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	var active, maxActive atomic.Int64

	server := httptest.NewServer(rpcHandler(func(method string, params []json.RawMessage) (interface{}, bool) {
		now := active.Add(1)
		for {
			peak := maxActive.Load()
			if now <= peak || maxActive.CompareAndSwap(peak, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return "0x1", true
	}))
	defer server.Close()

	network := testNetwork(server.URL)
	network.MaxRPCRequestConcurrency = 2

	queue, err := NewQueue(context.Background(), network, logger.NewNopLogger(), nil)
	require.NoError(t, err)
	defer queue.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var result string
			queue.Send(context.Background(), &result, "eth_chainId")
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxActive.Load(), int64(2))
}

type memoryMemo struct {
	mu      sync.Mutex
	entries map[string]string
}

func (m *memoryMemo) key(request string, chainID, blockNumber uint64) string {
	return fmt.Sprintf("%s|%d|%d", request, chainID, blockNumber)
}

func (m *memoryMemo) GetRpcRequestResult(ctx context.Context, request string, chainID, blockNumber uint64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[m.key(request, chainID, blockNumber)]
	return v, ok, nil
}

func (m *memoryMemo) InsertRpcRequestResult(ctx context.Context, request string, chainID, blockNumber uint64, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]string)
	}
	m.entries[m.key(request, chainID, blockNumber)] = result
	return nil
}

func TestQueue_MemoizesLogs(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(rpcHandler(func(method string, params []json.RawMessage) (interface{}, bool) {
		calls.Add(1)
		return []Log{}, true
	}))
	defer server.Close()

	memo := &memoryMemo{}
	queue, err := NewQueue(context.Background(), testNetwork(server.URL), logger.NewNopLogger(), memo)
	require.NoError(t, err)
	defer queue.Close()

	query := LogFilterQuery{FromBlock: "0x0", ToBlock: "0x64"}
	_, err = queue.Logs(context.Background(), query, 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), calls.Load())

	// Second identical request is served from the memo table.
	_, err = queue.Logs(context.Background(), query, 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), calls.Load())
}

func TestRetryableErrorClassification(t *testing.T) {
	require.False(t, retryableError(nil))
	require.True(t, retryableError(errString("429 too many requests")))
	require.True(t, retryableError(errString("503 service unavailable")))
	require.True(t, retryableError(errString("i/o timeout")))
	require.False(t, retryableError(errString("invalid params")))
	require.False(t, retryableError(&NonRetryableError{Err: errString("timeout")}))
}

type errString string

func (e errString) Error() string { return string(e) }
