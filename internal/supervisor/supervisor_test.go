package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KONFeature/ponder/internal/checkpoint"
	"github.com/KONFeature/ponder/internal/common"
	"github.com/KONFeature/ponder/internal/filter"
	"github.com/KONFeature/ponder/internal/logger"
	"github.com/KONFeature/ponder/internal/rpc"
	"github.com/KONFeature/ponder/internal/rpc/rpctest"
	"github.com/KONFeature/ponder/internal/syncstore"
	"github.com/KONFeature/ponder/pkg/config"
	pkgindexer "github.com/KONFeature/ponder/pkg/indexer"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

// recordingPipeline captures every call the supervisor makes.
type recordingPipeline struct {
	mu          sync.Mutex
	setupCalled bool
	batches     [][]syncstore.Event
	storeSwaps  int
	killed      bool
	gotEvents   chan struct{}
}

func newRecordingPipeline() *recordingPipeline {
	return &recordingPipeline{gotEvents: make(chan struct{}, 16)}
}

func (p *recordingPipeline) ProcessSetupEvents(ctx context.Context, sources []filter.Filter, chainIDs []uint64) pkgindexer.Result {
	p.mu.Lock()
	p.setupCalled = true
	p.mu.Unlock()
	return pkgindexer.Result{Status: pkgindexer.StatusSuccess}
}

func (p *recordingPipeline) ProcessEvents(ctx context.Context, events []syncstore.Event) pkgindexer.Result {
	p.mu.Lock()
	p.batches = append(p.batches, events)
	p.mu.Unlock()
	select {
	case p.gotEvents <- struct{}{}:
	default:
	}
	return pkgindexer.Result{Status: pkgindexer.StatusSuccess}
}

func (p *recordingPipeline) UpdateTotalSeconds(cp checkpoint.Checkpoint) {}

func (p *recordingPipeline) UpdateIndexingStore(store pkgindexer.IndexingStore) {
	p.mu.Lock()
	p.storeSwaps++
	p.mu.Unlock()
}

func (p *recordingPipeline) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
}

func (p *recordingPipeline) allEvents() []syncstore.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var all []syncstore.Event
	for _, batch := range p.batches {
		all = append(all, batch...)
	}
	return all
}

// recordingStore tracks flush/revert/index calls.
type recordingStore struct {
	mu       sync.Mutex
	mode     pkgindexer.Mode
	flushes  int
	reverts  []checkpoint.Checkpoint
	indexed  bool
	reverted chan struct{}
}

func newRecordingStore(mode pkgindexer.Mode) *recordingStore {
	return &recordingStore{mode: mode, reverted: make(chan struct{}, 4)}
}

func (s *recordingStore) Mode() pkgindexer.Mode { return s.mode }

func (s *recordingStore) Flush(ctx context.Context, fullFlush bool) error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) Revert(ctx context.Context, cp checkpoint.Checkpoint) error {
	s.mu.Lock()
	s.reverts = append(s.reverts, cp)
	s.mu.Unlock()
	select {
	case s.reverted <- struct{}{}:
	default:
	}
	return nil
}

func (s *recordingStore) CreateIndexes(ctx context.Context) error {
	s.mu.Lock()
	s.indexed = true
	s.mu.Unlock()
	return nil
}

func setupSupervisor(t *testing.T, node *rpctest.Node) (*Supervisor, *recordingPipeline, *recordingStore) {
	t.Helper()

	server := node.Server()
	t.Cleanup(server.Close)

	cfg := &config.Config{
		Database: config.DatabaseConfig{Kind: "sqlite", Filename: ":memory:"},
		Networks: []config.NetworkConfig{{
			Name:            "test",
			ChainID:         1,
			RPCURL:          server.URL,
			PollingInterval: common.NewDuration(5 * time.Millisecond),
			FinalityDepth:   2,
		}},
		Contracts: []config.ContractConfig{{
			Name:     "target",
			Networks: []string{"test"},
			Address:  []string{"0x00000000000000000000000000000000000000aa"},
		}},
	}
	cfg.ApplyDefaults()
	// ApplyDefaults must not override the explicit finality depth.
	cfg.Networks[0].FinalityDepth = 2
	require.NoError(t, cfg.Validate())

	pipeline := newRecordingPipeline()
	realtimeStore := newRecordingStore(pkgindexer.ModeRealtime)

	sup, err := New(context.Background(), Options{
		Config:          cfg,
		Indexing:        pipeline,
		HistoricalStore: newRecordingStore(pkgindexer.ModeHistorical),
		RealtimeStore:   realtimeStore,
		OnFatalError:    func(err error) { t.Logf("fatal: %v", err) },
		Logger:          logger.NewNopLogger(),
	})
	require.NoError(t, err)

	return sup, pipeline, realtimeStore
}

func TestSupervisor_HistoricalThenRealtime(t *testing.T) {
	node := rpctest.NewNode()
	for n := uint64(0); n <= 10; n++ {
		node.AddBlock(rpctest.BlockAt(n, 1000+n, 0xa))
	}

	addr := ethcommon.HexToAddress("0x00000000000000000000000000000000000000aa")
	topic := ethcommon.HexToHash("0x1111")
	for _, blockNumber := range []uint64{3, 6} {
		block := rpctest.BlockAt(blockNumber, 1000+blockNumber, 0xa)
		node.AddLog(rpc.Log{
			Address:         addr,
			Topics:          []ethcommon.Hash{topic},
			Data:            "0x",
			BlockHash:       block.Hash,
			BlockNumber:     hexutil.Uint64(blockNumber),
			TransactionHash: ethcommon.BytesToHash([]byte{byte(blockNumber), 0x70}),
			LogIndex:        0,
		})
	}

	sup, pipeline, _ := setupSupervisor(t, node)
	defer sup.Kill()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Historical drains, the store is swapped, realtime begins emitting.
	require.Eventually(t, func() bool {
		pipeline.mu.Lock()
		defer pipeline.mu.Unlock()
		return pipeline.setupCalled && pipeline.storeSwaps == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Extend the chain; realtime must deliver the new block's events through
	// the serialized queue.
	node.AddBlock(rpctest.BlockAt(11, 1011, 0xa))
	node.AddBlock(rpctest.BlockAt(12, 1012, 0xa))

	require.Eventually(t, func() bool {
		status, err := sup.MetaStore().GetStatus(context.Background())
		if err != nil {
			return false
		}
		chainStatus, ok := status[1]
		return ok && chainStatus.Ready && chainStatus.Block.Number >= 11
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSupervisor_ReorgTriggersRevertBeforeNewEvents(t *testing.T) {
	node := rpctest.NewNode()
	for n := uint64(0); n <= 10; n++ {
		node.AddBlock(rpctest.BlockAt(n, 1000+n, 0xa))
	}

	sup, pipeline, realtimeStore := setupSupervisor(t, node)
	defer sup.Kill()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		pipeline.mu.Lock()
		defer pipeline.mu.Unlock()
		return pipeline.storeSwaps == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Let realtime apply a couple of blocks past the anchor.
	node.AddBlock(rpctest.BlockAt(11, 1011, 0xa))
	node.AddBlock(rpctest.BlockAt(12, 1012, 0xa))

	require.Eventually(t, func() bool {
		status, err := sup.MetaStore().GetStatus(context.Background())
		if err != nil {
			return false
		}
		return status[1].Block.Number >= 12
	}, 5*time.Second, 10*time.Millisecond)

	// Fork away block 12.
	parent := rpctest.BlockAt(11, 1011, 0xa)
	fork12 := rpctest.BlockAt(12, 1022, 0xb)
	fork12.ParentHash = parent.Hash
	node.AddBlock(fork12)

	select {
	case <-realtimeStore.reverted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for indexing store revert")
	}

	realtimeStore.mu.Lock()
	revert := realtimeStore.reverts[0]
	realtimeStore.mu.Unlock()
	require.Equal(t, uint64(11), revert.BlockNumber)

	cancel()
	<-done
}
