// Package supervisor composes the sync engine: it owns the database, the
// per-network RPC queues, the historical and realtime syncs, the serialized
// realtime queue, and the handoff of ordered events to the downstream
// indexing pipeline.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/KONFeature/ponder/internal/checkpoint"
	"github.com/KONFeature/ponder/internal/common"
	"github.com/KONFeature/ponder/internal/db"
	"github.com/KONFeature/ponder/internal/filter"
	"github.com/KONFeature/ponder/internal/historical"
	"github.com/KONFeature/ponder/internal/interval"
	"github.com/KONFeature/ponder/internal/logger"
	"github.com/KONFeature/ponder/internal/metastore"
	"github.com/KONFeature/ponder/internal/queue"
	"github.com/KONFeature/ponder/internal/realtime"
	"github.com/KONFeature/ponder/internal/rpc"
	"github.com/KONFeature/ponder/internal/syncstore"
	"github.com/KONFeature/ponder/internal/syncstore/migrations"
	"github.com/KONFeature/ponder/pkg/config"
	pkgindexer "github.com/KONFeature/ponder/pkg/indexer"
	"github.com/jmoiron/sqlx"
)

// Options wires the supervisor to its external collaborators.
type Options struct {
	Config *config.Config

	// Indexing is the downstream pipeline consuming ordered events.
	Indexing pkgindexer.Service

	// HistoricalStore buffers user-table writes during catch-up;
	// RealtimeStore applies them transactionally per block.
	HistoricalStore pkgindexer.IndexingStore
	RealtimeStore   pkgindexer.IndexingStore

	// OnFatalError receives unrecoverable errors; the process is expected to
	// terminate.
	OnFatalError func(error)

	// OnReloadableError receives downstream handler errors; the process may
	// rebuild from the last finalized checkpoint.
	OnReloadableError func(error)

	Logger *logger.Logger
}

// Supervisor is the engine's composition root and lifecycle owner.
type Supervisor struct {
	opts Options
	cfg  *config.Config
	log  *logger.Logger

	conn   *sqlx.DB
	engine db.Engine
	store  *syncstore.Store
	meta   *metastore.Store

	sources  []historical.Source
	filters  []filter.Filter
	networks map[uint64]*config.NetworkConfig

	queues     map[uint64]*rpc.Queue
	historical map[uint64]*historical.Sync
	realtime   map[uint64]*realtime.Sync

	rtQueue *queue.Serial[realtime.Event]

	killed atomic.Bool

	statusMu sync.Mutex
	status   metastore.Status
}

// New opens the database, runs migrations, and constructs every component.
// Realtime event routing follows the deferred-wiring shape: the serialized
// queue exists before the syncs that feed it.
func New(ctx context.Context, opts Options) (*Supervisor, error) {
	cfg := opts.Config
	log := opts.Logger.WithComponent(common.ComponentSupervisor)

	engine := db.Engine(cfg.Database.Kind)
	conn, err := db.Open(engine, cfg.Database.DSN())
	if err != nil {
		return nil, err
	}

	if err := migrations.RunMigrations(log, conn, engine); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run sync store migrations: %w", err)
	}

	store := syncstore.New(conn, engine, log.WithComponent(common.ComponentSyncStore),
		cfg.Options.SyncStoreMaxIntervals)
	meta := metastore.New(conn, log.WithComponent(common.ComponentMetaStore))

	sources, err := buildSources(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	s := &Supervisor{
		opts:       opts,
		cfg:        cfg,
		log:        log,
		conn:       conn,
		engine:     engine,
		store:      store,
		meta:       meta,
		sources:    sources,
		filters:    filtersOf(sources),
		networks:   make(map[uint64]*config.NetworkConfig),
		queues:     make(map[uint64]*rpc.Queue),
		historical: make(map[uint64]*historical.Sync),
		realtime:   make(map[uint64]*realtime.Sync),
		// Constructed before the realtime syncs; its worker starts after the
		// historical drain.
		rtQueue: queue.NewSerial[realtime.Event](),
		status:  metastore.Status{},
	}

	grouped := sourcesByChain(sources)

	for i := range cfg.Networks {
		network := &cfg.Networks[i]
		s.networks[network.ChainID] = network

		rpcQueue, err := rpc.NewQueue(ctx, network, log.WithComponent(common.ComponentRPCQueue), store)
		if err != nil {
			s.closeAll()
			return nil, err
		}
		s.queues[network.ChainID] = rpcQueue

		chainSources := grouped[network.ChainID]
		if len(chainSources) == 0 {
			continue
		}

		s.historical[network.ChainID] = historical.New(
			network.ChainID, rpcQueue, store, chainSources,
			log.WithComponent(common.ComponentHistorical))

		rt := realtime.New(
			network.ChainID, rpcQueue, store, filtersOf(chainSources),
			network.PollingInterval.Duration, network.FinalityDepth,
			log.WithComponent(common.ComponentRealtime))
		rt.Wire(s.enqueueRealtimeEvent, s.fatal)
		s.realtime[network.ChainID] = rt
	}

	return s, nil
}

// Store exposes the raw sync store.
func (s *Supervisor) Store() *syncstore.Store { return s.store }

// MetaStore exposes the metadata store.
func (s *Supervisor) MetaStore() *metastore.Store { return s.meta }

func (s *Supervisor) fatal(err error) {
	if s.killed.Load() {
		return
	}
	s.log.Errorf("fatal sync error: %v", err)
	if s.opts.OnFatalError != nil {
		s.opts.OnFatalError(err)
	}
}

func (s *Supervisor) enqueueRealtimeEvent(ev realtime.Event) {
	if err := s.rtQueue.Push(ev); err != nil && !s.killed.Load() {
		s.log.Warnf("dropped realtime event after shutdown: %v", err)
	}
}

// Run drives the engine: historical catch-up, the store-mode switch, then
// realtime tailing. It blocks until ctx is cancelled or a fatal error occurs.
func (s *Supervisor) Run(ctx context.Context) error {
	if result := s.opts.Indexing.ProcessSetupEvents(ctx, s.filters, s.chainIDs()); result.Status != pkgindexer.StatusSuccess {
		return s.pipelineFailure(result)
	}

	anchors, err := s.runHistorical(ctx)
	if err != nil {
		return err
	}

	if err := s.drainEvents(ctx, anchors); err != nil {
		return err
	}

	// Historical is complete: flush the buffered store in one large write,
	// build user indexes, and swap the pipeline to transactional writes.
	if err := s.opts.HistoricalStore.Flush(ctx, true); err != nil {
		return fmt.Errorf("failed to flush indexing store: %w", err)
	}
	if err := s.opts.HistoricalStore.CreateIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	s.opts.Indexing.UpdateIndexingStore(s.opts.RealtimeStore)

	if err := s.markReady(ctx); err != nil {
		return err
	}

	if err := s.startRealtime(ctx, anchors); err != nil {
		return err
	}

	<-ctx.Done()
	return ctx.Err()
}

func (s *Supervisor) chainIDs() []uint64 {
	ids := make([]uint64, 0, len(s.networks))
	for id := range s.networks {
		ids = append(ids, id)
	}
	return ids
}

func (s *Supervisor) pipelineFailure(result pkgindexer.Result) error {
	switch result.Status {
	case pkgindexer.StatusKilled:
		return context.Canceled
	case pkgindexer.StatusError:
		if s.opts.OnReloadableError != nil {
			s.opts.OnReloadableError(result.Error)
		}
		return result.Error
	}
	return nil
}

// runHistorical back-fills every chain up to its finality horizon in
// parallel and returns the per-chain anchor blocks for the realtime handoff.
func (s *Supervisor) runHistorical(ctx context.Context) (map[uint64]*rpc.Block, error) {
	anchors := make(map[uint64]*rpc.Block)
	var mu sync.Mutex

	errCh := make(chan error, len(s.historical))
	var wg sync.WaitGroup

	for chainID, hist := range s.historical {
		chainID, hist := chainID, hist
		network := s.networks[chainID]

		wg.Add(1)
		go func() {
			defer wg.Done()

			head, err := s.queues[chainID].LatestBlock(ctx, false)
			if err != nil {
				errCh <- fmt.Errorf("chain %d: failed to fetch head: %w", chainID, err)
				return
			}

			headNumber := uint64(head.Number)
			if headNumber <= network.FinalityDepth {
				errCh <- nil
				return
			}
			horizon := headNumber - network.FinalityDepth

			start := s.earliestStartBlock(chainID)
			if start > horizon {
				errCh <- nil
				return
			}

			if err := hist.Sync(ctx, interval.Interval{Start: start, End: horizon}); err != nil {
				errCh <- fmt.Errorf("chain %d: historical sync failed: %w", chainID, err)
				return
			}

			anchor, err := s.queues[chainID].BlockByNumber(ctx, horizon, false)
			if err != nil {
				errCh <- fmt.Errorf("chain %d: failed to fetch anchor: %w", chainID, err)
				return
			}

			mu.Lock()
			anchors[chainID] = anchor
			mu.Unlock()
			errCh <- nil
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}

	return anchors, nil
}

func (s *Supervisor) earliestStartBlock(chainID uint64) uint64 {
	start := ^uint64(0)
	for _, f := range s.filters {
		if f.Chain() != chainID {
			continue
		}
		if f.StartBlock() < start {
			start = f.StartBlock()
		}
	}
	if start == ^uint64(0) {
		return 0
	}
	return start
}

// initialCheckpoint derives the resume point from the persisted status.
func (s *Supervisor) initialCheckpoint(ctx context.Context) (checkpoint.Checkpoint, error) {
	status, err := s.meta.GetStatus(ctx)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}

	initial := checkpoint.Zero()
	first := true
	for chainID, chainStatus := range status {
		if chainStatus.Block.Number == 0 {
			continue
		}
		bound := checkpoint.BlockBound(chainStatus.Block.Timestamp, chainID, chainStatus.Block.Number)
		if first || checkpoint.Compare(bound, initial) < 0 {
			initial = bound
			first = false
		}
	}
	return initial, nil
}

// drainEvents walks the checkpoint cursor across the finalized range,
// dispatching every batch to the pipeline.
func (s *Supervisor) drainEvents(ctx context.Context, anchors map[uint64]*rpc.Block) error {
	target := s.finalizedTarget(anchors)
	last, err := s.initialCheckpoint(ctx)
	if err != nil {
		return err
	}
	if checkpoint.Compare(last, target) >= 0 {
		return nil
	}

	limit := s.cfg.Options.EventBatchLimit

	for {
		if s.killed.Load() {
			return context.Canceled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		events, cursor, err := s.store.GetEvents(ctx, s.filters, last, target, limit)
		if err != nil {
			return err
		}

		if len(events) > 0 {
			if result := s.opts.Indexing.ProcessEvents(ctx, events); result.Status != pkgindexer.StatusSuccess {
				return s.pipelineFailure(result)
			}
		}

		s.opts.Indexing.UpdateTotalSeconds(cursor)
		s.updateStatusFromEvents(ctx, events, false)

		if checkpoint.Compare(cursor, target) >= 0 {
			return nil
		}
		last = cursor
	}
}

// finalizedTarget is the checkpoint up to which every chain has finalized
// coverage: the minimum of the per-chain anchor bounds.
func (s *Supervisor) finalizedTarget(anchors map[uint64]*rpc.Block) checkpoint.Checkpoint {
	target := checkpoint.Latest()
	for chainID, anchor := range anchors {
		bound := checkpoint.BlockBound(uint64(anchor.Timestamp), chainID, uint64(anchor.Number))
		target = checkpoint.Min(target, bound)
	}
	return target
}

func (s *Supervisor) markReady(ctx context.Context) error {
	s.statusMu.Lock()
	for chainID, status := range s.status {
		status.Ready = true
		s.status[chainID] = status
	}
	snapshot := s.snapshotStatusLocked()
	s.statusMu.Unlock()

	return s.meta.SetStatus(ctx, snapshot)
}

func (s *Supervisor) snapshotStatusLocked() metastore.Status {
	snapshot := make(metastore.Status, len(s.status))
	for chainID, status := range s.status {
		snapshot[chainID] = status
	}
	return snapshot
}

func (s *Supervisor) updateStatusFromEvents(ctx context.Context, events []syncstore.Event, ready bool) {
	if len(events) == 0 {
		return
	}

	s.statusMu.Lock()
	for _, event := range events {
		status := s.status[event.ChainID]
		if event.Checkpoint.BlockNumber >= status.Block.Number {
			status.Block.Number = event.Checkpoint.BlockNumber
			status.Block.Timestamp = event.Checkpoint.BlockTimestamp
			status.Ready = ready
			s.status[event.ChainID] = status
		}
	}
	snapshot := s.snapshotStatusLocked()
	s.statusMu.Unlock()

	if err := s.meta.SetStatus(ctx, snapshot); err != nil {
		s.log.Warnf("failed to persist status: %v", err)
	}
}

// startRealtime attaches the serialized worker and begins tailing every
// chain from its anchor.
func (s *Supervisor) startRealtime(ctx context.Context, anchors map[uint64]*rpc.Block) error {
	s.rtQueue.Start(func(ev realtime.Event) {
		s.applyRealtimeEvent(ctx, ev)
	})

	for chainID, rt := range s.realtime {
		anchor, ok := anchors[chainID]
		if !ok {
			var err error
			anchor, err = s.queues[chainID].LatestBlock(ctx, true)
			if err != nil {
				return err
			}
		}
		if err := rt.Start(ctx, anchor); err != nil {
			return err
		}
	}
	return nil
}

// applyRealtimeEvent is the serialized worker body: block application, reorg
// rollback and finalize advance are mutually exclusive by construction.
func (s *Supervisor) applyRealtimeEvent(ctx context.Context, ev realtime.Event) {
	if s.killed.Load() {
		return
	}

	switch ev.Type {
	case realtime.EventBlock:
		if len(ev.Events) > 0 {
			if result := s.opts.Indexing.ProcessEvents(ctx, ev.Events); result.Status != pkgindexer.StatusSuccess {
				if result.Status == pkgindexer.StatusError && s.opts.OnReloadableError != nil {
					s.opts.OnReloadableError(result.Error)
				}
				return
			}
		}

		// Status reflects only fully-applied blocks.
		s.statusMu.Lock()
		chainStatus := s.status[ev.ChainID]
		chainStatus.Block.Number = uint64(ev.Block.Number)
		chainStatus.Block.Timestamp = uint64(ev.Block.Timestamp)
		chainStatus.Ready = true
		s.status[ev.ChainID] = chainStatus
		snapshot := s.snapshotStatusLocked()
		s.statusMu.Unlock()

		if err := s.meta.SetStatus(ctx, snapshot); err != nil {
			s.log.Warnf("failed to persist status: %v", err)
		}
		s.opts.Indexing.UpdateTotalSeconds(ev.Checkpoint)

	case realtime.EventReorg:
		// The database revert must land before any further event
		// application.
		if err := s.opts.RealtimeStore.Revert(ctx, ev.Checkpoint); err != nil {
			s.fatal(fmt.Errorf("failed to revert indexing store: %w", err))
			return
		}
		s.log.Warnf("reverted indexing store to checkpoint of chain %d block %d",
			ev.ChainID, ev.Checkpoint.BlockNumber)

	case realtime.EventFinalize:
		s.opts.Indexing.UpdateTotalSeconds(ev.Checkpoint)
	}
}

// Kill shuts the engine down: pipeline first, then syncs, then the queue
// (paused and drained), finally the database.
func (s *Supervisor) Kill() {
	if !s.killed.CompareAndSwap(false, true) {
		return
	}

	s.opts.Indexing.Kill()

	for _, rt := range s.realtime {
		rt.Kill()
	}

	s.rtQueue.Close()
	s.closeAll()
}

func (s *Supervisor) closeAll() {
	for _, q := range s.queues {
		q.Close()
	}
	if err := s.conn.Close(); err != nil {
		s.log.Errorf("failed to close database: %v", err)
	}
}
