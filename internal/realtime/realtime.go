// Package realtime maintains the rolling tail of each chain: it polls the
// head, keeps an in-memory chain of unfinalized blocks, extracts filter data
// for every new block, and emits block / reorg / finalize events in order.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KONFeature/ponder/internal/checkpoint"
	"github.com/KONFeature/ponder/internal/filter"
	"github.com/KONFeature/ponder/internal/interval"
	"github.com/KONFeature/ponder/internal/logger"
	"github.com/KONFeature/ponder/internal/rpc"
	"github.com/KONFeature/ponder/internal/syncstore"
	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminates realtime notifications.
type EventType string

const (
	EventBlock    EventType = "block"
	EventReorg    EventType = "reorg"
	EventFinalize EventType = "finalize"
)

// Event is one realtime notification. Block events carry the decoded events
// of the new block; reorg events carry the common ancestor's block bound,
// above which everything was rolled back;
// finalize events carry the newly finalized checkpoint.
type Event struct {
	Type       EventType
	ChainID    uint64
	Block      *rpc.Block
	Events     []syncstore.Event
	Checkpoint checkpoint.Checkpoint
}

// Callback receives realtime events, strictly in emission order.
type Callback func(Event)

// ReorgError reports a reorg reaching at or below the finalized block; the
// indexer refuses to silently corrupt downstream state.
type ReorgError struct {
	ChainID     uint64
	BlockNumber uint64
}

func (e *ReorgError) Error() string {
	return fmt.Sprintf("chain %d reorged at or below finalized block %d", e.ChainID, e.BlockNumber)
}

// Sync is the realtime tail for one network.
type Sync struct {
	chainID         uint64
	queue           *rpc.Queue
	store           *syncstore.Store
	filters         []filter.Filter
	pollingInterval time.Duration
	finalityDepth   uint64
	log             *logger.Logger

	// onEvent and onFatal are wired after construction (the consumer queue
	// is built later); Wire is a one-shot setter.
	onEvent Callback
	onFatal func(error)
	wired   atomic.Bool

	killed atomic.Bool
	wg     sync.WaitGroup
	cancel context.CancelFunc

	// chain holds unfinalized blocks ascending by number; chain[0] is the
	// finalized anchor.
	chain []*rpc.Block
}

// New creates a realtime sync for one network over the given filters.
func New(
	chainID uint64,
	queue *rpc.Queue,
	store *syncstore.Store,
	filters []filter.Filter,
	pollingInterval time.Duration,
	finalityDepth uint64,
	log *logger.Logger,
) *Sync {
	return &Sync{
		chainID:         chainID,
		queue:           queue,
		store:           store,
		filters:         filters,
		pollingInterval: pollingInterval,
		finalityDepth:   finalityDepth,
		log:             log,
	}
}

// Wire attaches the event and fatal-error callbacks. It must be called
// exactly once, before Start.
func (s *Sync) Wire(onEvent Callback, onFatal func(error)) {
	if !s.wired.CompareAndSwap(false, true) {
		panic("realtime: Wire called twice")
	}
	s.onEvent = onEvent
	s.onFatal = onFatal
}

// Start begins polling from the given anchor block (the last finalized block
// the historical sync reached). It returns immediately; Kill stops the loop.
func (s *Sync) Start(ctx context.Context, anchor *rpc.Block) error {
	if !s.wired.Load() {
		return errors.New("realtime: Start before Wire")
	}

	s.chain = []*rpc.Block{anchor}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)

	s.log.Infof("realtime sync started at block %d", uint64(anchor.Number))
	return nil
}

// Kill stops the polling loop and waits for it to exit.
func (s *Sync) Kill() {
	if !s.killed.CompareAndSwap(false, true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sync) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				if ctx.Err() != nil || s.killed.Load() {
					return
				}
				var reorgErr *ReorgError
				if errors.As(err, &reorgErr) {
					s.onFatal(err)
					return
				}
				s.log.Warnf("poll failed: %v", err)
			}
		}
	}
}

func (s *Sync) tip() *rpc.Block {
	return s.chain[len(s.chain)-1]
}

func (s *Sync) poll(ctx context.Context) error {
	latest, err := s.queue.LatestBlock(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to fetch head: %w", err)
	}

	tip := s.tip()
	if uint64(latest.Number) <= uint64(tip.Number) {
		if latest.Hash == s.blockAt(uint64(latest.Number)) {
			return nil
		}
		// Same-height replacement: walk back for the common ancestor.
		return s.handleReorg(ctx, latest)
	}

	if latest.ParentHash != tip.Hash && uint64(latest.Number) == uint64(tip.Number)+1 {
		return s.handleReorg(ctx, latest)
	}

	// Fill any gap between the tip and the new head, then apply the head.
	for number := uint64(tip.Number) + 1; number < uint64(latest.Number); number++ {
		block, err := s.queue.BlockByNumber(ctx, number, true)
		if err != nil {
			return err
		}
		if block.ParentHash != s.tip().Hash {
			return s.handleReorg(ctx, block)
		}
		if err := s.applyBlock(ctx, block); err != nil {
			return err
		}
	}

	if latest.ParentHash != s.tip().Hash {
		return s.handleReorg(ctx, latest)
	}
	return s.applyBlock(ctx, latest)
}

func (s *Sync) blockAt(number uint64) common.Hash {
	for _, block := range s.chain {
		if uint64(block.Number) == number {
			return block.Hash
		}
	}
	return common.Hash{}
}

// applyBlock extracts filter data for one new chain extension, emits its
// block event, and advances finality.
func (s *Sync) applyBlock(ctx context.Context, block *rpc.Block) error {
	if err := s.extractBlock(ctx, block); err != nil {
		return err
	}

	prevBound := checkpoint.BlockBound(uint64(s.tip().Timestamp), s.chainID, uint64(s.tip().Number))
	bound := checkpoint.BlockBound(uint64(block.Timestamp), s.chainID, uint64(block.Number))

	events, _, err := s.store.GetEvents(ctx, s.filters, prevBound, bound, 1_000_000)
	if err != nil {
		return err
	}

	s.chain = append(s.chain, block)

	s.onEvent(Event{
		Type:       EventBlock,
		ChainID:    s.chainID,
		Block:      block,
		Events:     events,
		Checkpoint: bound,
	})
	headBlock.WithLabelValues(fmt.Sprint(s.chainID)).Set(float64(uint64(block.Number)))

	return s.advanceFinality(ctx)
}

// extractBlock performs the historical extraction, restricted to one block.
func (s *Sync) extractBlock(ctx context.Context, block *rpc.Block) error {
	if err := s.store.InsertBlock(ctx, s.chainID, block); err != nil {
		return err
	}
	if err := s.store.InsertTransactions(ctx, s.chainID, block.Transactions); err != nil {
		return err
	}

	number := uint64(block.Number)
	blockTag := fmt.Sprintf("0x%x", number)

	needsTraces := false
	for _, f := range s.filters {
		switch f := f.(type) {
		case *filter.LogFilter:
			if !blockInRange(number, f) {
				continue
			}
			query := rpc.LogFilterQuery{FromBlock: blockTag, ToBlock: blockTag}
			logs, err := s.queue.Logs(ctx, query, number)
			if err != nil {
				return err
			}
			if err := s.store.InsertLogs(ctx, s.chainID, uint64(block.Timestamp), logs); err != nil {
				return err
			}
			if f.IncludeReceipts {
				seen := make(map[common.Hash]struct{})
				for _, log := range logs {
					if _, dup := seen[log.TransactionHash]; dup {
						continue
					}
					seen[log.TransactionHash] = struct{}{}
					receipt, err := s.queue.TransactionReceipt(ctx, log.TransactionHash, number)
					if err != nil {
						return err
					}
					if err := s.store.InsertTransactionReceipts(ctx, s.chainID,
						[]rpc.TransactionReceipt{*receipt}); err != nil {
						return err
					}
				}
			}
		case *filter.TraceFilter:
			if blockInRange(number, f) {
				needsTraces = true
			}
		}
	}

	if needsTraces {
		query := rpc.TraceFilterQuery{FromBlock: blockTag, ToBlock: blockTag}
		traces, err := s.queue.TraceFilter(ctx, query, number)
		if err != nil {
			return err
		}
		reverted := make(map[common.Hash]bool)
		var calls []rpc.CallTrace
		for _, trace := range traces {
			if trace.Type != "call" {
				continue
			}
			if _, seen := reverted[trace.TransactionHash]; !seen {
				receipt, err := s.queue.TransactionReceipt(ctx, trace.TransactionHash, number)
				if err != nil {
					return err
				}
				reverted[trace.TransactionHash] = receipt.Reverted()
			}
			if !reverted[trace.TransactionHash] {
				calls = append(calls, trace)
			}
		}
		if err := s.store.InsertCallTraces(ctx, s.chainID, uint64(block.Timestamp), calls); err != nil {
			return err
		}
	}

	return nil
}

func blockInRange(number uint64, f filter.Filter) bool {
	if number < f.StartBlock() {
		return false
	}
	if f.EndBlock() != nil && number > *f.EndBlock() {
		return false
	}
	return true
}

// advanceFinality emits a finalize event and records coverage once blocks
// cross the finality depth, then discards them from the local chain.
func (s *Sync) advanceFinality(ctx context.Context) error {
	tipNumber := uint64(s.tip().Number)
	if tipNumber < s.finalityDepth {
		return nil
	}
	target := tipNumber - s.finalityDepth

	anchor := s.chain[0]
	if target <= uint64(anchor.Number) {
		return nil
	}

	var finalized *rpc.Block
	cut := 0
	for i, block := range s.chain {
		if uint64(block.Number) <= target {
			finalized = block
			cut = i
		}
	}
	if finalized == nil || finalized == anchor {
		return nil
	}

	// Finalized coverage joins the interval index so restarts skip it.
	for _, f := range s.filters {
		iv, ok := clipRange(uint64(anchor.Number)+1, uint64(finalized.Number), f)
		if !ok {
			continue
		}
		if err := s.store.InsertInterval(ctx, f, iv); err != nil {
			return err
		}
	}

	s.chain = s.chain[cut:]

	s.onEvent(Event{
		Type:       EventFinalize,
		ChainID:    s.chainID,
		Block:      finalized,
		Checkpoint: checkpoint.BlockBound(uint64(finalized.Timestamp), s.chainID, uint64(finalized.Number)),
	})
	finalizedBlock.WithLabelValues(fmt.Sprint(s.chainID)).Set(float64(uint64(finalized.Number)))

	return nil
}

func clipRange(start, end uint64, f filter.Filter) (interval.Interval, bool) {
	if f.StartBlock() > start {
		start = f.StartBlock()
	}
	if f.EndBlock() != nil && *f.EndBlock() < end {
		end = *f.EndBlock()
	}
	if start > end {
		return interval.Interval{}, false
	}
	return interval.Interval{Start: start, End: end}, true
}

// handleReorg walks back from the divergent block to the common ancestor,
// prunes the orphaned suffix from the store, and emits the reorg event. A
// remote chain that does not contain the finalized anchor is fatal.
func (s *Sync) handleReorg(ctx context.Context, divergent *rpc.Block) error {
	remote := divergent

	// Walk the remote chain down to the local chain's height range.
	for uint64(remote.Number) > uint64(s.tip().Number)+1 {
		parent, err := s.queue.BlockByHash(ctx, remote.ParentHash, true)
		if err != nil {
			return err
		}
		remote = parent
	}

	for {
		parentNumber := uint64(remote.Number) - 1
		if parentNumber < uint64(s.chain[0].Number) {
			return &ReorgError{ChainID: s.chainID, BlockNumber: uint64(s.chain[0].Number)}
		}
		if s.blockAt(parentNumber) == remote.ParentHash {
			break
		}
		if parentNumber == uint64(s.chain[0].Number) {
			// The new chain does not contain the finalized anchor.
			return &ReorgError{ChainID: s.chainID, BlockNumber: parentNumber}
		}
		parent, err := s.queue.BlockByHash(ctx, remote.ParentHash, true)
		if err != nil {
			return err
		}
		remote = parent
	}

	ancestorNumber := uint64(remote.Number) - 1

	// Drop orphaned local blocks and their raw rows.
	cut := len(s.chain)
	for i, block := range s.chain {
		if uint64(block.Number) > ancestorNumber {
			cut = i
			break
		}
	}
	orphaned := len(s.chain) - cut
	s.chain = s.chain[:cut]

	if err := s.store.PruneByBlock(ctx, s.chainID, ancestorNumber); err != nil {
		return err
	}

	ancestor := s.tip()
	s.log.Warnf("reorg of %d blocks detected, rolled back to block %d", orphaned, ancestorNumber)
	reorgsDetected.WithLabelValues(fmt.Sprint(s.chainID)).Inc()

	s.onEvent(Event{
		Type:       EventReorg,
		ChainID:    s.chainID,
		Checkpoint: checkpoint.BlockBound(uint64(ancestor.Timestamp), s.chainID, uint64(ancestor.Number)),
	})

	return nil
}
