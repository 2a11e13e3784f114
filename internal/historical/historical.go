// Package historical implements back-fill: extracting raw data for a set of
// filters across a block interval, minimizing redundant work through the sync
// store's interval index and a per-sync block cache.
package historical

import (
	"context"
	"fmt"
	"sync"

	"github.com/KONFeature/ponder/internal/filter"
	"github.com/KONFeature/ponder/internal/interval"
	"github.com/KONFeature/ponder/internal/logger"
	"github.com/KONFeature/ponder/internal/rpc"
	"github.com/KONFeature/ponder/internal/syncstore"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

const (
	// AddressFilterLimit caps factory child-address sets used client-side; a
	// set at or above the cap falls back to topic-only server filtering with
	// the store filtering correctly on read.
	AddressFilterLimit = 1000

	// maxAddressBatch is the widest address list sent in one eth_getLogs.
	maxAddressBatch = 50

	// traceChunkBlocks is the trace_filter request granularity.
	traceChunkBlocks = 10
)

// Source is one filter to back-fill together with its request sizing.
type Source struct {
	Filter filter.Filter

	// MaxBlockRange is the widest block window per eth_getLogs request.
	MaxBlockRange uint64
}

// Sync drives historical extraction for one network.
type Sync struct {
	chainID uint64
	queue   *rpc.Queue
	store   *syncstore.Store
	sources []Source
	log     *logger.Logger

	mu          sync.Mutex
	latestBlock *rpc.Block
}

// New creates a historical sync over precomputed sources for one network.
func New(chainID uint64, queue *rpc.Queue, store *syncstore.Store, sources []Source, log *logger.Logger) *Sync {
	return &Sync{
		chainID: chainID,
		queue:   queue,
		store:   store,
		sources: sources,
		log:     log,
	}
}

// LatestBlock returns the highest-numbered block observed during any sync,
// or nil before the first fetch. It feeds metrics and the realtime handoff.
func (s *Sync) LatestBlock() *rpc.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestBlock
}

func (s *Sync) observeBlock(block *rpc.Block) {
	s.mu.Lock()
	if s.latestBlock == nil || uint64(block.Number) > uint64(s.latestBlock.Number) {
		s.latestBlock = block
	}
	s.mu.Unlock()
}

// Sync extracts raw data for every source across the given interval. Work
// already covered by the interval index is skipped; each source's coverage is
// recorded once all of its required sub-intervals complete.
func (s *Sync) Sync(ctx context.Context, iv interval.Interval) error {
	cache := s.newBlockCache()
	defer cache.clear()

	for _, source := range s.sources {
		f := source.Filter

		clipped, ok := clipToFilter(iv, f)
		if !ok {
			continue
		}

		covered, err := s.store.GetIntervals(ctx, f)
		if err != nil {
			return fmt.Errorf("failed to read intervals: %w", err)
		}

		required := interval.Difference([]interval.Interval{clipped}, covered)
		if len(required) == 0 {
			continue
		}

		maxRange := source.MaxBlockRange
		if maxRange == 0 {
			maxRange = 10_000
		}

		for _, req := range interval.Chunks(required, maxRange) {
			if err := ctx.Err(); err != nil {
				return err
			}

			switch f := f.(type) {
			case *filter.LogFilter:
				err = s.syncLogFilter(ctx, f, req, cache)
			case *filter.BlockFilter:
				err = s.syncBlockFilter(ctx, f, req, cache)
			case *filter.TraceFilter:
				err = s.syncTraceFilter(ctx, f, req, cache)
			default:
				err = fmt.Errorf("unknown filter type %T", f)
			}
			if err != nil {
				return err
			}

			completedBlocks.WithLabelValues(fmt.Sprint(s.chainID)).Add(float64(req.Len()))
		}

		if err := s.store.InsertInterval(ctx, f, clipped); err != nil {
			return err
		}

		s.log.Debugf("synced source over [%d, %d]", clipped.Start, clipped.End)
	}

	return nil
}

func clipToFilter(iv interval.Interval, f filter.Filter) (interval.Interval, bool) {
	start := iv.Start
	if f.StartBlock() > start {
		start = f.StartBlock()
	}
	end := iv.End
	if f.EndBlock() != nil && *f.EndBlock() < end {
		end = *f.EndBlock()
	}
	if start > end {
		return interval.Interval{}, false
	}
	return interval.Interval{Start: start, End: end}, true
}

// syncLogFilter extracts logs for one required sub-interval. Factory address
// sets are resolved first; enumerated sets wider than maxAddressBatch are
// split into concurrent batches.
func (s *Sync) syncLogFilter(ctx context.Context, f *filter.LogFilter, req interval.Interval, cache *blockCache) error {
	addresses, err := s.resolveAddresses(ctx, f.Address, req)
	if err != nil {
		return err
	}

	topics := buildTopics(f.Topics)

	var batches [][]common.Address
	if len(addresses) == 0 {
		batches = [][]common.Address{nil}
	} else {
		for start := 0; start < len(addresses); start += maxAddressBatch {
			end := min(start+maxAddressBatch, len(addresses))
			batches = append(batches, addresses[start:end])
		}
	}

	// Prefetch the interval's last block so the realtime handoff always has
	// an anchor even for empty ranges.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		_, err := cache.get(groupCtx, req.End)
		return err
	})

	var mu sync.Mutex
	var logs []rpc.Log

	for _, batch := range batches {
		batch := batch
		group.Go(func() error {
			query := rpc.LogFilterQuery{Topics: topics}
			if len(batch) == 1 {
				query.Address = batch[0]
			} else if len(batch) > 1 {
				query.Address = batch
			}

			result, err := s.fetchLogs(groupCtx, query, req.Start, req.End)
			if err != nil {
				return err
			}

			mu.Lock()
			logs = append(logs, result...)
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	return s.insertLogsWithBlocks(ctx, f.IncludeReceipts, logs, cache)
}

// fetchLogs performs eth_getLogs over [from, to], shrinking the window when
// the provider rejects it as too large: a suggested range from the error
// message is honored, otherwise the range is split in half. The full range is
// always covered before returning.
func (s *Sync) fetchLogs(ctx context.Context, query rpc.LogFilterQuery, from, to uint64) ([]rpc.Log, error) {
	query.FromBlock = fmt.Sprintf("0x%x", from)
	query.ToBlock = fmt.Sprintf("0x%x", to)

	logs, err := s.queue.Logs(ctx, query, to)
	if err == nil {
		return logs, nil
	}

	ok, errData := rpc.IsTooManyResultsError(err)
	if !ok {
		return nil, fmt.Errorf("eth_getLogs failed: %w", err)
	}

	splitAt := (from + to) / 2
	if suggestedFrom, suggestedTo, ok := rpc.ParseSuggestedBlockRange(errData); ok &&
		suggestedFrom == from && suggestedTo >= from && suggestedTo < to {
		splitAt = suggestedTo
	}
	if splitAt < from || splitAt >= to {
		if from == to {
			return nil, fmt.Errorf("single block %d has too many logs: %w", from, err)
		}
		splitAt = from
	}

	s.log.Debugf("too many logs in [%d, %d], retrying as [%d, %d] + [%d, %d]",
		from, to, from, splitAt, splitAt+1, to)

	first, err := s.fetchLogs(ctx, query, from, splitAt)
	if err != nil {
		return nil, err
	}
	rest, err := s.fetchLogs(ctx, query, splitAt+1, to)
	if err != nil {
		return nil, err
	}
	return append(first, rest...), nil
}

// insertLogsWithBlocks fetches each log's containing block through the cache
// and persists logs grouped per block, plus receipts when requested.
func (s *Sync) insertLogsWithBlocks(ctx context.Context, includeReceipts bool, logs []rpc.Log, cache *blockCache) error {
	byBlock := make(map[uint64][]rpc.Log)
	for _, log := range logs {
		byBlock[uint64(log.BlockNumber)] = append(byBlock[uint64(log.BlockNumber)], log)
	}

	for number, blockLogs := range byBlock {
		block, err := cache.get(ctx, number)
		if err != nil {
			return err
		}

		if err := s.store.InsertLogs(ctx, s.chainID, uint64(block.Timestamp), blockLogs); err != nil {
			return err
		}

		if includeReceipts {
			seen := make(map[common.Hash]struct{})
			for _, log := range blockLogs {
				if _, dup := seen[log.TransactionHash]; dup {
					continue
				}
				seen[log.TransactionHash] = struct{}{}

				receipt, err := s.queue.TransactionReceipt(ctx, log.TransactionHash, number)
				if err != nil {
					return err
				}
				if err := s.store.InsertTransactionReceipts(ctx, s.chainID, []rpc.TransactionReceipt{*receipt}); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// syncBlockFilter fetches every block selected by the filter's
// interval/offset schedule inside the required range.
func (s *Sync) syncBlockFilter(ctx context.Context, f *filter.BlockFilter, req interval.Interval, cache *blockCache) error {
	if f.Interval == 0 {
		return fmt.Errorf("block filter interval must be positive")
	}

	// First selected block at or after req.Start.
	phase := (req.Start + f.Interval - f.Offset%f.Interval) % f.Interval
	first := req.Start
	if phase != 0 {
		first = req.Start + (f.Interval - phase)
	}

	for number := first; number <= req.End; number += f.Interval {
		if _, err := cache.get(ctx, number); err != nil {
			return err
		}
	}

	return nil
}

// syncTraceFilter extracts call traces over the required range in fixed-size
// trace_filter chunks, drops traces of reverted transactions, and persists
// the survivors with their blocks.
func (s *Sync) syncTraceFilter(ctx context.Context, f *filter.TraceFilter, req interval.Interval, cache *blockCache) error {
	toAddresses, err := s.resolveAddresses(ctx, f.ToAddress, req)
	if err != nil {
		return err
	}

	selectors := make(map[string]struct{}, len(f.FunctionSelectors))
	for _, selector := range f.FunctionSelectors {
		selectors[selector] = struct{}{}
	}

	var mu sync.Mutex
	var traces []rpc.CallTrace

	group, groupCtx := errgroup.WithContext(ctx)
	for _, chunk := range interval.Chunks([]interval.Interval{req}, traceChunkBlocks) {
		chunk := chunk
		group.Go(func() error {
			query := rpc.TraceFilterQuery{
				FromBlock:   fmt.Sprintf("0x%x", chunk.Start),
				ToBlock:     fmt.Sprintf("0x%x", chunk.End),
				FromAddress: f.FromAddress,
				ToAddress:   toAddresses,
			}

			result, err := s.queue.TraceFilter(groupCtx, query, chunk.End)
			if err != nil {
				return fmt.Errorf("trace_filter failed: %w", err)
			}

			mu.Lock()
			for _, trace := range result {
				if trace.Type != "call" {
					continue
				}
				if len(selectors) > 0 {
					if _, ok := selectors[trace.FunctionSelector()]; !ok {
						continue
					}
				}
				traces = append(traces, trace)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	// Receipts decide which traces survive: reverted transactions contribute
	// no events.
	receipts := make(map[common.Hash]*rpc.TransactionReceipt)
	for i := range traces {
		hash := traces[i].TransactionHash
		if _, seen := receipts[hash]; seen {
			continue
		}
		receipt, err := s.queue.TransactionReceipt(ctx, hash, uint64(traces[i].BlockNumber))
		if err != nil {
			return err
		}
		receipts[hash] = receipt
		if err := s.store.InsertTransactionReceipts(ctx, s.chainID, []rpc.TransactionReceipt{*receipt}); err != nil {
			return err
		}
	}

	byBlock := make(map[uint64][]rpc.CallTrace)
	for _, trace := range traces {
		if receipts[trace.TransactionHash].Reverted() {
			continue
		}
		byBlock[uint64(trace.BlockNumber)] = append(byBlock[uint64(trace.BlockNumber)], trace)
	}

	for number, blockTraces := range byBlock {
		block, err := cache.get(ctx, number)
		if err != nil {
			return err
		}
		if err := s.store.InsertCallTraces(ctx, s.chainID, uint64(block.Timestamp), blockTraces); err != nil {
			return err
		}
	}

	return nil
}

// resolveAddresses flattens an address source for request construction. For
// factories the defining logs are synced first, then the child set is read
// back; a set at the cap returns nil so the request falls back to
// server-side topic filtering only.
func (s *Sync) resolveAddresses(ctx context.Context, source filter.AddressSource, req interval.Interval) ([]common.Address, error) {
	switch src := source.(type) {
	case nil:
		return nil, nil
	case filter.AddressList:
		return src, nil
	case *filter.Factory:
		children, err := s.SyncAddress(ctx, src, req)
		if err != nil {
			return nil, err
		}
		if len(children) >= AddressFilterLimit {
			return nil, nil
		}
		return children, nil
	default:
		return nil, fmt.Errorf("unknown address source %T", source)
	}
}

// SyncAddress syncs the factory's defining logs over the interval and
// returns up to AddressFilterLimit child addresses resolved from the store.
func (s *Sync) SyncAddress(ctx context.Context, factory *filter.Factory, req interval.Interval) ([]common.Address, error) {
	if err := s.syncLogAddressFilter(ctx, factory, req); err != nil {
		return nil, err
	}
	return s.store.GetChildAddresses(ctx, factory, AddressFilterLimit)
}

// syncLogAddressFilter fetches and stores the logs that define a factory's
// child address set.
func (s *Sync) syncLogAddressFilter(ctx context.Context, factory *filter.Factory, req interval.Interval) error {
	cache := s.newBlockCache()
	defer cache.clear()

	query := rpc.LogFilterQuery{
		Address: factory.Address,
		Topics:  [][]common.Hash{{factory.EventSelector}},
	}

	logs, err := s.fetchLogs(ctx, query, req.Start, req.End)
	if err != nil {
		return fmt.Errorf("factory logs: %w", err)
	}

	return s.insertLogsWithBlocks(ctx, false, logs, cache)
}

// buildTopics trims trailing wildcard slots so the server-side filter is as
// tight as the filter allows.
func buildTopics(slots [4]filter.TopicSlot) [][]common.Hash {
	last := -1
	for i, slot := range slots {
		if len(slot) > 0 {
			last = i
		}
	}
	if last == -1 {
		return nil
	}

	topics := make([][]common.Hash, last+1)
	for i := 0; i <= last; i++ {
		topics[i] = slots[i]
	}
	return topics
}
