package historical

import (
	"context"
	"sync"

	"github.com/KONFeature/ponder/internal/rpc"
)

// blockCache coalesces concurrent requests for the same block within one
// Sync invocation. The first caller fetches and persists the block (with its
// transactions); everyone else waits for that result. Cleared when the sync
// call returns.
type blockCache struct {
	sync *Sync

	mu      sync.Mutex
	entries map[uint64]*blockEntry
}

type blockEntry struct {
	ready chan struct{}
	block *rpc.Block
	err   error
}

func (s *Sync) newBlockCache() *blockCache {
	return &blockCache{
		sync:    s,
		entries: make(map[uint64]*blockEntry),
	}
}

func (c *blockCache) get(ctx context.Context, number uint64) (*rpc.Block, error) {
	c.mu.Lock()
	entry, ok := c.entries[number]
	if ok {
		c.mu.Unlock()
		select {
		case <-entry.ready:
			return entry.block, entry.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	entry = &blockEntry{ready: make(chan struct{})}
	c.entries[number] = entry
	c.mu.Unlock()

	entry.block, entry.err = c.fetch(ctx, number)
	close(entry.ready)
	return entry.block, entry.err
}

func (c *blockCache) fetch(ctx context.Context, number uint64) (*rpc.Block, error) {
	block, err := c.sync.queue.BlockByNumber(ctx, number, true)
	if err != nil {
		return nil, err
	}

	if err := c.sync.store.InsertBlock(ctx, c.sync.chainID, block); err != nil {
		return nil, err
	}
	if err := c.sync.store.InsertTransactions(ctx, c.sync.chainID, block.Transactions); err != nil {
		return nil, err
	}

	c.sync.observeBlock(block)
	return block, nil
}

func (c *blockCache) clear() {
	c.mu.Lock()
	c.entries = make(map[uint64]*blockEntry)
	c.mu.Unlock()
}
