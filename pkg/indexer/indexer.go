// Package indexer declares the contract the sync engine consumes from the
// downstream indexing pipeline. The engine calls these interfaces; it does
// not implement them.
package indexer

import (
	"context"

	"github.com/KONFeature/ponder/internal/checkpoint"
	"github.com/KONFeature/ponder/internal/filter"
	"github.com/KONFeature/ponder/internal/syncstore"
)

// Status is the outcome of a pipeline call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusKilled  Status = "killed"
)

// Result carries a pipeline call's outcome; Error is set when Status is
// StatusError.
type Result struct {
	Status Status
	Error  error
}

// Service is the indexing-function runtime that consumes the engine's
// ordered event stream.
type Service interface {
	// ProcessSetupEvents runs the pipeline's per-source setup handlers.
	ProcessSetupEvents(ctx context.Context, sources []filter.Filter, chainIDs []uint64) Result

	// ProcessEvents dispatches a checkpoint-ordered batch of events.
	ProcessEvents(ctx context.Context, events []syncstore.Event) Result

	// UpdateTotalSeconds publishes sync progress derived from the given
	// checkpoint.
	UpdateTotalSeconds(cp checkpoint.Checkpoint)

	// UpdateIndexingStore swaps the store the pipeline writes through.
	UpdateIndexingStore(store IndexingStore)

	// Kill stops the pipeline.
	Kill()
}

// Mode discriminates the two interchangeable indexing-store behaviors.
type Mode string

const (
	// ModeHistorical buffers writes until Flush.
	ModeHistorical Mode = "historical"

	// ModeRealtime wraps each block's writes in a transaction keyed by
	// checkpoint so Revert can roll them back atomically.
	ModeRealtime Mode = "realtime"
)

// IndexingStore is the user-table write path the pipeline uses.
type IndexingStore interface {
	Mode() Mode

	// Flush writes buffered historical data; fullFlush forces everything out.
	Flush(ctx context.Context, fullFlush bool) error

	// Revert atomically rolls back every write above the checkpoint.
	Revert(ctx context.Context, cp checkpoint.Checkpoint) error

	// CreateIndexes builds the user-table indexes after historical load.
	CreateIndexes(ctx context.Context) error
}
