package main

import (
	"context"

	"github.com/KONFeature/ponder/internal/checkpoint"
	"github.com/KONFeature/ponder/internal/filter"
	"github.com/KONFeature/ponder/internal/logger"
	"github.com/KONFeature/ponder/internal/syncstore"
	"github.com/KONFeature/ponder/pkg/indexer"
)

// sinkPipeline is the stand-in indexing pipeline used when the binary runs
// without a handler runtime attached: it counts and logs the ordered event
// stream. Embedders replace it through supervisor.Options.
type sinkPipeline struct {
	log    *logger.Logger
	events uint64
}

func newSinkPipeline(log *logger.Logger) *sinkPipeline {
	return &sinkPipeline{log: log}
}

func (p *sinkPipeline) ProcessSetupEvents(ctx context.Context, sources []filter.Filter, chainIDs []uint64) indexer.Result {
	p.log.Infof("pipeline setup: %d sources on %d chains", len(sources), len(chainIDs))
	return indexer.Result{Status: indexer.StatusSuccess}
}

func (p *sinkPipeline) ProcessEvents(ctx context.Context, events []syncstore.Event) indexer.Result {
	p.events += uint64(len(events))
	p.log.Debugf("processed %d events (%d total)", len(events), p.events)
	return indexer.Result{Status: indexer.StatusSuccess}
}

func (p *sinkPipeline) UpdateTotalSeconds(cp checkpoint.Checkpoint) {}

func (p *sinkPipeline) UpdateIndexingStore(store indexer.IndexingStore) {
	p.log.Info("indexing store switched to realtime mode")
}

func (p *sinkPipeline) Kill() {}

// sinkStore is the matching no-op indexing store.
type sinkStore struct{}

func (sinkStore) Mode() indexer.Mode { return indexer.ModeHistorical }

func (sinkStore) Flush(ctx context.Context, fullFlush bool) error { return nil }

func (sinkStore) Revert(ctx context.Context, cp checkpoint.Checkpoint) error { return nil }

func (sinkStore) CreateIndexes(ctx context.Context) error { return nil }
