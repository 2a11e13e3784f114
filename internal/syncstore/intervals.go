package syncstore

import (
	"context"
	"fmt"

	"github.com/KONFeature/ponder/internal/filter"
	"github.com/KONFeature/ponder/internal/interval"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

// FragmentationError is fatal: a fragment's interval rows could not be merged
// below the configured cap, which means coverage tracking for it has
// degenerated beyond repair. The process must exit rather than risk skipping
// or re-syncing unbounded ranges.
type FragmentationError struct {
	FragmentID string
	Count      int
}

func (e *FragmentationError) Error() string {
	return fmt.Sprintf("sync store fragment %q holds %d intervals and cannot be merged further", e.FragmentID, e.Count)
}

type tablePair struct {
	filters   string
	intervals string
}

var fragmentTables = map[filter.FragmentKind]tablePair{
	filter.KindLog:          {"log_filters", "log_filter_intervals"},
	filter.KindFactoryLog:   {"factory_log_filters", "factory_log_filter_intervals"},
	filter.KindBlock:        {"block_filters", "block_filter_intervals"},
	filter.KindTrace:        {"trace_filters", "trace_filter_intervals"},
	filter.KindFactoryTrace: {"factory_trace_filters", "factory_trace_filter_intervals"},
}

var fragmentTablePairs = func() []tablePair {
	pairs := make([]tablePair, 0, len(fragmentTables))
	for _, pair := range fragmentTables {
		pairs = append(pairs, pair)
	}
	return pairs
}()

// insertFragmentRow records the fragment's distinguishing columns. Fragment
// rows are insert-once: conflicts are ignored.
func insertFragmentRow(tx *sqlx.Tx, frag *filter.Fragment) error {
	var query string
	var args []interface{}

	switch frag.Kind {
	case filter.KindLog:
		query = `INSERT INTO log_filters
			(id, chain_id, address, topic0, topic1, topic2, topic3, include_receipts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`
		args = []interface{}{frag.ID, frag.ChainID, hexPtr(frag.Address),
			hexPtr(frag.Topic0), hexPtr(frag.Topic1), hexPtr(frag.Topic2), hexPtr(frag.Topic3),
			frag.IncludeReceipts}

	case filter.KindFactoryLog:
		query = `INSERT INTO factory_log_filters
			(id, chain_id, address, event_selector, child_address_location,
			 topic0, topic1, topic2, topic3, include_receipts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`
		args = []interface{}{frag.ID, frag.ChainID,
			hexLower(frag.Factory.Address), hexLower(frag.Factory.EventSelector), frag.Factory.Location.String(),
			hexPtr(frag.Topic0), hexPtr(frag.Topic1), hexPtr(frag.Topic2), hexPtr(frag.Topic3),
			frag.IncludeReceipts}

	case filter.KindBlock:
		query = `INSERT INTO block_filters (id, chain_id, interval, block_offset)
			VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`
		args = []interface{}{frag.ID, frag.ChainID, frag.Interval, frag.Offset}

	case filter.KindTrace:
		query = `INSERT INTO trace_filters (id, chain_id, from_address, to_address, selector)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`
		args = []interface{}{frag.ID, frag.ChainID, hexPtr(frag.FromAddress), hexPtr(frag.ToAddress), frag.Selector}

	case filter.KindFactoryTrace:
		query = `INSERT INTO factory_trace_filters
			(id, chain_id, address, event_selector, child_address_location, from_address, selector)
			VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`
		args = []interface{}{frag.ID, frag.ChainID,
			hexLower(frag.Factory.Address), hexLower(frag.Factory.EventSelector), frag.Factory.Location.String(),
			hexPtr(frag.FromAddress), frag.Selector}

	default:
		return fmt.Errorf("unknown fragment kind %q", frag.Kind)
	}

	if _, err := tx.Exec(tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to insert fragment %s: %w", frag.ID, err)
	}
	return nil
}

func hexPtr[T interface{ Hex() string }](v *T) interface{} {
	if v == nil {
		return nil
	}
	return hexLower(*v)
}

// InsertInterval records that [iv.Start, iv.End] has been synced for every
// fragment of the filter. After return the interval is contained in the union
// of each fragment's stored rows, with overlap and adjacency merged.
//
// The merge runs per fragment in one transaction: delete up to maxIntervals
// rows, recompute the union over the deleted set plus the new interval,
// reinsert. A full batch of deletions triggers another pass; if the merged
// set itself reaches maxIntervals the fragment is unrecoverably fragmented
// and the operation fails with a FragmentationError.
func (s *Store) InsertInterval(ctx context.Context, f filter.Filter, iv interval.Interval) error {
	for _, frag := range f.Fragments() {
		frag := frag
		err := s.withTx(ctx, func(tx *sqlx.Tx) error {
			if err := insertFragmentRow(tx, &frag); err != nil {
				return err
			}
			return s.mergeInterval(tx, &frag, iv)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) mergeInterval(tx *sqlx.Tx, frag *filter.Fragment, iv interval.Interval) error {
	tables := fragmentTables[frag.Kind]
	pending := []interval.Interval{iv}

	for {
		var rows []*intervalRow
		query := fmt.Sprintf(`SELECT * FROM %s WHERE filter_id = ? LIMIT %d`, tables.intervals, s.maxIntervals)
		if err := meddler.QueryAll(tx.Tx, &rows, tx.Rebind(query), frag.ID); err != nil {
			return fmt.Errorf("failed to query intervals: %w", err)
		}

		for _, row := range rows {
			if _, err := tx.Exec(tx.Rebind(
				fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, tables.intervals)), row.ID); err != nil {
				return fmt.Errorf("failed to delete interval: %w", err)
			}
			pending = append(pending, interval.Interval{Start: row.StartBlock, End: row.EndBlock})
		}

		merged := interval.Union(pending)
		if len(merged) >= s.maxIntervals {
			return &FragmentationError{FragmentID: frag.ID, Count: len(merged)}
		}

		for _, m := range merged {
			row := &intervalRow{FilterID: frag.ID, StartBlock: m.Start, EndBlock: m.End}
			if err := meddler.Insert(tx.Tx, tables.intervals, row); err != nil {
				return fmt.Errorf("failed to insert interval: %w", err)
			}
		}

		if len(rows) < s.maxIntervals {
			return nil
		}
		// A full batch was deleted: more rows may remain for this fragment.
		// The merged set is stored; the next pass re-reads and re-merges.
		pending = pending[:0]
	}
}

// GetIntervals returns the block ranges covered for the filter as a whole:
// the intersection, across the filter's fragments, of the union of each
// fragment's stored intervals.
func (s *Store) GetIntervals(ctx context.Context, f filter.Filter) ([]interval.Interval, error) {
	fragments := f.Fragments()
	sets := make([][]interval.Interval, 0, len(fragments))

	for _, frag := range fragments {
		tables := fragmentTables[frag.Kind]

		var rows []*intervalRow
		query := fmt.Sprintf(`SELECT * FROM %s WHERE filter_id = ?`, tables.intervals)
		if err := meddler.QueryAll(s.conn.DB, &rows, s.conn.Rebind(query), frag.ID); err != nil {
			return nil, fmt.Errorf("failed to query intervals: %w", err)
		}

		set := make([]interval.Interval, 0, len(rows))
		for _, row := range rows {
			set = append(set, interval.Interval{Start: row.StartBlock, End: row.EndBlock})
		}
		sets = append(sets, interval.Union(set))
	}

	return interval.IntersectionMany(sets), nil
}
