package syncstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/KONFeature/ponder/internal/checkpoint"
	"github.com/KONFeature/ponder/internal/db"
	"github.com/KONFeature/ponder/internal/filter"
	"github.com/russross/meddler"
)

// Event is one decoded entry of the unified, checkpoint-ordered stream. The
// payload fields present depend on the event kind: block events carry only
// Block; log events carry Block, Transaction, Log and (when the source filter
// asked for receipts) TransactionReceipt; call-trace events carry Block,
// Transaction and Trace.
type Event struct {
	FilterIndex int
	Checkpoint  checkpoint.Checkpoint
	ChainID     uint64

	Block              *BlockRow
	Transaction        *TransactionRow
	TransactionReceipt *TransactionReceiptRow
	Log                *LogRow
	Trace              *CallTraceRow
}

// eventKey is the projection every per-filter sub-query produces.
type eventKey struct {
	FilterIndex     int     `db:"filter_index"`
	Checkpoint      string  `db:"checkpoint"`
	ChainID         uint64  `db:"chain_id"`
	BlockHash       string  `db:"block_hash"`
	TransactionHash *string `db:"transaction_hash"`
	LogID           *string `db:"log_id"`
	CallTraceID     *string `db:"call_trace_id"`
}

// GetEvents returns events with from < checkpoint <= to, ordered by
// (checkpoint asc, filterIndex asc), at most limit of them. The returned
// cursor is `to` when the batch was not full, otherwise the checkpoint of the
// last returned event.
func (s *Store) GetEvents(
	ctx context.Context,
	filters []filter.Filter,
	from, to checkpoint.Checkpoint,
	limit int,
) ([]Event, checkpoint.Checkpoint, error) {
	if len(filters) == 0 || limit <= 0 {
		return nil, to, nil
	}

	var subqueries []string
	var args []interface{}

	for i, f := range filters {
		sub, subArgs, err := s.eventSubquery(i, f)
		if err != nil {
			return nil, checkpoint.Checkpoint{}, err
		}
		subqueries = append(subqueries, sub)
		args = append(args, subArgs...)
	}

	query := fmt.Sprintf(`
		SELECT filter_index, checkpoint, chain_id, block_hash, transaction_hash, log_id, call_trace_id
		FROM (%s) AS events
		WHERE checkpoint > ? AND checkpoint <= ?
		ORDER BY checkpoint ASC, filter_index ASC
		LIMIT %d`,
		strings.Join(subqueries, " UNION ALL "), limit)
	args = append(args, from.Encode(), to.Encode())

	var keys []eventKey
	if err := s.conn.SelectContext(ctx, &keys, s.conn.Rebind(query), args...); err != nil {
		return nil, checkpoint.Checkpoint{}, fmt.Errorf("failed to query events: %w", err)
	}

	events, err := s.assembleEvents(ctx, filters, keys)
	if err != nil {
		return nil, checkpoint.Checkpoint{}, err
	}

	cursor := to
	if len(events) == limit {
		cursor = events[len(events)-1].Checkpoint
	}
	return events, cursor, nil
}

// eventSubquery builds the per-filter SELECT over the appropriate raw table,
// projected to the unified event shape.
func (s *Store) eventSubquery(index int, f filter.Filter) (string, []interface{}, error) {
	switch f := f.(type) {
	case *filter.LogFilter:
		return s.logSubquery(index, f)
	case *filter.BlockFilter:
		return s.blockSubquery(index, f)
	case *filter.TraceFilter:
		return s.traceSubquery(index, f)
	default:
		return "", nil, fmt.Errorf("unknown filter type %T", f)
	}
}

func (s *Store) logSubquery(index int, f *filter.LogFilter) (string, []interface{}, error) {
	var conds []string
	var args []interface{}

	conds = append(conds, "chain_id = ?")
	args = append(args, f.ChainID)

	addrCond, addrArgs, err := s.addressCondition("address", f.Address, f.ChainID)
	if err != nil {
		return "", nil, err
	}
	if addrCond != "" {
		conds = append(conds, addrCond)
		args = append(args, addrArgs...)
	}

	topicColumns := []string{"topic0", "topic1", "topic2", "topic3"}
	for slot, column := range topicColumns {
		values := f.Topics[slot]
		if len(values) == 0 {
			continue
		}
		cond, _ := inCondition(column, len(values))
		conds = append(conds, cond)
		for _, v := range values {
			args = append(args, hexLower(v))
		}
	}

	conds = append(conds, "block_number >= ?")
	args = append(args, db.EncodeBlockNum(f.FromBlock))
	if f.ToBlock != nil {
		conds = append(conds, "block_number <= ?")
		args = append(args, db.EncodeBlockNum(*f.ToBlock))
	}

	query := fmt.Sprintf(`
		SELECT %d AS filter_index, checkpoint, chain_id, block_hash, transaction_hash,
		       id AS log_id, NULL AS call_trace_id
		FROM logs WHERE %s`,
		index, strings.Join(conds, " AND "))
	return query, args, nil
}

func (s *Store) blockSubquery(index int, f *filter.BlockFilter) (string, []interface{}, error) {
	if f.Interval == 0 {
		return "", nil, fmt.Errorf("block filter interval must be positive")
	}

	modulo := s.engineQuery(map[db.Engine]string{
		db.EngineSQLite:   "CAST(number AS INTEGER) % ? = ?",
		db.EnginePostgres: "mod(number, ?) = ?",
	})

	conds := []string{"chain_id = ?", modulo, "number >= ?"}
	args := []interface{}{f.ChainID, f.Interval, f.Offset % f.Interval, db.EncodeBlockNum(f.FromBlock)}
	if f.ToBlock != nil {
		conds = append(conds, "number <= ?")
		args = append(args, db.EncodeBlockNum(*f.ToBlock))
	}

	query := fmt.Sprintf(`
		SELECT %d AS filter_index, checkpoint, chain_id, hash AS block_hash,
		       NULL AS transaction_hash, NULL AS log_id, NULL AS call_trace_id
		FROM blocks WHERE %s`,
		index, strings.Join(conds, " AND "))
	return query, args, nil
}

func (s *Store) traceSubquery(index int, f *filter.TraceFilter) (string, []interface{}, error) {
	var conds []string
	var args []interface{}

	conds = append(conds, "chain_id = ?")
	args = append(args, f.ChainID)

	if len(f.FromAddress) > 0 {
		cond, _ := inCondition("from_address", len(f.FromAddress))
		conds = append(conds, cond)
		for _, addr := range f.FromAddress {
			args = append(args, hexLower(addr))
		}
	}

	toCond, toArgs, err := s.addressCondition("to_address", f.ToAddress, f.ChainID)
	if err != nil {
		return "", nil, err
	}
	if toCond != "" {
		conds = append(conds, toCond)
		args = append(args, toArgs...)
	}

	if len(f.FunctionSelectors) > 0 {
		cond, _ := inCondition("substr(input, 1, 10)", len(f.FunctionSelectors))
		conds = append(conds, cond)
		for _, selector := range f.FunctionSelectors {
			args = append(args, strings.ToLower(selector))
		}
	}

	conds = append(conds, "block_number >= ?")
	args = append(args, db.EncodeBlockNum(f.FromBlock))
	if f.ToBlock != nil {
		conds = append(conds, "block_number <= ?")
		args = append(args, db.EncodeBlockNum(*f.ToBlock))
	}

	query := fmt.Sprintf(`
		SELECT %d AS filter_index, checkpoint, chain_id, block_hash, transaction_hash,
		       NULL AS log_id, id AS call_trace_id
		FROM call_traces WHERE %s`,
		index, strings.Join(conds, " AND "))
	return query, args, nil
}

// addressCondition renders an address column restriction. Factories become an
// IN over the logs table that decodes child addresses at the configured
// location; enumerated lists become a plain IN.
func (s *Store) addressCondition(column string, source filter.AddressSource, chainID uint64) (string, []interface{}, error) {
	switch src := source.(type) {
	case nil:
		return "", nil, nil

	case filter.AddressList:
		if len(src) == 0 {
			return "", nil, nil
		}
		cond, _ := inCondition(column, len(src))
		args := make([]interface{}, len(src))
		for i, addr := range src {
			args[i] = hexLower(addr)
		}
		return cond, args, nil

	case *filter.Factory:
		expr, err := childAddressExpr(src.Location)
		if err != nil {
			return "", nil, err
		}
		cond := fmt.Sprintf(`%s IN (
			SELECT %s FROM logs
			WHERE chain_id = ? AND address = ? AND topic0 = ?)`, column, expr)
		return cond, []interface{}{chainID, hexLower(src.Address), hexLower(src.EventSelector)}, nil

	default:
		return "", nil, fmt.Errorf("unknown address source %T", source)
	}
}

// childAddressExpr is the SQL expression extracting the child address hex
// from a factory log row. Topics are 0x-prefixed 32-byte words: the address
// is the last 40 hex chars. Data offsets select the word at the byte offset.
func childAddressExpr(location filter.ChildAddressLocation) (string, error) {
	if location.Topic > 0 {
		return fmt.Sprintf("'0x' || substr(topic%d, 27, 40)", location.Topic), nil
	}
	if location.Offset%32 != 0 {
		return "", fmt.Errorf("child address data offset must be a multiple of 32, got %d", location.Offset)
	}
	// 0x prefix (2 chars) + offset bytes (2 chars each) + 12 padding bytes,
	// then substr is 1-indexed.
	start := 2 + 2*location.Offset + 24 + 1
	return fmt.Sprintf("'0x' || substr(data, %d, 40)", start), nil
}

func inCondition(column string, n int) (string, []interface{}) {
	placeholders := strings.TrimRight(strings.Repeat("?,", n), ",")
	return fmt.Sprintf("%s IN (%s)", column, placeholders), make([]interface{}, 0, n)
}

// assembleEvents joins the unified keys back to the raw tables and builds the
// decoded payloads, preserving order.
func (s *Store) assembleEvents(ctx context.Context, filters []filter.Filter, keys []eventKey) ([]Event, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	type chainHash struct {
		chainID uint64
		hash    string
	}

	hashesOf := func(m map[chainHash]struct{}) []string {
		out := make([]string, 0, len(m))
		for k := range m {
			out = append(out, k.hash)
		}
		return out
	}

	blockKeys := make(map[chainHash]struct{})
	txKeys := make(map[chainHash]struct{})
	receiptKeys := make(map[chainHash]struct{})
	logIDs := make(map[string]struct{})
	traceIDs := make(map[string]struct{})

	for _, key := range keys {
		blockKeys[chainHash{key.ChainID, key.BlockHash}] = struct{}{}
		if key.TransactionHash != nil {
			txKeys[chainHash{key.ChainID, *key.TransactionHash}] = struct{}{}
			if key.LogID != nil && wantsReceipts(filters, key.FilterIndex) {
				receiptKeys[chainHash{key.ChainID, *key.TransactionHash}] = struct{}{}
			}
		}
		if key.LogID != nil {
			logIDs[*key.LogID] = struct{}{}
		}
		if key.CallTraceID != nil {
			traceIDs[*key.CallTraceID] = struct{}{}
		}
	}

	blocks := make(map[chainHash]*BlockRow)
	if err := loadRows(ctx, s, "blocks", "hash", hashesOf(blockKeys), func(row *BlockRow) {
		blocks[chainHash{row.ChainID, hexLower(row.Hash)}] = row
	}); err != nil {
		return nil, err
	}

	transactions := make(map[chainHash]*TransactionRow)
	if err := loadRows(ctx, s, "transactions", "hash", hashesOf(txKeys), func(row *TransactionRow) {
		transactions[chainHash{row.ChainID, hexLower(row.Hash)}] = row
	}); err != nil {
		return nil, err
	}

	receipts := make(map[chainHash]*TransactionReceiptRow)
	if err := loadRows(ctx, s, "transaction_receipts", "transaction_hash", hashesOf(receiptKeys),
		func(row *TransactionReceiptRow) {
			receipts[chainHash{row.ChainID, hexLower(row.TransactionHash)}] = row
		}); err != nil {
		return nil, err
	}

	logs := make(map[string]*LogRow)
	if err := loadRows(ctx, s, "logs", "id", setToSlice(logIDs), func(row *LogRow) {
		logs[row.ID] = row
	}); err != nil {
		return nil, err
	}

	traces := make(map[string]*CallTraceRow)
	if err := loadRows(ctx, s, "call_traces", "id", setToSlice(traceIDs), func(row *CallTraceRow) {
		traces[row.ID] = row
	}); err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(keys))
	for _, key := range keys {
		cp, err := checkpoint.Decode(key.Checkpoint)
		if err != nil {
			return nil, fmt.Errorf("stored event has invalid checkpoint: %w", err)
		}

		event := Event{
			FilterIndex: key.FilterIndex,
			Checkpoint:  cp,
			ChainID:     key.ChainID,
			Block:       blocks[chainHash{key.ChainID, key.BlockHash}],
		}
		if key.TransactionHash != nil {
			event.Transaction = transactions[chainHash{key.ChainID, *key.TransactionHash}]
			event.TransactionReceipt = receipts[chainHash{key.ChainID, *key.TransactionHash}]
		}
		if key.LogID != nil {
			event.Log = logs[*key.LogID]
		}
		if key.CallTraceID != nil {
			event.Trace = traces[*key.CallTraceID]
		}
		events = append(events, event)
	}

	return events, nil
}

func wantsReceipts(filters []filter.Filter, index int) bool {
	if index < 0 || index >= len(filters) {
		return false
	}
	logFilter, ok := filters[index].(*filter.LogFilter)
	return ok && logFilter.IncludeReceipts
}

func setToSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// loadRows fetches full rows whose key column is in keys and hands each to
// collect.
func loadRows[T any](ctx context.Context, s *Store, table, keyColumn string, keys []string, collect func(*T)) error {
	if len(keys) == 0 {
		return nil
	}

	cond, _ := inCondition(keyColumn, len(keys))
	args := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		args = append(args, key)
	}

	var rows []*T
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s`, table, cond)
	if err := meddler.QueryAll(s.conn.DB, &rows, s.conn.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to load %s: %w", table, err)
	}

	for _, row := range rows {
		collect(row)
	}
	return nil
}
