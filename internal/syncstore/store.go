// Package syncstore is the persistent, deduplicated raw-data store of the
// sync engine: blocks, transactions, receipts, logs, call traces, memoized
// RPC responses, and the interval index recording which block ranges have
// been synced per filter fragment.
package syncstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/KONFeature/ponder/internal/db"
	"github.com/KONFeature/ponder/internal/filter"
	"github.com/KONFeature/ponder/internal/logger"
	"github.com/KONFeature/ponder/internal/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

// Store is the raw sync store. All methods are safe for concurrent use; the
// underlying engine serializes writers.
type Store struct {
	conn         *sqlx.DB
	engine       db.Engine
	log          *logger.Logger
	maxIntervals int
}

// New creates a Store on an opened, migrated database.
func New(conn *sqlx.DB, engine db.Engine, log *logger.Logger, maxIntervals int) *Store {
	if maxIntervals <= 0 {
		maxIntervals = 1000
	}
	return &Store{
		conn:         conn,
		engine:       engine,
		log:          log,
		maxIntervals: maxIntervals,
	}
}

// DB exposes the underlying connection for collaborating stores.
func (s *Store) DB() *sqlx.DB { return s.conn }

// engineQuery picks the engine-specific form of a query snippet.
func (s *Store) engineQuery(queries map[db.Engine]string) string {
	return queries[s.engine]
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InsertBlock upserts a block header.
func (s *Store) InsertBlock(ctx context.Context, chainID uint64, block *rpc.Block) error {
	row := newBlockRow(chainID, block)

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(tx.Rebind(
			`DELETE FROM blocks WHERE chain_id = ? AND hash = ?`),
			chainID, hexLower(row.Hash)); err != nil {
			return fmt.Errorf("failed to replace block: %w", err)
		}
		if err := meddler.Insert(tx.Tx, "blocks", row); err != nil {
			return fmt.Errorf("failed to insert block %d: %w", row.Number, err)
		}
		return nil
	})
}

// InsertTransactions upserts transactions on their natural key.
func (s *Store) InsertTransactions(ctx context.Context, chainID uint64, txs []rpc.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for i := range txs {
			row := newTransactionRow(chainID, &txs[i])
			if _, err := tx.Exec(tx.Rebind(
				`DELETE FROM transactions WHERE chain_id = ? AND hash = ?`),
				chainID, hexLower(row.Hash)); err != nil {
				return fmt.Errorf("failed to replace transaction: %w", err)
			}
			if err := meddler.Insert(tx.Tx, "transactions", row); err != nil {
				return fmt.Errorf("failed to insert transaction %s: %w", row.Hash.Hex(), err)
			}
		}
		return nil
	})
}

// InsertTransactionReceipts upserts receipts on their natural key.
func (s *Store) InsertTransactionReceipts(ctx context.Context, chainID uint64, receipts []rpc.TransactionReceipt) error {
	if len(receipts) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for i := range receipts {
			row := newTransactionReceiptRow(chainID, &receipts[i])
			if _, err := tx.Exec(tx.Rebind(
				`DELETE FROM transaction_receipts WHERE chain_id = ? AND transaction_hash = ?`),
				chainID, hexLower(row.TransactionHash)); err != nil {
				return fmt.Errorf("failed to replace receipt: %w", err)
			}
			if err := meddler.Insert(tx.Tx, "transaction_receipts", row); err != nil {
				return fmt.Errorf("failed to insert receipt %s: %w", row.TransactionHash.Hex(), err)
			}
		}
		return nil
	})
}

// InsertLogs upserts logs of a single block; the checkpoint column is
// rewritten on conflict.
func (s *Store) InsertLogs(ctx context.Context, chainID, blockTimestamp uint64, logs []rpc.Log) error {
	if len(logs) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for i := range logs {
			row := newLogRow(chainID, blockTimestamp, &logs[i])
			if _, err := tx.Exec(tx.Rebind(`DELETE FROM logs WHERE id = ?`), row.ID); err != nil {
				return fmt.Errorf("failed to replace log: %w", err)
			}
			if err := meddler.Insert(tx.Tx, "logs", row); err != nil {
				return fmt.Errorf("failed to insert log %s: %w", row.ID, err)
			}
		}
		return nil
	})
}

// InsertCallTraces upserts the call traces of a single block. Traces are
// grouped per transaction and deleted-then-reinserted so that the checkpoint
// column reflects each trace's position in the sorted traceAddress order.
func (s *Store) InsertCallTraces(ctx context.Context, chainID, blockTimestamp uint64, traces []rpc.CallTrace) error {
	if len(traces) == 0 {
		return nil
	}

	byTx := make(map[common.Hash][]*rpc.CallTrace)
	var order []common.Hash
	for i := range traces {
		hash := traces[i].TransactionHash
		if _, seen := byTx[hash]; !seen {
			order = append(order, hash)
		}
		byTx[hash] = append(byTx[hash], &traces[i])
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, hash := range order {
			group := byTx[hash]
			sort.Slice(group, func(a, b int) bool {
				return compareTraceAddress(group[a].TraceAddress, group[b].TraceAddress) < 0
			})

			if _, err := tx.Exec(tx.Rebind(
				`DELETE FROM call_traces WHERE chain_id = ? AND transaction_hash = ?`),
				chainID, hexLower(hash)); err != nil {
				return fmt.Errorf("failed to replace call traces: %w", err)
			}

			for i, trace := range group {
				row := newCallTraceRow(chainID, blockTimestamp, trace, uint64(i))
				if err := meddler.Insert(tx.Tx, "call_traces", row); err != nil {
					return fmt.Errorf("failed to insert call trace %s: %w", row.ID, err)
				}
			}
		}
		return nil
	})
}

func compareTraceAddress(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// HasBlock reports whether the block is stored.
func (s *Store) HasBlock(ctx context.Context, chainID uint64, hash common.Hash) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM blocks WHERE chain_id = ? AND hash = ?`, chainID, hexLower(hash))
}

// HasTransaction reports whether the transaction is stored.
func (s *Store) HasTransaction(ctx context.Context, chainID uint64, hash common.Hash) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM transactions WHERE chain_id = ? AND hash = ?`, chainID, hexLower(hash))
}

// HasTransactionReceipt reports whether the receipt is stored.
func (s *Store) HasTransactionReceipt(ctx context.Context, chainID uint64, hash common.Hash) (bool, error) {
	return s.exists(ctx,
		`SELECT 1 FROM transaction_receipts WHERE chain_id = ? AND transaction_hash = ?`, chainID, hexLower(hash))
}

func (s *Store) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var one int
	err := s.conn.QueryRowxContext(ctx, s.conn.Rebind(query), args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetChildAddresses reads the historical logs matching the factory's
// (address, eventSelector) and decodes up to limit child addresses, in chain
// order of the source logs. Duplicates are dropped, first occurrence wins.
func (s *Store) GetChildAddresses(ctx context.Context, factory *filter.Factory, limit int) ([]common.Address, error) {
	var rows []*LogRow
	err := meddler.QueryAll(s.conn.DB, &rows, s.conn.Rebind(`
		SELECT * FROM logs
		WHERE chain_id = ? AND address = ? AND topic0 = ?
		ORDER BY block_number ASC, log_index ASC`),
		factory.ChainID, hexLower(factory.Address), hexLower(factory.EventSelector))
	if err != nil {
		return nil, fmt.Errorf("failed to query factory logs: %w", err)
	}

	seen := make(map[common.Address]struct{})
	var addresses []common.Address
	for _, row := range rows {
		child, ok := factory.DecodeChildAddress(row.Topics(), common.FromHex(row.Data))
		if !ok {
			continue
		}
		if _, dup := seen[child]; dup {
			continue
		}
		seen[child] = struct{}{}
		addresses = append(addresses, child)
		if limit > 0 && len(addresses) >= limit {
			break
		}
	}

	return addresses, nil
}

// FilterChildAddresses returns the subset of candidates that appear as child
// addresses of the factory.
func (s *Store) FilterChildAddresses(ctx context.Context, factory *filter.Factory, candidates []common.Address) (map[common.Address]struct{}, error) {
	children, err := s.GetChildAddresses(ctx, factory, 0)
	if err != nil {
		return nil, err
	}

	childSet := make(map[common.Address]struct{}, len(children))
	for _, child := range children {
		childSet[child] = struct{}{}
	}

	matched := make(map[common.Address]struct{})
	for _, candidate := range candidates {
		if _, ok := childSet[candidate]; ok {
			matched[candidate] = struct{}{}
		}
	}

	return matched, nil
}

// InsertRpcRequestResult memoizes an RPC response.
func (s *Store) InsertRpcRequestResult(ctx context.Context, request string, chainID, blockNumber uint64, result string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(tx.Rebind(
			`DELETE FROM rpc_request_results WHERE request = ? AND chain_id = ? AND block_number = ?`),
			request, chainID, db.EncodeBlockNum(blockNumber)); err != nil {
			return fmt.Errorf("failed to replace rpc result: %w", err)
		}
		row := &rpcRequestRow{Request: request, ChainID: chainID, BlockNumber: blockNumber, Result: result}
		if err := meddler.Insert(tx.Tx, "rpc_request_results", row); err != nil {
			return fmt.Errorf("failed to insert rpc result: %w", err)
		}
		return nil
	})
}

// GetRpcRequestResult looks up a memoized RPC response.
func (s *Store) GetRpcRequestResult(ctx context.Context, request string, chainID, blockNumber uint64) (string, bool, error) {
	var result string
	err := s.conn.QueryRowxContext(ctx, s.conn.Rebind(
		`SELECT result FROM rpc_request_results WHERE request = ? AND chain_id = ? AND block_number = ?`),
		request, chainID, db.EncodeBlockNum(blockNumber)).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return result, true, nil
}

// PruneByBlock deletes all raw rows above fromBlock. Intervals are untouched;
// it serves the targeted rollback of unfinalized data during a reorg, where
// the rolled-back heights are re-covered immediately.
func (s *Store) PruneByBlock(ctx context.Context, chainID, fromBlock uint64) error {
	bound := db.EncodeBlockNum(fromBlock)

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		statements := []string{
			`DELETE FROM blocks WHERE chain_id = ? AND number > ?`,
			`DELETE FROM transactions WHERE chain_id = ? AND block_number > ?`,
			`DELETE FROM transaction_receipts WHERE chain_id = ? AND block_number > ?`,
			`DELETE FROM logs WHERE chain_id = ? AND block_number > ?`,
			`DELETE FROM call_traces WHERE chain_id = ? AND block_number > ?`,
			`DELETE FROM rpc_request_results WHERE chain_id = ? AND block_number > ?`,
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(tx.Rebind(stmt), chainID, bound); err != nil {
				return fmt.Errorf("failed to prune by block: %w", err)
			}
		}
		return nil
	})
}

// PruneByChain removes every trace of the chain at or above fromBlock: raw
// rows are deleted and interval-index coverage is truncated so no stored
// range extends to fromBlock or beyond.
func (s *Store) PruneByChain(ctx context.Context, chainID, fromBlock uint64) error {
	bound := db.EncodeBlockNum(fromBlock)

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		statements := []string{
			`DELETE FROM blocks WHERE chain_id = ? AND number >= ?`,
			`DELETE FROM transactions WHERE chain_id = ? AND block_number >= ?`,
			`DELETE FROM transaction_receipts WHERE chain_id = ? AND block_number >= ?`,
			`DELETE FROM logs WHERE chain_id = ? AND block_number >= ?`,
			`DELETE FROM call_traces WHERE chain_id = ? AND block_number >= ?`,
			`DELETE FROM rpc_request_results WHERE chain_id = ? AND block_number >= ?`,
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(tx.Rebind(stmt), chainID, bound); err != nil {
				return fmt.Errorf("failed to prune by chain: %w", err)
			}
		}

		for _, pair := range fragmentTablePairs {
			deleteStmt := fmt.Sprintf(`
				DELETE FROM %s
				WHERE start_block >= ?
				AND filter_id IN (SELECT id FROM %s WHERE chain_id = ?)`,
				pair.intervals, pair.filters)
			if _, err := tx.Exec(tx.Rebind(deleteStmt), bound, chainID); err != nil {
				return fmt.Errorf("failed to prune intervals: %w", err)
			}

			clipStmt := fmt.Sprintf(`
				UPDATE %s SET end_block = ?
				WHERE start_block < ? AND end_block >= ?
				AND filter_id IN (SELECT id FROM %s WHERE chain_id = ?)`,
				pair.intervals, pair.filters)
			if fromBlock == 0 {
				continue
			}
			if _, err := tx.Exec(tx.Rebind(clipStmt),
				db.EncodeBlockNum(fromBlock-1), bound, bound, chainID); err != nil {
				return fmt.Errorf("failed to clip intervals: %w", err)
			}
		}

		return nil
	})
}

func hexLower(v interface{ Hex() string }) string {
	h := v.Hex()
	// common.Address.Hex is checksum-cased; columns store lowercase.
	b := []byte(h)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'F' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
