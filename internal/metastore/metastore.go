// Package metastore persists the indexer's publicly observable status in the
// _ponder_meta key/value table.
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/KONFeature/ponder/internal/logger"
	"github.com/jmoiron/sqlx"
)

const statusKey = "status"

// ChainStatus is the published sync state of one chain.
type ChainStatus struct {
	Block struct {
		Number    uint64 `json:"number"`
		Timestamp uint64 `json:"timestamp"`
	} `json:"block"`
	Ready bool `json:"ready"`
}

// Status maps chain ids to their published state.
type Status map[uint64]ChainStatus

// MarshalJSON encodes chain ids as strings, the only legal JSON object key.
func (s Status) MarshalJSON() ([]byte, error) {
	out := make(map[string]ChainStatus, len(s))
	for chainID, status := range s {
		out[strconv.FormatUint(chainID, 10)] = status
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw map[string]ChainStatus
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Status, len(raw))
	for key, status := range raw {
		chainID, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chain id %q in status: %w", key, err)
		}
		out[chainID] = status
	}
	*s = out
	return nil
}

// Store reads and writes the singleton status row.
type Store struct {
	conn *sqlx.DB
	log  *logger.Logger
}

// New creates a metadata store on a migrated database.
func New(conn *sqlx.DB, log *logger.Logger) *Store {
	return &Store{conn: conn, log: log}
}

// GetStatus returns the published status, or an empty one when none has been
// written yet.
func (s *Store) GetStatus(ctx context.Context) (Status, error) {
	var value string
	err := s.conn.QueryRowxContext(ctx, s.conn.Rebind(
		`SELECT value FROM _ponder_meta WHERE key = ?`), statusKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return Status{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}

	var status Status
	if err := json.Unmarshal([]byte(value), &status); err != nil {
		return nil, fmt.Errorf("stored status is not valid JSON: %w", err)
	}
	return status, nil
}

// SetStatus overwrites the published status.
func (s *Store) SetStatus(ctx context.Context, status Status) error {
	encoded, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	if _, err := tx.Exec(tx.Rebind(`DELETE FROM _ponder_meta WHERE key = ?`), statusKey); err != nil {
		return fmt.Errorf("failed to clear status: %w", err)
	}
	if _, err := tx.Exec(tx.Rebind(
		`INSERT INTO _ponder_meta (key, value) VALUES (?, ?)`), statusKey, string(encoded)); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}

	return tx.Commit()
}
