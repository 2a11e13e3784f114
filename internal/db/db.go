// Package db opens the sync database on one of the two supported engines and
// wires meddler and the migration runner to the engine's dialect.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/russross/meddler"
)

// Engine identifies the storage backend. It is selected once at store
// construction; everything engine-specific hangs off it.
type Engine string

const (
	EngineSQLite   Engine = "sqlite"
	EnginePostgres Engine = "postgres"
)

// IsValid reports whether the engine is one of the supported backends.
func (e Engine) IsValid() bool {
	return e == EngineSQLite || e == EnginePostgres
}

// driverName returns the database/sql driver for the engine.
func (e Engine) driverName() string {
	if e == EnginePostgres {
		return "postgres"
	}
	return "sqlite3"
}

// MigrateDialect returns the sql-migrate dialect for the engine.
func (e Engine) MigrateDialect() string {
	if e == EnginePostgres {
		return "postgres"
	}
	return "sqlite3"
}

// Open connects to the database. For sqlite, dsn is a file path (or
// ":memory:"); for postgres it is a connection string. The global meddler
// dialect is pointed at the engine, so Open must not be called with two
// different engines in one process.
func Open(engine Engine, dsn string) (*sqlx.DB, error) {
	if !engine.IsValid() {
		return nil, fmt.Errorf("unknown database engine: %q", engine)
	}

	if engine == EngineSQLite {
		dsn = fmt.Sprintf(
			"file:%s?_txlock=immediate&_foreign_keys=on&_journal_mode=WAL&_busy_timeout=30000",
			dsn,
		)
	}

	conn, err := sqlx.Open(engine.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", engine, err)
	}

	switch engine {
	case EnginePostgres:
		meddler.Default = meddler.PostgreSQL
	default:
		meddler.Default = meddler.SQLite
		// A single writer connection sidesteps SQLITE_BUSY under WAL.
		conn.SetMaxOpenConns(1)
	}
	SetEncoding(engine)

	return conn, nil
}
