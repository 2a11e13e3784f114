// Package migrations holds the sync store schema. One migration set serves
// both engines; engine-specific column types are spliced in through the
// placeholder comments before execution.
package migrations

import (
	_ "embed"
	"strings"

	"github.com/KONFeature/ponder/internal/db"
	"github.com/KONFeature/ponder/internal/logger"
	"github.com/jmoiron/sqlx"
)

//go:embed 001_sync_store.sql
var mig001 string

// RunMigrations applies the sync store schema for the given engine.
func RunMigrations(log *logger.Logger, conn *sqlx.DB, engine db.Engine) error {
	replacements := map[string]string{
		"/*bignum*/": "TEXT",
		"/*json*/":   "TEXT",
		"/*autoid*/": "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	if engine == db.EnginePostgres {
		replacements["/*bignum*/"] = "NUMERIC(78, 0)"
		replacements["/*json*/"] = "JSONB"
		replacements["/*autoid*/"] = "BIGSERIAL PRIMARY KEY"
	}

	sql := mig001
	for placeholder, typ := range replacements {
		sql = strings.ReplaceAll(sql, placeholder, typ)
	}

	return db.RunMigrations(log, conn, engine, []db.Migration{
		{ID: "001_sync_store.sql", SQL: sql},
	})
}
