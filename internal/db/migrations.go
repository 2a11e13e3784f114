package db

import (
	"fmt"
	"strings"

	"github.com/KONFeature/ponder/internal/logger"
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
)

const upDownSeparator = "-- +migrate Up"

// Migration is one embedded migration file. The SQL holds a Down section
// followed by the "-- +migrate Up" separator and the Up section.
type Migration struct {
	ID  string
	SQL string
}

// RunMigrations applies all pending migrations to the database using the
// dialect of the engine it was opened with.
func RunMigrations(log *logger.Logger, conn *sqlx.DB, engine Engine, migrations []Migration) error {
	migs := &migrate.MemoryMigrationSource{Migrations: []*migrate.Migration{}}

	for _, m := range migrations {
		splitted := strings.Split(m.SQL, upDownSeparator)
		if len(splitted) < 2 {
			return fmt.Errorf("migration %s missing %q separator", m.ID, upDownSeparator)
		}

		downSQL := splitted[0]
		if idx := strings.Index(downSQL, "-- +migrate Down"); idx != -1 {
			downSQL = downSQL[idx+len("-- +migrate Down"):]
		}

		migs.Migrations = append(migs.Migrations, &migrate.Migration{
			Id:   m.ID,
			Up:   []string{strings.TrimSpace(splitted[1])},
			Down: []string{strings.TrimSpace(downSQL)},
		})
	}

	n, err := migrate.Exec(conn.DB, engine.MigrateDialect(), migs, migrate.Up)
	if err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	if n > 0 {
		log.Infof("applied %d database migrations", n)
	}
	return nil
}
