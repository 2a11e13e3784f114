package metastore

import (
	"context"
	"testing"

	"github.com/KONFeature/ponder/internal/db"
	"github.com/KONFeature/ponder/internal/logger"
	"github.com/KONFeature/ponder/internal/syncstore/migrations"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	conn, err := db.Open(db.EngineSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	log := logger.NewNopLogger()
	require.NoError(t, migrations.RunMigrations(log, conn, db.EngineSQLite))

	return New(conn, log)
}

func TestStatus_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Empty before any write.
	status, err := store.GetStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, status)

	want := Status{}
	chain := ChainStatus{Ready: true}
	chain.Block.Number = 18000000
	chain.Block.Timestamp = 1700000000
	want[1] = chain

	require.NoError(t, store.SetStatus(ctx, want))

	got, err := store.GetStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Overwrite replaces the row.
	chain.Ready = false
	want[10] = chain
	require.NoError(t, store.SetStatus(ctx, want))

	got, err = store.GetStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Len(t, got, 2)
}
