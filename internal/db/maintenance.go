package db

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KONFeature/ponder/internal/logger"
	"github.com/KONFeature/ponder/pkg/config"
	"github.com/jmoiron/sqlx"
)

// Maintenance runs periodic sqlite housekeeping: WAL checkpoints and VACUUM.
// The raw sync store only grows during normal operation, so this is off by
// default; it matters after large reorg prunes or chain redeploys. Postgres
// engines get a no-op.
type Maintenance struct {
	conn   *sqlx.DB
	engine Engine
	cfg    *config.MaintenanceConfig
	log    *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaintenance creates the coordinator. cfg may be nil (disabled).
func NewMaintenance(conn *sqlx.DB, engine Engine, cfg *config.MaintenanceConfig, log *logger.Logger) *Maintenance {
	return &Maintenance{
		conn:   conn,
		engine: engine,
		cfg:    cfg,
		log:    log,
	}
}

func (m *Maintenance) enabled() bool {
	return m.cfg != nil && m.cfg.Enabled && m.engine == EngineSQLite
}

// Start begins background maintenance if enabled.
func (m *Maintenance) Start(ctx context.Context) {
	if !m.enabled() {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.worker(ctx)

	m.log.Infof("background maintenance started, interval %v, checkpoint mode %s",
		m.cfg.CheckInterval.Duration, m.cfg.WALCheckpointMode)
}

// Stop stops background maintenance and waits for completion.
func (m *Maintenance) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}

func (m *Maintenance) worker(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Run(ctx); err != nil {
				m.log.Warnf("maintenance failed: %v", err)
			}
		}
	}
}

// Run performs one maintenance pass.
func (m *Maintenance) Run(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}

	start := time.Now()

	if err := m.walCheckpoint(ctx); err != nil {
		return err
	}
	if err := m.vacuum(ctx); err != nil {
		return err
	}

	m.log.Infof("maintenance completed in %v", time.Since(start))
	return nil
}

func (m *Maintenance) walCheckpoint(ctx context.Context) error {
	var mode string
	if err := m.conn.QueryRowxContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("failed to check journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return nil
	}

	var busy, logFrames, checkpointed int
	err := m.conn.QueryRowxContext(ctx,
		fmt.Sprintf("PRAGMA wal_checkpoint(%s)", m.cfg.WALCheckpointMode)).
		Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}

	if busy > 0 {
		m.log.Warnf("WAL checkpoint left %d busy pages", busy)
	}
	return nil
}

func (m *Maintenance) vacuum(ctx context.Context) error {
	if _, err := m.conn.ExecContext(ctx, "VACUUM"); err != nil {
		if strings.Contains(err.Error(), "database is locked") {
			return fmt.Errorf("cannot vacuum: database is locked (retry later)")
		}
		return fmt.Errorf("vacuum failed: %w", err)
	}
	return nil
}
