package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/saga"
)

const (
	defaultCleanupLimit      = 10000
	defaultCleanupEvery      = time.Hour
	defaultCleanupLockPrefix = "saga:cleanup:"
)

// CleanupOptions defines what aged rows to delete.
type CleanupOptions struct {
	// Before removes rows older than this timestamp (required).
	Before time.Time
	// Limit caps the number of rows deleted per table per call (0 uses the default).
	Limit int
	// IncludeSagas removes terminal saga instances and their step records in
	// addition to dispatched outbox rows.
	IncludeSagas bool
}

// CleanupResult reports how many rows were removed.
type CleanupResult struct {
	Outbox    int64
	Instances int64
	Steps     int64
}

// CleanupMaintainerConfig controls periodic cleanup.
type CleanupMaintainerConfig struct {
	// TablePrefix matches the prefix the store was created with.
	TablePrefix string
	// Retention removes rows older than now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per table per run (0 uses the default).
	Limit int
	// IncludeSagas removes terminal saga instances along with outbox rows.
	IncludeSagas bool
	// LockName is the advisory lock name. Defaults to saga:cleanup:<prefix>.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock saga.Clock
	// Logger receives warnings about cleanup failures.
	Logger saga.Logger
}

// CleanupMaintainer periodically deletes dispatched outbox rows and, when
// configured, terminal saga instances that aged past retention. An advisory
// lock keeps concurrent maintainers from duplicating work.
type CleanupMaintainer struct {
	store *Store
	cfg   CleanupMaintainerConfig
}

// NewCleanupMaintainer creates a cleanup maintainer with defaults applied.
func NewCleanupMaintainer(db *sql.DB, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrCleanupRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = saga.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = saga.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultCleanupLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrCleanupLimitInvalid
	}

	store, err := NewStore(db, WithTablePrefix(cfg.TablePrefix), WithClock(cfg.Clock))
	if err != nil {
		return nil, err
	}
	cfg.TablePrefix = store.cfg.TablePrefix
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockPrefix + cfg.TablePrefix
	}

	return &CleanupMaintainer{store: store, cfg: cfg}, nil
}

// Run periodically deletes aged rows until the context is canceled.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	if _, err := m.Ensure(ctx); err != nil {
		m.cfg.Logger.Warn("saga cleanup failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Ensure(ctx); err != nil {
				m.cfg.Logger.Warn("saga cleanup failed", "err", err)
			}
		}
	}
}

// Ensure executes a single cleanup pass.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (CleanupResult, error) {
	conn, err := m.store.db.Conn(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("saga mysql: cleanup conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return CleanupResult{}, err
	}
	if !locked {
		m.cfg.Logger.Debug("saga cleanup lock held by another session")

		return CleanupResult{}, nil
	}
	defer m.releaseLock(ctx, conn)

	before := m.cfg.Clock.Now().Add(-m.cfg.Retention)

	return m.store.Cleanup(ctx, CleanupOptions{
		Before:       before,
		Limit:        m.cfg.Limit,
		IncludeSagas: m.cfg.IncludeSagas,
	})
}

// Cleanup removes dispatched outbox rows (and optionally terminal sagas)
// older than opts.Before.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	if opts.Before.IsZero() {
		return CleanupResult{}, ErrCleanupBeforeRequired
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultCleanupLimit
	}
	if limit < 0 {
		return CleanupResult{}, ErrCleanupLimitInvalid
	}

	var res CleanupResult
	var err error

	// #nosec G201 -- table names are internal and sanitized.
	outboxDelete := fmt.Sprintf(
		"DELETE FROM %s WHERE dispatched_at IS NOT NULL AND dispatched_at <= ? ORDER BY id LIMIT ?",
		s.names.outbox,
	)
	res.Outbox, err = s.cleanupExec(ctx, outboxDelete, opts.Before, limit)
	if err != nil {
		return CleanupResult{}, err
	}

	if !opts.IncludeSagas {
		return res, nil
	}

	ids, err := s.terminalInstanceIDs(ctx, opts.Before, limit)
	if err != nil {
		return CleanupResult{}, err
	}
	if len(ids) == 0 {
		return res, nil
	}

	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := makePlaceholders(len(ids))

	// #nosec G201 -- table names are internal and sanitized.
	stepsDelete := fmt.Sprintf("DELETE FROM %s WHERE saga_id IN (%s)", s.names.steps, placeholders)
	res.Steps, err = s.cleanupExec(ctx, stepsDelete, args...)
	if err != nil {
		return CleanupResult{}, err
	}

	// #nosec G201 -- table names are internal and sanitized.
	instancesDelete := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", s.names.instances, placeholders)
	res.Instances, err = s.cleanupExec(ctx, instancesDelete, args...)
	if err != nil {
		return CleanupResult{}, err
	}

	return res, nil
}

func (s *Store) terminalInstanceIDs(ctx context.Context, before time.Time, limit int) ([]string, error) {
	// #nosec G201 -- table name is internal and sanitized.
	query := fmt.Sprintf(
		"SELECT id FROM %s WHERE status IN ('COMPLETED', 'COMPENSATED', 'FAILED') AND updated_at <= ? ORDER BY updated_at LIMIT ?",
		s.names.instances,
	)
	rows, err := s.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("saga mysql: cleanup select failed: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("saga mysql: cleanup scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("saga mysql: cleanup rows failed: %w", err)
	}

	return ids, nil
}

func (s *Store) cleanupExec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("saga mysql: cleanup delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("saga mysql: cleanup rows failed: %w", err)
	}

	return affected, nil
}

func (m *CleanupMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("saga mysql: acquire cleanup lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		return false, nil
	}

	return true, nil
}

func (m *CleanupMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("saga cleanup release lock failed", "err", err)
	}
}
