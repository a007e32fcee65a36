package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/velmie/saga"
)

const maxErrorLen = 1024

// Executor allows writing within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store implements every saga store interface on MySQL 8.0+.
// The *sql.DB must be opened with parseTime=true.
type Store struct {
	db      *sql.DB
	cfg     Config
	names   tables
	queries queries
}

var (
	_ saga.InstanceStore    = (*Store)(nil)
	_ saga.RelayStore       = (*Store)(nil)
	_ saga.Leaser           = (*Store)(nil)
	_ saga.IdempotencyStore = (*Store)(nil)
	_ saga.OutboxWriter     = (*Store)(nil)
)

// NewStore constructs a MySQL store with validated configuration.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	names, err := tableNames(cfg.TablePrefix)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      db,
		cfg:     cfg,
		names:   names,
		queries: newQueries(names),
	}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// CreateInstance implements saga.InstanceStore.
func (s *Store) CreateInstance(ctx context.Context, in *saga.Instance) error {
	completed, err := marshalSteps(in.CompletedSteps)
	if err != nil {
		return err
	}

	now := s.cfg.Clock.Now()
	in.Version = 1
	in.CreatedAt = now
	in.UpdatedAt = now

	_, err = s.db.ExecContext(
		ctx,
		s.queries.insertInstance,
		in.ID,
		in.Definition.Name,
		in.Definition.Version,
		in.Status,
		in.CurrentStep,
		completed,
		nullableJSON(in.Payload),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("saga mysql: insert instance failed: %w", err)
	}

	return nil
}

// Instance implements saga.InstanceStore.
func (s *Store) Instance(ctx context.Context, id string) (*saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, s.queries.selectInstance, id)

	in, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", saga.ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("saga mysql: select instance failed: %w", err)
	}

	return in, nil
}

// UpdateInstance implements saga.InstanceStore. The instance row, step record
// upserts, and outbox inserts commit in one transaction guarded by the
// optimistic version check.
func (s *Store) UpdateInstance(ctx context.Context, in *saga.Instance, steps []saga.StepRecord, entries []saga.OutboxEntry) error {
	completed, err := marshalSteps(in.CompletedSteps)
	if err != nil {
		return err
	}
	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saga mysql: begin tx failed: %w", err)
	}

	now := s.cfg.Clock.Now()
	res, err := tx.ExecContext(
		ctx,
		s.queries.updateInstance,
		in.Status,
		in.CurrentStep,
		completed,
		nullableString(truncate(in.LastError)),
		now,
		in.ID,
		in.Version,
	)
	if err != nil {
		return rollbackWith(tx, fmt.Errorf("saga mysql: update instance failed: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return rollbackWith(tx, fmt.Errorf("saga mysql: update instance rows failed: %w", err))
	}
	if affected == 0 {
		_ = tx.Rollback()

		return s.classifyMissedUpdate(ctx, in)
	}

	for i := range steps {
		if err := s.upsertStep(ctx, tx, steps[i]); err != nil {
			return rollbackWith(tx, err)
		}
	}
	for i := range entries {
		if _, err := s.enqueue(ctx, tx, entries[i]); err != nil {
			return rollbackWith(tx, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saga mysql: commit failed: %w", err)
	}

	in.Version++
	in.UpdatedAt = now

	return nil
}

// classifyMissedUpdate distinguishes a missing row from a version conflict.
func (s *Store) classifyMissedUpdate(ctx context.Context, in *saga.Instance) error {
	stored, err := s.Instance(ctx, in.ID)
	if err != nil {
		return err
	}

	return fmt.Errorf("%w: %s have %d want %d", saga.ErrVersionConflict, in.ID, stored.Version, in.Version)
}

func (s *Store) upsertStep(ctx context.Context, exec Executor, rec saga.StepRecord) error {
	_, err := exec.ExecContext(
		ctx,
		s.queries.upsertStep,
		rec.SagaID,
		rec.StepIndex,
		rec.Direction,
		rec.CommandID,
		rec.Status,
		rec.Attempts,
		nullableString(truncate(rec.LastError)),
		nullableTime(rec.Deadline),
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saga mysql: upsert step failed: %w", err)
	}

	return nil
}

// StepRecord implements saga.InstanceStore.
func (s *Store) StepRecord(ctx context.Context, sagaID string, stepIndex int, direction saga.Direction) (*saga.StepRecord, error) {
	row := s.db.QueryRowContext(ctx, s.queries.selectStep, sagaID, stepIndex, direction)

	rec, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s step %d %s", saga.ErrStepRecordNotFound, sagaID, stepIndex, direction)
	}
	if err != nil {
		return nil, fmt.Errorf("saga mysql: select step failed: %w", err)
	}

	return rec, nil
}

// StepHistory implements saga.InstanceStore.
func (s *Store) StepHistory(ctx context.Context, sagaID string) ([]saga.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.selectHistory, sagaID)
	if err != nil {
		return nil, fmt.Errorf("saga mysql: select history failed: %w", err)
	}
	defer rows.Close()

	return collectSteps(rows)
}

// DueStepRecords implements saga.InstanceStore.
func (s *Store) DueStepRecords(ctx context.Context, now time.Time, limit int) ([]saga.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.selectDue, now, limit)
	if err != nil {
		return nil, fmt.Errorf("saga mysql: select due steps failed: %w", err)
	}
	defer rows.Close()

	return collectSteps(rows)
}

// OpenInstances implements saga.InstanceStore.
func (s *Store) OpenInstances(ctx context.Context, statuses []saga.Status, limit int) ([]*saga.Instance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := buildSelectOpen(s.names.instances, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for _, status := range statuses {
		args = append(args, status)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("saga mysql: select open instances failed: %w", err)
	}
	defer rows.Close()

	open := make([]*saga.Instance, 0, limit)
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("saga mysql: scan instance failed: %w", err)
		}
		open = append(open, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("saga mysql: open instance rows failed: %w", err)
	}

	return open, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*saga.Instance, error) {
	var (
		in        saga.Instance
		completed []byte
		payload   []byte
		lastError sql.NullString
	)
	err := row.Scan(
		&in.ID,
		&in.Definition.Name,
		&in.Definition.Version,
		&in.Status,
		&in.CurrentStep,
		&completed,
		&payload,
		&lastError,
		&in.Version,
		&in.CreatedAt,
		&in.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(completed, &in.CompletedSteps); err != nil {
		return nil, fmt.Errorf("saga mysql: decode completed steps: %w", err)
	}
	in.Payload = payload
	in.LastError = lastError.String

	return &in, nil
}

func scanStep(row rowScanner) (*saga.StepRecord, error) {
	var (
		rec       saga.StepRecord
		lastError sql.NullString
		deadline  sql.NullTime
	)
	err := row.Scan(
		&rec.SagaID,
		&rec.StepIndex,
		&rec.Direction,
		&rec.CommandID,
		&rec.Status,
		&rec.Attempts,
		&lastError,
		&deadline,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.LastError = lastError.String
	rec.Deadline = deadline.Time

	return &rec, nil
}

func collectSteps(rows *sql.Rows) ([]saga.StepRecord, error) {
	records := make([]saga.StepRecord, 0)
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("saga mysql: scan step failed: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("saga mysql: step rows failed: %w", err)
	}

	return records, nil
}

func marshalSteps(steps []int) ([]byte, error) {
	if steps == nil {
		steps = []int{}
	}
	out, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("saga mysql: encode completed steps: %w", err)
	}

	return out, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return []byte(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t
}

func rollbackWith(tx *sql.Tx, err error) error {
	rollbackErr := tx.Rollback()
	if rollbackErr == nil || errors.Is(rollbackErr, sql.ErrTxDone) {
		return err
	}

	return errors.Join(err, fmt.Errorf("saga mysql: rollback failed: %w", rollbackErr))
}

func truncate(msg string) string {
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}

	runes := []rune(msg)

	return string(runes[:maxErrorLen])
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}

	return truncate(err.Error())
}
