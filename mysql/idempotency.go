package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/velmie/saga"
)

const duplicateKeyErrNo = 1062

// TxComputeFunc produces a result using the transaction that records the
// idempotency key, so the handler's side effect and the key commit or roll
// back together.
type TxComputeFunc func(ctx context.Context, exec Executor) (json.RawMessage, error)

// CheckOrRecord implements saga.IdempotencyStore. The key row is locked (or
// gap-locked) for the duration of compute, so concurrent duplicates serialize
// behind the first delivery. A stored result is never overwritten.
//
// compute runs outside the key transaction; a side effect it commits on its
// own connection can survive a crash that loses the key insert, and the next
// delivery would run it again. Handlers writing to the same database should
// use CheckOrRecordTx instead.
func (s *Store) CheckOrRecord(ctx context.Context, key string, compute saga.ComputeFunc) (json.RawMessage, error) {
	return s.checkOrRecord(ctx, key, func(ctx context.Context, _ Executor) (json.RawMessage, error) {
		return compute(ctx)
	})
}

// CheckOrRecordTx is CheckOrRecord with compute receiving the transaction that
// inserts the key. Writes made through the executor are atomic with the key,
// which closes the re-execution window a crash between two commits leaves open.
func (s *Store) CheckOrRecordTx(ctx context.Context, key string, compute TxComputeFunc) (json.RawMessage, error) {
	if compute == nil {
		return nil, ErrComputeRequired
	}

	return s.checkOrRecord(ctx, key, compute)
}

func (s *Store) checkOrRecord(ctx context.Context, key string, compute TxComputeFunc) (json.RawMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("saga mysql: begin idempotency tx failed: %w", err)
	}

	stored, found, err := s.selectIdem(ctx, tx, key)
	if err != nil {
		return nil, rollbackWith(tx, err)
	}
	if found {
		_ = tx.Rollback()

		return stored, nil
	}

	result, err := compute(ctx, tx)
	if err != nil {
		// Nothing is recorded; the next delivery runs compute again.
		_ = tx.Rollback()

		return nil, err
	}

	if _, err := tx.ExecContext(ctx, s.queries.insertIdem, key, nullableJSON(result)); err != nil {
		if isDuplicateKey(err) {
			_ = tx.Rollback()

			return s.lookupIdem(ctx, key)
		}

		return nil, rollbackWith(tx, fmt.Errorf("saga mysql: idempotency insert failed: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("saga mysql: idempotency commit failed: %w", err)
	}

	return result, nil
}

func (s *Store) selectIdem(ctx context.Context, tx *sql.Tx, key string) (json.RawMessage, bool, error) {
	var result []byte
	err := tx.QueryRowContext(ctx, s.queries.selectIdem, key).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("saga mysql: idempotency select failed: %w", err)
	}

	return result, true, nil
}

// lookupIdem reads the winner's result after losing an insert race.
func (s *Store) lookupIdem(ctx context.Context, key string) (json.RawMessage, error) {
	var result []byte
	err := s.db.QueryRowContext(ctx, s.queries.lookupIdem, key).Scan(&result)
	if err != nil {
		return nil, fmt.Errorf("saga mysql: idempotency lookup failed: %w", err)
	}

	return result, nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *gomysql.MySQLError

	return errors.As(err, &mysqlErr) && mysqlErr.Number == duplicateKeyErrNo
}
