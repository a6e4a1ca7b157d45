package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// withTransaction выполняет fn в транзакции: ошибка или паника откатывают её.
func withTransaction(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// statusArray превращает набор статусов в text[] для "status = ANY($n)".
func statusArray[S ~string](statuses []S) any {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}

// checkGuardedUpdate переводит нулевое число изменённых строк в ErrStaleStatus.
func checkGuardedUpdate(res interface{ RowsAffected() (int64, error) }, what string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось проверить результат обновления "+what)
	}
	if rows == 0 {
		return apperror.ErrStaleStatus
	}
	return nil
}
