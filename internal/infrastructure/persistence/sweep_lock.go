package persistence

import (
	"context"

	"github.com/ignatzorin/agent-escrow/internal/logger"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// sweepLockKey: ключ advisory lock прохода автоосвобождения.
const sweepLockKey int64 = 0x65736372 // "escr"

// AdvisoryLocker держит session-level advisory lock на выделенном соединении.
type AdvisoryLocker struct {
	db  *sqlx.DB
	key int64
}

func NewSweepLocker(db *sqlx.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, key: sweepLockKey}
}

func (l *AdvisoryLocker) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return nil, false, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить соединение для блокировки")
	}

	var acquired bool
	if err := conn.GetContext(ctx, &acquired, `SELECT pg_try_advisory_lock($1)`, l.key); err != nil {
		conn.Close()
		return nil, false, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось взять advisory lock")
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	unlock := func() {
		// Снимаем блокировку тем же соединением, на котором она взята.
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
			logger.Get().WithFields(logrus.Fields{"error": err}).Warn("не удалось снять advisory lock")
		}
		conn.Close()
	}
	return unlock, true, nil
}
