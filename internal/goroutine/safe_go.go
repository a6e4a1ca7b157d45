package goroutine

import (
	"context"
	"runtime/debug"

	"github.com/ignatzorin/agent-escrow/internal/logger"
	"github.com/sirupsen/logrus"
)

// RecoveryHandler обрабатывает panic в горутинах
type RecoveryHandler struct {
	log func() *logrus.Logger
}

// NewRecoveryHandler создает новый обработчик
func NewRecoveryHandler(log func() *logrus.Logger) *RecoveryHandler {
	return &RecoveryHandler{log: log}
}

func (rh *RecoveryHandler) recover(name string) {
	if r := recover(); r != nil {
		rh.log().WithFields(logrus.Fields{
			"task":  name,
			"panic": r,
			"stack": string(debug.Stack()),
		}).Error("panic в фоновой задаче")
	}
}

// SafeGo запускает горутину с обработкой panic
func (rh *RecoveryHandler) SafeGo(name string, fn func()) {
	go func() {
		defer rh.recover(name)
		fn()
	}()
}

// SafeGoWithContext запускает горутину с контекстом и обработкой panic
func (rh *RecoveryHandler) SafeGoWithContext(ctx context.Context, name string, fn func(context.Context)) {
	go func() {
		defer rh.recover(name)
		fn(ctx)
	}()
}

// Run выполняет fn синхронно; panic логируется и не роняет вызывающего.
func (rh *RecoveryHandler) Run(name string, fn func()) {
	defer rh.recover(name)
	fn()
}

// DefaultRecoveryHandler пишет в общий logrus логгер
var DefaultRecoveryHandler = NewRecoveryHandler(logger.Get)

func SafeGo(name string, fn func()) {
	DefaultRecoveryHandler.SafeGo(name, fn)
}

func SafeGoWithContext(ctx context.Context, name string, fn func(context.Context)) {
	DefaultRecoveryHandler.SafeGoWithContext(ctx, name, fn)
}

func Run(name string, fn func()) {
	DefaultRecoveryHandler.Run(name, fn)
}
