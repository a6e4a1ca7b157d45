package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/agent-escrow/internal/interface/http/response"
)

// OutboxRunner: обработчик отложенных событий.
type OutboxRunner interface {
	ProcessPending(ctx context.Context) (int, error)
}

// AdminHandler запускает фоновые задачи вручную.
type AdminHandler struct {
	tx     TransactionService
	outbox OutboxRunner
	now    func() time.Time
}

func NewAdminHandler(tx TransactionService, outbox OutboxRunner) *AdminHandler {
	return &AdminHandler{tx: tx, outbox: outbox, now: time.Now}
}

// RunSweep обрабатывает POST /api/admin/sweep.
func (h *AdminHandler) RunSweep(c *gin.Context) {
	report, err := h.tx.RunAutoReleaseSweep(c.Request.Context(), h.now().UTC())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, report)
}

// ProcessOutbox обрабатывает POST /api/admin/outbox/process.
func (h *AdminHandler) ProcessOutbox(c *gin.Context) {
	processed, err := h.outbox.ProcessPending(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"processed": processed})
}
