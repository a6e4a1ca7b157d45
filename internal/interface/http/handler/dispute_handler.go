package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/interface/http/dto"
	"github.com/ignatzorin/agent-escrow/internal/interface/http/response"
	"github.com/ignatzorin/agent-escrow/internal/usecase/transaction"
	"github.com/ignatzorin/agent-escrow/internal/validation"
)

type DisputeHandler struct {
	tx TransactionService
}

func NewDisputeHandler(tx TransactionService) *DisputeHandler {
	return &DisputeHandler{tx: tx}
}

func (h *DisputeHandler) GetDispute(c *gin.Context) {
	h.simple(c, h.tx.GetDispute)
}

func (h *DisputeHandler) Review(c *gin.Context) {
	h.simple(c, h.tx.ReviewDispute)
}

// Arbitrate запрашивает вердикт арбитра. Сам по себе спор не закрывает.
func (h *DisputeHandler) Arbitrate(c *gin.Context) {
	h.simple(c, h.tx.ArbitrateDispute)
}

// AutoResolve обрабатывает POST /api/disputes/:id/auto-resolve.
func (h *DisputeHandler) AutoResolve(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := disputeIDParam(c)
	if !ok {
		return
	}

	res, resolved, err := h.tx.AutoResolveDispute(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}

	body := dto.AutoResolveResponse{
		Resolved:            resolved,
		TransactionResponse: dto.ToTransactionResponse(res.Order, res.Escrow, res.Dispute),
	}
	response.WithWarnings(c, http.StatusOK, body, res.Warnings)
}

// Resolve обрабатывает POST /api/disputes/:id/resolve (роль admin).
func (h *DisputeHandler) Resolve(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := disputeIDParam(c)
	if !ok {
		return
	}

	var req dto.ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "resolution обязателен")
		return
	}
	resolution, err := vo.NewResolution(req.Resolution)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := validation.ValidateLength("комментарий", req.Notes, 0, validation.MaxResolutionNotesLength); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	res, err := h.tx.ResolveDispute(c.Request.Context(), actor, id, resolution, req.Notes)
	if err != nil {
		response.Error(c, err)
		return
	}
	writeResult(c, http.StatusOK, res)
}

// Cancel: отзыв спора покупателем.
func (h *DisputeHandler) Cancel(c *gin.Context) {
	h.simple(c, h.tx.CancelDispute)
}

type disputeOperation func(ctx context.Context, actor vo.Actor, disputeID string) (*transaction.Result, error)

func (h *DisputeHandler) simple(c *gin.Context, op disputeOperation) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := disputeIDParam(c)
	if !ok {
		return
	}

	res, err := op(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	writeResult(c, http.StatusOK, res)
}

func disputeIDParam(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" || len(id) > 64 {
		response.BadRequest(c, "некорректный ID спора")
		return "", false
	}
	return id, true
}
