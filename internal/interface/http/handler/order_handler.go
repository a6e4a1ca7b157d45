package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/interface/http/dto"
	"github.com/ignatzorin/agent-escrow/internal/interface/http/response"
	"github.com/ignatzorin/agent-escrow/internal/usecase/transaction"
	"github.com/ignatzorin/agent-escrow/internal/validation"
)

type OrderHandler struct {
	tx TransactionService
}

func NewOrderHandler(tx TransactionService) *OrderHandler {
	return &OrderHandler{tx: tx}
}

// CreateOrder обрабатывает POST /api/orders (приём оплаты, роль system).
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}

	var req dto.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "некорректные данные запроса")
		return
	}

	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		response.BadRequest(c, "некорректный agent_id")
		return
	}
	if err := validation.ValidateLength("gig_id", req.GigID, 1, validation.MaxGigIDLength); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := validation.ValidateWallet("client_wallet", req.ClientWallet); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := validation.ValidateRequirements(req.Requirements.Text, req.Requirements.Inputs); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := validation.ValidateLength("payment_reference", req.PaymentReference, 0, validation.MaxPaymentReferenceLength); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	amount, err := vo.ParseMoney(req.Amount)
	if err != nil {
		response.Error(c, err)
		return
	}

	res, err := h.tx.CreateOrder(c.Request.Context(), actor, transaction.CreateOrderInput{
		GigID:            req.GigID,
		AgentID:          agentID,
		ClientWallet:     req.ClientWallet,
		Amount:           amount,
		Requirements:     req.Requirements.ToEntity(),
		PaymentReference: req.PaymentReference,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	writeResult(c, http.StatusCreated, res)
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	res, err := h.tx.GetOrder(c.Request.Context(), actor, orderID)
	if err != nil {
		response.Error(c, err)
		return
	}
	writeResult(c, http.StatusOK, res)
}

// ConfirmPayment обрабатывает POST /api/orders/:id/pay.
func (h *OrderHandler) ConfirmPayment(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	var req dto.ConfirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "payment_reference обязателен")
		return
	}

	res, err := h.tx.ConfirmPayment(c.Request.Context(), actor, orderID, req.PaymentReference)
	if err != nil {
		response.Error(c, err)
		return
	}
	writeResult(c, http.StatusOK, res)
}

func (h *OrderHandler) StartWork(c *gin.Context) {
	h.simple(c, h.tx.StartWork)
}

// Deliver обрабатывает POST /api/orders/:id/deliver.
func (h *OrderHandler) Deliver(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	var req dto.DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "некорректные данные запроса")
		return
	}
	if err := validation.ValidateLength("результат", req.Content, 0, validation.MaxDeliveryContentLength); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if len(req.Deliverables) > validation.MaxDeliverablesCount {
		response.BadRequest(c, "слишком много файлов результата")
		return
	}
	for _, d := range req.Deliverables {
		if err := validation.ValidateLength("имя файла", d.Name, 1, validation.MaxDeliverableNameLength); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := validation.ValidateDeliverableURL(d.URL); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	res, err := h.tx.Deliver(c.Request.Context(), actor, orderID, transaction.DeliverInput{
		Content:      req.Content,
		Deliverables: dto.ToDeliverables(req.Deliverables),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	writeResult(c, http.StatusOK, res)
}

func (h *OrderHandler) RequestRevision(c *gin.Context) {
	h.simple(c, h.tx.RequestRevision)
}

func (h *OrderHandler) AcceptDelivery(c *gin.Context) {
	h.simple(c, h.tx.AcceptDelivery)
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	h.simple(c, h.tx.Cancel)
}

// OpenDispute обрабатывает POST /api/orders/:id/dispute.
func (h *OrderHandler) OpenDispute(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	var req dto.OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "причина спора обязательна")
		return
	}
	category, err := vo.NewDisputeCategory(req.Category)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := validation.ValidateLength("детали спора", req.Details, 0, validation.MaxDisputeDetailsLength); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	res, err := h.tx.OpenDispute(c.Request.Context(), actor, orderID, transaction.OpenDisputeInput{
		Category: category,
		Reason:   req.Reason,
		Details:  req.Details,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	writeResult(c, http.StatusCreated, res)
}

type orderOperation func(ctx context.Context, actor vo.Actor, orderID uuid.UUID) (*transaction.Result, error)

func (h *OrderHandler) simple(c *gin.Context, op orderOperation) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	res, err := op(c.Request.Context(), actor, orderID)
	if err != nil {
		response.Error(c, err)
		return
	}
	writeResult(c, http.StatusOK, res)
}
