package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/http/middleware"
	"github.com/ignatzorin/agent-escrow/internal/interface/http/dto"
	"github.com/ignatzorin/agent-escrow/internal/interface/http/response"
	"github.com/ignatzorin/agent-escrow/internal/usecase/transaction"
)

// TransactionService: операции оркестратора, доступные по HTTP.
type TransactionService interface {
	CreateOrder(ctx context.Context, actor vo.Actor, in transaction.CreateOrderInput) (*transaction.Result, error)
	ConfirmPayment(ctx context.Context, actor vo.Actor, orderID uuid.UUID, reference string) (*transaction.Result, error)
	StartWork(ctx context.Context, actor vo.Actor, orderID uuid.UUID) (*transaction.Result, error)
	Deliver(ctx context.Context, actor vo.Actor, orderID uuid.UUID, in transaction.DeliverInput) (*transaction.Result, error)
	RequestRevision(ctx context.Context, actor vo.Actor, orderID uuid.UUID) (*transaction.Result, error)
	AcceptDelivery(ctx context.Context, actor vo.Actor, orderID uuid.UUID) (*transaction.Result, error)
	Cancel(ctx context.Context, actor vo.Actor, orderID uuid.UUID) (*transaction.Result, error)
	GetOrder(ctx context.Context, actor vo.Actor, orderID uuid.UUID) (*transaction.Result, error)

	OpenDispute(ctx context.Context, actor vo.Actor, orderID uuid.UUID, in transaction.OpenDisputeInput) (*transaction.Result, error)
	ReviewDispute(ctx context.Context, actor vo.Actor, disputeID string) (*transaction.Result, error)
	ArbitrateDispute(ctx context.Context, actor vo.Actor, disputeID string) (*transaction.Result, error)
	AutoResolveDispute(ctx context.Context, actor vo.Actor, disputeID string) (*transaction.Result, bool, error)
	ResolveDispute(ctx context.Context, actor vo.Actor, disputeID string, resolution vo.Resolution, notes string) (*transaction.Result, error)
	CancelDispute(ctx context.Context, actor vo.Actor, disputeID string) (*transaction.Result, error)
	GetDispute(ctx context.Context, actor vo.Actor, disputeID string) (*transaction.Result, error)

	RunAutoReleaseSweep(ctx context.Context, now time.Time) (transaction.SweepReport, error)
}

var _ TransactionService = (*transaction.Orchestrator)(nil)

func currentActor(c *gin.Context) (vo.Actor, bool) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		response.Unauthorized(c, "требуется авторизация")
		return vo.Actor{}, false
	}
	return actor, true
}

func orderIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "некорректный ID заказа")
		return uuid.Nil, false
	}
	return id, true
}

func writeResult(c *gin.Context, status int, res *transaction.Result) {
	body := dto.ToTransactionResponse(res.Order, res.Escrow, res.Dispute)
	if len(res.Warnings) > 0 {
		response.WithWarnings(c, status, body, res.Warnings)
		return
	}
	if status == http.StatusCreated {
		response.Created(c, body)
		return
	}
	response.Success(c, body)
}
