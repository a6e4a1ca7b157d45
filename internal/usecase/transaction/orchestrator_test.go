package transaction_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
	"github.com/ignatzorin/agent-escrow/internal/domain/repository"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/infrastructure/memory"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/agent-escrow/internal/usecase/dispute"
	"github.com/ignatzorin/agent-escrow/internal/usecase/escrow"
	"github.com/ignatzorin/agent-escrow/internal/usecase/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	clientWallet   = "0xclient"
	agentWallet    = "0xagent"
	platformWallet = "0xplatform"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type settlementFake struct {
	mu      sync.Mutex
	batches []repository.TransferBatch
	fail    error
}

func (s *settlementFake) Transfer(_ context.Context, batch repository.TransferBatch) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	s.batches = append(s.batches, batch)
	return fmt.Sprintf("tx-%d", len(s.batches)), nil
}

func (s *settlementFake) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *settlementFake) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

type MockAdvisor struct {
	mock.Mock
}

func (m *MockAdvisor) Arbitrate(ctx context.Context, summary string) (repository.Verdict, error) {
	args := m.Called(ctx, summary)
	return args.Get(0).(repository.Verdict), args.Error(1)
}

// publisherFake запоминает события по кошелькам.
type publisherFake struct {
	mu     sync.Mutex
	events map[string][]string
}

func (p *publisherFake) Publish(wallet, event string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]string)
	}
	p.events[wallet] = append(p.events[wallet], event)
}

// flakyDisputes отклоняет одну запись итогового статуса спора, когда взведён.
type flakyDisputes struct {
	*memory.DisputeStore
	mu    sync.Mutex
	armed bool
}

func (f *flakyDisputes) UpdateIfStatus(ctx context.Context, d *entity.Dispute, expected ...vo.DisputeStatus) error {
	f.mu.Lock()
	fail := f.armed && d.Status.IsTerminal()
	if fail {
		f.armed = false
	}
	f.mu.Unlock()
	if fail {
		return apperror.New(apperror.ErrCodeDatabaseError, "соединение с базой потеряно")
	}
	return f.DisputeStore.UpdateIfStatus(ctx, d, expected...)
}

func (f *flakyDisputes) failNextClose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = true
}

type env struct {
	orch       *transaction.Orchestrator
	outbox     *transaction.OutboxProcessor
	orders     *memory.OrderStore
	escrows    *memory.EscrowStore
	disputes   *memory.DisputeStore
	flaky      *flakyDisputes
	agents     *memory.AgentStore
	events     *memory.OutboxStore
	lock       *memory.SweepLock
	settlement *settlementFake
	advisor    *MockAdvisor
	publisher  *publisherFake
	agent      *entity.Agent
	clock      *time.Time
}

func newEnv(t *testing.T, cfg transaction.Config) *env {
	t.Helper()

	e := &env{
		orders:     memory.NewOrderStore(),
		escrows:    memory.NewEscrowStore(),
		disputes:   memory.NewDisputeStore(),
		agents:     memory.NewAgentStore(),
		events:     memory.NewOutboxStore(),
		lock:       memory.NewSweepLock(),
		settlement: &settlementFake{},
		advisor:    new(MockAdvisor),
		publisher:  &publisherFake{},
	}
	now := baseTime
	e.clock = &now
	clock := func() time.Time { return *e.clock }

	e.agent = &entity.Agent{ID: uuid.New(), Name: "Research Bot", Wallet: agentWallet}
	require.NoError(t, e.agents.Create(context.Background(), e.agent))

	ledger := escrow.NewLedger(e.escrows, e.settlement, escrow.Config{
		PlatformWallet:  platformWallet,
		CustodyAccount:  "custody",
		FeeRate:         vo.FeeRate(1000),
		ReleaseWindow:   72 * time.Hour,
		SplitBuyerShare: vo.FeeRate(5000),
	}, nil).WithClock(clock)
	e.flaky = &flakyDisputes{DisputeStore: e.disputes}
	engine := dispute.NewEngine(e.flaky, e.orders, e.advisor, time.Second, nil).WithClock(clock)

	e.outbox = transaction.NewOutboxProcessor(e.events, e.agents, nil, nil)
	e.orch = transaction.NewOrchestrator(e.orders, e.agents, e.events, ledger, engine, cfg, nil).
		WithClock(clock).
		WithPublisher(e.publisher).
		WithSweepLocker(e.lock)
	return e
}

func defaultEnv(t *testing.T) *env {
	return newEnv(t, transaction.Config{MinDisputeReasonLength: 10, AutoResolveThreshold: 85})
}

func client() vo.Actor { return vo.Actor{Role: vo.RoleClient, Wallet: clientWallet} }
func agent() vo.Actor  { return vo.Actor{Role: vo.RoleAgent, Wallet: agentWallet} }
func admin() vo.Actor  { return vo.Actor{Role: vo.RoleAdmin, Wallet: "0xadmin"} }

func (e *env) advance(d time.Duration) {
	*e.clock = e.clock.Add(d)
}

func (e *env) createPaid(t *testing.T) *transaction.Result {
	t.Helper()
	res, err := e.orch.CreateOrder(context.Background(), vo.SystemActor(), transaction.CreateOrderInput{
		GigID:            "gig-research",
		AgentID:          e.agent.ID,
		ClientWallet:     clientWallet,
		Amount:           vo.Money(100_000_000),
		Requirements:     entity.Requirements{Text: "Обзор рынка"},
		PaymentReference: "pay-ref-1",
	})
	require.NoError(t, err)
	require.Empty(t, res.Warnings)
	return res
}

// delivered проводит заказ до delivered.
func (e *env) delivered(t *testing.T) *transaction.Result {
	t.Helper()
	res := e.createPaid(t)
	ctx := context.Background()

	_, err := e.orch.StartWork(ctx, agent(), res.Order.ID)
	require.NoError(t, err)
	e.advance(time.Hour)
	out, err := e.orch.Deliver(ctx, agent(), res.Order.ID, transaction.DeliverInput{Content: "Готовый отчёт"})
	require.NoError(t, err)
	require.Equal(t, vo.OrderStatusDelivered, out.Order.Status)
	return e.reload(t, res.Order.ID)
}

func (e *env) reload(t *testing.T, orderID uuid.UUID) *transaction.Result {
	t.Helper()
	ctx := context.Background()
	res := &transaction.Result{}
	var err error
	res.Order, err = e.orders.FindByID(ctx, orderID)
	require.NoError(t, err)
	if esc, err := e.escrows.FindByOrderID(ctx, orderID); err == nil {
		res.Escrow = esc
	}
	if d, err := e.disputes.ListByOrderID(ctx, orderID); err == nil && len(d) > 0 {
		res.Dispute = d[len(d)-1]
	}
	return res
}

func (e *env) disputed(t *testing.T) *transaction.Result {
	t.Helper()
	res := e.delivered(t)
	out, err := e.orch.OpenDispute(context.Background(), client(), res.Order.ID, transaction.OpenDisputeInput{
		Category: vo.CategoryQuality,
		Reason:   "Отчёт неполон",
	})
	require.NoError(t, err)
	require.Empty(t, out.Warnings)
	return out
}

func TestCreateOrder_FundsEscrowAndQueuesWebhook(t *testing.T) {
	e := defaultEnv(t)
	res := e.createPaid(t)

	assert.Equal(t, vo.OrderStatusPaid, res.Order.Status)
	require.NotNil(t, res.Escrow)
	assert.Equal(t, vo.EscrowStatusFunded, res.Escrow.Status)
	assert.Equal(t, vo.Money(10_000_000), res.Escrow.PlatformFee)
	assert.Equal(t, vo.Money(90_000_000), res.Escrow.SellerAmount)
	require.NotNil(t, res.Order.EscrowID)
	assert.Equal(t, res.Escrow.ID, *res.Order.EscrowID)

	events := e.events.All()
	require.Len(t, events, 1)
	assert.Equal(t, entity.OutboxOrderCreatedWebhook, events[0].Kind)
	assert.Contains(t, e.publisher.events[agentWallet], transaction.EventOrderCreated)
}

func TestCreateOrder_WithoutProofIsPending(t *testing.T) {
	e := defaultEnv(t)
	res, err := e.orch.CreateOrder(context.Background(), vo.SystemActor(), transaction.CreateOrderInput{
		GigID: "gig-1", AgentID: e.agent.ID, ClientWallet: clientWallet, Amount: vo.Money(5_000_000),
	})
	require.NoError(t, err)
	assert.Equal(t, vo.OrderStatusPending, res.Order.Status)
	assert.Equal(t, vo.EscrowStatusCreated, res.Escrow.Status)

	paid, err := e.orch.ConfirmPayment(context.Background(), vo.SystemActor(), res.Order.ID, "pay-ref-2")
	require.NoError(t, err)
	assert.Equal(t, vo.OrderStatusPaid, paid.Order.Status)
	assert.Equal(t, vo.EscrowStatusFunded, paid.Escrow.Status)
	require.NotNil(t, paid.Escrow.AutoReleaseDeadline)
}

func TestCreateOrder_RequiresSystemRole(t *testing.T) {
	e := defaultEnv(t)
	_, err := e.orch.CreateOrder(context.Background(), client(), transaction.CreateOrderInput{
		GigID: "gig-1", AgentID: e.agent.ID, ClientWallet: clientWallet, Amount: vo.Money(1),
	})
	assert.True(t, apperror.IsForbidden(err))
}

func TestAcceptDelivery_ReleasesAndCreditsSellerOnce(t *testing.T) {
	e := defaultEnv(t)
	res := e.delivered(t)
	ctx := context.Background()

	out, err := e.orch.AcceptDelivery(ctx, client(), res.Order.ID)
	require.NoError(t, err)
	assert.Empty(t, out.Warnings)
	assert.Equal(t, vo.OrderStatusCompleted, out.Order.Status)
	assert.Equal(t, vo.EscrowStatusReleased, out.Escrow.Status)

	require.Equal(t, 1, e.settlement.count())
	legs := e.settlement.batches[0].Legs
	require.Len(t, legs, 2)
	assert.Equal(t, agentWallet, legs[0].To)
	assert.Equal(t, vo.Money(90_000_000), legs[0].Amount)
	assert.Equal(t, platformWallet, legs[1].To)
	assert.Equal(t, vo.Money(10_000_000), legs[1].Amount)

	_, err = e.orch.AcceptDelivery(ctx, client(), res.Order.ID)
	assert.True(t, apperror.IsConflict(err))
	assert.Equal(t, 1, e.settlement.count())

	for i := 0; i < 2; i++ {
		_, err = e.outbox.ProcessPending(ctx)
		require.NoError(t, err)
	}
	a, err := e.agents.FindByID(ctx, e.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, a.JobsCompleted)
	assert.Equal(t, vo.Money(90_000_000), a.TotalEarned)
}

func TestAcceptDelivery_ConcurrentCallsSettleOnce(t *testing.T) {
	e := defaultEnv(t)
	res := e.delivered(t)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.orch.AcceptDelivery(context.Background(), client(), res.Order.ID); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, successes, 1)
	assert.Equal(t, 1, e.settlement.count(), "средства переводятся ровно один раз")

	final := e.reload(t, res.Order.ID)
	assert.Equal(t, vo.OrderStatusCompleted, final.Order.Status)
	assert.Equal(t, vo.EscrowStatusReleased, final.Escrow.Status)
}

func TestAcceptDelivery_SettlementFailureIsWarning(t *testing.T) {
	e := defaultEnv(t)
	res := e.delivered(t)
	e.settlement.setFail(errors.New("rpc unavailable"))

	out, err := e.orch.AcceptDelivery(context.Background(), client(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, vo.OrderStatusCompleted, out.Order.Status)
	assert.NotEmpty(t, out.Warnings)

	final := e.reload(t, res.Order.ID)
	assert.Equal(t, vo.EscrowStatusFunded, final.Escrow.Status)
}

func TestIdentityChecks(t *testing.T) {
	e := defaultEnv(t)
	res := e.createPaid(t)
	ctx := context.Background()

	_, err := e.orch.StartWork(ctx, vo.Actor{Role: vo.RoleAgent, Wallet: "0xother"}, res.Order.ID)
	assert.True(t, apperror.IsForbidden(err))

	_, err = e.orch.StartWork(ctx, client(), res.Order.ID)
	assert.True(t, apperror.IsForbidden(err))

	_, err = e.orch.Cancel(ctx, vo.Actor{Role: vo.RoleClient, Wallet: "0xstranger"}, res.Order.ID)
	assert.True(t, apperror.IsForbidden(err))

	_, err = e.orch.Cancel(ctx, agent(), res.Order.ID)
	assert.True(t, apperror.IsForbidden(err))

	_, err = e.orch.GetOrder(ctx, vo.Actor{Role: vo.RoleClient, Wallet: "0xstranger"}, res.Order.ID)
	assert.True(t, apperror.IsForbidden(err))

	got, err := e.orch.GetOrder(ctx, agent(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, got.Order.ID)
}

func TestIllegalTransitionIsConflict(t *testing.T) {
	e := defaultEnv(t)
	res := e.createPaid(t)

	_, err := e.orch.AcceptDelivery(context.Background(), client(), res.Order.ID)
	require.Error(t, err)
	assert.True(t, apperror.IsConflict(err))
	assert.Zero(t, e.settlement.count())
}

func TestRevisionCycle(t *testing.T) {
	e := defaultEnv(t)
	res := e.delivered(t)
	ctx := context.Background()

	out, err := e.orch.RequestRevision(ctx, client(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, vo.OrderStatusRevisionRequested, out.Order.Status)
	assert.Equal(t, 1, out.Order.RevisionCount)

	out, err = e.orch.Deliver(ctx, agent(), res.Order.ID, transaction.DeliverInput{
		Deliverables: []entity.Deliverable{{Name: "report.pdf", URL: "/deliverables/report.pdf"}},
	})
	require.NoError(t, err)
	assert.Equal(t, vo.OrderStatusDelivered, out.Order.Status)
	assert.Equal(t, "Готовый отчёт", out.Order.Delivery.Content)
	assert.Len(t, out.Order.Delivery.Deliverables, 1)
}

func TestCancel_RefundsFundedEscrow(t *testing.T) {
	e := defaultEnv(t)
	res := e.createPaid(t)

	out, err := e.orch.Cancel(context.Background(), client(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, vo.OrderStatusCancelled, out.Order.Status)
	assert.Equal(t, vo.EscrowStatusRefunded, out.Escrow.Status)

	require.Equal(t, 1, e.settlement.count())
	assert.Equal(t, clientWallet, e.settlement.batches[0].Legs[0].To)
	assert.Equal(t, vo.Money(100_000_000), e.settlement.batches[0].Legs[0].Amount)
}

func TestCancel_RefundFailureKeepsOrder(t *testing.T) {
	e := defaultEnv(t)
	res := e.createPaid(t)
	e.settlement.setFail(repository.ErrInsufficientFunds)

	_, err := e.orch.Cancel(context.Background(), client(), res.Order.ID)
	require.ErrorIs(t, err, repository.ErrInsufficientFunds)

	final := e.reload(t, res.Order.ID)
	assert.Equal(t, vo.OrderStatusPaid, final.Order.Status)
	assert.Equal(t, vo.EscrowStatusFunded, final.Escrow.Status)
}

func TestCancel_AfterAutoReleaseIsConflict(t *testing.T) {
	e := defaultEnv(t)
	res := e.createPaid(t)
	ctx := context.Background()

	e.advance(73 * time.Hour)
	report, err := e.orch.RunAutoReleaseSweep(ctx, *e.clock)
	require.NoError(t, err)
	require.Equal(t, 1, report.Released)

	_, err = e.orch.Cancel(ctx, client(), res.Order.ID)
	require.Error(t, err)
	assert.True(t, apperror.IsConflict(err))

	final := e.reload(t, res.Order.ID)
	assert.Equal(t, vo.OrderStatusPaid, final.Order.Status)
	assert.Equal(t, vo.EscrowStatusReleased, final.Escrow.Status)
	assert.Equal(t, 1, e.settlement.count())
}

func TestOpenDispute_TwelveCharacterReason(t *testing.T) {
	e := defaultEnv(t)
	res := e.delivered(t)

	out, err := e.orch.OpenDispute(context.Background(), client(), res.Order.ID, transaction.OpenDisputeInput{
		Category: vo.CategoryIncomplete,
		Reason:   "Нет разделов",
	})
	require.NoError(t, err)
	assert.Empty(t, out.Warnings)
	assert.Equal(t, vo.OrderStatusDisputed, out.Order.Status)
	assert.Equal(t, vo.EscrowStatusDisputed, out.Escrow.Status)
	require.NotNil(t, out.Dispute)
	assert.Equal(t, vo.DisputeStatusOpen, out.Dispute.Status)
	assert.Equal(t, agentWallet, out.Dispute.SellerWallet)
	assert.Contains(t, e.publisher.events[agentWallet], transaction.EventDisputeOpened)
}

func TestOpenDispute_ShortReasonTouchesNothing(t *testing.T) {
	e := defaultEnv(t)
	res := e.delivered(t)

	_, err := e.orch.OpenDispute(context.Background(), client(), res.Order.ID, transaction.OpenDisputeInput{Reason: "плохо"})
	require.Error(t, err)
	assert.True(t, apperror.IsValidation(err))

	final := e.reload(t, res.Order.ID)
	assert.Equal(t, vo.OrderStatusDelivered, final.Order.Status)
	assert.Equal(t, vo.EscrowStatusFunded, final.Escrow.Status)
	assert.Nil(t, final.Dispute)
}

func TestResolveDispute_StatusesStayConsistent(t *testing.T) {
	tests := []struct {
		resolution vo.Resolution
		order      vo.OrderStatus
		escrow     vo.EscrowStatus
		dispute    vo.DisputeStatus
	}{
		{vo.ResolutionPaySeller, vo.OrderStatusCompleted, vo.EscrowStatusReleased, vo.DisputeStatusResolvedSeller},
		{vo.ResolutionRefundBuyer, vo.OrderStatusCancelled, vo.EscrowStatusRefunded, vo.DisputeStatusResolvedBuyer},
		{vo.ResolutionSplit, vo.OrderStatusCompleted, vo.EscrowStatusResolved, vo.DisputeStatusResolvedSplit},
	}

	for _, tt := range tests {
		t.Run(string(tt.resolution), func(t *testing.T) {
			e := defaultEnv(t)
			opened := e.disputed(t)

			out, err := e.orch.ResolveDispute(context.Background(), admin(), opened.Dispute.ID, tt.resolution, "решение")
			require.NoError(t, err)
			assert.Empty(t, out.Warnings)

			final := e.reload(t, opened.Order.ID)
			assert.Equal(t, tt.order, final.Order.Status)
			assert.Equal(t, tt.escrow, final.Escrow.Status)
			assert.Equal(t, tt.dispute, final.Dispute.Status)
			assert.Equal(t, 1, e.settlement.count())

			_, err = e.orch.ResolveDispute(context.Background(), admin(), opened.Dispute.ID, tt.resolution, "повтор")
			assert.True(t, apperror.IsConflict(err))
			assert.Equal(t, 1, e.settlement.count())
		})
	}
}

func TestResolveDispute_SettlementFailureChangesNothing(t *testing.T) {
	e := defaultEnv(t)
	opened := e.disputed(t)
	e.settlement.setFail(errors.New("rpc unavailable"))

	_, err := e.orch.ResolveDispute(context.Background(), admin(), opened.Dispute.ID, vo.ResolutionPaySeller, "")
	require.Error(t, err)

	final := e.reload(t, opened.Order.ID)
	assert.Equal(t, vo.OrderStatusDisputed, final.Order.Status)
	assert.Equal(t, vo.EscrowStatusDisputed, final.Escrow.Status)
	assert.Equal(t, vo.DisputeStatusOpen, final.Dispute.Status)
}

func TestResolveDispute_RetryAfterDisputeWriteFailure(t *testing.T) {
	tests := []struct {
		resolution vo.Resolution
		order      vo.OrderStatus
		dispute    vo.DisputeStatus
	}{
		{vo.ResolutionPaySeller, vo.OrderStatusCompleted, vo.DisputeStatusResolvedSeller},
		{vo.ResolutionRefundBuyer, vo.OrderStatusCancelled, vo.DisputeStatusResolvedBuyer},
		{vo.ResolutionSplit, vo.OrderStatusCompleted, vo.DisputeStatusResolvedSplit},
	}

	for _, tt := range tests {
		t.Run(string(tt.resolution), func(t *testing.T) {
			e := defaultEnv(t)
			opened := e.disputed(t)
			ctx := context.Background()

			e.flaky.failNextClose()
			out, err := e.orch.ResolveDispute(ctx, admin(), opened.Dispute.ID, tt.resolution, "решение")
			require.NoError(t, err)
			assert.NotEmpty(t, out.Warnings)

			stuck := e.reload(t, opened.Order.ID)
			assert.Equal(t, tt.order, stuck.Order.Status)
			assert.Equal(t, vo.DisputeStatusOpen, stuck.Dispute.Status)

			out, err = e.orch.ResolveDispute(ctx, admin(), opened.Dispute.ID, tt.resolution, "повтор")
			require.NoError(t, err)
			assert.Empty(t, out.Warnings)
			assert.Equal(t, tt.dispute, out.Dispute.Status)

			final := e.reload(t, opened.Order.ID)
			assert.Equal(t, tt.dispute, final.Dispute.Status)
			assert.Equal(t, tt.resolution, final.Escrow.Resolution)
			assert.Equal(t, 1, e.settlement.count())
		})
	}
}

func TestResolveDispute_RetryWithOtherResolutionIsConflict(t *testing.T) {
	e := defaultEnv(t)
	opened := e.disputed(t)
	ctx := context.Background()

	e.flaky.failNextClose()
	_, err := e.orch.ResolveDispute(ctx, admin(), opened.Dispute.ID, vo.ResolutionPaySeller, "")
	require.NoError(t, err)

	// Заказ завершён выплатой продавцу, split его не отменяет и не переводит деньги заново.
	_, err = e.orch.ResolveDispute(ctx, admin(), opened.Dispute.ID, vo.ResolutionSplit, "")
	assert.True(t, apperror.IsConflict(err))
	_, err = e.orch.ResolveDispute(ctx, admin(), opened.Dispute.ID, vo.ResolutionRefundBuyer, "")
	assert.True(t, apperror.IsConflict(err))
	assert.Equal(t, 1, e.settlement.count())
}

func TestCancelDispute_RetryAfterDisputeWriteFailure(t *testing.T) {
	e := defaultEnv(t)
	opened := e.disputed(t)
	ctx := context.Background()

	e.flaky.failNextClose()
	out, err := e.orch.CancelDispute(ctx, client(), opened.Dispute.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Warnings)

	out, err = e.orch.CancelDispute(ctx, client(), opened.Dispute.ID)
	require.NoError(t, err)
	assert.Equal(t, vo.DisputeStatusCancelled, out.Dispute.Status)
	assert.Equal(t, 1, e.settlement.count())
}

func TestResolveDispute_RequiresAdmin(t *testing.T) {
	e := defaultEnv(t)
	opened := e.disputed(t)

	_, err := e.orch.ResolveDispute(context.Background(), client(), opened.Dispute.ID, vo.ResolutionRefundBuyer, "")
	assert.True(t, apperror.IsForbidden(err))
}

func TestAutoResolve_ConfidenceGate(t *testing.T) {
	tests := []struct {
		name       string
		confidence int
		resolved   bool
	}{
		{"уверенность 90", 90, true},
		{"уверенность 80", 80, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := defaultEnv(t)
			opened := e.disputed(t)
			e.advisor.On("Arbitrate", mock.Anything, mock.Anything).Return(repository.Verdict{
				Analysis:       "агент выполнил требования",
				Recommendation: vo.RecommendPaySeller,
				Confidence:     tt.confidence,
			}, nil).Once()

			arb, err := e.orch.ArbitrateDispute(context.Background(), admin(), opened.Dispute.ID)
			require.NoError(t, err)
			assert.Equal(t, vo.DisputeStatusAIArbitrated, arb.Dispute.Status)
			assert.Zero(t, e.settlement.count())

			out, resolved, err := e.orch.AutoResolveDispute(context.Background(), admin(), opened.Dispute.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.resolved, resolved)

			final := e.reload(t, opened.Order.ID)
			if tt.resolved {
				assert.Equal(t, vo.DisputeStatusResolvedSeller, out.Dispute.Status)
				assert.Equal(t, vo.DisputeStatusResolvedSeller, final.Dispute.Status)
				assert.True(t, final.Dispute.AutoResolved)
				assert.Equal(t, dispute.ResolvedByAI, final.Dispute.ResolvedBy)
				assert.Equal(t, vo.EscrowStatusReleased, final.Escrow.Status)
				assert.Equal(t, vo.OrderStatusCompleted, final.Order.Status)
				assert.Equal(t, 1, e.settlement.count())
				return
			}
			assert.Equal(t, vo.DisputeStatusAIArbitrated, final.Dispute.Status)
			assert.Equal(t, vo.EscrowStatusDisputed, final.Escrow.Status)
			assert.Equal(t, vo.OrderStatusDisputed, final.Order.Status)
			assert.Zero(t, e.settlement.count())
		})
	}
}

func TestAutoResolve_SettlementFailureRestoresArbitrated(t *testing.T) {
	e := defaultEnv(t)
	opened := e.disputed(t)
	e.advisor.On("Arbitrate", mock.Anything, mock.Anything).Return(repository.Verdict{
		Recommendation: vo.RecommendRefundBuyer,
		Confidence:     95,
	}, nil).Once()

	_, err := e.orch.ArbitrateDispute(context.Background(), admin(), opened.Dispute.ID)
	require.NoError(t, err)

	e.settlement.setFail(errors.New("rpc unavailable"))
	_, resolved, err := e.orch.AutoResolveDispute(context.Background(), admin(), opened.Dispute.ID)
	require.Error(t, err)
	assert.False(t, resolved)

	final := e.reload(t, opened.Order.ID)
	assert.Equal(t, vo.DisputeStatusAIArbitrated, final.Dispute.Status)
	assert.Equal(t, vo.EscrowStatusDisputed, final.Escrow.Status)
	assert.Equal(t, vo.OrderStatusDisputed, final.Order.Status)

	e.settlement.setFail(nil)
	_, resolved, err = e.orch.AutoResolveDispute(context.Background(), admin(), opened.Dispute.ID)
	require.NoError(t, err)
	assert.True(t, resolved)

	final = e.reload(t, opened.Order.ID)
	assert.Equal(t, vo.DisputeStatusResolvedBuyer, final.Dispute.Status)
	assert.Equal(t, vo.OrderStatusCancelled, final.Order.Status)
	assert.Equal(t, vo.EscrowStatusRefunded, final.Escrow.Status)
}

func TestAutoResolve_StuckAutoResolvedCompletesOnRetry(t *testing.T) {
	e := defaultEnv(t)
	opened := e.disputed(t)
	ctx := context.Background()
	e.advisor.On("Arbitrate", mock.Anything, mock.Anything).Return(repository.Verdict{
		Recommendation: vo.RecommendRefundBuyer,
		Confidence:     95,
	}, nil).Once()
	_, err := e.orch.ArbitrateDispute(ctx, admin(), opened.Dispute.ID)
	require.NoError(t, err)

	e.flaky.failNextClose()
	out, resolved, err := e.orch.AutoResolveDispute(ctx, admin(), opened.Dispute.ID)
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.NotEmpty(t, out.Warnings)

	stuck := e.reload(t, opened.Order.ID)
	assert.Equal(t, vo.DisputeStatusAutoResolved, stuck.Dispute.Status)
	assert.Equal(t, vo.OrderStatusCancelled, stuck.Order.Status)
	assert.Equal(t, vo.EscrowStatusRefunded, stuck.Escrow.Status)

	// Ручное решение, отличное от рекомендации, не принимается.
	_, err = e.orch.ResolveDispute(ctx, admin(), opened.Dispute.ID, vo.ResolutionPaySeller, "")
	assert.True(t, apperror.IsConflict(err))

	out, resolved, err = e.orch.AutoResolveDispute(ctx, admin(), opened.Dispute.ID)
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.Equal(t, vo.DisputeStatusResolvedBuyer, out.Dispute.Status)

	final := e.reload(t, opened.Order.ID)
	assert.Equal(t, vo.DisputeStatusResolvedBuyer, final.Dispute.Status)
	assert.True(t, final.Dispute.AutoResolved)
	assert.Equal(t, dispute.ResolvedByAI, final.Dispute.ResolvedBy)
	assert.Equal(t, 1, e.settlement.count())
}

func TestResolveDispute_CompletesStuckAutoResolution(t *testing.T) {
	e := defaultEnv(t)
	opened := e.disputed(t)
	ctx := context.Background()
	e.advisor.On("Arbitrate", mock.Anything, mock.Anything).Return(repository.Verdict{
		Recommendation: vo.RecommendPaySeller,
		Confidence:     90,
	}, nil).Once()
	_, err := e.orch.ArbitrateDispute(ctx, admin(), opened.Dispute.ID)
	require.NoError(t, err)

	e.flaky.failNextClose()
	_, _, err = e.orch.AutoResolveDispute(ctx, admin(), opened.Dispute.ID)
	require.NoError(t, err)

	out, err := e.orch.ResolveDispute(ctx, admin(), opened.Dispute.ID, vo.ResolutionPaySeller, "")
	require.NoError(t, err)
	assert.Equal(t, vo.DisputeStatusResolvedSeller, out.Dispute.Status)
	assert.Equal(t, vo.EscrowStatusReleased, out.Escrow.Status)
	assert.Equal(t, 1, e.settlement.count())
}

func TestArbitrate_PolicyAutoResolves(t *testing.T) {
	e := newEnv(t, transaction.Config{MinDisputeReasonLength: 10, AutoResolveThreshold: 85, AutoResolveAfterArbitration: true})
	opened := e.disputed(t)
	e.advisor.On("Arbitrate", mock.Anything, mock.Anything).Return(repository.Verdict{
		Recommendation: vo.RecommendPartialRefund,
		Confidence:     92,
	}, nil).Once()

	out, err := e.orch.ArbitrateDispute(context.Background(), admin(), opened.Dispute.ID)
	require.NoError(t, err)
	assert.Equal(t, vo.DisputeStatusResolvedSplit, out.Dispute.Status)

	final := e.reload(t, opened.Order.ID)
	assert.Equal(t, vo.EscrowStatusResolved, final.Escrow.Status)
	assert.Equal(t, vo.OrderStatusCompleted, final.Order.Status)

	require.Equal(t, 1, e.settlement.count())
	var total vo.Money
	for _, leg := range e.settlement.batches[0].Legs {
		total += leg.Amount
	}
	assert.Equal(t, vo.Money(100_000_000), total)
}

func TestCancelDispute_BuyerWithdrawalPaysSeller(t *testing.T) {
	e := defaultEnv(t)
	opened := e.disputed(t)

	_, err := e.orch.CancelDispute(context.Background(), agent(), opened.Dispute.ID)
	assert.True(t, apperror.IsForbidden(err))

	out, err := e.orch.CancelDispute(context.Background(), client(), opened.Dispute.ID)
	require.NoError(t, err)
	assert.Empty(t, out.Warnings)

	final := e.reload(t, opened.Order.ID)
	assert.Equal(t, vo.DisputeStatusCancelled, final.Dispute.Status)
	assert.Equal(t, vo.EscrowStatusReleased, final.Escrow.Status)
	assert.Equal(t, transaction.ResolvedByBuyerWithdrawal, final.Escrow.ResolvedBy)
	assert.Equal(t, vo.OrderStatusCompleted, final.Order.Status)
}

func TestSweep_ReleasesDeliveredOrderOnce(t *testing.T) {
	e := defaultEnv(t)
	res := e.delivered(t)
	ctx := context.Background()

	report, err := e.orch.RunAutoReleaseSweep(ctx, baseTime.Add(71*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.Due)

	report, err = e.orch.RunAutoReleaseSweep(ctx, baseTime.Add(73*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, 1, report.Completed)

	final := e.reload(t, res.Order.ID)
	assert.Equal(t, vo.EscrowStatusReleased, final.Escrow.Status)
	assert.Equal(t, vo.OrderStatusCompleted, final.Order.Status)

	report, err = e.orch.RunAutoReleaseSweep(ctx, baseTime.Add(74*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.Released)
	assert.Equal(t, 1, e.settlement.count())
}

func TestSweep_SkipsDisputedAndKeepsUndeliveredOrder(t *testing.T) {
	e := defaultEnv(t)
	opened := e.disputed(t)
	inProgress := e.createPaid(t)
	_, err := e.orch.StartWork(context.Background(), agent(), inProgress.Order.ID)
	require.NoError(t, err)

	report, err := e.orch.RunAutoReleaseSweep(context.Background(), baseTime.Add(100*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Released)
	assert.Zero(t, report.Completed)

	disputed := e.reload(t, opened.Order.ID)
	assert.Equal(t, vo.EscrowStatusDisputed, disputed.Escrow.Status)
	assert.Equal(t, vo.OrderStatusDisputed, disputed.Order.Status)

	working := e.reload(t, inProgress.Order.ID)
	assert.Equal(t, vo.EscrowStatusReleased, working.Escrow.Status)
	assert.Equal(t, vo.OrderStatusInProgress, working.Order.Status)
}

func TestSweep_OverlappingRunIsLocked(t *testing.T) {
	e := defaultEnv(t)
	e.delivered(t)

	unlock, acquired, err := e.lock.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	report, err := e.orch.RunAutoReleaseSweep(context.Background(), baseTime.Add(100*time.Hour))
	require.NoError(t, err)
	assert.True(t, report.Locked)
	assert.Zero(t, e.settlement.count())

	unlock()
	report, err = e.orch.RunAutoReleaseSweep(context.Background(), baseTime.Add(100*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Released)
}
