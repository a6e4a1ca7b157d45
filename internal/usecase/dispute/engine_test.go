package dispute_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
	"github.com/ignatzorin/agent-escrow/internal/domain/repository"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/infrastructure/memory"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/agent-escrow/internal/usecase/dispute"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAdvisor struct {
	mock.Mock
}

func (m *MockAdvisor) Arbitrate(ctx context.Context, summary string) (repository.Verdict, error) {
	args := m.Called(ctx, summary)
	return args.Get(0).(repository.Verdict), args.Error(1)
}

// slowAdvisor ждёт отмены контекста.
type slowAdvisor struct{}

func (slowAdvisor) Arbitrate(ctx context.Context, _ string) (repository.Verdict, error) {
	<-ctx.Done()
	return repository.Verdict{}, ctx.Err()
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine   *dispute.Engine
	disputes *memory.DisputeStore
	order    *entity.Order
}

func newFixture(t *testing.T, advisor repository.ArbitrationAdvisor) *fixture {
	t.Helper()

	orders := memory.NewOrderStore()
	order, err := entity.NewOrder("gig-1", uuid.New(), "0xbuyer", vo.Money(100_000_000), entity.Requirements{
		Text:   "Сводка по рынку",
		Inputs: map[string]string{"region": "EU"},
	}, "pay-1", baseTime)
	require.NoError(t, err)
	order.RecordDelivery("короткий отчёт", nil, baseTime.Add(time.Hour))
	require.NoError(t, orders.Create(context.Background(), order))

	disputes := memory.NewDisputeStore()
	engine := dispute.NewEngine(disputes, orders, advisor, time.Second, nil).
		WithClock(func() time.Time { return baseTime.Add(2 * time.Hour) })

	return &fixture{engine: engine, disputes: disputes, order: order}
}

func (f *fixture) open(t *testing.T) *entity.Dispute {
	t.Helper()
	d, err := f.engine.Open(context.Background(), dispute.OpenInput{
		OrderID:  f.order.ID,
		Buyer:    "0xbuyer",
		Seller:   "0xseller",
		Amount:   f.order.Amount,
		Category: vo.CategoryQuality,
		Reason:   "Работа неполная",
	})
	require.NoError(t, err)
	return d
}

func TestOpen_SecondActiveDisputeRejected(t *testing.T) {
	f := newFixture(t, nil)
	d := f.open(t)
	assert.Equal(t, vo.DisputeStatusOpen, d.Status)
	assert.Regexp(t, `^DSP-[0-9A-F]{8}$`, d.ID)

	_, err := f.engine.Open(context.Background(), dispute.OpenInput{
		OrderID: f.order.ID, Buyer: "0xbuyer", Seller: "0xseller",
		Amount: f.order.Amount, Category: vo.CategoryOther, Reason: "ещё одна причина",
	})
	require.Error(t, err)
	assert.True(t, apperror.IsConflict(err))
}

func TestOpen_AllowedAfterCancel(t *testing.T) {
	f := newFixture(t, nil)
	d := f.open(t)

	_, err := f.engine.Cancel(context.Background(), d.ID)
	require.NoError(t, err)

	again := f.open(t)
	assert.NotEqual(t, d.ID, again.ID)
}

func TestMarkUnderReview(t *testing.T) {
	f := newFixture(t, nil)
	d := f.open(t)

	got, err := f.engine.MarkUnderReview(context.Background(), d.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, vo.DisputeStatusUnderReview, got.Status)

	_, err = f.engine.MarkUnderReview(context.Background(), d.ID, "admin")
	assert.True(t, apperror.IsConflict(err))
}

func TestRequestArbitration_StoresVerdict(t *testing.T) {
	advisor := new(MockAdvisor)
	advisor.On("Arbitrate", mock.Anything, mock.MatchedBy(func(s string) bool {
		return containsAll(s, "Работа неполная", "Сводка по рынку", "короткий отчёт", "region: EU")
	})).Return(repository.Verdict{
		Analysis:       "результат частично соответствует",
		Recommendation: vo.RecommendPartialRefund,
		Confidence:     80,
	}, nil).Once()

	f := newFixture(t, advisor)
	d := f.open(t)

	got, err := f.engine.RequestArbitration(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, vo.DisputeStatusAIArbitrated, got.Status)
	assert.Equal(t, vo.RecommendPartialRefund, got.AIRecommendation)
	assert.Equal(t, 80, got.Confidence())
	require.NotNil(t, got.AIArbitratedAt)

	stored, err := f.disputes.FindByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, vo.DisputeStatusAIArbitrated, stored.Status)
	advisor.AssertExpectations(t)
}

func TestRequestArbitration_FailureLeavesDisputeUntouched(t *testing.T) {
	advisor := new(MockAdvisor)
	advisor.On("Arbitrate", mock.Anything, mock.Anything).
		Return(repository.Verdict{}, errors.New("connection refused")).Once()

	f := newFixture(t, advisor)
	d := f.open(t)

	_, err := f.engine.RequestArbitration(context.Background(), d.ID)
	require.Error(t, err)
	assert.True(t, apperror.IsExternal(err))

	stored, err := f.disputes.FindByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, vo.DisputeStatusOpen, stored.Status)
	assert.Nil(t, stored.AIConfidence)
}

func TestRequestArbitration_Timeout(t *testing.T) {
	f := newFixture(t, slowAdvisor{})
	d := f.open(t)

	start := time.Now()
	_, err := f.engine.RequestArbitration(context.Background(), d.ID)
	require.Error(t, err)
	assert.True(t, apperror.IsExternal(err))
	assert.Less(t, time.Since(start), 5*time.Second)

	stored, err := f.disputes.FindByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, vo.DisputeStatusOpen, stored.Status)
}

func TestRequestArbitration_WithoutAdvisor(t *testing.T) {
	f := newFixture(t, nil)
	d := f.open(t)

	_, err := f.engine.RequestArbitration(context.Background(), d.ID)
	assert.True(t, apperror.IsExternal(err))
}

func TestRequestArbitration_ClampsConfidence(t *testing.T) {
	advisor := new(MockAdvisor)
	advisor.On("Arbitrate", mock.Anything, mock.Anything).Return(repository.Verdict{
		Recommendation: "maybe",
		Confidence:     140,
	}, nil)

	f := newFixture(t, advisor)
	d := f.open(t)

	got, err := f.engine.RequestArbitration(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Confidence())
	assert.Equal(t, vo.RecommendPartialRefund, got.AIRecommendation)
}

func arbitrated(t *testing.T, rec vo.Recommendation, confidence int) (*fixture, *entity.Dispute) {
	t.Helper()
	advisor := new(MockAdvisor)
	advisor.On("Arbitrate", mock.Anything, mock.Anything).Return(repository.Verdict{
		Analysis:       "анализ",
		Recommendation: rec,
		Confidence:     confidence,
	}, nil)
	f := newFixture(t, advisor)
	d := f.open(t)
	d, err := f.engine.RequestArbitration(context.Background(), d.ID)
	require.NoError(t, err)
	return f, d
}

func TestAutoResolve_Threshold(t *testing.T) {
	tests := []struct {
		name       string
		confidence int
		resolved   bool
	}{
		{"ниже порога", 80, false},
		{"на пороге", 85, true},
		{"выше порога", 90, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, d := arbitrated(t, vo.RecommendRefundBuyer, tt.confidence)

			var calls int
			var gotResolution vo.Resolution
			settle := func(_ context.Context, _ *entity.Dispute, r vo.Resolution) error {
				calls++
				gotResolution = r
				return nil
			}

			got, resolved, err := f.engine.AutoResolveIfConfident(context.Background(), d.ID, 85, settle)
			require.NoError(t, err)
			assert.Equal(t, tt.resolved, resolved)

			if !tt.resolved {
				assert.Zero(t, calls)
				assert.Equal(t, vo.DisputeStatusAIArbitrated, got.Status)
				return
			}
			assert.Equal(t, 1, calls)
			assert.Equal(t, vo.ResolutionRefundBuyer, gotResolution)
			assert.Equal(t, vo.DisputeStatusResolvedBuyer, got.Status)
			assert.True(t, got.AutoResolved)
			assert.Equal(t, dispute.ResolvedByAI, got.ResolvedBy)
		})
	}
}

func TestAutoResolve_PartialRefundBecomesSplit(t *testing.T) {
	f, d := arbitrated(t, vo.RecommendPartialRefund, 95)

	var gotResolution vo.Resolution
	got, resolved, err := f.engine.AutoResolveIfConfident(context.Background(), d.ID, 85,
		func(_ context.Context, _ *entity.Dispute, r vo.Resolution) error {
			gotResolution = r
			return nil
		})
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.Equal(t, vo.ResolutionSplit, gotResolution)
	assert.Equal(t, vo.DisputeStatusResolvedSplit, got.Status)
}

func TestAutoResolve_SettleFailureRestoresArbitrated(t *testing.T) {
	f, d := arbitrated(t, vo.RecommendPaySeller, 95)

	_, resolved, err := f.engine.AutoResolveIfConfident(context.Background(), d.ID, 85,
		func(context.Context, *entity.Dispute, vo.Resolution) error {
			return apperror.External(errors.New("rpc down"), "расчёт недоступен")
		})
	require.Error(t, err)
	assert.False(t, resolved)

	stored, err := f.disputes.FindByID(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, vo.DisputeStatusAIArbitrated, stored.Status)
	assert.Nil(t, stored.ResolvedAt)
}

func TestAutoResolve_ConcurrentCallsSettleOnce(t *testing.T) {
	f, d := arbitrated(t, vo.RecommendPaySeller, 95)

	var settled int32
	settle := func(context.Context, *entity.Dispute, vo.Resolution) error {
		atomic.AddInt32(&settled, 1)
		time.Sleep(10 * time.Millisecond)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = f.engine.AutoResolveIfConfident(context.Background(), d.ID, 85, settle)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&settled))
}

func TestAutoResolve_RequiresArbitration(t *testing.T) {
	f := newFixture(t, nil)
	d := f.open(t)

	_, _, err := f.engine.AutoResolveIfConfident(context.Background(), d.ID, 85,
		func(context.Context, *entity.Dispute, vo.Resolution) error { return nil })
	assert.True(t, apperror.IsConflict(err))
}

func TestResolve(t *testing.T) {
	f := newFixture(t, nil)
	d := f.open(t)

	got, err := f.engine.Resolve(context.Background(), d.ID, vo.ResolutionSplit, "пополам", "admin", false)
	require.NoError(t, err)
	assert.Equal(t, vo.DisputeStatusResolvedSplit, got.Status)
	assert.Equal(t, "admin", got.ResolvedBy)
	assert.False(t, got.AutoResolved)

	_, err = f.engine.Resolve(context.Background(), d.ID, vo.ResolutionPaySeller, "", "admin", false)
	assert.True(t, apperror.IsConflict(err))
}

func TestCancel_OnlyFromOpenOrReview(t *testing.T) {
	f, d := arbitrated(t, vo.RecommendPaySeller, 50)

	_, err := f.engine.Cancel(context.Background(), d.ID)
	assert.True(t, apperror.IsConflict(err))
}

func TestGetActiveByOrder(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.GetActiveByOrder(context.Background(), f.order.ID)
	assert.True(t, apperror.IsNotFound(err))

	d := f.open(t)
	active, err := f.engine.GetActiveByOrder(context.Background(), f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, active.ID)
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
