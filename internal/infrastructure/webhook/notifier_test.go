package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *recorder) add(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return len(r.keys)
}

func testEvent() repository.WebhookEvent {
	return repository.WebhookEvent{
		ID:         uuid.New(),
		Type:       "order.created",
		OrderID:    uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		OccurredAt: time.Now(),
		Data:       json.RawMessage(`{"amount_usdc":"100.00"}`),
	}
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n := rec.add(r.Header.Get("Idempotency-Key")); n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(nil).WithBackoff(time.Millisecond)
	require.NoError(t, n.Deliver(context.Background(), srv.URL, testEvent()))

	assert.Equal(t, []string{
		"11111111-1111-1111-1111-111111111111-1",
		"11111111-1111-1111-1111-111111111111-2",
		"11111111-1111-1111-1111-111111111111-3",
	}, rec.keys)
}

func TestDeliver_ClientErrorIsPermanent(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	n := NewNotifier(nil).WithBackoff(time.Millisecond)
	err := n.Deliver(context.Background(), srv.URL, testEvent())
	require.Error(t, err)

	var perm *PermanentError
	assert.ErrorAs(t, err, &perm)
	assert.Len(t, rec.keys, 1)
}

func TestDeliver_GivesUpAfterThreeAttempts(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewNotifier(nil).WithBackoff(time.Millisecond)
	err := n.Deliver(context.Background(), srv.URL, testEvent())
	require.Error(t, err)
	assert.Len(t, rec.keys, 3)
}

func TestDeliver_EmptyURLIsNoop(t *testing.T) {
	n := NewNotifier(nil)
	assert.NoError(t, n.Deliver(context.Background(), "", testEvent()))
}
