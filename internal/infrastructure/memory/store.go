// Package memory: хранилища в памяти процесса для тестов и STORE_DRIVER=memory.
// Записи копируются на входе и выходе, поэтому UpdateIfStatus ведёт себя так же,
// как условный UPDATE в PostgreSQL.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
	"github.com/ignatzorin/agent-escrow/internal/domain/repository"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
)

func statusIn[S comparable](current S, expected []S) bool {
	for _, s := range expected {
		if s == current {
			return true
		}
	}
	return false
}

// ---- orders ----

type OrderStore struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]entity.Order
}

func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[uuid.UUID]entity.Order)}
}

func cloneOrder(o entity.Order) *entity.Order {
	c := o
	if o.EscrowID != nil {
		id := *o.EscrowID
		c.EscrowID = &id
	}
	if o.Requirements.Inputs != nil {
		c.Requirements.Inputs = make(map[string]string, len(o.Requirements.Inputs))
		for k, v := range o.Requirements.Inputs {
			c.Requirements.Inputs[k] = v
		}
	}
	c.Requirements.FileRefs = append([]string(nil), o.Requirements.FileRefs...)
	c.Delivery.Deliverables = append([]entity.Deliverable(nil), o.Delivery.Deliverables...)
	return &c
}

func (s *OrderStore) Create(_ context.Context, o *entity.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return apperror.New(apperror.ErrCodeConflict, "заказ уже существует")
	}
	s.orders[o.ID] = *cloneOrder(*o)
	return nil
}

func (s *OrderStore) FindByID(_ context.Context, id uuid.UUID) (*entity.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, apperror.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (s *OrderStore) UpdateIfStatus(_ context.Context, o *entity.Order, expected ...vo.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[o.ID]
	if !ok {
		return apperror.ErrOrderNotFound
	}
	if !statusIn(current.Status, expected) {
		return apperror.ErrStaleStatus
	}
	next := *cloneOrder(*o)
	if current.EscrowID != nil {
		next.EscrowID = current.EscrowID
	}
	s.orders[o.ID] = next
	return nil
}

// ---- escrows ----

type EscrowStore struct {
	mu      sync.RWMutex
	escrows map[uuid.UUID]entity.Escrow
}

func NewEscrowStore() *EscrowStore {
	return &EscrowStore{escrows: make(map[uuid.UUID]entity.Escrow)}
}

func cloneEscrow(e entity.Escrow) *entity.Escrow {
	c := e
	return &c
}

func (s *EscrowStore) Create(_ context.Context, e *entity.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.escrows {
		if existing.OrderID == e.OrderID && !existing.Status.IsTerminal() {
			return apperror.New(apperror.ErrCodeConflict, "у заказа уже есть активный escrow")
		}
	}
	s.escrows[e.ID] = *e
	return nil
}

func (s *EscrowStore) FindByID(_ context.Context, id uuid.UUID) (*entity.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, apperror.ErrEscrowNotFound
	}
	return cloneEscrow(e), nil
}

func (s *EscrowStore) FindByOrderID(_ context.Context, orderID uuid.UUID) (*entity.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *entity.Escrow
	for _, e := range s.escrows {
		if e.OrderID != orderID {
			continue
		}
		if found == nil || e.CreatedAt.After(found.CreatedAt) {
			found = cloneEscrow(e)
		}
	}
	if found == nil {
		return nil, apperror.ErrEscrowNotFound
	}
	return found, nil
}

func (s *EscrowStore) UpdateIfStatus(_ context.Context, e *entity.Escrow, expected ...vo.EscrowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.escrows[e.ID]
	if !ok {
		return apperror.ErrEscrowNotFound
	}
	if !statusIn(current.Status, expected) {
		return apperror.ErrStaleStatus
	}
	s.escrows[e.ID] = *e
	return nil
}

func (s *EscrowStore) FindDueForAutoRelease(_ context.Context, now time.Time, limit int) ([]*entity.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*entity.Escrow
	for _, e := range s.escrows {
		if e.DueForAutoRelease(now) {
			due = append(due, cloneEscrow(e))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].AutoReleaseDeadline.Before(*due[j].AutoReleaseDeadline)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ---- disputes ----

type DisputeStore struct {
	mu       sync.RWMutex
	disputes map[string]entity.Dispute
}

func NewDisputeStore() *DisputeStore {
	return &DisputeStore{disputes: make(map[string]entity.Dispute)}
}

func cloneDispute(d entity.Dispute) *entity.Dispute {
	c := d
	if d.AIConfidence != nil {
		v := *d.AIConfidence
		c.AIConfidence = &v
	}
	return &c
}

func (s *DisputeStore) Create(_ context.Context, d *entity.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.disputes {
		if existing.OrderID == d.OrderID && !existing.Status.IsTerminal() {
			return apperror.New(apperror.ErrCodeConflict, "по заказу уже открыт спор")
		}
	}
	s.disputes[d.ID] = *cloneDispute(*d)
	return nil
}

func (s *DisputeStore) FindByID(_ context.Context, id string) (*entity.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, apperror.ErrDisputeNotFound
	}
	return cloneDispute(d), nil
}

func (s *DisputeStore) FindActiveByOrderID(_ context.Context, orderID uuid.UUID) (*entity.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disputes {
		if d.OrderID == orderID && !d.Status.IsTerminal() {
			return cloneDispute(d), nil
		}
	}
	return nil, apperror.ErrDisputeNotFound
}

func (s *DisputeStore) ListByOrderID(_ context.Context, orderID uuid.UUID) ([]*entity.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*entity.Dispute
	for _, d := range s.disputes {
		if d.OrderID == orderID {
			result = append(result, cloneDispute(d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *DisputeStore) UpdateIfStatus(_ context.Context, d *entity.Dispute, expected ...vo.DisputeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.disputes[d.ID]
	if !ok {
		return apperror.ErrDisputeNotFound
	}
	if !statusIn(current.Status, expected) {
		return apperror.ErrStaleStatus
	}
	s.disputes[d.ID] = *cloneDispute(*d)
	return nil
}

// ---- agents ----

type AgentStore struct {
	mu      sync.RWMutex
	agents  map[uuid.UUID]entity.Agent
	applied map[uuid.UUID]struct{}
}

func NewAgentStore() *AgentStore {
	return &AgentStore{
		agents:  make(map[uuid.UUID]entity.Agent),
		applied: make(map[uuid.UUID]struct{}),
	}
}

func (s *AgentStore) Create(_ context.Context, a *entity.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; ok {
		return apperror.New(apperror.ErrCodeConflict, "агент уже существует")
	}
	s.agents[a.ID] = *a
	return nil
}

func (s *AgentStore) FindByID(_ context.Context, id uuid.UUID) (*entity.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, apperror.ErrAgentNotFound
	}
	return &a, nil
}

func (s *AgentStore) ApplyCompletion(_ context.Context, eventID, agentID uuid.UUID, amount vo.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.applied[eventID]; done {
		return nil
	}
	a, ok := s.agents[agentID]
	if !ok {
		return apperror.ErrAgentNotFound
	}
	a.JobsCompleted++
	a.TotalEarned += amount
	s.agents[agentID] = a
	s.applied[eventID] = struct{}{}
	return nil
}

// ---- outbox ----

type OutboxStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]entity.OutboxEvent
}

func NewOutboxStore() *OutboxStore {
	return &OutboxStore{events: make(map[uuid.UUID]entity.OutboxEvent)}
}

func (s *OutboxStore) Enqueue(_ context.Context, e *entity.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events {
		if existing.OrderID == e.OrderID && existing.Kind == e.Kind {
			return nil
		}
	}
	s.events[e.ID] = *e
	return nil
}

func (s *OutboxStore) FetchPending(_ context.Context, limit int) ([]*entity.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*entity.OutboxEvent
	for _, e := range s.events {
		if e.Status == entity.OutboxPending {
			c := e
			pending = append(pending, &c)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *OutboxStore) Save(_ context.Context, e *entity.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = *e
	return nil
}

// All возвращает копию всех событий (для проверок в тестах и админки).
func (s *OutboxStore) All() []entity.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]entity.OutboxEvent, 0, len(s.events))
	for _, e := range s.events {
		result = append(result, e)
	}
	return result
}

// ---- sweep lock ----

type SweepLock struct {
	mu sync.Mutex
}

func NewSweepLock() *SweepLock {
	return &SweepLock{}
}

func (l *SweepLock) TryLock(_ context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}

// ---- settlement ----

// Settlement исполняет пакеты в памяти: режим STORE_DRIVER=memory без фасилитатора.
// Повтор с тем же ключом идемпотентности возвращает прежний reference.
type Settlement struct {
	mu      sync.Mutex
	batches map[string]repository.TransferBatch
	refs    map[string]string
}

func NewSettlement() *Settlement {
	return &Settlement{
		batches: make(map[string]repository.TransferBatch),
		refs:    make(map[string]string),
	}
}

func (s *Settlement) Transfer(_ context.Context, batch repository.TransferBatch) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.refs[batch.IdempotencyKey]; ok {
		return ref, nil
	}
	if len(batch.Legs) == 0 {
		return "", apperror.New(apperror.ErrCodeValidation, "пустой пакет переводов")
	}
	ref := "mem-" + uuid.NewString()
	s.batches[batch.IdempotencyKey] = batch
	s.refs[batch.IdempotencyKey] = ref
	return ref, nil
}

// Batches возвращает число исполненных пакетов.
func (s *Settlement) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}
