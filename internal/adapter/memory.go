package adapter

import (
	"context"
	"sync"

	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// MemoryAdapter keeps entities in process. It backs tests and the "memory"
// database driver, and can be told to fail to exercise side-effect handling.
type MemoryAdapter struct {
	mu         sync.Mutex
	entityType repository.EntityType
	entities   map[string]*EntitySnapshot
	statuses   map[string]repository.InstanceStatus
	approved   map[string]int
	onApproved func(ctx context.Context, snap *EntitySnapshot) error

	applyErr    error
	approvedErr error
}

// NewMemoryAdapter creates an empty adapter for t.
func NewMemoryAdapter(t repository.EntityType) *MemoryAdapter {
	return &MemoryAdapter{
		entityType: t,
		entities:   make(map[string]*EntitySnapshot),
		statuses:   make(map[string]repository.InstanceStatus),
		approved:   make(map[string]int),
	}
}

// Put adds or replaces an entity.
func (m *MemoryAdapter) Put(snap EntitySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.EntityType = m.entityType
	m.entities[snap.EntityID] = &snap
}

// FailApplyStatus makes ApplyStatus return err until reset with nil.
func (m *MemoryAdapter) FailApplyStatus(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

// FailOnApproved makes OnApproved return err until reset with nil.
func (m *MemoryAdapter) FailOnApproved(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvedErr = err
}

// Status returns the mirrored approval status, "" when never written.
func (m *MemoryAdapter) Status(entityID string) repository.InstanceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[entityID]
}

// ApprovedCalls counts successful OnApproved calls for an entity.
func (m *MemoryAdapter) ApprovedCalls(entityID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.approved[entityID]
}

func (m *MemoryAdapter) EntityType() repository.EntityType { return m.entityType }

func (m *MemoryAdapter) Fetch(_ context.Context, entityID string) (*EntitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.entities[entityID]
	if !ok {
		return nil, entityNotFound(m.entityType, entityID)
	}
	c := *snap
	return &c, nil
}

func (m *MemoryAdapter) ApplyStatus(_ context.Context, entityID string, status repository.InstanceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applyErr != nil {
		return m.applyErr
	}
	if _, ok := m.entities[entityID]; !ok {
		return entityNotFound(m.entityType, entityID)
	}
	m.statuses[entityID] = status
	return nil
}

func (m *MemoryAdapter) OnApproved(ctx context.Context, entityID string) error {
	m.mu.Lock()
	if m.approvedErr != nil {
		err := m.approvedErr
		m.mu.Unlock()
		return err
	}
	snap, ok := m.entities[entityID]
	if !ok {
		m.mu.Unlock()
		return entityNotFound(m.entityType, entityID)
	}
	c := *snap
	hook := m.onApproved
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, &c); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.approved[entityID]++
	m.mu.Unlock()
	return nil
}

// MemoryFinance records finance transactions idempotently on source.
type MemoryFinance struct {
	mu  sync.Mutex
	txs map[string]client.FinanceTransaction
}

func NewMemoryFinance() *MemoryFinance {
	return &MemoryFinance{txs: make(map[string]client.FinanceTransaction)}
}

func (f *MemoryFinance) RecordTransaction(_ context.Context, tx *client.FinanceTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := tx.SourceType + "/" + tx.SourceID
	if _, ok := f.txs[key]; !ok {
		f.txs[key] = *tx
	}
	return nil
}

// Transactions returns every booked transaction.
func (f *MemoryFinance) Transactions() []client.FinanceTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]client.FinanceTransaction, 0, len(f.txs))
	for _, tx := range f.txs {
		out = append(out, tx)
	}
	return out
}

// MemorySet is the in-memory adapter for every governed entity type.
type MemorySet struct {
	RAB           *MemoryAdapter
	PurchaseOrder *MemoryAdapter
	BeritaAcara   *MemoryAdapter
	Payment       *MemoryAdapter
	Finance       client.FinanceRecorder
}

// NewMemorySet builds in-memory adapters. Approved payments book a
// transaction through finance.
func NewMemorySet(finance client.FinanceRecorder) *MemorySet {
	set := &MemorySet{
		RAB:           NewMemoryAdapter(repository.EntityRAB),
		PurchaseOrder: NewMemoryAdapter(repository.EntityPurchaseOrder),
		BeritaAcara:   NewMemoryAdapter(repository.EntityBeritaAcara),
		Payment:       NewMemoryAdapter(repository.EntityPayment),
		Finance:       finance,
	}
	set.Payment.onApproved = func(ctx context.Context, snap *EntitySnapshot) error {
		return finance.RecordTransaction(ctx, PaymentTransaction(snap))
	}
	return set
}

// Registry exposes the set as a Registry.
func (s *MemorySet) Registry() *Registry {
	return NewRegistry(s.RAB, s.PurchaseOrder, s.BeritaAcara, s.Payment)
}
