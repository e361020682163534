package repository

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
)

// The memory stores mirror the Postgres repositories for tests and for the
// "memory" database driver. Every value crossing the API is a copy.

// ── Definitions ──────────────────────────────────────────────────────────────

// MemoryDefinitions is an in-process WorkflowDefinitionRepository.
type MemoryDefinitions struct {
	mu   sync.RWMutex
	clk  clock.Clock
	defs []*WorkflowDefinition
}

// NewMemoryDefinitions creates an empty definition store.
func NewMemoryDefinitions(clk clock.Clock) *MemoryDefinitions {
	return &MemoryDefinitions{clk: clk}
}

func (m *MemoryDefinitions) CreateVersion(_ context.Context, def *WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest := 0
	for _, d := range m.defs {
		if d.EntityType == def.EntityType && d.Name == def.Name {
			latest = max(latest, d.Version)
			d.IsActive = false
		}
	}

	now := m.clk.Now()
	def.ID = uuid.NewString()
	def.Version = latest + 1
	def.IsActive = true
	def.CreatedAt = now
	def.UpdatedAt = now
	m.defs = append(m.defs, cloneDefinition(def))
	return nil
}

func (m *MemoryDefinitions) GetByID(_ context.Context, id string) (*WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.defs {
		if d.ID == id {
			return cloneDefinition(d), nil
		}
	}
	return nil, errors.NotFound("workflow_definition", id)
}

func (m *MemoryDefinitions) GetActive(_ context.Context, entityType EntityType, name string) (*WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.defs {
		if d.EntityType == entityType && d.Name == name && d.IsActive {
			return cloneDefinition(d), nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeWorkflowNotFound,
		"no active workflow %q for entity type %s", name, entityType)
}

func (m *MemoryDefinitions) List(_ context.Context, entityType EntityType, activeOnly bool) ([]*WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*WorkflowDefinition
	for _, d := range m.defs {
		if entityType != "" && d.EntityType != entityType {
			continue
		}
		if activeOnly && !d.IsActive {
			continue
		}
		out = append(out, cloneDefinition(d))
	}
	slices.SortStableFunc(out, func(a, b *WorkflowDefinition) int {
		if a.EntityType != b.EntityType {
			return cmp.Compare(string(a.EntityType), string(b.EntityType))
		}
		if a.Name != b.Name {
			return cmp.Compare(a.Name, b.Name)
		}
		return b.Version - a.Version
	})
	return out, nil
}

// ── Instances ────────────────────────────────────────────────────────────────

type memInstance struct {
	inst      *ApprovalInstance
	createSeq int64
	updateSeq int64
}

// MemoryInstances is an in-process ApprovalInstanceRepository. A single mutex
// serialises transitions the way the row lock does in Postgres.
type MemoryInstances struct {
	mu        sync.Mutex
	clk       clock.Clock
	seq       int64
	instances map[string]*memInstance
	audit     []*AuditEntry
}

// NewMemoryInstances creates an empty instance store.
func NewMemoryInstances(clk clock.Clock) *MemoryInstances {
	return &MemoryInstances{clk: clk, instances: make(map[string]*memInstance)}
}

func (m *MemoryInstances) Create(_ context.Context, inst *ApprovalInstance, audit *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mi := range m.instances {
		if mi.inst.EntityType == inst.EntityType && mi.inst.EntityID == inst.EntityID &&
			mi.inst.OverallStatus == InstancePending {
			return errors.Newf(errors.ErrCodeDuplicateSubmission,
				"%s %s already has a pending approval", inst.EntityType, inst.EntityID)
		}
	}

	now := m.clk.Now()
	inst.ID = uuid.NewString()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	for _, s := range inst.Steps {
		s.ID = uuid.NewString()
		s.ApprovalInstanceID = inst.ID
		s.CreatedAt = now
		s.UpdatedAt = now
	}

	m.seq++
	m.instances[inst.ID] = &memInstance{inst: cloneInstance(inst), createSeq: m.seq, updateSeq: m.seq}

	if audit != nil {
		audit.InstanceID = inst.ID
		if len(inst.Steps) > 0 {
			audit.StepID = &inst.Steps[0].ID
		}
		m.appendAudit(audit, now)
	}
	return nil
}

func (m *MemoryInstances) Transition(_ context.Context, instanceID string, decide TransitionFunc) (*ApprovalInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, ok := m.instances[instanceID]
	if !ok {
		return nil, errors.NotFound("approval_instance", instanceID)
	}
	stored := mi.inst.StepAt(mi.inst.CurrentStep)
	if stored == nil {
		return nil, errors.New(errors.ErrCodeNoActionableStep, "no step at the current position")
	}

	inst := cloneInstance(mi.inst)
	inst.Steps = nil
	step := cloneStep(stored)

	entry, err := decide(inst, step)
	if err != nil {
		return nil, err
	}

	now := m.clk.Now()
	step.UpdatedAt = now
	*stored = *step

	mi.inst.OverallStatus = inst.OverallStatus
	mi.inst.CurrentStep = inst.CurrentStep
	mi.inst.CompletedAt = inst.CompletedAt
	mi.inst.UpdatedAt = now
	m.seq++
	mi.updateSeq = m.seq

	if entry != nil {
		entry.InstanceID = inst.ID
		if entry.StepID == nil {
			entry.StepID = &step.ID
		}
		m.appendAudit(entry, now)
	}
	return cloneInstance(mi.inst), nil
}

func (m *MemoryInstances) GetByID(_ context.Context, id string) (*ApprovalInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, ok := m.instances[id]
	if !ok {
		return nil, errors.NotFound("approval_instance", id)
	}
	return cloneInstance(mi.inst), nil
}

func (m *MemoryInstances) GetLatestByEntity(_ context.Context, entityType EntityType, entityID string) (*ApprovalInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *memInstance
	for _, mi := range m.instances {
		if mi.inst.EntityType != entityType || mi.inst.EntityID != entityID {
			continue
		}
		if latest == nil || mi.createSeq > latest.createSeq {
			latest = mi
		}
	}
	if latest == nil {
		return nil, errors.NotFound("approval_instance", string(entityType)+"/"+entityID)
	}
	return cloneInstance(latest.inst), nil
}

func (m *MemoryInstances) FindPendingByEntity(_ context.Context, entityType EntityType, entityID string) (*ApprovalInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mi := range m.instances {
		if mi.inst.EntityType == entityType && mi.inst.EntityID == entityID &&
			mi.inst.OverallStatus == InstancePending {
			return cloneInstance(mi.inst), nil
		}
	}
	return nil, nil
}

func (m *MemoryInstances) ListPendingForRole(_ context.Context, role string, limit int) ([]*ApprovalInstance, error) {
	return m.filter(func(mi *memInstance) bool {
		if mi.inst.OverallStatus != InstancePending {
			return false
		}
		s := mi.inst.StepAt(mi.inst.CurrentStep)
		return s != nil && s.Status == StepPending && s.Role == role
	}, func(a, b *memInstance) int { return cmp.Compare(a.createSeq, b.createSeq) }, limit), nil
}

func (m *MemoryInstances) ListHistory(_ context.Context, limit int) ([]*ApprovalInstance, error) {
	return m.filter(func(mi *memInstance) bool {
		return mi.inst.OverallStatus.Terminal()
	}, func(a, b *memInstance) int { return cmp.Compare(b.updateSeq, a.updateSeq) }, limit), nil
}

func (m *MemoryInstances) ListByRequester(_ context.Context, requestedBy string, limit int) ([]*ApprovalInstance, error) {
	return m.filter(func(mi *memInstance) bool {
		return mi.inst.RequestedBy == requestedBy
	}, func(a, b *memInstance) int { return cmp.Compare(b.createSeq, a.createSeq) }, limit), nil
}

func (m *MemoryInstances) ListByEntity(_ context.Context, entityType EntityType, entityID string, limit int) ([]*ApprovalInstance, error) {
	return m.filter(func(mi *memInstance) bool {
		return mi.inst.EntityType == entityType && mi.inst.EntityID == entityID
	}, func(a, b *memInstance) int { return cmp.Compare(b.createSeq, a.createSeq) }, limit), nil
}

func (m *MemoryInstances) Stats(_ context.Context, since time.Time) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &Stats{}
	for _, mi := range m.instances {
		if mi.inst.CreatedAt.Before(since) {
			continue
		}
		st.Total++
		switch mi.inst.OverallStatus {
		case InstancePending:
			st.Pending++
		case InstanceApproved:
			st.Approved++
		case InstanceRejected:
			st.Rejected++
		}
	}
	return st, nil
}

func (m *MemoryInstances) ListAudit(_ context.Context, instanceID string) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*AuditEntry{}
	for _, e := range m.audit {
		if e.InstanceID == instanceID {
			c := *e
			c.Metadata = maps.Clone(e.Metadata)
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryInstances) ListOverdueSteps(_ context.Context, now time.Time, limit int) ([]*OverdueStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*OverdueStep
	for _, mi := range m.instances {
		if mi.inst.OverallStatus != InstancePending {
			continue
		}
		s := mi.inst.StepAt(mi.inst.CurrentStep)
		if s == nil || s.Status != StepPending || s.OverdueFlaggedAt != nil || s.DueAt == nil || !s.DueAt.Before(now) {
			continue
		}
		out = append(out, &OverdueStep{
			StepID:     s.ID,
			InstanceID: mi.inst.ID,
			EntityType: mi.inst.EntityType,
			EntityID:   mi.inst.EntityID,
			StepOrder:  s.StepOrder,
			StepName:   s.StepName,
			Role:       s.Role,
			DueAt:      *s.DueAt,
		})
	}
	slices.SortFunc(out, func(a, b *OverdueStep) int { return a.DueAt.Compare(b.DueAt) })
	if limit = ClampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryInstances) MarkStepOverdue(_ context.Context, stepID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mi := range m.instances {
		for _, s := range mi.inst.Steps {
			if s.ID != stepID {
				continue
			}
			if s.Status != StepPending || s.OverdueFlaggedAt != nil {
				return false, nil
			}
			s.OverdueFlaggedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryInstances) filter(keep func(*memInstance) bool, order func(a, b *memInstance) int, limit int) []*ApprovalInstance {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*memInstance
	for _, mi := range m.instances {
		if keep(mi) {
			matched = append(matched, mi)
		}
	}
	slices.SortFunc(matched, order)
	if limit = ClampLimit(limit); len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*ApprovalInstance, len(matched))
	for i, mi := range matched {
		out[i] = cloneInstance(mi.inst)
	}
	return out
}

func (m *MemoryInstances) appendAudit(entry *AuditEntry, at time.Time) {
	entry.ID = uuid.NewString()
	entry.PerformedAt = at
	c := *entry
	c.Metadata = maps.Clone(entry.Metadata)
	m.audit = append(m.audit, &c)
}

// ── Side-effect failures ─────────────────────────────────────────────────────

// MemoryFailures is an in-process SideEffectFailureRepository.
type MemoryFailures struct {
	mu       sync.Mutex
	clk      clock.Clock
	failures []*SideEffectFailure
}

// NewMemoryFailures creates an empty failure store.
func NewMemoryFailures(clk clock.Clock) *MemoryFailures {
	return &MemoryFailures{clk: clk}
}

func (m *MemoryFailures) Record(_ context.Context, f *SideEffectFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.Attempts == 0 {
		f.Attempts = 1
	}
	f.ID = uuid.NewString()
	f.CreatedAt = m.clk.Now()
	c := *f
	m.failures = append(m.failures, &c)
	return nil
}

func (m *MemoryFailures) ListOpen(_ context.Context, maxAttempts, limit int) ([]*SideEffectFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*SideEffectFailure
	for _, f := range m.failures {
		if f.ResolvedAt == nil && f.Attempts < maxAttempts {
			c := *f
			out = append(out, &c)
		}
	}
	if limit = ClampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryFailures) MarkResolved(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.failures {
		if f.ID == id && f.ResolvedAt == nil {
			f.ResolvedAt = &at
			f.LastAttemptAt = at
			f.Attempts++
			return nil
		}
	}
	return errors.NotFound("side_effect_failure", id)
}

func (m *MemoryFailures) MarkAttempt(_ context.Context, id, lastErr string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.failures {
		if f.ID == id && f.ResolvedAt == nil {
			f.Attempts++
			f.Error = lastErr
			f.LastAttemptAt = at
		}
	}
	return nil
}

// All returns every recorded failure, resolved or not.
func (m *MemoryFailures) All() []*SideEffectFailure {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*SideEffectFailure, len(m.failures))
	for i, f := range m.failures {
		c := *f
		out[i] = &c
	}
	return out
}

// ── copy helpers ─────────────────────────────────────────────────────────────

func cloneDefinition(d *WorkflowDefinition) *WorkflowDefinition {
	c := *d
	c.Steps = slices.Clone(d.Steps)
	return &c
}

func cloneInstance(i *ApprovalInstance) *ApprovalInstance {
	c := *i
	if i.Steps != nil {
		c.Steps = make([]*ApprovalStep, len(i.Steps))
		for n, s := range i.Steps {
			c.Steps[n] = cloneStep(s)
		}
	}
	return &c
}

func cloneStep(s *ApprovalStep) *ApprovalStep {
	c := *s
	return &c
}
