package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/pesio-ai/be-erp-approvals/internal/adapter"
	"github.com/pesio-ai/be-erp-approvals/internal/auth"
	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

const testSeed = `
workflows:
  - name: RAB Construction Standard
    entity_type: rab
    description: Site engineer, project manager, then finance
    steps:
      - {order: 1, name: Site Review, required_role: site_engineer, sla_hours: 24}
      - {order: 2, name: PM Review, required_role: project_manager, sla_hours: 48}
      - {order: 3, name: Finance Review, required_role: finance, sla_hours: 72}
  - name: PO Standard
    entity_type: purchase_order
    steps:
      - {order: 1, name: PM Approval, required_role: project_manager}
      - {order: 2, name: Finance Approval, required_role: finance}
  - name: PO Tiered
    entity_type: purchase_order
    steps:
      - {order: 1, name: PM Approval, required_role: project_manager}
      - order: 2
        name: Director Approval
        required_role: director
        conditions: {min_amount: 100000000}
      - order: 3
        name: Procurement Check
        required_role: procurement
        conditions:
          attributes:
            - {path: category, op: in, value: [material, equipment]}
  - name: Payment Standard
    entity_type: payment
    steps:
      - {order: 1, name: PM Approval, required_role: project_manager}
      - {order: 2, name: Finance Approval, required_role: finance}
  - name: BA Sign-off
    entity_type: berita_acara
    steps:
      - {order: 1, name: Supervisor Sign-off, required_role: site_engineer}
`

var (
	siteEngineer = auth.Actor{ID: "u-se", Role: "site_engineer"}
	pm           = auth.Actor{ID: "u-pm", Role: "project_manager"}
	finance      = auth.Actor{ID: "u-fin", Role: "finance"}
	director     = auth.Actor{ID: "u-dir", Role: "director"}
	requester    = auth.Actor{ID: "u-qs", Role: "quantity_surveyor"}
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*client.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *client.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) ofType(eventType string) []*client.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*client.Event
	for _, e := range p.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc       *ApprovalService
	defs      *DefinitionService
	sync      *StatusSync
	sched     *Scheduler
	instances *repository.MemoryInstances
	failures  *repository.MemoryFailures
	set       *adapter.MemorySet
	finance   *adapter.MemoryFinance
	pub       *recordingPublisher
	clk       *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))

	log := logger.Nop()
	metrics := NewMetrics(prometheus.NewRegistry())
	pub := &recordingPublisher{}

	instances := repository.NewMemoryInstances(clk)
	failures := repository.NewMemoryFailures(clk)
	defs := NewDefinitionService(repository.NewMemoryDefinitions(clk), time.Minute, log)

	fin := adapter.NewMemoryFinance()
	set := adapter.NewMemorySet(fin)
	set.RAB.Put(adapter.EntitySnapshot{EntityID: "RAB-001", Reference: "RAB-001", Amount: 12_500_000, ProjectID: "PRJ-1"})
	set.PurchaseOrder.Put(adapter.EntitySnapshot{EntityID: "PO-2024-001", Reference: "PO-2024-001", Amount: 50_000_000, ProjectID: "PRJ-1",
		Attributes: []byte(`{"category":"material","supplier":{"name":"CV Maju"}}`)})
	set.PurchaseOrder.Put(adapter.EntitySnapshot{EntityID: "PO-BIG", Reference: "PO-2024-009", Amount: 250_000_000,
		Attributes: []byte(`{"category":"service"}`)})
	set.Payment.Put(adapter.EntitySnapshot{EntityID: "PAY-1", Reference: "PP-001", Amount: 75_000_000, ProjectID: "PRJ-1"})
	set.BeritaAcara.Put(adapter.EntitySnapshot{EntityID: "BA-1", Reference: "BA/2024/01"})

	sync := NewStatusSync(set.Registry(), instances, failures, pub, clk, metrics,
		SyncOptions{Attempts: 2, Delay: time.Millisecond, MaxReplayTries: 3, ReplayBatchSize: 10}, log)
	svc := NewApprovalService(instances, defs, set.Registry(), sync, pub, clk, metrics,
		noop.NewTracerProvider().Tracer("test"), log)
	sched := NewScheduler(instances, sync, pub, clk, metrics, 100, log)

	n, err := defs.LoadSeed(context.Background(), []byte(testSeed))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	return &fixture{
		svc:       svc,
		defs:      defs,
		sync:      sync,
		sched:     sched,
		instances: instances,
		failures:  failures,
		set:       set,
		finance:   fin,
		pub:       pub,
		clk:       clk,
	}
}

func (f *fixture) submit(t *testing.T, et repository.EntityType, id, workflow string) *repository.ApprovalInstance {
	t.Helper()
	res, err := f.svc.Submit(context.Background(), SubmitRequest{
		EntityType:   et,
		EntityID:     id,
		WorkflowName: workflow,
		Actor:        requester,
	})
	require.NoError(t, err)
	return res.Instance
}

// act acts on the step the caller currently sees, like a client that just
// loaded the instance.
func (f *fixture) act(instanceID string, action Action, actor auth.Actor, comments string) (*Result, error) {
	seen, err := f.svc.GetInstance(context.Background(), instanceID)
	if err != nil {
		return nil, err
	}
	return f.svc.Act(context.Background(), ActRequest{
		InstanceID: instanceID,
		Action:     action,
		Actor:      actor,
		Comments:   comments,
		StepOrder:  seen.CurrentStep,
	})
}

func countStatus(inst *repository.ApprovalInstance, status repository.StepStatus) int {
	n := 0
	for _, s := range inst.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}
