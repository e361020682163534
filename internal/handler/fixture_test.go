package handler

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/pesio-ai/be-erp-approvals/internal/adapter"
	"github.com/pesio-ai/be-erp-approvals/internal/auth"
	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
	"github.com/pesio-ai/be-erp-approvals/internal/service"
)

const seed = `
workflows:
  - name: PO Standard
    entity_type: purchase_order
    steps:
      - {order: 1, name: PM Approval, required_role: project_manager}
      - {order: 2, name: Finance Approval, required_role: finance}
`

const testSecret = "handler-test-secret"

type env struct {
	approvals   *service.ApprovalService
	definitions *service.DefinitionService
	verifier    *auth.Verifier
	registry    *prometheus.Registry
	set         *adapter.MemorySet
}

func newEnv(t *testing.T) *env {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC))
	log := logger.Nop()
	reg := prometheus.NewRegistry()
	metrics := service.NewMetrics(reg)
	var pub client.EventPublisher = client.NopPublisher{}

	instances := repository.NewMemoryInstances(clk)
	defs := service.NewDefinitionService(repository.NewMemoryDefinitions(clk), time.Minute, log)
	set := adapter.NewMemorySet(adapter.NewMemoryFinance())
	set.PurchaseOrder.Put(adapter.EntitySnapshot{EntityID: "PO-2024-001", Reference: "PO-2024-001", Amount: 50_000_000})

	sync := service.NewStatusSync(set.Registry(), instances, repository.NewMemoryFailures(clk), pub, clk, metrics,
		service.SyncOptions{Attempts: 1}, log)
	approvals := service.NewApprovalService(instances, defs, set.Registry(), sync, pub, clk, metrics,
		noop.NewTracerProvider().Tracer("test"), log)

	_, err := defs.LoadSeed(context.Background(), []byte(seed))
	require.NoError(t, err)

	return &env{
		approvals:   approvals,
		definitions: defs,
		verifier:    auth.NewVerifier(testSecret, ""),
		registry:    reg,
		set:         set,
	}
}

func (e *env) token(t *testing.T, id, role string) string {
	t.Helper()
	tok, err := e.verifier.Issue(auth.Actor{ID: id, Role: role}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return tok
}
