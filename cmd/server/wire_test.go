package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pesio-ai/be-erp-approvals/internal/auth"
	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/config"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
	"github.com/pesio-ai/be-erp-approvals/internal/service"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	seed := filepath.Join(dir, "workflows.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`
workflows:
  - name: BA Sign-off
    entity_type: berita_acara
    steps:
      - {order: 1, name: Supervisor Sign-off, required_role: supervisor, sla_hours: 24}
`), 0o600))
	entities := filepath.Join(dir, "entities.yaml")
	require.NoError(t, os.WriteFile(entities, []byte(`
entities:
  - {entity_type: berita_acara, entity_id: BA-1, reference: Progres 40%}
`), 0o600))

	return &config.Config{
		Service:     config.ServiceConfig{Name: "be-erp-approvals", Environment: "test"},
		Database:    config.DatabaseConfig{Driver: "memory", MemoryEntities: entities},
		Events:      config.EventsConfig{Driver: "none"},
		Sync:        config.SyncConfig{Attempts: 1, MaxReplayTries: 3, ReplayBatchSize: 10},
		Definitions: config.DefinitionsConfig{SeedFile: seed, CacheTTL: time.Minute},
		Scheduler:   config.SchedulerConfig{OverdueBatchSize: 10},
		Auth:        config.AuthConfig{JWTSecret: "test"},
	}
}

func TestBuildMemoryApp(t *testing.T) {
	ctx := context.Background()
	a, err := build(ctx, memoryConfig(t), logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	_, isNop := a.publisher.(client.NopPublisher)
	assert.True(t, isNop)
	assert.Nil(t, a.db)

	defs, err := a.definitions.List(ctx, repository.EntityBeritaAcara, false)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	supervisor := auth.Actor{ID: "u-sup", Role: "supervisor"}
	res, err := a.approvals.Submit(ctx, service.SubmitRequest{
		EntityType:   repository.EntityBeritaAcara,
		EntityID:     "BA-1",
		WorkflowName: "BA Sign-off",
		Actor:        auth.Actor{ID: "u-se", Role: "site_engineer"},
	})
	require.NoError(t, err)

	done, err := a.approvals.Act(ctx, service.ActRequest{
		InstanceID: res.Instance.ID,
		Action:     service.ActionApprove,
		Actor:      supervisor,
		StepOrder:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceApproved, done.Instance.OverallStatus)

	flagged, err := a.scheduler.FlagOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, flagged)
}

func TestBuildRejectsMissingEntitiesFile(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Database.MemoryEntities = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := build(context.Background(), cfg, logger.Nop())
	assert.ErrorContains(t, err, "read entities file")
}

func TestBuildClosesFinanceClientWhenMigrationFails(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)

	cfg := memoryConfig(t)
	cfg.Database = config.DatabaseConfig{
		Driver:      "postgres",
		Host:        "127.0.0.1",
		Port:        1,
		User:        "approvals",
		Password:    "approvals",
		Database:    "approvals",
		SSLMode:     "disable",
		AutoMigrate: true,
	}
	cfg.Finance = config.FinanceConfig{GRPCURL: "127.0.0.1:1", Timeout: time.Second}

	a, err := build(context.Background(), cfg, logger.Nop())
	require.Error(t, err)
	assert.Nil(t, a)
}
