package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-erp-approvals/internal/adapter"
	"github.com/pesio-ai/be-erp-approvals/internal/auth"
	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/config"
	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/handler"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/middleware"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
	"github.com/pesio-ai/be-erp-approvals/internal/service"
)

// app holds every long-lived component. Close releases them in reverse order
// of construction.
type app struct {
	cfg *config.Config
	log *logger.Logger

	db          *database.DB
	publisher   client.EventPublisher
	registry    *prometheus.Registry
	definitions *service.DefinitionService
	sync        *service.StatusSync
	approvals   *service.ApprovalService
	scheduler   *service.Scheduler

	closers []func() error
}

func build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	clk := clock.New()

	var (
		defStore  service.DefinitionStore
		instances service.InstanceStore
		failures  service.FailureStore
		adapters  *adapter.Registry
	)

	finance, err := a.financeClient()
	if err != nil {
		return nil, err
	}

	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.AutoMigrate {
			if err := database.MigrateUp(cfg.Database.DSN()); err != nil {
				a.Close()
				return nil, err
			}
			log.Info().Msg("Database migrations applied")
		}

		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, func() error { db.Close(); return nil })
		log.Info().Msg("Database connection established")

		if finance == nil {
			finance = adapter.NewLocalFinanceRecorder(db)
		}
		defStore = repository.NewWorkflowDefinitionRepository(db)
		instances = repository.NewApprovalInstanceRepository(db)
		failures = repository.NewSideEffectFailureRepository(db)
		adapters = adapter.NewPostgresRegistry(db, finance)

	case "memory":
		if finance == nil {
			finance = adapter.NewMemoryFinance()
		}
		set := adapter.NewMemorySet(finance)
		if path := cfg.Database.MemoryEntities; path != "" {
			n, err := set.LoadEntitiesFile(path)
			if err != nil {
				a.Close()
				return nil, err
			}
			log.Info().Int("entities", n).Str("file", path).Msg("Loaded in-memory entities")
		}
		defStore = repository.NewMemoryDefinitions(clk)
		instances = repository.NewMemoryInstances(clk)
		failures = repository.NewMemoryFailures(clk)
		adapters = set.Registry()
		log.Warn().Msg("Using in-memory storage; state is lost on restart")
	}

	publisher, err := a.eventPublisher()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.publisher = publisher
	a.closers = append(a.closers, publisher.Close)

	tracer, err := a.tracer(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(a.registry)

	a.definitions = service.NewDefinitionService(defStore, cfg.Definitions.CacheTTL, log.Named("definitions"))
	if cfg.Definitions.SeedFile != "" {
		n, err := a.definitions.LoadSeedFile(ctx, cfg.Definitions.SeedFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		log.Info().Int("created", n).Str("file", cfg.Definitions.SeedFile).Msg("Workflow definitions seeded")
	}

	a.sync = service.NewStatusSync(adapters, instances, failures, publisher, clk, metrics, service.SyncOptions{
		Attempts:        cfg.Sync.Attempts,
		Delay:           cfg.Sync.Delay,
		MaxReplayTries:  cfg.Sync.MaxReplayTries,
		ReplayBatchSize: cfg.Sync.ReplayBatchSize,
	}, log.Named("sync"))

	a.approvals = service.NewApprovalService(instances, a.definitions, adapters, a.sync, publisher, clk, metrics, tracer, log.Named("approvals"))
	a.scheduler = service.NewScheduler(instances, a.sync, publisher, clk, metrics, cfg.Scheduler.OverdueBatchSize, log.Named("scheduler"))

	return a, nil
}

// financeClient dials the finance service when one is configured. A nil
// recorder means the storage driver supplies a local one.
func (a *app) financeClient() (client.FinanceRecorder, error) {
	if a.cfg.Finance.GRPCURL == "" {
		return nil, nil
	}
	fc, err := client.NewFinanceGRPCClient(client.FinanceClientConfig{
		Address:           a.cfg.Finance.GRPCURL,
		Timeout:           a.cfg.Finance.Timeout,
		BreakerMaxFails:   a.cfg.Finance.BreakerMaxFails,
		BreakerOpenPeriod: a.cfg.Finance.BreakerOpenPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create finance client: %w", err)
	}
	a.closers = append(a.closers, fc.Close)
	a.log.Info().Str("address", a.cfg.Finance.GRPCURL).Msg("Finance client configured")
	return fc, nil
}

func (a *app) eventPublisher() (client.EventPublisher, error) {
	ev := a.cfg.Events
	switch ev.Driver {
	case "nats":
		p, err := client.NewNotificationPublisher(ev.NATSURL, ev.SubjectPrefix, a.cfg.Service.Name, a.log.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.log.Info().Str("url", ev.NATSURL).Msg("Publishing approval events to NATS")
		return p, nil
	case "redis":
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{ev.RedisAddr},
			Password: ev.RedisPassword,
			DB:       ev.RedisDB,
		})
		a.log.Info().Str("addr", ev.RedisAddr).Str("channel", ev.RedisChannel).Msg("Publishing approval events to Redis")
		return client.NewRedisPublisher(rdb, ev.RedisChannel, a.log.Logger), nil
	default:
		return client.NopPublisher{}, nil
	}
}

func (a *app) tracer(ctx context.Context) (trace.Tracer, error) {
	if !a.cfg.Tracing.Enabled {
		return noop.NewTracerProvider().Tracer(a.cfg.Service.Name), nil
	}

	exp, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(a.cfg.Service.Name),
		semconv.ServiceVersion(a.cfg.Service.Version),
		semconv.DeploymentEnvironment(a.cfg.Service.Environment),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	})
	return tp.Tracer(a.cfg.Service.Name), nil
}

// Run serves HTTP and gRPC until ctx is cancelled or a server fails, then
// shuts both down.
func (a *app) Run(ctx context.Context) error {
	cfg := a.cfg
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	if cfg.Scheduler.Enabled {
		if err := a.scheduler.Register(cfg.Scheduler.OverdueSpec, cfg.Scheduler.SideEffectsSpec); err != nil {
			return fmt.Errorf("failed to register scheduled jobs: %w", err)
		}
		a.scheduler.Start()
		a.log.Info().
			Str("overdue", cfg.Scheduler.OverdueSpec).
			Str("side_effects", cfg.Scheduler.SideEffectsSpec).
			Msg("Scheduler started")
	}

	httpHandler := handler.NewHTTPHandler(a.approvals, a.definitions, cfg.Auth.AdminRoles, a.log)
	router := handler.NewRouter(httpHandler, handler.RouterConfig{
		Verifier:       verifier,
		Limiter:        middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		Gatherer:       a.registry,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		Ready:          a.ready,
	}, a.log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.UnaryLogger(&a.log.Logger),
		middleware.UnaryAuth(verifier),
	))
	handler.RegisterApprovalServiceServer(grpcServer, handler.NewGRPCHandler(a.approvals, a.log))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		a.log.Info().Int("port", cfg.Server.Port).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()
	go func() {
		a.log.Info().Int("port", cfg.Server.GRPCPort).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("Shutting down servers...")
	case runErr = <-errCh:
		a.log.Error().Err(runErr).Msg("Server error, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	healthServer.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	if cfg.Scheduler.Enabled {
		a.scheduler.Stop(shutdownCtx)
	}

	a.log.Info().Msg("Servers exited")
	return runErr
}

func (a *app) ready(r *http.Request) error {
	if a.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	return a.db.Ping(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("Error during shutdown")
		}
	}
	a.closers = nil
}
