// Command loom runs the multi-agent workflow engine: the context broker, the
// policy and archetype registries, the provenance store, and the scheduling
// orchestrator, with metrics and health probes on one HTTP listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/loomworks/loom/internal/aat"
	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/broker"
	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/enclave"
	"github.com/loomworks/loom/internal/health"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/policy"
	"github.com/loomworks/loom/internal/provenance"
	"github.com/loomworks/loom/internal/sharedctx"
	"github.com/loomworks/loom/internal/streaming"
	"github.com/loomworks/loom/internal/tracing"
	"github.com/loomworks/loom/internal/validation"
)

func main() {
	configPath := flag.String("config", "config/loom.yaml", "path to the engine config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	// Definition registries with hot reload.
	registry, err := aat.NewRegistry(cfg.Paths.AATDir, logger)
	if err != nil {
		return fmt.Errorf("load agent type definitions: %w", err)
	}
	defer registry.Close()

	engine := policy.NewEngine(logger)
	if cfg.Paths.PolicyDir != "" {
		loader, err := policy.NewLoader(cfg.Paths.PolicyDir, engine, logger)
		if err != nil {
			return fmt.Errorf("load policy rules: %w", err)
		}
		defer loader.Close()
	}
	if cfg.Paths.RegoDir != "" {
		stage, err := policy.NewRegoStage(cfg.Paths.RegoDir, logger)
		if err != nil {
			return fmt.Errorf("compile rego policies: %w", err)
		}
		engine.SetExternalStage(stage)
	}

	traces, err := buildTraceStore(cfg, redisClient, logger)
	if err != nil {
		return err
	}

	validator, err := validation.NewParamValidator()
	if err != nil {
		return fmt.Errorf("compile parameter schemas: %w", err)
	}

	ctxBroker := broker.New(logger, registry, engine, validator, traces,
		broker.WithViewTTL(cfg.Broker.ViewTTL))

	authority := auth.NewAuthority(cfg.Auth.SigningKey, cfg.Auth.CredentialTTL)

	var checkpoints checkpoint.Store
	if redisClient != nil {
		checkpoints = checkpoint.NewRedisStore(redisClient, 0)
	} else {
		checkpoints = checkpoint.NewMemoryStore()
	}

	var enclaves enclave.Service = enclave.Disabled{}
	if cfg.Enclave.Repository != "" {
		enclaves = enclave.NewMemoryService(cfg.Enclave.Repository, logger)
	}

	events := streaming.NewManager(0)
	reasoner := agent.NewRuleReasoner()
	orchOpts := []orchestrator.Option{
		orchestrator.WithTickInterval(cfg.Orchestrator.TickInterval),
		orchestrator.WithCheckpointInterval(cfg.Orchestrator.CheckpointInterval),
		orchestrator.WithMaxIterations(cfg.Orchestrator.MaxIterations),
		orchestrator.WithEnclaves(enclaves),
		orchestrator.WithEvents(events),
	}
	if redisClient != nil {
		orchOpts = append(orchOpts, orchestrator.WithContextEmitter(
			sharedctx.NewRedisEmitter(redisClient, logger.Named("sharedctx"))))
	}
	orch := orchestrator.New(logger, cfg.ConcurrencyPolicy(), ctxBroker, authority, registry,
		func(string) agent.Reasoner { return reasoner },
		checkpoints,
		orchOpts...,
	)

	healthMgr := health.NewManager(logger)
	if redisClient != nil {
		healthMgr.Register(health.NewRedisChecker(redisClient, true))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", health.Handler(healthMgr))
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http listener started", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http listener failed", zap.Error(err))
		}
	}()

	orch.Start(ctx)
	logger.Info("engine started",
		zap.String("aat_dir", cfg.Paths.AATDir),
		zap.Duration("tick", cfg.Orchestrator.TickInterval),
		zap.Bool("redis", redisClient != nil))

	<-ctx.Done()
	logger.Info("shutting down")

	orch.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func buildTraceStore(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (provenance.Store, error) {
	switch {
	case cfg.Database.DSN != "":
		store, err := provenance.NewSQLStore(cfg.Database.Driver, cfg.Database.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open sql trace store: %w", err)
		}
		return store, nil
	case redisClient != nil:
		return provenance.NewRedisStoreWithClient(redisClient, logger), nil
	default:
		return provenance.NewMemoryStore(logger), nil
	}
}
