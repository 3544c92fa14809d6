package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/aegisops/aegis/pkg/actuator"
	"github.com/aegisops/aegis/pkg/agent"
	"github.com/aegisops/aegis/pkg/api"
	"github.com/aegisops/aegis/pkg/checkpoint"
	"github.com/aegisops/aegis/pkg/cleanup"
	"github.com/aegisops/aegis/pkg/consensus"
	"github.com/aegisops/aegis/pkg/eventstore"
	"github.com/aegisops/aegis/pkg/fabric"
	"github.com/aegisops/aegis/pkg/orchestrator"
	"github.com/aegisops/aegis/pkg/queue"
	"github.com/aegisops/aegis/pkg/security"
	"github.com/aegisops/aegis/pkg/services"
	"github.com/aegisops/aegis/pkg/version"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the incident orchestrator server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServer(cmd.Context())
	},
}

func runServer(ctx context.Context) error {
	logger := slog.Default()
	podID := resolvePodID()

	logger.Info("Starting aegis",
		"version", version.Full(),
		"pod_id", podID,
		"config_dir", configDir)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	dbClient, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	db := dbClient.DB()
	logger.Info("Connected to PostgreSQL")

	// Durable stores.
	store := eventstore.NewPostgresStore(db, cfg.Database.Partitions)
	checkpoints := checkpoint.NewPostgresStore(db)
	repo := services.NewPostgresRepo(db)
	queueStore := queue.NewPostgresQueue(db)

	// Metrics registry shared by the fabric, the orchestrator, and /metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Agent chains behind the rate-limit and circuit-breaker fabric.
	fab := fabric.New(cfg.Fabric, fabric.NewMetrics(registry))
	router := fabric.NewRouter(cfg.Fabric, cfg.Agents)
	chains, err := agent.NewFactory(cfg, fab, router, logger).Build(agent.BuiltinThinkers(cfg))
	if err != nil {
		return err
	}

	// Consensus with signature verification and the behavioral baseline. The
	// same registry backs the gate's identity-token checks.
	agentRegistry := security.NewRegistry(cfg.Agents)
	reputation := consensus.NewReputation(cfg.Consensus.BehaviorWindow)
	engine := consensus.NewEngine(cfg.Consensus, agentRegistry, reputation)

	var act orchestrator.Actuator
	if cfg.Actuator.Endpoint != "" {
		act = actuator.NewHTTP(cfg.Actuator, logger)
		logger.Info("Actuator configured", "endpoint", cfg.Actuator.Endpoint)
	} else {
		act = actuator.NewDryRun(logger)
		logger.Warn("No actuator endpoint configured; remediations run in dry-run mode")
	}

	orch := orchestrator.New(orchestrator.Options{
		Store:       store,
		Checkpoints: checkpoints,
		Repo:        repo,
		Chains:      chains,
		Aggregator:  engine,
		Reputation:  reputation,
		Gate:        security.NewGate(cfg, agentRegistry),
		Broker:      security.NewLocalBroker(),
		Actuator:    act,
		Config:      cfg,
		Metrics:     orchestrator.NewMetrics(registry),
		Logger:      logger,
	})

	// Fleet-wide live event feed on a dedicated LISTEN connection.
	listener := eventstore.NewNotifyListener(cfg.Database.DSN, func(_ string, payload []byte) {
		var env struct {
			IncidentID string `json:"incident_id"`
			Seq        int64  `json:"seq"`
			Kind       string `json:"kind"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			logger.Warn("Malformed incident notification", "error", err)
			return
		}
		logger.Info("Incident event",
			"incident_id", env.IncidentID, "seq", env.Seq, "kind", env.Kind)
	})
	if err := listener.Start(ctx); err != nil {
		return err
	}
	defer listener.Stop(context.Background())
	if err := listener.Subscribe(ctx, eventstore.GlobalIncidentsChannel); err != nil {
		return err
	}

	// Worker pool claims pending incidents; Start sweeps this pod's stale
	// claims from a previous run before the first poll.
	pool := queue.NewWorkerPool(podID, queueStore, &cfg.Queue, orch)
	if err := pool.Start(ctx); err != nil {
		return err
	}

	retention := cleanup.NewService(&cfg.Retention, cleanup.NewPostgresArchiver(db))
	retention.Start(ctx)

	service := services.NewIncidentService(repo, store, cfg, logger)
	httpServer := api.NewServer(cfg, dbClient, service, pool, fab, registry)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.API.ListenAddr)
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("Aegis started", "pod_id", podID, "workers", cfg.Queue.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("HTTP server error triggered shutdown", "error", err)
	case <-ctx.Done():
	}

	// Stop accepting work first, then drain the pool within its budget.
	// Released claims are picked up by surviving pods via orphan recovery.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	poolDone := make(chan struct{})
	go func() {
		pool.Stop()
		close(poolDone)
	}()
	select {
	case <-poolDone:
		logger.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded; incomplete incidents will be orphan-recovered")
	}

	retention.Stop()
	listener.Stop(context.Background())

	logger.Info("Shutdown complete")
	return nil
}
