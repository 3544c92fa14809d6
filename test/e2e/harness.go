// Package e2e runs the incident pipeline against real PostgreSQL: durable
// event streams, queue claims, checkpoints, and LISTEN/NOTIFY delivery.
package e2e

import (
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/pkg/actuator"
	"github.com/aegisops/aegis/pkg/agent"
	"github.com/aegisops/aegis/pkg/checkpoint"
	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/consensus"
	"github.com/aegisops/aegis/pkg/eventstore"
	"github.com/aegisops/aegis/pkg/fabric"
	"github.com/aegisops/aegis/pkg/models"
	"github.com/aegisops/aegis/pkg/orchestrator"
	"github.com/aegisops/aegis/pkg/queue"
	"github.com/aegisops/aegis/pkg/security"
	"github.com/aegisops/aegis/pkg/services"
)

// stack is one fully wired replica over a shared test schema.
type stack struct {
	cfg      *config.Config
	db       *sql.DB
	connStr  string
	store    *eventstore.PostgresStore
	ckpts    *checkpoint.PostgresStore
	repo     *services.PostgresRepo
	queue    *queue.PostgresQueue
	service  *services.IncidentService
	actuator *actuator.DryRun
	orch     *orchestrator.Orchestrator
}

// testStackConfig returns a config tuned for fast test turnaround: one
// upstream channel, one agent per class, and one whitelisted action with a
// rollback template.
func testStackConfig(connStr string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Enabled = true
	cfg.Database.DSN = connStr
	cfg.Database.Partitions = 4

	cfg.Queue.WorkerCount = 2
	cfg.Queue.PollInterval = 20 * time.Millisecond
	cfg.Queue.PollJitter = 10 * time.Millisecond
	cfg.Queue.HeartbeatInterval = 50 * time.Millisecond
	cfg.Queue.OrphanCheckInterval = 100 * time.Millisecond
	cfg.Queue.OrphanThreshold = 500 * time.Millisecond
	cfg.Queue.GracefulShutdownTimeout = 2 * time.Second

	cfg.Fabric.Channels["primary"] = config.ChannelConfig{
		RequestsPerMinute: 6000,
		Burst:             100,
	}

	cfg.Agents = []config.AgentConfig{
		{Name: "sentry", Class: models.AgentDetection, IdentityKey: "sentry-key", Channel: "primary"},
		{Name: "probe", Class: models.AgentDiagnosis, IdentityKey: "probe-key", Channel: "primary"},
		{Name: "oracle", Class: models.AgentPrediction, IdentityKey: "oracle-key", Channel: "primary"},
		{Name: "fixer", Class: models.AgentResolution, IdentityKey: "fixer-key", Channel: "primary",
			Permissions: []string{"pods:restart"}},
		{Name: "herald", Class: models.AgentCommunication, IdentityKey: "herald-key", Channel: "primary"},
	}

	cfg.Actions = map[string]models.ActionTemplate{
		"restart-pod": {
			ActionID:            "restart-pod",
			RequiredPermissions: []string{"pods:restart"},
			SandboxRequired:     true,
			RollbackTemplateID:  "undo-restart",
		},
		"undo-restart": {
			ActionID:            "undo-restart",
			RequiredPermissions: []string{"pods:restart"},
		},
	}
	return cfg
}

// newStack builds a replica against the given schema-scoped connection
// string, with the dry-run actuator and the rule-based collaborators.
func newStack(t *testing.T, db *sql.DB, connStr string) *stack {
	t.Helper()
	cfg := testStackConfig(connStr)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := eventstore.NewPostgresStore(db, cfg.Database.Partitions)
	ckpts := checkpoint.NewPostgresStore(db)
	repo := services.NewPostgresRepo(db)
	queueStore := queue.NewPostgresQueue(db)

	fab := fabric.New(cfg.Fabric, nil)
	router := fabric.NewRouter(cfg.Fabric, cfg.Agents)
	chains, err := agent.NewFactory(cfg, fab, router, logger).Build(agent.BuiltinThinkers(cfg))
	require.NoError(t, err)

	agentRegistry := security.NewRegistry(cfg.Agents)
	reputation := consensus.NewReputation(cfg.Consensus.BehaviorWindow)
	engine := consensus.NewEngine(cfg.Consensus, agentRegistry, reputation)
	act := actuator.NewDryRun(logger)

	orch := orchestrator.New(orchestrator.Options{
		Store:       store,
		Checkpoints: ckpts,
		Repo:        repo,
		Chains:      chains,
		Aggregator:  engine,
		Reputation:  reputation,
		Gate:        security.NewGate(cfg, agentRegistry),
		Broker:      security.NewLocalBroker(),
		Actuator:    act,
		Config:      cfg,
		Logger:      logger,
	})

	return &stack{
		cfg:      cfg,
		db:       db,
		connStr:  connStr,
		store:    store,
		ckpts:    ckpts,
		repo:     repo,
		queue:    queueStore,
		service:  services.NewIncidentService(repo, store, cfg, logger),
		actuator: act,
		orch:     orch,
	}
}

// pool starts a worker pool for this stack under the given pod id and
// registers its shutdown with the test.
func (s *stack) pool(t *testing.T, podID string) *queue.WorkerPool {
	t.Helper()
	p := queue.NewWorkerPool(podID, s.queue, &s.cfg.Queue, s.orch)
	require.NoError(t, p.Start(t.Context()))
	t.Cleanup(p.Stop)
	return p
}

// detection returns a signed detection recommendation for the whitelisted
// action, as the external detection agent would submit it.
func (s *stack) detection(t *testing.T) *models.AgentRecommendation {
	t.Helper()
	rec := &models.AgentRecommendation{
		AgentName:  models.AgentDetection,
		ActionID:   "restart-pod",
		Confidence: 0.9,
		RiskLevel:  models.RiskMedium,
		Reasoning:  "api pod crash-looping",
	}
	require.NoError(t, security.NewSigner(s.cfg.Agents[0]).Sign(rec))
	return rec
}

// submit admits one incident and returns its id.
func (s *stack) submit(t *testing.T, key string) string {
	t.Helper()
	out, err := s.service.Submit(t.Context(), services.SubmitInput{
		IdempotencyKey:   key,
		Severity:         models.SeverityImportant,
		ServiceTier:      "standard",
		AffectedServices: []string{"api"},
		AffectedUsers:    120,
		Recommendation:   s.detection(t),
	})
	require.NoError(t, err)
	require.False(t, out.Duplicate)
	return out.IncidentID
}

// waitForStatus polls the queue row until it reaches the wanted status.
func (s *stack) waitForStatus(t *testing.T, incidentID string, want models.QueueStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		row, err := s.repo.Get(t.Context(), incidentID)
		return err == nil && row.Status == want
	}, 15*time.Second, 50*time.Millisecond,
		"incident %s never reached status %s", incidentID, want)
}
