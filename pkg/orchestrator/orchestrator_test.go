package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/pkg/agent"
	"github.com/aegisops/aegis/pkg/checkpoint"
	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/consensus"
	"github.com/aegisops/aegis/pkg/eventstore"
	"github.com/aegisops/aegis/pkg/models"
	"github.com/aegisops/aegis/pkg/security"
	"github.com/aegisops/aegis/pkg/services"
)

// ── fakes ───────────────────────────────────────────────────

type fakeRepo struct {
	mu       sync.Mutex
	statuses map[string]models.QueueStatus
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{statuses: make(map[string]models.QueueStatus)}
}

func (r *fakeRepo) Insert(context.Context, *models.QueuedIncident) error { return nil }
func (r *fakeRepo) Get(context.Context, string) (*models.QueuedIncident, error) {
	return nil, services.ErrNotFound
}
func (r *fakeRepo) FindByIdempotencyKey(context.Context, string, time.Time) (*models.QueuedIncident, error) {
	return nil, services.ErrNotFound
}
func (r *fakeRepo) ActiveCount(context.Context) (int, error) { return 0, nil }
func (r *fakeRepo) SetStatus(_ context.Context, id string, status models.QueueStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = status
	return nil
}
func (r *fakeRepo) status(id string) models.QueueStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[id]
}

// scriptedAgent satisfies agent.Agent with a fixed outcome.
type scriptedAgent struct {
	name    string
	class   models.AgentClass
	rec     *models.AgentRecommendation
	err     error
	hang    bool // never return until cancelled, no partial
	partial *models.AgentRecommendation
	perms   []string
}

func (a *scriptedAgent) Run(ctx context.Context, snap models.IncidentSnapshot) (*agent.Result, error) {
	if a.hang {
		<-ctx.Done()
		if a.partial != nil {
			return &agent.Result{Status: agent.StatusPartial, Partial: a.partial}, nil
		}
		return &agent.Result{Status: agent.StatusTimedOut, Err: ctx.Err()}, nil
	}
	if a.err != nil {
		return nil, a.err
	}
	return &agent.Result{Status: agent.StatusCompleted, Recommendation: a.rec}, nil
}
func (a *scriptedAgent) Cancel() {}
func (a *scriptedAgent) Identity() security.Identity {
	return security.Identity{Name: a.name, Class: a.class, Permissions: a.perms, Token: "tok"}
}
func (a *scriptedAgent) Class() models.AgentClass { return a.class }
func (a *scriptedAgent) Name() string             { return a.name }

type fakeActuator struct {
	mu         sync.Mutex
	execErr    error
	sandboxErr error
	executed   []string
	rolledBack []string
}

func (f *fakeActuator) SandboxTest(context.Context, string, json.RawMessage) error {
	return f.sandboxErr
}
func (f *fakeActuator) Execute(_ context.Context, actionID string, _ json.RawMessage, creds models.CredentialHandle, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return f.execErr
	}
	f.executed = append(f.executed, actionID+":"+key)
	return nil
}
func (f *fakeActuator) Rollback(_ context.Context, actionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolledBack = append(f.rolledBack, actionID)
	return nil
}
func (f *fakeActuator) executions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

// ── fixture ─────────────────────────────────────────────────

type fixture struct {
	orch     *Orchestrator
	store    *eventstore.MemoryStore
	ckpts    checkpoint.Store
	repo     *fakeRepo
	actuator *fakeActuator
	cfg      *config.Config
	chains   map[models.AgentClass]agent.Agent
}

func rec(class models.AgentClass, action string, confidence float64, risk models.RiskLevel) *models.AgentRecommendation {
	return &models.AgentRecommendation{
		AgentName:  class,
		ActionID:   action,
		Confidence: confidence,
		RiskLevel:  risk,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timeouts.Detection = 500 * time.Millisecond
	cfg.Timeouts.Diagnosis = 500 * time.Millisecond
	cfg.Timeouts.Prediction = 500 * time.Millisecond
	cfg.Timeouts.Resolution = 500 * time.Millisecond
	cfg.Timeouts.Communication = 200 * time.Millisecond
	cfg.Timeouts.CancelGrace = 200 * time.Millisecond
	cfg.Timeouts.EventStoreOutage = 2 * time.Second
	cfg.Actions = map[string]models.ActionTemplate{
		"restart-pod": {
			ActionID:            "restart-pod",
			RequiredPermissions: []string{"pods:restart"},
			RollbackTemplateID:  "undo-restart",
		},
	}

	f := &fixture{
		store:    eventstore.NewMemoryStore(),
		ckpts:    checkpoint.NewMemoryStore(),
		repo:     newFakeRepo(),
		actuator: &fakeActuator{},
		cfg:      cfg,
		chains: map[models.AgentClass]agent.Agent{
			models.AgentDiagnosis: &scriptedAgent{
				name: "diagnosis-1", class: models.AgentDiagnosis,
				rec: rec(models.AgentDiagnosis, "restart-pod", 0.95, models.RiskMedium),
			},
			models.AgentPrediction: &scriptedAgent{
				name: "prediction-1", class: models.AgentPrediction,
				rec: rec(models.AgentPrediction, "restart-pod", 0.85, models.RiskLow),
			},
			models.AgentResolution: &scriptedAgent{
				name: "resolution-1", class: models.AgentResolution,
				rec:   rec(models.AgentResolution, "restart-pod", 0.9, models.RiskMedium),
				perms: []string{"pods:restart"},
			},
		},
	}
	f.rebuild()
	return f
}

func (f *fixture) rebuild() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.orch = New(Options{
		Store:       f.store,
		Checkpoints: f.ckpts,
		Repo:        f.repo,
		Chains:      f.chains,
		Aggregator:  consensus.NewEngine(f.cfg.Consensus, nil, nil),
		Gate:        security.NewGate(f.cfg, nil),
		Broker:      security.NewLocalBroker(),
		Actuator:    f.actuator,
		Config:      f.cfg,
		Logger:      logger,
	})
}

// seed appends the Detected event that admission writes.
func (f *fixture) seed(t *testing.T, id string, detectionConfidence float64) {
	t.Helper()
	ev, err := models.NewEvent(id, string(models.AgentDetection), models.EventDetected,
		models.DetectedPayload{
			IdempotencyKey: "alert-" + id,
			Severity:       models.SeverityImportant,
			ServiceTier:    "standard",
			AffectedUsers:  100,
			DetectedAtNS:   time.Now().UnixNano(),
			Recommendation: rec(models.AgentDetection, "restart-pod", detectionConfidence, models.RiskLow),
		})
	require.NoError(t, err)
	require.NoError(t, f.store.Append(context.Background(), 1, &ev))
}

func (f *fixture) kinds(t *testing.T, id string) []models.EventKind {
	t.Helper()
	events, err := f.store.Read(context.Background(), id, 1)
	require.NoError(t, err)
	out := make([]models.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func countKind(kinds []models.EventKind, kind models.EventKind) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

// ── tests ───────────────────────────────────────────────────

func TestProcessIncidentHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "inc-1", 0.9)

	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-1"))

	in, err := eventstore.Load(context.Background(), f.store, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseResolved, in.Phase)
	assert.True(t, in.ActionExecuted)
	assert.Equal(t, models.QueueStatusCompleted, f.repo.status("inc-1"))
	assert.Equal(t, 1, f.actuator.executions())

	kinds := f.kinds(t, "inc-1")
	for _, want := range []models.EventKind{
		models.EventDetected, models.EventConsensusRequested, models.EventConsensusReached,
		models.EventActionProposed, models.EventActionValidated,
		models.EventActionExecuted, models.EventResolved,
	} {
		assert.Equal(t, 1, countKind(kinds, want), "expected exactly one %s", want)
	}
	assert.Equal(t, 1, countKind(kinds, models.EventDiagnosed))
	assert.Equal(t, 1, countKind(kinds, models.EventPredicted))

	require.Len(t, in.ConsensusHistory, 1)
	decision := in.ConsensusHistory[0]
	assert.True(t, decision.Approved)
	assert.Equal(t, "restart-pod", decision.SelectedActionID)
	// (0.2·0.9 + 0.4·0.95 + 0.3·0.85) / 0.9
	assert.InDelta(t, 0.815/0.9, decision.AggregatedConfidence, 1e-9)
}

func TestProcessIncidentAgentTimeout(t *testing.T) {
	f := newFixture(t)
	f.cfg.Timeouts.Diagnosis = 50 * time.Millisecond
	f.chains[models.AgentDiagnosis] = &scriptedAgent{
		name: "diagnosis-1", class: models.AgentDiagnosis, hang: true,
	}
	f.rebuild()
	f.seed(t, "inc-1", 0.9)

	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-1"))

	in, err := eventstore.Load(context.Background(), f.store, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseResolved, in.Phase,
		"consensus proceeds on the remaining classes")
	assert.Contains(t, in.TimedOutAgents, models.AgentDiagnosis)

	kinds := f.kinds(t, "inc-1")
	assert.Equal(t, 1, countKind(kinds, models.EventAgentTimedOut))
	assert.Zero(t, countKind(kinds, models.EventDiagnosed))

	// Renormalized: (0.2·0.9 + 0.3·0.85) / 0.5
	require.Len(t, in.ConsensusHistory, 1)
	assert.InDelta(t, 0.435/0.5, in.ConsensusHistory[0].AggregatedConfidence, 1e-9)
}

func TestProcessIncidentTimedOutPartialJoinsConsensus(t *testing.T) {
	f := newFixture(t)
	f.cfg.Timeouts.Diagnosis = 50 * time.Millisecond
	f.chains[models.AgentDiagnosis] = &scriptedAgent{
		name: "diagnosis-1", class: models.AgentDiagnosis, hang: true,
		partial: rec(models.AgentDiagnosis, "restart-pod", 0.95, models.RiskMedium),
	}
	f.rebuild()
	f.seed(t, "inc-1", 0.9)

	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-1"))

	in, err := eventstore.Load(context.Background(), f.store, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseResolved, in.Phase)
	require.Len(t, in.ConsensusHistory, 1)
	// The flushed partial counts like a full vote: same math as the happy path.
	assert.InDelta(t, 0.815/0.9, in.ConsensusHistory[0].AggregatedConfidence, 1e-9)
}

func TestProcessIncidentConsensusRejection(t *testing.T) {
	f := newFixture(t)
	f.chains[models.AgentDiagnosis] = &scriptedAgent{
		name: "diagnosis-1", class: models.AgentDiagnosis,
		rec: rec(models.AgentDiagnosis, "restart-pod", 0.5, models.RiskMedium),
	}
	f.chains[models.AgentPrediction] = &scriptedAgent{
		name: "prediction-1", class: models.AgentPrediction,
		rec: rec(models.AgentPrediction, "restart-pod", 0.5, models.RiskLow),
	}
	f.rebuild()
	f.seed(t, "inc-1", 0.5)

	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-1"))

	in, err := eventstore.Load(context.Background(), f.store, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEscalated, in.Phase)
	assert.Equal(t, models.ReasonConsensusRejected, in.EscalationReason)
	assert.Equal(t, models.QueueStatusEscalated, f.repo.status("inc-1"))
	assert.Zero(t, f.actuator.executions(), "rejected incidents never execute")
}

func TestProcessIncidentGateRejection(t *testing.T) {
	f := newFixture(t)
	f.chains[models.AgentResolution] = &scriptedAgent{
		name: "resolution-1", class: models.AgentResolution,
		rec:   rec(models.AgentResolution, "restart-pod", 0.9, models.RiskMedium),
		perms: nil, // missing pods:restart
	}
	f.rebuild()
	f.seed(t, "inc-1", 0.9)

	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-1"))

	in, err := eventstore.Load(context.Background(), f.store, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEscalated, in.Phase)
	assert.Equal(t, models.ReasonValidationFailed, in.EscalationReason)
	assert.Zero(t, f.actuator.executions())

	kinds := f.kinds(t, "inc-1")
	assert.Equal(t, 1, countKind(kinds, models.EventValidationFailed))
	assert.Zero(t, countKind(kinds, models.EventActionValidated))
}

func TestProcessIncidentValidationFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.rebuild()
	f.orch.validate = func(context.Context, models.IncidentSnapshot) error {
		return errors.New("error rate still elevated")
	}
	f.seed(t, "inc-1", 0.9)

	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-1"))

	in, err := eventstore.Load(context.Background(), f.store, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEscalated, in.Phase)
	assert.Equal(t, models.ReasonRollbackCompleted, in.EscalationReason)
	assert.Equal(t, []string{"restart-pod"}, f.actuator.rolledBack)

	kinds := f.kinds(t, "inc-1")
	assert.Equal(t, 1, countKind(kinds, models.EventActionExecuted))
	assert.Equal(t, 1, countKind(kinds, models.EventActionFailed))
	assert.Equal(t, 1, countKind(kinds, models.EventRolledBack))
}

func TestProcessIncidentOutageBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.cfg.Timeouts.EventStoreOutage = 300 * time.Millisecond
	f.rebuild()
	f.seed(t, "inc-1", 0.9)
	f.store.SetFailure(errors.New("connection refused"))

	err := f.orch.ProcessIncident(context.Background(), "inc-1")
	require.ErrorIs(t, err, ErrOutageBudgetExceeded)
	assert.Equal(t, models.QueueStatusEscalated, f.repo.status("inc-1"))
	assert.Zero(t, f.actuator.executions(), "no action executes during an outage")
}

func TestProcessIncidentOutageRecovery(t *testing.T) {
	f := newFixture(t)
	f.cfg.Timeouts.EventStoreOutage = 5 * time.Second
	f.rebuild()
	f.seed(t, "inc-1", 0.9)
	f.store.SetFailure(errors.New("connection refused"))
	go func() {
		time.Sleep(150 * time.Millisecond)
		f.store.SetFailure(nil)
	}()

	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-1"))

	in, err := eventstore.Load(context.Background(), f.store, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseResolved, in.Phase, "buffered events land after the store returns")
}

func TestProcessIncidentReplayResumesAfterExecution(t *testing.T) {
	// The stream already holds an ActionExecuted when a new owner picks the
	// incident up: it must resume at Validating and never re-execute.
	f := newFixture(t)
	f.seed(t, "inc-1", 0.9)

	appendNext := func(agentID string, kind models.EventKind, payload any) {
		head, err := f.store.Head(context.Background(), "inc-1")
		require.NoError(t, err)
		ev, err := models.NewEvent("inc-1", agentID, kind, payload)
		require.NoError(t, err)
		require.NoError(t, f.store.Append(context.Background(), head+1, &ev))
	}
	appendNext("diagnosis", models.EventDiagnosed, models.RecommendationPayload{
		Recommendation: *rec(models.AgentDiagnosis, "restart-pod", 0.95, models.RiskMedium),
	})
	appendNext("prediction", models.EventPredicted, models.RecommendationPayload{
		Recommendation: *rec(models.AgentPrediction, "restart-pod", 0.85, models.RiskLow),
	})
	appendNext("orchestrator", models.EventConsensusRequested, models.ConsensusRequestedPayload{
		Participants: []models.AgentClass{models.AgentDetection, models.AgentDiagnosis, models.AgentPrediction},
	})
	appendNext("consensus", models.EventConsensusReached, models.ConsensusReachedPayload{
		Decision: models.ConsensusDecision{
			Approved:             true,
			SelectedActionID:     "restart-pod",
			AggregatedConfidence: 0.9,
			Method:               models.MethodWeighted,
		},
	})
	doc := json.RawMessage(`{"action_id":"restart-pod","incident_id":"inc-1"}`)
	hash, err := security.PayloadHash(doc)
	require.NoError(t, err)
	appendNext("resolution-1", models.EventActionProposed, models.ActionProposedPayload{
		ActionID: "restart-pod", Payload: doc, PayloadHash: hash,
	})
	appendNext("security-gate", models.EventActionValidated, models.ActionValidatedPayload{
		ActionID: "restart-pod", PayloadHash: hash,
	})
	appendNext("actuator", models.EventActionExecuted, models.ActionExecutedPayload{
		ActionID: "restart-pod", IdempotencyKey: "inc-1/restart-pod/7",
	})

	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-1"))

	in, err := eventstore.Load(context.Background(), f.store, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseResolved, in.Phase)
	assert.Zero(t, f.actuator.executions(), "replay must not duplicate the execution")

	kinds := f.kinds(t, "inc-1")
	assert.Equal(t, 1, countKind(kinds, models.EventActionExecuted))
	assert.Equal(t, 1, countKind(kinds, models.EventResolved))
}

func TestProcessIncidentGlobalBudgetExceeded(t *testing.T) {
	f := newFixture(t)
	f.cfg.Timeouts.GlobalPhaseBudget = time.Nanosecond
	f.rebuild()
	f.seed(t, "inc-1", 0.9)

	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-1"))

	in, err := eventstore.Load(context.Background(), f.store, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEscalated, in.Phase)
	assert.Equal(t, models.ReasonGlobalBudgetExceeded, in.EscalationReason)
}

func TestProcessIncidentSandboxRequired(t *testing.T) {
	f := newFixture(t)
	f.cfg.Actions["restart-pod"] = models.ActionTemplate{
		ActionID:            "restart-pod",
		RequiredPermissions: []string{"pods:restart"},
		SandboxRequired:     true,
	}
	f.rebuild()
	f.seed(t, "inc-1", 0.9)

	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-1"))

	kinds := f.kinds(t, "inc-1")
	assert.Equal(t, 1, countKind(kinds, models.EventSandboxTestPassed))
	assert.Equal(t, 1, countKind(kinds, models.EventActionExecuted))
}

func TestProcessIncidentSandboxFailure(t *testing.T) {
	f := newFixture(t)
	f.cfg.Actions["restart-pod"] = models.ActionTemplate{
		ActionID:            "restart-pod",
		RequiredPermissions: []string{"pods:restart"},
		SandboxRequired:     true,
	}
	f.actuator.sandboxErr = errors.New("sandbox rejected the plan")
	f.rebuild()
	f.seed(t, "inc-1", 0.9)

	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-1"))

	in, err := eventstore.Load(context.Background(), f.store, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEscalated, in.Phase)
	assert.Equal(t, models.ReasonValidationFailed, in.EscalationReason)
	assert.Zero(t, f.actuator.executions())
}

func TestProcessIncidentExecutionFailureWithoutApplyEscalates(t *testing.T) {
	f := newFixture(t)
	f.actuator.execErr = errors.New("actuator 500")
	f.rebuild()
	f.seed(t, "inc-1", 0.9)

	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-1"))

	in, err := eventstore.Load(context.Background(), f.store, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEscalated, in.Phase)
	assert.Equal(t, models.ReasonExecutionFailed, in.EscalationReason)
	assert.Empty(t, f.actuator.rolledBack, "nothing applied, nothing to revert")
}

// tamperStore wraps the memory store and mutates one payload on Read.
type tamperStore struct {
	*eventstore.MemoryStore
	tamperSeq int64
}

func (s *tamperStore) Read(ctx context.Context, incidentID string, fromSeq int64) ([]models.IncidentEvent, error) {
	events, err := s.MemoryStore.Read(ctx, incidentID, fromSeq)
	if err != nil {
		return nil, err
	}
	for i := range events {
		if events[i].SequenceNumber == s.tamperSeq {
			events[i].Payload = json.RawMessage(`{"severity":"CRITICAL","forged":true}`)
		}
	}
	return events, nil
}

func TestProcessIncidentCorruptStreamFreezes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "inc-1", 0.9)

	tampered := &tamperStore{MemoryStore: f.store, tamperSeq: 1}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := New(Options{
		Store:       tampered,
		Checkpoints: checkpoint.NewMemoryStore(),
		Repo:        f.repo,
		Chains:      f.chains,
		Aggregator:  consensus.NewEngine(f.cfg.Consensus, nil, nil),
		Gate:        security.NewGate(f.cfg, nil),
		Broker:      security.NewLocalBroker(),
		Actuator:    f.actuator,
		Config:      f.cfg,
		Logger:      logger,
	})

	err := orch.ProcessIncident(context.Background(), "inc-1")
	var corrupt *eventstore.CorruptionError
	require.ErrorAs(t, err, &corrupt)
	assert.EqualValues(t, 1, corrupt.Seq)
	assert.Equal(t, models.QueueStatusEscalated, f.repo.status("inc-1"))

	kinds := f.kinds(t, "inc-1")
	require.Equal(t, models.EventEscalated, kinds[len(kinds)-1])
	assert.Zero(t, f.actuator.executions())
}

func TestProcessIncidentMissingStreamEscalates(t *testing.T) {
	// A queue row without a detection event behind it has nothing to replay;
	// it must reach a terminal state instead of bouncing between release and
	// re-claim forever.
	f := newFixture(t)

	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-hollow"))
	assert.Equal(t, models.QueueStatusEscalated, f.repo.status("inc-hollow"))

	in, err := eventstore.Load(context.Background(), f.store, "inc-hollow")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEscalated, in.Phase)
	assert.Equal(t, models.ReasonInvariantViolation, in.EscalationReason)

	// A second run sees the terminal aggregate and stays idempotent.
	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-hollow"))
	assert.Len(t, f.kinds(t, "inc-hollow"), 1)
}

// readTrackingStore records the fromSeq of every Read.
type readTrackingStore struct {
	*eventstore.MemoryStore
	mu    sync.Mutex
	reads []int64
}

func (s *readTrackingStore) Read(ctx context.Context, incidentID string, fromSeq int64) ([]models.IncidentEvent, error) {
	s.mu.Lock()
	s.reads = append(s.reads, fromSeq)
	s.mu.Unlock()
	return s.MemoryStore.Read(ctx, incidentID, fromSeq)
}

func TestProcessIncidentResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "inc-1", 0.9)
	require.NoError(t, f.orch.ProcessIncident(context.Background(), "inc-1"))

	cp, err := f.ckpts.Load(context.Background(), "inc-1")
	require.NoError(t, err)
	require.Greater(t, cp.Version, int64(1))

	// A replacement owner restores the anchor and reads only the suffix.
	tracking := &readTrackingStore{MemoryStore: f.store}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := New(Options{
		Store:       tracking,
		Checkpoints: f.ckpts,
		Repo:        f.repo,
		Chains:      f.chains,
		Aggregator:  consensus.NewEngine(f.cfg.Consensus, nil, nil),
		Gate:        security.NewGate(f.cfg, nil),
		Broker:      security.NewLocalBroker(),
		Actuator:    f.actuator,
		Config:      f.cfg,
		Logger:      logger,
	})
	require.NoError(t, orch.ProcessIncident(context.Background(), "inc-1"))

	require.NotEmpty(t, tracking.reads)
	assert.Equal(t, cp.Version+1, tracking.reads[0],
		"recovery must start past the checkpointed version, not at the first event")
	assert.Equal(t, 1, f.actuator.executions(), "resume must not repeat the execution")
}
