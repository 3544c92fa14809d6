// Package orchestrator drives incidents through the lifecycle state machine.
// Exactly one orchestrator task owns an incident at a time; every observation
// and decision is materialized as an event before the next step runs, so a
// replacement owner can resume from replay alone.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aegisops/aegis/pkg/agent"
	"github.com/aegisops/aegis/pkg/checkpoint"
	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/consensus"
	"github.com/aegisops/aegis/pkg/eventstore"
	"github.com/aegisops/aegis/pkg/models"
	"github.com/aegisops/aegis/pkg/security"
	"github.com/aegisops/aegis/pkg/services"
)

var (
	// ErrOutageBudgetExceeded means the event store stayed unreachable past
	// the outage budget; the incident is escalated without a durable record
	// until the store returns.
	ErrOutageBudgetExceeded = errors.New("event store outage budget exceeded")

	// ErrLeaseLost means another owner appended to the stream; this task must
	// stop touching the incident immediately.
	ErrLeaseLost = errors.New("incident lease lost")
)

// ReputationObserver feeds confirmed recommendation confidences back into the
// behavioral baseline after each consensus round.
type ReputationObserver interface {
	Observe(agent models.AgentClass, confidence float64)
}

// HealthValidator checks post-execution service health during Validating.
// A nil validator treats execution success as resolution.
type HealthValidator func(ctx context.Context, snap models.IncidentSnapshot) error

// Orchestrator owns the phase machine. It is stateless across incidents;
// per-incident state lives in the event stream and the checkpoint store.
type Orchestrator struct {
	store       eventstore.Store
	checkpoints checkpoint.Store
	repo        services.IncidentRepo
	chains      map[models.AgentClass]agent.Agent
	aggregator  consensus.Aggregator
	reputation  ReputationObserver
	gate        *security.Gate
	broker      security.CredentialBroker
	actuator    Actuator
	validate    HealthValidator
	cfg         *config.Config
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Options carries the orchestrator's collaborators.
type Options struct {
	Store       eventstore.Store
	Checkpoints checkpoint.Store
	Repo        services.IncidentRepo
	Chains      map[models.AgentClass]agent.Agent
	Aggregator  consensus.Aggregator
	Reputation  ReputationObserver
	Gate        *security.Gate
	Broker      security.CredentialBroker
	Actuator    Actuator
	Validator   HealthValidator
	Config      *config.Config
	Metrics     *Metrics
	Logger      *slog.Logger
}

// New wires an orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		store:       opts.Store,
		checkpoints: opts.Checkpoints,
		repo:        opts.Repo,
		chains:      opts.Chains,
		aggregator:  opts.Aggregator,
		reputation:  opts.Reputation,
		gate:        opts.Gate,
		broker:      opts.Broker,
		actuator:    opts.Actuator,
		validate:    opts.Validator,
		cfg:         opts.Config,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// ProcessIncident drives one claimed incident to a terminal phase. Recovery
// is implicit: the aggregate is rebuilt by replay, so a rerun after a crash
// resumes at the recorded phase and never repeats a durable step. Only two
// outcomes leave here — a terminal incident, or an error that means the
// worker must release the claim (lease lost, store outage).
func (o *Orchestrator) ProcessIncident(ctx context.Context, incidentID string) error {
	logger := o.logger.With("incident_id", incidentID)

	in, err := o.loadAggregate(ctx, incidentID, logger)
	if err != nil {
		if errors.Is(err, eventstore.ErrStreamNotFound) {
			return o.escalateMissingStream(ctx, incidentID, logger)
		}
		return err
	}

	for !in.Phase.Terminal() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("processing interrupted in %s: %w", in.Phase, err)
		}

		phase := in.Phase
		start := o.now()
		switch phase {
		case models.PhaseDetected, models.PhaseDiagnosing, models.PhasePredicting:
			err = o.phaseAnalyze(ctx, in, logger)
		case models.PhaseAwaitingConsensus:
			err = o.phaseConsensus(ctx, in, logger)
		case models.PhaseResolving:
			err = o.phaseResolve(ctx, in, logger)
		case models.PhaseValidating:
			err = o.phaseValidate(ctx, in, logger)
		case models.PhaseRollingBack:
			err = o.phaseRollback(ctx, in, logger)
		default:
			err = o.escalate(ctx, in, models.ReasonInvariantViolation,
				fmt.Sprintf("unknown phase %q", phase), logger)
		}
		o.metrics.observePhase(phase, o.now().Sub(start))

		switch {
		case err == nil:
		case errors.Is(err, ErrLeaseLost):
			logger.Warn("lost incident lease; releasing", "phase", phase)
			return err
		case errors.Is(err, ErrOutageBudgetExceeded):
			// The durable record is unavailable; all we can do is close the
			// queue row and hand the incident to a human.
			logger.Error("event store outage budget exhausted; escalating", "phase", phase)
			o.closeQueueRow(ctx, in.ID, models.QueueStatusEscalated, logger)
			o.metrics.observeOutcome("escalated_outage")
			return err
		default:
			if escErr := o.escalate(ctx, in, reasonFor(err), err.Error(), logger); escErr != nil {
				return escErr
			}
		}
	}

	status := models.QueueStatusCompleted
	outcome := "resolved"
	if in.Phase == models.PhaseEscalated {
		status = models.QueueStatusEscalated
		outcome = "escalated"
	}
	o.closeQueueRow(ctx, in.ID, status, logger)
	o.metrics.observeOutcome(outcome)
	o.notifyStakeholders(ctx, in, logger)

	logger.Info("incident terminal", "phase", in.Phase, "reason", in.EscalationReason)
	return nil
}

// loadAggregate rebuilds the incident state. Chain corruption freezes the
// incident: the tainted suffix stays untouched and an escalation event marks
// it.
func (o *Orchestrator) loadAggregate(ctx context.Context, incidentID string, logger *slog.Logger) (*models.Incident, error) {
	in, err := o.restore(ctx, incidentID, logger)
	if err == nil {
		return in, nil
	}

	var corrupt *eventstore.CorruptionError
	if errors.As(err, &corrupt) {
		logger.Error("event stream corrupt; freezing incident",
			"seq", corrupt.Seq, "reason", corrupt.Reason)
		head, headErr := o.store.Head(ctx, incidentID)
		if headErr != nil {
			return nil, fmt.Errorf("failed to read head of corrupt stream: %w", headErr)
		}
		ev, evErr := models.NewEvent(incidentID, "orchestrator", models.EventEscalated,
			models.EscalatedPayload{ReasonCode: models.ReasonCorruptionDetected, Detail: corrupt.Reason})
		if evErr != nil {
			return nil, evErr
		}
		if appendErr := o.store.Append(ctx, head+1, &ev); appendErr != nil {
			return nil, fmt.Errorf("failed to record corruption escalation: %w", appendErr)
		}
		o.closeQueueRow(ctx, incidentID, models.QueueStatusEscalated, logger)
		o.metrics.observeOutcome("escalated_corruption")
		return nil, err
	}
	return nil, err
}

// restore recovers the aggregate from the latest checkpoint plus the stream
// suffix past it. With no usable anchor it replays from the first event; a
// checkpoint only shortens recovery, it never decides correctness.
func (o *Orchestrator) restore(ctx context.Context, incidentID string, logger *slog.Logger) (*models.Incident, error) {
	cp, err := o.checkpoints.Load(ctx, incidentID)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			logger.Warn("checkpoint unavailable; replaying from the first event", "error", err)
		}
		return eventstore.Load(ctx, o.store, incidentID)
	}

	in, err := cp.Restore()
	if err != nil || in.LastIntegrityHash == "" || in.Version != cp.Version {
		logger.Warn("checkpoint unusable; replaying from the first event",
			"version", cp.Version, "error", err)
		return eventstore.Load(ctx, o.store, incidentID)
	}

	if err := eventstore.Resume(ctx, o.store, in); err != nil {
		return nil, err
	}
	return in, nil
}

// escalateMissingStream closes a claimed queue row that has no event stream
// behind it. There is nothing to replay and nothing to diagnose, and a plain
// release would put the row straight back at the head of the queue. If a
// first append lands concurrently the escalation loses the ordering race and
// the claim is released for normal processing.
func (o *Orchestrator) escalateMissingStream(ctx context.Context, incidentID string, logger *slog.Logger) error {
	ev, err := models.NewEvent(incidentID, "orchestrator", models.EventEscalated,
		models.EscalatedPayload{
			ReasonCode: models.ReasonInvariantViolation,
			Detail:     "claimed incident has no detection event",
		})
	if err != nil {
		return err
	}
	if err := o.store.Append(ctx, 1, &ev); err != nil {
		if errors.Is(err, eventstore.ErrOrderingConflict) {
			return fmt.Errorf("detection event arrived during escalation: %w", err)
		}
		return err
	}
	o.closeQueueRow(ctx, incidentID, models.QueueStatusEscalated, logger)
	o.metrics.observeOutcome("escalated_missing_stream")
	logger.Error("claimed incident has no event stream; escalated")
	return nil
}

// append makes one event durable, folding it into the aggregate and
// checkpointing on success. Store failures are retried with exponential
// backoff up to the outage budget; an ordering conflict is a lost lease and
// is never retried.
func (o *Orchestrator) append(ctx context.Context, in *models.Incident, agentID string, kind models.EventKind, payload any) error {
	ev, err := models.NewEvent(in.ID, agentID, kind, payload)
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = o.cfg.Timeouts.EventStoreOutage
	err = backoff.Retry(func() error {
		appendErr := o.store.Append(ctx, in.Version+1, &ev)
		if appendErr == nil {
			return nil
		}
		if errors.Is(appendErr, eventstore.ErrOrderingConflict) {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrLeaseLost, appendErr))
		}
		o.logger.Warn("event store append failed; retrying",
			"incident_id", in.ID, "kind", kind, "error", appendErr)
		return appendErr
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrOutageBudgetExceeded, err)
	}

	if err := eventstore.Apply(in, ev); err != nil {
		return fmt.Errorf("failed to fold %s into aggregate: %w", kind, err)
	}
	o.saveCheckpoint(ctx, in)
	return nil
}

// saveCheckpoint persists a replay anchor. Best-effort: replay covers a
// missing checkpoint, it just costs a longer recovery.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, in *models.Incident) {
	cp, err := checkpoint.Snapshot(in)
	if err != nil {
		o.logger.Warn("failed to snapshot checkpoint", "incident_id", in.ID, "error", err)
		return
	}
	if err := o.checkpoints.Save(ctx, cp); err != nil {
		o.logger.Warn("failed to save checkpoint", "incident_id", in.ID, "error", err)
	}
}

// escalate materializes a structured escalation and lets the loop terminate.
func (o *Orchestrator) escalate(ctx context.Context, in *models.Incident, reasonCode, detail string, logger *slog.Logger) error {
	logger.Warn("escalating incident", "reason", reasonCode, "detail", detail)
	return o.append(ctx, in, "orchestrator", models.EventEscalated,
		models.EscalatedPayload{ReasonCode: reasonCode, Detail: detail})
}

func (o *Orchestrator) closeQueueRow(ctx context.Context, incidentID string, status models.QueueStatus, logger *slog.Logger) {
	if err := o.repo.SetStatus(ctx, incidentID, status); err != nil {
		logger.Warn("failed to close queue row", "status", status, "error", err)
	}
}

// notifyStakeholders invokes the Communication agent after a terminal phase.
// Strictly best-effort: the incident outcome never depends on it.
func (o *Orchestrator) notifyStakeholders(ctx context.Context, in *models.Incident, logger *slog.Logger) {
	comm, ok := o.chains[models.AgentCommunication]
	if !ok {
		return
	}
	out := o.runAgent(ctx, comm, in.Snapshot(), o.cfg.Timeouts.Communication)
	if out.err != nil || out.res == nil || out.res.Status != agent.StatusCompleted {
		logger.Warn("stakeholder notification did not complete", "error", out.err)
		return
	}
	logger.Info("stakeholders notified", "agent", comm.Name())
}

// reasonFor maps an internal error onto the escalation taxonomy.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, agent.ErrChainExhausted):
		return models.ReasonExecutionFailed
	case errors.Is(err, context.DeadlineExceeded):
		return models.ReasonGlobalBudgetExceeded
	default:
		return models.ReasonInvariantViolation
	}
}
