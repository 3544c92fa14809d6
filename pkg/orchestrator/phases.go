package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisops/aegis/pkg/agent"
	"github.com/aegisops/aegis/pkg/consensus"
	"github.com/aegisops/aegis/pkg/models"
	"github.com/aegisops/aegis/pkg/security"
)

// phaseAnalyze runs the Diagnosis and Prediction agents in parallel and
// appends their outputs in completion order, then hands the round to
// consensus. Re-entry after a crash only runs the classes that have no
// durable output yet.
func (o *Orchestrator) phaseAnalyze(ctx context.Context, in *models.Incident, logger *slog.Logger) error {
	remaining := o.globalBudgetRemaining(in)
	if remaining <= 0 {
		return o.escalate(ctx, in, models.ReasonGlobalBudgetExceeded,
			fmt.Sprintf("analysis exceeded %s", o.cfg.Timeouts.GlobalPhaseBudget), logger)
	}

	pending := o.pendingAnalysis(in)
	if len(pending) > 0 {
		snap := in.Snapshot()
		results := make(chan agentOutcome, len(pending))
		for _, class := range pending {
			chain := o.chains[class]
			timeout := min(o.cfg.Timeouts.ForClass(class), remaining)
			go func(class models.AgentClass, chain agent.Agent) {
				out := o.runAgent(ctx, chain, snap, timeout)
				out.class = class
				results <- out
			}(class, chain)
		}

		// Appends are serialized here; completion order decides stream order.
		for range pending {
			out := <-results
			if err := o.recordAnalysis(ctx, in, out, logger); err != nil {
				return err
			}
		}
	}

	participants := o.participants(in)
	return o.append(ctx, in, "orchestrator", models.EventConsensusRequested,
		models.ConsensusRequestedPayload{Participants: participants})
}

// pendingAnalysis lists the analysis classes with neither a durable output
// nor a recorded timeout.
func (o *Orchestrator) pendingAnalysis(in *models.Incident) []models.AgentClass {
	timedOut := make(map[models.AgentClass]bool, len(in.TimedOutAgents))
	for _, c := range in.TimedOutAgents {
		timedOut[c] = true
	}
	var pending []models.AgentClass
	for _, class := range []models.AgentClass{models.AgentDiagnosis, models.AgentPrediction} {
		if _, done := in.AgentOutputs[class]; done || timedOut[class] {
			continue
		}
		if _, registered := o.chains[class]; registered {
			pending = append(pending, class)
		}
	}
	return pending
}

// recordAnalysis materializes one agent outcome as events.
func (o *Orchestrator) recordAnalysis(ctx context.Context, in *models.Incident, out agentOutcome, logger *slog.Logger) error {
	kind := models.EventDiagnosed
	if out.class == models.AgentPrediction {
		kind = models.EventPredicted
	}

	if out.err == nil && out.res != nil && out.res.Status == agent.StatusCompleted {
		return o.append(ctx, in, string(out.class), kind, models.RecommendationPayload{
			Recommendation: *out.res.Recommendation,
			Degraded:       out.res.Degraded,
			Fallback:       out.res.Fallback,
		})
	}

	// Anything short of completion is recorded as a timeout with whatever
	// partial the agent flushed; consensus decides admissibility.
	payload := models.AgentTimedOutPayload{
		Agent:     out.class,
		TimeoutMS: out.elapsed.Milliseconds(),
		Synthetic: out.abandoned,
	}
	if out.res != nil {
		payload.Partial = out.res.Partial
	}
	logger.Warn("agent did not complete", "class", out.class,
		"abandoned", out.abandoned, "has_partial", payload.Partial != nil, "error", out.err)
	return o.append(ctx, in, string(out.class), models.EventAgentTimedOut, payload)
}

// participants lists the weighted classes with a durable recommendation.
func (o *Orchestrator) participants(in *models.Incident) []models.AgentClass {
	var out []models.AgentClass
	for _, class := range models.AgentClasses {
		if _, weighted := o.cfg.Consensus.Weights[class]; !weighted {
			continue
		}
		if _, ok := in.AgentOutputs[class]; ok {
			out = append(out, class)
		}
	}
	return out
}

// phaseConsensus runs one consensus round over the durable recommendations.
func (o *Orchestrator) phaseConsensus(ctx context.Context, in *models.Incident, logger *slog.Logger) error {
	input := consensus.Input{
		IncidentID:   in.ID,
		Severity:     in.Severity,
		Participants: o.participants(in),
	}
	for _, class := range input.Participants {
		input.Recommendations = append(input.Recommendations, in.AgentOutputs[class])
	}

	evalCtx, cancel := context.WithTimeout(ctx, o.cfg.Consensus.Budget)
	decision := o.aggregator.Evaluate(evalCtx, input)
	cancel()

	// Feed the baseline after evaluation so the decision was a pure function
	// of the pre-round snapshot.
	if o.reputation != nil {
		for _, rec := range input.Recommendations {
			if _, q := decision.QuarantineReasons[rec.AgentName]; !q {
				o.reputation.Observe(rec.AgentName, rec.Confidence)
			}
		}
	}

	for _, class := range decision.Quarantined {
		if err := o.append(ctx, in, "consensus", models.EventAgentQuarantined,
			models.AgentQuarantinedPayload{Agent: class, Reason: decision.QuarantineReasons[class]}); err != nil {
			return err
		}
	}
	if err := o.append(ctx, in, "consensus", models.EventConsensusReached,
		models.ConsensusReachedPayload{Decision: decision}); err != nil {
		return err
	}

	if decision.Approved {
		logger.Info("consensus approved action", "action_id", decision.SelectedActionID,
			"confidence", decision.AggregatedConfidence, "degraded", decision.Degraded)
		return nil
	}

	reason := models.ReasonConsensusRejected
	detail := fmt.Sprintf("method=%s confidence=%.3f", decision.Method, decision.AggregatedConfidence)
	if decision.Method == models.MethodEscalated {
		reason = models.ReasonInsufficientTrusted
		detail = fmt.Sprintf("%d agents quarantined", len(decision.Quarantined))
	}
	if decision.Method == models.MethodDeadlockBestSingle {
		detail = fmt.Sprintf("deadlock best single: %s at %.3f",
			decision.SelectedActionID, decision.AggregatedConfidence)
	}
	return o.escalate(ctx, in, reason, detail, logger)
}

// actionPayloadDoc is the executable action payload whose canonical hash is
// pinned by ActionProposed and re-checked by the gate before execution.
type actionPayloadDoc struct {
	ActionID   string            `json:"action_id"`
	IncidentID string            `json:"incident_id"`
	Evidence   []json.RawMessage `json:"evidence,omitempty"`
}

// phaseResolve turns the approved decision into a validated, executed action:
// proposal, sandbox if required, security gate, credential issue, execution.
func (o *Orchestrator) phaseResolve(ctx context.Context, in *models.Incident, logger *slog.Logger) error {
	decision := latestDecision(in)
	if decision == nil || !decision.Approved {
		return o.escalate(ctx, in, models.ReasonInvariantViolation,
			"resolving without an approved decision", logger)
	}
	actionID := decision.SelectedActionID

	resolution, ok := o.chains[models.AgentResolution]
	if !ok {
		return o.escalate(ctx, in, models.ReasonExecutionFailed,
			"no resolution agent registered", logger)
	}

	if in.ProposedAction == nil {
		out := o.runAgent(ctx, resolution, in.Snapshot(), o.cfg.Timeouts.Resolution)
		if out.err != nil || out.res == nil || out.res.Status != agent.StatusCompleted {
			detail := "resolution agent did not complete"
			if out.err != nil {
				detail = out.err.Error()
			}
			return o.escalate(ctx, in, models.ReasonExecutionFailed, detail, logger)
		}
		rec := out.res.Recommendation
		if rec.ActionID != actionID {
			logger.Warn("resolution agent diverged from approved action",
				"approved", actionID, "proposed", rec.ActionID)
		}

		doc, err := json.Marshal(actionPayloadDoc{
			ActionID:   actionID,
			IncidentID: in.ID,
			Evidence:   rec.Evidence,
		})
		if err != nil {
			return fmt.Errorf("failed to build action payload: %w", err)
		}
		hash, err := security.PayloadHash(doc)
		if err != nil {
			return err
		}
		if err := o.append(ctx, in, resolution.Name(), models.EventActionProposed,
			models.ActionProposedPayload{
				ActionID:     actionID,
				Payload:      doc,
				PayloadHash:  hash,
				RollbackPlan: rec.RollbackPlan,
			}); err != nil {
			return err
		}
	}

	payload, err := o.proposedPayload(ctx, in)
	if err != nil {
		return err
	}
	proposed := in.ProposedAction

	tmpl, err := o.cfg.GetAction(proposed.ActionID)
	if err != nil {
		return o.recordRejection(ctx, in, proposed.ActionID, security.RejectUnknownAction, logger)
	}
	if tmpl.SandboxRequired && !in.SandboxPassed[proposed.ActionID] {
		if err := o.actuator.SandboxTest(ctx, proposed.ActionID, payload); err != nil {
			logger.Warn("sandbox test failed", "action_id", proposed.ActionID, "error", err)
			return o.recordRejection(ctx, in, proposed.ActionID, security.RejectSandboxMissing, logger)
		}
		if err := o.append(ctx, in, "sandbox", models.EventSandboxTestPassed,
			models.SandboxPassedPayload{ActionID: proposed.ActionID}); err != nil {
			return err
		}
	}

	if err := o.gate.Check(in, resolution.Identity(), proposed.ActionID, proposed.PayloadHash); err != nil {
		var rej *security.RejectionError
		reason := err.Error()
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		return o.recordRejection(ctx, in, proposed.ActionID, reason, logger)
	}

	creds, err := o.broker.Issue(ctx, in.ID, proposed.ActionID)
	if err != nil {
		return o.escalate(ctx, in, models.ReasonExecutionFailed,
			fmt.Sprintf("credential broker: %v", err), logger)
	}
	if err := o.append(ctx, in, "security-gate", models.EventActionValidated,
		models.ActionValidatedPayload{
			ActionID:             proposed.ActionID,
			PayloadHash:          proposed.PayloadHash,
			CredentialTTLSeconds: int(time.Until(creds.ExpiresAt).Seconds()),
		}); err != nil {
		return err
	}

	// Periodic anchors while the action runs, on top of the per-transition
	// checkpoints.
	stopTicker := o.checkpointTicker(ctx, in)
	start := o.now()
	// The execution idempotency key is stable across retries of this
	// proposal, so a replacement owner cannot double-apply it.
	idemKey := fmt.Sprintf("%s/%s/%d", in.ID, proposed.ActionID, in.Version)
	execErr := o.actuator.Execute(ctx, proposed.ActionID, payload, creds, idemKey)
	stopTicker()

	if execErr != nil {
		logger.Warn("action execution failed", "action_id", proposed.ActionID, "error", execErr)
		return o.append(ctx, in, "actuator", models.EventActionFailed,
			models.ActionFailedPayload{ActionID: proposed.ActionID, Error: execErr.Error()})
	}
	return o.append(ctx, in, "actuator", models.EventActionExecuted,
		models.ActionExecutedPayload{
			ActionID:       proposed.ActionID,
			IdempotencyKey: idemKey,
			DurationMS:     o.now().Sub(start).Milliseconds(),
		})
}

// recordRejection appends the gate refusal and escalates.
func (o *Orchestrator) recordRejection(ctx context.Context, in *models.Incident, actionID, reason string, logger *slog.Logger) error {
	if err := o.append(ctx, in, "security-gate", models.EventValidationFailed,
		models.ValidationFailedPayload{ActionID: actionID, Reason: reason}); err != nil {
		return err
	}
	return o.escalate(ctx, in, models.ReasonValidationFailed, reason, logger)
}

// proposedPayload recovers the executable payload bytes from the stream; the
// aggregate only carries the hash.
func (o *Orchestrator) proposedPayload(ctx context.Context, in *models.Incident) (json.RawMessage, error) {
	events, err := o.store.Read(ctx, in.ID, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream for proposal payload: %w", err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind != models.EventActionProposed {
			continue
		}
		var p models.ActionProposedPayload
		if err := json.Unmarshal(events[i].Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed proposal payload at seq %d: %w", events[i].SequenceNumber, err)
		}
		return p.Payload, nil
	}
	return nil, fmt.Errorf("no ActionProposed event found for %s", in.ID)
}

// phaseValidate confirms service health after execution.
func (o *Orchestrator) phaseValidate(ctx context.Context, in *models.Incident, logger *slog.Logger) error {
	if o.validate != nil {
		if err := o.validate(ctx, in.Snapshot()); err != nil {
			logger.Warn("post-execution validation failed; rolling back", "error", err)
			actionID := ""
			if in.ProposedAction != nil {
				actionID = in.ProposedAction.ActionID
			}
			return o.append(ctx, in, "orchestrator", models.EventActionFailed,
				models.ActionFailedPayload{ActionID: actionID, Error: err.Error()})
		}
	}
	return o.append(ctx, in, "orchestrator", models.EventResolved,
		models.ResolvedPayload{
			ResolvedAtNS: o.now().UnixNano(),
			Summary:      resolutionSummary(in),
		})
}

// phaseRollback reverts the executed action and escalates to a human.
func (o *Orchestrator) phaseRollback(ctx context.Context, in *models.Incident, logger *slog.Logger) error {
	actionID, rollbackID := "", ""
	if in.ProposedAction != nil {
		actionID = in.ProposedAction.ActionID
		if tmpl, err := o.cfg.GetAction(actionID); err == nil {
			rollbackID = tmpl.RollbackTemplateID
		}
	}

	if !in.ActionExecuted {
		// The action failed before it applied; there is nothing to revert.
		return o.escalate(ctx, in, models.ReasonExecutionFailed,
			fmt.Sprintf("action %s failed before execution", actionID), logger)
	}

	if err := o.actuator.Rollback(ctx, actionID, rollbackID); err != nil {
		logger.Error("rollback failed", "action_id", actionID, "error", err)
		return o.escalate(ctx, in, models.ReasonExecutionFailed,
			fmt.Sprintf("rollback failed: %v", err), logger)
	}
	if err := o.append(ctx, in, "actuator", models.EventRolledBack,
		models.RolledBackPayload{ActionID: actionID, RollbackTemplateID: rollbackID}); err != nil {
		return err
	}
	return o.escalate(ctx, in, models.ReasonRollbackCompleted,
		fmt.Sprintf("action %s rolled back to last known good", actionID), logger)
}

// checkpointTicker anchors the aggregate on a cadence while a long execution
// runs; returns a stop func.
func (o *Orchestrator) checkpointTicker(ctx context.Context, in *models.Incident) func() {
	interval := o.cfg.Timeouts.CheckpointInterval
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.saveCheckpoint(ctx, in)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

// globalBudgetRemaining is the unspent share of the Detected →
// AwaitingConsensus budget.
func (o *Orchestrator) globalBudgetRemaining(in *models.Incident) time.Duration {
	return o.cfg.Timeouts.GlobalPhaseBudget - o.now().Sub(in.DetectedAt)
}

func latestDecision(in *models.Incident) *models.ConsensusDecision {
	if len(in.ConsensusHistory) == 0 {
		return nil
	}
	return &in.ConsensusHistory[len(in.ConsensusHistory)-1]
}

func resolutionSummary(in *models.Incident) string {
	if in.ProposedAction != nil {
		return fmt.Sprintf("action %s executed and validated", in.ProposedAction.ActionID)
	}
	return "incident validated healthy"
}

// agentOutcome is one finished (or abandoned) agent invocation.
type agentOutcome struct {
	class     models.AgentClass
	res       *agent.Result
	err       error
	elapsed   time.Duration
	abandoned bool
}

// runAgent invokes an agent with a hard deadline. At the deadline the agent
// is signalled to cancel and given the grace period to flush a partial; a
// task that still will not yield is abandoned and recorded as synthetic.
func (o *Orchestrator) runAgent(ctx context.Context, ag agent.Agent, snap models.IncidentSnapshot, timeout time.Duration) agentOutcome {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := o.now()
	done := make(chan agentOutcome, 1)
	go func() {
		res, err := ag.Run(runCtx, snap)
		done <- agentOutcome{res: res, err: err}
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case out := <-done:
		out.elapsed = o.now().Sub(start)
		return out
	case <-deadline.C:
		ag.Cancel()
		grace := time.NewTimer(o.cfg.Timeouts.CancelGrace)
		defer grace.Stop()
		select {
		case out := <-done:
			out.elapsed = o.now().Sub(start)
			return out
		case <-grace.C:
			return agentOutcome{
				res:       &agent.Result{Status: agent.StatusTimedOut},
				elapsed:   o.now().Sub(start),
				abandoned: true,
			}
		}
	}
}
