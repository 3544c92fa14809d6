package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/fabric"
	"github.com/aegisops/aegis/pkg/models"
	"github.com/aegisops/aegis/pkg/security"
)

// ThinkFunc is the external collaborator call: given a read-only incident
// snapshot it produces a recommendation. Implementations run behind the
// fabric, so they must respect ctx cancellation. A collaborator that wants to
// surrender intermediate work on cancellation calls the flush callback before
// returning.
type ThinkFunc func(ctx context.Context, snap models.IncidentSnapshot, flush func(models.AgentRecommendation)) (*models.AgentRecommendation, error)

// Runner adapts one ThinkFunc into an Agent: it routes the call through the
// fabric on the channel the router picks, signs the output, and implements
// cooperative cancellation with partial-result flush.
type Runner struct {
	name        string
	class       models.AgentClass
	complexity  fabric.Complexity
	permissions []string
	signer      *security.Signer
	fab         *fabric.Fabric
	router      *fabric.Router
	think       ThinkFunc
	logger      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	partial *models.AgentRecommendation
}

// NewRunner builds a runner from an agent registration. complexity steers the
// router's model choice for this agent's calls.
func NewRunner(cfg config.AgentConfig, complexity fabric.Complexity, fab *fabric.Fabric, router *fabric.Router, think ThinkFunc, logger *slog.Logger) *Runner {
	return &Runner{
		name:        cfg.Name,
		class:       cfg.Class,
		complexity:  complexity,
		permissions: cfg.Permissions,
		signer:      security.NewSigner(cfg),
		fab:         fab,
		router:      router,
		think:       think,
		logger:      logger.With("agent", cfg.Name, "class", cfg.Class),
	}
}

// Name implements Agent.
func (r *Runner) Name() string { return r.name }

// Class implements Agent.
func (r *Runner) Class() models.AgentClass { return r.class }

// Identity implements Agent.
func (r *Runner) Identity() security.Identity {
	return r.signer.Identity(r.permissions)
}

// Cancel implements Agent: it cancels the in-flight Run's context. The think
// func flushes its partial, if any, on the way out.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run implements Agent.
func (r *Runner) Run(ctx context.Context, snap models.IncidentSnapshot) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.partial = nil
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
	}()

	channel := r.router.Route(r.class, r.complexity)
	if channel == "" {
		return nil, fmt.Errorf("no channel routed for class %s", r.class)
	}

	raw, err := r.fab.Invoke(runCtx, channel, priorityFor(snap.Severity), func(callCtx context.Context) (any, error) {
		return r.think(callCtx, snap, r.flushPartial)
	})
	if err != nil {
		r.router.ReportFailure(channel)
		return r.failedResult(runCtx, ctx, err), nil
	}
	r.router.ReportSuccess(channel)

	rec, ok := raw.(*models.AgentRecommendation)
	if !ok || rec == nil {
		return nil, fmt.Errorf("agent %s returned no recommendation", r.name)
	}
	if rec.AgentName == "" {
		rec.AgentName = r.class
	}
	if err := r.signer.Sign(rec); err != nil {
		return nil, fmt.Errorf("failed to sign recommendation: %w", err)
	}
	return &Result{Status: StatusCompleted, Recommendation: rec}, nil
}

// flushPartial records intermediate work surrendered by the think func; the
// partial is signed so downstream consumers can still verify provenance.
func (r *Runner) flushPartial(rec models.AgentRecommendation) {
	if rec.AgentName == "" {
		rec.AgentName = r.class
	}
	if err := r.signer.Sign(&rec); err != nil {
		r.logger.Warn("dropping unsignable partial result", "error", err)
		return
	}
	r.mu.Lock()
	r.partial = &rec
	r.mu.Unlock()
}

// failedResult classifies a failed invocation, attaching any flushed partial.
func (r *Runner) failedResult(runCtx, parent context.Context, err error) *Result {
	r.mu.Lock()
	partial := r.partial
	r.mu.Unlock()

	res := &Result{Partial: partial, Err: err}
	switch {
	case runCtx.Err() != nil && parent.Err() == nil:
		// Our own cancel fired, not the caller's deadline.
		res.Status = StatusCancelled
	case fabric.KindOf(err) == fabric.KindTimeout:
		res.Status = StatusTimedOut
	default:
		res.Status = StatusFailed
	}
	if partial != nil && res.Status != StatusFailed {
		res.Status = StatusPartial
	}
	r.logger.Warn("agent run did not complete",
		"status", res.Status, "has_partial", partial != nil, "error", err)
	return res
}

// priorityFor maps incident severity onto the fabric's wait-queue priority.
func priorityFor(sev models.Severity) fabric.Priority {
	switch sev {
	case models.SeverityCritical:
		return fabric.PriorityCritical
	case models.SeverityImportant:
		return fabric.PriorityHigh
	default:
		return fabric.PriorityNormal
	}
}
