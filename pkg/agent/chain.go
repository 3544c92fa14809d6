package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aegisops/aegis/pkg/models"
	"github.com/aegisops/aegis/pkg/security"
)

// ErrChainExhausted means every rung of a fallback chain failed; the
// orchestrator answers with manual escalation.
var ErrChainExhausted = errors.New("all fallback rungs failed")

// Chain is a class's fallback ladder: the primary agent followed by
// progressively simpler stand-ins, tried in order until one completes.
// Detection degrades multi-source correlation to threshold-only; Diagnosis
// degrades RAG analysis to historical pattern match; Resolution degrades the
// full action set to a safe subset. A Chain is itself an Agent, so the
// orchestrator never sees the rungs.
type Chain struct {
	class  models.AgentClass
	rungs  []Agent
	logger *slog.Logger
}

// NewChain builds a fallback chain; rung order is degradation order.
func NewChain(class models.AgentClass, rungs []Agent, logger *slog.Logger) (*Chain, error) {
	if len(rungs) == 0 {
		return nil, fmt.Errorf("class %s has no agents configured", class)
	}
	return &Chain{class: class, rungs: rungs, logger: logger.With("class", class)}, nil
}

// Name implements Agent; a chain answers with its primary's name.
func (c *Chain) Name() string { return c.rungs[0].Name() }

// Class implements Agent.
func (c *Chain) Class() models.AgentClass { return c.class }

// Identity implements Agent; the primary's identity speaks for the class.
func (c *Chain) Identity() security.Identity { return c.rungs[0].Identity() }

// Cancel implements Agent, forwarding to every rung; only the active one has
// an in-flight run, and cancelling an idle runner is a no-op.
func (c *Chain) Cancel() {
	for _, rung := range c.rungs {
		rung.Cancel()
	}
}

// Run implements Agent: rungs are tried in order until one completes. A
// cancelled or timed-out rung ends the chain immediately — the budget is
// spent — surfacing any partial it flushed. Only genuine failures fall
// through to the next rung.
func (c *Chain) Run(ctx context.Context, snap models.IncidentSnapshot) (*Result, error) {
	var lastErr error
	for i, rung := range c.rungs {
		if err := ctx.Err(); err != nil {
			return &Result{Status: StatusTimedOut, Err: err}, nil
		}

		res, err := rung.Run(ctx, snap)
		if err != nil {
			lastErr = err
			c.logger.Warn("fallback rung failed", "rung", rung.Name(), "error", err)
			continue
		}

		switch res.Status {
		case StatusCompleted:
			res.Fallback = rung.Name()
			res.Degraded = i > 0
			if res.Degraded {
				c.logger.Info("degraded to fallback rung", "rung", rung.Name())
			}
			return res, nil
		case StatusCancelled, StatusTimedOut, StatusPartial:
			res.Fallback = rung.Name()
			res.Degraded = i > 0
			return res, nil
		default:
			lastErr = res.Err
			c.logger.Warn("fallback rung failed", "rung", rung.Name(), "error", res.Err)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w for class %s: %w", ErrChainExhausted, c.class, lastErr)
	}
	return nil, fmt.Errorf("%w for class %s", ErrChainExhausted, c.class)
}
