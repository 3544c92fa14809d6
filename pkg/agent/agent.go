// Package agent is the capability boundary between the incident core and its
// reasoning collaborators. The core sees exactly three operations — Run,
// Cancel, Identity — plus the class tag; everything else about an agent lives
// behind this interface.
package agent

import (
	"context"

	"github.com/aegisops/aegis/pkg/models"
	"github.com/aegisops/aegis/pkg/security"
)

// Agent is one reasoning collaborator. Agents are created per process and
// invoked per incident; Run may be called for different incidents
// sequentially but never concurrently for the same agent instance.
type Agent interface {
	// Run produces the agent's recommendation for the incident snapshot.
	// ctx carries the class timeout and the remaining phase budget.
	//
	// Returns (*Result, nil) whenever the agent produced anything useful,
	// including partials after cancellation — check Result.Status. Returns
	// (nil, error) only when no meaningful result exists.
	Run(ctx context.Context, snap models.IncidentSnapshot) (*Result, error)

	// Cancel signals cooperative cancellation. The agent must yield within
	// the cancel grace period, flushing a partial result if it has one.
	Cancel()

	// Identity returns the agent's signed identity token and permissions.
	Identity() security.Identity

	// Class tags the agent with one of the five reasoning classes.
	Class() models.AgentClass

	// Name is the unique registration name of this agent instance.
	Name() string
}

// Status classifies the outcome of one Run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Result is returned by Agent.Run.
type Result struct {
	Status Status

	// Recommendation is set when Status is completed; Partial carries a
	// best-effort recommendation flushed on cancellation or timeout.
	Recommendation *models.AgentRecommendation
	Partial        *models.AgentRecommendation

	// Fallback names the chain rung that produced the result; Degraded is
	// true when it was not the primary.
	Fallback string
	Degraded bool

	Err error
}
