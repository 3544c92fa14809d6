package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/aegisops/aegis/pkg/models"
)

// Actuator is the egress boundary to the system that actually touches
// infrastructure. Execution carries an idempotency key so a retry across a
// breaker transition cannot apply the action twice, and a credential handle
// the core holds only by value.
type Actuator interface {
	// SandboxTest dry-runs the action in an isolated environment.
	SandboxTest(ctx context.Context, actionID string, payload json.RawMessage) error

	// Execute applies the validated action.
	Execute(ctx context.Context, actionID string, payload json.RawMessage,
		creds models.CredentialHandle, idempotencyKey string) error

	// Rollback reverts a previously executed action using its rollback
	// template.
	Rollback(ctx context.Context, actionID, rollbackTemplateID string) error
}
