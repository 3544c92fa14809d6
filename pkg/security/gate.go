package security

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/eventstore"
	"github.com/aegisops/aegis/pkg/models"
)

// Gate rejection reason codes, recorded in ValidationFailed payloads.
const (
	RejectUnknownAction     = "unknown_action"
	RejectTokenInvalid      = "identity_token_invalid"
	RejectWrongClass        = "caller_not_resolution"
	RejectMissingPermission = "missing_permission"
	RejectSandboxMissing    = "sandbox_not_passed"
	RejectNoProposal        = "no_action_proposed"
	RejectHashMismatch      = "payload_hash_mismatch"
)

// RejectionError is the gate's structured refusal; Reason is one of the
// reject codes above and flows into the ValidationFailed event.
type RejectionError struct {
	ActionID string
	Reason   string
	Detail   string
}

func (e *RejectionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("action %s rejected: %s (%s)", e.ActionID, e.Reason, e.Detail)
	}
	return fmt.Sprintf("action %s rejected: %s", e.ActionID, e.Reason)
}

// Gate validates a proposed action against the whitelist, the caller's
// identity, the sandbox record, and the proposal's integrity hash. The
// orchestrator calls it immediately before execution and materializes the
// outcome as an ActionValidated or ValidationFailed event; the gate itself
// never appends.
type Gate struct {
	cfg      *config.Config
	registry *Registry
}

// NewGate wires the gate to the immutable process configuration. A nil
// registry skips identity-token verification (unit-test and development
// mode); production wiring always passes the agent registry.
func NewGate(cfg *config.Config, registry *Registry) *Gate {
	return &Gate{cfg: cfg, registry: registry}
}

// Check runs the full pre-execution screen for one action. A nil return
// approves execution; any error is a *RejectionError and the incident must
// escalate.
func (g *Gate) Check(in *models.Incident, caller Identity, actionID, payloadHash string) error {
	tmpl, err := g.cfg.GetAction(actionID)
	if err != nil {
		return &RejectionError{ActionID: actionID, Reason: RejectUnknownAction}
	}

	// The token must be one this deployment issued, and it must name the
	// caller it arrived with.
	if g.registry != nil {
		name, class, ok := g.registry.VerifyToken(caller.Token)
		if !ok || name != caller.Name || class != caller.Class {
			return &RejectionError{ActionID: actionID, Reason: RejectTokenInvalid, Detail: caller.Name}
		}
	}

	if caller.Class != models.AgentResolution {
		return &RejectionError{
			ActionID: actionID,
			Reason:   RejectWrongClass,
			Detail:   string(caller.Class),
		}
	}
	for _, perm := range tmpl.RequiredPermissions {
		if !caller.HasPermission(perm) {
			return &RejectionError{
				ActionID: actionID,
				Reason:   RejectMissingPermission,
				Detail:   perm,
			}
		}
	}

	if tmpl.SandboxRequired && !in.SandboxPassed[actionID] {
		return &RejectionError{ActionID: actionID, Reason: RejectSandboxMissing}
	}

	// The executing payload must be byte-equivalent to what consensus
	// approved; anything else is tampering between approval and execution.
	proposed := in.ProposedAction
	if proposed == nil || proposed.ActionID != actionID {
		return &RejectionError{ActionID: actionID, Reason: RejectNoProposal}
	}
	if proposed.PayloadHash != payloadHash {
		return &RejectionError{ActionID: actionID, Reason: RejectHashMismatch}
	}

	return nil
}

// PayloadHash returns the hex SHA-256 of an action payload's canonical JSON.
// Both ActionProposed and the gate hash the same form.
func PayloadHash(payload json.RawMessage) (string, error) {
	canonical, err := eventstore.CanonicalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize action payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
