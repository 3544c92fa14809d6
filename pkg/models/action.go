package models

import "time"

// ActionTemplate is a whitelist entry. Only whitelisted actions may leave the
// core; the security gate rejects everything else.
type ActionTemplate struct {
	ActionID             string   `json:"action_id" yaml:"action_id"`
	Description          string   `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredPermissions  []string `json:"required_permissions" yaml:"required_permissions"`
	SandboxRequired      bool     `json:"sandbox_required" yaml:"sandbox_required"`
	ValidationInvariants []string `json:"validation_invariants,omitempty" yaml:"validation_invariants,omitempty"`
	RollbackTemplateID   string   `json:"rollback_template_id,omitempty" yaml:"rollback_template_id,omitempty"`
}

// CredentialHandle is an opaque just-in-time credential issued by an external
// broker. The core holds it by value and never inspects the token.
type CredentialHandle struct {
	Token     string    `json:"token"`
	ActionID  string    `json:"action_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the handle is past its TTL.
func (h CredentialHandle) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}
