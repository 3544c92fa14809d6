// Package actuator is the egress boundary to the remediation executor: the
// service that actually restarts pods, shifts traffic, and rolls deployments
// back. The incident core never touches infrastructure directly.
package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/models"
)

// HTTPActuator calls the executor service over JSON/HTTP. Every execute call
// carries the incident's idempotency key, so a retry after a network failure
// cannot apply the same action twice.
type HTTPActuator struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTP builds an actuator against cfg.Endpoint.
func NewHTTP(cfg config.ActuatorConfig, logger *slog.Logger) *HTTPActuator {
	return &HTTPActuator{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

type executeRequest struct {
	ActionID       string          `json:"action_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Credential     string          `json:"credential,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RollbackOf     string          `json:"rollback_of,omitempty"`
}

// SandboxTest dry-runs the action in the executor's isolated environment.
func (a *HTTPActuator) SandboxTest(ctx context.Context, actionID string, payload json.RawMessage) error {
	return a.post(ctx, "/sandbox", executeRequest{ActionID: actionID, Payload: payload})
}

// Execute applies the validated action.
func (a *HTTPActuator) Execute(ctx context.Context, actionID string, payload json.RawMessage,
	creds models.CredentialHandle, idempotencyKey string) error {
	return a.post(ctx, "/execute", executeRequest{
		ActionID:       actionID,
		Payload:        payload,
		Credential:     creds.Token,
		IdempotencyKey: idempotencyKey,
	})
}

// Rollback reverts a previously executed action via its rollback template.
func (a *HTTPActuator) Rollback(ctx context.Context, actionID, rollbackTemplateID string) error {
	return a.post(ctx, "/execute", executeRequest{
		ActionID:   rollbackTemplateID,
		RollbackOf: actionID,
	})
}

func (a *HTTPActuator) post(ctx context.Context, path string, body executeRequest) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode executor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build executor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", body.IdempotencyKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("executor call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("executor rejected %s %s: status %d: %s",
			path, body.ActionID, resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}

// DryRun records every actuator call without touching anything. It is the
// default when no executor endpoint is configured, and what integration
// environments run against.
type DryRun struct {
	logger *slog.Logger

	mu       sync.Mutex
	executed []string
}

// NewDryRun builds the recording actuator.
func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger}
}

// SandboxTest always passes.
func (d *DryRun) SandboxTest(_ context.Context, actionID string, _ json.RawMessage) error {
	d.logger.Info("Dry-run sandbox test", "action_id", actionID)
	return nil
}

// Execute records the action and succeeds.
func (d *DryRun) Execute(_ context.Context, actionID string, _ json.RawMessage,
	_ models.CredentialHandle, idempotencyKey string) error {
	d.mu.Lock()
	d.executed = append(d.executed, actionID)
	d.mu.Unlock()
	d.logger.Info("Dry-run execute", "action_id", actionID, "idempotency_key", idempotencyKey)
	return nil
}

// Rollback records the rollback and succeeds.
func (d *DryRun) Rollback(_ context.Context, actionID, rollbackTemplateID string) error {
	d.mu.Lock()
	d.executed = append(d.executed, rollbackTemplateID)
	d.mu.Unlock()
	d.logger.Info("Dry-run rollback", "action_id", actionID, "rollback_template_id", rollbackTemplateID)
	return nil
}

// Executed returns the recorded action ids in call order.
func (d *DryRun) Executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.executed...)
}
