// Package services holds the domain-level operations behind the API and CLI:
// incident submission with idempotent deduplication and admission control,
// status projection, and operator escalation.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/eventstore"
	"github.com/aegisops/aegis/pkg/models"
)

// SubmitInput is the domain-level detection event: what the Detection agent
// saw, delivered over an at-least-once queue, so the idempotency key is the
// identity of the submission.
type SubmitInput struct {
	IdempotencyKey   string
	Severity         models.Severity
	ServiceTier      string
	AffectedServices []string
	AffectedUsers    int
	SourceIDs        []string
	Signals          json.RawMessage

	// Recommendation is the Detection agent's own remediation vote; it rides
	// into consensus with the other classes' outputs.
	Recommendation *models.AgentRecommendation
}

// SubmitOutput reports the admitted (or deduplicated) incident.
type SubmitOutput struct {
	IncidentID string
	Duplicate  bool
}

// StatusOutput is the read-side projection of one incident.
type StatusOutput struct {
	Queue    *models.QueuedIncident
	Incident *models.IncidentSnapshot
	Impact   float64
}

// IncidentService owns incident admission and the read side. Lifecycle
// processing belongs to the orchestrator; this service only touches the
// scheduling row and the event stream's first and last words.
type IncidentService struct {
	repo        IncidentRepo
	store       eventstore.Store
	cfg         *config.Config
	dedupWindow time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewIncidentService wires the service.
func NewIncidentService(repo IncidentRepo, store eventstore.Store, cfg *config.Config, logger *slog.Logger) *IncidentService {
	return &IncidentService{
		repo:        repo,
		store:       store,
		cfg:         cfg,
		dedupWindow: config.DefaultDedupWindow,
		logger:      logger,
		now:         time.Now,
	}
}

// Submit admits a detection event. Duplicate submissions within the
// deduplication window return the original incident id without appending
// anything; an admission-cap breach returns ErrAdmissionCapExceeded as the
// backpressure signal.
func (s *IncidentService) Submit(ctx context.Context, input SubmitInput) (*SubmitOutput, error) {
	if err := validateSubmit(&input); err != nil {
		return nil, err
	}

	since := s.now().Add(-s.dedupWindow)
	if existing, err := s.repo.FindByIdempotencyKey(ctx, input.IdempotencyKey, since); err == nil {
		return &SubmitOutput{IncidentID: existing.ID, Duplicate: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	active, err := s.repo.ActiveCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count active incidents: %w", err)
	}
	if active >= s.cfg.Queue.AdmissionCap {
		return nil, fmt.Errorf("%w: %d active incidents", ErrAdmissionCapExceeded, active)
	}

	rec := &models.QueuedIncident{
		ID:             uuid.New().String(),
		IdempotencyKey: input.IdempotencyKey,
		Status:         models.QueueStatusPending,
		Severity:       input.Severity,
		ServiceTier:    input.ServiceTier,
		CreatedAt:      s.now(),
	}

	// The detection event is made durable before the queue row exists, so a
	// worker can never claim an incident whose stream has nothing to replay.
	// A loser of the idempotency race below leaves an unreachable stream
	// behind; no row ever points at it.
	detectedAt := s.now()
	payload := models.DetectedPayload{
		IdempotencyKey:   input.IdempotencyKey,
		Severity:         input.Severity,
		ServiceTier:      input.ServiceTier,
		AffectedServices: input.AffectedServices,
		AffectedUsers:    input.AffectedUsers,
		SourceIDs:        input.SourceIDs,
		Signals:          input.Signals,
		DetectedAtNS:     detectedAt.UnixNano(),
		Recommendation:   input.Recommendation,
	}
	ev, err := models.NewEvent(rec.ID, string(models.AgentDetection), models.EventDetected, payload)
	if err != nil {
		return nil, err
	}
	if err := s.store.Append(ctx, 1, &ev); err != nil {
		return nil, fmt.Errorf("failed to append detection event: %w", err)
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// Lost a race with a concurrent duplicate; answer with the winner.
			existing, findErr := s.repo.FindByIdempotencyKey(ctx, input.IdempotencyKey, since)
			if findErr != nil {
				return nil, fmt.Errorf("failed to resolve duplicate submission: %w", findErr)
			}
			return &SubmitOutput{IncidentID: existing.ID, Duplicate: true}, nil
		}
		return nil, err
	}

	s.logger.Info("incident admitted",
		"incident_id", rec.ID, "severity", input.Severity, "service_tier", input.ServiceTier)
	return &SubmitOutput{IncidentID: rec.ID}, nil
}

// Status returns the scheduling row, the replayed aggregate snapshot, and the
// current business-impact estimate. A corrupt stream surfaces as the
// *eventstore.CorruptionError so callers can distinguish it from not-found.
func (s *IncidentService) Status(ctx context.Context, incidentID string) (*StatusOutput, error) {
	row, err := s.repo.Get(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	out := &StatusOutput{Queue: row}
	in, err := eventstore.Load(ctx, s.store, incidentID)
	if err != nil {
		if errors.Is(err, eventstore.ErrStreamNotFound) {
			return out, nil
		}
		return nil, err
	}
	snap := in.Snapshot()
	out.Incident = &snap

	if params, ok := s.cfg.Impact.Tiers[row.ServiceTier]; ok {
		out.Impact = in.BusinessImpact(s.now(), params)
	}
	return out, nil
}

// Escalate forces an incident to human takeover on operator request. It
// appends the Escalated event at the stream head and closes the queue row.
func (s *IncidentService) Escalate(ctx context.Context, incidentID, reason string) error {
	if reason == "" {
		reason = models.ReasonOperatorRequest
	}
	row, err := s.repo.Get(ctx, incidentID)
	if err != nil {
		return err
	}
	if row.Status == models.QueueStatusCompleted || row.Status == models.QueueStatusEscalated {
		return fmt.Errorf("%w: %s is %s", ErrIncidentTerminal, incidentID, row.Status)
	}

	head, err := s.store.Head(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("failed to read stream head: %w", err)
	}
	ev, err := models.NewEvent(incidentID, "operator", models.EventEscalated,
		models.EscalatedPayload{ReasonCode: models.ReasonOperatorRequest, Detail: reason})
	if err != nil {
		return err
	}
	if err := s.store.Append(ctx, head+1, &ev); err != nil {
		return fmt.Errorf("failed to append escalation: %w", err)
	}
	if err := s.repo.SetStatus(ctx, incidentID, models.QueueStatusEscalated); err != nil {
		return err
	}

	s.logger.Info("incident escalated by operator", "incident_id", incidentID, "reason", reason)
	return nil
}

func validateSubmit(input *SubmitInput) error {
	if input.IdempotencyKey == "" {
		return NewValidationError("idempotency_key", "idempotency key is required")
	}
	switch input.Severity {
	case models.SeverityCritical, models.SeverityImportant, models.SeveritySupporting:
	default:
		return NewValidationError("severity", fmt.Sprintf("unknown severity %q", input.Severity))
	}
	if input.ServiceTier == "" {
		input.ServiceTier = "standard"
	}
	return nil
}
