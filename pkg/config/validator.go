package config

import (
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/aegisops/aegis/pkg/models"
)

// Validator performs comprehensive validation on loaded configuration.
type Validator struct {
	cfg    *Config
	errors []error
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every validation pass and returns the collected errors, so
// an operator sees all problems in one run rather than one per restart.
func (v *Validator) ValidateAll() error {
	v.validateDatabase()
	v.validateQueue()
	v.validateTimeouts()
	v.validateConsensus()
	v.validateFabric()
	v.validateImpact()
	v.validateAgents()
	v.validateActions()
	v.validateActuator()

	if len(v.errors) > 0 {
		msgs := make([]string, len(v.errors))
		for i, err := range v.errors {
			msgs[i] = err.Error()
		}
		return fmt.Errorf("%w:\n  - %s", ErrValidationFailed, strings.Join(msgs, "\n  - "))
	}
	return nil
}

func (v *Validator) addError(err error) {
	v.errors = append(v.errors, err)
}

func (v *Validator) validateDatabase() {
	db := v.cfg.Database
	if !db.Enabled {
		return
	}
	if db.DSN == "" {
		v.addError(NewValidationError("database", "postgres", "dsn", ErrMissingRequiredField))
	}
	if db.Partitions <= 0 {
		v.addError(NewValidationError("database", "postgres", "partitions",
			fmt.Errorf("%w: must be positive, got %d", ErrInvalidValue, db.Partitions)))
	}
}

func (v *Validator) validateQueue() {
	q := v.cfg.Queue
	if q.WorkerCount <= 0 {
		v.addError(NewValidationError("queue", "workers", "worker_count",
			fmt.Errorf("%w: must be positive, got %d", ErrInvalidValue, q.WorkerCount)))
	}
	if q.AdmissionCap <= 0 {
		v.addError(NewValidationError("queue", "workers", "admission_cap",
			fmt.Errorf("%w: must be positive, got %d", ErrInvalidValue, q.AdmissionCap)))
	}
	if q.HeartbeatInterval >= q.OrphanThreshold {
		v.addError(NewValidationError("queue", "workers", "orphan_threshold",
			fmt.Errorf("%w: must exceed heartbeat_interval (%s), got %s",
				ErrInvalidValue, q.HeartbeatInterval, q.OrphanThreshold)))
	}
}

func (v *Validator) validateTimeouts() {
	t := v.cfg.Timeouts
	for _, field := range []struct {
		name string
		d    interface{ Seconds() float64 }
	}{
		{"detection", t.Detection},
		{"diagnosis", t.Diagnosis},
		{"prediction", t.Prediction},
		{"resolution", t.Resolution},
		{"communication", t.Communication},
		{"global_phase_budget", t.GlobalPhaseBudget},
	} {
		if field.d.Seconds() <= 0 {
			v.addError(NewValidationError("timeouts", field.name, "",
				fmt.Errorf("%w: must be positive", ErrInvalidValue)))
		}
	}
	// The global budget has to cover at least the longest single agent call.
	if t.GlobalPhaseBudget < t.Resolution {
		v.addError(NewValidationError("timeouts", "global_phase_budget", "",
			fmt.Errorf("%w: %s is below the resolution timeout %s",
				ErrInvalidValue, t.GlobalPhaseBudget, t.Resolution)))
	}
}

func (v *Validator) validateConsensus() {
	c := v.cfg.Consensus
	if c.ApprovalThreshold <= 0 || c.ApprovalThreshold > 1 {
		v.addError(NewValidationError("consensus", "thresholds", "approval_threshold",
			fmt.Errorf("%w: must be in (0, 1], got %v", ErrInvalidValue, c.ApprovalThreshold)))
	}
	if c.DegradedThreshold <= 0 || c.DegradedThreshold > c.ApprovalThreshold {
		v.addError(NewValidationError("consensus", "thresholds", "degraded_threshold",
			fmt.Errorf("%w: must be in (0, approval_threshold], got %v", ErrInvalidValue, c.DegradedThreshold)))
	}
	if c.MinTrusted < 1 {
		v.addError(NewValidationError("consensus", "thresholds", "min_trusted",
			fmt.Errorf("%w: must be at least 1, got %d", ErrInvalidValue, c.MinTrusted)))
	}
	if c.Budget <= 0 {
		v.addError(NewValidationError("consensus", "thresholds", "budget",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}

	var sum float64
	for class, w := range c.Weights {
		if w < 0 {
			v.addError(NewValidationError("consensus", string(class), "weights",
				fmt.Errorf("%w: negative weight %v", ErrInvalidValue, w)))
		}
		sum += w
	}
	if len(c.Weights) > 0 && math.Abs(sum-1.0) > 1e-9 {
		v.addError(NewValidationError("consensus", "weights", "",
			fmt.Errorf("%w: weights must sum to 1.0, got %v", ErrInvalidValue, sum)))
	}
}

func (v *Validator) validateFabric() {
	f := v.cfg.Fabric
	for name, ch := range f.Channels {
		if ch.RequestsPerMinute <= 0 {
			v.addError(NewValidationError("channel", name, "requests_per_minute",
				fmt.Errorf("%w: must be positive, got %v", ErrInvalidValue, ch.RequestsPerMinute)))
		}
		if ch.Burst <= 0 {
			v.addError(NewValidationError("channel", name, "burst",
				fmt.Errorf("%w: must be positive, got %d", ErrInvalidValue, ch.Burst)))
		}
		for _, fb := range ch.Fallbacks {
			if fb == name {
				v.addError(NewValidationError("channel", name, "fallbacks",
					fmt.Errorf("%w: channel lists itself as a fallback", ErrInvalidValue)))
			}
			if _, ok := f.Channels[fb]; !ok {
				v.addError(NewValidationError("channel", name, "fallbacks",
					fmt.Errorf("%w: %s", ErrChannelNotFound, fb)))
			}
		}
	}
	b := f.Breaker
	if b.FailureBudget <= 0 {
		v.addError(NewValidationError("fabric", "breaker", "failure_budget",
			fmt.Errorf("%w: must be positive, got %d", ErrInvalidValue, b.FailureBudget)))
	}
	if b.CloseSuccesses > b.HalfOpenProbes {
		v.addError(NewValidationError("fabric", "breaker", "close_successes",
			fmt.Errorf("%w: cannot exceed half_open_probes (%d), got %d",
				ErrInvalidValue, b.HalfOpenProbes, b.CloseSuccesses)))
	}
}

func (v *Validator) validateImpact() {
	for tier, p := range v.cfg.Impact.Tiers {
		if p.CostPerMinute < 0 || p.CostPerAffectedUser < 0 {
			v.addError(NewValidationError("impact", tier, "",
				fmt.Errorf("%w: costs must be non-negative", ErrInvalidValue)))
		}
		if p.BusinessHoursStart < 0 || p.BusinessHoursEnd > 24 || p.BusinessHoursStart > p.BusinessHoursEnd {
			v.addError(NewValidationError("impact", tier, "business_hours",
				fmt.Errorf("%w: [%d, %d) is not a valid hour range", ErrInvalidValue,
					p.BusinessHoursStart, p.BusinessHoursEnd)))
		}
		if p.BusinessHoursMultiplier < 1 {
			v.addError(NewValidationError("impact", tier, "business_hours_multiplier",
				fmt.Errorf("%w: must be at least 1, got %v", ErrInvalidValue, p.BusinessHoursMultiplier)))
		}
	}
}

func (v *Validator) validateAgents() {
	seen := make(map[string]bool)
	for _, a := range v.cfg.Agents {
		if a.Name == "" {
			v.addError(NewValidationError("agent", "(unnamed)", "name", ErrMissingRequiredField))
			continue
		}
		if seen[a.Name] {
			v.addError(NewValidationError("agent", a.Name, "name",
				fmt.Errorf("%w: duplicate agent name", ErrInvalidValue)))
		}
		seen[a.Name] = true

		if !validAgentClass(a.Class) {
			v.addError(NewValidationError("agent", a.Name, "class",
				fmt.Errorf("%w: unknown agent class %q", ErrInvalidValue, a.Class)))
		}
		if a.IdentityKey == "" {
			v.addError(NewValidationError("agent", a.Name, "identity_key", ErrMissingRequiredField))
		}
		if a.Channel != "" {
			if _, ok := v.cfg.Fabric.Channels[a.Channel]; !ok {
				v.addError(NewValidationError("agent", a.Name, "channel",
					fmt.Errorf("%w: %s", ErrChannelNotFound, a.Channel)))
			}
		}
	}
}

func (v *Validator) validateActions() {
	for id, tmpl := range v.cfg.Actions {
		if tmpl.ActionID == "" {
			v.addError(NewValidationError("action", id, "action_id", ErrMissingRequiredField))
		}
		if len(tmpl.RequiredPermissions) == 0 {
			v.addError(NewValidationError("action", id, "required_permissions", ErrMissingRequiredField))
		}
		if tmpl.RollbackTemplateID != "" {
			if _, ok := v.cfg.Actions[tmpl.RollbackTemplateID]; !ok {
				v.addError(NewValidationError("action", id, "rollback_template_id",
					fmt.Errorf("%w: %s", ErrActionNotFound, tmpl.RollbackTemplateID)))
			}
		}
	}
}

func (v *Validator) validateActuator() {
	a := v.cfg.Actuator
	if a.Endpoint != "" {
		u, err := url.Parse(a.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			v.addError(NewValidationError("actuator", "executor", "endpoint",
				fmt.Errorf("%w: not an absolute URL: %q", ErrInvalidValue, a.Endpoint)))
		}
	}
	if a.Timeout <= 0 {
		v.addError(NewValidationError("actuator", "executor", "timeout",
			fmt.Errorf("%w: must be positive, got %s", ErrInvalidValue, a.Timeout)))
	}
}

func validAgentClass(class models.AgentClass) bool {
	for _, c := range models.AgentClasses {
		if c == class {
			return true
		}
	}
	return false
}
