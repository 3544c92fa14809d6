package fabric

import (
	"sync"
	"time"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/models"
)

// Complexity is the caller's estimate of how much reasoning a request needs.
type Complexity string

const (
	// ComplexityHigh routes to the class's primary (high-capability) channel.
	ComplexityHigh Complexity = "high"
	// ComplexityLow routes to the lightest channel in the class's chain.
	ComplexityLow Complexity = "low"
)

// Router maps (agent class, complexity estimate) to a fabric channel. Each
// class has a primary channel and an ordered fallback chain from
// configuration; chains are ordered most- to least-capable, so low-complexity
// work starts from the tail. A channel that keeps failing is demoted for a
// cool-down window and the router picks the next admissible link.
type Router struct {
	channels map[string]config.ChannelConfig
	primary  map[models.AgentClass]string

	// Demotion mirrors the breaker thresholds: the same consecutive-failure
	// budget demotes, and the demotion lasts one open interval.
	budget   int
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	failures map[string]int
	demoted  map[string]time.Time // channel -> demotion expiry
}

// NewRouter builds the router from the fabric config and the per-class
// primary channels (each class's first configured agent decides).
func NewRouter(cfg config.FabricConfig, agents []config.AgentConfig) *Router {
	primary := make(map[models.AgentClass]string)
	for _, a := range agents {
		if _, ok := primary[a.Class]; !ok {
			primary[a.Class] = a.Channel
		}
	}
	return &Router{
		channels: cfg.Channels,
		primary:  primary,
		budget:   cfg.Breaker.FailureBudget,
		cooldown: cfg.Breaker.OpenInterval,
		now:      time.Now,
		failures: make(map[string]int),
		demoted:  make(map[string]time.Time),
	}
}

// Route picks the channel for a class and complexity estimate. The primary's
// fallback chain is walked front-to-back for high complexity and back-to-front
// for low; demoted channels are skipped. If every link is demoted the
// preferred one is returned anyway rather than stalling the incident.
func (r *Router) Route(class models.AgentClass, complexity Complexity) string {
	chain := r.chain(class)
	if len(chain) == 0 {
		return ""
	}
	if complexity == ComplexityLow {
		for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
			chain[i], chain[j] = chain[j], chain[i]
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range chain {
		if !r.isDemoted(ch) {
			return ch
		}
	}
	return chain[0]
}

// ReportFailure records a failed call on a channel; reaching the failure
// budget demotes it for one cool-down window.
func (r *Router) ReportFailure(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[channel]++
	if r.failures[channel] >= r.budget {
		r.demoted[channel] = r.now().Add(r.cooldown)
		r.failures[channel] = 0
	}
}

// ReportSuccess clears a channel's failure streak and any active demotion.
func (r *Router) ReportSuccess(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, channel)
	delete(r.demoted, channel)
}

// Demoted reports whether a channel is currently demoted.
func (r *Router) Demoted(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isDemoted(channel)
}

// chain returns the primary channel followed by its fallbacks, dropping
// names that are not configured channels.
func (r *Router) chain(class models.AgentClass) []string {
	base, ok := r.primary[class]
	if !ok {
		return nil
	}
	chain := []string{base}
	if cfg, ok := r.channels[base]; ok {
		chain = append(chain, cfg.Fallbacks...)
	}
	out := chain[:0]
	for _, ch := range chain {
		if _, ok := r.channels[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// isDemoted checks and lazily expires a demotion; caller holds the lock.
func (r *Router) isDemoted(channel string) bool {
	until, ok := r.demoted[channel]
	if !ok {
		return false
	}
	if r.now().After(until) {
		delete(r.demoted, channel)
		return false
	}
	return true
}
