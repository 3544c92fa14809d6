package agent

import (
	"fmt"
	"log/slog"

	"github.com/aegisops/aegis/pkg/config"
	"github.com/aegisops/aegis/pkg/fabric"
	"github.com/aegisops/aegis/pkg/models"
)

// Thinkers maps agent registration names to their collaborator calls. The
// binary wires concrete collaborators here; tests wire fakes.
type Thinkers map[string]ThinkFunc

// classComplexity steers the model router per class: detection and
// communication are fast classification work, the reasoning classes need the
// capable end of the chain.
var classComplexity = map[models.AgentClass]fabric.Complexity{
	models.AgentDetection:     fabric.ComplexityLow,
	models.AgentDiagnosis:     fabric.ComplexityHigh,
	models.AgentPrediction:    fabric.ComplexityHigh,
	models.AgentResolution:    fabric.ComplexityHigh,
	models.AgentCommunication: fabric.ComplexityLow,
}

// Factory assembles the per-class fallback chains from the agent
// registrations. Registration file order within a class is fallback order.
type Factory struct {
	cfg    *config.Config
	fab    *fabric.Fabric
	router *fabric.Router
	logger *slog.Logger
}

// NewFactory creates a factory over the immutable process configuration.
func NewFactory(cfg *config.Config, fab *fabric.Fabric, router *fabric.Router, logger *slog.Logger) *Factory {
	return &Factory{cfg: cfg, fab: fab, router: router, logger: logger}
}

// Build returns one chain per class that has both a registration and a
// thinker. A registered agent without a thinker is a wiring bug.
func (f *Factory) Build(thinkers Thinkers) (map[models.AgentClass]Agent, error) {
	chains := make(map[models.AgentClass]Agent)
	byClass := f.cfg.AgentsByClass()
	for _, class := range models.AgentClasses {
		registrations := byClass[class]
		if len(registrations) == 0 {
			continue
		}
		rungs := make([]Agent, 0, len(registrations))
		for _, reg := range registrations {
			think, ok := thinkers[reg.Name]
			if !ok {
				return nil, fmt.Errorf("agent %q is registered but has no collaborator bound", reg.Name)
			}
			rungs = append(rungs, NewRunner(reg, classComplexity[class], f.fab, f.router, think, f.logger))
		}
		chain, err := NewChain(class, rungs, f.logger)
		if err != nil {
			return nil, err
		}
		chains[class] = chain
	}
	return chains, nil
}
