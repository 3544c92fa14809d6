package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/pkg/models"
	"github.com/aegisops/aegis/pkg/security"
)

// fakeAgent is a scripted rung for chain tests.
type fakeAgent struct {
	name      string
	class     models.AgentClass
	result    *Result
	err       error
	calls     int
	cancelled bool
}

func (f *fakeAgent) Run(ctx context.Context, snap models.IncidentSnapshot) (*Result, error) {
	f.calls++
	return f.result, f.err
}
func (f *fakeAgent) Cancel()                     { f.cancelled = true }
func (f *fakeAgent) Identity() security.Identity { return security.Identity{Name: f.name} }
func (f *fakeAgent) Class() models.AgentClass    { return f.class }
func (f *fakeAgent) Name() string                { return f.name }

func completedResult(actionID string) *Result {
	return &Result{
		Status: StatusCompleted,
		Recommendation: &models.AgentRecommendation{
			AgentName:  models.AgentDiagnosis,
			ActionID:   actionID,
			Confidence: 0.8,
			RiskLevel:  models.RiskLow,
		},
	}
}

func TestChainPrimarySucceeds(t *testing.T) {
	primary := &fakeAgent{name: "rag", class: models.AgentDiagnosis, result: completedResult("fix-a")}
	backup := &fakeAgent{name: "pattern-match", class: models.AgentDiagnosis, result: completedResult("fix-b")}
	chain, err := NewChain(models.AgentDiagnosis, []Agent{primary, backup}, testLogger())
	require.NoError(t, err)

	res, err := chain.Run(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "fix-a", res.Recommendation.ActionID)
	assert.False(t, res.Degraded)
	assert.Equal(t, "rag", res.Fallback)
	assert.Zero(t, backup.calls, "backup untouched when primary succeeds")
}

func TestChainDegradesOnFailure(t *testing.T) {
	primary := &fakeAgent{name: "rag", class: models.AgentDiagnosis, err: errors.New("rag store down")}
	backup := &fakeAgent{name: "pattern-match", class: models.AgentDiagnosis, result: completedResult("fix-b")}
	chain, err := NewChain(models.AgentDiagnosis, []Agent{primary, backup}, testLogger())
	require.NoError(t, err)

	res, err := chain.Run(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "fix-b", res.Recommendation.ActionID)
	assert.True(t, res.Degraded)
	assert.Equal(t, "pattern-match", res.Fallback)
}

func TestChainExhaustion(t *testing.T) {
	primary := &fakeAgent{name: "rag", class: models.AgentDiagnosis, err: errors.New("down")}
	backup := &fakeAgent{name: "pattern-match", class: models.AgentDiagnosis,
		result: &Result{Status: StatusFailed, Err: errors.New("also down")}}
	chain, err := NewChain(models.AgentDiagnosis, []Agent{primary, backup}, testLogger())
	require.NoError(t, err)

	_, err = chain.Run(context.Background(), testSnapshot())
	assert.ErrorIs(t, err, ErrChainExhausted)
}

func TestChainStopsOnTimeout(t *testing.T) {
	// A timed-out rung means the budget is spent; falling through would
	// start a fresh agent with no time left.
	primary := &fakeAgent{name: "rag", class: models.AgentDiagnosis,
		result: &Result{Status: StatusTimedOut}}
	backup := &fakeAgent{name: "pattern-match", class: models.AgentDiagnosis, result: completedResult("fix-b")}
	chain, err := NewChain(models.AgentDiagnosis, []Agent{primary, backup}, testLogger())
	require.NoError(t, err)

	res, err := chain.Run(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Zero(t, backup.calls)
}

func TestChainSurfacesPartial(t *testing.T) {
	partial := &models.AgentRecommendation{ActionID: "half-answer", Confidence: 0.3, RiskLevel: models.RiskLow}
	primary := &fakeAgent{name: "rag", class: models.AgentDiagnosis,
		result: &Result{Status: StatusPartial, Partial: partial}}
	chain, err := NewChain(models.AgentDiagnosis, []Agent{primary}, testLogger())
	require.NoError(t, err)

	res, err := chain.Run(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, partial, res.Partial)
}

func TestChainCancelFansOut(t *testing.T) {
	primary := &fakeAgent{name: "rag", class: models.AgentDiagnosis}
	backup := &fakeAgent{name: "pattern-match", class: models.AgentDiagnosis}
	chain, err := NewChain(models.AgentDiagnosis, []Agent{primary, backup}, testLogger())
	require.NoError(t, err)

	chain.Cancel()
	assert.True(t, primary.cancelled)
	assert.True(t, backup.cancelled)
}

func TestChainRequiresRungs(t *testing.T) {
	_, err := NewChain(models.AgentDiagnosis, nil, testLogger())
	assert.Error(t, err)
}
