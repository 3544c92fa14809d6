package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/pkg/eventstore"
	"github.com/aegisops/aegis/pkg/models"
	"github.com/aegisops/aegis/test/util"
)

func skipInShortMode(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test requires PostgreSQL")
	}
}

func TestIncidentPipelineEndToEnd(t *testing.T) {
	skipInShortMode(t)
	db, connStr := util.SetupSharedSchema(t)
	s := newStack(t, db, connStr)
	s.pool(t, "pod-a")

	incidentID := s.submit(t, "alert-e2e-1")
	s.waitForStatus(t, incidentID, models.QueueStatusCompleted)

	// The remediation went through the dry-run actuator exactly once.
	assert.Equal(t, []string{"restart-pod"}, s.actuator.Executed())

	// Replay rebuilds a resolved aggregate and the chain verifies.
	incident, err := eventstore.Load(t.Context(), s.store, incidentID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseResolved, incident.Phase)
	require.Len(t, incident.ConsensusHistory, 1)
	assert.True(t, incident.ConsensusHistory[0].Approved)

	// A checkpoint anchor was written at the final version.
	cp, err := s.ckpts.Load(t.Context(), incidentID)
	require.NoError(t, err)
	assert.Equal(t, incident.Version, cp.Version)
}

func TestOperatorEscalationIsDurableAndTerminal(t *testing.T) {
	skipInShortMode(t)
	db, connStr := util.SetupSharedSchema(t)
	s := newStack(t, db, connStr)

	incidentID := s.submit(t, "alert-e2e-2")
	require.NoError(t, s.service.Escalate(t.Context(), incidentID, "paging the on-call"))

	row, err := s.repo.Get(t.Context(), incidentID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusEscalated, row.Status)

	incident, err := eventstore.Load(t.Context(), s.store, incidentID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEscalated, incident.Phase)

	// Terminal rows are not claimable: a pool started afterwards must not
	// touch the incident.
	s.pool(t, "pod-a")
	time.Sleep(200 * time.Millisecond)
	after, err := s.repo.Get(t.Context(), incidentID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusEscalated, after.Status)

	err = s.service.Escalate(t.Context(), incidentID, "again")
	assert.Error(t, err)
}

func TestNotifyDeliversCommittedAppends(t *testing.T) {
	skipInShortMode(t)
	db, connStr := util.SetupSharedSchema(t)
	s := newStack(t, db, connStr)

	incidentID := s.submit(t, "alert-e2e-3")

	type envelope struct {
		IncidentID string `json:"incident_id"`
		Seq        int64  `json:"seq"`
		Kind       string `json:"kind"`
	}
	received := make(chan envelope, 16)
	listener := eventstore.NewNotifyListener(connStr, func(_ string, payload []byte) {
		var env envelope
		if json.Unmarshal(payload, &env) == nil {
			received <- env
		}
	})
	require.NoError(t, listener.Start(t.Context()))
	t.Cleanup(func() { listener.Stop(context.Background()) })
	require.NoError(t, listener.Subscribe(t.Context(), eventstore.IncidentChannel(incidentID)))

	require.NoError(t, s.service.Escalate(t.Context(), incidentID, "handing over"))

	select {
	case env := <-received:
		assert.Equal(t, incidentID, env.IncidentID)
		assert.Equal(t, int64(2), env.Seq)
		assert.Equal(t, string(models.EventEscalated), env.Kind)
	case <-time.After(10 * time.Second):
		t.Fatal("no notification received for committed append")
	}
}

func TestOrphanedClaimRecoveredByAnotherPod(t *testing.T) {
	skipInShortMode(t)
	db, connStr := util.SetupSharedSchema(t)
	s := newStack(t, db, connStr)

	incidentID := s.submit(t, "alert-e2e-4")

	// A pod claims the incident and dies without heartbeating.
	claimed, err := s.queue.ClaimNext(t.Context(), "dead-pod")
	require.NoError(t, err)
	require.Equal(t, incidentID, claimed.ID)
	_, err = db.ExecContext(t.Context(),
		`UPDATE incidents SET last_heartbeat_at = now() - interval '1 hour' WHERE id = $1`,
		incidentID)
	require.NoError(t, err)

	// A healthy pod's orphan detection releases the stale claim and its
	// workers pick the incident up; replay resumes it from the stream.
	s.pool(t, "pod-b")
	s.waitForStatus(t, incidentID, models.QueueStatusCompleted)

	incident, err := eventstore.Load(t.Context(), s.store, incidentID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseResolved, incident.Phase)
}
