package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestassociates/agent-platform/internal/models"
	"github.com/nestassociates/agent-platform/internal/store"
)

// fakeStore mirrors the coalescing behavior of the real queue table: one open
// build per agent, with priority upgrades on conflict.
type fakeStore struct {
	open    map[string]*models.Build
	agents  map[string]string // id -> status
	audits  []models.AuditEntry
	nextID  int
	listErr error
	failFor map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		open:    map[string]*models.Build{},
		agents:  map[string]string{},
		failFor: map[string]error{},
	}
}

func (f *fakeStore) EnqueueBuild(_ context.Context, p store.EnqueueBuildParams) (models.Build, bool, error) {
	if err := f.failFor[p.AgentID]; err != nil {
		return models.Build{}, false, err
	}
	if existing, ok := f.open[p.AgentID]; ok {
		if p.Priority < existing.Priority {
			existing.Priority = p.Priority
			existing.Trigger = p.Trigger
		}
		return *existing, true, nil
	}
	f.nextID++
	build := &models.Build{
		ID:          fmt.Sprintf("build-%d", f.nextID),
		AgentID:     p.AgentID,
		Priority:    p.Priority,
		Trigger:     p.Trigger,
		Status:      models.BuildPending,
		Metadata:    p.Metadata,
		MaxAttempts: p.MaxAttempts,
	}
	f.open[p.AgentID] = build
	return *build, false, nil
}

func (f *fakeStore) CancelOpenBuilds(_ context.Context, agentID, _ string) (int64, error) {
	if _, ok := f.open[agentID]; !ok {
		return 0, nil
	}
	delete(f.open, agentID)
	return 1, nil
}

func (f *fakeStore) QueueStats(context.Context) (models.QueueStats, error) {
	return models.QueueStats{Queued: int64(len(f.open))}, nil
}

func (f *fakeStore) ListAgentIDsByStatus(_ context.Context, status string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var ids []string
	for id, st := range f.agents {
		if st == status {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) AppendAudit(_ context.Context, e models.AuditEntry) error {
	f.audits = append(f.audits, e)
	return nil
}

func TestEnqueueAuditsNewBuildsOnly(t *testing.T) {
	st := newFakeStore()
	q := New(st, 3)

	build, coalesced, err := q.Enqueue(context.Background(), EnqueueRequest{
		AgentID:  "agent-1",
		Priority: models.PriorityNormal,
		Trigger:  models.TriggerContentApprove,
		Actor:    "system",
	})
	require.NoError(t, err)
	assert.False(t, coalesced)
	assert.Equal(t, 3, build.MaxAttempts)
	require.Len(t, st.audits, 1)
	assert.Equal(t, "enqueued: content_approved", st.audits[0].Action)

	// A second request for the same agent coalesces and must not re-audit.
	again, coalesced, err := q.Enqueue(context.Background(), EnqueueRequest{
		AgentID:  "agent-1",
		Priority: models.PriorityNormal,
		Trigger:  models.TriggerContentApprove,
		Actor:    "system",
	})
	require.NoError(t, err)
	assert.True(t, coalesced)
	assert.Equal(t, build.ID, again.ID)
	assert.Len(t, st.audits, 1)
}

func TestEnqueueCoalesceUpgradesPriority(t *testing.T) {
	st := newFakeStore()
	q := New(st, 3)

	_, _, err := q.Enqueue(context.Background(), EnqueueRequest{
		AgentID:  "agent-1",
		Priority: models.PriorityLow,
		Trigger:  models.TriggerReconciliation,
	})
	require.NoError(t, err)

	build, coalesced, err := q.Enqueue(context.Background(), EnqueueRequest{
		AgentID:  "agent-1",
		Priority: models.PriorityEmergency,
		Trigger:  models.TriggerGlobalContent,
	})
	require.NoError(t, err)
	assert.True(t, coalesced)
	assert.Equal(t, models.PriorityEmergency, build.Priority)
	assert.Equal(t, models.TriggerGlobalContent, build.Trigger)
}

func TestGlobalRebuildFansOutToActiveAgentsOnly(t *testing.T) {
	st := newFakeStore()
	st.agents["agent-1"] = models.AgentActive
	st.agents["agent-2"] = models.AgentActive
	st.agents["agent-3"] = models.AgentSuspended
	st.agents["agent-4"] = models.AgentDraft
	q := New(st, 3)

	queued, errored, err := q.EnqueueGlobalRebuild(context.Background(), "footer", "admin@acme")
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
	assert.Zero(t, errored)

	for _, id := range []string{"agent-1", "agent-2"} {
		build, ok := st.open[id]
		require.True(t, ok, "expected a build for %s", id)
		assert.Equal(t, models.PriorityEmergency, build.Priority)
		assert.Equal(t, models.TriggerGlobalContent, build.Trigger)
		assert.Equal(t, "footer", build.Metadata["content_type"])
	}
	assert.NotContains(t, st.open, "agent-3")
}

func TestGlobalRebuildCountsPerAgentFailures(t *testing.T) {
	st := newFakeStore()
	st.agents["agent-1"] = models.AgentActive
	st.agents["agent-2"] = models.AgentActive
	st.failFor["agent-2"] = errors.New("insert failed")
	q := New(st, 3)

	queued, errored, err := q.EnqueueGlobalRebuild(context.Background(), "header", "admin@acme")
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	assert.Equal(t, 1, errored)
}

func TestGlobalRebuildListError(t *testing.T) {
	st := newFakeStore()
	st.listErr = errors.New("connection refused")
	q := New(st, 3)

	_, _, err := q.EnqueueGlobalRebuild(context.Background(), "footer", "admin@acme")
	require.Error(t, err)
}

func TestCancelAllForAgent(t *testing.T) {
	st := newFakeStore()
	q := New(st, 3)

	_, _, err := q.Enqueue(context.Background(), EnqueueRequest{
		AgentID:  "agent-1",
		Priority: models.PriorityNormal,
		Trigger:  models.TriggerManual,
	})
	require.NoError(t, err)

	n, err := q.CancelAllForAgent(context.Background(), "agent-1", models.CancelledBySuspend, "admin@acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Nothing left to cancel; no extra audit entry either.
	audits := len(st.audits)
	n, err = q.CancelAllForAgent(context.Background(), "agent-1", models.CancelledBySuspend, "admin@acme")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, st.audits, audits)
}
