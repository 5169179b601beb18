package queue

import (
	"context"
	"log"

	"github.com/nestassociates/agent-platform/internal/models"
	"github.com/nestassociates/agent-platform/internal/store"
	"github.com/nestassociates/agent-platform/internal/telemetry"
)

// Store is the subset of the persistence layer the queue needs.
type Store interface {
	EnqueueBuild(ctx context.Context, p store.EnqueueBuildParams) (models.Build, bool, error)
	CancelOpenBuilds(ctx context.Context, agentID, reason string) (int64, error)
	QueueStats(ctx context.Context) (models.QueueStats, error)
	ListAgentIDsByStatus(ctx context.Context, status string) ([]string, error)
	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// Queue exposes the build queue operations: enqueue with coalescing, global
// fan-out, cancellation, and stats. The queue table itself is the single
// source of truth; this layer adds the domain semantics and telemetry.
type Queue struct {
	store       Store
	maxAttempts int
}

// EnqueueRequest describes one build request.
type EnqueueRequest struct {
	AgentID  string
	Priority models.Priority
	Trigger  string
	Actor    string
	Metadata map[string]any
}

func New(st Store, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{store: st, maxAttempts: maxAttempts}
}

// Enqueue inserts a pending build or coalesces onto the agent's existing
// open build, returning the build and whether it was coalesced.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (models.Build, bool, error) {
	build, coalesced, err := q.store.EnqueueBuild(ctx, store.EnqueueBuildParams{
		AgentID:     req.AgentID,
		Priority:    req.Priority,
		Trigger:     req.Trigger,
		Metadata:    req.Metadata,
		MaxAttempts: q.maxAttempts,
	})
	if err != nil {
		return models.Build{}, false, err
	}
	if coalesced {
		telemetry.BuildsCoalesced.Inc()
		return build, true, nil
	}
	telemetry.BuildsEnqueued.Inc()
	_ = q.store.AppendAudit(ctx, models.AuditEntry{
		EntityType: "build",
		EntityID:   build.ID,
		Action:     "enqueued: " + req.Trigger,
		Actor:      req.Actor,
		NewValue:   models.BuildPending,
	})
	return build, false, nil
}

// EnqueueGlobalRebuild queues a P1 rebuild for every active agent. The
// fan-out is best-effort and non-transactional: a per-agent failure is
// counted and logged, never aborts the rest. Only a failure to enumerate
// agents is returned as an error.
func (q *Queue) EnqueueGlobalRebuild(ctx context.Context, contentType, actor string) (queued, errored int, err error) {
	agentIDs, err := q.store.ListAgentIDsByStatus(ctx, models.AgentActive)
	if err != nil {
		return 0, 0, err
	}
	if len(agentIDs) == 0 {
		log.Printf("[queue] no active agents for global %s rebuild", contentType)
		return 0, 0, nil
	}

	for _, agentID := range agentIDs {
		_, _, enqErr := q.Enqueue(ctx, EnqueueRequest{
			AgentID:  agentID,
			Priority: models.PriorityEmergency,
			Trigger:  models.TriggerGlobalContent,
			Actor:    actor,
			Metadata: map[string]any{"content_type": contentType},
		})
		if enqErr != nil {
			log.Printf("[queue] global rebuild enqueue failed for agent %s: %v", agentID, enqErr)
			errored++
			continue
		}
		queued++
	}
	log.Printf("[queue] global %s rebuild: queued=%d errors=%d", contentType, queued, errored)
	return queued, errored, nil
}

// CancelAllForAgent finalizes every open build for the agent as failed with
// the given reason.
func (q *Queue) CancelAllForAgent(ctx context.Context, agentID, reason, actor string) (int64, error) {
	n, err := q.store.CancelOpenBuilds(ctx, agentID, reason)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.BuildsCancelled.Add(float64(n))
		_ = q.store.AppendAudit(ctx, models.AuditEntry{
			EntityType: "build",
			EntityID:   agentID,
			Action:     "cancelled: " + reason,
			Actor:      actor,
			NewValue:   models.BuildFailed,
		})
	}
	return n, nil
}

// Stats returns a point-in-time snapshot of queue counts.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	stats, err := q.store.QueueStats(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	telemetry.QueueDepthGauge.Set(float64(stats.Queued))
	return stats, nil
}
