package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/nestassociates/agent-platform/internal/models"
)

const buildColumns = `id, agent_id, priority, trigger, status, attempt_count, max_attempts,
	last_error, deployment_id, deployment_url, metadata, next_attempt_at,
	created_at, started_at, completed_at, updated_at`

// EnqueueBuildParams collects inputs required to insert a build request.
type EnqueueBuildParams struct {
	AgentID     string
	Priority    models.Priority
	Trigger     string
	Metadata    map[string]any
	MaxAttempts int
}

// enqueueRetries bounds re-attempts when a conflicting open build is
// finalized by a concurrent processor mid-enqueue.
const enqueueRetries = 3

// enqueueTx is the subset of pgx.Tx the enqueue path uses.
type enqueueTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EnqueueBuild inserts a pending build, coalescing onto any existing open
// (pending or in_progress) build for the agent. The coalesce is an upsert
// against the partial unique index on open builds, not a read-then-write, so
// two concurrent enqueues cannot both insert. When coalescing onto a
// lower-urgency pending build, the existing build is upgraded to the new
// priority and trigger (activation must always win the tier).
// Returns the build and whether it was coalesced onto an existing one.
func (s *Store) EnqueueBuild(ctx context.Context, p EnqueueBuildParams) (models.Build, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Priority == 0 {
		p.Priority = models.PriorityNormal
	}
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Build{}, false, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Build{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	// The insert can lose the conflict to an open build that a concurrent
	// processor then finalizes before the coalesce lookup runs; when the
	// lookup comes up empty the insert is retried rather than failed.
	for attempt := 0; attempt < enqueueRetries; attempt++ {
		build, coalesced, retry, err := enqueueAttempt(ctx, tx, p, metadataJSON)
		if err != nil {
			return models.Build{}, false, err
		}
		if retry {
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			return models.Build{}, false, fmt.Errorf("commit: %w", err)
		}
		return build, coalesced, nil
	}
	return models.Build{}, false, fmt.Errorf("enqueue build for agent %s: conflicting open build kept finalizing", p.AgentID)
}

// enqueueAttempt performs one insert-or-coalesce pass. The retry flag is set
// when the conflicting open build was finalized before it could be read
// back, meaning the insert should be tried again.
func enqueueAttempt(ctx context.Context, tx enqueueTx, p EnqueueBuildParams, metadataJSON []byte) (build models.Build, coalesced, retry bool, err error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO build_queue (id, agent_id, priority, trigger, status, attempt_count, max_attempts, metadata, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8, $8)
		ON CONFLICT (agent_id) WHERE status IN ('pending', 'in_progress') DO NOTHING
	`, id, p.AgentID, int(p.Priority), p.Trigger, models.BuildPending, p.MaxAttempts, metadataJSON, now)
	if err != nil {
		return models.Build{}, false, false, fmt.Errorf("insert build: %w", err)
	}

	if tag.RowsAffected() > 0 {
		return models.Build{
			ID:            id,
			AgentID:       p.AgentID,
			Priority:      p.Priority,
			Trigger:       p.Trigger,
			Status:        models.BuildPending,
			MaxAttempts:   p.MaxAttempts,
			Metadata:      p.Metadata,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}, false, false, nil
	}

	// An open build already exists; upgrade it if the new request is more
	// urgent, then hand back the existing id.
	_, err = tx.Exec(ctx, `
		UPDATE build_queue SET priority = $2, trigger = $3, updated_at = NOW()
		WHERE agent_id = $1 AND status = $4 AND priority > $2
	`, p.AgentID, int(p.Priority), p.Trigger, models.BuildPending)
	if err != nil {
		return models.Build{}, false, false, fmt.Errorf("upgrade open build: %w", err)
	}
	row := tx.QueryRow(ctx, `
		SELECT `+buildColumns+`
		FROM build_queue
		WHERE agent_id = $1 AND status IN ($2, $3)
	`, p.AgentID, models.BuildPending, models.BuildInProgress)
	existing, err := scanBuild(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Build{}, false, true, nil
	}
	if err != nil {
		return models.Build{}, false, false, fmt.Errorf("load coalesced build: %w", err)
	}
	return existing, true, false, nil
}

// GetBuild fetches a build by id.
func (s *Store) GetBuild(ctx context.Context, id string) (models.Build, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM build_queue WHERE id = $1`, id)
	b, err := scanBuild(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Build{}, ErrNotFound
	}
	return b, err
}

// ClaimDueBuilds atomically moves up to limit due pending builds to
// in_progress and returns them, in priority order then FIFO. SKIP LOCKED
// keeps two overlapping processor invocations from claiming the same row,
// and the partial unique index guarantees an agent never has a second open
// build to hand out.
func (s *Store) ClaimDueBuilds(ctx context.Context, limit int) ([]models.Build, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE build_queue SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM build_queue
			WHERE status = $1 AND next_attempt_at <= NOW()
			ORDER BY priority, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+buildColumns,
		models.BuildPending, models.BuildInProgress, limit)
	if err != nil {
		return nil, fmt.Errorf("claim builds: %w", err)
	}
	defer rows.Close()

	var builds []models.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim builds rows: %w", err)
	}
	// RETURNING order is not guaranteed; re-sort to drain priority first.
	sortBuilds(builds)
	return builds, nil
}

// MarkBuildSucceeded records a successful deployment. Guarded on
// in_progress: a build already cancelled by a concurrent suspend stays
// terminal and the late result is discarded (reported as false).
func (s *Store) MarkBuildSucceeded(ctx context.Context, id, deploymentID, deploymentURL string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE build_queue
		SET status = $2, deployment_id = $3, deployment_url = $4, last_error = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.BuildSucceeded, deploymentID, deploymentURL, models.BuildInProgress)
	if err != nil {
		return false, fmt.Errorf("mark build succeeded: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RescheduleBuild returns a failed attempt to pending for a later
// invocation. Guarded on in_progress for the same reason as success.
func (s *Store) RescheduleBuild(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE build_queue
		SET status = $2, attempt_count = $3, next_attempt_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.BuildPending, attempts, nextAttempt, lastErr, models.BuildInProgress)
	if err != nil {
		return false, fmt.Errorf("reschedule build: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkBuildFailed finalizes a build that exhausted its retry ceiling.
func (s *Store) MarkBuildFailed(ctx context.Context, id string, attempts int, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE build_queue
		SET status = $2, attempt_count = $3, last_error = $4, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.BuildFailed, attempts, lastErr, models.BuildInProgress)
	if err != nil {
		return false, fmt.Errorf("mark build failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelOpenBuilds finalizes every pending or in_progress build for the
// agent as failed with the given reason, returning how many were cancelled.
// Used by suspend.
func (s *Store) CancelOpenBuilds(ctx context.Context, agentID, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE build_queue
		SET status = $2, last_error = $3, completed_at = NOW(), updated_at = NOW()
		WHERE agent_id = $1 AND status IN ($4, $5)
	`, agentID, models.BuildFailed, reason, models.BuildPending, models.BuildInProgress)
	if err != nil {
		return 0, fmt.Errorf("cancel open builds: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueueStats returns point-in-time counts by status.
func (s *Store) QueueStats(ctx context.Context) (models.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM build_queue GROUP BY status
	`)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return models.QueueStats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case models.BuildPending:
			stats.Queued = n
		case models.BuildInProgress:
			stats.InProgress = n
		case models.BuildSucceeded:
			stats.Succeeded = n
		case models.BuildFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

func scanBuild(row pgx.Row) (models.Build, error) {
	var b models.Build
	var priority int
	var lastErr, depID, depURL pgtype.Text
	var metadataJSON []byte
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&b.ID, &b.AgentID, &priority, &b.Trigger, &b.Status, &b.AttemptCount, &b.MaxAttempts,
		&lastErr, &depID, &depURL, &metadataJSON, &b.NextAttemptAt,
		&b.CreatedAt, &startedAt, &completedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Build{}, pgx.ErrNoRows
		}
		return models.Build{}, fmt.Errorf("scan build: %w", err)
	}
	b.Priority = models.Priority(priority)
	b.LastError = textPtr(lastErr)
	b.DeploymentID = textPtr(depID)
	b.DeploymentURL = textPtr(depURL)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &b.Metadata); err != nil {
			return models.Build{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		b.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	return b, nil
}

func sortBuilds(builds []models.Build) {
	sort.Slice(builds, func(i, j int) bool {
		if builds[i].Priority != builds[j].Priority {
			return builds[i].Priority < builds[j].Priority
		}
		return builds[i].CreatedAt.Before(builds[j].CreatedAt)
	})
}
