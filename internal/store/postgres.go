package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nestassociates/agent-platform/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. The build_queue table is the
// single source of truth for build state; every status mutation is a guarded
// conditional update.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateAgentParams collects inputs required to insert a draft agent.
type CreateAgentParams struct {
	Subdomain   string
	DisplayName string
	Email       string
	Phone       string
	Bio         string
}

// CreateAgent inserts a new agent in draft status.
func (s *Store) CreateAgent(ctx context.Context, p CreateAgentParams) (models.Agent, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, subdomain, display_name, email, phone, bio, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.Subdomain, p.DisplayName, p.Email, emptyToNil(p.Phone), emptyToNil(p.Bio), models.AgentDraft, now)
	if err != nil {
		return models.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	return models.Agent{
		ID:          id,
		Subdomain:   p.Subdomain,
		DisplayName: p.DisplayName,
		Email:       p.Email,
		Phone:       emptyToNil(p.Phone),
		Bio:         emptyToNil(p.Bio),
		Status:      models.AgentDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, subdomain, display_name, email, phone, bio, status, created_at, updated_at
		FROM agents WHERE id = $1
	`, id)

	var a models.Agent
	var phone, bio pgtype.Text
	if err := row.Scan(&a.ID, &a.Subdomain, &a.DisplayName, &a.Email, &phone, &bio, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Agent{}, ErrNotFound
		}
		return models.Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	a.Phone = textPtr(phone)
	a.Bio = textPtr(bio)
	return a, nil
}

// UpdateAgentStatus transitions an agent from one status to another. The
// update is guarded on the expected current status so concurrent admin
// actions cannot race each other; it reports whether a row changed.
func (s *Store) UpdateAgentStatus(ctx context.Context, id, from, to string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("update agent status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListAgentIDsByStatus returns ids of all agents in the given status, used by
// the global rebuild fan-out and the reconciliation pass.
func (s *Store) ListAgentIDsByStatus(ctx context.Context, status string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM agents WHERE status = $1 ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendAudit adds an immutable audit row.
func (s *Store) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (entity_type, entity_id, action, actor, old_value, new_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, e.EntityType, e.EntityID, e.Action, e.Actor, e.OldValue, e.NewValue)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
