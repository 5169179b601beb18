package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nestassociates/agent-platform/internal/builder"
	"github.com/nestassociates/agent-platform/internal/config"
	"github.com/nestassociates/agent-platform/internal/lifecycle"
	"github.com/nestassociates/agent-platform/internal/models"
	"github.com/nestassociates/agent-platform/internal/queue"
	"github.com/nestassociates/agent-platform/internal/store"
	"github.com/nestassociates/agent-platform/internal/telemetry"
)

// Lifecycle is the agent state machine surface the API drives.
type Lifecycle interface {
	Activate(ctx context.Context, agentID, actor, reason string) (lifecycle.Result, error)
	Deactivate(ctx context.Context, agentID, actor, reason string) (lifecycle.Result, error)
	Suspend(ctx context.Context, agentID, actor, reason string) (lifecycle.Result, error)
	Reactivate(ctx context.Context, agentID, actor, reason string, queueBuild bool) (lifecycle.Result, error)
	Bulk(ctx context.Context, action string, agentIDs []string, actor, reason string, queueBuild bool) ([]lifecycle.BulkResult, error)
}

// BuildQueue is the queue surface exposed over HTTP.
type BuildQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (models.Build, bool, error)
	EnqueueGlobalRebuild(ctx context.Context, contentType, actor string) (queued, errored int, err error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

// Drainer runs one processor invocation.
type Drainer interface {
	ProcessQueue(ctx context.Context) (builder.Summary, error)
}

// DrainLock serializes drain invocations across API replicas.
type DrainLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Limiter throttles admin actors.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// AgentStore is the direct persistence the API needs outside the domain
// layers.
type AgentStore interface {
	CreateAgent(ctx context.Context, p store.CreateAgentParams) (models.Agent, error)
	GetBuild(ctx context.Context, id string) (models.Build, error)
}

// Server wires the HTTP handlers for the admin API, content hooks, and the
// scheduler trigger.
type Server struct {
	cfg       config.Config
	machine   Lifecycle
	builds    BuildQueue
	processor Drainer
	drainLock DrainLock
	limiter   Limiter
	store     AgentStore
}

func New(cfg config.Config, machine Lifecycle, builds BuildQueue, processor Drainer, drainLock DrainLock, limiter Limiter, st AgentStore) *Server {
	return &Server{
		cfg:       cfg,
		machine:   machine,
		builds:    builds,
		processor: processor,
		drainLock: drainLock,
		limiter:   limiter,
		store:     st,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/internal/builds/process", s.handleProcessQueue)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.withServiceToken, s.requireAdminRole, s.withRateLimit)
		r.Post("/agents", s.handleCreateAgent)
		r.Post("/agents/{id}/activate", s.handleActivate)
		r.Post("/agents/{id}/deactivate", s.handleDeactivate)
		r.Post("/agents/{id}/reactivate", s.handleReactivate)
		r.Post("/agents/{id}/suspend", s.handleSuspend)
		r.Post("/agents/bulk", s.handleBulk)
		r.Get("/builds/{id}", s.handleGetBuild)
		r.Get("/queue/stats", s.handleQueueStats)
	})

	r.Route("/hooks", func(r chi.Router) {
		r.Use(s.withServiceToken)
		r.Post("/content-approved", s.handleContentApproved)
		r.Post("/global-content/{type}/publish", s.handleGlobalPublish)
	})

	return r
}

// handleProcessQueue is the scheduler trigger: one bounded drain of the
// build queue per call, serialized by the drain lock.
func (s *Server) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	if !s.cronAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid cron secret")
		return
	}

	if s.drainLock != nil {
		acquired, err := s.drainLock.Acquire(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "LOCK_ERROR", "drain lock unavailable")
			return
		}
		if !acquired {
			writeError(w, http.StatusConflict, "DRAIN_IN_PROGRESS", "a drain is already running")
			return
		}
		// The request context dies if the cron caller disconnects
		// mid-drain; the lock must still be released or every drain until
		// the TTL expires is blocked.
		defer func() { _ = s.drainLock.Release(context.WithoutCancel(r.Context())) }()
	}

	summary, err := s.processor.ProcessQueue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"summary": map[string]int{
			"total":      summary.Total,
			"successful": summary.Successful,
			"failed":     summary.Failed,
		},
		"stats": map[string]models.QueueStats{
			"before": summary.StatsBefore,
			"after":  summary.StatsAfter,
		},
		"results": summary.Results,
	})
}

type createAgentRequest struct {
	Subdomain   string `json:"subdomain"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Bio         string `json:"bio"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
		return
	}
	if req.Subdomain == "" || req.DisplayName == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "subdomain, display_name and email are required")
		return
	}
	agent, err := s.store.CreateAgent(r.Context(), store.CreateAgentParams{
		Subdomain:   req.Subdomain,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Phone:       req.Phone,
		Bio:         req.Bio,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "agent": agent})
}

type transitionRequest struct {
	Reason     string `json:"reason"`
	QueueBuild bool   `json:"queue_build"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(ctx context.Context, agentID, actor string, req transitionRequest) (lifecycle.Result, error) {
		return s.machine.Activate(ctx, agentID, actor, req.Reason)
	})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(ctx context.Context, agentID, actor string, req transitionRequest) (lifecycle.Result, error) {
		return s.machine.Deactivate(ctx, agentID, actor, req.Reason)
	})
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(ctx context.Context, agentID, actor string, req transitionRequest) (lifecycle.Result, error) {
		return s.machine.Reactivate(ctx, agentID, actor, req.Reason, req.QueueBuild)
	})
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(ctx context.Context, agentID, actor string, req transitionRequest) (lifecycle.Result, error) {
		return s.machine.Suspend(ctx, agentID, actor, req.Reason)
	})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, agentID, actor string, req transitionRequest) (lifecycle.Result, error)) {
	agentID := chi.URLParam(r, "id")
	var req transitionRequest
	if r.Body != nil {
		// An empty body is allowed for transitions without a reason.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := op(r.Context(), agentID, actorFrom(r.Context()), req)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}

	resp := map[string]any{
		"success": true,
		"agent": map[string]any{
			"id":              result.Agent.ID,
			"status":          result.Agent.Status,
			"subdomain":       result.Agent.Subdomain,
			"previous_status": result.PreviousStatus,
		},
	}
	if result.Build != nil {
		resp["build"] = map[string]any{
			"id":       result.Build.ID,
			"status":   result.Build.Status,
			"priority": result.Build.Priority.String(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type bulkRequest struct {
	AgentIDs   []string `json:"agent_ids"`
	Action     string   `json:"action"`
	Reason     string   `json:"reason"`
	QueueBuild bool     `json:"queue_build"`
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
		return
	}

	results, err := s.machine.Bulk(r.Context(), req.Action, req.AgentIDs, actorFrom(r.Context()), req.Reason, req.QueueBuild)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}

	successful := 0
	for _, res := range results {
		if res.Success {
			successful++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": successful == len(results),
		"summary": map[string]int{
			"total":      len(results),
			"successful": successful,
			"failed":     len(results) - successful,
		},
		"results": results,
	})
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	build, err := s.store.GetBuild(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "BUILD_NOT_FOUND", "build not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.builds.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type contentApprovedRequest struct {
	AgentID string `json:"agent_id"`
	Title   string `json:"title"`
}

func (s *Server) handleContentApproved(w http.ResponseWriter, r *http.Request) {
	var req contentApprovedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "agent_id is required")
		return
	}

	build, coalesced, err := s.builds.Enqueue(r.Context(), queue.EnqueueRequest{
		AgentID:  req.AgentID,
		Priority: models.PriorityNormal,
		Trigger:  models.TriggerContentApprove,
		Actor:    actorFrom(r.Context()),
		Metadata: map[string]any{"title": req.Title},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"build_id":  build.ID,
		"coalesced": coalesced,
	})
}

// globalContentTypes that trigger a platform-wide rebuild when published.
var globalContentTypes = map[string]bool{
	"header":           true,
	"footer":           true,
	"privacy_policy":   true,
	"terms_of_service": true,
}

func (s *Server) handleGlobalPublish(w http.ResponseWriter, r *http.Request) {
	contentType := chi.URLParam(r, "type")
	if !globalContentTypes[contentType] {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown global content type")
		return
	}

	queued, errored, err := s.builds.EnqueueGlobalRebuild(r.Context(), contentType, actorFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rebuilds_queued": queued,
		"errors":          errored,
	})
}

func writeLifecycleError(w http.ResponseWriter, err error) {
	var lifecycleErr *lifecycle.Error
	if errors.As(err, &lifecycleErr) {
		writeError(w, statusForCode(lifecycleErr.Code), lifecycleErr.Code, lifecycleErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", err.Error())
}

func statusForCode(code string) int {
	switch code {
	case lifecycle.CodeAgentNotFound:
		return http.StatusNotFound
	case lifecycle.CodeAlreadyActive:
		return http.StatusConflict
	case lifecycle.CodeNotReady, lifecycle.CodeInvalidTransition, lifecycle.CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
