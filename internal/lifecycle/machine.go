package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/nestassociates/agent-platform/internal/models"
	"github.com/nestassociates/agent-platform/internal/queue"
	"github.com/nestassociates/agent-platform/internal/store"
	"github.com/nestassociates/agent-platform/internal/telemetry"
)

// Reasons for negative transitions must carry enough context for the audit
// trail.
const minReasonLength = 10

// allowedTransitions maps each agent status to the statuses it may move to.
var allowedTransitions = map[string][]string{
	models.AgentDraft:          {models.AgentPendingProfile},
	models.AgentPendingProfile: {models.AgentPendingAdmin, models.AgentDraft},
	models.AgentPendingAdmin:   {models.AgentActive, models.AgentPendingProfile},
	models.AgentActive:         {models.AgentInactive, models.AgentSuspended},
	models.AgentInactive:       {models.AgentActive, models.AgentSuspended},
	models.AgentSuspended:      {models.AgentActive},
}

func canTransition(from, to string) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AgentStore is the persistence the state machine needs.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (models.Agent, error)
	UpdateAgentStatus(ctx context.Context, id, from, to string) (bool, error)
	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// BuildQueue is the subset of the build queue the state machine drives.
type BuildQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (models.Build, bool, error)
	CancelAllForAgent(ctx context.Context, agentID, reason, actor string) (int64, error)
}

// Machine owns the authoritative agent status and enforces valid
// transitions; transitions enqueue or cancel builds as side effects.
type Machine struct {
	agents AgentStore
	builds BuildQueue
}

func New(agents AgentStore, builds BuildQueue) *Machine {
	return &Machine{agents: agents, builds: builds}
}

// Result reports the outcome of a single transition.
type Result struct {
	Agent          models.Agent  `json:"agent"`
	PreviousStatus string        `json:"previous_status"`
	Build          *models.Build `json:"build,omitempty"`
}

// Activate approves a pending_admin agent and queues its first deployment
// at P1. The enqueue coalesces if an open build already exists.
func (m *Machine) Activate(ctx context.Context, agentID, actor, reason string) (Result, error) {
	agent, err := m.getAgent(ctx, agentID)
	if err != nil {
		return Result{}, err
	}
	if agent.Status == models.AgentActive {
		return Result{}, errAlreadyActive(agentID)
	}
	if agent.Status != models.AgentPendingAdmin {
		return Result{}, errNotReady(agent.Status)
	}

	result, err := m.transition(ctx, agent, models.AgentActive, "activate", actor, reason)
	if err != nil {
		return Result{}, err
	}

	build, coalesced, err := m.builds.Enqueue(ctx, queue.EnqueueRequest{
		AgentID:  agentID,
		Priority: models.PriorityEmergency,
		Trigger:  models.TriggerActivation,
		Actor:    actor,
	})
	if err != nil {
		return Result{}, fmt.Errorf("queue activation build: %w", err)
	}
	if coalesced {
		log.Printf("[lifecycle] activation build for agent %s coalesced onto %s", agentID, build.ID)
	}
	result.Build = &build
	return result, nil
}

// Deactivate moves an active agent to inactive. The site stays live and any
// open builds run to completion.
func (m *Machine) Deactivate(ctx context.Context, agentID, actor, reason string) (Result, error) {
	if err := validateReason(reason); err != nil {
		return Result{}, err
	}
	agent, err := m.getAgent(ctx, agentID)
	if err != nil {
		return Result{}, err
	}
	if agent.Status != models.AgentActive {
		return Result{}, errInvalidTransition(agent.Status, models.AgentInactive)
	}
	return m.transition(ctx, agent, models.AgentInactive, "deactivate", actor, reason)
}

// Suspend removes an agent from the platform and cancels every open build.
// Allowed from active or inactive.
func (m *Machine) Suspend(ctx context.Context, agentID, actor, reason string) (Result, error) {
	if err := validateReason(reason); err != nil {
		return Result{}, err
	}
	agent, err := m.getAgent(ctx, agentID)
	if err != nil {
		return Result{}, err
	}
	if agent.Status != models.AgentActive && agent.Status != models.AgentInactive {
		return Result{}, errInvalidTransition(agent.Status, models.AgentSuspended)
	}

	result, err := m.transition(ctx, agent, models.AgentSuspended, "suspend", actor, reason)
	if err != nil {
		return Result{}, err
	}
	cancelled, err := m.builds.CancelAllForAgent(ctx, agentID, models.CancelledBySuspend, actor)
	if err != nil {
		return Result{}, fmt.Errorf("cancel builds on suspend: %w", err)
	}
	if cancelled > 0 {
		log.Printf("[lifecycle] suspend of agent %s cancelled %d open build(s)", agentID, cancelled)
	}
	return result, nil
}

// Reactivate returns an inactive or suspended agent to active, optionally
// queuing a fresh P1 deployment.
func (m *Machine) Reactivate(ctx context.Context, agentID, actor, reason string, queueBuild bool) (Result, error) {
	agent, err := m.getAgent(ctx, agentID)
	if err != nil {
		return Result{}, err
	}
	if agent.Status != models.AgentInactive && agent.Status != models.AgentSuspended {
		return Result{}, errInvalidTransition(agent.Status, models.AgentActive)
	}

	result, err := m.transition(ctx, agent, models.AgentActive, "reactivate", actor, reason)
	if err != nil {
		return Result{}, err
	}
	if queueBuild {
		build, _, err := m.builds.Enqueue(ctx, queue.EnqueueRequest{
			AgentID:  agentID,
			Priority: models.PriorityEmergency,
			Trigger:  models.TriggerActivation,
			Actor:    actor,
		})
		if err != nil {
			return Result{}, fmt.Errorf("queue reactivation build: %w", err)
		}
		result.Build = &build
	}
	return result, nil
}

// MarkProfileCreated moves a draft agent into the onboarding flow once its
// user account exists.
func (m *Machine) MarkProfileCreated(ctx context.Context, agentID, actor string) (Result, error) {
	return m.simpleTransition(ctx, agentID, models.AgentDraft, models.AgentPendingProfile, "profile_created", actor)
}

// MarkProfileCompleted moves an agent to pending_admin once its profile is
// complete, making it eligible for admin approval.
func (m *Machine) MarkProfileCompleted(ctx context.Context, agentID, actor string) (Result, error) {
	return m.simpleTransition(ctx, agentID, models.AgentPendingProfile, models.AgentPendingAdmin, "profile_completed", actor)
}

func (m *Machine) simpleTransition(ctx context.Context, agentID, from, to, operation, actor string) (Result, error) {
	agent, err := m.getAgent(ctx, agentID)
	if err != nil {
		return Result{}, err
	}
	if agent.Status != from {
		return Result{}, errInvalidTransition(agent.Status, to)
	}
	return m.transition(ctx, agent, to, operation, actor, "")
}

func (m *Machine) getAgent(ctx context.Context, agentID string) (models.Agent, error) {
	agent, err := m.agents.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Agent{}, errAgentNotFound(agentID)
		}
		return models.Agent{}, fmt.Errorf("load agent: %w", err)
	}
	return agent, nil
}

// transition performs the guarded status update and writes the audit entry.
// The update only succeeds if the agent is still in the status we read, so
// two concurrent admin actions cannot both apply.
func (m *Machine) transition(ctx context.Context, agent models.Agent, to, operation, actor, reason string) (Result, error) {
	if !canTransition(agent.Status, to) {
		return Result{}, errInvalidTransition(agent.Status, to)
	}
	changed, err := m.agents.UpdateAgentStatus(ctx, agent.ID, agent.Status, to)
	if err != nil {
		return Result{}, fmt.Errorf("update agent status: %w", err)
	}
	if !changed {
		return Result{}, errInvalidTransition(agent.Status, to)
	}

	action := operation
	if reason != "" {
		action = operation + ": " + reason
	}
	if err := m.agents.AppendAudit(ctx, models.AuditEntry{
		EntityType: "agent",
		EntityID:   agent.ID,
		Action:     action,
		Actor:      actor,
		OldValue:   agent.Status,
		NewValue:   to,
	}); err != nil {
		log.Printf("[lifecycle] audit write failed for agent %s: %v", agent.ID, err)
	}
	telemetry.LifecycleTransitions.WithLabelValues(operation).Inc()

	previous := agent.Status
	agent.Status = to
	return Result{Agent: agent, PreviousStatus: previous}, nil
}

func validateReason(reason string) error {
	if len(reason) < minReasonLength {
		return errValidation(fmt.Sprintf("reason is required (minimum %d characters)", minReasonLength))
	}
	return nil
}
