package lifecycle

import (
	"context"
	"errors"
	"fmt"
)

// Bulk actions.
const (
	ActionDeactivate = "deactivate"
	ActionReactivate = "reactivate"
	ActionSuspend    = "suspend"
)

// BulkResult reports the outcome for a single agent in a bulk action.
type BulkResult struct {
	AgentID        string `json:"agent_id"`
	Success        bool   `json:"success"`
	Code           string `json:"code,omitempty"`
	Error          string `json:"error,omitempty"`
	PreviousStatus string `json:"previous_status,omitempty"`
	NewStatus      string `json:"new_status,omitempty"`
}

// Bulk applies one action to each agent in order. The reason is validated
// once up front for actions that require it; an invalid reason rejects the
// whole batch before any agent is touched. Per-agent failures are collected
// and never roll back agents already processed.
func (m *Machine) Bulk(ctx context.Context, action string, agentIDs []string, actor, reason string, queueBuild bool) ([]BulkResult, error) {
	switch action {
	case ActionDeactivate, ActionReactivate, ActionSuspend:
	default:
		return nil, errValidation(fmt.Sprintf("unknown bulk action %q", action))
	}
	if len(agentIDs) == 0 {
		return nil, errValidation("at least one agent id is required")
	}
	if action == ActionDeactivate || action == ActionSuspend {
		if err := validateReason(reason); err != nil {
			return nil, err
		}
	}

	results := make([]BulkResult, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		var res Result
		var err error
		switch action {
		case ActionDeactivate:
			res, err = m.Deactivate(ctx, agentID, actor, reason)
		case ActionReactivate:
			res, err = m.Reactivate(ctx, agentID, actor, reason, queueBuild)
		case ActionSuspend:
			res, err = m.Suspend(ctx, agentID, actor, reason)
		}
		if err != nil {
			entry := BulkResult{AgentID: agentID, Error: err.Error()}
			var lifecycleErr *Error
			if errors.As(err, &lifecycleErr) {
				entry.Code = lifecycleErr.Code
				entry.Error = lifecycleErr.Message
			}
			results = append(results, entry)
			continue
		}
		results = append(results, BulkResult{
			AgentID:        agentID,
			Success:        true,
			PreviousStatus: res.PreviousStatus,
			NewStatus:      res.Agent.Status,
		})
	}
	return results, nil
}
