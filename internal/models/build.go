package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Build status values. A build moves through
// pending -> in_progress -> {succeeded | failed}; a failed attempt returns
// to pending only while attempt_count is under the ceiling.
const (
	BuildPending    = "pending"
	BuildInProgress = "in_progress"
	BuildSucceeded  = "succeeded"
	BuildFailed     = "failed"
)

// Build trigger reasons recorded for the audit trail.
const (
	TriggerActivation     = "activation"
	TriggerContentApprove = "content_approved"
	TriggerGlobalContent  = "global_content_published"
	TriggerManual         = "manual"
	TriggerReconciliation = "reconciliation"
)

// CancelledBySuspend is the terminal reason written when suspend cancels a
// build.
const CancelledBySuspend = "cancelled_by_suspend"

// Priority is a numeric tier: lower drains first. Stored as a smallint,
// serialized as the tier label ("P1", "high", "normal", "low").
type Priority int

const (
	PriorityEmergency Priority = 1 // P1: activation, global content
	PriorityHigh      Priority = 2
	PriorityNormal    Priority = 3
	PriorityLow       Priority = 4
)

var priorityLabels = map[Priority]string{
	PriorityEmergency: "P1",
	PriorityHigh:      "high",
	PriorityNormal:    "normal",
	PriorityLow:       "low",
}

func (p Priority) String() string {
	if label, ok := priorityLabels[p]; ok {
		return label
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return err
	}
	parsed, err := ParsePriority(label)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority maps a tier label to its numeric priority.
func ParsePriority(label string) (Priority, error) {
	for p, l := range priorityLabels {
		if l == label {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", label)
}

// Build is one unit of deployment work for a single agent site.
type Build struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	Priority      Priority       `json:"priority"`
	Trigger       string         `json:"trigger"`
	Status        string         `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	MaxAttempts   int            `json:"max_attempts"`
	LastError     *string        `json:"last_error,omitempty"`
	DeploymentID  *string        `json:"deployment_id,omitempty"`
	DeploymentURL *string        `json:"deployment_url,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Terminal reports whether the build can never transition again.
func (b Build) Terminal() bool {
	return b.Status == BuildSucceeded || b.Status == BuildFailed
}

// QueueStats is a point-in-time snapshot of queue counts.
type QueueStats struct {
	Queued     int64 `json:"queued"`
	InProgress int64 `json:"in_progress"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
}
