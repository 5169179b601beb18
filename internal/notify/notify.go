// Package notify posts build-outcome notifications to a webhook consumed by
// the email service. Delivery is best-effort: a failure here never changes a
// build's terminal state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nestassociates/agent-platform/internal/models"
)

// Notifier delivers build outcome notifications.
type Notifier interface {
	BuildFailed(ctx context.Context, build models.Build, agent models.Agent) error
}

// Webhook posts JSON to a configured endpoint. An empty URL disables
// delivery.
type Webhook struct {
	url        string
	httpClient *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type buildFailedPayload struct {
	Event        string `json:"event"`
	BuildID      string `json:"build_id"`
	AgentID      string `json:"agent_id"`
	AgentName    string `json:"agent_name"`
	AgentEmail   string `json:"agent_email"`
	Subdomain    string `json:"subdomain"`
	Trigger      string `json:"trigger"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error"`
}

func (w *Webhook) BuildFailed(ctx context.Context, build models.Build, agent models.Agent) error {
	if w.url == "" {
		return nil
	}
	payload := buildFailedPayload{
		Event:        "build_failed",
		BuildID:      build.ID,
		AgentID:      agent.ID,
		AgentName:    agent.DisplayName,
		AgentEmail:   agent.Email,
		Subdomain:    agent.Subdomain,
		Trigger:      build.Trigger,
		AttemptCount: build.AttemptCount,
	}
	if build.LastError != nil {
		payload.LastError = *build.LastError
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notification webhook: status %d", resp.StatusCode)
	}
	return nil
}
