package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestassociates/agent-platform/internal/models"
)

func TestBuildFailedPostsPayload(t *testing.T) {
	var received buildFailedPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	lastErr := "provider 502"
	build := models.Build{
		ID:           "build-1",
		AgentID:      "agent-1",
		Trigger:      models.TriggerActivation,
		AttemptCount: 3,
		LastError:    &lastErr,
	}
	agent := models.Agent{
		ID:          "agent-1",
		Subdomain:   "jane-doe",
		DisplayName: "Jane Doe",
		Email:       "jane@example.com",
	}

	require.NoError(t, NewWebhook(srv.URL).BuildFailed(context.Background(), build, agent))
	assert.Equal(t, "build_failed", received.Event)
	assert.Equal(t, "build-1", received.BuildID)
	assert.Equal(t, "jane@example.com", received.AgentEmail)
	assert.Equal(t, 3, received.AttemptCount)
	assert.Equal(t, "provider 502", received.LastError)
}

func TestBuildFailedReportsWebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).BuildFailed(context.Background(), models.Build{}, models.Agent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestBuildFailedNoURLIsNoop(t *testing.T) {
	require.NoError(t, NewWebhook("").BuildFailed(context.Background(), models.Build{}, models.Agent{}))
}
