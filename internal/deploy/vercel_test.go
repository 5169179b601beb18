package deploy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestassociates/agent-platform/internal/config"
)

func testClient(apiBase string, cfg config.Config) *Client {
	c := NewClient(cfg)
	c.apiBase = apiBase
	return c
}

func deployConfig() config.Config {
	return config.Config{
		VercelToken:     "tok_test",
		VercelTeamID:    "team_1",
		VercelProjectID: "prj_1",
		SiteBaseDomain:  "example.co.uk",
		DeployTimeout:   2 * time.Second,
		DeployPollEvery: 10 * time.Millisecond,
	}
}

func TestDeployCreatesAndPollsToReady(t *testing.T) {
	var checks atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v13/deployments":
			assert.Equal(t, "Bearer tok_test", r.Header.Get("Authorization"))
			assert.Equal(t, "team_1", r.URL.Query().Get("teamId"))

			var req struct {
				Name  string   `json:"name"`
				Alias []string `json:"alias"`
				Files []struct {
					File string `json:"file"`
					Data string `json:"data"`
				} `json:"files"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "agent-site-jane-doe", req.Name)
			assert.Equal(t, []string{"jane-doe.example.co.uk"}, req.Alias)
			require.Len(t, req.Files, 1)
			assert.Equal(t, "src/data/site-data.json", req.Files[0].File)

			json.NewEncoder(w).Encode(map[string]string{"id": "dpl_123", "readyState": "QUEUED"})
		case r.Method == http.MethodGet && r.URL.Path == "/v13/deployments/dpl_123":
			state := "BUILDING"
			url := ""
			if checks.Add(1) >= 3 {
				state = "READY"
				url = "jane-doe.example.co.uk"
			}
			json.NewEncoder(w).Encode(map[string]string{"id": "dpl_123", "readyState": state, "url": url})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL, deployConfig())
	res, err := c.Deploy(context.Background(), "jane-doe", []byte(`{"agent":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "dpl_123", res.DeploymentID)
	assert.Equal(t, "https://jane-doe.example.co.uk", res.URL)
	assert.GreaterOrEqual(t, checks.Load(), int32(3))
}

func TestDeployReportsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"id": "dpl_err"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "dpl_err", "readyState": "ERROR"})
	}))
	defer srv.Close()

	c := testClient(srv.URL, deployConfig())
	_, err := c.Deploy(context.Background(), "jane-doe", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dpl_err failed")
}

func TestDeployTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"id": "dpl_slow"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "dpl_slow", "readyState": "BUILDING"})
	}))
	defer srv.Close()

	cfg := deployConfig()
	cfg.DeployTimeout = 50 * time.Millisecond
	c := testClient(srv.URL, cfg)

	_, err := c.Deploy(context.Background(), "jane-doe", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not complete")
}

func TestDeployTreatsEarly404AsQueued(t *testing.T) {
	var checks atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"id": "dpl_404"})
			return
		}
		if checks.Add(1) == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "dpl_404", "readyState": "READY", "url": "jane-doe.example.co.uk"})
	}))
	defer srv.Close()

	c := testClient(srv.URL, deployConfig())
	res, err := c.Deploy(context.Background(), "jane-doe", nil)
	require.NoError(t, err)
	assert.Equal(t, "dpl_404", res.DeploymentID)
}

func TestDeployCreateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"forbidden"}}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, deployConfig())
	_, err := c.Deploy(context.Background(), "jane-doe", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestDeployViaHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		json.NewEncoder(w).Encode(map[string]any{"job": map[string]string{"id": "job_42"}})
	}))
	defer srv.Close()

	cfg := deployConfig()
	cfg.DeployHookURL = srv.URL + "/hook"
	c := NewClient(cfg)

	res, err := c.Deploy(context.Background(), "jane-doe", nil)
	require.NoError(t, err)
	assert.Equal(t, "job_42", res.DeploymentID)
	assert.Equal(t, "https://jane-doe.example.co.uk", res.URL)
}
