package deploy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nestassociates/agent-platform/internal/config"
)

// Deployment states reported by the Vercel API.
const (
	stateQueued       = "QUEUED"
	stateBuilding     = "BUILDING"
	stateInitializing = "INITIALIZING"
	stateReady        = "READY"
	stateError        = "ERROR"
	stateCanceled     = "CANCELED"
)

// Result is the outcome of a completed deployment.
type Result struct {
	DeploymentID string `json:"deployment_id"`
	URL          string `json:"url"`
}

// Client triggers agent-site deployments through the Vercel API and polls
// them to completion. Calls are assumed idempotent-safe to retry.
type Client struct {
	cfg        config.Config
	httpClient *http.Client
	apiBase    string
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBase:    "https://api.vercel.com",
	}
}

// Deploy triggers a deployment for the agent subdomain with the site data
// baked in, then waits until the deployment reaches a terminal state. A
// deploy hook, when configured, is preferred over the files API.
func (c *Client) Deploy(ctx context.Context, subdomain string, siteData []byte) (Result, error) {
	if c.cfg.DeployHookURL != "" {
		return c.deployViaHook(ctx, subdomain)
	}

	deploymentID, err := c.createDeployment(ctx, subdomain, siteData)
	if err != nil {
		return Result{}, err
	}
	return c.waitForDeployment(ctx, deploymentID, subdomain)
}

type createDeploymentRequest struct {
	Name    string            `json:"name"`
	Project string            `json:"project"`
	Target  string            `json:"target"`
	Alias   []string          `json:"alias"`
	Files   []deploymentFile  `json:"files"`
	Git     *gitSource        `json:"gitSource,omitempty"`
	Meta    map[string]string `json:"meta"`
}

type deploymentFile struct {
	File string `json:"file"`
	Data string `json:"data"`
}

type gitSource struct {
	Type   string `json:"type"`
	Ref    string `json:"ref"`
	RepoID string `json:"repoId"`
}

type deploymentResponse struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	ReadyState string `json:"readyState"`
}

func (c *Client) createDeployment(ctx context.Context, subdomain string, siteData []byte) (string, error) {
	payload := createDeploymentRequest{
		Name:    "agent-site-" + subdomain,
		Project: c.cfg.VercelProjectID,
		Target:  "production",
		Alias:   []string{c.siteURLHost(subdomain)},
		Files: []deploymentFile{{
			// Injected data file the site loads at build time.
			File: "src/data/site-data.json",
			Data: base64.StdEncoding.EncodeToString(siteData),
		}},
		Meta: map[string]string{
			"agentSubdomain": subdomain,
			"buildType":      "agent-site",
			"triggeredAt":    time.Now().UTC().Format(time.RFC3339),
		},
	}
	if c.cfg.VercelRepoID != "" {
		payload.Git = &gitSource{Type: "github", Ref: "main", RepoID: c.cfg.VercelRepoID}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal deployment request: %w", err)
	}

	url := fmt.Sprintf("%s/v13/deployments?teamId=%s", c.apiBase, c.cfg.VercelTeamID)
	resp, err := c.doJSON(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("vercel api error: status %d: %s", resp.StatusCode, detail)
	}
	var deployment deploymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&deployment); err != nil {
		return "", fmt.Errorf("decode deployment response: %w", err)
	}
	if deployment.ID == "" {
		return "", errors.New("vercel returned a deployment without an id")
	}
	return deployment.ID, nil
}

// waitForDeployment polls until the deployment is READY or terminally
// failed. Transient status-check errors keep polling until the configured
// timeout.
func (c *Client) waitForDeployment(ctx context.Context, deploymentID, subdomain string) (Result, error) {
	deadline := time.Now().Add(c.cfg.DeployTimeout)
	interval := c.cfg.DeployPollEvery
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		state, url, err := c.checkDeployment(ctx, deploymentID)
		if err == nil {
			switch state {
			case stateReady:
				if url == "" {
					url = "https://" + c.siteURLHost(subdomain)
				}
				return Result{DeploymentID: deploymentID, URL: url}, nil
			case stateError:
				return Result{}, fmt.Errorf("deployment %s failed", deploymentID)
			case stateCanceled:
				return Result{}, fmt.Errorf("deployment %s was canceled", deploymentID)
			}
		}

		if time.Now().After(deadline) {
			return Result{}, fmt.Errorf("deployment %s did not complete within %s", deploymentID, c.cfg.DeployTimeout)
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) checkDeployment(ctx context.Context, deploymentID string) (state, url string, err error) {
	endpoint := fmt.Sprintf("%s/v13/deployments/%s?teamId=%s", c.apiBase, deploymentID, c.cfg.VercelTeamID)
	resp, err := c.doJSON(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	// A 404 right after creation means the deployment is still
	// initializing.
	if resp.StatusCode == http.StatusNotFound {
		return stateQueued, "", nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", "", fmt.Errorf("vercel status check: status %d", resp.StatusCode)
	}
	var deployment deploymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&deployment); err != nil {
		return "", "", fmt.Errorf("decode status response: %w", err)
	}
	if deployment.ReadyState == stateReady && deployment.URL != "" {
		return stateReady, "https://" + deployment.URL, nil
	}
	return deployment.ReadyState, "", nil
}

// deployViaHook fires the configured deploy hook, which triggers a
// git-based rebuild. The hook response carries a job id rather than a
// deployment id.
func (c *Client) deployViaHook(ctx context.Context, subdomain string) (Result, error) {
	body, err := json.Marshal(map[string]any{
		"meta": map[string]string{
			"agentSubdomain": subdomain,
			"buildType":      "agent-site",
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal hook payload: %w", err)
	}
	resp, err := c.doJSON(ctx, http.MethodPost, c.cfg.DeployHookURL, body)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("deploy hook failed: status %d: %s", resp.StatusCode, detail)
	}
	var hookResp struct {
		Job struct {
			ID string `json:"id"`
		} `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hookResp); err != nil {
		return Result{}, fmt.Errorf("decode hook response: %w", err)
	}
	deploymentID := hookResp.Job.ID
	if deploymentID == "" {
		deploymentID = fmt.Sprintf("hook_%d", time.Now().UnixMilli())
	}
	return Result{
		DeploymentID: deploymentID,
		URL:          "https://" + c.siteURLHost(subdomain),
	}, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.VercelToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.VercelToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vercel request: %w", err)
	}
	return resp, nil
}

func (c *Client) siteURLHost(subdomain string) string {
	return subdomain + "." + c.cfg.SiteBaseDomain
}
