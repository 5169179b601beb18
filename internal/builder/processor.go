package builder

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/nestassociates/agent-platform/internal/archive"
	"github.com/nestassociates/agent-platform/internal/config"
	"github.com/nestassociates/agent-platform/internal/deploy"
	"github.com/nestassociates/agent-platform/internal/models"
	"github.com/nestassociates/agent-platform/internal/notify"
	"github.com/nestassociates/agent-platform/internal/sitedata"
	"github.com/nestassociates/agent-platform/internal/telemetry"
)

// Store is the persistence surface the processor drives. Every status write
// is guarded on in_progress: a build finalized by a concurrent suspend stays
// terminal and the processor's late result is discarded.
type Store interface {
	ClaimDueBuilds(ctx context.Context, limit int) ([]models.Build, error)
	MarkBuildSucceeded(ctx context.Context, id, deploymentID, deploymentURL string) (bool, error)
	RescheduleBuild(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastErr string) (bool, error)
	MarkBuildFailed(ctx context.Context, id string, attempts int, lastErr string) (bool, error)
	GetAgent(ctx context.Context, id string) (models.Agent, error)
	QueueStats(ctx context.Context) (models.QueueStats, error)
	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// Deployer triggers one site deployment and reports its outcome.
type Deployer interface {
	Deploy(ctx context.Context, subdomain string, siteData []byte) (deploy.Result, error)
}

// Processor drains ready builds with bounded concurrency. It is invoked by
// the external scheduler trigger, not self-scheduling.
type Processor struct {
	cfg      config.Config
	store    Store
	deployer Deployer
	notifier notify.Notifier
	archiver archive.Archiver
}

func New(cfg config.Config, st Store, deployer Deployer, notifier notify.Notifier, archiver archive.Archiver) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    st,
		deployer: deployer,
		notifier: notifier,
		archiver: archiver,
	}
}

// BuildResult is the per-entry outcome returned to the trigger caller.
type BuildResult struct {
	BuildID       string `json:"build_id"`
	AgentID       string `json:"agent_id"`
	Success       bool   `json:"success"`
	DeploymentID  string `json:"deployment_id,omitempty"`
	DeploymentURL string `json:"deployment_url,omitempty"`
	Error         string `json:"error,omitempty"`
	WillRetry     bool   `json:"will_retry,omitempty"`
}

// Summary reports one drain invocation.
type Summary struct {
	Total       int                `json:"total"`
	Successful  int                `json:"successful"`
	Failed      int                `json:"failed"`
	Results     []BuildResult      `json:"results"`
	StatsBefore models.QueueStats  `json:"stats_before"`
	StatsAfter  models.QueueStats  `json:"stats_after"`
}

// ProcessQueue claims up to the configured batch of due builds and executes
// them in parallel, each isolated from the others' failures. A single
// entry's failure never surfaces as an error; the returned error is reserved
// for the store itself being unreachable.
func (p *Processor) ProcessQueue(ctx context.Context) (Summary, error) {
	before, err := p.store.QueueStats(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("queue stats: %w", err)
	}

	claimed, err := p.store.ClaimDueBuilds(ctx, p.cfg.ProcessBatchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("claim builds: %w", err)
	}
	if len(claimed) == 0 {
		return Summary{StatsBefore: before, StatsAfter: before, Results: []BuildResult{}}, nil
	}
	log.Printf("[builder] processing %d build(s)", len(claimed))

	results := make([]BuildResult, len(claimed))
	var wg sync.WaitGroup
	for i, build := range claimed {
		wg.Add(1)
		go func(i int, build models.Build) {
			defer wg.Done()
			results[i] = p.runBuild(ctx, build)
		}(i, build)
	}
	wg.Wait()

	after, err := p.store.QueueStats(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("queue stats after drain: %w", err)
	}

	summary := Summary{
		Total:       len(results),
		Results:     results,
		StatsBefore: before,
		StatsAfter:  after,
	}
	for _, r := range results {
		if r.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	log.Printf("[builder] completed %d successful, %d failed", summary.Successful, summary.Failed)
	return summary, nil
}

func (p *Processor) runBuild(ctx context.Context, build models.Build) BuildResult {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	agent, err := p.store.GetAgent(ctx, build.AgentID)
	if err != nil {
		return p.failAttempt(ctx, build, models.Agent{}, fmt.Errorf("load agent: %w", err))
	}

	data, err := sitedata.Generate(agent)
	if err != nil {
		return p.failAttempt(ctx, build, agent, err)
	}

	if p.archiver != nil {
		if _, err := p.archiver.Store(ctx, "builds/"+build.ID+".json", data); err != nil {
			log.Printf("[builder] snapshot archive failed for build %s: %v", build.ID, err)
		}
	}

	res, err := p.deployer.Deploy(ctx, agent.Subdomain, data)
	if err != nil {
		return p.failAttempt(ctx, build, agent, err)
	}

	finalized, err := p.store.MarkBuildSucceeded(ctx, build.ID, res.DeploymentID, res.URL)
	if err != nil {
		return BuildResult{BuildID: build.ID, AgentID: build.AgentID, Error: err.Error()}
	}
	if !finalized {
		// A concurrent suspend already finalized this build; the late
		// provider result is discarded.
		log.Printf("[builder] build %s was finalized concurrently; discarding deployment %s", build.ID, res.DeploymentID)
		return BuildResult{BuildID: build.ID, AgentID: build.AgentID, Error: "build was cancelled during execution"}
	}

	telemetry.BuildsSucceeded.Inc()
	_ = p.store.AppendAudit(ctx, models.AuditEntry{
		EntityType: "build",
		EntityID:   build.ID,
		Action:     "succeeded: " + res.DeploymentID,
		Actor:      "builder",
		OldValue:   models.BuildInProgress,
		NewValue:   models.BuildSucceeded,
	})
	return BuildResult{
		BuildID:       build.ID,
		AgentID:       build.AgentID,
		Success:       true,
		DeploymentID:  res.DeploymentID,
		DeploymentURL: res.URL,
	}
}

// failAttempt resolves one failed execution: back to pending while under the
// retry ceiling, terminal failed at it. Retries wait for a later invocation
// rather than re-running in the same batch, so a provider outage is not
// hammered by an immediate retry storm.
func (p *Processor) failAttempt(ctx context.Context, build models.Build, agent models.Agent, cause error) BuildResult {
	attempts := build.AttemptCount + 1
	errMsg := cause.Error()
	result := BuildResult{BuildID: build.ID, AgentID: build.AgentID, Error: errMsg}

	if attempts < build.MaxAttempts {
		nextAttempt := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
		rescheduled, err := p.store.RescheduleBuild(ctx, build.ID, attempts, nextAttempt, errMsg)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		if !rescheduled {
			log.Printf("[builder] build %s was finalized concurrently; dropping retry", build.ID)
			return result
		}
		telemetry.BuildsRetried.Inc()
		_ = p.store.AppendAudit(ctx, models.AuditEntry{
			EntityType: "build",
			EntityID:   build.ID,
			Action:     fmt.Sprintf("retry_scheduled: attempt=%d next=%s", attempts, nextAttempt.UTC().Format(time.RFC3339)),
			Actor:      "builder",
			OldValue:   models.BuildInProgress,
			NewValue:   models.BuildPending,
		})
		result.WillRetry = true
		return result
	}

	finalized, err := p.store.MarkBuildFailed(ctx, build.ID, attempts, errMsg)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if !finalized {
		log.Printf("[builder] build %s was finalized concurrently; dropping failure", build.ID)
		return result
	}
	telemetry.BuildsFailed.Inc()
	_ = p.store.AppendAudit(ctx, models.AuditEntry{
		EntityType: "build",
		EntityID:   build.ID,
		Action:     "failed: " + errMsg,
		Actor:      "builder",
		OldValue:   models.BuildInProgress,
		NewValue:   models.BuildFailed,
	})

	if p.notifier != nil {
		build.AttemptCount = attempts
		build.LastError = &errMsg
		if err := p.notifier.BuildFailed(ctx, build, agent); err != nil {
			log.Printf("[builder] failure notification for build %s not delivered: %v", build.ID, err)
		}
	}
	return result
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
