// ============================================================================
// Edge Agent
// ============================================================================
//
// Package: internal/agent
// File: agent.go
// Purpose: Pull writer group leases from the orchestrator and keep them alive
//          with heartbeats.
//
// Loop:
//   1. Poll      - every PollInterval ask for a lease. A new grant is
//                  acknowledged with an immediate heartbeat.
//   2. Heartbeat - every HeartbeatInterval report every held job.
//
// Conflicts:
//   A heartbeat carries the generation of the last job document seen. On
//   ErrConcurrencyConflict the job is re-read and the heartbeat retried, at
//   most ConflictRetries times. A re-read that no longer shows a lease for
//   this agent drops the job: the lease was released or reclaimed.
//
// ============================================================================

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/edge-orchestrator/internal/jobconfig"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

var log = slog.Default()

const (
	DefaultPollInterval      = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultConflictRetries   = 3

	// StateConnected is reported for every job the agent publishes.
	StateConnected = "connected"
)

// Config configures an Agent.
type Config struct {
	ID                string
	Capabilities      map[string]string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ConflictRetries   int
	Logger            *slog.Logger
}

// held is the agent's view of one leased job.
type held struct {
	generation types.GenerationID
	mode       types.ProcessMode
	strategy   jobconfig.EncoderStrategy
}

// Agent is one edge process.
type Agent struct {
	cfg    Config
	source LeaseSource
	log    *slog.Logger

	mu   sync.Mutex
	jobs map[string]held
}

// New creates an agent pulling from source.
func New(source LeaseSource, cfg Config) (*Agent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent id is required: %w", types.ErrValidation)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = DefaultConflictRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log
	}
	return &Agent{
		cfg:    cfg,
		source: source,
		log:    logger.With("agentID", cfg.ID),
		jobs:   make(map[string]held),
	}, nil
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.cfg.ID }

// Run polls and heartbeats until ctx is done. Errors of single calls are
// logged and retried on the next tick.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("Agent started",
		"pollInterval", a.cfg.PollInterval,
		"heartbeatInterval", a.cfg.HeartbeatInterval)

	poll := time.NewTicker(a.cfg.PollInterval)
	defer poll.Stop()
	beat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer beat.Stop()

	a.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			a.log.Info("Agent stopped")
			return nil
		case <-poll.C:
			a.pollOnce(ctx)
		case <-beat.C:
			if err := a.HeartbeatAll(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("Heartbeat round failed", "error", err)
			}
		}
	}
}

func (a *Agent) pollOnce(ctx context.Context) {
	if _, err := a.Poll(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("Lease request failed", "error", err)
	}
}

// Poll asks for one lease. A granted lease is started and acknowledged with
// a heartbeat. It returns the job id, or "" when there was no work.
func (a *Agent) Poll(ctx context.Context) (string, error) {
	grant, err := a.source.RequestLease(ctx, types.Agent{ID: a.cfg.ID, Capabilities: a.cfg.Capabilities})
	if err != nil {
		return "", err
	}
	if grant == nil {
		return "", nil
	}

	strategy, err := strategyFor(grant.Job)
	if err != nil {
		return "", fmt.Errorf("job %s: %w", grant.Job.ID, err)
	}

	a.mu.Lock()
	a.jobs[grant.Job.ID] = held{generation: grant.Job.GenerationID, mode: grant.Mode, strategy: strategy}
	a.mu.Unlock()

	a.log.Info("Lease acquired",
		"jobID", grant.Job.ID,
		"mode", grant.Mode,
		"encoder", strategy.Name)

	if err := a.Heartbeat(ctx, grant.Job.ID); err != nil {
		return grant.Job.ID, err
	}
	return grant.Job.ID, nil
}

// HeartbeatAll reports every held job. It returns the first error after
// trying all of them.
func (a *Agent) HeartbeatAll(ctx context.Context) error {
	var first error
	for _, id := range a.Jobs() {
		if err := a.Heartbeat(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Heartbeat reports one held job, retrying on conflict. A job that is gone
// or no longer leased to this agent is dropped without error.
func (a *Agent) Heartbeat(ctx context.Context, jobID string) error {
	for attempt := 0; attempt < a.cfg.ConflictRetries; attempt++ {
		h, ok := a.lookup(jobID)
		if !ok {
			return nil
		}

		job, err := a.source.ReportHeartbeat(ctx, types.Heartbeat{
			AgentID:     a.cfg.ID,
			JobID:       jobID,
			State:       StateConnected,
			ProcessMode: h.mode,
		}, h.generation)
		switch {
		case err == nil:
			a.observe(job)
			return nil
		case errors.Is(err, types.ErrNotFound):
			a.drop(jobID, "job deleted")
			return nil
		case errors.Is(err, types.ErrConcurrencyConflict):
			a.log.Debug("Heartbeat conflict, re-reading job", "jobID", jobID, "attempt", attempt+1)
			fresh, err := a.source.GetJob(ctx, jobID)
			if errors.Is(err, types.ErrNotFound) {
				a.drop(jobID, "job deleted")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to re-read job %s: %w", jobID, err)
			}
			a.observe(fresh)
		default:
			return fmt.Errorf("heartbeat for job %s failed: %w", jobID, err)
		}
	}
	return fmt.Errorf("heartbeat for job %s gave up after %d attempts: %w",
		jobID, a.cfg.ConflictRetries, types.ErrConcurrencyConflict)
}

// observe updates the held job from a job document, dropping it when the
// document no longer shows a live lease for this agent.
func (a *Agent) observe(job types.Job) {
	entry, ok := job.LifetimeData.ProcessingStatus[a.cfg.ID]
	if !ok || entry.ProcessMode == "" || job.LifetimeData.Status.IsTerminal() {
		a.drop(job.ID, "lease released")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.jobs[job.ID]
	if !ok {
		return
	}
	if h.mode != entry.ProcessMode {
		a.log.Info("Lease mode changed",
			"jobID", job.ID,
			"from", h.mode,
			"to", entry.ProcessMode)
	}
	h.generation = job.GenerationID
	h.mode = entry.ProcessMode
	a.jobs[job.ID] = h
}

func (a *Agent) lookup(jobID string) (held, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.jobs[jobID]
	return h, ok
}

func (a *Agent) drop(jobID, reason string) {
	a.mu.Lock()
	_, ok := a.jobs[jobID]
	delete(a.jobs, jobID)
	a.mu.Unlock()
	if ok {
		a.log.Info("Lease dropped", "jobID", jobID, "reason", reason)
	}
}

// Jobs returns the ids of held jobs, sorted.
func (a *Agent) Jobs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.jobs))
	for id := range a.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Mode returns the process mode of a held job.
func (a *Agent) Mode(jobID string) (types.ProcessMode, bool) {
	h, ok := a.lookup(jobID)
	return h.mode, ok
}

// strategyFor resolves the encoder a writer group job runs with.
func strategyFor(job types.Job) (jobconfig.EncoderStrategy, error) {
	cfg, err := jobconfig.Decode(job.JobConfiguration)
	if err != nil {
		return jobconfig.EncoderStrategy{}, err
	}
	return cfg.MessagingMode.EncoderStrategy()
}
