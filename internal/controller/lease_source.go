package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/edge-orchestrator/internal/jobstore"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// ============================================================================
// Agent facing operations
// ============================================================================

// errSkip moves RequestLease on to the next job.
var errSkip = errors.New("skip job")

// RequestLease answers an agent asking what it should run. It returns a
// lease the agent already holds but has not heartbeated yet, otherwise
// allocates the agent into the first job (by id) with a free active or
// passive slot whose demands it satisfies. A nil grant means no work.
func (c *Controller) RequestLease(ctx context.Context, agent types.Agent) (*types.LeaseGrant, error) {
	if agent.ID == "" {
		return nil, fmt.Errorf("agent id is required: %w", types.ErrValidation)
	}
	if c.isStopped() {
		return nil, ErrStopped
	}
	c.registry.Observe(agent)

	jobs, err := c.jobs.ListJobs(ctx, jobstore.Filter{Status: types.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	// 1. a lease granted earlier but never picked up
	for _, job := range jobs {
		entry, ok := job.LifetimeData.ProcessingStatus[agent.ID]
		if !ok || entry.ProcessMode == "" || entry.LastKnownHeartbeat != nil {
			continue
		}
		if entry.IsStale(c.jobs.Now(), c.jobs.StaleAfter()) {
			continue
		}
		return &types.LeaseGrant{Job: job, Mode: entry.ProcessMode}, nil
	}

	// 2. a free slot
	for _, listed := range jobs {
		entry, held := listed.LifetimeData.ProcessingStatus[agent.ID]
		if held && entry.ProcessMode != "" && !entry.IsStale(c.jobs.Now(), c.jobs.StaleAfter()) {
			continue
		}
		if !c.jobs.Matcher().Matches(listed.Demands, agent.Capabilities) {
			continue
		}

		grant, err := c.allocate(ctx, listed.ID, agent)
		if errors.Is(err, errSkip) || errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return grant, nil
	}
	return nil, nil
}

// allocate evicts stale leases of one job and tries to place agent into it,
// re-reading the job on conflict.
func (c *Controller) allocate(ctx context.Context, jobID string, agent types.Agent) (*types.LeaseGrant, error) {
	var grant *types.LeaseGrant
	err := c.jobs.RetryOnConflict(ctx, func() error {
		job, _, err := c.jobs.EvictStaleAgents(ctx, jobID)
		if err != nil {
			return err
		}
		if job.LifetimeData.Status.IsTerminal() {
			return errSkip
		}
		if entry, held := job.LifetimeData.ProcessingStatus[agent.ID]; held && entry.ProcessMode != "" {
			return errSkip
		}

		alloc := c.allocator.Allocate(job, []types.Agent{agent})
		mode, ok := alloc.ModeOf(agent.ID)
		if !ok {
			return errSkip
		}
		applied, err := c.jobs.ApplyLeases(ctx, job, alloc)
		if err != nil {
			return err
		}
		grant = &types.LeaseGrant{Job: applied, Mode: mode}
		return nil
	})
	return grant, err
}

// ReportHeartbeat records the processing status of one agent on one job.
// expected is the job generation the agent last observed; a stale value
// fails with types.ErrConcurrencyConflict.
func (c *Controller) ReportHeartbeat(ctx context.Context, hb types.Heartbeat, expected types.GenerationID) (types.Job, error) {
	if hb.JobID == "" {
		return types.Job{}, fmt.Errorf("job id is required: %w", types.ErrValidation)
	}
	if c.isStopped() {
		return types.Job{}, ErrStopped
	}
	job, err := c.jobs.UpdateJobStatus(ctx, hb.JobID, hb, expected)
	if err != nil {
		return types.Job{}, err
	}
	c.registry.Touch(hb.AgentID)
	return job, nil
}

// GetJob returns the current job document, e.g. to refresh a generation
// after a conflict.
func (c *Controller) GetJob(ctx context.Context, id string) (types.Job, error) {
	return c.jobs.GetJob(ctx, id)
}

func (c *Controller) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
