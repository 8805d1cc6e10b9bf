// ============================================================================
// Writer Group Placement Reconciler
// ============================================================================
//
// Package: internal/placement
// File: reconciler.go
// Purpose: Converge jobs and placements on the desired writer groups.
//
// One tick:
//   1. Read the desired writer groups.
//   2. Missing job             -> CreateJob, placement Deactivated.
//   3. Declared fields differ  -> UpdateJob, leases kept.
//   4. No longer desired       -> DeleteJob, walk to Deactivated, drop record.
//   5. Every placement         -> evict stale leases, rebalance, re-evaluate
//                                 the activation state.
//
// Guarantees:
//   - Ticks never overlap; a concurrent Tick returns ErrReconcileInProgress.
//   - A tick with unchanged input performs no job writes.
//   - Each job write is its own unit. Cancelling a tick keeps every write
//     already committed; ctx is checked between writer groups.
//   - Activation states only move along
//     Deactivated <-> Activated <-> ActivatedAndConnected.
//
// Ownership: the reconciler is the only writer of placement records. Jobs are
// treated as writer group jobs when their configuration decodes as one; other
// jobs in the store are left alone.
//
// ============================================================================

package placement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/edge-orchestrator/internal/demand"
	"github.com/ChuLiYu/edge-orchestrator/internal/jobconfig"
	"github.com/ChuLiYu/edge-orchestrator/internal/jobmanager"
	"github.com/ChuLiYu/edge-orchestrator/internal/jobstore"
	"github.com/ChuLiYu/edge-orchestrator/internal/lease"
	"github.com/ChuLiYu/edge-orchestrator/internal/metrics"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

var log = slog.Default()

// ErrReconcileInProgress is returned when a tick is requested while another
// one is running.
var ErrReconcileInProgress = errors.New("placement reconcile already in progress")

// Config configures a Reconciler.
type Config struct {
	// Candidates enables push placement: unfilled lease slots are
	// allocated to these agents on every tick. Nil leaves leasing to
	// agents pulling work.
	Candidates CandidateSource

	Logger  *slog.Logger
	Metrics *metrics.Collector

	// OnTransition observes every activation edge taken.
	OnTransition func(writerGroupID string, t Transition)
}

// TickResult summarizes one tick.
type TickResult struct {
	Created   []string
	Updated   []string
	Deleted   []string
	Evicted   int
	Rebalance int
	Failed    map[string]error
}

// Writes reports whether the tick wrote any job.
func (r TickResult) Writes() bool {
	return len(r.Created)+len(r.Updated)+len(r.Deleted)+r.Evicted+r.Rebalance > 0
}

// Reconciler drives writer group placements.
type Reconciler struct {
	jobs      *jobmanager.Manager
	source    WriterGroupSource
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Collector
	allocator *lease.Allocator

	running atomic.Bool

	mu         sync.RWMutex
	placements map[string]types.WriterGroupPlacement
}

// NewReconciler creates a reconciler over jobs reading desired state from
// source.
func NewReconciler(jobs *jobmanager.Manager, source WriterGroupSource, cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = log
	}
	return &Reconciler{
		jobs:       jobs,
		source:     source,
		cfg:        cfg,
		log:        logger,
		metrics:    cfg.Metrics,
		allocator:  &lease.Allocator{Matcher: jobs.Matcher()},
		placements: make(map[string]types.WriterGroupPlacement),
	}
}

// ============================================================================
// Tick
// ============================================================================

// Tick runs one reconciliation.
func (r *Reconciler) Tick(ctx context.Context) (TickResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.metrics.RecordTickSkipped()
		return TickResult{}, ErrReconcileInProgress
	}
	defer r.running.Store(false)

	start := time.Now()
	defer func() {
		r.metrics.ObserveReconcile(time.Since(start).Seconds())
	}()

	res := TickResult{Failed: map[string]error{}}

	// 1. desired state
	desired, err := r.source.ListDesiredWriterGroups(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list desired writer groups: %w", err)
	}

	existing, err := r.writerGroupJobs(ctx)
	if err != nil {
		return res, err
	}
	r.adoptPlacements(existing)

	// 2 + 3. create or update
	wanted := make(map[string]bool, len(desired))
	for _, group := range desired {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if group.ID == "" {
			r.log.Warn("Skipping writer group without id")
			continue
		}
		if wanted[group.ID] {
			r.log.Warn("Duplicate writer group ignored", "writerGroupID", group.ID)
			continue
		}
		wanted[group.ID] = true

		if err := r.converge(ctx, group, existing, &res); err != nil {
			res.Failed[group.ID] = err
			r.log.Warn("Failed to converge writer group",
				"writerGroupID", group.ID,
				"error", err)
		}
	}

	// 4. removals
	for _, id := range r.placementIDs() {
		if wanted[id] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.remove(ctx, id); err != nil {
			res.Failed[id] = err
			r.log.Warn("Failed to remove writer group",
				"writerGroupID", id,
				"error", err)
			continue
		}
		res.Deleted = append(res.Deleted, id)
	}

	// 5. leases and activation
	for _, id := range r.placementIDs() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.refresh(ctx, id, &res); err != nil {
			res.Failed[id] = err
			r.log.Warn("Failed to refresh placement",
				"writerGroupID", id,
				"error", err)
		}
	}

	r.publishGauge()
	if res.Writes() {
		r.log.Info("Placement reconciled",
			"created", len(res.Created),
			"updated", len(res.Updated),
			"deleted", len(res.Deleted),
			"evicted", res.Evicted,
			"rebalanced", res.Rebalance,
			"duration", time.Since(start))
	}
	return res, nil
}

// writerGroupJobs returns every job whose configuration is a writer group,
// keyed by id.
func (r *Reconciler) writerGroupJobs(ctx context.Context) (map[string]types.Job, error) {
	jobs, err := r.jobs.ListJobs(ctx, jobstore.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	out := make(map[string]types.Job, len(jobs))
	for _, job := range jobs {
		if _, err := jobconfig.Decode(job.JobConfiguration); err != nil {
			continue
		}
		out[job.ID] = job
	}
	return out, nil
}

// adoptPlacements creates Deactivated records for writer group jobs that have
// none, e.g. after a restart.
func (r *Reconciler) adoptPlacements(existing map[string]types.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range existing {
		if _, ok := r.placements[id]; !ok {
			r.placements[id] = types.WriterGroupPlacement{
				WriterGroupID:   id,
				AssignedJobID:   id,
				ActivationState: types.Deactivated,
			}
		}
	}
}

func (r *Reconciler) converge(ctx context.Context, group DesiredWriterGroup, existing map[string]types.Job, res *TickResult) error {
	if err := demand.Validate(group.Demands); err != nil {
		return err
	}
	payload, err := group.encode()
	if err != nil {
		return err
	}

	job, ok := existing[group.ID]
	if !ok {
		created, err := r.jobs.CreateJob(ctx, types.Job{
			ID:               group.ID,
			Name:             group.Name,
			JobConfiguration: payload,
			Demands:          group.Demands,
			RedundancyConfig: group.Redundancy,
		})
		if err != nil {
			return err
		}
		res.Created = append(res.Created, group.ID)
		r.setPlacement(types.WriterGroupPlacement{
			WriterGroupID:   group.ID,
			AssignedJobID:   created.ID,
			ActivationState: types.Deactivated,
		})
		return nil
	}

	if job.LifetimeData.Status == types.StatusDeleted {
		// Left behind by an interrupted delete; finish it and recreate
		// on the next tick.
		return r.jobs.DeleteJob(ctx, job.ID)
	}
	if job.LifetimeData.Status.IsTerminal() {
		// Not recreated while the terminal job exists.
		return fmt.Errorf("job %s is %s: %w", job.ID, job.LifetimeData.Status, jobmanager.ErrJobTerminal)
	}

	if job.LifetimeData.ProvisioningError != "" {
		if provisioned, err := r.jobs.RetryProvisioning(ctx, job.ID); err != nil {
			r.log.Warn("Provisioning retry failed", "writerGroupID", group.ID, "error", err)
		} else {
			job = provisioned
		}
	}

	same, err := r.matchesDesired(job, group, payload)
	if err != nil || same {
		return err
	}

	err = r.jobs.RetryOnConflict(ctx, func() error {
		current, err := r.jobs.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		next := current.Clone()
		next.Name = group.Name
		next.Demands = group.Demands
		next.RedundancyConfig = group.Redundancy
		next.JobConfiguration, err = carryIdentity(current.JobConfiguration, payload)
		if err != nil {
			return err
		}
		_, err = r.jobs.UpdateJob(ctx, next)
		return err
	})
	if err != nil {
		return err
	}
	res.Updated = append(res.Updated, group.ID)
	r.log.Info("Writer group job updated", "writerGroupID", group.ID)
	return nil
}

// matchesDesired compares the declared part of job against group.
func (r *Reconciler) matchesDesired(job types.Job, group DesiredWriterGroup, payload []byte) (bool, error) {
	if job.Name != group.Name || job.RedundancyConfig != group.Redundancy {
		return false, nil
	}
	if len(job.Demands) != len(group.Demands) ||
		(len(job.Demands) > 0 && !reflect.DeepEqual(job.Demands, group.Demands)) {
		return false, nil
	}
	declared, err := jobconfig.Declared(job.JobConfiguration)
	if err != nil {
		return false, err
	}
	return jobconfig.Equal(declared, payload), nil
}

// carryIdentity keeps the provisioned identity of current on the new payload.
func carryIdentity(current, payload []byte) ([]byte, error) {
	cfg, err := jobconfig.Decode(current)
	if err != nil || cfg.ConnectionIdentity == "" {
		return payload, nil
	}
	return jobconfig.WithIdentity(payload, cfg.ConnectionIdentity)
}

func (r *Reconciler) remove(ctx context.Context, id string) error {
	if err := r.jobs.DeleteJob(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.placements[id]; ok {
		r.transitionLocked(&p, types.Deactivated)
		delete(r.placements, id)
	}
	r.log.Info("Writer group removed", "writerGroupID", id)
	return nil
}

func (r *Reconciler) refresh(ctx context.Context, id string, res *TickResult) error {
	job, evicted, err := r.jobs.EvictStaleAgents(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		r.setState(id, nil)
		return nil
	}
	if err != nil {
		return err
	}
	res.Evicted += len(evicted)

	if !job.LifetimeData.Status.IsTerminal() {
		if job, err = r.rebalance(ctx, job, res); err != nil {
			return err
		}
	}
	r.setState(id, &job)
	return nil
}

// rebalance applies the allocator to the job: surplus leases are released,
// standby agents promoted and, with a candidate source, free slots filled.
func (r *Reconciler) rebalance(ctx context.Context, job types.Job, res *TickResult) (types.Job, error) {
	var candidates []types.Agent
	if r.cfg.Candidates != nil {
		var err error
		candidates, err = r.cfg.Candidates.ListCandidateAgents(ctx, job.Demands)
		if err != nil {
			return job, fmt.Errorf("failed to list candidate agents: %w", err)
		}
	}

	alloc := r.allocator.Allocate(job, candidates)
	if !alloc.Changed(job) {
		return job, nil
	}
	applied, err := r.jobs.ApplyLeases(ctx, job, alloc)
	if err != nil {
		return job, err
	}
	res.Rebalance++
	return applied, nil
}

// ============================================================================
// Placement records
// ============================================================================

func (r *Reconciler) placementIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.placements))
	for id := range r.placements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Reconciler) setPlacement(p types.WriterGroupPlacement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.placements[p.WriterGroupID] = p
}

// setState moves the placement of id to the state evaluated from job.
func (r *Reconciler) setState(id string, job *types.Job) types.EntityActivationState {
	target := Evaluate(job, r.jobs.Now(), r.jobs.StaleAfter())

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.placements[id]
	if !ok {
		return target
	}
	r.transitionLocked(&p, target)
	r.placements[id] = p
	return p.ActivationState
}

func (r *Reconciler) transitionLocked(p *types.WriterGroupPlacement, target types.EntityActivationState) {
	path, err := Path(p.ActivationState, target)
	if err != nil {
		r.log.Error("Invalid activation state", "writerGroupID", p.WriterGroupID, "error", err)
		p.ActivationState = types.Deactivated
		return
	}
	for _, t := range path {
		r.log.Info("Activation state changed",
			"writerGroupID", p.WriterGroupID,
			"from", t.From,
			"to", t.To)
		if r.cfg.OnTransition != nil {
			r.cfg.OnTransition(p.WriterGroupID, t)
		}
		p.ActivationState = t.To
	}
}

func (r *Reconciler) publishGauge() {
	counts := map[string]int{}
	for _, p := range r.Placements() {
		counts[string(p.ActivationState)]++
	}
	r.metrics.SetPlacements(counts)
}

// Placements returns every placement record, sorted by writer group id.
func (r *Reconciler) Placements() []types.WriterGroupPlacement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.WriterGroupPlacement, 0, len(r.placements))
	for _, p := range r.placements {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WriterGroupID < out[j].WriterGroupID })
	return out
}

// ============================================================================
// Diagnostics
// ============================================================================

// PublisherStatus lists the writer groups whose job holds a live lease for
// agentID. Activation states are refreshed from the current job documents,
// so a read may record transitions (and fire OnTransition) between ticks.
// It never writes jobs.
func (r *Reconciler) PublisherStatus(ctx context.Context, agentID string) (types.PublisherStatus, error) {
	status := types.PublisherStatus{AgentID: agentID, Entities: []types.EntityStatus{}}
	now := r.jobs.Now()

	for _, id := range r.placementIDs() {
		if err := ctx.Err(); err != nil {
			return status, err
		}
		job, err := r.jobs.GetJob(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return status, err
		}
		if job.LifetimeData.Status.IsTerminal() {
			continue
		}

		entry, ok := job.LifetimeData.ProcessingStatus[agentID]
		if !ok || entry.ProcessMode == "" || entry.IsStale(now, r.jobs.StaleAfter()) {
			continue
		}
		status.Entities = append(status.Entities, types.EntityStatus{
			ID:              id,
			ActivationState: r.setState(id, &job),
		})
	}
	return status, nil
}
