// ============================================================================
// Job Lifecycle Manager
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: Owns job CRUD, registration hooks, heartbeats and staleness.
//
// Lifecycle:
//   Active
//      ↓ UpdateJobStatus / ApplyLeases (Status stays Active)
//   Completed | Canceled | Error | Deleted   (terminal, no way back)
//
// Concurrency:
//   No lock is held across a read-modify-write. Every write presents the
//   GenerationID it read; the store rejects stale writes with
//   ErrConcurrencyConflict and the caller re-reads and retries. Internal
//   writers retry a bounded number of times through RetryOnConflict.
//
// Hooks:
//   OnJobCreating / OnJobCreated / OnJobDeleting / OnJobDeleted run
//   synchronously, each bounded by HookTimeout. Failures are logged and
//   counted but never fail the primary operation. A failed OnJobCreating
//   leaves the job Active with ProvisioningError set until
//   RetryProvisioning succeeds.
//
// Staleness:
//   Computed lazily from ProcessingStatus, never by a timer. An entry is
//   stale when its last heartbeat (or its lease grant, if it never sent
//   one) is older than StaleAfter.
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/edge-orchestrator/internal/demand"
	"github.com/ChuLiYu/edge-orchestrator/internal/jobstore"
	"github.com/ChuLiYu/edge-orchestrator/internal/lease"
	"github.com/ChuLiYu/edge-orchestrator/internal/metrics"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrJobTerminal is returned when mutating a job in a terminal status.
	ErrJobTerminal = fmt.Errorf("job is in a terminal status: %w", types.ErrValidation)
	// ErrActiveLeasesExhausted is returned when a heartbeat would push the
	// number of active entries above DesiredActiveAgents.
	ErrActiveLeasesExhausted = fmt.Errorf("no free active lease: %w", types.ErrValidation)
	// ErrPassiveLeasesExhausted is the passive counterpart of
	// ErrActiveLeasesExhausted.
	ErrPassiveLeasesExhausted = fmt.Errorf("no free passive lease: %w", types.ErrValidation)
	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = fmt.Errorf("invalid status transition: %w", types.ErrValidation)
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultStaleAfter      = 15 * time.Minute
	DefaultHookTimeout     = 30 * time.Second
	DefaultConflictRetries = 5
)

// Config configures a Manager. Zero values select the defaults.
type Config struct {
	StaleAfter      time.Duration
	HookTimeout     time.Duration
	ConflictRetries int
	Now             func() time.Time
	Logger          *slog.Logger
	Metrics         *metrics.Collector
	Matcher         *demand.Matcher
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = DefaultHookTimeout
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = DefaultConflictRetries
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Matcher == nil {
		c.Matcher = &demand.Matcher{}
	}
	return c
}

// Manager is the job lifecycle manager. It is safe for concurrent use.
type Manager struct {
	store   jobstore.Store
	hooks   []RegistrationHook
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Collector
}

// New creates a Manager over store. hooks run in the given order.
func New(store jobstore.Store, hooks []RegistrationHook, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		store:   store,
		hooks:   hooks,
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// StaleAfter returns the configured staleness window.
func (m *Manager) StaleAfter() time.Duration { return m.cfg.StaleAfter }

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.cfg.Now() }

// Matcher returns the demand matcher used for validation and allocation.
func (m *Manager) Matcher() *demand.Matcher { return m.cfg.Matcher }

// ============================================================================
// CRUD
// ============================================================================

// CreateJob stores a new Active job built from draft. An empty id is replaced
// by a random one. The returned job carries its GenerationID.
func (m *Manager) CreateJob(ctx context.Context, draft types.Job) (types.Job, error) {
	if err := demand.Validate(draft.Demands); err != nil {
		return types.Job{}, err
	}

	now := m.cfg.Now()
	job := draft.Clone()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.GenerationID = ""
	job.LifetimeData = types.JobLifetimeData{
		Created:          now,
		Updated:          now,
		Status:           types.StatusActive,
		ProcessingStatus: map[string]types.ProcessingStatusEntry{},
	}

	enriched := job.Clone()
	err := m.runHooks(ctx, hookCreating, job.ID, func(ctx context.Context, h RegistrationHook) error {
		return h.OnJobCreating(ctx, &enriched)
	})
	if err != nil {
		job.LifetimeData.ProvisioningError = err.Error()
	} else {
		job.JobConfiguration = enriched.JobConfiguration
	}

	gen, err := m.store.Put(ctx, job, "")
	if err != nil {
		if errors.Is(err, types.ErrConcurrencyConflict) {
			return types.Job{}, fmt.Errorf("job %s already exists: %w", job.ID, err)
		}
		return types.Job{}, err
	}
	job.GenerationID = gen
	m.metrics.RecordJobCreated()

	m.log.Info("Job created",
		"jobID", job.ID,
		"name", job.Name,
		"degraded", job.LifetimeData.ProvisioningError != "")

	m.runHooks(ctx, hookCreated, job.ID, func(ctx context.Context, h RegistrationHook) error {
		return h.OnJobCreated(ctx, job.Clone())
	})
	return job, nil
}

// GetJob returns the job or an error wrapping types.ErrNotFound.
func (m *Manager) GetJob(ctx context.Context, id string) (types.Job, error) {
	return m.store.Get(ctx, id)
}

// QueryJobs returns one page of jobs matching filter.
func (m *Manager) QueryJobs(ctx context.Context, filter jobstore.Filter, page jobstore.PageRequest) (jobstore.Page, error) {
	return m.store.Query(ctx, filter, page)
}

// ListJobs drains every page of QueryJobs.
func (m *Manager) ListJobs(ctx context.Context, filter jobstore.Filter) ([]types.Job, error) {
	var (
		jobs []types.Job
		req  jobstore.PageRequest
	)
	for {
		page, err := m.store.Query(ctx, filter, req)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, page.Jobs...)
		if page.ContinuationToken == "" {
			return jobs, nil
		}
		req.ContinuationToken = page.ContinuationToken
	}
}

// UpdateJob replaces name, configuration, demands and redundancy of an
// existing job. job.GenerationID is the expected generation. Lifetime data,
// including every lease, is kept.
func (m *Manager) UpdateJob(ctx context.Context, job types.Job) (types.Job, error) {
	if err := demand.Validate(job.Demands); err != nil {
		return types.Job{}, err
	}

	current, err := m.store.Get(ctx, job.ID)
	if err != nil {
		return types.Job{}, err
	}
	if current.GenerationID != job.GenerationID {
		m.metrics.RecordConflict("update")
		return types.Job{}, jobstore.ErrConflict
	}
	if current.LifetimeData.Status.IsTerminal() {
		return types.Job{}, ErrJobTerminal
	}

	next := current.Clone()
	next.Name = job.Name
	next.JobConfiguration = append([]byte(nil), job.JobConfiguration...)
	next.Demands = append([]types.Demand(nil), job.Demands...)
	next.RedundancyConfig = job.RedundancyConfig
	next.LifetimeData.Updated = m.cfg.Now()

	return m.put(ctx, next, current.GenerationID, "update")
}

// UpdateJobStatus upserts the heartbeat of one agent. expected must equal the
// job's current generation; otherwise the call fails with
// types.ErrConcurrencyConflict and the caller must re-read and retry.
//
// Leases are granted by the allocator only. A heartbeat from an agent without
// a live lease is recorded with an empty ProcessMode, whatever mode it
// claims. A lease holder may switch mode while the target mode has a free
// slot.
func (m *Manager) UpdateJobStatus(ctx context.Context, id string, hb types.Heartbeat, expected types.GenerationID) (types.Job, error) {
	if hb.AgentID == "" {
		return types.Job{}, fmt.Errorf("heartbeat without agent id: %w", types.ErrValidation)
	}
	switch hb.ProcessMode {
	case "", types.ModeActive, types.ModePassive:
	default:
		return types.Job{}, fmt.Errorf("unknown process mode %q: %w", hb.ProcessMode, types.ErrValidation)
	}

	current, err := m.store.Get(ctx, id)
	if err != nil {
		return types.Job{}, err
	}
	if current.GenerationID != expected {
		m.metrics.RecordConflict("heartbeat")
		return types.Job{}, jobstore.ErrConflict
	}
	if current.LifetimeData.Status.IsTerminal() {
		return types.Job{}, ErrJobTerminal
	}

	now := m.cfg.Now()
	next := current.Clone()
	if next.LifetimeData.ProcessingStatus == nil {
		next.LifetimeData.ProcessingStatus = map[string]types.ProcessingStatusEntry{}
	}
	entry, found := next.LifetimeData.ProcessingStatus[hb.AgentID]
	leased := found && entry.ProcessMode != "" && !entry.IsStale(now, m.cfg.StaleAfter)

	switch {
	case !leased:
		if hb.ProcessMode != "" || entry.ProcessMode != "" {
			m.log.Debug("Heartbeat without live lease",
				"jobID", id,
				"agentID", hb.AgentID,
				"claimedMode", hb.ProcessMode)
		}
		entry.ProcessMode = ""
	case hb.ProcessMode != "" && hb.ProcessMode != entry.ProcessMode:
		if err := checkFreeSlot(next, hb.AgentID, hb.ProcessMode); err != nil {
			return types.Job{}, err
		}
		entry.ProcessMode = hb.ProcessMode
	}
	entry.LastKnownHeartbeat = &now
	entry.LastKnownState = hb.State

	next.LifetimeData.ProcessingStatus[hb.AgentID] = entry
	next.LifetimeData.Updated = now

	job, err := m.put(ctx, next, expected, "heartbeat")
	if err != nil {
		return types.Job{}, err
	}
	m.metrics.RecordHeartbeat()
	return job, nil
}

// checkFreeSlot reports whether agentID may take mode on job without
// exceeding the job's redundancy.
func checkFreeSlot(job types.Job, agentID string, mode types.ProcessMode) error {
	others := 0
	for id, e := range job.LifetimeData.ProcessingStatus {
		if id != agentID && e.ProcessMode == mode {
			others++
		}
	}
	switch mode {
	case types.ModeActive:
		if uint(others) >= job.RedundancyConfig.DesiredActiveAgents {
			return ErrActiveLeasesExhausted
		}
	case types.ModePassive:
		if uint(others) >= job.RedundancyConfig.DesiredPassiveAgents {
			return ErrPassiveLeasesExhausted
		}
	}
	return nil
}

// SetStatus moves an Active job into a terminal status.
func (m *Manager) SetStatus(ctx context.Context, id string, status types.JobStatus, expected types.GenerationID) (types.Job, error) {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return types.Job{}, err
	}
	if current.GenerationID != expected {
		m.metrics.RecordConflict("status")
		return types.Job{}, jobstore.ErrConflict
	}
	if !current.LifetimeData.Status.CanTransition(status) {
		return types.Job{}, fmt.Errorf("%s -> %s: %w", current.LifetimeData.Status, status, ErrInvalidTransition)
	}

	next := current.Clone()
	next.LifetimeData.Status = status
	next.LifetimeData.Updated = m.cfg.Now()
	return m.put(ctx, next, expected, "status")
}

// ApplyLeases rewrites the job's leases to match alloc. job.GenerationID is
// the expected generation and must be the job alloc was computed from.
func (m *Manager) ApplyLeases(ctx context.Context, job types.Job, alloc lease.Allocation) (types.Job, error) {
	if job.LifetimeData.Status.IsTerminal() {
		return types.Job{}, ErrJobTerminal
	}
	if !alloc.Changed(job) {
		return job, nil
	}

	now := m.cfg.Now()
	next := job.Clone()
	ps, granted := alloc.Apply(job.LifetimeData.ProcessingStatus, now)
	next.LifetimeData.ProcessingStatus = ps
	next.LifetimeData.Updated = now

	out, err := m.put(ctx, next, job.GenerationID, "lease")
	if err != nil {
		return types.Job{}, err
	}
	for agentID, mode := range granted {
		m.metrics.RecordLeaseGranted(string(mode))
		m.log.Info("Lease granted",
			"jobID", job.ID,
			"agentID", agentID,
			"mode", mode)
	}
	for _, agentID := range alloc.Released {
		m.log.Info("Lease released",
			"jobID", job.ID,
			"agentID", agentID)
	}
	return out, nil
}

// DeleteJob runs OnJobDeleting, marks the job Deleted, removes it from the
// store and runs OnJobDeleted. Hook failures do not stop the deletion.
func (m *Manager) DeleteJob(ctx context.Context, id string) error {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	m.runHooks(ctx, hookDeleting, id, func(ctx context.Context, h RegistrationHook) error {
		return h.OnJobDeleting(ctx, job.Clone())
	})

	err = m.RetryOnConflict(ctx, func() error {
		current, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		gen := current.GenerationID
		if current.LifetimeData.Status != types.StatusDeleted {
			current.LifetimeData.Status = types.StatusDeleted
			current.LifetimeData.Updated = m.cfg.Now()
			gen, err = m.store.Put(ctx, current, current.GenerationID)
			if err != nil {
				return err
			}
		}
		job = current
		return m.store.Delete(ctx, id, gen)
	})
	if err != nil {
		return err
	}
	m.metrics.RecordJobDeleted()
	m.log.Info("Job deleted", "jobID", id)

	m.runHooks(ctx, hookDeleted, id, func(ctx context.Context, h RegistrationHook) error {
		return h.OnJobDeleted(ctx, job.Clone())
	})
	return nil
}

// ============================================================================
// Staleness
// ============================================================================

// ComputeStaleAgents returns, sorted, the agents of job whose entry is stale
// at now.
func ComputeStaleAgents(job types.Job, now time.Time, staleAfter time.Duration) []string {
	var stale []string
	for agentID, entry := range job.LifetimeData.ProcessingStatus {
		if entry.IsStale(now, staleAfter) {
			stale = append(stale, agentID)
		}
	}
	sort.Strings(stale)
	return stale
}

// ComputeStaleAgents applies the manager's clock and staleness window.
func (m *Manager) ComputeStaleAgents(job types.Job) []string {
	return ComputeStaleAgents(job, m.cfg.Now(), m.cfg.StaleAfter)
}

// EvictStaleAgents removes stale entries from the job, making their leases
// reclaimable. Nothing is written when no entry is stale.
func (m *Manager) EvictStaleAgents(ctx context.Context, id string) (types.Job, []string, error) {
	var (
		job     types.Job
		evicted []string
	)
	err := m.RetryOnConflict(ctx, func() error {
		current, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		job, evicted = current, nil

		stale := m.ComputeStaleAgents(current)
		if len(stale) == 0 || current.LifetimeData.Status.IsTerminal() {
			return nil
		}

		next := current.Clone()
		for _, agentID := range stale {
			delete(next.LifetimeData.ProcessingStatus, agentID)
		}
		next.LifetimeData.Updated = m.cfg.Now()
		out, err := m.put(ctx, next, current.GenerationID, "evict")
		if err != nil {
			return err
		}
		job, evicted = out, stale
		return nil
	})
	if err != nil {
		return types.Job{}, nil, err
	}
	if len(evicted) > 0 {
		m.metrics.RecordStaleEvicted(len(evicted))
		m.log.Info("Evicted stale agents",
			"jobID", id,
			"agents", evicted)
	}
	return job, evicted, nil
}

// ============================================================================
// Provisioning retry
// ============================================================================

// RetryProvisioning re-runs OnJobCreating for a degraded job and clears
// ProvisioningError on success. Jobs that are not degraded are returned
// unchanged.
func (m *Manager) RetryProvisioning(ctx context.Context, id string) (types.Job, error) {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return types.Job{}, err
	}
	if current.LifetimeData.ProvisioningError == "" || current.LifetimeData.Status.IsTerminal() {
		return current, nil
	}

	enriched := current.Clone()
	if err := m.runHooks(ctx, hookCreating, id, func(ctx context.Context, h RegistrationHook) error {
		return h.OnJobCreating(ctx, &enriched)
	}); err != nil {
		return current, err
	}

	next := current.Clone()
	next.JobConfiguration = enriched.JobConfiguration
	next.LifetimeData.ProvisioningError = ""
	next.LifetimeData.Updated = m.cfg.Now()
	out, err := m.put(ctx, next, current.GenerationID, "provision")
	if err != nil {
		return types.Job{}, err
	}
	m.log.Info("Job provisioning recovered", "jobID", id)
	return out, nil
}

// ============================================================================
// Helpers
// ============================================================================

// RetryOnConflict calls fn until it succeeds, fails with an error other than
// a concurrency conflict, or ConflictRetries attempts have been made.
func (m *Manager) RetryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= m.cfg.ConflictRetries; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, types.ErrConcurrencyConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		m.log.Debug("Retrying after concurrency conflict", "attempt", attempt)
	}
	return fmt.Errorf("gave up after %d attempts: %w", m.cfg.ConflictRetries, err)
}

func (m *Manager) put(ctx context.Context, job types.Job, expected types.GenerationID, op string) (types.Job, error) {
	gen, err := m.store.Put(ctx, job, expected)
	if err != nil {
		if errors.Is(err, types.ErrConcurrencyConflict) {
			m.metrics.RecordConflict(op)
			m.log.Debug("Concurrency conflict", "jobID", job.ID, "operation", op)
		}
		return types.Job{}, err
	}
	job.GenerationID = gen
	return job, nil
}
