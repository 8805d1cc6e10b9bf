// ============================================================================
// Orchestrator Controller
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Assemble the orchestration core and run its background loops.
//
// Components (passed in explicitly, nothing is looked up):
//   - jobmanager.Manager:   job lifecycle, hooks, heartbeats
//   - placement.Reconciler: writer group jobs and activation states
//   - Registry:             agents seen by RequestLease / ReportHeartbeat
//   - snapshot.Manager:     persistence of an in-memory job store
//
// Loops:
//   1. Placement Loop - one reconciliation per UpdatePlacementInterval, plus
//      one per Trigger(). Disabled interval leaves only Trigger and
//      SynchronizeWriterGroupPlacements.
//   2. Snapshot Loop  - periodic snapshot of a MemoryStore.
//
// Recovery:
//   Start() restores the MemoryStore from the last snapshot and replays the
//   journal of a JournaledStore before any loop runs. Every snapshot
//   truncates the journal. Stop() takes a final snapshot after every loop
//   has exited.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/edge-orchestrator/internal/demand"
	"github.com/ChuLiYu/edge-orchestrator/internal/jobmanager"
	"github.com/ChuLiYu/edge-orchestrator/internal/jobstore"
	"github.com/ChuLiYu/edge-orchestrator/internal/lease"
	"github.com/ChuLiYu/edge-orchestrator/internal/metrics"
	"github.com/ChuLiYu/edge-orchestrator/internal/placement"
	"github.com/ChuLiYu/edge-orchestrator/internal/snapshot"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

var log = slog.Default()

// ErrStopped is returned by operations on a stopped controller.
var ErrStopped = errors.New("controller stopped")

// ============================================================================
// Configuration
// ============================================================================

// Config holds the tunables of the controller.
type Config struct {
	StaleAfter      time.Duration // heartbeat staleness window
	HookTimeout     time.Duration // per registration hook call
	ConflictRetries int           // bounded retries on concurrency conflicts

	UpdatePlacementInterval time.Duration // 0 disables the periodic tick
	SnapshotInterval        time.Duration // 0 snapshots only on Stop
	SnapshotPath            string        // used with a Memory or Journaled store only

	// CaseInsensitiveDemands compares Equals/NotEqual and Match values
	// ignoring case.
	CaseInsensitiveDemands bool

	// PushPlacement lets the reconciler fill free lease slots from the
	// agent registry instead of waiting for agents to ask.
	PushPlacement bool

	Now func() time.Time
}

// Deps are the collaborators of the controller.
type Deps struct {
	Store   jobstore.Store
	Source  placement.WriterGroupSource
	Hooks   []jobmanager.RegistrationHook
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Controller is the orchestrator façade.
type Controller struct {
	config     Config
	log        *slog.Logger
	jobs       *jobmanager.Manager
	reconciler *placement.Reconciler
	registry   *Registry
	allocator  *lease.Allocator

	memStore *jobstore.MemoryStore    // nil unless the store is in memory
	journal  *jobstore.JournaledStore // nil unless the memory store is journaled
	snapshot *snapshot.Manager        // nil unless memStore and SnapshotPath

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	cancel    context.CancelFunc
	stopCh    chan struct{}
	triggerCh chan struct{}
	loopWg    sync.WaitGroup
}

// New builds a controller from config and deps.
func New(config Config, deps Deps) (*Controller, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("job store is required: %w", types.ErrValidation)
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("writer group source is required: %w", types.ErrValidation)
	}
	logger := deps.Logger
	if logger == nil {
		logger = log
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = jobmanager.DefaultStaleAfter
	}

	matcher := &demand.Matcher{CaseInsensitive: config.CaseInsensitiveDemands}
	jobs := jobmanager.New(deps.Store, deps.Hooks, jobmanager.Config{
		StaleAfter:      config.StaleAfter,
		HookTimeout:     config.HookTimeout,
		ConflictRetries: config.ConflictRetries,
		Now:             config.Now,
		Logger:          logger,
		Metrics:         deps.Metrics,
		Matcher:         matcher,
	})
	registry := NewRegistry(matcher, config.Now, config.StaleAfter)

	rcfg := placement.Config{Logger: logger, Metrics: deps.Metrics}
	if config.PushPlacement {
		rcfg.Candidates = registry
	}

	c := &Controller{
		config:     config,
		log:        logger,
		jobs:       jobs,
		reconciler: placement.NewReconciler(jobs, deps.Source, rcfg),
		registry:   registry,
		allocator:  &lease.Allocator{Matcher: matcher},
		stopCh:     make(chan struct{}),
		triggerCh:  make(chan struct{}, 1),
	}
	switch store := deps.Store.(type) {
	case *jobstore.MemoryStore:
		c.memStore = store
	case *jobstore.JournaledStore:
		c.memStore = store.Memory()
		c.journal = store
	}
	if c.memStore != nil && config.SnapshotPath != "" {
		c.snapshot = snapshot.NewManager(config.SnapshotPath)
	}
	return c, nil
}

// Jobs returns the job lifecycle manager.
func (c *Controller) Jobs() *jobmanager.Manager { return c.jobs }

// Registry returns the agent registry.
func (c *Controller) Registry() *Registry { return c.registry }

// ============================================================================
// Lifecycle
// ============================================================================

// Start restores persisted state and starts the background loops.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	c.startTime = time.Now()

	if c.snapshot != nil || c.journal != nil {
		c.log.Info("Starting recovery...")
		if err := c.recover(); err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.started = true

	c.loopWg.Add(1)
	go c.placementLoop(runCtx)
	if c.snapshot != nil && c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	c.log.Info("Controller started",
		"updatePlacementInterval", c.config.UpdatePlacementInterval,
		"staleAfter", c.config.StaleAfter,
		"pushPlacement", c.config.PushPlacement)
	return nil
}

// Stop stops the loops and takes a final snapshot. It is safe to call more
// than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.log.Info("Stopping controller...")
	close(c.stopCh)
	if c.cancel != nil {
		c.cancel()
	}
	c.loopWg.Wait()

	if started && c.snapshot != nil {
		if err := c.takeSnapshot(); err != nil {
			c.log.Error("Failed to take final snapshot", "error", err)
		}
	}
	c.log.Info("Controller stopped")
}

// Trigger requests an immediate reconciliation from the placement loop.
// Requests made while one is pending are coalesced.
func (c *Controller) Trigger() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

// recover restores the last snapshot, then replays the journal on top.
func (c *Controller) recover() error {
	start := time.Now()
	var jobs, replayed int
	if c.snapshot != nil {
		data, err := c.snapshot.Load()
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		c.memStore.Restore(data)
		jobs = len(data.Jobs)
	}
	if c.journal != nil {
		n, err := c.journal.Recover()
		if err != nil {
			return fmt.Errorf("failed to replay journal: %w", err)
		}
		replayed = n
	}
	c.log.Info("Recovery completed",
		"duration", time.Since(start),
		"snapshotJobs", jobs,
		"replayedEvents", replayed,
		"jobs", c.memStore.Len())
	return nil
}

// takeSnapshot persists the memory store. A journaled store is truncated
// once the snapshot is written.
func (c *Controller) takeSnapshot() error {
	start := time.Now()
	var jobs int
	write := func(data jobstore.SnapshotData) error {
		jobs = len(data.Jobs)
		if err := c.snapshot.Write(data); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		return nil
	}

	var err error
	if c.journal != nil {
		err = c.journal.Checkpoint(write)
	} else {
		err = write(c.memStore.Snapshot())
	}
	if err != nil {
		return err
	}
	c.log.Debug("Snapshot taken",
		"duration", time.Since(start),
		"jobs", jobs)
	return nil
}

// ============================================================================
// Loops
// ============================================================================

func (c *Controller) placementLoop(ctx context.Context) {
	defer c.loopWg.Done()

	var tick <-chan time.Time
	if c.config.UpdatePlacementInterval > 0 {
		ticker := time.NewTicker(c.config.UpdatePlacementInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Placement loop stopped")
			return
		case <-tick:
		case <-c.triggerCh:
		}
		c.reconcile(ctx)
	}
}

func (c *Controller) reconcile(ctx context.Context) {
	_, err := c.reconciler.Tick(ctx)
	switch {
	case err == nil:
	case errors.Is(err, placement.ErrReconcileInProgress):
		c.log.Debug("Placement tick skipped, previous tick still running")
	case errors.Is(err, context.Canceled):
	default:
		c.log.Error("Placement reconciliation failed", "error", err)
	}
}

func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				c.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// ============================================================================
// Placement operations
// ============================================================================

// SynchronizeWriterGroupPlacements runs one reconciliation tick and waits
// for it. It fails with placement.ErrReconcileInProgress while another tick
// runs.
func (c *Controller) SynchronizeWriterGroupPlacements(ctx context.Context) (placement.TickResult, error) {
	return c.reconciler.Tick(ctx)
}

// GetPublisherStatus lists the writer groups leased to agentID.
func (c *Controller) GetPublisherStatus(ctx context.Context, agentID string) (types.PublisherStatus, error) {
	if agentID == "" {
		return types.PublisherStatus{}, fmt.Errorf("agent id is required: %w", types.ErrValidation)
	}
	return c.reconciler.PublisherStatus(ctx, agentID)
}

// Placements returns every placement record.
func (c *Controller) Placements() []types.WriterGroupPlacement {
	return c.reconciler.Placements()
}

// GetStatus returns a summary for diagnostics.
func (c *Controller) GetStatus() map[string]interface{} {
	counts := map[types.EntityActivationState]int{}
	for _, p := range c.reconciler.Placements() {
		counts[p.ActivationState]++
	}

	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	return map[string]interface{}{
		"uptime":                  uptime.String(),
		"agents":                  len(c.registry.Agents()),
		"placements":              len(c.reconciler.Placements()),
		"deactivated":             counts[types.Deactivated],
		"activated":               counts[types.Activated],
		"activated_and_connected": counts[types.ActivatedAndConnected],
	}
}
