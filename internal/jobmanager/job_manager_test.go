package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edge-orchestrator/internal/jobstore"
	"github.com/ChuLiYu/edge-orchestrator/internal/lease"
	"github.com/ChuLiYu/edge-orchestrator/internal/metrics"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingHook struct {
	NopHook
	mu       sync.Mutex
	calls    []string
	failOn   map[string]error
	identity []byte
}

func (h *recordingHook) record(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name)
	return h.failOn[name]
}

func (h *recordingHook) OnJobCreating(ctx context.Context, job *types.Job) error {
	if err := h.record(hookCreating); err != nil {
		return err
	}
	if h.identity != nil {
		job.JobConfiguration = append(job.JobConfiguration, h.identity...)
	}
	return nil
}

func (h *recordingHook) OnJobCreated(ctx context.Context, job types.Job) error {
	return h.record(hookCreated)
}

func (h *recordingHook) OnJobDeleting(ctx context.Context, job types.Job) error {
	return h.record(hookDeleting)
}

func (h *recordingHook) OnJobDeleted(ctx context.Context, job types.Job) error {
	return h.record(hookDeleted)
}

func (h *recordingHook) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type panickingHook struct{ NopHook }

func (panickingHook) OnJobCreated(context.Context, types.Job) error { panic("boom") }

type blockingHook struct{ NopHook }

func (blockingHook) OnJobCreating(ctx context.Context, job *types.Job) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestManager(t *testing.T, hooks ...RegistrationHook) (*Manager, *jobstore.MemoryStore, *fakeClock) {
	t.Helper()
	store := jobstore.NewMemoryStore()
	clock := newFakeClock()
	m := New(store, hooks, Config{
		StaleAfter:  15 * time.Minute,
		HookTimeout: 50 * time.Millisecond,
		Now:         clock.Now,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:     metrics.NewCollector(prometheus.NewRegistry()),
	})
	return m, store, clock
}

func draftJob(id string, active, passive uint) types.Job {
	return types.Job{
		ID:               id,
		Name:             "writer group " + id,
		JobConfiguration: []byte{0x01},
		RedundancyConfig: types.RedundancyConfig{DesiredActiveAgents: active, DesiredPassiveAgents: passive},
	}
}

// grant leases mode on job to agentID the way the allocator does, keeping
// the other holders.
func grant(t *testing.T, m *Manager, job types.Job, agentID string, mode types.ProcessMode) types.Job {
	t.Helper()
	var alloc lease.Allocation
	for id, e := range job.LifetimeData.ProcessingStatus {
		switch e.ProcessMode {
		case types.ModeActive:
			alloc.Active = append(alloc.Active, id)
		case types.ModePassive:
			alloc.Passive = append(alloc.Passive, id)
		}
	}
	if mode == types.ModeActive {
		alloc.Active = append(alloc.Active, agentID)
	} else {
		alloc.Passive = append(alloc.Passive, agentID)
	}
	out, err := m.ApplyLeases(context.Background(), job, alloc)
	require.NoError(t, err)
	return out
}

// ============================================================================
// CreateJob
// ============================================================================

func TestCreateJob(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, draftJob("wg-1", 1, 0))
	require.NoError(t, err)

	assert.Equal(t, "wg-1", job.ID)
	assert.NotEmpty(t, job.GenerationID)
	assert.Equal(t, types.StatusActive, job.LifetimeData.Status)
	assert.Equal(t, clock.Now(), job.LifetimeData.Created)
	assert.Equal(t, clock.Now(), job.LifetimeData.Updated)
	assert.Empty(t, job.LifetimeData.ProcessingStatus)
	assert.Empty(t, job.LifetimeData.ProvisioningError)

	stored, err := m.GetJob(ctx, "wg-1")
	require.NoError(t, err)
	assert.Equal(t, job.GenerationID, stored.GenerationID)
}

func TestCreateJobAssignsID(t *testing.T) {
	m, _, _ := newTestManager(t)

	a, err := m.CreateJob(context.Background(), draftJob("", 1, 0))
	require.NoError(t, err)
	b, err := m.CreateJob(context.Background(), draftJob("", 1, 0))
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestCreateJobRejectsInvalidDemands(t *testing.T) {
	m, store, _ := newTestManager(t)

	s := draftJob("wg-1", 1, 0)
	s.Demands = []types.Demand{{Key: "os", Operator: "resembles", Value: "linux"}}
	_, err := m.CreateJob(context.Background(), s)

	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, 0, store.Len())
}

func TestCreateJobDuplicate(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateJob(ctx, draftJob("wg-1", 1, 0))
	require.NoError(t, err)
	_, err = m.CreateJob(ctx, draftJob("wg-1", 1, 0))
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)
}

func TestCreateJobHooks(t *testing.T) {
	hook := &recordingHook{identity: []byte("identity")}
	m, _, _ := newTestManager(t, hook)

	job, err := m.CreateJob(context.Background(), draftJob("wg-1", 1, 0))
	require.NoError(t, err)

	assert.Equal(t, []string{hookCreating, hookCreated}, hook.Calls())
	assert.Equal(t, append([]byte{0x01}, "identity"...), job.JobConfiguration, "before-create hook enriches the configuration")
}

func TestCreateJobHookFailureLeavesJobDegraded(t *testing.T) {
	hook := &recordingHook{
		identity: []byte("identity"),
		failOn:   map[string]error{hookCreating: errors.New("identity service down")},
	}
	m, _, _ := newTestManager(t, hook)

	job, err := m.CreateJob(context.Background(), draftJob("wg-1", 1, 0))
	require.NoError(t, err, "hook failure must not fail creation")

	assert.Equal(t, types.StatusActive, job.LifetimeData.Status)
	assert.Contains(t, job.LifetimeData.ProvisioningError, "identity service down")
	assert.Equal(t, []byte{0x01}, job.JobConfiguration)
	assert.Equal(t, []string{hookCreating, hookCreated}, hook.Calls())
}

func TestCreateJobHookTimeoutAndPanic(t *testing.T) {
	m, _, _ := newTestManager(t, blockingHook{}, panickingHook{})

	job, err := m.CreateJob(context.Background(), draftJob("wg-1", 1, 0))
	require.NoError(t, err)
	assert.Contains(t, job.LifetimeData.ProvisioningError, context.DeadlineExceeded.Error())
}

// ============================================================================
// UpdateJob / SetStatus
// ============================================================================

func TestUpdateJobKeepsLeases(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, draftJob("wg-1", 1, 0))
	require.NoError(t, err)
	job = grant(t, m, job, "a", types.ModeActive)

	job.Name = "renamed"
	job.RedundancyConfig.DesiredPassiveAgents = 2
	job.JobConfiguration = []byte{0x02}
	updated, err := m.UpdateJob(ctx, job)
	require.NoError(t, err)

	assert.NotEqual(t, job.GenerationID, updated.GenerationID)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, uint(2), updated.RedundancyConfig.DesiredPassiveAgents)
	assert.Contains(t, updated.LifetimeData.ProcessingStatus, "a")

	_, err = m.UpdateJob(ctx, job)
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict, "stale generation")
}

func TestSetStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, draftJob("wg-1", 1, 0))
	require.NoError(t, err)

	done, err := m.SetStatus(ctx, "wg-1", types.StatusCompleted, job.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.LifetimeData.Status)

	_, err = m.SetStatus(ctx, "wg-1", types.StatusActive, done.GenerationID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.UpdateJobStatus(ctx, "wg-1", types.Heartbeat{AgentID: "a"}, done.GenerationID)
	assert.ErrorIs(t, err, ErrJobTerminal)

	done.Name = "nope"
	_, err = m.UpdateJob(ctx, done)
	assert.ErrorIs(t, err, ErrJobTerminal)
}

// ============================================================================
// UpdateJobStatus
// ============================================================================

func TestUpdateJobStatusUpsertsEntry(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, draftJob("wg-1", 1, 1))
	require.NoError(t, err)
	job = grant(t, m, job, "a", types.ModeActive)

	clock.Advance(time.Minute)
	job, err = m.UpdateJobStatus(ctx, "wg-1", types.Heartbeat{AgentID: "a", State: "connecting", ProcessMode: types.ModeActive}, job.GenerationID)
	require.NoError(t, err)

	entry := job.LifetimeData.ProcessingStatus["a"]
	require.NotNil(t, entry.LastKnownHeartbeat)
	assert.Equal(t, clock.Now(), *entry.LastKnownHeartbeat)
	assert.Equal(t, "connecting", entry.LastKnownState)
	assert.Equal(t, types.ModeActive, entry.ProcessMode)

	clock.Advance(time.Minute)
	job, err = m.UpdateJobStatus(ctx, "wg-1", types.Heartbeat{AgentID: "a", State: "connected"}, job.GenerationID)
	require.NoError(t, err)
	entry = job.LifetimeData.ProcessingStatus["a"]
	assert.Equal(t, "connected", entry.LastKnownState)
	assert.Equal(t, types.ModeActive, entry.ProcessMode, "absent mode keeps the current one")
	assert.Equal(t, clock.Now(), *entry.LastKnownHeartbeat)
}

func TestUpdateJobStatusWithoutLeaseGrantsNothing(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, draftJob("wg-1", 1, 0))
	require.NoError(t, err)

	for _, mode := range []types.ProcessMode{types.ModeActive, types.ModePassive, ""} {
		job, err = m.UpdateJobStatus(ctx, "wg-1", types.Heartbeat{AgentID: "rogue", State: "connected", ProcessMode: mode}, job.GenerationID)
		require.NoError(t, err)
		entry := job.LifetimeData.ProcessingStatus["rogue"]
		assert.Empty(t, entry.ProcessMode, "claimed mode %q", mode)
		assert.NotNil(t, entry.LastKnownHeartbeat)
	}

	// A lease that went stale is not revived by a late heartbeat.
	job = grant(t, m, job, "a", types.ModeActive)
	clock.Advance(16 * time.Minute)
	job, err = m.UpdateJobStatus(ctx, "wg-1", types.Heartbeat{AgentID: "a", ProcessMode: types.ModeActive}, job.GenerationID)
	require.NoError(t, err)
	assert.Empty(t, job.LifetimeData.ProcessingStatus["a"].ProcessMode)

	alloc := lease.Allocate(job, nil)
	assert.Empty(t, alloc.Active)
	assert.Equal(t, []string{"a"}, alloc.Released)
}

func TestUpdateJobStatusErrors(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, draftJob("wg-1", 1, 0))
	require.NoError(t, err)

	_, err = m.UpdateJobStatus(ctx, "missing", types.Heartbeat{AgentID: "a"}, job.GenerationID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = m.UpdateJobStatus(ctx, "wg-1", types.Heartbeat{AgentID: "a"}, "stale")
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)

	_, err = m.UpdateJobStatus(ctx, "wg-1", types.Heartbeat{}, job.GenerationID)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = m.UpdateJobStatus(ctx, "wg-1", types.Heartbeat{AgentID: "a", ProcessMode: "leader"}, job.GenerationID)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestUpdateJobStatusModeSwitchRespectsRedundancy(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, draftJob("wg-1", 1, 1))
	require.NoError(t, err)
	job = grant(t, m, job, "a", types.ModeActive)
	job = grant(t, m, job, "b", types.ModePassive)

	_, err = m.UpdateJobStatus(ctx, "wg-1", types.Heartbeat{AgentID: "b", ProcessMode: types.ModeActive}, job.GenerationID)
	assert.ErrorIs(t, err, ErrActiveLeasesExhausted)

	_, err = m.UpdateJobStatus(ctx, "wg-1", types.Heartbeat{AgentID: "a", ProcessMode: types.ModePassive}, job.GenerationID)
	assert.ErrorIs(t, err, ErrPassiveLeasesExhausted)

	job, err = m.UpdateJobStatus(ctx, "wg-1", types.Heartbeat{AgentID: "b", ProcessMode: types.ModePassive}, job.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, types.ModePassive, job.LifetimeData.ProcessingStatus["b"].ProcessMode)
}

// Two concurrent heartbeats with the same generation: exactly one wins.
func TestUpdateJobStatusConcurrentSameGeneration(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, draftJob("wg-1", 2, 0))
	require.NoError(t, err)
	job = grant(t, m, job, "a", types.ModeActive)
	job = grant(t, m, job, "b", types.ModeActive)

	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
		start     = make(chan struct{})
	)
	for _, agent := range []string{"a", "b"} {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			<-start
			_, err := m.UpdateJobStatus(ctx, "wg-1", types.Heartbeat{AgentID: agent, ProcessMode: types.ModeActive}, job.GenerationID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, types.ErrConcurrencyConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(agent)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), conflicts.Load())

	stored, err := m.GetJob(ctx, "wg-1")
	require.NoError(t, err)
	heartbeats := 0
	for _, e := range stored.LifetimeData.ProcessingStatus {
		if e.LastKnownHeartbeat != nil {
			heartbeats++
		}
	}
	assert.Equal(t, 1, heartbeats, "the losing write is not merged")
}

// ============================================================================
// ApplyLeases
// ============================================================================

func TestApplyLeases(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, draftJob("wg-1", 1, 1))
	require.NoError(t, err)

	alloc := lease.Allocate(job, []types.Agent{{ID: "b"}, {ID: "a"}, {ID: "c"}})
	leased, err := m.ApplyLeases(ctx, job, alloc)
	require.NoError(t, err)

	assert.Equal(t, types.ModeActive, leased.LifetimeData.ProcessingStatus["a"].ProcessMode)
	assert.Equal(t, types.ModePassive, leased.LifetimeData.ProcessingStatus["b"].ProcessMode)
	assert.Equal(t, clock.Now(), leased.LifetimeData.ProcessingStatus["a"].LeaseGrantedAt)
	assert.NotContains(t, leased.LifetimeData.ProcessingStatus, "c")

	again, err := m.ApplyLeases(ctx, leased, lease.Allocate(leased, []types.Agent{{ID: "b"}, {ID: "a"}, {ID: "c"}}))
	require.NoError(t, err)
	assert.Equal(t, leased.GenerationID, again.GenerationID, "unchanged allocation does not write")

	_, err = m.ApplyLeases(ctx, job, alloc)
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)
}

// ============================================================================
// DeleteJob
// ============================================================================

func TestDeleteJob(t *testing.T) {
	hook := &recordingHook{failOn: map[string]error{hookDeleting: errors.New("twin teardown failed")}}
	m, store, _ := newTestManager(t, hook)
	ctx := context.Background()

	_, err := m.CreateJob(ctx, draftJob("wg-1", 1, 0))
	require.NoError(t, err)

	require.NoError(t, m.DeleteJob(ctx, "wg-1"), "hook failure must not stop deletion")
	assert.Equal(t, []string{hookCreating, hookCreated, hookDeleting, hookDeleted}, hook.Calls())
	assert.Equal(t, 0, store.Len())

	_, err = m.GetJob(ctx, "wg-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, m.DeleteJob(ctx, "wg-1"), types.ErrNotFound)
}

func TestDeleteJobAlreadyMarkedDeleted(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, draftJob("wg-1", 1, 0))
	require.NoError(t, err)
	job.LifetimeData.Status = types.StatusDeleted
	_, err = store.Put(ctx, job, job.GenerationID)
	require.NoError(t, err)

	require.NoError(t, m.DeleteJob(ctx, "wg-1"))
	assert.Equal(t, 0, store.Len())
}

// ============================================================================
// Staleness
// ============================================================================

func TestComputeStaleAgents(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	staleAfter := 15 * time.Minute
	ts := func(d time.Duration) *time.Time {
		v := now.Add(-d)
		return &v
	}

	job := types.Job{LifetimeData: types.JobLifetimeData{ProcessingStatus: map[string]types.ProcessingStatusEntry{
		"fresh":        {LastKnownHeartbeat: ts(time.Minute), LeaseGrantedAt: now.Add(-time.Hour)},
		"edge":         {LastKnownHeartbeat: ts(staleAfter), LeaseGrantedAt: now.Add(-time.Hour)},
		"stale":        {LastKnownHeartbeat: ts(staleAfter + time.Millisecond), LeaseGrantedAt: now.Add(-time.Hour)},
		"never-old":    {LeaseGrantedAt: now.Add(-staleAfter - time.Second)},
		"never-recent": {LeaseGrantedAt: now.Add(-time.Second)},
	}}}

	assert.Equal(t, []string{"never-old", "stale"}, ComputeStaleAgents(job, now, staleAfter))
}

func TestEvictStaleAgents(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, draftJob("wg-1", 1, 1))
	require.NoError(t, err)
	job = grant(t, m, job, "a", types.ModeActive)

	same, evicted, err := m.EvictStaleAgents(ctx, "wg-1")
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.Equal(t, job.GenerationID, same.GenerationID, "no write when nothing is stale")

	clock.Advance(10 * time.Minute)
	grant(t, m, same, "b", types.ModePassive)

	clock.Advance(6 * time.Minute)
	after, evicted, err := m.EvictStaleAgents(ctx, "wg-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, evicted)
	assert.NotContains(t, after.LifetimeData.ProcessingStatus, "a")
	assert.Contains(t, after.LifetimeData.ProcessingStatus, "b")

	// The evicted active slot is reclaimable.
	alloc := lease.Allocate(after, []types.Agent{{ID: "c"}})
	assert.Equal(t, []string{"b"}, alloc.Active)
	assert.Equal(t, []string{"c"}, alloc.Passive)
}

// ============================================================================
// RetryProvisioning / ListJobs / RetryOnConflict
// ============================================================================

func TestRetryProvisioning(t *testing.T) {
	hook := &recordingHook{
		identity: []byte("id"),
		failOn:   map[string]error{hookCreating: errors.New("down")},
	}
	m, _, _ := newTestManager(t, hook)
	ctx := context.Background()

	job, err := m.CreateJob(ctx, draftJob("wg-1", 1, 0))
	require.NoError(t, err)
	require.NotEmpty(t, job.LifetimeData.ProvisioningError)

	_, err = m.RetryProvisioning(ctx, "wg-1")
	assert.ErrorIs(t, err, types.ErrHookFailure)

	hook.mu.Lock()
	hook.failOn = nil
	hook.mu.Unlock()

	fixed, err := m.RetryProvisioning(ctx, "wg-1")
	require.NoError(t, err)
	assert.Empty(t, fixed.LifetimeData.ProvisioningError)
	assert.Equal(t, append([]byte{0x01}, "id"...), fixed.JobConfiguration)

	again, err := m.RetryProvisioning(ctx, "wg-1")
	require.NoError(t, err)
	assert.Equal(t, fixed.GenerationID, again.GenerationID)
}

func TestListJobsDrainsPages(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < jobstore.DefaultPageSize+25; i++ {
		_, err := m.CreateJob(ctx, draftJob(fmt.Sprintf("wg-%03d", i), 1, 0))
		require.NoError(t, err)
	}

	jobs, err := m.ListJobs(ctx, jobstore.Filter{Status: types.StatusActive})
	require.NoError(t, err)
	assert.Len(t, jobs, jobstore.DefaultPageSize+25)

	page, err := m.QueryJobs(ctx, jobstore.Filter{}, jobstore.PageRequest{PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, page.Jobs, 10)
	assert.Equal(t, "wg-009", page.ContinuationToken)
}

func TestRetryOnConflict(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	calls := 0
	err := m.RetryOnConflict(ctx, func() error {
		calls++
		if calls < 3 {
			return jobstore.ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = m.RetryOnConflict(ctx, func() error {
		calls++
		return jobstore.ErrConflict
	})
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)
	assert.Equal(t, DefaultConflictRetries, calls)

	calls = 0
	err = m.RetryOnConflict(ctx, func() error {
		calls++
		return jobstore.ErrJobNotFound
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, 1, calls, "other errors are not retried")
}
