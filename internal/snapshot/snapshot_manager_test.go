package snapshot

// ============================================================================
// Snapshot manager tests: atomic writes, loading, version checks, legacy
// migration and error handling
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edge-orchestrator/internal/jobstore"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

func testJob(id string) types.Job {
	return types.Job{
		ID:               id,
		Name:             "writer group " + id,
		GenerationID:     types.GenerationID("gen-" + id),
		JobConfiguration: []byte{0xa1, 0x01},
		Demands:          []types.Demand{{Key: "os", Operator: types.OpEquals, Value: "linux"}},
		RedundancyConfig: types.RedundancyConfig{DesiredActiveAgents: 1, DesiredPassiveAgents: 1},
		LifetimeData: types.JobLifetimeData{
			Created: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Updated: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Status:  types.StatusActive,
		},
	}
}

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	manager := NewManager(snapshotPath)

	original := jobstore.SnapshotData{
		Jobs: map[string]types.Job{
			"wg-1": testJob("wg-1"),
			"wg-2": testJob("wg-2"),
		},
	}

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, jobstore.SchemaVersion, loaded.SchemaVer)
	require.Len(t, loaded.Jobs, 2)
	for id, want := range original.Jobs {
		got, ok := loaded.Jobs[id]
		require.True(t, ok, "job %s should exist", id)
		assert.Equal(t, want.GenerationID, got.GenerationID)
		assert.Equal(t, want.JobConfiguration, got.JobConfiguration)
		assert.Equal(t, want.Demands, got.Demands)
		assert.Equal(t, want.RedundancyConfig, got.RedundancyConfig)
		assert.True(t, want.LifetimeData.Created.Equal(got.LifetimeData.Created))
	}
}

func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(jobstore.SnapshotData{Jobs: map[string]types.Job{"old": testJob("old")}}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(jobstore.SnapshotData{Jobs: map[string]types.Job{"new": testJob("new")}}))
	}()

	var loaded jobstore.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()
	wg.Wait()

	// Either the old or the new snapshot, never a half written file.
	_, hasOld := loaded.Jobs["old"]
	_, hasNew := loaded.Jobs["new"]
	assert.True(t, hasOld != hasNew)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after write")
}

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, jobstore.SchemaVersion, loaded.SchemaVer)
	assert.NotNil(t, loaded.Jobs)
	assert.Empty(t, loaded.Jobs)
	assert.False(t, manager.Exists())
}

func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"schema_ver": 7, "jobs": {}}`), 0644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"schema_ver": 2, "jobs": {`), 0644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing-dir", "jobs.json"))
	err := manager.Write(jobstore.SnapshotData{})
	assert.Error(t, err)
}

func TestLegacyMigration(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	legacy := `{
  "schema_ver": 1,
  "jobs": {
    "wg-legacy": {
      "name": "line 4",
      "configuration": "oQE=",
      "demands": [
        {"key": "site", "operator": "Match", "value": "plant-.*"},
        {"key": "gpu", "operator": "Exists", "value": "false"}
      ],
      "redundancy": {"active_agents": 2, "passive_agents": 1},
      "status": "Active",
      "created_at": 1767322800000,
      "updated_at": 1767322860000
    }
  }
}`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(legacy), 0644))

	loaded, err := NewManager(snapshotPath).Load()
	require.NoError(t, err)
	require.Contains(t, loaded.Jobs, "wg-legacy")

	job := loaded.Jobs["wg-legacy"]
	assert.Equal(t, "wg-legacy", job.ID)
	assert.Equal(t, "line 4", job.Name)
	assert.Equal(t, []byte{0xa1, 0x01}, job.JobConfiguration)
	assert.Equal(t, []types.Demand{
		{Key: "site", Operator: types.OpMatch, Value: "plant-.*"},
		{Key: "gpu", Operator: types.OpExists, Value: "false"},
	}, job.Demands)
	assert.Equal(t, types.RedundancyConfig{DesiredActiveAgents: 2, DesiredPassiveAgents: 1}, job.RedundancyConfig)
	assert.Equal(t, types.StatusActive, job.LifetimeData.Status)
	assert.Equal(t, int64(1767322800000), job.LifetimeData.Created.UnixMilli())
	assert.Empty(t, job.LifetimeData.ProcessingStatus)
}

func TestLegacyMigrationUnknownOperator(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	legacy := `{"schema_ver": 1, "jobs": {"a": {"demands": [{"key": "k", "operator": "Between"}]}}}`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(legacy), 0644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteWithBackup(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(filepath.Join(dir, "jobs.json"))

	require.NoError(t, manager.Write(jobstore.SnapshotData{Jobs: map[string]types.Job{"a": testJob("a")}}))
	require.NoError(t, manager.WriteWithBackup(jobstore.SnapshotData{Jobs: map[string]types.Job{"b": testJob("b")}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "snapshot plus one backup")

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Contains(t, loaded.Jobs, "b")
}

func TestRestoreIntoMemoryStore(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "jobs.json"))

	src := jobstore.NewMemoryStore()
	for i := 0; i < 50; i++ {
		job := testJob(fmt.Sprintf("wg-%02d", i))
		job.GenerationID = ""
		_, err := src.Put(context.Background(), job, "")
		require.NoError(t, err)
	}
	require.NoError(t, manager.Write(src.Snapshot()))

	loaded, err := manager.Load()
	require.NoError(t, err)

	dst := jobstore.NewMemoryStore()
	dst.Restore(loaded)
	assert.Equal(t, 50, dst.Len())

	before, err := src.Get(context.Background(), "wg-07")
	require.NoError(t, err)
	after, err := dst.Get(context.Background(), "wg-07")
	require.NoError(t, err)
	assert.Equal(t, before.GenerationID, after.GenerationID, "generation tokens survive a restart")
}
