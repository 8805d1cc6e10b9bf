package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize the in-memory job store to a JSON snapshot file
// 2. Atomic writes (temp file + rename) so a crash never leaves half a file
// 3. Validate the schema version on load
// 4. Translate legacy (schema 1) job documents into the current shape
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/edge-orchestrator/internal/jobstore"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager reads and writes job store snapshots.
type Manager struct {
	path string     // snapshot file path
	mu   sync.Mutex // serializes file operations
}

// NewManager creates a snapshot manager for path.
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write atomically replaces the snapshot file with data.
//
// Flow:
//  1. write to <path>.tmp
//  2. os.Rename over the original
func (m *Manager) Write(data jobstore.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = jobstore.SchemaVersion

	// Indented for humans debugging a stuck placement.
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load reads the snapshot.
//
// Behavior:
//   - a missing file yields an empty snapshot (first boot)
//   - schema 1 documents are migrated to the current schema
//   - any other version returns ErrIncompatibleVersion
func (m *Manager) Load() (jobstore.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	empty := jobstore.SnapshotData{
		Jobs:      make(map[string]types.Job),
		SchemaVer: jobstore.SchemaVersion,
	}

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return empty, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var header struct {
		SchemaVer int `json:"schema_ver"`
	}
	if err := json.Unmarshal(jsonBytes, &header); err != nil {
		return empty, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	var data jobstore.SnapshotData
	switch header.SchemaVer {
	case jobstore.SchemaVersion:
		if err := json.Unmarshal(jsonBytes, &data); err != nil {
			return empty, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
		}
	case legacySchemaVersion:
		data, err = migrateLegacy(jsonBytes)
		if err != nil {
			return empty, err
		}
	default:
		return empty, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, header.SchemaVer, jobstore.SchemaVersion)
	}

	if data.Jobs == nil {
		data.Jobs = make(map[string]types.Job)
	}
	return data, nil
}

// Exists reports whether the snapshot file exists.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot file path.
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup renames the current snapshot to a timestamped backup before
// writing data.
func (m *Manager) WriteWithBackup(data jobstore.SnapshotData) error {
	m.mu.Lock()
	if m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405"))
		if err := os.Rename(m.path, backupPath); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}
	m.mu.Unlock()

	return m.Write(data)
}
