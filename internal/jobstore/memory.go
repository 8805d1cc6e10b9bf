package jobstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// MemoryStore keeps jobs in a map guarded by a RWMutex. Jobs are deep copied
// on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]types.Job
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]types.Job),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, job types.Job, expected types.GenerationID) (types.GenerationID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.expectPut(job.ID, expected); err != nil {
		return "", err
	}

	stored := job.Clone()
	stored.GenerationID = newGeneration()
	s.jobs[job.ID] = stored
	return stored.GenerationID, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string, expected types.GenerationID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.expectDelete(id, expected); err != nil {
		return err
	}
	delete(s.jobs, id)
	return nil
}

// expectPut checks the generation precondition of a Put. Callers hold mu.
func (s *MemoryStore) expectPut(id string, expected types.GenerationID) error {
	current, exists := s.jobs[id]
	switch {
	case expected == "" && exists:
		return ErrConflict
	case expected != "" && !exists:
		return ErrJobNotFound
	case exists && current.GenerationID != expected:
		return ErrConflict
	}
	return nil
}

// expectDelete checks the generation precondition of a Delete. Callers hold
// mu.
func (s *MemoryStore) expectDelete(id string, expected types.GenerationID) error {
	current, exists := s.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if current.GenerationID != expected {
		return ErrConflict
	}
	return nil
}

// Query implements Store. The continuation token is the last id returned.
func (s *MemoryStore) Query(ctx context.Context, filter Filter, page PageRequest) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.jobs))
	for id, job := range s.jobs {
		if id > page.ContinuationToken && filter.Matches(job) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	size := page.size()
	var out Page
	for i, id := range ids {
		if i == size {
			out.ContinuationToken = ids[i-1]
			break
		}
		out.Jobs = append(out.Jobs, s.jobs[id].Clone())
	}
	return out, nil
}

// Len returns the number of stored jobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Snapshot returns a deep copy of all jobs for persistence.
func (s *MemoryStore) Snapshot() SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make(map[string]types.Job, len(s.jobs))
	for id, job := range s.jobs {
		jobs[id] = job.Clone()
	}
	return SnapshotData{Jobs: jobs, SchemaVer: SchemaVersion}
}

// Restore replaces the store content with data. Jobs without a generation get
// a fresh one.
func (s *MemoryStore) Restore(data SnapshotData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[string]types.Job, len(data.Jobs))
	for id, job := range data.Jobs {
		job = job.Clone()
		job.ID = id
		if job.GenerationID == "" {
			job.GenerationID = newGeneration()
		}
		s.jobs[id] = job
	}
}

// SchemaVersion is the current snapshot document version.
const SchemaVersion = 2

// SnapshotData is the persisted form of a MemoryStore.
type SnapshotData struct {
	Jobs      map[string]types.Job `json:"jobs"`
	SchemaVer int                  `json:"schema_ver"`
}

// set stores job as is, keeping its generation. Used by journal replay.
func (s *MemoryStore) set(job types.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
}

// checkPut runs the Put precondition without writing. Used by the journal,
// which serializes its own writes.
func (s *MemoryStore) checkPut(id string, expected types.GenerationID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expectPut(id, expected)
}

// checkDelete runs the Delete precondition without writing.
func (s *MemoryStore) checkDelete(id string, expected types.GenerationID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expectDelete(id, expected)
}

// remove deletes id unconditionally. Used by journal replay.
func (s *MemoryStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}
