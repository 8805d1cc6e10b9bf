package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ChuLiYu/edge-orchestrator/internal/storage/wal"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// JournaledStore is a MemoryStore whose mutations are appended to a
// write-ahead log. Recovery is snapshot Restore followed by Recover; a
// Checkpoint writes a snapshot and truncates the log.
type JournaledStore struct {
	mu  sync.Mutex // serializes writes, their log records and checkpoints
	mem *MemoryStore
	log *wal.WAL
}

// NewJournaledStore journals mem to log.
func NewJournaledStore(mem *MemoryStore, log *wal.WAL) *JournaledStore {
	return &JournaledStore{mem: mem, log: log}
}

// Memory returns the underlying MemoryStore.
func (s *JournaledStore) Memory() *MemoryStore { return s.mem }

// Get implements Store.
func (s *JournaledStore) Get(ctx context.Context, id string) (types.Job, error) {
	return s.mem.Get(ctx, id)
}

// Query implements Store.
func (s *JournaledStore) Query(ctx context.Context, filter Filter, page PageRequest) (Page, error) {
	return s.mem.Query(ctx, filter, page)
}

// Put implements Store. The record is appended to the log before the write
// becomes visible; a failed append leaves the store unchanged.
func (s *JournaledStore) Put(ctx context.Context, job types.Job, expected types.GenerationID) (types.GenerationID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.checkPut(job.ID, expected); err != nil {
		return "", err
	}
	job = job.Clone()
	job.GenerationID = newGeneration()
	doc, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job %s for journal: %w", job.ID, err)
	}
	if _, err := s.log.Append(wal.EventPut, job.ID, doc); err != nil {
		return "", fmt.Errorf("failed to journal job %s: %w", job.ID, err)
	}
	s.mem.set(job)
	return job.GenerationID, nil
}

// Delete implements Store. Like Put, the record is logged first.
func (s *JournaledStore) Delete(ctx context.Context, id string, expected types.GenerationID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.checkDelete(id, expected); err != nil {
		return err
	}
	if _, err := s.log.Append(wal.EventDelete, id, nil); err != nil {
		return fmt.Errorf("failed to journal delete of job %s: %w", id, err)
	}
	s.mem.remove(id)
	return nil
}

// Recover replays the log on top of the current memory content and returns
// the number of applied events. Replaying an event already covered by the
// snapshot is harmless: PUT carries the whole document.
func (s *JournaledStore) Recover() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied int
	err := s.log.Replay(func(event wal.Event) error {
		switch event.Type {
		case wal.EventPut:
			var job types.Job
			if err := json.Unmarshal(event.Document, &job); err != nil {
				return fmt.Errorf("journal seq=%d: %w", event.Seq, err)
			}
			s.mem.set(job)
		case wal.EventDelete:
			s.mem.remove(event.JobID)
		default:
			return fmt.Errorf("journal seq=%d: unknown event type %q", event.Seq, event.Type)
		}
		applied++
		return nil
	})
	return applied, err
}

// Checkpoint hands a snapshot of the store to persist and truncates the log
// once persist succeeds. Writes wait for the checkpoint.
func (s *JournaledStore) Checkpoint(persist func(SnapshotData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := persist(s.mem.Snapshot()); err != nil {
		return err
	}
	return s.log.Rotate()
}

// Close closes the log.
func (s *JournaledStore) Close() error {
	return s.log.Close()
}
