// ============================================================================
// Job Store
// ============================================================================
//
// Package: internal/jobstore
// File: store.go
// Purpose: Persistence boundary for Job documents with optimistic concurrency.
//
// Every persisted mutation issues a new GenerationID. Writers must present the
// last GenerationID they observed; a mismatch is rejected with
// ErrConcurrencyConflict and never merged.
//
// Implementations:
//   - MemoryStore:    in-process map, persisted through SnapshotManager
//   - JournaledStore: MemoryStore plus a write-ahead log (internal/storage/wal)
//   - SQLStore:       sqlx over SQLite (modernc) or Postgres (lib/pq)
//
// ============================================================================

package jobstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

var (
	// ErrJobNotFound is returned when no job with the requested id exists.
	ErrJobNotFound = fmt.Errorf("job %w", types.ErrNotFound)
	// ErrConflict is returned when the expected generation does not match.
	ErrConflict = fmt.Errorf("job store: %w", types.ErrConcurrencyConflict)
)

// DefaultPageSize is used when a PageRequest does not set a size.
const DefaultPageSize = 100

// Store persists jobs keyed by id.
type Store interface {
	// Get returns the job with its current GenerationID set.
	Get(ctx context.Context, id string) (types.Job, error)

	// Put writes job if the stored generation equals expected. An empty
	// expected generation means create: the id must not exist yet.
	// Returns the new generation.
	Put(ctx context.Context, job types.Job, expected types.GenerationID) (types.GenerationID, error)

	// Delete removes the job if the stored generation equals expected.
	Delete(ctx context.Context, id string, expected types.GenerationID) error

	// Query returns one page of jobs ordered by id.
	Query(ctx context.Context, filter Filter, page PageRequest) (Page, error)
}

// Filter narrows a query. Empty fields match everything.
type Filter struct {
	Name   string
	Status types.JobStatus
}

// Matches reports whether job passes the filter.
func (f Filter) Matches(job types.Job) bool {
	if f.Name != "" && job.Name != f.Name {
		return false
	}
	if f.Status != "" && job.LifetimeData.Status != f.Status {
		return false
	}
	return true
}

// PageRequest selects a page. ContinuationToken is the value returned by the
// previous page; empty starts from the beginning.
type PageRequest struct {
	ContinuationToken string
	PageSize          int
}

func (p PageRequest) size() int {
	if p.PageSize <= 0 {
		return DefaultPageSize
	}
	return p.PageSize
}

// Page is one page of query results. An empty ContinuationToken means there
// are no further pages.
type Page struct {
	Jobs              []types.Job
	ContinuationToken string
}

func newGeneration() types.GenerationID {
	return types.GenerationID(uuid.NewString())
}
