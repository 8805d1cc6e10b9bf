package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	generation_id TEXT NOT NULL,
	document TEXT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_name ON jobs(name);
`

// SQLStore persists one row per job. The full job is kept as a JSON document;
// name, status and generation are duplicated into columns for filtering and
// compare-and-swap.
type SQLStore struct {
	db *sqlx.DB
}

type jobRow struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	Status       string `db:"status"`
	GenerationID string `db:"generation_id"`
	Document     string `db:"document"`
	UpdatedAt    int64  `db:"updated_at"`
}

// OpenSQL connects to driver/dsn and creates the schema if needed.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported job store driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s job store: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
			db.Close()
			return nil, err
		}
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
			db.Close()
			return nil, err
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create job store schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (types.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Job{}, ErrJobNotFound
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	return row.job()
}

// Put implements Store.
func (s *SQLStore) Put(ctx context.Context, job types.Job, expected types.GenerationID) (types.GenerationID, error) {
	gen := newGeneration()
	job.GenerationID = gen
	doc, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	now := time.Now().UnixMilli()

	var res sql.Result
	if expected == "" {
		res, err = s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO jobs (id, name, status, generation_id, document, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`),
			job.ID, job.Name, string(job.LifetimeData.Status), string(gen), string(doc), now)
	} else {
		res, err = s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE jobs
			 SET name = ?, status = ?, generation_id = ?, document = ?, updated_at = ?
			 WHERE id = ? AND generation_id = ?`),
			job.Name, string(job.LifetimeData.Status), string(gen), string(doc), now, job.ID, string(expected))
	}
	if err != nil {
		return "", fmt.Errorf("failed to write job %s: %w", job.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		if expected == "" {
			return "", ErrConflict
		}
		return "", s.missOrConflict(ctx, job.ID)
	}
	return gen, nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, id string, expected types.GenerationID) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM jobs WHERE id = ? AND generation_id = ?`), id, string(expected))
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// Query implements Store using keyset paging on id.
func (s *SQLStore) Query(ctx context.Context, filter Filter, page PageRequest) (Page, error) {
	size := page.size()

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT * FROM jobs
		 WHERE id > ?
		   AND (? = '' OR name = ?)
		   AND (? = '' OR status = ?)
		 ORDER BY id
		 LIMIT ?`),
		page.ContinuationToken,
		filter.Name, filter.Name,
		string(filter.Status), string(filter.Status),
		size+1)
	if err != nil {
		return Page{}, fmt.Errorf("failed to query jobs: %w", err)
	}

	var out Page
	for i, row := range rows {
		if i == size {
			out.ContinuationToken = rows[i-1].ID
			break
		}
		job, err := row.job()
		if err != nil {
			return Page{}, err
		}
		out.Jobs = append(out.Jobs, job)
	}
	return out, nil
}

func (s *SQLStore) missOrConflict(ctx context.Context, id string) error {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM jobs WHERE id = ?`), id); err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return ErrConflict
}

func (r jobRow) job() (types.Job, error) {
	var job types.Job
	if err := json.Unmarshal([]byte(r.Document), &job); err != nil {
		return types.Job{}, fmt.Errorf("job %s has a corrupt document: %w", r.ID, err)
	}
	job.ID = r.ID
	job.GenerationID = types.GenerationID(r.GenerationID)
	return job, nil
}
