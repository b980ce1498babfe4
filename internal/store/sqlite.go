package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/agent-market/agentbuild/internal/model"
)

// maxResults bounds the terminal history kept per store.
const maxResults = 200

var ErrEmptyKey = errors.New("owner id and job id must be non-empty")

type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY
	// between concurrent pollers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS active_jobs_by_owner (
  owner_id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS job_meta (
  job_id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  display_name TEXT NOT NULL,
  started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS job_results (
  job_id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  display_name TEXT NOT NULL,
  state TEXT NOT NULL,
  artifact_url TEXT,
  error_message TEXT,
  started_at INTEGER NOT NULL,
  finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS job_results_owner_idx ON job_results (owner_id, finished_at);
`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Put(ctx context.Context, ownerID, jobID string) error {
	if ownerID == "" || jobID == "" {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_jobs_by_owner (owner_id, job_id, updated_at) VALUES (?, ?, ?)
         ON CONFLICT (owner_id) DO UPDATE SET job_id = excluded.job_id, updated_at = excluded.updated_at`,
		ownerID, jobID, time.Now().UnixMilli(),
	)
	return err
}

func (s *SQLite) GetAll(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT owner_id, job_id FROM active_jobs_by_owner`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var ownerID, jobID string
		if err := rows.Scan(&ownerID, &jobID); err != nil {
			return nil, err
		}
		out[ownerID] = jobID
	}
	return out, rows.Err()
}

func (s *SQLite) Remove(ctx context.Context, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM active_jobs_by_owner WHERE owner_id = ?`, ownerID)
	return err
}

// RemoveJob clears the owner's entry only while it still points at jobID, and
// drops the job's metadata.
func (s *SQLite) RemoveJob(ctx context.Context, ownerID, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM active_jobs_by_owner WHERE owner_id = ? AND job_id = ?`, ownerID, jobID,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_meta WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) PutMeta(ctx context.Context, jobID string, meta model.JobMeta) error {
	if jobID == "" || meta.OwnerID == "" {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_meta (job_id, owner_id, display_name, started_at) VALUES (?, ?, ?, ?)
         ON CONFLICT (job_id) DO UPDATE
           SET owner_id = excluded.owner_id,
               display_name = excluded.display_name,
               started_at = excluded.started_at`,
		jobID, meta.OwnerID, meta.DisplayName, meta.StartedAt.UnixMilli(),
	)
	return err
}

func (s *SQLite) GetMeta(ctx context.Context, jobID string) (model.JobMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT owner_id, display_name, started_at FROM job_meta WHERE job_id = ?`, jobID,
	)
	var (
		meta      model.JobMeta
		startedMs int64
	)
	if err := row.Scan(&meta.OwnerID, &meta.DisplayName, &startedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.JobMeta{}, model.ErrNotFound
		}
		return model.JobMeta{}, err
	}
	meta.StartedAt = time.UnixMilli(startedMs)
	return meta, nil
}

func (s *SQLite) RecordResult(ctx context.Context, res model.Result) error {
	if res.JobID == "" {
		return ErrEmptyKey
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO job_results (job_id, owner_id, display_name, state, artifact_url, error_message, started_at, finished_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (job_id) DO NOTHING`,
		res.JobID,
		res.OwnerID,
		res.DisplayName,
		string(res.State),
		nullableString(res.ArtifactURL),
		nullableString(res.ErrorMessage),
		res.StartedAt.UnixMilli(),
		res.FinishedAt.UnixMilli(),
	); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_results WHERE job_id NOT IN (
           SELECT job_id FROM job_results ORDER BY finished_at DESC LIMIT ?)`,
		maxResults,
	)
	return err
}

// ListResults returns the newest terminal results first. An empty ownerID
// lists every owner.
func (s *SQLite) ListResults(ctx context.Context, ownerID string, limit int) ([]model.Result, error) {
	if limit <= 0 {
		limit = 25
	}

	query := `SELECT job_id, owner_id, display_name, state, artifact_url, error_message, started_at, finished_at
       FROM job_results`
	args := []any{}
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY finished_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Result
	for rows.Next() {
		var (
			res                   model.Result
			state                 string
			artifactURL, errorMsg sql.NullString
			startedMs, finishedMs int64
		)
		if err := rows.Scan(&res.JobID, &res.OwnerID, &res.DisplayName, &state, &artifactURL, &errorMsg, &startedMs, &finishedMs); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		res.State = model.JobState(state)
		res.StartedAt = time.UnixMilli(startedMs)
		res.FinishedAt = time.UnixMilli(finishedMs)
		if artifactURL.Valid {
			res.ArtifactURL = artifactURL.String
		}
		if errorMsg.Valid {
			res.ErrorMessage = errorMsg.String
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
