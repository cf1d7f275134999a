package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store so job records survive restarts.
// Mutations are serialized with a mutex: the supervisor is single-node and
// per-job writes are rare next to process runtimes, so one writer at a time
// is plenty.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			name         TEXT NOT NULL DEFAULT '',
			program      TEXT NOT NULL,
			args         TEXT NOT NULL DEFAULT '[]',
			working_dir  TEXT NOT NULL DEFAULT '',
			output_dir   TEXT NOT NULL DEFAULT '',
			webhook_url  TEXT NOT NULL DEFAULT '',
			metadata     TEXT,
			state        TEXT NOT NULL DEFAULT 'pending',
			exit_code    INTEGER,
			result       TEXT,
			error        TEXT NOT NULL DEFAULT '',
			submitted_at DATETIME NOT NULL,
			started_at   DATETIME,
			finished_at  DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	`)
	return err
}

const jobColumns = `id, name, program, args, working_dir, output_dir, webhook_url,
	metadata, state, exit_code, result, error, submitted_at, started_at, finished_at`

func (s *SQLiteStore) Create(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(j)
}

func (s *SQLiteStore) insert(j *Job) error {
	args, err := json.Marshal(j.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO jobs
			(id, name, program, args, working_dir, output_dir, webhook_url,
			 metadata, state, exit_code, result, error, submitted_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID, j.Name, j.Program, string(args), j.WorkingDir, j.OutputDir, j.WebhookURL,
		encodeJSON(j.Metadata), string(j.State), nullableInt(j.ExitCode),
		encodeJSON(j.Result), j.Error, j.SubmittedAt.UTC(),
		nullableTime(j.StartedAt), nullableTime(j.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) Mutate(id string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	if err := fn(j); err != nil {
		return nil, err
	}

	args, err := json.Marshal(j.Args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE jobs SET
			name = ?, program = ?, args = ?, working_dir = ?, output_dir = ?,
			webhook_url = ?, metadata = ?, state = ?, exit_code = ?, result = ?,
			error = ?, submitted_at = ?, started_at = ?, finished_at = ?
		WHERE id = ?
	`,
		j.Name, j.Program, string(args), j.WorkingDir, j.OutputDir,
		j.WebhookURL, encodeJSON(j.Metadata), string(j.State), nullableInt(j.ExitCode),
		encodeJSON(j.Result), j.Error, j.SubmittedAt.UTC(),
		nullableTime(j.StartedAt), nullableTime(j.FinishedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) List(filter State) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY seq`
	queryArgs := []any{}
	if filter != "" {
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE state = ? ORDER BY seq`
		queryArgs = append(queryArgs, string(filter))
	}

	rows, err := s.db.Query(query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// RecoverInterrupted resolves records left over from a previous process:
// jobs found running are failed (their process died with the server), and
// pending jobs are returned in submission order for re-enqueueing.
func (s *SQLiteStore) RecoverInterrupted() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE jobs SET state = ?, error = ?, finished_at = ?
		WHERE state = ?
	`, string(StateFailed), "interrupted by server restart", now, string(StateRunning))
	if err != nil {
		return nil, fmt.Errorf("fail interrupted jobs: %w", err)
	}

	rows, err := s.db.Query(`SELECT id FROM jobs WHERE state = ? ORDER BY seq`, string(StatePending))
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*Job, error) {
	j := &Job{}
	var args string
	var metadata, result sql.NullString
	var exitCode sql.NullInt64
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.Name, &j.Program, &args, &j.WorkingDir, &j.OutputDir, &j.WebhookURL,
		&metadata, (*string)(&j.State), &exitCode, &result, &j.Error,
		&j.SubmittedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(args), &j.Args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if result.Valid {
		j.Result = &Result{}
		if err := json.Unmarshal([]byte(result.String), j.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return j, nil
}

func encodeJSON(v any) any {
	switch val := v.(type) {
	case map[string]string:
		if len(val) == 0 {
			return nil
		}
	case *Result:
		if val == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC()
}
