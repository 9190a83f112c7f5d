package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("job not found")

// Terminal job statuses. Anything else is interrupted work after a restart.
const (
	StatusDone  = "done"
	StatusError = "error"
)

// Job is one persisted analysis job. OutputText and ReportJSON stay empty
// until the job reaches a terminal status.
type Job struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename"`
	HostPath    string     `json:"-"`
	ArtifactDir string     `json:"-"`
	Language    string     `json:"language,omitempty"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message,omitempty"`
	OutputText  string     `json:"output_text,omitempty"`
	Error       string     `json:"error,omitempty"`
	ReportJSON  string     `json:"-"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func (j *Job) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusError
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	filename     TEXT NOT NULL,
	host_path    TEXT NOT NULL,
	artifact_dir TEXT NOT NULL DEFAULT '',
	language     TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'queued',
	progress     INTEGER NOT NULL DEFAULT 0,
	message      TEXT NOT NULL DEFAULT '',
	output_text  TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	report_json  TEXT NOT NULL DEFAULT '',
	submitted_at DATETIME NOT NULL,
	started_at   DATETIME,
	finished_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer.
const DefaultMaxOpenConns = 4

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection. PRAGMAs in the DSN are applied
// per-connection by the driver.
func dsnWithPragmas(dbPath string) string {
	// busy_timeout: 15s wait on lock (status polling + worker + janitor overlap)
	// journal_mode=WAL: concurrent reads during writes
	// synchronous=NORMAL: safe in WAL, much faster writes than FULL
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size
// (0 = default 4).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateJob(job *Job) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO jobs (id, filename, host_path, artifact_dir, language, status, progress, message, submitted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Filename, job.HostPath, job.ArtifactDir, job.Language,
			job.Status, job.Progress, job.Message, job.SubmittedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

const jobColumns = `id, filename, host_path, artifact_dir, language, status, progress,
	message, output_text, error, report_json, submitted_at, started_at, finished_at`

func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *Store) ListJobs(limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs ORDER BY submitted_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListUnfinished returns jobs not yet in a terminal status, for startup
// reconciliation after a crash or restart.
func (s *Store) ListUnfinished() ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status NOT IN (?, ?) ORDER BY submitted_at`,
		StatusDone, StatusError,
	)
	if err != nil {
		return nil, fmt.Errorf("listing unfinished jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListFinishedBefore returns terminal jobs whose finished_at is older than
// cutoff, candidates for retention cleanup.
func (s *Store) ListFinishedBefore(cutoff time.Time) ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at <= ?`,
		StatusDone, StatusError, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing finished jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Store) UpdateProgress(id, status string, progress int, message string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE jobs SET status = ?, progress = ?, message = ? WHERE id = ?`,
			status, progress, message, id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating job progress: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) MarkStarted(id, language string, startedAt time.Time) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE jobs SET language = ?, started_at = ? WHERE id = ?`,
			language, startedAt.UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("marking job started: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) MarkDone(id, outputText, reportJSON string, finishedAt time.Time) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE jobs SET status = ?, progress = 100, message = 'analysis completed',
			 output_text = ?, report_json = ?, finished_at = ? WHERE id = ?`,
			StatusDone, outputText, reportJSON, finishedAt.UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("marking job done: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) MarkError(id, reason string, finishedAt time.Time) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE jobs SET status = ?, message = ?, error = ?, finished_at = ? WHERE id = ?`,
			StatusError, reason, reason, finishedAt.UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("marking job errored: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) DeleteJob(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	return checkRowAffected(result, id)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*Job, error) {
	var job Job
	var started, finished sql.NullTime
	err := row.Scan(
		&job.ID, &job.Filename, &job.HostPath, &job.ArtifactDir, &job.Language,
		&job.Status, &job.Progress, &job.Message, &job.OutputText, &job.Error,
		&job.ReportJSON, &job.SubmittedAt, &started, &finished,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return jobs, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
