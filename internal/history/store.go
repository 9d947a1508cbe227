package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"comfyrun/internal/telemetry"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by an incompatible
// version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// Store persists run and attempt summaries.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates or connects to the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	store := &Store{db: db, path: path, now: time.Now}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to rebuild)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunAborted   = "aborted"
)

// Run is one row of the runs table.
type Run struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Manifest   string
	Status     string
	Jobs       int
	Clean      int
	BelowFloor int
	Failed     int
}

// Attempt is one row of the attempts table.
type Attempt struct {
	RunID            string
	JobID            string
	Attempt          int
	PromptID         string
	Prefix           string
	ExitReason       string
	FrameCount       int
	Success          bool
	MeetsFloor       bool
	RequeueRequested bool
	TerminalFailed   bool
	DurationSeconds  float64
	VRAMDeltaMB      *float64
	Telemetry        telemetry.Record
	RecordedAt       time.Time
}

// StartRun inserts a running run row.
func (s *Store) StartRun(ctx context.Context, runID, manifest string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, manifest, status) VALUES (?, ?, ?, ?)`,
		runID, formatTime(startedAt), nullableString(manifest), RunRunning,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final status and outcome counts.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	finished := s.now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, jobs = ?, clean = ?, below_floor = ?, failed = ?
         WHERE run_id = ?`,
		formatTime(finished), run.Status, run.Jobs, run.Clean, run.BelowFloor, run.Failed, run.RunID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s: no such run", run.RunID)
	}
	return nil
}

// Name identifies the store as a telemetry sink.
func (s *Store) Name() string { return "history" }

// Publish upserts one attempt.
func (s *Store) Publish(ctx context.Context, a telemetry.Attempt) error {
	payload, err := json.Marshal(a.Record)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO attempts (
            run_id, job_id, attempt, prompt_id, prefix, exit_reason, frame_count,
            success, meets_floor, requeue_requested, terminal_failed,
            duration_seconds, vram_delta_mb, telemetry_json, recorded_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.JobID, a.Number, nullableString(a.PromptID), a.Prefix,
		string(a.Record.HistoryExitReason), a.FrameCount,
		boolToInt(a.Success), boolToInt(a.MeetsFloor), boolToInt(a.RequeueRequested), boolToInt(a.TerminalFailed),
		a.Record.DurationSeconds, nullableFloat(a.Record.GPU.VRAMDeltaMB), string(payload), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, started_at, finished_at, manifest, status, jobs, clean, below_floor, failed
         FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run      Run
			started  string
			finished sql.NullString
			manifest sql.NullString
		)
		if err := rows.Scan(&run.RunID, &started, &finished, &manifest, &run.Status,
			&run.Jobs, &run.Clean, &run.BelowFloor, &run.Failed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = parseTime(started)
		if finished.Valid {
			t := parseTime(finished.String)
			run.FinishedAt = &t
		}
		run.Manifest = manifest.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Attempts returns a run's attempts ordered by job and attempt number.
// jobID narrows the result when non-empty.
func (s *Store) Attempts(ctx context.Context, runID, jobID string) ([]Attempt, error) {
	query := `SELECT run_id, job_id, attempt, prompt_id, prefix, exit_reason, frame_count,
                success, meets_floor, requeue_requested, terminal_failed,
                duration_seconds, vram_delta_mb, telemetry_json, recorded_at
         FROM attempts WHERE run_id = ?`
	args := []any{runID}
	if jobID != "" {
		query += " AND job_id = ?"
		args = append(args, jobID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a                                     Attempt
			prompt                                sql.NullString
			delta                                 sql.NullFloat64
			payload, recorded                     string
			success, meets, requeue, terminalFail int
		)
		if err := rows.Scan(&a.RunID, &a.JobID, &a.Attempt, &prompt, &a.Prefix, &a.ExitReason, &a.FrameCount,
			&success, &meets, &requeue, &terminalFail, &a.DurationSeconds, &delta, &payload, &recorded); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.PromptID = prompt.String
		if delta.Valid {
			v := delta.Float64
			a.VRAMDeltaMB = &v
		}
		a.Success, a.MeetsFloor, a.RequeueRequested, a.TerminalFailed = success == 1, meets == 1, requeue == 1, terminalFail == 1
		if err := json.Unmarshal([]byte(payload), &a.Telemetry); err != nil {
			return nil, fmt.Errorf("decode telemetry for %s attempt %d: %w", a.JobID, a.Attempt, err)
		}
		a.RecordedAt = parseTime(recorded)
		out = append(out, a)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
