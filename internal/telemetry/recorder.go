package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"comfyrun/internal/detector"
	"comfyrun/internal/fileutil"
	"comfyrun/internal/logging"
	"comfyrun/internal/services"
)

const (
	TelemetryFile = "telemetry.json"
	PollsFile     = "polls.json"
	RunFile       = "run.json"
	FramesDir     = "frames"
)

// Attempt is everything persisted for one finished attempt.
type Attempt struct {
	RunID            string                `json:"runId"`
	JobID            string                `json:"jobId"`
	Number           int                   `json:"attempt"`
	PromptID         string                `json:"promptId,omitempty"`
	Prefix           string                `json:"prefix"`
	FrameCount       int                   `json:"frameCount"`
	Success          bool                  `json:"success"`
	MeetsFloor       bool                  `json:"meetsFloor"`
	RequeueRequested bool                  `json:"requeueRequested"`
	TerminalFailed   bool                  `json:"terminalFailed"`
	Record           Record                `json:"telemetry"`
	Polls            []detector.PollRecord `json:"-"`
}

// Sink is a best-effort secondary destination for attempts.
type Sink interface {
	Name() string
	Publish(ctx context.Context, attempt Attempt) error
}

// WriteError reports that a required telemetry file could not be written.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("persist telemetry %s: %v", e.Path, e.Err)
}

// Unwrap exposes both the persistence marker and the cause.
func (e *WriteError) Unwrap() []error {
	return []error{services.ErrPersistence, e.Err}
}

// AttemptDir is where an attempt's files live inside a run directory.
func AttemptDir(runDir, jobID string, attempt int) string {
	return filepath.Join(runDir, jobID, fmt.Sprintf("attempt-%02d", attempt))
}

// Recorder persists attempts under one run directory.
type Recorder struct {
	runDir string
	sinks  []Sink
	logger *slog.Logger
}

// NewRecorder writes into runDir and forwards to sinks after each write.
func NewRecorder(runDir string, logger *slog.Logger, sinks ...Sink) *Recorder {
	return &Recorder{
		runDir: runDir,
		sinks:  sinks,
		logger: logging.NewComponentLogger(logger, "telemetry"),
	}
}

// RunDir returns the run directory.
func (r *Recorder) RunDir() string {
	return r.runDir
}

// Persist writes telemetry.json and polls.json for attempt, then rewrites
// run.json from aggregate. Secondary sinks run only after the required files
// are on disk and their failures are logged, not returned.
func (r *Recorder) Persist(ctx context.Context, attempt Attempt, aggregate any) error {
	dir := AttemptDir(r.runDir, attempt.JobID, attempt.Number)
	polls := attempt.Polls
	if polls == nil {
		polls = []detector.PollRecord{}
	}
	record := attempt.Record
	if record.FallbackNotes == nil {
		record.FallbackNotes = []string{}
	}

	writes := []struct {
		path  string
		value any
	}{
		{filepath.Join(dir, TelemetryFile), record},
		{filepath.Join(dir, PollsFile), polls},
	}
	for _, w := range writes {
		if err := fileutil.WriteJSONAtomic(w.path, w.value); err != nil {
			return &WriteError{Path: w.path, Err: err}
		}
	}
	if err := r.WriteAggregate(aggregate); err != nil {
		return err
	}

	r.logger.Debug("telemetry persisted",
		logging.String("path", dir),
		logging.String("exit_reason", string(record.HistoryExitReason)),
		logging.Int("frames", attempt.FrameCount),
		logging.String(logging.FieldEventType, "telemetry_persisted"),
	)

	for _, sink := range r.sinks {
		if err := sink.Publish(ctx, attempt); err != nil {
			logging.WarnWithContext(r.logger, "secondary telemetry sink failed", "telemetry_sink_failed",
				logging.String("sink", sink.Name()),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the sink's connection settings"),
				logging.String(logging.FieldImpact, "attempt missing from "+sink.Name()+"; telemetry.json is authoritative"),
			)
		}
	}
	return nil
}

// WriteAggregate rewrites run.json.
func (r *Recorder) WriteAggregate(aggregate any) error {
	if aggregate == nil {
		return nil
	}
	path := filepath.Join(r.runDir, RunFile)
	if err := fileutil.WriteJSONAtomic(path, aggregate); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

// ReadRecord loads a persisted record.
func ReadRecord(path string) (Record, error) {
	var rec Record
	if err := fileutil.ReadJSON(path, &rec); err != nil {
		return Record{}, err
	}
	if rec.FallbackNotes == nil {
		rec.FallbackNotes = []string{}
	}
	return rec, nil
}
