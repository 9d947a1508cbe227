package workflow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"comfyrun/internal/artifacts"
	"comfyrun/internal/config"
	"comfyrun/internal/detector"
	"comfyrun/internal/gpu"
	"comfyrun/internal/history"
	"comfyrun/internal/job"
	"comfyrun/internal/logging"
	"comfyrun/internal/metrics"
	"comfyrun/internal/notifications"
	"comfyrun/internal/services"
	"comfyrun/internal/telemetry"
)

// finalScanTimeout bounds the work done after cancellation.
const finalScanTimeout = 15 * time.Second

// Submitter queues one job definition.
type Submitter interface {
	Submit(ctx context.Context, def job.Definition) (job.Handle, error)
}

// Interrupter stops whatever the compute service is executing.
type Interrupter interface {
	Interrupt(ctx context.Context) error
}

// Snapshotter samples GPU state.
type Snapshotter interface {
	Snapshot(ctx context.Context, label string) gpu.Snapshot
}

// ArtifactCollector sweeps stale outputs and gathers fresh ones.
type ArtifactCollector interface {
	Cleanup(prefix string) artifacts.CleanupResult
	Collect(ctx context.Context, prefix, dest string) (artifacts.Collection, error)
}

// RunTracker records run lifecycle rows.
type RunTracker interface {
	StartRun(ctx context.Context, runID, manifest string, startedAt time.Time) error
	FinishRun(ctx context.Context, run history.Run) error
}

// Deps are the collaborators a Runner drives. Submitter, Status, GPU and
// Artifacts are required; the rest may be nil.
type Deps struct {
	Submitter   Submitter
	Status      detector.StatusSource
	Interrupter Interrupter
	GPU         Snapshotter
	Artifacts   ArtifactCollector
	Notifier    notifications.Service
	History     RunTracker
	Sinks       []telemetry.Sink
}

// Runner executes job batches. It holds no global state; every collaborator
// arrives through Deps.
type Runner struct {
	cfg    *config.Config
	deps   Deps
	policy detector.Policy
	clock  detector.Clock
	runID  string
	logger *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock drives the detector and timestamps from clock.
func WithClock(clock detector.Clock) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRunID fixes the identifier of the next run instead of deriving it
// from the clock.
func WithRunID(id string) Option {
	return func(r *Runner) {
		r.runID = strings.TrimSpace(id)
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner validates deps and builds a Runner.
func NewRunner(cfg *config.Config, deps Deps, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("runner requires config")
	}
	if deps.Submitter == nil || deps.Status == nil || deps.GPU == nil || deps.Artifacts == nil {
		return nil, errors.New("runner requires submitter, status source, gpu collector, and artifact collector")
	}
	r := &Runner{
		cfg:    cfg,
		deps:   deps,
		policy: detector.PolicyFromConfig(cfg.Detection),
		clock:  detector.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.NewComponentLogger(r.logger, "workflow")
	return r, nil
}

// runState is everything scoped to a single Run call.
type runState struct {
	id        string
	dir       string
	aggregate *RunAggregate
	recorder  *telemetry.Recorder
	metrics   *metrics.Run
	logger    *slog.Logger
}

// Run executes defs in order and returns the run aggregate. The aggregate is
// returned even when err is non-nil. A telemetry write failure aborts the run
// with a *telemetry.WriteError; cancellation finishes the current attempt's
// bookkeeping and returns ctx.Err().
func (r *Runner) Run(ctx context.Context, defs []job.Definition, source string) (*RunAggregate, error) {
	lock, err := acquireRunLock(r.cfg.Paths.RunsDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.release(); err != nil {
			r.logger.Warn("failed to release run lock", logging.String("lock", lock.path), logging.Error(err))
		}
	}()

	run, err := r.openRun(source)
	if err != nil {
		return nil, err
	}
	ctx = services.WithRunID(ctx, run.id)
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, run.logger)

	logger.Info("run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.Int("jobs", len(defs)),
		logging.String("run_dir", run.dir),
		logging.String("source", source),
	)
	r.trackStart(ctx, run, source)
	r.notify(ctx, notifications.EventRunStarted, notifications.Payload{"runId": run.id, "jobs": len(defs)})
	if err := run.recorder.WriteAggregate(run.aggregate); err != nil {
		_ = r.finishRun(ctx, run, RunAborted)
		return run.aggregate, err
	}

	status := RunCompleted
	var runErr error
	for _, def := range defs {
		if ctx.Err() != nil {
			status = RunCancelled
			runErr = ctx.Err()
			break
		}
		if err := r.runJob(ctx, run, def); err != nil {
			status = RunAborted
			runErr = err
			break
		}
	}
	if runErr == nil && ctx.Err() != nil {
		status = RunCancelled
		runErr = ctx.Err()
	}

	if err := r.finishRun(ctx, run, status); err != nil && runErr == nil {
		runErr = err
	}
	return run.aggregate, runErr
}

func (r *Runner) openRun(source string) (*runState, error) {
	startedAt := r.clock.Now()
	id := r.runID
	if id == "" {
		id = NewRunID(startedAt)
	}
	dir := filepath.Join(r.cfg.Paths.RunsDir, id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return nil, services.Wrap(services.ErrPersistence, "workflow", "create run directory", dir, err)
		}
		id = id + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
		dir = filepath.Join(r.cfg.Paths.RunsDir, id)
		if err := os.Mkdir(dir, 0o755); err != nil {
			return nil, services.Wrap(services.ErrPersistence, "workflow", "create run directory", dir, err)
		}
	}

	logger := r.logger.With(logging.String(logging.FieldRunID, id))
	var m *metrics.Run
	if r.cfg.Metrics.Textfile {
		m = metrics.NewRun(id)
	}
	return &runState{
		id:        id,
		dir:       dir,
		aggregate: newRunAggregate(id, source, startedAt),
		recorder:  telemetry.NewRecorder(dir, logger, r.deps.Sinks...),
		metrics:   m,
		logger:    logger,
	}, nil
}

func (r *Runner) finishRun(ctx context.Context, run *runState, status RunStatus) error {
	run.aggregate.finish(status, r.clock.Now())
	writeErr := run.recorder.WriteAggregate(run.aggregate)
	if writeErr != nil {
		logging.ErrorWithContext(run.logger, "run aggregate write failed", "run_aggregate_failed",
			logging.Error(writeErr),
			logging.String(logging.FieldErrorHint, "check free space and permissions on the runs directory"),
		)
	}

	if run.metrics != nil {
		path := filepath.Join(run.dir, metrics.TextfileName)
		if err := run.metrics.WriteTextfile(path); err != nil {
			logging.WarnWithContext(run.logger, "metrics textfile write failed", "metrics_write_failed",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldImpact, "run metrics unavailable for this run"),
			)
		}
	}

	bg := context.WithoutCancel(ctx)
	if r.deps.History != nil {
		s := run.aggregate.Summary
		if err := r.deps.History.FinishRun(bg, history.Run{
			RunID:      run.id,
			FinishedAt: run.aggregate.FinishedAt,
			Status:     string(status),
			Jobs:       s.Jobs,
			Clean:      s.Clean,
			BelowFloor: s.BelowFloor,
			Failed:     s.Failed,
		}); err != nil {
			logging.WarnWithContext(run.logger, "history run update failed", "history_write_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "run row stays in running state; run.json is authoritative"),
			)
		}
	}

	s := run.aggregate.Summary
	var elapsed time.Duration
	if run.aggregate.FinishedAt != nil {
		elapsed = run.aggregate.FinishedAt.Sub(run.aggregate.StartedAt)
	}
	run.logger.Info("run finished",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.String("status", string(status)),
		logging.Int("jobs", s.Jobs),
		logging.Int("clean", s.Clean),
		logging.Int("below_floor", s.BelowFloor),
		logging.Int("failed", s.Failed),
		logging.Int("attempts", s.Attempts),
		logging.Int("frames", s.Frames),
		logging.Duration("elapsed", elapsed),
	)
	r.notify(bg, notifications.EventRunCompleted, notifications.Payload{
		"runId":      run.id,
		"clean":      s.Clean,
		"belowFloor": s.BelowFloor,
		"failed":     s.Failed,
		"duration":   elapsed,
	})
	return writeErr
}

func (r *Runner) trackStart(ctx context.Context, run *runState, source string) {
	if r.deps.History == nil {
		return
	}
	if err := r.deps.History.StartRun(ctx, run.id, source, run.aggregate.StartedAt); err != nil {
		logging.WarnWithContext(run.logger, "history run insert failed", "history_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the history database path"),
			logging.String(logging.FieldImpact, "run missing from comfyrun history"),
		)
	}
}

// RunDirFor returns where a run's records live.
func RunDirFor(cfg *config.Config, runID string) string {
	return filepath.Join(cfg.Paths.RunsDir, runID)
}
