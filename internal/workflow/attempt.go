package workflow

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"comfyrun/internal/artifacts"
	"comfyrun/internal/detector"
	"comfyrun/internal/donemarker"
	"comfyrun/internal/gpu"
	"comfyrun/internal/job"
	"comfyrun/internal/logging"
	"comfyrun/internal/metrics"
	"comfyrun/internal/notifications"
	"comfyrun/internal/retry"
	"comfyrun/internal/services"
	"comfyrun/internal/telemetry"
)

// runJob drives def until a clean attempt, a terminal failure, or
// cancellation. Only persistence failures are returned.
func (r *Runner) runJob(ctx context.Context, run *runState, def job.Definition) error {
	floor := def.FloorOr(r.cfg.Artifacts.FrameFloor)
	budget := retry.NewBudget(r.cfg.Retry.Budget)
	outcome := run.aggregate.startJob(def, floor, budget.Total())

	ctx = services.WithJobID(ctx, def.ID)
	logger := logging.WithContext(ctx, run.logger)
	logger.Info("job started",
		logging.String(logging.FieldEventType, "job_start"),
		logging.String("prefix", def.Prefix),
		logging.Int("frame_floor", floor),
		logging.Int("retry_budget", budget.Total()),
	)

	for attempt := 1; ; attempt++ {
		attemptCtx := services.WithAttempt(ctx, attempt)
		entry, decision, err := r.runAttempt(attemptCtx, run, def, attempt, floor, budget.Remaining())
		if err != nil {
			return err
		}
		outcome.Attempts = append(outcome.Attempts, entry)
		outcome.Outcome = Classify(entry.Result)
		requeued := entry.Result.RequeueRequested && budget.Requeue(logger, def.ID, attempt, decision)
		outcome.RemainingBudget = budget.Remaining()

		persistCtx := context.WithoutCancel(attemptCtx)
		if err := run.recorder.Persist(persistCtx, toTelemetryAttempt(run.id, def, entry), run.aggregate); err != nil {
			logging.ErrorWithContext(logger, "telemetry persistence failed; stopping run", "telemetry_write_failed",
				logging.Int(logging.FieldAttempt, attempt),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check free space and permissions on the runs directory"),
			)
			r.notify(persistCtx, notifications.EventError, notifications.Payload{
				"context": "telemetry for " + logging.FormatSubject(def.ID, strconv.Itoa(attempt), ""),
				"error":   err,
			})
			return err
		}

		run.metrics.ObserveAttempt(metrics.Attempt{
			ExitReason:      string(entry.Result.Telemetry.HistoryExitReason),
			Frames:          entry.Result.FrameCount,
			DurationSeconds: entry.Result.Telemetry.DurationSeconds,
			PollErrors:      failedPolls(entry.Polls),
			Requeued:        requeued,
			VRAMDeltaMB:     entry.Result.Telemetry.GPU.VRAMDeltaMB,
		})
		if !requeued {
			break
		}
	}

	r.finishJob(ctx, run, logger, outcome)
	return nil
}

func (r *Runner) finishJob(ctx context.Context, run *runState, logger *slog.Logger, outcome *JobOutcome) {
	last, _ := outcome.Last()
	run.metrics.ObserveJob(string(outcome.Outcome))
	attrs := append(logging.DecisionAttrs("job_outcome", string(outcome.Outcome), string(last.Result.Reason)),
		logging.String(logging.FieldEventType, "job_complete"),
		logging.Int("attempts", len(outcome.Attempts)),
		logging.Int("frames", last.Result.FrameCount),
		logging.String("exit_reason", string(last.Result.Telemetry.HistoryExitReason)),
		logging.Int("remaining_budget", outcome.RemainingBudget),
	)
	if outcome.Outcome == OutcomeClean {
		logger.Info("job finished", logging.Args(attrs...)...)
		return
	}
	logging.WarnWithContext(logger, "job finished without a clean outcome", "job_complete", append(attrs,
		logging.String(logging.FieldErrorHint, "inspect the attempt telemetry under the run directory"),
		logging.String(logging.FieldImpact, "job output is incomplete"),
	)...)
	if last.Result.TerminalFailed && ctx.Err() == nil {
		r.notify(ctx, notifications.EventJobFailed, notifications.Payload{
			"jobId":      outcome.JobID,
			"attempts":   len(outcome.Attempts),
			"exitReason": string(last.Result.Telemetry.HistoryExitReason),
			"frames":     last.Result.FrameCount,
		})
	}
}

// runAttempt performs one full cycle: GPU snapshot, stale cleanup, submit,
// detect, GPU snapshot, collect, and telemetry finalization.
func (r *Runner) runAttempt(ctx context.Context, run *runState, def job.Definition, n, floor, remaining int) (AttemptEntry, retry.Decision, error) {
	logger := logging.WithContext(ctx, run.logger)
	started := r.clock.Now()
	builder := telemetry.NewBuilder(r.policy)

	before := r.deps.GPU.Snapshot(ctx, "before")
	cleanup := r.deps.Artifacts.Cleanup(def.Prefix)
	for _, failure := range cleanup.Errors {
		builder.Note("stale output cleanup failed for %s: %v", failure.Path, failure.Error)
	}

	handle, err := r.deps.Submitter.Submit(ctx, def)
	if err != nil {
		return r.submissionFailed(ctx, run, def, logger, builder, attemptInfo{n: n, floor: floor, remaining: remaining, started: started}, before, err)
	}
	logger.Info("job submitted",
		logging.String(logging.FieldEventType, "submission_accepted"),
		logging.String(logging.FieldPromptID, handle.JobID),
		logging.Int("stale_removed", len(cleanup.Removed)),
	)

	var marker detector.Signal
	if r.cfg.DoneMarker.Enabled {
		marker = donemarker.New(r.cfg.MarkerDir(), def.Prefix)
	}
	det := detector.New(r.deps.Status, r.policy, detector.WithClock(r.clock), detector.WithLogger(run.logger))
	res := det.Await(ctx, handle, marker)

	postCtx, cancel, cancelled := r.postContext(ctx)
	defer cancel()
	if cancelled {
		remaining = 0
		builder.Note("run cancelled during detection; final artifact scan performed")
		r.interrupt(postCtx, logger, builder)
	}

	after := r.deps.GPU.Snapshot(postCtx, "after")
	collection := r.collect(postCtx, run, def, n, logger, builder)

	builder.Detection(res).GPU(before, after).Notes(collection.Notes...)
	rec, err := builder.Finalize()
	if err != nil {
		return AttemptEntry{}, retry.Decision{}, err
	}
	result, decision := retry.NewAttemptResult(collection.Count, floor, rec, remaining)
	logger.Info("attempt finished",
		logging.Args(append(logging.DecisionAttrs("attempt_result", attemptVerdict(result), decision.Detail),
			logging.String(logging.FieldEventType, "attempt_complete"),
			logging.String("exit_reason", string(rec.HistoryExitReason)),
			logging.Int("frames", result.FrameCount),
			logging.Int("frame_floor", floor),
			logging.Bool("meets_floor", result.MeetsFloor),
			logging.Int("notes", len(rec.FallbackNotes)),
		)...)...,
	)
	return AttemptEntry{
		Attempt: n,
		Handle:  &handle,
		Result:  result,
		Polls:   res.Polls,
	}, decision, nil
}

// attemptInfo carries the per-attempt numbers a submission failure needs.
type attemptInfo struct {
	n         int
	floor     int
	remaining int
	started   time.Time
}

// submissionFailed finalizes an attempt whose submit call failed. The
// artifact scan still runs so output from a prompt the service accepted
// before the error surfaced is captured and counted.
func (r *Runner) submissionFailed(ctx context.Context, run *runState, def job.Definition, logger *slog.Logger, builder *telemetry.Builder, info attemptInfo, before gpu.Snapshot, subErr error) (AttemptEntry, retry.Decision, error) {
	postCtx, cancel, cancelled := r.postContext(ctx)
	defer cancel()

	retryable := false
	kind := "unknown"
	if se, ok := job.AsSubmissionError(subErr); ok {
		retryable = se.Retryable()
		kind = string(se.Kind)
	}
	remaining := info.remaining
	if cancelled {
		retryable = false
		remaining = 0
	}

	after := r.deps.GPU.Snapshot(postCtx, "after")
	collection := r.collect(postCtx, run, def, info.n, logger, builder)
	builder.SubmissionFailed(r.clock.Now().Sub(info.started), subErr).GPU(before, after).Notes(collection.Notes...)
	rec, err := builder.Finalize()
	if err != nil {
		return AttemptEntry{}, retry.Decision{}, err
	}
	result, decision := retry.NewSubmissionFailure(rec, retryable, remaining)
	result.FrameCount = collection.Count
	result.MeetsFloor = retry.MeetsFloor(collection.Count, info.floor)

	hint := "check the compute service is reachable"
	if kind == string(job.KindMalformed) {
		hint = "fix the job definition or template; it will not be retried"
	}
	impact := "attempt produced no output"
	if collection.Count > 0 {
		impact = "frames found despite the failed submission were collected"
	}
	logging.WarnWithContext(logger, "job submission failed", "submission_failed",
		logging.String("kind", kind),
		logging.Error(subErr),
		logging.Bool("requeue", decision.Requeue),
		logging.Int("frames", collection.Count),
		logging.String(logging.FieldErrorHint, hint),
		logging.String(logging.FieldImpact, impact),
	)
	return AttemptEntry{
		Attempt: info.n,
		Result:  result,
		Polls:   []detector.PollRecord{},
	}, decision, nil
}

// collect copies the attempt's frames into its run directory. Failures become
// notes on the attempt record.
func (r *Runner) collect(ctx context.Context, run *runState, def job.Definition, n int, logger *slog.Logger, builder *telemetry.Builder) artifacts.Collection {
	dest := filepath.Join(telemetry.AttemptDir(run.dir, def.ID, n), telemetry.FramesDir)
	collection, err := r.deps.Artifacts.Collect(ctx, def.Prefix, dest)
	if err != nil {
		builder.Note("artifact collection failed: %v", err)
		logging.WarnWithContext(logger, "artifact collection failed", "artifact_collect_failed",
			logging.Error(err),
			logging.String("dest", dest),
			logging.String(logging.FieldErrorHint, "check permissions on the output and run directories"),
			logging.String(logging.FieldImpact, "frames counted only up to the failure"),
		)
	}
	return collection
}

// postContext returns ctx unchanged while it is live. Once ctx is cancelled
// it returns a fresh context bounded by finalScanTimeout so the final scan
// and the interrupt call still run.
func (r *Runner) postContext(ctx context.Context) (context.Context, context.CancelFunc, bool) {
	if ctx.Err() == nil {
		return ctx, func() {}, false
	}
	fresh, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalScanTimeout)
	return fresh, cancel, true
}

func (r *Runner) interrupt(ctx context.Context, logger *slog.Logger, builder *telemetry.Builder) {
	if r.deps.Interrupter == nil || !r.cfg.ComfyUI.InterruptOnCancel {
		return
	}
	if err := r.deps.Interrupter.Interrupt(ctx); err != nil {
		builder.Note("interrupt request failed: %v", err)
		logging.WarnWithContext(logger, "interrupt request failed", "interrupt_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the service may keep executing the cancelled prompt"),
		)
		return
	}
	logger.Info("interrupted remote execution", logging.String(logging.FieldEventType, "interrupt_sent"))
}

func toTelemetryAttempt(runID string, def job.Definition, entry AttemptEntry) telemetry.Attempt {
	a := telemetry.Attempt{
		RunID:            runID,
		JobID:            def.ID,
		Number:           entry.Attempt,
		Prefix:           def.Prefix,
		FrameCount:       entry.Result.FrameCount,
		Success:          entry.Result.Success,
		MeetsFloor:       entry.Result.MeetsFloor,
		RequeueRequested: entry.Result.RequeueRequested,
		TerminalFailed:   entry.Result.TerminalFailed,
		Record:           entry.Result.Telemetry,
		Polls:            entry.Polls,
	}
	if entry.Handle != nil {
		a.PromptID = entry.Handle.JobID
	}
	return a
}

func attemptVerdict(result retry.AttemptResult) string {
	switch {
	case result.RequeueRequested:
		return "requeue"
	case result.TerminalFailed:
		return "terminal_failed"
	default:
		return "accepted"
	}
}

func failedPolls(polls []detector.PollRecord) int {
	n := 0
	for _, poll := range polls {
		if poll.Error != "" {
			n++
		}
	}
	return n
}

func (r *Runner) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if r.deps.Notifier == nil {
		return
	}
	if err := r.deps.Notifier.Publish(ctx, event, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			r.logger.Debug("run cancelled, could not send notification", logging.String("event", string(event)))
			return
		}
		r.logger.Debug("notification failed", logging.String("event", string(event)), logging.Error(err))
	}
}
