package retry

import (
	"log/slog"

	"comfyrun/internal/detector"
	"comfyrun/internal/logging"
	"comfyrun/internal/telemetry"
)

// Reason names why an attempt was judged unsuccessful.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonExit                  Reason = "exit_reason"
	ReasonBelowFloor            Reason = "below_floor"
	ReasonSubmissionUnavailable Reason = "submission_unavailable"
	ReasonSubmissionMalformed   Reason = "submission_malformed"
)

// Decision is the outcome of Decide.
type Decision struct {
	Requeue bool
	Reason  Reason
	Detail  string
}

// Decide applies the requeue rule: requeue iff the attempt did not end in
// Success or missed the frame floor, and remaining > 0.
func Decide(exit detector.ExitReason, meetsFloor bool, remaining int) Decision {
	var d Decision
	switch {
	case exit != detector.ExitSuccess:
		d.Reason = ReasonExit
		d.Detail = "exit reason " + string(exit)
	case !meetsFloor:
		d.Reason = ReasonBelowFloor
		d.Detail = "frame count below floor"
	default:
		return d
	}
	d.Requeue = remaining > 0
	return d
}

// DecideSubmission handles an attempt whose submission failed. Malformed
// definitions never retry.
func DecideSubmission(retryable bool, remaining int) Decision {
	if !retryable {
		return Decision{Reason: ReasonSubmissionMalformed, Detail: "job definition rejected"}
	}
	return Decision{
		Requeue: remaining > 0,
		Reason:  ReasonSubmissionUnavailable,
		Detail:  "submission endpoint unavailable",
	}
}

// Budget tracks one job's remaining retries.
type Budget struct {
	total     int
	remaining int
}

// NewBudget returns a budget allowing n retries after the first attempt.
func NewBudget(n int) *Budget {
	if n < 0 {
		n = 0
	}
	return &Budget{total: n, remaining: n}
}

// Remaining returns unspent retries.
func (b *Budget) Remaining() int { return b.remaining }

// Total returns the configured retry count.
func (b *Budget) Total() int { return b.total }

// MaxAttempts is the first attempt plus every retry.
func (b *Budget) MaxAttempts() int { return b.total + 1 }

// Requeue spends one retry for decision and logs the event. It reports false
// when the decision does not requeue or the budget is spent.
func (b *Budget) Requeue(logger *slog.Logger, jobID string, attempt int, d Decision) bool {
	if !d.Requeue || b.remaining <= 0 {
		return false
	}
	b.remaining--
	if logger != nil {
		logger.Info("requeueing job",
			logging.Args(append(logging.DecisionAttrs("retry_requeue", "requeue", d.Detail),
				logging.String(logging.FieldJobID, jobID),
				logging.Int(logging.FieldAttempt, attempt),
				logging.String("reason", string(d.Reason)),
				logging.Int("remaining_budget", b.remaining),
				logging.String(logging.FieldEventType, "retry_requeue"),
			)...)...,
		)
	}
	return true
}

// AttemptResult is the derived verdict for one attempt. Build it with
// NewAttemptResult.
type AttemptResult struct {
	FrameCount       int              `json:"frameCount"`
	Success          bool             `json:"success"`
	MeetsFloor       bool             `json:"meetsFloor"`
	RequeueRequested bool             `json:"requeueRequested"`
	TerminalFailed   bool             `json:"terminalFailed"`
	Reason           Reason           `json:"reason,omitempty"`
	Telemetry        telemetry.Record `json:"telemetry"`
}

// NewAttemptResult derives every flag from the frame count, the floor, the
// record's exit reason and the budget left before this decision.
func NewAttemptResult(frameCount, floor int, rec telemetry.Record, remaining int) (AttemptResult, Decision) {
	meets := MeetsFloor(frameCount, floor)
	d := Decide(rec.HistoryExitReason, meets, remaining)
	return AttemptResult{
		FrameCount:       frameCount,
		Success:          frameCount > 0,
		MeetsFloor:       meets,
		RequeueRequested: d.Requeue,
		TerminalFailed:   d.Reason != ReasonNone && !d.Requeue,
		Reason:           d.Reason,
		Telemetry:        rec,
	}, d
}

// NewSubmissionFailure derives the result of an attempt whose submission
// failed.
func NewSubmissionFailure(rec telemetry.Record, retryable bool, remaining int) (AttemptResult, Decision) {
	d := DecideSubmission(retryable, remaining)
	return AttemptResult{
		RequeueRequested: d.Requeue,
		TerminalFailed:   !d.Requeue,
		Reason:           d.Reason,
		Telemetry:        rec,
	}, d
}

// MeetsFloor reports frames > 0 and frames >= floor.
func MeetsFloor(frames, floor int) bool {
	return frames > 0 && frames >= floor
}
