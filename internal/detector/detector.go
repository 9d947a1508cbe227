package detector

import (
	"context"
	"log/slog"
	"time"

	"comfyrun/internal/job"
	"comfyrun/internal/logging"
	"comfyrun/internal/services/comfyui"
)

// StatusSource reports the remote status of a prompt.
type StatusSource interface {
	Status(ctx context.Context, promptID string) (comfyui.Status, error)
}

// Signal reports whether the done-marker exists.
type Signal interface {
	Present(ctx context.Context) (bool, error)
}

// Clock abstracts time so the loop can be driven by tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock uses wall time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PollRecord is one tick of the detector.
type PollRecord struct {
	AttemptNumber int       `json:"attemptNumber"`
	Timestamp     time.Time `json:"timestamp"`
	RawStatus     string    `json:"rawStatus"`
	Error         string    `json:"error,omitempty"`
}

// Result is the terminal outcome of one detection.
type Result struct {
	State State
	Polls []PollRecord
}

// Duration returns the time from submission to the terminal decision.
func (r Result) Duration() time.Duration {
	if r.State.ExitAt.IsZero() {
		return 0
	}
	return r.State.ExitAt.Sub(r.State.SubmittedAt)
}

// FailedPolls counts ticks whose status query failed.
func (r Result) FailedPolls() int {
	n := 0
	for _, poll := range r.Polls {
		if poll.Error != "" {
			n++
		}
	}
	return n
}

// Detector drives Transition on a fixed poll interval.
type Detector struct {
	status StatusSource
	policy Policy
	clock  Clock
	logger *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock injects a clock.
func WithClock(clock Clock) Option {
	return func(d *Detector) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// New constructs a Detector.
func New(status StatusSource, policy Policy, opts ...Option) *Detector {
	d := &Detector{status: status, policy: policy, clock: RealClock{}}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.NewComponentLogger(d.logger, "detector")
	return d
}

// Policy returns the detector's policy.
func (d *Detector) Policy() Policy {
	return d.policy
}

// Await polls handle until a terminal exit reason is chosen. marker may be nil
// when the done-marker is disabled. Cancellation of ctx is honored between
// ticks and yields ExitUnknown; Await itself never fails.
func (d *Detector) Await(ctx context.Context, handle job.Handle, marker Signal) Result {
	logger := logging.WithContext(ctx, d.logger).With(logging.String(logging.FieldPromptID, handle.JobID))
	state := NewState(handle.SubmittedAt)
	polls := make([]PollRecord, 0, 16)

	for {
		if ctx.Err() != nil {
			state = Transition(state, Observation{Now: d.clock.Now(), Cancelled: true}, d.policy)
			break
		}

		obs := d.observe(ctx, handle.JobID, marker)
		prevPhase := state.Phase
		state = Transition(state, obs, d.policy)

		record := PollRecord{
			AttemptNumber: state.PollCount,
			Timestamp:     obs.Now,
			RawStatus:     obs.Status.String(),
		}
		if obs.PollErr != nil {
			record.RawStatus = ""
			record.Error = obs.PollErr.Error()
			logger.Debug("status poll failed",
				logging.Int("poll", state.PollCount),
				logging.Error(obs.PollErr),
				logging.String(logging.FieldEventType, "poll_transient_error"),
			)
		}
		polls = append(polls, record)

		if prevPhase == PhasePolling && state.Phase == PhaseAwaitingStabilization {
			logger.Info("execution success observed; waiting for stabilization",
				logging.Int("poll", state.PollCount),
				logging.Duration("post_execution_timeout", d.policy.PostExecutionTimeout),
				logging.String(logging.FieldEventType, "execution_success_observed"),
			)
		}
		if state.Terminal() {
			break
		}
		if err := d.clock.Sleep(ctx, d.policy.PollInterval); err != nil {
			state = Transition(state, Observation{Now: d.clock.Now(), Cancelled: true}, d.policy)
			break
		}
	}

	result := Result{State: state, Polls: polls}
	logger.Info("detector finished",
		logging.Args(append(logging.DecisionAttrs("detector_exit", string(state.Exit), exitDetail(state)),
			logging.Int("polls", state.PollCount),
			logging.Int("failed_polls", result.FailedPolls()),
			logging.Duration("elapsed", result.Duration()),
			logging.String(logging.FieldEventType, "detector_exit"),
		)...)...,
	)
	return result
}

func (d *Detector) observe(ctx context.Context, promptID string, marker Signal) Observation {
	status, err := d.status.Status(ctx, promptID)
	obs := Observation{Status: status, PollErr: err}
	if marker != nil {
		present, markerErr := marker.Present(ctx)
		if markerErr == nil {
			obs.MarkerPresent = present
		} else {
			logging.WarnWithContext(d.logger, "done marker check failed", "done_marker_check_failed",
				logging.Error(markerErr),
				logging.String(logging.FieldErrorHint, "check permissions on the marker directory"),
				logging.String(logging.FieldImpact, "marker treated as absent for this tick"),
			)
		}
	}
	obs.Now = d.clock.Now()
	return obs
}

func exitDetail(s State) string {
	switch s.Exit {
	case ExitSuccess:
		return "done marker observed"
	case ExitPostExecutionTimeout:
		return "success observed but no marker before post-execution timeout"
	case ExitMaxWaitTimeout:
		return "no success signal before max wait"
	case ExitAttemptLimitExhausted:
		return "poll attempt limit reached"
	default:
		if n := len(s.Notes); n > 0 {
			return s.Notes[n-1]
		}
		return "no terminal signal"
	}
}
