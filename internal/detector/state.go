package detector

import (
	"time"

	"comfyrun/internal/config"
	"comfyrun/internal/services/comfyui"
)

// ExitReason classifies why the detector stopped polling an attempt.
type ExitReason string

const (
	ExitNone                  ExitReason = ""
	ExitSuccess               ExitReason = "Success"
	ExitMaxWaitTimeout        ExitReason = "MaxWaitTimeout"
	ExitAttemptLimitExhausted ExitReason = "AttemptLimitExhausted"
	ExitPostExecutionTimeout  ExitReason = "PostExecutionTimeout"
	ExitUnknown               ExitReason = "Unknown"
)

// Valid reports whether r is one of the terminal exit reasons.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitSuccess, ExitMaxWaitTimeout, ExitAttemptLimitExhausted, ExitPostExecutionTimeout, ExitUnknown:
		return true
	default:
		return false
	}
}

// Phase is the detector's position in its lifecycle.
type Phase string

const (
	PhasePolling               Phase = "polling"
	PhaseAwaitingStabilization Phase = "awaiting_stabilization"
	PhaseTerminal              Phase = "terminal"
)

// TieBreak selects which rule wins when the post-execution timeout and the
// done-marker both fire on the same tick.
type TieBreak string

const (
	TieBreakTimeoutFirst TieBreak = config.TieBreakTimeoutFirst
	TieBreakMarkerFirst  TieBreak = config.TieBreakMarkerFirst
)

// Policy holds the timing knobs for one detection.
type Policy struct {
	MaxWait              time.Duration
	PollInterval         time.Duration
	AttemptLimit         int
	PostExecutionTimeout time.Duration
	TieBreak             TieBreak
	ExitOnRemoteError    bool
}

// PolicyFromConfig converts the [detection] config section.
func PolicyFromConfig(cfg config.Detection) Policy {
	tie := TieBreak(cfg.TieBreak)
	if tie != TieBreakMarkerFirst {
		tie = TieBreakTimeoutFirst
	}
	return Policy{
		MaxWait:              time.Duration(cfg.MaxWaitSeconds) * time.Second,
		PollInterval:         time.Duration(cfg.PollIntervalSeconds) * time.Second,
		AttemptLimit:         cfg.AttemptLimit,
		PostExecutionTimeout: time.Duration(cfg.PostExecutionTimeoutSeconds) * time.Second,
		TieBreak:             tie,
		ExitOnRemoteError:    cfg.ExitOnRemoteError,
	}
}

// State is the detector's value-typed state. Transition never mutates its
// input.
type State struct {
	Phase       Phase
	SubmittedAt time.Time
	PollCount   int
	Exit        ExitReason
	ExitAt      time.Time

	SuccessAt *time.Time

	MarkerDetected bool
	// MarkerWait is nil when the marker arrived before any success signal.
	MarkerWait *time.Duration

	PostExecutionTimeoutReached bool
	ForcedCopyTriggered         bool

	Notes []string
}

// NewState returns the initial polling state for a submission.
func NewState(submittedAt time.Time) State {
	return State{Phase: PhasePolling, SubmittedAt: submittedAt}
}

// Terminal reports whether an exit reason has been chosen.
func (s State) Terminal() bool {
	return s.Phase == PhaseTerminal
}

// Observation is everything learned on one tick.
type Observation struct {
	Now           time.Time
	Status        comfyui.Status
	PollErr       error
	MarkerPresent bool
	// Cancelled marks an external cancellation between ticks; it does not
	// count as a poll.
	Cancelled bool
}

// Transition applies one tick to s and returns the next state. Rules are
// checked in priority order; the first match wins:
//
//  1. awaiting stabilization and the post-execution timeout elapsed
//  2. done-marker present
//  3. polling and the service reports an explicit success
//  4. polling and max wait elapsed since submission
//  5. polling and the attempt limit (when non-zero) reached
//
// With TieBreakMarkerFirst rules 1 and 2 swap. A terminal state is returned
// unchanged.
func Transition(s State, obs Observation, p Policy) State {
	if s.Terminal() {
		return s
	}
	next := s
	next.Notes = append([]string(nil), s.Notes...)

	if obs.Cancelled {
		next.Notes = append(next.Notes, "detector cancelled externally before a terminal signal")
		return next.exit(ExitUnknown, obs.Now)
	}

	next.PollCount++

	timeoutRule := func() bool {
		if next.Phase != PhaseAwaitingStabilization || next.SuccessAt == nil {
			return false
		}
		if obs.Now.Sub(*next.SuccessAt) < p.PostExecutionTimeout {
			return false
		}
		next.PostExecutionTimeoutReached = true
		next.ForcedCopyTriggered = true
		next = next.exit(ExitPostExecutionTimeout, obs.Now)
		return true
	}
	markerRule := func() bool {
		if !obs.MarkerPresent {
			return false
		}
		next.MarkerDetected = true
		if next.SuccessAt == nil && obs.PollErr == nil && obs.Status.ExplicitSuccess() {
			at := obs.Now
			next.SuccessAt = &at
		}
		if next.SuccessAt != nil {
			wait := obs.Now.Sub(*next.SuccessAt)
			next.MarkerWait = &wait
		} else {
			next.Notes = append(next.Notes, "done marker appeared before any execution success signal; marker wait unavailable")
		}
		next = next.exit(ExitSuccess, obs.Now)
		return true
	}

	first, second := timeoutRule, markerRule
	if p.TieBreak == TieBreakMarkerFirst {
		first, second = markerRule, timeoutRule
	}
	if first() || second() {
		return next
	}

	if next.Phase == PhasePolling && obs.PollErr == nil {
		if obs.Status.ExplicitSuccess() {
			at := obs.Now
			next.SuccessAt = &at
			next.Phase = PhaseAwaitingStabilization
			return next
		}
		if obs.Status.RemoteFailure() && p.ExitOnRemoteError {
			next.Notes = append(next.Notes, "service reported the prompt failed; stopped waiting")
			return next.exit(ExitUnknown, obs.Now)
		}
	}

	if next.Phase == PhasePolling {
		if obs.Now.Sub(next.SubmittedAt) >= p.MaxWait {
			return next.exit(ExitMaxWaitTimeout, obs.Now)
		}
		if p.AttemptLimit > 0 && next.PollCount >= p.AttemptLimit {
			return next.exit(ExitAttemptLimitExhausted, obs.Now)
		}
	}
	return next
}

func (s State) exit(reason ExitReason, at time.Time) State {
	s.Phase = PhaseTerminal
	s.Exit = reason
	s.ExitAt = at
	return s
}
