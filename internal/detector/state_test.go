package detector

import (
	"errors"
	"testing"
	"time"

	"comfyrun/internal/services/comfyui"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time { return t0.Add(time.Duration(seconds) * time.Second) }

func testPolicy() Policy {
	return Policy{
		MaxWait:              60 * time.Second,
		PollInterval:         time.Second,
		AttemptLimit:         0,
		PostExecutionTimeout: 30 * time.Second,
		TieBreak:             TieBreakTimeoutFirst,
		ExitOnRemoteError:    true,
	}
}

var (
	executing = comfyui.Status{Kind: comfyui.StatusExecuting}
	succeeded = comfyui.Status{Kind: comfyui.StatusCompleted, Success: true}
	failed    = comfyui.Status{Kind: comfyui.StatusCompleted, Success: false}
)

func awaiting(successAt int) State {
	s := NewState(t0)
	s = Transition(s, Observation{Now: at(successAt), Status: succeeded}, testPolicy())
	return s
}

func TestTransitionSuccessMovesToAwaitingStabilization(t *testing.T) {
	s := awaiting(10)
	if s.Phase != PhaseAwaitingStabilization {
		t.Fatalf("expected awaiting stabilization, got %s", s.Phase)
	}
	if s.Terminal() || s.Exit != ExitNone {
		t.Fatal("success alone must not terminate")
	}
	if s.SuccessAt == nil || !s.SuccessAt.Equal(at(10)) {
		t.Fatalf("unexpected success time %v", s.SuccessAt)
	}
	if s.PollCount != 1 {
		t.Fatalf("expected one poll, got %d", s.PollCount)
	}
}

func TestTransitionMarkerAfterSuccess(t *testing.T) {
	s := Transition(awaiting(10), Observation{Now: at(12), Status: succeeded, MarkerPresent: true}, testPolicy())
	if s.Exit != ExitSuccess {
		t.Fatalf("expected success, got %s", s.Exit)
	}
	if !s.MarkerDetected || s.MarkerWait == nil || *s.MarkerWait != 2*time.Second {
		t.Fatalf("unexpected marker fields %+v", s)
	}
	if s.ForcedCopyTriggered {
		t.Fatal("marker exit must not force copy")
	}
}

func TestTransitionMarkerWithoutSuccessSignal(t *testing.T) {
	s := Transition(NewState(t0), Observation{Now: at(5), Status: executing, MarkerPresent: true}, testPolicy())
	if s.Exit != ExitSuccess {
		t.Fatalf("expected success, got %s", s.Exit)
	}
	if s.MarkerWait != nil {
		t.Fatalf("marker wait must be unknown, got %v", *s.MarkerWait)
	}
	if len(s.Notes) != 1 {
		t.Fatalf("expected one note, got %v", s.Notes)
	}
}

func TestTransitionMarkerAndSuccessSameTick(t *testing.T) {
	s := Transition(NewState(t0), Observation{Now: at(5), Status: succeeded, MarkerPresent: true}, testPolicy())
	if s.Exit != ExitSuccess || s.SuccessAt == nil || s.MarkerWait == nil || *s.MarkerWait != 0 {
		t.Fatalf("unexpected state %+v", s)
	}
	if len(s.Notes) != 0 {
		t.Fatalf("no note expected, got %v", s.Notes)
	}
}

func TestTransitionPostExecutionTimeout(t *testing.T) {
	s := awaiting(10)
	s = Transition(s, Observation{Now: at(39), Status: succeeded}, testPolicy())
	if s.Terminal() {
		t.Fatal("timeout must not fire early")
	}
	s = Transition(s, Observation{Now: at(40), Status: succeeded}, testPolicy())
	if s.Exit != ExitPostExecutionTimeout {
		t.Fatalf("expected post-execution timeout, got %s", s.Exit)
	}
	if !s.PostExecutionTimeoutReached || !s.ForcedCopyTriggered {
		t.Fatalf("timeout flags not set: %+v", s)
	}
}

func TestTransitionTieBreakPolicy(t *testing.T) {
	obs := Observation{Now: at(40), Status: succeeded, MarkerPresent: true}

	timeoutFirst := Transition(awaiting(10), obs, testPolicy())
	if timeoutFirst.Exit != ExitPostExecutionTimeout {
		t.Fatalf("timeout_first: expected PostExecutionTimeout, got %s", timeoutFirst.Exit)
	}
	if timeoutFirst.MarkerDetected {
		t.Fatal("timeout_first must not record the marker")
	}

	p := testPolicy()
	p.TieBreak = TieBreakMarkerFirst
	markerFirst := Transition(awaiting(10), obs, p)
	if markerFirst.Exit != ExitSuccess || !markerFirst.MarkerDetected {
		t.Fatalf("marker_first: expected Success with marker, got %s", markerFirst.Exit)
	}
}

func TestTransitionMaxWait(t *testing.T) {
	s := Transition(NewState(t0), Observation{Now: at(59), Status: executing}, testPolicy())
	if s.Terminal() {
		t.Fatal("max wait must not fire early")
	}
	s = Transition(s, Observation{Now: at(60), Status: executing}, testPolicy())
	if s.Exit != ExitMaxWaitTimeout {
		t.Fatalf("expected MaxWaitTimeout, got %s", s.Exit)
	}
	if s.SuccessAt != nil {
		t.Fatal("success must not be recorded")
	}
}

func TestTransitionMaxWaitDoesNotApplyWhileStabilizing(t *testing.T) {
	s := awaiting(50)
	s = Transition(s, Observation{Now: at(70), Status: succeeded}, testPolicy())
	if s.Terminal() {
		t.Fatalf("max wait must only bound the polling phase, got %s", s.Exit)
	}
}

func TestTransitionAttemptLimit(t *testing.T) {
	p := testPolicy()
	p.AttemptLimit = 3
	s := NewState(t0)
	for i := 1; i <= 3; i++ {
		s = Transition(s, Observation{Now: at(i), Status: executing}, p)
	}
	if s.Exit != ExitAttemptLimitExhausted {
		t.Fatalf("expected AttemptLimitExhausted, got %s", s.Exit)
	}
	if s.PollCount != 3 {
		t.Fatalf("unexpected poll count %d", s.PollCount)
	}
}

func TestTransitionZeroAttemptLimitIsUnbounded(t *testing.T) {
	p := testPolicy()
	p.MaxWait = time.Hour
	s := NewState(t0)
	for i := 1; i < 3600; i++ {
		s = Transition(s, Observation{Now: at(i), Status: executing}, p)
		if s.Exit == ExitAttemptLimitExhausted {
			t.Fatalf("attempt limit 0 must never exhaust (poll %d)", i)
		}
		if s.Terminal() {
			t.Fatalf("unexpected exit %s at poll %d", s.Exit, i)
		}
	}
	s = Transition(s, Observation{Now: at(3600), Status: executing}, p)
	if s.Exit != ExitMaxWaitTimeout {
		t.Fatalf("only max wait may end an unbounded attempt, got %s", s.Exit)
	}
}

func TestTransitionPollErrorConsumesOnePollOnly(t *testing.T) {
	s := Transition(NewState(t0), Observation{Now: at(1), Status: executing}, testPolicy())
	errored := Transition(s, Observation{Now: at(2), PollErr: errors.New("connection reset"), Status: succeeded}, testPolicy())
	if errored.Phase != PhasePolling {
		t.Fatalf("a failed poll must not advance the phase, got %s", errored.Phase)
	}
	if errored.PollCount != s.PollCount+1 {
		t.Fatalf("expected poll count %d, got %d", s.PollCount+1, errored.PollCount)
	}
	if errored.SuccessAt != nil {
		t.Fatal("a failed poll must not record success")
	}
}

func TestTransitionRemoteError(t *testing.T) {
	s := Transition(NewState(t0), Observation{Now: at(3), Status: failed}, testPolicy())
	if s.Exit != ExitUnknown || len(s.Notes) != 1 {
		t.Fatalf("expected Unknown with note, got %s %v", s.Exit, s.Notes)
	}

	p := testPolicy()
	p.ExitOnRemoteError = false
	s = Transition(NewState(t0), Observation{Now: at(3), Status: failed}, p)
	if s.Terminal() {
		t.Fatalf("remote error must be ignored when disabled, got %s", s.Exit)
	}
}

func TestTransitionCancellation(t *testing.T) {
	s := Transition(awaiting(10), Observation{Now: at(11), Cancelled: true}, testPolicy())
	if s.Exit != ExitUnknown {
		t.Fatalf("expected Unknown, got %s", s.Exit)
	}
	if s.PollCount != 1 {
		t.Fatalf("cancellation must not count as a poll, got %d", s.PollCount)
	}
}

func TestTransitionTerminalIsMonotonic(t *testing.T) {
	s := Transition(NewState(t0), Observation{Now: at(60), Status: executing}, testPolicy())
	if s.Exit != ExitMaxWaitTimeout {
		t.Fatalf("setup: got %s", s.Exit)
	}
	after := Transition(s, Observation{Now: at(61), Status: succeeded, MarkerPresent: true}, testPolicy())
	if after.Exit != ExitMaxWaitTimeout || after.PollCount != s.PollCount || after.MarkerDetected {
		t.Fatalf("terminal state changed: %+v", after)
	}
	cancelled := Transition(s, Observation{Now: at(61), Cancelled: true}, testPolicy())
	if cancelled.Exit != ExitMaxWaitTimeout {
		t.Fatalf("exit reason reverted to %s", cancelled.Exit)
	}
}

func TestTransitionLeavesInputUntouched(t *testing.T) {
	base := NewState(t0)
	base.Notes = make([]string, 1, 4)
	base.Notes[0] = "carried"
	next := Transition(base, Observation{Now: at(2), Status: failed}, testPolicy())
	if len(next.Notes) != 2 {
		t.Fatalf("expected appended note, got %v", next.Notes)
	}
	if base.PollCount != 0 || base.Phase != PhasePolling || len(base.Notes) != 1 {
		t.Fatalf("input state mutated: %+v", base)
	}
	if spare := base.Notes[:2]; spare[1] != "" {
		t.Fatalf("note written into caller's backing array: %q", spare[1])
	}
}

func TestExitReasonValid(t *testing.T) {
	for _, r := range []ExitReason{ExitSuccess, ExitMaxWaitTimeout, ExitAttemptLimitExhausted, ExitPostExecutionTimeout, ExitUnknown} {
		if !r.Valid() {
			t.Fatalf("%s must be valid", r)
		}
	}
	if ExitNone.Valid() {
		t.Fatal("empty exit reason must be invalid")
	}
}
