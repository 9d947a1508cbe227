package retry_test

import (
	"testing"

	"comfyrun/internal/detector"
	"comfyrun/internal/logging"
	"comfyrun/internal/retry"
	"comfyrun/internal/telemetry"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		name      string
		exit      detector.ExitReason
		meets     bool
		remaining int
		requeue   bool
		reason    retry.Reason
	}{
		{"clean success", detector.ExitSuccess, true, 1, false, retry.ReasonNone},
		{"below floor with budget", detector.ExitSuccess, false, 1, true, retry.ReasonBelowFloor},
		{"below floor exhausted", detector.ExitSuccess, false, 0, false, retry.ReasonBelowFloor},
		{"timeout with budget", detector.ExitMaxWaitTimeout, true, 2, true, retry.ReasonExit},
		{"forced copy counts as non-success", detector.ExitPostExecutionTimeout, true, 1, true, retry.ReasonExit},
		{"unknown exhausted", detector.ExitUnknown, false, 0, false, retry.ReasonExit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := retry.Decide(tc.exit, tc.meets, tc.remaining)
			if d.Requeue != tc.requeue || d.Reason != tc.reason {
				t.Fatalf("got %+v", d)
			}
		})
	}
}

func TestMeetsFloor(t *testing.T) {
	cases := []struct {
		frames, floor int
		want          bool
	}{
		{0, 0, false},
		{0, 25, false},
		{1, 0, true},
		{24, 25, false},
		{25, 25, true},
		{30, 25, true},
	}
	for _, tc := range cases {
		if got := retry.MeetsFloor(tc.frames, tc.floor); got != tc.want {
			t.Fatalf("MeetsFloor(%d, %d) = %v", tc.frames, tc.floor, got)
		}
	}
}

func TestNewAttemptResultZeroFrames(t *testing.T) {
	rec := telemetry.Record{HistoryExitReason: detector.ExitSuccess, FallbackNotes: []string{}}
	res, d := retry.NewAttemptResult(0, 0, rec, 1)
	if res.Success || res.MeetsFloor {
		t.Fatalf("zero frames must be neither success nor meet the floor: %+v", res)
	}
	if !res.RequeueRequested || !d.Requeue || res.TerminalFailed {
		t.Fatalf("expected requeue, got %+v", res)
	}
}

func TestNewAttemptResultExhaustedIsTerminal(t *testing.T) {
	rec := telemetry.Record{HistoryExitReason: detector.ExitSuccess, FallbackNotes: []string{}}
	res, _ := retry.NewAttemptResult(12, 25, rec, 0)
	if !res.Success || res.MeetsFloor {
		t.Fatalf("unexpected flags %+v", res)
	}
	if res.RequeueRequested || !res.TerminalFailed || res.Reason != retry.ReasonBelowFloor {
		t.Fatalf("expected terminal below-floor result, got %+v", res)
	}

	clean, _ := retry.NewAttemptResult(30, 25, rec, 0)
	if clean.TerminalFailed || clean.RequeueRequested {
		t.Fatalf("a clean attempt is never terminal-failed: %+v", clean)
	}
}

func TestSubmissionFailures(t *testing.T) {
	rec := telemetry.Record{HistoryExitReason: detector.ExitUnknown, FallbackNotes: []string{}}

	res, d := retry.NewSubmissionFailure(rec, false, 3)
	if d.Requeue || !res.TerminalFailed || res.Reason != retry.ReasonSubmissionMalformed {
		t.Fatalf("malformed must never retry: %+v", res)
	}
	res, d = retry.NewSubmissionFailure(rec, true, 1)
	if !d.Requeue || res.TerminalFailed {
		t.Fatalf("unavailable with budget must retry: %+v", res)
	}
	res, _ = retry.NewSubmissionFailure(rec, true, 0)
	if !res.TerminalFailed {
		t.Fatalf("unavailable without budget is terminal: %+v", res)
	}
}

func TestBudgetIsConsumedOncePerRequeue(t *testing.T) {
	b := retry.NewBudget(2)
	if b.MaxAttempts() != 3 {
		t.Fatalf("unexpected max attempts %d", b.MaxAttempts())
	}
	logger := logging.NewNop()
	requeue := retry.Decision{Requeue: true, Reason: retry.ReasonExit}

	if b.Requeue(logger, "job", 1, retry.Decision{}) {
		t.Fatal("a non-requeue decision must not spend budget")
	}
	for i := 0; i < 2; i++ {
		if !b.Requeue(logger, "job", i+1, requeue) {
			t.Fatalf("requeue %d refused", i+1)
		}
	}
	if b.Requeue(logger, "job", 3, requeue) {
		t.Fatal("exhausted budget must refuse")
	}
	if b.Remaining() != 0 || b.Total() != 2 {
		t.Fatalf("unexpected budget state %d/%d", b.Remaining(), b.Total())
	}
	if retry.NewBudget(-1).MaxAttempts() != 1 {
		t.Fatal("negative budget must clamp to zero retries")
	}
}
