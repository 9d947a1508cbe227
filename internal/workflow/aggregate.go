package workflow

import (
	"time"

	"comfyrun/internal/detector"
	"comfyrun/internal/job"
	"comfyrun/internal/retry"
)

// RunIDLayout formats run identifiers; run IDs sort chronologically.
const RunIDLayout = "20060102T150405.000Z"

// NewRunID derives a run identifier from t in UTC.
func NewRunID(t time.Time) string {
	return t.UTC().Format(RunIDLayout)
}

// Outcome labels a job's final state.
type Outcome string

const (
	OutcomeClean      Outcome = "clean"
	OutcomeBelowFloor Outcome = "below_floor"
	OutcomeFailed     Outcome = "failed"
)

// RunStatus is the lifecycle state of a run aggregate.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunAborted   RunStatus = "aborted"
)

// AttemptEntry is one attempt inside a job outcome.
type AttemptEntry struct {
	Attempt int                   `json:"attempt"`
	Handle  *job.Handle           `json:"handle"`
	Result  retry.AttemptResult   `json:"result"`
	Polls   []detector.PollRecord `json:"polls"`
}

// JobOutcome is the ordered attempt history of one job.
type JobOutcome struct {
	JobID           string         `json:"jobId"`
	Prefix          string         `json:"prefix"`
	Floor           int            `json:"floor"`
	Outcome         Outcome        `json:"outcome"`
	RetryBudget     int            `json:"retryBudget"`
	RemainingBudget int            `json:"remainingBudget"`
	Attempts        []AttemptEntry `json:"attempts"`
}

// Last returns the most recent attempt entry.
func (j *JobOutcome) Last() (AttemptEntry, bool) {
	if len(j.Attempts) == 0 {
		return AttemptEntry{}, false
	}
	return j.Attempts[len(j.Attempts)-1], true
}

// Summary counts job outcomes.
type Summary struct {
	Jobs       int `json:"jobs"`
	Clean      int `json:"clean"`
	BelowFloor int `json:"belowFloor"`
	Failed     int `json:"failed"`
	Attempts   int `json:"attempts"`
	Frames     int `json:"frames"`
}

// RunAggregate is the persisted run.json document.
type RunAggregate struct {
	RunID      string       `json:"runId"`
	Source     string       `json:"source,omitempty"`
	Status     RunStatus    `json:"status"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt *time.Time   `json:"finishedAt"`
	Jobs       []JobOutcome `json:"jobs"`
	Summary    Summary      `json:"summary"`
}

func newRunAggregate(runID, source string, startedAt time.Time) *RunAggregate {
	return &RunAggregate{
		RunID:     runID,
		Source:    source,
		Status:    RunRunning,
		StartedAt: startedAt.UTC(),
		Jobs:      []JobOutcome{},
	}
}

// startJob appends a job outcome and returns a pointer into the aggregate.
// The pointer stays valid until the next startJob call.
func (a *RunAggregate) startJob(def job.Definition, floor, budget int) *JobOutcome {
	a.Jobs = append(a.Jobs, JobOutcome{
		JobID:           def.ID,
		Prefix:          def.Prefix,
		Floor:           floor,
		Outcome:         OutcomeFailed,
		RetryBudget:     budget,
		RemainingBudget: budget,
		Attempts:        []AttemptEntry{},
	})
	return &a.Jobs[len(a.Jobs)-1]
}

func (a *RunAggregate) finish(status RunStatus, at time.Time) {
	finished := at.UTC()
	a.Status = status
	a.FinishedAt = &finished
	a.summarize()
}

func (a *RunAggregate) summarize() {
	s := Summary{Jobs: len(a.Jobs)}
	for _, j := range a.Jobs {
		switch j.Outcome {
		case OutcomeClean:
			s.Clean++
		case OutcomeBelowFloor:
			s.BelowFloor++
		default:
			s.Failed++
		}
		s.Attempts += len(j.Attempts)
		for _, entry := range j.Attempts {
			s.Frames += entry.Result.FrameCount
		}
	}
	a.Summary = s
}

// Classify labels a job from its final attempt: clean when the exit was
// Success and the floor was met, below_floor when frames exist but the job is
// not clean, failed when no frames were produced.
func Classify(last retry.AttemptResult) Outcome {
	switch {
	case last.FrameCount == 0:
		return OutcomeFailed
	case last.Telemetry.HistoryExitReason == detector.ExitSuccess && last.MeetsFloor:
		return OutcomeClean
	default:
		return OutcomeBelowFloor
	}
}
