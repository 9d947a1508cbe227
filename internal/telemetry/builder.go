package telemetry

import (
	"errors"
	"fmt"
	"time"

	"comfyrun/internal/detector"
	"comfyrun/internal/gpu"
)

// ErrFinalized is returned when a Builder is finalized twice.
var ErrFinalized = errors.New("telemetry record already finalized")

// Builder accumulates one attempt's record.
type Builder struct {
	rec       Record
	detected  bool
	gpuSet    bool
	finalized bool
}

// NewBuilder seeds the configuration fields from policy.
func NewBuilder(policy detector.Policy) *Builder {
	return &Builder{rec: Record{
		MaxWaitSeconds:              int(policy.MaxWait / time.Second),
		PollIntervalSeconds:         int(policy.PollInterval / time.Second),
		HistoryAttemptLimit:         policy.AttemptLimit,
		PostExecutionTimeoutSeconds: int(policy.PostExecutionTimeout / time.Second),
		FallbackNotes:               []string{},
	}}
}

// Detection copies the detector's terminal state into the record.
func (b *Builder) Detection(res detector.Result) *Builder {
	s := res.State
	b.detected = true
	b.rec.DurationSeconds = res.Duration().Seconds()
	b.rec.HistoryAttempts = s.PollCount
	b.rec.HistoryExitReason = s.Exit
	b.rec.ExecutionSuccessDetected = s.SuccessAt != nil
	if s.SuccessAt != nil {
		at := s.SuccessAt.UTC()
		b.rec.ExecutionSuccessAt = &at
	} else {
		b.rec.ExecutionSuccessAt = nil
	}
	b.rec.PostExecutionTimeoutReached = s.PostExecutionTimeoutReached
	b.rec.DoneMarker = DoneMarker{
		Detected:            s.MarkerDetected,
		ForcedCopyTriggered: s.ForcedCopyTriggered,
	}
	if s.MarkerWait != nil {
		wait := s.MarkerWait.Seconds()
		b.rec.DoneMarker.WaitSeconds = &wait
	}
	b.rec.FallbackNotes = append(b.rec.FallbackNotes, s.Notes...)
	if failed := res.FailedPolls(); failed > 0 {
		b.Note("%d of %d status polls failed", failed, s.PollCount)
	}
	return b
}

// SubmissionFailed records an attempt that never reached the detector.
func (b *Builder) SubmissionFailed(elapsed time.Duration, err error) *Builder {
	b.detected = true
	b.rec.DurationSeconds = elapsed.Seconds()
	b.rec.HistoryExitReason = detector.ExitUnknown
	b.Note("submission failed: %v", err)
	return b
}

// GPU records both snapshots and their notes. A source failure seen by both
// snapshots is noted once.
func (b *Builder) GPU(before, after gpu.Snapshot) *Builder {
	b.gpuSet = true
	b.rec.GPU = GPU{
		Name:         gpu.DeviceName(before, after),
		VRAMBeforeMB: before.VRAMUsedMB,
		VRAMAfterMB:  after.VRAMUsedMB,
		VRAMDeltaMB:  gpu.Delta(before, after),
	}
	b.rec.FallbackNotes = append(b.rec.FallbackNotes, gpu.CombinedNotes(before, after)...)
	return b
}

// Note appends a fallback note.
func (b *Builder) Note(format string, args ...any) *Builder {
	b.rec.FallbackNotes = append(b.rec.FallbackNotes, fmt.Sprintf(format, args...))
	return b
}

// Notes appends notes verbatim.
func (b *Builder) Notes(notes ...string) *Builder {
	b.rec.FallbackNotes = append(b.rec.FallbackNotes, notes...)
	return b
}

// Finalize returns the completed record. Missing sections become nulls with
// a note. A second call returns ErrFinalized.
func (b *Builder) Finalize() (Record, error) {
	if b.finalized {
		return Record{}, ErrFinalized
	}
	b.finalized = true
	if !b.detected {
		b.rec.HistoryExitReason = detector.ExitUnknown
		b.Note("no detector result was recorded for this attempt")
	}
	if !b.gpuSet {
		b.rec.GPU = GPU{}
		b.Note("gpu snapshots were not taken for this attempt")
	}
	return b.rec.Clone(), nil
}
