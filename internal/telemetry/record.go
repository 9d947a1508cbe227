package telemetry

import (
	"time"

	"comfyrun/internal/detector"
)

// Record is the per-attempt telemetry document.
type Record struct {
	DurationSeconds             float64             `json:"durationSeconds"`
	MaxWaitSeconds              int                 `json:"maxWaitSeconds"`
	PollIntervalSeconds         int                 `json:"pollIntervalSeconds"`
	HistoryAttempts             int                 `json:"historyAttempts"`
	HistoryAttemptLimit         int                 `json:"historyAttemptLimit"`
	HistoryExitReason           detector.ExitReason `json:"historyExitReason"`
	ExecutionSuccessDetected    bool                `json:"executionSuccessDetected"`
	ExecutionSuccessAt          *time.Time          `json:"executionSuccessAt"`
	PostExecutionTimeoutSeconds int                 `json:"postExecutionTimeoutSeconds"`
	PostExecutionTimeoutReached bool                `json:"postExecutionTimeoutReached"`
	GPU                         GPU                 `json:"gpu"`
	FallbackNotes               []string            `json:"fallbackNotes"`
	DoneMarker                  DoneMarker          `json:"doneMarker"`
}

// GPU holds VRAM readings in mebibytes.
type GPU struct {
	Name         *string  `json:"name"`
	VRAMBeforeMB *float64 `json:"vramBeforeMB"`
	VRAMAfterMB  *float64 `json:"vramAfterMB"`
	VRAMDeltaMB  *float64 `json:"vramDeltaMB"`
}

// DoneMarker describes the done-marker outcome.
type DoneMarker struct {
	Detected            bool     `json:"detected"`
	WaitSeconds         *float64 `json:"waitSeconds"`
	ForcedCopyTriggered bool     `json:"forcedCopyTriggered"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.ExecutionSuccessAt = clonePtr(r.ExecutionSuccessAt)
	out.GPU = GPU{
		Name:         clonePtr(r.GPU.Name),
		VRAMBeforeMB: clonePtr(r.GPU.VRAMBeforeMB),
		VRAMAfterMB:  clonePtr(r.GPU.VRAMAfterMB),
		VRAMDeltaMB:  clonePtr(r.GPU.VRAMDeltaMB),
	}
	out.DoneMarker.WaitSeconds = clonePtr(r.DoneMarker.WaitSeconds)
	out.FallbackNotes = append(make([]string, 0, len(r.FallbackNotes)), r.FallbackNotes...)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
