package comfyui

import (
	"encoding/json"
	"strings"
)

// StatusKind tags the decoded shape of a status payload.
type StatusKind string

const (
	StatusNotFound  StatusKind = "not_found"
	StatusQueued    StatusKind = "queued"
	StatusExecuting StatusKind = "executing"
	StatusCompleted StatusKind = "completed"
	StatusUnknown   StatusKind = "unknown"
)

// Status is the tagged status variant for one prompt. Success and Raw are
// meaningful for StatusCompleted; Raw is also kept for StatusUnknown.
type Status struct {
	Kind    StatusKind
	Success bool
	Raw     json.RawMessage
}

// ExplicitSuccess reports whether the service declared the prompt finished
// successfully.
func (s Status) ExplicitSuccess() bool {
	return s.Kind == StatusCompleted && s.Success
}

// RemoteFailure reports whether the service declared the prompt failed.
func (s Status) RemoteFailure() bool {
	return s.Kind == StatusCompleted && !s.Success
}

// String returns a compact label suitable for poll records.
func (s Status) String() string {
	switch s.Kind {
	case StatusCompleted:
		if s.Success {
			return "completed:success"
		}
		return "completed:error"
	case "":
		return string(StatusUnknown)
	default:
		return string(s.Kind)
	}
}

type historyEntry struct {
	Status *struct {
		StatusStr string `json:"status_str"`
		Completed *bool  `json:"completed"`
	} `json:"status"`
	Outputs map[string]json.RawMessage `json:"outputs"`
}

// DecodeHistory interprets a /history/{id} payload. found is false when the
// prompt is not (yet) present in history.
func DecodeHistory(promptID string, raw []byte) (Status, bool) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return Status{Kind: StatusUnknown, Raw: cloneRaw(raw)}, true
	}
	entryRaw, ok := entries[promptID]
	if !ok {
		return Status{Kind: StatusNotFound}, false
	}
	var entry historyEntry
	if err := json.Unmarshal(entryRaw, &entry); err != nil {
		return Status{Kind: StatusUnknown, Raw: cloneRaw(entryRaw)}, true
	}
	if entry.Status == nil {
		if len(entry.Outputs) > 0 {
			return Status{Kind: StatusCompleted, Success: true, Raw: cloneRaw(entryRaw)}, true
		}
		return Status{Kind: StatusExecuting}, true
	}
	switch strings.ToLower(strings.TrimSpace(entry.Status.StatusStr)) {
	case "success":
		return Status{Kind: StatusCompleted, Success: true, Raw: cloneRaw(entryRaw)}, true
	case "error":
		return Status{Kind: StatusCompleted, Success: false, Raw: cloneRaw(entryRaw)}, true
	}
	if entry.Status.Completed != nil && *entry.Status.Completed {
		return Status{Kind: StatusCompleted, Success: true, Raw: cloneRaw(entryRaw)}, true
	}
	return Status{Kind: StatusExecuting}, true
}

// DecodeQueue interprets a /queue payload for promptID.
func DecodeQueue(promptID string, raw []byte) Status {
	var queue struct {
		Running *[][]json.RawMessage `json:"queue_running"`
		Pending *[][]json.RawMessage `json:"queue_pending"`
	}
	if err := json.Unmarshal(raw, &queue); err != nil || (queue.Running == nil && queue.Pending == nil) {
		return Status{Kind: StatusUnknown, Raw: cloneRaw(raw)}
	}
	if queue.Running != nil && queueContains(*queue.Running, promptID) {
		return Status{Kind: StatusExecuting}
	}
	if queue.Pending != nil && queueContains(*queue.Pending, promptID) {
		return Status{Kind: StatusQueued}
	}
	return Status{Kind: StatusNotFound}
}

// Queue entries are [number, prompt_id, graph, extra, outputs].
func queueContains(entries [][]json.RawMessage, promptID string) bool {
	for _, entry := range entries {
		if len(entry) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(entry[1], &id); err == nil && id == promptID {
			return true
		}
	}
	return false
}

func cloneRaw(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
