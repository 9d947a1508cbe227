package comfyui

import "testing"

func TestDecodeHistoryShapes(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		wantFound bool
		wantKind  StatusKind
		wantOK    bool
	}{
		{"empty history", `{}`, false, StatusNotFound, false},
		{"success", `{"p1":{"status":{"status_str":"success","completed":true},"outputs":{"9":{}}}}`, true, StatusCompleted, true},
		{"error", `{"p1":{"status":{"status_str":"error","completed":false}}}`, true, StatusCompleted, false},
		{"in progress", `{"p1":{"status":{"status_str":"","completed":false}}}`, true, StatusExecuting, false},
		{"completed flag only", `{"p1":{"status":{"completed":true}}}`, true, StatusCompleted, true},
		{"legacy outputs only", `{"p1":{"outputs":{"9":{"images":[]}}}}`, true, StatusCompleted, true},
		{"not an object", `"nope"`, true, StatusUnknown, false},
		{"entry not an object", `{"p1":[1,2]}`, true, StatusUnknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, found := DecodeHistory("p1", []byte(tc.raw))
			if found != tc.wantFound {
				t.Fatalf("found=%v want %v", found, tc.wantFound)
			}
			if status.Kind != tc.wantKind {
				t.Fatalf("kind=%s want %s", status.Kind, tc.wantKind)
			}
			if status.ExplicitSuccess() != tc.wantOK {
				t.Fatalf("explicit success=%v want %v", status.ExplicitSuccess(), tc.wantOK)
			}
		})
	}
}

func TestStatusLabels(t *testing.T) {
	if got := (Status{Kind: StatusCompleted, Success: true}).String(); got != "completed:success" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := (Status{Kind: StatusCompleted}).String(); got != "completed:error" {
		t.Fatalf("unexpected label %q", got)
	}
	if got := (Status{}).String(); got != "unknown" {
		t.Fatalf("zero status must read unknown, got %q", got)
	}
	if !(Status{Kind: StatusCompleted}).RemoteFailure() {
		t.Fatal("completed without success is a remote failure")
	}
}
