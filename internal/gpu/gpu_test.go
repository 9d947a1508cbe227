package gpu_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"comfyrun/internal/config"
	"comfyrun/internal/gpu"
	"comfyrun/internal/logging"
	"comfyrun/internal/services/comfyui"
	"comfyrun/internal/testsupport"
)

type stubStats struct {
	failures int
	calls    int
	stats    comfyui.SystemStats
}

func (s *stubStats) SystemStats(context.Context) (comfyui.SystemStats, error) {
	s.calls++
	if s.calls <= s.failures {
		return comfyui.SystemStats{}, errors.New("connection refused")
	}
	return s.stats, nil
}

type stubExecutor struct {
	lines  []string
	err    error
	binary string
	args   []string
}

func (e *stubExecutor) Run(_ context.Context, binary string, args []string, onLine func(string)) error {
	e.binary = binary
	e.args = args
	for _, line := range e.lines {
		onLine(line)
	}
	return e.err
}

func gpuStats() comfyui.SystemStats {
	stats := comfyui.SystemStats{}
	stats.Devices = []comfyui.Device{
		{Name: "cpu", Type: "cpu"},
		{Name: "cuda:0 NVIDIA RTX A5000", Type: "cuda", VRAMTotal: 24 << 30, VRAMFree: 20 << 30},
	}
	return stats
}

func gpuConfig() config.GPU {
	cfg := config.Default().GPU
	return cfg
}

func TestSnapshotFallsBackToSMI(t *testing.T) {
	stats := &stubStats{failures: 3, stats: gpuStats()}
	exec := &stubExecutor{lines: []string{"NVIDIA GeForce RTX 4090, 10240"}}
	clock := testsupport.NewFakeClock(time.Unix(0, 0))

	collector := gpu.NewFromConfig(gpuConfig(), stats, exec, clock, logging.NewNop())
	snap := collector.Snapshot(context.Background(), "before")

	if stats.calls != 3 {
		t.Fatalf("expected 3 stats attempts, got %d", stats.calls)
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 500*time.Millisecond {
		t.Fatalf("unexpected retry sleeps %v", sleeps)
	}
	if len(snap.Notes) != 1 {
		t.Fatalf("expected exactly one note, got %v", snap.Notes)
	}
	if !strings.Contains(snap.Notes[0], "system_stats") {
		t.Fatalf("note must name the failed source: %q", snap.Notes[0])
	}
	if snap.Name == nil || *snap.Name != "NVIDIA GeForce RTX 4090" {
		t.Fatalf("unexpected name %v", snap.Name)
	}
	if snap.VRAMUsedMB == nil || *snap.VRAMUsedMB != 10240 {
		t.Fatalf("unexpected vram %v", snap.VRAMUsedMB)
	}
	if snap.Source != "nvidia-smi" {
		t.Fatalf("unexpected source %q", snap.Source)
	}
	if exec.binary != "nvidia-smi" || strings.Join(exec.args, " ") != strings.Join(gpu.SMIArgs, " ") {
		t.Fatalf("unexpected command %s %v", exec.binary, exec.args)
	}
}

func TestSnapshotPrefersSystemStats(t *testing.T) {
	stats := &stubStats{failures: 1, stats: gpuStats()}
	exec := &stubExecutor{err: errors.New("must not run")}
	clock := testsupport.NewFakeClock(time.Unix(0, 0))

	snap := gpu.NewFromConfig(gpuConfig(), stats, exec, clock, logging.NewNop()).Snapshot(context.Background(), "after")
	if len(snap.Notes) != 0 {
		t.Fatalf("a retry that succeeds must not add notes: %v", snap.Notes)
	}
	if snap.VRAMUsedMB == nil || *snap.VRAMUsedMB != 4096 {
		t.Fatalf("unexpected vram %v", snap.VRAMUsedMB)
	}
	if snap.Source != "system_stats" {
		t.Fatalf("unexpected source %q", snap.Source)
	}
	if exec.binary != "" {
		t.Fatal("fallback must not run after a primary success")
	}
}

func TestSnapshotAllSourcesFail(t *testing.T) {
	stats := &stubStats{failures: 10}
	exec := &stubExecutor{err: errors.New("executable file not found")}
	clock := testsupport.NewFakeClock(time.Unix(0, 0))

	snap := gpu.NewFromConfig(gpuConfig(), stats, exec, clock, logging.NewNop()).Snapshot(context.Background(), "before")
	if snap.Available() || snap.Name != nil || snap.VRAMUsedMB != nil {
		t.Fatalf("expected null fields, got %+v", snap)
	}
	if len(snap.Notes) != 3 {
		t.Fatalf("expected one note per source plus a summary, got %v", snap.Notes)
	}
	if !strings.Contains(snap.Notes[2], "no telemetry source succeeded") {
		t.Fatalf("unexpected summary %q", snap.Notes[2])
	}
}

func TestSnapshotNoDeviceCountsAsFailure(t *testing.T) {
	stats := &stubStats{stats: comfyui.SystemStats{Devices: []comfyui.Device{{Name: "cpu", Type: "cpu"}}}}
	exec := &stubExecutor{lines: []string{"", "Tesla T4, 512"}}
	clock := testsupport.NewFakeClock(time.Unix(0, 0))

	snap := gpu.NewFromConfig(gpuConfig(), stats, exec, clock, logging.NewNop()).Snapshot(context.Background(), "before")
	if snap.VRAMUsedMB == nil || *snap.VRAMUsedMB != 512 {
		t.Fatalf("expected fallback reading, got %+v", snap)
	}
	if len(snap.Notes) != 1 || !strings.Contains(snap.Notes[0], "no gpu device") {
		t.Fatalf("unexpected notes %v", snap.Notes)
	}
}

func TestDelta(t *testing.T) {
	before, after := 1000.0, 1750.5
	got := gpu.Delta(gpu.Snapshot{VRAMUsedMB: &before}, gpu.Snapshot{VRAMUsedMB: &after})
	if got == nil || *got != 750.5 {
		t.Fatalf("unexpected delta %v", got)
	}
	if gpu.Delta(gpu.Snapshot{}, gpu.Snapshot{VRAMUsedMB: &after}) != nil {
		t.Fatal("delta must be nil when before is unknown")
	}
	if gpu.Delta(gpu.Snapshot{VRAMUsedMB: &before}, gpu.Snapshot{}) != nil {
		t.Fatal("delta must be nil when after is unknown")
	}
}

func TestParseSMILine(t *testing.T) {
	cases := []struct {
		line    string
		name    string
		used    float64
		wantErr bool
	}{
		{line: "NVIDIA GeForce RTX 4090, 10240", name: "NVIDIA GeForce RTX 4090", used: 10240},
		{line: "Quadro, Model X, 33", name: "Quadro, Model X", used: 33},
		{line: "NVIDIA A100", wantErr: true},
		{line: "NVIDIA A100, [N/A]", wantErr: true},
	}
	for _, tc := range cases {
		got, err := gpu.ParseSMILine(tc.line)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.line)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.line, err)
		}
		if got.Name != tc.name || got.VRAMUsedMB != tc.used {
			t.Fatalf("%q: got %+v", tc.line, got)
		}
	}
}

func TestCombinedNotesCollapsesRepeatedPrimaryFailure(t *testing.T) {
	stats := &stubStats{failures: 10}
	exec := &stubExecutor{lines: []string{"NVIDIA GeForce RTX 4090, 10240"}}
	clock := testsupport.NewFakeClock(time.Unix(0, 0))
	collector := gpu.NewFromConfig(gpuConfig(), stats, exec, clock, logging.NewNop())

	before := collector.Snapshot(context.Background(), "before")
	after := collector.Snapshot(context.Background(), "after")
	notes := gpu.CombinedNotes(before, after)
	want := []string{"gpu: system_stats failed: 3 attempts: connection refused"}
	if !reflect.DeepEqual(notes, want) {
		t.Fatalf("CombinedNotes = %q, want %q", notes, want)
	}
}

func TestCombinedNotesKeepsDistinctFailures(t *testing.T) {
	before := gpu.Snapshot{Label: "before", Notes: []string{"gpu before: system_stats failed: timeout"}}
	after := gpu.Snapshot{Label: "after", Notes: []string{"gpu after: system_stats failed: connection refused"}}
	notes := gpu.CombinedNotes(before, after)
	if len(notes) != 2 || notes[0] != before.Notes[0] || notes[1] != after.Notes[0] {
		t.Fatalf("unexpected notes %q", notes)
	}
}
