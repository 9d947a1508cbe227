package history_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"comfyrun/internal/detector"
	"comfyrun/internal/history"
	"comfyrun/internal/telemetry"
	"comfyrun/internal/testsupport"
)

func attempt(runID, jobID string, n int, exit detector.ExitReason, frames int) telemetry.Attempt {
	delta := 512.5
	return telemetry.Attempt{
		RunID:      runID,
		JobID:      jobID,
		Number:     n,
		PromptID:   "p-" + jobID,
		Prefix:     jobID,
		FrameCount: frames,
		Success:    frames > 0,
		MeetsFloor: frames >= 25,
		Record: telemetry.Record{
			HistoryExitReason: exit,
			DurationSeconds:   42,
			GPU:               telemetry.GPU{VRAMDeltaMB: &delta},
			FallbackNotes:     []string{"note"},
		},
	}
}

func TestRunLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	ctx := context.Background()

	started := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	if err := store.StartRun(ctx, "run-a", "jobs.toml", started); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := store.StartRun(ctx, "run-b", "", started.Add(time.Hour)); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	finished := started.Add(10 * time.Minute)
	if err := store.FinishRun(ctx, history.Run{RunID: "run-a", FinishedAt: &finished, Status: history.RunCompleted, Jobs: 2, Clean: 1, Failed: 1}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := store.FinishRun(ctx, history.Run{RunID: "missing", Status: history.RunCompleted}); err == nil {
		t.Fatal("expected error finishing an unknown run")
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-b" {
		t.Fatalf("expected newest first, got %+v", runs)
	}
	a := runs[1]
	if a.Status != history.RunCompleted || a.Clean != 1 || a.Failed != 1 || a.Manifest != "jobs.toml" {
		t.Fatalf("unexpected run row %+v", a)
	}
	if a.FinishedAt == nil || !a.FinishedAt.Equal(finished) {
		t.Fatalf("unexpected finish time %v", a.FinishedAt)
	}
	if runs[0].FinishedAt != nil || runs[0].Status != history.RunRunning {
		t.Fatalf("unfinished run must stay running: %+v", runs[0])
	}
}

func TestPublishUpsertsAttempts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)
	ctx := context.Background()

	for _, a := range []telemetry.Attempt{
		attempt("run-1", "intro", 1, detector.ExitMaxWaitTimeout, 0),
		attempt("run-1", "intro", 2, detector.ExitSuccess, 30),
		attempt("run-1", "outro", 1, detector.ExitSuccess, 10),
		attempt("run-2", "intro", 1, detector.ExitSuccess, 30),
	} {
		if err := store.Publish(ctx, a); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	again := attempt("run-1", "outro", 1, detector.ExitSuccess, 11)
	again.Record.GPU.VRAMDeltaMB = nil
	if err := store.Publish(ctx, again); err != nil {
		t.Fatalf("Publish upsert: %v", err)
	}

	all, err := store.Attempts(ctx, "run-1", "")
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(all))
	}
	intro, err := store.Attempts(ctx, "run-1", "intro")
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(intro) != 2 || intro[0].Attempt != 1 || intro[1].ExitReason != string(detector.ExitSuccess) {
		t.Fatalf("unexpected intro attempts %+v", intro)
	}
	if intro[1].VRAMDeltaMB == nil || *intro[1].VRAMDeltaMB != 512.5 {
		t.Fatalf("unexpected delta %v", intro[1].VRAMDeltaMB)
	}
	if intro[1].Telemetry.FallbackNotes[0] != "note" {
		t.Fatalf("telemetry payload not preserved: %+v", intro[1].Telemetry)
	}

	outro, err := store.Attempts(ctx, "run-1", "outro")
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(outro) != 1 || outro[0].FrameCount != 11 || outro[0].VRAMDeltaMB != nil {
		t.Fatalf("upsert not applied: %+v", outro)
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = store.Close()

	db, err := sql.Open("sqlite", cfg.History.Path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = db.Close()

	if _, err := history.Open(cfg.History.Path); !errors.Is(err, history.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}
