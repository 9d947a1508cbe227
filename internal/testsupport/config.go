package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"comfyrun/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.RunsDir = filepath.Join(base, "runs")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Artifacts.OutputDirs = []string{filepath.Join(base, "output")}
	cfgVal.ComfyUI.InputDir = filepath.Join(base, "input")
	cfgVal.History.Path = filepath.Join(base, "history.db")
	cfgVal.Detection.MaxWaitSeconds = 60
	cfgVal.Detection.PollIntervalSeconds = 1
	cfgVal.Detection.PostExecutionTimeoutSeconds = 30
	cfgVal.GPU.StatsIntervalMS = 0
	cfgVal.Logging.RetentionDays = 0

	for _, dir := range append([]string{cfgVal.ComfyUI.InputDir}, cfgVal.Artifacts.OutputDirs...) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithFrameFloor sets the artifact floor.
func WithFrameFloor(floor int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Artifacts.FrameFloor = floor
	}
}

// WithRetryBudget sets the per-job retry budget.
func WithRetryBudget(budget int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Retry.Budget = budget
	}
}

// WithServiceURL points the config at a test server.
func WithServiceURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.ComfyUI.URL = url
	}
}

// WithRedis enables job intake and telemetry publication against addr.
func WithRedis(addr string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Redis.Enabled = true
		b.cfg.Redis.Addr = addr
	}
}

// WithExtraOutputDir appends another candidate output directory.
func WithExtraOutputDir(name string) ConfigOption {
	return func(b *configBuilder) {
		dir := filepath.Join(b.baseDir, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			b.t.Fatalf("mkdir %s: %v", dir, err)
		}
		b.cfg.Artifacts.OutputDirs = append(b.cfg.Artifacts.OutputDirs, dir)
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, nvidia-smi is stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"nvidia-smi"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.RunsDir)
}

// OutputDir returns the first candidate output directory.
func OutputDir(cfg *config.Config) string {
	return cfg.Artifacts.OutputDirs[0]
}
