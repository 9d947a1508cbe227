package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	RunsDir string `toml:"runs_dir"`
	LogDir  string `toml:"log_dir"`
}

// ComfyUI contains connection settings for the remote compute service.
type ComfyUI struct {
	URL               string `toml:"url"`
	RequestTimeout    int    `toml:"request_timeout"`
	InputDir          string `toml:"input_dir"`
	InterruptOnCancel bool   `toml:"interrupt_on_cancel"`
}

// Detection contains the completion detector policy.
type Detection struct {
	MaxWaitSeconds              int    `toml:"max_wait_seconds"`
	PollIntervalSeconds         int    `toml:"poll_interval_seconds"`
	AttemptLimit                int    `toml:"attempt_limit"`
	PostExecutionTimeoutSeconds int    `toml:"post_execution_timeout_seconds"`
	TieBreak                    string `toml:"tie_break"`
	ExitOnRemoteError           bool   `toml:"exit_on_remote_error"`
}

// DoneMarker configures the optional done-marker sentinel.
type DoneMarker struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// Artifacts configures output scanning and collection.
type Artifacts struct {
	OutputDirs   []string `toml:"output_dirs"`
	Extensions   []string `toml:"extensions"`
	FrameFloor   int      `toml:"frame_floor"`
	VerifyDecode bool     `toml:"verify_decode"`
}

// Retry configures the per-job retry budget.
type Retry struct {
	Budget int `toml:"budget"`
}

// GPU configures the telemetry fallback chain.
type GPU struct {
	StatsAttempts   int    `toml:"stats_attempts"`
	StatsIntervalMS int    `toml:"stats_interval_ms"`
	SMIBinary       string `toml:"smi_binary"`
	SMITimeout      int    `toml:"smi_timeout"`
}

// History configures the SQLite attempt history.
type History struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Redis configures job intake and telemetry publication through Redis.
type Redis struct {
	Enabled       bool   `toml:"enabled"`
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	JobQueue      string `toml:"job_queue"`
	TelemetryList string `toml:"telemetry_list"`
	MaxJobs       int    `toml:"max_jobs"`
}

// Metrics configures the per-run Prometheus textfile.
type Metrics struct {
	Textfile bool `toml:"textfile"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	RunEvents      bool   `toml:"run_events"`
	JobFailures    bool   `toml:"job_failures"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for comfyrun.
//
// Configuration sections by subsystem:
//   - Paths: run output and log directories
//   - ComfyUI: remote compute service connection
//   - Detection: completion detector timing and policy
//   - DoneMarker: atomic sentinel consumed by the detector
//   - Artifacts: candidate output directories and frame floor
//   - Retry: per-job retry budget
//   - GPU: telemetry fallback chain tuning
//   - History: SQLite attempt history
//   - Redis: job intake and telemetry publication
//   - Metrics: Prometheus textfile output
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	ComfyUI       ComfyUI       `toml:"comfyui"`
	Detection     Detection     `toml:"detection"`
	DoneMarker    DoneMarker    `toml:"done_marker"`
	Artifacts     Artifacts     `toml:"artifacts"`
	Retry         Retry         `toml:"retry"`
	GPU           GPU           `toml:"gpu"`
	History       History       `toml:"history"`
	Redis         Redis         `toml:"redis"`
	Metrics       Metrics       `toml:"metrics"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("comfyrun.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for a run. Output scan
// directories belong to the compute service and are never created here.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.RunsDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.History.Enabled && strings.TrimSpace(c.History.Path) != "" {
		if err := os.MkdirAll(filepath.Dir(c.History.Path), 0o755); err != nil {
			return fmt.Errorf("create history directory: %w", err)
		}
	}
	return nil
}

// MarkerDir returns the directory the done-marker is expected in.
func (c *Config) MarkerDir() string {
	if dir := strings.TrimSpace(c.DoneMarker.Dir); dir != "" {
		return dir
	}
	if len(c.Artifacts.OutputDirs) > 0 {
		return c.Artifacts.OutputDirs[0]
	}
	return ""
}

// PollInterval returns the detector poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Detection.PollIntervalSeconds) * time.Second
}

// RequestTimeout returns the per-request timeout for the compute service.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.ComfyUI.RequestTimeout) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
