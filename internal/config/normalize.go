package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeComfyUI()
	c.normalizeDetection()
	if err := c.normalizeArtifacts(); err != nil {
		return err
	}
	if err := c.normalizeDoneMarker(); err != nil {
		return err
	}
	c.normalizeGPU()
	c.normalizeRedis()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.RunsDir, err = expandPath(c.Paths.RunsDir); err != nil {
		return fmt.Errorf("paths.runs_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.History.Path) == "" {
		c.History.Path = defaultHistoryPath
	}
	if c.History.Path, err = expandPath(c.History.Path); err != nil {
		return fmt.Errorf("history.path: %w", err)
	}
	return nil
}

func (c *Config) normalizeComfyUI() {
	if value, ok := os.LookupEnv("COMFYUI_URL"); ok && strings.TrimSpace(value) != "" {
		c.ComfyUI.URL = value
	}
	c.ComfyUI.URL = strings.TrimRight(strings.TrimSpace(c.ComfyUI.URL), "/")
	if c.ComfyUI.URL == "" {
		c.ComfyUI.URL = defaultComfyUIURL
	}
	c.ComfyUI.InputDir = strings.TrimSpace(c.ComfyUI.InputDir)
	if c.ComfyUI.InputDir != "" {
		if expanded, err := expandPath(c.ComfyUI.InputDir); err == nil {
			c.ComfyUI.InputDir = expanded
		}
	}
}

func (c *Config) normalizeDetection() {
	c.Detection.TieBreak = strings.ToLower(strings.TrimSpace(c.Detection.TieBreak))
	if c.Detection.TieBreak == "" {
		c.Detection.TieBreak = defaultTieBreak
	}
	if c.Detection.AttemptLimit < 0 {
		c.Detection.AttemptLimit = 0
	}
}

func (c *Config) normalizeArtifacts() error {
	dirs := make([]string, 0, len(c.Artifacts.OutputDirs))
	seen := make(map[string]struct{}, len(c.Artifacts.OutputDirs))
	for _, dir := range c.Artifacts.OutputDirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		expanded, err := expandPath(strings.TrimSpace(dir))
		if err != nil {
			return fmt.Errorf("artifacts.output_dirs: %w", err)
		}
		if _, exists := seen[expanded]; exists {
			continue
		}
		seen[expanded] = struct{}{}
		dirs = append(dirs, expanded)
	}
	c.Artifacts.OutputDirs = dirs

	exts := make([]string, 0, len(c.Artifacts.Extensions))
	for _, ext := range c.Artifacts.Extensions {
		normalized := strings.ToLower(strings.TrimSpace(ext))
		if normalized == "" {
			continue
		}
		if !strings.HasPrefix(normalized, ".") {
			normalized = "." + normalized
		}
		exts = append(exts, normalized)
	}
	if len(exts) == 0 {
		exts = []string{".png"}
	}
	c.Artifacts.Extensions = exts
	return nil
}

func (c *Config) normalizeDoneMarker() error {
	if strings.TrimSpace(c.DoneMarker.Dir) == "" {
		c.DoneMarker.Dir = ""
		return nil
	}
	var err error
	if c.DoneMarker.Dir, err = expandPath(strings.TrimSpace(c.DoneMarker.Dir)); err != nil {
		return fmt.Errorf("done_marker.dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeGPU() {
	c.GPU.SMIBinary = strings.TrimSpace(c.GPU.SMIBinary)
	if c.GPU.SMIBinary == "" {
		c.GPU.SMIBinary = defaultSMIBinary
	}
	if c.GPU.StatsAttempts <= 0 {
		c.GPU.StatsAttempts = defaultGPUStatsAttempts
	}
}

func (c *Config) normalizeRedis() {
	if c.Redis.Password == "" {
		if value, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
			c.Redis.Password = strings.TrimSpace(value)
		}
	}
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	if c.Redis.Addr == "" {
		c.Redis.Addr = defaultRedisAddr
	}
	c.Redis.JobQueue = strings.TrimSpace(c.Redis.JobQueue)
	if c.Redis.JobQueue == "" {
		c.Redis.JobQueue = defaultRedisJobQueue
	}
	c.Redis.TelemetryList = strings.TrimSpace(c.Redis.TelemetryList)
	if c.Redis.MaxJobs <= 0 {
		c.Redis.MaxJobs = defaultRedisMaxJobs
	}
}

func (c *Config) normalizeNotifications() {
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = value
		}
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
