package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateComfyUI(); err != nil {
		return err
	}
	if err := c.validateDetection(); err != nil {
		return err
	}
	if err := c.validateArtifacts(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateGPU(); err != nil {
		return err
	}
	if err := c.validateRedis(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateComfyUI() error {
	parsed, err := url.Parse(c.ComfyUI.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("comfyui.url must be an absolute http(s) URL, got %q", c.ComfyUI.URL)
	}
	if c.ComfyUI.RequestTimeout <= 0 {
		return errors.New("comfyui.request_timeout must be positive (seconds)")
	}
	return nil
}

func (c *Config) validateDetection() error {
	if err := ensurePositiveMap(map[string]int{
		"detection.max_wait_seconds":               c.Detection.MaxWaitSeconds,
		"detection.poll_interval_seconds":          c.Detection.PollIntervalSeconds,
		"detection.post_execution_timeout_seconds": c.Detection.PostExecutionTimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Detection.PollIntervalSeconds > c.Detection.MaxWaitSeconds {
		return errors.New("detection.poll_interval_seconds must not exceed detection.max_wait_seconds")
	}
	switch c.Detection.TieBreak {
	case TieBreakTimeoutFirst, TieBreakMarkerFirst:
	default:
		return fmt.Errorf("detection.tie_break must be %q or %q, got %q", TieBreakTimeoutFirst, TieBreakMarkerFirst, c.Detection.TieBreak)
	}
	return nil
}

func (c *Config) validateArtifacts() error {
	if len(c.Artifacts.OutputDirs) == 0 {
		return errors.New("artifacts.output_dirs must include at least one directory")
	}
	if c.Artifacts.FrameFloor < 0 {
		return errors.New("artifacts.frame_floor must be >= 0")
	}
	if c.DoneMarker.Enabled && strings.TrimSpace(c.MarkerDir()) == "" {
		return errors.New("done_marker.dir must be set when done_marker.enabled is true and no output_dirs are configured")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.Budget < 0 {
		return errors.New("retry.budget must be >= 0")
	}
	return nil
}

func (c *Config) validateGPU() error {
	if c.GPU.StatsIntervalMS < 0 {
		return errors.New("gpu.stats_interval_ms must be >= 0")
	}
	if c.GPU.SMITimeout <= 0 {
		return errors.New("gpu.smi_timeout must be positive (seconds)")
	}
	return nil
}

func (c *Config) validateRedis() error {
	if !c.Redis.Enabled {
		return nil
	}
	if c.Redis.DB < 0 {
		return errors.New("redis.db must be >= 0")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
