package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"comfyrun/internal/config"
	"comfyrun/internal/logging"
	"comfyrun/internal/redisbus"
	"comfyrun/internal/services/comfyui"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
			cfg.Logging.Level = strings.TrimSpace(*c.logLevelFlag)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configExists = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.NewFromConfig(cfg)
}

func newComfyClient(cfg *config.Config) *comfyui.Client {
	return comfyui.NewClient(comfyui.Config{
		BaseURL:        cfg.ComfyUI.URL,
		TimeoutSeconds: cfg.ComfyUI.RequestTimeout,
	})
}

func newBus(cfg *config.Config, logger *slog.Logger) *redisbus.Bus {
	return redisbus.New(redisbus.NewClient(cfg.Redis), cfg.Redis, logger)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
