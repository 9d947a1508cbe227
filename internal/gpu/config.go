package gpu

import (
	"log/slog"
	"time"

	"comfyrun/internal/config"
	"comfyrun/internal/services"
)

// NewFromConfig builds the standard two-source chain.
func NewFromConfig(cfg config.GPU, client StatsClient, exec services.Executor, sleeper Sleeper, logger *slog.Logger) *Collector {
	sources := make([]Source, 0, 2)
	if client != nil {
		interval := time.Duration(cfg.StatsIntervalMS) * time.Millisecond
		sources = append(sources, NewStatsSource(client, cfg.StatsAttempts, interval, sleeper))
	}
	sources = append(sources, NewSMISource(exec, cfg.SMIBinary, time.Duration(cfg.SMITimeout)*time.Second))
	return NewCollector(logger, sources...)
}
