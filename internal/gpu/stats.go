package gpu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"comfyrun/internal/services/comfyui"
)

// StatsClient is the subset of the ComfyUI client used for sampling.
type StatsClient interface {
	SystemStats(ctx context.Context) (comfyui.SystemStats, error)
}

// Sleeper pauses between retries.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var errNoDevice = errors.New("no gpu device reported")

// StatsSource queries the service's system stats endpoint.
type StatsSource struct {
	client   StatsClient
	attempts int
	interval time.Duration
	sleeper  Sleeper
}

// NewStatsSource retries up to attempts times, waiting interval between
// tries. A nil sleeper uses real timers.
func NewStatsSource(client StatsClient, attempts int, interval time.Duration, sleeper Sleeper) *StatsSource {
	if attempts <= 0 {
		attempts = 1
	}
	if sleeper == nil {
		sleeper = timerSleeper{}
	}
	return &StatsSource{client: client, attempts: attempts, interval: interval, sleeper: sleeper}
}

func (s *StatsSource) Name() string { return "system_stats" }

// Sample returns the primary GPU's usage. Only the final error is reported.
func (s *StatsSource) Sample(ctx context.Context) (Reading, error) {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if attempt > 1 {
			if err := s.sleeper.Sleep(ctx, s.interval); err != nil {
				return Reading{}, err
			}
		}
		stats, err := s.client.SystemStats(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		device, ok := stats.PrimaryGPU()
		if !ok {
			lastErr = errNoDevice
			continue
		}
		return Reading{Name: device.Name, VRAMUsedMB: device.UsedMB()}, nil
	}
	return Reading{}, fmt.Errorf("%d attempts: %w", s.attempts, lastErr)
}
