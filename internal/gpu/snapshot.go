package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"comfyrun/internal/logging"
)

// Reading is a successful sample from one source.
type Reading struct {
	Name       string
	VRAMUsedMB float64
}

// Source produces a Reading or an error describing why it could not.
type Source interface {
	Name() string
	Sample(ctx context.Context) (Reading, error)
}

// Snapshot is the result of walking the chain once. Nil fields mean no
// source produced a value.
type Snapshot struct {
	Name       *string
	VRAMUsedMB *float64
	Source     string
	Label      string
	Notes      []string
}

// Available reports whether any source succeeded.
func (s Snapshot) Available() bool {
	return s.VRAMUsedMB != nil
}

// Delta returns after minus before when both are known.
func Delta(before, after Snapshot) *float64 {
	if before.VRAMUsedMB == nil || after.VRAMUsedMB == nil {
		return nil
	}
	d := *after.VRAMUsedMB - *before.VRAMUsedMB
	return &d
}

// DeviceName prefers the later snapshot's device name.
func DeviceName(before, after Snapshot) *string {
	if after.Name != nil {
		return after.Name
	}
	return before.Name
}

// Collector walks its sources in order; the first success wins.
type Collector struct {
	sources []Source
	logger  *slog.Logger
}

// NewCollector builds a chain from sources in priority order.
func NewCollector(logger *slog.Logger, sources ...Source) *Collector {
	return &Collector{
		sources: sources,
		logger:  logging.NewComponentLogger(logger, "gpu"),
	}
}

// Snapshot samples the chain. label names the snapshot in notes and logs
// ("before" or "after").
func (c *Collector) Snapshot(ctx context.Context, label string) Snapshot {
	snap := Snapshot{Label: label, Notes: []string{}}
	for _, source := range c.sources {
		reading, err := source.Sample(ctx)
		if err != nil {
			snap.Notes = append(snap.Notes, fmt.Sprintf("gpu %s: %s failed: %v", label, source.Name(), err))
			c.logger.Debug("gpu source failed",
				logging.String("snapshot", label),
				logging.String("source", source.Name()),
				logging.Error(err),
			)
			continue
		}
		name := strings.TrimSpace(reading.Name)
		used := reading.VRAMUsedMB
		if name != "" {
			snap.Name = &name
		}
		snap.VRAMUsedMB = &used
		snap.Source = source.Name()
		c.logger.Debug("gpu snapshot",
			logging.String("snapshot", label),
			logging.String("source", source.Name()),
			logging.Float64("vram_used_mb", used),
		)
		return snap
	}

	names := make([]string, 0, len(c.sources))
	for _, source := range c.sources {
		names = append(names, source.Name())
	}
	snap.Notes = append(snap.Notes, fmt.Sprintf("gpu %s: no telemetry source succeeded (%s); gpu fields left null", label, strings.Join(names, ", ")))
	logging.WarnWithContext(c.logger, "gpu telemetry unavailable", "gpu_telemetry_unavailable",
		logging.String("snapshot", label),
		logging.String(logging.FieldErrorHint, "check the service /system_stats endpoint or install nvidia-smi"),
		logging.String(logging.FieldImpact, "gpu fields recorded as null"),
	)
	return snap
}

// CombinedNotes returns the notes of both snapshots in order. A note that
// both snapshots report with the same text apart from their label is kept
// once, as "gpu: <text>".
func CombinedNotes(before, after Snapshot) []string {
	inAfter := make(map[string]bool, len(after.Notes))
	for _, note := range after.Notes {
		inAfter[noteBody(after, note)] = true
	}
	out := make([]string, 0, len(before.Notes)+len(after.Notes))
	merged := make(map[string]bool)
	for _, note := range before.Notes {
		body := noteBody(before, note)
		if inAfter[body] && !merged[body] {
			merged[body] = true
			out = append(out, "gpu: "+body)
			continue
		}
		out = append(out, note)
	}
	for _, note := range after.Notes {
		if merged[noteBody(after, note)] {
			continue
		}
		out = append(out, note)
	}
	return out
}

func noteBody(s Snapshot, note string) string {
	if s.Label == "" {
		return note
	}
	return strings.TrimPrefix(note, "gpu "+s.Label+": ")
}
