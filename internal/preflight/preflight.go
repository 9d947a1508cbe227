package preflight

import (
	"context"

	"comfyrun/internal/config"
	"comfyrun/internal/deps"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string
	Passed   bool
	Optional bool
	Detail   string
}

// Probes are the network-facing dependencies RunAll checks.
type Probes struct {
	Stats StatsProbe
	Redis Pinger
}

// RunAll executes all applicable checks for cfg.
func RunAll(ctx context.Context, cfg *config.Config, probes Probes) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Runs directory", cfg.Paths.RunsDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}
	for _, dir := range cfg.Artifacts.OutputDirs {
		results = append(results, CheckReadable("Output directory", dir))
	}
	if cfg.ComfyUI.InputDir != "" {
		results = append(results, CheckDirectoryAccess("Input directory", cfg.ComfyUI.InputDir))
	}
	if cfg.DoneMarker.Enabled {
		marker := CheckReadable("Done-marker directory", cfg.MarkerDir())
		marker.Optional = true
		results = append(results, marker)
	}

	if probes.Stats != nil {
		results = append(results, CheckComfyUI(ctx, probes.Stats))
	}
	if cfg.Redis.Enabled && probes.Redis != nil {
		results = append(results, CheckRedis(ctx, probes.Redis))
	}
	for _, status := range deps.CheckBinaries(deps.Requirements(cfg)) {
		results = append(results, fromDependency(status))
	}
	return results
}

// Blocking returns the failed checks that are not optional.
func Blocking(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			out = append(out, r)
		}
	}
	return out
}

func fromDependency(status deps.Status) Result {
	result := Result{Name: status.Name, Passed: status.Available, Optional: status.Optional}
	if status.Available {
		result.Detail = status.Path
	} else {
		result.Detail = status.Detail
	}
	return result
}
