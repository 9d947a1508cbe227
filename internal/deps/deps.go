// Package deps reports whether the external binaries comfyrun shells out to
// are installed.
package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"comfyrun/internal/config"
)

// Requirement defines an external binary.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a requirement.
type Status struct {
	Name        string
	Command     string
	Path        string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// Requirements lists the binaries cfg refers to. nvidia-smi is optional: it
// is only the fallback GPU telemetry source.
func Requirements(cfg *config.Config) []Requirement {
	return []Requirement{
		{
			Name:        "nvidia-smi",
			Command:     cfg.GPU.SMIBinary,
			Description: "Fallback GPU telemetry source",
			Optional:    true,
		},
	}
}

// CheckBinaries resolves each requirement on PATH.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		switch path, err := exec.LookPath(cmd); {
		case cmd == "":
			status.Detail = "command not configured"
		case err != nil:
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
		default:
			status.Available = true
			status.Path = path
		}
		results = append(results, status)
	}
	return results
}

// MissingRequired returns the names of unavailable non-optional binaries.
func MissingRequired(statuses []Status) []string {
	var missing []string
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			missing = append(missing, s.Name)
		}
	}
	return missing
}
