package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Definition describes one generation job. It is treated as a value: the run
// loop resubmits the identical definition on every attempt.
type Definition struct {
	ID             string `toml:"id" json:"id"`
	Template       string `toml:"template" json:"template"`
	Prompt         string `toml:"prompt" json:"prompt"`
	NegativePrompt string `toml:"negative_prompt" json:"negativePrompt,omitempty"`
	ReferenceImage string `toml:"reference_image" json:"referenceImage,omitempty"`
	Prefix         string `toml:"prefix" json:"prefix"`
	// Floor overrides the configured frame floor when set.
	Floor *int `toml:"floor" json:"floor,omitempty"`
}

// Handle identifies one accepted submission.
type Handle struct {
	JobID       string    `json:"jobId"`
	SubmittedAt time.Time `json:"submittedAt"`
	ClientID    string    `json:"clientId"`
}

// FloorOr returns the definition's floor override or fallback.
func (d Definition) FloorOr(fallback int) int {
	if d.Floor != nil && *d.Floor >= 0 {
		return *d.Floor
	}
	return fallback
}

// Validate checks the fields every submission needs.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(d.Template) == "" {
		return errors.New("template path is required")
	}
	if strings.TrimSpace(d.Prefix) == "" {
		return errors.New("output prefix is required")
	}
	if strings.ContainsAny(d.Prefix, `/\*?[`) {
		return fmt.Errorf("output prefix %q must be a plain file name stem", d.Prefix)
	}
	if d.Floor != nil && *d.Floor < 0 {
		return fmt.Errorf("floor must be >= 0, got %d", *d.Floor)
	}
	return nil
}

type manifest struct {
	Jobs []Definition `toml:"jobs"`
}

// LoadManifest reads a TOML file containing [[jobs]] tables.
func LoadManifest(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Jobs) == 0 {
		return nil, fmt.Errorf("manifest %s defines no jobs", path)
	}
	seen := make(map[string]struct{}, len(m.Jobs))
	for i, def := range m.Jobs {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("manifest job %d: %w", i+1, err)
		}
		if _, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("manifest job %d: duplicate id %q", i+1, def.ID)
		}
		seen[def.ID] = struct{}{}
	}
	return m.Jobs, nil
}

// DecodeDefinition parses a JSON job payload such as one pushed onto the Redis queue.
func DecodeDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("decode job definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}
