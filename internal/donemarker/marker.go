// Package donemarker implements the atomic done-marker sentinel.
//
// A producer writes <prefix>.done.tmp, fsyncs it, and renames it to
// <prefix>.done, so a consumer that only checks for existence never sees a
// partially written marker.
package donemarker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// Suffix is appended to the output prefix to form the marker name.
	Suffix = ".done"
	// TempSuffix names the in-progress marker before the rename.
	TempSuffix = ".done.tmp"
)

// Payload is the marker body.
type Payload struct {
	Timestamp  string `json:"Timestamp"`
	FrameCount *int   `json:"FrameCount,omitempty"`
}

// Path returns the marker path for prefix inside dir.
func Path(dir, prefix string) string {
	return filepath.Join(dir, prefix+Suffix)
}

// Marker checks for one job's done-marker.
type Marker struct {
	path string
}

// New returns a consumer for <dir>/<prefix>.done.
func New(dir, prefix string) *Marker {
	return &Marker{path: Path(dir, prefix)}
}

// Path returns the watched marker path.
func (m *Marker) Path() string {
	return m.path
}

// Present reports whether the marker exists. A missing marker is not an error.
func (m *Marker) Present(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat done marker: %w", err)
	}
	return !info.IsDir(), nil
}

// Write produces <dir>/<prefix>.done atomically and returns its path. frames
// may be nil when the producer does not know the count.
func Write(dir, prefix string, frames *int, now time.Time) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", errors.New("done marker: prefix required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("done marker: create dir: %w", err)
	}
	payload := Payload{Timestamp: now.UTC().Format("2006-01-02T15:04:05Z"), FrameCount: frames}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("done marker: encode: %w", err)
	}

	finalPath := Path(dir, prefix)
	tmpPath := filepath.Join(dir, prefix+TempSuffix)
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("done marker: open temp: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("done marker: write temp: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("done marker: sync temp: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("done marker: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("done marker: rename: %w", err)
	}
	return finalPath, nil
}

// Read decodes the marker at path.
func Read(path string) (Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, fmt.Errorf("read done marker: %w", err)
	}
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, fmt.Errorf("parse done marker %s: %w", path, err)
	}
	return payload, nil
}
