package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"

	"comfyrun/internal/config"
	"comfyrun/internal/fileutil"
	"comfyrun/internal/logging"
)

// Collector scans candidate output directories for one job's frames.
type Collector struct {
	outputDirs  []string
	cleanupDirs []string
	extensions  []string
	verify      bool
	logger      *slog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithCleanupDirs adds directories that Cleanup sweeps but Collect does not
// scan, such as a separate done-marker directory.
func WithCleanupDirs(dirs ...string) Option {
	return func(c *Collector) {
		for _, dir := range dirs {
			dir = strings.TrimSpace(dir)
			if dir == "" || contains(c.cleanupDirs, dir) {
				continue
			}
			c.cleanupDirs = append(c.cleanupDirs, dir)
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// New builds a Collector from the [artifacts] config section.
func New(cfg config.Artifacts, opts ...Option) *Collector {
	c := &Collector{
		outputDirs:  append([]string(nil), cfg.OutputDirs...),
		cleanupDirs: append([]string(nil), cfg.OutputDirs...),
		verify:      cfg.VerifyDecode,
	}
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.extensions = append(c.extensions, ext)
	}
	if len(c.extensions) == 0 {
		c.extensions = []string{".png"}
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "artifacts")
	return c
}

// CleanupResult lists what Cleanup removed and what it could not.
type CleanupResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a path with its removal error.
type CleanupError struct {
	Path  string
	Error error
}

// Cleanup deletes every regular file belonging to prefix (frames, done
// markers and their temp files) from all candidate directories. A name
// belongs to prefix when it equals it or continues with "_" or ".", so
// "job1" never sweeps "job10". Missing directories are skipped.
func (c *Collector) Cleanup(prefix string) CleanupResult {
	result := CleanupResult{}
	if strings.TrimSpace(prefix) == "" {
		return result
	}
	for _, dir := range c.cleanupDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				result.Errors = append(result.Errors, CleanupError{Path: dir, Error: err})
			}
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !owned(prefix, entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
				logging.WarnWithContext(c.logger, "failed to remove stale output", "artifact_cleanup_failed",
					logging.String("path", path),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check output directory permissions"),
					logging.String(logging.FieldImpact, "stale frames may be counted for this attempt"),
				)
				continue
			}
			result.Removed = append(result.Removed, path)
		}
	}
	if len(result.Removed) > 0 {
		c.logger.Info("removed stale outputs",
			logging.String("prefix", prefix),
			logging.Int("count", len(result.Removed)),
			logging.String(logging.FieldEventType, "artifact_cleanup"),
		)
	}
	return result
}

// Collection is the outcome of one scan.
type Collection struct {
	Count int
	Files []string
	Bytes int64
	Notes []string
}

// Match reports whether name is a frame for prefix with an accepted
// extension.
func (c *Collector) Match(prefix, name string) bool {
	if !strings.HasPrefix(name, prefix+"_") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return contains(c.extensions, ext)
}

// Collect copies every matching frame into dest and returns how many were
// copied. Unreadable or uncopyable frames are skipped with a note. The
// returned error is reserved for a destination that cannot be created.
func (c *Collector) Collect(ctx context.Context, prefix, dest string) (Collection, error) {
	out := Collection{Notes: []string{}}
	sources, notes := c.scan(prefix)
	out.Notes = append(out.Notes, notes...)
	if len(sources) == 0 {
		c.logger.Info("no frames found",
			logging.String("prefix", prefix),
			logging.String(logging.FieldEventType, "artifact_collect"),
		)
		return out, nil
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return out, fmt.Errorf("create frame destination: %w", err)
	}

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			out.Notes = append(out.Notes, fmt.Sprintf("frame collection interrupted after %d of %d files: %v", out.Count, len(sources), err))
			break
		}
		name := filepath.Base(src)
		if c.verify {
			if _, err := imaging.Open(src); err != nil {
				out.Notes = append(out.Notes, fmt.Sprintf("skipped unreadable frame %s: %v", name, err))
				continue
			}
		}
		target := filepath.Join(dest, name)
		if err := fileutil.CopyFile(src, target); err != nil {
			out.Notes = append(out.Notes, fmt.Sprintf("failed to copy frame %s: %v", name, err))
			continue
		}
		if info, err := os.Stat(target); err == nil {
			out.Bytes += info.Size()
		}
		out.Files = append(out.Files, target)
		out.Count++
	}

	c.logger.Info("frames collected",
		logging.String("prefix", prefix),
		logging.Int("frames", out.Count),
		logging.String("size", humanize.Bytes(uint64(out.Bytes))),
		logging.String("destination", dest),
		logging.String(logging.FieldEventType, "artifact_collect"),
	)
	return out, nil
}

func (c *Collector) scan(prefix string) ([]string, []string) {
	var (
		sources []string
		notes   []string
		seen    = make(map[string]string)
	)
	for _, dir := range c.outputDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				notes = append(notes, fmt.Sprintf("could not scan %s: %v", dir, err))
			}
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !c.Match(prefix, name) {
				continue
			}
			if first, dup := seen[name]; dup {
				notes = append(notes, fmt.Sprintf("frame %s found in both %s and %s; kept the first", name, first, dir))
				continue
			}
			seen[name] = dir
			sources = append(sources, filepath.Join(dir, name))
		}
	}
	sort.Slice(sources, func(i, j int) bool {
		return filepath.Base(sources[i]) < filepath.Base(sources[j])
	})
	return sources, notes
}

func owned(prefix, name string) bool {
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	rest := name[len(prefix):]
	return rest == "" || rest[0] == '_' || rest[0] == '.'
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
