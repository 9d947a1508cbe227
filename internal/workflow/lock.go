package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFile is the lock file name inside the runs directory.
const LockFile = ".comfyrun.lock"

// ErrRunInProgress is returned when another process holds the runs lock.
var ErrRunInProgress = errors.New("another comfyrun run is already in progress")

type runLock struct {
	path string
	lock *flock.Flock
}

func acquireRunLock(runsDir string) (*runLock, error) {
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure runs directory: %w", err)
	}
	path := filepath.Join(runsDir, LockFile)
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrRunInProgress, path)
	}
	return &runLock{path: path, lock: lock}, nil
}

func (l *runLock) release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
