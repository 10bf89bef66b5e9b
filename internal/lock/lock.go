// Package lock provides the single-instance guard for sync runs.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked means another process holds the lock. Callers map it to the
// dedicated exit code.
var ErrLocked = errors.New("another sync instance is already running")

// Lock is a held single-instance lock.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes an exclusive, non-blocking OS lock on the file at path.
// The kernel releases it if the process dies, so a crashed run never
// wedges the next one.
func Acquire(path string) (*Lock, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock file %s)", ErrLocked, path)
	}
	return &Lock{fl: fl}, nil
}

// Release frees the lock. Safe to call once on every exit path.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
