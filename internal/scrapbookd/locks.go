package scrapbookd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrLockBusy indicates an acquire attempt timed out while the lock was held
// by another owner.
var ErrLockBusy = errors.New("unable to acquire lock")

// ErrInvalidLockName indicates a lock name that escapes the lock namespace
// root after normalization.
var ErrInvalidLockName = errors.New("invalid lock name")

// pollInterval is the maximum sleep between acquire retries.
const pollInterval = 100 * time.Millisecond

// LockRegistry implements named advisory locks as directories under Root,
// with stale-lock takeover and a bounded acquire timeout.
type LockRegistry struct {
	Root    string
	metrics *Metrics

	now func() time.Time
}

// NewLockRegistry constructs a LockRegistry rooted at root (typically
// <physical_root>/.wsb/server/locks).
func NewLockRegistry(root string, metrics *Metrics) *LockRegistry {
	return &LockRegistry{Root: root, metrics: metrics, now: time.Now}
}

func (r *LockRegistry) pathFor(name string) (string, error) {
	joined := filepath.Join(r.Root, name)
	cleanRoot := filepath.Clean(r.Root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", ErrInvalidLockName
	}
	return joined, nil
}

// Acquire attempts to create the lock directory for name. If it already
// exists and its mtime is older than staleSeconds, it is touched and taken
// over. Otherwise the caller polls until timeoutSeconds elapses.
func (r *LockRegistry) Acquire(name string, staleSeconds, timeoutSeconds int) error {
	path, err := r.pathFor(name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(r.Root, 0o755); err != nil {
		return fmt.Errorf("prepare lock namespace root: %w", err)
	}

	deadline := r.now().Add(time.Duration(timeoutSeconds) * time.Second)

	for {
		err := os.Mkdir(path, 0o755)
		if err == nil {
			if r.metrics != nil {
				r.metrics.SetLocksHeld(r.countHeld())
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock directory: %w", err)
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			// Lock disappeared between Mkdir and Stat; retry immediately.
			continue
		}

		staleThreshold := r.now().Add(-time.Duration(staleSeconds) * time.Second)
		if !info.ModTime().After(staleThreshold) {
			now := r.now()
			if err := os.Chtimes(path, now, now); err != nil {
				return fmt.Errorf("touch stale lock: %w", err)
			}
			if r.metrics != nil {
				r.metrics.IncLockTakeovers()
			}
			return nil
		}

		if r.now().After(deadline) {
			if r.metrics != nil {
				r.metrics.IncLockTimeouts()
			}
			return fmt.Errorf("%w %q", ErrLockBusy, name)
		}

		sleep := pollInterval
		if remaining := time.Duration(timeoutSeconds) * time.Second; remaining < sleep {
			sleep = remaining
		}
		time.Sleep(sleep)
	}
}

// Release removes the lock directory for name. Absence is not an error.
func (r *LockRegistry) Release(name string) error {
	path, err := r.pathFor(name)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	if r.metrics != nil {
		r.metrics.SetLocksHeld(r.countHeld())
	}
	return nil
}

func (r *LockRegistry) countHeld() int {
	entries, err := os.ReadDir(r.Root)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n
}
