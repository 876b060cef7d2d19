package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Locks older than this are treated as leftovers from a crashed process.
const lockStaleAfter = 10 * time.Minute

// Lock guards the state file against concurrent writers. Acquisition is
// atomic: the lock file is created with O_EXCL, so two processes racing for
// the same state cannot both win.
func (m *Manager) Lock() error {
	lockPath := m.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info, err := os.Stat(lockPath); err == nil {
		if time.Since(info.ModTime()) <= lockStaleAfter {
			return fmt.Errorf("state is locked by another process (lock file: %s); "+
				"remove it manually if the holder is gone", lockPath)
		}
		os.Remove(lockPath)
	}

	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("state is locked by another process (lock file: %s)", lockPath)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return nil
}

// Unlock releases the state lock. A missing lock file is not an error.
func (m *Manager) Unlock() error {
	if err := os.Remove(m.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (m *Manager) lockPath() string {
	return m.path + ".lock"
}
