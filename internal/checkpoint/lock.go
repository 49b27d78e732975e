package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
)

const (
	lockDirSuffix = ".lock"
	lockOwnerFile = "owner.json"

	// lockOwnerGrace is how long a lock directory may exist without a
	// readable owner file before it is considered abandoned.
	lockOwnerGrace = 30 * time.Second
)

// ErrLocked is returned by Lock when another process is extracting for
// the same user.
var ErrLocked = errors.New("user is locked by another extraction")

// RunLock serializes extractions per user across processes
type RunLock struct {
	dir string
}

// LockOwner identifies the process holding a lock
type LockOwner struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Lock takes the per-user run lock. A lock left behind by a process that
// no longer runs on this host is reclaimed.
func (s *Store) Lock(user, runID string) (*RunLock, error) {
	dir := filepath.Join(s.dir, fileName(user)+lockDirSuffix)

	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(dir, 0755)
		if err == nil {
			owner := LockOwner{
				PID:       os.Getpid(),
				Hostname:  hostnameOrUnknown(),
				RunID:     runID,
				CreatedAt: s.now().UTC(),
			}
			data, err := json.Marshal(owner)
			if err == nil {
				err = os.WriteFile(filepath.Join(dir, lockOwnerFile), data, 0644)
			}
			if err != nil {
				_ = os.RemoveAll(dir)
				return nil, fmt.Errorf("failed to write lock owner: %w", err)
			}
			return &RunLock{dir: dir}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire lock for %s: %w", user, err)
		}

		owner, readErr := readOwner(dir)
		if readErr != nil && s.ownerlessExpired(dir) {
			if err := os.RemoveAll(dir); err != nil {
				return nil, fmt.Errorf("failed to reclaim abandoned lock: %w", err)
			}
			continue
		}
		if readErr == nil && owner.stale() {
			if err := os.RemoveAll(dir); err != nil {
				return nil, fmt.Errorf("failed to reclaim stale lock: %w", err)
			}
			continue
		}
		if readErr == nil && owner.PID > 0 {
			return nil, fmt.Errorf("%w: %s (pid=%d host=%s since %s)",
				ErrLocked, user, owner.PID, owner.Hostname, owner.CreatedAt.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("%w: %s", ErrLocked, user)
	}

	return nil, fmt.Errorf("%w: %s", ErrLocked, user)
}

// Release drops the lock. Releasing twice is harmless.
func (l *RunLock) Release() error {
	if l == nil || l.dir == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.dir, lockOwnerFile))
	if err := os.Remove(l.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock %s: %w", l.dir, err)
	}
	l.dir = ""
	return nil
}

// ownerlessExpired reports whether a lock directory without a usable owner
// file is older than the grace period. A process that died between
// creating the directory and writing its owner leaves such a lock behind.
func (s *Store) ownerlessExpired(dir string) bool {
	fi, err := os.Stat(dir)
	if err != nil {
		return false
	}
	return s.now().Sub(fi.ModTime()) > lockOwnerGrace
}

func readOwner(dir string) (LockOwner, error) {
	var owner LockOwner
	data, err := os.ReadFile(filepath.Join(dir, lockOwnerFile))
	if err != nil {
		return owner, err
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		return owner, err
	}
	return owner, nil
}

// stale reports whether the owner was a process on this host that has
// since exited.
func (o LockOwner) stale() bool {
	if o.PID <= 0 || o.Hostname != hostnameOrUnknown() {
		return false
	}
	if o.PID == os.Getpid() {
		return false
	}
	return !processAlive(o.PID)
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
