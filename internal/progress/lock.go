package progress

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const lockOwnerFile = "owner.json"

// ErrLocked is returned when another live process holds the store lock.
var ErrLocked = eris.New("progress: store is locked by another run")

// Lock is a directory lock enforcing a single writer per store.
type Lock struct {
	dir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// AcquireLock creates dir as the lock. A lock left behind by a process that
// is no longer running on this host is reclaimed.
func AcquireLock(dir string) (*Lock, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, eris.New("progress: lock path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, eris.Wrapf(err, "progress: create parent for lock %s", dir)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, eris.Wrapf(err, "progress: acquire lock %s", dir)
		}

		owner, readErr := readLockOwner(dir)
		if attempt == 0 && readErr == nil && owner.stale() {
			zap.L().Warn("progress: reclaiming stale lock",
				zap.String("lock", dir),
				zap.Int("pid", owner.PID),
				zap.String("created_at", owner.CreatedAt),
			)
			_ = os.Remove(filepath.Join(dir, lockOwnerFile))
			if rmErr := os.Remove(dir); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, eris.Wrapf(rmErr, "progress: remove stale lock %s", dir)
			}
			continue
		}
		if readErr == nil && owner.PID > 0 {
			return nil, eris.Wrapf(ErrLocked, "pid=%d host=%s since %s (lock %s)",
				owner.PID, owner.Hostname, owner.CreatedAt, dir)
		}
		return nil, eris.Wrapf(ErrLocked, "lock %s", dir)
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	data, err := json.MarshalIndent(owner, "", "  ")
	if err != nil {
		_ = os.Remove(dir)
		return nil, eris.Wrap(err, "progress: marshal lock owner")
	}
	if err := writeFileAtomic(filepath.Join(dir, lockOwnerFile), append(data, '\n')); err != nil {
		_ = os.Remove(dir)
		return nil, err
	}
	return &Lock{dir: dir}, nil
}

// Release removes the lock. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.dir == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.dir, lockOwnerFile))
	if err := os.Remove(l.dir); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "progress: release lock %s", l.dir)
	}
	l.dir = ""
	return nil
}

func readLockOwner(dir string) (lockOwner, error) {
	var owner lockOwner
	data, err := os.ReadFile(filepath.Join(dir, lockOwnerFile))
	if err != nil {
		return owner, err
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		return owner, err
	}
	if owner.PID <= 0 {
		return owner, errors.New("lock owner without pid")
	}
	return owner, nil
}

func (o lockOwner) stale() bool {
	if o.Hostname != "" && o.Hostname != hostnameOrUnknown() {
		return false
	}
	return !processAlive(o.PID)
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
