package progress

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeOwner(t *testing.T, dir string, owner lockOwner) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(owner)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockOwnerFile), data, 0o644))
}

func TestAcquireLock_ReleaseAndReacquire(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "progress.json.lock")

	l, err := AcquireLock(dir)
	require.NoError(t, err)

	owner, err := readLockOwner(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), owner.PID)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	l2, err := AcquireLock(dir)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestAcquireLock_HeldByLiveProcess(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "progress.json.lock")
	writeOwner(t, dir, lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	})

	_, err := AcquireLock(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Contains(t, err.Error(), "pid=")
}

func TestAcquireLock_ReclaimsStaleLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "progress.json.lock")
	writeOwner(t, dir, lockOwner{
		PID:       2147483646,
		CreatedAt: "2024-01-01T00:00:00Z",
		Hostname:  hostnameOrUnknown(),
	})

	l, err := AcquireLock(dir)
	require.NoError(t, err)
	defer l.Release() //nolint:errcheck

	owner, err := readLockOwner(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), owner.PID)
}

func TestAcquireLock_OtherHostNotReclaimed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "progress.json.lock")
	writeOwner(t, dir, lockOwner{
		PID:       2147483646,
		CreatedAt: "2024-01-01T00:00:00Z",
		Hostname:  "some-other-host.invalid",
	})

	_, err := AcquireLock(dir)
	assert.True(t, errors.Is(err, ErrLocked))
}

func TestAcquireLock_EmptyPath(t *testing.T) {
	_, err := AcquireLock("  ")
	assert.Error(t, err)
}
