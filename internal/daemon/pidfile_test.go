package daemon

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_Lifecycle(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "harness-run.pid"))

	pid, running := pf.IsRunning()
	assert.Zero(t, pid)
	assert.False(t, running)
	assert.ErrorContains(t, pf.Signal(syscall.Signal(0)), "read PID file")

	require.NoError(t, pf.Write())
	pid, running = pf.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
	assert.NoError(t, pf.Signal(syscall.Signal(0)))

	require.NoError(t, pf.Remove())
	assert.Error(t, pf.Remove(), "removing twice reports the missing file")
}

func TestPIDFile_Read(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr string
	}{
		{name: "pid with newline", content: "12345\n", want: 12345},
		{name: "surrounding space", content: "  42  ", want: 42},
		{name: "garbage", content: "not-a-number\n", wantErr: "invalid PID file content"},
		{name: "empty", content: "", wantErr: "invalid PID file content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "x.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			pid, err := NewPIDFile(path).Read()
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}

	_, err := NewPIDFile(filepath.Join(t.TempDir(), "missing.pid")).Read()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPIDFile_DeadProcessNotRunning(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "stale.pid"))
	require.NoError(t, pf.WritePID(999999))

	pid, running := pf.IsRunning()
	assert.Equal(t, 999999, pid)
	assert.False(t, running)
}

func TestAcquire_ExclusiveAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "coordinator.pid")

	lock, err := Acquire(path)
	require.NoError(t, err)
	assert.Equal(t, path, lock.Path())

	pid, err := NewPIDFile(path).Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	_, err = Acquire(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Contains(t, err.Error(), "pid")

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release(), "second release is a no-op")
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	again, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquire_TakesOverLeftoverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinator.pid")
	require.NoError(t, NewPIDFile(path).WritePID(999999))

	lock, err := Acquire(path)
	require.NoError(t, err)
	defer lock.Release()

	pid, err := NewPIDFile(path).Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquire_ReleasedOnPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinator.pid")

	func() {
		defer func() { _ = recover() }()
		lock, err := Acquire(path)
		require.NoError(t, err)
		defer lock.Release()
		panic("boom")
	}()

	lock, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}
