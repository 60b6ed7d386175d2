package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_WriteReadRemove(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "test.pid"))

	require.NoError(t, p.Write())
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Remove())
	_, err = p.Read()
	assert.Error(t, err)
}

func TestPIDFile_ReadMissing(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "missing.pid"))
	_, err := p.Read()
	assert.Error(t, err)
}

func TestPIDFile_ReadInvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid\n"), 0o644))

	_, err := NewPIDFile(path).Read()
	assert.ErrorContains(t, err, "invalid PID file content")
}

func TestPIDFile_IsRunning(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "test.pid"))

	// No file yet.
	_, running := p.IsRunning()
	assert.False(t, running)

	// Our own process is certainly alive.
	require.NoError(t, p.Write())
	pid, running := p.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFile_IsRunning_DeadProcess(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "test.pid"))

	// PID far beyond any default pid_max.
	require.NoError(t, p.WritePID(1 << 30))
	_, running := p.IsRunning()
	assert.False(t, running)
}
