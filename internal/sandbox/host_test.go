package sandbox

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHostRunner() *HostRunner {
	return NewHostRunner(testCfg())
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("host runner requires /bin/sh")
	}
}

func TestHostRunnerCapturesOutput(t *testing.T) {
	skipWithoutShell(t)
	r := newTestHostRunner()

	res, err := r.Run(context.Background(), RunSpec{
		Command:      "echo out; echo err >&2",
		WorkspaceDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.TimedOut)
	assert.False(t, res.Cancelled)
}

func TestHostRunnerNonZeroExit(t *testing.T) {
	skipWithoutShell(t)
	r := newTestHostRunner()

	res, err := r.Run(context.Background(), RunSpec{
		Command:      "exit 3",
		WorkspaceDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestHostRunnerDeadline(t *testing.T) {
	skipWithoutShell(t)
	r := newTestHostRunner()

	start := time.Now()
	res, err := r.Run(context.Background(), RunSpec{
		Command:      "sleep 30",
		WorkspaceDir: t.TempDir(),
		Deadline:     time.Now().Add(100 * time.Millisecond),
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, ExitTimedOut, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestHostRunnerCancel(t *testing.T) {
	skipWithoutShell(t)
	r := newTestHostRunner()

	cancelCh := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(cancelCh)
	}()

	res, err := r.Run(context.Background(), RunSpec{
		Command:      "sleep 30",
		WorkspaceDir: t.TempDir(),
		Cancel:       cancelCh,
	})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, ExitCancelled, res.ExitCode)
}

func TestHostRunnerStreamsChunks(t *testing.T) {
	skipWithoutShell(t)
	r := newTestHostRunner()
	sink := &chunkSink{}

	res, err := r.Run(context.Background(), RunSpec{
		Command:      "printf hello",
		WorkspaceDir: t.TempDir(),
		OnChunk:      sink.add,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout)

	var streamed string
	for _, rec := range sink.all() {
		if rec.stream == StreamStdout {
			streamed += rec.data
		}
	}
	assert.Equal(t, "hello", streamed)
}

func TestHostRunnerRunsInWorkspace(t *testing.T) {
	skipWithoutShell(t)
	r := newTestHostRunner()
	dir := t.TempDir()

	res, err := r.Run(context.Background(), RunSpec{
		Command:      "pwd",
		WorkspaceDir: dir,
	})
	require.NoError(t, err)
	// Symlinked temp dirs (macOS) still end with the same path element.
	assert.Contains(t, res.Stdout, dir[len(dir)-8:])
}

func TestHostRunnerEmptyCommandRejected(t *testing.T) {
	r := newTestHostRunner()
	_, err := r.Run(context.Background(), RunSpec{Command: "  ", WorkspaceDir: "x"})
	assert.Error(t, err)
}
