// Process-backed runner for hosts without a container runtime. Selected
// when the sandbox is disabled by configuration; isolation drops to a
// scratch working directory plus the wall-time and output bounds, so it
// is only suitable for trusted jobs and local development.

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"gridrun/internal/config"
	"gridrun/internal/logging"
)

// HostRunner executes commands as child processes of the agent.
type HostRunner struct {
	defaultTimeout time.Duration
	outputCap      int64
}

// NewHostRunner builds a process-backed runner from the sandbox settings.
// Container-only limits (memory, pids, tmpfs) do not apply here.
func NewHostRunner(cfg config.Sandbox) *HostRunner {
	logging.S().Warn("sandbox disabled, job commands run as host processes")
	return &HostRunner{
		defaultTimeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		outputCap:      cfg.OutputCapBytes,
	}
}

// Run executes one command under /bin/sh on the host.
func (r *HostRunner) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("sandbox: empty command")
	}
	if spec.WorkspaceDir == "" {
		return nil, errors.New("sandbox: workspace directory required")
	}
	started := time.Now()

	deadline := spec.Deadline
	if deadline.IsZero() {
		deadline = started.Add(r.defaultTimeout)
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	stdout := newChunkWriter(StreamStdout, spec.OnChunk, r.outputCap)
	stderr := newChunkWriter(StreamStderr, spec.OnChunk, r.outputCap)

	cmd := exec.Command("/bin/sh", "-c", spec.Command)
	cmd.Dir = spec.WorkspaceDir
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group so the kill reaches the whole command tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	res := &RunResult{}
	select {
	case <-runCtx.Done():
		killGroup(cmd)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			res.ExitCode = ExitTimedOut
		} else {
			res.Cancelled = true
			res.ExitCode = ExitCancelled
		}
		awaitExit(waitCh)
	case <-spec.Cancel:
		killGroup(cmd)
		res.Cancelled = true
		res.ExitCode = ExitCancelled
		awaitExit(waitCh)
	case err := <-waitCh:
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			res.ExitCode = 0
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Duration = time.Since(started)
	return res, nil
}

// Close is a no-op for host execution.
func (r *HostRunner) Close() error { return nil }

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid addresses the process group.
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func awaitExit(waitCh <-chan error) {
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
	}
}
