package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"gridrun/internal/config"
	"gridrun/internal/logging"
)

// workspaceTarget is where the job workspace appears inside the container.
const workspaceTarget = "/workspace"

// ContainerSpec is the backend-level description of one container.
type ContainerSpec struct {
	Name         string
	Image        string
	Command      string
	WorkspaceDir string
	WorkDir      string
	Limits       Limits
}

// WaitStatus is the terminal status of a started container, delivered
// after its output stream has been drained.
type WaitStatus struct {
	ExitCode int
	Err      error
}

// ContainerBackend is the container-runtime surface the runner drives.
// Start demultiplexes container output into the two writers and delivers
// exactly one WaitStatus on the returned channel once the container has
// stopped and the writers hold everything it produced. Kill and Remove
// must work after the run context has expired.
type ContainerBackend interface {
	EnsureImage(ctx context.Context, imageName string) error
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string, stdout, stderr io.Writer) (<-chan WaitStatus, error)
	Kill(id string) error
	Remove(id string)
	Close() error
}

// ContainerRunner executes RunSpecs through a ContainerBackend, owning
// image selection, limit defaults, the deadline, and cancellation.
type ContainerRunner struct {
	backend        ContainerBackend
	selector       RuntimeSelector
	defaultTimeout time.Duration
	pullTimeout    time.Duration
	outputCap      int64
	defaults       Limits
}

// NewRunner wires a runner over an existing backend using the sandbox
// configuration for defaults.
func NewRunner(backend ContainerBackend, cfg config.Sandbox) *ContainerRunner {
	return &ContainerRunner{
		backend:        backend,
		selector:       DefaultSelector(cfg.DefaultImage),
		defaultTimeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		pullTimeout:    cfg.PullTimeout,
		outputCap:      cfg.OutputCapBytes,
		defaults: Limits{
			MemoryBytes: cfg.MemoryBytes,
			CPUCores:    cfg.CPUCores,
			PidsLimit:   cfg.PidsLimit,
			TmpfsMb:     cfg.TmpfsMb,
		},
	}
}

// Run executes one command and reports how it ended. An error return means
// the run could not be carried out at all; timeouts and cancellations are
// normal results.
func (r *ContainerRunner) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("sandbox: empty command")
	}
	if spec.WorkspaceDir == "" {
		return nil, errors.New("sandbox: workspace directory required")
	}
	started := time.Now()

	imageName := spec.Image
	if imageName == "" {
		imageName = r.selector(spec.Command)
	}
	pullCtx, cancelPull := context.WithTimeout(ctx, r.pullTimeout)
	err := r.backend.EnsureImage(pullCtx, imageName)
	cancelPull()
	if err != nil {
		return nil, err
	}

	deadline := spec.Deadline
	if deadline.IsZero() {
		deadline = started.Add(r.defaultTimeout)
	}
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	workDir := spec.WorkDir
	if workDir == "" {
		workDir = workspaceTarget
	}
	id, err := r.backend.Create(runCtx, ContainerSpec{
		Name:         "gridrun-" + uuid.NewString()[:12],
		Image:        imageName,
		Command:      spec.Command,
		WorkspaceDir: spec.WorkspaceDir,
		WorkDir:      workDir,
		Limits:       r.withDefaults(spec.Limits),
	})
	if err != nil {
		return nil, err
	}
	defer r.backend.Remove(id)

	stdout := newChunkWriter(StreamStdout, spec.OnChunk, r.outputCap)
	stderr := newChunkWriter(StreamStderr, spec.OnChunk, r.outputCap)
	waitCh, err := r.backend.Start(runCtx, id, stdout, stderr)
	if err != nil {
		return nil, err
	}

	res := &RunResult{}
	select {
	case <-runCtx.Done():
		if err := r.backend.Kill(id); err != nil {
			logging.S().Warnw("sandbox kill failed", "container", id, "error", err)
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			res.ExitCode = ExitTimedOut
		} else {
			res.Cancelled = true
			res.ExitCode = ExitCancelled
		}
		awaitStatus(waitCh)
	case <-spec.Cancel:
		if err := r.backend.Kill(id); err != nil {
			logging.S().Warnw("sandbox kill failed", "container", id, "error", err)
		}
		res.Cancelled = true
		res.ExitCode = ExitCancelled
		awaitStatus(waitCh)
	case st := <-waitCh:
		if st.Err != nil {
			return nil, fmt.Errorf("container wait: %w", st.Err)
		}
		res.ExitCode = st.ExitCode
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Duration = time.Since(started)
	return res, nil
}

// Close releases the backend.
func (r *ContainerRunner) Close() error {
	return r.backend.Close()
}

func (r *ContainerRunner) withDefaults(l Limits) Limits {
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = r.defaults.MemoryBytes
	}
	if l.CPUCores <= 0 {
		l.CPUCores = r.defaults.CPUCores
	}
	if l.TmpfsMb <= 0 {
		l.TmpfsMb = r.defaults.TmpfsMb
	}
	if l.PidsLimit <= 0 {
		l.PidsLimit = r.defaults.PidsLimit
	}
	if l.PidsLimit > maxPidsLimit {
		l.PidsLimit = maxPidsLimit
	}
	return l
}

// awaitStatus gives a killed container a moment to stop and flush its
// output stream so the buffers hold everything written before the kill.
func awaitStatus(waitCh <-chan WaitStatus) {
	select {
	case <-waitCh:
	case <-time.After(5 * time.Second):
	}
}

// chunkWriter forwards every fragment to the chunk callback and keeps a
// capped copy for the final result.
type chunkWriter struct {
	stream    string
	onChunk   func(stream string, data []byte)
	buf       strings.Builder
	limit     int64
	written   int64
	truncated bool
}

func newChunkWriter(stream string, onChunk func(string, []byte), limit int64) *chunkWriter {
	return &chunkWriter{stream: stream, onChunk: onChunk, limit: limit}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.onChunk != nil && len(p) > 0 {
		// The demultiplexer reuses its buffer between reads, so the
		// callback gets its own copy.
		data := make([]byte, len(p))
		copy(data, p)
		w.onChunk(w.stream, data)
	}
	if !w.truncated && w.limit > 0 {
		if room := w.limit - w.written; int64(len(p)) <= room {
			w.buf.Write(p)
			w.written += int64(len(p))
		} else {
			if room > 0 {
				w.buf.Write(p[:room])
				w.written += room
			}
			w.buf.WriteString(truncationMarker)
			w.truncated = true
		}
	}
	return len(p), nil
}

func (w *chunkWriter) String() string { return w.buf.String() }

const truncationMarker = "\n[truncated]"
