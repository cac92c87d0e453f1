// GRIDRUN Agent Executor
// Runs one assignment end to end: stage the workspace, execute the
// command lines in the sandbox, stream output and report the outcome.

package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gridrun/internal/archive"
	"gridrun/internal/logging"
	"gridrun/internal/sandbox"
	"gridrun/pkg/models"
)

// maxExtractBytes bounds the decompressed size of a staged archive.
const maxExtractBytes = 1 << 30

// reportTimeout bounds the final result/failure POST so reports survive an
// agent shutdown that already cancelled the run context.
const reportTimeout = 15 * time.Second

// inflight tracks one running job on this agent.
type inflight struct {
	job *models.JobAssignment

	// cancel is closed when the coordinator requests cancellation.
	cancel chan struct{}
	// done is closed when the executor returns.
	done chan struct{}

	once sync.Once
}

func (f *inflight) requestCancel() {
	f.once.Do(func() { close(f.cancel) })
}

func (f *inflight) cancelRequested() bool {
	select {
	case <-f.cancel:
		return true
	default:
		return false
	}
}

// execute runs the assignment and reports the outcome. A run interrupted
// by agent shutdown (rather than a user cancel) reports nothing; the
// deregistration that follows puts the job back in the queue.
func (a *Agent) execute(ctx context.Context, f *inflight) {
	job := f.job
	log := logging.S().With("job_id", job.JobID)
	log.Infow("job started", "command", job.Command, "timeout_ms", job.TimeoutMs)

	report, err := a.runJob(ctx, f)

	reportCtx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	if err != nil {
		if ctx.Err() != nil && !f.cancelRequested() {
			log.Infow("job interrupted by shutdown, leaving it for requeue")
			return
		}
		log.Warnw("job could not run", "error", err)
		if rerr := a.client.ReportFailure(reportCtx, job.JobID, err.Error()); rerr != nil {
			log.Errorw("failure report not delivered", "error", rerr)
		}
		return
	}

	if report.Cancelled && ctx.Err() != nil && !f.cancelRequested() {
		log.Infow("job interrupted by shutdown, leaving it for requeue")
		return
	}

	if rerr := a.client.SubmitResult(reportCtx, job.JobID, *report); rerr != nil {
		log.Errorw("result report not delivered", "error", rerr)
		return
	}
	log.Infow("job finished",
		"exit_code", report.ExitCode,
		"timed_out", report.TimedOut,
		"cancelled", report.Cancelled,
		"duration_ms", report.DurationMs)
}

// runJob stages the workspace and walks the command lines. An error
// return means the job never ran (staging, pull or spawn trouble) and
// should be reported as a worker failure.
func (a *Agent) runJob(ctx context.Context, f *inflight) (*models.ResultReport, error) {
	job := f.job

	workspace := filepath.Join(a.cfg.WorkspaceRoot, job.JobID)
	if err := os.MkdirAll(workspace, 0750); err != nil {
		return nil, fmt.Errorf("workspace create: %w", err)
	}
	defer os.RemoveAll(workspace)

	if job.ArchiveRef != "" {
		if err := a.stageArchive(ctx, job.ArchiveRef, workspace); err != nil {
			return nil, err
		}
	}

	var seq int64
	onChunk := func(stream string, data []byte) {
		chunkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		chunk := models.LogChunk{
			Stream: stream,
			Data:   string(data),
			Seq:    atomic.AddInt64(&seq, 1),
		}
		if err := a.client.AppendOutput(chunkCtx, job.JobID, chunk); err != nil {
			// Chunks after a cancel race the job's terminal transition;
			// the final report carries the full capture anyway.
			logging.S().Debugw("output chunk not delivered",
				"job_id", job.JobID, "error", err)
		}
	}

	// One wall-clock budget covers all command lines.
	started := time.Now()
	deadline := started.Add(time.Duration(job.TimeoutMs) * time.Millisecond)

	stdout := newCappedBuffer(a.cfg.Sandbox.OutputCapBytes)
	stderr := newCappedBuffer(a.cfg.Sandbox.OutputCapBytes)
	var (
		exitCode  int
		timedOut  bool
		cancelled bool
	)

	for _, line := range splitCommands(job.Command) {
		res, err := a.runner.Run(ctx, sandbox.RunSpec{
			Command:      line,
			WorkspaceDir: workspace,
			Image:        job.ContainerImage,
			WorkDir:      job.WorkDir,
			Limits: sandbox.Limits{
				MemoryBytes: int64(job.RequiredRamMb) << 20,
				CPUCores:    float64(job.RequiredCpu),
			},
			Deadline: deadline,
			Cancel:   f.cancel,
			OnChunk:  onChunk,
		})
		if err != nil {
			return nil, err
		}

		stdout.add(res.Stdout)
		stderr.add(res.Stderr)
		exitCode = res.ExitCode
		if res.TimedOut {
			timedOut = true
			break
		}
		if res.Cancelled {
			cancelled = true
			break
		}
		// A non-zero exit does not stop the walk; the last line's code
		// is the job's.
	}

	return &models.ResultReport{
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		TimedOut:   timedOut,
		Cancelled:  cancelled,
		DurationMs: time.Since(started).Milliseconds(),
	}, nil
}

// stageArchive downloads the job's input archive and unpacks it into the
// workspace.
func (a *Agent) stageArchive(ctx context.Context, ref, workspace string) error {
	rc, err := a.client.FetchArchive(ctx, ref)
	if err != nil {
		return fmt.Errorf("archive fetch: %w", err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(workspace, "input-*.zip")
	if err != nil {
		return fmt.Errorf("archive stage: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return fmt.Errorf("archive download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive stage: %w", err)
	}

	if err := archive.ExtractZip(tmpName, workspace, maxExtractBytes); err != nil {
		return fmt.Errorf("archive extract: %w", err)
	}
	return nil
}

// watchCancel polls the coordinator's cancel flag while the job runs and
// raises the in-flight cancel signal when it flips.
func (a *Agent) watchCancel(ctx context.Context, f *inflight) {
	ticker := time.NewTicker(a.cfg.CancelPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-f.cancel:
			return
		case <-ticker.C:
			cancelled, err := a.client.CheckCancel(ctx, f.job.JobID)
			if err != nil {
				continue
			}
			if cancelled {
				f.requestCancel()
				return
			}
		}
	}
}

// splitCommands breaks a multi-line command into the lines executed one
// after another in the same workspace.
func splitCommands(command string) []string {
	var out []string
	for _, line := range strings.Split(command, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// cappedBuffer accumulates output across command lines under the same cap
// and marker the coordinator applies to streamed chunks.
type cappedBuffer struct {
	b         strings.Builder
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (cb *cappedBuffer) add(s string) {
	if cb.truncated || s == "" {
		return
	}
	if cb.limit <= 0 {
		cb.b.WriteString(s)
		return
	}
	room := cb.limit - int64(cb.b.Len())
	if int64(len(s)) <= room {
		cb.b.WriteString(s)
		return
	}
	if room > 0 {
		cb.b.WriteString(s[:room])
	}
	cb.b.WriteString("\n[truncated]")
	cb.truncated = true
}

func (cb *cappedBuffer) String() string { return cb.b.String() }
