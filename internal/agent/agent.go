// GRIDRUN Worker Agent
// Registers with the coordinator, heartbeats host telemetry, claims
// assigned jobs up to its parallel cap and runs each one in the sandbox.

package agent

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"gridrun/internal/config"
	"gridrun/internal/logging"
	"gridrun/internal/sandbox"
	"gridrun/pkg/models"

	"github.com/cenkalti/backoff/v4"
)

// shutdownGrace bounds how long Run waits for in-flight executors after
// the context ends before deregistering anyway.
const shutdownGrace = 20 * time.Second

// Agent is one worker process.
type Agent struct {
	cfg    config.Agent
	client *Client
	runner sandbox.Runner
	host   sampler

	// Version is reported at registration. The binary sets it from its
	// build info.
	Version string

	parallel int
	cpuCount int
	wake     chan struct{}

	mu       sync.Mutex
	inflight map[string]*inflight
	wg       sync.WaitGroup
}

// New builds an agent around a sandbox runner. A zero MaxParallelJobs
// derives the cap from the host: half the logical CPUs, at least one.
func New(cfg config.Agent, runner sandbox.Runner) *Agent {
	cpus := cpuCount()
	parallel := cfg.MaxParallelJobs
	if parallel <= 0 {
		parallel = cpus / 2
		if parallel < 1 {
			parallel = 1
		}
	}
	return &Agent{
		cfg:      cfg,
		client:   NewClient(cfg.ServerURL),
		runner:   runner,
		Version:  "dev",
		parallel: parallel,
		cpuCount: cpus,
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]*inflight),
	}
}

// Run is the agent main loop. It returns once ctx ends and the shutdown
// sequence (drain, deregister) has finished.
func (a *Agent) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.WorkspaceRoot, 0750); err != nil {
		return fmt.Errorf("workspace root: %w", err)
	}
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	source := newWakeSource(a.cfg, a.client, a.cancelJob)
	logging.S().Infow("worker ready",
		"worker_id", a.client.WorkerID(),
		"channel", source.name(),
		"parallel", a.parallel,
		"cpus", a.cpuCount)

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		a.heartbeatLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		source.run(ctx, a.wake)
	}()

	for {
		select {
		case <-ctx.Done():
			loops.Wait()
			a.shutdown()
			return nil
		case <-a.wake:
			a.claimAvailable(ctx)
		}
	}
}

// register announces the worker, retrying with backoff until the
// coordinator answers or ctx ends.
func (a *Agent) register(ctx context.Context) error {
	req := models.RegisterWorkerRequest{
		WorkerID: a.cfg.WorkerID,
		Hostname: a.cfg.Hostname,
		OS:       runtime.GOOS,
		Version:  a.Version,
		CpuCount: a.cpuCount,
	}
	host := a.host.sample()
	req.CpuUsage = host.CpuUsage
	req.RamTotalMb = host.RamTotalMb
	req.RamFreeMb = host.RamFreeMb

	operation := func() error {
		resp, err := a.client.Register(ctx, req)
		if err != nil {
			logging.S().Warnw("registration failed, retrying", "error", err)
			return err
		}
		logging.S().Infow("registered with coordinator", "worker_id", resp.WorkerID)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// heartbeatLoop reports telemetry on the configured period. A 404 means
// the coordinator no longer knows this worker (restart, timeout sweep
// after a long partition), so the agent registers again.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			host := a.host.sample()
			req := models.HeartbeatRequest{
				CpuUsage:      host.CpuUsage,
				RamFreeMb:     host.RamFreeMb,
				RamTotalMb:    host.RamTotalMb,
				Status:        a.status(),
				RunningJobIDs: a.runningJobIDs(),
			}

			hbCtx, cancel := context.WithTimeout(ctx, a.cfg.HeartbeatInterval)
			err := a.client.Heartbeat(hbCtx, req)
			cancel()
			switch {
			case err == nil:
			case IsNotFound(err):
				logging.S().Warnw("registration lapsed, re-registering")
				if rerr := a.register(ctx); rerr == nil {
					kick(a.wake)
				}
			default:
				logging.S().Warnw("heartbeat failed", "error", err)
			}
		}
	}
}

// claimAvailable claims and launches assigned jobs until the parallel cap
// is reached or the coordinator has nothing for us.
func (a *Agent) claimAvailable(ctx context.Context) {
	for ctx.Err() == nil && a.hasCapacity() {
		claimCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		assignment, err := a.client.Claim(claimCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				logging.S().Warnw("claim failed", "error", err)
			}
			return
		}
		if assignment == nil {
			return
		}
		a.launch(ctx, assignment)
	}
}

// launch starts one executor goroutine for the assignment.
func (a *Agent) launch(ctx context.Context, job *models.JobAssignment) {
	f := &inflight{
		job:    job,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	a.mu.Lock()
	if _, dup := a.inflight[job.JobID]; dup {
		a.mu.Unlock()
		return
	}
	a.inflight[job.JobID] = f
	a.mu.Unlock()

	a.wg.Add(1)
	go a.watchCancel(ctx, f)
	go func() {
		defer a.wg.Done()
		defer func() {
			close(f.done)
			a.mu.Lock()
			delete(a.inflight, job.JobID)
			a.mu.Unlock()
			// A freed slot may have an assignment already waiting.
			kick(a.wake)
		}()
		a.execute(ctx, f)
	}()
}

// cancelJob raises the cancel signal for a job running on this agent.
// Unknown IDs are ignored; the job may have finished already.
func (a *Agent) cancelJob(jobID string) {
	a.mu.Lock()
	f := a.inflight[jobID]
	a.mu.Unlock()
	if f != nil {
		logging.S().Infow("cancel requested", "job_id", jobID)
		f.requestCancel()
	}
}

func (a *Agent) hasCapacity() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight) < a.parallel
}

func (a *Agent) status() models.WorkerStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.inflight) > 0 {
		return models.WorkerBusy
	}
	return models.WorkerIdle
}

func (a *Agent) runningJobIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.inflight))
	for id := range a.inflight {
		ids = append(ids, id)
	}
	return ids
}

// shutdown waits for interrupted executors, deregisters so the
// coordinator requeues anything this worker still held, and releases the
// sandbox.
func (a *Agent) shutdown() {
	a.mu.Lock()
	n := len(a.inflight)
	a.mu.Unlock()
	if n > 0 {
		logging.S().Infow("interrupting in-flight jobs", "count", n)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logging.S().Warnw("executors still busy at shutdown deadline")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.Unregister(ctx); err != nil {
		logging.S().Warnw("deregistration failed", "error", err)
	} else {
		logging.S().Infow("deregistered from coordinator")
	}

	if err := a.runner.Close(); err != nil {
		logging.S().Warnw("sandbox close failed", "error", err)
	}
}
