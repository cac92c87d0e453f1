package agent

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gridrun/internal/archive"
	"gridrun/internal/config"
	"gridrun/internal/handlers"
	"gridrun/internal/sandbox"
	"gridrun/internal/scheduler"
	"gridrun/internal/state"
	"gridrun/internal/store"
	"gridrun/internal/websocket"
	"gridrun/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// coordinator is a full in-process control plane for agent tests.
type coordinator struct {
	srv   *httptest.Server
	model *state.Model
	hub   *websocket.Hub
}

func newCoordinator(t *testing.T) *coordinator {
	t.Helper()
	gin.SetMode(gin.TestMode)

	model := state.NewModel(store.NewMemoryStore(), state.Options{})
	model.Start()
	t.Cleanup(model.Close)

	archives, err := archive.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	hub := websocket.NewHub()
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	sched := scheduler.New(model, scheduler.Options{
		SweepPeriod:      50 * time.Millisecond,
		HeartbeatTimeout: 30 * time.Second,
		Notifier:         hub,
	})
	sched.Start()
	t.Cleanup(sched.Stop)

	h := handlers.New(model, archives, hub, nil)
	router := gin.New()
	h.Routes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &coordinator{srv: srv, model: model, hub: hub}
}

func testAgentConfig(t *testing.T, serverURL, channel string) config.Agent {
	return config.Agent{
		ServerURL:         serverURL,
		WorkerID:          "w-" + t.Name(),
		Hostname:          "test.local",
		Channel:           channel,
		HeartbeatInterval: 100 * time.Millisecond,
		PollInterval:      25 * time.Millisecond,
		CancelPoll:        25 * time.Millisecond,
		MaxParallelJobs:   2,
		WorkspaceRoot:     t.TempDir(),
		Sandbox: config.Sandbox{
			TimeoutMs:      60000,
			OutputCapBytes: 1 << 20,
		},
	}
}

// startAgent runs the agent until the returned stop func is called.
func startAgent(t *testing.T, cfg config.Agent, runner sandbox.Runner) func() {
	t.Helper()
	a := New(cfg, runner)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(15 * time.Second):
				t.Error("agent did not stop in time")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitJobStatus(t *testing.T, model *state.Model, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	var got *models.Job
	require.Eventually(t, func() bool {
		job, err := model.GetJob(jobID)
		if err != nil {
			return false
		}
		got = job
		return job.Status == want
	}, 10*time.Second, 20*time.Millisecond, "job %s never reached %s", jobID, want)
	return got
}

func intPtr(v int) *int { return &v }

// fakeRunner is a scripted sandbox.
type fakeRunner struct {
	mu   sync.Mutex
	runs []sandbox.RunSpec
	body func(spec sandbox.RunSpec) (*sandbox.RunResult, error)
}

func (r *fakeRunner) Run(_ context.Context, spec sandbox.RunSpec) (*sandbox.RunResult, error) {
	r.mu.Lock()
	r.runs = append(r.runs, spec)
	r.mu.Unlock()
	if r.body != nil {
		return r.body(spec)
	}
	return &sandbox.RunResult{ExitCode: 0, Stdout: "ok\n", Duration: time.Millisecond}, nil
}

func (r *fakeRunner) Close() error { return nil }

func (r *fakeRunner) recorded() []sandbox.RunSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.RunSpec(nil), r.runs...)
}

func TestAgentRunsJobEndToEnd(t *testing.T) {
	co := newCoordinator(t)
	runner := &fakeRunner{
		body: func(spec sandbox.RunSpec) (*sandbox.RunResult, error) {
			if spec.OnChunk != nil {
				spec.OnChunk(sandbox.StreamStdout, []byte("hello from sandbox\n"))
			}
			return &sandbox.RunResult{ExitCode: 0, Stdout: "hello from sandbox\n"}, nil
		},
	}
	stop := startAgent(t, testAgentConfig(t, co.srv.URL, "poll"), runner)

	job, err := co.model.SubmitJob(models.SubmitJobRequest{Command: "echo hello", WorkDir: "/workspace/app"})
	require.NoError(t, err)

	done := waitJobStatus(t, co.model, job.ID, models.JobCompleted)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	assert.Contains(t, done.Stdout, "hello from sandbox")
	assert.Empty(t, done.ErrorMessage)

	specs := runner.recorded()
	require.Len(t, specs, 1)
	assert.Equal(t, "echo hello", specs[0].Command)
	assert.NotEmpty(t, specs[0].WorkspaceDir)
	assert.Equal(t, "/workspace/app", specs[0].WorkDir)

	// Graceful stop deregisters the worker.
	stop()
	assert.Empty(t, co.model.ListWorkers())
}

func TestAgentPushChannelDeliversWork(t *testing.T) {
	co := newCoordinator(t)
	runner := &fakeRunner{}
	startAgent(t, testAgentConfig(t, co.srv.URL, "push"), runner)

	job, err := co.model.SubmitJob(models.SubmitJobRequest{Command: "true"})
	require.NoError(t, err)

	waitJobStatus(t, co.model, job.ID, models.JobCompleted)
}

func TestAgentRunsCommandLinesSequentially(t *testing.T) {
	co := newCoordinator(t)
	runner := &fakeRunner{
		body: func(spec sandbox.RunSpec) (*sandbox.RunResult, error) {
			if spec.Command == "false" {
				return &sandbox.RunResult{ExitCode: 1, Stderr: "boom\n"}, nil
			}
			return &sandbox.RunResult{ExitCode: 0, Stdout: spec.Command + "\n"}, nil
		},
	}
	startAgent(t, testAgentConfig(t, co.srv.URL, "poll"), runner)

	job, err := co.model.SubmitJob(models.SubmitJobRequest{
		Command: "echo one\n\nfalse\necho two",
	})
	require.NoError(t, err)

	done := waitJobStatus(t, co.model, job.ID, models.JobCompleted)

	specs := runner.recorded()
	require.Len(t, specs, 3)
	assert.Equal(t, "echo one", specs[0].Command)
	assert.Equal(t, "false", specs[1].Command)
	assert.Equal(t, "echo two", specs[2].Command)
	// Every line shares the workspace and the wall-clock budget.
	assert.Equal(t, specs[0].WorkspaceDir, specs[2].WorkspaceDir)
	assert.Equal(t, specs[0].Deadline, specs[2].Deadline)

	// The failing middle line does not stop the walk; the last line wins.
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	assert.Contains(t, done.Stderr, "boom")
}

func TestAgentCancelWhileRunning(t *testing.T) {
	co := newCoordinator(t)
	runner := &fakeRunner{
		body: func(spec sandbox.RunSpec) (*sandbox.RunResult, error) {
			select {
			case <-spec.Cancel:
				return &sandbox.RunResult{ExitCode: sandbox.ExitCancelled, Cancelled: true}, nil
			case <-time.After(30 * time.Second):
				return &sandbox.RunResult{ExitCode: 0}, nil
			}
		},
	}
	startAgent(t, testAgentConfig(t, co.srv.URL, "poll"), runner)

	job, err := co.model.SubmitJob(models.SubmitJobRequest{Command: "sleep 600"})
	require.NoError(t, err)
	waitJobStatus(t, co.model, job.ID, models.JobRunning)

	_, err = co.model.CancelJob(job.ID)
	require.NoError(t, err)

	done := waitJobStatus(t, co.model, job.ID, models.JobFailed)
	assert.Equal(t, "cancelled by user", done.ErrorMessage)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, sandbox.ExitCancelled, *done.ExitCode)
	// Cancellation never consumes a retry attempt.
	assert.Equal(t, 0, done.Attempts)
}

func TestAgentTimeoutFailsAfterRetriesExhausted(t *testing.T) {
	co := newCoordinator(t)
	runner := &fakeRunner{
		body: func(spec sandbox.RunSpec) (*sandbox.RunResult, error) {
			return &sandbox.RunResult{ExitCode: sandbox.ExitTimedOut, TimedOut: true}, nil
		},
	}
	startAgent(t, testAgentConfig(t, co.srv.URL, "poll"), runner)

	job, err := co.model.SubmitJob(models.SubmitJobRequest{
		Command:    "sleep 600",
		TimeoutMs:  50,
		MaxRetries: intPtr(0),
	})
	require.NoError(t, err)

	done := waitJobStatus(t, co.model, job.ID, models.JobFailed)
	assert.Contains(t, done.ErrorMessage, "timeout")
	assert.Equal(t, 1, done.Attempts)
}

func TestAgentReportsFailureWhenArchiveMissing(t *testing.T) {
	co := newCoordinator(t)
	runner := &fakeRunner{}
	startAgent(t, testAgentConfig(t, co.srv.URL, "poll"), runner)

	job, err := co.model.SubmitJob(models.SubmitJobRequest{
		Command:    "make",
		ArchiveRef: "no-such-archive",
		MaxRetries: intPtr(0),
	})
	require.NoError(t, err)

	done := waitJobStatus(t, co.model, job.ID, models.JobFailed)
	assert.Contains(t, done.ErrorMessage, "archive fetch")
	// The sandbox never ran.
	assert.Empty(t, runner.recorded())

	// The worker that failed the job sits in cooldown.
	workers := co.model.ListWorkers()
	require.Len(t, workers, 1)
	assert.Equal(t, models.WorkerUnhealthy, workers[0].Status)
}

// gateRunner blocks each run until the test releases it, tracking the
// concurrency peak.
type gateRunner struct {
	mu      sync.Mutex
	active  int
	peak    int
	release chan struct{}
}

func (r *gateRunner) Run(_ context.Context, spec sandbox.RunSpec) (*sandbox.RunResult, error) {
	r.mu.Lock()
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	select {
	case <-r.release:
		return &sandbox.RunResult{ExitCode: 0}, nil
	case <-spec.Cancel:
		return &sandbox.RunResult{ExitCode: sandbox.ExitCancelled, Cancelled: true}, nil
	case <-time.After(30 * time.Second):
		return &sandbox.RunResult{ExitCode: 1}, nil
	}
}

func (r *gateRunner) Close() error { return nil }

func (r *gateRunner) peakActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func TestAgentEnforcesParallelCap(t *testing.T) {
	co := newCoordinator(t)
	runner := &gateRunner{release: make(chan struct{})}

	cfg := testAgentConfig(t, co.srv.URL, "poll")
	cfg.MaxParallelJobs = 1
	startAgent(t, cfg, runner)

	first, err := co.model.SubmitJob(models.SubmitJobRequest{Command: "sleep 1"})
	require.NoError(t, err)
	second, err := co.model.SubmitJob(models.SubmitJobRequest{Command: "sleep 1"})
	require.NoError(t, err)

	// Claim order between two same-sweep assignments is unspecified;
	// follow whichever ran first.
	runningID := func() string {
		for _, id := range []string{first.ID, second.ID} {
			if job, err := co.model.GetJob(id); err == nil && job.Status == models.JobRunning {
				return id
			}
		}
		return ""
	}
	var lead string
	require.Eventually(t, func() bool {
		lead = runningID()
		return lead != ""
	}, 10*time.Second, 20*time.Millisecond, "no job started")

	runner.release <- struct{}{}
	waitJobStatus(t, co.model, lead, models.JobCompleted)

	tail := first.ID
	if lead == first.ID {
		tail = second.ID
	}
	waitJobStatus(t, co.model, tail, models.JobRunning)
	runner.release <- struct{}{}
	waitJobStatus(t, co.model, tail, models.JobCompleted)

	assert.Equal(t, 1, runner.peakActive())
}

func TestAgentHeartbeatsUpdateTelemetry(t *testing.T) {
	co := newCoordinator(t)
	startAgent(t, testAgentConfig(t, co.srv.URL, "poll"), &fakeRunner{})

	require.Eventually(t, func() bool {
		workers := co.model.ListWorkers()
		if len(workers) != 1 {
			return false
		}
		return workers[0].RamTotalMb > 0
	}, 10*time.Second, 50*time.Millisecond, "telemetry never arrived")
}
