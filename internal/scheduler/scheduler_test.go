package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridrun/internal/state"
	"gridrun/internal/store"
	"gridrun/pkg/models"
)

func newTestScheduler(t *testing.T, opts ...Options) (*Scheduler, *state.Model) {
	t.Helper()
	m := state.NewModel(store.NewMemoryStore(), state.Options{Cooldown: 30 * time.Second})
	m.Start()
	t.Cleanup(m.Close)

	o := Options{}
	if len(opts) > 0 {
		o = opts[0]
	}
	s := New(m, o)
	return s, m
}

func registerWorker(t *testing.T, m *state.Model, id string, cpu, ramMb int, cpuUsage float64) *models.Worker {
	t.Helper()
	_, err := m.RegisterWorker(models.RegisterWorkerRequest{
		WorkerID:   id,
		Hostname:   "host-" + id,
		OS:         "linux",
		CpuCount:   cpu,
		RamTotalMb: ramMb,
		RamFreeMb:  ramMb,
	})
	require.NoError(t, err)
	require.NoError(t, m.Heartbeat(id, models.HeartbeatRequest{
		CpuUsage:   cpuUsage,
		RamFreeMb:  ramMb,
		RamTotalMb: ramMb,
	}))
	got, err := m.GetWorker(id)
	require.NoError(t, err)
	return got
}

func submitJob(t *testing.T, m *state.Model, req models.SubmitJobRequest) *models.Job {
	t.Helper()
	if req.Command == "" {
		req.Command = "echo hello"
	}
	j, err := m.SubmitJob(req)
	require.NoError(t, err)
	return j
}

func mustGetJob(t *testing.T, m *state.Model, id string) *models.Job {
	t.Helper()
	j, err := m.GetJob(id)
	require.NoError(t, err)
	return j
}

func mustGetWorker(t *testing.T, m *state.Model, id string) *models.Worker {
	t.Helper()
	w, err := m.GetWorker(id)
	require.NoError(t, err)
	return w
}

// backdateHeartbeat makes the worker look silent for the given duration.
func backdateHeartbeat(m *state.Model, workerID string, age time.Duration) {
	m.Update(func(tx *state.Tx) {
		for _, w := range tx.Workers() {
			if w.ID == workerID {
				w.LastHeartbeat = time.Now().Add(-age)
			}
		}
	})
}

// backdateStart makes a running job look older than its timeout budget.
func backdateStart(m *state.Model, jobID string, age time.Duration) {
	m.Update(func(tx *state.Tx) {
		for _, j := range tx.Jobs() {
			if j.ID == jobID && j.StartedAt != nil {
				t := j.StartedAt.Add(-age)
				j.StartedAt = &t
			}
		}
	})
}

func TestSweepAssignsQueuedJob(t *testing.T) {
	s, m := newTestScheduler(t)
	registerWorker(t, m, "w1", 4, 8192, 10)
	j := submitJob(t, m, models.SubmitJobRequest{
		Command:       "echo hello",
		RequiredCpu:   1,
		RequiredRamMb: 256,
		TimeoutMs:     5000,
	})

	s.Sweep()

	got := mustGetJob(t, m, j.ID)
	assert.Equal(t, models.JobAssigned, got.Status)
	assert.Equal(t, "w1", got.AssignedAgentID)
	assert.NotNil(t, got.AssignedAt)

	w := mustGetWorker(t, m, "w1")
	assert.Equal(t, models.WorkerBusy, w.Status)
	assert.Equal(t, 1, w.ReservedCpu)
	assert.Equal(t, 256, w.ReservedRamMb)
	assert.Equal(t, []string{j.ID}, w.CurrentJobIDs)
	require.NoError(t, m.CheckInvariants())
}

func TestAssignedJobRunsToCompletion(t *testing.T) {
	s, m := newTestScheduler(t)
	registerWorker(t, m, "w1", 4, 8192, 10)
	j := submitJob(t, m, models.SubmitJobRequest{Command: "echo hello"})

	s.Sweep()

	claim, err := m.ClaimNext("w1")
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, j.ID, claim.JobID)

	err = m.SubmitResult(j.ID, models.ResultReport{
		WorkerID: "w1",
		ExitCode: 0,
		Stdout:   "hello\n",
	})
	require.NoError(t, err)

	got := mustGetJob(t, m, j.ID)
	assert.Equal(t, models.JobCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Contains(t, got.Stdout, "hello")

	w := mustGetWorker(t, m, "w1")
	assert.Equal(t, models.WorkerIdle, w.Status)
	assert.Equal(t, 0, w.ReservedCpu)
	require.NoError(t, m.CheckInvariants())
}

func TestAssignmentRespectsCapacity(t *testing.T) {
	s, m := newTestScheduler(t)
	registerWorker(t, m, "w1", 2, 8192, 10)

	j1 := submitJob(t, m, models.SubmitJobRequest{Command: "job-1", RequiredCpu: 1})
	j2 := submitJob(t, m, models.SubmitJobRequest{Command: "job-2", RequiredCpu: 1})
	j3 := submitJob(t, m, models.SubmitJobRequest{Command: "job-3", RequiredCpu: 1})

	s.Sweep()

	assert.Equal(t, models.JobAssigned, mustGetJob(t, m, j1.ID).Status)
	assert.Equal(t, models.JobAssigned, mustGetJob(t, m, j2.ID).Status)
	assert.Equal(t, models.JobQueued, mustGetJob(t, m, j3.ID).Status)

	w := mustGetWorker(t, m, "w1")
	assert.Equal(t, 2, w.ReservedCpu)

	// Finish the first job; the third takes its slot on the next sweep.
	_, err := m.ClaimNext("w1")
	require.NoError(t, err)
	require.NoError(t, m.SubmitResult(j1.ID, models.ResultReport{WorkerID: "w1", ExitCode: 0}))

	s.Sweep()

	assert.Equal(t, models.JobAssigned, mustGetJob(t, m, j3.ID).Status)
	assert.Equal(t, 2, mustGetWorker(t, m, "w1").ReservedCpu)
	require.NoError(t, m.CheckInvariants())
}

func TestQueueServedInArrivalOrder(t *testing.T) {
	s, m := newTestScheduler(t)
	registerWorker(t, m, "w1", 1, 1024, 10)

	j1 := submitJob(t, m, models.SubmitJobRequest{Command: "first"})
	j2 := submitJob(t, m, models.SubmitJobRequest{Command: "second"})

	s.Sweep()

	assert.Equal(t, models.JobAssigned, mustGetJob(t, m, j1.ID).Status)
	assert.Equal(t, models.JobQueued, mustGetJob(t, m, j2.ID).Status)
}

func TestSweepDeclaresSilentWorkerOffline(t *testing.T) {
	s, m := newTestScheduler(t, Options{HeartbeatTimeout: 30 * time.Second})
	registerWorker(t, m, "w1", 4, 8192, 10)
	j := submitJob(t, m, models.SubmitJobRequest{Command: "long job"})

	s.Sweep()
	_, err := m.ClaimNext("w1")
	require.NoError(t, err)

	backdateHeartbeat(m, "w1", time.Minute)
	s.Sweep()

	w := mustGetWorker(t, m, "w1")
	assert.Equal(t, models.WorkerOffline, w.Status)
	assert.Equal(t, "heartbeat_timeout", w.HealthReason)
	assert.Empty(t, w.CurrentJobIDs)
	assert.Equal(t, 0, w.ReservedCpu)

	got := mustGetJob(t, m, j.ID)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.AssignedAgentID)
	require.NoError(t, m.CheckInvariants())
}

func TestRequeuedJobMovesToSecondWorker(t *testing.T) {
	s, m := newTestScheduler(t)
	registerWorker(t, m, "w1", 4, 8192, 10)
	j := submitJob(t, m, models.SubmitJobRequest{Command: "echo"})

	s.Sweep()
	_, err := m.ClaimNext("w1")
	require.NoError(t, err)

	registerWorker(t, m, "w2", 4, 8192, 10)
	backdateHeartbeat(m, "w1", time.Minute)
	s.Sweep()

	got := mustGetJob(t, m, j.ID)
	assert.Equal(t, models.JobAssigned, got.Status)
	assert.Equal(t, "w2", got.AssignedAgentID)
	assert.Equal(t, 1, got.Attempts)

	claim, err := m.ClaimNext("w2")
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.NoError(t, m.SubmitResult(j.ID, models.ResultReport{WorkerID: "w2", ExitCode: 0}))
	assert.Equal(t, models.JobCompleted, mustGetJob(t, m, j.ID).Status)
	require.NoError(t, m.CheckInvariants())
}

func TestSweepReclaimsTimedOutJob(t *testing.T) {
	s, m := newTestScheduler(t)
	registerWorker(t, m, "w1", 4, 8192, 10)
	one := 1
	j, err := m.SubmitJob(models.SubmitJobRequest{
		Command:    "sleep 30",
		TimeoutMs:  1000,
		MaxRetries: &one,
	})
	require.NoError(t, err)

	// First run times out and requeues.
	s.Sweep()
	_, err = m.ClaimNext("w1")
	require.NoError(t, err)
	backdateStart(m, j.ID, 2*time.Second)
	s.Sweep()

	got := mustGetJob(t, m, j.ID)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.ErrorMessage, "timeout after 1000ms")
	// The same sweep may already have reassigned it; either way it left RUNNING.
	assert.NotEqual(t, models.JobRunning, got.Status)
	assert.NotEqual(t, models.JobFailed, got.Status)

	// Second run times out and exhausts the retry budget.
	if got.Status == models.JobQueued {
		s.Sweep()
	}
	_, err = m.ClaimNext("w1")
	require.NoError(t, err)
	backdateStart(m, j.ID, 2*time.Second)
	s.Sweep()

	got = mustGetJob(t, m, j.ID)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Contains(t, got.ErrorMessage, "timeout after 1000ms")
	require.NoError(t, m.CheckInvariants())
}

func TestCooldownBlocksAssignment(t *testing.T) {
	s, m := newTestScheduler(t)
	registerWorker(t, m, "w1", 4, 8192, 10)
	j1 := submitJob(t, m, models.SubmitJobRequest{Command: "fails"})

	s.Sweep()
	_, err := m.ClaimNext("w1")
	require.NoError(t, err)
	require.NoError(t, m.ReportFailure(j1.ID, models.FailureReport{WorkerID: "w1", Message: "container spawn failed"}))

	w := mustGetWorker(t, m, "w1")
	assert.Equal(t, models.WorkerUnhealthy, w.Status)
	require.NotNil(t, w.CooldownUntil)

	// The only worker is cooling down, so nothing gets assigned.
	s.Sweep()
	got := mustGetJob(t, m, j1.ID)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// Once the window elapses, the same sweep restores the worker and
	// assigns the queued job.
	m.Update(func(tx *state.Tx) {
		for _, w := range tx.Workers() {
			past := time.Now().Add(-time.Second)
			w.CooldownUntil = &past
		}
	})
	s.Sweep()

	w = mustGetWorker(t, m, "w1")
	assert.Equal(t, models.WorkerBusy, w.Status)
	assert.Nil(t, w.CooldownUntil)
	assert.Equal(t, models.JobAssigned, mustGetJob(t, m, j1.ID).Status)
	require.NoError(t, m.CheckInvariants())
}

func TestScoringPrefersLeastLoadedWorker(t *testing.T) {
	s, m := newTestScheduler(t)
	registerWorker(t, m, "busy", 4, 8192, 80)
	registerWorker(t, m, "quiet", 4, 8192, 5)

	j := submitJob(t, m, models.SubmitJobRequest{Command: "echo"})
	s.Sweep()

	assert.Equal(t, "quiet", mustGetJob(t, m, j.ID).AssignedAgentID)
}

func TestScoringAccountsForReservations(t *testing.T) {
	s, m := newTestScheduler(t)
	// Same CPU usage; w1 is half reserved, so w2 scores lower.
	registerWorker(t, m, "w1", 2, 4096, 10)
	registerWorker(t, m, "w2", 2, 4096, 10)

	j1 := submitJob(t, m, models.SubmitJobRequest{Command: "first", RequiredCpu: 1})
	s.Sweep()
	first := mustGetJob(t, m, j1.ID).AssignedAgentID

	j2 := submitJob(t, m, models.SubmitJobRequest{Command: "second", RequiredCpu: 1})
	s.Sweep()
	second := mustGetJob(t, m, j2.ID).AssignedAgentID

	assert.NotEqual(t, first, second)
}

func TestScoringTieBreaksByRegistration(t *testing.T) {
	s, m := newTestScheduler(t)
	registerWorker(t, m, "later", 4, 8192, 10)
	registerWorker(t, m, "earlier", 4, 8192, 10)
	// Make "earlier" the first registration.
	m.Update(func(tx *state.Tx) {
		for _, w := range tx.Workers() {
			if w.ID == "earlier" {
				w.RegisteredAt = w.RegisteredAt.Add(-time.Hour)
			}
		}
	})

	j := submitJob(t, m, models.SubmitJobRequest{Command: "echo"})
	s.Sweep()

	assert.Equal(t, "earlier", mustGetJob(t, m, j.ID).AssignedAgentID)
}

func TestSaturatedWorkerIsNotACandidate(t *testing.T) {
	s, m := newTestScheduler(t)
	registerWorker(t, m, "w1", 8, 16384, 95)

	j := submitJob(t, m, models.SubmitJobRequest{Command: "echo"})
	s.Sweep()

	assert.Equal(t, models.JobQueued, mustGetJob(t, m, j.ID).Status)
}

func TestInsufficientRamExcludesWorker(t *testing.T) {
	s, m := newTestScheduler(t)
	registerWorker(t, m, "w1", 8, 1024, 10)

	j := submitJob(t, m, models.SubmitJobRequest{Command: "big", RequiredRamMb: 2048})
	s.Sweep()

	assert.Equal(t, models.JobQueued, mustGetJob(t, m, j.ID).Status)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []assignment
}

func (n *recordingNotifier) NotifyAssigned(workerID string, job *models.JobAssignment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, assignment{workerID: workerID, job: job})
}

func (n *recordingNotifier) snapshot() []assignment {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]assignment(nil), n.calls...)
}

func TestNotifierToldAboutAssignments(t *testing.T) {
	n := &recordingNotifier{}
	s, m := newTestScheduler(t, Options{Notifier: n})
	registerWorker(t, m, "w1", 4, 8192, 10)
	j := submitJob(t, m, models.SubmitJobRequest{Command: "echo hello"})

	s.Sweep()

	calls := n.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "w1", calls[0].workerID)
	assert.Equal(t, j.ID, calls[0].job.JobID)
	assert.Equal(t, "echo hello", calls[0].job.Command)
}

func TestLoopSweepsOnEventKick(t *testing.T) {
	s, m := newTestScheduler(t, Options{SweepPeriod: time.Hour})
	registerWorker(t, m, "w1", 4, 8192, 10)

	s.Start()
	defer s.Stop()

	j := submitJob(t, m, models.SubmitJobRequest{Command: "echo"})

	require.Eventually(t, func() bool {
		got, err := m.GetJob(j.ID)
		return err == nil && got.Status == models.JobAssigned
	}, 2*time.Second, 10*time.Millisecond)
}
