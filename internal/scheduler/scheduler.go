// Package scheduler converges the state model toward a legal, efficient
// assignment of queued jobs to workers. It runs one sweep per period and
// one per model event, each sweep being a single critical section over the
// state model: health reaping, timeout reclamation, assignment, and gauge
// bookkeeping, in that order.
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"gridrun/internal/logging"
	"gridrun/internal/metrics"
	"gridrun/internal/state"
	"gridrun/pkg/models"
)

// cpuSaturationLimit excludes workers whose last reported CPU usage is at or
// above this percentage from receiving new work.
const cpuSaturationLimit = 90.0

// Notifier is told about fresh assignments so push-channel workers can be
// woken immediately instead of waiting for their next poll. Calls happen
// outside the state lock.
type Notifier interface {
	NotifyAssigned(workerID string, assignment *models.JobAssignment)
}

// Options tune a Scheduler. Zero values take the documented defaults.
type Options struct {
	// SweepPeriod is the interval between timer-driven sweeps.
	SweepPeriod time.Duration
	// HeartbeatTimeout is how long a worker may go silent before it is
	// declared OFFLINE.
	HeartbeatTimeout time.Duration
	// Notifier receives assignment callbacks; may be nil.
	Notifier Notifier
}

// Scheduler owns the sweep loop.
type Scheduler struct {
	model    *state.Model
	notifier Notifier

	sweepPeriod      time.Duration
	heartbeatTimeout time.Duration

	now     func() time.Time
	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates a scheduler over the given model.
func New(model *state.Model, opts Options) *Scheduler {
	if opts.SweepPeriod <= 0 {
		opts.SweepPeriod = 5 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 30 * time.Second
	}
	return &Scheduler{
		model:            model,
		notifier:         opts.Notifier,
		sweepPeriod:      opts.SweepPeriod,
		heartbeatTimeout: opts.HeartbeatTimeout,
		now:              time.Now,
		stopCh:           make(chan struct{}),
		stopped:          make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop terminates the loop and waits for the in-flight sweep to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.stopped
}

func (s *Scheduler) run() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.sweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.model.Events():
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// assignment pairs a worker with the job pushed to it, collected under the
// lock and delivered after it is released.
type assignment struct {
	workerID string
	job      *models.JobAssignment
}

// Sweep performs one scheduling cycle. Exported so tests and the readiness
// probe can drive the scheduler synchronously.
func (s *Scheduler) Sweep() {
	started := time.Now()

	var assigned []assignment
	s.model.Update(func(tx *state.Tx) {
		now := s.now()
		s.passHealth(tx, now)
		s.passTimeouts(tx, now)
		assigned = s.passAssign(tx, now)
		s.passBookkeeping(tx)
	})

	metrics.Get().RecordSweep(time.Since(started), len(assigned))

	if s.notifier != nil {
		for _, a := range assigned {
			s.notifier.NotifyAssigned(a.workerID, a.job)
		}
	}
}

// passHealth declares silent workers dead and restores elapsed cooldowns.
// A dead worker's in-flight jobs go through the retry rule.
func (s *Scheduler) passHealth(tx *state.Tx, now time.Time) {
	for _, worker := range tx.Workers() {
		if worker.Status == models.WorkerOffline {
			continue
		}
		if now.Sub(worker.LastHeartbeat) > s.heartbeatTimeout {
			logging.S().Warnw("worker missed heartbeats, declaring offline",
				"workerId", worker.ID,
				"hostname", worker.Hostname,
				"lastHeartbeat", worker.LastHeartbeat,
				"inFlightJobs", len(worker.CurrentJobIDs))
			for range worker.CurrentJobIDs {
				metrics.Get().RecordRequeue("worker_offline")
			}
			tx.MarkWorkerOffline(worker, "heartbeat_timeout", now)
			metrics.Get().RecordWorkerOffline()
			continue
		}
		if worker.CooldownUntil != nil && !worker.InCooldown(now) {
			logging.S().Infow("worker cooldown elapsed", "workerId", worker.ID)
			tx.ClearCooldown(worker)
		}
	}
}

// passTimeouts reclaims RUNNING jobs whose wall-clock budget is spent.
func (s *Scheduler) passTimeouts(tx *state.Tx, now time.Time) {
	for _, job := range tx.Jobs() {
		if job.Status != models.JobRunning || job.StartedAt == nil {
			continue
		}
		if now.Sub(*job.StartedAt) <= time.Duration(job.TimeoutMs)*time.Millisecond {
			continue
		}
		logging.S().Infow("reclaiming timed out job",
			"jobId", job.ID,
			"workerId", job.AssignedAgentID,
			"timeoutMs", job.TimeoutMs,
			"attempts", job.Attempts)
		metrics.Get().RecordRequeue("timeout")
		tx.RequeueOrFail(job, fmt.Sprintf("timeout after %dms", job.TimeoutMs), now)
	}
}

// passAssign walks the queue in arrival order and binds each job to the
// best-scoring candidate worker. Reservations made earlier in the same
// sweep count against later candidates.
func (s *Scheduler) passAssign(tx *state.Tx, now time.Time) []assignment {
	queued := make([]*models.Job, 0)
	for _, job := range tx.Jobs() {
		if job.Status == models.JobQueued {
			queued = append(queued, job)
		}
	}
	if len(queued) == 0 {
		return nil
	}
	sort.Slice(queued, func(i, j int) bool {
		if !queued[i].QueuedAt.Equal(queued[j].QueuedAt) {
			return queued[i].QueuedAt.Before(queued[j].QueuedAt)
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})

	workers := tx.Workers()
	var assigned []assignment
	for _, job := range queued {
		worker := pickWorker(workers, job, now)
		if worker == nil {
			continue
		}
		tx.Assign(job, worker, now)
		logging.S().Infow("job assigned",
			"jobId", job.ID,
			"workerId", worker.ID,
			"hostname", worker.Hostname,
			"attempts", job.Attempts)
		assigned = append(assigned, assignment{workerID: worker.ID, job: models.NewJobAssignment(job)})
	}
	return assigned
}

// pickWorker returns the lowest-score candidate for the job, or nil when no
// worker qualifies. Ties break toward the earliest registration.
func pickWorker(workers []*models.Worker, job *models.Job, now time.Time) *models.Worker {
	var best *models.Worker
	var bestScore float64
	for _, worker := range workers {
		if !isCandidate(worker, job, now) {
			continue
		}
		score := placementScore(worker, job)
		switch {
		case best == nil, score < bestScore:
			best, bestScore = worker, score
		case score == bestScore && worker.RegisteredAt.Before(best.RegisteredAt):
			best = worker
		}
	}
	return best
}

// isCandidate applies the placement filter: serving status, out of cooldown,
// enough unreserved CPU and RAM, and not CPU-saturated.
func isCandidate(worker *models.Worker, job *models.Job, now time.Time) bool {
	if worker.Status != models.WorkerIdle && worker.Status != models.WorkerBusy {
		return false
	}
	if worker.InCooldown(now) {
		return false
	}
	if worker.CpuCount-worker.ReservedCpu < job.RequiredCpu {
		return false
	}
	if worker.RamFreeMb-worker.ReservedRamMb < job.RequiredRamMb {
		return false
	}
	if worker.CpuUsage >= cpuSaturationLimit {
		return false
	}
	return true
}

// placementScore ranks a candidate lower-is-better: observed CPU load
// dominates, then the CPU reservation this assignment would create, then
// the RAM reservation.
func placementScore(worker *models.Worker, job *models.Job) float64 {
	cpuPressure := 100 * float64(worker.ReservedCpu+job.RequiredCpu) / float64(worker.CpuCount)
	ramPressure := 100 * float64(worker.ReservedRamMb+job.RequiredRamMb) / float64(worker.RamTotalMb)
	return 0.6*worker.CpuUsage + 0.3*cpuPressure + 0.1*ramPressure
}

// passBookkeeping refreshes the census gauges from the live registries.
func (s *Scheduler) passBookkeeping(tx *state.Tx) {
	jobCensus := map[string]int{
		string(models.JobQueued):    0,
		string(models.JobAssigned):  0,
		string(models.JobRunning):   0,
		string(models.JobCompleted): 0,
		string(models.JobFailed):    0,
	}
	for _, job := range tx.Jobs() {
		jobCensus[string(job.Status)]++
	}

	workerCensus := map[string]int{
		string(models.WorkerIdle):      0,
		string(models.WorkerBusy):      0,
		string(models.WorkerUnhealthy): 0,
		string(models.WorkerOffline):   0,
	}
	reservedCpu, reservedRamMb := 0, 0
	for _, worker := range tx.Workers() {
		workerCensus[string(worker.Status)]++
		reservedCpu += worker.ReservedCpu
		reservedRamMb += worker.ReservedRamMb
	}

	m := metrics.Get()
	m.SetJobGauges(jobCensus, jobCensus[string(models.JobQueued)])
	m.SetWorkerGauges(workerCensus, reservedCpu, reservedRamMb)
}
