package state

import (
	"time"

	"gridrun/pkg/models"
)

// Tx exposes both registries to the scheduler for the duration of one
// sweep, under the model's lock. The pointers it hands out are the live
// records: they may be read and mutated only inside the Update callback,
// and only through Tx methods when the mutation touches assignment or
// reservation bookkeeping.
type Tx struct {
	m *Model
}

// Update runs fn with the model locked. Handlers and the scheduler share
// the same lock, so a whole sweep is atomic with respect to API mutations.
func (m *Model) Update(fn func(tx *Tx)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&Tx{m: m})
}

// Jobs returns the live job records in unspecified order.
func (tx *Tx) Jobs() []*models.Job {
	out := make([]*models.Job, 0, len(tx.m.jobs))
	for _, job := range tx.m.jobs {
		out = append(out, job)
	}
	return out
}

// Workers returns the live worker records in unspecified order.
func (tx *Tx) Workers() []*models.Worker {
	out := make([]*models.Worker, 0, len(tx.m.workers))
	for _, worker := range tx.m.workers {
		out = append(out, worker)
	}
	return out
}

// MarkWorkerOffline records a missed-heartbeat death: the worker goes
// OFFLINE with the given reason and every in-flight job is pushed through
// the retry rule.
func (tx *Tx) MarkWorkerOffline(worker *models.Worker, reason string, now time.Time) {
	worker.Status = models.WorkerOffline
	worker.HealthReason = reason
	worker.CooldownUntil = nil
	tx.m.requeueWorkerJobsLocked(worker, "worker offline: "+reason, now)
	// requeueWorkerJobsLocked resets BUSY to IDLE; stay OFFLINE.
	worker.Status = models.WorkerOffline
	tx.m.persistWorker(worker)
}

// ClearCooldown restores a worker whose cooldown window has elapsed.
func (tx *Tx) ClearCooldown(worker *models.Worker) {
	tx.m.restoreFromCooldownLocked(worker)
	tx.m.persistWorker(worker)
}

// RequeueOrFail applies the retry rule to one job (timeout reclamation and
// similar scheduler decisions).
func (tx *Tx) RequeueOrFail(job *models.Job, reason string, now time.Time) {
	tx.m.requeueOrFailLocked(job, reason, now)
	tx.m.persistJob(job)
}

// Assign binds a queued job to a worker: ASSIGNED status, reservation
// bookkeeping on both records, write-through for both.
func (tx *Tx) Assign(job *models.Job, worker *models.Worker, now time.Time) {
	job.Status = models.JobAssigned
	job.AssignedAgentID = worker.ID
	t := now
	job.AssignedAt = &t

	worker.CurrentJobIDs = append(worker.CurrentJobIDs, job.ID)
	worker.ReservedCpu += job.RequiredCpu
	worker.ReservedRamMb += job.RequiredRamMb
	worker.Status = models.WorkerBusy

	tx.m.persistJob(job)
	tx.m.persistWorker(worker)
}
