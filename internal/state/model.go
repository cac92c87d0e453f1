// GRIDRUN State Model
// In-memory source of truth for jobs and workers. Every mutation happens
// under one process-wide mutex and is written through to the StateStore by
// a background persister, so the scheduler and the API handlers always see
// a consistent view.

package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridrun/internal/config"
	"gridrun/internal/logging"
	"gridrun/internal/metrics"
	"gridrun/internal/store"
	"gridrun/pkg/models"
)

// Options tune a Model. Zero values take the documented defaults.
type Options struct {
	Defaults config.JobDefaults
	// Cooldown is how long a worker stays UNHEALTHY after reporting a
	// failure.
	Cooldown time.Duration
	// OutputCapBytes caps each of a job's stdout/stderr buffers.
	OutputCapBytes int64
}

// Model owns both registries. All exported methods are safe for concurrent
// use; they lock, mutate, enqueue write-through snapshots and return deep
// copies.
type Model struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	workers map[string]*models.Worker

	persister *persister
	kick      chan struct{}

	defaults  config.JobDefaults
	cooldown  time.Duration
	outputCap int64
	now       func() time.Time
}

// NewModel builds an empty model writing through to st.
func NewModel(st store.StateStore, opts Options) *Model {
	if opts.Defaults.TimeoutMs <= 0 {
		opts.Defaults.TimeoutMs = models.DefaultTimeoutMs
	}
	if opts.Defaults.Cpu <= 0 {
		opts.Defaults.Cpu = models.DefaultRequiredCpu
	}
	if opts.Defaults.RamMb <= 0 {
		opts.Defaults.RamMb = models.DefaultRequiredRamMb
	}
	if opts.Defaults.MaxRetries < 0 {
		opts.Defaults.MaxRetries = models.DefaultMaxRetries
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.OutputCapBytes <= 0 {
		opts.OutputCapBytes = 10 * 1024 * 1024
	}
	return &Model{
		jobs:      make(map[string]*models.Job),
		workers:   make(map[string]*models.Worker),
		persister: newPersister(st),
		kick:      make(chan struct{}, 1),
		defaults:  opts.Defaults,
		cooldown:  opts.Cooldown,
		outputCap: opts.OutputCapBytes,
		now:       time.Now,
	}
}

// Load reads both collections from the store, normalizing documents written
// by earlier schema versions. Cross-entity inconsistencies are left for the
// scheduler's health pass to reconcile.
func (m *Model) Load(ctx context.Context) error {
	jobDocs, err := m.persister.store().GetAll(ctx, store.CollectionJobs)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	workerDocs, err := m.persister.store().GetAll(ctx, store.CollectionWorkers)
	if err != nil {
		return fmt.Errorf("load workers: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, doc := range jobDocs {
		job, err := NormalizeJob(doc, m.defaults)
		if err != nil {
			logging.S().Warnw("skipping unreadable job document", "key", key, "error", err)
			continue
		}
		m.jobs[job.ID] = job
	}
	for key, doc := range workerDocs {
		worker, err := NormalizeWorker(doc)
		if err != nil {
			logging.S().Warnw("skipping unreadable worker document", "key", key, "error", err)
			continue
		}
		m.workers[worker.ID] = worker
	}
	logging.S().Infow("state loaded", "jobs", len(m.jobs), "workers", len(m.workers))
	return nil
}

// Start launches the persistence drain worker.
func (m *Model) Start() { m.persister.start() }

// Close drains pending writes and stops the persister. The store itself is
// closed by the caller.
func (m *Model) Close() { m.persister.stop() }

// Events is the scheduler kick channel: buffered, fired on job submission,
// heartbeats and result/failure reports.
func (m *Model) Events() <-chan struct{} { return m.kick }

func (m *Model) notify() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// ---- Job operations ----

// SubmitJob validates the request, applies defaults and creates a QUEUED job.
func (m *Model) SubmitJob(req models.SubmitJobRequest) (*models.Job, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidArgument)
	}
	if req.RequiredCpu < 0 || req.RequiredRamMb < 0 || req.TimeoutMs < 0 {
		return nil, fmt.Errorf("%w: resource requirements must be positive", ErrInvalidArgument)
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: maxRetries must be >= 0", ErrInvalidArgument)
	}

	now := m.now()
	job := &models.Job{
		ID:            uuid.New().String(),
		Command:       req.Command,
		ArchiveRef:    req.ArchiveRef,
		Filename:      req.Filename,
		RequiredCpu:   req.RequiredCpu,
		RequiredRamMb: req.RequiredRamMb,
		TimeoutMs:     req.TimeoutMs,
		MaxRetries:    m.defaults.MaxRetries,
		Status:        models.JobQueued,
		CreatedAt:     now,
		QueuedAt:      now,

		ContainerImage: req.ContainerImage,
		WorkDir:        req.WorkDir,
	}
	if job.RequiredCpu == 0 {
		job.RequiredCpu = m.defaults.Cpu
	}
	if job.RequiredRamMb == 0 {
		job.RequiredRamMb = m.defaults.RamMb
	}
	if job.TimeoutMs == 0 {
		job.TimeoutMs = m.defaults.TimeoutMs
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.persistJob(job)
	snapshot := job.Clone()
	m.mu.Unlock()

	m.notify()
	return snapshot, nil
}

// GetJob returns a deep copy of the job record.
func (m *Model) GetJob(id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

// ListJobs returns job snapshots, newest first, optionally filtered by
// status.
func (m *Model) ListJobs(status models.JobStatus) []*models.Job {
	m.mu.Lock()
	out := make([]*models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CancelJob applies the user-cancel policy: QUEUED and ASSIGNED jobs fail
// immediately and release their reservation; RUNNING jobs get the
// cancelRequested flag for the worker's next cancel poll; terminal jobs are
// untouched. Cancellation never counts as a retry attempt.
func (m *Model) CancelJob(id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}

	switch job.Status {
	case models.JobCompleted, models.JobFailed:
		// Idempotent no-op.
	case models.JobQueued, models.JobAssigned:
		m.releaseLocked(job)
		now := m.now()
		job.Status = models.JobFailed
		job.ErrorMessage = "cancelled by user"
		job.CompletedAt = &now
		m.persistJob(job)
		metrics.Get().RecordJobFinished("cancelled", 0)
	case models.JobRunning:
		job.CancelRequested = true
		m.persistJob(job)
	}
	return job.Clone(), nil
}

// CheckCancel reports the job's cancelRequested flag.
func (m *Model) CheckCancel(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return job.CancelRequested, nil
}

// AppendOutput appends one stream chunk to a RUNNING job. Chunks from a
// worker other than the current assignee are rejected so superseded
// attempts cannot interleave output.
func (m *Model) AppendOutput(jobID, workerID, stream, data string) error {
	if stream != models.StreamStdout && stream != models.StreamStderr {
		return fmt.Errorf("%w: unknown stream %q", ErrInvalidArgument, stream)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	if job.Status != models.JobRunning {
		return fmt.Errorf("%w: output for job in state %s", ErrConflictingState, job.Status)
	}
	if job.AssignedAgentID != workerID {
		return fmt.Errorf("%w: job %s is not assigned to worker %s", ErrConflictingState, jobID, workerID)
	}

	if stream == models.StreamStdout {
		job.Stdout, job.StdoutTruncated = appendCapped(job.Stdout, data, m.outputCap, job.StdoutTruncated)
	} else {
		job.Stderr, job.StderrTruncated = appendCapped(job.Stderr, data, m.outputCap, job.StderrTruncated)
	}
	m.persistJob(job)
	return nil
}

const truncationMarker = "\n[truncated]"

// appendCapped grows buf by data up to cap bytes, marking truncation once.
func appendCapped(buf, data string, capBytes int64, truncated bool) (string, bool) {
	if truncated {
		return buf, true
	}
	if int64(len(buf)+len(data)) <= capBytes {
		return buf + data, false
	}
	room := capBytes - int64(len(buf))
	if room > 0 {
		buf += data[:room]
	}
	return buf + truncationMarker, true
}

// ClaimNext hands the worker one of its ASSIGNED jobs (earliest assignment
// first) and marks it RUNNING. Returns nil when nothing is waiting.
func (m *Model) ClaimNext(workerID string) (*models.JobAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workers[workerID]; !ok {
		return nil, fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
	}

	var pick *models.Job
	for _, job := range m.jobs {
		if job.Status != models.JobAssigned || job.AssignedAgentID != workerID {
			continue
		}
		if pick == nil || beforePtr(job.AssignedAt, pick.AssignedAt) {
			pick = job
		}
	}
	if pick == nil {
		return nil, nil
	}

	now := m.now()
	pick.Status = models.JobRunning
	pick.StartedAt = &now
	m.persistJob(pick)

	return models.NewJobAssignment(pick), nil
}

func beforePtr(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Before(*b)
}

// SubmitResult records a terminal sandbox outcome. A timed-out run goes
// through the retry rule; a cancelled run fails without consuming an
// attempt; everything else completes with the reported exit code.
func (m *Model) SubmitResult(jobID string, rep models.ResultReport) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	if job.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: job %s is already %s", ErrConflictingState, jobID, job.Status)
	}
	if job.AssignedAgentID != rep.WorkerID {
		m.mu.Unlock()
		return fmt.Errorf("%w: job %s is not assigned to worker %s", ErrConflictingState, jobID, rep.WorkerID)
	}
	if job.Status != models.JobRunning {
		m.mu.Unlock()
		return fmt.Errorf("%w: result for job in state %s", ErrConflictingState, job.Status)
	}

	now := m.now()
	duration := time.Duration(rep.DurationMs) * time.Millisecond
	if duration <= 0 && job.StartedAt != nil {
		duration = now.Sub(*job.StartedAt)
	}
	m.releaseLocked(job)
	m.mergeOutput(job, rep.Stdout, rep.Stderr)

	switch {
	case rep.Cancelled:
		exit := rep.ExitCode
		job.Status = models.JobFailed
		job.ExitCode = &exit
		job.ErrorMessage = "cancelled by user"
		job.CompletedAt = &now
		metrics.Get().RecordJobFinished("cancelled", duration)
	case rep.TimedOut:
		metrics.Get().RecordRequeue("timeout")
		m.requeueOrFailLocked(job, fmt.Sprintf("timeout after %dms", job.TimeoutMs), now)
	default:
		exit := rep.ExitCode
		job.Status = models.JobCompleted
		job.ExitCode = &exit
		job.ErrorMessage = ""
		job.CompletedAt = &now
		metrics.Get().RecordJobFinished("completed", duration)
	}
	m.persistJob(job)
	m.mu.Unlock()

	m.notify()
	return nil
}

// mergeOutput replaces the streamed buffers with the worker's complete
// capture when it is longer; lost chunks cannot shrink what we show.
func (m *Model) mergeOutput(job *models.Job, stdout, stderr string) {
	if len(stdout) > len(job.Stdout) && !job.StdoutTruncated {
		job.Stdout, job.StdoutTruncated = appendCapped("", stdout, m.outputCap, false)
	}
	if len(stderr) > len(job.Stderr) && !job.StderrTruncated {
		job.Stderr, job.StderrTruncated = appendCapped("", stderr, m.outputCap, false)
	}
}

// ReportFailure records a worker-detected failure (setup, sandbox or pull
// errors), applies the retry rule and puts the worker into cooldown.
func (m *Model) ReportFailure(jobID string, rep models.FailureReport) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	if job.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: job %s is already %s", ErrConflictingState, jobID, job.Status)
	}
	if job.AssignedAgentID != rep.WorkerID {
		m.mu.Unlock()
		return fmt.Errorf("%w: job %s is not assigned to worker %s", ErrConflictingState, jobID, rep.WorkerID)
	}

	now := m.now()
	message := rep.Message
	if message == "" {
		message = "worker reported failure"
	}

	metrics.Get().RecordRequeue("worker_failure")
	m.requeueOrFailLocked(job, message, now)
	m.persistJob(job)

	if worker, ok := m.workers[rep.WorkerID]; ok {
		until := now.Add(m.cooldown)
		worker.Status = models.WorkerUnhealthy
		worker.CooldownUntil = &until
		worker.HealthReason = "job failure: " + message
		m.persistWorker(worker)
	}
	m.mu.Unlock()

	m.notify()
	return nil
}

// ---- Worker operations ----

// RegisterWorker upserts a worker record. Re-registration refreshes
// capacity; an OFFLINE worker rejoining has any stale assignments requeued.
func (m *Model) RegisterWorker(req models.RegisterWorkerRequest) (*models.Worker, error) {
	if strings.TrimSpace(req.Hostname) == "" {
		return nil, fmt.Errorf("%w: hostname is required", ErrInvalidArgument)
	}
	if req.CpuCount <= 0 || req.RamTotalMb <= 0 {
		return nil, fmt.Errorf("%w: cpuCount and ramTotalMb must be positive", ErrInvalidArgument)
	}

	id := req.WorkerID
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	now := m.now()
	worker, exists := m.workers[id]
	if !exists {
		worker = &models.Worker{
			ID:            id,
			RegisteredAt:  now,
			CurrentJobIDs: []string{},
			Status:        models.WorkerIdle,
		}
		m.workers[id] = worker
	}

	worker.Hostname = req.Hostname
	worker.OS = req.OS
	worker.Version = req.Version
	worker.CpuCount = req.CpuCount
	worker.CpuUsage = req.CpuUsage
	worker.RamTotalMb = req.RamTotalMb
	if req.RamFreeMb > 0 {
		worker.RamFreeMb = req.RamFreeMb
	} else if worker.RamFreeMb == 0 {
		worker.RamFreeMb = req.RamTotalMb
	}
	if worker.RamFreeMb > worker.RamTotalMb {
		worker.RamFreeMb = worker.RamTotalMb
	}
	worker.LastHeartbeat = now

	if exists && worker.Status == models.WorkerOffline {
		m.requeueWorkerJobsLocked(worker, "worker rejoined after going offline", now)
		worker.Status = models.WorkerIdle
		worker.HealthReason = ""
	}
	// A shrunken capacity invalidates reservations made against the old one.
	if worker.ReservedCpu > worker.CpuCount || worker.ReservedRamMb > worker.RamTotalMb {
		m.requeueWorkerJobsLocked(worker, "worker re-registered with reduced capacity", now)
	}
	m.persistWorker(worker)
	snapshot := worker.Clone()
	m.mu.Unlock()

	m.notify()
	return snapshot, nil
}

// Heartbeat refreshes telemetry and receipt time. An OFFLINE worker rejoins
// as IDLE; any assignments it still held are a prior inconsistency and are
// requeued. An UNHEALTHY worker whose cooldown has passed is restored.
func (m *Model) Heartbeat(workerID string, req models.HeartbeatRequest) error {
	m.mu.Lock()
	worker, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
	}

	now := m.now()
	worker.CpuUsage = req.CpuUsage
	if req.RamTotalMb > 0 {
		worker.RamTotalMb = req.RamTotalMb
	}
	if req.RamFreeMb > 0 {
		worker.RamFreeMb = req.RamFreeMb
	}
	// Free RAM can never exceed the machine; distrust odd telemetry so
	// assignment cannot over-reserve.
	if worker.RamFreeMb > worker.RamTotalMb {
		worker.RamFreeMb = worker.RamTotalMb
	}
	worker.LastHeartbeat = now

	switch worker.Status {
	case models.WorkerOffline:
		m.requeueWorkerJobsLocked(worker, "worker rejoined after going offline", now)
		worker.Status = models.WorkerIdle
		worker.HealthReason = ""
	case models.WorkerUnhealthy:
		if worker.CooldownUntil != nil && !now.Before(*worker.CooldownUntil) {
			m.restoreFromCooldownLocked(worker)
		}
	}
	m.persistWorker(worker)
	m.mu.Unlock()

	m.notify()
	return nil
}

// UnregisterWorker removes the record entirely; in-flight jobs go through
// the retry rule first.
func (m *Model) UnregisterWorker(workerID string) error {
	m.mu.Lock()
	worker, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
	}

	now := m.now()
	m.requeueWorkerJobsLocked(worker, "worker deregistered", now)
	delete(m.workers, workerID)
	m.persister.enqueueDelete(store.CollectionWorkers, workerID)
	m.mu.Unlock()

	m.notify()
	return nil
}

// GetWorker returns a deep copy of the worker record.
func (m *Model) GetWorker(id string) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: worker %s", ErrNotFound, id)
	}
	return worker.Clone(), nil
}

// ListWorkers returns worker snapshots ordered by registration time.
func (m *Model) ListWorkers() []*models.Worker {
	m.mu.Lock()
	out := make([]*models.Worker, 0, len(m.workers))
	for _, worker := range m.workers {
		out = append(out, worker.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// ---- Shared transition helpers (callers hold the lock) ----

// releaseLocked undoes a job's reservation on its assigned worker, if any.
func (m *Model) releaseLocked(job *models.Job) {
	if job.AssignedAgentID == "" {
		return
	}
	worker, ok := m.workers[job.AssignedAgentID]
	if !ok || !worker.HasJob(job.ID) {
		return
	}
	worker.RemoveJob(job.ID)
	worker.ReservedCpu -= job.RequiredCpu
	worker.ReservedRamMb -= job.RequiredRamMb
	if worker.ReservedCpu < 0 {
		worker.ReservedCpu = 0
	}
	if worker.ReservedRamMb < 0 {
		worker.ReservedRamMb = 0
	}
	if len(worker.CurrentJobIDs) == 0 && worker.Status == models.WorkerBusy {
		worker.Status = models.WorkerIdle
	}
	m.persistWorker(worker)
}

// requeueOrFailLocked applies the retry rule: a cancel-flagged job fails as
// cancelled without consuming an attempt; otherwise attempts increments and
// the job either fails terminally or re-enters the queue with assignment
// fields and captured output cleared.
func (m *Model) requeueOrFailLocked(job *models.Job, reason string, now time.Time) {
	m.releaseLocked(job)

	if job.CancelRequested {
		job.Status = models.JobFailed
		job.ErrorMessage = "cancelled by user"
		job.CompletedAt = &now
		metrics.Get().RecordJobFinished("cancelled", 0)
		return
	}

	job.Attempts++
	if job.Attempts > job.MaxRetries {
		job.Status = models.JobFailed
		job.ErrorMessage = reason
		job.CompletedAt = &now
		metrics.Get().RecordJobFinished("failed", 0)
		return
	}

	job.Status = models.JobQueued
	job.QueuedAt = now
	job.AssignedAgentID = ""
	job.AssignedAt = nil
	job.StartedAt = nil
	job.Stdout, job.Stderr = "", ""
	job.StdoutTruncated, job.StderrTruncated = false, false
	job.ExitCode = nil
	job.ErrorMessage = reason
}

// requeueWorkerJobsLocked pushes every in-flight job of the worker through
// the retry rule and zeroes the worker's reservations.
func (m *Model) requeueWorkerJobsLocked(worker *models.Worker, reason string, now time.Time) {
	ids := append([]string(nil), worker.CurrentJobIDs...)
	for _, jobID := range ids {
		job, ok := m.jobs[jobID]
		if !ok {
			worker.RemoveJob(jobID)
			continue
		}
		m.requeueOrFailLocked(job, reason, now)
		m.persistJob(job)
	}
	worker.CurrentJobIDs = []string{}
	worker.ReservedCpu = 0
	worker.ReservedRamMb = 0
	if worker.Status == models.WorkerBusy {
		worker.Status = models.WorkerIdle
	}
}

// restoreFromCooldownLocked returns an UNHEALTHY worker to service.
func (m *Model) restoreFromCooldownLocked(worker *models.Worker) {
	worker.CooldownUntil = nil
	worker.HealthReason = ""
	if len(worker.CurrentJobIDs) > 0 {
		worker.Status = models.WorkerBusy
	} else {
		worker.Status = models.WorkerIdle
	}
}

func (m *Model) persistJob(job *models.Job) {
	m.persister.enqueueUpsert(store.CollectionJobs, job.ID, job)
}

func (m *Model) persistWorker(worker *models.Worker) {
	m.persister.enqueueUpsert(store.CollectionWorkers, worker.ID, worker)
}
