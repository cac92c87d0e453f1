// GRIDRUN Data Model
// Job and Worker records shared by the coordinator and the worker agent,
// plus the wire messages exchanged between them.

package models

import (
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobAssigned  JobStatus = "ASSIGNED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// WorkerStatus is the coordinator's view of a worker agent.
type WorkerStatus string

const (
	WorkerIdle      WorkerStatus = "IDLE"
	WorkerBusy      WorkerStatus = "BUSY"
	WorkerUnhealthy WorkerStatus = "UNHEALTHY"
	WorkerOffline   WorkerStatus = "OFFLINE"
)

// Output stream tags used by log chunks.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Job resource and retry defaults, applied when a submission omits them.
const (
	DefaultRequiredCpu   = 1
	DefaultRequiredRamMb = 256
	DefaultTimeoutMs     = 300000
	DefaultMaxRetries    = 3
)

// Job is a client-submitted unit of work: a command (possibly several
// newline-separated sub-commands) plus an input archive. The record is the
// persisted document; JSON keys match the store schema.
type Job struct {
	ID       string `json:"jobId"`
	Command  string `json:"command"`
	// ArchiveRef is an opaque handle to the input archive; workers resolve
	// it against the coordinator base URL when it is not absolute.
	ArchiveRef string `json:"archiveRef"`
	Filename   string `json:"filename"`

	RequiredCpu   int   `json:"requiredCpu"`
	RequiredRamMb int   `json:"requiredRamMb"`
	TimeoutMs     int64 `json:"timeoutMs"`
	MaxRetries    int   `json:"maxRetries"`

	Status          JobStatus `json:"status"`
	AssignedAgentID string    `json:"assignedAgentId,omitempty"`
	Attempts        int       `json:"attempts"`
	CancelRequested bool      `json:"cancelRequested"`

	CreatedAt   time.Time  `json:"createdAt"`
	QueuedAt    time.Time  `json:"queuedAt"`
	AssignedAt  *time.Time `json:"assignedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdoutTruncated,omitempty"`
	StderrTruncated bool   `json:"stderrTruncated,omitempty"`
	ExitCode        *int   `json:"exitCode,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`

	// Optional overrides; empty means "select at run time".
	ContainerImage string `json:"containerImage,omitempty"`
	WorkDir        string `json:"workDir,omitempty"`
}

// IsTerminal reports whether the job reached COMPLETED or FAILED.
func (j *Job) IsTerminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// Clone returns a deep copy safe to hand out without holding the state lock.
func (j *Job) Clone() *Job {
	c := *j
	if j.AssignedAt != nil {
		t := *j.AssignedAt
		c.AssignedAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ExitCode != nil {
		v := *j.ExitCode
		c.ExitCode = &v
	}
	return &c
}

// Worker is the coordinator-side record of a long-lived agent process.
type Worker struct {
	ID       string `json:"workerId"`
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Version  string `json:"version,omitempty"`

	CpuCount   int     `json:"cpuCount"`
	CpuUsage   float64 `json:"cpuUsage"`
	RamTotalMb int     `json:"ramTotalMb"`
	RamFreeMb  int     `json:"ramFreeMb"`

	Status        WorkerStatus `json:"status"`
	HealthReason  string       `json:"healthReason,omitempty"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	RegisteredAt  time.Time    `json:"registeredAt"`
	CooldownUntil *time.Time   `json:"cooldownUntil,omitempty"`

	// CurrentJobIDs lists jobs assigned to (or running on) this worker.
	// ReservedCpu/ReservedRamMb are the sums of those jobs' requirements.
	CurrentJobIDs []string `json:"currentJobIds"`
	ReservedCpu   int      `json:"reservedCpu"`
	ReservedRamMb int      `json:"reservedRamMb"`
}

// FreeCpu returns unreserved cores.
func (w *Worker) FreeCpu() int {
	return w.CpuCount - w.ReservedCpu
}

// InCooldown reports whether the worker is excluded from assignment at t.
func (w *Worker) InCooldown(t time.Time) bool {
	return w.CooldownUntil != nil && t.Before(*w.CooldownUntil)
}

// HasJob reports whether jobID is in the worker's in-flight set.
func (w *Worker) HasJob(jobID string) bool {
	for _, id := range w.CurrentJobIDs {
		if id == jobID {
			return true
		}
	}
	return false
}

// RemoveJob deletes one occurrence of jobID from the in-flight set.
func (w *Worker) RemoveJob(jobID string) {
	for i, id := range w.CurrentJobIDs {
		if id == jobID {
			w.CurrentJobIDs = append(w.CurrentJobIDs[:i], w.CurrentJobIDs[i+1:]...)
			return
		}
	}
}

// Clone returns a deep copy safe to hand out without holding the state lock.
func (w *Worker) Clone() *Worker {
	c := *w
	c.CurrentJobIDs = append([]string(nil), w.CurrentJobIDs...)
	if w.CooldownUntil != nil {
		t := *w.CooldownUntil
		c.CooldownUntil = &t
	}
	return &c
}
