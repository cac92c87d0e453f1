// GRIDRUN Wire Messages
// Request/response bodies for the coordinator REST API and the frames
// carried over the worker push channel.

package models

import "time"

// SubmitJobRequest is the body of POST /api/jobs. Zero resource fields
// take the package defaults; TimeoutMs and MaxRetries of 0 likewise.
type SubmitJobRequest struct {
	Command       string `json:"command" binding:"required"`
	ArchiveRef    string `json:"archiveRef"`
	Filename      string `json:"filename"`
	RequiredCpu   int    `json:"requiredCpu"`
	RequiredRamMb int    `json:"requiredRamMb"`
	TimeoutMs     int64  `json:"timeoutMs"`
	MaxRetries    *int   `json:"maxRetries"`

	ContainerImage string `json:"containerImage"`
	WorkDir        string `json:"workDir"`
}

// RegisterWorkerRequest is the body of POST /api/workers/register.
// WorkerID is optional; re-registering with a known ID resumes the record.
type RegisterWorkerRequest struct {
	WorkerID   string  `json:"workerId"`
	Hostname   string  `json:"hostname" binding:"required"`
	OS         string  `json:"os"`
	Version    string  `json:"version"`
	CpuCount   int     `json:"cpuCount" binding:"required"`
	CpuUsage   float64 `json:"cpuUsage"`
	RamTotalMb int     `json:"ramTotalMb" binding:"required"`
	RamFreeMb  int     `json:"ramFreeMb"`
}

// RegisterWorkerResponse carries the assigned ID and the bearer token the
// agent presents on every subsequent call.
type RegisterWorkerResponse struct {
	WorkerID string `json:"workerId"`
	Token    string `json:"token"`
}

// HeartbeatRequest is the body of POST /api/workers/:id/heartbeat.
// Telemetry fields are point-in-time readings from the agent host. Status
// is the worker's own view; the coordinator keeps authority over the
// recorded state and only uses it for logging.
type HeartbeatRequest struct {
	CpuUsage   float64      `json:"cpuUsage"`
	RamFreeMb  int          `json:"ramFreeMb"`
	RamTotalMb int          `json:"ramTotalMb"`
	Status     WorkerStatus `json:"status,omitempty"`
	// RunningJobIDs lets the coordinator cross-check its assignment view.
	RunningJobIDs []string `json:"runningJobIds,omitempty"`
}

// ClaimResponse is the body returned by POST /api/workers/:id/claim.
// Job is nil when nothing is assigned to the caller.
type ClaimResponse struct {
	Job *JobAssignment `json:"job"`
}

// JobAssignment is everything a worker needs to execute one job.
type JobAssignment struct {
	JobID         string `json:"jobId"`
	Command       string `json:"command"`
	ArchiveRef    string `json:"archiveRef"`
	Filename      string `json:"filename"`
	TimeoutMs     int64  `json:"timeoutMs"`
	RequiredCpu   int    `json:"requiredCpu"`
	RequiredRamMb int    `json:"requiredRamMb"`

	ContainerImage string `json:"containerImage,omitempty"`
	WorkDir        string `json:"workDir,omitempty"`
}

// NewJobAssignment projects the worker-facing fields out of a job record.
func NewJobAssignment(job *Job) *JobAssignment {
	return &JobAssignment{
		JobID:          job.ID,
		Command:        job.Command,
		ArchiveRef:     job.ArchiveRef,
		Filename:       job.Filename,
		TimeoutMs:      job.TimeoutMs,
		RequiredCpu:    job.RequiredCpu,
		RequiredRamMb:  job.RequiredRamMb,
		ContainerImage: job.ContainerImage,
		WorkDir:        job.WorkDir,
	}
}

// LogChunk is the body of POST /api/jobs/:id/output: one piece of captured
// stdout or stderr, streamed while the job runs.
type LogChunk struct {
	WorkerID string `json:"workerId"`
	Stream   string `json:"stream"`
	Data     string `json:"data"`
	// Seq numbers chunks from the same worker so consumers can spot
	// drops; the coordinator appends in arrival order.
	Seq int64 `json:"seq"`
}

// ResultReport is the body of POST /api/jobs/:id/result, sent when the
// sandbox ran to an exit code (zero or not, including cancel and timeout).
// TimedOut routes the job through the retry rule; Cancelled ends it as
// FAILED without consuming an attempt.
type ResultReport struct {
	WorkerID   string `json:"workerId"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	TimedOut   bool   `json:"timedOut"`
	Cancelled  bool   `json:"cancelled"`
	DurationMs int64  `json:"durationMs"`
}

// FailureReport is the body of POST /api/jobs/:id/failure, sent when the
// worker could not run the command at all (sandbox missing, archive fetch
// failed, image pull failed). Failures count against maxRetries.
type FailureReport struct {
	WorkerID string `json:"workerId"`
	Message  string `json:"message"`
}

// CancelCheckResponse is the body of GET /api/jobs/:id/cancel-check,
// polled by the executing worker.
type CancelCheckResponse struct {
	CancelRequested bool `json:"cancelRequested"`
}

// WorkerSummary is the list item returned by GET /api/workers.
type WorkerSummary struct {
	WorkerID      string       `json:"workerId"`
	Hostname      string       `json:"hostname"`
	Status        WorkerStatus `json:"status"`
	HealthReason  string       `json:"healthReason,omitempty"`
	CpuCount      int          `json:"cpuCount"`
	CpuUsage      float64      `json:"cpuUsage"`
	RamTotalMb    int          `json:"ramTotalMb"`
	RamFreeMb     int          `json:"ramFreeMb"`
	ReservedCpu   int          `json:"reservedCpu"`
	ReservedRamMb int          `json:"reservedRamMb"`
	CurrentJobIDs []string     `json:"currentJobIds"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
}

// Push channel frame types. The coordinator only ever pushes; workers keep
// reporting over REST so poll and push agents share one code path.
const (
	FrameJobAssign = "job-assign"
	FrameJobCancel = "job-cancel"
	FramePing      = "ping"
)

// Frame is the envelope for messages on the worker push channel.
type Frame struct {
	Type string `json:"type"`
	// Job is set for job-assign frames.
	Job *JobAssignment `json:"job,omitempty"`
	// JobID is set for job-cancel frames.
	JobID string `json:"jobId,omitempty"`
}
