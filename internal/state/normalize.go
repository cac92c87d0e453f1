package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gridrun/internal/config"
	"gridrun/pkg/models"
)

// Documents written by earlier schema versions are normalized on load:
// lowercase/legacy status names, the old workerId assignee key on jobs,
// RAM recorded in bytes instead of MB, and missing resource defaults.
// Cross-entity inconsistencies are not repaired here; the scheduler's
// health pass reconciles them.

// mbPlausibleBound is 1 TiB expressed in MB. Any RAM field above it is
// assumed to be bytes and converted.
const mbPlausibleBound = 1 << 20

const bytesPerMb = 1 << 20

// NormalizeJob upgrades one stored job document to the current schema.
func NormalizeJob(doc []byte, defaults config.JobDefaults) (*models.Job, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal job document: %w", err)
	}

	if _, ok := raw["jobId"]; !ok {
		if v, ok := raw["id"]; ok {
			raw["jobId"] = v
		}
	}
	// Old schema stored the assignee under workerId.
	if _, ok := raw["assignedAgentId"]; !ok {
		if v, ok := raw["workerId"]; ok {
			raw["assignedAgentId"] = v
		}
	}
	delete(raw, "workerId")

	if s, ok := raw["status"].(string); ok {
		raw["status"] = string(normalizeJobStatus(s))
	} else {
		raw["status"] = string(models.JobQueued)
	}

	convertRamField(raw, "requiredRamMb")

	_, hadMaxRetries := raw["maxRetries"]

	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var job models.Job
	if err := json.Unmarshal(buf, &job); err != nil {
		return nil, fmt.Errorf("decode job document: %w", err)
	}
	if job.ID == "" {
		return nil, errors.New("job document has no id")
	}

	if job.RequiredCpu <= 0 {
		job.RequiredCpu = defaults.Cpu
	}
	if job.RequiredRamMb <= 0 {
		job.RequiredRamMb = defaults.RamMb
	}
	if job.TimeoutMs <= 0 {
		job.TimeoutMs = defaults.TimeoutMs
	}
	// maxRetries of 0 is legitimate; only fill when the field was absent.
	if !hadMaxRetries || job.MaxRetries < 0 {
		job.MaxRetries = defaults.MaxRetries
	}
	return &job, nil
}

// NormalizeWorker upgrades one stored worker document to the current schema.
func NormalizeWorker(doc []byte) (*models.Worker, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal worker document: %w", err)
	}

	if _, ok := raw["workerId"]; !ok {
		if v, ok := raw["id"]; ok {
			raw["workerId"] = v
		}
	}

	if s, ok := raw["status"].(string); ok {
		raw["status"] = string(normalizeWorkerStatus(s))
	} else {
		raw["status"] = string(models.WorkerOffline)
	}

	convertRamField(raw, "ramTotalMb")
	convertRamField(raw, "ramFreeMb")
	convertRamField(raw, "reservedRamMb")

	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var worker models.Worker
	if err := json.Unmarshal(buf, &worker); err != nil {
		return nil, fmt.Errorf("decode worker document: %w", err)
	}
	if worker.ID == "" {
		return nil, errors.New("worker document has no id")
	}

	if worker.CpuCount <= 0 {
		worker.CpuCount = 1
	}
	if worker.CurrentJobIDs == nil {
		worker.CurrentJobIDs = []string{}
	}
	return &worker, nil
}

func normalizeJobStatus(s string) models.JobStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "QUEUED", "PENDING":
		return models.JobQueued
	case "ASSIGNED":
		return models.JobAssigned
	case "RUNNING":
		return models.JobRunning
	case "COMPLETED":
		return models.JobCompleted
	case "FAILED":
		return models.JobFailed
	default:
		return models.JobQueued
	}
}

func normalizeWorkerStatus(s string) models.WorkerStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IDLE", "ONLINE":
		return models.WorkerIdle
	case "BUSY":
		return models.WorkerBusy
	case "UNHEALTHY":
		return models.WorkerUnhealthy
	case "OFFLINE":
		return models.WorkerOffline
	default:
		return models.WorkerOffline
	}
}

// convertRamField rewrites a byte-ranged RAM value to MB in place.
func convertRamField(raw map[string]interface{}, field string) {
	v, ok := raw[field].(float64)
	if !ok {
		return
	}
	if v > mbPlausibleBound {
		raw[field] = float64(int64(v) / bytesPerMb)
	}
}
