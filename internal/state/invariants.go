package state

import (
	"fmt"

	"gridrun/pkg/models"
)

// CheckInvariants verifies the cross-registry consistency rules: exact
// reservation sums, reservation bounds, bidirectional job/worker linkage,
// the attempts ceiling, at-most-one-runner, and timestamp monotonicity.
// Intended for tests, which call it after every mutation.
func (m *Model) CheckInvariants() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Each in-flight job id may appear on at most one worker.
	seen := make(map[string]string)

	for _, w := range m.workers {
		cpu, ram := 0, 0
		for _, jobID := range w.CurrentJobIDs {
			if prev, dup := seen[jobID]; dup {
				return fmt.Errorf("job %s is in-flight on both %s and %s", jobID, prev, w.ID)
			}
			seen[jobID] = w.ID

			job, ok := m.jobs[jobID]
			if !ok {
				return fmt.Errorf("worker %s holds unknown job %s", w.ID, jobID)
			}
			if job.Status != models.JobAssigned && job.Status != models.JobRunning {
				return fmt.Errorf("worker %s holds job %s in state %s", w.ID, jobID, job.Status)
			}
			if job.AssignedAgentID != w.ID {
				return fmt.Errorf("job %s held by worker %s but assigned to %q", jobID, w.ID, job.AssignedAgentID)
			}
			cpu += job.RequiredCpu
			ram += job.RequiredRamMb
		}
		if w.ReservedCpu != cpu {
			return fmt.Errorf("worker %s reservedCpu=%d, sum of job requirements=%d", w.ID, w.ReservedCpu, cpu)
		}
		if w.ReservedRamMb != ram {
			return fmt.Errorf("worker %s reservedRamMb=%d, sum of job requirements=%d", w.ID, w.ReservedRamMb, ram)
		}
		if w.ReservedCpu > w.CpuCount {
			return fmt.Errorf("worker %s reservedCpu=%d exceeds cpuCount=%d", w.ID, w.ReservedCpu, w.CpuCount)
		}
		if w.ReservedRamMb > w.RamTotalMb {
			return fmt.Errorf("worker %s reservedRamMb=%d exceeds ramTotalMb=%d", w.ID, w.ReservedRamMb, w.RamTotalMb)
		}
	}

	for _, j := range m.jobs {
		if j.Status == models.JobAssigned || j.Status == models.JobRunning {
			w, ok := m.workers[j.AssignedAgentID]
			if !ok {
				return fmt.Errorf("job %s (%s) assigned to unknown worker %q", j.ID, j.Status, j.AssignedAgentID)
			}
			if !w.HasJob(j.ID) {
				return fmt.Errorf("job %s (%s) missing from worker %s currentJobIds", j.ID, j.Status, w.ID)
			}
		}
		if j.Attempts > j.MaxRetries+1 {
			return fmt.Errorf("job %s attempts=%d exceeds maxRetries+1=%d", j.ID, j.Attempts, j.MaxRetries+1)
		}
		if err := checkTimestamps(j); err != nil {
			return err
		}
	}
	return nil
}

func checkTimestamps(j *models.Job) error {
	if j.AssignedAt != nil && j.AssignedAt.Before(j.QueuedAt) {
		return fmt.Errorf("job %s assignedAt precedes queuedAt", j.ID)
	}
	if j.StartedAt != nil && j.AssignedAt != nil && j.StartedAt.Before(*j.AssignedAt) {
		return fmt.Errorf("job %s startedAt precedes assignedAt", j.ID)
	}
	if j.CompletedAt != nil && j.StartedAt != nil && j.CompletedAt.Before(*j.StartedAt) {
		return fmt.Errorf("job %s completedAt precedes startedAt", j.ID)
	}
	return nil
}
