package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridrun/internal/config"
	"gridrun/internal/store"
	"gridrun/pkg/models"
)

func TestWriteThroughAndReload(t *testing.T) {
	st := store.NewMemoryStore()

	m := NewModel(st, Options{})
	m.Start()
	j, err := m.SubmitJob(models.SubmitJobRequest{Command: "echo persisted"})
	require.NoError(t, err)
	w, err := m.RegisterWorker(models.RegisterWorkerRequest{
		WorkerID: "w1", Hostname: "h", CpuCount: 4, RamTotalMb: 8192,
	})
	require.NoError(t, err)
	m.Close() // drains the queue

	// A fresh model over the same store sees everything.
	m2 := NewModel(st, Options{})
	m2.Start()
	defer m2.Close()
	require.NoError(t, m2.Load(context.Background()))

	job, err := m2.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, "echo persisted", job.Command)
	assert.Equal(t, models.JobQueued, job.Status)

	worker, err := m2.GetWorker(w.ID)
	require.NoError(t, err)
	assert.Equal(t, "h", worker.Hostname)
}

func TestDeleteWritesThrough(t *testing.T) {
	st := store.NewMemoryStore()

	m := NewModel(st, Options{})
	m.Start()
	_, err := m.RegisterWorker(models.RegisterWorkerRequest{
		WorkerID: "w1", Hostname: "h", CpuCount: 2, RamTotalMb: 2048,
	})
	require.NoError(t, err)
	require.NoError(t, m.UnregisterWorker("w1"))
	m.Close()

	docs, err := st.GetAll(context.Background(), store.CollectionWorkers)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestPersisterCoalescesPerKey(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewModel(st, Options{})
	m.Start()

	j, err := m.SubmitJob(models.SubmitJobRequest{Command: "noisy"})
	require.NoError(t, err)
	w, err := m.RegisterWorker(models.RegisterWorkerRequest{
		WorkerID: "w1", Hostname: "h", CpuCount: 4, RamTotalMb: 8192,
	})
	require.NoError(t, err)
	assign(t, m, j.ID, w.ID)
	_, err = m.ClaimNext("w1")
	require.NoError(t, err)

	// A burst of chunks updates the same key many times; only the final
	// snapshot matters.
	for i := 0; i < 200; i++ {
		require.NoError(t, m.AppendOutput(j.ID, "w1", models.StreamStdout, "x"))
	}
	m.Close()

	docs, err := st.GetAll(context.Background(), store.CollectionJobs)
	require.NoError(t, err)
	job, err := NormalizeJob(docs[j.ID], config.JobDefaults{TimeoutMs: 1, Cpu: 1, RamMb: 1, MaxRetries: 0})
	require.NoError(t, err)
	assert.Len(t, job.Stdout, 200)
}
