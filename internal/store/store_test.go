package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStateStore(t *testing.T, s StateStore) {
	t.Helper()
	ctx := context.Background()

	// Empty scan
	docs, err := s.GetAll(ctx, CollectionJobs)
	require.NoError(t, err)
	assert.Empty(t, docs)

	// Upsert then read back
	require.NoError(t, s.Upsert(ctx, CollectionJobs, "job-1", []byte(`{"a":1}`)))
	require.NoError(t, s.Upsert(ctx, CollectionJobs, "job-2", []byte(`{"a":2}`)))
	require.NoError(t, s.Upsert(ctx, CollectionWorkers, "worker-1", []byte(`{"w":1}`)))

	docs, err = s.GetAll(ctx, CollectionJobs)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.Equal(t, []byte(`{"a":1}`), docs["job-1"])

	// Collections do not leak into each other
	workers, err := s.GetAll(ctx, CollectionWorkers)
	require.NoError(t, err)
	assert.Len(t, workers, 1)

	// Upsert replaces
	require.NoError(t, s.Upsert(ctx, CollectionJobs, "job-1", []byte(`{"a":9}`)))
	docs, err = s.GetAll(ctx, CollectionJobs)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":9}`), docs["job-1"])

	// Delete, including a missing key
	require.NoError(t, s.Delete(ctx, CollectionJobs, "job-1"))
	require.NoError(t, s.Delete(ctx, CollectionJobs, "no-such-key"))
	docs, err = s.GetAll(ctx, CollectionJobs)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	testStateStore(t, s)
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	testStateStore(t, s)
}

func TestBoltStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, CollectionJobs, "job-1", []byte(`{"persisted":true}`)))
	require.NoError(t, s.Close())

	// Data survives a restart
	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	docs, err := s.GetAll(ctx, CollectionJobs)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"persisted":true}`), docs["job-1"])
}

func TestMemoryStoreCopiesDocs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	doc := []byte(`{"a":1}`)
	require.NoError(t, s.Upsert(ctx, CollectionJobs, "job-1", doc))
	doc[2] = 'X' // caller mutation must not leak into the store

	docs, err := s.GetAll(ctx, CollectionJobs)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), docs["job-1"])
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("cassandra", "", "")
	assert.Error(t, err)
}

func TestOpenMemory(t *testing.T) {
	s, err := Open("memory", "", "")
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)
}
