// Package store persists coordinator state for GRIDRUN.
//
// State is kept as JSON documents in named collections ("jobs", "workers").
// The coordinator holds the authoritative copy in memory and writes through
// this interface, so backends only need upsert, scan and delete.
package store

import (
	"context"
	"fmt"
	"strings"
)

// Collection names used by the coordinator.
const (
	CollectionJobs    = "jobs"
	CollectionWorkers = "workers"
)

// StateStore is the write-through persistence backend.
type StateStore interface {
	// Upsert writes doc under (collection, key), replacing any prior value.
	Upsert(ctx context.Context, collection, key string, doc []byte) error
	// GetAll returns every document in the collection keyed by document key.
	GetAll(ctx context.Context, collection string) (map[string][]byte, error)
	// Delete removes (collection, key). Deleting a missing key is not an error.
	Delete(ctx context.Context, collection, key string) error
	Close() error
}

// Open selects a backend by name: "bolt" (default), "sql" or "memory".
// boltPath is the bolt file location; dsn selects the SQL driver.
func Open(backend, boltPath, dsn string) (StateStore, error) {
	switch strings.ToLower(backend) {
	case "", "bolt":
		return NewBoltStore(boltPath)
	case "sql":
		return NewSQLStore(dsn)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state store backend: %q", backend)
	}
}
