package store

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var boltBuckets = [][]byte{
	[]byte(CollectionJobs),
	[]byte(CollectionWorkers),
}

// BoltStore implements StateStore on a single-file bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database file and its buckets.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range boltBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Upsert(_ context.Context, collection, key string, doc []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketFor(tx, collection)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), doc)
	})
}

func (s *BoltStore) GetAll(_ context.Context, collection string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucketFor(tx, collection)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			// Values are only valid inside the transaction.
			doc := make([]byte, len(v))
			copy(doc, v)
			out[string(k)] = doc
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Delete(_ context.Context, collection, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketFor(tx, collection)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func bucketFor(tx *bolt.Tx, collection string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(collection))
	if b == nil {
		return nil, fmt.Errorf("unknown collection: %s", collection)
	}
	return b, nil
}
