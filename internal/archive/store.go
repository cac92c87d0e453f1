// Package archive stores job input archives and unpacks them into worker
// workspaces.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"gridrun/internal/config"
)

// ErrNotFound is returned by Open for unknown references.
var ErrNotFound = errors.New("archive not found")

// Store saves uploaded archives and streams them back by reference.
type Store interface {
	// Put saves the archive and returns an opaque reference usable with Open.
	Put(ctx context.Context, name string, r io.Reader) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// New builds the store selected by ARCHIVE_STORE.
func New(ctx context.Context, cfg config.Coordinator) (Store, error) {
	switch cfg.ArchiveStore {
	case "", "local":
		return NewLocalStore(cfg.ArchiveDir)
	case "s3":
		return NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix)
	default:
		return nil, fmt.Errorf("unknown archive store %q", cfg.ArchiveStore)
	}
}

// LocalStore keeps archives as uuid-named files under one directory.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = "archives"
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Put(_ context.Context, _ string, r io.Reader) (string, error) {
	ref := uuid.NewString()
	path := filepath.Join(s.dir, ref)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write archive file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close archive file: %w", err)
	}
	return ref, nil
}

func (s *LocalStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	// References are bare uuids; anything with a path separator is hostile.
	if ref == "" || filepath.Base(ref) != ref {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	return f, nil
}
