// Package blob implements the filesystem-backed Blob Store: persistence
// of response payloads keyed by an opaque cache key. Keys may contain
// forward slashes, which are treated as path separators relative to the
// store's root directory.
//
// Writes go through a temporary file created alongside the destination
// and are renamed into place, so a reader either observes the old
// complete file or the new one, never a partial overwrite.
package blob

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/djherbis/atime"

	"github.com/goatherd/mirror-cache/cache"
	"github.com/goatherd/mirror-cache/utils/tempfile"
)

// ErrNotFound is returned by Read and (never) by Remove, which is
// idempotent.
var ErrNotFound = errors.New("blob: not found")

// Store is the Blob Store contract from the spec: persist, read and
// remove payloads by key.
type Store interface {
	// Persist writes payload under key, creating intermediate path
	// components as needed. A streamed payload is consumed to
	// completion before Persist returns. Overwrites are atomic with
	// respect to readers: a reader observes either the old or the new
	// complete content, never a truncated file.
	Persist(key string, payload cache.Payload) error

	// Read returns the blob stored under key as a known-length stream.
	// Returns ErrNotFound if no blob exists for key.
	Read(key string) (cache.Payload, error)

	// Remove deletes the blob stored under key. It is idempotent: a
	// missing key is not an error.
	Remove(key string) error

	// Walk calls fn once for every blob already present in the store,
	// with the key it would be Read/Removed under, its size and its
	// filesystem access time. It is used at startup to reconcile blobs
	// left over from a previous process with the metadata store's
	// accounting. fn's error, if any, aborts the walk.
	Walk(fn func(key string, size int64, accessedAt time.Time) error) error
}

// FSStore is a Store backed by files under a root directory.
type FSStore struct {
	root    string
	creator *tempfile.Creator
}

// NewFSStore returns a Store rooted at dir. The directory is created if
// it does not already exist.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("blob: failed to create root %q: %w", dir, err)
	}
	return &FSStore{
		root:    filepath.Clean(dir),
		creator: tempfile.NewCreator(),
	}, nil
}

func (s *FSStore) pathForKey(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Persist implements Store.
func (s *FSStore) Persist(key string, payload cache.Payload) error {
	dest := s.pathForKey(key)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("blob: failed to create %q: %w", dir, err)
	}

	f, _, err := s.creator.Create(filepath.Join(dir, ".upload"), false)
	if err != nil {
		return fmt.Errorf("blob: failed to create temp file for %q: %w", key, err)
	}
	tmpName := f.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	switch payload.Kind {
	case cache.KindText:
		_, err = f.Write([]byte(payload.Text))
	case cache.KindBytes:
		_, err = f.Write(payload.Bytes)
	case cache.KindStream:
		_, err = io.Copy(f, payload.Stream)
	default:
		err = fmt.Errorf("blob: unknown payload kind %d", payload.Kind)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("blob: failed writing %q: %w", key, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("blob: failed to sync %q: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("blob: failed to close temp file for %q: %w", key, err)
	}
	if err := os.Chmod(tmpName, tempfile.FinalMode); err != nil {
		return fmt.Errorf("blob: failed to chmod %q: %w", key, err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("blob: failed to commit %q: %w", key, err)
	}
	return nil
}

// Read implements Store.
func (s *FSStore) Read(key string) (cache.Payload, error) {
	path := s.pathForKey(key)

	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cache.Payload{}, ErrNotFound
		}
		return cache.Payload{}, fmt.Errorf("blob: failed to stat %q: %w", key, err)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cache.Payload{}, ErrNotFound
		}
		return cache.Payload{}, fmt.Errorf("blob: failed to open %q: %w", key, err)
	}

	return cache.NewStreamPayload(f, fi.Size()), nil
}

// Remove implements Store.
func (s *FSStore) Remove(key string) error {
	err := os.Remove(s.pathForKey(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: failed to remove %q: %w", key, err)
	}
	return nil
}

// Walk implements Store. A file left behind mid-upload (identifiable
// by the setgid bit tempfile.Creator sets on it until a write
// completes) is an orphan from a crash, not a blob, and is removed
// rather than passed to fn.
func (s *FSStore) Walk(fn func(key string, size int64, accessedAt time.Time) error) error {
	return filepath.Walk(s.root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&os.ModeSetgid != 0 {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return fmt.Errorf("blob: failed to remove incomplete upload %q: %w", path, rmErr)
			}
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return fmt.Errorf("blob: failed to relativize %q: %w", path, err)
		}
		key := filepath.ToSlash(rel)

		return fn(key, info.Size(), atime.Get(info))
	})
}
