// Package store is the persistence capability every stateful component
// (checkpoints, job state, the dead-letter queue) is built on: get a state
// directory, atomically write a file, read one back, list, delete. Writes
// go to "<path>.tmp" then os.Rename over the real path, so a crash
// mid-write never leaves a corrupt file behind.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Store is a directory-backed, atomic-write key/value document store. Keys
// are relative file paths under root (e.g. "checkpoints/job-1.json"); Store
// creates parent directories as needed.
type Store struct {
	root string
}

// New creates a Store rooted at dir. The directory is not created until the
// first write.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the directory this store is rooted at, matching the
// persistence capability's get_state_dir operation.
func (s *Store) Root() string {
	return s.root
}

// WriteJSON atomically serializes v as JSON and writes it to key (relative
// to Root()), via a temp file in the same directory followed by os.Rename.
func (s *Store) WriteJSON(key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling %q: %w", key, err)
	}
	return s.WriteBytes(key, data)
}

// WriteBytes atomically writes data to key.
func (s *Store) WriteBytes(key string, data []byte) error {
	path := s.path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: creating directory %q: %w", dir, err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: creating temp file %q: %w", tmp, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()      //nolint:errcheck
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("store: writing %q: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()      //nolint:errcheck
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("store: syncing %q: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("store: closing temp file for %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("store: renaming temp file to %q: %w", key, err)
	}
	return nil
}

// ErrNotFound is returned by Read/ReadJSON when key does not exist.
var ErrNotFound = fmt.Errorf("store: key not found")

// ReadJSON reads key and decodes it into v.
func (s *Store) ReadJSON(key string, v any) error {
	data, err := s.ReadBytes(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decoding %q: %w", key, err)
	}
	return nil
}

// ReadBytes reads the raw contents of key.
func (s *Store) ReadBytes(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: reading %q: %w", key, err)
	}
	return data, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(key string) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}

// Delete removes key. It is not an error for key to be absent already.
func (s *Store) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: deleting %q: %w", key, err)
	}
	return nil
}

// List returns every key under prefix (a directory relative to Root()),
// sorted lexically, with keys expressed relative to Root() using forward
// slashes regardless of OS.
func (s *Store) List(prefix string) ([]string, error) {
	dir := s.path(prefix)
	var keys []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return relErr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Checksum returns a content hash of data suitable for the checkpoint
// integrity field. Uses xxHash64 rather than a cryptographic hash:
// checkpoint files are trusted local state, not an adversarial input, so a
// fast non-cryptographic checksum that merely detects truncation or
// corruption is the right tool.
func Checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}
