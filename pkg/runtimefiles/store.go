package runtimefiles

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/cuemby/hutch/pkg/deployhash"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

var (
	// ErrUnknownPath is returned for a path the generator did not produce
	ErrUnknownPath = errors.New("unknown runtime file")

	// ErrInvalidPath is returned for paths escaping the runtime directory
	ErrInvalidPath = errors.New("invalid runtime file path")
)

// Store reconciles the generated runtime files of a namespace with the
// user overrides, and mirrors the effective content to disk.
//
// The effective content of a path is its override when one exists, the
// generated content otherwise. Overrides are persisted and outlive
// regenerations; an override whose path disappears from the generation is
// kept and becomes effective again if the path comes back.
type Store struct {
	namespace string
	dir       string
	db        storage.Store
	logger    zerolog.Logger

	mu        sync.Mutex
	generated map[string][]byte
	overrides map[string][]byte
	hashes    map[string]string // Hash of the effective content last written to disk
}

// NewStore loads the persisted overrides and file hashes of a namespace
func NewStore(namespace, dir string, db storage.Store) (*Store, error) {
	overrides, err := db.ListOverrides(namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to load overrides: %w", err)
	}
	hashes, err := db.GetFileHashes(namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to load file hashes: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runtime directory: %w", err)
	}

	return &Store{
		namespace: namespace,
		dir:       dir,
		db:        db,
		logger:    log.WithNamespace(namespace).With().Str("component", "runtimefiles").Logger(),
		generated: make(map[string][]byte),
		overrides: overrides,
		hashes:    hashes,
	}, nil
}

// Dir returns the runtime directory of the namespace
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of a runtime file
func (s *Store) Path(rel string) string {
	return filepath.Join(s.dir, filepath.FromSlash(rel))
}

// Update replaces the generated content and writes every path whose
// effective content changed. Paths written by a previous generation and
// absent from this one are deleted from disk.
func (s *Store) Update(files map[string][]byte) error {
	generated := make(map[string][]byte, len(files))
	for p, content := range files {
		clean, err := cleanPath(p)
		if err != nil {
			return err
		}
		generated[clean] = content
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.generated = generated

	var written int
	for _, p := range sortedKeys(generated) {
		changed, err := s.syncLocked(p)
		if err != nil {
			return err
		}
		if changed {
			written++
		}
	}

	var removed int
	for p := range s.hashes {
		if _, ok := generated[p]; ok {
			continue
		}
		if err := os.Remove(s.Path(p)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale file %s: %w", p, err)
		}
		delete(s.hashes, p)
		removed++
	}

	if err := s.db.SaveFileHashes(s.namespace, s.hashes); err != nil {
		return fmt.Errorf("failed to save file hashes: %w", err)
	}

	s.logger.Debug().
		Int("files", len(generated)).
		Int("written", written).
		Int("removed", removed).
		Msg("Runtime files updated")
	return nil
}

// syncLocked writes the effective content of p when its hash differs from
// the last written one or the file is missing
func (s *Store) syncLocked(p string) (bool, error) {
	content := s.effectiveLocked(p)
	hash := deployhash.Bytes(content)
	target := s.Path(p)

	if s.hashes[p] == hash {
		if _, err := os.Stat(target); err == nil {
			return false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", p, err)
	}

	mode := os.FileMode(0644)
	if strings.HasSuffix(p, ".sh") {
		mode = 0755
	}
	if err := os.WriteFile(target, content, mode); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", p, err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(target, mode); err != nil {
		return false, fmt.Errorf("failed to chmod %s: %w", p, err)
	}

	s.hashes[p] = hash
	return true, nil
}

func (s *Store) effectiveLocked(p string) []byte {
	if override, ok := s.overrides[p]; ok {
		return override
	}
	return s.generated[p]
}

// Read returns the effective content of a path
func (s *Store) Read(p string) ([]byte, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.generated[clean]; !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrUnknownPath)
	}
	return bytes.Clone(s.effectiveLocked(clean)), nil
}

// List returns the known files matching prefix, sorted by path. A prefix
// matches the path itself and every path nested under it; an empty prefix
// matches everything.
func (s *Store) List(prefix string) []types.RuntimeFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	var files []types.RuntimeFile
	for _, p := range sortedKeys(s.generated) {
		if !matchPrefix(p, prefix) {
			continue
		}
		override, hasOverride := s.overrides[p]
		files = append(files, types.RuntimeFile{
			Path:   p,
			Hash:   deployhash.Bytes(s.effectiveLocked(p)),
			Edited: hasOverride && !bytes.Equal(override, s.generated[p]),
		})
	}
	return files
}

// Override sets user content for a path and writes it to disk. It reports
// whether the effective content changed. Content equal to the generated
// output clears the override.
func (s *Store) Override(p string, content []byte) (bool, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	generated, ok := s.generated[clean]
	if !ok {
		return false, fmt.Errorf("%s: %w", p, ErrUnknownPath)
	}

	before := s.effectiveLocked(clean)
	if bytes.Equal(content, generated) {
		if err := s.db.DeleteOverride(s.namespace, clean); err != nil {
			return false, fmt.Errorf("failed to delete override: %w", err)
		}
		delete(s.overrides, clean)
	} else {
		if err := s.db.PutOverride(s.namespace, clean, content); err != nil {
			return false, fmt.Errorf("failed to save override: %w", err)
		}
		s.overrides[clean] = bytes.Clone(content)
	}

	if bytes.Equal(before, content) {
		return false, nil
	}
	if err := s.writeLocked(clean); err != nil {
		return true, err
	}
	s.logger.Info().Str("path", clean).Msg("Runtime file overridden")
	return true, nil
}

// Reset drops the override of a path, restoring the generated content on
// disk. It reports whether the effective content changed.
func (s *Store) Reset(p string) (bool, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	generated, ok := s.generated[clean]
	if !ok {
		return false, fmt.Errorf("%s: %w", p, ErrUnknownPath)
	}

	override, hasOverride := s.overrides[clean]
	if !hasOverride {
		return false, nil
	}

	if err := s.db.DeleteOverride(s.namespace, clean); err != nil {
		return false, fmt.Errorf("failed to delete override: %w", err)
	}
	delete(s.overrides, clean)

	if bytes.Equal(override, generated) {
		return false, nil
	}
	if err := s.writeLocked(clean); err != nil {
		return true, err
	}
	s.logger.Info().Str("path", clean).Msg("Runtime file reset")
	return true, nil
}

func (s *Store) writeLocked(p string) error {
	if _, err := s.syncLocked(p); err != nil {
		return err
	}
	if err := s.db.SaveFileHashes(s.namespace, s.hashes); err != nil {
		return fmt.Errorf("failed to save file hashes: %w", err)
	}
	return nil
}

// adopt records on-disk content of a known path as an override without
// rewriting the file. It reports false when the content is what was last
// written, which is the case for the store's own writes.
func (s *Store) adopt(p string, content []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	generated, ok := s.generated[p]
	if !ok {
		return false, nil
	}

	hash := deployhash.Bytes(content)
	if hash == s.hashes[p] {
		return false, nil
	}

	if bytes.Equal(content, generated) {
		if err := s.db.DeleteOverride(s.namespace, p); err != nil {
			return false, err
		}
		delete(s.overrides, p)
	} else {
		if err := s.db.PutOverride(s.namespace, p, content); err != nil {
			return false, err
		}
		s.overrides[p] = content
	}

	s.hashes[p] = hash
	if err := s.db.SaveFileHashes(s.namespace, s.hashes); err != nil {
		return false, err
	}
	return true, nil
}

// Hash returns a content hash over the given paths, in order. A path that
// names a directory covers every known file nested under it. Paths the
// store does not know contribute only their name.
func (s *Store) Hash(paths []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	hasher := blake3.New()
	write := func(parts ...string) {
		for _, part := range parts {
			hasher.Write([]byte(part)) //nolint:errcheck
			hasher.Write([]byte{0})    //nolint:errcheck
		}
	}

	known := sortedKeys(s.generated)
	for _, p := range paths {
		clean, err := cleanPath(p)
		if err != nil {
			write(p, "invalid")
			continue
		}

		matched := false
		for _, k := range known {
			if matchPrefix(k, clean) {
				matched = true
				write(k, deployhash.Bytes(s.effectiveLocked(k)))
			}
		}
		if !matched {
			write(clean, "unknown")
		}
	}
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// Remove deletes the runtime directory and every persisted override
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := range s.overrides {
		if err := s.db.DeleteOverride(s.namespace, p); err != nil {
			return err
		}
	}
	s.overrides = make(map[string][]byte)
	s.hashes = make(map[string]string)
	s.generated = make(map[string][]byte)

	return os.RemoveAll(s.dir)
}

// cleanPath normalizes a relative slash-separated path and rejects paths
// leaving the runtime directory
func cleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path: %w", ErrInvalidPath)
	}
	clean := path.Clean(filepath.ToSlash(p))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%s: %w", p, ErrInvalidPath)
	}
	return clean, nil
}

func matchPrefix(p, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" || prefix == "." {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
