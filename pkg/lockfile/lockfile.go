// Package lockfile persists resolution receipts between runs.
//
// The lock file is a flat JSON object mapping package name to the exact
// version, tarball URL, integrity digest, and dependency ranges that were
// installed. It is loaded once at the start of a run, updated as packages
// are freshly resolved, and written back at the end, so a later run with
// an unchanged manifest reproduces the same tree without registry calls.
package lockfile

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	pkgerrors "github.com/minipm/minipm/pkg/errors"
)

// Path is the lock filename in the project root.
const Path = "minipm-lock.json"

// Entry records what was actually fetched and verified for one package.
// Version is a resolution receipt, not a request: it must be the version
// whose artifact passed integrity verification when the entry was written.
type Entry struct {
	Version      string            `json:"version"`
	ResolvedURL  string            `json:"resolved_url"`
	Integrity    string            `json:"integrity"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Store is a mutex-guarded lock model. The installer reads and inserts
// entries from concurrent branches; persistence happens once at the end
// of a run via [Store.Save].
type Store struct {
	path string

	mu      sync.RWMutex
	entries map[string]Entry
}

// Load reads the lock file at path. A missing file yields an empty store;
// an unreadable or unparseable file is an error, since trusting a corrupt
// lock would silently break reproducibility.
func Load(path string) (*Store, error) {
	s := &Store{path: filepath.Clean(path), entries: make(map[string]Entry)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeInvalidManifest, err, "cannot read lock file %s", s.path)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeInvalidManifest, err, "cannot parse lock file %s", s.path)
	}
	return s, nil
}

// Get returns the entry for name, if present.
func (s *Store) Get(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

// Put inserts or overwrites the entry for name.
func (s *Store) Put(name string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = e
}

// Len returns the number of recorded entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Save writes the full mapping to the lock file, pretty-printed with
// stable (sorted) keys, overwriting previous content. It is called at the
// end of a run regardless of earlier failures, so partial progress is
// still recorded.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeLockPersist, err, "cannot marshal lock file")
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0o644); err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeLockPersist, err, "cannot write lock file %s", s.path)
	}
	return nil
}
