package index

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// nameRE matches the index-name grammar used for the /{index} path: an
// alphanumeric first character followed by any run of alphanumerics,
// underscore or hyphen.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateName reports ErrBadIndexName if name does not match the
// index-name grammar.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrBadIndexName, name)
	}
	return nil
}

// Manager is the process-wide registry of open indexes (spec §9
// "Global state": a name -> Index mapping guarded by a lock taken only
// for lifecycle operations, never for the data path).
type Manager struct {
	root string
	opts Options

	mu      sync.RWMutex
	indexes map[string]*Index
}

// NewManager returns a Manager rooted at dir, where each index lives in
// its own subdirectory named after it. opts is applied to every index
// the manager opens or creates.
func NewManager(dir string, opts Options) *Manager {
	return &Manager{root: dir, opts: opts, indexes: make(map[string]*Index)}
}

func (mgr *Manager) indexDir(name string) string { return filepath.Join(mgr.root, name) }

// Open loads every existing index subdirectory under root so a
// restarted daemon re-publishes the same set of indexes it had before.
func (mgr *Manager) Open() error {
	entries, err := os.ReadDir(mgr.root)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(mgr.root, 0o755)
		}
		return fmt.Errorf("index: read root %q: %w", mgr.root, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if ValidateName(name) != nil {
			continue
		}
		idx, err := Open(mgr.indexDir(name), mgr.opts)
		if err != nil {
			return fmt.Errorf("index: open %q: %w", name, err)
		}
		idx.Name = name
		mgr.indexes[name] = idx
	}
	return nil
}

// Get returns the named index, or ErrIndexNotFound.
func (mgr *Manager) Get(name string) (*Index, error) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	idx, ok := mgr.indexes[name]
	if !ok {
		return nil, ErrIndexNotFound
	}
	return idx, nil
}

// Create makes a new index named name and registers it.
func (mgr *Manager) Create(name string) (*Index, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if _, exists := mgr.indexes[name]; exists {
		return nil, ErrIndexAlreadyExists
	}

	idx, err := Create(mgr.indexDir(name), mgr.opts)
	if err != nil {
		return nil, err
	}
	idx.Name = name
	mgr.indexes[name] = idx
	return idx, nil
}

// Delete closes and removes the named index.
func (mgr *Manager) Delete(name string) error {
	mgr.mu.Lock()
	idx, ok := mgr.indexes[name]
	if !ok {
		mgr.mu.Unlock()
		return ErrIndexNotFound
	}
	delete(mgr.indexes, name)
	mgr.mu.Unlock()

	return Delete(idx)
}

// List returns the names of every registered index.
func (mgr *Manager) List() []string {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	names := make([]string, 0, len(mgr.indexes))
	for name := range mgr.indexes {
		names = append(names, name)
	}
	return names
}

// Close closes every registered index.
func (mgr *Manager) Close() error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	var firstErr error
	for _, idx := range mgr.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
