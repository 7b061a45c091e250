// Package tree implements workspace file-tree storage: root allocation,
// deterministic snapshots, and create/read/write operations with per-path
// serialization. Paths passed in must already be resolved by pathguard.
package tree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/coderoom/internal/logger"
)

var (
	// ErrNotFound is returned when a file or directory does not exist
	ErrNotFound = errors.New("file not found")
	// ErrAlreadyExists is returned when create targets an existing path
	ErrAlreadyExists = errors.New("file or directory already exists")
)

// Kind of a tree node
const (
	KindFile      = "file"
	KindDirectory = "directory"
)

// Node is one entry in a workspace snapshot
type Node struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Path     string  `json:"path"`
	Children []*Node `json:"children,omitempty"`
}

type snapEntry struct {
	nodes     []*Node
	timestamp time.Time
}

// Manager owns the on-disk workspace area. Snapshots are cached per root
// and invalidated by filesystem events; same-path mutations serialize on
// a per-path lock while disjoint paths proceed in parallel.
type Manager struct {
	baseDir  string
	cacheTTL time.Duration

	cacheMu   sync.RWMutex
	snapCache map[string]*snapEntry

	lockMu    sync.Mutex
	pathLocks map[string]*sync.Mutex

	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
}

// NewManager creates a Manager rooted at baseDir, creating the directory
// if needed.
func NewManager(baseDir string, cacheTTL time.Duration) (*Manager, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspaces dir: %w", err)
	}
	if err := os.MkdirAll(absBase, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspaces dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("tree: file watcher unavailable, snapshots rely on TTL only: %v", err)
	}

	m := &Manager{
		baseDir:   absBase,
		cacheTTL:  cacheTTL,
		snapCache: make(map[string]*snapEntry),
		pathLocks: make(map[string]*sync.Mutex),
		watcher:   watcher,
		stopWatch: make(chan struct{}),
	}

	if watcher != nil {
		go m.watchFiles()
	}

	return m, nil
}

// BaseDir returns the absolute workspaces area
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Close stops the filesystem watcher
func (m *Manager) Close() error {
	close(m.stopWatch)
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) watchFiles() {
	for {
		select {
		case <-m.stopWatch:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.invalidateFor(event.Name)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("tree: watcher error: %v", err)
		}
	}
}

// invalidateFor drops the cached snapshot of whichever root contains path
func (m *Manager) invalidateFor(path string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	for root := range m.snapCache {
		if path == root || strings.HasPrefix(path, root+string(os.PathSeparator)) {
			delete(m.snapCache, root)
		}
	}
}

// CreateRoot allocates (or reuses) the directory backing roomID and
// returns its absolute path. Room ids must be a single path element.
func (m *Manager) CreateRoot(roomID string) (string, error) {
	if roomID == "" || roomID != filepath.Base(roomID) || roomID == "." || roomID == ".." {
		return "", fmt.Errorf("invalid room id %q", roomID)
	}
	root := filepath.Join(m.baseDir, roomID)
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace root: %w", err)
	}
	return root, nil
}

// ReleaseRoot drops cached state for a workspace root after teardown.
// The on-disk directory is kept.
func (m *Manager) ReleaseRoot(root string) {
	m.cacheMu.Lock()
	delete(m.snapCache, root)
	m.cacheMu.Unlock()

	prefix := root + "\x00"
	m.lockMu.Lock()
	for key := range m.pathLocks {
		if strings.HasPrefix(key, prefix) {
			delete(m.pathLocks, key)
		}
	}
	m.lockMu.Unlock()
}

func (m *Manager) pathLock(root, relPath string) *sync.Mutex {
	key := root + "\x00" + relPath
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	mu, ok := m.pathLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		m.pathLocks[key] = mu
	}
	return mu
}

func (m *Manager) abs(root, relPath string) string {
	return filepath.Join(root, filepath.FromSlash(relPath))
}

// Snapshot renders the workspace tree under root. Ordering is stable for
// a given directory state: directories first, then files, each sorted by
// name. Results are cached until the watcher sees a change or the TTL
// expires.
func (m *Manager) Snapshot(root string) ([]*Node, error) {
	m.cacheMu.RLock()
	entry, ok := m.snapCache[root]
	m.cacheMu.RUnlock()
	if ok && time.Since(entry.timestamp) < m.cacheTTL {
		return entry.nodes, nil
	}

	nodes, err := m.walk(root, "")
	if err != nil {
		return nil, err
	}

	m.cacheMu.Lock()
	m.snapCache[root] = &snapEntry{nodes: nodes, timestamp: time.Now()}
	m.cacheMu.Unlock()

	if m.watcher != nil {
		if err := m.watcher.Add(root); err != nil {
			logger.Debug("tree: failed to watch %s: %v", root, err)
		}
	}

	return nodes, nil
}

func (m *Manager) walk(dir, relPrefix string) ([]*Node, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	nodes := make([]*Node, 0, len(entries))
	for _, entry := range entries {
		rel := entry.Name()
		if relPrefix != "" {
			rel = relPrefix + "/" + entry.Name()
		}
		if entry.IsDir() {
			children, err := m.walk(filepath.Join(dir, entry.Name()), rel)
			if err != nil {
				return nil, err
			}
			if m.watcher != nil {
				_ = m.watcher.Add(filepath.Join(dir, entry.Name()))
			}
			nodes = append(nodes, &Node{
				Name:     entry.Name(),
				Type:     KindDirectory,
				Path:     rel,
				Children: children,
			})
		} else {
			nodes = append(nodes, &Node{
				Name: entry.Name(),
				Type: KindFile,
				Path: rel,
			})
		}
	}
	return nodes, nil
}

// Create makes an empty file or a (possibly multi-level) directory at
// relPath. Returns ErrAlreadyExists when the path is taken.
func (m *Manager) Create(root, relPath, kind string) error {
	if kind != KindFile && kind != KindDirectory {
		return fmt.Errorf("unknown node kind %q", kind)
	}

	mu := m.pathLock(root, relPath)
	mu.Lock()
	defer mu.Unlock()

	abs := m.abs(root, relPath)

	switch kind {
	case KindDirectory:
		if _, err := os.Lstat(abs); err == nil {
			return fmt.Errorf("%s: %w", relPath, ErrAlreadyExists)
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", relPath, err)
		}
	case KindFile:
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", relPath, err)
		}
		// O_EXCL makes the existence check and the create one atomic step
		f, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			if os.IsExist(err) {
				return fmt.Errorf("%s: %w", relPath, ErrAlreadyExists)
			}
			return fmt.Errorf("failed to create file %s: %w", relPath, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", relPath, err)
		}
	}

	m.invalidateFor(abs)
	return nil
}

// WriteExisting overwrites a file that must already exist. The write goes
// through a temp file and rename so concurrent readers never observe a
// partial write. Returns ErrNotFound for absent paths.
func (m *Manager) WriteExisting(root, relPath string, content []byte) error {
	mu := m.pathLock(root, relPath)
	mu.Lock()
	defer mu.Unlock()

	abs := m.abs(root, relPath)

	info, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", relPath, ErrNotFound)
		}
		return fmt.Errorf("failed to stat %s: %w", relPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory: %w", relPath, ErrNotFound)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".coderoom-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", relPath, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", relPath, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", relPath, err)
	}

	m.invalidateFor(abs)
	return nil
}

// WriteFile writes content at relPath whether or not the file exists,
// creating it when absent. Used by the sandbox, whose source write is an
// implicit update of the target file.
func (m *Manager) WriteFile(root, relPath string, content []byte) error {
	if err := m.WriteExisting(root, relPath, content); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	mu := m.pathLock(root, relPath)
	mu.Lock()
	defer mu.Unlock()

	abs := m.abs(root, relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", relPath, err)
	}
	if err := os.WriteFile(abs, content, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", relPath, err)
	}

	m.invalidateFor(abs)
	return nil
}

// Read returns the content of the file at relPath, or ErrNotFound.
func (m *Manager) Read(root, relPath string) ([]byte, error) {
	abs := m.abs(root, relPath)
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", relPath, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	return data, nil
}

// Exists reports whether relPath exists under root
func (m *Manager) Exists(root, relPath string) bool {
	_, err := os.Lstat(m.abs(root, relPath))
	return err == nil
}
