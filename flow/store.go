package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrNotFound is returned when no matching flow or version exists.
var ErrNotFound = errors.New("flow not found")

// ErrNoPublishedVersion is returned when a flow exists but has no
// published version to resolve.
var ErrNoPublishedVersion = errors.New("no published version")

// Store resolves flow definitions for the engine.
type Store interface {
	// GetPublishedVersion returns the highest published version of a flow.
	GetPublishedVersion(ctx context.Context, flowID string) (*Definition, error)
	// GetVersion returns a specific version of a flow.
	GetVersion(ctx context.Context, flowID string, version int) (*Definition, error)
}

// DirStore loads flow definitions from YAML files in a directory tree and
// optionally hot-reloads them on change. File names are not significant;
// identity comes from the definition's flow_id and version.
type DirStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	flows map[string]map[int]*Definition // flowID -> version -> def

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// NewDirStore creates a store over the given directory and performs an
// initial load. Invalid definition files are logged and skipped.
func NewDirStore(dir string, logger *slog.Logger) (*DirStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &DirStore{
		dir:    dir,
		logger: logger,
		flows:  make(map[string]map[int]*Definition),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads every definition file under the directory.
func (s *DirStore) Reload() error {
	loaded := make(map[string]map[int]*Definition)

	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("Failed to read flow file", "path", path, "error", err)
			return nil
		}

		var def *Definition
		if ext == ".json" {
			def, err = ParseJSON(data)
		} else {
			def, err = ParseYAML(data)
		}
		if err != nil {
			s.logger.Warn("Failed to parse flow file", "path", path, "error", err)
			return nil
		}
		if err := def.Validate(); err != nil {
			s.logger.Warn("Skipping invalid flow definition", "path", path, "error", err)
			return nil
		}

		if loaded[def.FlowID] == nil {
			loaded[def.FlowID] = make(map[int]*Definition)
		}
		loaded[def.FlowID][def.Version] = def
		return nil
	})
	if err != nil {
		return fmt.Errorf("load flows from %s: %w", s.dir, err)
	}

	s.mu.Lock()
	s.flows = loaded
	s.mu.Unlock()

	s.logger.Info("Loaded flow definitions", "dir", s.dir, "flows", len(loaded))
	return nil
}

// Watch starts watching the directory for changes and reloading. It
// returns immediately; the watch stops when ctx is cancelled or Close is
// called.
func (s *DirStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create flow watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch flows dir: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.cancel = cancel

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn("Flow reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Flow watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (s *DirStore) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Put registers a definition directly. Used by tests and the API layer.
func (s *DirStore) Put(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flows[def.FlowID] == nil {
		s.flows[def.FlowID] = make(map[int]*Definition)
	}
	s.flows[def.FlowID][def.Version] = def
	return nil
}

// GetPublishedVersion implements Store.
func (s *DirStore) GetPublishedVersion(_ context.Context, flowID string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.flows[flowID]
	if !ok {
		return nil, ErrNotFound
	}
	var published []int
	for v, def := range versions {
		if def.Published {
			published = append(published, v)
		}
	}
	if len(published) == 0 {
		return nil, ErrNoPublishedVersion
	}
	sort.Sort(sort.Reverse(sort.IntSlice(published)))
	return versions[published[0]], nil
}

// GetVersion implements Store.
func (s *DirStore) GetVersion(_ context.Context, flowID string, version int) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.flows[flowID]
	if !ok {
		return nil, ErrNotFound
	}
	def, ok := versions[version]
	if !ok {
		return nil, ErrNotFound
	}
	return def, nil
}
