package templates

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Set holds the prompt templates read from a JSON array file. A missing or
// malformed file yields an empty set rather than an error.
type Set struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	templates []any

	watcher *fsnotify.Watcher
	done    chan struct{}
	// reloaded is signalled after each reload triggered by the watcher.
	reloaded chan struct{}
}

func New(path string, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Set{path: filepath.Clean(path), logger: logger, reloaded: make(chan struct{}, 1)}
	s.Reload()
	return s
}

func (s *Set) Path() string { return s.path }

// Templates returns a copy of the current templates.
func (s *Set) Templates() []any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]any, len(s.templates))
	copy(out, s.templates)
	return out
}

// Reload rereads the file and returns the new templates.
func (s *Set) Reload() []any {
	loaded, err := readTemplates(s.path)
	if err != nil {
		s.logger.Warn("prompt templates not loaded", "path", s.path, "error", err)
		loaded = nil
	}
	s.mu.Lock()
	s.templates = loaded
	s.mu.Unlock()
	return s.Templates()
}

// Watch reloads the set whenever the file is written, replaced or removed.
// The parent directory is watched so editors that save by rename are seen.
func (s *Set) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	s.mu.Lock()
	s.watcher = watcher
	s.done = make(chan struct{})
	s.mu.Unlock()
	go s.watch(watcher, s.done)
	return nil
}

func (s *Set) watch(watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			n := len(s.Reload())
			s.logger.Info("prompt templates reloaded", "path", s.path, "op", event.Op.String(), "count", n)
			select {
			case s.reloaded <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("prompt template watch error", "error", err)
		}
	}
}

func (s *Set) Close() error {
	s.mu.Lock()
	watcher, done := s.watcher, s.done
	s.watcher, s.done = nil, nil
	s.mu.Unlock()
	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}

func readTemplates(path string) ([]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	list, ok := parsed.([]any)
	if !ok {
		return nil, errors.New("file does not contain a JSON array")
	}
	return list, nil
}
