// Package jsonstore keeps the image index in a single JSON file, an array of
// {"id","token","filename"} objects. The file stays the source of truth: edits
// made by other processes are picked up through fsnotify.
package jsonstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sikesa/sikesa-backend/internal/db/models"
	"github.com/sikesa/sikesa-backend/internal/safego"
)

// reloadDelay is the quiet period after the last file event before the
// index is re-read, so a truncate followed by a write is read once
var reloadDelay = 100 * time.Millisecond

// errEmptyReload marks a watcher reload that found no entries
var errEmptyReload = errors.New("index file is empty, keeping current entries")

// record is the on-disk shape of one entry. Filename is absent in files
// written before it was tracked.
type record struct {
	ID       string `json:"id"`
	Token    string `json:"token"`
	Filename string `json:"filename,omitempty"`
}

// Store is a file backed image index
type Store struct {
	path string

	mu      sync.RWMutex
	entries []record
	// written is the last content this store wrote; events for it are skipped
	written []byte

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// Open loads the index at path, creating it as an empty array when missing.
// With watch set, external changes to the file are reloaded until Close.
func Open(path string, watch bool) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve index path: %w", err)
	}
	s := &Store{path: abs, done: make(chan struct{})}

	if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		if err := s.writeLocked(nil); err != nil {
			return nil, err
		}
	}
	if err := s.reload(true); err != nil {
		return nil, err
	}

	if watch {
		if err := s.startWatcher(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the absolute path of the index file
func (s *Store) Path() string { return s.path }

// Close stops the file watcher
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	s.watcher = nil
	return err
}

// Get returns the entry for id, or nil when there is none
func (s *Store) Get(_ context.Context, id string) (*models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.entries {
		if r.ID == id {
			return r.toModel(), nil
		}
	}
	return nil, nil
}

// GetByToken returns the entry bound to token, or nil
func (s *Store) GetByToken(_ context.Context, token string) (*models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.entries {
		if r.Token == token {
			return r.toModel(), nil
		}
	}
	return nil, nil
}

// Put inserts or replaces the entry for img.ID and rewrites the file.
// A token already held by another id yields models.ErrTokenConflict.
func (s *Store) Put(_ context.Context, img *models.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]record, 0, len(s.entries)+1)
	replaced := false
	for _, r := range s.entries {
		if r.Token == img.Token && r.ID != img.ID {
			return fmt.Errorf("%w: %s", models.ErrTokenConflict, img.Token)
		}
		if r.ID == img.ID {
			next = append(next, record{ID: img.ID, Token: img.Token, Filename: img.Filename})
			replaced = true
			continue
		}
		next = append(next, r)
	}
	if !replaced {
		next = append(next, record{ID: img.ID, Token: img.Token, Filename: img.Filename})
	}

	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

// Delete removes the entry for id. Deleting a missing id is not an error.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]record, 0, len(s.entries))
	for _, r := range s.entries {
		if r.ID != id {
			next = append(next, r)
		}
	}
	if len(next) == len(s.entries) {
		return nil
	}
	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

// List returns every entry ordered by id
func (s *Store) List(_ context.Context) ([]*models.Image, error) {
	s.mu.RLock()
	out := make([]*models.Image, 0, len(s.entries))
	for _, r := range s.entries {
		out = append(out, r.toModel())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r record) toModel() *models.Image {
	return &models.Image{ID: r.ID, Token: r.Token, Filename: r.Filename}
}

// reload replaces the in-memory entries with the file contents. The read and
// the swap happen under s.mu so a concurrent Put cannot be overwritten by an
// older file. An unreadable or malformed file leaves the current entries in
// place, and so does an empty one unless allowEmpty is set.
func (s *Store) reload(allowEmpty bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}
	if s.written != nil && bytes.Equal(data, s.written) {
		return nil
	}
	var entries []record
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("failed to parse index %s: %w", s.path, err)
		}
	}
	if len(entries) == 0 && !allowEmpty && len(s.entries) > 0 {
		return errEmptyReload
	}
	s.entries = entries
	return nil
}

// writeLocked atomically replaces the file with entries. Callers hold s.mu.
func (s *Store) writeLocked(entries []record) error {
	if entries == nil {
		entries = []record{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp index: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp index: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp index: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace index: %w", err)
	}
	s.written = data
	return nil
}

// startWatcher watches the parent directory, since atomic replacement swaps
// the inode and a watch on the file itself would be lost.
func (s *Store) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create index watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch index directory: %w", err)
	}
	s.watcher = w

	s.wg.Add(1)
	safego.Go(func() {
		defer s.wg.Done()
		s.watch(w)
	})
	return nil
}

// watch reloads the index once events for it have been quiet for reloadDelay
func (s *Store) watch(w *fsnotify.Watcher) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := s.reload(false); err != nil {
				slog.Warn("image index reload failed", "path", s.path, "error", err)
				continue
			}
			slog.Debug("image index reloaded", "path", s.path)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("image index watcher error", "path", s.path, "error", err)
		}
	}
}
