// Package file persists session entries as one JSON map per agent.
// Updates are read-modify-write critical sections serialized per store
// path with an atomic temp-file rename on write.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

// Store implements sessions.EntryStore on the local filesystem.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // one writer per store path
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create entry store dir: %w", err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// pathFor partitions entries by agent so unrelated agents never contend
// on the same file.
func (s *Store) pathFor(key string) string {
	agentID, _ := sessions.ParseSessionKey(key)
	if agentID == "" {
		agentID = "unkeyed"
	}
	return filepath.Join(s.dir, sanitizeFilename(agentID)+".json")
}

func (s *Store) agentPath(agentID string) string {
	if agentID == "" {
		agentID = "unkeyed"
	}
	return filepath.Join(s.dir, sanitizeFilename(agentID)+".json")
}

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func readEntries(path string) (map[string]sessions.Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]sessions.Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read entry store: %w", err)
	}
	entries := make(map[string]sessions.Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode entry store %s: %w", filepath.Base(path), err)
	}
	return entries, nil
}

// writeEntries performs the atomic write: temp file, sync, rename.
func writeEntries(path string, entries map[string]sessions.Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "entries-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *Store) Load(_ context.Context, key string) (*sessions.Entry, error) {
	path := s.pathFor(key)
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	e, ok := entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *Store) Update(_ context.Context, key string, mutate func(*sessions.Entry)) (*sessions.Entry, error) {
	path := s.pathFor(key)
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	e := entries[key]
	e.Key = key
	mutate(&e)
	entries[key] = e

	if err := writeEntries(path, entries); err != nil {
		return nil, fmt.Errorf("write entry store: %w", err)
	}
	return &e, nil
}

// List returns the entries for one agent, or for every agent when agentID
// is empty.
func (s *Store) List(_ context.Context, agentID string) ([]sessions.Entry, error) {
	paths := []string{s.agentPath(agentID)}
	if agentID == "" {
		matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
		if err != nil {
			return nil, fmt.Errorf("scan entry store dir: %w", err)
		}
		paths = matches
	}

	var out []sessions.Entry
	for _, path := range paths {
		lock := s.lockFor(path)
		lock.Lock()
		entries, err := readEntries(path)
		lock.Unlock()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
