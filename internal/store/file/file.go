package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loykin/reportsink/internal/report"
	"github.com/loykin/reportsink/internal/store"
)

// DB stores the retained reports as one JSON array file, oldest first.
// Writes go to a temp file in the same directory and are renamed over the
// target, so readers only ever see a complete array. Appends are serialised
// in-process by mu and across processes by an advisory lock on <path>.lock.
type DB struct {
	path      string
	retention int
	mu        sync.RWMutex
	lock      fileLock
}

// New opens (lazily) a JSON array store at path.
func New(path string, retention int) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty report file path")
	}
	clean := filepath.Clean(p)
	return &DB{
		path:      clean,
		retention: store.Retention(retention),
		lock:      fileLock{path: clean + ".lock"},
	}, nil
}

// Path returns the backing file path.
func (s *DB) Path() string { return s.path }

func (s *DB) EnsureSchema(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	// surface a corrupt file at startup rather than on the first append
	_, err := s.load()
	return err
}

func (s *DB) Append(ctx context.Context, e report.Entry) (report.Entry, int, error) {
	if err := ctx.Err(); err != nil {
		return report.Entry{}, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock.acquire()
	if err != nil {
		return report.Entry{}, 0, fmt.Errorf("lock %s: %w", s.lock.path, err)
	}
	defer unlock()

	entries, err := s.load()
	if err != nil {
		return report.Entry{}, 0, err
	}
	next := int64(1)
	if n := len(entries); n > 0 {
		next = entries[n-1].SequenceID + 1
	}
	e.SequenceID = next
	entries = append(entries, e)
	if len(entries) > s.retention {
		entries = entries[len(entries)-s.retention:]
	}
	if err := s.write(entries); err != nil {
		return report.Entry{}, 0, err
	}
	return e, len(entries), nil
}

func (s *DB) List(ctx context.Context, limit int) ([]report.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	return store.Newest(entries, limit), nil
}

func (s *DB) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *DB) Close() error { return nil }

func (s *DB) load() ([]report.Entry, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(s.path), err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var entries []report.Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(s.path), err)
	}
	return entries, nil
}

func (s *DB) write(entries []report.Entry) error {
	if entries == nil {
		entries = []report.Entry{}
	}
	b, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return fmt.Errorf("encode reports: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", filepath.Base(s.path), err)
	}
	return nil
}
