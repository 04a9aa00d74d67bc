package contextmgr

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
)

// OverflowStore persists oversized tool outputs as individual files so a
// truncated history entry can still reference the full content.
type OverflowStore struct {
	dir  string
	lock *flock.Flock
}

// NewOverflowStore creates the overflow directory. An empty dir resolves to a
// per-process temp location.
func NewOverflowStore(dir string) (*OverflowStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("genji-overflow-%d", os.Getpid()))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create overflow dir: %w", err)
	}
	return &OverflowStore{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, ".lock")),
	}, nil
}

// Put writes content to a fresh file and returns its path. Writes are atomic
// and serialized across processes sharing the directory.
func (s *OverflowStore) Put(toolName string, content string) (string, error) {
	name := fmt.Sprintf("%s-%s.txt", ulid.Make().String(), sanitizeName(toolName))
	path := filepath.Join(s.dir, name)

	if err := s.lock.Lock(); err != nil {
		return "", fmt.Errorf("lock overflow dir: %w", err)
	}
	defer s.lock.Unlock()

	if err := atomic.WriteFile(path, bytes.NewReader([]byte(content))); err != nil {
		return "", fmt.Errorf("write overflow file: %w", err)
	}
	return path, nil
}

// Sweep removes overflow files older than maxAge. Returns the removed count.
func (s *OverflowStore) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ".lock" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(s.dir, entry.Name())) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Dir returns the store's directory.
func (s *OverflowStore) Dir() string {
	return s.dir
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
