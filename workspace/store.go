// Package workspace provides file access under a single project root: reads
// served through an mtime-validated cache, writes that refresh that cache,
// a session undo stack of pre-write backups, and ignore-aware listing.
// The file tree is assumed single-writer; there is no cross-process locking.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// FileLimit caps List output.
	FileLimit = 200

	// mtimeSettleDelay is waited after a write before observing the new
	// mtime, so coarse filesystem clocks cannot hand back the old value.
	mtimeSettleDelay = 10 * time.Millisecond

	// readConcurrency bounds the fan-out of ReadAll.
	readConcurrency = 8
)

var ignoreDirs = []string{
	"node_modules",
	"__pycache__",
	".git",
	"dist",
	"build",
	"target",
	"vendor",
	"bin",
	"obj",
	".idea",
	".vscode",
	".venv",
	"venv",
	".cache",
	"tmp",
	"logs",
}

// HistoryEntry is one undo record: the full content of a file as it was
// immediately before a batch of edits touched it.
type HistoryEntry struct {
	File      string
	Backup    string
	Timestamp time.Time
}

type cacheEntry struct {
	content string
	mtime   time.Time
}

// Store is the file store for one project root.
type Store struct {
	root   string
	logger *zap.Logger

	mu      sync.Mutex
	cache   map[string]cacheEntry
	history []HistoryEntry
}

// NewStore creates a Store rooted at dir. dir must exist and be a directory.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("project root not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root is not a directory: %s", abs)
	}
	return &Store{
		root:   abs,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}, nil
}

// Root returns the absolute project root.
func (s *Store) Root() string { return s.root }

// abs resolves a project-relative path and rejects escapes from the root.
func (s *Store) abs(rel string) (string, error) {
	full := filepath.Join(s.root, rel)
	r, err := filepath.Rel(s.root, full)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the project root", rel)
	}
	return full, nil
}

// Read returns the content of a project-relative file. A cached copy is
// used only while its recorded mtime still equals the on-disk mtime.
func (s *Store) Read(rel string) (string, error) {
	full, err := s.abs(rel)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	cached, ok := s.cache[rel]
	s.mu.Unlock()
	if ok {
		if info, err := os.Stat(full); err == nil && info.ModTime().Equal(cached.mtime) {
			return cached.content, nil
		}
		s.mu.Lock()
		delete(s.cache, rel)
		s.mu.Unlock()
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rel, err)
	}
	content := string(data)
	if info, err := os.Stat(full); err == nil {
		s.mu.Lock()
		s.cache[rel] = cacheEntry{content: content, mtime: info.ModTime()}
		s.mu.Unlock()
	}
	return content, nil
}

// Write stores content to a project-relative file and repopulates the cache
// entry with the freshly observed mtime.
func (s *Store) Write(rel, content string) error {
	full, err := s.abs(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}

	time.Sleep(mtimeSettleDelay)
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("failed to stat %s after write: %w", rel, err)
	}
	s.mu.Lock()
	s.cache[rel] = cacheEntry{content: content, mtime: info.ModTime()}
	s.mu.Unlock()
	s.logger.Debug("wrote file", zap.String("path", rel), zap.Int("bytes", len(content)))
	return nil
}

// BackupAndWrite pushes the file's current content onto the undo stack and
// then writes the new content. One call per file per edit batch restores
// the exact pre-batch bytes on undo.
func (s *Store) BackupAndWrite(rel, content string) error {
	backup, err := s.Read(rel)
	if err != nil {
		return fmt.Errorf("failed to back up %s: %w", rel, err)
	}
	s.mu.Lock()
	s.history = append(s.history, HistoryEntry{
		File:      rel,
		Backup:    backup,
		Timestamp: time.Now(),
	})
	s.mu.Unlock()
	return s.Write(rel, content)
}

// Restore pops the most recent undo record and writes its backup content
// back, returning the restored file's path.
func (s *Store) Restore() (string, error) {
	s.mu.Lock()
	n := len(s.history)
	if n == 0 {
		s.mu.Unlock()
		return "", fmt.Errorf("no edits to undo")
	}
	entry := s.history[n-1]
	s.history = s.history[:n-1]
	s.mu.Unlock()

	if err := s.Write(entry.File, entry.Backup); err != nil {
		return "", fmt.Errorf("failed to restore %s: %w", entry.File, err)
	}
	s.logger.Info("restored file from backup", zap.String("path", entry.File))
	return entry.File, nil
}

// HistoryLen reports the undo stack depth.
func (s *Store) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// List walks the project root and returns sorted project-relative paths of
// regular files, skipping the usual vendored and generated directories.
// When exts is non-empty only files with one of those extensions are kept.
func (s *Store) List(exts ...string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			for _, ig := range ignoreDirs {
				if d.Name() == ig {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if len(exts) > 0 {
			keep := false
			for _, ext := range exts {
				if strings.HasSuffix(d.Name(), ext) {
					keep = true
					break
				}
			}
			if !keep {
				return nil
			}
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		if len(files) >= FileLimit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// ReadAll reads several files concurrently and returns path -> content.
// The fan-out is bounded; a missing file fails the whole batch.
func (s *Store) ReadAll(paths []string) (map[string]string, error) {
	var mu sync.Mutex
	out := make(map[string]string, len(paths))

	var g errgroup.Group
	g.SetLimit(readConcurrency)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			content, err := s.Read(p)
			if err != nil {
				return err
			}
			mu.Lock()
			out[p] = content
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Exists reports whether a project-relative file exists and is regular.
func (s *Store) Exists(rel string) bool {
	full, err := s.abs(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}
