// Package memory holds the agent's persistent state: user preferences, the
// content-addressed response cache, and last-seen file hashes. Everything
// lives in one JSON file that is flushed synchronously on every mutation,
// so a crash loses at most the in-flight call. An unreadable file is
// discarded and replaced with an empty store, never a fatal error.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

const hashLen = 16

// Entry is one cached model response, keyed by codeHash:queryHash.
type Entry struct {
	CodeHash  string    `json:"codeHash"`
	Query     string    `json:"query"`
	QueryHash string    `json:"queryHash"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

type fileData struct {
	Preferences map[string]bool  `json:"preferences"`
	Cache       map[string]Entry `json:"cache"`
	FileHashes  map[string]string `json:"fileHashes"`
}

// Options tunes the similarity matching of the content cache. The lookup
// ratio divides the word-overlap by the incoming query's word count (a
// deliberate bias toward matching short queries); the insert ratio is the
// symmetric Jaccard-like form. Both are switchable.
type Options struct {
	SimilarityThreshold float64
	SymmetricLookup     bool
	SymmetricInsert     bool
	MaxEntries          int
	EvictBatch          int
	MaxResponseLen      int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		SimilarityThreshold: 0.7,
		SymmetricLookup:     false,
		SymmetricInsert:     true,
		MaxEntries:          500,
		EvictBatch:          100,
		MaxResponseLen:      5000,
	}
}

// Memory is the persistent store. Safe for use from one pipeline at a time;
// the mutex only guards against incidental concurrent reads.
type Memory struct {
	path   string
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	data  fileData
	order []string // cache keys, oldest first
}

// Load opens (or initializes) the memory file at path.
func Load(path string, opts Options, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Memory{path: path, opts: opts, logger: logger}
	m.data = fileData{
		Preferences: make(map[string]bool),
		Cache:       make(map[string]Entry),
		FileHashes:  make(map[string]string),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("could not read memory file, starting empty", zap.Error(err))
		}
		return m
	}

	var loaded fileData
	if err := json.Unmarshal(raw, &loaded); err != nil {
		logger.Warn("memory file corrupt, starting empty",
			zap.String("path", path), zap.Error(err))
		return m
	}
	if loaded.Preferences != nil {
		m.data.Preferences = loaded.Preferences
	}
	if loaded.Cache != nil {
		m.data.Cache = loaded.Cache
	}
	if loaded.FileHashes != nil {
		m.data.FileHashes = loaded.FileHashes
	}

	// Rebuild insertion order from timestamps.
	m.order = make([]string, 0, len(m.data.Cache))
	for key := range m.data.Cache {
		m.order = append(m.order, key)
	}
	sort.Slice(m.order, func(i, j int) bool {
		return m.data.Cache[m.order[i]].Timestamp.Before(m.data.Cache[m.order[j]].Timestamp)
	})
	return m
}

// save flushes the whole store to disk. Callers hold the lock.
func (m *Memory) save() {
	raw, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		m.logger.Warn("could not marshal memory", zap.Error(err))
		return
	}
	if dir := filepath.Dir(m.path); dir != "." {
		_ = os.MkdirAll(dir, 0755)
	}
	if err := os.WriteFile(m.path, raw, 0644); err != nil {
		m.logger.Warn("could not save memory", zap.Error(err))
	}
}

// CodeHash fingerprints a set of files: SHA-256 over the sorted
// concatenation of path:content pairs, truncated to 16 hex characters.
func CodeHash(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		b.WriteString(p)
		b.WriteString(":")
		b.WriteString(files[p])
		b.WriteString("\n")
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:hashLen]
}

func queryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// Preference reads a stored boolean preference.
func (m *Memory) Preference(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Preferences[name]
}

// Preferences returns a copy of all stored preferences.
func (m *Memory) Preferences() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.data.Preferences))
	for k, v := range m.data.Preferences {
		out[k] = v
	}
	return out
}

// SetPreference updates one preference and patches only that key in the
// persisted JSON, leaving the rest of the file untouched on disk.
func (m *Memory) SetPreference(name string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Preferences[name] = value

	raw, err := os.ReadFile(m.path)
	if err != nil {
		// No file yet; fall back to a full save.
		m.save()
		return nil
	}
	patched, err := sjson.Set(string(raw), "preferences."+name, value)
	if err != nil {
		return fmt.Errorf("failed to patch preference %s: %w", name, err)
	}
	if err := os.WriteFile(m.path, []byte(patched), 0644); err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}

// RecordFileHash remembers the last-seen content hash for a path.
func (m *Memory) RecordFileHash(path, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.FileHashes[path] = hash
	m.save()
}
