package memory

import (
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// GetCached looks up a response for (codeHash, query). The exact key is
// tried first; on a miss, entries sharing codeHash are scanned for a
// sufficiently similar query. A hit is only meaningful while codeHash
// still matches the current on-disk files - the caller computes the hash
// from fresh content, so staleness reduces to that equality check.
func (m *Memory) GetCached(codeHash, query string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := codeHash + ":" + queryHash(query)
	if entry, ok := m.data.Cache[key]; ok {
		m.logger.Debug("cache hit (exact)", zap.String("key", key))
		return entry.Response, true
	}

	queryWords := wordSet(query)
	for _, k := range m.order {
		entry := m.data.Cache[k]
		if entry.CodeHash != codeHash {
			continue
		}
		ratio := overlapRatio(queryWords, wordSet(entry.Query), m.opts.SymmetricLookup)
		if ratio > m.opts.SimilarityThreshold {
			m.logger.Debug("cache hit (similar)",
				zap.String("key", k), zap.Float64("overlap", ratio))
			return entry.Response, true
		}
	}
	return "", false
}

// CacheResponse stores a response for (codeHash, query). If an entry for
// the same codeHash with a sufficiently similar query already exists it is
// overwritten in place, which bounds growth under repeated near-identical
// queries. The store is flushed before returning.
func (m *Memory) CacheResponse(codeHash, query, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(response) > m.opts.MaxResponseLen {
		n := m.opts.MaxResponseLen
		// Back up so the cut cannot split a multi-byte rune.
		for n > 0 && !utf8.RuneStart(response[n]) {
			n--
		}
		response = response[:n]
	}

	queryWords := wordSet(query)
	for _, k := range m.order {
		entry := m.data.Cache[k]
		if entry.CodeHash != codeHash {
			continue
		}
		existingWords := wordSet(entry.Query)
		if len(queryWords) == 0 || len(existingWords) == 0 {
			continue
		}
		ratio := overlapRatio(queryWords, existingWords, m.opts.SymmetricInsert)
		if ratio > m.opts.SimilarityThreshold {
			entry.Query = query
			entry.Response = response
			entry.Timestamp = time.Now()
			m.data.Cache[k] = entry
			m.save()
			return
		}
	}

	key := codeHash + ":" + queryHash(query)
	m.data.Cache[key] = Entry{
		CodeHash:  codeHash,
		Query:     query,
		QueryHash: queryHash(query),
		Response:  response,
		Timestamp: time.Now(),
	}
	m.order = append(m.order, key)
	m.evictLocked()
	m.save()
}

// CacheLen reports the entry count.
func (m *Memory) CacheLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data.Cache)
}

// evictLocked drops the oldest batch of entries once the cap is exceeded.
// Insertion order, not access order: an old entry that is still being hit
// is evicted like any other.
func (m *Memory) evictLocked() {
	if len(m.data.Cache) <= m.opts.MaxEntries {
		return
	}
	n := m.opts.EvictBatch
	if n > len(m.order) {
		n = len(m.order)
	}
	for _, key := range m.order[:n] {
		delete(m.data.Cache, key)
	}
	m.order = m.order[n:]
	m.logger.Info("cache cap reached, evicted oldest entries", zap.Int("evicted", n))
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = struct{}{}
	}
	return out
}

// overlapRatio computes |a∩b| divided by max(|a|,1) or, in symmetric mode,
// by max(|a|,|b|).
func overlapRatio(a, b map[string]struct{}, symmetric bool) float64 {
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	denom := len(a)
	if symmetric && len(b) > denom {
		denom = len(b)
	}
	if denom < 1 {
		denom = 1
	}
	return float64(inter) / float64(denom)
}
