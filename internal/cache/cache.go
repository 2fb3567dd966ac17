// Package cache is the process-wide tool result cache.
//
// Entries are immutable once stored and are replaced, never merged, when a
// result is recomputed. Concurrent writers resolve by atomic last-writer-wins
// replacement of the key's entry; no lock is held across a lookup.
package cache

import (
	"sync"
	"time"

	"github.com/jkaninda/warden/internal/protocol"
)

// DefaultTTL is how long an entry may be served after it was stored.
const DefaultTTL = 5 * time.Minute

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Entry is a cached tool result.
type Entry struct {
	Key       string
	ToolName  string
	Output    map[string]any
	Summary   string
	Table     *protocol.Table // secondary view, may be nil
	Timestamp time.Time
}

// Service is the cache contract the executor depends on.
type Service interface {
	// Get returns the entry for key. Absent and expired entries are both misses.
	Get(key string) (Entry, bool)

	// Put unconditionally replaces the entry for key, stamping it with the current time.
	Put(key string, e Entry)

	// Expire purges expired entries and reports how many were removed.
	Expire() int
}

// Memory is an in-process Service.
type Memory struct {
	entries sync.Map // key -> *Entry
	ttl     time.Duration
	now     Clock
}

var _ Service = (*Memory)(nil)

// NewMemory creates an in-memory cache. ttl <= 0 uses DefaultTTL; a nil clock uses time.Now.
func NewMemory(ttl time.Duration, now Clock) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{ttl: ttl, now: now}
}

// TTL returns the configured time-to-live.
func (m *Memory) TTL() time.Duration { return m.ttl }

func (m *Memory) Get(key string) (Entry, bool) {
	v, ok := m.entries.Load(key)
	if !ok {
		return Entry{}, false
	}
	e := v.(*Entry)
	if m.expired(e) {
		// Only removes this exact entry; a concurrent Put survives.
		m.entries.CompareAndDelete(key, e)
		return Entry{}, false
	}
	return *e, true
}

func (m *Memory) Put(key string, e Entry) {
	e.Key = key
	e.Timestamp = m.now()
	m.entries.Store(key, &e)
}

func (m *Memory) Expire() int {
	removed := 0
	m.entries.Range(func(k, v any) bool {
		if m.expired(v.(*Entry)) && m.entries.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (m *Memory) expired(e *Entry) bool {
	return m.now().Sub(e.Timestamp) >= m.ttl
}
