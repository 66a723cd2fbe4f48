// Package idempotency provides an in-memory idempotency cache and the HTTP
// middleware that replays recorded responses for duplicate mutating requests.
package idempotency

import (
	"sync"
	"time"

	"github.com/dealstack/resilience-core/internal/metrics"
)

// DefaultTTL is how long a recorded response stays replayable.
const DefaultTTL = 24 * time.Hour

// Record is a completed response held for replay.
type Record struct {
	Key         string    `json:"key"`
	StatusCode  int       `json:"status_code"`
	Body        []byte    `json:"-"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store holds recorded responses keyed by idempotency key. Entries are
// immutable once written and expire after the store TTL. Expired entries
// are removed by a lazy sweep on writes; there is no background goroutine.
type Store struct {
	mu      sync.RWMutex
	ttl     time.Duration
	records map[string]*Record
}

// NewStore creates a Store with the given TTL. Pass 0 for DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:     ttl,
		records: make(map[string]*Record),
	}
}

// Get returns the record for key if present and not expired.
func (s *Store) Get(key string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, false
	}
	return rec, true
}

// Put records a response under key. The expiry sweep runs first, then the
// write: an existing live entry is never replaced, so the first recorded
// response wins and Put returns it. The body is copied; callers may reuse
// their buffer.
func (s *Store) Put(key string, statusCode int, body []byte, contentType string) *Record {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)

	if existing, ok := s.records[key]; ok {
		return existing
	}

	rec := &Record{
		Key:         key,
		StatusCode:  statusCode,
		Body:        append([]byte(nil), body...),
		ContentType: contentType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	s.records[key] = rec
	metrics.IdempotencyStores.Inc()
	return rec
}

// sweepLocked removes expired entries. Caller must hold the write lock.
func (s *Store) sweepLocked(now time.Time) {
	for k, rec := range s.records {
		if now.After(rec.ExpiresAt) {
			delete(s.records, k)
			metrics.IdempotencyExpired.Inc()
		}
	}
}

// Len returns the number of entries currently held, including any expired
// entries not yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// TTL returns the store's configured entry lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}
