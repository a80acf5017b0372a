package pricestore

import (
	"sync"
	"time"

	"arbiter/internal/model"
)

// Snapshot is a point-in-time copy of the store: venue -> symbol -> quote.
type Snapshot map[string]map[string]model.Quote

// Quote looks up one quote in the snapshot.
func (s Snapshot) Quote(venue, symbol string) (model.Quote, bool) {
	symbols, ok := s[venue]
	if !ok {
		return model.Quote{}, false
	}
	q, ok := symbols[symbol]
	return q, ok
}

// Store is the shared price state: last-write-wins quotes per (venue, symbol).
// It is written only by ingestion tasks and read by the detector and the
// health monitor. No history is kept and stale entries are never evicted;
// staleness is evaluated lazily at read time.
type Store struct {
	mu           sync.RWMutex
	quotes       map[string]map[string]model.Quote
	lastAccepted map[string]time.Time

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		quotes:       make(map[string]map[string]model.Quote),
		lastAccepted: make(map[string]time.Time),
		now:          time.Now,
	}
}

// Update writes a quote. It reports whether the quote was accepted; an update
// whose ObservedAt is older than the stored one is dropped so that observation
// times stay monotonic per (venue, symbol).
func (s *Store) Update(q model.Quote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbols, ok := s.quotes[q.Venue]
	if !ok {
		symbols = make(map[string]model.Quote)
		s.quotes[q.Venue] = symbols
	}
	if prev, ok := symbols[q.Symbol]; ok && q.ObservedAt.Before(prev.ObservedAt) {
		return false
	}
	symbols[q.Symbol] = q
	s.lastAccepted[q.Venue] = s.now()
	return true
}

// Quote returns the current quote for (venue, symbol), if any.
func (s *Store) Quote(venue, symbol string) (model.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	symbols, ok := s.quotes[venue]
	if !ok {
		return model.Quote{}, false
	}
	q, ok := symbols[symbol]
	return q, ok
}

// Snapshot returns a deep copy of the whole store taken under a single read
// lock, so no torn reads across symbols are possible.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(Snapshot, len(s.quotes))
	for venue, symbols := range s.quotes {
		copied := make(map[string]model.Quote, len(symbols))
		for symbol, q := range symbols {
			copied[symbol] = q
		}
		snap[venue] = copied
	}
	return snap
}

// IsStale reports whether the quote for (venue, symbol) is older than maxAge.
// A missing quote counts as stale.
func (s *Store) IsStale(venue, symbol string, maxAge time.Duration) bool {
	q, ok := s.Quote(venue, symbol)
	if !ok {
		return true
	}
	return q.IsStale(s.now(), maxAge)
}

// LastUpdate returns when the venue last had an update accepted. Used by the
// ingestor's health watchdog.
func (s *Store) LastUpdate(venue string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastAccepted[venue]
	return t, ok
}
