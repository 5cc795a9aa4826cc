// Package snapshot captures immutable copies of request replay parameters.
//
// A snapshot is taken at submission time so every retry replays exactly what
// the caller originally sent, even if the caller keeps mutating its own
// history structures while retries are in flight.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayguard/relayguard/internal/core/domain"
	"github.com/relayguard/relayguard/internal/core/ports"
)

// Store is an in-memory snapshot store. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	items  map[string]*domain.RequestSnapshot
	timers map[string]*time.Timer

	// grace delays eviction after Release so hooks that observe the
	// resolution slightly late can still read the snapshot.
	grace  time.Duration
	logger *slog.Logger
}

// NewStore creates a store with the given release grace window.
func NewStore(grace time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		items:  make(map[string]*domain.RequestSnapshot),
		timers: make(map[string]*time.Timer),
		grace:  grace,
		logger: logger,
	}
}

// Identity derives a stable, collision-resistant request identity from the
// submission's durable attributes. Wall-clock time and object identity are
// deliberately excluded: both have been shown to collide under concurrent
// load.
func Identity(sender, session, prompt string, sequence uint64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", sender, session, prompt, sequence)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Capture deep-copies the snapshot and stores it under its identity. The
// first capture for an identity wins: a concurrent duplicate submission is
// a logged no-op, keeping replay parameters stable for the whole resolution
// window. Returns the snapshot identity.
func (s *Store) Capture(snap *domain.RequestSnapshot) string {
	frozen := snap.Clone()
	if frozen.CreatedAt.IsZero() {
		frozen.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[frozen.ID]; exists {
		s.logger.Debug("snapshot already captured", slog.String("id", frozen.ID))
		return frozen.ID
	}
	// A pending delayed release for this identity would evict the fresh
	// capture; cancel it.
	if timer, ok := s.timers[frozen.ID]; ok {
		timer.Stop()
		delete(s.timers, frozen.ID)
	}
	s.items[frozen.ID] = frozen
	return frozen.ID
}

// Retrieve returns the frozen snapshot for an identity.
func (s *Store) Retrieve(id string) (*domain.RequestSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.items[id]
	return snap, ok
}

// Release schedules eviction of a snapshot after the grace window. With a
// zero grace the snapshot is removed immediately.
func (s *Store) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return
	}
	if s.grace <= 0 {
		delete(s.items, id)
		return
	}
	if _, pending := s.timers[id]; pending {
		return
	}
	s.timers[id] = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.items, id)
		delete(s.timers, id)
	})
}

// Len reports the number of live snapshots, including those awaiting
// delayed eviction.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

var _ ports.SnapshotStore = (*Store)(nil)
