// Package confirm holds proposals awaiting a yes/no from their owner.
package confirm

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gmsas95/medassist/internal/inference"
)

// Confirmation errors. Both are shown to the user as an expired session.
var (
	ErrNotFound = errors.New("no pending confirmation")
	ErrExpired  = errors.New("confirmation expired")
)

// Pending is one proposal waiting for its owner to confirm or cancel.
// Exactly one of Medication or Import is set.
type Pending struct {
	Token      string
	Owner      int64
	Medication *inference.ProposedMedication
	Import     []inference.ProposedMedication
	Warning    string
	CreatedAt  time.Time
}

// Store keeps at most one pending proposal per owner. A newer proposal
// silently replaces an older one; the stale token then stops matching.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[int64]Pending
	gauge   prometheus.Gauge
}

// NewStore creates a store with the given proposal lifetime. The gauge
// tracks the live proposal count and may be shared between stores.
func NewStore(ttl time.Duration, gauge prometheus.Gauge) *Store {
	return &Store{
		ttl:     ttl,
		pending: make(map[int64]Pending),
		gauge:   gauge,
	}
}

// Put stores a proposal for the owner and returns its token. Any earlier
// proposal from the same owner is replaced.
func (s *Store) Put(p Pending) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.Token = uuid.NewString()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	if _, replaced := s.pending[p.Owner]; !replaced {
		s.gauge.Inc()
	}
	s.pending[p.Owner] = p

	return p.Token
}

// Take removes and returns the owner's proposal when the token matches.
// A mismatched token means the proposal was replaced or never existed.
func (s *Store) Take(owner int64, token string) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[owner]
	if !ok || p.Token != token {
		return Pending{}, ErrNotFound
	}

	delete(s.pending, owner)
	s.gauge.Dec()

	if time.Since(p.CreatedAt) > s.ttl {
		return Pending{}, ErrExpired
	}
	return p, nil
}

// Sweep drops proposals older than the TTL and returns how many were dropped.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for owner, p := range s.pending {
		if now.Sub(p.CreatedAt) > s.ttl {
			delete(s.pending, owner)
			s.gauge.Dec()
			dropped++
		}
	}
	return dropped
}
