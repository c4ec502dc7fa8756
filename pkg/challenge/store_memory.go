package challenge

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	challenge *Challenge
	verified  bool
}

// MemoryStore is a process-local ChallengeStore. It is guarded by a single
// mutex rather than a sharded/lock-free map: MarkUsed's conditional update
// is the hottest and most correctness-sensitive path, and a single mutex
// makes the compare-and-swap trivially atomic without a CAS-capable map
// primitive. Contention is bounded by one challenge verification per
// solve, which is not a tight loop in practice.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*memoryRecord
	byToken map[string]string // token -> id
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*memoryRecord),
		byToken: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, c *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byToken[c.Token]; exists {
		return ErrTokenExists
	}

	s.byID[c.ID] = &memoryRecord{challenge: c}
	s.byToken[c.Token] = c.ID
	return nil
}

func (s *MemoryStore) GetByToken(ctx context.Context, token string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.challenge, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.challenge, nil
}

func (s *MemoryStore) MarkUsed(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.challenge.IsUsed {
		return false, nil
	}
	rec.challenge.IsUsed = true
	return true, nil
}

func (s *MemoryStore) MarkVerified(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.byID[id]; ok {
		rec.verified = true
	}
}

func (s *MemoryStore) DeleteIfNoVerifications(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.verified {
		return false, nil
	}

	delete(s.byID, id)
	delete(s.byToken, rec.challenge.Token)
	return true, nil
}

// Sweep deletes expired challenges: already-used challenges are dropped
// immediately once expired, everything else (unused tokens a relying
// backend may still redeem, verified records a site-verify call might
// still reference) gets an extra verificationGrace window. After the
// grace everything expired goes, verified or not, keeping the map bounded
// by request rate x TTL.
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time, verificationGrace time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.byID {
		c := rec.challenge
		if !c.Expired(now) {
			continue
		}
		if now.Before(c.ExpiresAt.Add(verificationGrace)) && (!c.IsUsed || rec.verified) {
			continue
		}

		delete(s.byID, id)
		delete(s.byToken, c.Token)
		removed++
	}
	return removed
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
