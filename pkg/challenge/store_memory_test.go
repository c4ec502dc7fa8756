package challenge

import (
	"context"
	"testing"
	"time"

	"github.com/veriproof/engine/pkg/puzzletype"
)

func newTestChallenge(id, token string, expiresAt time.Time) *Challenge {
	return &Challenge{
		ID:        id,
		Token:     token,
		Type:      puzzletype.TypeGrid,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
}

func TestCreateRejectsDuplicateToken(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c1 := newTestChallenge("c1", "tok1", time.Now().Add(time.Hour))
	if err := s.Create(ctx, c1); err != nil {
		t.Fatalf("Create: %v", err)
	}

	c2 := newTestChallenge("c2", "tok1", time.Now().Add(time.Hour))
	if err := s.Create(ctx, c2); err != ErrTokenExists {
		t.Fatalf("expected ErrTokenExists, got %v", err)
	}
}

func TestGetByTokenAndByID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := newTestChallenge("c1", "tok1", time.Now().Add(time.Hour))
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.GetByToken(ctx, "tok1")
	if err != nil || got.ID != "c1" {
		t.Fatalf("GetByToken: got %+v err=%v", got, err)
	}

	got, err = s.GetByID(ctx, "c1")
	if err != nil || got.Token != "tok1" {
		t.Fatalf("GetByID: got %+v err=%v", got, err)
	}

	if _, err := s.GetByToken(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkUsedIsSingleUse(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := newTestChallenge("c1", "tok1", time.Now().Add(time.Hour))
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	transitioned, err := s.MarkUsed(ctx, "c1")
	if err != nil || !transitioned {
		t.Fatalf("first MarkUsed should transition: transitioned=%v err=%v", transitioned, err)
	}

	transitioned, err = s.MarkUsed(ctx, "c1")
	if err != nil || transitioned {
		t.Fatalf("second MarkUsed must not transition again: transitioned=%v err=%v", transitioned, err)
	}
}

func TestMarkUsedConcurrentCallersSeeExactlyOneSuccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := newTestChallenge("c1", "tok1", time.Now().Add(time.Hour))
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 50
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func() {
			ok, _ := s.MarkUsed(ctx, "c1")
			results <- ok
		}()
	}

	successCount := 0
	for i := 0; i < n; i++ {
		if <-results {
			successCount++
		}
	}

	if successCount != 1 {
		t.Fatalf("expected exactly 1 successful transition, got %d", successCount)
	}
}

func TestSweepRespectsVerificationGraceForUnusedChallenges(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	used := newTestChallenge("used", "tok-used", now.Add(-time.Minute))
	used.IsUsed = true
	unused := newTestChallenge("unused", "tok-unused", now.Add(-time.Minute))

	if err := s.Create(ctx, used); err != nil {
		t.Fatalf("Create used: %v", err)
	}
	if err := s.Create(ctx, unused); err != nil {
		t.Fatalf("Create unused: %v", err)
	}

	removed := s.Sweep(ctx, now, 10*time.Minute)
	if removed != 1 {
		t.Fatalf("expected only the used+expired challenge swept, got %d removed", removed)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 challenge remaining, got %d", s.Len())
	}

	removed = s.Sweep(ctx, now.Add(11*time.Minute), 10*time.Minute)
	if removed != 1 {
		t.Fatalf("expected the unused challenge swept after grace elapsed, got %d", removed)
	}
}

func TestSweepKeepsVerifiedChallengesWithinGrace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	c := newTestChallenge("c1", "tok1", now.Add(-time.Minute))
	c.IsUsed = true
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.MarkVerified(ctx, "c1")

	if removed := s.Sweep(ctx, now, 10*time.Minute); removed != 0 {
		t.Fatal("a verified challenge must survive within the verification grace")
	}

	if removed := s.Sweep(ctx, now.Add(11*time.Minute), 10*time.Minute); removed != 1 {
		t.Fatal("a verified challenge must still be reclaimed once the grace elapses")
	}
}

func TestDeleteIfNoVerifications(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := newTestChallenge("c1", "tok1", time.Now().Add(time.Hour))
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	deleted, err := s.DeleteIfNoVerifications(ctx, "c1")
	if err != nil || !deleted {
		t.Fatalf("expected deletion with no verifications: deleted=%v err=%v", deleted, err)
	}

	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	s.MarkVerified(ctx, "c1")
	deleted, err = s.DeleteIfNoVerifications(ctx, "c1")
	if err != nil || deleted {
		t.Fatalf("expected no deletion once verified: deleted=%v err=%v", deleted, err)
	}
}
