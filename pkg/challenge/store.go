package challenge

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenExists = errors.New("challenge: token already exists")
	ErrNotFound    = errors.New("challenge: not found")
)

// Store is the persistence boundary for issued challenges. MarkUsed is the
// authoritative single-use guard: it must be atomic at the store level so
// that exactly one of N concurrent callers on the same id observes the
// false->true transition.
type Store interface {
	Create(ctx context.Context, c *Challenge) error
	GetByToken(ctx context.Context, token string) (*Challenge, error)
	GetByID(ctx context.Context, id string) (*Challenge, error)
	MarkUsed(ctx context.Context, id string) (bool, error)
	// MarkVerified records that a verification (site-verify or direct
	// verify) has referenced this challenge, so a cleanup sweep does not
	// delete it out from under a still-pending site-verify call.
	MarkVerified(ctx context.Context, id string)
	DeleteIfNoVerifications(ctx context.Context, id string) (bool, error)
	// Sweep removes expired challenges. Unused and verified records are
	// kept for verificationGrace past expiry for the sake of a pending
	// site-verify call; after the grace everything expired is removed.
	Sweep(ctx context.Context, now time.Time, verificationGrace time.Duration) int
	Len() int
}
