package challenge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

const ReplaySetTTL = 10 * time.Minute

// ReplaySet tracks verification-token replay independently of a
// Challenge's isUsed flag: the verification token outlives the challenge's
// used transition, so an already-used challenge can still authorise
// exactly one site-verify call. Entries expire ReplaySetTTL after their
// last sighting (a replay attempt refreshes the clock, which only widens
// the rejection window); otter handles eviction, no sweep needed.
type ReplaySet struct {
	store   *otter.Cache[string, *uint32]
	counter *stats.Counter
}

func NewReplaySet(maxSize int) (*ReplaySet, error) {
	counter := stats.NewCounter()
	store, err := otter.New(&otter.Options[string, *uint32]{
		MaximumSize:      maxSize,
		InitialCapacity:  max(64, maxSize/1000),
		ExpiryCalculator: otter.ExpiryAccessing[string, *uint32](ReplaySetTTL),
		StatsRecorder:    counter,
	})
	if err != nil {
		return nil, err
	}

	return &ReplaySet{store: store, counter: counter}, nil
}

func newReplayCounter() (newValue *uint32, cancel bool) {
	return new(uint32), false
}

// CheckAndMark reports whether key (the verification-token id, typically
// challengeId+nonce) has been seen before, and marks it seen either way.
// A true result means this call is a replay and must be rejected. The
// compute-then-increment makes the check atomic: of N concurrent callers
// on a fresh key, exactly one observes the count at 1.
func (r *ReplaySet) CheckAndMark(ctx context.Context, key string) (alreadySeen bool, err error) {
	value, _ := r.store.ComputeIfAbsent(key, newReplayCounter)
	return atomic.AddUint32(value, 1) > 1, nil
}

// HitRatio reports the underlying cache's running hit ratio. A high ratio
// means repeat sightings, i.e. replay attempts.
func (r *ReplaySet) HitRatio() float64 {
	return r.counter.Snapshot().HitRatio()
}
