package challenge

import (
	"context"
	"testing"
)

type fakeHitRatioObserver struct {
	cache string
	ratio float64
	calls int
}

func (f *fakeHitRatioObserver) ObserveCacheHitRatio(cache string, ratio float64) {
	f.cache = cache
	f.ratio = ratio
	f.calls++
}

func TestReplaySetStatsJobReportsToMetricsWhenSet(t *testing.T) {
	rs, err := NewReplaySet(1000)
	if err != nil {
		t.Fatalf("NewReplaySet: %v", err)
	}
	if _, err := rs.CheckAndMark(context.Background(), "c1:nonce1"); err != nil {
		t.Fatalf("CheckAndMark: %v", err)
	}

	observer := &fakeHitRatioObserver{}
	job := &ReplaySetStatsJob{Name_: "verify_replay_stats", Set: rs, Metrics: observer}

	if err := job.RunOnce(context.Background(), nil); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if observer.calls != 1 {
		t.Fatalf("expected exactly one metrics call, got %d", observer.calls)
	}
	if observer.cache != "verify_replay_stats" {
		t.Fatalf("expected cache name to match job name, got %q", observer.cache)
	}
}

func TestReplaySetStatsJobToleratesNilMetrics(t *testing.T) {
	rs, err := NewReplaySet(1000)
	if err != nil {
		t.Fatalf("NewReplaySet: %v", err)
	}

	job := &ReplaySetStatsJob{Name_: "verify_replay_stats", Set: rs}
	if err := job.RunOnce(context.Background(), nil); err != nil {
		t.Fatalf("RunOnce without a metrics sink should not fail: %v", err)
	}
}

func TestSweepJobRunOnceToleratesAnEmptyStore(t *testing.T) {
	store := NewMemoryStore()
	job := &SweepJob{Store: store}

	if name := job.Name(); name != "challenge_sweep" {
		t.Fatalf("unexpected job name %q", name)
	}

	if err := job.RunOnce(context.Background(), job.NewParams()); err != nil {
		t.Fatalf("RunOnce on an empty store should not fail: %v", err)
	}
}
