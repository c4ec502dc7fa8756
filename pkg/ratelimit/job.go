package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/veriproof/engine/pkg/common"
)

// CleanupJob adapts a Buckets table's cleanup to common.PeriodicJob, for
// keyed limiters that are not HTTP middleware (the engine's per-ApiKey
// handshake budget) and so have no IPLimiter cleanup goroutine of their
// own.
type CleanupJob[K comparable] struct {
	Buckets     *Buckets[K]
	JobName     string
	JobInterval time.Duration
	MaxToDelete int
}

var _ common.PeriodicJob = (*CleanupJob[int])(nil)

func (j *CleanupJob[K]) Name() string   { return j.JobName }
func (j *CleanupJob[K]) NewParams() any { return nil }
func (j *CleanupJob[K]) Interval() time.Duration {
	if j.JobInterval <= 0 {
		return time.Minute
	}
	return j.JobInterval
}
func (j *CleanupJob[K]) Jitter() time.Duration { return time.Second }

func (j *CleanupJob[K]) RunOnce(ctx context.Context, _ any) error {
	maxToDelete := j.MaxToDelete
	if maxToDelete <= 0 {
		maxToDelete = 10_000
	}
	deleted := j.Buckets.Cleanup(time.Now(), maxToDelete)
	if deleted > 0 {
		slog.Log(ctx, common.LevelTrace, "Swept rate-limit buckets", "job", j.JobName, "deleted", deleted)
	}
	return nil
}
