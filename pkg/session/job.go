package session

import (
	"context"
	"time"

	"github.com/veriproof/engine/pkg/common"
)

// SweepJob adapts Cache.Sweep to common.PeriodicJob so cmd/server can run
// it alongside the other background sweeps, one goroutine per job.
type SweepJob struct {
	Cache *Cache
}

var _ common.PeriodicJob = (*SweepJob)(nil)

func (j *SweepJob) Name() string             { return "session_sweep" }
func (j *SweepJob) NewParams() any           { return nil }
func (j *SweepJob) Interval() time.Duration  { return SweepInterval }
func (j *SweepJob) Jitter() time.Duration    { return time.Second }

func (j *SweepJob) RunOnce(ctx context.Context, _ any) error {
	j.Cache.Sweep(ctx)
	return nil
}
