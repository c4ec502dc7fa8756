package common

import (
	"context"
	"log/slog"
	randv2 "math/rand/v2"
	"runtime/debug"
	"time"
)

// PeriodicJob is one recurring background sweep (session GC, challenge
// cleanup, replay-set stats, rate-limit bucket reclamation). Jobs must be
// safely re-entrant: RunOnce can fire again on the next tick even if a
// previous run is still draining.
type PeriodicJob interface {
	NewParams() any
	RunOnce(ctx context.Context, params any) error
	Interval() time.Duration
	// NOTE: if no jitter is needed, return 1, not 0
	Jitter() time.Duration
	Name() string
}

func RunPeriodicJob(ctx context.Context, j PeriodicJob) {
	ctx = context.WithValue(ctx, TraceIDContextKey, j.Name())

	defer func() {
		if rvr := recover(); rvr != nil {
			slog.ErrorContext(ctx, "Periodic job crashed", "panic", rvr, "stack", string(debug.Stack()))
		}
	}()

	slog.DebugContext(ctx, "Starting periodic job")

	for running := true; running; {
		interval := j.Interval()
		jitter := j.Jitter()

		select {
		case <-ctx.Done():
			running = false
			// the jitter spreads sweeps out so they do not all fire on the
			// same tick after a process restart
		case <-time.After(interval + time.Duration(randv2.Int64N(int64(jitter)))):
			slog.Log(ctx, LevelTrace, "Running periodic job once", "interval", interval.String(), "jitter", jitter.String())
			_ = j.RunOnce(ctx, j.NewParams())
		}
	}

	slog.DebugContext(ctx, "Periodic job finished")
}

func RunPeriodicJobOnce(ctx context.Context, j PeriodicJob, params any) error {
	ctx = context.WithValue(ctx, TraceIDContextKey, j.Name())

	defer func() {
		if rvr := recover(); rvr != nil {
			slog.ErrorContext(ctx, "Periodic job crashed", "panic", rvr, "stack", string(debug.Stack()))
		}
	}()

	slog.Log(ctx, LevelTrace, "Running periodic job once")
	err := j.RunOnce(ctx, params)
	if err != nil {
		slog.ErrorContext(ctx, "Periodic job failed", ErrAttr(err))
	}
	return err
}
