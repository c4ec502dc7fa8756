package common

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingJob struct {
	runs     atomic.Int32
	interval time.Duration
}

func (j *countingJob) NewParams() any { return nil }
func (j *countingJob) Name() string   { return "counting_job" }
func (j *countingJob) Jitter() time.Duration {
	return 1 // minimal jitter keeps the test deterministic
}
func (j *countingJob) Interval() time.Duration { return j.interval }

func (j *countingJob) RunOnce(ctx context.Context, _ any) error {
	j.runs.Add(1)
	return nil
}

func TestRunPeriodicJobRunsOnEveryInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())

	job := &countingJob{interval: 20 * time.Millisecond}

	go RunPeriodicJob(ctx, job)

	time.Sleep(110 * time.Millisecond)
	cancel()
	// give the loop a moment to observe ctx.Done() and stop
	time.Sleep(20 * time.Millisecond)

	if runs := job.runs.Load(); runs < 3 {
		t.Fatalf("expected at least 3 runs in 110ms at a 20ms interval, got %d", runs)
	}
}

func TestRunPeriodicJobStopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := &countingJob{interval: time.Hour}

	done := make(chan struct{})
	go func() {
		RunPeriodicJob(ctx, job)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPeriodicJob did not return after context was already cancelled")
	}
}

type erroringJob struct{}

func (erroringJob) NewParams() any                     { return nil }
func (erroringJob) Name() string                       { return "erroring_job" }
func (erroringJob) Jitter() time.Duration              { return 1 }
func (erroringJob) Interval() time.Duration            { return time.Hour }
func (erroringJob) RunOnce(context.Context, any) error { return errors.New("boom") }

func TestRunPeriodicJobOnceReturnsError(t *testing.T) {
	err := RunPeriodicJobOnce(context.Background(), erroringJob{}, nil)
	if err == nil {
		t.Fatal("expected RunPeriodicJobOnce to propagate RunOnce's error")
	}
}
