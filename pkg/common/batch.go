package common

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"
)

var (
	errProcessorPanic = errors.New("processor callback panic")
)

type safeProcessor[T any, B any] struct {
	processor func(context.Context, B) error
}

func (sp *safeProcessor[T, B]) Process(ctx context.Context, batch B) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			slog.ErrorContext(ctx, "Processor callback recovered from panic", "panic", rvr, "stack", string(debug.Stack()))
			err = errProcessorPanic
		}
	}()

	return sp.processor(ctx, batch)
}

// ProcessBatchArray drains channel into slices, handing each slice to
// processor once it reaches triggerSize or delay elapses with a non-empty
// batch. A failing processor keeps its batch for the next attempt until
// maxBatchSize forces a drop.
func ProcessBatchArray[T any](ctx context.Context, channel <-chan T, delay time.Duration, triggerSize, maxBatchSize int, processor func(context.Context, []T) error) {
	var batch []T
	sp := &safeProcessor[T, []T]{processor: processor}
	slog.DebugContext(ctx, "Processing batch", "interval", delay.String())

	for running := true; running; {
		if len(batch) > maxBatchSize {
			slog.ErrorContext(ctx, "Dropping pending batch due to errors", "count", len(batch))
			batch = []T{}
		}

		select {
		case <-ctx.Done():
			running = false

		case item, ok := <-channel:
			if !ok {
				running = false
				break
			}

			batch = append(batch, item)

			if len(batch) >= triggerSize {
				slog.Log(ctx, LevelTrace, "Processing batch", "count", len(batch), "reason", "batch")
				if err := sp.Process(ctx, batch); err == nil {
					batch = []T{}
				}
			}
		case <-time.After(delay):
			if len(batch) > 0 {
				slog.Log(ctx, LevelTrace, "Processing batch", "count", len(batch), "reason", "timeout")
				if err := sp.Process(ctx, batch); err == nil {
					batch = []T{}
				}
			}
		}
	}

	slog.InfoContext(ctx, "Finished processing batch")
}
