package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/veriproof/engine/pkg/common"
)

// VerificationEvent is one verification outcome, recorded off the hot path
// for analytics. The engine only produces these; aggregation lives with
// whatever sink the deployment attaches.
type VerificationEvent struct {
	ChallengeID string
	APIKeyID    int
	Success     bool
	Country     string
	SolveTime   time.Duration
}

// EventSink consumes one flushed batch of verification events.
type EventSink func(ctx context.Context, events []VerificationEvent) error

// LogEventSink is the default sink: one debug record per batch with
// success/failure tallies, enough to see verification volume without an
// external analytics store.
func LogEventSink(ctx context.Context, events []VerificationEvent) error {
	succeeded := 0
	for _, ev := range events {
		if ev.Success {
			succeeded++
		}
	}
	slog.DebugContext(ctx, "Verification outcomes", "total", len(events), "succeeded", succeeded)
	return nil
}

const (
	eventFlushDelay  = 5 * time.Second
	eventTriggerSize = 64
	eventMaxBatch    = 4096
)

// EventRecorder buffers verification outcomes on a channel and flushes them
// in batches from its own goroutine, so recording never blocks a verify
// call. A full buffer drops the event rather than stalling the caller.
type EventRecorder struct {
	events chan VerificationEvent
	sink   EventSink
}

func NewEventRecorder(buffer int, sink EventSink) *EventRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if sink == nil {
		sink = LogEventSink
	}
	return &EventRecorder{
		events: make(chan VerificationEvent, buffer),
		sink:   sink,
	}
}

// Record enqueues ev without blocking.
func (r *EventRecorder) Record(ctx context.Context, ev VerificationEvent) {
	select {
	case r.events <- ev:
	default:
		slog.Log(ctx, common.LevelTrace, "Dropping verification event, buffer full", "challengeID", ev.ChallengeID)
	}
}

// Run drains the buffer in batches until ctx is cancelled.
func (r *EventRecorder) Run(ctx context.Context) {
	common.ProcessBatchArray(ctx, r.events, eventFlushDelay, eventTriggerSize, eventMaxBatch, r.sink)
}
