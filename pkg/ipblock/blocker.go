package ipblock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/veriproof/engine/pkg/common"
)

const (
	FailureWindow    = 10 * time.Minute
	FailureThreshold = 3
	FailureBlockTTL  = 2 * time.Hour

	RefreshWindow    = 5 * time.Minute
	RefreshThreshold = 3
	RefreshBlockTTL  = time.Hour
)

type windowCounter struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

func (w *windowCounter) bump(now time.Time, window time.Duration) int {
	if now.Sub(w.windowStart) > window {
		w.count = 0
		w.windowStart = now
	}
	w.count++
	w.lastSeen = now
	return w.count
}

type blockEntry struct {
	reason    string
	blockedAt time.Time
	expiresAt time.Time
}

func (b *blockEntry) expired(now time.Time) bool {
	return !b.expiresAt.After(now)
}

// Blocker tracks per-IP failure/refresh counters and temporary blocks. All
// state is per-process, guarded by a single mutex: updates are infrequent
// relative to reads and the critical sections never touch the network, so
// a coarse lock here does not become a bottleneck.
type Blocker struct {
	mu        sync.Mutex
	failures  map[string]*windowCounter
	refreshes map[string]*windowCounter
	blocks    map[string]*blockEntry
}

func NewBlocker() *Blocker {
	return &Blocker{
		failures:  make(map[string]*windowCounter),
		refreshes: make(map[string]*windowCounter),
		blocks:    make(map[string]*blockEntry),
	}
}

// RecordFailure bumps the failure counter for ip and blocks it for
// FailureBlockTTL once the count within FailureWindow reaches
// FailureThreshold. Bumping past the threshold does not extend an
// already-active block.
func (b *Blocker) RecordFailure(ctx context.Context, ip string) {
	b.record(ctx, ip, b.failures, FailureWindow, FailureThreshold, FailureBlockTTL, "failure_threshold")
}

// RecordRefresh is the analogous counter for challenge-refresh abuse.
func (b *Blocker) RecordRefresh(ctx context.Context, ip string) {
	b.record(ctx, ip, b.refreshes, RefreshWindow, RefreshThreshold, RefreshBlockTTL, "refresh_threshold")
}

func (b *Blocker) record(ctx context.Context, ip string, counters map[string]*windowCounter, window time.Duration, threshold int, blockTTL time.Duration, reason string) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := counters[ip]
	if !ok {
		c = &windowCounter{windowStart: now}
		counters[ip] = c
	}

	count := c.bump(now, window)

	if count == threshold {
		if _, alreadyBlocked := b.blocks[ip]; !alreadyBlocked {
			b.blocks[ip] = &blockEntry{
				reason:    reason,
				blockedAt: now,
				expiresAt: now.Add(blockTTL),
			}
			slog.WarnContext(ctx, "IP blocked", "ip", ip, "reason", reason, "ttl", blockTTL.String())
		}
	}
}

// FailureCount reports ip's current failure-window count, for feeding
// RiskEngine.Assess's burst/failure-history signal.
func (b *Blocker) FailureCount(ip string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.failures[ip]
	if !ok {
		return 0
	}
	return c.count
}

// IsBlocked reports whether ip is currently blocked, eagerly evicting the
// entry if its block has expired.
func (b *Blocker) IsBlocked(ip string) (blocked bool, reason string, expiresAt time.Time) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.blocks[ip]
	if !ok {
		return false, "", time.Time{}
	}

	if entry.expired(now) {
		delete(b.blocks, ip)
		return false, "", time.Time{}
	}

	return true, entry.reason, entry.expiresAt
}

// Block manually blocks ip for the given duration and reason (e.g. an
// operator-entered block, as opposed to one derived from failure counts).
func (b *Blocker) Block(ip, reason string, ttl time.Duration) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.blocks[ip] = &blockEntry{reason: reason, blockedAt: now, expiresAt: now.Add(ttl)}
}

// Sweep removes expired block entries and stale counter windows, bounding
// memory to active IPs.
func (b *Blocker) Sweep(ctx context.Context) int {
	now := time.Now()
	deleted := 0

	b.mu.Lock()
	defer b.mu.Unlock()

	for ip, entry := range b.blocks {
		if entry.expired(now) {
			delete(b.blocks, ip)
			deleted++
		}
	}

	for ip, c := range b.failures {
		if now.Sub(c.lastSeen) > FailureWindow {
			delete(b.failures, ip)
			deleted++
		}
	}

	for ip, c := range b.refreshes {
		if now.Sub(c.lastSeen) > RefreshWindow {
			delete(b.refreshes, ip)
			deleted++
		}
	}

	if deleted > 0 {
		slog.Log(ctx, common.LevelTrace, "Swept ip blocker state", "deleted", deleted)
	}

	return deleted
}

// SweepJob adapts Blocker.Sweep to common.PeriodicJob.
type SweepJob struct {
	Blocker *Blocker
}

var _ common.PeriodicJob = (*SweepJob)(nil)

func (j *SweepJob) Name() string            { return "ipblock_sweep" }
func (j *SweepJob) NewParams() any          { return nil }
func (j *SweepJob) Interval() time.Duration { return time.Minute }
func (j *SweepJob) Jitter() time.Duration   { return time.Second }

func (j *SweepJob) RunOnce(ctx context.Context, _ any) error {
	j.Blocker.Sweep(ctx)
	return nil
}
