package ratelimit

import (
	"context"
	"log/slog"
	"math"
	randv2 "math/rand/v2"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/veriproof/engine/pkg/common"
	"github.com/veriproof/engine/pkg/ipblock"
)

var (
	defaultRejectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
	})

	rateLimitHeader          = http.CanonicalHeaderKey("X-RateLimit-Limit")
	rateLimitRemainingHeader = http.CanonicalHeaderKey("X-RateLimit-Remaining")
	rateLimitResetHeader     = http.CanonicalHeaderKey("X-RateLimit-Reset")
	retryAfterHeader         = http.CanonicalHeaderKey("Retry-After")
)

// HTTPRateLimiter is the middleware seam pkg/transport composes into its
// route chains; the stub implementation lets handler tests run without a
// live limiter and its cleanup goroutine.
type HTTPRateLimiter interface {
	RateLimit(next http.Handler) http.Handler
}

// IPLimiterConfig configures one per-client-IP limiter.
type IPLimiterConfig struct {
	// Name tags the limiter's log records and cleanup trace context.
	Name string
	// TrustedHeader pins client IP resolution to a single proxy header;
	// empty means the usual forwarding-header walk (ipblock.GetClientIP).
	TrustedHeader string
	MaxBuckets    int
	Capacity      Level
	LeakInterval  time.Duration
}

// IPLimiter admits requests per resolved client IP. Requests whose IP
// cannot be parsed share one single-unit fallback bucket: an unresolvable
// address means a misconfiguration somewhere, and such traffic should
// trickle, not flood.
type IPLimiter struct {
	name          string
	trustedHeader string
	buckets       *Buckets[netip.Addr]
	rejected      http.Handler
	// retryJitterPercent randomly inflates Retry-After so rejected clients
	// do not return in one synchronized stampede.
	retryJitterPercent float64
	cleanupCancel      context.CancelFunc
}

var _ HTTPRateLimiter = (*IPLimiter)(nil)

func NewIPLimiter(cfg IPLimiterConfig) *IPLimiter {
	buckets := NewBuckets[netip.Addr](cfg.MaxBuckets, cfg.Capacity, cfg.LeakInterval)
	buckets.SetFallback(netip.Addr{}, 1)

	l := &IPLimiter{
		name:               cfg.Name,
		trustedHeader:      cfg.TrustedHeader,
		buckets:            buckets,
		rejected:           defaultRejectedHandler,
		retryJitterPercent: 0.2, // 20%
	}

	cleanupCtx, cancel := context.WithCancel(
		common.TraceContext(context.Background(), strings.ToLower(cfg.Name)+"_ip_rate_limiter_cleanup"))
	l.cleanupCancel = cancel
	go l.cleanup(cleanupCtx)

	return l
}

// key resolves the request to its rate-limit key: the same client IP the
// blocking and risk checks see (ipblock.GetClientIP), parsed to an
// address. The zone is irrelevant for limiting and parse failures land in
// the fallback bucket.
func (l *IPLimiter) key(r *http.Request) netip.Addr {
	ipStr := ipblock.GetClientIP(r, l.trustedHeader)

	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		slog.WarnContext(r.Context(), "Unresolvable client IP for rate limiting", "ip", ipStr, common.ErrAttr(err))
		return netip.Addr{}
	}
	return addr.WithZone("")
}

func (l *IPLimiter) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.key(r)

		decision := l.buckets.Admit(key, time.Now())
		l.setRateLimitHeaders(w, decision)

		if !decision.Allowed {
			slog.Log(r.Context(), common.LevelTrace, "Rate limiting request",
				"ratelimiter", l.name, "key", key, "host", r.Host, "path", r.URL.Path, "method", r.Method,
				"level", decision.Level, "capacity", decision.Capacity,
				"resetAfter", decision.ResetAfter.String(), "retryAfter", decision.RetryAfter.String())
			l.rejected.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), common.RateLimitKeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Close stops the background bucket cleanup.
func (l *IPLimiter) Close() {
	if l.cleanupCancel != nil {
		l.cleanupCancel()
	}
}

// cleanup periodically evicts buckets that have fully drained, bounding
// memory use under a churn of distinct client IPs.
func (l *IPLimiter) cleanup(ctx context.Context) {
	const (
		interval    = time.Minute
		maxToDelete = 10_000
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted := l.buckets.Cleanup(time.Now(), maxToDelete)
			if deleted > 0 {
				slog.Log(ctx, common.LevelTrace, "Rate limiter cleanup", "ratelimiter", l.name, "deleted", deleted)
			}
		}
	}
}

func (l *IPLimiter) setRateLimitHeaders(w http.ResponseWriter, decision Decision) {
	headers := w.Header()

	if v := decision.Capacity; v > 0 {
		headers[rateLimitHeader] = []string{strconv.Itoa(int(v))}
	}

	if v := decision.Remaining(); v > 0 {
		headers[rateLimitRemainingHeader] = []string{strconv.Itoa(int(v))}
	}

	if v := decision.ResetAfter; v > 0 {
		vi := int(math.Max(1.0, v.Seconds()+0.5))
		headers[rateLimitResetHeader] = []string{strconv.Itoa(vi)}
	}

	if v := decision.RetryAfter; v > 0 {
		jitter := randv2.Float64() * l.retryJitterPercent
		seconds := v.Seconds() * (1.0 + jitter)
		vi := int(math.Max(1.0, seconds+0.5))
		headers[retryAfterHeader] = []string{strconv.Itoa(vi)}
	}
}
