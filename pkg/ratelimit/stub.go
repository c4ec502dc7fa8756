package ratelimit

import (
	"context"
	"net/http"
	"net/netip"

	"github.com/veriproof/engine/pkg/common"
)

// StubRateLimiter admits everything. Handler tests compose it where a
// real IPLimiter would sit, so no cleanup goroutine outlives the test
// process; it still stamps the rate-limit key into the context the way
// the real middleware does, reading Header when set.
type StubRateLimiter struct {
	Header string
}

var _ HTTPRateLimiter = (*StubRateLimiter)(nil)

func (srl *StubRateLimiter) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value := r.RemoteAddr
		if len(srl.Header) > 0 {
			if h := r.Header.Get(srl.Header); len(h) > 0 {
				value = h
			}
		}

		ctx := r.Context()
		if ip, err := netip.ParseAddr(value); err == nil {
			ctx = context.WithValue(ctx, common.RateLimitKeyContextKey, ip)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
