// Package ipblock implements client IP resolution behind proxies,
// failure/refresh sliding-window counters, temporary and manual IP blocks,
// and IP/country rule evaluation.
package ipblock

import (
	"net/http"
	"strings"

	realclientip "github.com/realclientip/realclientip-go"
)

// strategyFor builds the chain strategy used to resolve the real client IP
// behind proxies: the first public address in the X-Forwarded-For chain
// (under chained proxies the real client is the first non-private hop),
// then CF-Connecting-IP, then the TCP peer address. header, when
// non-empty, pins resolution to that single trusted header instead.
func strategyFor(header string) realclientip.Strategy {
	if header != "" {
		return realclientip.Must(realclientip.NewSingleIPHeaderStrategy(header))
	}

	return realclientip.NewChainStrategy(
		realclientip.Must(realclientip.NewLeftmostNonPrivateStrategy("X-Forwarded-For")),
		realclientip.Must(realclientip.NewSingleIPHeaderStrategy("CF-Connecting-IP")),
		realclientip.RemoteAddrStrategy{},
	)
}

// GetClientIP resolves the request's client IP, preferring a single
// trusted header when configured, then the first public address in the
// X-Forwarded-For chain, then CF-Connecting-IP, falling back to the
// socket peer address. Addresses of the form "::ffff:a.b.c.d" are
// de-mapped to their IPv4 form.
func GetClientIP(r *http.Request, trustedHeader string) string {
	strategy := strategyFor(trustedHeader)

	ip := strategy.ClientIP(r.Header, r.RemoteAddr)
	ip, _ = realclientip.SplitHostZone(ip)
	ip = deMapIPv4(ip)

	return ip
}

func deMapIPv4(ip string) string {
	const v4InV6Prefix = "::ffff:"
	if strings.HasPrefix(strings.ToLower(ip), v4InV6Prefix) {
		return ip[len(v4InV6Prefix):]
	}
	return ip
}
