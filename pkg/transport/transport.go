// Package transport exposes the engine's four protocol services over HTTP:
// POST /handshake, POST /challenge, POST /verify, and POST or GET
// /siteverify, plus /healthz and /metrics for operators. Routing,
// middleware composition, and CORS follow the same alice.Chain +
// net/http.ServeMux idiom used throughout the rest of this module's HTTP
// surface.
package transport

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/justinas/alice"
	"github.com/rs/cors"

	"github.com/veriproof/engine/pkg/common"
	"github.com/veriproof/engine/pkg/engine"
	"github.com/veriproof/engine/pkg/ipblock"
	"github.com/veriproof/engine/pkg/monitoring"
	"github.com/veriproof/engine/pkg/ratelimit"
)

const (
	// maxChallengeBodyBytes bounds the obfuscated /challenge request body.
	// The advanced-fingerprint descriptor itself is tiny, but the envelope
	// also carries encryptedClientData/legacy telemetry fields; the cap
	// applies the 10KB fingerprint-payload bound to the whole body.
	maxChallengeBodyBytes  = 10 * 1024
	maxHandshakeBodyBytes  = 4 * 1024
	maxVerifyBodyBytes     = 16 * 1024
	maxSiteVerifyBodyBytes = 4 * 1024

	handshakeTimeout  = 2 * time.Second
	challengeTimeout  = 5 * time.Second
	verifyTimeout     = 5 * time.Second
	siteVerifyTimeout = 3 * time.Second
)

// Transport bundles the Engine with the HTTP-only collaborators: CORS
// policy and metrics. The trusted-proxy header for client IP resolution is
// read off the Engine itself, since it is also the header ipblock checks
// were configured against.
type Transport struct {
	Engine         *engine.Engine
	Metrics        *monitoring.Service
	AllowedOrigins func(origin string) bool
	Verbose        bool

	// RateLimiter bounds requests per client IP before they reach the
	// engine's own per-ApiKey handshake limiter; it is the only line of
	// defense for /challenge, /verify, and /siteverify, none of which have
	// a comparable per-key budget of their own.
	RateLimiter ratelimit.HTTPRateLimiter

	cors *cors.Cors
}

// New builds a Transport ready to have its routes registered.
func New(e *engine.Engine, metrics *monitoring.Service, limiter ratelimit.HTTPRateLimiter, allowedOrigins func(origin string) bool, verbose bool) *Transport {
	t := &Transport{
		Engine:         e,
		Metrics:        metrics,
		RateLimiter:    limiter,
		AllowedOrigins: allowedOrigins,
		Verbose:        verbose,
	}

	corsOpts := cors.Options{
		AllowOriginFunc:     allowedOrigins,
		AllowedHeaders:      []string{"accept", "content-type", "x-requested-with"},
		AllowedMethods:      []string{http.MethodGet, http.MethodPost},
		AllowPrivateNetwork: true,
		Debug:               verbose,
		MaxAge:              60 * 60,
	}
	if corsOpts.Debug {
		corsOpts.Logger = &common.FmtLogger{Ctx: common.TraceContext(context.TODO(), "cors"), Level: common.LevelTrace}
	}
	t.cors = cors.New(corsOpts)

	return t
}

// Setup registers every route on router.
func (t *Transport) Setup(router *http.ServeMux) {
	publicChain := alice.New(common.Recovered, monitoring.Traced, t.Metrics.Handler, t.cors.Handler, t.RateLimiter.RateLimit)

	router.Handle(http.MethodPost+" /handshake",
		publicChain.Append(common.TimeoutHandler(handshakeTimeout)).Then(
			http.MaxBytesHandler(http.HandlerFunc(t.handshakeHandler), maxHandshakeBodyBytes)))

	router.Handle(http.MethodPost+" /challenge",
		publicChain.Append(common.TimeoutHandler(challengeTimeout)).Then(
			http.MaxBytesHandler(http.HandlerFunc(t.challengeHandler), maxChallengeBodyBytes)))

	router.Handle(http.MethodPost+" /verify",
		publicChain.Append(common.TimeoutHandler(verifyTimeout)).Then(
			http.MaxBytesHandler(http.HandlerFunc(t.verifyHandler), maxVerifyBodyBytes)))

	siteVerifyChain := publicChain.Append(common.TimeoutHandler(siteVerifyTimeout)).Then(
		http.MaxBytesHandler(http.HandlerFunc(t.siteVerifyHandler), maxSiteVerifyBodyBytes))
	router.Handle(http.MethodPost+" /siteverify", siteVerifyChain)
	router.Handle(http.MethodGet+" /siteverify", siteVerifyChain)

	router.Handle(http.MethodGet+" /healthz", common.Recovered(http.HandlerFunc(t.healthzHandler)))

	t.Metrics.Setup(router)
}

// clientIP resolves the request's client IP behind whatever proxy header
// this deployment trusts.
func (t *Transport) clientIP(r *http.Request) string {
	return ipblock.GetClientIP(r, t.Engine.TrustedIPHeader)
}

// requestDomain resolves the server-observed origin for domain-match
// checks: Origin when present (browser requests), falling back to the Host
// header (server-to-server siteverify calls carry no Origin). Both are
// stripped of scheme and port before normalisation.
func requestDomain(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return ipblock.NormalizeDomain(stripPort(stripScheme(origin)))
	}
	return ipblock.NormalizeDomain(stripPort(r.Host))
}

func stripScheme(origin string) string {
	if _, rest, ok := strings.Cut(origin, "://"); ok {
		return rest
	}
	return origin
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// healthzHandler reports liveness: the server ephemeral key pair must be
// obtainable (generating a fresh one on first call) before the process is
// considered able to serve handshakes.
func (t *Transport) healthzHandler(w http.ResponseWriter, r *http.Request) {
	common.WriteHeaders(w, common.NoCacheHeaders)

	if _, err := t.Engine.Sessions.CurrentServerKeyPair(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
