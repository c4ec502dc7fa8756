package engine

import (
	"time"

	"github.com/veriproof/engine/pkg/apikey"
	"github.com/veriproof/engine/pkg/challenge"
	"github.com/veriproof/engine/pkg/common"
	"github.com/veriproof/engine/pkg/geo"
	"github.com/veriproof/engine/pkg/ipblock"
	"github.com/veriproof/engine/pkg/puzzletype"
	"github.com/veriproof/engine/pkg/ratelimit"
	"github.com/veriproof/engine/pkg/risk"
	"github.com/veriproof/engine/pkg/session"
)

const (
	// handshakeRateLimitPerMinute bounds how many handshakes a single
	// ApiKey may start per minute, independent of the per-IP HTTP rate
	// limiter in pkg/ratelimit, which only sees the transport layer.
	handshakeRateLimitPerMinute = 100
	handshakeRateLimitMaxKeys   = 100_000

	// tokenGrace and siteVerifyGrace absorb clock skew between issuance
	// and verification, mirroring signedenvelope.Open's grace parameter.
	tokenGrace      = 5 * time.Second
	siteVerifyGrace = 5 * time.Second
)

// Engine bundles every collaborator the four protocol services share. It
// holds no per-request state; callers construct one Engine at startup and
// call its service methods per request.
type Engine struct {
	ApiKeys    apikey.Store
	Sessions   *session.Cache
	Challenges challenge.Store
	PoW        *challenge.Engine
	Risk       *risk.Engine
	Blocker    *ipblock.Blocker
	Puzzles    *puzzletype.Registry
	IDHasher   common.IdentifierHasher
	Geo        geo.Lookup

	// Events, when non-nil, receives every verification outcome for
	// analytics. Left nil, outcomes are simply not recorded.
	Events *EventRecorder

	// SiteVerifyReplay tracks verification tokens redeemed at site-verify:
	// each is redeemed exactly once there, a single-use budget separate from
	// the challenge token's own single-use guard (Challenges.MarkUsed in
	// Verify).
	SiteVerifyReplay *challenge.ReplaySet

	// serverSecret signs the challenge token envelope. It is the same
	// process-wide SESSION_SECRET that challenge.Engine uses for the PoW
	// signature; the verification token is signed separately, with the
	// caller's own ApiKey.Secret.
	serverSecret []byte

	handshakeLimiter *ratelimit.Buckets[int]

	TrustedIPHeader string
}

// New builds an Engine from its collaborators, filling in the internal
// per-API-key handshake rate limiter.
func New(apiKeys apikey.Store, sessions *session.Cache, challenges challenge.Store, pow *challenge.Engine,
	riskEngine *risk.Engine, blocker *ipblock.Blocker, puzzles *puzzletype.Registry,
	idHasher common.IdentifierHasher, geoLookup geo.Lookup, siteVerifyReplay *challenge.ReplaySet,
	serverSecret []byte, trustedIPHeader string) *Engine {

	leakInterval := time.Minute / handshakeRateLimitPerMinute
	limiter := ratelimit.NewBuckets[int](handshakeRateLimitMaxKeys, handshakeRateLimitPerMinute, leakInterval)

	return &Engine{
		ApiKeys:          apiKeys,
		Sessions:         sessions,
		Challenges:       challenges,
		PoW:              pow,
		Risk:             riskEngine,
		Blocker:          blocker,
		Puzzles:          puzzles,
		IDHasher:         idHasher,
		Geo:              geoLookup,
		SiteVerifyReplay: siteVerifyReplay,
		serverSecret:     serverSecret,
		handshakeLimiter: limiter,
		TrustedIPHeader:  trustedIPHeader,
	}
}

// HandshakeLimiterCleanupJob exposes the internal handshake rate limiter's
// bucket table for registration as a background sweep.
func (e *Engine) HandshakeLimiterCleanupJob() *ratelimit.CleanupJob[int] {
	return &ratelimit.CleanupJob[int]{
		Buckets:     e.handshakeLimiter,
		JobName:     "handshake_ratelimit_sweep",
		JobInterval: time.Minute,
		MaxToDelete: 10_000,
	}
}

// toPuzzleType converts an ApiKey's persisted puzzle-type enum to the
// puzzletype package's own type. The two enums are kept distinct so
// pkg/apikey never needs to import pkg/puzzletype for its data model.
func toPuzzleType(t apikey.PuzzleType) puzzletype.PuzzleType {
	return puzzletype.PuzzleType(t)
}
