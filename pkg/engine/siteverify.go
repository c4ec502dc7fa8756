package engine

import (
	"context"
	"errors"
	"time"

	"github.com/veriproof/engine/pkg/apikey"
	"github.com/veriproof/engine/pkg/challenge"
	"github.com/veriproof/engine/pkg/ipblock"
	"github.com/veriproof/engine/pkg/signedenvelope"
)

// SiteVerifyRequest is the wire shape of POST or GET /siteverify, called by
// the relying website's own backend rather than the browser.
type SiteVerifyRequest struct {
	Secret   string `json:"secret"`
	Response string `json:"response"`
}

// SiteVerifyResponse mirrors the reCAPTCHA-compatible response shape: a
// success result carries ChallengeTS/Hostname, a failure carries
// ErrorCodes, never both.
type SiteVerifyResponse struct {
	Success     bool     `json:"success"`
	ChallengeTS string   `json:"challenge_ts,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	ErrorCodes  []string `json:"error-codes,omitempty"`
}

const (
	codeMissingInputSecret   = "missing-input-secret"
	codeMissingInputResponse = "missing-input-response"
	codeInvalidInputSecret   = "invalid-input-secret"
	codeInvalidInputResponse = "invalid-input-response"
	codeTimeoutOrDuplicate   = "timeout-or-duplicate"
)

func failed(code string) *SiteVerifyResponse {
	return &SiteVerifyResponse{Success: false, ErrorCodes: []string{code}}
}

// SiteVerify implements the backend-to-backend verification-token exchange.
// Unlike Verify and IssueChallenge it never returns an *ServiceError: every
// outcome, success or failure, is a 200 response whose body carries its own
// success flag and error codes, matching the reCAPTCHA-compatible contract
// relying backends expect. Session-binding and device-fingerprint checks
// are intentionally skipped here; this call never touches a browser.
func (e *Engine) SiteVerify(ctx context.Context, req SiteVerifyRequest) *SiteVerifyResponse {
	if req.Secret == "" {
		return failed(codeMissingInputSecret)
	}
	if req.Response == "" {
		return failed(codeMissingInputResponse)
	}

	key, err := e.ApiKeys.GetBySecret(ctx, req.Secret)
	if err != nil {
		if errors.Is(err, apikey.ErrNotFound) {
			return failed(codeInvalidInputSecret)
		}
		return failed(codeInvalidInputSecret)
	}

	var payload challenge.VerificationTokenPayload
	if err := signedenvelope.Open([]byte(key.Secret), req.Response, &payload, siteVerifyGrace); err != nil {
		return failed(codeInvalidInputResponse)
	}

	rec, err := e.Challenges.GetByID(ctx, payload.ChallengeID)
	if err != nil {
		return failed(codeInvalidInputResponse)
	}

	if rec.APIKeyID != key.ID {
		return failed(codeInvalidInputResponse)
	}

	normalizedTokenDomain := ipblock.NormalizeDomain(payload.Domain)
	if normalizedTokenDomain != ipblock.NormalizeDomain(rec.ValidatedDomain) {
		return failed(codeInvalidInputResponse)
	}
	if !ipblock.DomainMatches(normalizedTokenDomain, key.AllowedDomain) {
		return failed(codeInvalidInputResponse)
	}

	if time.Now().After(rec.ExpiresAt.Add(siteVerifyGrace)) {
		return failed(codeTimeoutOrDuplicate)
	}

	alreadySeen, err := e.SiteVerifyReplay.CheckAndMark(ctx, payload.ChallengeID+":"+payload.Nonce)
	if err != nil || alreadySeen {
		return failed(codeTimeoutOrDuplicate)
	}

	e.Challenges.MarkUsed(ctx, rec.ID)
	e.Challenges.MarkVerified(ctx, rec.ID)

	return &SiteVerifyResponse{
		Success:     true,
		ChallengeTS: rec.CreatedAt.UTC().Format(time.RFC3339),
		Hostname:    rec.ValidatedDomain,
	}
}
