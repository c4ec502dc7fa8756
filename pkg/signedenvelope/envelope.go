// Package signedenvelope implements the "header.payload.hmac" signed
// envelope used for both the challenge token and the verification token:
// an HMAC-SHA256 MAC over a JSON payload and an embedded expiry, with a
// constant-time compare on the MAC and no exception-based control flow —
// every failure is a typed sentinel error, never a panic.
package signedenvelope

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/veriproof/engine/pkg/cryptoengine"
)

const version = "v1"

var (
	ErrMalformedToken = errors.New("signedenvelope: malformed token")
	ErrBadSignature   = errors.New("signedenvelope: signature mismatch")
	ErrExpired        = errors.New("signedenvelope: token expired")
)

type envelope struct {
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt int64           `json:"exp"`
}

// Seal marshals payload, embeds an absolute expiry, and signs the result
// with key. The returned token is safe to place in a URL or JSON string.
func Seal(key []byte, payload any, ttl time.Duration) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	env := envelope{Payload: payloadJSON, ExpiresAt: time.Now().UTC().Add(ttl).Unix()}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return "", err
	}

	envB64 := base64.RawURLEncoding.EncodeToString(envJSON)
	sig := cryptoengine.HmacSha256(key, []byte(version+"."+envB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(sig)

	return version + "." + envB64 + "." + sigB64, nil
}

// Open verifies the signature and expiry of token and decodes its payload
// into out. A grace window extends the nominal expiry to tolerate clock
// skew between issuance and verification.
func Open(key []byte, token string, out any, grace time.Duration) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != version {
		return ErrMalformedToken
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return ErrMalformedToken
	}

	expectedSig := cryptoengine.HmacSha256(key, []byte(parts[0]+"."+parts[1]))
	if subtle.ConstantTimeCompare(sig, expectedSig) != 1 {
		return ErrBadSignature
	}

	envJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ErrMalformedToken
	}

	var env envelope
	if err := json.Unmarshal(envJSON, &env); err != nil {
		return ErrMalformedToken
	}

	if time.Now().UTC().After(time.Unix(env.ExpiresAt, 0).UTC().Add(grace)) {
		return ErrExpired
	}

	if err := json.Unmarshal(env.Payload, out); err != nil {
		return ErrMalformedToken
	}

	return nil
}
