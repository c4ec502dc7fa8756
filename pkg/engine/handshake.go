package engine

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/veriproof/engine/pkg/apikey"
	"github.com/veriproof/engine/pkg/cryptoengine"
	"github.com/veriproof/engine/pkg/ipblock"
	"github.com/veriproof/engine/pkg/session"
)

// HandshakeRequest is the wire shape of POST /handshake.
type HandshakeRequest struct {
	PublicKey           string `json:"publicKey"`
	ClientPublicKey     string `json:"clientPublicKey"` // base64 uncompressed P-256 point
	DeviceFingerprintID string `json:"deviceFingerprintId"`
}

// HandshakeResponse is the wire shape of a successful handshake.
type HandshakeResponse struct {
	ServerPublicKey string `json:"serverPublicKey"` // base64
	Nonce           string `json:"nonce"`
	Timestamp       int64  `json:"timestamp"`
	ExpiresIn       int    `json:"expiresIn"` // seconds
	Signature       string `json:"signature"` // hex HMAC
}

// Handshake resolves and rate-limits the caller's ApiKey, validates the
// client's public key, derives the shared master key via ECDH, and stores
// the resulting SessionKey for later challenge issuance and verification.
// The response's signature is an HMAC over the transcript
// (serverPublicKey || clientPublicKey || timestamp) keyed by the ApiKey's
// secret, letting the client detect a man-in-the-middle substituting the
// server's ephemeral key.
func (e *Engine) Handshake(ctx context.Context, req HandshakeRequest, clientIP, domain string) (*HandshakeResponse, error) {
	key, err := e.ApiKeys.GetByPublicIdent(ctx, req.PublicKey)
	if err != nil {
		if errors.Is(err, apikey.ErrNotFound) {
			return nil, authFailure("unknown api key")
		}
		return nil, internal(err)
	}

	decision := e.handshakeLimiter.Admit(key.ID, time.Now())
	if !decision.Allowed {
		return nil, rateLimited("handshake rate limit exceeded", decision.RetryAfter)
	}

	if !ipblock.DomainMatches(domain, key.AllowedDomain) {
		return nil, forbidden("domain not allowed for this api key")
	}

	clientPub, err := base64.StdEncoding.DecodeString(req.ClientPublicKey)
	if err != nil {
		return nil, invalidRequest("client public key is not valid base64")
	}
	if err := cryptoengine.ValidateClientPublicKey(clientPub); err != nil {
		return nil, invalidRequest("client public key failed curve validation: " + err.Error())
	}

	serverKeyPair, err := e.Sessions.CurrentServerKeyPair(ctx)
	if err != nil {
		return nil, internal(err)
	}

	sharedSecret, err := cryptoengine.DeriveSharedSecret(serverKeyPair.KeyPair.Private, clientPub)
	if err != nil {
		return nil, invalidRequest("ecdh key agreement failed: " + err.Error())
	}

	nonce, err := cryptoengine.RandomString(16)
	if err != nil {
		return nil, internal(err)
	}

	masterKey, err := cryptoengine.DeriveMasterKey(sharedSecret, serverKeyPair.KeyPair.Public, nonce)
	if err != nil {
		return nil, internal(err)
	}

	now := time.Now()
	timestamp := now.UnixMilli()

	sess := &session.SessionKey{
		MasterKey:           masterKey,
		ServerPublicKey:     serverKeyPair.KeyPair.Public,
		ClientPublicKey:     clientPub,
		ServerNonce:         nonce,
		APIPublicIdent:      req.PublicKey,
		ClientIP:            clientIP,
		DeviceFingerprintID: req.DeviceFingerprintID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(session.DefaultSessionTTL),
	}
	e.Sessions.StoreSession(ctx, sess)

	sigData := append(append([]byte{}, serverKeyPair.KeyPair.Public...), clientPub...)
	sigData = append(sigData, []byte(strconv.FormatInt(timestamp, 10))...)
	signature := cryptoengine.HmacSha256([]byte(key.Secret), sigData)

	return &HandshakeResponse{
		ServerPublicKey: base64.StdEncoding.EncodeToString(serverKeyPair.KeyPair.Public),
		Nonce:           nonce,
		Timestamp:       timestamp,
		ExpiresIn:       int(session.DefaultSessionTTL.Seconds()),
		Signature:       hex.EncodeToString(signature),
	}, nil
}
