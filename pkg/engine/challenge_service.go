package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/xid"

	"github.com/veriproof/engine/pkg/apikey"
	"github.com/veriproof/engine/pkg/challenge"
	"github.com/veriproof/engine/pkg/common"
	"github.com/veriproof/engine/pkg/cryptoengine"
	"github.com/veriproof/engine/pkg/ipblock"
	"github.com/veriproof/engine/pkg/puzzletype"
	"github.com/veriproof/engine/pkg/risk"
	"github.com/veriproof/engine/pkg/session"
	"github.com/veriproof/engine/pkg/signedenvelope"
)

// ProtocolEncryptedV1 is the only non-legacy value ChallengeRequest.Protocol
// accepts. Its presence commits the request to the encrypted path: a
// session must already exist, and both encryptedClientData and requestNonce
// must be present.
const ProtocolEncryptedV1 = "encrypted-v1"

// ChallengeRequest is the wire shape of POST /challenge, after the outer
// base64 transport wrapper has been removed.
type ChallengeRequest struct {
	APIPublicIdent      string            `json:"publicKey"`
	Type                apikey.PuzzleType `json:"type,omitempty"`
	IsRefresh           bool              `json:"isRefresh"`
	Protocol            string            `json:"protocol,omitempty"`
	EncryptedClientData string            `json:"encryptedClientData,omitempty"` // base64 AES-GCM sealed
	RequestNonce        string            `json:"requestNonce,omitempty"`
	DeviceFingerprintID string            `json:"deviceFingerprintId"`

	// Legacy plaintext path, read only when Protocol is not encrypted-v1.
	ClientDetections ClientDetectionsWire    `json:"clientDetections,omitempty"`
	Telemetry        BehavioralTelemetryWire `json:"telemetry,omitempty"`
	Fingerprint      AdvancedFingerprintWire `json:"fingerprint,omitempty"`
}

// PlaintextSecurityConfig is the minimal, non-sensitive security config
// shared with a client that never established a session.
type PlaintextSecurityConfig struct {
	Difficulty int `json:"difficulty"`
}

// ChallengeResponse is the wire shape of a successful POST /challenge.
type ChallengeResponse struct {
	Token                   string                   `json:"token"`
	Type                    apikey.PuzzleType        `json:"type"`
	ExpiresAt               int64                    `json:"expiresAt"`
	Protocol                string                   `json:"protocol"`
	Encrypted               string                   `json:"encrypted,omitempty"`
	EncryptedSecurityConfig string                   `json:"encryptedSecurityConfig,omitempty"`
	Challenge               json.RawMessage          `json:"challenge,omitempty"`
	SecurityConfig          *PlaintextSecurityConfig `json:"securityConfig,omitempty"`
}

// IssueChallenge implements the /challenge protocol: it validates the
// caller, decrypts (or reads plaintext) client telemetry, runs the
// blocking/risk gates, builds a puzzle and its proof-of-work parameters at
// an effective difficulty, persists the Challenge record, and returns the
// client-visible payload in whichever protocol the caller's session state
// permits.
func (e *Engine) IssueChallenge(ctx context.Context, req ChallengeRequest, clientIP, domain, userAgent string) (*ChallengeResponse, error) {
	if blocked, _, expiresAt := e.Blocker.IsBlocked(clientIP); blocked {
		return nil, rateLimited("ip blocked", time.Until(expiresAt))
	}

	key, err := e.ApiKeys.GetByPublicIdent(ctx, req.APIPublicIdent)
	if err != nil {
		if errors.Is(err, apikey.ErrNotFound) {
			return nil, authFailure("unknown api key")
		}
		return nil, internal(err)
	}

	sess, hasSession := e.Sessions.GetSession(ctx, req.APIPublicIdent, clientIP, req.DeviceFingerprintID)

	if req.Protocol == ProtocolEncryptedV1 {
		if req.EncryptedClientData == "" || req.RequestNonce == "" {
			return nil, invalidRequest("encrypted protocol requires encryptedClientData and requestNonce")
		}
		if !hasSession {
			return nil, sessionMissing("session expired")
		}
	} else if hasSession {
		return nil, invalidRequest("a live session requires the encrypted protocol")
	}

	meta, err := e.decryptChallengeMetadata(req, sess)
	if err != nil {
		return nil, err
	}

	if req.IsRefresh {
		e.Blocker.RecordRefresh(ctx, clientIP)
	}

	country := e.Geo.Country(ctx, clientIP)
	if blocked, reason := ipblock.CheckSecurityBlocking(clientIP, country, key.Settings.BlockedIPs, key.Settings.BlockedCountries); blocked {
		e.Blocker.RecordFailure(ctx, clientIP)
		return nil, forbidden(reason)
	}

	result := e.Risk.Assess(riskInput(userAgent, e.Blocker.FailureCount(clientIP), 0, meta))
	if result.Level == risk.LevelCritical || result.IsBot {
		e.Blocker.RecordFailure(ctx, clientIP)
		return nil, forbidden("automated traffic detected")
	}

	if !ipblock.DomainMatches(domain, key.AllowedDomain) {
		return nil, forbidden("domain not allowed for this api key")
	}

	puzzleType, err := e.selectPuzzleType(req.Type, key.Settings.EnabledPuzzleTypes)
	if err != nil {
		return nil, invalidRequest(err.Error())
	}

	difficulty := key.Settings.Difficulty
	if key.Settings.RiskAdaptiveDifficulty {
		difficulty = risk.AdaptiveDifficulty(key.Settings.Difficulty, result.Score)
	}

	challengeID := xid.New().String()
	ctx = common.ChallengeContext(ctx, challengeID)

	generator, err := e.Puzzles.Get(toPuzzleType(puzzleType))
	if err != nil {
		return nil, internal(err)
	}

	clientPayload, serverAnswer, err := generator.Generate(ctx, puzzletype.GenerationContext{ChallengeID: challengeID, Difficulty: difficulty})
	if err != nil {
		return nil, internal(err)
	}

	pow, err := e.PoW.BuildPoW(difficulty)
	if err != nil {
		return nil, internal(err)
	}

	now := time.Now()
	timestamp := now.UnixMilli()
	nonce, err := cryptoengine.RandomString(16)
	if err != nil {
		return nil, internal(err)
	}

	deviceFingerprintHash := cryptoengine.Sha256Hex([]byte(req.DeviceFingerprintID))

	var sessionFingerprintHash string
	if hasSession && key.Settings.SessionBinding {
		sessionFingerprintHash = cryptoengine.Sha256Hex([]byte(sess.DeviceFingerprintID))
	}

	sigCtx := challenge.SignatureContext{
		ChallengeHash:         pow.ChallengeHash,
		Salt:                  pow.Salt,
		MaxNumber:             pow.MaxNumber,
		Timestamp:             timestamp,
		Nonce:                 nonce,
		APIPublicIdent:        req.APIPublicIdent,
		DeviceFingerprintHash: deviceFingerprintHash,
	}
	signature := e.PoW.Sign(sigCtx)

	tokenPayload := challenge.TokenPayload{
		ChallengeID:    challengeID,
		Type:           toPuzzleType(puzzleType),
		APIKeyIDHash:   e.IDHasher.Encrypt(key.ID),
		Salt:           pow.Salt,
		MaxNumber:      pow.MaxNumber,
		Timestamp:      timestamp,
		Nonce:          nonce,
		APIPublicIdent: req.APIPublicIdent,
	}

	token, err := signedenvelope.Seal(e.serverSecret, tokenPayload, key.Settings.ChallengeTimeout)
	if err != nil {
		return nil, internal(err)
	}

	record := &challenge.Challenge{
		ID:                     challengeID,
		Token:                  token,
		Type:                   toPuzzleType(puzzleType),
		Difficulty:             difficulty,
		Data:                   challenge.ChallengeData{PoW: pow, ServerAnswer: serverAnswer, ClientPayload: clientPayload},
		APIKeyID:               key.ID,
		ValidatedDomain:        domain,
		Signature:              signature,
		DeviceFingerprintHash:  deviceFingerprintHash,
		SessionFingerprintHash: sessionFingerprintHash,
		IsUsed:                 false,
		CreatedAt:              now,
		ExpiresAt:              now.Add(key.Settings.ChallengeTimeout),
	}
	if err := e.Challenges.Create(ctx, record); err != nil {
		return nil, internal(err)
	}

	resp := &ChallengeResponse{
		Token:     token,
		Type:      puzzleType,
		ExpiresAt: record.ExpiresAt.UnixMilli(),
	}

	if hasSession {
		resp.Protocol = ProtocolEncryptedV1

		encryptKey, err := cryptoengine.DeriveChildKey(sess.MasterKey, challengeID, cryptoengine.DirectionEncrypt)
		if err != nil {
			return nil, internal(err)
		}
		configKey, err := cryptoengine.DeriveChildKey(sess.MasterKey, challengeID, cryptoengine.DirectionConfig)
		if err != nil {
			return nil, internal(err)
		}

		encClient, err := cryptoengine.AesGcmEncrypt(encryptKey, clientPayload, []byte(token))
		if err != nil {
			return nil, internal(err)
		}

		securityConfigJSON, err := json.Marshal(PlaintextSecurityConfig{Difficulty: difficulty})
		if err != nil {
			return nil, internal(err)
		}
		encConfig, err := cryptoengine.AesGcmEncrypt(configKey, securityConfigJSON, []byte(token))
		if err != nil {
			return nil, internal(err)
		}

		resp.Encrypted = base64.StdEncoding.EncodeToString(encClient)
		resp.EncryptedSecurityConfig = base64.StdEncoding.EncodeToString(encConfig)
		return resp, nil
	}

	resp.Protocol = "plaintext"
	resp.Challenge = clientPayload
	resp.SecurityConfig = &PlaintextSecurityConfig{Difficulty: difficulty}
	return resp, nil
}

// decryptChallengeMetadata resolves the caller's reported client metadata,
// either by AEAD-decrypting it under a metadata-direction sub-key derived
// from the session's master key (requestNonce stands in for the
// not-yet-issued challengeId, since DeriveChildKey only ever hashes
// whatever id string it is given) or, on the legacy path, by reading the
// plaintext fields directly off the request.
func (e *Engine) decryptChallengeMetadata(req ChallengeRequest, sess *session.SessionKey) (ClientMetadata, error) {
	if req.Protocol != ProtocolEncryptedV1 {
		return ClientMetadata{
			Detections:  req.ClientDetections,
			Telemetry:   req.Telemetry,
			Fingerprint: req.Fingerprint,
		}, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(req.EncryptedClientData)
	if err != nil {
		return ClientMetadata{}, invalidRequest("encryptedClientData is not valid base64")
	}

	metadataKey, err := cryptoengine.DeriveChildKey(sess.MasterKey, req.RequestNonce, cryptoengine.DirectionMetadata)
	if err != nil {
		return ClientMetadata{}, internal(err)
	}

	plaintext, err := cryptoengine.AesGcmDecrypt(metadataKey, sealed, []byte(req.RequestNonce))
	if err != nil {
		return ClientMetadata{}, encryptionFailure(err)
	}

	var meta ClientMetadata
	if err := json.Unmarshal(plaintext, &meta); err != nil {
		return ClientMetadata{}, invalidRequest("decrypted client metadata is malformed")
	}
	return meta, nil
}

// selectPuzzleType honors an explicit, enabled request; otherwise it draws
// uniformly at random among the caller's enabled types.
func (e *Engine) selectPuzzleType(requested apikey.PuzzleType, enabled []apikey.PuzzleType) (apikey.PuzzleType, error) {
	if len(enabled) == 0 {
		return "", errors.New("api key has no enabled puzzle types")
	}

	if requested != "" {
		for _, t := range enabled {
			if t == requested {
				return requested, nil
			}
		}
		return "", errors.New("requested puzzle type is not enabled for this api key")
	}

	idx, err := cryptoengine.RandomIntBelow(len(enabled))
	if err != nil {
		return "", err
	}
	return enabled[idx], nil
}
