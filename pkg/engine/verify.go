package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/veriproof/engine/pkg/challenge"
	"github.com/veriproof/engine/pkg/common"
	"github.com/veriproof/engine/pkg/cryptoengine"
	"github.com/veriproof/engine/pkg/ipblock"
	"github.com/veriproof/engine/pkg/risk"
	"github.com/veriproof/engine/pkg/signedenvelope"
)

// VerifyRequest is the wire shape of POST /verify. Presence of PublicIdent
// commits the request to the encrypted path: Encrypted and
// EncryptedMetadata must both be present, and downgrade to the legacy
// plaintext fields is refused.
type VerifyRequest struct {
	Token               string `json:"token"`
	PublicIdent         string `json:"publicKey,omitempty"`
	Encrypted           string `json:"encrypted,omitempty"`         // base64 AES-GCM sealed SolutionPayload
	EncryptedMetadata   string `json:"encryptedMetadata,omitempty"` // base64 AES-GCM sealed ClientMetadata
	DeviceFingerprintID string `json:"deviceFingerprintId,omitempty"`

	// Legacy plaintext path.
	Solution         json.RawMessage         `json:"solution,omitempty"`
	PowNumber        int                     `json:"n,omitempty"`
	ClientDetections ClientDetectionsWire    `json:"clientDetections,omitempty"`
	Telemetry        BehavioralTelemetryWire `json:"telemetry,omitempty"`
	Fingerprint      AdvancedFingerprintWire `json:"fingerprint,omitempty"`
}

// SolutionPayload bundles the puzzle-specific answer and the PoW secret
// number into the one blob that travels as VerifyRequest.Encrypted.
type SolutionPayload struct {
	PuzzleAnswer json.RawMessage `json:"answer"`
	PowNumber    int             `json:"n"`
}

// VerifyResponse is the wire shape of every POST /verify response. Message
// is only ever the generic "Verification failed" externalisation for any
// failure at or past the signature check; it is never populated with a
// specific reason.
type VerifyResponse struct {
	Success           bool   `json:"success"`
	VerificationToken string `json:"verificationToken,omitempty"`
	Message           string `json:"message,omitempty"`
}

// Verify implements the /verify protocol end to end: it opens the
// challenge token, checks the observed domain before any API-key lookup,
// re-derives and compares the issuance signature, enforces single-use and
// expiry, decrypts the submitted solution, and dispatches it to the
// puzzle-specific validator and the proof-of-work check. Every rejection
// from the signature check onward (server-side internal errors aside)
// collapses to the same ErrReplayOrExpired classification so the response
// never reveals which check failed.
func (e *Engine) Verify(ctx context.Context, req VerifyRequest, clientIP, domain, userAgent string) (*VerifyResponse, error) {
	if req.PublicIdent != "" && (req.Encrypted == "" || req.EncryptedMetadata == "") {
		return nil, invalidRequest("encrypted publicIdent path requires both encrypted and encryptedMetadata")
	}

	var payload challenge.TokenPayload
	if err := signedenvelope.Open(e.serverSecret, req.Token, &payload, tokenGrace); err != nil {
		return nil, replayOrExpired("token open failed")
	}

	ctx = common.ChallengeContext(ctx, payload.ChallengeID)

	rec, err := e.Challenges.GetByToken(ctx, req.Token)
	if err != nil {
		return nil, replayOrExpired("challenge not found")
	}

	if !ipblock.DomainMatches(domain, rec.ValidatedDomain) {
		e.Blocker.RecordFailure(ctx, clientIP)
		return nil, forbidden("domain mismatch")
	}

	key, err := e.ApiKeys.GetByID(ctx, rec.APIKeyID)
	if err != nil {
		return nil, authFailure("unknown api key")
	}

	if decodedKeyID, err := e.IDHasher.Decrypt(payload.APIKeyIDHash); err != nil || decodedKeyID != key.ID {
		return nil, internal(errors.New("apiKeyId hash does not match challenge record"))
	}

	country := e.Geo.Country(ctx, clientIP)
	if blocked, reason := ipblock.CheckSecurityBlocking(clientIP, country, key.Settings.BlockedIPs, key.Settings.BlockedCountries); blocked {
		e.Blocker.RecordFailure(ctx, clientIP)
		return nil, forbidden(reason)
	}

	coarse := e.Risk.Assess(riskInput(userAgent, e.Blocker.FailureCount(clientIP), 0, ClientMetadata{}))
	if coarse.Level == risk.LevelCritical || coarse.IsBot {
		e.Blocker.RecordFailure(ctx, clientIP)
		return nil, forbidden("automated traffic detected")
	}

	sigCtx := rec.SignatureContext(payload.Timestamp, payload.Nonce, payload.APIPublicIdent, rec.DeviceFingerprintHash)
	if !e.PoW.VerifySignature(sigCtx, rec.Signature) {
		return nil, replayOrExpired("signature mismatch")
	}

	if key.Settings.SessionBinding && rec.SessionFingerprintHash != "" {
		sess, ok := e.Sessions.GetSession(ctx, payload.APIPublicIdent, clientIP, req.DeviceFingerprintID)
		if !ok {
			return nil, replayOrExpired("session missing")
		}
		currentFingerprint := cryptoengine.Sha256Hex([]byte(sess.DeviceFingerprintID))
		if !cryptoengine.ConstantTimeEqual([]byte(currentFingerprint), []byte(rec.SessionFingerprintHash)) {
			return nil, replayOrExpired("session binding mismatch")
		}
	}

	// Expiry before the used transition: an expired challenge must never
	// observe isUsed flipping false -> true.
	if time.Now().After(rec.ExpiresAt.Add(tokenGrace)) {
		return nil, replayOrExpired("challenge expired")
	}

	wasUsed, err := e.Challenges.MarkUsed(ctx, rec.ID)
	if err != nil {
		return nil, internal(err)
	}
	if !wasUsed {
		return nil, replayOrExpired("challenge already used")
	}

	solution, meta, err := e.decryptVerifySolution(ctx, req, rec, payload, clientIP)
	if err != nil {
		e.recordVerification(ctx, rec, country, false)
		return nil, replayOrExpired("solution decrypt failed: " + err.Error())
	}

	// Second, telemetry-informed risk pass: the coarse check above only saw
	// headers and IP history; the decrypted behavioural payload can still
	// reveal a honeypot trigger or an automated environment.
	fine := e.Risk.Assess(riskInput(userAgent, e.Blocker.FailureCount(clientIP), 0, meta))
	if fine.IsBot && (key.Settings.BehavioralAnalysis || key.Settings.AutomationDetection) {
		e.Blocker.RecordFailure(ctx, clientIP)
		e.recordVerification(ctx, rec, country, false)
		return nil, replayOrExpired("verification failed")
	}

	generator, err := e.Puzzles.Get(rec.Type)
	if err != nil {
		return nil, internal(err)
	}

	answerOK, err := generator.Validate(rec.Data.ServerAnswer, solution.PuzzleAnswer)
	if err != nil {
		return nil, internal(err)
	}
	if !answerOK {
		e.recordVerification(ctx, rec, country, false)
		return nil, replayOrExpired("verification failed")
	}

	if !challenge.VerifySolution(rec.Data.PoW.Salt, rec.Data.PoW.ChallengeHash, solution.PowNumber) {
		e.recordVerification(ctx, rec, country, false)
		return nil, replayOrExpired("verification failed")
	}

	nonce, err := cryptoengine.RandomString(16)
	if err != nil {
		return nil, internal(err)
	}

	vtPayload := challenge.VerificationTokenPayload{
		ChallengeID: rec.ID,
		Domain:      domain,
		Timestamp:   time.Now().UnixMilli(),
		Nonce:       nonce,
		Fingerprint: rec.DeviceFingerprintHash,
	}

	verificationToken, err := signedenvelope.Seal([]byte(key.Secret), vtPayload, key.Settings.TokenExpiry)
	if err != nil {
		return nil, internal(err)
	}

	e.Challenges.MarkVerified(ctx, rec.ID)
	e.recordVerification(ctx, rec, country, true)

	return &VerifyResponse{Success: true, VerificationToken: verificationToken}, nil
}

// recordVerification hands the outcome to the analytics recorder, when one
// is attached. Solve time is measured from issuance to now; recording never
// blocks the verification path.
func (e *Engine) recordVerification(ctx context.Context, rec *challenge.Challenge, country string, success bool) {
	if e.Events == nil {
		return
	}
	e.Events.Record(ctx, VerificationEvent{
		ChallengeID: rec.ID,
		APIKeyID:    rec.APIKeyID,
		Success:     success,
		Country:     country,
		SolveTime:   time.Since(rec.CreatedAt),
	})
}

// decryptVerifySolution resolves the submitted solution and client metadata
// from either the encrypted path (session-bound, per-challenge sub-keys in
// the solution and metadata directions, AAD = the challenge token) or the
// legacy plaintext fields.
func (e *Engine) decryptVerifySolution(ctx context.Context, req VerifyRequest, rec *challenge.Challenge, payload challenge.TokenPayload, clientIP string) (SolutionPayload, ClientMetadata, error) {
	if req.Encrypted == "" {
		meta := ClientMetadata{
			Detections:  req.ClientDetections,
			Telemetry:   req.Telemetry,
			Fingerprint: req.Fingerprint,
		}
		return SolutionPayload{PuzzleAnswer: req.Solution, PowNumber: req.PowNumber}, meta, nil
	}

	sess, ok := e.Sessions.GetSession(ctx, payload.APIPublicIdent, clientIP, req.DeviceFingerprintID)
	if !ok {
		return SolutionPayload{}, ClientMetadata{}, sessionMissing("session expired")
	}

	solutionJSON, err := e.openSealedField(sess.MasterKey, rec.ID, cryptoengine.DirectionDecrypt, req.Encrypted, req.Token)
	if err != nil {
		return SolutionPayload{}, ClientMetadata{}, err
	}

	var solution SolutionPayload
	if err := json.Unmarshal(solutionJSON, &solution); err != nil {
		return SolutionPayload{}, ClientMetadata{}, invalidRequest("decrypted solution is malformed")
	}

	metaJSON, err := e.openSealedField(sess.MasterKey, rec.ID, cryptoengine.DirectionMetadata, req.EncryptedMetadata, req.Token)
	if err != nil {
		return SolutionPayload{}, ClientMetadata{}, err
	}

	var meta ClientMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return SolutionPayload{}, ClientMetadata{}, invalidRequest("decrypted metadata is malformed")
	}

	return solution, meta, nil
}

// openSealedField derives the per-challenge sub-key for direction and opens
// one base64 AES-GCM field bound to the challenge token.
func (e *Engine) openSealedField(masterKey []byte, challengeID string, direction cryptoengine.Direction, field, token string) ([]byte, error) {
	key, err := cryptoengine.DeriveChildKey(masterKey, challengeID, direction)
	if err != nil {
		return nil, internal(err)
	}

	sealed, err := base64.StdEncoding.DecodeString(field)
	if err != nil {
		return nil, invalidRequest("sealed field is not valid base64")
	}

	plaintext, err := cryptoengine.AesGcmDecrypt(key, sealed, []byte(token))
	if err != nil {
		return nil, encryptionFailure(err)
	}

	return plaintext, nil
}
