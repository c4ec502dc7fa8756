package engine

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/veriproof/engine/pkg/apikey"
	"github.com/veriproof/engine/pkg/challenge"
	"github.com/veriproof/engine/pkg/cryptoengine"
)

// clientSession models what a legitimate widget holds after a handshake:
// its own ECDH pair plus the derived master key.
type clientSession struct {
	masterKey       []byte
	serverPublicKey []byte
	deviceID        string
}

func handshakeAsClient(t *testing.T, e *Engine, key *apikey.ApiKey, deviceID string) *clientSession {
	t.Helper()

	clientKP, err := cryptoengine.GenerateEcdhKeyPair()
	if err != nil {
		t.Fatalf("GenerateEcdhKeyPair: %v", err)
	}

	resp, err := e.Handshake(context.Background(), HandshakeRequest{
		PublicKey:           key.PublicIdent,
		ClientPublicKey:     base64.StdEncoding.EncodeToString(clientKP.Public),
		DeviceFingerprintID: deviceID,
	}, "203.0.113.1", "example.com")
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	serverPub, err := base64.StdEncoding.DecodeString(resp.ServerPublicKey)
	if err != nil {
		t.Fatalf("server public key is not base64: %v", err)
	}

	// The client's MITM check: recompute the transcript HMAC under the
	// ApiKey secret.
	transcript := append(append([]byte{}, serverPub...), clientKP.Public...)
	transcript = append(transcript, []byte(strconv.FormatInt(resp.Timestamp, 10))...)
	wantSig := cryptoengine.HmacSha256([]byte(key.Secret), transcript)
	gotSig, err := hex.DecodeString(resp.Signature)
	if err != nil {
		t.Fatalf("handshake signature is not hex: %v", err)
	}
	if !cryptoengine.ConstantTimeEqual(wantSig, gotSig) {
		t.Fatal("handshake transcript signature does not verify under the api key secret")
	}

	shared, err := cryptoengine.DeriveSharedSecret(clientKP.Private, serverPub)
	if err != nil {
		t.Fatalf("client-side ECDH: %v", err)
	}
	masterKey, err := cryptoengine.DeriveMasterKey(shared, serverPub, resp.Nonce)
	if err != nil {
		t.Fatalf("client-side master key derivation: %v", err)
	}

	return &clientSession{masterKey: masterKey, serverPublicKey: serverPub, deviceID: deviceID}
}

// challengeIDFromToken decodes the signed envelope's payload the same way a
// real client does; the token authenticates but does not hide its contents.
func challengeIDFromToken(t *testing.T, token string) string {
	t.Helper()

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("token is not a three-part envelope: %q", token)
	}
	envJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("token envelope is not base64: %v", err)
	}

	var env struct {
		Payload challenge.TokenPayload `json:"payload"`
	}
	if err := json.Unmarshal(envJSON, &env); err != nil {
		t.Fatalf("token envelope is not JSON: %v", err)
	}
	return env.Payload.ChallengeID
}

func sealAsClient(t *testing.T, cs *clientSession, id string, direction cryptoengine.Direction, plaintext, aad []byte) string {
	t.Helper()

	key, err := cryptoengine.DeriveChildKey(cs.masterKey, id, direction)
	if err != nil {
		t.Fatalf("DeriveChildKey(%s): %v", direction, err)
	}
	sealed, err := cryptoengine.AesGcmEncrypt(key, plaintext, aad)
	if err != nil {
		t.Fatalf("AesGcmEncrypt(%s): %v", direction, err)
	}
	return base64.StdEncoding.EncodeToString(sealed)
}

func openAsClient(t *testing.T, cs *clientSession, id string, direction cryptoengine.Direction, field, aad string) []byte {
	t.Helper()

	key, err := cryptoengine.DeriveChildKey(cs.masterKey, id, direction)
	if err != nil {
		t.Fatalf("DeriveChildKey(%s): %v", direction, err)
	}
	sealed, err := base64.StdEncoding.DecodeString(field)
	if err != nil {
		t.Fatalf("sealed field is not base64: %v", err)
	}
	plaintext, err := cryptoengine.AesGcmDecrypt(key, sealed, []byte(aad))
	if err != nil {
		t.Fatalf("AesGcmDecrypt(%s): %v", direction, err)
	}
	return plaintext
}

func humanMetadataJSON(t *testing.T) []byte {
	t.Helper()

	meta := ClientMetadata{
		Detections: ClientDetectionsWire{PluginCount: 4, LanguageCount: 2},
		Telemetry:  BehavioralTelemetryWire{MouseMovements: 24, KeyboardEvents: 6, SubmissionTimeMs: 4200, ChallengeElapsedMs: 5100},
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	return raw
}

// The full encrypted protocol: handshake, encrypted issuance, client-side
// payload decryption, encrypted solution submission, verification token,
// site-verify.
func TestEncryptedProtocolFlowEndToEnd(t *testing.T) {
	key := testApiKey()
	e := newTestEngine(t, key)
	ctx := context.Background()

	cs := handshakeAsClient(t, e, key, "device-enc")

	const requestNonce = "req-nonce-1"
	challengeResp, err := e.IssueChallenge(ctx, ChallengeRequest{
		APIPublicIdent:      key.PublicIdent,
		Type:                apikey.PuzzleTypeCheckbox,
		Protocol:            ProtocolEncryptedV1,
		EncryptedClientData: sealAsClient(t, cs, requestNonce, cryptoengine.DirectionMetadata, humanMetadataJSON(t), []byte(requestNonce)),
		RequestNonce:        requestNonce,
		DeviceFingerprintID: cs.deviceID,
	}, "203.0.113.1", "example.com", testUserAgent)
	if err != nil {
		t.Fatalf("IssueChallenge (encrypted): %v", err)
	}

	if challengeResp.Protocol != ProtocolEncryptedV1 {
		t.Fatalf("expected encrypted protocol, got %q", challengeResp.Protocol)
	}
	if challengeResp.Encrypted == "" || challengeResp.EncryptedSecurityConfig == "" {
		t.Fatal("both payload and security config must travel encrypted for a session-bound caller")
	}
	if len(challengeResp.Challenge) != 0 || challengeResp.SecurityConfig != nil {
		t.Fatal("plaintext fields must stay empty on the encrypted path")
	}

	challengeID := challengeIDFromToken(t, challengeResp.Token)

	payload := openAsClient(t, cs, challengeID, cryptoengine.DirectionEncrypt, challengeResp.Encrypted, challengeResp.Token)
	if string(payload) != "{}" {
		t.Fatalf("unexpected checkbox client payload: %s", payload)
	}

	var cfg PlaintextSecurityConfig
	configJSON := openAsClient(t, cs, challengeID, cryptoengine.DirectionConfig, challengeResp.EncryptedSecurityConfig, challengeResp.Token)
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		t.Fatalf("decrypted security config is not JSON: %v", err)
	}
	if cfg.Difficulty != key.Settings.Difficulty {
		t.Fatalf("expected difficulty %d in the config, got %d", key.Settings.Difficulty, cfg.Difficulty)
	}

	n := solveChallenge(t, e, challengeResp.Token)
	solutionJSON, err := json.Marshal(SolutionPayload{PuzzleAnswer: json.RawMessage(`{"checked":true}`), PowNumber: n})
	if err != nil {
		t.Fatalf("marshal solution: %v", err)
	}

	verifyResp, err := e.Verify(ctx, VerifyRequest{
		Token:               challengeResp.Token,
		PublicIdent:         key.PublicIdent,
		Encrypted:           sealAsClient(t, cs, challengeID, cryptoengine.DirectionDecrypt, solutionJSON, []byte(challengeResp.Token)),
		EncryptedMetadata:   sealAsClient(t, cs, challengeID, cryptoengine.DirectionMetadata, humanMetadataJSON(t), []byte(challengeResp.Token)),
		DeviceFingerprintID: cs.deviceID,
	}, "203.0.113.1", "example.com", testUserAgent)
	if err != nil {
		t.Fatalf("Verify (encrypted): %v", err)
	}
	if !verifyResp.Success || verifyResp.VerificationToken == "" {
		t.Fatalf("expected a successful encrypted verify, got %+v", verifyResp)
	}

	siteResp := e.SiteVerify(ctx, SiteVerifyRequest{Secret: key.Secret, Response: verifyResp.VerificationToken})
	if !siteResp.Success {
		t.Fatalf("expected site-verify success, got %v", siteResp.ErrorCodes)
	}
}

func TestVerifyRefusesPlaintextDowngradeWithPublicIdent(t *testing.T) {
	key := testApiKey()
	e := newTestEngine(t, key)

	challengeResp := issuePlaintextChallenge(t, e)
	n := solveChallenge(t, e, challengeResp.Token)
	solution, _ := json.Marshal(map[string]bool{"checked": true})

	_, err := e.Verify(context.Background(), VerifyRequest{
		Token:               challengeResp.Token,
		PublicIdent:         key.PublicIdent, // commits to encryption, then omits it
		Solution:            solution,
		PowNumber:           n,
		DeviceFingerprintID: "device-1",
	}, "203.0.113.1", "example.com", testUserAgent)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for a plaintext downgrade, got %v", err)
	}
}

func TestHandshakeRejectsInvalidClientPublicKey(t *testing.T) {
	key := testApiKey()
	e := newTestEngine(t, key)
	ctx := context.Background()

	short := make([]byte, 64)
	offCurve := make([]byte, 65)
	offCurve[0] = 0x04
	for i := 1; i < len(offCurve); i++ {
		offCurve[i] = byte(i)
	}

	for name, raw := range map[string][]byte{"short": short, "offCurve": offCurve} {
		_, err := e.Handshake(ctx, HandshakeRequest{
			PublicKey:           key.PublicIdent,
			ClientPublicKey:     base64.StdEncoding.EncodeToString(raw),
			DeviceFingerprintID: "device-bad",
		}, "203.0.113.1", "example.com")
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s key: expected ErrInvalidRequest, got %v", name, err)
		}
	}

	if _, ok := e.Sessions.GetSession(ctx, key.PublicIdent, "203.0.113.1", "device-bad"); ok {
		t.Fatal("no session may be created for a rejected public key")
	}
}

func TestChallengeRejectsEncryptedProtocolWithoutCiphertext(t *testing.T) {
	key := testApiKey()
	e := newTestEngine(t, key)

	cs := handshakeAsClient(t, e, key, "device-dg")

	_, err := e.IssueChallenge(context.Background(), ChallengeRequest{
		APIPublicIdent:      key.PublicIdent,
		Type:                apikey.PuzzleTypeCheckbox,
		Protocol:            ProtocolEncryptedV1, // but no encryptedClientData/requestNonce
		DeviceFingerprintID: cs.deviceID,
	}, "203.0.113.1", "example.com", testUserAgent)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for a downgrade attempt, got %v", err)
	}

	if e.Challenges.Len() != 0 {
		t.Fatal("no challenge may be created for a rejected downgrade attempt")
	}
}

func TestCriticalRiskBlocksAndEventuallyRateLimits(t *testing.T) {
	key := testApiKey()
	e := newTestEngine(t, key)
	ctx := context.Background()

	automated := ChallengeRequest{
		APIPublicIdent:      key.PublicIdent,
		Type:                apikey.PuzzleTypeCheckbox,
		DeviceFingerprintID: "device-bot",
		ClientDetections:    ClientDetectionsWire{WebdriverPresent: true},
	}

	for i := range 3 {
		_, err := e.IssueChallenge(ctx, automated, "203.0.113.66", "example.com", testUserAgent)
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("attempt %d: expected ErrForbidden for webdriver traffic, got %v", i+1, err)
		}
	}

	_, err := e.IssueChallenge(ctx, automated, "203.0.113.66", "example.com", testUserAgent)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited once the failure threshold blocked the IP, got %v", err)
	}
	if RetryAfter(err) <= 0 {
		t.Fatal("a rate-limited rejection must carry the remaining block time")
	}
}
