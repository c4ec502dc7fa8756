package engine

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/veriproof/engine/pkg/apikey"
	"github.com/veriproof/engine/pkg/challenge"
	"github.com/veriproof/engine/pkg/common"
	"github.com/veriproof/engine/pkg/cryptoengine"
	"github.com/veriproof/engine/pkg/geo"
	"github.com/veriproof/engine/pkg/ipblock"
	"github.com/veriproof/engine/pkg/puzzletype"
	"github.com/veriproof/engine/pkg/risk"
	"github.com/veriproof/engine/pkg/session"
)

const (
	testSecret    = "test-server-secret-at-least-16-bytes"
	testUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15) AppleWebKit/605.1.15"
)

type constIDHasher struct{}

func (constIDHasher) Encrypt(id int) string { return base64.StdEncoding.EncodeToString([]byte{byte(id)}) }
func (constIDHasher) Decrypt(hash string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(hash)
	if err != nil || len(raw) != 1 {
		return 0, errors.New("bad hash")
	}
	return int(raw[0]), nil
}

var _ common.IdentifierHasher = constIDHasher{}

func newTestEngine(t *testing.T, key *apikey.ApiKey) *Engine {
	t.Helper()

	apiKeys := apikey.NewMemoryStore()
	apiKeys.Put(key)

	pow, err := challenge.NewEngine([]byte(testSecret))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	replay, err := challenge.NewReplaySet(1000)
	if err != nil {
		t.Fatalf("NewReplaySet: %v", err)
	}

	e := New(
		apiKeys,
		session.NewCache(0, 0),
		challenge.NewMemoryStore(),
		pow,
		risk.NewEngine(),
		ipblock.NewBlocker(),
		puzzletype.NewRegistry(puzzletype.CheckboxGenerator{}),
		constIDHasher{},
		geo.NoopLookup{},
		replay,
		[]byte(testSecret),
		"",
	)

	return e
}

func testApiKey() *apikey.ApiKey {
	settings := apikey.DefaultSecuritySettings()
	settings.Difficulty = 1
	settings.RiskAdaptiveDifficulty = false
	settings.SessionBinding = false
	settings.EnabledPuzzleTypes = []apikey.PuzzleType{apikey.PuzzleTypeCheckbox}

	return &apikey.ApiKey{
		ID:            1,
		PublicIdent:   "pk_test",
		Secret:        "sk_test",
		AllowedDomain: "example.com",
		IsActive:      true,
		Settings:      settings,
	}
}

func issuePlaintextChallenge(t *testing.T, e *Engine) *ChallengeResponse {
	t.Helper()

	resp, err := e.IssueChallenge(context.Background(), ChallengeRequest{
		APIPublicIdent:      "pk_test",
		Type:                apikey.PuzzleTypeCheckbox,
		DeviceFingerprintID: "device-1",
	}, "203.0.113.1", "example.com", testUserAgent)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	return resp
}

// solveChallenge reaches into the challenge store directly for the PoW
// secret number, mirroring what a legitimate client learns only by
// brute-forcing the hash: this is a white-box shortcut, not a capability
// the wire protocol itself grants.
func solveChallenge(t *testing.T, e *Engine, token string) int {
	t.Helper()

	rec, err := e.Challenges.GetByToken(context.Background(), token)
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	return rec.Data.PoW.SecretNumber
}

func TestFullProtocolFlowSucceeds(t *testing.T) {
	key := testApiKey()
	e := newTestEngine(t, key)

	challengeResp := issuePlaintextChallenge(t, e)
	if challengeResp.Protocol != "plaintext" {
		t.Fatalf("expected plaintext protocol for a sessionless caller, got %q", challengeResp.Protocol)
	}

	n := solveChallenge(t, e, challengeResp.Token)
	solution, _ := json.Marshal(map[string]bool{"checked": true})

	verifyResp, err := e.Verify(context.Background(), VerifyRequest{
		Token:               challengeResp.Token,
		DeviceFingerprintID: "device-1",
		Solution:            solution,
		PowNumber:           n,
	}, "203.0.113.1", "example.com", testUserAgent)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !verifyResp.Success {
		t.Fatal("expected verify success")
	}

	siteResp := e.SiteVerify(context.Background(), SiteVerifyRequest{
		Secret:   "sk_test",
		Response: verifyResp.VerificationToken,
	})
	if !siteResp.Success {
		t.Fatalf("expected site-verify success, got error codes %v", siteResp.ErrorCodes)
	}
	if siteResp.Hostname != "example.com" {
		t.Fatalf("expected hostname example.com, got %q", siteResp.Hostname)
	}
}

func TestVerifyRejectsReplayedToken(t *testing.T) {
	key := testApiKey()
	e := newTestEngine(t, key)

	challengeResp := issuePlaintextChallenge(t, e)
	n := solveChallenge(t, e, challengeResp.Token)
	solution, _ := json.Marshal(map[string]bool{"checked": true})

	req := VerifyRequest{
		Token:               challengeResp.Token,
		DeviceFingerprintID: "device-1",
		Solution:            solution,
		PowNumber:           n,
	}

	if _, err := e.Verify(context.Background(), req, "203.0.113.1", "example.com", testUserAgent); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	_, err := e.Verify(context.Background(), req, "203.0.113.1", "example.com", testUserAgent)
	if !errors.Is(err, ErrReplayOrExpired) {
		t.Fatalf("expected ErrReplayOrExpired on replay, got %v", err)
	}
}

func TestSiteVerifyRejectsReplayedResponse(t *testing.T) {
	key := testApiKey()
	e := newTestEngine(t, key)

	challengeResp := issuePlaintextChallenge(t, e)
	n := solveChallenge(t, e, challengeResp.Token)
	solution, _ := json.Marshal(map[string]bool{"checked": true})

	verifyResp, err := e.Verify(context.Background(), VerifyRequest{
		Token:               challengeResp.Token,
		DeviceFingerprintID: "device-1",
		Solution:            solution,
		PowNumber:           n,
	}, "203.0.113.1", "example.com", testUserAgent)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	first := e.SiteVerify(context.Background(), SiteVerifyRequest{Secret: "sk_test", Response: verifyResp.VerificationToken})
	if !first.Success {
		t.Fatalf("expected first site-verify to succeed, got %v", first.ErrorCodes)
	}

	second := e.SiteVerify(context.Background(), SiteVerifyRequest{Secret: "sk_test", Response: verifyResp.VerificationToken})
	if second.Success {
		t.Fatal("replayed site-verify response must not succeed twice")
	}
}

func TestVerifyRejectsDomainMismatch(t *testing.T) {
	key := testApiKey()
	key.AllowedDomain = "*"
	e := newTestEngine(t, key)

	challengeResp := issuePlaintextChallenge(t, e)
	n := solveChallenge(t, e, challengeResp.Token)
	solution, _ := json.Marshal(map[string]bool{"checked": true})

	_, err := e.Verify(context.Background(), VerifyRequest{
		Token:               challengeResp.Token,
		DeviceFingerprintID: "device-1",
		Solution:            solution,
		PowNumber:           n,
	}, "203.0.113.1", "not-example.com", testUserAgent)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on domain mismatch, got %v", err)
	}
}

func TestIssueChallengeRejectsUnknownApiKey(t *testing.T) {
	e := newTestEngine(t, testApiKey())

	_, err := e.IssueChallenge(context.Background(), ChallengeRequest{
		APIPublicIdent:      "does-not-exist",
		DeviceFingerprintID: "device-1",
	}, "203.0.113.1", "example.com", testUserAgent)
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure for unknown api key, got %v", err)
	}
}

func TestIssueChallengeRejectsDisallowedDomain(t *testing.T) {
	key := testApiKey()
	key.AllowedDomain = "only-this.example"
	e := newTestEngine(t, key)

	_, err := e.IssueChallenge(context.Background(), ChallengeRequest{
		APIPublicIdent:      "pk_test",
		DeviceFingerprintID: "device-1",
	}, "203.0.113.1", "example.com", testUserAgent)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for disallowed domain, got %v", err)
	}
}

func TestHandshakeProducesVerifiableSignature(t *testing.T) {
	key := testApiKey()
	e := newTestEngine(t, key)

	clientKP, err := cryptoengine.GenerateEcdhKeyPair()
	if err != nil {
		t.Fatalf("GenerateEcdhKeyPair: %v", err)
	}

	resp, err := e.Handshake(context.Background(), HandshakeRequest{
		PublicKey:           "pk_test",
		ClientPublicKey:     base64.StdEncoding.EncodeToString(clientKP.Public),
		DeviceFingerprintID: "device-1",
	}, "203.0.113.1", "example.com")
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if resp.ServerPublicKey == "" || resp.Signature == "" {
		t.Fatal("expected a populated handshake response")
	}

	serverPub, err := base64.StdEncoding.DecodeString(resp.ServerPublicKey)
	if err != nil {
		t.Fatalf("server public key is not base64: %v", err)
	}
	transcript := append(append([]byte{}, serverPub...), clientKP.Public...)
	transcript = append(transcript, []byte(strconv.FormatInt(resp.Timestamp, 10))...)
	wantSig := hex.EncodeToString(cryptoengine.HmacSha256([]byte(key.Secret), transcript))
	if resp.Signature != wantSig {
		t.Fatal("handshake signature does not verify under the api key secret")
	}
}

func TestSiteVerifyFailsClosedOnUnknownSecret(t *testing.T) {
	e := newTestEngine(t, testApiKey())

	resp := e.SiteVerify(context.Background(), SiteVerifyRequest{Secret: "not-a-real-secret", Response: "whatever"})
	if resp.Success {
		t.Fatal("expected failure for an unknown secret")
	}
}
