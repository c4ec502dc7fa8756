// Package challenge implements the proof-of-work puzzle construction and
// verification (ChallengeEngine), the Challenge record and its store
// (ChallengeStore), and the verification-token replay guard.
package challenge

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"strconv"

	"github.com/veriproof/engine/pkg/cryptoengine"
)

const saltBytes = 32

var ErrServerSecretRequired = errors.New("challenge: server secret must not be empty")

// PoW is the proof-of-work portion of a challenge's server-only data.
type PoW struct {
	Salt          string
	MaxNumber     int
	SecretNumber  int
	ChallengeHash string // hex(SHA256(salt || str(secretNumber)))
}

// Engine builds and verifies proof-of-work puzzles and the HMAC signature
// that binds a puzzle to its issuance context. serverSecret is the
// process-wide SESSION_SECRET; the caller is responsible for refusing to
// start if it is unset.
type Engine struct {
	serverSecret []byte
}

func NewEngine(serverSecret []byte) (*Engine, error) {
	if len(serverSecret) == 0 {
		return nil, ErrServerSecretRequired
	}
	return &Engine{serverSecret: serverSecret}, nil
}

// MaxNumberForDifficulty implements maxNumber = 50 * 2^(difficulty-1),
// difficulty clamped to [1,10] before the computation.
func MaxNumberForDifficulty(difficulty int) int {
	if difficulty < 1 {
		difficulty = 1
	}
	if difficulty > 10 {
		difficulty = 10
	}
	return 50 << (difficulty - 1)
}

// BuildPoW generates a fresh salt and secret number for the given effective
// difficulty.
func (e *Engine) BuildPoW(difficulty int) (PoW, error) {
	saltRaw := make([]byte, saltBytes)
	if _, err := io.ReadFull(rand.Reader, saltRaw); err != nil {
		return PoW{}, err
	}
	salt := hex.EncodeToString(saltRaw)

	maxNumber := MaxNumberForDifficulty(difficulty)
	secretNumber, err := cryptoengine.RandomIntBelow(maxNumber)
	if err != nil {
		return PoW{}, err
	}

	return PoW{
		Salt:          salt,
		MaxNumber:     maxNumber,
		SecretNumber:  secretNumber,
		ChallengeHash: hashSaltedNumber(salt, secretNumber),
	}, nil
}

func hashSaltedNumber(salt string, n int) string {
	h := sha256.Sum256([]byte(salt + strconv.Itoa(n)))
	return hex.EncodeToString(h[:])
}

// SignatureContext is the issuance context the challenge signature binds
// to; any mutation to one of these fields, or to the PoW parameters,
// invalidates the signature.
type SignatureContext struct {
	ChallengeHash         string
	Salt                  string
	MaxNumber             int
	Timestamp             int64
	Nonce                 string
	APIPublicIdent        string
	DeviceFingerprintHash string
}

func sigData(c SignatureContext) []byte {
	parts := []string{
		c.ChallengeHash,
		c.Salt,
		strconv.Itoa(c.MaxNumber),
		strconv.FormatInt(c.Timestamp, 10),
		c.Nonce,
		c.APIPublicIdent,
		c.DeviceFingerprintHash,
	}

	data := parts[0]
	for _, p := range parts[1:] {
		data += "|" + p
	}
	return []byte(data)
}

// Sign computes HMAC-SHA256(serverSecret, sigData(ctx)).
func (e *Engine) Sign(ctx SignatureContext) []byte {
	mac := hmac.New(sha256.New, e.serverSecret)
	mac.Write(sigData(ctx))
	return mac.Sum(nil)
}

// VerifySignature recomputes the signature from ctx and compares it to
// signature in constant time.
func (e *Engine) VerifySignature(ctx SignatureContext, signature []byte) bool {
	expected := e.Sign(ctx)
	return subtle.ConstantTimeCompare(expected, signature) == 1
}

// VerifySolution checks a submitted PoW answer n against the stored salt
// and challengeHash. This alone does not authorize acceptance — callers
// must also re-verify the signature over the full issuance context
// (Engine.VerifySignature); neither check alone is sufficient.
func VerifySolution(salt, challengeHash string, n int) bool {
	got := hashSaltedNumber(salt, n)
	return subtle.ConstantTimeCompare([]byte(got), []byte(challengeHash)) == 1
}
