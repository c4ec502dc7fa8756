package challenge

import (
	"encoding/json"
	"time"

	"github.com/veriproof/engine/pkg/puzzletype"
)

// ChallengeData is the puzzle-type-specific payload, including the PoW
// parameters and the hidden correct answer. It never leaves the store —
// callers strip ServerAnswer (and, for types whose correctness is itself
// the secret, any other sensitive fields) before returning a
// client-visible payload.
type ChallengeData struct {
	PoW           PoW
	ServerAnswer  json.RawMessage
	ClientPayload json.RawMessage
}

// Challenge is one issued puzzle.
type Challenge struct {
	ID                     string
	Token                  string
	Type                   puzzletype.PuzzleType
	Difficulty             int
	Data                   ChallengeData
	APIKeyID               int
	ValidatedDomain        string
	Signature              []byte
	DeviceFingerprintHash  string
	SessionFingerprintHash string
	IsUsed                 bool
	CreatedAt              time.Time
	ExpiresAt              time.Time
}

func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// SignatureContext projects the fields that participate in the issuance
// signature, per Engine.Sign.
func (c *Challenge) SignatureContext(timestamp int64, nonce, apiPublicIdent, deviceFingerprintHash string) SignatureContext {
	return SignatureContext{
		ChallengeHash:         c.Data.PoW.ChallengeHash,
		Salt:                  c.Data.PoW.Salt,
		MaxNumber:             c.Data.PoW.MaxNumber,
		Timestamp:             timestamp,
		Nonce:                 nonce,
		APIPublicIdent:        apiPublicIdent,
		DeviceFingerprintHash: deviceFingerprintHash,
	}
}

// TokenPayload is the non-sensitive subset of a Challenge carried in its
// signed token envelope — never the PoW secret number or the puzzle
// answer. apiKeyId travels as an obfuscated hash rather than the raw
// sequential id (common.IdentifierHasher), so the wire format never
// exposes internal ApiKey enumeration.
type TokenPayload struct {
	ChallengeID    string                `json:"challengeId"`
	Type           puzzletype.PuzzleType `json:"type"`
	APIKeyIDHash   string                `json:"apiKeyId"`
	Salt           string                `json:"salt"`
	MaxNumber      int                   `json:"maxNumber"`
	Timestamp      int64                 `json:"timestamp"`
	Nonce          string                `json:"nonce"`
	APIPublicIdent string                `json:"apiPublicIdent"`
}

// VerificationTokenPayload is the signed envelope carried by the
// verification token returned to the relying site.
type VerificationTokenPayload struct {
	ChallengeID string `json:"challengeId"`
	Domain      string `json:"domain"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       string `json:"nonce"`
	Fingerprint string `json:"fingerprint"`
}
