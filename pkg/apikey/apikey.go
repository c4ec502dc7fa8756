// Package apikey holds the ApiKey/SecuritySettings data model and the
// store interface the engine looks application registrations up through.
// Validation and lookup are separated from persistence; MemoryStore is the
// only Store implementation in this module (pkg/store/postgres persists
// challenges, not ApiKeys).
package apikey

import (
	"context"
	"errors"
	"time"

	"github.com/veriproof/engine/pkg/ipblock"
)

var (
	ErrTooManyEntries = errors.New("apikey: too many entries in a security settings list")
	ErrUnknownField   = errors.New("apikey: settings payload contains an unrecognised field")
)

const maxBlockListEntries = 1000

type PuzzleType string

const (
	PuzzleTypeGrid       PuzzleType = "grid"
	PuzzleTypeJigsaw     PuzzleType = "jigsaw"
	PuzzleTypeGesture    PuzzleType = "gesture"
	PuzzleTypeUpsideDown PuzzleType = "upsideDown"
	PuzzleTypeAudio      PuzzleType = "audio"
	PuzzleTypeCheckbox   PuzzleType = "checkbox"
)

// SecuritySettings is the configurable policy attached to an ApiKey.
// Always-enforced features (domain validation, end-to-end encryption) are
// deliberately not represented here since they are never optional.
type SecuritySettings struct {
	Difficulty             int // 1-10
	RateLimitPerWindow     int
	ChallengeTimeout       time.Duration // 10-300s
	TokenExpiry            time.Duration // 30-600s
	AntiDebug              bool
	AdvancedFingerprinting bool
	SessionBinding         bool
	BehavioralAnalysis     bool
	AutomationDetection    bool
	RiskAdaptiveDifficulty bool
	IPRateLimiting         bool
	BlockedIPs             []string
	BlockedCountries       []string
	EnabledPuzzleTypes     []PuzzleType
}

// DefaultSecuritySettings returns the baseline policy for a newly
// registered ApiKey.
func DefaultSecuritySettings() SecuritySettings {
	return SecuritySettings{
		Difficulty:             4,
		RateLimitPerWindow:     100,
		ChallengeTimeout:       60 * time.Second,
		TokenExpiry:            300 * time.Second,
		AutomationDetection:    true,
		RiskAdaptiveDifficulty: true,
		IPRateLimiting:         true,
		EnabledPuzzleTypes:     []PuzzleType{PuzzleTypeGrid, PuzzleTypeCheckbox},
	}
}

// Validate rejects malformed settings before they are persisted: range
// checks on difficulty and durations, bounded list sizes, and every
// blocklist entry individually well-formed. Unknown fields are rejected
// earlier, by ParseSecuritySettingsJSON.
func (s SecuritySettings) Validate() error {
	if s.Difficulty < 1 || s.Difficulty > 10 {
		return errors.New("apikey: difficulty must be in [1,10]")
	}
	if s.ChallengeTimeout < 10*time.Second || s.ChallengeTimeout > 300*time.Second {
		return errors.New("apikey: challenge timeout must be in [10s,300s]")
	}
	if s.TokenExpiry < 30*time.Second || s.TokenExpiry > 600*time.Second {
		return errors.New("apikey: token expiry must be in [30s,600s]")
	}

	if len(s.BlockedIPs) > maxBlockListEntries || len(s.BlockedCountries) > maxBlockListEntries {
		return ErrTooManyEntries
	}

	for _, pattern := range s.BlockedIPs {
		if err := ipblock.ValidateIPPattern(pattern); err != nil {
			return err
		}
	}

	for _, code := range s.BlockedCountries {
		if err := ipblock.ValidateCountryCode(code); err != nil {
			return err
		}
	}

	return nil
}

// ApiKey is the long-lived credential pair owned by an application
// registration.
type ApiKey struct {
	ID            int
	PublicIdent   string // "site key", freely exposed
	Secret        string // HMAC key and verification-token-signing key, server-side only
	AllowedDomain string // domain or "*"
	IsActive      bool
	Settings      SecuritySettings
}

// Store resolves ApiKeys by the identifiers the engine actually looks
// them up by: the public site key (handshake/challenge paths), the secret
// (site-verify), and the storage id a Challenge record carries internally
// (verify).
type Store interface {
	GetByPublicIdent(ctx context.Context, publicIdent string) (*ApiKey, error)
	GetBySecret(ctx context.Context, secret string) (*ApiKey, error)
	GetByID(ctx context.Context, id int) (*ApiKey, error)
}

var ErrNotFound = errors.New("apikey: not found")
