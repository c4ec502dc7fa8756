package apikey

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// securitySettingsJSON is the external representation a settings writer
// submits. Durations travel as whole seconds.
type securitySettingsJSON struct {
	Difficulty              int          `json:"difficulty"`
	RateLimitPerWindow      int          `json:"rateLimitPerWindow"`
	ChallengeTimeoutSeconds int          `json:"challengeTimeoutSeconds"`
	TokenExpirySeconds      int          `json:"tokenExpirySeconds"`
	AntiDebug               bool         `json:"antiDebug"`
	AdvancedFingerprinting  bool         `json:"advancedFingerprinting"`
	SessionBinding          bool         `json:"sessionBinding"`
	BehavioralAnalysis      bool         `json:"behavioralAnalysis"`
	AutomationDetection     bool         `json:"automationDetection"`
	RiskAdaptiveDifficulty  bool         `json:"riskAdaptiveDifficulty"`
	IPRateLimiting          bool         `json:"ipRateLimiting"`
	BlockedIPs              []string     `json:"blockedIps"`
	BlockedCountries        []string     `json:"blockedCountries"`
	EnabledPuzzleTypes      []PuzzleType `json:"enabledPuzzleTypes"`
}

// ParseSecuritySettingsJSON decodes a settings payload with unknown fields
// rejected outright, so a writer cannot sneak in toggles this version does
// not declare, then runs the usual Validate pass.
func ParseSecuritySettingsJSON(data []byte) (SecuritySettings, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	var wire securitySettingsJSON
	if err := decoder.Decode(&wire); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			return SecuritySettings{}, ErrUnknownField
		}
		return SecuritySettings{}, err
	}

	s := SecuritySettings{
		Difficulty:             wire.Difficulty,
		RateLimitPerWindow:     wire.RateLimitPerWindow,
		ChallengeTimeout:       time.Duration(wire.ChallengeTimeoutSeconds) * time.Second,
		TokenExpiry:            time.Duration(wire.TokenExpirySeconds) * time.Second,
		AntiDebug:              wire.AntiDebug,
		AdvancedFingerprinting: wire.AdvancedFingerprinting,
		SessionBinding:         wire.SessionBinding,
		BehavioralAnalysis:     wire.BehavioralAnalysis,
		AutomationDetection:    wire.AutomationDetection,
		RiskAdaptiveDifficulty: wire.RiskAdaptiveDifficulty,
		IPRateLimiting:         wire.IPRateLimiting,
		BlockedIPs:             wire.BlockedIPs,
		BlockedCountries:       wire.BlockedCountries,
		EnabledPuzzleTypes:     wire.EnabledPuzzleTypes,
	}

	if err := s.Validate(); err != nil {
		return SecuritySettings{}, err
	}

	return s, nil
}
