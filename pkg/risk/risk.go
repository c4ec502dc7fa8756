// Package risk scores an incoming request for automation and abuse signals
// and turns that score into an adaptive PoW difficulty and an issue/block
// decision.
package risk

import (
	"time"

	"github.com/medama-io/go-useragent"
)

type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// ClientDetections is the decrypted `clientDetections[]` payload: named
// boolean/string signals the client-side script reports about its own
// environment.
type ClientDetections struct {
	WebdriverPresent   bool
	HeadlessUA         bool
	StorageUnavailable bool
	PluginCount        int
	LanguageCount      int
}

// BehavioralTelemetry is the decrypted interaction-metadata payload.
type BehavioralTelemetry struct {
	MouseMovements   int
	KeyboardEvents   int
	SubmissionTime   time.Duration
	HoneypotFilled   bool
	ChallengeElapsed time.Duration
}

// AdvancedFingerprint is the optional device-fingerprint descriptor;
// Confidence is the client library's own confidence in its reading, 0 meaning
// "unreliable".
type AdvancedFingerprint struct {
	Present    bool
	Confidence float64 // 0..1
}

// Input bundles every signal RiskEngine.Assess considers.
type Input struct {
	UserAgent       string
	IPFailureCount  int
	Detections      ClientDetections
	Telemetry       BehavioralTelemetry
	Fingerprint     AdvancedFingerprint
	RequestsInBurst int // requests from this IP in the current short window
}

// Result is what RiskEngine.Assess returns.
type Result struct {
	Score   int
	Level   Level
	IsBot   bool
	Reasons []string
}

const (
	maxScore = 100

	weightBurst            = 15
	weightAutomationSignal = 25
	weightNoInteraction    = 30
	weightLowInteraction   = 15
	weightHoneypot         = 40
	weightFingerprintWeak  = 10

	honeypotSubmissionFloor = 500 * time.Millisecond
)

type Engine struct {
	parser *useragent.Parser
}

func NewEngine() *Engine {
	return &Engine{parser: useragent.NewParser()}
}

// Assess scores the request and derives the policy outputs described for
// RiskEngine: a bounded score, a coarse level, a forced isBot flag when
// high-confidence signals are present, and inputs for adaptive difficulty.
func (e *Engine) Assess(in Input) Result {
	score := 0
	var reasons []string
	forcedBot := false

	if in.RequestsInBurst > 0 {
		burstScore := min(weightBurst, in.RequestsInBurst*3)
		if burstScore > 0 {
			score += burstScore
			reasons = append(reasons, "request burst")
		}
	}

	agent := e.parser.Parse(in.UserAgent)
	if agent.IsBot() {
		score += weightAutomationSignal
		forcedBot = true
		reasons = append(reasons, "user agent identifies as bot")
	}

	if in.Detections.WebdriverPresent {
		score += weightAutomationSignal
		forcedBot = true
		reasons = append(reasons, "webdriver present")
	} else if in.Detections.HeadlessUA || in.Detections.StorageUnavailable ||
		(in.Detections.PluginCount == 0 && in.Detections.LanguageCount == 0) {
		score += weightAutomationSignal / 2
		reasons = append(reasons, "automation-consistent environment")
	}

	switch {
	case in.Telemetry.MouseMovements == 0 && in.Telemetry.KeyboardEvents == 0:
		score += weightNoInteraction
		reasons = append(reasons, "zero interaction")
	case in.Telemetry.MouseMovements < 3 && in.Telemetry.KeyboardEvents < 3:
		score += weightLowInteraction
		reasons = append(reasons, "low interaction")
	}

	if in.Telemetry.HoneypotFilled || (in.Telemetry.SubmissionTime > 0 && in.Telemetry.SubmissionTime < honeypotSubmissionFloor) {
		score += weightHoneypot
		forcedBot = true
		reasons = append(reasons, "honeypot triggered")
	}

	if in.Fingerprint.Present && in.Fingerprint.Confidence < 0.3 {
		score += weightFingerprintWeak
		reasons = append(reasons, "unreliable fingerprint")
	}

	if score > maxScore {
		score = maxScore
	}

	level := levelFor(score)
	if forcedBot && level != LevelCritical {
		level = LevelHigh
	}
	// A webdriver flag is classified critical on its own, whatever the score.
	if in.Detections.WebdriverPresent {
		level = LevelCritical
	}

	return Result{
		Score:   score,
		Level:   level,
		IsBot:   forcedBot || level == LevelCritical,
		Reasons: reasons,
	}
}

func levelFor(score int) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 55:
		return LevelHigh
	case score >= 25:
		return LevelMedium
	default:
		return LevelLow
	}
}

// AdaptiveDifficulty is monotone non-decreasing in both baseDifficulty and
// score, and always lies in [1,10] — a higher risk score makes the puzzle
// harder, never easier.
func AdaptiveDifficulty(baseDifficulty, score int) int {
	bump := score / 20 // 0..5
	d := baseDifficulty + bump
	if d < 1 {
		d = 1
	}
	if d > 10 {
		d = 10
	}
	return d
}
