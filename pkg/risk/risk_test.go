package risk

import "testing"

func TestAssessCleanRequestIsLowRisk(t *testing.T) {
	e := NewEngine()
	res := e.Assess(Input{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15) AppleWebKit/605.1.15",
		Detections: ClientDetections{
			PluginCount:   2,
			LanguageCount: 2,
		},
		Telemetry: BehavioralTelemetry{
			MouseMovements: 40,
			KeyboardEvents: 10,
		},
	})

	if res.Level != LevelLow {
		t.Fatalf("expected low risk, got %v (score %d, reasons %v)", res.Level, res.Score, res.Reasons)
	}
	if res.IsBot {
		t.Fatal("clean request should not be flagged as bot")
	}
}

func TestAssessWebdriverForcesCritical(t *testing.T) {
	e := NewEngine()
	res := e.Assess(Input{
		UserAgent: "Mozilla/5.0",
		Detections: ClientDetections{
			WebdriverPresent: true,
		},
		Telemetry: BehavioralTelemetry{},
	})

	if !res.IsBot {
		t.Fatal("webdriver=true must force isBot")
	}
	if res.Level != LevelCritical {
		t.Fatalf("expected critical risk, got %v", res.Level)
	}
}

func TestAssessHoneypotTriggersBot(t *testing.T) {
	e := NewEngine()
	res := e.Assess(Input{
		Telemetry: BehavioralTelemetry{
			HoneypotFilled: true,
			MouseMovements: 20,
		},
	})

	if !res.IsBot {
		t.Fatal("honeypot trigger must flag as bot")
	}
}

func TestScoreNeverExceedsMax(t *testing.T) {
	e := NewEngine()
	res := e.Assess(Input{
		UserAgent:       "bot",
		RequestsInBurst: 1000,
		Detections: ClientDetections{
			WebdriverPresent: true,
		},
		Telemetry: BehavioralTelemetry{
			HoneypotFilled: true,
		},
		Fingerprint: AdvancedFingerprint{Present: true, Confidence: 0},
	})

	if res.Score > maxScore {
		t.Fatalf("score %d exceeds max %d", res.Score, maxScore)
	}
}

func TestAdaptiveDifficultyMonotoneAndClamped(t *testing.T) {
	prevByBase := AdaptiveDifficulty(1, 0)
	for base := 1; base <= 10; base++ {
		d := AdaptiveDifficulty(base, 0)
		if d < prevByBase {
			t.Fatalf("difficulty must be non-decreasing in base difficulty: base=%d got %d < %d", base, d, prevByBase)
		}
		prevByBase = d
	}

	prevByScore := AdaptiveDifficulty(5, 0)
	for score := 0; score <= 100; score += 10 {
		d := AdaptiveDifficulty(5, score)
		if d < prevByScore {
			t.Fatalf("difficulty must be non-decreasing in score: score=%d got %d < %d", score, d, prevByScore)
		}
		if d < 1 || d > 10 {
			t.Fatalf("difficulty %d out of [1,10] at score=%d", d, score)
		}
		prevByScore = d
	}
}
