package engine

import (
	"time"

	"github.com/veriproof/engine/pkg/risk"
)

// riskInput assembles a risk.Input from request-level signals plus the
// (possibly legacy-plaintext) client metadata for the current call.
func riskInput(userAgent string, ipFailureCount, requestsInBurst int, meta ClientMetadata) risk.Input {
	return risk.Input{
		UserAgent:      userAgent,
		IPFailureCount: ipFailureCount,
		Detections: risk.ClientDetections{
			WebdriverPresent:   meta.Detections.WebdriverPresent,
			HeadlessUA:         meta.Detections.HeadlessUA,
			StorageUnavailable: meta.Detections.StorageUnavailable,
			PluginCount:        meta.Detections.PluginCount,
			LanguageCount:      meta.Detections.LanguageCount,
		},
		Telemetry: risk.BehavioralTelemetry{
			MouseMovements:   meta.Telemetry.MouseMovements,
			KeyboardEvents:   meta.Telemetry.KeyboardEvents,
			SubmissionTime:   time.Duration(meta.Telemetry.SubmissionTimeMs) * time.Millisecond,
			HoneypotFilled:   meta.Telemetry.HoneypotFilled,
			ChallengeElapsed: time.Duration(meta.Telemetry.ChallengeElapsedMs) * time.Millisecond,
		},
		Fingerprint: risk.AdvancedFingerprint{
			Present:    meta.Fingerprint.Present,
			Confidence: meta.Fingerprint.Confidence,
		},
		RequestsInBurst: requestsInBurst,
	}
}
