package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"
)

type loadConfig struct {
	baseURL  string
	siteKey  string
	domain   string
	rate     int
	duration time.Duration
}

// zeroClientPublicKey is a fixed, syntactically valid but cryptographically
// inert EC point: a load test cares about the engine's rate-limit/lookup
// overhead on the hot path, not about completing a real ECDH exchange, so
// the same 65-byte zero point is reused on every handshake hit.
var zeroClientPublicKey = base64.StdEncoding.EncodeToString(append([]byte{0x04}, make([]byte, 64)...))

func jsonTarget(method, url string, body any, origin string) (vegeta.Target, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return vegeta.Target{}, err
	}

	header := make(map[string][]string)
	header["Content-Type"] = []string{"application/json"}
	if origin != "" {
		header["Origin"] = []string{origin}
	}

	return vegeta.Target{
		Method: method,
		URL:    url,
		Body:   payload,
		Header: header,
	}, nil
}

func runPhase(name string, targeter vegeta.Targeter, rate vegeta.Rate, duration time.Duration) vegeta.Metrics {
	attacker := vegeta.NewAttacker(vegeta.Timeout(5 * time.Second))

	var metrics vegeta.Metrics
	for res := range attacker.Attack(targeter, rate, duration, name) {
		metrics.Add(res)
	}
	metrics.Close()

	slog.Info("Attack phase finished",
		"phase", name,
		"requests", metrics.Requests,
		"success", fmt.Sprintf("%.2f%%", metrics.Success*100),
		"p50", metrics.Latencies.P50,
		"p99", metrics.Latencies.P99,
		"bytesIn", metrics.BytesIn.Total,
	)
	for code, count := range metrics.StatusCodes {
		slog.Info("Status code tally", "phase", name, "code", code, "count", count)
	}

	return metrics
}

// load runs three sequential attack phases against a running server: a
// handshake flood, a plaintext challenge-issuance flood, and a
// rejected-verify flood (a fixed, never-valid token, to measure the cost of
// the signature/lookup path attackers actually hammer in production).
func load(cfg loadConfig) error {
	origin := "https://" + cfg.domain
	rate := vegeta.Rate{Freq: cfg.rate, Per: time.Second}

	handshakeTarget, err := jsonTarget("POST", cfg.baseURL+"/handshake", map[string]string{
		"publicKey":           cfg.siteKey,
		"clientPublicKey":     zeroClientPublicKey,
		"deviceFingerprintId": "loadtest-fingerprint",
	}, origin)
	if err != nil {
		return err
	}
	runPhase("handshake", vegeta.NewStaticTargeter(handshakeTarget), rate, cfg.duration)

	challengeInner, err := json.Marshal(map[string]any{
		"publicKey":           cfg.siteKey,
		"type":                "checkbox",
		"isRefresh":           false,
		"deviceFingerprintId": "loadtest-fingerprint",
	})
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(map[string]string{"data": base64.StdEncoding.EncodeToString(challengeInner)})
	if err != nil {
		return err
	}
	challengeTarget := vegeta.Target{
		Method: "POST",
		URL:    cfg.baseURL + "/challenge",
		Body:   envelope,
		Header: map[string][]string{
			"Content-Type": {"application/json"},
			"Origin":       {origin},
		},
	}
	runPhase("challenge", vegeta.NewStaticTargeter(challengeTarget), rate, cfg.duration)

	verifyTarget, err := jsonTarget("POST", cfg.baseURL+"/verify", map[string]any{
		"token":               "loadtest-invalid-token",
		"deviceFingerprintId": "loadtest-fingerprint",
		"solution":            json.RawMessage(`{"checked":true}`),
	}, origin)
	if err != nil {
		return err
	}
	runPhase("verify-rejected", vegeta.NewStaticTargeter(verifyTarget), rate, cfg.duration)

	return nil
}
