// Command loadtest drives vegeta attacks against a running protocol server
// (cmd/server): handshake, challenge issuance, and rejected verify traffic,
// the three request shapes that dominate real captcha load.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"
)

var (
	flagBaseURL       = flag.String("url", "http://localhost:8080", "Base URL of the running server")
	flagSiteKey       = flag.String("sitekey", "pk_dev_00000000", "ApiKey public ident to drive requests with")
	flagDomain        = flag.String("domain", "example.com", "Origin domain sent with every request")
	flagRatePerSecond = flag.Int("rps", 100, "Requests per second, per attack phase")
	flagDurationSecs  = flag.Int("duration", 10, "Duration of each attack phase (seconds)")
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))

	cfg := loadConfig{
		baseURL:  *flagBaseURL,
		siteKey:  *flagSiteKey,
		domain:   *flagDomain,
		rate:     *flagRatePerSecond,
		duration: time.Duration(*flagDurationSecs) * time.Second,
	}

	if err := load(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
