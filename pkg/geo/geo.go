// Package geo resolves a coarse country code for a client IP. The engine
// treats geolocation as a pluggable collaborator during challenge issuance
// and verification: a production deployment binds Lookup to whatever
// MaxMind/IP2Location database it is licensed for, so only the interface
// and a no-op stub live here. A real lookup is a config-time wiring
// decision, not an engine one.
package geo

import "context"

// Lookup resolves the ISO-3166-1 alpha-2 country code for ip, or "" if
// unknown. Implementations must never block past ctx's deadline.
type Lookup interface {
	Country(ctx context.Context, ip string) string
}

// NoopLookup always reports an unknown country. It is the default Lookup
// until a real database is wired in, and lets every country-block rule
// continue to evaluate (an empty country simply never matches a configured
// blocked-country entry).
type NoopLookup struct{}

var _ Lookup = NoopLookup{}

func (NoopLookup) Country(ctx context.Context, ip string) string { return "" }
