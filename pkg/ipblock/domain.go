package ipblock

import (
	"net"
	"strings"

	"golang.org/x/net/idna"

	"github.com/veriproof/engine/pkg/common"
)

var domainProfile = idna.New(
	idna.MapForLookup(),
	idna.Transitional(false),
	idna.StrictDomainName(false),
)

// NormalizeDomain lowercases, punycode-encodes, and strips a port and a
// trailing dot from a hostname so that the domain-match checks in the
// handshake, verify, and site-verify paths compare like with like
// regardless of how the client or the API key's allowed-domain setting
// happened to be cased, dotted, or suffixed.
func NormalizeDomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return host
	}

	normalized, err := domainProfile.ToASCII(host)
	if err != nil {
		return host
	}
	return strings.TrimSuffix(normalized, ".")
}

// DomainMatches reports whether observed equals allowed, or is a subdomain
// of it, after normalisation. allowed == "*" opts out of domain checking
// entirely.
func DomainMatches(observed, allowed string) bool {
	if allowed == "*" {
		return true
	}

	return common.IsSubDomainOrDomain(NormalizeDomain(observed), NormalizeDomain(allowed))
}
