package ipblock

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

var (
	ErrEmptyPattern       = errors.New("ipblock: empty ip pattern")
	ErrInvalidIPPattern   = errors.New("ipblock: invalid ip pattern")
	ErrInvalidCountryCode = errors.New("ipblock: invalid ISO-3166 alpha-2 country code")
)

// MatchesRule reports whether ip matches pattern, which may be:
//   - an exact address ("203.0.113.5"),
//   - a wildcard suffix, where "*" stands in for one or more trailing
//     dotted octets ("192.168.*" matches "192.168.0.0".."192.168.255.255"
//     but never a 3-octet address — the wildcard must start at an octet
//     boundary and consume all remaining octets),
//   - a CIDR range restricted to /8, /16, or /24.
func MatchesRule(ip, pattern string) (bool, error) {
	if pattern == "" {
		return false, ErrEmptyPattern
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false, nil
	}

	if strings.Contains(pattern, "*") {
		return matchesWildcard(addr, pattern)
	}

	if strings.Contains(pattern, "/") {
		return matchesCIDR(addr, pattern)
	}

	patternAddr, err := netip.ParseAddr(pattern)
	if err != nil {
		return false, nil
	}

	return addr == patternAddr, nil
}

func matchesWildcard(addr netip.Addr, pattern string) (bool, error) {
	if !addr.Is4() {
		return false, nil
	}

	parts := strings.Split(pattern, ".")
	if len(parts) < 2 || len(parts) > 4 {
		return false, ErrInvalidIPPattern
	}

	ipParts := strings.Split(addr.String(), ".")

	seenWildcard := false
	for i, p := range parts {
		if p == "*" {
			seenWildcard = true
			continue
		}

		if seenWildcard {
			// a concrete octet after a wildcard would make the pattern
			// ambiguous ("1.2.*.4"); once the wildcard starts it consumes
			// every remaining octet, so "192.168.*" and "192.168.*.*" mean
			// the same thing.
			return false, ErrInvalidIPPattern
		}

		if _, err := strconv.Atoi(p); err != nil {
			return false, ErrInvalidIPPattern
		}

		if p != ipParts[i] {
			return false, nil
		}
	}

	if !seenWildcard {
		return false, ErrInvalidIPPattern
	}

	return true, nil
}

func matchesCIDR(addr netip.Addr, pattern string) (bool, error) {
	_, prefix, err := net.ParseCIDR(pattern)
	if err != nil {
		return false, ErrInvalidIPPattern
	}

	ones, bits := prefix.Mask.Size()
	if bits == 32 && ones != 8 && ones != 16 && ones != 24 {
		return false, ErrInvalidIPPattern
	}

	return prefix.Contains(net.IP(addr.AsSlice())), nil
}

// ValidateIPPattern rejects malformed entries before they are persisted
// into a SecuritySettings.BlockedIps list.
func ValidateIPPattern(pattern string) error {
	if pattern == "" {
		return ErrEmptyPattern
	}

	if strings.Contains(pattern, "*") {
		parts := strings.Split(pattern, ".")
		if len(parts) < 2 || len(parts) > 4 {
			return ErrInvalidIPPattern
		}
		seenWildcard := false
		for _, p := range parts {
			if p == "*" {
				seenWildcard = true
				continue
			}
			if seenWildcard {
				return ErrInvalidIPPattern
			}
			n, err := strconv.Atoi(p)
			if err != nil || n < 0 || n > 255 {
				return ErrInvalidIPPattern
			}
		}
		return nil
	}

	if strings.Contains(pattern, "/") {
		_, prefix, err := net.ParseCIDR(pattern)
		if err != nil {
			return ErrInvalidIPPattern
		}
		ones, bits := prefix.Mask.Size()
		if bits == 32 && ones != 8 && ones != 16 && ones != 24 {
			return ErrInvalidIPPattern
		}
		return nil
	}

	if _, err := netip.ParseAddr(pattern); err != nil {
		return ErrInvalidIPPattern
	}

	return nil
}

// ValidateCountryCode rejects anything but a two-letter uppercase
// ISO-3166-1 alpha-2 code.
func ValidateCountryCode(code string) error {
	if len(code) != 2 {
		return ErrInvalidCountryCode
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return ErrInvalidCountryCode
		}
	}
	return nil
}

// CheckSecurityBlocking composes rule evaluation with an API key's
// configured blocked-IP and blocked-country lists. It returns the first
// matching rule as the block reason.
func CheckSecurityBlocking(ip, country string, blockedIPs, blockedCountries []string) (blocked bool, reason string) {
	for _, pattern := range blockedIPs {
		if ok, err := MatchesRule(ip, pattern); err == nil && ok {
			return true, "blocked_ip:" + pattern
		}
	}

	for _, code := range blockedCountries {
		if strings.EqualFold(code, country) {
			return true, "blocked_country:" + code
		}
	}

	return false, ""
}
