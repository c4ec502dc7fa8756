package ipblock

import (
	"fmt"
	"testing"
)

func TestNormalizeDomain(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"Example.COM", "example.com"},
		{"example.com.", "example.com"},
		{"example.com:8443", "example.com"},
		{"Example.COM.:443", "example.com"},
		{"bücher.example", "xn--bcher-kva.example"},
		{"", ""},
	}

	for i, tc := range testCases {
		t.Run(fmt.Sprintf("normalize_%v", i), func(t *testing.T) {
			if actual := NormalizeDomain(tc.input); actual != tc.expected {
				t.Errorf("NormalizeDomain(%q) = %q, expected %q", tc.input, actual, tc.expected)
			}
		})
	}
}

func TestDomainMatches(t *testing.T) {
	testCases := []struct {
		observed string
		allowed  string
		expected bool
	}{
		{"example.com", "example.com", true},
		{"api.example.com", "example.com", true},
		{"Example.COM:443", "example.com", true},
		{"EXAMPLE.com.", "example.com", true},
		{"notexample.com", "example.com", false},
		{"evil.com", "example.com", false},
		{"anything.at.all", "*", true},
		{"", "example.com", false},
	}

	for i, tc := range testCases {
		t.Run(fmt.Sprintf("match_%v", i), func(t *testing.T) {
			if actual := DomainMatches(tc.observed, tc.allowed); actual != tc.expected {
				t.Errorf("DomainMatches(%q, %q) = %v, expected %v", tc.observed, tc.allowed, actual, tc.expected)
			}
		})
	}
}
