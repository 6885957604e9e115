// Package identity derives the archive key of a message from its subject.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/newsletter-archive/model"
)

// Placeholder replaces an empty subject before hashing.
const Placeholder = "Untitled"

// Length is the number of hex characters kept from the digest.
const Length = 12

// Policy selects which header fields feed the digest.
type Policy string

const (
	// PolicySubject hashes the normalized subject only. Resent newsletters and
	// forwarded copies collapse into one record.
	PolicySubject Policy = "subject"
	// PolicyStrict adds the Date and Message-ID headers, keeping every delivery apart.
	PolicyStrict Policy = "strict"
)

var prefixPattern = regexp.MustCompile(`(?i)^\s*\[?(?:Fwd|Fw|Tr|Re|Aw|Wg)\s*:\s*\]?\s*`)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySubject:
		return PolicySubject, nil
	case PolicyStrict:
		return PolicyStrict, nil
	default:
		return "", fmt.Errorf("unknown identity policy %q", s)
	}
}

// NormalizeSubject strips reply and forward prefixes until none is left.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		loc := prefixPattern.FindStringIndex(s)
		if loc == nil || loc[1] == 0 {
			break
		}
		s = s[loc[1]:]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return Placeholder
	}
	return s
}

// Derive returns the identity of a header under the given policy.
func Derive(h model.Header, policy Policy) model.Identity {
	input := NormalizeSubject(h.Subject)
	if policy == PolicyStrict {
		input = strings.Join([]string{input, strings.TrimSpace(h.Date), strings.TrimSpace(h.MessageID)}, "|")
	}
	sum := sha256.Sum256([]byte(input))
	return model.Identity(hex.EncodeToString(sum[:])[:Length])
}

// Valid reports whether s has the shape of an identity.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
