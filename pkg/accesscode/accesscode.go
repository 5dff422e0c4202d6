// Package accesscode signs and verifies access tokens of the form
// "<invitationCode>-<hashSuffix>", where hashSuffix is the first ten hex
// characters of md5(invitationCode + secret).
package accesscode

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// HashSuffixLen is the number of hex characters kept from the keyed hash.
const HashSuffixLen = 10

const invitationAlphabet = "abcdefghijkmnpqrstuvwxyz23456789"

// Validate reports whether token carries a valid hash suffix for secret.
// An empty secret disables validation and every token passes.
func Validate(token, secret string) bool {
	if secret == "" {
		return true
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	code, suffix, ok := strings.Cut(token, "-")
	if !ok || code == "" || suffix == "" || strings.Contains(suffix, "-") {
		slog.Debug("access code rejected", "reason", "malformed")
		return false
	}
	want := HashSuffix(code, secret)
	if subtle.ConstantTimeCompare([]byte(suffix), []byte(want)) != 1 {
		slog.Debug("access code rejected", "reason", "hash_mismatch")
		return false
	}
	return true
}

// HashSuffix returns the truncated keyed hash for an invitation code.
func HashSuffix(invitationCode, secret string) string {
	sum := md5.Sum([]byte(invitationCode + secret))
	return hex.EncodeToString(sum[:])[:HashSuffixLen]
}

// Sign builds the full access token for invitationCode.
func Sign(invitationCode, secret string) (string, error) {
	invitationCode = strings.TrimSpace(invitationCode)
	if invitationCode == "" {
		return "", fmt.Errorf("invitation code cannot be empty")
	}
	if strings.Contains(invitationCode, "-") {
		return "", fmt.Errorf("invitation code %q must not contain '-'", invitationCode)
	}
	return invitationCode + "-" + HashSuffix(invitationCode, secret), nil
}

// NewInvitationCode returns a random code of length n drawn from an
// alphabet without look-alike characters.
func NewInvitationCode(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("invitation code length must be > 0")
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = invitationAlphabet[int(b)%len(invitationAlphabet)]
	}
	return string(out), nil
}

// Issue creates count fresh invitation codes and signs each of them.
func Issue(count, length int, secret string) ([]string, error) {
	tokens := make([]string, 0, count)
	for range count {
		code, err := NewInvitationCode(length)
		if err != nil {
			return nil, err
		}
		tok, err := Sign(code, secret)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}
