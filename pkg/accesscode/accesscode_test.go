package accesscode

import (
	"strings"
	"testing"
)

func TestHashSuffixKnownValues(t *testing.T) {
	if got := HashSuffix("friend", "secret"); got != "99c861a4b8" {
		t.Fatalf("unexpected suffix: %q", got)
	}
	if got := HashSuffix("alice", "hunter2"); got != "bb6de2fa07" {
		t.Fatalf("unexpected suffix: %q", got)
	}
}

func TestValidateSignedTokens(t *testing.T) {
	secrets := []string{"secret", "s", "with space", "ünïcode"}
	codes := []string{"friend", "a", "abc123", "UPPER"}
	for _, secret := range secrets {
		for _, code := range codes {
			tok, err := Sign(code, secret)
			if err != nil {
				t.Fatalf("sign %q: %v", code, err)
			}
			if !Validate(tok, secret) {
				t.Fatalf("expected %q to validate with secret %q", tok, secret)
			}
			if Validate(tok, secret+"x") {
				t.Fatalf("expected %q to fail with a different secret", tok)
			}
		}
	}
}

func TestValidateOpenModeAcceptsAnything(t *testing.T) {
	for _, tok := range []string{"", "garbage", "a-b-c", "-", "friend-99c861a4b8"} {
		if !Validate(tok, "") {
			t.Fatalf("expected open mode to accept %q", tok)
		}
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":            "",
		"whitespace":       "   ",
		"no dash":          "friend99c861a4b8",
		"multiple dashes":  "friend-99c861a4b8-x",
		"empty invitation": "-99c861a4b8",
		"empty suffix":     "friend-",
		"wrong suffix":     "friend-0000000000",
		"full hash":        "friend-99c861a4b8" + strings.Repeat("0", 22),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if Validate(tok, "secret") {
				t.Fatalf("expected %q to be rejected", tok)
			}
		})
	}
}

func TestSignRejectsBadInvitationCodes(t *testing.T) {
	if _, err := Sign("", "secret"); err == nil {
		t.Fatal("expected error for empty invitation code")
	}
	if _, err := Sign("a-b", "secret"); err == nil {
		t.Fatal("expected error for invitation code containing '-'")
	}
}

func TestIssueProducesValidDistinctTokens(t *testing.T) {
	tokens, err := Issue(5, 8, "secret")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(tokens) != 5 {
		t.Fatalf("expected 5 tokens, got %d", len(tokens))
	}
	seen := map[string]struct{}{}
	for _, tok := range tokens {
		code, _, _ := strings.Cut(tok, "-")
		if len(code) != 8 {
			t.Fatalf("unexpected invitation code length in %q", tok)
		}
		if !Validate(tok, "secret") {
			t.Fatalf("issued token %q does not validate", tok)
		}
		if _, ok := seen[tok]; ok {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = struct{}{}
	}
}

func TestNewInvitationCodeRejectsNonPositiveLength(t *testing.T) {
	if _, err := NewInvitationCode(0); err == nil {
		t.Fatal("expected error for zero length")
	}
}
