package auth

import (
	"strings"
)

// AccessCodePrefix marks a bearer token as an access code rather than an
// upstream provider key.
const AccessCodePrefix = "nk-"

type CredentialKind int

const (
	KindAPIKey CredentialKind = iota
	KindAccessCode
)

func (k CredentialKind) String() string {
	switch k {
	case KindAccessCode:
		return "access_code"
	default:
		return "api_key"
	}
}

// Credential is what the Authorization header carried. An API key is passed
// to the upstream untouched; an access code is checked locally.
type Credential struct {
	Kind  CredentialKind
	Value string
}

// String never includes the credential value so a Credential is safe to log.
func (c Credential) String() string {
	if c.Value == "" {
		return c.Kind.String() + "(empty)"
	}
	return c.Kind.String()
}

// Extract parses an Authorization header value. Every literal "Bearer "
// is removed, so "Bearer Bearer x" yields "x".
func Extract(authHeader string) Credential {
	token := strings.TrimSpace(authHeader)
	token = strings.TrimSpace(strings.ReplaceAll(token, "Bearer ", ""))
	if rest, ok := strings.CutPrefix(token, AccessCodePrefix); ok {
		return Credential{Kind: KindAccessCode, Value: rest}
	}
	return Credential{Kind: KindAPIKey, Value: token}
}

// BearerAccessCode is the Authorization value a client sends for an access code.
func BearerAccessCode(code string) string {
	return "Bearer " + AccessCodePrefix + strings.TrimSpace(code)
}
