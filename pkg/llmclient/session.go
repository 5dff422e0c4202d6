package llmclient

import (
	"net/http"
	"strings"

	"github.com/lkarlslund/chatgate/pkg/auth"
)

const (
	HeaderAccessCode = "access-code"
	HeaderToken      = "token"
)

// Session holds the per-user credentials a browser would persist: the
// access code for guarded routes and an optional provider key override.
type Session struct {
	AccessCode string
	Token      string
}

type Option func(*Session)

func NewSession(opts ...Option) Session {
	s := Session{}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	s.AccessCode = strings.TrimSpace(s.AccessCode)
	s.Token = strings.TrimSpace(s.Token)
	return s
}

func WithAccessCode(code string) Option {
	code = strings.TrimSpace(code)
	return func(s *Session) {
		s.AccessCode = code
	}
}

func WithToken(token string) Option {
	token = strings.TrimSpace(token)
	return func(s *Session) {
		s.Token = token
	}
}

func (s Session) WrapRoundTripper(base http.RoundTripper) http.RoundTripper {
	return sessionHeaderRoundTripper{
		Base:       base,
		AccessCode: strings.TrimSpace(s.AccessCode),
		Token:      strings.TrimSpace(s.Token),
	}
}

type sessionHeaderRoundTripper struct {
	Base       http.RoundTripper
	AccessCode string
	Token      string
}

func (rt sessionHeaderRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	out := req.Clone(req.Context())
	out.Header = req.Header.Clone()
	if rt.AccessCode != "" {
		out.Header.Set(HeaderAccessCode, rt.AccessCode)
	}
	if rt.Token != "" {
		out.Header.Set(HeaderToken, rt.Token)
	}
	return base.RoundTrip(out)
}

// Authorization is the bearer value for the OpenAI-compatible routes. An
// access code wins over a personal token; empty when neither is set.
func (s Session) Authorization() string {
	switch {
	case strings.TrimSpace(s.AccessCode) != "":
		return auth.BearerAccessCode(s.AccessCode)
	case strings.TrimSpace(s.Token) != "":
		return "Bearer " + strings.TrimSpace(s.Token)
	default:
		return ""
	}
}
