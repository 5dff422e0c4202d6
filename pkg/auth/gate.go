package auth

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/lkarlslund/chatgate/pkg/accesscode"
	"github.com/lkarlslund/chatgate/pkg/config"
)

const (
	MsgEmptyAccessCode = "empty access code"
	MsgWrongAccessCode = "wrong access code"
)

// Result is the JSON body returned to clients on auth failure.
type Result struct {
	Error bool   `json:"error"`
	Msg   string `json:"msg,omitempty"`
}

func (r Result) OK() bool { return !r.Error }

type Gate struct {
	Secret   string
	Required bool
}

func NewGate(cfg config.ServerConfig) Gate {
	return Gate{
		Secret:   cfg.Salt,
		Required: cfg.AccessCodeRequired(),
	}
}

// Authorize checks the request's Authorization header.
func (g Gate) Authorize(r *http.Request) Result {
	cred := Extract(r.Header.Get("Authorization"))
	res := g.Check(cred)
	slog.Debug("auth checked", "credential", cred.String(), "client_ip", ClientIP(r), "ok", res.OK())
	return res
}

// Check decides on an already extracted credential. An API key counts as
// an empty access code when codes are required.
func (g Gate) Check(cred Credential) Result {
	if !g.Required {
		return Result{}
	}
	code := ""
	if cred.Kind == KindAccessCode {
		code = cred.Value
	}
	if accesscode.Validate(code, g.Secret) {
		return Result{}
	}
	if code == "" {
		return Result{Error: true, Msg: MsgEmptyAccessCode}
	}
	return Result{Error: true, Msg: MsgWrongAccessCode}
}

// ClientIP prefers X-Real-IP, then the first X-Forwarded-For hop, then the
// connection's remote address.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host := strings.TrimSpace(r.RemoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}
