package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lkarlslund/chatgate/pkg/accesscode"
)

// AccessCodeHeader carries a raw access code on the guarded browser routes.
const AccessCodeHeader = "access-code"

type accessCodeRejection struct {
	Error          bool   `json:"error"`
	NeedAccessCode bool   `json:"needAccessCode"`
	Msg            string `json:"msg"`
}

// RequireAccessCode rejects requests to any of paths (exact match) whose
// access-code header does not validate. Websocket clients cannot set headers
// so an access_code query parameter is accepted as well. The check runs
// whenever a secret is set, whatever Required says; Required only drives
// the Authorization check and what browsers are told. Preflight requests
// never carry the code and always pass.
func (g Gate) RequireAccessCode(paths []string, tip string) func(http.Handler) http.Handler {
	guarded := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		guarded["/"+strings.Trim(p, "/")] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g.Secret == "" || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := guarded["/"+strings.Trim(r.URL.Path, "/")]; !ok {
				next.ServeHTTP(w, r)
				return
			}
			code := strings.TrimSpace(r.Header.Get(AccessCodeHeader))
			if code == "" {
				code = strings.TrimSpace(r.URL.Query().Get("access_code"))
			}
			if !accesscode.Validate(code, g.Secret) {
				slog.Info("access code rejected", "path", r.URL.Path, "client_ip", ClientIP(r), "empty", code == "")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(accessCodeRejection{Error: true, NeedAccessCode: true, Msg: tip})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
