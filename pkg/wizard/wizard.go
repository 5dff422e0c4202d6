package wizard

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lkarlslund/chatgate/pkg/accesscode"
	"github.com/lkarlslund/chatgate/pkg/config"
)

// RunServerWizard walks through the settings an operator usually changes
// and saves the result to path. Empty answers keep the current value.
func RunServerWizard(in io.Reader, out io.Writer, path string, cfg *config.ServerConfig) error {
	sc := bufio.NewScanner(in)
	fmt.Fprintln(out, "chatgate configuration wizard")
	cfg.ListenAddr = ask(sc, out, "Listen address", cfg.ListenAddr)

	salt := ask(sc, out, "Access code salt ('-' to clear, 'new' to generate)", redact(cfg.Salt))
	switch salt {
	case redact(cfg.Salt):
	case "-":
		cfg.Salt = ""
	case "new":
		generated, err := accesscode.NewInvitationCode(24)
		if err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		cfg.Salt = generated
		fmt.Fprintf(out, "  generated salt: %s\n", generated)
	default:
		cfg.Salt = salt
	}
	if cfg.Salt != "" {
		cfg.AccessCodeTip = ask(sc, out, "Access code tip", cfg.AccessCodeTip)
	}

	cfg.BaseURL = ask(sc, out, "Upstream base URL", cfg.BaseURL)
	cfg.Protocol = ask(sc, out, "Upstream protocol (http/https)", cfg.Protocol)
	cfg.OrgID = ask(sc, out, "OpenAI organization id", cfg.OrgID)
	cfg.DisableGPT4 = parseYes(ask(sc, out, "Hide gpt-4 models? (y/N)", boolStr(cfg.DisableGPT4)))
	cfg.ChatBackendURL = ask(sc, out, "Chat backend URL", cfg.ChatBackendURL)
	cfg.Downgrade = parseYes(ask(sc, out, "Force downgrade model on chat stream? (y/N)", boolStr(cfg.Downgrade)))
	cfg.ContactEmail = ask(sc, out, "Contact email shown to unauthorized users", cfg.ContactEmail)
	tout := ask(sc, out, "Upstream timeout seconds", strconv.Itoa(cfg.ProxyTimeoutSeconds))
	if v, err := strconv.Atoi(strings.TrimSpace(tout)); err == nil && v > 0 {
		cfg.ProxyTimeoutSeconds = v
	}
	origins := ask(sc, out, "CORS origins (comma-separated)", strings.Join(cfg.CORSOrigins, ","))
	cfg.CORSOrigins = splitCSV(origins)

	cfg.TLS.Enabled = parseYes(ask(sc, out, "Enable Let's Encrypt TLS? (y/N)", boolStr(cfg.TLS.Enabled)))
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = ask(sc, out, "TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = ask(sc, out, "ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = ask(sc, out, "ACME cache dir", cfg.TLS.CacheDir)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Fprintf(out, "Saved %s\n", path)
	return nil
}

func ask(in *bufio.Scanner, out io.Writer, label, def string) string {
	if def == "" {
		fmt.Fprintf(out, "%s: ", label)
	} else {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	}
	if !in.Scan() {
		return def
	}
	txt := strings.TrimSpace(in.Text())
	if txt == "" {
		return def
	}
	return txt
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-4)
}

func parseYes(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "y", "yes", "true", "1", "on":
		return true
	}
	return false
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
