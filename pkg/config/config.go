package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "chatgate.toml"

	DefaultBaseURL        = "api.openai.com"
	DefaultProtocol       = "https"
	DefaultChatBackendURL = "http://localhost:5000"
	DefaultProxyTimeout   = 10 * time.Minute
	DefaultAccessCodeTip  = "You need an access code to use this service. Enter it in the settings page."
)

var (
	DefaultAllowedPaths = []string{
		"v1/chat/completions",
		"v1/models",
		"models",
		"dashboard/billing/usage",
		"dashboard/billing/subscription",
	}
	DefaultAccessCodePaths = []string{
		"/api/openai",
		"/api/chat-stream",
		"/api/chat-stream/ws",
	}
)

type EdgeAccessConfig struct {
	ClientID     string `toml:"client_id,omitempty"`
	ClientSecret string `toml:"client_secret,omitempty"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`

	// Salt is the access-code secret. Empty means every access code passes.
	Salt string `toml:"salt,omitempty"`
	// NeedCode forces the access-code requirement on or off. When unset it
	// follows whether a salt is configured.
	NeedCode        *bool    `toml:"need_code,omitempty"`
	AccessCodeTip   string   `toml:"access_code_tip"`
	AccessCodePaths []string `toml:"access_code_paths"`

	BaseURL      string           `toml:"base_url"`
	Protocol     string           `toml:"protocol"`
	OrgID        string           `toml:"org_id,omitempty"`
	EdgeAccess   EdgeAccessConfig `toml:"edge_access"`
	AllowedPaths []string         `toml:"allowed_paths"`

	DisableGPT4      bool   `toml:"disable_gpt4"`
	HideUserAPIKey   bool   `toml:"hide_user_api_key"`
	HideBalanceQuery bool   `toml:"hide_balance_query"`
	ContactEmail     string `toml:"contact_email,omitempty"`

	Downgrade      bool   `toml:"downgrade"`
	ChatBackendURL string `toml:"chat_backend_url"`

	ProxyTimeoutSeconds int      `toml:"proxy_timeout_seconds"`
	CORSOrigins         []string `toml:"cors_origins"`
	ModelsCachePath     string   `toml:"models_cache_path"`

	Log LogConfig `toml:"log"`
	TLS TLSConfig `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "chatgate", defaultConfigFileName)
}

func DefaultModelsCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models-cache.json"
	}
	return filepath.Join(home, ".cache", "chatgate", "models-cache.json")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "chatgate", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:          "127.0.0.1:3000",
		AccessCodeTip:       DefaultAccessCodeTip,
		AccessCodePaths:     append([]string(nil), DefaultAccessCodePaths...),
		BaseURL:             DefaultBaseURL,
		Protocol:            DefaultProtocol,
		AllowedPaths:        append([]string(nil), DefaultAllowedPaths...),
		ChatBackendURL:      DefaultChatBackendURL,
		ProxyTimeoutSeconds: int(DefaultProxyTimeout / time.Second),
		CORSOrigins:         []string{},
		ModelsCachePath:     DefaultModelsCachePath(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		TLS: TLSConfig{
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

// LoadServerConfig builds the process configuration from defaults, the TOML
// file at path (optional), .env files and the environment, in that order.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg, err := readServerConfigFile(path)
	if err != nil {
		return nil, err
	}
	if err := LoadDotEnv(dotEnvCandidates(path)...); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServerConfigFile reads defaults and the TOML file only. Use it for
// configs that are written back, so secrets from the environment never
// land in the file.
func LoadServerConfigFile(path string) (*ServerConfig, error) {
	cfg, err := readServerConfigFile(path)
	if err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

func readServerConfigFile(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	return cfg, nil
}

func dotEnvCandidates(configPath string) []string {
	out := []string{".env"}
	if strings.TrimSpace(configPath) != "" {
		p := filepath.Join(filepath.Dir(configPath), ".env")
		if p != ".env" {
			out = append(out, p)
		}
	}
	return out
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:3000"
	}
	c.Salt = strings.TrimSpace(c.Salt)
	c.AccessCodeTip = strings.TrimSpace(c.AccessCodeTip)
	if c.AccessCodeTip == "" {
		c.AccessCodeTip = DefaultAccessCodeTip
	}
	c.AccessCodePaths = normalizeList(c.AccessCodePaths, func(p string) string {
		p = "/" + strings.Trim(p, "/")
		return p
	})

	c.Protocol = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(c.Protocol), "://"))
	if c.Protocol == "" {
		c.Protocol = DefaultProtocol
	}
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.OrgID = strings.TrimSpace(c.OrgID)
	c.EdgeAccess.ClientID = strings.TrimSpace(c.EdgeAccess.ClientID)
	c.EdgeAccess.ClientSecret = strings.TrimSpace(c.EdgeAccess.ClientSecret)
	c.AllowedPaths = normalizeList(c.AllowedPaths, func(p string) string {
		return strings.Trim(p, "/")
	})
	c.ContactEmail = strings.TrimSpace(c.ContactEmail)

	c.ChatBackendURL = strings.TrimRight(strings.TrimSpace(c.ChatBackendURL), "/")
	if c.ChatBackendURL == "" {
		c.ChatBackendURL = DefaultChatBackendURL
	}
	if c.ProxyTimeoutSeconds <= 0 {
		c.ProxyTimeoutSeconds = int(DefaultProxyTimeout / time.Second)
	}
	c.CORSOrigins = normalizeList(c.CORSOrigins, nil)
	c.ModelsCachePath = strings.TrimSpace(c.ModelsCachePath)

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if _, err := url.Parse(c.UpstreamBaseURL()); err != nil {
		return fmt.Errorf("invalid base_url %q: %w", c.BaseURL, err)
	}
	if c.Protocol != "http" && c.Protocol != "https" {
		return errors.New("protocol must be one of http, https")
	}
	u, err := url.Parse(c.ChatBackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid chat_backend_url %q", c.ChatBackendURL)
	}
	if len(c.AllowedPaths) == 0 {
		return errors.New("allowed_paths cannot be empty")
	}
	if c.ProxyTimeoutSeconds > 24*60*60 {
		return errors.New("proxy_timeout_seconds must be <= 86400")
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		return errors.New("log.format must be one of text, json, logfmt")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

// AccessCodeRequired reports whether requests must carry a valid access code.
func (c ServerConfig) AccessCodeRequired() bool {
	if c.NeedCode != nil {
		return *c.NeedCode
	}
	return c.Salt != ""
}

func (c ServerConfig) ProxyTimeout() time.Duration {
	if c.ProxyTimeoutSeconds <= 0 {
		return DefaultProxyTimeout
	}
	return time.Duration(c.ProxyTimeoutSeconds) * time.Second
}

// UpstreamBaseURL is BaseURL with a scheme and without a trailing slash.
func (c ServerConfig) UpstreamBaseURL() string {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		proto := c.Protocol
		if proto == "" {
			proto = DefaultProtocol
		}
		base = proto + "://" + base
	}
	return strings.TrimRight(base, "/")
}

// PathAllowed reports whether an upstream subpath is on the allow-list.
func (c ServerConfig) PathAllowed(subpath string) bool {
	subpath = strings.Trim(subpath, "/")
	for _, p := range c.AllowedPaths {
		if p == subpath {
			return true
		}
	}
	return false
}

func normalizeList(in []string, fn func(string) string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if fn != nil && v != "" {
			v = fn(v)
		}
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
