package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const DefaultClientServerURL = "http://127.0.0.1:3000"

// ClientConfig is what the command line client persists between runs.
type ClientConfig struct {
	ServerURL          string `toml:"server_url"`
	AccessCode         string `toml:"access_code,omitempty"`
	Token              string `toml:"token,omitempty"`
	Model              string `toml:"model,omitempty"`
	ContactEmail       string `toml:"contact_email,omitempty"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds,omitempty"`
}

func DefaultClientConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "client.toml"
	}
	return filepath.Join(home, ".config", "chatgate", "client.toml")
}

func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{ServerURL: DefaultClientServerURL}
}

// LoadOrCreateClientConfig reads path, writing the defaults there first if
// the file does not exist yet.
func LoadOrCreateClientConfig(path string) (*ClientConfig, error) {
	cfg := NewDefaultClientConfig()
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("create client config: %w", err)
		}
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) Normalize() {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if c.ServerURL == "" {
		c.ServerURL = DefaultClientServerURL
	}
	c.AccessCode = strings.TrimSpace(c.AccessCode)
	c.Token = strings.TrimSpace(c.Token)
	c.Model = strings.TrimSpace(c.Model)
	c.ContactEmail = strings.TrimSpace(c.ContactEmail)
	if c.IdleTimeoutSeconds < 0 {
		c.IdleTimeoutSeconds = 0
	}
}

func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server_url must be absolute, got %q", c.ServerURL)
	}
	return nil
}
