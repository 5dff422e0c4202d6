package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreateClientConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "client.toml")
	cfg, err := LoadOrCreateClientConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != DefaultClientServerURL {
		t.Fatalf("unexpected server url: %q", cfg.ServerURL)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected config file to be created: %v", err)
	}
	if !strings.Contains(string(b), "server_url") || strings.Contains(string(b), "access_code") {
		t.Fatalf("unexpected file contents:\n%s", b)
	}
}

func TestClientConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	in := &ClientConfig{ServerURL: " https://chat.example.com/ ", AccessCode: "friend-99c861a4b8", Model: "gpt-3.5-turbo"}
	in.Normalize()
	if err := Save(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := LoadOrCreateClientConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *out != *in {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
	if out.ServerURL != "https://chat.example.com" {
		t.Fatalf("trailing slash must be trimmed, got %q", out.ServerURL)
	}
}

func TestClientConfigValidate(t *testing.T) {
	cfg := &ClientConfig{ServerURL: "chat.example.com"}
	cfg.Normalize()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected relative server url to be rejected")
	}
}
