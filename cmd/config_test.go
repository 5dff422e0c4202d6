package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigWizardDoesNotPersistEnvironmentSecrets(t *testing.T) {
	t.Setenv("SALT", "env-salt-value")
	t.Setenv("CLIENT_SECRET", "env-client-secret")
	path := filepath.Join(t.TempDir(), "chatgate.toml")
	if err := os.WriteFile(path, []byte("listen_addr = \"127.0.0.1:4000\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := runRoot(t, "config", "--server-config", path); err != nil {
		t.Fatalf("config: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	saved := string(b)
	for _, secret := range []string{"env-salt-value", "env-client-secret"} {
		if strings.Contains(saved, secret) {
			t.Fatalf("environment secret %q written to config:\n%s", secret, saved)
		}
	}
	if !strings.Contains(saved, "127.0.0.1:4000") {
		t.Fatalf("file value lost:\n%s", saved)
	}
}
