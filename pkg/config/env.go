package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var lookupEnv = os.LookupEnv

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped and variables already set are left untouched.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables on top of the file configuration.
func (c *ServerConfig) ApplyEnv() error {
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.Salt, "SALT")
	setString(&c.AccessCodeTip, "ACCESS_CODE_TIP")
	setString(&c.BaseURL, "BASE_URL")
	setString(&c.Protocol, "PROTOCOL")
	setString(&c.OrgID, "OPENAI_ORG_ID")
	setString(&c.EdgeAccess.ClientID, "CLIENT_ID")
	setString(&c.EdgeAccess.ClientSecret, "CLIENT_SECRET")
	setString(&c.ContactEmail, "EMAIL")
	setString(&c.ChatBackendURL, "SERVER_URL")
	setString(&c.ModelsCachePath, "MODELS_CACHE_PATH")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setList(&c.CORSOrigins, "CORS_ORIGINS")
	setList(&c.AllowedPaths, "ALLOWED_PATHS")

	if v, ok, err := envBool("NEED_CODE"); err != nil {
		return err
	} else if ok {
		c.NeedCode = &v
	}
	for key, dst := range map[string]*bool{
		"DISABLE_GPT4":       &c.DisableGPT4,
		"HIDE_USER_API_KEY":  &c.HideUserAPIKey,
		"HIDE_BALANCE_QUERY": &c.HideBalanceQuery,
		"DOWNGRADE":          &c.Downgrade,
	} {
		v, ok, err := envBool(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
	}
	if raw, ok := envValue("PROXY_TIMEOUT"); ok {
		d, err := parseTimeout(raw)
		if err != nil {
			return fmt.Errorf("parse PROXY_TIMEOUT: %w", err)
		}
		c.ProxyTimeoutSeconds = int(d / time.Second)
	}
	return nil
}

func envValue(key string) (string, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

func setString(dst *string, key string) {
	if v, ok := envValue(key); ok {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v, ok := envValue(key); ok {
		*dst = strings.Split(v, ",")
	}
}

// envBool accepts yes/no and on/off in addition to strconv.ParseBool forms.
func envBool(key string) (bool, bool, error) {
	v, ok := envValue(key)
	if !ok {
		return false, false, nil
	}
	switch strings.ToLower(v) {
	case "0", "false", "no", "off":
		return false, true, nil
	case "1", "true", "yes", "on":
		return true, true, nil
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b, true, nil
	}
	return false, false, fmt.Errorf("parse %s: invalid boolean %q", key, v)
}

func parseTimeout(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("must be > 0")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < time.Second {
		return 0, fmt.Errorf("must be >= 1s")
	}
	return d, nil
}
