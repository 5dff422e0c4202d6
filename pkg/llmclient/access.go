package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/lkarlslund/chatgate/pkg/accesscode"
)

const configPath = "/api/config"

// AccessConfig mirrors the feature switches served at /api/config.
type AccessConfig struct {
	NeedCode         bool `json:"needCode"`
	HideUserAPIKey   bool `json:"hideUserApiKey"`
	DisableGPT4      bool `json:"disableGPT4"`
	HideBalanceQuery bool `json:"hideBalanceQuery"`
}

type FetchState int

const (
	StateNotFetched FetchState = iota
	StateFetching
	StateDone
)

func (s FetchState) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateDone:
		return "done"
	default:
		return "not_fetched"
	}
}

// AccessStore loads the server's AccessConfig at most once. A failed fetch
// still ends in StateDone and the defaults stay in effect.
type AccessStore struct {
	client *Client
	salt   string

	mu     sync.Mutex
	state  FetchState
	loaded chan struct{}
	config AccessConfig
	err    error
}

// NewAccessStore uses salt only for the local IsAuthorized check; leave it
// empty when the client does not know the server secret.
func NewAccessStore(client *Client, salt string) *AccessStore {
	salt = strings.TrimSpace(salt)
	return &AccessStore{
		client: client,
		salt:   salt,
		config: AccessConfig{
			NeedCode:         salt != "",
			HideUserAPIKey:   true,
			HideBalanceQuery: true,
		},
	}
}

func (s *AccessStore) State() FetchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *AccessStore) Config() AccessConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// EnsureLoaded fetches the config on first call. Concurrent callers wait for
// the same fetch; later callers get the stored result without a request.
func (s *AccessStore) EnsureLoaded(ctx context.Context) (AccessConfig, error) {
	s.mu.Lock()
	switch s.state {
	case StateDone:
		cfg, err := s.config, s.err
		s.mu.Unlock()
		return cfg, err
	case StateFetching:
		loaded := s.loaded
		s.mu.Unlock()
		select {
		case <-loaded:
		case <-ctx.Done():
			return s.Config(), ctx.Err()
		}
		s.mu.Lock()
		cfg, err := s.config, s.err
		s.mu.Unlock()
		return cfg, err
	}
	s.state = StateFetching
	s.loaded = make(chan struct{})
	s.mu.Unlock()

	cfg, err := s.fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		slog.Warn("failed to fetch access config", "err", err)
	} else {
		slog.Debug("access config loaded", "need_code", cfg.NeedCode, "disable_gpt4", cfg.DisableGPT4)
		s.config = cfg
	}
	s.err = err
	s.state = StateDone
	close(s.loaded)
	return s.config, err
}

func (s *AccessStore) fetch(ctx context.Context) (AccessConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.client.baseURL+configPath, nil)
	if err != nil {
		return AccessConfig{}, fmt.Errorf("build config request: %w", err)
	}
	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return AccessConfig{}, fmt.Errorf("config request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return AccessConfig{}, &StatusError{StatusCode: resp.StatusCode}
	}
	var cfg AccessConfig
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&cfg); err != nil {
		return AccessConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// IsAuthorized reports whether code would be accepted. Without a known
// salt a non-empty code is assumed valid and left to the server to check.
func (s *AccessStore) IsAuthorized(ctx context.Context, code string) bool {
	cfg, _ := s.EnsureLoaded(ctx)
	if !cfg.NeedCode {
		return true
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	return accesscode.Validate(code, s.salt)
}
