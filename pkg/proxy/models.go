package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lkarlslund/chatgate/pkg/cache"
)

const (
	upstreamModelsPath = "v1/models"
	modelsCacheTTL     = time.Minute
	modelsCacheEntries = 256
	disabledFamily     = "gpt-4"
)

var defaultModels = []openai.Model{
	{ID: "gpt-4", Object: "model", OwnedBy: "openai"},
	{ID: "gpt-4-0613", Object: "model", OwnedBy: "openai"},
	{ID: "gpt-4-32k", Object: "model", OwnedBy: "openai"},
	{ID: "gpt-4-32k-0613", Object: "model", OwnedBy: "openai"},
	{ID: "gpt-3.5-turbo", Object: "model", OwnedBy: "openai"},
	{ID: "gpt-3.5-turbo-0613", Object: "model", OwnedBy: "openai"},
	{ID: "gpt-3.5-turbo-16k", Object: "model", OwnedBy: "openai"},
	{ID: "gpt-3.5-turbo-16k-0613", Object: "model", OwnedBy: "openai"},
}

func isModelsPath(subpath string) bool {
	subpath = strings.Trim(subpath, "/")
	return subpath == upstreamModelsPath || subpath == "models"
}

// modelCatalog lists upstream models per caller credential. Failures fall
// back to the last good list persisted on disk, then to defaultModels.
type modelCatalog struct {
	upstream     *Upstream
	disableGPT4  bool
	byCredential *cache.TTLMap[string, []openai.Model]
	snapshotPath string
	lastGood     atomic.Pointer[[]openai.Model]
}

func newModelCatalog(upstream *Upstream, disableGPT4 bool, snapshotPath string) *modelCatalog {
	c := &modelCatalog{
		upstream:     upstream,
		disableGPT4:  disableGPT4,
		byCredential: cache.NewTTLMap[string, []openai.Model](modelsCacheTTL, modelsCacheEntries),
		snapshotPath: strings.TrimSpace(snapshotPath),
	}
	c.loadSnapshot()
	return c
}

func (c *modelCatalog) loadSnapshot() {
	if c.snapshotPath == "" {
		return
	}
	snap, err := cache.LoadSnapshot[[]openai.Model](c.snapshotPath)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			slog.Warn("failed to load models cache", "path", c.snapshotPath, "err", err)
		}
		return
	}
	if len(snap.Data) > 0 {
		c.lastGood.Store(&snap.Data)
	}
}

// List returns the visible models for the caller of r and where they came from.
func (c *modelCatalog) List(ctx context.Context, r *http.Request) ([]openai.Model, string) {
	key := credentialFingerprint(r.Header.Get("Authorization"))
	now := nowUTC()
	if models, ok := c.byCredential.Get(key, now); ok {
		return c.visible(models), "cache"
	}
	models, err := c.fetch(ctx, r)
	if err != nil {
		slog.Warn("model listing failed, using fallback", "err", err)
		if last := c.lastGood.Load(); last != nil {
			return c.visible(*last), "snapshot"
		}
		return c.visible(defaultModels), "default"
	}
	c.byCredential.Put(key, models, now)
	c.lastGood.Store(&models)
	if c.snapshotPath != "" {
		if err := cache.SaveSnapshot(c.snapshotPath, models, now); err != nil {
			slog.Warn("failed to persist models cache", "path", c.snapshotPath, "err", err)
		}
	}
	return c.visible(models), "upstream"
}

func (c *modelCatalog) fetch(ctx context.Context, r *http.Request) ([]openai.Model, error) {
	out := r.Clone(ctx)
	out.Method = http.MethodGet
	out.Body = http.NoBody
	out.ContentLength = 0
	out.URL.RawQuery = ""
	resp, err := c.upstream.Forward(ctx, out, upstreamModelsPath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("upstream models status %d", resp.StatusCode)
	}
	var list openai.ModelsList
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode upstream models: %w", err)
	}
	if len(list.Models) == 0 {
		return nil, errors.New("upstream returned no models")
	}
	return list.Models, nil
}

func (c *modelCatalog) visible(models []openai.Model) []openai.Model {
	out := make([]openai.Model, 0, len(models))
	for _, m := range models {
		if c.disableGPT4 && strings.HasPrefix(m.ID, disabledFamily) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func credentialFingerprint(authorization string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(authorization)))
	return hex.EncodeToString(sum[:8])
}
