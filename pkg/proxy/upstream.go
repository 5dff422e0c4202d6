package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lkarlslund/chatgate/pkg/config"
)

// ErrUpstreamTimeout is returned when the upstream does not answer within
// the configured proxy timeout.
var ErrUpstreamTimeout = errors.New("upstream timeout")

const (
	headerEdgeClientID     = "CF-Access-Client-Id"
	headerEdgeClientSecret = "CF-Access-Client-Secret"
	headerOrganization     = "OpenAI-Organization"
)

// Upstream forwards allowed API calls to the configured provider.
type Upstream struct {
	baseURL string
	orgID   string
	edge    config.EdgeAccessConfig
	timeout time.Duration
	client  *http.Client
}

func NewUpstream(cfg config.ServerConfig, client *http.Client) *Upstream {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Upstream{
		baseURL: cfg.UpstreamBaseURL(),
		orgID:   cfg.OrgID,
		edge:    cfg.EdgeAccess,
		timeout: cfg.ProxyTimeout(),
		client:  client,
	}
}

// ResolveURL joins the upstream base with a subpath (and optional query).
func (u *Upstream) ResolveURL(subpath, rawQuery string) string {
	target := u.baseURL + "/" + strings.TrimLeft(subpath, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Forward sends in to subpath upstream, streaming the request body through.
// The returned body must be closed; closing it releases the timeout.
func (u *Upstream) Forward(ctx context.Context, in *http.Request, subpath string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	var body io.Reader
	if in.Body != nil && in.Body != http.NoBody && in.Method != http.MethodGet && in.Method != http.MethodHead {
		body = in.Body
	}
	req, err := http.NewRequestWithContext(ctx, in.Method, u.ResolveURL(subpath, in.URL.RawQuery), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != nil {
		req.ContentLength = in.ContentLength
	}
	u.applyHeaders(req.Header, in.Header.Get("Authorization"))

	resp, err := u.client.Do(req)
	if err != nil {
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()
		if timedOut {
			return nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, u.timeout)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	// a browser receiving WWW-Authenticate would pop its own credential dialog
	resp.Header.Del("WWW-Authenticate")
	resp.Header.Set("X-Accel-Buffering", "no")
	return resp, nil
}

func (u *Upstream) applyHeaders(h http.Header, authorization string) {
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	if authorization != "" {
		h.Set("Authorization", authorization)
	}
	if u.orgID != "" {
		h.Set(headerOrganization, u.orgID)
	}
	applyEdgeHeaders(h, u.edge)
}

func applyEdgeHeaders(h http.Header, edge config.EdgeAccessConfig) {
	if edge.ClientID != "" {
		h.Set(headerEdgeClientID, edge.ClientID)
	}
	if edge.ClientSecret != "" {
		h.Set(headerEdgeClientSecret, edge.ClientSecret)
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// relayResponse writes resp to w, flushing after every read so streamed
// bodies reach the client as they arrive.
func relayResponse(w http.ResponseWriter, resp *http.Response) (int64, error) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		switch strings.ToLower(k) {
		case "connection", "keep-alive", "transfer-encoding", "te", "trailer", "upgrade", "host", "content-length":
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
