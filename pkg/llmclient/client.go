package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/lkarlslund/chatgate/pkg/stream"
	"github.com/lkarlslund/chatgate/pkg/version"
)

const (
	DefaultIdleTimeout = 5 * time.Minute
	chatStreamPath     = "/api/chat-stream"
)

const MsgUnauthorized = "Unauthorized access, please enter access code in settings page."

// UnauthorizedMessage is the text shown in place of a reply when the
// server answers 401. A contact email, when known, is included.
func UnauthorizedMessage(contactEmail string) string {
	contactEmail = strings.TrimSpace(contactEmail)
	if contactEmail == "" {
		return MsgUnauthorized
	}
	return fmt.Sprintf("Unauthorized access, please contact %s for an access code.", contactEmail)
}

var (
	// ErrConsumed is yielded when Updates is ranged over a second time.
	ErrConsumed = errors.New("response updates already consumed")

	errIdleTimeout = errors.New("stream idle timeout")
)

type ChatRequest struct {
	Sentence string `json:"sentence"`
	Model    string `json:"model,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// StatusError reports a non-2xx, non-401 answer to a chat stream request.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stream error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("stream error: status %d: %s", e.StatusCode, e.Body)
}

// Update is the accumulated reply so far. The final Update has Done set.
type Update struct {
	Text string
	Done bool
}

type Client struct {
	baseURL      string
	httpClient   *http.Client
	session      *Session
	idleTimeout  time.Duration
	contactEmail string
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithSession sends the session's access code and token on every request.
func WithSession(s Session) ClientOption {
	return func(c *Client) {
		c.session = &s
	}
}

func WithIdleTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

func WithContactEmail(email string) ClientOption {
	return func(c *Client) {
		c.contactEmail = strings.TrimSpace(email)
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient:  &http.Client{},
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.session != nil {
		hc := *c.httpClient
		hc.Transport = c.session.WrapRoundTripper(hc.Transport)
		c.httpClient = &hc
	}
	return c
}

// Response is one chat stream. Nothing is sent until Updates is ranged
// over, so the Controller can be handed out first.
type Response struct {
	client   *Client
	req      *http.Request
	ctx      context.Context
	ctrl     *Controller
	consumed atomic.Bool
}

// Open prepares a chat stream request bound to a fresh Controller.
func (c *Client) Open(ctx context.Context, req ChatRequest) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	ctrl, ctx := newController(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatStreamPath, bytes.NewReader(payload))
	if err != nil {
		ctrl.Abort()
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	return &Response{client: c, req: httpReq, ctx: ctx, ctrl: ctrl}, nil
}

func (r *Response) Controller() *Controller {
	return r.ctrl
}

// Updates performs the request and yields the growing reply. The sequence
// ends with exactly one terminal item: an Update with Done set (normal end,
// idle timeout, abort, or 401) or a non-nil error. It can be ranged over
// once.
func (r *Response) Updates() iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		if !r.consumed.CompareAndSwap(false, true) {
			yield(Update{}, ErrConsumed)
			return
		}
		ctx, cancel := context.WithCancelCause(r.ctx)
		defer cancel(nil)
		idleTimeout := r.client.idleTimeout
		idle := time.AfterFunc(idleTimeout, func() { cancel(errIdleTimeout) })
		defer idle.Stop()

		resp, err := r.client.httpClient.Do(r.req.WithContext(ctx))
		if err != nil {
			if endsGracefully(ctx) {
				yield(Update{Done: true}, nil)
				return
			}
			slog.Debug("chat stream request failed", "err", err)
			yield(Update{}, fmt.Errorf("chat stream request: %w", err))
			return
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			yield(Update{Text: UnauthorizedMessage(r.client.contactEmail), Done: true}, nil)
			return
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			yield(Update{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
			return
		}

		var text strings.Builder
		var filter wireFilter
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				idle.Reset(idleTimeout)
				if chunk := filter.push(buf[:n]); chunk != "" {
					text.WriteString(chunk)
					if !yield(Update{Text: text.String()}, nil) {
						return
					}
				}
			}
			if readErr == nil {
				continue
			}
			text.WriteString(filter.flush())
			if errors.Is(readErr, io.EOF) || endsGracefully(ctx) {
				yield(Update{Text: text.String(), Done: true}, nil)
				return
			}
			yield(Update{}, fmt.Errorf("read chat stream: %w", readErr))
			return
		}
	}
}

// endsGracefully reports whether ctx ended through an idle timeout or an
// explicit abort, both of which finish the stream with its partial text.
func endsGracefully(ctx context.Context) bool {
	cause := context.Cause(ctx)
	return errors.Is(cause, errIdleTimeout) || errors.Is(cause, ErrAborted)
}

type Callbacks struct {
	OnMessage    func(text string, done bool)
	OnError      func(err error)
	OnController func(c *Controller)
}

// Stream runs a chat stream to completion, reporting through cb. It blocks;
// run it in a goroutine and stop it through the published Controller.
// Exactly one of OnMessage(_, true) and OnError is called.
func (c *Client) Stream(ctx context.Context, req ChatRequest, cb Callbacks) {
	onMessage := cb.OnMessage
	if onMessage == nil {
		onMessage = func(string, bool) {}
	}
	onError := cb.OnError
	if onError == nil {
		onError = func(error) {}
	}

	resp, err := c.Open(ctx, req)
	if err != nil {
		onError(err)
		return
	}
	if cb.OnController != nil {
		cb.OnController(resp.Controller())
	}
	for u, err := range resp.Updates() {
		if err != nil {
			onError(err)
			return
		}
		onMessage(u.Text, u.Done)
	}
}

var sentinel = []byte(stream.Sentinel)

// wireFilter strips sentinel frames from raw wire bytes. A sentinel or a
// rune split across reads is held back until the next push.
type wireFilter struct {
	pending []byte
}

func (f *wireFilter) push(b []byte) string {
	data := append(f.pending, b...)
	data = bytes.ReplaceAll(data, sentinel, nil)
	keep := heldBack(data)
	f.pending = append([]byte(nil), data[len(data)-keep:]...)
	return string(data[:len(data)-keep])
}

func (f *wireFilter) flush() string {
	out := string(f.pending)
	f.pending = nil
	return out
}

func heldBack(b []byte) int {
	for k := min(len(b), len(sentinel)-1); k > 0; k-- {
		if bytes.HasSuffix(b, sentinel[:k]) {
			return k
		}
	}
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}
