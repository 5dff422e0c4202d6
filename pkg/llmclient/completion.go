package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lkarlslund/chatgate/pkg/stream"
	"github.com/lkarlslund/chatgate/pkg/version"
)

const completionsPath = "/api/openai/v1/chat/completions"

// CompletionRequest is an OpenAI chat completion request plus the fields
// the chat backend reads from the same body.
type CompletionRequest struct {
	openai.ChatCompletionRequest
	UserID   string `json:"user_id,omitempty"`
	Sentence string `json:"sentence,omitempty"`
}

// CompletionStream is one streamed completion over the OpenAI-compatible
// route. Like Response, nothing is sent until Frames is ranged over.
type CompletionStream struct {
	client   *Client
	req      *http.Request
	ctx      context.Context
	ctrl     *Controller
	consumed atomic.Bool
}

// OpenCompletion prepares a streamed chat completion. Stream is forced on
// and Sentence defaults to the last message's content.
func (c *Client) OpenCompletion(ctx context.Context, req CompletionRequest) (*CompletionStream, error) {
	req.Stream = true
	if req.Sentence == "" && len(req.Messages) > 0 {
		req.Sentence = req.Messages[len(req.Messages)-1].Content
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}
	ctrl, ctx := newController(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(payload))
	if err != nil {
		ctrl.Abort()
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if c.session != nil {
		if authz := c.session.Authorization(); authz != "" {
			httpReq.Header.Set("Authorization", authz)
		}
	}
	return &CompletionStream{client: c, req: httpReq, ctx: ctx, ctrl: ctrl}, nil
}

func (s *CompletionStream) Controller() *Controller {
	return s.ctrl
}

// Frames performs the request and yields the reply as frames. Error frames
// for undecodable events are passed on and do not end the sequence. A
// non-2xx answer becomes a single delta describing it, followed by
// FrameDone. Abort and idle timeout also end with FrameDone. Only a
// transport failure ends the sequence with an error.
func (s *CompletionStream) Frames() iter.Seq2[stream.Frame, error] {
	return func(yield func(stream.Frame, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield(stream.Frame{}, ErrConsumed)
			return
		}
		ctx, cancel := context.WithCancelCause(s.ctx)
		defer cancel(nil)
		idleTimeout := s.client.idleTimeout
		idle := time.AfterFunc(idleTimeout, func() { cancel(errIdleTimeout) })
		defer idle.Stop()

		done := stream.Frame{Kind: stream.FrameDone}
		resp, err := s.client.httpClient.Do(s.req.WithContext(ctx))
		if err != nil {
			if endsGracefully(ctx) {
				yield(done, nil)
				return
			}
			slog.Debug("completion request failed", "err", err)
			yield(stream.Frame{}, fmt.Errorf("completion request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			text := s.client.statusReply(resp.StatusCode, resp.Header.Get("Content-Type"), body)
			if text != "" && !yield(stream.Frame{Kind: stream.FrameDelta, Text: text}, nil) {
				return
			}
			yield(done, nil)
			return
		}

		body := &activityReader{r: resp.Body, touch: func() { idle.Reset(idleTimeout) }}
		rf := stream.NewReframer(body, stream.DetectMode(resp.Header.Get("Content-Type")))
		for f, err := range rf.Frames(ctx) {
			if err != nil {
				if endsGracefully(ctx) {
					yield(done, nil)
					return
				}
				yield(stream.Frame{}, fmt.Errorf("read completion stream: %w", err))
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// statusReply is the text shown in place of a reply for a non-2xx answer.
// A plain text body is shown as is. Otherwise the body, indented when it
// is JSON, follows the unauthorized message on 401.
func (c *Client) statusReply(status int, contentType string, body []byte) string {
	raw := strings.TrimSpace(string(body))
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt == "text/plain" {
		return raw
	}
	var parts []string
	if status == http.StatusUnauthorized {
		parts = append(parts, UnauthorizedMessage(c.contactEmail))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err == nil {
		raw = strings.TrimSpace(pretty.String())
	}
	if raw != "" {
		parts = append(parts, raw)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("request failed with status %d", status)
	}
	return strings.Join(parts, "\n\n")
}

// activityReader calls touch after every read that returned data.
type activityReader struct {
	r     io.Reader
	touch func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}
