package llmclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/lkarlslund/chatgate/pkg/accesscode"
	"github.com/lkarlslund/chatgate/pkg/stream"
)

func userMessage(text string) CompletionRequest {
	return CompletionRequest{ChatCompletionRequest: openai.ChatCompletionRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: text}},
	}}
}

// collectFrames drains a completion and returns the delta text, the number
// of error frames, the number of done frames and the terminal error.
func collectFrames(t *testing.T, cs *CompletionStream) (string, int, int, error) {
	t.Helper()
	var text strings.Builder
	var errFrames, doneFrames int
	for f, err := range cs.Frames() {
		if err != nil {
			return text.String(), errFrames, doneFrames, err
		}
		switch f.Kind {
		case stream.FrameDelta:
			text.WriteString(f.Text)
		case stream.FrameError:
			errFrames++
		case stream.FrameDone:
			doneFrames++
		}
	}
	return text.String(), errFrames, doneFrames, nil
}

func TestCompletionAccumulatesMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/openai/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer nk-friend-99c861a4b8", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, true, body["stream"])
		require.Equal(t, "hi", body["sentence"])

		w.Header().Set("Content-Type", "text/event-stream")
		flushWrite(w, "data: [START]\n\n")
		flushWrite(w, "data: {\"message\":\"Hel\"}\n\n")
		flushWrite(w, "data: not json\n\n")
		flushWrite(w, "data: {\"message\":\"lo\"}\n\n")
		flushWrite(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithSession(NewSession(WithAccessCode("friend-99c861a4b8"))))
	cs, err := c.OpenCompletion(context.Background(), userMessage("hi"))
	require.NoError(t, err)
	text, errFrames, doneFrames, err := collectFrames(t, cs)
	require.NoError(t, err)
	require.Equal(t, "Hello", text)
	require.Equal(t, 1, errFrames)
	require.Equal(t, 1, doneFrames)

	for _, err := range cs.Frames() {
		require.ErrorIs(t, err, ErrConsumed)
	}
}

func TestCompletionPlainTextIsWholeReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "the whole answer")
	}))
	defer srv.Close()

	cs, err := NewClient(srv.URL).OpenCompletion(context.Background(), userMessage("hi"))
	require.NoError(t, err)
	text, _, doneFrames, err := collectFrames(t, cs)
	require.NoError(t, err)
	require.Equal(t, "the whole answer", text)
	require.Equal(t, 1, doneFrames)
}

func TestCompletionErrorStatusBecomesReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("X-Case") {
		case "unauthorized":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":true,"msg":"wrong access code"}`)
		case "plain":
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, "slow down")
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	run := func(tc string) string {
		hc := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			r = r.Clone(r.Context())
			r.Header.Set("X-Case", tc)
			return http.DefaultTransport.RoundTrip(r)
		})}
		cs, err := NewClient(srv.URL, WithHTTPClient(hc)).OpenCompletion(context.Background(), userMessage("hi"))
		require.NoError(t, err)
		text, _, doneFrames, err := collectFrames(t, cs)
		require.NoError(t, err)
		require.Equal(t, 1, doneFrames)
		return text
	}

	got := run("unauthorized")
	require.True(t, strings.HasPrefix(got, MsgUnauthorized+"\n\n"), got)
	require.Contains(t, got, `"msg": "wrong access code"`)
	require.Equal(t, "slow down", run("plain"))
	require.Equal(t, "request failed with status 502", run("empty"))
}

func TestCompletionAbortEndsWithDone(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flushWrite(w, "data: {\"message\":\"partial\"}\n\n")
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	cs, err := NewClient(srv.URL).OpenCompletion(context.Background(), userMessage("hi"))
	require.NoError(t, err)
	var text strings.Builder
	var kinds []stream.FrameKind
	started := time.Now()
	for f, err := range cs.Frames() {
		require.NoError(t, err)
		kinds = append(kinds, f.Kind)
		if f.Kind == stream.FrameDelta {
			text.WriteString(f.Text)
			cs.Controller().Abort()
		}
	}
	require.Less(t, time.Since(started), 3*time.Second)
	require.Equal(t, "partial", text.String())
	require.Equal(t, stream.FrameDone, kinds[len(kinds)-1])
	require.True(t, cs.Controller().Aborted())
}

func TestCompletionTransportFailureIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flushWrite(w, "data: {\"message\":\"partial\"}\n\n")
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	cs, err := NewClient(srv.URL).OpenCompletion(context.Background(), userMessage("hi"))
	require.NoError(t, err)
	text, _, doneFrames, err := collectFrames(t, cs)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, "partial", text)
	require.Zero(t, doneFrames)
}

func TestCompletionThroughGateway(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flushWrite(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi \"}}]}\n\n")
		flushWrite(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"there\"}}]}\n\n")
		flushWrite(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()
	srv := newGateway(t, upstream.URL, upstream.URL)

	code, err := accesscode.Sign("friend", "secret")
	require.NoError(t, err)
	cs, err := NewClient(srv.URL, WithSession(NewSession(WithAccessCode(code)))).
		OpenCompletion(context.Background(), userMessage("hi"))
	require.NoError(t, err)
	text, errFrames, doneFrames, err := collectFrames(t, cs)
	require.NoError(t, err)
	require.Equal(t, "Hi there", text)
	require.Zero(t, errFrames)
	require.Equal(t, 1, doneFrames)

	cs, err = NewClient(srv.URL, WithSession(NewSession(WithAccessCode("friend-0000000000")))).
		OpenCompletion(context.Background(), userMessage("hi"))
	require.NoError(t, err)
	text, _, _, err = collectFrames(t, cs)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(text, MsgUnauthorized), text)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
