package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

const (
	markerDone  = "[DONE]"
	markerStart = "[START]"
	markerKeep  = "[KEEP]"
)

type Mode int

const (
	// ModeEvents parses text/event-stream bodies.
	ModeEvents Mode = iota
	// ModeText forwards any other body as deltas, one per read.
	ModeText
)

// DetectMode picks the parsing mode from a response Content-Type.
func DetectMode(contentType string) Mode {
	mt, _, err := mime.ParseMediaType(contentType)
	if err == nil && strings.EqualFold(mt, "text/event-stream") {
		return ModeEvents
	}
	return ModeText
}

// Reframer turns an upstream body into frames. Frames come out in upstream
// order and the sequence always ends with exactly one FrameDone unless the
// transport fails. A Reframer is single use.
type Reframer struct {
	mode   Mode
	body   io.Reader
	events *EventReader
	buf    []byte
	carry  []byte
	done   bool
	total  strings.Builder
	final  string
}

func NewReframer(body io.Reader, mode Mode) *Reframer {
	r := &Reframer{mode: mode, body: body}
	if mode == ModeEvents {
		r.events = NewEventReader(body)
	} else {
		r.buf = make([]byte, 32*1024)
	}
	return r
}

// Next returns the next frame, io.EOF after FrameDone, or the transport error.
func (r *Reframer) Next() (Frame, error) {
	if r.done {
		return Frame{}, io.EOF
	}
	if r.mode == ModeText {
		return r.nextText()
	}
	return r.nextEvent()
}

// Frames exposes the remaining frames as a sequence. It stops after
// FrameDone, on a transport error (yielded once) or when ctx is cancelled.
func (r *Reframer) Frames(ctx context.Context) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(Frame{}, err)
				return
			}
			f, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Frame{}, err)
				return
			}
			if !yield(f, nil) || f.Kind == FrameDone {
				return
			}
		}
	}
}

// Text returns the delta text accumulated so far, or the full transcript
// once the stream is done.
func (r *Reframer) Text() string {
	if r.done {
		return r.final
	}
	return r.total.String()
}

func (r *Reframer) finish() Frame {
	r.done = true
	r.final = r.total.String()
	r.total.Reset()
	return Frame{Kind: FrameDone}
}

func (r *Reframer) nextEvent() (Frame, error) {
	for {
		ev, err := r.events.Next()
		if errors.Is(err, io.EOF) {
			return r.finish(), nil
		}
		if err != nil {
			return Frame{}, err
		}
		data := strings.TrimSpace(ev.Data)
		switch data {
		case "":
			continue
		case markerDone:
			return r.finish(), nil
		case markerStart:
			return Frame{Kind: FrameStart, Text: Sentinel}, nil
		case markerKeep:
			return Frame{Kind: FrameKeepAlive, Text: Sentinel}, nil
		}
		text, err := decodePayload(data)
		if err != nil {
			slog.Warn("stream event payload rejected", "err", err, "bytes", len(data))
			return Frame{Kind: FrameError, Text: data, Err: err}, nil
		}
		if text == "" {
			continue
		}
		r.total.WriteString(text)
		return Frame{Kind: FrameDelta, Text: text}, nil
	}
}

func (r *Reframer) nextText() (Frame, error) {
	for {
		n, err := r.body.Read(r.buf)
		if n > 0 {
			chunk := append(r.carry, r.buf[:n]...)
			cut := completeUTF8Prefix(chunk)
			text := string(chunk[:cut])
			r.carry = append([]byte(nil), chunk[cut:]...)
			if text != "" {
				r.total.WriteString(text)
				return Frame{Kind: FrameDelta, Text: text}, nil
			}
		}
		if errors.Is(err, io.EOF) {
			if len(r.carry) > 0 {
				text := string(r.carry)
				r.carry = nil
				r.total.WriteString(text)
				return Frame{Kind: FrameDelta, Text: text}, nil
			}
			return r.finish(), nil
		}
		if err != nil {
			return Frame{}, err
		}
	}
}

// completeUTF8Prefix returns the length of b without a trailing partial
// multi-byte sequence.
func completeUTF8Prefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

type messagePayload struct {
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

// decodePayload extracts display text from one event. The message field
// wins over detail; OpenAI chunk deltas are accepted as a last resort.
func decodePayload(data string) (string, error) {
	var p messagePayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return "", fmt.Errorf("decode event payload: %w", err)
	}
	if p.Message != "" {
		return p.Message, nil
	}
	if len(p.Detail) > 0 && string(p.Detail) != "null" {
		var s string
		if err := json.Unmarshal(p.Detail, &s); err == nil {
			return s, nil
		}
		return string(p.Detail), nil
	}
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(data), &chunk); err == nil && len(chunk.Choices) > 0 {
		return chunk.Choices[0].Delta.Content, nil
	}
	return "", nil
}
