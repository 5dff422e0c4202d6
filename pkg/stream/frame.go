// Package stream normalises upstream completion streams into a small frame
// vocabulary: start and keep-alive markers, text deltas, errors and done.
package stream

// Sentinel is written on the raw byte wire for start and keep-alive frames.
// Clients drop it from the visible text.
const Sentinel = "[[CHATGATE]]"

type FrameKind int

const (
	FrameStart FrameKind = iota + 1
	FrameKeepAlive
	FrameDelta
	FrameDone
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameStart:
		return "start"
	case FrameKeepAlive:
		return "keepalive"
	case FrameDelta:
		return "delta"
	case FrameDone:
		return "done"
	case FrameError:
		return "error"
	default:
		return "unknown"
	}
}

// Frame is one unit of the normalised stream. For FrameError, Text holds the
// raw payload that failed to decode and Err the decode error.
type Frame struct {
	Kind FrameKind
	Text string
	Err  error
}

// Wire returns the bytes a frame contributes to the plain-text wire format.
// Done and error frames contribute nothing.
func (f Frame) Wire() []byte {
	switch f.Kind {
	case FrameStart, FrameKeepAlive:
		return []byte(Sentinel)
	case FrameDelta:
		return []byte(f.Text)
	default:
		return nil
	}
}

// Envelope is the JSON form of a frame used on message-oriented transports.
type Envelope struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (f Frame) Envelope(id string) Envelope {
	env := Envelope{ID: id, Type: f.Kind.String()}
	switch f.Kind {
	case FrameDelta:
		env.Text = f.Text
	case FrameError:
		if f.Err != nil {
			env.Text = f.Err.Error()
		}
	}
	return env
}
