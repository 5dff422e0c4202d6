package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// Event is one dispatched server-sent event.
type Event struct {
	ID   string
	Type string
	Data string
}

// EventReader parses a text/event-stream body one event at a time.
type EventReader struct {
	r *bufio.Reader
}

func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{r: bufio.NewReaderSize(r, 32*1024)}
}

// Next returns the next event with at least one data line. It returns
// io.EOF once the body is exhausted; a trailing event without the blank
// separator line is still delivered.
func (er *EventReader) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		hasData bool
	)
	for {
		line, err := er.r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Event{}, err
		}
		atEOF := err != nil
		if atEOF && len(line) == 0 {
			if hasData {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			return Event{}, io.EOF
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if hasData {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			ev = Event{}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := strings.Cut(string(line), ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			ev.Type = value
		case "id":
			ev.ID = value
		}
		if atEOF {
			if hasData {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			return Event{}, io.EOF
		}
	}
}
