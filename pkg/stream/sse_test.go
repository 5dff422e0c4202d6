package stream

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventReaderFields(t *testing.T) {
	body := ": comment\r\n" +
		"id: 7\r\n" +
		"event: token\r\n" +
		"data: line one\r\n" +
		"data:line two\r\n" +
		"\r\n" +
		"\n\n" +
		"retry: 100\n" +
		"data: second\n\n"
	er := NewEventReader(strings.NewReader(body))

	ev, err := er.Next()
	require.NoError(t, err)
	require.Equal(t, Event{ID: "7", Type: "token", Data: "line one\nline two"}, ev)

	ev, err = er.Next()
	require.NoError(t, err)
	require.Equal(t, Event{Data: "second"}, ev)

	_, err = er.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestEventReaderSkipsEventsWithoutData(t *testing.T) {
	er := NewEventReader(strings.NewReader("event: ping\n\ndata: x\n\n"))
	ev, err := er.Next()
	require.NoError(t, err)
	require.Equal(t, "x", ev.Data)
	require.Empty(t, ev.Type, "event type from a dataless event must not leak")
}

func TestEventReaderTrailingEventWithoutNewline(t *testing.T) {
	er := NewEventReader(strings.NewReader("data: tail"))
	ev, err := er.Next()
	require.NoError(t, err)
	require.Equal(t, "tail", ev.Data)
	_, err = er.Next()
	require.ErrorIs(t, err, io.EOF)
}
