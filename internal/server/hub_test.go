package server

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgeloop/forgeloop/internal/protocol"
)

func TestLiveStreamSlowSubscriberKeepsTerminalSequence(t *testing.T) {
	ls := newLiveStream("sess-slow", nil)
	frames, err := ls.subscribe()
	require.NoError(t, err)

	// Overfill the backlog without reading a single frame.
	for i := 0; i < subscriberBuffer+64; i++ {
		require.NoError(t, ls.Send(protocol.Event{
			Type:    protocol.TypeProgress,
			Message: fmt.Sprintf("chunk %d", i),
		}))
	}

	require.NoError(t, ls.Send(protocol.Event{Type: protocol.TypeComplete}))
	require.NoError(t, ls.End())
	require.NoError(t, ls.Close())

	var got [][]byte
	for frame := range frames {
		got = append(got, frame)
	}

	// Intermediate frames past the backlog are lost, but the terminal
	// envelope and the sentinel always arrive, in order.
	require.Len(t, got, subscriberBuffer+2)
	require.Equal(t, protocol.StreamEnd, string(got[len(got)-1]))

	var terminal struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(got[len(got)-2], &terminal))
	require.Equal(t, string(protocol.TypeComplete), terminal.Type)
}

func TestLiveStreamSlowSubscriberKeepsErrorTerminal(t *testing.T) {
	ls := newLiveStream("sess-slow-err", nil)
	frames, err := ls.subscribe()
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, ls.Send(protocol.Event{Type: protocol.TypeProgress, Message: "spam"}))
	}

	require.NoError(t, ls.Send(protocol.Event{Type: protocol.TypeError, Error: "exit status 1"}))
	require.NoError(t, ls.End())
	require.NoError(t, ls.Close())

	var got [][]byte
	for frame := range frames {
		got = append(got, frame)
	}

	require.Equal(t, protocol.StreamEnd, string(got[len(got)-1]))

	var terminal struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(got[len(got)-2], &terminal))
	require.Equal(t, string(protocol.TypeError), terminal.Type)
	require.Equal(t, "exit status 1", terminal.Error)
}

func TestLiveStreamSubscribeStates(t *testing.T) {
	ls := newLiveStream("sess-sub", nil)

	_, err := ls.subscribe()
	require.NoError(t, err)

	_, err = ls.subscribe()
	require.ErrorIs(t, err, ErrSubscriberAttached)

	ls.unsubscribe()
	_, err = ls.subscribe()
	require.NoError(t, err)

	require.NoError(t, ls.Close())
	_, err = ls.subscribe()
	require.ErrorIs(t, err, ErrStreamEnded)
}
