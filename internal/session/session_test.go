package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgeloop/forgeloop/internal/protocol"
)

type recorderSink struct {
	mu     sync.Mutex
	events []protocol.Event
	ended  bool
	closed int
}

func (r *recorderSink) Send(ev protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorderSink) End() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = true
	return nil
}

func (r *recorderSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recorderSink) snapshot() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

func shSession(t *testing.T, script string, timeout time.Duration) (*Session, *recorderSink) {
	t.Helper()
	sink := &recorderSink{}
	s, err := Start(context.Background(), Config{
		ID:      "sess-test",
		Argv:    []string{"/bin/sh", "-c", script},
		Timeout: timeout,
	}, sink)
	require.NoError(t, err)
	return s, sink
}

func TestStartForwardsWorkerOutput(t *testing.T) {
	script := `
echo '__CLAUDE_MESSAGE__{"content":"creating files"}'
echo 'npm WARN deprecated leftpad' >&2
echo 'copying assets'
echo '__MODIFICATION_COMPLETE__{}'
`
	s, sink := shSession(t, script, 10*time.Second)

	code, err := s.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)

	events := sink.snapshot()
	var types []protocol.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	require.Contains(t, types, protocol.TypeClaudeMessage)
	require.Contains(t, types, protocol.TypeProgress)
	require.Equal(t, protocol.TypeComplete, events[len(events)-1].Type)
	require.True(t, sink.ended)
	require.Equal(t, 1, sink.closed)

	for _, ev := range events {
		require.NotContains(t, ev.Message, "npm WARN")
	}
}

func TestStartCleanExitWithoutMarkerStillCompletes(t *testing.T) {
	s, sink := shSession(t, `echo done`, 10*time.Second)

	code, err := s.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)

	events := sink.snapshot()
	require.NotEmpty(t, events)
	require.Equal(t, protocol.TypeComplete, events[len(events)-1].Type)
}

func TestStartNonZeroExitEmitsError(t *testing.T) {
	s, sink := shSession(t, `echo 'partway'; exit 3`, 10*time.Second)

	code, err := s.Wait()
	require.Error(t, err)
	require.Equal(t, 3, code)

	events := sink.snapshot()
	require.Equal(t, protocol.TypeError, events[len(events)-1].Type)
	require.NotEmpty(t, events[len(events)-1].Error)
	require.True(t, sink.ended)
	require.Equal(t, 1, sink.closed)
}

func TestStartSpawnFailure(t *testing.T) {
	sink := &recorderSink{}
	_, err := Start(context.Background(), Config{
		ID:   "sess-bad",
		Argv: []string{"/nonexistent/worker-binary"},
	}, sink)
	require.Error(t, err)

	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, protocol.TypeError, events[0].Type)
	require.True(t, sink.ended)
	require.Equal(t, 1, sink.closed)
}

func TestStartEmptyArgv(t *testing.T) {
	sink := &recorderSink{}
	_, err := Start(context.Background(), Config{ID: "sess-empty"}, sink)
	require.Error(t, err)
	require.Equal(t, 1, sink.closed)
	require.True(t, sink.ended)
}

func TestStartTimeoutKillsWorker(t *testing.T) {
	s, sink := shSession(t, `sleep 30`, 100*time.Millisecond)

	start := time.Now()
	_, err := s.Wait()
	require.Error(t, err)
	require.Less(t, time.Since(start), 10*time.Second)

	events := sink.snapshot()
	require.NotEmpty(t, events)
	require.Equal(t, protocol.TypeError, events[len(events)-1].Type)
}

func TestDoneClosesAfterExit(t *testing.T) {
	s, _ := shSession(t, `true`, 10*time.Second)
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
}
