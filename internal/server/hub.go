package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/forgeloop/forgeloop/internal/models"
	"github.com/forgeloop/forgeloop/internal/protocol"
	"github.com/forgeloop/forgeloop/internal/store"
	"github.com/forgeloop/forgeloop/internal/stream"
)

// Subscription errors surfaced by the stream endpoint.
var (
	ErrSubscriberAttached = errors.New("stream already has a subscriber")
	ErrStreamEnded        = errors.New("stream has ended")
)

// subscriberBuffer is the per-subscriber frame backlog. A subscriber that
// falls further behind loses intermediate frames rather than stalling the
// worker pipes. subscriberHeadroom reserves extra channel slots for the
// terminal envelope(s) and the sentinel, which are guaranteed delivery: the
// forwarder emits at most one complete, one error, and one sentinel per
// stream.
const (
	subscriberBuffer   = 256
	subscriberHeadroom = 4
)

// liveStream fans one session's event sequence out to the journal and to at
// most one attached subscriber. It is the forwarder's sink, so the ordering
// and close-once guarantees carry over: frames arrive in emission order and
// the subscriber channel is closed exactly once.
type liveStream struct {
	id string
	db *sql.DB

	mu    sync.Mutex
	sub   chan []byte
	ended bool

	healAttempts int
	healOutcome  string
}

func newLiveStream(id string, db *sql.DB) *liveStream {
	return &liveStream{id: id, db: db}
}

// Send journals the envelope and pushes it to the subscriber, if any.
// Journal failures are logged, not fatal: the live stream is the delivery
// path, the journal is bookkeeping.
func (l *liveStream) Send(ev protocol.Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if l.db != nil {
		if _, err := store.AppendSessionEvent(l.db, l.id, string(ev.Type), frame); err != nil {
			slog.Warn("event journal write failed", "session_id", l.id, "error", err)
		}
	}
	eventsForwardedTotal.WithLabelValues(string(ev.Type)).Inc()

	terminal := ev.Type == protocol.TypeComplete || ev.Type == protocol.TypeError

	l.mu.Lock()
	defer l.mu.Unlock()
	l.observe(ev)
	l.push(frame, terminal)
	return nil
}

// End pushes the end-of-stream sentinel frame.
func (l *liveStream) End() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.push([]byte(protocol.StreamEnd), true)
	return nil
}

// Close marks the stream ended and releases the subscriber.
func (l *liveStream) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = true
	if l.sub != nil {
		close(l.sub)
		l.sub = nil
	}
	return nil
}

// push delivers a frame to the subscriber without blocking. Callers hold l.mu.
// Non-reserved frames stop at subscriberBuffer so the headroom slots stay
// free for the terminal sequence; with the mutex held, the length check makes
// the send below non-blocking.
func (l *liveStream) push(frame []byte, reserved bool) {
	if l.sub == nil {
		return
	}
	if !reserved && len(l.sub) >= subscriberBuffer {
		eventsDroppedTotal.Inc()
		slog.Warn("subscriber backlog full, dropping frame", "session_id", l.id)
		return
	}
	select {
	case l.sub <- frame:
	default:
		eventsDroppedTotal.Inc()
		slog.Warn("subscriber backlog full, dropping frame", "session_id", l.id)
	}
}

// observe tracks repair-loop progress for the session's terminal record.
// Callers hold l.mu.
func (l *liveStream) observe(ev protocol.Event) {
	if ev.Type != protocol.TypeHealingStatus {
		return
	}
	switch ev.Status {
	case protocol.HealingStarting:
		healRepairsTotal.Inc()
		if ev.Attempt > l.healAttempts {
			l.healAttempts = ev.Attempt
		}
	case protocol.HealingSuccess:
		l.healOutcome = models.HealOutcomeSucceeded
	case protocol.HealingFailed:
		l.healOutcome = models.HealOutcomeExhausted
		if ev.Attempts > l.healAttempts {
			l.healAttempts = ev.Attempts
		}
	}
}

// subscribe attaches the single subscriber. A later subscriber may attach
// after the current one detaches, but never concurrently.
func (l *liveStream) subscribe() (<-chan []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return nil, ErrStreamEnded
	}
	if l.sub != nil {
		return nil, ErrSubscriberAttached
	}
	l.sub = make(chan []byte, subscriberBuffer+subscriberHeadroom)
	return l.sub, nil
}

// unsubscribe detaches a subscriber that stopped reading.
func (l *liveStream) unsubscribe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sub = nil
}

// healSummary reports the repair attempts and outcome observed on the stream.
func (l *liveStream) healSummary() (attempts int, outcome string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.healAttempts, l.healOutcome
}

var _ stream.Sink = (*liveStream)(nil)

// hub indexes the live streams of currently running sessions.
type hub struct {
	mu      sync.Mutex
	streams map[string]*liveStream
}

func newHub() *hub {
	return &hub{streams: make(map[string]*liveStream)}
}

func (h *hub) add(l *liveStream) {
	h.mu.Lock()
	h.streams[l.id] = l
	h.mu.Unlock()
}

func (h *hub) get(id string) (*liveStream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.streams[id]
	return l, ok
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	delete(h.streams, id)
	h.mu.Unlock()
}
