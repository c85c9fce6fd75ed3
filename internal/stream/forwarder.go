package stream

import (
	"io"
	"log/slog"
	"sync"

	"github.com/forgeloop/forgeloop/internal/protocol"
)

// readBufferSize is the chunk size used when draining the worker's pipes.
const readBufferSize = 4096

// Sink is the ordered delivery target for a session's event sequence: a push
// channel to the remote subscriber, a CLI printer, or a test recorder.
type Sink interface {
	// Send delivers one event envelope.
	Send(ev protocol.Event) error
	// End delivers the literal end-of-stream sentinel.
	End() error
	// Close releases the sink. The Forwarder calls it exactly once.
	Close() error
}

// Forwarder relays demultiplexed events from a worker's output streams to
// exactly one sink, in arrival order. Each stream gets its own Demuxer (and
// so its own partial-line buffer); cross-stream interleaving follows chunk
// arrival order. The sink is closed exactly once on every path, including a
// panic raised while forwarding.
type Forwarder struct {
	sink Sink

	mu        sync.Mutex
	completed bool
	sendErr   error

	closeOnce sync.Once
}

// NewForwarder returns a Forwarder delivering to sink.
func NewForwarder(sink Sink) *Forwarder {
	return &Forwarder{sink: sink}
}

// Run drains stdout and stderr until EOF, then calls wait for the process
// outcome. A nil wait result emits a terminal complete event (unless the
// worker already emitted one via its completion marker); a non-nil result
// emits an error event carrying the exit detail. Either terminal is followed
// by the end-of-stream sentinel, then the sink is closed.
//
// Run returns the process error from wait, if any. Sink delivery failures
// are logged and stop further forwarding but do not abort the drain.
func (f *Forwarder) Run(stdout, stderr io.Reader, wait func() error) error {
	defer f.close()

	var wg sync.WaitGroup
	for _, r := range []io.Reader{stdout, stderr} {
		if r == nil {
			continue
		}
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			f.pump(r)
		}(r)
	}
	wg.Wait()

	err := wait()
	f.terminate(err)
	return err
}

// Fail reports a spawn-level failure: the subprocess never produced output.
// The subscriber still receives the error terminal and the sentinel, and the
// sink is still closed exactly once.
func (f *Forwarder) Fail(err error) {
	defer f.close()
	f.terminate(err)
}

// pump reads one stream chunk by chunk through its own demuxer. Events from
// a chunk are appended to the sink before the next chunk is accepted.
func (f *Forwarder) pump(r io.Reader) {
	demux := NewDemuxer()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			f.deliver(demux.Feed(buf[:n]))
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("stream read failed", "error", err)
			}
			f.deliver(demux.Finish())
			return
		}
	}
}

// deliver sends a batch of events under the sink mutex so events from one
// chunk are never interleaved with another stream's.
func (f *Forwarder) deliver(events []protocol.Event) {
	if len(events) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range events {
		if f.sendErr != nil {
			return
		}
		if ev.Type == protocol.TypeComplete {
			// The worker's completion marker and the process-exit terminal
			// collapse into a single complete envelope.
			if f.completed {
				continue
			}
			f.completed = true
		}
		if err := f.sink.Send(ev); err != nil {
			f.sendErr = err
			slog.Warn("sink delivery failed, dropping remaining events", "error", err)
			return
		}
	}
}

// terminate emits the terminal envelope and the end-of-stream sentinel.
func (f *Forwarder) terminate(exitErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr == nil {
		var terminal *protocol.Event
		if exitErr != nil {
			terminal = &protocol.Event{Type: protocol.TypeError, Error: exitErr.Error()}
		} else if !f.completed {
			terminal = &protocol.Event{Type: protocol.TypeComplete}
		}
		if terminal != nil {
			if err := f.sink.Send(*terminal); err != nil {
				f.sendErr = err
				slog.Warn("terminal delivery failed", "error", err)
			} else if terminal.Type == protocol.TypeComplete {
				f.completed = true
			}
		}
	}

	if err := f.sink.End(); err != nil {
		slog.Warn("sentinel delivery failed", "error", err)
	}
}

func (f *Forwarder) close() {
	f.closeOnce.Do(func() {
		if err := f.sink.Close(); err != nil {
			slog.Warn("sink close failed", "error", err)
		}
	})
}
