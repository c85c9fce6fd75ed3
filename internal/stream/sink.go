package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/forgeloop/forgeloop/internal/protocol"
)

// WriterSink prints each envelope as a JSON line, then the sentinel. Used by
// the CLI run command; it does not own the underlying writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a WriterSink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Send writes one envelope as a compact JSON line.
func (s *WriterSink) Send(ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintln(s.w, string(b))
	return err
}

// End writes the end-of-stream sentinel.
func (s *WriterSink) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.w, protocol.StreamEnd)
	return err
}

// Close is a no-op; the writer belongs to the caller.
func (s *WriterSink) Close() error { return nil }
