// Package stream turns the worker's raw output streams into ordered event
// envelopes and delivers them to a single subscriber sink.
package stream

import (
	"bytes"
	"strings"

	"github.com/forgeloop/forgeloop/internal/protocol"
)

// noisePrefixes identify internal diagnostic lines that carry no information
// for the subscriber: the worker's own slog JSON records on stderr and
// package-manager chatter. Matched after whitespace trimming.
var noisePrefixes = []string{
	`{"time":`,
	"npm WARN",
	"npm warn",
	"npm notice",
	"npm ERR!",
	"> ",
}

// Demuxer reassembles complete lines from a chunked byte stream and
// classifies each into at most one event envelope.
//
// Exactly one partial-line buffer exists per Demuxer, and each source stream
// gets its own Demuxer, so concurrent sessions (and a session's stdout and
// stderr) never share reassembly state. Not safe for concurrent use.
type Demuxer struct {
	buf []byte
}

// NewDemuxer returns a Demuxer with an empty partial-line buffer.
func NewDemuxer() *Demuxer {
	return &Demuxer{}
}

// Feed appends chunk to the partial-line buffer, extracts every complete
// line, and returns the events they classify into, in source order. The
// trailing fragment without a terminator stays buffered for the next chunk,
// so a line split across chunks is decoded exactly once.
func (d *Demuxer) Feed(chunk []byte) []protocol.Event {
	d.buf = append(d.buf, chunk...)

	var events []protocol.Event
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		if ev, ok := classify(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Finish flushes the remaining unterminated fragment at end of stream,
// classifying it through the same path as a complete line. Flushing is
// best-effort by policy: trailing diagnostic text with no terminator is
// still delivered rather than silently dropped.
func (d *Demuxer) Finish() []protocol.Event {
	if len(d.buf) == 0 {
		return nil
	}
	line := string(d.buf)
	d.buf = nil
	if ev, ok := classify(line); ok {
		return []protocol.Event{ev}
	}
	return nil
}

// classify maps one complete line to at most one event. Marker lines decode
// via the protocol codec; a marker with a corrupted payload is dropped
// silently. Unmarked lines become generic progress events unless they match
// the internal-noise filter or are blank.
func classify(line string) (protocol.Event, bool) {
	if ev, ok := protocol.Decode(line); ok {
		return ev, true
	}
	if protocol.HasMarker(line) {
		// Recognized marker, unparseable payload: drop.
		return protocol.Event{}, false
	}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return protocol.Event{}, false
	}
	for _, prefix := range noisePrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return protocol.Event{}, false
		}
	}
	return protocol.Event{Type: protocol.TypeProgress, Message: trimmed}, true
}
