// Package protocol defines the wire representation of progress events.
//
// The worker subprocess communicates over plain stdout/stderr text lines. A
// tagged line carries a marker token immediately followed by a single-line
// JSON payload, so events survive a line-buffered pipe without any framing
// layer. The decoder matches markers by substring containment, which lets a
// log prefix precede the token without breaking classification.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Marker tokens. Each tagged line contains exactly one, followed by its
// JSON payload ({} for kinds without fields).
const (
	MarkerClaudeMessage        = "__CLAUDE_MESSAGE__"
	MarkerToolUse              = "__TOOL_USE__"
	MarkerToolResult           = "__TOOL_RESULT__"
	MarkerHealingStart         = "__HEALING_START__"
	MarkerHealingEnd           = "__HEALING_END__"
	MarkerHealSuccess          = "__HEAL_SUCCESS__"
	MarkerHealFailed           = "__HEAL_FAILED__"
	MarkerModificationComplete = "__MODIFICATION_COMPLETE__"
)

// StreamEnd is the literal end-of-stream sentinel delivered to the subscriber
// after the terminal event. It is distinct from any event payload: events are
// always JSON objects.
const StreamEnd = "[DONE]"

// EventType classifies a delivered event envelope.
type EventType string

// Envelope types delivered to the subscriber.
const (
	TypeClaudeMessage  EventType = "claude_message"
	TypeToolUse        EventType = "tool_use"
	TypeToolResult     EventType = "tool_result"
	TypeHealingMessage EventType = "healing_message"
	TypeHealingTool    EventType = "healing_tool"
	TypeHealingStatus  EventType = "healing_status"
	TypeProgress       EventType = "progress"
	TypeError          EventType = "error"
	TypeComplete       EventType = "complete"
)

// Healing status values carried by TypeHealingStatus events.
const (
	HealingStarting = "starting"
	HealingEnded    = "ended"
	HealingSuccess  = "success"
	HealingFailed   = "failed"
)

// Event is the unit delivered to the subscriber. Immutable once constructed;
// ordering equals emission order. Fields are kind-specific and omitted from
// the JSON form when empty.
type Event struct {
	Type EventType `json:"type"`

	// TypeClaudeMessage / TypeHealingMessage
	Content string `json:"content,omitempty"`

	// TypeToolUse / TypeHealingTool
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// TypeToolResult
	Result string `json:"result,omitempty"`

	// TypeHealingStatus
	Status   string `json:"status,omitempty"`
	Attempts int    `json:"attempts,omitempty"`

	// Repair attempt that produced this event; 0 during initial generation.
	Attempt int `json:"attempt,omitempty"`

	// TypeProgress
	Message string `json:"message,omitempty"`

	// TypeError / TypeHealingStatus failed
	Error string `json:"error,omitempty"`
}

type messagePayload struct {
	Content string `json:"content"`
	Attempt int    `json:"attempt,omitempty"`
}

type toolUsePayload struct {
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
}

type toolResultPayload struct {
	Result  string `json:"result"`
	Attempt int    `json:"attempt,omitempty"`
}

type attemptPayload struct {
	Attempt int `json:"attempt,omitempty"`
}

type healFailedPayload struct {
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

func encode(marker string, payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", marker, err)
	}
	return marker + string(b), nil
}

// EncodeClaudeMessage encodes an assistant text message. attempt is 0 during
// initial generation and the 1-based repair attempt during healing.
func EncodeClaudeMessage(content string, attempt int) (string, error) {
	return encode(MarkerClaudeMessage, messagePayload{Content: content, Attempt: attempt})
}

// EncodeToolUse encodes a tool invocation by the generation agent.
func EncodeToolUse(name string, input json.RawMessage, attempt int) (string, error) {
	return encode(MarkerToolUse, toolUsePayload{Name: name, Input: input, Attempt: attempt})
}

// EncodeToolResult encodes a tool execution result.
func EncodeToolResult(result string, attempt int) (string, error) {
	return encode(MarkerToolResult, toolResultPayload{Result: result, Attempt: attempt})
}

// EncodeHealingStart marks the beginning of a repair attempt.
func EncodeHealingStart(attempt int) (string, error) {
	return encode(MarkerHealingStart, attemptPayload{Attempt: attempt})
}

// EncodeHealingEnd marks the end of a repair attempt's generation phase.
func EncodeHealingEnd(attempt int) (string, error) {
	return encode(MarkerHealingEnd, attemptPayload{Attempt: attempt})
}

// EncodeHealSuccess marks a build success after at least one repair.
func EncodeHealSuccess() (string, error) {
	return encode(MarkerHealSuccess, struct{}{})
}

// EncodeHealFailed marks retry exhaustion with the final diagnostic.
func EncodeHealFailed(diagnostic string, attempts int) (string, error) {
	return encode(MarkerHealFailed, healFailedPayload{Error: diagnostic, Attempts: attempts})
}

// EncodeModificationComplete marks the end of the whole operation.
func EncodeModificationComplete() (string, error) {
	return encode(MarkerModificationComplete, struct{}{})
}

// markers lists the recognized tokens. Tokens are mutually exclusive; a
// well-formed line contains at most one, and Decode resolves pathological
// lines by leftmost occurrence.
var markers = []string{
	MarkerClaudeMessage,
	MarkerToolUse,
	MarkerToolResult,
	MarkerHealingStart,
	MarkerHealingEnd,
	MarkerHealSuccess,
	MarkerHealFailed,
	MarkerModificationComplete,
}

// Decode classifies a complete line. It returns (event, true) when the line
// carries a recognized marker with a parseable payload. A marker with a
// corrupted or truncated payload yields (zero, false); a bad line never
// aborts the stream. Lines without any marker also yield (zero, false);
// callers decide whether they are noise or generic progress.
//
// The leftmost marker occurrence wins: a payload that mentions another token
// in its JSON (a tool input quoting a marker, say) must not redirect the
// decode.
func Decode(line string) (Event, bool) {
	best := -1
	var bestMarker string
	for _, marker := range markers {
		idx := strings.Index(line, marker)
		if idx < 0 {
			continue
		}
		if best < 0 || idx < best {
			best = idx
			bestMarker = marker
		}
	}
	if best < 0 {
		return Event{}, false
	}
	raw := strings.TrimSpace(line[best+len(bestMarker):])
	return decodePayload(bestMarker, raw)
}

// HasMarker reports whether the line contains any recognized marker token,
// regardless of payload validity.
func HasMarker(line string) bool {
	for _, marker := range markers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func decodePayload(marker, raw string) (Event, bool) {
	// Kinds without fields may legitimately omit the payload object.
	if raw == "" {
		raw = "{}"
	}

	switch marker {
	case MarkerClaudeMessage:
		var p messagePayload
		if json.Unmarshal([]byte(raw), &p) != nil {
			return Event{}, false
		}
		t := TypeClaudeMessage
		if p.Attempt > 0 {
			t = TypeHealingMessage
		}
		return Event{Type: t, Content: p.Content, Attempt: p.Attempt}, true

	case MarkerToolUse:
		var p toolUsePayload
		if json.Unmarshal([]byte(raw), &p) != nil {
			return Event{}, false
		}
		t := TypeToolUse
		if p.Attempt > 0 {
			t = TypeHealingTool
		}
		return Event{Type: t, Name: p.Name, Input: p.Input, Attempt: p.Attempt}, true

	case MarkerToolResult:
		var p toolResultPayload
		if json.Unmarshal([]byte(raw), &p) != nil {
			return Event{}, false
		}
		return Event{Type: TypeToolResult, Result: p.Result, Attempt: p.Attempt}, true

	case MarkerHealingStart:
		var p attemptPayload
		if json.Unmarshal([]byte(raw), &p) != nil {
			return Event{}, false
		}
		return Event{Type: TypeHealingStatus, Status: HealingStarting, Attempt: p.Attempt}, true

	case MarkerHealingEnd:
		var p attemptPayload
		if json.Unmarshal([]byte(raw), &p) != nil {
			return Event{}, false
		}
		return Event{Type: TypeHealingStatus, Status: HealingEnded, Attempt: p.Attempt}, true

	case MarkerHealSuccess:
		if !json.Valid([]byte(raw)) {
			return Event{}, false
		}
		return Event{Type: TypeHealingStatus, Status: HealingSuccess}, true

	case MarkerHealFailed:
		var p healFailedPayload
		if json.Unmarshal([]byte(raw), &p) != nil {
			return Event{}, false
		}
		return Event{Type: TypeHealingStatus, Status: HealingFailed, Error: p.Error, Attempts: p.Attempts}, true

	case MarkerModificationComplete:
		if !json.Valid([]byte(raw)) {
			return Event{}, false
		}
		return Event{Type: TypeComplete}, true
	}

	return Event{}, false
}
