// Package agent invokes the code-generation capability: an external CLI that
// accepts a natural-language instruction and a tool allowlist and emits a
// sequence of assistant and tool messages. The capability is opaque; this
// package only shapes its message stream.
package agent

import (
	"context"
	"encoding/json"
)

// MessageKind classifies one unit of the capability's output stream.
type MessageKind int

const (
	// MessageText is assistant natural-language output.
	MessageText MessageKind = iota
	// MessageToolUse is a tool invocation by the agent.
	MessageToolUse
	// MessageToolResult is a tool execution result.
	MessageToolResult
)

// Message is one unit of the generation stream.
type Message struct {
	Kind MessageKind

	// MessageText
	Text string

	// MessageToolUse
	ToolName  string
	ToolInput json.RawMessage

	// MessageToolResult
	ToolResult string
}

// Request describes one generation invocation.
type Request struct {
	// Instruction is the natural-language prompt.
	Instruction string
	// Dir is the working directory the agent operates in.
	Dir string
	// AllowedTools restricts the agent's tool surface; empty means the
	// capability's own default.
	AllowedTools []string
}

// Generator is the opaque generation capability. Generate blocks until the
// message sequence is drained, calling emit for each message in order.
type Generator interface {
	Generate(ctx context.Context, req Request, emit func(Message)) error
}
