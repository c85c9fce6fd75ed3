package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const disableAgentEnv = "FORGELOOP_DISABLE_AGENT"

// maxInstructionBytes caps the prompt handed to the CLI. Repair prompts
// embed build diagnostics verbatim, so the ceiling is generous.
const maxInstructionBytes = 64000

// scannerBufferMax bounds a single stream-json line. Assistant messages with
// large tool inputs routinely exceed bufio's 64KB default.
const scannerBufferMax = 4 * 1024 * 1024

// validateInstruction checks for unsafe content in instructions. Go's exec
// avoids shell injection (no shell involved); this is defense for external
// CLIs that may themselves be shell scripts.
func validateInstruction(s string) error {
	if len(s) == 0 {
		return errors.New("empty instruction")
	}
	if len(s) > maxInstructionBytes {
		return fmt.Errorf("instruction exceeds %d byte limit (%d bytes)", maxInstructionBytes, len(s))
	}
	if strings.ContainsRune(s, 0) {
		return errors.New("instruction contains null byte")
	}
	return nil
}

// limitedWriter caps writes at maxBytes, silently discarding overflow, so a
// buggy CLI emitting unbounded stderr cannot exhaust memory.
type limitedWriter struct {
	buf      bytes.Buffer
	maxBytes int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	originalLen := len(p)
	remaining := w.maxBytes - w.buf.Len()
	if remaining <= 0 {
		return originalLen, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	w.buf.Write(p)
	return originalLen, nil // always report original len to avoid short write errors
}

// CLIGenerator drives the claude CLI in stream-json mode. The CLI handles
// its own auth; no API keys pass through here.
type CLIGenerator struct {
	command  string
	maxTurns int
	timeout  time.Duration
}

// NewCLIGenerator returns a generator for the given CLI command (default
// "claude"). maxTurns caps the agent's internal turn count; timeout is the
// fixed ceiling per invocation. Returns an error when the binary is not in
// PATH or external agent execution is disabled via FORGELOOP_DISABLE_AGENT.
func NewCLIGenerator(command string, maxTurns int, timeout time.Duration) (*CLIGenerator, error) {
	if strings.TrimSpace(os.Getenv(disableAgentEnv)) != "" {
		return nil, fmt.Errorf("external agent execution disabled by %s", disableAgentEnv)
	}
	if command == "" {
		command = "claude"
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("agent cli %q not found in PATH: %w", command, err)
	}
	return &CLIGenerator{command: command, maxTurns: maxTurns, timeout: timeout}, nil
}

// Generate runs the CLI and streams its messages through emit in order.
func (g *CLIGenerator) Generate(ctx context.Context, req Request, emit func(Message)) error {
	if err := validateInstruction(req.Instruction); err != nil {
		return fmt.Errorf("invalid instruction: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context expired before exec: %w", err)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	args := []string{"-p", req.Instruction, "--output-format", "stream-json", "--verbose"}
	if g.maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(g.maxTurns))
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}

	cmd := exec.CommandContext(ctx, g.command, args...) //nolint:gosec // G204: command is operator-configured agent CLI, validated at construction
	cmd.Dir = req.Dir
	cmd.Env = os.Environ()

	stderrW := &limitedWriter{maxBytes: 4096}
	cmd.Stderr = stderrW

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent cli %s: %w", g.command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBufferMax)
	for scanner.Scan() {
		for _, msg := range ParseStreamLine(scanner.Text()) {
			emit(msg)
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		stderrMsg := stderrW.buf.String()
		if stderrW.buf.Len() >= stderrW.maxBytes {
			stderrMsg += " (truncated)"
		}
		return fmt.Errorf("agent cli %s failed: %w (stderr: %s)", g.command, err, stderrMsg)
	}
	if scanErr != nil {
		return fmt.Errorf("read agent output: %w", scanErr)
	}
	return nil
}

// Command returns the CLI command name for this generator.
func (g *CLIGenerator) Command() string {
	return g.command
}

// streamMessage is one NDJSON record from claude --output-format stream-json.
type streamMessage struct {
	Type    string `json:"type"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// Content carries tool_result payloads: either a plain string or a
	// list of text blocks, depending on the tool.
	Content json.RawMessage `json:"content,omitempty"`
}

// ParseStreamLine maps one stream-json line to zero or more messages.
// Non-JSON lines and record types without message content (system, result)
// are skipped.
func ParseStreamLine(line string) []Message {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return nil
	}
	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil
	}

	var out []Message
	switch msg.Type {
	case "assistant":
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					out = append(out, Message{Kind: MessageText, Text: block.Text})
				}
			case "tool_use":
				out = append(out, Message{Kind: MessageToolUse, ToolName: block.Name, ToolInput: block.Input})
			}
		}
	case "user":
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			if text := flattenToolResult(block.Content); text != "" {
				out = append(out, Message{Kind: MessageToolResult, ToolResult: text})
			}
		}
	}
	return out
}

// flattenToolResult extracts display text from a tool_result content field.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
