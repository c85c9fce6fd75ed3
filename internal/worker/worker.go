// Package worker is the subprocess side of a session: it runs the initial
// generation, then the build-repair loop, emitting marker-tagged event lines
// on stdout. Its own logging goes to stderr, where the demultiplexer's noise
// filter drops it.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeloop/forgeloop/internal/agent"
	"github.com/forgeloop/forgeloop/internal/buildcheck"
	"github.com/forgeloop/forgeloop/internal/heal"
	"github.com/forgeloop/forgeloop/internal/protocol"
)

// Config holds one session's worker parameters.
type Config struct {
	// Instruction is the user's natural-language request.
	Instruction string
	// Dir is the project directory the agent and build operate in.
	Dir string
	// BuildCommand verifies the build (sh -c form, e.g. "npm run build").
	// Empty disables build verification and the repair loop.
	BuildCommand string
	// MaxHealAttempts bounds repair attempts; heal.DefaultMaxAttempts when 0.
	MaxHealAttempts int
	// BuildTimeout is the per-attempt build ceiling.
	BuildTimeout time.Duration
	// GenerationTimeout is the per-invocation generation ceiling.
	GenerationTimeout time.Duration
	// AllowedTools restricts the agent's tool surface.
	AllowedTools []string
}

// Worker drives one end-to-end modification: generate, verify, repair.
type Worker struct {
	cfg Config
	gen agent.Generator

	// mu serializes marker lines on out so concurrent writers can never
	// interleave partial lines.
	mu  sync.Mutex
	out io.Writer
}

// New returns a Worker writing its event lines to out (normally stdout).
func New(cfg Config, gen agent.Generator, out io.Writer) *Worker {
	return &Worker{cfg: cfg, gen: gen, out: out}
}

// Run executes the session. It returns the repair loop's terminal result and
// a non-nil error only when the generation capability could not be invoked
// at all, the one condition that makes the whole operation unrecoverable.
// Exhausted retries are a degraded but valid outcome, reported via events.
func (w *Worker) Run(ctx context.Context) (heal.Result, error) {
	if err := w.generate(ctx, w.cfg.Instruction, 0); err != nil {
		return heal.Result{}, fmt.Errorf("initial generation: %w", err)
	}

	if w.cfg.BuildCommand == "" {
		slog.Info("build verification disabled, skipping repair loop")
		w.emit(protocol.EncodeModificationComplete())
		return heal.Result{State: heal.StateSucceeded, Attempts: 0}, nil
	}

	checker := &buildcheck.Checker{Command: w.cfg.BuildCommand, Dir: w.cfg.Dir}
	loop := &heal.Loop{
		MaxAttempts:   w.cfg.MaxHealAttempts,
		BuildTimeout:  w.cfg.BuildTimeout,
		RepairTimeout: w.cfg.GenerationTimeout,
		Emitter:       w,
	}
	result := loop.Run(ctx, checker.Check, w.repair)

	slog.Info("repair loop finished",
		"state", result.State.String(),
		"attempts", result.Attempts,
		"repaired", result.Repaired,
	)

	w.emit(protocol.EncodeModificationComplete())
	return result, nil
}

// generate drains one generation invocation, re-emitting its messages as
// marker lines tagged with the repair attempt (0 for initial generation).
func (w *Worker) generate(ctx context.Context, instruction string, attempt int) error {
	if w.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.GenerationTimeout)
		defer cancel()
	}

	req := agent.Request{
		Instruction:  instruction,
		Dir:          w.cfg.Dir,
		AllowedTools: w.cfg.AllowedTools,
	}
	return w.gen.Generate(ctx, req, func(m agent.Message) {
		switch m.Kind {
		case agent.MessageText:
			w.emit(protocol.EncodeClaudeMessage(m.Text, attempt))
		case agent.MessageToolUse:
			w.emit(protocol.EncodeToolUse(m.ToolName, m.ToolInput, attempt))
		case agent.MessageToolResult:
			w.emit(protocol.EncodeToolResult(m.ToolResult, attempt))
		}
	})
}

// repair is the loop's corrective-generation capability.
func (w *Worker) repair(ctx context.Context, attempt int, diagnostic string) error {
	return w.generate(ctx, repairInstruction(diagnostic), attempt)
}

// repairInstruction embeds the literal build diagnostic and asks for minimal
// changes.
func repairInstruction(diagnostic string) string {
	return "The build failed with the following output:\n\n" +
		diagnostic +
		"\n\nFix the build errors. Make the minimal changes necessary; do not refactor unrelated code."
}

// HealingStart implements heal.Emitter.
func (w *Worker) HealingStart(attempt int) {
	w.emit(protocol.EncodeHealingStart(attempt))
}

// HealingEnd implements heal.Emitter.
func (w *Worker) HealingEnd(attempt int) {
	w.emit(protocol.EncodeHealingEnd(attempt))
}

// HealSuccess implements heal.Emitter.
func (w *Worker) HealSuccess() {
	w.emit(protocol.EncodeHealSuccess())
}

// HealFailed implements heal.Emitter.
func (w *Worker) HealFailed(diagnostic string, attempts int) {
	w.emit(protocol.EncodeHealFailed(diagnostic, attempts))
}

func (w *Worker) emit(line string, err error) {
	if err != nil {
		slog.Error("encode event line", "error", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintln(w.out, line); err != nil {
		slog.Error("write event line", "error", err)
	}
}
