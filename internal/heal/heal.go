// Package heal runs the bounded build-verify-repair loop.
//
// The policy lives in a pure transition function over an explicit state
// machine (Verifying → Healing → Verifying … → Succeeded | ExhaustedRetries)
// so it is testable independently of the build and generation I/O that
// drives it.
package heal

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultMaxAttempts bounds the number of build verifications per loop run.
const DefaultMaxAttempts = 3

// State identifies a position in the repair state machine.
type State int

const (
	// StateVerifying runs the build check for the current attempt.
	StateVerifying State = iota
	// StateHealing invokes corrective generation with the last diagnostic.
	StateHealing
	// StateSucceeded is terminal: a build passed within the attempt budget.
	StateSucceeded
	// StateExhausted is terminal: every attempt failed.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateVerifying:
		return "verifying"
	case StateHealing:
		return "healing"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted_retries"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BuildResult is the outcome of one build verification.
type BuildResult struct {
	OK bool
	// Diagnostic is the build tool's failure output, verbatim. Fed forward
	// as input to the next corrective generation.
	Diagnostic string
}

// CheckFunc verifies the build. Implementations honor ctx for cancellation
// and deadline.
type CheckFunc func(ctx context.Context) BuildResult

// RepairFunc invokes corrective generation with the literal diagnostic text
// of the most recent failed build. attempt is the 1-based repair attempt.
type RepairFunc func(ctx context.Context, attempt int, diagnostic string) error

// Emitter receives the loop's phase transitions. The worker implements it
// with marker lines on stdout so the transitions flow through the same pipe
// as generation output.
type Emitter interface {
	HealingStart(attempt int)
	HealingEnd(attempt int)
	HealSuccess()
	HealFailed(diagnostic string, attempts int)
}

// Result is the single terminal outcome of a loop run.
type Result struct {
	State State
	// Attempts is the number of build verifications performed.
	Attempts int
	// Repaired reports whether at least one corrective generation ran.
	Repaired bool
	// Diagnostic holds the final build failure output when State is
	// StateExhausted.
	Diagnostic string
}

// Succeeded reports whether the build passed within the attempt budget.
func (r Result) Succeeded() bool { return r.State == StateSucceeded }

// Next is the pure transition function. attempt is the 1-based verification
// attempt, buildOK the result of that verification. From StateHealing the
// machine always returns to StateVerifying; buildOK is ignored there.
func Next(s State, attempt, maxAttempts int, buildOK bool) State {
	switch s {
	case StateVerifying:
		if buildOK {
			return StateSucceeded
		}
		if attempt < maxAttempts {
			return StateHealing
		}
		return StateExhausted
	case StateHealing:
		return StateVerifying
	default:
		return s
	}
}

// Loop owns the bounded retry policy. Attempts run strictly sequentially;
// a Loop never issues two build or repair operations concurrently.
type Loop struct {
	// MaxAttempts bounds build verifications; DefaultMaxAttempts when <= 0.
	MaxAttempts int
	// BuildTimeout is the ceiling per build verification; unlimited when 0.
	BuildTimeout time.Duration
	// RepairTimeout is the ceiling per corrective generation; unlimited when 0.
	RepairTimeout time.Duration

	Emitter Emitter
}

// Run drives the state machine to its terminal state, exactly once.
//
// A healing-start event is emitted before each repair and a healing-end
// after it returns, whatever its own outcome: a repair that errors or times
// out is logged and counted as a failed attempt rather than propagated.
// Exhaustion emits heal-failed with the final diagnostic and attempt count.
func (l *Loop) Run(ctx context.Context, check CheckFunc, repair RepairFunc) Result {
	maxAttempts := l.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	state := StateVerifying
	attempt := 1
	repaired := false
	var lastDiag string

	for {
		switch state {
		case StateVerifying:
			res := l.runCheck(ctx, check)
			if !res.OK {
				lastDiag = res.Diagnostic
			}
			state = Next(state, attempt, maxAttempts, res.OK)

		case StateHealing:
			l.Emitter.HealingStart(attempt)
			l.runRepair(ctx, attempt, lastDiag, repair)
			l.Emitter.HealingEnd(attempt)
			repaired = true
			attempt++
			state = Next(state, attempt, maxAttempts, false)

		case StateSucceeded:
			if repaired {
				l.Emitter.HealSuccess()
			}
			return Result{State: state, Attempts: attempt, Repaired: repaired}

		case StateExhausted:
			l.Emitter.HealFailed(lastDiag, attempt)
			return Result{State: state, Attempts: attempt, Repaired: repaired, Diagnostic: lastDiag}
		}
	}
}

// runCheck applies the build timeout. A timeout is a failed verification,
// not a crash of the loop.
func (l *Loop) runCheck(ctx context.Context, check CheckFunc) BuildResult {
	if l.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.BuildTimeout)
		defer cancel()
	}
	res := check(ctx)
	if !res.OK && res.Diagnostic == "" && ctx.Err() != nil {
		res.Diagnostic = fmt.Sprintf("build verification: %v", ctx.Err())
	}
	return res
}

// runRepair invokes corrective generation, containing errors and panics so
// the loop always proceeds to the next attempt.
func (l *Loop) runRepair(ctx context.Context, attempt int, diagnostic string, repair RepairFunc) {
	if l.RepairTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.RepairTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("repair panicked", "attempt", attempt, "panic", r)
		}
	}()
	if err := repair(ctx, attempt, diagnostic); err != nil {
		slog.Warn("repair attempt failed", "attempt", attempt, "error", err)
	}
}
