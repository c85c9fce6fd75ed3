package heal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingEmitter captures phase transitions in order.
type recordingEmitter struct {
	events []string
}

func (r *recordingEmitter) HealingStart(attempt int) {
	r.events = append(r.events, fmt.Sprintf("starting:%d", attempt))
}

func (r *recordingEmitter) HealingEnd(attempt int) {
	r.events = append(r.events, fmt.Sprintf("ended:%d", attempt))
}

func (r *recordingEmitter) HealSuccess() {
	r.events = append(r.events, "success")
}

func (r *recordingEmitter) HealFailed(diagnostic string, attempts int) {
	r.events = append(r.events, fmt.Sprintf("failed:%d:%s", attempts, diagnostic))
}

func TestNextTransitions(t *testing.T) {
	require.Equal(t, StateSucceeded, Next(StateVerifying, 1, 3, true))
	require.Equal(t, StateHealing, Next(StateVerifying, 1, 3, false))
	require.Equal(t, StateHealing, Next(StateVerifying, 2, 3, false))
	require.Equal(t, StateExhausted, Next(StateVerifying, 3, 3, false))
	require.Equal(t, StateVerifying, Next(StateHealing, 2, 3, false))
	require.Equal(t, StateSucceeded, Next(StateSucceeded, 9, 3, false))
	require.Equal(t, StateExhausted, Next(StateExhausted, 9, 3, true))
}

func TestRunAlwaysFailingBuild(t *testing.T) {
	emitter := &recordingEmitter{}
	checks, repairs := 0, 0

	loop := &Loop{MaxAttempts: 3, Emitter: emitter}
	result := loop.Run(context.Background(),
		func(ctx context.Context) BuildResult {
			checks++
			return BuildResult{Diagnostic: "Module not found: './Foo'"}
		},
		func(ctx context.Context, attempt int, diagnostic string) error {
			repairs++
			require.Equal(t, "Module not found: './Foo'", diagnostic)
			return nil
		},
	)

	require.Equal(t, StateExhausted, result.State)
	require.Equal(t, 3, result.Attempts)
	require.Equal(t, "Module not found: './Foo'", result.Diagnostic)
	require.Equal(t, 3, checks)
	require.Equal(t, 2, repairs)
	require.Equal(t, []string{
		"starting:1", "ended:1",
		"starting:2", "ended:2",
		"failed:3:Module not found: './Foo'",
	}, emitter.events)
}

func TestRunFailOnceThenSucceed(t *testing.T) {
	emitter := &recordingEmitter{}
	checks, repairs := 0, 0

	loop := &Loop{MaxAttempts: 3, Emitter: emitter}
	result := loop.Run(context.Background(),
		func(ctx context.Context) BuildResult {
			checks++
			if checks == 1 {
				return BuildResult{Diagnostic: "SyntaxError: unexpected token"}
			}
			return BuildResult{OK: true}
		},
		func(ctx context.Context, attempt int, diagnostic string) error {
			repairs++
			return nil
		},
	)

	require.Equal(t, StateSucceeded, result.State)
	require.True(t, result.Succeeded())
	require.True(t, result.Repaired)
	require.Equal(t, 2, result.Attempts)
	require.Equal(t, 2, checks)
	require.Equal(t, 1, repairs)
	require.Equal(t, []string{"starting:1", "ended:1", "success"}, emitter.events)
}

func TestRunImmediateSuccessEmitsNothing(t *testing.T) {
	emitter := &recordingEmitter{}
	loop := &Loop{MaxAttempts: 3, Emitter: emitter}

	result := loop.Run(context.Background(),
		func(ctx context.Context) BuildResult { return BuildResult{OK: true} },
		func(ctx context.Context, attempt int, diagnostic string) error {
			t.Fatal("repair must not run when the first build passes")
			return nil
		},
	)

	require.Equal(t, StateSucceeded, result.State)
	require.False(t, result.Repaired)
	require.Equal(t, 1, result.Attempts)
	require.Empty(t, emitter.events)
}

func TestRunDiagnosticFedForwardPerAttempt(t *testing.T) {
	emitter := &recordingEmitter{}
	checks := 0
	var seen []string

	loop := &Loop{MaxAttempts: 3, Emitter: emitter}
	result := loop.Run(context.Background(),
		func(ctx context.Context) BuildResult {
			checks++
			if checks < 3 {
				return BuildResult{Diagnostic: fmt.Sprintf("failure %d", checks)}
			}
			return BuildResult{OK: true}
		},
		func(ctx context.Context, attempt int, diagnostic string) error {
			seen = append(seen, diagnostic)
			return nil
		},
	)

	require.Equal(t, StateSucceeded, result.State)
	require.Equal(t, []string{"failure 1", "failure 2"}, seen)
	require.Equal(t, []string{
		"starting:1", "ended:1",
		"starting:2", "ended:2",
		"success",
	}, emitter.events)
}

func TestRunRepairFailureCountedNotPropagated(t *testing.T) {
	emitter := &recordingEmitter{}
	repairs := 0

	loop := &Loop{MaxAttempts: 2, Emitter: emitter}
	result := loop.Run(context.Background(),
		func(ctx context.Context) BuildResult {
			return BuildResult{Diagnostic: "tsc: error TS2307"}
		},
		func(ctx context.Context, attempt int, diagnostic string) error {
			repairs++
			return errors.New("generation capability unavailable")
		},
	)

	// The repair error is contained: healing-end is still emitted and the
	// loop proceeds to exhaustion instead of crashing.
	require.Equal(t, StateExhausted, result.State)
	require.Equal(t, 1, repairs)
	require.Equal(t, []string{"starting:1", "ended:1", "failed:2:tsc: error TS2307"}, emitter.events)
}

func TestRunRepairPanicContained(t *testing.T) {
	emitter := &recordingEmitter{}
	loop := &Loop{MaxAttempts: 2, Emitter: emitter}

	result := loop.Run(context.Background(),
		func(ctx context.Context) BuildResult { return BuildResult{Diagnostic: "boom"} },
		func(ctx context.Context, attempt int, diagnostic string) error {
			panic("repair went sideways")
		},
	)

	require.Equal(t, StateExhausted, result.State)
	require.Equal(t, []string{"starting:1", "ended:1", "failed:2:boom"}, emitter.events)
}

func TestRunBuildTimeoutIsFailedAttempt(t *testing.T) {
	emitter := &recordingEmitter{}
	loop := &Loop{MaxAttempts: 2, BuildTimeout: 10 * time.Millisecond, Emitter: emitter}

	result := loop.Run(context.Background(),
		func(ctx context.Context) BuildResult {
			<-ctx.Done()
			return BuildResult{}
		},
		func(ctx context.Context, attempt int, diagnostic string) error { return nil },
	)

	require.Equal(t, StateExhausted, result.State)
	require.Equal(t, 2, result.Attempts)
	require.Contains(t, result.Diagnostic, "deadline exceeded")
}

func TestRunDefaultMaxAttempts(t *testing.T) {
	emitter := &recordingEmitter{}
	checks := 0
	loop := &Loop{Emitter: emitter}

	result := loop.Run(context.Background(),
		func(ctx context.Context) BuildResult {
			checks++
			return BuildResult{Diagnostic: "nope"}
		},
		func(ctx context.Context, attempt int, diagnostic string) error { return nil },
	)

	require.Equal(t, DefaultMaxAttempts, checks)
	require.Equal(t, DefaultMaxAttempts, result.Attempts)
}
