// Package session owns the worker subprocess lifecycle for one end-to-end
// run: spawn, forward the output streams to the subscriber sink, reap.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/forgeloop/forgeloop/internal/stream"
)

// Config describes one session's subprocess.
type Config struct {
	// ID is the caller-assigned session identifier, used only for logging.
	ID string
	// Argv is the worker command line (argv[0] is the executable).
	Argv []string
	// Timeout bounds the whole session; unlimited when 0. Hitting it kills
	// the subprocess, which surfaces as an abnormal exit to the subscriber.
	Timeout time.Duration
}

// Session is an active worker run. Events flow to the sink passed to Start;
// Wait is independent of event consumption.
type Session struct {
	id     string
	cancel context.CancelFunc

	done     chan struct{}
	mu       sync.Mutex
	exitCode int
	exitErr  error
}

// Start spawns the worker and begins forwarding. On a spawn-level failure
// the sink still receives an error terminal, the sentinel, and its single
// Close, and Start returns the error.
//
// stdout and stderr are demultiplexed independently and delivered to the
// same ordered sink; the sink is closed exactly once when the stream ends.
func Start(ctx context.Context, cfg Config, sink stream.Sink) (*Session, error) {
	fwd := stream.NewForwarder(sink)

	if len(cfg.Argv) == 0 {
		err := errors.New("session: empty worker argv")
		fwd.Fail(err)
		return nil, err
	}

	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(ctx, cfg.Argv[0], cfg.Argv[1:]...) //nolint:gosec // G204: worker argv is operator configuration
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		err = fmt.Errorf("worker stdout pipe: %w", err)
		fwd.Fail(err)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		err = fmt.Errorf("worker stderr pipe: %w", err)
		fwd.Fail(err)
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		cancel()
		err = fmt.Errorf("spawn worker: %w", err)
		fwd.Fail(err)
		return nil, err
	}

	slog.Info("session started", "session_id", cfg.ID, "pid", cmd.Process.Pid)

	s := &Session{id: cfg.ID, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer cancel()

		// Run drains both pipes to EOF before calling Wait, as exec requires.
		err := fwd.Run(stdout, stderr, cmd.Wait)

		s.mu.Lock()
		s.exitErr = err
		s.exitCode = exitCode(err)
		s.mu.Unlock()

		slog.Info("session finished", "session_id", s.id, "exit_code", exitCode(err))
		close(s.done)
	}()

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once the worker has exited and the sink is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the worker exits and returns its exit code and any
// process-level error. A non-zero exit code is reflected in both.
func (s *Session) Wait() (int, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exitErr
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
