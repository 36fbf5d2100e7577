// Package process runs and tracks the external daemons a service manages.
package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/lakowske/podserve/internal/logger"
)

// Runner executes commands on behalf of one service, capturing their output
// into the structured log.
type Runner struct {
	service string
	logger  *slog.Logger
}

// NewRunner creates a Runner for the named service.
func NewRunner(service string, log *slog.Logger) *Runner {
	return &Runner{
		service: service,
		logger:  log.With("service", service),
	}
}

// Run executes argv in the foreground and waits for it to finish. All output
// is streamed into the log; on failure the error carries the exit status and
// the tail of stderr.
func (r *Runner) Run(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}

	r.logger.Debug("Running command", "command", argv)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()

	stdout := &logger.ProcessWriter{Logger: r.logger, Service: r.service, Stream: "stdout"}
	stderr := &logger.ProcessWriter{Logger: r.logger, Service: r.service, Stream: "stderr"}
	var tail stderrTail
	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(stderr, &tail)

	err := cmd.Run()
	stdout.Close()
	stderr.Close()

	if err != nil {
		if msg := tail.String(); msg != "" {
			return fmt.Errorf("command %s failed: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("command %s failed: %w", argv[0], err)
	}
	return nil
}

// RunWithRetry runs argv up to attempts times, waiting delay between
// attempts. It stops at the first success and returns the last error when
// every attempt fails.
func (r *Runner) RunWithRetry(ctx context.Context, argv []string, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = r.Run(ctx, argv)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("Command succeeded after retry",
					"command", argv[0],
					"attempt", attempt,
				)
			}
			return nil
		}

		r.logger.Warn("Command attempt failed",
			"command", argv[0],
			"attempt", attempt,
			"attempts", attempts,
			"error", lastErr,
		)

		if attempt < attempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("retry aborted: %w", ctx.Err())
			}
		}
	}
	return fmt.Errorf("command failed after %d attempts: %w", attempts, lastErr)
}

// Start launches argv in the background in its own process group and returns
// a TrackedProcess for it. Output capture continues until the process exits.
func (r *Runner) Start(ctx context.Context, name string, argv []string) (*TrackedProcess, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := &logger.ProcessWriter{Logger: r.logger, Service: r.service, Stream: "stdout"}
	stderr := &logger.ProcessWriter{Logger: r.logger, Service: r.service, Stream: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	p := &TrackedProcess{
		Name:    name,
		cmd:     cmd,
		logger:  r.logger.With("process", name),
		stdout:  stdout,
		stderr:  stderr,
		done:    make(chan struct{}),
		started: time.Now(),
	}

	r.logger.Info("Process started",
		"process", name,
		"pid", cmd.Process.Pid,
		"command", argv,
	)

	go p.monitor()
	return p, nil
}

// stderrTail keeps the last chunk of stderr for error messages.
type stderrTail struct {
	buf bytes.Buffer
}

const tailLimit = 4096

func (t *stderrTail) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if t.buf.Len() > tailLimit {
		b := t.buf.Bytes()
		t.buf = *bytes.NewBuffer(append([]byte(nil), b[len(b)-tailLimit:]...))
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	return strings.TrimSpace(t.buf.String())
}
