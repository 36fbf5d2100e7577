package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/lakowske/podserve/internal/logger"
)

// TrackedProcess is a background daemon started by a Runner. It lives in its
// own process group so signals reach the daemon and any children it forked.
type TrackedProcess struct {
	Name string

	cmd     *exec.Cmd
	logger  *slog.Logger
	stdout  *logger.ProcessWriter
	stderr  *logger.ProcessWriter
	started time.Time

	done chan struct{}

	mu       sync.Mutex
	exitCode int
	exitErr  error
}

// monitor waits for the process and records its exit status.
func (p *TrackedProcess) monitor() {
	err := p.cmd.Wait()
	p.stdout.Close()
	p.stderr.Close()

	p.mu.Lock()
	p.exitErr = err
	p.exitCode = p.cmd.ProcessState.ExitCode()
	p.mu.Unlock()
	close(p.done)

	if err != nil {
		p.logger.Error("Process exited with error",
			"pid", p.PID(),
			"exit_code", p.ExitCode(),
			"error", err,
		)
	} else {
		p.logger.Info("Process exited",
			"pid", p.PID(),
			"exit_code", p.ExitCode(),
		)
	}
}

// PID returns the process ID.
func (p *TrackedProcess) PID() int {
	return p.cmd.Process.Pid
}

// Started returns when the process was launched.
func (p *TrackedProcess) Started() time.Time {
	return p.started
}

// Exited reports whether the process has finished.
func (p *TrackedProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 while the process is still running.
func (p *TrackedProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitErr == nil && !p.Exited() {
		return -1
	}
	return p.exitCode
}

// Done returns a channel closed when the process exits.
func (p *TrackedProcess) Done() <-chan struct{} {
	return p.done
}

// Signal delivers sig to the whole process group, falling back to the
// process itself when the group is gone.
func (p *TrackedProcess) Signal(sig syscall.Signal) error {
	if err := syscall.Kill(-p.PID(), sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

// Stop terminates the process: SIGTERM, then SIGKILL after grace expires.
// It returns once the process has exited.
func (p *TrackedProcess) Stop(grace time.Duration) error {
	if p.Exited() {
		return nil
	}

	p.logger.Info("Stopping process", "pid", p.PID(), "grace", grace)

	if err := p.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal %s: %w", p.Name, err)
	}

	select {
	case <-p.done:
		p.logger.Info("Process stopped gracefully", "pid", p.PID())
		return nil
	case <-time.After(grace):
	}

	p.logger.Warn("Process did not stop in time, force killing",
		"pid", p.PID(),
		"grace", grace,
	)
	if err := p.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill %s: %w", p.Name, err)
	}

	<-p.done
	return nil
}

// TerminateGracefully terminates an arbitrary PID: SIGTERM, poll until the
// process disappears or timeout elapses, then SIGKILL with a final
// confirmation window. A PID that is already gone is not an error.
func TerminateGracefully(log *slog.Logger, pid int, timeout time.Duration) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}

	log.Info("Sent SIGTERM", "pid", pid, "timeout", timeout)

	const interval = 100 * time.Millisecond
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			log.Info("Process terminated", "pid", pid)
			return nil
		}
		time.Sleep(interval)
	}

	log.Warn("Process ignored SIGTERM, sending SIGKILL", "pid", pid)
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to kill pid %d: %w", pid, err)
	}

	confirm := time.Now().Add(time.Second)
	for time.Now().Before(confirm) {
		if !pidAlive(pid) {
			return nil
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("pid %d still alive after SIGKILL", pid)
}

func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
