package process

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"testing"
	"time"
)

func waitDone(t *testing.T, p *TrackedProcess, timeout time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(timeout):
		t.Fatal("process did not exit in time")
	}
}

func TestTracked_ExitCodeRecorded(t *testing.T) {
	r, _ := newTestRunner(t)

	p, err := r.Start(context.Background(), "exits", []string{"sh", "-c", "exit 7"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p, 5*time.Second)

	if !p.Exited() {
		t.Error("Exited() = false after exit")
	}
	if got := p.ExitCode(); got != 7 {
		t.Errorf("ExitCode() = %d, want 7", got)
	}
}

func TestTracked_ExitCodeWhileRunning(t *testing.T) {
	r, _ := newTestRunner(t)

	p, err := r.Start(context.Background(), "sleeper", []string{"sleep", "30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(time.Second)

	if p.Exited() {
		t.Error("Exited() = true while running")
	}
	if got := p.ExitCode(); got != -1 {
		t.Errorf("ExitCode() = %d while running, want -1", got)
	}
}

func TestTracked_StopGraceful(t *testing.T) {
	r, _ := newTestRunner(t)

	p, err := r.Start(context.Background(), "sleeper", []string{"sleep", "30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	if err := p.Stop(5 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("graceful stop took %v, expected well under the grace period", elapsed)
	}
	if !p.Exited() {
		t.Error("process still reported running after Stop")
	}
}

func TestTracked_StopEscalatesToKill(t *testing.T) {
	r, _ := newTestRunner(t)

	// Ignores SIGTERM, so Stop must escalate to SIGKILL.
	p, err := r.Start(context.Background(), "stubborn",
		[]string{"sh", "-c", `trap "" TERM; while :; do sleep 0.1; done`})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := p.Stop(300 * time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !p.Exited() {
		t.Error("process survived SIGKILL escalation")
	}
}

func TestTracked_StopIdempotent(t *testing.T) {
	r, _ := newTestRunner(t)

	p, err := r.Start(context.Background(), "short", []string{"true"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p, 5*time.Second)

	if err := p.Stop(time.Second); err != nil {
		t.Errorf("Stop on exited process: %v", err)
	}
	if err := p.Stop(time.Second); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestTerminateGracefully(t *testing.T) {
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	reaped := make(chan struct{})
	go func() { cmd.Wait(); close(reaped) }()

	if err := TerminateGracefully(log, cmd.Process.Pid, 5*time.Second); err != nil {
		t.Fatalf("TerminateGracefully: %v", err)
	}
	select {
	case <-reaped:
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped")
	}
}

func TestTerminateGracefully_EscalatesToKill(t *testing.T) {
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	cmd := exec.Command("sh", "-c", `trap "" TERM; while :; do sleep 0.1; done`)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	reaped := make(chan struct{})
	go func() { cmd.Wait(); close(reaped) }()

	if err := TerminateGracefully(log, cmd.Process.Pid, 500*time.Millisecond); err != nil {
		t.Fatalf("TerminateGracefully: %v", err)
	}
	select {
	case <-reaped:
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped after SIGKILL")
	}
}

func TestTerminateGracefully_AlreadyGone(t *testing.T) {
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}

	if err := TerminateGracefully(log, cmd.Process.Pid, time.Second); err != nil {
		t.Errorf("terminating a dead pid should be a no-op, got %v", err)
	}
}
