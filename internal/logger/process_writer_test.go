package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newCaptureWriter(stream string) (*ProcessWriter, *bytes.Buffer) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return &ProcessWriter{Logger: log, Service: "dns", Stream: stream}, &buf
}

func TestProcessWriter_CompleteLines(t *testing.T) {
	pw, buf := newCaptureWriter("stdout")

	if _, err := pw.Write([]byte("line one\nline two\n")); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, "line one") || !strings.Contains(out, "line two") {
		t.Errorf("missing lines in output: %s", out)
	}
	if !strings.Contains(out, "service=dns") || !strings.Contains(out, "stream=stdout") {
		t.Errorf("missing metadata: %s", out)
	}
	if got := strings.Count(out, "level=INFO"); got != 2 {
		t.Errorf("expected 2 INFO records, got %d: %s", got, out)
	}
}

func TestProcessWriter_PartialLineHeldUntilComplete(t *testing.T) {
	pw, buf := newCaptureWriter("stdout")

	pw.Write([]byte("partial"))
	if buf.Len() != 0 {
		t.Fatalf("partial line logged early: %s", buf.String())
	}

	pw.Write([]byte(" finished\n"))
	if !strings.Contains(buf.String(), "partial finished") {
		t.Errorf("joined line not logged: %s", buf.String())
	}
}

func TestProcessWriter_CloseFlushesRemainder(t *testing.T) {
	pw, buf := newCaptureWriter("stdout")

	pw.Write([]byte("no trailing newline"))
	if err := pw.Close(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(buf.String(), "no trailing newline") {
		t.Errorf("Close did not flush remainder: %s", buf.String())
	}
}

func TestProcessWriter_StderrLogsAtWarn(t *testing.T) {
	pw, buf := newCaptureWriter("stderr")

	pw.Write([]byte("something failed\n"))

	out := buf.String()
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("stderr line not logged at WARN: %s", out)
	}
	if !strings.Contains(out, "stream=stderr") {
		t.Errorf("missing stream metadata: %s", out)
	}
}

func TestProcessWriter_SkipsBlankLines(t *testing.T) {
	pw, buf := newCaptureWriter("stdout")

	pw.Write([]byte("\n\nreal line\n\n"))

	if got := strings.Count(buf.String(), "msg="); got != 1 {
		t.Errorf("expected 1 record, got %d: %s", got, buf.String())
	}
}
