package logger

import (
	"bytes"
	"log/slog"
	"strings"
)

// ProcessWriter captures subprocess output and logs each line with
// structured metadata. Stdout lines log at Info, stderr lines at Warn.
// Incomplete lines are held until a newline arrives or Close is called.
type ProcessWriter struct {
	Logger  *slog.Logger
	Service string
	Stream  string // stdout or stderr
	buffer  bytes.Buffer
}

// Write implements io.Writer
func (pw *ProcessWriter) Write(p []byte) (n int, err error) {
	pw.buffer.Write(p)

	for {
		idx := bytes.IndexByte(pw.buffer.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(pw.buffer.Next(idx + 1))
		pw.logLine(strings.TrimRight(line, "\r\n"))
	}

	return len(p), nil
}

// Close flushes any trailing unterminated line.
func (pw *ProcessWriter) Close() error {
	if pw.buffer.Len() > 0 {
		pw.logLine(strings.TrimRight(pw.buffer.String(), "\r\n"))
		pw.buffer.Reset()
	}
	return nil
}

func (pw *ProcessWriter) logLine(line string) {
	if line == "" {
		return
	}
	if pw.Stream == "stderr" {
		pw.Logger.Warn(line,
			"service", pw.Service,
			"stream", pw.Stream,
		)
		return
	}
	pw.Logger.Info(line,
		"service", pw.Service,
		"stream", pw.Stream,
	)
}
