// Package setup prepares the container filesystem before a service starts.
package setup

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Directory describes one directory a service needs at startup.
type Directory struct {
	Path string
	Mode os.FileMode
	// Owner UID/GID; -1 leaves ownership untouched.
	UID int
	GID int
}

// Manager creates service directories and applies ownership.
type Manager struct {
	logger *slog.Logger
}

// NewManager creates a filesystem setup manager.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{logger: log.With("component", "setup")}
}

// EnsureDirectory creates the directory (and parents) with the given mode and
// chowns it when a UID/GID is set. Chown failures when not running as root
// are logged and ignored.
func (m *Manager) EnsureDirectory(d Directory) error {
	mode := d.Mode
	if mode == 0 {
		mode = 0o755
	}
	if err := os.MkdirAll(d.Path, mode); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", d.Path, err)
	}
	// MkdirAll does not apply the mode to a pre-existing directory.
	if err := os.Chmod(d.Path, mode); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", d.Path, err)
	}

	if d.UID >= 0 || d.GID >= 0 {
		if err := os.Chown(d.Path, d.UID, d.GID); err != nil {
			m.logger.Warn("Failed to change directory ownership",
				"dir", d.Path,
				"uid", d.UID,
				"gid", d.GID,
				"error", err,
			)
		}
	}

	m.logger.Debug("Directory ready", "dir", d.Path, "mode", mode.String())
	return nil
}

// EnsureDirectories creates every directory, failing on the first error.
func (m *Manager) EnsureDirectories(dirs []Directory) error {
	for _, d := range dirs {
		if err := m.EnsureDirectory(d); err != nil {
			return err
		}
	}
	return nil
}

// CopyFile copies src to dst, creating parent directories, preserving mode.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return out.Sync()
}

// WritableDir reports whether the directory exists and a file can be created
// and removed inside it.
func WritableDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	f, err := os.CreateTemp(path, ".write-test-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
