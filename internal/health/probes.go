package health

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// PortListening probes whether a TCP address accepts connections.
func PortListening(address string) CheckFunc {
	return func(ctx context.Context) error {
		dialer := &net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return fmt.Errorf("tcp connection to %s failed: %w", address, err)
		}
		conn.Close()
		return nil
	}
}

// DirExists probes whether path exists and is a directory.
func DirExists(path string) CheckFunc {
	return func(ctx context.Context) error {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", path)
		}
		return nil
	}
}

// DirWritable probes whether a marker file can be created and removed in
// the directory.
func DirWritable(path string) CheckFunc {
	return func(ctx context.Context) error {
		marker := filepath.Join(path, ".health-check")
		f, err := os.OpenFile(marker, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("directory %s not writable: %w", path, err)
		}
		f.Close()
		if err := os.Remove(marker); err != nil {
			return fmt.Errorf("failed to remove marker in %s: %w", path, err)
		}
		return nil
	}
}

// CommandSucceeds probes by running a command and checking its exit code.
func CommandSucceeds(argv ...string) CheckFunc {
	return func(ctx context.Context) error {
		if len(argv) == 0 {
			return fmt.Errorf("no command specified")
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("command %s failed: %w", argv[0], err)
		}
		return nil
	}
}

// CertificateValid probes that the PEM certificate at certPath is currently
// valid and does not expire within minRemaining.
func CertificateValid(certPath string, minRemaining time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		data, err := os.ReadFile(certPath)
		if err != nil {
			return fmt.Errorf("failed to read certificate: %w", err)
		}

		block, _ := pem.Decode(data)
		if block == nil || block.Type != "CERTIFICATE" {
			return fmt.Errorf("%s does not contain a PEM certificate", certPath)
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("failed to parse certificate: %w", err)
		}

		now := time.Now()
		if now.Before(cert.NotBefore) {
			return fmt.Errorf("certificate not valid until %s", cert.NotBefore)
		}
		if now.After(cert.NotAfter) {
			return fmt.Errorf("certificate expired at %s", cert.NotAfter)
		}
		if remaining := time.Until(cert.NotAfter); remaining < minRemaining {
			return fmt.Errorf("certificate expires in %s", remaining.Round(time.Hour))
		}
		return nil
	}
}
