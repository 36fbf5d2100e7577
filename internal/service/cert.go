package service

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lakowske/podserve/internal/config"
	"github.com/lakowske/podserve/internal/health"
	"github.com/lakowske/podserve/internal/process"
	"github.com/lakowske/podserve/internal/setup"
)

// Certificate acquisition modes.
const (
	ModeSelfSigned     = "self-signed"
	ModeCertbot        = "certbot"
	ModeCertbotStaging = "certbot-staging"
)

// renewalWindow is how close to expiry a certificate must be before the
// renewal job replaces it.
const renewalWindow = 30 * 24 * time.Hour

const sanConfigTemplate = `[req]
distinguished_name = req_distinguished_name
[req_distinguished_name]
[v3_req]
subjectAltName = @alt_names
[alt_names]
DNS.1 = %s
DNS.2 = *.%s
DNS.3 = localhost
`

// Cert provisions TLS certificates for the other services: self-signed
// via openssl or real ones via certbot, with a daily cron job that renews
// anything inside the renewal window.
type Cert struct {
	cfg    *config.Manager
	logger *slog.Logger
	runner *process.Runner

	mu   sync.Mutex
	cron *cron.Cron
}

// NewCert creates the certificate service.
func NewCert(cfg *config.Manager, runner *process.Runner, log *slog.Logger) *Cert {
	return &Cert{
		cfg:    cfg,
		logger: log.With("service", "cert"),
		runner: runner,
	}
}

func (s *Cert) Kind() Kind { return KindCert }

func (s *Cert) mode() string {
	return s.cfg.GetDefault("CERT_MODE", ModeSelfSigned)
}

func (s *Cert) domains() []string {
	return s.cfg.GetList("CERT_DOMAINS", ",")
}

func (s *Cert) primaryDomain() string {
	if domains := s.domains(); len(domains) > 0 {
		return domains[0]
	}
	return "localhost"
}

// certDir is where the other services look for this domain's key pair.
func (s *Cert) certDir() string {
	base := s.cfg.GetDefault("SSL_CERT_DIR", "/data/state/certificates")
	return filepath.Join(base, s.primaryDomain())
}

func (s *Cert) certPath() string { return filepath.Join(s.certDir(), "fullchain.pem") }
func (s *Cert) keyPath() string  { return filepath.Join(s.certDir(), "privkey.pem") }

func (s *Cert) Directories() []setup.Directory {
	uid := s.cfg.GetInt("PODSERVE_UID", -1)
	gid := s.cfg.GetInt("PODSERVE_GID", -1)

	dirs := []setup.Directory{
		{Path: s.certDir(), Mode: 0o755, UID: uid, GID: gid},
	}
	if s.mode() != ModeSelfSigned {
		dirs = append(dirs,
			setup.Directory{Path: "/etc/letsencrypt", Mode: 0o755, UID: -1, GID: -1},
			setup.Directory{Path: s.cfg.GetDefault("CERT_WEBROOT", "/data/web/html"), Mode: 0o755, UID: uid, GID: gid},
		)
	}
	return dirs
}

func (s *Cert) RequiredVars() []string {
	return []string{"CERT_MODE", "CERT_DOMAINS", "CERT_EMAIL"}
}

func (s *Cert) ValidateConfig() error {
	switch s.mode() {
	case ModeSelfSigned, ModeCertbot, ModeCertbotStaging:
	default:
		return fmt.Errorf("unknown CERT_MODE %q (supported: %s, %s, %s)",
			s.mode(), ModeSelfSigned, ModeCertbot, ModeCertbotStaging)
	}
	if len(s.domains()) == 0 {
		return fmt.Errorf("CERT_DOMAINS must list at least one domain")
	}
	if _, err := cron.ParseStandard(s.schedule()); err != nil {
		return fmt.Errorf("invalid CERT_RENEW_SCHEDULE: %w", err)
	}
	return nil
}

func (s *Cert) schedule() string {
	return s.cfg.GetDefault("CERT_RENEW_SCHEDULE", "0 3 * * *")
}

// Configure obtains the certificate if none exists or the current one is
// close to expiry.
func (s *Cert) Configure(ctx context.Context) error {
	s.logger.Info("Configuring certificates",
		"mode", s.mode(),
		"domains", strings.Join(s.domains(), ","),
	)

	renew, reason := s.needsRenewal()
	if !renew {
		s.logger.Info("Certificate is current", "path", s.certPath())
		return nil
	}
	s.logger.Info("Obtaining certificate", "reason", reason)

	if err := s.obtain(ctx); err != nil {
		return fmt.Errorf("failed to obtain certificate: %w", err)
	}

	s.logger.Info("Certificate ready", "path", s.certPath())
	return nil
}

// needsRenewal reports whether a new certificate must be obtained.
func (s *Cert) needsRenewal() (bool, string) {
	expiry, err := certExpiry(s.certPath())
	if err != nil {
		return true, fmt.Sprintf("no usable certificate: %v", err)
	}
	remaining := time.Until(expiry)
	if remaining < renewalWindow {
		return true, fmt.Sprintf("expires in %s", remaining.Round(time.Hour))
	}
	return false, ""
}

func (s *Cert) obtain(ctx context.Context) error {
	if s.mode() == ModeSelfSigned {
		return s.generateSelfSigned(ctx)
	}
	return s.runCertbot(ctx)
}

// generateSelfSigned builds a key pair with openssl: key, CSR, then a
// self-signed certificate carrying the domain SANs.
func (s *Cert) generateSelfSigned(ctx context.Context) error {
	domain := s.primaryDomain()

	sanPath := filepath.Join(s.certDir(), "san.cnf")
	sanConfig := fmt.Sprintf(sanConfigTemplate, domain, domain)
	if err := os.WriteFile(sanPath, []byte(sanConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write SAN config: %w", err)
	}
	defer os.Remove(sanPath)

	csrPath := filepath.Join(s.certDir(), "request.csr")
	defer os.Remove(csrPath)

	steps := [][]string{
		{"openssl", "genrsa", "-out", s.keyPath(), "2048"},
		{"openssl", "req", "-new", "-key", s.keyPath(), "-out", csrPath,
			"-subj", "/CN=" + domain},
		{"openssl", "x509", "-req", "-in", csrPath, "-signkey", s.keyPath(),
			"-out", s.certPath(), "-days", "365",
			"-extfile", sanPath, "-extensions", "v3_req"},
	}
	for _, argv := range steps {
		if err := s.runner.Run(ctx, argv); err != nil {
			return err
		}
	}

	// The private key must never be world-readable.
	if err := os.Chmod(s.keyPath(), 0o600); err != nil {
		return fmt.Errorf("failed to restrict key permissions: %w", err)
	}
	return os.Chmod(s.certPath(), 0o644)
}

// runCertbot obtains a certificate over the webroot challenge and copies
// the live key pair into the shared certificate directory.
func (s *Cert) runCertbot(ctx context.Context) error {
	argv := []string{
		"certbot", "certonly",
		"--webroot", "-w", s.cfg.GetDefault("CERT_WEBROOT", "/data/web/html"),
		"--non-interactive", "--agree-tos",
		"-m", s.cfg.Get("CERT_EMAIL"),
	}
	if s.mode() == ModeCertbotStaging {
		argv = append(argv, "--staging")
	}
	for _, domain := range s.domains() {
		argv = append(argv, "-d", domain)
	}

	if err := s.runner.RunWithRetry(ctx, argv, 3, 5*time.Second); err != nil {
		return err
	}

	liveDir := filepath.Join("/etc/letsencrypt/live", s.primaryDomain())
	if err := setup.CopyFile(filepath.Join(liveDir, "fullchain.pem"), s.certPath()); err != nil {
		return fmt.Errorf("failed to copy certificate: %w", err)
	}
	if err := setup.CopyFile(filepath.Join(liveDir, "privkey.pem"), s.keyPath()); err != nil {
		return fmt.Errorf("failed to copy private key: %w", err)
	}
	return os.Chmod(s.keyPath(), 0o600)
}

// StartService starts the renewal scheduler. There is no daemon process
// to supervise; the service is the certificate material itself.
func (s *Cert) StartService(ctx context.Context) ([]*process.TrackedProcess, error) {
	c := cron.New()
	_, err := c.AddFunc(s.schedule(), func() {
		renew, reason := s.needsRenewal()
		if !renew {
			s.logger.Debug("Renewal check passed, certificate is current")
			return
		}
		s.logger.Info("Renewing certificate", "reason", reason)

		renewCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.obtain(renewCtx); err != nil {
			s.logger.Error("Certificate renewal failed", "error", err)
			return
		}
		s.logger.Info("Certificate renewed", "path", s.certPath())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule renewal: %w", err)
	}
	c.Start()

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	s.logger.Info("Renewal scheduler started", "schedule", s.schedule())
	return nil, nil
}

// StopService stops the renewal scheduler and waits for a running job.
func (s *Cert) StopService(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterChecks verifies the certificate parses and is not about to
// expire.
func (s *Cert) RegisterChecks(reg *health.Registry) {
	reg.Register("certificate_valid", health.CertificateValid(s.certPath(), 24*time.Hour))
}

// StatusFields implements StatusReporter.
func (s *Cert) StatusFields() map[string]any {
	fields := map[string]any{
		"mode":    s.mode(),
		"domains": s.domains(),
		"path":    s.certPath(),
	}
	if expiry, err := certExpiry(s.certPath()); err == nil {
		fields["expires_at"] = expiry.UTC().Format(time.RFC3339)
		fields["days_remaining"] = int(time.Until(expiry).Hours() / 24)
	}
	return fields
}

// certExpiry parses the first certificate in a PEM file and returns its
// NotAfter timestamp.
func certExpiry(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Time{}, fmt.Errorf("no certificate found in %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert.NotAfter, nil
}
