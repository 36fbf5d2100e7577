package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lakowske/podserve/internal/config"
	"github.com/lakowske/podserve/internal/health"
	"github.com/lakowske/podserve/internal/process"
	"github.com/lakowske/podserve/internal/setup"
)

const vhostTemplate = `# Apache virtual host generated by podserve. Do not edit manually.

<VirtualHost *:80>
    ServerName {{.WEB_SERVER_NAME}}
    ServerAdmin {{.WEB_SERVER_ADMIN}}
    DocumentRoot {{.WEB_DOCUMENT_ROOT}}

    <Directory {{.WEB_DOCUMENT_ROOT}}>
        Options -Indexes +FollowSymLinks
        AllowOverride All
        Require all granted
    </Directory>

    ErrorLog /dev/stderr
    CustomLog /dev/stdout combined
{{if .SSLEnabled}}
    RewriteEngine On
    RewriteCond %{REQUEST_URI} !^/.well-known/acme-challenge/
    RewriteRule ^(.*)$ https://{{.WEB_SERVER_NAME}}$1 [R=301,L]
{{end}}</VirtualHost>
`

const sslVhostTemplate = `# Apache TLS virtual host generated by podserve. Do not edit manually.

<VirtualHost *:443>
    ServerName {{.WEB_SERVER_NAME}}
    ServerAdmin {{.WEB_SERVER_ADMIN}}
    DocumentRoot {{.WEB_DOCUMENT_ROOT}}

    SSLEngine on
    SSLCertificateFile {{.SSL_CERT_FILE}}
    SSLCertificateKeyFile {{.SSL_KEY_FILE}}
    SSLProtocol all -SSLv3 -TLSv1 -TLSv1.1

    Header always set Strict-Transport-Security "max-age=31536000"

    <Directory {{.WEB_DOCUMENT_ROOT}}>
        Options -Indexes +FollowSymLinks
        AllowOverride All
        Require all granted
    </Directory>

    ErrorLog /dev/stderr
    CustomLog /dev/stdout combined
</VirtualHost>
`

const sampleIndexTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8">
    <title>{{.WEB_SERVER_NAME}}</title>
</head>
<body>
    <h1>Welcome to {{.WEB_SERVER_NAME}}</h1>
    <p>This server is managed by podserve.</p>
</body>
</html>
`

// Web supervises an Apache httpd: renders the virtual hosts, enables the
// required modules and sites, and runs apache2ctl in the foreground.
type Web struct {
	cfg    *config.Manager
	logger *slog.Logger
	runner *process.Runner

	mu     sync.Mutex
	apache *process.TrackedProcess
}

// NewWeb creates the web service.
func NewWeb(cfg *config.Manager, runner *process.Runner, log *slog.Logger) *Web {
	return &Web{
		cfg:    cfg,
		logger: log.With("service", "web"),
		runner: runner,
	}
}

func (s *Web) Kind() Kind { return KindWeb }

func (s *Web) configDir() string {
	return s.cfg.GetDefault("WEB_CONFIG_DIR", "/etc/apache2")
}

func (s *Web) documentRoot() string {
	return s.cfg.GetDefault("WEB_DOCUMENT_ROOT", "/data/web/html")
}

func (s *Web) Directories() []setup.Directory {
	uid := s.cfg.GetInt("PODSERVE_UID", -1)
	gid := s.cfg.GetInt("PODSERVE_GID", -1)

	return []setup.Directory{
		{Path: s.documentRoot(), Mode: 0o755, UID: uid, GID: gid},
		{Path: filepath.Join(s.configDir(), "sites-available"), Mode: 0o755, UID: -1, GID: -1},
		{Path: filepath.Join(s.configDir(), "sites-enabled"), Mode: 0o755, UID: -1, GID: -1},
		{Path: "/var/log/apache2", Mode: 0o755, UID: -1, GID: -1},
	}
}

func (s *Web) RequiredVars() []string {
	return []string{"WEB_SERVER_NAME"}
}

func (s *Web) ValidateConfig() error {
	if s.cfg.SSLEnabled() && !s.cfg.SSLCertExists() {
		return fmt.Errorf("SSL enabled but certificates not found under %s", filepath.Dir(s.cfg.SSLCertPath()))
	}
	return nil
}

func (s *Web) sslExtra() map[string]any {
	extra := map[string]any{}
	if s.cfg.SSLEnabled() {
		extra["SSL_CERT_FILE"] = s.cfg.SSLCertPath()
		extra["SSL_KEY_FILE"] = s.cfg.SSLKeyPath()
	}
	return extra
}

// Configure renders the virtual hosts, seeds a sample index page, and
// enables the Apache modules and sites.
func (s *Web) Configure(ctx context.Context) error {
	s.logger.Info("Configuring Apache",
		"server_name", s.cfg.Get("WEB_SERVER_NAME"),
		"document_root", s.documentRoot(),
		"ssl", s.cfg.SSLEnabled(),
	)

	if err := s.ensureIndexPage(); err != nil {
		return err
	}

	sitesAvailable := filepath.Join(s.configDir(), "sites-available")
	if err := s.cfg.RenderTemplate("000-default.conf", vhostTemplate,
		filepath.Join(sitesAvailable, "000-default.conf"), s.sslExtra()); err != nil {
		return fmt.Errorf("failed to render virtual host: %w", err)
	}

	modules := []string{"rewrite", "headers"}
	sites := []string{"000-default"}

	if s.cfg.SSLEnabled() {
		if err := s.cfg.RenderTemplate("000-default-ssl.conf", sslVhostTemplate,
			filepath.Join(sitesAvailable, "000-default-ssl.conf"), s.sslExtra()); err != nil {
			return fmt.Errorf("failed to render TLS virtual host: %w", err)
		}
		modules = append(modules, "ssl")
		sites = append(sites, "000-default-ssl")
	}

	for _, mod := range modules {
		if err := s.runner.Run(ctx, []string{"a2enmod", mod}); err != nil {
			return fmt.Errorf("failed to enable module %s: %w", mod, err)
		}
	}
	for _, site := range sites {
		if err := s.runner.Run(ctx, []string{"a2ensite", site}); err != nil {
			return fmt.Errorf("failed to enable site %s: %w", site, err)
		}
	}

	s.logger.Info("Apache configuration completed")
	return nil
}

// ensureIndexPage writes a placeholder page once; existing content is
// never overwritten.
func (s *Web) ensureIndexPage() error {
	indexPath := filepath.Join(s.documentRoot(), "index.html")
	if _, err := os.Stat(indexPath); err == nil {
		return nil
	}

	if err := s.cfg.RenderTemplate("index.html", sampleIndexTemplate, indexPath, nil); err != nil {
		return fmt.Errorf("failed to write sample index page: %w", err)
	}
	s.logger.Info("Created sample index page", "path", indexPath)
	return nil
}

// StartService launches Apache in the foreground.
func (s *Web) StartService(ctx context.Context) ([]*process.TrackedProcess, error) {
	apache, err := s.runner.Start(ctx, "apache2", []string{"apache2ctl", "-DFOREGROUND"})
	if err != nil {
		return nil, fmt.Errorf("failed to start apache: %w", err)
	}

	s.mu.Lock()
	s.apache = apache
	s.mu.Unlock()

	return []*process.TrackedProcess{apache}, nil
}

func (s *Web) StopService(ctx context.Context) error {
	s.mu.Lock()
	apache := s.apache
	s.apache = nil
	s.mu.Unlock()

	if apache == nil {
		return nil
	}
	return apache.Stop(10 * time.Second)
}

// RegisterChecks probes the HTTP listener, and the HTTPS listener when
// TLS is enabled.
func (s *Web) RegisterChecks(reg *health.Registry) {
	reg.Register("http_port", health.PortListening("127.0.0.1:80"))
	if s.cfg.SSLEnabled() {
		reg.Register("https_port", health.PortListening("127.0.0.1:443"))
	}
}

// StatusFields implements StatusReporter.
func (s *Web) StatusFields() map[string]any {
	s.mu.Lock()
	apache := s.apache
	s.mu.Unlock()

	running := apache != nil && !apache.Exited()
	fields := map[string]any{
		"server_name":    s.cfg.Get("WEB_SERVER_NAME"),
		"document_root":  s.documentRoot(),
		"ssl_enabled":    s.cfg.SSLEnabled(),
		"apache_running": running,
	}
	if running {
		fields["apache_pid"] = apache.PID()
	}
	return fields
}
