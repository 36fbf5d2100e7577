package service

import (
	"context"
	"errors"
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

const postfixMainTemplate = `# Postfix main.cf generated by podserve. Do not edit manually.

myhostname = {{.MAIL_SERVER_NAME}}
mydomain = {{.MAIL_DOMAIN}}
myorigin = $mydomain
mydestination = localhost

inet_interfaces = all
inet_protocols = ipv4

smtpd_banner = $myhostname ESMTP

maillog_file = /dev/stdout

virtual_mailbox_domains = hash:{{.PostfixDir}}/virtual_domains
virtual_mailbox_base = {{.MAIL_DATA_DIR}}
virtual_mailbox_maps = hash:{{.PostfixDir}}/vmailbox
virtual_alias_maps = hash:{{.PostfixDir}}/virtual
virtual_minimum_uid = 100
virtual_uid_maps = static:5000
virtual_gid_maps = static:5000

mua_client_restrictions = permit_sasl_authenticated,reject
mua_helo_restrictions = permit_sasl_authenticated,reject
mua_sender_restrictions = permit_sasl_authenticated,reject

smtpd_sasl_type = dovecot
smtpd_sasl_path = private/auth
{{if .SSLEnabled}}
smtpd_tls_cert_file = {{.SSL_CERT_FILE}}
smtpd_tls_key_file = {{.SSL_KEY_FILE}}
smtpd_tls_security_level = may
smtp_tls_security_level = may
{{end}}`

// postfixMasterConf is static: the MUA restriction parameters are resolved
// by Postfix itself from main.cf, so the $-references must survive as-is.
const postfixMasterConf = `#
# Postfix master process configuration, generated by podserve.
#
# ==========================================================================
# service type  private unpriv  chroot  wakeup  maxproc command + args
# ==========================================================================
smtp      inet  n       -       y       -       -       smtpd
submission inet n       -       y       -       -       smtpd
  -o syslog_name=postfix/submission
  -o smtpd_tls_security_level=encrypt
  -o smtpd_sasl_auth_enable=yes
  -o smtpd_tls_auth_only=yes
  -o smtpd_reject_unlisted_recipient=no
  -o smtpd_client_restrictions=$mua_client_restrictions
  -o smtpd_helo_restrictions=$mua_helo_restrictions
  -o smtpd_sender_restrictions=$mua_sender_restrictions
  -o smtpd_recipient_restrictions=
  -o smtpd_relay_restrictions=permit_sasl_authenticated,reject
  -o milter_macro_daemon_name=ORIGINATING
smtps     inet  n       -       y       -       -       smtpd
  -o syslog_name=postfix/smtps
  -o smtpd_tls_wrappermode=yes
  -o smtpd_sasl_auth_enable=yes
  -o smtpd_reject_unlisted_recipient=no
  -o smtpd_client_restrictions=$mua_client_restrictions
  -o smtpd_helo_restrictions=$mua_helo_restrictions
  -o smtpd_sender_restrictions=$mua_sender_restrictions
  -o smtpd_recipient_restrictions=
  -o smtpd_relay_restrictions=permit_sasl_authenticated,reject
  -o milter_macro_daemon_name=ORIGINATING
pickup    unix  n       -       y       60      1       pickup
cleanup   unix  n       -       y       -       0       cleanup
qmgr      unix  n       -       n       300     1       qmgr
tlsmgr    unix  -       -       y       1000?   1       tlsmgr
rewrite   unix  -       -       y       -       -       trivial-rewrite
bounce    unix  -       -       y       -       0       bounce
defer     unix  -       -       y       -       0       bounce
trace     unix  -       -       y       -       0       bounce
verify    unix  -       -       y       -       1       verify
flush     unix  n       -       y       1000?   0       flush
proxymap  unix  -       -       n       -       -       proxymap
proxywrite unix -       -       n       -       1       proxymap
smtp      unix  -       -       y       -       -       smtp
relay     unix  -       -       y       -       -       smtp
showq     unix  n       -       y       -       -       showq
error     unix  -       -       y       -       -       error
retry     unix  -       -       y       -       -       error
discard   unix  -       -       y       -       -       discard
local     unix  -       n       n       -       -       local
virtual   unix  -       n       n       -       -       virtual
lmtp      unix  -       -       y       -       -       lmtp
anvil     unix  -       -       y       -       1       anvil
scache    unix  -       -       y       -       1       scache
postlog   unix-dgram n  -       n       -       1       postlogd
`

const dovecotConfTemplate = `# Dovecot configuration generated by podserve. Do not edit manually.

protocols = imap pop3 lmtp
listen = *

log_path = /dev/stderr

mail_location = maildir:{{.MAIL_DATA_DIR}}/%d/%n

auth_mechanisms = plain login

passdb {
  driver = passwd-file
  args = {{.DovecotDir}}/users
}

userdb {
  driver = static
  args = uid=5000 gid=5000 home={{.MAIL_DATA_DIR}}/%d/%n
}

service imap-login {
  inet_listener imap {
    port = 143
  }
}

service auth {
  unix_listener /var/spool/postfix/private/auth {
    mode = 0666
  }
}
{{if .SSLEnabled}}
!include conf.d/10-ssl.conf
{{else}}
ssl = no
{{end}}`

const dovecotSSLTemplate = `# Dovecot TLS configuration generated by podserve.
ssl = required
ssl_cert = <{{.SSL_CERT_FILE}}
ssl_key = <{{.SSL_KEY_FILE}}
ssl_dh = <{{.DovecotDir}}/dh.pem
ssl_min_protocol = TLSv1.2
`

// testUserHash is a SHA512-CRYPT hash of "password" for the seeded dev
// mailboxes. Real deployments replace the users file.
const testUserHash = "$6$rounds=5000$salt$IxDD3jeSOb5eB1CX5LBsqZFVkJdido3OUILO5Ifz5iwMuTS4XMS130MTSuDDl3aCI6WouIL9AjRbLCelDCy.g."

// Mail supervises Postfix and Dovecot as one service: renders both
// daemons' configuration, seeds the virtual domain maps, and runs the two
// processes in the foreground.
type Mail struct {
	cfg    *config.Manager
	logger *slog.Logger
	runner *process.Runner

	mu      sync.Mutex
	postfix *process.TrackedProcess
	dovecot *process.TrackedProcess
}

// NewMail creates the mail service.
func NewMail(cfg *config.Manager, runner *process.Runner, log *slog.Logger) *Mail {
	return &Mail{
		cfg:    cfg,
		logger: log.With("service", "mail"),
		runner: runner,
	}
}

func (s *Mail) Kind() Kind { return KindMail }

func (s *Mail) postfixDir() string {
	return s.cfg.GetDefault("POSTFIX_CONFIG_DIR", "/etc/postfix")
}

func (s *Mail) dovecotDir() string {
	return s.cfg.GetDefault("DOVECOT_CONFIG_DIR", "/etc/dovecot")
}

func (s *Mail) dataDir() string {
	return s.cfg.GetDefault("MAIL_DATA_DIR", "/var/mail/vhosts")
}

func (s *Mail) Directories() []setup.Directory {
	uid := s.cfg.GetInt("PODSERVE_UID", -1)
	gid := s.cfg.GetInt("PODSERVE_GID", -1)

	return []setup.Directory{
		// Virtual mailboxes are owned by the vmail user.
		{Path: s.dataDir(), Mode: 0o770, UID: 5000, GID: 5000},
		{Path: s.postfixDir(), Mode: 0o755, UID: uid, GID: gid},
		{Path: filepath.Join(s.dovecotDir(), "conf.d"), Mode: 0o755, UID: uid, GID: gid},
		{Path: "/var/spool/postfix/private", Mode: 0o755, UID: -1, GID: -1},
		{Path: "/var/spool/postfix/public", Mode: 0o755, UID: -1, GID: -1},
	}
}

func (s *Mail) RequiredVars() []string {
	return []string{"MAIL_SERVER_NAME", "MAIL_DOMAIN"}
}

// ValidateConfig rejects an SSL-enabled setup with no certificates on disk.
func (s *Mail) ValidateConfig() error {
	if s.cfg.SSLEnabled() && !s.cfg.SSLCertExists() {
		return fmt.Errorf("SSL enabled but certificates not found under %s", filepath.Dir(s.cfg.SSLCertPath()))
	}
	return nil
}

// Configure renders Postfix and Dovecot configuration and seeds the
// virtual domain maps.
func (s *Mail) Configure(ctx context.Context) error {
	s.logger.Info("Configuring mail service",
		"hostname", s.cfg.Get("MAIL_SERVER_NAME"),
		"domain", s.cfg.Get("MAIL_DOMAIN"),
	)

	if err := s.configurePostfix(ctx); err != nil {
		return err
	}
	if err := s.configureDovecot(ctx); err != nil {
		return err
	}
	if err := s.writeVirtualMaps(ctx); err != nil {
		return err
	}

	s.logger.Info("Mail service configuration completed")
	return nil
}

func (s *Mail) sslExtra() map[string]any {
	extra := map[string]any{
		"PostfixDir": s.postfixDir(),
		"DovecotDir": s.dovecotDir(),
	}
	if s.cfg.SSLEnabled() {
		extra["SSL_CERT_FILE"] = s.cfg.SSLCertPath()
		extra["SSL_KEY_FILE"] = s.cfg.SSLKeyPath()
	}
	return extra
}

func (s *Mail) configurePostfix(ctx context.Context) error {
	if err := s.cfg.RenderTemplate("main.cf", postfixMainTemplate,
		filepath.Join(s.postfixDir(), "main.cf"), s.sslExtra()); err != nil {
		return fmt.Errorf("failed to render main.cf: %w", err)
	}

	masterPath := filepath.Join(s.postfixDir(), "master.cf")
	if err := os.WriteFile(masterPath, []byte(postfixMasterConf), 0o644); err != nil {
		return fmt.Errorf("failed to write master.cf: %w", err)
	}
	return nil
}

func (s *Mail) configureDovecot(ctx context.Context) error {
	if err := s.cfg.RenderTemplate("dovecot.conf", dovecotConfTemplate,
		filepath.Join(s.dovecotDir(), "dovecot.conf"), s.sslExtra()); err != nil {
		return fmt.Errorf("failed to render dovecot.conf: %w", err)
	}

	if !s.cfg.SSLEnabled() {
		return nil
	}

	if err := s.cfg.RenderTemplate("10-ssl.conf", dovecotSSLTemplate,
		filepath.Join(s.dovecotDir(), "conf.d", "10-ssl.conf"), s.sslExtra()); err != nil {
		return fmt.Errorf("failed to render 10-ssl.conf: %w", err)
	}

	// DH parameter generation is slow; keep an existing file.
	dhPath := filepath.Join(s.dovecotDir(), "dh.pem")
	if _, err := os.Stat(dhPath); os.IsNotExist(err) {
		s.logger.Info("Generating DH parameters for Dovecot TLS")
		if err := s.runner.RunWithRetry(ctx,
			[]string{"openssl", "dhparam", "-out", dhPath, "2048"},
			2, time.Second); err != nil {
			s.logger.Warn("Failed to generate DH parameters", "error", err)
		}
	}
	return nil
}

// writeVirtualMaps seeds the virtual domain, mailbox, and alias maps and
// hashes them with postmap.
func (s *Mail) writeVirtualMaps(ctx context.Context) error {
	domain := s.cfg.Get("MAIL_DOMAIN")

	maps := []struct {
		path    string
		content string
		mode    os.FileMode
	}{
		{
			path:    filepath.Join(s.postfixDir(), "virtual_domains"),
			content: fmt.Sprintf("%s\tOK\n", domain),
			mode:    0o644,
		},
		{
			path: filepath.Join(s.postfixDir(), "vmailbox"),
			content: fmt.Sprintf("admin@%s\t%s/admin/\ntest@%s\t%s/test/\n",
				domain, domain, domain, domain),
			mode: 0o644,
		},
		{
			path: filepath.Join(s.postfixDir(), "virtual"),
			content: fmt.Sprintf("postmaster@%s\tadmin@%s\nwebmaster@%s\tadmin@%s\n",
				domain, domain, domain, domain),
			mode: 0o644,
		},
		{
			path: filepath.Join(s.dovecotDir(), "users"),
			content: fmt.Sprintf("admin@%s:%s\ntest@%s:%s\n",
				domain, testUserHash, domain, testUserHash),
			mode: 0o600,
		},
	}

	for _, m := range maps {
		if err := os.WriteFile(m.path, []byte(m.content), m.mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", m.path, err)
		}
	}

	for _, name := range []string{"virtual_domains", "vmailbox", "virtual"} {
		path := filepath.Join(s.postfixDir(), name)
		if err := s.runner.RunWithRetry(ctx, []string{"postmap", path}, 3, time.Second); err != nil {
			return fmt.Errorf("postmap %s failed: %w", name, err)
		}
	}
	return nil
}

// StartService launches Postfix and Dovecot in the foreground.
func (s *Mail) StartService(ctx context.Context) ([]*process.TrackedProcess, error) {
	postfix, err := s.runner.Start(ctx, "postfix", []string{"postfix", "start-fg"})
	if err != nil {
		return nil, fmt.Errorf("failed to start postfix: %w", err)
	}

	dovecot, err := s.runner.Start(ctx, "dovecot", []string{"dovecot", "-F"})
	if err != nil {
		postfix.Stop(5 * time.Second)
		return nil, fmt.Errorf("failed to start dovecot: %w", err)
	}

	s.mu.Lock()
	s.postfix = postfix
	s.dovecot = dovecot
	s.mu.Unlock()

	return []*process.TrackedProcess{postfix, dovecot}, nil
}

// StopService stops both daemons, reporting every failure.
func (s *Mail) StopService(ctx context.Context) error {
	s.mu.Lock()
	postfix, dovecot := s.postfix, s.dovecot
	s.postfix, s.dovecot = nil, nil
	s.mu.Unlock()

	var errs []error
	if postfix != nil {
		if err := postfix.Stop(5 * time.Second); err != nil {
			errs = append(errs, fmt.Errorf("postfix: %w", err))
		}
	}
	if dovecot != nil {
		if err := dovecot.Stop(5 * time.Second); err != nil {
			errs = append(errs, fmt.Errorf("dovecot: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RegisterChecks probes the SMTP and IMAP listeners.
func (s *Mail) RegisterChecks(reg *health.Registry) {
	reg.Register("smtp_port", health.PortListening("127.0.0.1:25"))
	reg.Register("imap_port", health.PortListening("127.0.0.1:143"))
}

// StatusFields implements StatusReporter.
func (s *Mail) StatusFields() map[string]any {
	s.mu.Lock()
	postfix, dovecot := s.postfix, s.dovecot
	s.mu.Unlock()

	return map[string]any{
		"domain":          s.cfg.Get("MAIL_DOMAIN"),
		"hostname":        s.cfg.Get("MAIL_SERVER_NAME"),
		"ssl_enabled":     s.cfg.SSLEnabled(),
		"postfix_running": postfix != nil && !postfix.Exited(),
		"dovecot_running": dovecot != nil && !dovecot.Exited(),
	}
}
