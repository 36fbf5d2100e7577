package service

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lakowske/podserve/internal/config"
	"github.com/lakowske/podserve/internal/process"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestConfig points every data directory into a temp dir so Configure
// can render real files.
func newTestConfig(t *testing.T, kind Kind) *config.Manager {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("CONFIG_DIR", filepath.Join(dir, "config"))
	t.Setenv("STATE_DIR", filepath.Join(dir, "state"))
	t.Setenv("LOGS_DIR", filepath.Join(dir, "logs"))
	t.Setenv("SSL_CERT_DIR", filepath.Join(dir, "state", "certificates"))
	return config.New(string(kind), testLogger())
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"dns", false},
		{"mail", false},
		{"web", false},
		{"cert", false},
		{"", true},
		{"ftp", true},
		{"DNS", true},
	}
	for _, tt := range tests {
		kind, err := ParseKind(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseKind(%q): expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseKind(%q): %v", tt.name, err)
		}
		if string(kind) != tt.name {
			t.Errorf("ParseKind(%q) = %q", tt.name, kind)
		}
	}
}

func TestNew_UnknownKind(t *testing.T) {
	cfg := newTestConfig(t, KindDNS)
	if _, err := New(Kind("ftp"), cfg, testLogger()); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestNew_AllKinds(t *testing.T) {
	for _, kind := range Kinds() {
		cfg := newTestConfig(t, kind)
		svc, err := New(kind, cfg, testLogger())
		if err != nil {
			t.Fatalf("New(%s): %v", kind, err)
		}
		if svc.Kind() != kind {
			t.Errorf("New(%s).Kind() = %s", kind, svc.Kind())
		}
		if len(svc.RequiredVars()) == 0 {
			t.Errorf("%s: expected at least one required variable", kind)
		}
		if len(svc.Directories()) == 0 {
			t.Errorf("%s: expected at least one directory", kind)
		}
		if _, ok := svc.(StatusReporter); !ok {
			t.Errorf("%s: does not implement StatusReporter", kind)
		}
	}
}

func TestDNS_Configure(t *testing.T) {
	t.Setenv("DNS_DOMAIN", "example.test")
	t.Setenv("DNS_FORWARDERS", "8.8.8.8;1.1.1.1")
	cfg := newTestConfig(t, KindDNS)

	svc := NewDNS(cfg, process.NewRunner("dns", testLogger()), testLogger())
	if err := svc.ValidateConfig(); err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}
	if err := svc.Configure(t.Context()); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	conf, err := os.ReadFile(svc.namedConfPath())
	if err != nil {
		t.Fatalf("named.conf not written: %v", err)
	}
	for _, want := range []string{
		`zone "example.test"`,
		"8.8.8.8; 1.1.1.1;",
		"dnssec-validation auto;",
		svc.zoneFilePath(),
	} {
		if !strings.Contains(string(conf), want) {
			t.Errorf("named.conf missing %q", want)
		}
	}

	zone, err := os.ReadFile(svc.zoneFilePath())
	if err != nil {
		t.Fatalf("zone file not written: %v", err)
	}
	for _, want := range []string{
		"$ORIGIN example.test.",
		"admin.example.test.",
		"IN  MX  10  mail.example.test.",
		"v=spf1 mx ~all",
		zoneSerial(time.Now()),
	} {
		if !strings.Contains(string(zone), want) {
			t.Errorf("zone file missing %q", want)
		}
	}
}

func TestDNS_ValidateConfig_NoForwarders(t *testing.T) {
	t.Setenv("DNS_FORWARDERS", " ; ")
	cfg := newTestConfig(t, KindDNS)
	svc := NewDNS(cfg, process.NewRunner("dns", testLogger()), testLogger())
	if err := svc.ValidateConfig(); err == nil {
		t.Error("expected error for empty forwarder list")
	}
}

func TestZoneSerial(t *testing.T) {
	got := zoneSerial(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	if got != "2026083001" {
		t.Errorf("zoneSerial = %q, want 2026083001", got)
	}
}

func TestDNS_AddRecord(t *testing.T) {
	t.Setenv("DNS_DOMAIN", "example.test")
	cfg := newTestConfig(t, KindDNS)
	svc := NewDNS(cfg, process.NewRunner("dns", testLogger()), testLogger())
	if err := svc.Configure(t.Context()); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	// named is not running, so the reload after the append must fail.
	if err := svc.AddRecord("git", "A", "10.0.0.5"); err == nil {
		t.Error("expected reload error with named stopped")
	}

	zone, err := os.ReadFile(svc.zoneFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(zone), "git") || !strings.Contains(string(zone), "10.0.0.5") {
		t.Errorf("record not appended to zone file:\n%s", zone)
	}
}

func TestMail_ConfigureFiles(t *testing.T) {
	t.Setenv("SSL_ENABLED", "false")
	cfg := newTestConfig(t, KindMail)
	dir := t.TempDir()
	t.Setenv("POSTFIX_CONFIG_DIR", filepath.Join(dir, "postfix"))
	t.Setenv("DOVECOT_CONFIG_DIR", filepath.Join(dir, "dovecot"))
	t.Setenv("MAIL_DATA_DIR", filepath.Join(dir, "vhosts"))
	cfg.Reload()

	svc := NewMail(cfg, process.NewRunner("mail", testLogger()), testLogger())
	if err := os.MkdirAll(svc.dovecotDir(), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := svc.configurePostfix(t.Context()); err != nil {
		t.Fatalf("configurePostfix: %v", err)
	}
	main, err := os.ReadFile(filepath.Join(svc.postfixDir(), "main.cf"))
	if err != nil {
		t.Fatalf("main.cf not written: %v", err)
	}
	for _, want := range []string{
		"myhostname = mail.localhost",
		"mydomain = localhost",
		"virtual_mailbox_base = " + svc.dataDir(),
		"mua_client_restrictions = permit_sasl_authenticated,reject",
	} {
		if !strings.Contains(string(main), want) {
			t.Errorf("main.cf missing %q", want)
		}
	}
	if strings.Contains(string(main), "smtpd_tls_cert_file") {
		t.Error("main.cf contains TLS settings with SSL disabled")
	}

	master, err := os.ReadFile(filepath.Join(svc.postfixDir(), "master.cf"))
	if err != nil {
		t.Fatalf("master.cf not written: %v", err)
	}
	// The $-references must survive verbatim for Postfix to resolve them.
	if !strings.Contains(string(master), "$mua_client_restrictions") {
		t.Error("master.cf lost the main.cf parameter references")
	}

	if err := svc.configureDovecot(t.Context()); err != nil {
		t.Fatalf("configureDovecot: %v", err)
	}
	dovecot, err := os.ReadFile(filepath.Join(svc.dovecotDir(), "dovecot.conf"))
	if err != nil {
		t.Fatalf("dovecot.conf not written: %v", err)
	}
	if !strings.Contains(string(dovecot), "ssl = no") {
		t.Error("dovecot.conf should disable TLS when SSL is off")
	}
	if !strings.Contains(string(dovecot), "maildir:"+svc.dataDir()) {
		t.Error("dovecot.conf missing mail location")
	}
}

func TestMail_ValidateConfig_SSLWithoutCerts(t *testing.T) {
	t.Setenv("SSL_ENABLED", "true")
	cfg := newTestConfig(t, KindMail)
	svc := NewMail(cfg, process.NewRunner("mail", testLogger()), testLogger())
	if err := svc.ValidateConfig(); err == nil {
		t.Error("expected error: SSL enabled without certificates on disk")
	}
}

func TestWeb_EnsureIndexPage(t *testing.T) {
	t.Setenv("WEB_SERVER_NAME", "www.example.test")
	cfg := newTestConfig(t, KindWeb)
	docroot := t.TempDir()
	t.Setenv("WEB_DOCUMENT_ROOT", docroot)
	cfg.Reload()

	svc := NewWeb(cfg, process.NewRunner("web", testLogger()), testLogger())
	if err := svc.ensureIndexPage(); err != nil {
		t.Fatalf("ensureIndexPage: %v", err)
	}

	indexPath := filepath.Join(docroot, "index.html")
	index, err := os.ReadFile(indexPath)
	if err != nil {
		t.Fatalf("index.html not written: %v", err)
	}
	if !strings.Contains(string(index), "www.example.test") {
		t.Error("index.html missing server name")
	}

	// Existing content must never be replaced.
	if err := os.WriteFile(indexPath, []byte("custom"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := svc.ensureIndexPage(); err != nil {
		t.Fatalf("ensureIndexPage (second): %v", err)
	}
	index, _ = os.ReadFile(indexPath)
	if string(index) != "custom" {
		t.Error("ensureIndexPage overwrote existing content")
	}
}

func TestWeb_VhostRendering(t *testing.T) {
	t.Setenv("WEB_SERVER_NAME", "www.example.test")
	t.Setenv("SSL_ENABLED", "false")
	cfg := newTestConfig(t, KindWeb)
	svc := NewWeb(cfg, process.NewRunner("web", testLogger()), testLogger())

	out := filepath.Join(t.TempDir(), "000-default.conf")
	if err := cfg.RenderTemplate("000-default.conf", vhostTemplate, out, svc.sslExtra()); err != nil {
		t.Fatalf("render: %v", err)
	}
	vhost, _ := os.ReadFile(out)
	if !strings.Contains(string(vhost), "ServerName www.example.test") {
		t.Error("vhost missing ServerName")
	}
	if strings.Contains(string(vhost), "RewriteEngine") {
		t.Error("vhost contains HTTPS redirect with SSL disabled")
	}
}

func TestCert_ValidateConfig(t *testing.T) {
	tests := []struct {
		name     string
		mode     string
		schedule string
		wantErr  bool
	}{
		{"self-signed default", ModeSelfSigned, "0 3 * * *", false},
		{"certbot", ModeCertbot, "0 3 * * *", false},
		{"staging", ModeCertbotStaging, "@daily", false},
		{"unknown mode", "acme-magic", "0 3 * * *", true},
		{"bad schedule", ModeSelfSigned, "not-a-schedule", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CERT_MODE", tt.mode)
			t.Setenv("CERT_RENEW_SCHEDULE", tt.schedule)
			cfg := newTestConfig(t, KindCert)
			svc := NewCert(cfg, process.NewRunner("cert", testLogger()), testLogger())
			err := svc.ValidateConfig()
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// writeTestCert writes a self-signed certificate expiring at notAfter.
func writeTestCert(t *testing.T, path string, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCert_NeedsRenewal(t *testing.T) {
	cfg := newTestConfig(t, KindCert)
	svc := NewCert(cfg, process.NewRunner("cert", testLogger()), testLogger())

	// No certificate on disk.
	if renew, _ := svc.needsRenewal(); !renew {
		t.Error("expected renewal with no certificate present")
	}

	writeTestCert(t, svc.certPath(), time.Now().Add(90*24*time.Hour))
	if renew, reason := svc.needsRenewal(); renew {
		t.Errorf("fresh certificate flagged for renewal: %s", reason)
	}

	writeTestCert(t, svc.certPath(), time.Now().Add(10*24*time.Hour))
	if renew, _ := svc.needsRenewal(); !renew {
		t.Error("expiring certificate not flagged for renewal")
	}
}

func TestCert_StatusFields(t *testing.T) {
	cfg := newTestConfig(t, KindCert)
	svc := NewCert(cfg, process.NewRunner("cert", testLogger()), testLogger())

	fields := svc.StatusFields()
	if fields["mode"] != ModeSelfSigned {
		t.Errorf("mode = %v", fields["mode"])
	}
	if _, ok := fields["expires_at"]; ok {
		t.Error("expires_at reported with no certificate on disk")
	}

	writeTestCert(t, svc.certPath(), time.Now().Add(200*24*time.Hour))
	fields = svc.StatusFields()
	if _, ok := fields["expires_at"]; !ok {
		t.Error("expires_at missing with certificate present")
	}
	if days, ok := fields["days_remaining"].(int); !ok || days < 195 || days > 200 {
		t.Errorf("days_remaining = %v", fields["days_remaining"])
	}
}

func TestCert_SchedulerStartStop(t *testing.T) {
	cfg := newTestConfig(t, KindCert)
	svc := NewCert(cfg, process.NewRunner("cert", testLogger()), testLogger())

	procs, err := svc.StartService(t.Context())
	if err != nil {
		t.Fatalf("StartService: %v", err)
	}
	if len(procs) != 0 {
		t.Errorf("cert service tracked %d processes, want 0", len(procs))
	}
	if err := svc.StopService(t.Context()); err != nil {
		t.Fatalf("StopService: %v", err)
	}
	// Stop is idempotent.
	if err := svc.StopService(t.Context()); err != nil {
		t.Fatalf("second StopService: %v", err)
	}
}
