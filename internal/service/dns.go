package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lakowske/podserve/internal/config"
	"github.com/lakowske/podserve/internal/health"
	"github.com/lakowske/podserve/internal/process"
	"github.com/lakowske/podserve/internal/setup"
)

const namedConfTemplate = `// BIND9 configuration generated by podserve. Do not edit manually.

options {
    directory "{{.CacheDir}}";

    listen-on { {{.DNS_LISTEN_ADDRESS}}; };
    listen-on-v6 { any; };

    allow-query { {{.DNS_ALLOW_QUERY}}; };
    recursion {{.DNS_ALLOW_RECURSION}};

    forwarders {
        {{formatForwarders .DNS_FORWARDERS}}
    };

    dnssec-validation auto;

    pid-file "{{.StateDir}}/named.pid";
};

logging {
    channel default_log {
        file "{{.LOGS_DIR}}/named.log";
        severity info;
        print-time yes;
        print-category yes;
        print-severity yes;
    };
    category default { default_log; };
};

zone "." {
    type hint;
    file "/usr/share/dns/root.hints";
};

zone "{{.DNS_DOMAIN}}" {
    type master;
    file "{{.ZoneFile}}";
    allow-update { none; };
};
`

const zoneFileTemplate = `; Zone file for {{.DNS_DOMAIN}}. Generated by podserve, do not edit manually.

$TTL 86400
$ORIGIN {{.DNS_DOMAIN}}.

@   IN  SOA {{.DNS_DOMAIN}}. {{.AdminContact}}. (
        {{.Serial}}  ; serial
        3600        ; refresh
        900         ; retry
        1209600     ; expire
        86400       ; minimum
)

@           IN  NS      {{.DNS_DOMAIN}}.

@           IN  A       {{.DNS_IP_ADDRESS}}
mail        IN  A       {{.DNS_IP_ADDRESS}}
www         IN  A       {{.DNS_IP_ADDRESS}}
admin       IN  A       {{.DNS_IP_ADDRESS}}
api         IN  A       {{.DNS_IP_ADDRESS}}

smtp        IN  CNAME   mail.{{.DNS_DOMAIN}}.
imap        IN  CNAME   mail.{{.DNS_DOMAIN}}.
pop3        IN  CNAME   mail.{{.DNS_DOMAIN}}.

@           IN  MX  10  mail.{{.DNS_DOMAIN}}.

@           IN  TXT     "v=spf1 mx ~all"
_dmarc      IN  TXT     "v=DMARC1; p=none; rua=mailto:{{.AdminEmail}}"
`

// DNS supervises a BIND9 daemon: renders named.conf and the forward zone
// for the configured domain, runs named in the foreground, and probes it
// with dig queries.
type DNS struct {
	cfg    *config.Manager
	logger *slog.Logger
	runner *process.Runner

	stateDir  string
	configDir string
	zonesDir  string
	cacheDir  string

	mu    sync.Mutex
	named *process.TrackedProcess
}

// NewDNS creates the DNS service.
func NewDNS(cfg *config.Manager, runner *process.Runner, log *slog.Logger) *DNS {
	stateDir := filepath.Join(cfg.GetDefault("STATE_DIR", "/data/state"), "dns")
	return &DNS{
		cfg:       cfg,
		logger:    log.With("service", "dns"),
		runner:    runner,
		stateDir:  stateDir,
		configDir: filepath.Join(cfg.GetDefault("CONFIG_DIR", "/data/config"), "dns"),
		zonesDir:  filepath.Join(stateDir, "zones"),
		cacheDir:  filepath.Join(stateDir, "cache"),
	}
}

func (s *DNS) Kind() Kind { return KindDNS }

func (s *DNS) Directories() []setup.Directory {
	uid := s.cfg.GetInt("PODSERVE_UID", -1)
	gid := s.cfg.GetInt("PODSERVE_GID", -1)
	dirs := []string{s.stateDir, s.configDir, s.zonesDir, s.cacheDir}

	out := make([]setup.Directory, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, setup.Directory{Path: d, Mode: 0o755, UID: uid, GID: gid})
	}
	return out
}

func (s *DNS) RequiredVars() []string {
	return []string{"DNS_DOMAIN"}
}

func (s *DNS) ValidateConfig() error {
	if len(s.cfg.GetList("DNS_FORWARDERS", ";")) == 0 {
		return fmt.Errorf("DNS_FORWARDERS must list at least one upstream resolver")
	}
	return nil
}

func (s *DNS) namedConfPath() string {
	return filepath.Join(s.configDir, "named.conf")
}

func (s *DNS) zoneFilePath() string {
	return filepath.Join(s.zonesDir, s.domain()+".zone")
}

func (s *DNS) domain() string {
	return s.cfg.GetDefault("DNS_DOMAIN", "localhost")
}

// Configure renders named.conf and the forward zone file.
func (s *DNS) Configure(ctx context.Context) error {
	s.logger.Info("Configuring BIND9", "domain", s.domain())

	if err := s.cfg.RenderTemplate("named.conf", namedConfTemplate, s.namedConfPath(), map[string]any{
		"StateDir": s.stateDir,
		"CacheDir": s.cacheDir,
		"ZoneFile": s.zoneFilePath(),
	}); err != nil {
		return fmt.Errorf("failed to render named.conf: %w", err)
	}

	if err := s.renderZoneFile(); err != nil {
		return err
	}

	s.logger.Info("BIND9 configuration completed")
	return nil
}

func (s *DNS) renderZoneFile() error {
	adminEmail := s.cfg.GetDefault("DNS_ADMIN_EMAIL", "admin@"+s.domain())
	extra := map[string]any{
		// RNAME form: user@host becomes user.host.
		"AdminContact": strings.Replace(adminEmail, "@", ".", 1),
		"AdminEmail":   adminEmail,
		"Serial":       zoneSerial(time.Now()),
	}
	if err := s.cfg.RenderTemplate(s.domain()+".zone", zoneFileTemplate, s.zoneFilePath(), extra); err != nil {
		return fmt.Errorf("failed to render zone file: %w", err)
	}
	return nil
}

// zoneSerial builds a YYYYMMDDnn zone serial.
func zoneSerial(now time.Time) string {
	return now.Format("20060102") + "01"
}

// StartService launches named in the foreground with logging to stderr.
func (s *DNS) StartService(ctx context.Context) ([]*process.TrackedProcess, error) {
	named, err := s.runner.Start(ctx, "named", []string{
		"named", "-c", s.namedConfPath(), "-f", "-g",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start named: %w", err)
	}

	s.mu.Lock()
	s.named = named
	s.mu.Unlock()

	return []*process.TrackedProcess{named}, nil
}

// StopService stops named gracefully.
func (s *DNS) StopService(ctx context.Context) error {
	s.mu.Lock()
	named := s.named
	s.named = nil
	s.mu.Unlock()

	if named == nil {
		return nil
	}
	return named.Stop(10 * time.Second)
}

// RegisterChecks installs dig-based resolution probes: the local zone must
// resolve through our listener, and forwarding must reach an upstream.
func (s *DNS) RegisterChecks(reg *health.Registry) {
	listen := s.cfg.GetDefault("DNS_LISTEN_ADDRESS", "127.0.0.1")
	if listen == "0.0.0.0" {
		listen = "127.0.0.1"
	}

	reg.Register("dns_local_query", health.CommandSucceeds(
		"dig", "@"+listen, "-p", "53", s.domain(), "A", "+short", "+time=1", "+tries=1",
	))
	reg.Register("dns_forward_query", health.CommandSucceeds(
		"dig", "@"+listen, "-p", "53", "google.com", "A", "+short", "+time=1", "+tries=1",
	))
}

// ReloadZones tells named to re-read its zone files without a restart.
func (s *DNS) ReloadZones() error {
	s.mu.Lock()
	named := s.named
	s.mu.Unlock()

	if named == nil || named.Exited() {
		return fmt.Errorf("cannot reload zones: named is not running")
	}
	if err := named.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("failed to signal named: %w", err)
	}
	s.logger.Info("Sent zone reload signal to named")
	return nil
}

// AddRecord appends a record to the zone file and reloads named.
func (s *DNS) AddRecord(name, recordType, value string) error {
	line := fmt.Sprintf("%-12s IN  %-6s %s\n", name, recordType, value)

	f, err := os.OpenFile(s.zoneFilePath(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open zone file: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close zone file: %w", err)
	}

	s.logger.Info("Added DNS record",
		"name", name,
		"type", recordType,
		"value", value,
	)
	return s.ReloadZones()
}

// StatusFields implements StatusReporter.
func (s *DNS) StatusFields() map[string]any {
	s.mu.Lock()
	named := s.named
	s.mu.Unlock()

	running := named != nil && !named.Exited()
	fields := map[string]any{
		"domain":        s.domain(),
		"zone_file":     s.zoneFilePath(),
		"named_running": running,
	}
	if running {
		fields["named_pid"] = named.PID()
	}
	return fields
}
