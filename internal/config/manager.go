package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Manager holds the resolved configuration for one service instance.
// Values come from built-in defaults (common plus per-service), an optional
// defaults file, and the process environment, with the environment winning.
type Manager struct {
	service string
	logger  *slog.Logger

	mu     sync.RWMutex
	values map[string]string
}

// New creates a Manager for the named service and loads the environment.
func New(service string, logger *slog.Logger) *Manager {
	m := &Manager{
		service: service,
		logger:  logger.With("component", "config"),
	}
	m.loadEnvironment()
	return m
}

// Service returns the service name this configuration belongs to.
func (m *Manager) Service() string {
	return m.service
}

func (m *Manager) loadEnvironment() {
	values := make(map[string]string, len(commonDefaults)+32)

	for key, value := range commonDefaults {
		values[key] = value
	}
	for key, value := range serviceDefaults(m.service) {
		values[key] = value
	}

	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		values[key] = value
	}

	m.mu.Lock()
	m.values = values
	m.mu.Unlock()

	m.logger.Debug("Configuration loaded", "variables", len(values))
}

// Reload re-reads the process environment, replacing the current values.
func (m *Manager) Reload() {
	m.loadEnvironment()
}

// Get returns the configured value for key, or the empty string.
func (m *Manager) Get(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key]
}

// GetDefault returns the configured value for key, or fallback when unset.
func (m *Manager) GetDefault(key, fallback string) string {
	if v := m.Get(key); v != "" {
		return v
	}
	return fallback
}

// GetInt returns the value for key parsed as an integer, or fallback.
func (m *Manager) GetInt(key string, fallback int) int {
	v := m.Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		m.logger.Warn("Invalid integer configuration value",
			"key", key,
			"value", v,
		)
		return fallback
	}
	return n
}

// GetBool interprets the value for key as a boolean ("true", "yes", "1").
func (m *Manager) GetBool(key string) bool {
	switch strings.ToLower(m.Get(key)) {
	case "true", "yes", "1", "on":
		return true
	default:
		return false
	}
}

// Set overrides a single configuration value.
func (m *Manager) Set(key, value string) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}

// GetList splits a separator-delimited value into trimmed entries.
func (m *Manager) GetList(key, separator string) []string {
	raw := m.Get(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, separator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MissingRequired returns the subset of keys that resolve to empty values.
func (m *Manager) MissingRequired(keys []string) []string {
	var missing []string
	for _, key := range keys {
		if m.Get(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		m.logger.Error("Missing required configuration variables",
			"missing", missing,
		)
	}
	return missing
}

// SSLEnabled reports whether TLS should be configured for this service.
// SSL_ENABLED accepts "true", "false" or "auto"; auto means "certificates
// are present on disk".
func (m *Manager) SSLEnabled() bool {
	switch strings.ToLower(m.Get("SSL_ENABLED")) {
	case "true":
		return true
	case "false":
		return false
	case "auto":
		return m.SSLCertExists()
	default:
		return false
	}
}

// ServerName returns the <SERVICE>_SERVER_NAME value, defaulting to localhost.
func (m *Manager) ServerName() string {
	key := strings.ToUpper(m.service) + "_SERVER_NAME"
	return m.GetDefault(key, "localhost")
}

func (m *Manager) sslDir() string {
	return filepath.Join(m.GetDefault("SSL_CERT_DIR", "/data/state/certificates"), m.ServerName())
}

// SSLCertExists reports whether both the certificate and key files exist.
func (m *Manager) SSLCertExists() bool {
	if _, err := os.Stat(m.SSLCertPath()); err != nil {
		return false
	}
	if _, err := os.Stat(m.SSLKeyPath()); err != nil {
		return false
	}
	return true
}

// SSLCertPath returns the path of the certificate chain file.
func (m *Manager) SSLCertPath() string {
	return filepath.Join(m.sslDir(), "fullchain.pem")
}

// SSLKeyPath returns the path of the private key file.
func (m *Manager) SSLKeyPath() string {
	return filepath.Join(m.sslDir(), "privkey.pem")
}

// SSLChainPath returns the chain file path, or "" when it does not exist.
func (m *Manager) SSLChainPath() string {
	p := filepath.Join(m.sslDir(), "chain.pem")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
