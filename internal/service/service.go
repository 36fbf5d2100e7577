// Package service implements the daemon sets podserve can supervise.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lakowske/podserve/internal/config"
	"github.com/lakowske/podserve/internal/health"
	"github.com/lakowske/podserve/internal/process"
	"github.com/lakowske/podserve/internal/setup"
)

// Kind identifies a supported service. The set is closed: every kind has a
// concrete implementation in this package and New rejects anything else.
type Kind string

const (
	KindDNS  Kind = "dns"
	KindMail Kind = "mail"
	KindWeb  Kind = "web"
	KindCert Kind = "cert"
)

// Kinds returns all supported service kinds.
func Kinds() []Kind {
	return []Kind{KindDNS, KindMail, KindWeb, KindCert}
}

// ParseKind validates a service name from the CLI.
func ParseKind(name string) (Kind, error) {
	switch Kind(name) {
	case KindDNS, KindMail, KindWeb, KindCert:
		return Kind(name), nil
	default:
		return "", fmt.Errorf("unknown service %q (supported: dns, mail, web, cert)", name)
	}
}

// Service is the contract every supervised daemon set implements. The
// supervisor drives the lifecycle: Directories and RequiredVars feed the
// pre-flight pass, Configure renders config files, StartService launches
// the daemons, and RegisterChecks installs the health probes.
type Service interface {
	Kind() Kind

	// Directories the service needs created before configuration.
	Directories() []setup.Directory

	// RequiredVars are the configuration keys that must be non-empty.
	RequiredVars() []string

	// ValidateConfig checks cross-field constraints beyond required keys.
	ValidateConfig() error

	// Configure renders configuration files from the current values.
	// It is called again on reload; failures must leave previously
	// rendered files untouched where possible.
	Configure(ctx context.Context) error

	// StartService launches the daemons and returns the tracked processes.
	StartService(ctx context.Context) ([]*process.TrackedProcess, error)

	// StopService stops what StartService launched. Idempotent.
	StopService(ctx context.Context) error

	// RegisterChecks installs the service's health probes.
	RegisterChecks(reg *health.Registry)
}

// StatusReporter is implemented by services that contribute extra fields
// to the /status document.
type StatusReporter interface {
	StatusFields() map[string]any
}

// New constructs the implementation for kind.
func New(kind Kind, cfg *config.Manager, log *slog.Logger) (Service, error) {
	runner := process.NewRunner(string(kind), log)

	switch kind {
	case KindDNS:
		return NewDNS(cfg, runner, log), nil
	case KindMail:
		return NewMail(cfg, runner, log), nil
	case KindWeb:
		return NewWeb(cfg, runner, log), nil
	case KindCert:
		return NewCert(cfg, runner, log), nil
	default:
		return nil, fmt.Errorf("unknown service kind %q", kind)
	}
}
