// Package health runs service health checks and serves the results over HTTP.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lakowske/podserve/internal/metrics"
)

// CheckFunc probes one aspect of service health. A nil return means the
// check passed. Implementations must respect ctx cancellation.
type CheckFunc func(ctx context.Context) error

// StatusFunc lets a service contribute extra fields to the status report.
type StatusFunc func() map[string]any

// CheckResult is the outcome of one check run.
type CheckResult struct {
	Status  string `json:"status"` // healthy, unhealthy, error
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusError     = "error"
)

// Registry holds the named health checks for one service. Registering a
// check under an existing name replaces it.
type Registry struct {
	service      string
	logger       *slog.Logger
	probeTimeout time.Duration
	minReadyTime time.Duration
	startedAt    time.Time

	mu         sync.RWMutex
	checks     map[string]CheckFunc
	statusFunc StatusFunc
	lastCheck  time.Time
}

// NewRegistry creates a check registry. probeTimeout bounds each individual
// check; minReadyTime keeps the service not_ready for a settling period
// after startup.
func NewRegistry(service string, probeTimeout, minReadyTime time.Duration, log *slog.Logger) *Registry {
	return &Registry{
		service:      service,
		logger:       log.With("component", "health"),
		probeTimeout: probeTimeout,
		minReadyTime: minReadyTime,
		startedAt:    time.Now(),
		checks:       make(map[string]CheckFunc),
	}
}

// Register adds a named check, replacing any previous check with that name.
func (r *Registry) Register(name string, check CheckFunc) {
	r.mu.Lock()
	if _, exists := r.checks[name]; exists {
		r.logger.Debug("Replacing health check", "check", name)
	}
	r.checks[name] = check
	r.mu.Unlock()
}

// SetStatusFunc installs the hook that adds service-specific status fields.
func (r *Registry) SetStatusFunc(fn StatusFunc) {
	r.mu.Lock()
	r.statusFunc = fn
	r.mu.Unlock()
}

// RegisterDefaults installs the checks every service carries: the log
// directory must be writable and the config directory must exist.
func (r *Registry) RegisterDefaults(logsDir, configDir string) {
	r.Register("log_directory", DirWritable(logsDir))
	r.Register("config_directory", DirExists(configDir))
}

// Names returns the registered check names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunChecks executes every registered check and returns per-check results.
func (r *Registry) RunChecks(ctx context.Context) map[string]CheckResult {
	r.mu.RLock()
	checks := make(map[string]CheckFunc, len(r.checks))
	for name, fn := range r.checks {
		checks[name] = fn
	}
	r.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	for name, fn := range checks {
		results[name] = r.runCheck(ctx, name, fn)
	}

	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()

	return results
}

// runCheck runs one check with the probe timeout. A timed-out or panicking
// check reports status "error" rather than taking the endpoint down with it.
func (r *Registry) runCheck(ctx context.Context, name string, fn CheckFunc) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				errCh <- fmt.Errorf("check panicked: %v", p)
			}
		}()
		errCh <- fn(checkCtx)
	}()

	var result CheckResult
	select {
	case err := <-errCh:
		result = classifyResult(err)
	case <-checkCtx.Done():
		// A check that noticed the cancellation may be about to hand back
		// its real error; give it a moment before blaming the timeout.
		select {
		case err := <-errCh:
			result = classifyResult(err)
		case <-time.After(50 * time.Millisecond):
			result = CheckResult{Status: statusError, Error: fmt.Sprintf("check timed out after %s", r.probeTimeout)}
		}
	}

	metrics.RecordHealthCheck(r.service, name, time.Since(start).Seconds(), result.Healthy)

	if !result.Healthy {
		r.logger.Warn("Health check failed",
			"check", name,
			"status", result.Status,
			"error", result.Error,
		)
	}
	return result
}

// classifyResult maps a check's return value to a result. Only an error
// that is itself a deadline error counts as a timeout; a genuine failure
// returned as the probe deadline expires stays "unhealthy" with the
// check's own message.
func classifyResult(err error) CheckResult {
	switch {
	case err == nil:
		return CheckResult{Status: statusHealthy, Healthy: true}
	case errors.Is(err, context.DeadlineExceeded):
		return CheckResult{Status: statusError, Error: "check timed out: " + err.Error()}
	default:
		return CheckResult{Status: statusUnhealthy, Error: err.Error()}
	}
}

// Healthy reports whether every registered check passes.
func (r *Registry) Healthy(ctx context.Context) bool {
	for _, result := range r.RunChecks(ctx) {
		if !result.Healthy {
			return false
		}
	}
	return true
}

// Ready reports whether the service is healthy and has been up for at least
// the minimum ready time.
func (r *Registry) Ready(ctx context.Context) bool {
	if time.Since(r.startedAt) < r.minReadyTime {
		return false
	}
	return r.Healthy(ctx)
}

// Status builds the full status report: overall health, readiness,
// per-check results, and any service-specific extras.
func (r *Registry) Status(ctx context.Context) map[string]any {
	results := r.RunChecks(ctx)

	healthy := true
	for _, result := range results {
		if !result.Healthy {
			healthy = false
			break
		}
	}
	ready := healthy && time.Since(r.startedAt) >= r.minReadyTime

	r.mu.RLock()
	lastCheck := r.lastCheck
	statusFunc := r.statusFunc
	r.mu.RUnlock()

	status := map[string]any{
		"service":    r.service,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"healthy":    healthy,
		"ready":      ready,
		"last_check": lastCheck.UTC().Format(time.RFC3339),
		"checks":     results,
	}

	if statusFunc != nil {
		for key, value := range statusFunc() {
			if _, reserved := status[key]; !reserved {
				status[key] = value
			}
		}
	}
	return status
}
