// Package supervisor drives a service through its lifecycle: configure,
// start, monitor, stop.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lakowske/podserve/internal/config"
	"github.com/lakowske/podserve/internal/health"
	"github.com/lakowske/podserve/internal/metrics"
	"github.com/lakowske/podserve/internal/process"
	"github.com/lakowske/podserve/internal/service"
	"github.com/lakowske/podserve/internal/setup"
)

// State is a supervisor lifecycle state.
type State string

const (
	StateCreated     State = "created"
	StateConfiguring State = "configuring"
	StateConfigured  State = "configured"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
	StateFailed      State = "failed"
)

// States lists every lifecycle state, for metrics labeling.
func States() []string {
	return []string{
		string(StateCreated), string(StateConfiguring), string(StateConfigured),
		string(StateStarting), string(StateRunning), string(StateStopping),
		string(StateStopped), string(StateFailed),
	}
}

const (
	monitorInterval = time.Second
	stopGrace       = 5 * time.Second
)

// Supervisor owns one service instance end to end. Run blocks until
// Shutdown is called or the context is cancelled; crashed daemons are
// logged and reported through health checks but never restarted, the
// container orchestrator owns restart policy.
type Supervisor struct {
	svc      service.Service
	cfg      *config.Manager
	logger   *slog.Logger
	fs       *setup.Manager
	registry *health.Registry
	server   *health.Server
	sampler  *metrics.Sampler

	startedAt time.Time
	shutdown  atomic.Bool
	stopOnce  sync.Once

	mu      sync.Mutex
	state   State
	tracked []*process.TrackedProcess
}

// New creates a supervisor for svc wired to the health and metrics stack.
func New(svc service.Service, cfg *config.Manager, log *slog.Logger) *Supervisor {
	name := string(svc.Kind())

	probeTimeout := time.Duration(cfg.GetInt("HEALTH_PROBE_TIMEOUT_MS", 500)) * time.Millisecond
	minReadyTime := time.Duration(cfg.GetInt("MIN_READY_TIME", 5)) * time.Second
	registry := health.NewRegistry(name, probeTimeout, minReadyTime, log)

	return &Supervisor{
		svc:      svc,
		cfg:      cfg,
		logger:   log.With("component", "supervisor", "service", name),
		fs:       setup.NewManager(log),
		registry: registry,
		server:   health.NewServer(cfg.GetInt("HEALTH_CHECK_PORT", 8080), registry, log),
		sampler:  metrics.NewSampler(name, 15*time.Second, log),
		state:    StateCreated,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()

	s.logger.Info("State changed", "from", prev, "to", state)
	metrics.SetServiceState(string(s.svc.Kind()), string(state), States())
}

// Shutdown requests a stop. Safe to call from a signal handler goroutine:
// it only flips a flag, the monitor loop performs the actual teardown.
func (s *Supervisor) Shutdown() {
	s.shutdown.Store(true)
}

// Run drives the full lifecycle and blocks until shutdown. On a startup
// failure it tears down whatever had already started and returns the error.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedAt = time.Now()
	name := string(s.svc.Kind())

	if err := s.configure(ctx); err != nil {
		return s.fail(err)
	}

	s.registry.RegisterDefaults(
		s.cfg.GetDefault("LOGS_DIR", "/data/logs"),
		s.cfg.GetDefault("CONFIG_DIR", "/data/config"),
	)
	s.svc.RegisterChecks(s.registry)
	s.registry.SetStatusFunc(s.statusExtras)

	if err := s.server.Start(ctx); err != nil {
		return s.fail(fmt.Errorf("failed to start health server: %w", err))
	}

	s.setState(StateStarting)
	procs, err := s.svc.StartService(ctx)
	if err != nil {
		s.stopServer()
		return s.fail(fmt.Errorf("failed to start service: %w", err))
	}

	s.mu.Lock()
	s.tracked = procs
	s.mu.Unlock()

	for _, p := range procs {
		s.sampler.Track(p.Name, p.PID())
		metrics.ProcessStartTime.WithLabelValues(name, p.Name).Set(float64(p.Started().Unix()))
	}

	samplerCtx, cancelSampler := context.WithCancel(ctx)
	defer cancelSampler()
	go s.sampler.Run(samplerCtx)

	s.setState(StateRunning)
	metrics.ServiceUp.WithLabelValues(name).Set(1)
	s.logger.Info("Service running",
		"processes", len(procs),
		"health_port", s.server.Port(),
	)

	s.monitor(ctx)
	s.Stop(context.Background())
	return nil
}

// configure runs the pre-flight pass: required variables, directories,
// validation, then the service's own configuration step.
func (s *Supervisor) configure(ctx context.Context) error {
	s.setState(StateConfiguring)

	if missing := s.cfg.MissingRequired(s.svc.RequiredVars()); len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}

	// Base directories first: the default health checks probe them and
	// the service directories usually nest inside them.
	base := []setup.Directory{
		{Path: s.cfg.GetDefault("LOGS_DIR", "/data/logs"), Mode: 0o755, UID: -1, GID: -1},
		{Path: s.cfg.GetDefault("CONFIG_DIR", "/data/config"), Mode: 0o755, UID: -1, GID: -1},
		{Path: s.cfg.GetDefault("STATE_DIR", "/data/state"), Mode: 0o755, UID: -1, GID: -1},
	}
	if err := s.fs.EnsureDirectories(base); err != nil {
		return fmt.Errorf("failed to prepare base directories: %w", err)
	}
	if err := s.fs.EnsureDirectories(s.svc.Directories()); err != nil {
		return fmt.Errorf("failed to prepare directories: %w", err)
	}
	if err := s.svc.ValidateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := s.svc.Configure(ctx); err != nil {
		return fmt.Errorf("failed to configure service: %w", err)
	}

	s.setState(StateConfigured)
	return nil
}

// monitor ticks until shutdown, reporting uptime and logging any daemon
// that exits underneath us.
func (s *Supervisor) monitor(ctx context.Context) {
	name := string(s.svc.Kind())
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Context cancelled, shutting down")
			return
		case <-ticker.C:
			if s.shutdown.Load() {
				s.logger.Info("Shutdown requested")
				return
			}
			metrics.SupervisorUptime.WithLabelValues(name).Set(time.Since(s.startedAt).Seconds())
			if !s.registry.Healthy(ctx) {
				// Warn only; the orchestrator acts on /health, not us.
				s.logger.Warn("Service health check failed")
			}
			s.reportExits(name)
		}
	}
}

// reportExits logs each tracked daemon that exited and removes it from
// the tracked set. The daemon is not restarted: health checks go red and
// the orchestrator decides what happens to the container.
func (s *Supervisor) reportExits(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alive := s.tracked[:0]
	for _, p := range s.tracked {
		if !p.Exited() {
			alive = append(alive, p)
			continue
		}
		s.sampler.Untrack(p.Name)
		metrics.RecordProcessExit(name, p.Name, p.ExitCode())
		s.logger.Error("Tracked process exited unexpectedly",
			"process", p.Name,
			"pid", p.PID(),
			"exit_code", p.ExitCode(),
		)
	}
	s.tracked = alive
}

// Stop tears the service down in order: the service's own stop logic,
// then the health server, then any daemon still alive. Idempotent.
func (s *Supervisor) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.setState(StateStopping)

		if err := s.svc.StopService(ctx); err != nil {
			s.logger.Warn("Service stop reported errors", "error", err)
		}
		s.stopServer()

		s.mu.Lock()
		tracked := s.tracked
		s.mu.Unlock()
		for _, p := range tracked {
			if p.Exited() {
				continue
			}
			if err := process.TerminateGracefully(s.logger, p.PID(), stopGrace); err != nil {
				s.logger.Warn("Failed to terminate process",
					"process", p.Name,
					"pid", p.PID(),
					"error", err,
				)
			}
		}

		s.setState(StateStopped)
		metrics.ServiceUp.WithLabelValues(string(s.svc.Kind())).Set(0)
		s.logger.Info("Service stopped", "uptime", time.Since(s.startedAt).Round(time.Second))
	})
}

func (s *Supervisor) stopServer() {
	stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if err := s.server.Stop(stopCtx); err != nil {
		s.logger.Warn("Health server did not stop cleanly", "error", err)
	}
}

// Reload re-reads the environment and re-renders the service
// configuration. Running daemons are not restarted; services that support
// live reload pick the new files up themselves.
func (s *Supervisor) Reload(ctx context.Context) error {
	s.logger.Info("Reloading configuration")

	s.cfg.Reload()
	if err := s.svc.ValidateConfig(); err != nil {
		return fmt.Errorf("reload aborted, invalid configuration: %w", err)
	}
	if err := s.svc.Configure(ctx); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}

	s.logger.Info("Configuration reloaded")
	return nil
}

// statusExtras merges the service's own status fields with the latest
// resource samples for the tracked daemons.
func (s *Supervisor) statusExtras() map[string]any {
	extras := map[string]any{
		"state":  string(s.State()),
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}
	if reporter, ok := s.svc.(service.StatusReporter); ok {
		for key, value := range reporter.StatusFields() {
			extras[key] = value
		}
	}
	if latest := s.sampler.Latest(); len(latest) > 0 {
		extras["resources"] = latest
	}
	return extras
}

// fail records a terminal startup error.
func (s *Supervisor) fail(err error) error {
	s.setState(StateFailed)
	metrics.ServiceUp.WithLabelValues(string(s.svc.Kind())).Set(0)
	s.logger.Error("Supervisor failed", "error", err)
	return err
}
