package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	ProcessCPUPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podserve_process_cpu_percent",
			Help: "Process CPU usage percentage",
		},
		[]string{"service", "process"},
	)

	ProcessMemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podserve_process_memory_bytes",
			Help: "Process memory usage in bytes",
		},
		[]string{"service", "process", "type"}, // type: rss, vms
	)

	ProcessThreads = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podserve_process_threads",
			Help: "Process thread count",
		},
		[]string{"service", "process"},
	)

	ProcessFileDescriptors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podserve_process_open_fds",
			Help: "Process open file descriptor count",
		},
		[]string{"service", "process"},
	)
)

// ResourceSample is a point-in-time resource reading for one process.
type ResourceSample struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryRSSBytes  uint64    `json:"memory_rss_bytes"`
	MemoryVMSBytes  uint64    `json:"memory_vms_bytes"`
	MemoryPercent   float32   `json:"memory_percent"`
	Threads         int32     `json:"threads"`
	FileDescriptors int32     `json:"open_fds"`
}

// CollectProcessMetrics samples resource usage for a single PID.
func CollectProcessMetrics(pid int) (*ResourceSample, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}

	sample := &ResourceSample{
		Timestamp:       time.Now(),
		FileDescriptors: -1, // NumFDs is Linux-only
	}

	if cpu, err := proc.CPUPercent(); err == nil {
		sample.CPUPercent = cpu
	}
	if memInfo, err := proc.MemoryInfo(); err == nil {
		sample.MemoryRSSBytes = memInfo.RSS
		sample.MemoryVMSBytes = memInfo.VMS
	}
	if memPct, err := proc.MemoryPercent(); err == nil {
		sample.MemoryPercent = memPct
	}
	if threads, err := proc.NumThreads(); err == nil {
		sample.Threads = threads
	}
	if fds, err := proc.NumFDs(); err == nil {
		sample.FileDescriptors = fds
	}

	return sample, nil
}

// Sampler periodically samples resource usage for a set of tracked PIDs.
type Sampler struct {
	service  string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	pids    map[string]int // process name -> pid
	latest  map[string]*ResourceSample
}

// NewSampler creates a resource sampler for the named service.
func NewSampler(service string, interval time.Duration, log *slog.Logger) *Sampler {
	return &Sampler{
		service:  service,
		interval: interval,
		logger:   log.With("component", "resource_sampler"),
		pids:     make(map[string]int),
		latest:   make(map[string]*ResourceSample),
	}
}

// Track adds or updates a process to sample.
func (s *Sampler) Track(name string, pid int) {
	s.mu.Lock()
	s.pids[name] = pid
	s.mu.Unlock()
}

// Untrack stops sampling a process.
func (s *Sampler) Untrack(name string) {
	s.mu.Lock()
	delete(s.pids, name)
	delete(s.latest, name)
	s.mu.Unlock()
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sampleAll()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sampler) sampleAll() {
	s.mu.RLock()
	pids := make(map[string]int, len(s.pids))
	for name, pid := range s.pids {
		pids[name] = pid
	}
	s.mu.RUnlock()

	for name, pid := range pids {
		sample, err := CollectProcessMetrics(pid)
		if err != nil {
			s.logger.Debug("Failed to sample process", "process", name, "pid", pid, "error", err)
			continue
		}

		ProcessCPUPercent.WithLabelValues(s.service, name).Set(sample.CPUPercent)
		ProcessMemoryBytes.WithLabelValues(s.service, name, "rss").Set(float64(sample.MemoryRSSBytes))
		ProcessMemoryBytes.WithLabelValues(s.service, name, "vms").Set(float64(sample.MemoryVMSBytes))
		ProcessThreads.WithLabelValues(s.service, name).Set(float64(sample.Threads))
		if sample.FileDescriptors >= 0 {
			ProcessFileDescriptors.WithLabelValues(s.service, name).Set(float64(sample.FileDescriptors))
		}

		s.mu.Lock()
		s.latest[name] = sample
		s.mu.Unlock()
	}
}

// Latest returns the most recent sample per tracked process.
func (s *Sampler) Latest() map[string]ResourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]ResourceSample, len(s.latest))
	for name, sample := range s.latest {
		out[name] = *sample
	}
	return out
}
