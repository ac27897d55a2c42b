package signals

import (
	"context"
	"net"
	"runtime"
	"sync"
	"time"

	"hybridexec/internal/logging"
	"hybridexec/internal/types"
)

// HostConfig configures the host feed.
type HostConfig struct {
	MemoryBudget  uint64
	WarningRatio  float64
	CriticalRatio float64
	ProbeAddress  string
	ProbeTimeout  time.Duration
	PollInterval  time.Duration
	Thermal       types.ThermalLevel
}

// HostFeed derives signals from the running process. Memory is the Go
// runtime's OS-obtained memory measured against a fixed budget; reachability
// is a TCP dial to a probe address. Thermal level has no portable source and
// is pinned from configuration.
type HostFeed struct {
	cfg HostConfig

	mu   sync.RWMutex
	snap types.ResourceSnapshot
	bc   broadcaster

	// Replaceable for tests.
	readMem func() uint64
	dial    func(network, address string, timeout time.Duration) (net.Conn, error)
	now     func() time.Time
}

// NewHostFeed creates a host feed. Call Poll or Run to populate it.
func NewHostFeed(cfg HostConfig) *HostFeed {
	if cfg.WarningRatio <= 0 {
		cfg.WarningRatio = 0.75
	}
	if cfg.CriticalRatio <= 0 {
		cfg.CriticalRatio = 0.92
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &HostFeed{
		cfg: cfg,
		snap: types.ResourceSnapshot{
			Thermal:          cfg.Thermal,
			AvailableMemory:  cfg.MemoryBudget,
			NetworkReachable: true,
		},
		readMem: func() uint64 {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.Sys
		},
		dial: net.DialTimeout,
		now:  time.Now,
	}
}

func (h *HostFeed) CurrentThermalLevel() types.ThermalLevel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap.Thermal
}

func (h *HostFeed) CurrentMemoryPressure() types.MemoryPressure {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap.MemoryPressure
}

func (h *HostFeed) IsNetworkReachable() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap.NetworkReachable
}

func (h *HostFeed) Snapshot() types.ResourceSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}

func (h *HostFeed) Subscribe(ctx context.Context) <-chan types.ResourceSnapshot {
	return h.bc.subscribe(ctx)
}

// SetThermal pins a new thermal level, e.g. after a config reload.
func (h *HostFeed) SetThermal(level types.ThermalLevel) {
	h.mu.Lock()
	h.cfg.Thermal = level
	h.mu.Unlock()
	h.Poll()
}

// Poll takes one reading and publishes it if anything changed.
func (h *HostFeed) Poll() types.ResourceSnapshot {
	used := h.readMem()

	h.mu.RLock()
	cfg := h.cfg
	h.mu.RUnlock()

	var available uint64
	if cfg.MemoryBudget > used {
		available = cfg.MemoryBudget - used
	}
	pressure := types.MemoryNormal
	if cfg.MemoryBudget > 0 {
		ratio := float64(used) / float64(cfg.MemoryBudget)
		switch {
		case ratio >= cfg.CriticalRatio:
			pressure = types.MemoryCritical
		case ratio >= cfg.WarningRatio:
			pressure = types.MemoryWarning
		}
	}

	reachable := true
	if cfg.ProbeAddress != "" {
		conn, err := h.dial("tcp", cfg.ProbeAddress, cfg.ProbeTimeout)
		if err != nil {
			reachable = false
			logging.SignalsDebug("network probe %s failed: %v", cfg.ProbeAddress, err)
		} else {
			conn.Close()
		}
	}

	next := types.ResourceSnapshot{
		Thermal:          cfg.Thermal,
		MemoryPressure:   pressure,
		AvailableMemory:  available,
		NetworkReachable: reachable,
		TakenAt:          h.now(),
	}

	h.mu.Lock()
	prev := h.snap
	h.snap = next
	h.mu.Unlock()

	if changed(prev, next) {
		if prev.MemoryPressure != next.MemoryPressure || prev.Thermal != next.Thermal || prev.NetworkReachable != next.NetworkReachable {
			logging.Signals("signals changed: thermal=%s memory=%s available=%dMB network=%v",
				next.Thermal, next.MemoryPressure, next.AvailableMemory>>20, next.NetworkReachable)
		}
		h.bc.publish(next)
	}
	return next
}

// Run polls until ctx is cancelled.
func (h *HostFeed) Run(ctx context.Context) error {
	h.Poll()
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Poll()
		}
	}
}
