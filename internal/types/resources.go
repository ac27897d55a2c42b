package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// RESOURCE SIGNALS
// =============================================================================

// ThermalLevel mirrors the platform thermal states, ordered by severity.
type ThermalLevel int

const (
	ThermalNominal ThermalLevel = iota
	ThermalFair
	ThermalSerious
	ThermalCritical
)

func (l ThermalLevel) String() string {
	switch l {
	case ThermalNominal:
		return "nominal"
	case ThermalFair:
		return "fair"
	case ThermalSerious:
		return "serious"
	case ThermalCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseThermalLevel parses a thermal level name.
func ParseThermalLevel(s string) (ThermalLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nominal", "":
		return ThermalNominal, nil
	case "fair":
		return ThermalFair, nil
	case "serious":
		return ThermalSerious, nil
	case "critical":
		return ThermalCritical, nil
	default:
		return ThermalNominal, fmt.Errorf("unknown thermal level %q", s)
	}
}

// MemoryPressure is the OS memory-pressure level.
type MemoryPressure int

const (
	MemoryNormal MemoryPressure = iota
	MemoryWarning
	MemoryCritical
)

func (p MemoryPressure) String() string {
	switch p {
	case MemoryNormal:
		return "normal"
	case MemoryWarning:
		return "warning"
	case MemoryCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseMemoryPressure parses a memory pressure name.
func ParseMemoryPressure(s string) (MemoryPressure, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "":
		return MemoryNormal, nil
	case "warning", "warn":
		return MemoryWarning, nil
	case "critical":
		return MemoryCritical, nil
	default:
		return MemoryNormal, fmt.Errorf("unknown memory pressure %q", s)
	}
}

// ResourceSnapshot is a point-in-time read of the resource signals. It is
// passed by value into every admission and routing decision.
type ResourceSnapshot struct {
	Thermal          ThermalLevel   `json:"thermal"`
	MemoryPressure   MemoryPressure `json:"memory_pressure"`
	AvailableMemory  uint64         `json:"available_memory"`
	NetworkReachable bool           `json:"network_reachable"`
	TakenAt          time.Time      `json:"taken_at"`
}

// =============================================================================
// MODELS AND PLACEMENT
// =============================================================================

// Backend distinguishes on-device engines from remote inference services.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendRemote Backend = "remote"
)

// Placement is where a request ended up running.
type Placement string

const (
	PlacementLocalLarge Placement = "local_large"
	PlacementLocalSmall Placement = "local_small"
	PlacementRemote     Placement = "remote"
)

// IsLocal reports whether the placement uses the on-device accelerator.
func (p Placement) IsLocal() bool {
	return p == PlacementLocalLarge || p == PlacementLocalSmall
}

// ModelDescriptor identifies a runnable model and its memory cost.
type ModelDescriptor struct {
	Name          string  `json:"name" yaml:"name"`
	Backend       Backend `json:"backend" yaml:"backend"`
	ContextWindow int     `json:"context_window" yaml:"context_window"`
	BaseCostBytes uint64  `json:"base_cost_bytes" yaml:"base_cost_bytes"`
	BytesPerToken uint64  `json:"bytes_per_token" yaml:"bytes_per_token"`
}

// Footprint estimates the memory needed to host the model, including the
// fixed OS reserve floor. Remote models cost nothing locally.
func (d ModelDescriptor) Footprint(osReserve uint64) uint64 {
	if d.Backend == BackendRemote {
		return 0
	}
	return d.BaseCostBytes + uint64(d.ContextWindow)*d.BytesPerToken + osReserve
}

// Key is the cache identity of the descriptor.
func (d ModelDescriptor) Key() string {
	return string(d.Backend) + ":" + d.Name
}
