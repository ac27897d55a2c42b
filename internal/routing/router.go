// Package routing implements shadow routing: the placement decision made from
// a cheap complexity assessment and a resource snapshot before any runtime is
// acquired.
package routing

import (
	"fmt"

	"hybridexec/internal/config"
	"hybridexec/internal/engine"
	"hybridexec/internal/logging"
	"hybridexec/internal/types"
)

// Reason explains a placement.
type Reason string

const (
	ReasonSafeMode           Reason = "safe_mode"
	ReasonHighComplexity     Reason = "high_complexity"
	ReasonSmallMemoryBudget  Reason = "memory_below_small_budget"
	ReasonThermal            Reason = "thermal_envelope"
	ReasonLargeBudget        Reason = "memory_above_large_budget"
	ReasonSoftSignalBias     Reason = "soft_signal_bias"
	ReasonMidBudget          Reason = "memory_mid_budget"
	ReasonNetworkUnreachable Reason = "network_unreachable"
	ReasonFallback           Reason = "admission_fallback"
)

// Decision is a placement and the model that serves it.
type Decision struct {
	Placement types.Placement       `json:"placement"`
	Model     types.ModelDescriptor `json:"model"`
	Reason    Reason                `json:"reason"`
}

func (d Decision) String() string {
	return fmt.Sprintf("%s(%s): %s", d.Placement, d.Model.Name, d.Reason)
}

// Config holds the memory class boundaries and the three model choices.
type Config struct {
	SmallBudget uint64 // Below this, remote
	LargeBudget uint64 // Above this, the large local model
	LocalLarge  types.ModelDescriptor
	LocalSmall  types.ModelDescriptor
	Remote      types.ModelDescriptor
}

// FromConfig converts the routing section of the application config.
func FromConfig(rc config.RoutingConfig) Config {
	return Config{
		SmallBudget: rc.SmallBudgetBytes(),
		LargeBudget: rc.LargeBudgetBytes(),
		LocalLarge:  rc.LocalLarge.Descriptor(),
		LocalSmall:  rc.LocalSmall.Descriptor(),
		Remote:      rc.Remote.Descriptor(),
	}
}

// Router is stateless; Decide is safe for concurrent use.
type Router struct {
	cfg Config
}

// New creates a router.
func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// Decide applies the routing table, first match wins:
//
//	safe mode                                  -> remote
//	high complexity                            -> remote
//	available memory < small budget            -> remote
//	thermal serious+ and tier not critical     -> remote
//	available memory > large budget            -> local large (local small under soft signals)
//	otherwise                                  -> local small
//
// When the network is unreachable, a remote choice made for complexity falls
// back to the small local model if memory allows. Safe mode stays remote.
func (r *Router) Decide(complexity engine.Complexity, snap types.ResourceSnapshot, safeMode bool, tier types.Tier) Decision {
	d := r.decide(complexity, snap, safeMode, tier)
	logging.RoutingDebug("Routed tier=%s complexity=%s thermal=%s pressure=%s avail=%dMB safe=%v -> %s",
		tier, complexity, snap.Thermal, snap.MemoryPressure, snap.AvailableMemory>>20, safeMode, d)
	return d
}

func (r *Router) decide(complexity engine.Complexity, snap types.ResourceSnapshot, safeMode bool, tier types.Tier) Decision {
	if safeMode {
		return r.remote(ReasonSafeMode)
	}
	if complexity == engine.ComplexityHigh {
		if !snap.NetworkReachable && snap.AvailableMemory >= r.cfg.SmallBudget {
			return r.localSmall(ReasonNetworkUnreachable)
		}
		return r.remote(ReasonHighComplexity)
	}
	if snap.AvailableMemory < r.cfg.SmallBudget {
		return r.remote(ReasonSmallMemoryBudget)
	}
	if snap.Thermal >= types.ThermalSerious && tier != types.TierSystemCritical {
		return r.remote(ReasonThermal)
	}
	if snap.AvailableMemory > r.cfg.LargeBudget {
		if snap.Thermal == types.ThermalFair || snap.MemoryPressure >= types.MemoryWarning {
			return r.localSmall(ReasonSoftSignalBias)
		}
		return Decision{Placement: types.PlacementLocalLarge, Model: r.cfg.LocalLarge, Reason: ReasonLargeBudget}
	}
	return r.localSmall(ReasonMidBudget)
}

func (r *Router) remote(reason Reason) Decision {
	return Decision{Placement: types.PlacementRemote, Model: r.cfg.Remote, Reason: reason}
}

func (r *Router) localSmall(reason Reason) Decision {
	return Decision{Placement: types.PlacementLocalSmall, Model: r.cfg.LocalSmall, Reason: reason}
}

// Fallback returns the remote placement used once after an admission error.
func (r *Router) Fallback() Decision {
	return r.remote(ReasonFallback)
}
