package config

import (
	"fmt"
	"strings"

	"hybridexec/internal/types"
)

// EnginesConfig configures the inference adapters.
type EnginesConfig struct {
	// Simulate replaces every engine with the deterministic simulator.
	Simulate  bool            `yaml:"simulate"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	GenAI     GenAIConfig     `yaml:"genai"`
	Simulated SimulatedConfig `yaml:"simulated"`
}

// OllamaConfig configures the local engine.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// GenAIConfig configures the remote engine.
type GenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

// SimulatedConfig configures the simulator.
type SimulatedConfig struct {
	ChunkDelay string `yaml:"chunk_delay"`
	Chunks     int    `yaml:"chunks"`
}

// RoutingConfig configures shadow routing budgets and model choices.
type RoutingConfig struct {
	SmallBudgetMB int         `yaml:"small_budget_mb"` // Below this, go remote
	LargeBudgetMB int         `yaml:"large_budget_mb"` // Above this, use the large local model
	LocalLarge    ModelConfig `yaml:"local_large"`
	LocalSmall    ModelConfig `yaml:"local_small"`
	Remote        ModelConfig `yaml:"remote"`
}

// ModelConfig describes a model in human units.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Backend       string `yaml:"backend"` // local, remote
	ContextWindow int    `yaml:"context_window"`
	BaseCostMB    int    `yaml:"base_cost_mb"`
	KBPerToken    int    `yaml:"kb_per_token"`
}

// Descriptor converts the config into a model descriptor.
func (m ModelConfig) Descriptor() types.ModelDescriptor {
	backend := types.BackendLocal
	if strings.EqualFold(m.Backend, string(types.BackendRemote)) {
		backend = types.BackendRemote
	}
	return types.ModelDescriptor{
		Name:          m.Name,
		Backend:       backend,
		ContextWindow: m.ContextWindow,
		BaseCostBytes: uint64(m.BaseCostMB) << 20,
		BytesPerToken: uint64(m.KBPerToken) << 10,
	}
}

// SmallBudgetBytes returns the small memory class boundary in bytes.
func (r RoutingConfig) SmallBudgetBytes() uint64 {
	return uint64(r.SmallBudgetMB) << 20
}

// LargeBudgetBytes returns the large memory class boundary in bytes.
func (r RoutingConfig) LargeBudgetBytes() uint64 {
	return uint64(r.LargeBudgetMB) << 20
}

// Validate checks routing budgets and model declarations.
func (r RoutingConfig) Validate() error {
	if r.SmallBudgetMB <= 0 || r.LargeBudgetMB <= 0 {
		return fmt.Errorf("routing budgets must be positive")
	}
	if r.SmallBudgetMB > r.LargeBudgetMB {
		return fmt.Errorf("routing.small_budget_mb (%d) exceeds large_budget_mb (%d)", r.SmallBudgetMB, r.LargeBudgetMB)
	}
	if r.Remote.Name == "" {
		return fmt.Errorf("routing.remote.name is required")
	}
	if !strings.EqualFold(r.Remote.Backend, "remote") {
		return fmt.Errorf("routing.remote must use the remote backend")
	}
	for name, m := range map[string]ModelConfig{"local_large": r.LocalLarge, "local_small": r.LocalSmall} {
		if m.Name == "" {
			return fmt.Errorf("routing.%s.name is required", name)
		}
		if !strings.EqualFold(m.Backend, "local") {
			return fmt.Errorf("routing.%s must use the local backend", name)
		}
	}
	return nil
}
