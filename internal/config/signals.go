package config

// SignalsConfig configures resource signal producers.
type SignalsConfig struct {
	Source         string  `yaml:"source"` // host, static
	PollInterval   string  `yaml:"poll_interval"`
	MemoryBudgetMB int     `yaml:"memory_budget_mb"` // Memory the process may assume it owns
	WarningRatio   float64 `yaml:"warning_ratio"`    // Used/budget at which pressure is warning
	CriticalRatio  float64 `yaml:"critical_ratio"`   // Used/budget at which pressure is critical
	ProbeAddress   string  `yaml:"probe_address"`
	ProbeTimeout   string  `yaml:"probe_timeout"`
	Thermal        string  `yaml:"thermal"` // Pinned thermal level; there is no portable sensor API
}

// MemoryBudgetBytes returns the memory budget in bytes.
func (s SignalsConfig) MemoryBudgetBytes() uint64 {
	return uint64(s.MemoryBudgetMB) << 20
}
