package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all hybridexec configuration.
type Config struct {
	Name string `yaml:"name"`

	// Safe mode forces every request to the remote service with zero local
	// memory reservation.
	SafeMode bool `yaml:"safe_mode"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Arbiter   ArbiterConfig   `yaml:"arbiter"`
	Routing   RoutingConfig   `yaml:"routing"`
	Engines   EnginesConfig   `yaml:"engines"`
	Signals   SignalsConfig   `yaml:"signals"`
	Policy    PolicyConfig    `yaml:"policy"`
	Audit     AuditConfig     `yaml:"audit"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ArbiterConfig tunes the refine vs preempt classifier.
type ArbiterConfig struct {
	RefineOverlap       float64  `yaml:"refine_overlap"`
	PreemptSimilarity   float64  `yaml:"preempt_similarity"`
	AmbiguousRefines    bool     `yaml:"ambiguous_refines"`
	ContinuationMarkers []string `yaml:"continuation_markers"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Driver     string `yaml:"driver"` // sqlite (modernc) or sqlite3 (cgo)
	Path       string `yaml:"path"`
	JSONLPath  string `yaml:"jsonl_path"`
	BufferSize int    `yaml:"buffer_size"`
}

// ServerConfig configures the HTTP status surface.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	MaxConnections  int    `yaml:"max_connections"` // 0 is unlimited
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	MetricsNamespace string `yaml:"metrics_namespace"`
	TraceExporter    string `yaml:"trace_exporter"` // none, stdout
	ServiceName      string `yaml:"service_name"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "hybridexec",

		Scheduler: SchedulerConfig{
			MaxQueueDepth:         256,
			Retention:             512,
			BackgroundSoftTimeout: "2m",
			DrainTimeout:          "10s",
			StreamWindow:          64,
			MaxResults:            4096,
		},

		Cache: CacheConfig{
			Capacity:        2,
			IdleThreshold:   "30s",
			JanitorInterval: "5s",
			OSReserveMB:     1024,
		},

		Arbiter: ArbiterConfig{
			RefineOverlap:       0.70,
			PreemptSimilarity:   0.40,
			AmbiguousRefines:    true,
			ContinuationMarkers: []string{"actually", "instead", "also"},
		},

		Routing: RoutingConfig{
			SmallBudgetMB: 8 * 1024,
			LargeBudgetMB: 16 * 1024,
			LocalLarge: ModelConfig{
				Name:          "llama3.1:8b",
				Backend:       "local",
				ContextWindow: 8192,
				BaseCostMB:    6 * 1024,
				KBPerToken:    128,
			},
			LocalSmall: ModelConfig{
				Name:          "llama3.2:3b",
				Backend:       "local",
				ContextWindow: 4096,
				BaseCostMB:    2 * 1024,
				KBPerToken:    64,
			},
			Remote: ModelConfig{
				Name:    "gemini-2.5-flash",
				Backend: "remote",
			},
		},

		Engines: EnginesConfig{
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
				Timeout: "120s",
			},
			GenAI: GenAIConfig{
				Timeout: "120s",
			},
			Simulated: SimulatedConfig{
				ChunkDelay: "20ms",
				Chunks:     8,
			},
		},

		Signals: SignalsConfig{
			Source:         "host",
			PollInterval:   "2s",
			MemoryBudgetMB: 16 * 1024,
			WarningRatio:   0.75,
			CriticalRatio:  0.92,
			ProbeAddress:   "generativelanguage.googleapis.com:443",
			ProbeTimeout:   "1s",
			Thermal:        "nominal",
		},

		Policy: PolicyConfig{
			DefaultAction: "allow",
		},

		Audit: AuditConfig{
			Enabled:    true,
			Driver:     "sqlite",
			Path:       "data/audit.db",
			BufferSize: 256,
		},

		Server: ServerConfig{
			Addr:            "127.0.0.1:8088",
			ShutdownTimeout: "5s",
			MaxConnections:  64,
		},

		Telemetry: TelemetryConfig{
			MetricsNamespace: "hybridexec",
			TraceExporter:    "none",
			ServiceName:      "hybridexec",
		},

		Logging: LoggingConfig{
			Level: "info",
			Dir:   "logs",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HYBRIDEXEC_SAFE_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SafeMode = b
		}
	}

	// Remote API key (check in priority order)
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.Engines.GenAI.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Engines.GenAI.APIKey = key
	}

	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
			host = "http://" + host
		}
		c.Engines.Ollama.BaseURL = host
	}

	if path := os.Getenv("HYBRIDEXEC_AUDIT_DB"); path != "" {
		c.Audit.Path = path
	}
	if addr := os.Getenv("HYBRIDEXEC_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if v := os.Getenv("HYBRIDEXEC_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetBackgroundSoftTimeout returns the soft timeout applied to background requests.
func (c *Config) GetBackgroundSoftTimeout() time.Duration {
	return parseDuration(c.Scheduler.BackgroundSoftTimeout, 2*time.Minute)
}

// GetDrainTimeout returns how long shutdown waits for the running slot.
func (c *Config) GetDrainTimeout() time.Duration {
	return parseDuration(c.Scheduler.DrainTimeout, 10*time.Second)
}

// GetIdleThreshold returns the cache idle eviction threshold.
func (c *Config) GetIdleThreshold() time.Duration {
	return parseDuration(c.Cache.IdleThreshold, 30*time.Second)
}

// GetJanitorInterval returns how often idle eviction runs.
func (c *Config) GetJanitorInterval() time.Duration {
	return parseDuration(c.Cache.JanitorInterval, 5*time.Second)
}

// GetSignalPollInterval returns the host signal poll interval.
func (c *Config) GetSignalPollInterval() time.Duration {
	return parseDuration(c.Signals.PollInterval, 2*time.Second)
}

// GetProbeTimeout returns the network probe dial timeout.
func (c *Config) GetProbeTimeout() time.Duration {
	return parseDuration(c.Signals.ProbeTimeout, time.Second)
}

// GetOllamaTimeout returns the local engine HTTP timeout.
func (c *Config) GetOllamaTimeout() time.Duration {
	return parseDuration(c.Engines.Ollama.Timeout, 120*time.Second)
}

// GetGenAITimeout returns the remote engine timeout.
func (c *Config) GetGenAITimeout() time.Duration {
	return parseDuration(c.Engines.GenAI.Timeout, 120*time.Second)
}

// GetSimulatedChunkDelay returns the delay between simulated chunks.
func (c *Config) GetSimulatedChunkDelay() time.Duration {
	d, err := time.ParseDuration(c.Engines.Simulated.ChunkDelay)
	if err != nil || d < 0 {
		return 20 * time.Millisecond
	}
	return d
}

// GetShutdownTimeout returns the HTTP server shutdown timeout.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 5*time.Second)
}

// ValidAuditDrivers lists the supported database/sql driver names.
var ValidAuditDrivers = []string{"sqlite", "sqlite3"}

// ValidTraceExporters lists the supported trace exporters.
var ValidTraceExporters = []string{"none", "stdout"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.ValidateLimits(); err != nil {
		return err
	}
	if err := c.Arbiter.Validate(); err != nil {
		return err
	}
	if err := c.Routing.Validate(); err != nil {
		return err
	}
	if c.Audit.Enabled && !contains(ValidAuditDrivers, c.Audit.Driver) {
		return fmt.Errorf("invalid audit driver: %s (valid: %v)", c.Audit.Driver, ValidAuditDrivers)
	}
	if !contains(ValidTraceExporters, c.Telemetry.TraceExporter) {
		return fmt.Errorf("invalid trace exporter: %s (valid: %v)", c.Telemetry.TraceExporter, ValidTraceExporters)
	}
	return c.Policy.Validate()
}

// Validate checks arbiter thresholds.
func (a ArbiterConfig) Validate() error {
	if a.RefineOverlap < 0 || a.RefineOverlap > 1 {
		return fmt.Errorf("arbiter.refine_overlap must be within [0,1], got %v", a.RefineOverlap)
	}
	if a.PreemptSimilarity < 0 || a.PreemptSimilarity > 1 {
		return fmt.Errorf("arbiter.preempt_similarity must be within [0,1], got %v", a.PreemptSimilarity)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
