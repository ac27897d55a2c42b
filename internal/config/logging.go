package config

import "hybridexec/internal/logging"

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level,omitempty"` // debug, info, warn, error
	Dir        string          `yaml:"dir" json:"dir,omitempty"`     // Per-category log files land here
	JSONFormat bool            `yaml:"json_format" json:"json_format,omitempty"`
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode,omitempty"` // Master toggle - false = no file logging
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"` // Per-category toggles, missing means on
}

// Options converts the section for logging.Configure.
func (c LoggingConfig) Options() logging.Options {
	return logging.Options{
		Dir:        c.Dir,
		DebugMode:  c.DebugMode,
		Level:      c.Level,
		JSONFormat: c.JSONFormat,
		Categories: c.Categories,
	}
}
