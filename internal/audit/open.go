package audit

import (
	"hybridexec/internal/config"
	"hybridexec/internal/logging"
)

// OpenSink builds the sink described by cfg: the SQLite chain, a JSONL
// file, both, or Discard when auditing is disabled.
func OpenSink(cfg config.AuditConfig) (Sink, error) {
	if !cfg.Enabled {
		logging.Audit("Audit disabled")
		return Discard{}, nil
	}

	var sinks []Sink
	if cfg.Path != "" {
		s, err := OpenSQLite(cfg.Driver, cfg.Path)
		if err != nil {
			return nil, err
		}
		logging.Audit("Audit chain opened: driver=%s path=%s", cfg.Driver, cfg.Path)
		sinks = append(sinks, s)
	}
	if cfg.JSONLPath != "" {
		j, err := OpenJSONL(cfg.JSONLPath)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		logging.Audit("Audit JSONL opened: %s", cfg.JSONLPath)
		sinks = append(sinks, j)
	}
	if len(sinks) == 0 {
		return Discard{}, nil
	}
	return Tee(sinks...), nil
}
