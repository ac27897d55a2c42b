// Package engine provides the inference runtimes the cache hands out: a local
// Ollama-compatible engine, a remote Google GenAI engine and a deterministic
// simulator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hybridexec/internal/logging"
	"hybridexec/internal/types"
)

// =============================================================================
// ENGINE INTERFACE
// =============================================================================

// ErrExecutionFault marks unrecoverable engine failures (crash, malformed
// output, remote timeout). The executor maps it to a failed slot and never
// retries.
var ErrExecutionFault = errors.New("execution fault")

// ErrStopped is returned by an emit callback to end generation early.
var ErrStopped = errors.New("generation stopped")

// Engine generates text for a prompt, streaming chunks through emit.
type Engine interface {
	// Name returns the engine identity, e.g. "ollama:llama3.1:8b".
	Name() string

	// Backend reports whether the engine runs on-device.
	Backend() types.Backend

	// Generate streams the completion. It returns when the stream ends, ctx
	// is done, or emit returns an error (which is returned unchanged).
	Generate(ctx context.Context, prompt string, emit func(chunk string) error) error

	// Close frees the engine's resources.
	Close() error
}

// Fault wraps err as an ExecutionFault.
func Fault(engine string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrExecutionFault, engine, err)
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory builds an engine bound to a model descriptor.
type Factory interface {
	NewEngine(desc types.ModelDescriptor) (Engine, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(desc types.ModelDescriptor) (Engine, error)

// NewEngine calls f.
func (f FactoryFunc) NewEngine(desc types.ModelDescriptor) (Engine, error) {
	return f(desc)
}

// Config selects and configures the engines built by NewFactory.
type Config struct {
	Simulate bool

	OllamaBaseURL string
	OllamaTimeout time.Duration

	GenAIAPIKey  string
	GenAITimeout time.Duration

	Simulated SimulatedConfig
}

// NewFactory returns a factory that builds Ollama engines for local
// descriptors and GenAI engines for remote ones, or simulators for both when
// Simulate is set.
func NewFactory(cfg Config) Factory {
	return FactoryFunc(func(desc types.ModelDescriptor) (Engine, error) {
		timer := logging.StartTimer(logging.CategoryEngine, "NewEngine")
		defer timer.Stop()

		if cfg.Simulate {
			logging.EngineDebug("Building simulated engine for %s", desc.Key())
			return NewSimulatedEngine(desc, cfg.Simulated), nil
		}

		switch desc.Backend {
		case types.BackendRemote:
			logging.Engine("Building GenAI engine for %s", desc.Name)
			return NewGenAIEngine(cfg.GenAIAPIKey, desc.Name, cfg.GenAITimeout)
		case types.BackendLocal:
			logging.Engine("Building Ollama engine for %s at %s", desc.Name, cfg.OllamaBaseURL)
			return NewOllamaEngine(cfg.OllamaBaseURL, desc.Name, cfg.OllamaTimeout)
		default:
			return nil, fmt.Errorf("unsupported backend: %q", desc.Backend)
		}
	})
}
