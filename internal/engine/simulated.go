package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hybridexec/internal/types"
)

// SimulatedConfig shapes simulator output.
type SimulatedConfig struct {
	ChunkDelay time.Duration // Pause before each chunk
	Chunks     int           // Chunks per completion

	// FailAfter injects an ExecutionFault after this many chunks (0 = never).
	FailAfter int
}

// SimulatedEngine produces deterministic chunked output without a model.
type SimulatedEngine struct {
	desc   types.ModelDescriptor
	cfg    SimulatedConfig
	calls  atomic.Int64
	closed atomic.Bool
}

// NewSimulatedEngine creates a simulator for desc.
func NewSimulatedEngine(desc types.ModelDescriptor, cfg SimulatedConfig) *SimulatedEngine {
	if cfg.Chunks <= 0 {
		cfg.Chunks = 8
	}
	return &SimulatedEngine{desc: desc, cfg: cfg}
}

// Name returns the engine name.
func (e *SimulatedEngine) Name() string {
	return fmt.Sprintf("simulated:%s", e.desc.Name)
}

// Backend reports the descriptor's backend.
func (e *SimulatedEngine) Backend() types.Backend {
	return e.desc.Backend
}

// Generate emits Chunks pieces, checking ctx before each one.
func (e *SimulatedEngine) Generate(ctx context.Context, prompt string, emit func(string) error) error {
	if e.closed.Load() {
		return Fault(e.Name(), fmt.Errorf("engine closed"))
	}
	e.calls.Add(1)

	words := strings.Fields(prompt)
	for i := 0; i < e.cfg.Chunks; i++ {
		if e.cfg.ChunkDelay > 0 {
			t := time.NewTimer(e.cfg.ChunkDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		if e.cfg.FailAfter > 0 && i >= e.cfg.FailAfter {
			return Fault(e.Name(), fmt.Errorf("injected fault after %d chunks", i))
		}

		word := "..."
		if len(words) > 0 {
			word = words[i%len(words)]
		}
		if err := emit(fmt.Sprintf("[%s %d/%d] %s ", e.desc.Name, i+1, e.cfg.Chunks, word)); err != nil {
			return err
		}
	}
	return nil
}

// Calls returns how many generations were started.
func (e *SimulatedEngine) Calls() int64 {
	return e.calls.Load()
}

// Closed reports whether Close was called.
func (e *SimulatedEngine) Closed() bool {
	return e.closed.Load()
}

// Close marks the engine closed.
func (e *SimulatedEngine) Close() error {
	e.closed.Store(true)
	return nil
}
