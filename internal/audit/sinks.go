package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// =============================================================================
// MEMORY SINK
// =============================================================================

// MemorySink keeps events in memory. Set FailWith to inject write errors.
type MemorySink struct {
	mu       sync.Mutex
	events   []Event
	failWith error
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes subsequent writes return err (nil to heal).
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Write implements Sink.
func (m *MemorySink) Write(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ForRequest returns the events of one request, optionally of one type.
func (m *MemorySink) ForRequest(requestID string, types ...EventType) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.RequestID != requestID {
			continue
		}
		if len(types) > 0 && !containsType(types, e.Type) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func containsType(ts []EventType, t EventType) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

// Close implements Sink.
func (m *MemorySink) Close() error { return nil }

// =============================================================================
// JSONL SINK
// =============================================================================

// JSONLSink appends one JSON object per line to a file.
type JSONLSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// OpenJSONL opens (or creates) path for appending.
func OpenJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Write implements Sink.
func (j *JSONLSink) Write(_ context.Context, e Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	return j.enc.Encode(e)
}

// Path returns the file path.
func (j *JSONLSink) Path() string { return j.path }

// Close implements Sink.
func (j *JSONLSink) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// =============================================================================
// TEE
// =============================================================================

type tee []Sink

// Tee writes every event to all sinks and joins their errors.
func Tee(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return tee(sinks)
}

func (t tee) Write(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range t {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t tee) Close() error {
	var errs []error
	for _, s := range t {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

// Write implements Sink.
func (Discard) Write(context.Context, Event) error { return nil }

// Close implements Sink.
func (Discard) Close() error { return nil }
