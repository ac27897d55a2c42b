package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hybridexec/internal/logging"
)

// Recorder buffers events in front of a Sink.
type Recorder struct {
	sink   Sink
	events chan Event

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64

	mu      sync.Mutex
	lastErr error
}

// Stats counts recorder activity.
type Stats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Pending int   `json:"pending"`
}

// NewRecorder creates a recorder with the given buffer size.
func NewRecorder(sink Sink, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Recorder{sink: sink, events: make(chan Event, buffer)}
}

// Record enqueues e without blocking. A full buffer drops the event.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
		logging.AuditError("Audit buffer full, dropped %s for %s", e.Type, e.RequestID)
	}
}

// Run drains the buffer into the sink until ctx is done, then flushes what
// is already buffered.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.events:
			r.write(ctx, e)
		case <-ctx.Done():
			r.flush()
			return nil
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-r.events:
			r.write(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, e Event) {
	if err := r.sink.Write(ctx, e); err != nil {
		r.failed.Add(1)
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		logging.AuditError("Audit write failed for %s (%s): %v", e.Type, e.RequestID, err)
		return
	}
	r.written.Add(1)
}

// Stats returns counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
		Pending: len(r.events),
	}
}

// Warnings describes audit-trail gaps for the status snapshot.
func (r *Recorder) Warnings() []string {
	if r == nil {
		return nil
	}
	var out []string
	if n := r.dropped.Load(); n > 0 {
		out = append(out, fmt.Sprintf("audit: %d event(s) dropped, buffer full", n))
	}
	if n := r.failed.Load(); n > 0 {
		r.mu.Lock()
		last := r.lastErr
		r.mu.Unlock()
		out = append(out, fmt.Sprintf("audit: %d write(s) failed, last error: %v", n, last))
	}
	return out
}

// Close closes the sink. Call it after Run has returned.
func (r *Recorder) Close() error {
	return r.sink.Close()
}
