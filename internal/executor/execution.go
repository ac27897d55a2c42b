package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hybridexec/internal/types"
)

// execution tracks one request's result stream. Results are append-only so
// late subscribers can replay from the start. While streams are attached the
// producer may run at most window results ahead of the slowest one.
type execution struct {
	req types.ExecutionRequest

	window int // 0 disables flow control
	limit  int // max partial results, 0 is unbounded

	mu         sync.Mutex
	results    []types.PartialResult
	notify     chan struct{}
	drained    chan struct{} // closed when a stream advances or detaches
	readers    map[int]int   // stream id -> next result index
	nextReader int
	final      bool
	state      types.SlotState
	placement  types.Placement
	model      string
	startedAt  time.Time
	finishedAt time.Time
}

func newExecution(req types.ExecutionRequest, window, limit int) *execution {
	return &execution{
		req:     req,
		window:  window,
		limit:   limit,
		notify:  make(chan struct{}),
		drained: make(chan struct{}),
		readers: make(map[int]int),
		state:   types.SlotQueued,
	}
}

func (e *execution) wakeLocked() {
	close(e.notify)
	e.notify = make(chan struct{})
}

func (e *execution) wakeProducerLocked() {
	close(e.drained)
	e.drained = make(chan struct{})
}

// lagLocked is how far the slowest attached stream is behind the producer.
func (e *execution) lagLocked() int {
	if len(e.readers) == 0 {
		return 0
	}
	slowest := len(e.results)
	for _, next := range e.readers {
		if next < slowest {
			slowest = next
		}
	}
	return len(e.results) - slowest
}

func (e *execution) start(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = types.SlotRunning
	e.startedAt = now
}

func (e *execution) setPlacement(p types.Placement, model string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placement = p
	e.model = model
}

// emit appends a partial result. It blocks while the slowest attached stream
// is a full window behind, and returns ctx's error if cancelled meanwhile.
// It is a no-op after the terminal result.
func (e *execution) emit(ctx context.Context, text string) error {
	e.mu.Lock()
	for {
		if e.final {
			e.mu.Unlock()
			return nil
		}
		if e.limit > 0 && len(e.results) >= e.limit {
			e.mu.Unlock()
			return fmt.Errorf("%w: %d partial results", ErrResultLimit, e.limit)
		}
		if e.window <= 0 || e.lagLocked() < e.window {
			break
		}
		wait := e.drained
		e.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.mu.Lock()
	}
	e.results = append(e.results, types.PartialResult{
		RequestID: e.req.ID,
		Seq:       len(e.results),
		Text:      text,
		Placement: e.placement,
	})
	e.wakeLocked()
	e.mu.Unlock()
	return nil
}

// finish appends the terminal result. It reports false if the execution was
// already finished, so callers can emit exactly one terminal audit event.
func (e *execution) finish(outcome types.Outcome, reason string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.final {
		return false
	}
	e.final = true
	e.state = outcome.SlotState()
	e.finishedAt = now
	e.results = append(e.results, types.PartialResult{
		RequestID: e.req.ID,
		Seq:       len(e.results),
		Final:     true,
		Outcome:   outcome,
		Reason:    reason,
		Placement: e.placement,
	})
	e.wakeLocked()
	return true
}

// stream replays results from the start into out and closes it after the
// terminal result or when ctx is done.
func (e *execution) stream(ctx context.Context, out chan<- types.PartialResult) {
	defer close(out)

	e.mu.Lock()
	id := e.nextReader
	e.nextReader++
	e.readers[id] = 0
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.readers, id)
		e.wakeProducerLocked()
		e.mu.Unlock()
	}()

	next := 0
	for {
		e.mu.Lock()
		pending := e.results[next:]
		wait := e.notify
		e.mu.Unlock()

		for _, r := range pending {
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
			next++
			e.mu.Lock()
			e.readers[id] = next
			e.wakeProducerLocked()
			e.mu.Unlock()
			if r.Final {
				return
			}
		}
		if len(pending) > 0 {
			continue
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
	}
}

// Status is a read-only view of an execution.
type Status struct {
	ID          string          `json:"id"`
	Tier        types.Tier      `json:"tier"`
	PlanID      string          `json:"plan_id,omitempty"`
	State       types.SlotState `json:"state"`
	Placement   types.Placement `json:"placement,omitempty"`
	Model       string          `json:"model,omitempty"`
	Outcome     types.Outcome   `json:"outcome,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Chunks      int             `json:"chunks"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
}

func (e *execution) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		ID:          e.req.ID,
		Tier:        e.req.Tier,
		PlanID:      e.req.PlanID,
		State:       e.state,
		Placement:   e.placement,
		Model:       e.model,
		Chunks:      len(e.results),
		SubmittedAt: e.req.SubmittedAt,
		StartedAt:   e.startedAt,
		FinishedAt:  e.finishedAt,
	}
	if e.final {
		last := e.results[len(e.results)-1]
		s.Outcome = last.Outcome
		s.Reason = last.Reason
		s.Chunks--
	}
	return s
}
