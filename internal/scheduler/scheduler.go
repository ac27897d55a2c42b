// Package scheduler implements the tiered, preemptible run queue that owns
// the single accelerator. Exactly one slot is running at a time; a slot only
// stops being running when its executor acknowledges through Finish.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hybridexec/internal/logging"
	"hybridexec/internal/types"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrQueueFull is returned when the queue cannot accept more requests.
	ErrQueueFull = errors.New("scheduler queue is full")

	// ErrStopped is returned once the scheduler is shutting down.
	ErrStopped = errors.New("scheduler is stopped")

	// ErrUnknownSlot is returned for ids the scheduler has never seen or
	// has already forgotten.
	ErrUnknownSlot = errors.New("unknown slot")

	// ErrDuplicateSlot is returned when a request id is submitted twice.
	ErrDuplicateSlot = errors.New("duplicate slot id")

	// ErrNotRunning is returned when Finish targets a slot that is not running.
	ErrNotRunning = errors.New("slot is not running")

	// ErrInvalidTier is returned for requests with an undeclared tier.
	ErrInvalidTier = errors.New("invalid tier")
)

// CancelCause is attached to a slot's context when it is cancelled, so the
// executor can report why.
type CancelCause struct {
	Reason    string
	Preempted bool
}

func (c *CancelCause) Error() string {
	if c.Preempted {
		return "preempted: " + c.Reason
	}
	return "cancelled: " + c.Reason
}

// CauseOf extracts the cancellation reason from a slot context, if any.
func CauseOf(ctx context.Context) (*CancelCause, bool) {
	var cc *CancelCause
	if errors.As(context.Cause(ctx), &cc) {
		return cc, true
	}
	return nil, false
}

// =============================================================================
// CONFIG
// =============================================================================

// Config bounds the scheduler.
type Config struct {
	MaxQueueDepth int // Submit returns ErrQueueFull beyond this many queued slots
	Retention     int // Terminal slots kept for Get/Snapshot
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueDepth: 256,
		Retention:     512,
	}
}

// =============================================================================
// SLOTS
// =============================================================================

type slot struct {
	id         string
	req        types.ExecutionRequest
	tier       types.Tier
	seq        uint64
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time
	state      types.SlotState
	reason     string
	ctx        context.Context
	cancel     context.CancelCauseFunc
	stopping   bool // cancellation signalled, awaiting acknowledgement
	index      int
}

func (s *slot) info() SlotInfo {
	return SlotInfo{
		ID:         s.id,
		Request:    s.req,
		Tier:       s.tier,
		State:      s.state,
		Reason:     s.reason,
		EnqueuedAt: s.enqueuedAt,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
		Stopping:   s.stopping,
	}
}

// SlotInfo is a read-only copy of a slot.
type SlotInfo struct {
	ID         string                 `json:"id"`
	Request    types.ExecutionRequest `json:"request"`
	Tier       types.Tier             `json:"tier"`
	State      types.SlotState        `json:"state"`
	Reason     string                 `json:"reason,omitempty"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
	StartedAt  time.Time              `json:"started_at,omitempty"`
	FinishedAt time.Time              `json:"finished_at,omitempty"`
	Stopping   bool                   `json:"stopping,omitempty"`
}

// Grant is handed to the executor by Next. Ctx is the slot's cancellation
// token; the executor must check it between partial results and then call
// Finish exactly once.
type Grant struct {
	ID      string
	Request types.ExecutionRequest
	Tier    types.Tier
	Ctx     context.Context
	Waited  time.Duration
}

// Transition is delivered to listeners on every state change.
type Transition struct {
	SlotID string
	Tier   types.Tier
	From   types.SlotState // empty on submit
	To     types.SlotState
	Reason string
	At     time.Time
}

// Stats are cumulative counters.
type Stats struct {
	Submitted   int64 `json:"submitted"`
	Granted     int64 `json:"granted"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Cancelled   int64 `json:"cancelled"`
	Preemptions int64 `json:"preemptions"`
	Rejected    int64 `json:"rejected"`
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Running     *SlotInfo          `json:"running,omitempty"`
	QueueDepths map[types.Tier]int `json:"queue_depths"`
	Queued      []SlotInfo         `json:"queued"`
	Stats       Stats              `json:"stats"`
}

// =============================================================================
// SCHEDULER
// =============================================================================

// Scheduler is the single owner of slot state. All methods are safe for
// concurrent use.
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	queue    slotHeap
	slots    map[string]*slot
	finished []string // terminal slot ids, oldest first
	running  *slot
	wake     chan struct{}
	seq      uint64
	stopped  bool

	listeners []func(Transition)
	now       func() time.Time

	submitted   atomic.Int64
	granted     atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	cancelled   atomic.Int64
	preemptions atomic.Int64
	rejected    atomic.Int64
}

// New creates a scheduler. Zero config fields fall back to defaults.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = def.MaxQueueDepth
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	logging.Scheduler("Scheduler initialized: max_queue=%d retention=%d", cfg.MaxQueueDepth, cfg.Retention)
	return &Scheduler{
		cfg:   cfg,
		slots: make(map[string]*slot),
		wake:  make(chan struct{}),
		now:   time.Now,
	}
}

// OnTransition registers a listener. Listeners run synchronously while the
// scheduler lock is held, so they see transitions in order and must not call
// back into the Scheduler.
func (s *Scheduler) OnTransition(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Submit enqueues a request at its tier and returns the slot id (the request
// id). If the new tier has preemption rights over the running slot, that
// slot's token is cancelled immediately; it stays running until the executor
// acknowledges.
func (s *Scheduler) Submit(req types.ExecutionRequest) (string, error) {
	return s.SubmitWith(req, nil)
}

// SubmitWith is Submit with a hook that runs under the scheduler lock once the
// request is known to be accepted and before the slot is queued. The hook may
// fill in fields of req (the plan id) and commit state that must only change
// when the request is really enqueued. It must not call back into the
// scheduler.
func (s *Scheduler) SubmitWith(req types.ExecutionRequest, accepted func(*types.ExecutionRequest)) (string, error) {
	if !req.Tier.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidTier, int(req.Tier))
	}
	if req.ID == "" {
		return "", fmt.Errorf("%w: empty id", ErrUnknownSlot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", ErrStopped
	}
	if _, exists := s.slots[req.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateSlot, req.ID)
	}
	if len(s.queue) >= s.cfg.MaxQueueDepth {
		s.rejected.Add(1)
		logging.SchedulerWarn("Submit rejected %s (%s): queue full at %d", req.ID, req.Tier, len(s.queue))
		return "", ErrQueueFull
	}

	if accepted != nil {
		accepted(&req)
	}

	now := s.now()
	ctx, cancel := context.WithCancelCause(context.Background())
	s.seq++
	sl := &slot{
		id:         req.ID,
		req:        req,
		tier:       req.Tier,
		seq:        s.seq,
		enqueuedAt: now,
		state:      types.SlotQueued,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.slots[sl.id] = sl
	heap.Push(&s.queue, sl)
	s.submitted.Add(1)
	s.emit(sl, "", types.SlotQueued, "")
	logging.SchedulerDebug("Submitted %s tier=%s depth=%d", sl.id, sl.tier, len(s.queue))

	if r := s.running; r != nil && !r.stopping && sl.tier.Preempts(r.tier) {
		s.preemptLocked(r, fmt.Sprintf("preempted by %s request %s", sl.tier, sl.id))
	}

	s.broadcastLocked()
	return sl.id, nil
}

func (s *Scheduler) preemptLocked(r *slot, reason string) {
	r.stopping = true
	r.cancel(&CancelCause{Reason: reason, Preempted: true})
	s.preemptions.Add(1)
	logging.Scheduler("Preempting running slot %s (%s): %s", r.id, r.tier, reason)
}

// Next blocks until a slot can be granted and returns it as running. A slot
// is grantable when nothing is running and the queue is non-empty; the
// highest-tier, earliest-enqueued slot wins. Next never busy-waits.
func (s *Scheduler) Next(ctx context.Context) (Grant, error) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return Grant{}, ErrStopped
		}
		if s.running == nil && len(s.queue) > 0 {
			sl := heap.Pop(&s.queue).(*slot)
			now := s.now()
			sl.state = types.SlotRunning
			sl.startedAt = now
			s.running = sl
			s.granted.Add(1)
			s.emit(sl, types.SlotQueued, types.SlotRunning, "")
			g := Grant{
				ID:      sl.id,
				Request: sl.req,
				Tier:    sl.tier,
				Ctx:     sl.ctx,
				Waited:  now.Sub(sl.enqueuedAt),
			}
			s.mu.Unlock()
			logging.SchedulerDebug("Granted %s tier=%s waited=%v", g.ID, g.Tier, g.Waited)
			return g, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Grant{}, ctx.Err()
		case <-wake:
		}
	}
}

// Finish is the executor's acknowledgement that the running slot has stopped.
// It records the terminal state and frees the accelerator for the next slot.
func (s *Scheduler) Finish(id string, outcome types.Outcome, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, id)
	}
	if s.running != sl {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, sl.state)
	}

	to := outcome.SlotState()
	s.running = nil
	s.terminateLocked(sl, types.SlotRunning, to, reason)
	logging.Scheduler("Slot %s (%s) finished: %s %s", id, sl.tier, to, reason)
	s.broadcastLocked()
	return nil
}

// Cancel cancels a slot. A queued slot moves straight to cancelled. A running
// slot has its token cancelled and stays running until Finish.
func (s *Scheduler) Cancel(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, id)
	}
	s.cancelLocked(sl, reason)
	return nil
}

func (s *Scheduler) cancelLocked(sl *slot, reason string) bool {
	switch sl.state {
	case types.SlotQueued:
		heap.Remove(&s.queue, sl.index)
		sl.cancel(&CancelCause{Reason: reason})
		s.terminateLocked(sl, types.SlotQueued, types.SlotCancelled, reason)
		logging.SchedulerDebug("Cancelled queued slot %s: %s", sl.id, reason)
		s.broadcastLocked()
		return true
	case types.SlotRunning:
		if sl.stopping {
			return false
		}
		sl.stopping = true
		sl.cancel(&CancelCause{Reason: reason})
		logging.Scheduler("Signalled cancellation of running slot %s: %s", sl.id, reason)
		return true
	default:
		return false
	}
}

// CancelRunning signals cancellation of whatever is running, regardless of
// tier. It returns the slot id, or false when nothing is running.
func (s *Scheduler) CancelRunning(reason string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == nil {
		return "", false
	}
	id := s.running.id
	return id, s.cancelLocked(s.running, reason)
}

// CancelWhere cancels every queued or running slot whose request matches.
// It returns how many slots were signalled.
func (s *Scheduler) CancelWhere(match func(types.ExecutionRequest) bool, reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var targets []*slot
	for _, sl := range s.queue {
		if match(sl.req) {
			targets = append(targets, sl)
		}
	}
	if s.running != nil && match(s.running.req) {
		targets = append(targets, s.running)
	}
	n := 0
	for _, sl := range targets {
		if s.cancelLocked(sl, reason) {
			n++
		}
	}
	return n
}

func (s *Scheduler) terminateLocked(sl *slot, from, to types.SlotState, reason string) {
	sl.state = to
	sl.reason = reason
	sl.finishedAt = s.now()
	sl.stopping = false
	// Release the context's resources; a no-op if already cancelled.
	sl.cancel(nil)

	switch to {
	case types.SlotCompleted:
		s.completed.Add(1)
	case types.SlotFailed:
		s.failed.Add(1)
	case types.SlotCancelled:
		s.cancelled.Add(1)
	}
	s.emit(sl, from, to, reason)

	s.finished = append(s.finished, sl.id)
	for len(s.finished) > s.cfg.Retention {
		delete(s.slots, s.finished[0])
		s.finished = s.finished[1:]
	}
}

func (s *Scheduler) emit(sl *slot, from, to types.SlotState, reason string) {
	if len(s.listeners) == 0 {
		return
	}
	t := Transition{SlotID: sl.id, Tier: sl.tier, From: from, To: to, Reason: reason, At: s.now()}
	for _, fn := range s.listeners {
		fn(t)
	}
}

// broadcastLocked wakes every goroutine blocked in Next.
func (s *Scheduler) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Get returns a copy of a slot.
func (s *Scheduler) Get(id string) (SlotInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		return SlotInfo{}, false
	}
	return sl.info(), true
}

// Running returns the running slot, if any.
func (s *Scheduler) Running() (SlotInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == nil {
		return SlotInfo{}, false
	}
	return s.running.info(), true
}

// Snapshot returns a consistent view of the queue.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		QueueDepths: make(map[types.Tier]int, len(types.AllTiers)),
		Stats:       s.statsLocked(),
	}
	for _, t := range types.AllTiers {
		snap.QueueDepths[t] = 0
	}
	// Sort a copy so the heap indexes stay untouched.
	sorted := make(slotHeap, len(s.queue))
	copy(sorted, s.queue)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].tier != sorted[j].tier {
			return sorted[i].tier > sorted[j].tier
		}
		return sorted[i].seq < sorted[j].seq
	})
	for _, sl := range sorted {
		snap.QueueDepths[sl.tier]++
		snap.Queued = append(snap.Queued, sl.info())
	}
	if s.running != nil {
		info := s.running.info()
		snap.Running = &info
	}
	return snap
}

// Stats returns cumulative counters.
func (s *Scheduler) Stats() Stats {
	return s.statsLocked()
}

func (s *Scheduler) statsLocked() Stats {
	return Stats{
		Submitted:   s.submitted.Load(),
		Granted:     s.granted.Load(),
		Completed:   s.completed.Load(),
		Failed:      s.failed.Load(),
		Cancelled:   s.cancelled.Load(),
		Preemptions: s.preemptions.Load(),
		Rejected:    s.rejected.Load(),
	}
}

// Stop cancels every queued slot, signals the running slot and makes Next
// return ErrStopped. The running slot may still Finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for len(s.queue) > 0 {
		sl := heap.Pop(&s.queue).(*slot)
		sl.cancel(&CancelCause{Reason: "scheduler stopped"})
		s.terminateLocked(sl, types.SlotQueued, types.SlotCancelled, "scheduler stopped")
	}
	if s.running != nil && !s.running.stopping {
		s.running.stopping = true
		s.running.cancel(&CancelCause{Reason: "scheduler stopped"})
	}
	s.broadcastLocked()
	logging.Scheduler("Scheduler stopped")
}
