// Package executor is the hybrid execution manager. It arbitrates prompts
// against the active plan, submits them to the priority scheduler, and for
// each granted slot picks a placement, acquires a runtime and streams the
// results, falling back to remote placement once on admission errors.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hybridexec/internal/arbiter"
	"hybridexec/internal/audit"
	"hybridexec/internal/cache"
	"hybridexec/internal/engine"
	"hybridexec/internal/logging"
	"hybridexec/internal/metrics"
	"hybridexec/internal/plan"
	"hybridexec/internal/policy"
	"hybridexec/internal/routing"
	"hybridexec/internal/scheduler"
	"hybridexec/internal/signals"
	"hybridexec/internal/types"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnknownExecution is returned for ids the manager does not track.
	ErrUnknownExecution = errors.New("unknown execution")

	// ErrEmptyPrompt is returned when submitting a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrResultLimit fails an execution that produced more partial results
	// than the manager buffers.
	ErrResultLimit = errors.New("result buffer limit reached")
)

// =============================================================================
// CONFIG AND DEPENDENCIES
// =============================================================================

// Config tunes the manager.
type Config struct {
	BackgroundSoftTimeout time.Duration // Background slots self-cancel after this
	JanitorInterval       time.Duration // Cache idle eviction period
	IdleThreshold         time.Duration // Cache idle eviction threshold
	Retention             int           // Finished executions kept for streaming
	StreamWindow          int           // Results a producer may run ahead of the slowest stream
	MaxResults            int           // Partial results buffered per execution
	SafeMode              bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BackgroundSoftTimeout: 2 * time.Minute,
		JanitorInterval:       5 * time.Second,
		IdleThreshold:         30 * time.Second,
		Retention:             512,
		StreamWindow:          64,
		MaxResults:            4096,
	}
}

// Deps are the collaborators the manager orchestrates. Metrics may be nil;
// Policy defaults to allow-all and Classifier to the heuristic classifier.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Cache      *cache.Cache
	Arbiter    *arbiter.Arbiter
	Plans      *plan.Store
	Router     *routing.Router
	Classifier engine.Classifier
	Signals    signals.Feed
	Policy     policy.Gate
	Audit      *audit.Recorder
	Metrics    *metrics.Exporter
}

// Snapshot is the read-only status view.
type Snapshot struct {
	RunningTier       *types.Tier            `json:"running_tier"`
	RunningID         string                 `json:"running_id,omitempty"`
	QueueDepthsByTier map[string]int         `json:"queue_depths_by_tier"`
	CacheOccupancy    cache.Occupancy        `json:"cache_occupancy"`
	Warnings          []string               `json:"warnings,omitempty"`
	SafeMode          bool                   `json:"safe_mode"`
	Signals           types.ResourceSnapshot `json:"signals"`
	ActivePlan        *types.ActivePlan      `json:"active_plan,omitempty"`
	Scheduler         scheduler.Stats        `json:"scheduler"`
	Audit             audit.Stats            `json:"audit"`
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager is the hybrid execution manager.
type Manager struct {
	cfg  Config
	deps Deps

	safeMode atomic.Bool

	// arbMu spans classify through enqueue for userInitiated prompts, so no
	// decision is ever applied to a plan it was not classified against.
	arbMu sync.Mutex

	mu         sync.RWMutex
	executions map[string]*execution
	finished   []string

	now func() time.Time
}

// New creates a manager and registers its scheduler listener.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Scheduler == nil || deps.Cache == nil || deps.Router == nil || deps.Signals == nil {
		return nil, fmt.Errorf("executor: scheduler, cache, router and signals are required")
	}
	def := DefaultConfig()
	if cfg.BackgroundSoftTimeout <= 0 {
		cfg.BackgroundSoftTimeout = def.BackgroundSoftTimeout
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = def.JanitorInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = def.IdleThreshold
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.StreamWindow <= 0 {
		cfg.StreamWindow = def.StreamWindow
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	if deps.Arbiter == nil {
		deps.Arbiter = arbiter.New(arbiter.DefaultConfig())
	}
	if deps.Plans == nil {
		deps.Plans = plan.NewStore(64)
	}
	if deps.Classifier == nil {
		deps.Classifier = engine.NewHeuristicClassifier()
	}
	if deps.Policy == nil {
		deps.Policy = policy.NewAllowAll()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewRecorder(audit.Discard{}, 0)
	}

	m := &Manager{
		cfg:        cfg,
		deps:       deps,
		executions: make(map[string]*execution),
		now:        time.Now,
	}
	m.safeMode.Store(cfg.SafeMode)
	deps.Metrics.RecordSafeMode(cfg.SafeMode)
	deps.Scheduler.OnTransition(m.onTransition)

	logging.Executor("Execution manager initialized: bg_timeout=%v safe_mode=%v", cfg.BackgroundSoftTimeout, cfg.SafeMode)
	return m, nil
}

// onTransition runs under the scheduler lock. It must not call back into the
// scheduler.
func (m *Manager) onTransition(t scheduler.Transition) {
	m.deps.Metrics.ObserveTransition(t.Tier, t.From, t.To)
	// Slots cancelled before they ever ran never reach the dispatch loop, so
	// their terminal result is produced here.
	if t.From == types.SlotQueued && t.To == types.SlotCancelled {
		if e := m.lookup(t.SlotID); e != nil {
			m.finalize(e, types.OutcomeCancelled, t.Reason, "")
		}
	}
}

// SubmitExecution arbitrates and enqueues a prompt, returning its id.
func (m *Manager) SubmitExecution(ctx context.Context, prompt string, tier types.Tier) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if !tier.Valid() {
		return "", fmt.Errorf("%w: %d", scheduler.ErrInvalidTier, int(tier))
	}

	req := types.ExecutionRequest{
		ID:          uuid.NewString(),
		Prompt:      prompt,
		Tier:        tier,
		SubmittedAt: m.now(),
	}
	log := logging.WithRequestID(logging.CategoryExecutor, req.ID).WithField("tier", tier.String())

	var (
		arb   *arbitration
		entry *execution
	)
	if tier == types.TierUserInitiated {
		m.arbMu.Lock()
		defer m.arbMu.Unlock()
		arb = &arbitration{decision: m.deps.Arbiter.Classify(prompt, m.deps.Plans.Current())}
	}

	// Plan changes and registration happen only once the scheduler has
	// accepted the request; a rejected submit leaves no trace.
	_, err := m.deps.Scheduler.SubmitWith(req, func(r *types.ExecutionRequest) {
		switch {
		case arb != nil:
			arb.current, arb.replaced = m.deps.Plans.Apply(arb.decision)
			if arb.current != nil {
				r.PlanID = arb.current.ID
			}
		case tier == types.TierBackground:
			// Autonomous planning steps belong to whatever plan is active.
			if p := m.deps.Plans.Current(); p != nil {
				r.PlanID = p.ID
			}
		}
		entry = newExecution(*r, m.cfg.StreamWindow, m.cfg.MaxResults)
		m.mu.Lock()
		m.executions[r.ID] = entry
		m.mu.Unlock()
	})
	if err != nil {
		log.Warn("Submit rejected: %v", err)
		return "", fmt.Errorf("submit execution: %w", err)
	}
	req = entry.req

	if arb != nil {
		m.recordArbitration(req, arb)
	}
	ev := audit.NewEvent(audit.EventSubmitted, req.ID, tier)
	if req.PlanID != "" {
		ev = ev.With("plan_id", req.PlanID)
	}
	m.deps.Audit.Record(ev)
	log.Info("Submitted (plan=%s)", req.PlanID)
	return req.ID, nil
}

// arbitration is one userInitiated prompt's decision and what applying it did
// to the plan store.
type arbitration struct {
	decision arbiter.Decision
	current  *types.ActivePlan
	replaced *types.ActivePlan
}

// recordArbitration reports a committed decision and, on preemption, cancels
// the replaced plan's work. The new request carries the new plan id, so it is
// never matched.
func (m *Manager) recordArbitration(req types.ExecutionRequest, arb *arbitration) {
	d := arb.decision
	m.deps.Metrics.RecordArbitration(string(d.Kind), d.Reason)
	logging.Arbiter("Request %s: %s", req.ID, d)

	ev := audit.NewEvent(audit.EventArbitration, req.ID, req.Tier).
		With("kind", string(d.Kind)).
		With("reason", d.Reason).
		With("overlap", fmt.Sprintf("%.3f", d.Overlap)).
		With("similarity", fmt.Sprintf("%.3f", d.Similarity))
	if arb.replaced != nil {
		ev = ev.With("replaced_plan", arb.replaced.ID)
	}
	m.deps.Audit.Record(ev)

	if arb.replaced == nil {
		return
	}
	oldID := arb.replaced.ID
	n := m.deps.Scheduler.CancelWhere(func(r types.ExecutionRequest) bool {
		return r.PlanID == oldID
	}, "plan "+oldID+" preempted by "+req.ID)
	if n > 0 {
		m.deps.Metrics.RecordPreemption("plan")
		logging.Executor("Plan %s preempted by %s: cancelled %d slot(s)", oldID, req.ID, n)
	}
}

// StreamResults replays and then follows the results of an execution. The
// channel is closed after exactly one terminal result, or when ctx is done.
func (m *Manager) StreamResults(ctx context.Context, id string) (<-chan types.PartialResult, error) {
	e := m.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}
	out := make(chan types.PartialResult, 16)
	go e.stream(ctx, out)
	return out, nil
}

// Execute submits a prompt and returns its result stream.
func (m *Manager) Execute(ctx context.Context, prompt string, tier types.Tier) (string, <-chan types.PartialResult, error) {
	id, err := m.SubmitExecution(ctx, prompt, tier)
	if err != nil {
		return "", nil, err
	}
	ch, err := m.StreamResults(ctx, id)
	return id, ch, err
}

// CancelExecution cancels a queued or running execution. Cancelling a
// finished execution is a no-op.
func (m *Manager) CancelExecution(id string) error {
	if m.lookup(id) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}
	err := m.deps.Scheduler.Cancel(id, "cancelled by caller")
	if errors.Is(err, scheduler.ErrUnknownSlot) {
		// Already finished and forgotten by the scheduler.
		return nil
	}
	return err
}

// Status returns the state of an execution.
func (m *Manager) Status(id string) (Status, error) {
	e := m.lookup(id)
	if e == nil {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}
	return e.status(), nil
}

// SetSafeMode toggles constrained mode. While on, every placement is remote
// and idle local runtimes are released.
func (m *Manager) SetSafeMode(on bool) {
	if m.safeMode.Swap(on) == on {
		return
	}
	m.deps.Metrics.RecordSafeMode(on)
	m.deps.Audit.Record(audit.NewEvent(audit.EventSafeMode, "", types.TierSystemCritical).
		With("enabled", fmt.Sprintf("%t", on)))
	logging.Executor("Safe mode set to %v", on)
	if on {
		m.deps.Cache.EvictIdle(0)
	}
}

// SafeMode reports whether constrained mode is on.
func (m *Manager) SafeMode() bool {
	return m.safeMode.Load()
}

// Snapshot returns the status view.
func (m *Manager) Snapshot() Snapshot {
	ss := m.deps.Scheduler.Snapshot()
	sig := m.deps.Signals.Snapshot()
	snap := Snapshot{
		QueueDepthsByTier: make(map[string]int, len(ss.QueueDepths)),
		CacheOccupancy:    m.deps.Cache.Occupancy(),
		SafeMode:          m.safeMode.Load(),
		Signals:           sig,
		ActivePlan:        m.deps.Plans.Current(),
		Scheduler:         ss.Stats,
		Audit:             m.deps.Audit.Stats(),
	}
	for tier, n := range ss.QueueDepths {
		snap.QueueDepthsByTier[tier.String()] = n
	}
	if ss.Running != nil {
		tier := ss.Running.Tier
		snap.RunningTier = &tier
		snap.RunningID = ss.Running.ID
	}

	snap.Warnings = append(snap.Warnings, m.deps.Audit.Warnings()...)
	if sig.Thermal == types.ThermalCritical {
		snap.Warnings = append(snap.Warnings, "signals: thermal level critical")
	}
	if sig.MemoryPressure == types.MemoryCritical {
		snap.Warnings = append(snap.Warnings, "signals: memory pressure critical")
	}
	if !sig.NetworkReachable {
		snap.Warnings = append(snap.Warnings, "signals: remote service unreachable")
	}
	return snap
}

func (m *Manager) lookup(id string) *execution {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.executions[id]
}

// finalize appends the terminal result and records the terminal audit event,
// at most once per execution.
func (m *Manager) finalize(e *execution, outcome types.Outcome, reason, model string) bool {
	now := m.now()
	if !e.finish(outcome, reason, now) {
		return false
	}
	st := e.status()
	ev := audit.NewEvent(audit.EventTerminal, e.req.ID, e.req.Tier)
	ev.Outcome = outcome
	ev.Reason = reason
	ev.Placement = st.Placement
	if model != "" {
		ev = ev.With("model", model)
	}
	m.deps.Audit.Record(ev)

	if !st.StartedAt.IsZero() {
		m.deps.Metrics.RecordExecution(e.req.Tier, st.Placement, outcome, now.Sub(st.StartedAt))
	}

	m.mu.Lock()
	m.finished = append(m.finished, e.req.ID)
	for len(m.finished) > m.cfg.Retention {
		delete(m.executions, m.finished[0])
		m.finished = m.finished[1:]
	}
	m.mu.Unlock()
	return true
}
