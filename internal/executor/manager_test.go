package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hybridexec/internal/audit"
	"hybridexec/internal/cache"
	"hybridexec/internal/config"
	"hybridexec/internal/engine"
	"hybridexec/internal/metrics"
	"hybridexec/internal/plan"
	"hybridexec/internal/policy"
	"hybridexec/internal/routing"
	"hybridexec/internal/scheduler"
	"hybridexec/internal/signals"
	"hybridexec/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const gb = uint64(1) << 30

// stubEngine emits one chunk, then blocks until cancelled when the prompt
// says "slowly", or fails when it says "explode".
type stubEngine struct {
	desc types.ModelDescriptor
}

func (s *stubEngine) Name() string           { return "stub:" + s.desc.Name }
func (s *stubEngine) Backend() types.Backend { return s.desc.Backend }
func (s *stubEngine) Close() error           { return nil }

func (s *stubEngine) Generate(ctx context.Context, prompt string, emit func(string) error) error {
	if err := emit("chunk from " + s.desc.Name); err != nil {
		return err
	}
	if strings.Contains(prompt, "explode") {
		return engine.Fault(s.Name(), errors.New("runtime crashed"))
	}
	if strings.Contains(prompt, "slowly") {
		<-ctx.Done()
		return ctx.Err()
	}
	return emit("done")
}

func stubFactory() engine.Factory {
	return engine.FactoryFunc(func(desc types.ModelDescriptor) (engine.Engine, error) {
		return &stubEngine{desc: desc}, nil
	})
}

func routes() routing.Config {
	return routing.Config{
		SmallBudget: 8 * gb,
		LargeBudget: 16 * gb,
		LocalLarge:  types.ModelDescriptor{Name: "large", Backend: types.BackendLocal, BaseCostBytes: 8 * gb},
		LocalSmall:  types.ModelDescriptor{Name: "small", Backend: types.BackendLocal, BaseCostBytes: 2 * gb},
		Remote:      types.ModelDescriptor{Name: "remote", Backend: types.BackendRemote},
	}
}

type harness struct {
	m     *Manager
	feed  *signals.StaticFeed
	sink  *audit.MemorySink
	sched *scheduler.Scheduler
	plans *plan.Store
	cache *cache.Cache
	reg   *prometheus.Registry

	stop func() error
}

type options struct {
	cfg       Config
	sched     scheduler.Config
	available uint64
	routes    routing.Config
	gate      policy.Gate
}

func newHarness(t *testing.T, mutate ...func(*options)) *harness {
	t.Helper()
	o := options{cfg: DefaultConfig(), sched: scheduler.DefaultConfig(), available: 12 * gb, routes: routes()}
	for _, fn := range mutate {
		fn(&o)
	}

	reg := prometheus.NewRegistry()
	exp, err := metrics.New("hybridexec", reg, metrics.Options{})
	require.NoError(t, err)

	sink := audit.NewMemorySink()
	h := &harness{
		feed:  signals.NewNominalFeed(o.available),
		sink:  sink,
		sched: scheduler.New(o.sched),
		plans: plan.NewStore(16),
		cache: cache.New(cache.Config{Capacity: 2, IdleThreshold: time.Minute, OSReserve: gb}, stubFactory()),
		reg:   reg,
	}
	h.m, err = New(o.cfg, Deps{
		Scheduler:  h.sched,
		Cache:      h.cache,
		Plans:      h.plans,
		Router:     routing.New(o.routes),
		Classifier: engine.StaticClassifier(engine.ComplexityLow),
		Signals:    h.feed,
		Policy:     o.gate,
		Audit:      audit.NewRecorder(sink, 1024),
		Metrics:    exp,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	var once sync.Once
	var runErr error
	h.stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(5 * time.Second):
				runErr = errors.New("manager did not stop")
			}
			_ = h.cache.Close()
		})
		return runErr
	}
	t.Cleanup(func() { require.NoError(t, h.stop()) })

	require.Eventually(t, func() bool { return h.feed.Subscribers() > 0 }, 2*time.Second, 5*time.Millisecond)
	return h
}

func collect(t *testing.T, ch <-chan types.PartialResult) []types.PartialResult {
	t.Helper()
	var out []types.PartialResult
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatalf("stream did not finish, got %d results", len(out))
		}
	}
}

func terminalOf(t *testing.T, results []types.PartialResult) types.PartialResult {
	t.Helper()
	require.NotEmpty(t, results)
	finals := 0
	for _, r := range results {
		if r.Final {
			finals++
		}
	}
	require.Equal(t, 1, finals, "exactly one terminal result")
	last := results[len(results)-1]
	require.True(t, last.Final, "terminal result is last")
	return last
}

func (h *harness) submit(t *testing.T, prompt string, tier types.Tier) (string, <-chan types.PartialResult) {
	t.Helper()
	id, ch, err := h.m.Execute(context.Background(), prompt, tier)
	require.NoError(t, err)
	return id, ch
}

func (h *harness) waitRunning(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := h.m.Status(id)
		return err == nil && st.State == types.SlotRunning && st.Chunks > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) waitTerminalAudit(t *testing.T, id string) audit.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.sink.ForRequest(id, audit.EventTerminal)) > 0
	}, 2*time.Second, 5*time.Millisecond)
	events := h.sink.ForRequest(id, audit.EventTerminal)
	require.Len(t, events, 1, "exactly one terminal audit event")
	return events[0]
}

func (h *harness) counter(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestExecuteCompletesLocally(t *testing.T) {
	h := newHarness(t)
	id, ch := h.submit(t, "summarize my notes", types.TierUserInitiated)

	results := collect(t, ch)
	final := terminalOf(t, results)
	assert.Equal(t, types.OutcomeCompletion, final.Outcome)
	assert.Equal(t, types.PlacementLocalSmall, final.Placement)
	require.Len(t, results, 3)
	assert.Equal(t, "chunk from small", results[0].Text)
	for i, r := range results {
		assert.Equal(t, i, r.Seq)
		assert.Equal(t, id, r.RequestID)
	}

	st, err := h.m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.SlotCompleted, st.State)
	assert.Equal(t, "small", st.Model)
	assert.Equal(t, 2, st.Chunks)
	assert.NotEmpty(t, st.PlanID)

	ev := h.waitTerminalAudit(t, id)
	assert.Equal(t, types.OutcomeCompletion, ev.Outcome)
	assert.Equal(t, types.PlacementLocalSmall, ev.Placement)
	assert.Len(t, h.sink.ForRequest(id, audit.EventSubmitted), 1)
	assert.Len(t, h.sink.ForRequest(id, audit.EventArbitration), 1)
	assert.Len(t, h.sink.ForRequest(id, audit.EventPlacement), 1)

	occ := h.cache.Occupancy()
	assert.Equal(t, 1, occ.Resident)
	assert.Equal(t, 0, occ.InUse, "handle released after completion")
}

func TestLargeBudgetUsesLargeModel(t *testing.T) {
	h := newHarness(t, func(o *options) { o.available = 24 * gb })
	_, ch := h.submit(t, "hello", types.TierUserInitiated)
	final := terminalOf(t, collect(t, ch))
	assert.Equal(t, types.OutcomeCompletion, final.Outcome)
	assert.Equal(t, types.PlacementLocalLarge, final.Placement)
}

func TestSystemCriticalPreemptsBackground(t *testing.T) {
	h := newHarness(t)
	bgID, bgCh := h.submit(t, "index the photo library slowly", types.TierBackground)
	h.waitRunning(t, bgID)

	critID, critCh := h.submit(t, "battery critical, save state", types.TierSystemCritical)

	bg := terminalOf(t, collect(t, bgCh))
	assert.Equal(t, types.OutcomeCancelled, bg.Outcome)
	assert.Contains(t, bg.Reason, "preempted")

	crit := terminalOf(t, collect(t, critCh))
	assert.Equal(t, types.OutcomeCompletion, crit.Outcome)

	bgStatus, err := h.m.Status(bgID)
	require.NoError(t, err)
	critStatus, err := h.m.Status(critID)
	require.NoError(t, err)
	assert.False(t, critStatus.StartedAt.Before(bgStatus.FinishedAt),
		"critical slot must not start before the background slot stopped")

	h.waitTerminalAudit(t, bgID)
	h.waitTerminalAudit(t, critID)
	assert.Equal(t, int64(1), h.sched.Stats().Preemptions)
}

func TestPivotCancelsPreviousPlanWork(t *testing.T) {
	h := newHarness(t)
	firstID, firstCh := h.submit(t, "draft an email to Alice slowly", types.TierUserInitiated)
	h.waitRunning(t, firstID)

	secondID, secondCh := h.submit(t, "also attach the report slowly", types.TierUserInitiated)
	first, err := h.m.Status(firstID)
	require.NoError(t, err)
	second, err := h.m.Status(secondID)
	require.NoError(t, err)
	assert.Equal(t, first.PlanID, second.PlanID, "continuation refines the active plan")
	assert.Equal(t, types.SlotQueued, second.State)

	thirdID, thirdCh := h.submit(t, "find a recipe for dinner", types.TierUserInitiated)

	r1 := terminalOf(t, collect(t, firstCh))
	assert.Equal(t, types.OutcomeCancelled, r1.Outcome)
	assert.Contains(t, r1.Reason, first.PlanID)
	r2 := terminalOf(t, collect(t, secondCh))
	assert.Equal(t, types.OutcomeCancelled, r2.Outcome)
	r3 := terminalOf(t, collect(t, thirdCh))
	assert.Equal(t, types.OutcomeCompletion, r3.Outcome)

	third, err := h.m.Status(thirdID)
	require.NoError(t, err)
	assert.NotEqual(t, first.PlanID, third.PlanID)

	for _, id := range []string{firstID, secondID, thirdID} {
		h.waitTerminalAudit(t, id)
	}
	arb := h.sink.ForRequest(thirdID, audit.EventArbitration)
	require.Len(t, arb, 1)
	assert.Equal(t, "preempt", arb[0].Fields["kind"])
	assert.Equal(t, first.PlanID, arb[0].Fields["replaced_plan"])
}

func TestRejectedPivotLeavesPlanUntouched(t *testing.T) {
	h := newHarness(t, func(o *options) { o.sched.MaxQueueDepth = 1 })
	firstID, _ := h.submit(t, "draft an email to Alice slowly", types.TierUserInitiated)
	h.waitRunning(t, firstID)
	before := h.plans.Current()
	require.NotNil(t, before)

	_, err := h.m.SubmitExecution(context.Background(), "tidy downloads", types.TierBackground)
	require.NoError(t, err)

	_, err = h.m.SubmitExecution(context.Background(), "find a recipe for dinner", types.TierUserInitiated)
	require.ErrorIs(t, err, scheduler.ErrQueueFull)

	after := h.plans.Current()
	require.NotNil(t, after)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.Goal, after.Goal)
	assert.Empty(t, h.plans.Archive())

	st, err := h.m.Status(firstID)
	require.NoError(t, err)
	assert.Equal(t, types.SlotRunning, st.State, "running work of the kept plan is not cancelled")
	assert.Len(t, h.sink.ForRequest(firstID, audit.EventTerminal), 0)
}

func TestConcurrentUserSubmitsKeepPlanHistoryConsistent(t *testing.T) {
	h := newHarness(t)
	prompts := []string{
		"draft an email to Alice",
		"find a recipe for dinner",
		"book a flight to Lisbon",
		"also attach the report",
		"summarize my notes",
		"plan a trip to Tokyo",
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []string
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(prompt string) {
			defer wg.Done()
			id, ch, err := h.m.Execute(context.Background(), prompt, types.TierUserInitiated)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
			for range ch {
			}
		}(prompts[i%len(prompts)])
	}
	wg.Wait()

	current := h.plans.Current()
	require.NotNil(t, current)
	archive := h.plans.Archive()
	known := map[string]string{current.ID: ""}
	for i, a := range archive {
		known[a.Plan.ID] = a.ReplacedBy
		if i+1 < len(archive) {
			assert.Equal(t, archive[i+1].Plan.ID, a.ReplacedBy)
		} else {
			assert.Equal(t, current.ID, a.ReplacedBy)
		}
	}

	require.Len(t, ids, 12)
	for _, id := range ids {
		st, err := h.m.Status(id)
		require.NoError(t, err)
		_, ok := known[st.PlanID]
		assert.True(t, ok, "plan %s of %s is neither active nor archived", st.PlanID, id)

		require.Eventually(t, func() bool {
			return len(h.sink.ForRequest(id, audit.EventArbitration)) == 1
		}, 2*time.Second, 5*time.Millisecond)
		ev := h.sink.ForRequest(id, audit.EventArbitration)[0]
		if replaced, ok := ev.Fields["replaced_plan"]; ok {
			assert.Equal(t, st.PlanID, known[replaced], "replaced plan %s points at its successor", replaced)
		}
	}
}

func TestResultLimitFailsExecution(t *testing.T) {
	h := newHarness(t, func(o *options) { o.cfg.MaxResults = 1 })
	_, ch := h.submit(t, "summarize my notes", types.TierUserInitiated)

	results := collect(t, ch)
	final := terminalOf(t, results)
	assert.Equal(t, types.OutcomeFailure, final.Outcome)
	assert.Contains(t, final.Reason, "result buffer limit reached")
	require.Len(t, results, 2)
	assert.Equal(t, "chunk from small", results[0].Text)
}

func TestAdmissionFailureFallsBackToRemote(t *testing.T) {
	h := newHarness(t, func(o *options) {
		o.available = 10 * gb
		o.routes.LocalSmall.BaseCostBytes = 20 * gb
	})
	id, ch := h.submit(t, "hello", types.TierUserInitiated)

	final := terminalOf(t, collect(t, ch))
	assert.Equal(t, types.OutcomeCompletion, final.Outcome)
	assert.Equal(t, types.PlacementRemote, final.Placement)

	h.waitTerminalAudit(t, id)
	fb := h.sink.ForRequest(id, audit.EventFallback)
	require.Len(t, fb, 1)
	assert.Equal(t, "insufficientMemory", fb[0].Fields["admission"])
	assert.Equal(t, "remote", fb[0].Fields["to_model"])
	assert.Equal(t, float64(1), h.counter(t, "hybridexec_executor_remote_fallbacks_total", "result", "ok"))
	assert.Equal(t, float64(1), h.counter(t, "hybridexec_cache_admission_rejected_total", "reason", "insufficientMemory"))
}

func TestFallbackDeniedByPolicyFails(t *testing.T) {
	gate := policy.NewFromConfig(config.PolicyConfig{
		DefaultAction: "allow",
		Rules: []config.PolicyRule{{
			Name:   "no-cloud",
			Effect: "deny",
			Match:  config.PolicyRuleMatch{Action: "remote_placement"},
		}},
	})
	h := newHarness(t, func(o *options) {
		o.available = 10 * gb
		o.routes.LocalSmall.BaseCostBytes = 20 * gb
		o.gate = gate
	})
	id, ch := h.submit(t, "hello", types.TierUserInitiated)

	final := terminalOf(t, collect(t, ch))
	assert.Equal(t, types.OutcomeFailure, final.Outcome)
	assert.Contains(t, final.Reason, "insufficientMemory")
	assert.Contains(t, final.Reason, "policy denied")

	ev := h.waitTerminalAudit(t, id)
	assert.Equal(t, types.OutcomeFailure, ev.Outcome)
	assert.Len(t, h.sink.ForRequest(id, audit.EventPolicyDenied), 1)
	assert.Equal(t, float64(1), h.counter(t, "hybridexec_executor_remote_fallbacks_total", "result", "denied"))
}

func TestExecutionFaultFails(t *testing.T) {
	h := newHarness(t)
	id, ch := h.submit(t, "explode please", types.TierUserInitiated)

	results := collect(t, ch)
	final := terminalOf(t, results)
	assert.Equal(t, types.OutcomeFailure, final.Outcome)
	assert.Contains(t, final.Reason, "runtime crashed")
	assert.Len(t, results, 2, "partial output is kept")

	h.waitTerminalAudit(t, id)
	require.Eventually(t, func() bool { return h.sched.Stats().Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.cache.Occupancy().InUse)
}

func TestSafeModeRoutesRemote(t *testing.T) {
	h := newHarness(t, func(o *options) { o.available = 24 * gb })
	h.m.SetSafeMode(true)
	assert.True(t, h.m.SafeMode())

	_, ch := h.submit(t, "hello", types.TierUserInitiated)
	final := terminalOf(t, collect(t, ch))
	assert.Equal(t, types.PlacementRemote, final.Placement)
	assert.True(t, h.m.Snapshot().SafeMode)

	h.m.SetSafeMode(false)
	_, ch = h.submit(t, "hello again", types.TierUserInitiated)
	final = terminalOf(t, collect(t, ch))
	assert.Equal(t, types.PlacementLocalLarge, final.Placement)
}

func TestCriticalThermalCancelsRunning(t *testing.T) {
	h := newHarness(t)
	id, ch := h.submit(t, "render the video slowly", types.TierUserInitiated)
	h.waitRunning(t, id)

	// Soft levels leave in-flight work alone.
	prev := h.feed.Snapshot()
	fair := prev
	fair.Thermal = types.ThermalFair
	h.m.onSignals(prev, fair)
	running, ok := h.sched.Running()
	require.True(t, ok)
	assert.False(t, running.Stopping)

	h.feed.SetThermal(types.ThermalCritical)
	final := terminalOf(t, collect(t, ch))
	assert.Equal(t, types.OutcomeCancelled, final.Outcome)
	assert.Contains(t, final.Reason, "thermal critical")

	h.waitTerminalAudit(t, id)
	require.Eventually(t, func() bool {
		return len(h.sink.ForRequest(id, audit.EventSignal)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.m.Snapshot().Warnings, "signals: thermal level critical")
}

func TestMemoryCriticalCancelsRunning(t *testing.T) {
	h := newHarness(t)
	id, ch := h.submit(t, "train the adapter slowly", types.TierSystemCritical)
	h.waitRunning(t, id)

	h.feed.SetMemoryPressure(types.MemoryCritical)
	final := terminalOf(t, collect(t, ch))
	assert.Equal(t, types.OutcomeCancelled, final.Outcome)
	assert.Contains(t, final.Reason, "memory pressure critical")
}

func TestBackgroundSoftTimeout(t *testing.T) {
	h := newHarness(t, func(o *options) { o.cfg.BackgroundSoftTimeout = 50 * time.Millisecond })
	_, ch := h.submit(t, "reindex slowly", types.TierBackground)

	final := terminalOf(t, collect(t, ch))
	assert.Equal(t, types.OutcomeCancelled, final.Outcome)
	assert.Contains(t, final.Reason, "background soft timeout")
}

func TestCancelExecution(t *testing.T) {
	h := newHarness(t)
	runID, runCh := h.submit(t, "compose a song slowly", types.TierUserInitiated)
	h.waitRunning(t, runID)
	queuedID, queuedCh := h.submit(t, "tidy downloads", types.TierBackground)

	require.NoError(t, h.m.CancelExecution(queuedID))
	queued := terminalOf(t, collect(t, queuedCh))
	assert.Equal(t, types.OutcomeCancelled, queued.Outcome)
	assert.Equal(t, "cancelled by caller", queued.Reason)
	assert.Empty(t, queued.Placement, "never placed")

	require.NoError(t, h.m.CancelExecution(runID))
	running := terminalOf(t, collect(t, runCh))
	assert.Equal(t, types.OutcomeCancelled, running.Outcome)
	assert.Contains(t, running.Reason, "cancelled by caller")

	// Cancelling a finished execution is a no-op.
	require.NoError(t, h.m.CancelExecution(runID))
	h.waitTerminalAudit(t, runID)
	h.waitTerminalAudit(t, queuedID)

	err := h.m.CancelExecution("nope")
	assert.ErrorIs(t, err, ErrUnknownExecution)
}

func TestStreamReplaysFromStart(t *testing.T) {
	h := newHarness(t)
	id, ch := h.submit(t, "hello", types.TierUserInitiated)
	first := collect(t, ch)

	again, err := h.m.StreamResults(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, first, collect(t, again))

	_, err = h.m.StreamResults(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownExecution)
}

func TestStreamStopsWithContext(t *testing.T) {
	h := newHarness(t)
	id, ch := h.submit(t, "narrate slowly", types.TierUserInitiated)
	h.waitRunning(t, id)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.m.StreamResults(ctx, id)
	require.NoError(t, err)
	<-sub
	cancel()
	for range sub {
	}

	require.NoError(t, h.m.CancelExecution(id))
	terminalOf(t, collect(t, ch))
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t)
	runID, runCh := h.submit(t, "write the report slowly", types.TierUserInitiated)
	h.waitRunning(t, runID)
	_, bgCh := h.submit(t, "tidy downloads", types.TierBackground)
	h.feed.SetNetworkReachable(false)

	snap := h.m.Snapshot()
	require.NotNil(t, snap.RunningTier)
	assert.Equal(t, types.TierUserInitiated, *snap.RunningTier)
	assert.Equal(t, runID, snap.RunningID)
	assert.Equal(t, 1, snap.QueueDepthsByTier["background"])
	assert.Equal(t, 1, snap.CacheOccupancy.InUse)
	assert.Contains(t, snap.Warnings, "signals: remote service unreachable")
	require.NotNil(t, snap.ActivePlan)
	assert.Equal(t, "write the report slowly", snap.ActivePlan.Goal)

	require.NoError(t, h.m.CancelExecution(runID))
	terminalOf(t, collect(t, runCh))
	terminalOf(t, collect(t, bgCh))

	require.Eventually(t, func() bool { return h.m.Snapshot().RunningTier == nil }, 2*time.Second, 5*time.Millisecond)
}

func TestStopCancelsQueuedWork(t *testing.T) {
	h := newHarness(t)
	runID, runCh := h.submit(t, "long job slowly", types.TierUserInitiated)
	h.waitRunning(t, runID)
	queuedID, queuedCh := h.submit(t, "tidy downloads", types.TierBackground)

	require.NoError(t, h.stop())

	running := terminalOf(t, collect(t, runCh))
	assert.Equal(t, types.OutcomeCancelled, running.Outcome)
	queued := terminalOf(t, collect(t, queuedCh))
	assert.Equal(t, types.OutcomeCancelled, queued.Outcome)
	assert.Equal(t, "scheduler stopped", queued.Reason)

	// Run flushes the recorder before returning.
	assert.Len(t, h.sink.ForRequest(runID, audit.EventTerminal), 1)
	assert.Len(t, h.sink.ForRequest(queuedID, audit.EventTerminal), 1)

	_, err := h.m.SubmitExecution(context.Background(), "late", types.TierUserInitiated)
	assert.ErrorIs(t, err, scheduler.ErrStopped)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.SubmitExecution(context.Background(), "", types.TierUserInitiated)
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = h.m.SubmitExecution(context.Background(), "hi", types.Tier(9))
	assert.ErrorIs(t, err, scheduler.ErrInvalidTier)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.m.SubmitExecution(ctx, "hi", types.TierUserInitiated)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSingleRunningSlotUnderLoad(t *testing.T) {
	h := newHarness(t)
	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)
	h.sched.OnTransition(func(tr scheduler.Transition) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case tr.To == types.SlotRunning:
			running++
			if running > maxSeen {
				maxSeen = running
			}
		case tr.From == types.SlotRunning:
			running--
		}
	})

	var wg sync.WaitGroup
	tiers := []types.Tier{types.TierBackground, types.TierSystemCritical, types.TierBackground}
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(tier types.Tier) {
			defer wg.Done()
			_, ch, err := h.m.Execute(context.Background(), "tidy downloads", tier)
			if !assert.NoError(t, err) {
				return
			}
			for range ch {
			}
		}(tiers[i%len(tiers)])
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen)
	require.Eventually(t, func() bool {
		st := h.sched.Stats()
		return st.Completed+st.Cancelled == 12
	}, 2*time.Second, 5*time.Millisecond)
}
