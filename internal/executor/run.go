package executor

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"hybridexec/internal/audit"
	"hybridexec/internal/logging"
	"hybridexec/internal/scheduler"
	"hybridexec/internal/types"
)

// Run drives the manager until ctx is done: the dispatch loop, the signal
// watcher, the cache janitor and the audit drain. On return the scheduler is
// stopped, every queued execution has its cancelled result, and buffered
// audit events have been flushed.
func (m *Manager) Run(ctx context.Context) error {
	auditCtx, stopAudit := context.WithCancel(context.WithoutCancel(ctx))
	auditDone := make(chan error, 1)
	go func() { auditDone <- m.deps.Audit.Run(auditCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.dispatch(gctx) })
	g.Go(func() error { return m.watchSignals(gctx) })
	g.Go(func() error {
		if err := m.deps.Cache.Run(gctx, m.cfg.JanitorInterval, m.cfg.IdleThreshold); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("cache janitor: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		m.deps.Scheduler.Stop()
		return nil
	})

	logging.Executor("Execution manager running")
	err := g.Wait()

	stopAudit()
	if aerr := <-auditDone; aerr != nil && err == nil {
		err = aerr
	}
	logging.Executor("Execution manager stopped")
	return err
}

// dispatch grants slots one at a time and runs each synchronously, which is
// what keeps a single execution on the accelerator.
func (m *Manager) dispatch(ctx context.Context) error {
	for {
		g, err := m.deps.Scheduler.Next(ctx)
		if err != nil {
			if errors.Is(err, scheduler.ErrStopped) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.runSlot(g)
	}
}

// watchSignals records every signal change and cancels the running slot on
// the edge into critical thermal or critical memory pressure. Softer levels
// only bias future routing.
func (m *Manager) watchSignals(ctx context.Context) error {
	prev := m.deps.Signals.Snapshot()
	m.deps.Metrics.RecordSignals(prev)
	updates := m.deps.Signals.Subscribe(ctx)
	// Catch a change that landed before the subscription existed.
	if cur := m.deps.Signals.Snapshot(); cur != prev {
		m.onSignals(prev, cur)
		prev = cur
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			m.onSignals(prev, snap)
			prev = snap
		}
	}
}

func (m *Manager) onSignals(prev, snap types.ResourceSnapshot) {
	m.deps.Metrics.RecordSignals(snap)
	logging.SignalsDebug("Signals: thermal=%s pressure=%s avail=%dMB net=%v",
		snap.Thermal, snap.MemoryPressure, snap.AvailableMemory>>20, snap.NetworkReachable)

	var reason string
	switch {
	case snap.Thermal == types.ThermalCritical && prev.Thermal != types.ThermalCritical:
		reason = "thermal critical"
	case snap.MemoryPressure == types.MemoryCritical && prev.MemoryPressure != types.MemoryCritical:
		reason = "memory pressure critical"
	default:
		return
	}

	id, signalled := m.deps.Scheduler.CancelRunning(reason)
	ev := audit.NewEvent(audit.EventSignal, id, types.TierSystemCritical).
		With("thermal", snap.Thermal.String()).
		With("memory_pressure", snap.MemoryPressure.String())
	ev.Reason = reason
	m.deps.Audit.Record(ev)
	if signalled {
		m.deps.Metrics.RecordPreemption("signal")
		logging.ExecutorWarn("Cancelled running slot %s: %s", id, reason)
	}
}
