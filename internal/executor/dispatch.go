package executor

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"hybridexec/internal/audit"
	"hybridexec/internal/cache"
	"hybridexec/internal/engine"
	"hybridexec/internal/logging"
	"hybridexec/internal/policy"
	"hybridexec/internal/routing"
	"hybridexec/internal/scheduler"
	"hybridexec/internal/tracing"
	"hybridexec/internal/types"
)

// errPolicyDenied marks a placement refused by the policy gate.
var errPolicyDenied = errors.New("policy denied remote placement")

// runSlot executes one granted slot to completion and acknowledges it. The
// handle is released and the terminal result recorded before Finish frees
// the accelerator for the next slot.
func (m *Manager) runSlot(g scheduler.Grant) {
	e := m.lookup(g.ID)
	if e == nil {
		logging.ExecutorError("Granted slot %s has no tracked execution", g.ID)
		_ = m.deps.Scheduler.Finish(g.ID, types.OutcomeFailure, "execution not tracked")
		return
	}
	e.start(m.now())

	ctx := g.Ctx
	if g.Tier == types.TierBackground {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, m.cfg.BackgroundSoftTimeout,
			&scheduler.CancelCause{Reason: "background soft timeout"})
		defer cancel()
	}
	ctx, span := tracing.StartSpan(ctx, "executor.run",
		tracing.KeyRequestID.String(g.ID),
		tracing.KeyTier.String(g.Tier.String()))
	defer span.End()

	timer := logging.StartTimer(logging.CategoryExecutor, "execute "+g.ID)
	outcome, reason, model := m.execute(ctx, e, g)
	timer.Stop()

	span.SetAttributes(tracing.KeyOutcome.String(string(outcome)), tracing.KeyModel.String(model))
	if outcome == types.OutcomeFailure {
		span.SetStatus(codes.Error, reason)
	}

	m.finalize(e, outcome, reason, model)
	if err := m.deps.Scheduler.Finish(g.ID, outcome, reason); err != nil {
		logging.ExecutorError("Finish %s: %v", g.ID, err)
	}
	occ := m.deps.Cache.Occupancy()
	m.deps.Metrics.RecordCache(occ.Resident, occ.InUse)
}

// execute classifies, routes, acquires and generates. It returns the outcome,
// the terminal reason and the model that served the request.
func (m *Manager) execute(ctx context.Context, e *execution, g scheduler.Grant) (types.Outcome, string, string) {
	log := logging.WithRequestID(logging.CategoryExecutor, g.ID).WithField("tier", g.Tier.String())

	if ctx.Err() != nil {
		return types.OutcomeCancelled, cancelReason(ctx), ""
	}

	assessment, err := m.deps.Classifier.Classify(ctx, g.Request.Prompt)
	if err != nil {
		if ctx.Err() != nil {
			return types.OutcomeCancelled, cancelReason(ctx), ""
		}
		log.Warn("Classifier failed, assuming low complexity: %v", err)
		assessment = engine.Assessment{Complexity: engine.ComplexityLow}
	}

	snap := m.deps.Signals.Snapshot()
	decision := m.deps.Router.Decide(assessment.Complexity, snap, m.safeMode.Load(), g.Tier)
	log.Debug("Routed complexity=%s score=%.2f -> %s", assessment.Complexity, assessment.Score, decision)

	h, decision, err := m.acquire(g, decision, snap)
	if err != nil {
		log.Warn("No runtime: %v", err)
		return types.OutcomeFailure, err.Error(), decision.Model.Name
	}
	defer func() {
		if rerr := m.deps.Cache.Release(h); rerr != nil {
			log.Error("Release handle %s: %v", h.ID(), rerr)
		}
	}()

	model := decision.Model.Name
	e.setPlacement(decision.Placement, model)
	m.deps.Metrics.RecordPlacement(decision.Placement, string(decision.Reason))
	m.deps.Audit.Record(m.placementEvent(g, decision))

	err = h.Engine().Generate(ctx, g.Request.Prompt, func(text string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return e.emit(ctx, text)
	})
	switch {
	case err == nil:
		log.Info("Completed on %s", decision)
		return types.OutcomeCompletion, "", model
	case ctx.Err() != nil:
		reason := cancelReason(ctx)
		log.Info("Cancelled on %s: %s", decision.Placement, reason)
		return types.OutcomeCancelled, reason, model
	default:
		log.Error("Execution fault on %s: %v", decision.Placement, err)
		return types.OutcomeFailure, err.Error(), model
	}
}

// acquire authorizes and acquires the routed runtime. An admission error
// falls back to remote placement exactly once.
func (m *Manager) acquire(g scheduler.Grant, d routing.Decision, snap types.ResourceSnapshot) (*cache.Handle, routing.Decision, error) {
	if err := m.authorize(g, d); err != nil {
		return nil, d, err
	}
	h, err := m.deps.Cache.Acquire(d.Model, snap, g.Tier)
	if err == nil {
		return h, d, nil
	}
	var ae *cache.AdmissionError
	if !errors.As(err, &ae) {
		return nil, d, err
	}
	m.deps.Metrics.RecordAdmissionRejected(ae.Code())

	fb := m.deps.Router.Fallback()
	logging.ExecutorWarn("Admission rejected %s for %s (%s), falling back to %s", d.Model.Name, g.ID, ae.Code(), fb.Model.Name)
	m.deps.Audit.Record(audit.NewEvent(audit.EventFallback, g.ID, g.Tier).
		With("from_placement", string(d.Placement)).
		With("from_model", d.Model.Name).
		With("admission", ae.Code()).
		With("to_model", fb.Model.Name))

	if aerr := m.authorize(g, fb); aerr != nil {
		m.deps.Metrics.RecordFallback("denied")
		return nil, fb, fmt.Errorf("%w; fallback: %w", err, aerr)
	}
	h, ferr := m.deps.Cache.Acquire(fb.Model, snap, g.Tier)
	if ferr != nil {
		m.deps.Metrics.RecordFallback("failed")
		return nil, fb, fmt.Errorf("%w; fallback: %w", err, ferr)
	}
	m.deps.Metrics.RecordFallback("ok")
	return h, fb, nil
}

// authorize consults the policy gate for remote placements.
func (m *Manager) authorize(g scheduler.Grant, d routing.Decision) error {
	if d.Placement != types.PlacementRemote {
		return nil
	}
	ac := policy.ActionContext{
		RequestID: g.ID,
		Tier:      g.Tier,
		Placement: d.Placement,
		Model:     d.Model.Name,
	}
	if m.deps.Policy.IsActionAuthorized(policy.ActionRemotePlacement, ac) {
		return nil
	}
	ev := audit.NewEvent(audit.EventPolicyDenied, g.ID, g.Tier).
		With("action", string(policy.ActionRemotePlacement)).
		With("model", d.Model.Name)
	ev.Placement = d.Placement
	m.deps.Audit.Record(ev)
	return errPolicyDenied
}

func (m *Manager) placementEvent(g scheduler.Grant, d routing.Decision) audit.Event {
	ev := audit.NewEvent(audit.EventPlacement, g.ID, g.Tier).
		With("model", d.Model.Name).
		With("route_reason", string(d.Reason))
	ev.Placement = d.Placement
	ev.Reason = string(d.Reason)
	return ev
}

// cancelReason describes why ctx was cancelled.
func cancelReason(ctx context.Context) string {
	if cc, ok := scheduler.CauseOf(ctx); ok {
		return cc.Error()
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return "cancelled"
}
