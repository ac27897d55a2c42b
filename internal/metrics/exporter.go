// Package metrics exports scheduler, cache, routing and signal activity as
// Prometheus collectors.
package metrics

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"hybridexec/internal/types"
)

// Options controls collector configuration.
type Options struct {
	DurationBuckets []float64
}

// Exporter owns the collectors. A nil *Exporter is a valid no-op.
type Exporter struct {
	slotTransitions   *prom.CounterVec
	queueDepth        *prom.GaugeVec
	running           *prom.GaugeVec
	preemptions       *prom.CounterVec
	executionDuration *prom.HistogramVec
	placements        *prom.CounterVec
	admissionRejected *prom.CounterVec
	fallbacks         *prom.CounterVec
	arbitrations      *prom.CounterVec
	cacheResident     prom.Gauge
	cacheInUse        prom.Gauge
	auditGaps         *prom.GaugeVec
	thermalLevel      prom.Gauge
	memoryPressure    prom.Gauge
	availableMemory   prom.Gauge
	networkReachable  prom.Gauge
	safeMode          prom.Gauge
}

// New creates and registers the collectors. Collectors already registered
// under the same name are reused.
func New(namespace string, reg prom.Registerer, opts Options) (*Exporter, error) {
	if namespace == "" {
		namespace = "hybridexec"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
	}

	m := &Exporter{}
	var err error
	if m.slotTransitions, err = registerCollector(reg, prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "slot_transitions_total",
		Help: "Slot state transitions by tier and target state.",
	}, []string{"tier", "state"})); err != nil {
		return nil, err
	}
	if m.queueDepth, err = registerCollector(reg, prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "queue_depth",
		Help: "Queued slots by tier.",
	}, []string{"tier"})); err != nil {
		return nil, err
	}
	if m.running, err = registerCollector(reg, prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "running",
		Help: "1 for the tier currently holding the accelerator.",
	}, []string{"tier"})); err != nil {
		return nil, err
	}
	if m.preemptions, err = registerCollector(reg, prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "preemptions_total",
		Help: "Running slots cancelled by a higher tier or a critical signal.",
	}, []string{"cause"})); err != nil {
		return nil, err
	}
	if m.executionDuration, err = registerCollector(reg, prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace, Subsystem: "executor", Name: "execution_duration_seconds",
		Help: "Execution duration from grant to terminal result.", Buckets: buckets,
	}, []string{"tier", "placement", "outcome"})); err != nil {
		return nil, err
	}
	if m.placements, err = registerCollector(reg, prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace, Subsystem: "routing", Name: "placements_total",
		Help: "Shadow routing placements.",
	}, []string{"placement", "reason"})); err != nil {
		return nil, err
	}
	if m.admissionRejected, err = registerCollector(reg, prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "admission_rejected_total",
		Help: "Runtime cache admission rejections.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if m.fallbacks, err = registerCollector(reg, prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace, Subsystem: "executor", Name: "remote_fallbacks_total",
		Help: "Remote fallbacks after admission errors, by result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if m.arbitrations, err = registerCollector(reg, prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace, Subsystem: "arbiter", Name: "decisions_total",
		Help: "Refine or preempt decisions.",
	}, []string{"kind", "reason"})); err != nil {
		return nil, err
	}
	if m.cacheResident, err = registerCollector(reg, prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "resident_handles",
		Help: "Runtime handles resident in the cache.",
	})); err != nil {
		return nil, err
	}
	if m.cacheInUse, err = registerCollector(reg, prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "in_use_handles",
		Help: "Runtime handles currently executing.",
	})); err != nil {
		return nil, err
	}
	if m.auditGaps, err = registerCollector(reg, prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace, Subsystem: "audit", Name: "gaps",
		Help: "Audit events lost, by kind (dropped, failed).",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if m.thermalLevel, err = registerCollector(reg, prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace, Subsystem: "signals", Name: "thermal_level",
		Help: "0 nominal, 1 fair, 2 serious, 3 critical.",
	})); err != nil {
		return nil, err
	}
	if m.memoryPressure, err = registerCollector(reg, prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace, Subsystem: "signals", Name: "memory_pressure",
		Help: "0 normal, 1 warning, 2 critical.",
	})); err != nil {
		return nil, err
	}
	if m.availableMemory, err = registerCollector(reg, prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace, Subsystem: "signals", Name: "available_memory_bytes",
		Help: "Available memory reported by the signal feed.",
	})); err != nil {
		return nil, err
	}
	if m.networkReachable, err = registerCollector(reg, prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace, Subsystem: "signals", Name: "network_reachable",
		Help: "1 when the remote service is reachable.",
	})); err != nil {
		return nil, err
	}
	if m.safeMode, err = registerCollector(reg, prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace, Name: "safe_mode",
		Help: "1 while constrained/safe mode is active.",
	})); err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveTransition tracks queue depth and the running tier from slot
// transitions. from is empty on submit.
func (m *Exporter) ObserveTransition(tier types.Tier, from, to types.SlotState) {
	if m == nil {
		return
	}
	label := tier.String()
	m.slotTransitions.WithLabelValues(label, string(to)).Inc()
	switch from {
	case types.SlotQueued:
		m.queueDepth.WithLabelValues(label).Dec()
	case types.SlotRunning:
		m.running.WithLabelValues(label).Set(0)
	}
	switch to {
	case types.SlotQueued:
		m.queueDepth.WithLabelValues(label).Inc()
	case types.SlotRunning:
		m.running.WithLabelValues(label).Set(1)
	}
}

// RecordPreemption counts a cancellation of the running slot.
func (m *Exporter) RecordPreemption(cause string) {
	if m == nil {
		return
	}
	m.preemptions.WithLabelValues(normalizeLabel(cause, "unknown")).Inc()
}

// RecordExecution observes a finished execution.
func (m *Exporter) RecordExecution(tier types.Tier, placement types.Placement, outcome types.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.executionDuration.WithLabelValues(tier.String(), normalizeLabel(string(placement), "none"), string(outcome)).Observe(d.Seconds())
}

// RecordPlacement counts a routing decision.
func (m *Exporter) RecordPlacement(placement types.Placement, reason string) {
	if m == nil {
		return
	}
	m.placements.WithLabelValues(string(placement), normalizeLabel(reason, "unknown")).Inc()
}

// RecordAdmissionRejected counts an admission error by reason code.
func (m *Exporter) RecordAdmissionRejected(reason string) {
	if m == nil {
		return
	}
	m.admissionRejected.WithLabelValues(normalizeLabel(reason, "unknown")).Inc()
}

// RecordFallback counts a remote fallback; result is ok, denied or failed.
func (m *Exporter) RecordFallback(result string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(normalizeLabel(result, "unknown")).Inc()
}

// RecordArbitration counts an arbiter decision.
func (m *Exporter) RecordArbitration(kind, reason string) {
	if m == nil {
		return
	}
	m.arbitrations.WithLabelValues(kind, normalizeLabel(reason, "unknown")).Inc()
}

// RecordCache sets cache occupancy gauges.
func (m *Exporter) RecordCache(resident, inUse int) {
	if m == nil {
		return
	}
	m.cacheResident.Set(float64(resident))
	m.cacheInUse.Set(float64(inUse))
}

// RecordAuditGaps sets the dropped and failed audit counts.
func (m *Exporter) RecordAuditGaps(dropped, failed int64) {
	if m == nil {
		return
	}
	m.auditGaps.WithLabelValues("dropped").Set(float64(dropped))
	m.auditGaps.WithLabelValues("failed").Set(float64(failed))
}

// RecordSignals mirrors a resource snapshot.
func (m *Exporter) RecordSignals(s types.ResourceSnapshot) {
	if m == nil {
		return
	}
	m.thermalLevel.Set(float64(s.Thermal))
	m.memoryPressure.Set(float64(s.MemoryPressure))
	m.availableMemory.Set(float64(s.AvailableMemory))
	m.networkReachable.Set(boolGauge(s.NetworkReachable))
}

// RecordSafeMode mirrors the safe mode flag.
func (m *Exporter) RecordSafeMode(on bool) {
	if m == nil {
		return
	}
	m.safeMode.Set(boolGauge(on))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
