// Package arbiter decides whether a new prompt refines the active plan or
// preempts it. Classification is a pure function of its inputs so it can run
// before any resources are committed.
package arbiter

import (
	"fmt"
	"strings"

	"hybridexec/internal/types"
)

// Kind is the arbitration outcome.
type Kind string

const (
	KindRefine  Kind = "refine"
	KindPreempt Kind = "preempt"
)

// Reason codes recorded on every decision.
const (
	ReasonNoActivePlan       = "no_active_plan"
	ReasonIdenticalInput     = "identical_input"
	ReasonEntityOverlap      = "entity_overlap"
	ReasonContinuationMarker = "continuation_marker"
	ReasonLowSimilarity      = "low_similarity"
	ReasonAmbiguousRefine    = "ambiguous_refine"
	ReasonAmbiguousPreempt   = "ambiguous_preempt"
)

// Config holds the tunable thresholds. The 0.70/0.40 defaults and the
// refine bias in the ambiguous band are policy, not derived constants.
type Config struct {
	RefineOverlap       float64
	PreemptSimilarity   float64
	AmbiguousRefines    bool
	ContinuationMarkers []string
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		RefineOverlap:       0.70,
		PreemptSimilarity:   0.40,
		AmbiguousRefines:    true,
		ContinuationMarkers: []string{"actually", "instead", "also"},
	}
}

// Patch describes an in-place update to the active plan.
type Patch struct {
	AddStep     string   `json:"add_step,omitempty"`
	AddEntities []string `json:"add_entities,omitempty"`
	NoOp        bool     `json:"no_op"`
}

// Seed is the starting point for a fresh plan.
type Seed struct {
	Goal     string   `json:"goal"`
	Entities []string `json:"entities"`
}

// Decision is the arbiter's output. Similarity and Overlap are retained for
// audit and tests; they do not drive anything after classification.
type Decision struct {
	Kind       Kind    `json:"kind"`
	Patch      *Patch  `json:"patch,omitempty"`
	Seed       *Seed   `json:"seed,omitempty"`
	Similarity float64 `json:"similarity"`
	Overlap    float64 `json:"overlap"`
	Reason     string  `json:"reason"`
}

func (d Decision) String() string {
	return fmt.Sprintf("%s(%s overlap=%.2f similarity=%.2f)", d.Kind, d.Reason, d.Overlap, d.Similarity)
}

// Arbiter classifies prompts against the active plan.
type Arbiter struct {
	cfg     Config
	markers map[string]struct{}
}

// New creates an arbiter. Zero thresholds fall back to defaults.
func New(cfg Config) *Arbiter {
	def := DefaultConfig()
	if cfg.RefineOverlap <= 0 {
		cfg.RefineOverlap = def.RefineOverlap
	}
	if cfg.PreemptSimilarity <= 0 {
		cfg.PreemptSimilarity = def.PreemptSimilarity
	}
	if cfg.ContinuationMarkers == nil {
		cfg.ContinuationMarkers = def.ContinuationMarkers
	}
	markers := make(map[string]struct{}, len(cfg.ContinuationMarkers))
	for _, m := range cfg.ContinuationMarkers {
		markers[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}
	return &Arbiter{cfg: cfg, markers: markers}
}

// Config returns the thresholds in effect.
func (a *Arbiter) Config() Config {
	return a.cfg
}

// Classify decides refine vs preempt. Rules, in order:
//  1. no active plan: preempt
//  2. identical to the plan goal or an existing step: refine with a no-op patch
//  3. overlap >= RefineOverlap or a continuation marker: refine
//  4. similarity < PreemptSimilarity: preempt
//  5. otherwise the ambiguous band, which refines unless configured not to
func (a *Arbiter) Classify(input string, plan *types.ActivePlan) Decision {
	entities := ExtractEntities(input)

	if plan == nil {
		return Decision{
			Kind:   KindPreempt,
			Seed:   &Seed{Goal: input, Entities: entities},
			Reason: ReasonNoActivePlan,
		}
	}

	overlap := Overlap(entities, plan.Entities)
	similarity := Similarity(input, plan.Goal)

	refine := func(reason string) Decision {
		return Decision{
			Kind:       KindRefine,
			Patch:      &Patch{AddStep: input, AddEntities: missing(entities, plan)},
			Similarity: similarity,
			Overlap:    overlap,
			Reason:     reason,
		}
	}
	preempt := func(reason string) Decision {
		return Decision{
			Kind:       KindPreempt,
			Seed:       &Seed{Goal: input, Entities: entities},
			Similarity: similarity,
			Overlap:    overlap,
			Reason:     reason,
		}
	}

	if isResubmission(input, plan) {
		return Decision{
			Kind:       KindRefine,
			Patch:      &Patch{NoOp: true},
			Similarity: similarity,
			Overlap:    overlap,
			Reason:     ReasonIdenticalInput,
		}
	}
	if overlap >= a.cfg.RefineOverlap {
		return refine(ReasonEntityOverlap)
	}
	if a.hasContinuationMarker(input) {
		return refine(ReasonContinuationMarker)
	}
	if similarity < a.cfg.PreemptSimilarity {
		return preempt(ReasonLowSimilarity)
	}
	if a.cfg.AmbiguousRefines {
		return refine(ReasonAmbiguousRefine)
	}
	return preempt(ReasonAmbiguousPreempt)
}

// Overlap is the fraction of input entities also present in the plan. An
// empty input entity set scores 0 so the similarity rule decides.
func Overlap(input, plan []string) float64 {
	if len(input) == 0 || len(plan) == 0 {
		return 0
	}
	have := make(map[string]struct{}, len(plan))
	for _, e := range plan {
		have[e] = struct{}{}
	}
	shared := 0
	for _, e := range input {
		if _, ok := have[e]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(input))
}

func (a *Arbiter) hasContinuationMarker(input string) bool {
	for _, w := range wordRe.FindAllString(strings.ToLower(input), -1) {
		if _, ok := a.markers[w]; ok {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimRight(strings.TrimSpace(s), ".!?"))), " ")
}

func isResubmission(input string, plan *types.ActivePlan) bool {
	n := normalize(input)
	if n == "" {
		return false
	}
	if n == normalize(plan.Goal) {
		return true
	}
	for _, step := range plan.Steps {
		if n == normalize(step) {
			return true
		}
	}
	return false
}

func missing(entities []string, plan *types.ActivePlan) []string {
	var out []string
	for _, e := range entities {
		if !plan.HasEntity(e) {
			out = append(out, e)
		}
	}
	return out
}
