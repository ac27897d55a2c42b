package engine

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// =============================================================================
// SHADOW ROUTING CLASSIFIER
// =============================================================================

// Complexity is the coarse prompt difficulty used for placement.
type Complexity int

const (
	ComplexityLow Complexity = iota
	ComplexityHigh
)

func (c Complexity) String() string {
	if c == ComplexityHigh {
		return "high"
	}
	return "low"
}

// Assessment is the result of a classification pass.
type Assessment struct {
	Complexity Complexity `json:"complexity"`
	Score      float64    `json:"score"`
	Signals    []string   `json:"signals,omitempty"`
}

// Classifier scores prompt complexity cheaply, before any resources are
// committed.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (Assessment, error)
}

// HeuristicClassifier scores prompts lexically: length, multi-step phrasing,
// code and math markers.
type HeuristicClassifier struct {
	// Threshold is the score at or above which a prompt is high complexity.
	Threshold float64
	// LongPromptWords is the length that alone contributes a full point.
	LongPromptWords int
}

// NewHeuristicClassifier returns a classifier with default weights.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{Threshold: 0.5, LongPromptWords: 400}
}

var (
	codeMarkerRe = regexp.MustCompile("(?i)```|\\bfunc\\b|\\bclass\\b|\\bdef\\b|\\bimport\\b|\\brefactor\\b|\\bstack trace\\b|\\bcompile\\b|[{};]\\s*$")
	mathMarkerRe = regexp.MustCompile(`(?i)\bprove\b|\bderive\b|\bintegral\b|\bequation\b|\btheorem\b|[=^√∑∫]`)
	stepWords    = []string{"then", "after that", "step", "first", "finally", "plan", "compare", "analyze", "summarize all"}
)

// Classify implements Classifier. It never fails.
func (c *HeuristicClassifier) Classify(ctx context.Context, prompt string) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, err
	}
	threshold := c.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	long := c.LongPromptWords
	if long <= 0 {
		long = 400
	}

	lower := strings.ToLower(prompt)
	words := len(strings.Fields(prompt))
	signals := map[string]float64{}

	if lengthScore := float64(words) / float64(long); lengthScore > 0.05 {
		if lengthScore > 1 {
			lengthScore = 1
		}
		signals["length"] = lengthScore
	}

	steps := 0
	for _, w := range stepWords {
		if strings.Contains(lower, w) {
			steps++
		}
	}
	if steps > 0 {
		s := 0.15 * float64(steps)
		if s > 0.6 {
			s = 0.6
		}
		signals["multi_step"] = s
	}

	if codeMarkerRe.MatchString(prompt) {
		signals["code"] = 0.5
	}
	if mathMarkerRe.MatchString(prompt) {
		signals["math"] = 0.5
	}

	a := Assessment{Complexity: ComplexityLow}
	for name, v := range signals {
		a.Score += v
		a.Signals = append(a.Signals, name)
	}
	sort.Strings(a.Signals)
	if a.Score >= threshold {
		a.Complexity = ComplexityHigh
	}
	return a, nil
}

// StaticClassifier always returns the same complexity.
type StaticClassifier Complexity

// Classify implements Classifier.
func (s StaticClassifier) Classify(ctx context.Context, _ string) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, err
	}
	return Assessment{Complexity: Complexity(s)}, nil
}
