// Package policy is the authorization gate consulted before remote placement
// and before actions with side effects outside inference.
package policy

import (
	"fmt"
	"strings"
	"sync"

	"hybridexec/internal/config"
	"hybridexec/internal/logging"
	"hybridexec/internal/types"
)

// ActionKind names what is being authorized.
type ActionKind string

const (
	ActionRemotePlacement ActionKind = "remote_placement"
	ActionSideEffect      ActionKind = "side_effect"
)

// ActionContext describes the request asking for the action.
type ActionContext struct {
	RequestID string
	Tier      types.Tier
	Placement types.Placement
	Model     string
}

// Gate answers authorization questions. Implementations must be cheap and
// safe for concurrent use.
type Gate interface {
	IsActionAuthorized(kind ActionKind, ac ActionContext) bool
}

// Decision explains an evaluation.
type Decision struct {
	Allowed    bool
	ReasonCode string
	Rule       string
	Message    string
}

type rule struct {
	name      string
	effect    string
	reason    string
	action    string
	tier      string
	placement string
	model     string
}

// Engine evaluates yaml allow/deny rules in order; the first match wins,
// otherwise the default action applies.
type Engine struct {
	mu            sync.RWMutex
	defaultAction string
	rules         []rule
	noop          bool
}

// NewAllowAll returns an engine that authorizes everything.
func NewAllowAll() *Engine {
	return &Engine{defaultAction: "allow", noop: true}
}

// NewFromConfig builds an engine from an already resolved policy section.
func NewFromConfig(cfg config.PolicyConfig) *Engine {
	e := &Engine{}
	e.apply(cfg)
	return e
}

// Load resolves cfg (reading its external file, if any) and builds an engine.
func Load(cfg config.PolicyConfig) (*Engine, error) {
	resolved, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	if err := resolved.Validate(); err != nil {
		return nil, err
	}
	return NewFromConfig(resolved), nil
}

// Reload swaps in a new rule set. Invalid input leaves the current rules.
func (e *Engine) Reload(cfg config.PolicyConfig) error {
	resolved, err := cfg.Resolve()
	if err != nil {
		return err
	}
	if err := resolved.Validate(); err != nil {
		return err
	}
	e.apply(resolved)
	logging.Policy("Policy reloaded: default=%s rules=%d", e.defaultActionName(), len(resolved.Rules))
	return nil
}

func (e *Engine) apply(cfg config.PolicyConfig) {
	rules := make([]rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		effect := normalizeAction(r.Effect)
		if effect == "" {
			effect = "deny"
		}
		rules = append(rules, rule{
			name:      r.Name,
			effect:    effect,
			reason:    strings.TrimSpace(r.Reason),
			action:    strings.TrimSpace(r.Match.Action),
			tier:      normalizeTier(r.Match.Tier),
			placement: strings.TrimSpace(r.Match.Placement),
			model:     strings.TrimSpace(r.Match.Model),
		})
	}
	def := normalizeAction(cfg.DefaultAction)
	if def == "" {
		def = "allow"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
	e.defaultAction = def
	e.noop = def == "allow" && len(rules) == 0
}

func (e *Engine) defaultActionName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaultAction
}

// IsNoop reports whether the engine allows everything.
func (e *Engine) IsNoop() bool {
	if e == nil {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.noop
}

// IsActionAuthorized implements Gate.
func (e *Engine) IsActionAuthorized(kind ActionKind, ac ActionContext) bool {
	d := e.Evaluate(kind, ac)
	if !d.Allowed {
		logging.PolicyWarn("Denied %s for %s (tier=%s placement=%s model=%s): %s",
			kind, ac.RequestID, ac.Tier, ac.Placement, ac.Model, d.Message)
	}
	return d.Allowed
}

// Evaluate returns the full decision for an action.
func (e *Engine) Evaluate(kind ActionKind, ac ActionContext) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if !r.matches(kind, ac) {
			continue
		}
		reason := "policy_rule_" + r.effect
		if r.reason != "" {
			reason = r.reason
		}
		msg := reason
		if r.name != "" {
			msg = r.name + ": " + reason
		}
		return Decision{Allowed: r.effect == "allow", ReasonCode: reason, Rule: r.name, Message: msg}
	}
	if e.defaultAction == "deny" {
		return Decision{
			ReasonCode: "default_deny",
			Rule:       "default_action",
			Message:    fmt.Sprintf("%s denied by default_action=deny", kind),
		}
	}
	return Decision{
		Allowed:    true,
		ReasonCode: "default_allow",
		Rule:       "default_action",
		Message:    fmt.Sprintf("%s allowed by default_action=allow", kind),
	}
}

func (r rule) matches(kind ActionKind, ac ActionContext) bool {
	if r.action != "" && r.action != string(kind) {
		return false
	}
	if r.tier != "" && r.tier != ac.Tier.String() {
		return false
	}
	if r.placement != "" && r.placement != string(ac.Placement) {
		return false
	}
	if r.model != "" && r.model != ac.Model {
		return false
	}
	return true
}

func normalizeAction(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "allow":
		return "allow"
	case "deny":
		return "deny"
	default:
		return ""
	}
}

func normalizeTier(v string) string {
	if strings.TrimSpace(v) == "" {
		return ""
	}
	t, err := types.ParseTier(v)
	if err != nil {
		// An unknown tier can never match.
		return "invalid:" + v
	}
	return t.String()
}
