package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// PRIORITY TIERS
// =============================================================================

// Tier is the priority class of an execution request. Higher values win.
type Tier int

const (
	// TierBackground is for autonomous planning steps and maintenance work.
	TierBackground Tier = 0

	// TierUserInitiated is for prompts typed by the user.
	TierUserInitiated Tier = 1

	// TierSystemCritical is for safety and system-triggered work.
	TierSystemCritical Tier = 2
)

// AllTiers lists tiers from highest to lowest priority.
var AllTiers = []Tier{TierSystemCritical, TierUserInitiated, TierBackground}

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierBackground:
		return "background"
	case TierUserInitiated:
		return "userInitiated"
	case TierSystemCritical:
		return "systemCritical"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the declared tiers.
func (t Tier) Valid() bool {
	return t >= TierBackground && t <= TierSystemCritical
}

// Preempts reports whether a newly submitted request at tier t may cancel a
// running slot at tier running. systemCritical preempts any running slot,
// including another systemCritical one. userInitiated preempts only
// background, and background preempts nothing.
func (t Tier) Preempts(running Tier) bool {
	switch t {
	case TierSystemCritical:
		return running.Valid()
	case TierUserInitiated:
		return running == TierBackground
	default:
		return false
	}
}

// ParseTier accepts the canonical names plus a few aliases used by the CLI.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "background", "bg", "low":
		return TierBackground, nil
	case "userinitiated", "user_initiated", "user", "normal":
		return TierUserInitiated, nil
	case "systemcritical", "system_critical", "system", "critical":
		return TierSystemCritical, nil
	default:
		return TierBackground, fmt.Errorf("unknown tier %q", s)
	}
}

// MarshalJSON encodes the tier by name.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a tier name.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
