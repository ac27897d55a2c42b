// Package plan holds the active plan and its archive. Refinements update the
// active plan in place; preemption archives the whole plan before seeding a
// new one, under a single lock, so no reader ever sees a half-replaced plan.
package plan

import (
	"sync"
	"time"

	"hybridexec/internal/arbiter"
	"hybridexec/internal/types"

	"github.com/google/uuid"
)

// Archived is a plan that was replaced by preemption.
type Archived struct {
	Plan       *types.ActivePlan `json:"plan"`
	ArchivedAt time.Time         `json:"archived_at"`
	ReplacedBy string            `json:"replaced_by"`
}

// Store owns the active plan.
type Store struct {
	mu         sync.RWMutex
	active     *types.ActivePlan
	archive    []Archived
	maxArchive int
	now        func() time.Time
}

// NewStore creates an empty store keeping at most maxArchive archived plans
// (0 means unbounded).
func NewStore(maxArchive int) *Store {
	return &Store{maxArchive: maxArchive, now: time.Now}
}

// Current returns a copy of the active plan, or nil.
func (s *Store) Current() *types.ActivePlan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Clone()
}

// Apply commits an arbitration decision and returns the resulting active
// plan plus the plan it replaced (nil unless the decision was a preempt of an
// existing plan).
func (s *Store) Apply(d arbiter.Decision) (current *types.ActivePlan, replaced *types.ActivePlan) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	switch d.Kind {
	case arbiter.KindRefine:
		if s.active == nil {
			break
		}
		if d.Patch != nil && !d.Patch.NoOp {
			if d.Patch.AddStep != "" {
				s.active.Steps = append(s.active.Steps, d.Patch.AddStep)
			}
			for _, e := range d.Patch.AddEntities {
				if !s.active.HasEntity(e) {
					s.active.Entities = append(s.active.Entities, e)
				}
			}
			s.active.UpdatedAt = now
		}
		return s.active.Clone(), nil

	case arbiter.KindPreempt:
		seed := d.Seed
		if seed == nil {
			seed = &arbiter.Seed{}
		}
		next := &types.ActivePlan{
			ID:        uuid.NewString(),
			Goal:      seed.Goal,
			Steps:     []string{seed.Goal},
			Entities:  append([]string(nil), seed.Entities...),
			CreatedAt: now,
			UpdatedAt: now,
		}
		old := s.active
		if old != nil {
			s.archive = append(s.archive, Archived{Plan: old, ArchivedAt: now, ReplacedBy: next.ID})
			if s.maxArchive > 0 && len(s.archive) > s.maxArchive {
				s.archive = append([]Archived(nil), s.archive[len(s.archive)-s.maxArchive:]...)
			}
		}
		s.active = next
		return next.Clone(), old.Clone()
	}
	return s.active.Clone(), nil
}

// Archive returns archived plans, oldest first.
func (s *Store) Archive() []Archived {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Archived, len(s.archive))
	for i, a := range s.archive {
		out[i] = Archived{Plan: a.Plan.Clone(), ArchivedAt: a.ArchivedAt, ReplacedBy: a.ReplacedBy}
	}
	return out
}

// Clear archives the active plan without seeding a replacement.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	s.archive = append(s.archive, Archived{Plan: s.active, ArchivedAt: s.now()})
	s.active = nil
}
