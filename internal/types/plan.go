package types

import "time"

// ActivePlan is the currently committed multi-step goal.
type ActivePlan struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Steps     []string  `json:"steps"`
	Entities  []string  `json:"entities"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can't mutate shared slices.
func (p *ActivePlan) Clone() *ActivePlan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = append([]string(nil), p.Steps...)
	c.Entities = append([]string(nil), p.Entities...)
	return &c
}

// HasEntity reports whether the plan references the given normalized entity.
func (p *ActivePlan) HasEntity(e string) bool {
	if p == nil {
		return false
	}
	for _, have := range p.Entities {
		if have == e {
			return true
		}
	}
	return false
}
