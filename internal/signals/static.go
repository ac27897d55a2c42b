package signals

import (
	"context"
	"sync"
	"time"

	"hybridexec/internal/types"
)

// StaticFeed is a settable feed. Tests and the simulate mode drive it
// directly; every setter publishes the new snapshot to subscribers.
type StaticFeed struct {
	mu   sync.RWMutex
	snap types.ResourceSnapshot
	bc   broadcaster
	now  func() time.Time
}

// NewStaticFeed creates a feed holding the given snapshot.
func NewStaticFeed(initial types.ResourceSnapshot) *StaticFeed {
	f := &StaticFeed{snap: initial, now: time.Now}
	if f.snap.TakenAt.IsZero() {
		f.snap.TakenAt = f.now()
	}
	return f
}

// NewNominalFeed returns a feed with cool thermals, normal pressure, the
// given free memory and a reachable network.
func NewNominalFeed(available uint64) *StaticFeed {
	return NewStaticFeed(types.ResourceSnapshot{
		Thermal:          types.ThermalNominal,
		MemoryPressure:   types.MemoryNormal,
		AvailableMemory:  available,
		NetworkReachable: true,
	})
}

func (f *StaticFeed) CurrentThermalLevel() types.ThermalLevel {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap.Thermal
}

func (f *StaticFeed) CurrentMemoryPressure() types.MemoryPressure {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap.MemoryPressure
}

func (f *StaticFeed) IsNetworkReachable() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap.NetworkReachable
}

func (f *StaticFeed) Snapshot() types.ResourceSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap
}

func (f *StaticFeed) Subscribe(ctx context.Context) <-chan types.ResourceSnapshot {
	return f.bc.subscribe(ctx)
}

// Subscribers returns the number of live subscriptions.
func (f *StaticFeed) Subscribers() int {
	return f.bc.subscribers()
}

// Set replaces the whole snapshot.
func (f *StaticFeed) Set(snap types.ResourceSnapshot) {
	f.update(func(s *types.ResourceSnapshot) { *s = snap })
}

// SetThermal updates the thermal level.
func (f *StaticFeed) SetThermal(level types.ThermalLevel) {
	f.update(func(s *types.ResourceSnapshot) { s.Thermal = level })
}

// SetMemoryPressure updates the memory pressure level.
func (f *StaticFeed) SetMemoryPressure(p types.MemoryPressure) {
	f.update(func(s *types.ResourceSnapshot) { s.MemoryPressure = p })
}

// SetAvailableMemory updates available memory in bytes.
func (f *StaticFeed) SetAvailableMemory(bytes uint64) {
	f.update(func(s *types.ResourceSnapshot) { s.AvailableMemory = bytes })
}

// SetNetworkReachable updates reachability.
func (f *StaticFeed) SetNetworkReachable(ok bool) {
	f.update(func(s *types.ResourceSnapshot) { s.NetworkReachable = ok })
}

func (f *StaticFeed) update(mutate func(*types.ResourceSnapshot)) {
	f.mu.Lock()
	mutate(&f.snap)
	f.snap.TakenAt = f.now()
	snap := f.snap
	f.mu.Unlock()
	f.bc.publish(snap)
}
