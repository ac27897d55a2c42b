// Package signals produces the resource readings that drive admission
// control and routing: thermal level, memory pressure, available memory and
// network reachability. Readings are handed out as value snapshots.
package signals

import (
	"context"
	"sync"

	"hybridexec/internal/types"
)

// Feed is a resource signal source. Every reading is synchronous; Subscribe
// additionally delivers a snapshot each time any signal changes.
type Feed interface {
	CurrentThermalLevel() types.ThermalLevel
	CurrentMemoryPressure() types.MemoryPressure
	IsNetworkReachable() bool
	Snapshot() types.ResourceSnapshot
	Subscribe(ctx context.Context) <-chan types.ResourceSnapshot
}

// broadcaster fans snapshots out to subscribers. Each subscriber channel has
// room for one value and always holds the latest; publishers never block.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan types.ResourceSnapshot]struct{}
}

func (b *broadcaster) subscribe(ctx context.Context) <-chan types.ResourceSnapshot {
	ch := make(chan types.ResourceSnapshot, 1)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan types.ResourceSnapshot]struct{})
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

func (b *broadcaster) publish(snap types.ResourceSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Replace the stale value.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// subscribers returns the current subscriber count.
func (b *broadcaster) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func changed(a, b types.ResourceSnapshot) bool {
	return a.Thermal != b.Thermal ||
		a.MemoryPressure != b.MemoryPressure ||
		a.NetworkReachable != b.NetworkReachable ||
		a.AvailableMemory != b.AvailableMemory
}
