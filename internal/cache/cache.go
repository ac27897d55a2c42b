// Package cache owns the loaded inference runtimes. It performs admission
// against a resource snapshot, evicts least-recently-used idle handles at
// capacity and proactively frees handles that sit idle.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hybridexec/internal/engine"
	"hybridexec/internal/logging"
	"hybridexec/internal/types"
)

// Config bounds the cache.
type Config struct {
	Capacity      int           // Resident handles, default 2
	IdleThreshold time.Duration // Default idle eviction threshold
	OSReserve     uint64        // Bytes added to every local footprint
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:      2,
		IdleThreshold: 30 * time.Second,
		OSReserve:     1 << 30,
	}
}

// Handle is a loaded runtime bound to one descriptor. Its in-use flag and
// timestamps are owned by the cache.
type Handle struct {
	id       string
	desc     types.ModelDescriptor
	engine   engine.Engine
	loadedAt time.Time
	lastUsed time.Time
	inUse    bool
	elem     *list.Element
}

// ID returns the handle id.
func (h *Handle) ID() string { return h.id }

// Descriptor returns the bound model descriptor.
func (h *Handle) Descriptor() types.ModelDescriptor { return h.desc }

// Engine returns the runtime.
func (h *Handle) Engine() engine.Engine { return h.engine }

// HandleInfo is a read-only copy of a handle's state.
type HandleInfo struct {
	ID       string    `json:"id"`
	Model    string    `json:"model"`
	Backend  string    `json:"backend"`
	InUse    bool      `json:"in_use"`
	LoadedAt time.Time `json:"loaded_at"`
	LastUsed time.Time `json:"last_used"`
}

// Occupancy summarizes the cache for status surfaces.
type Occupancy struct {
	Resident int          `json:"resident"`
	InUse    int          `json:"in_use"`
	Capacity int          `json:"capacity"`
	Handles  []HandleInfo `json:"handles"`
}

// Stats are cumulative counters.
type Stats struct {
	Hits          int64            `json:"hits"`
	Misses        int64            `json:"misses"`
	Evictions     int64            `json:"evictions"`
	IdleEvictions int64            `json:"idle_evictions"`
	Rejections    map[string]int64 `json:"rejections"`
}

// Cache is the runtime cache. All mutations go through its mutex.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	factory engine.Factory
	byKey   map[string]*Handle
	lru     *list.List // front = most recently used
	closed  bool
	now     func() time.Time

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	idleEvictions atomic.Int64
	rejections    sync.Map // reason -> *atomic.Int64
}

// New creates a cache that builds handles through factory.
func New(cfg Config, factory engine.Factory) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultConfig().IdleThreshold
	}
	logging.Cache("Runtime cache initialized: capacity=%d idle=%v os_reserve=%dMB",
		cfg.Capacity, cfg.IdleThreshold, cfg.OSReserve>>20)
	return &Cache{
		cfg:     cfg,
		factory: factory,
		byKey:   make(map[string]*Handle),
		lru:     list.New(),
		now:     time.Now,
	}
}

// Admit runs the admission checks alone, without touching the cache.
func (c *Cache) Admit(desc types.ModelDescriptor, snap types.ResourceSnapshot, tier types.Tier) error {
	if desc.Backend == types.BackendRemote {
		return nil
	}
	if snap.Thermal >= types.ThermalSerious && tier != types.TierSystemCritical {
		return &AdmissionError{Reason: ErrThermalLimit, Model: desc.Key(),
			Detail: fmt.Sprintf("thermal %s, tier %s", snap.Thermal, tier)}
	}
	if snap.MemoryPressure == types.MemoryCritical {
		return &AdmissionError{Reason: ErrMemoryPressure, Model: desc.Key()}
	}
	if need := desc.Footprint(c.cfg.OSReserve); need > snap.AvailableMemory {
		return &AdmissionError{Reason: ErrInsufficientMemory, Model: desc.Key(),
			Detail: fmt.Sprintf("need %dMB, available %dMB", need>>20, snap.AvailableMemory>>20)}
	}
	return nil
}

// Acquire admits the descriptor against snap and returns a resident handle
// marked in use. It never blocks: when every resident handle is in use and the
// cache is full it returns an AdmissionError with ErrBusy.
func (c *Cache) Acquire(desc types.ModelDescriptor, snap types.ResourceSnapshot, tier types.Tier) (*Handle, error) {
	if err := c.Admit(desc, snap, tier); err != nil {
		c.reject(err)
		logging.CacheWarn("Admission rejected: %v", err)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	now := c.now()
	key := desc.Key()
	if h, ok := c.byKey[key]; ok {
		if h.inUse {
			err := &AdmissionError{Reason: ErrBusy, Model: key, Detail: "handle already executing"}
			c.reject(err)
			return nil, err
		}
		h.inUse = true
		h.lastUsed = now
		c.lru.MoveToFront(h.elem)
		c.hits.Add(1)
		logging.CacheDebug("Cache hit for %s (handle %s)", key, h.id)
		return h, nil
	}
	c.misses.Add(1)

	if len(c.byKey) >= c.cfg.Capacity {
		victim := c.lruIdleLocked()
		if victim == nil {
			err := &AdmissionError{Reason: ErrBusy, Model: key,
				Detail: fmt.Sprintf("all %d handles in use", len(c.byKey))}
			c.reject(err)
			logging.CacheWarn("Cache full, nothing evictable for %s", key)
			return nil, err
		}
		c.removeLocked(victim)
		c.evictions.Add(1)
		logging.Cache("Evicted LRU handle %s (%s) to make room for %s", victim.id, victim.desc.Key(), key)
	}

	eng, err := c.factory.NewEngine(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to construct runtime for %s: %w", key, err)
	}
	h := &Handle{
		id:       uuid.NewString(),
		desc:     desc,
		engine:   eng,
		loadedAt: now,
		lastUsed: now,
		inUse:    true,
	}
	h.elem = c.lru.PushFront(h)
	c.byKey[key] = h
	logging.Cache("Loaded handle %s for %s (resident=%d)", h.id, key, len(c.byKey))
	return h, nil
}

// lruIdleLocked walks from the least recently used end and returns the first
// handle not in use.
func (c *Cache) lruIdleLocked() *Handle {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		if h := e.Value.(*Handle); !h.inUse {
			return h
		}
	}
	return nil
}

func (c *Cache) removeLocked(h *Handle) {
	c.lru.Remove(h.elem)
	delete(c.byKey, h.desc.Key())
	if err := h.engine.Close(); err != nil {
		logging.CacheWarn("Closing handle %s failed: %v", h.id, err)
	}
}

// Release marks the handle idle and stamps its last use.
func (c *Cache) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.byKey[h.desc.Key()]
	if !ok || cur != h {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.id)
	}
	h.inUse = false
	h.lastUsed = c.now()
	logging.CacheDebug("Released handle %s (%s)", h.id, h.desc.Key())
	return nil
}

// EvictIdle frees every handle that is not in use and has been idle longer
// than threshold. It returns the evicted model keys.
func (c *Cache) EvictIdle(threshold time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var evicted []string
	for e := c.lru.Back(); e != nil; {
		prev := e.Prev()
		h := e.Value.(*Handle)
		if !h.inUse && now.Sub(h.lastUsed) > threshold {
			c.removeLocked(h)
			c.idleEvictions.Add(1)
			evicted = append(evicted, h.desc.Key())
		}
		e = prev
	}
	if len(evicted) > 0 {
		logging.Cache("Idle eviction freed %d handle(s): %v", len(evicted), evicted)
	}
	return evicted
}

// Unload frees the handle for key immediately unless it is in use.
func (c *Cache) Unload(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byKey[key]
	if !ok {
		return nil
	}
	if h.inUse {
		return fmt.Errorf("%w: %s", ErrInUse, key)
	}
	c.removeLocked(h)
	logging.Cache("Unloaded %s", key)
	return nil
}

// Occupancy returns a copy of the resident handles, most recent first.
func (c *Cache) Occupancy() Occupancy {
	c.mu.Lock()
	defer c.mu.Unlock()
	occ := Occupancy{Resident: len(c.byKey), Capacity: c.cfg.Capacity}
	for e := c.lru.Front(); e != nil; e = e.Next() {
		h := e.Value.(*Handle)
		if h.inUse {
			occ.InUse++
		}
		occ.Handles = append(occ.Handles, HandleInfo{
			ID:       h.id,
			Model:    h.desc.Name,
			Backend:  string(h.desc.Backend),
			InUse:    h.inUse,
			LoadedAt: h.loadedAt,
			LastUsed: h.lastUsed,
		})
	}
	return occ
}

// Stats returns cumulative counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		IdleEvictions: c.idleEvictions.Load(),
		Rejections:    make(map[string]int64),
	}
	c.rejections.Range(func(k, v any) bool {
		s.Rejections[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return s
}

func (c *Cache) reject(err error) {
	ae, ok := err.(*AdmissionError)
	if !ok {
		return
	}
	v, _ := c.rejections.LoadOrStore(ae.Code(), new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// Run calls EvictIdle every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval, threshold time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if threshold <= 0 {
		threshold = c.cfg.IdleThreshold
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logging.CacheDebug("Idle janitor started: interval=%v threshold=%v", interval, threshold)
	for {
		select {
		case <-ctx.Done():
			logging.CacheDebug("Idle janitor stopped")
			return nil
		case <-ticker.C:
			c.EvictIdle(threshold)
		}
	}
}

// Close frees every handle. Later Acquire calls return ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for e := c.lru.Front(); e != nil; {
		next := e.Next()
		c.removeLocked(e.Value.(*Handle))
		e = next
	}
	logging.Cache("Runtime cache closed")
	return nil
}
