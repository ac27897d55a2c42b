package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hybridexec/internal/engine"
	"hybridexec/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const gb = uint64(1) << 30

type fakeFactory struct {
	mu      sync.Mutex
	engines map[string]*engine.SimulatedEngine
	built   int
	fail    error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{engines: make(map[string]*engine.SimulatedEngine)}
}

func (f *fakeFactory) NewEngine(desc types.ModelDescriptor) (engine.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.built++
	e := engine.NewSimulatedEngine(desc, engine.SimulatedConfig{Chunks: 1})
	f.engines[desc.Key()] = e
	return e, nil
}

func local(name string, base uint64) types.ModelDescriptor {
	return types.ModelDescriptor{Name: name, Backend: types.BackendLocal, ContextWindow: 1024, BaseCostBytes: base, BytesPerToken: 1024}
}

func remote(name string) types.ModelDescriptor {
	return types.ModelDescriptor{Name: name, Backend: types.BackendRemote}
}

func roomy() types.ResourceSnapshot {
	return types.ResourceSnapshot{AvailableMemory: 64 * gb, NetworkReachable: true}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(t *testing.T, capacity int) (*Cache, *fakeFactory, *clock) {
	t.Helper()
	f := newFakeFactory()
	c := New(Config{Capacity: capacity, IdleThreshold: 30 * time.Second, OSReserve: gb}, f)
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = clk.now
	t.Cleanup(func() { _ = c.Close() })
	return c, f, clk
}

func TestAdmission(t *testing.T) {
	c, _, _ := newTestCache(t, 2)
	small := local("small", 2*gb)

	tests := []struct {
		name string
		desc types.ModelDescriptor
		snap types.ResourceSnapshot
		tier types.Tier
		want error
	}{
		{"nominal admits", small, roomy(), types.TierUserInitiated, nil},
		{"serious thermal rejects user", small, types.ResourceSnapshot{Thermal: types.ThermalSerious, AvailableMemory: 64 * gb}, types.TierUserInitiated, ErrThermalLimit},
		{"critical thermal rejects background", small, types.ResourceSnapshot{Thermal: types.ThermalCritical, AvailableMemory: 64 * gb}, types.TierBackground, ErrThermalLimit},
		{"serious thermal admits systemCritical", small, types.ResourceSnapshot{Thermal: types.ThermalSerious, AvailableMemory: 64 * gb}, types.TierSystemCritical, nil},
		{"fair thermal admits", small, types.ResourceSnapshot{Thermal: types.ThermalFair, AvailableMemory: 64 * gb}, types.TierBackground, nil},
		{"critical memory pressure", small, types.ResourceSnapshot{MemoryPressure: types.MemoryCritical, AvailableMemory: 64 * gb}, types.TierSystemCritical, ErrMemoryPressure},
		{"warning memory pressure admits", small, types.ResourceSnapshot{MemoryPressure: types.MemoryWarning, AvailableMemory: 64 * gb}, types.TierBackground, nil},
		{"footprint over available", local("huge", 19*gb), types.ResourceSnapshot{AvailableMemory: 6 * gb}, types.TierUserInitiated, ErrInsufficientMemory},
		{"os reserve counts", local("edge", 5*gb), types.ResourceSnapshot{AvailableMemory: 6 * gb}, types.TierUserInitiated, ErrInsufficientMemory},
		{"remote skips admission", remote("gemini"), types.ResourceSnapshot{Thermal: types.ThermalCritical, MemoryPressure: types.MemoryCritical}, types.TierBackground, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Admit(tt.desc, tt.snap, tt.tier)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsAdmission(err))
		})
	}
}

// Scenario D: a 20 GB model against 6 GB available.
func TestAcquire_InsufficientMemory(t *testing.T) {
	c, f, _ := newTestCache(t, 2)
	big := local("big", 19*gb) // + 1 GiB reserve + 1 MiB context = ~20 GB
	_, err := c.Acquire(big, types.ResourceSnapshot{AvailableMemory: 6 * gb}, types.TierUserInitiated)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientMemory)

	var ae *AdmissionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "insufficientMemory", ae.Code())
	assert.Equal(t, 0, f.built, "admission runs before any construction")
	assert.Equal(t, int64(1), c.Stats().Rejections["insufficientMemory"])

	h, err := c.Acquire(remote("gemini"), types.ResourceSnapshot{AvailableMemory: 6 * gb}, types.TierUserInitiated)
	require.NoError(t, err)
	assert.Equal(t, types.BackendRemote, h.Engine().Backend())
	require.NoError(t, c.Release(h))
}

// Scenario E: capacity 2, both in use, third model requested.
func TestAcquire_BusyWhenAllInUse(t *testing.T) {
	c, f, _ := newTestCache(t, 2)
	h1, err := c.Acquire(local("a", gb), roomy(), types.TierUserInitiated)
	require.NoError(t, err)
	h2, err := c.Acquire(local("b", gb), roomy(), types.TierUserInitiated)
	require.NoError(t, err)

	_, err = c.Acquire(local("c", gb), roomy(), types.TierSystemCritical)
	assert.ErrorIs(t, err, ErrBusy)

	occ := c.Occupancy()
	assert.Equal(t, 2, occ.Resident)
	assert.Equal(t, 2, occ.InUse)
	assert.False(t, f.engines["local:a"].Closed())
	assert.False(t, f.engines["local:b"].Closed())

	require.NoError(t, c.Release(h1))
	require.NoError(t, c.Release(h2))
}

func TestAcquire_HitReusesHandle(t *testing.T) {
	c, f, clk := newTestCache(t, 2)
	h1, err := c.Acquire(local("a", gb), roomy(), types.TierBackground)
	require.NoError(t, err)
	require.NoError(t, c.Release(h1))
	clk.advance(time.Second)

	h2, err := c.Acquire(local("a", gb), roomy(), types.TierBackground)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, f.built)
	assert.Equal(t, int64(1), c.Stats().Hits)
	assert.Equal(t, int64(1), c.Stats().Misses)

	_, err = c.Acquire(local("a", gb), roomy(), types.TierBackground)
	assert.ErrorIs(t, err, ErrBusy, "a resident handle already executing is not shared")
	require.NoError(t, c.Release(h2))
}

func TestAcquire_EvictsLeastRecentlyUsedIdle(t *testing.T) {
	c, f, clk := newTestCache(t, 2)
	ha, _ := c.Acquire(local("a", gb), roomy(), types.TierBackground)
	clk.advance(time.Second)
	hb, _ := c.Acquire(local("b", gb), roomy(), types.TierBackground)
	require.NoError(t, c.Release(ha))
	require.NoError(t, c.Release(hb))

	// Touch a so b becomes least recently used.
	clk.advance(time.Second)
	ha, _ = c.Acquire(local("a", gb), roomy(), types.TierBackground)
	require.NoError(t, c.Release(ha))

	hc, err := c.Acquire(local("c", gb), roomy(), types.TierBackground)
	require.NoError(t, err)
	assert.True(t, f.engines["local:b"].Closed())
	assert.False(t, f.engines["local:a"].Closed())
	assert.Equal(t, int64(1), c.Stats().Evictions)

	// P4: the in-use handle c and idle a; requesting d evicts a, never c.
	_, err = c.Acquire(local("d", gb), roomy(), types.TierBackground)
	require.NoError(t, err)
	assert.True(t, f.engines["local:a"].Closed())
	assert.False(t, f.engines["local:c"].Closed())
	require.NoError(t, c.Release(hc))
}

func TestEvictIdle(t *testing.T) {
	c, f, clk := newTestCache(t, 2)
	ha, _ := c.Acquire(local("a", gb), roomy(), types.TierBackground)
	hb, _ := c.Acquire(local("b", gb), roomy(), types.TierBackground)
	require.NoError(t, c.Release(ha))

	clk.advance(31 * time.Second)
	evicted := c.EvictIdle(30 * time.Second)
	assert.Equal(t, []string{"local:a"}, evicted)
	assert.True(t, f.engines["local:a"].Closed())
	assert.False(t, f.engines["local:b"].Closed(), "in-use handles are never evicted")

	require.NoError(t, c.Release(hb))
	assert.Empty(t, c.EvictIdle(30*time.Second), "just released")
	clk.advance(30 * time.Second)
	assert.Empty(t, c.EvictIdle(30*time.Second), "strictly greater than threshold")
	clk.advance(time.Millisecond)
	assert.Equal(t, []string{"local:b"}, c.EvictIdle(30*time.Second))
	assert.Equal(t, int64(2), c.Stats().IdleEvictions)
	assert.Equal(t, 0, c.Occupancy().Resident)
}

func TestReleaseUnknown(t *testing.T) {
	c, _, _ := newTestCache(t, 1)
	h, _ := c.Acquire(local("a", gb), roomy(), types.TierBackground)
	require.NoError(t, c.Release(h))
	require.NoError(t, c.Unload("local:a"))
	assert.ErrorIs(t, c.Release(h), ErrUnknownHandle)
	assert.NoError(t, c.Release(nil))
}

func TestUnloadInUse(t *testing.T) {
	c, _, _ := newTestCache(t, 1)
	h, _ := c.Acquire(local("a", gb), roomy(), types.TierBackground)
	assert.ErrorIs(t, c.Unload("local:a"), ErrInUse)
	require.NoError(t, c.Release(h))
	assert.NoError(t, c.Unload("local:a"))
	assert.NoError(t, c.Unload("local:missing"))
}

func TestFactoryFailure(t *testing.T) {
	c, f, _ := newTestCache(t, 1)
	f.fail = errors.New("no such model")
	_, err := c.Acquire(local("a", gb), roomy(), types.TierBackground)
	require.Error(t, err)
	assert.False(t, IsAdmission(err))
	assert.Equal(t, 0, c.Occupancy().Resident)
}

func TestClose(t *testing.T) {
	c, f, _ := newTestCache(t, 2)
	h, _ := c.Acquire(local("a", gb), roomy(), types.TierBackground)
	require.NoError(t, c.Close())
	assert.True(t, f.engines["local:a"].Closed())
	_, err := c.Acquire(local("a", gb), roomy(), types.TierBackground)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Release(h), ErrUnknownHandle)
	assert.NoError(t, c.Close())
}

func TestRunJanitor(t *testing.T) {
	f := newFakeFactory()
	c := New(Config{Capacity: 2, OSReserve: gb}, f)
	defer c.Close()

	h, _ := c.Acquire(local("a", gb), roomy(), types.TierBackground)
	require.NoError(t, c.Release(h))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, 5*time.Millisecond, time.Millisecond) }()

	require.Eventually(t, func() bool { return c.Occupancy().Resident == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	c, _, _ := newTestCache(t, 2)
	c.now = time.Now
	models := []types.ModelDescriptor{local("a", gb), local("b", gb), local("c", gb), remote("r")}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h, err := c.Acquire(models[(i+j)%len(models)], roomy(), types.TierUserInitiated)
				if err != nil {
					if !errors.Is(err, ErrBusy) {
						t.Errorf("unexpected error: %v", err)
					}
					continue
				}
				assert.False(t, h.Engine().(*engine.SimulatedEngine).Closed(), "handed out a closed engine")
				_ = c.Release(h)
			}
		}(i)
	}
	wg.Wait()
	occ := c.Occupancy()
	assert.LessOrEqual(t, occ.Resident, 2)
	assert.Equal(t, 0, occ.InUse)
}
