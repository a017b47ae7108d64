// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/devblok/mipstream/device"
)

type mockEvictor struct {
	mock.Mock
}

func (m *mockEvictor) RequestEviction(tex *Texture) {
	m.Called(tex)
}

func newTestPool(t *testing.T, cfg PoolConfig) (*Pool, *Stats, *LRUPolicy, *device.Memory) {
	t.Helper()
	if cfg.HighWatermark == 0 {
		cfg.HighWatermark, cfg.LowWatermark = 0.95, 0.8
	}
	policy, err := NewLRUPolicy(64)
	require.NoError(t, err)
	dev := device.NewMemory(0, device.Capabilities{})
	stats := NewStats()
	return NewPool(cfg, dev, stats, policy, testLogger()), stats, policy, dev
}

// streamedTexture makes a texture whose finer mips are resident in a
// non persistent item of p.
func streamedTexture(t *testing.T, p *Pool, name string, size int64) *Texture {
	t.Helper()
	tex := NewTexture(name)
	tex.mips, tex.persistentMips = 9, 2
	item, err := p.Acquire(AcquireRequest{Size: size, Mips: 9, Owner: tex, Synchronous: true})
	require.NoError(t, err)
	tex.bind(item, 0)
	return tex
}

func TestSizeClass(t *testing.T) {
	cases := []struct {
		size  int64
		class int64
	}{
		{1, MinSizeClass},
		{MinSizeClass, MinSizeClass},
		{MinSizeClass + 1, 2 * MinSizeClass},
		{5460, 8 << 10},
		{1 << 20, 1 << 20},
		{(1 << 20) + 1, 2 << 20},
	}
	for _, c := range cases {
		assert.Equal(t, c.class, SizeClass(c.size), "size %d", c.size)
	}
}

func TestPoolReusesFreeItems(t *testing.T) {
	p, stats, _, dev := newTestPool(t, PoolConfig{Budget: 1 << 20})
	owner := NewTexture("owner")

	item, err := p.Acquire(AcquireRequest{Size: 5000, Mips: 3, Owner: owner})
	require.NoError(t, err)
	assert.Equal(t, int64(8<<10), item.Size())
	assert.Equal(t, 3, item.Mips())
	assert.Same(t, owner, item.Owner())
	assert.Equal(t, int64(8<<10), stats.Snapshot().PoolBound)

	p.Release(item)
	assert.Nil(t, item.Owner())
	assert.Zero(t, stats.Snapshot().PoolBound)
	assert.Equal(t, int64(8<<10), p.FreeBytes())
	assert.Equal(t, 1, p.FreeItems())

	again, err := p.Acquire(AcquireRequest{Size: 8000, Mips: 1, Owner: owner})
	require.NoError(t, err)
	assert.Same(t, item, again)
	assert.Equal(t, 1, dev.Blocks())
	assert.Zero(t, p.FreeItems())
}

func TestPoolReleaseTwicePanics(t *testing.T) {
	p, _, _, _ := newTestPool(t, PoolConfig{Budget: 1 << 20})
	item, err := p.Acquire(AcquireRequest{Size: 1, Owner: NewTexture("owner")})
	require.NoError(t, err)
	p.Release(item)
	assert.Panics(t, func() { p.Release(item) })
}

func TestPoolInvalidAcquire(t *testing.T) {
	p, _, _, _ := newTestPool(t, PoolConfig{Budget: 1 << 20})
	_, err := p.Acquire(AcquireRequest{Size: 0, Owner: NewTexture("owner")})
	assert.Error(t, err)
	_, err = p.Acquire(AcquireRequest{Size: 1})
	assert.Error(t, err)
}

func TestPoolBudget(t *testing.T) {
	p, stats, _, _ := newTestPool(t, PoolConfig{Budget: 64 << 10})
	owner := NewTexture("owner")

	big, err := p.Acquire(AcquireRequest{Size: 64 << 10, Owner: owner})
	require.NoError(t, err)

	_, err = p.Acquire(AcquireRequest{Size: 1, Owner: owner})
	assert.Equal(t, ErrPoolExhausted, errors.Cause(err))
	assert.Equal(t, int64(1), stats.Snapshot().AllocFails)

	// persistent storage does not count against the budget
	tail, err := p.Acquire(AcquireRequest{Size: 1, Owner: owner, Persistent: true})
	require.NoError(t, err)
	assert.Equal(t, int64(MinSizeClass), stats.Snapshot().PoolBoundPersistent)

	// free storage of other classes is collected to make room
	p.Release(big)
	item, err := p.Acquire(AcquireRequest{Size: 32 << 10, Owner: owner})
	require.NoError(t, err)
	assert.Zero(t, p.FreeBytes())
	assert.Equal(t, int64(32<<10+MinSizeClass), stats.Snapshot().PoolInUse)

	p.Release(item)
	p.Release(tail)
	assert.Zero(t, stats.Snapshot().PoolBound)
	assert.Zero(t, stats.Snapshot().PoolBoundPersistent)
}

func TestPoolAllowance(t *testing.T) {
	p, stats, _, _ := newTestPool(t, PoolConfig{Budget: 1 << 20, MaxAllocBytesPerFrame: 16 << 10})
	owner := NewTexture("owner")

	_, err := p.Acquire(AcquireRequest{Size: 16 << 10, Owner: owner})
	require.NoError(t, err)
	_, err = p.Acquire(AcquireRequest{Size: MinSizeClass, Owner: owner})
	assert.Equal(t, ErrAllocationDeferred, err)

	_, err = p.Acquire(AcquireRequest{Size: MinSizeClass, Owner: owner, Synchronous: true})
	assert.NoError(t, err)

	// pacing is not an allocation failure
	p.EndFrame()
	assert.Zero(t, stats.Snapshot().AllocFails)
	assert.False(t, p.UnderPressure())
	_, err = p.Acquire(AcquireRequest{Size: MinSizeClass, Owner: owner})
	assert.NoError(t, err)
}

func TestPoolProposesVictim(t *testing.T) {
	p, _, policy, _ := newTestPool(t, PoolConfig{Budget: 64 << 10})
	evictor := &mockEvictor{}
	p.SetEvictor(evictor)

	old := streamedTexture(t, p, "old", 32<<10)
	recent := streamedTexture(t, p, "recent", 32<<10)
	policy.Touch(old)
	policy.Touch(recent)

	wants := NewTexture("wants")
	policy.Touch(wants)
	evictor.On("RequestEviction", old).Once()

	_, err := p.Acquire(AcquireRequest{Size: 16 << 10, Owner: wants})
	assert.Equal(t, ErrPoolExhausted, errors.Cause(err))
	evictor.AssertExpectations(t)

	// textures being streamed are not proposed
	old.slot.Store(3)
	evictor.On("RequestEviction", recent).Once()
	_, err = p.Acquire(AcquireRequest{Size: 16 << 10, Owner: wants})
	assert.Error(t, err)
	evictor.AssertExpectations(t)
}

func TestPoolPressure(t *testing.T) {
	p, stats, _, _ := newTestPool(t, PoolConfig{Budget: 64 << 10, HighWatermark: 0.75, LowWatermark: 0.5})
	owner := NewTexture("owner")

	a, err := p.Acquire(AcquireRequest{Size: 32 << 10, Owner: owner})
	require.NoError(t, err)
	p.EndFrame()
	assert.False(t, p.UnderPressure())

	b, err := p.Acquire(AcquireRequest{Size: 32 << 10, Owner: owner})
	require.NoError(t, err)
	p.EndFrame()
	assert.True(t, p.UnderPressure())

	stats.SetOutOfMemory(true)
	p.Release(b)
	p.EndFrame()
	assert.False(t, p.UnderPressure())
	// still at the low watermark
	assert.True(t, stats.OutOfMemory())

	_, err = p.Acquire(AcquireRequest{Size: 64 << 10, Owner: owner})
	assert.Error(t, err)
	p.EndFrame()
	assert.True(t, p.UnderPressure())

	p.Release(a)
	p.EndFrame()
	assert.False(t, p.UnderPressure())
	assert.False(t, stats.OutOfMemory())
}

func TestPoolGarbageCollect(t *testing.T) {
	p, stats, _, dev := newTestPool(t, PoolConfig{Budget: 1 << 20})
	owner := NewTexture("owner")
	var items []*PoolItem
	for _, size := range []int64{4 << 10, 8 << 10, 16 << 10, 32 << 10} {
		item, err := p.Acquire(AcquireRequest{Size: size, Owner: owner})
		require.NoError(t, err)
		items = append(items, item)
	}
	for _, item := range items {
		p.Release(item)
	}
	assert.Equal(t, int64(60<<10), p.FreeBytes())

	assert.Equal(t, int64(32<<10), p.GarbageCollect(28<<10))
	assert.Equal(t, int64(28<<10), p.FreeBytes())
	assert.Zero(t, p.GarbageCollect(28<<10))

	p.Close()
	assert.Zero(t, p.FreeBytes())
	assert.Zero(t, stats.Snapshot().PoolInUse)
	assert.Zero(t, dev.Allocated())
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	p, stats, _, _ := newTestPool(t, PoolConfig{Budget: 8 << 20})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			owner := NewTexture("owner")
			for i := 0; i < 500; i++ {
				size := int64(MinSizeClass << uint((g+i)%6))
				item, err := p.Acquire(AcquireRequest{Size: size, Owner: owner, Persistent: i%3 == 0})
				if !assert.NoError(t, err) {
					return
				}
				p.Release(item)
			}
		}(g)
	}
	wg.Wait()

	snap := stats.Snapshot()
	assert.Zero(t, snap.PoolBound)
	assert.Zero(t, snap.PoolBoundPersistent)
	assert.Equal(t, snap.PoolInUse, p.FreeBytes())
}

func BenchmarkPoolAcquireRelease(b *testing.B) {
	policy, _ := NewLRUPolicy(16)
	p := NewPool(PoolConfig{Budget: 1 << 30}, device.NewMemory(0, device.Capabilities{}), NewStats(), policy, testLogger())
	owner := NewTexture("owner")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		item, err := p.Acquire(AcquireRequest{Size: 64 << 10, Owner: owner})
		if err != nil {
			b.Fatal(err)
		}
		p.Release(item)
	}
}
