// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblok/mipstream/device"
)

func TestNewTexture(t *testing.T) {
	tex := NewTexture("new")
	assert.Equal(t, "new", tex.Name())
	assert.Equal(t, int32(1), tex.Refs())
	assert.Equal(t, MaxMipLevels, tex.MinMipUploaded())
	assert.Equal(t, InvalidStreamSlot, tex.StreamSlot())
	assert.True(t, tex.IsUnloaded())
	assert.False(t, tex.IsStreamed())
	assert.Nil(t, tex.PoolItem())
	assert.NotEqual(t, tex.ID(), NewTexture("other").ID())
}

func TestStreamableMipNumber(t *testing.T) {
	cases := []struct {
		mips, persistent, streamable int
	}{
		{9, 2, 7},
		{9, 9, 0},
		{1, 3, 0},
		{12, 5, 7},
	}
	for _, c := range cases {
		tex := NewTexture("tex")
		tex.mips, tex.persistentMips = c.mips, c.persistent
		assert.Equal(t, c.streamable, tex.StreamableMipNumber())
	}
}

func TestCalculateMip(t *testing.T) {
	tex := NewTexture("tex")
	tex.width, tex.height, tex.mips = 256, 256, 9
	cases := []struct {
		factor float32
		mip    int
	}{
		{0, 0},
		{factorFor(256, 0), 0},
		{factorFor(256, 3), 3},
		{factorFor(256, 3) * 3.9, 3},
		{factorFor(256, 8), 8},
		{1000, 8},
		{factorFor(256, 0) / 16, 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.mip, tex.CalculateMip(c.factor), "factor %v", c.factor)
	}
}

func TestTextureRefs(t *testing.T) {
	p, stats, _, _ := newTestPool(t, PoolConfig{Budget: 1 << 20})
	tex := NewTexture("tex")
	item, err := p.Acquire(AcquireRequest{Size: 1, Mips: 1, Owner: tex})
	require.NoError(t, err)
	tex.bind(item, 0)
	assert.False(t, tex.IsUnloaded())

	tex.AddRef()
	assert.True(t, tex.TryAddRef())
	assert.Equal(t, int32(2), tex.Release())
	assert.Equal(t, int32(1), tex.Release())
	assert.NotZero(t, stats.Snapshot().PoolBound)

	assert.Equal(t, int32(0), tex.Release())
	assert.True(t, tex.IsUnloaded())
	assert.Zero(t, stats.Snapshot().PoolBound)
	assert.False(t, tex.TryAddRef())
	assert.Panics(t, func() { tex.Release() })
	assert.Panics(t, func() { tex.AddRef() })
}

func TestBindReleasesPrevious(t *testing.T) {
	p, _, _, _ := newTestPool(t, PoolConfig{Budget: 1 << 20})
	tex := NewTexture("tex")
	first, err := p.Acquire(AcquireRequest{Size: 1, Owner: tex})
	require.NoError(t, err)
	tex.bind(first, 3)
	second, err := p.Acquire(AcquireRequest{Size: 1, Owner: tex})
	require.NoError(t, err)
	tex.bind(second, 1)

	assert.Equal(t, 1, tex.MinMipUploaded())
	assert.Same(t, second, tex.PoolItem())
	assert.Nil(t, first.Owner())
	assert.Equal(t, 1, p.FreeItems())
}

func TestMipOffsets(t *testing.T) {
	s := &StreamState{sides: 6, headers: make([]MipHeader, 4)}
	computeSizes(s.headers, 8, 8, device.FormatRGBA8)
	// 256, 64, 16, 4 bytes per side
	assert.Equal(t, int64(340), s.headers[0].SideSizeWithMips)
	assert.Equal(t, int64(4), s.headers[3].SideSizeWithMips)
	assert.Equal(t, int64(340*6), s.itemSize(0))

	assert.Equal(t, int64(0), s.mipOffset(1, 1, 0))
	assert.Equal(t, int64(64*5), s.mipOffset(1, 1, 5))
	assert.Equal(t, int64(64*6), s.mipOffset(1, 2, 0))
	assert.Equal(t, int64(64*6+16*6+4*2), s.mipOffset(1, 3, 2))

	region := s.tailRegion(0, 2)
	assert.Equal(t, int64(256*6+64*6), region.Offset)
	assert.Equal(t, int64(20*6), region.Size)
}

func TestMipFactor(t *testing.T) {
	eye := mgl32.Vec3{0, 0, 0}
	near := MipFactor(eye, mgl32.Vec3{0, 0, -1}, 1, mgl32.DegToRad(60), 1080)
	far := MipFactor(eye, mgl32.Vec3{0, 0, -16}, 1, mgl32.DegToRad(60), 1080)
	assert.Greater(t, far, near)
	assert.InDelta(t, 256, far/near, 0.01)
	assert.Zero(t, MipFactor(eye, eye, 0, 1, 1080))

	tex := NewTexture("tex")
	tex.width, tex.height, tex.mips = 2048, 2048, 12
	assert.Equal(t, tex.CalculateMip(near)+4, tex.CalculateMip(far))
}
