// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"math"
	"sync/atomic"

	"github.com/devblok/mipstream/device"
	"github.com/devblok/mipstream/utility/kar"
)

// Flags describe the streaming state of a texture.
type Flags uint32

// Texture flags
const (
	// FlagDontStream keeps a texture out of streaming, it is loaded in full.
	FlagDontStream Flags = 1 << iota
	// FlagStreamed is set once a texture was prepared for streaming.
	FlagStreamed
	// FlagUnloaded is set while no mip of the texture is resident.
	FlagUnloaded
	// FlagFailed marks textures that could not be loaded at all.
	FlagFailed
	// FlagPlaceholder marks the missing texture placeholder.
	FlagPlaceholder
)

var textureIDs atomic.Uint64

// Texture is a reference counted texture whose mips may be streamed.
type Texture struct {
	id   uint64
	name string
	refs atomic.Int32

	width          int
	height         int
	depth          int
	mips           int
	sides          int
	persistentMips int
	format         device.Format
	archiveFlags   kar.Flags

	flags  atomic.Uint32
	item   atomic.Pointer[PoolItem]
	minMip atomic.Int32
	slot   atomic.Int32
	state  *StreamState

	// scheduler data, only touched on the render thread
	mipFactor    float32
	highPriority bool
	lastSeen     uint64
}

// NewTexture creates an unloaded texture holding one reference.
func NewTexture(name string) *Texture {
	t := &Texture{
		id:   textureIDs.Add(1),
		name: name,
	}
	t.refs.Store(1)
	t.minMip.Store(MaxMipLevels)
	t.slot.Store(InvalidStreamSlot)
	t.flags.Store(uint32(FlagUnloaded))
	return t
}

// ID returns the unique id of the texture.
func (t *Texture) ID() uint64 { return t.id }

// Name returns the name the texture was created with.
func (t *Texture) Name() string { return t.name }

// Width of the finest mip.
func (t *Texture) Width() int { return t.width }

// Height of the finest mip.
func (t *Texture) Height() int { return t.height }

// Mips is the number of mip levels.
func (t *Texture) Mips() int { return t.mips }

// Sides is 6 for cubemaps, 1 otherwise.
func (t *Texture) Sides() int { return t.sides }

// Format of the texels.
func (t *Texture) Format() device.Format { return t.format }

// PersistentMips is the length of the always resident tail.
func (t *Texture) PersistentMips() int { return t.persistentMips }

// StreamableMipNumber returns how many mips can be streamed in and out.
func (t *Texture) StreamableMipNumber() int {
	if n := t.mips - t.persistentMips; n > 0 {
		return n
	}
	return 0
}

// MinMipUploaded returns the finest resident mip, MaxMipLevels
// when nothing is resident.
func (t *Texture) MinMipUploaded() int {
	return int(t.minMip.Load())
}

// PoolItem returns the item holding the resident mips.
func (t *Texture) PoolItem() *PoolItem {
	return t.item.Load()
}

// Flags returns the current flags.
func (t *Texture) Flags() Flags {
	return Flags(t.flags.Load())
}

// IsStreamed reports textures that were prepared for streaming.
func (t *Texture) IsStreamed() bool {
	return t.Flags()&FlagStreamed != 0
}

// IsUnloaded reports textures without any resident mip.
func (t *Texture) IsUnloaded() bool {
	return t.Flags()&FlagUnloaded != 0
}

// StreamingInProgress reports if a stream in or out is pending.
func (t *Texture) StreamingInProgress() bool {
	return t.slot.Load() != InvalidStreamSlot
}

// StreamSlot returns the raw slot value, StreamOutMask is set for
// stream outs.
func (t *Texture) StreamSlot() int {
	return int(t.slot.Load())
}

// State returns the streaming metadata, nil for textures that
// are not streamed.
func (t *Texture) State() *StreamState {
	return t.state
}

func (t *Texture) setFlags(f Flags) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (t *Texture) clearFlags(f Flags) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

func (t *Texture) setDesc(desc kar.TextureDesc) {
	t.width = desc.Width
	t.height = desc.Height
	t.depth = desc.Depth
	t.mips = desc.Mips
	t.sides = desc.Sides
	t.format = device.Format(desc.Format)
	t.archiveFlags = desc.Flags
}

// AddRef takes a reference.
func (t *Texture) AddRef() {
	if t.refs.Add(1) <= 1 {
		panic("streaming: AddRef on a released texture")
	}
}

// TryAddRef takes a reference unless the texture is already released.
func (t *Texture) TryAddRef() bool {
	for {
		refs := t.refs.Load()
		if refs <= 0 {
			return false
		}
		if t.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Refs returns the current reference count.
func (t *Texture) Refs() int32 {
	return t.refs.Load()
}

// Release drops a reference, the last one frees the resident mips.
func (t *Texture) Release() int32 {
	refs := t.refs.Add(-1)
	switch {
	case refs < 0:
		panic("streaming: texture released too many times")
	case refs == 0:
		t.unload()
		if t.state != nil {
			t.state.freeMips(0, t.mips-1)
		}
	}
	return refs
}

// bind makes item the resident storage with minMip as finest mip,
// the previous item goes back to its pool.
func (t *Texture) bind(item *PoolItem, minMip int) {
	old := t.item.Swap(item)
	t.minMip.Store(int32(minMip))
	t.clearFlags(FlagUnloaded)
	if old != nil && old != item {
		old.pool.Release(old)
	}
}

// unload releases the resident item.
func (t *Texture) unload() {
	if old := t.item.Swap(nil); old != nil {
		old.pool.Release(old)
	}
	t.minMip.Store(MaxMipLevels)
	t.setFlags(FlagUnloaded)
}

// evictable reports if the texture holds streamed mips that could be
// given up without touching its persistent tail.
func (t *Texture) evictable() bool {
	item := t.item.Load()
	return item != nil && !item.persistent &&
		!t.StreamingInProgress() &&
		t.MinMipUploaded() < t.mips-t.persistentMips
}

// CalculateMip turns a mip factor into the mip that should be resident.
// The mip factor is the squared size of one screen pixel in texture
// coordinates, so the mip is the log2 of texels per pixel.
func (t *Texture) CalculateMip(mipFactor float32) int {
	if mipFactor <= 0 || t.mips == 0 {
		return 0
	}
	mip := int(math.Floor(0.5 * math.Log2(float64(mipFactor)*float64(t.width)*float64(t.height))))
	switch {
	case mip < 0:
		return 0
	case mip > t.mips-1:
		return t.mips - 1
	}
	return mip
}
