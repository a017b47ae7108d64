// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"sync"
	"sync/atomic"

	humanize "github.com/dustin/go-humanize"
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/devblok/mipstream/device"
)

// MinSizeClass is the smallest block the pool allocates.
const MinSizeClass = 4 << 10

// SizeClass rounds a byte size up to the block size serving it.
func SizeClass(size int64) int64 {
	class := int64(MinSizeClass)
	for class < size {
		class <<= 1
	}
	return class
}

// PoolItem is a block of device storage handed out by a Pool.
type PoolItem struct {
	pool   *Pool
	id     uint64
	handle device.Handle
	class  int64

	mips       int
	persistent bool
	owner      atomic.Pointer[Texture]
}

// Handle returns the device storage of the item.
func (i *PoolItem) Handle() device.Handle { return i.handle }

// Size is the byte size of the storage.
func (i *PoolItem) Size() int64 { return i.class }

// Mips is the number of mips the current owner keeps in the item.
func (i *PoolItem) Mips() int { return i.mips }

// Persistent reports items holding only a persistent tail.
func (i *PoolItem) Persistent() bool { return i.persistent }

// Owner returns the texture the item is checked out to.
func (i *PoolItem) Owner() *Texture { return i.owner.Load() }

// AcquireRequest describes the storage wanted from the pool.
type AcquireRequest struct {
	Size  int64
	Mips  int
	Owner *Texture

	// Persistent storage holds a persistent tail. It is not
	// limited by the streaming budget.
	Persistent bool

	// Synchronous acquisitions may allocate any amount of device
	// storage, otherwise the per frame allowance applies.
	Synchronous bool
}

// Evictor is told about textures the pool would like to reclaim.
type Evictor interface {
	RequestEviction(tex *Texture)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Budget                int64
	MaxAllocBytesPerFrame int64
	HighWatermark         float64
	LowWatermark          float64
}

// Pool hands out device storage in power of two size classes and keeps
// released storage on per class free lists for reuse.
type Pool struct {
	cfg    PoolConfig
	dev    device.Device
	stats  *Stats
	policy EvictionPolicy
	log    logrus.FieldLogger

	mutex         sync.Mutex
	evictor       Evictor
	free          *redblacktree.Tree
	freeBytes     int64
	inUse         int64
	bound         int64
	allowance     int64
	failedInFrame bool
	underPressure bool
	nextID        uint64
	liveItems     int
}

// NewPool creates a pool allocating from dev.
func NewPool(cfg PoolConfig, dev device.Device, stats *Stats, policy EvictionPolicy, log logrus.FieldLogger) *Pool {
	return &Pool{
		cfg:       cfg,
		dev:       dev,
		stats:     stats,
		policy:    policy,
		log:       log.WithField("component", "pool"),
		free:      redblacktree.NewWith(utils.Int64Comparator),
		allowance: cfg.MaxAllocBytesPerFrame,
	}
}

// SetEvictor sets who is told about eviction victims.
func (p *Pool) SetEvictor(e Evictor) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.evictor = e
}

// Acquire checks out storage for req.Owner. Free storage of the same
// class is reused first, then new storage is allocated if the budget
// allows. When it does not, free storage of other classes is given back
// to the device and a victim texture is proposed for eviction.
func (p *Pool) Acquire(req AcquireRequest) (*PoolItem, error) {
	if req.Owner == nil || req.Size <= 0 {
		return nil, errors.Errorf("streaming: invalid acquire of %d bytes", req.Size)
	}
	class := SizeClass(req.Size)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	item := p.popFree(class)
	if item == nil {
		var err error
		if item, err = p.allocate(class, req); err != nil {
			// a spent allowance only paces allocations
			if err != ErrAllocationDeferred {
				p.failedInFrame = true
				p.stats.allocFails.Add(1)
			}
			return nil, err
		}
	}

	item.mips = req.Mips
	item.persistent = req.Persistent
	if !item.owner.CompareAndSwap(nil, req.Owner) {
		panic("streaming: pool item handed out twice")
	}
	p.bound += class
	p.stats.bind(class, req.Persistent)
	return item, nil
}

func (p *Pool) allocate(class int64, req AcquireRequest) (*PoolItem, error) {
	if !req.Persistent && p.inUse+class > p.cfg.Budget {
		p.collect(p.inUse + class - p.cfg.Budget)
		if p.inUse+class > p.cfg.Budget {
			if p.evictor != nil && p.policy != nil {
				if victim := p.policy.Victim(req.Owner, (*Texture).evictable); victim != nil {
					p.evictor.RequestEviction(victim)
				}
			}
			return nil, errors.Wrapf(ErrPoolExhausted, "%s of %s in use, %s requested",
				humanize.IBytes(uint64(p.inUse)), humanize.IBytes(uint64(p.cfg.Budget)), humanize.IBytes(uint64(class)))
		}
	}
	if !req.Synchronous && p.cfg.MaxAllocBytesPerFrame > 0 {
		if p.allowance < class {
			return nil, ErrAllocationDeferred
		}
		p.allowance -= class
	}

	handle, err := p.dev.AllocateStorage(class)
	if err != nil && p.collect(class) > 0 {
		handle, err = p.dev.AllocateStorage(class)
	}
	if err != nil {
		return nil, errors.Wrap(ErrPoolExhausted, err.Error())
	}

	p.nextID++
	p.inUse += class
	p.liveItems++
	p.stats.poolInUse.Add(class)
	return &PoolItem{pool: p, id: p.nextID, handle: handle, class: class}, nil
}

// Release returns an item to its free list.
func (p *Pool) Release(item *PoolItem) {
	if item.pool != p {
		panic("streaming: pool item released to a foreign pool")
	}
	if item.owner.Swap(nil) == nil {
		panic("streaming: pool item released twice")
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.bound -= item.class
	p.stats.unbind(item.class, item.persistent)
	item.mips = 0
	item.persistent = false
	p.pushFree(item)
}

func (p *Pool) popFree(class int64) *PoolItem {
	v, ok := p.free.Get(class)
	if !ok {
		return nil
	}
	items := v.([]*PoolItem)
	item := items[len(items)-1]
	items[len(items)-1] = nil
	if items = items[:len(items)-1]; len(items) == 0 {
		p.free.Remove(class)
	} else {
		p.free.Put(class, items)
	}
	p.freeBytes -= class
	return item
}

func (p *Pool) pushFree(item *PoolItem) {
	var items []*PoolItem
	if v, ok := p.free.Get(item.class); ok {
		items = v.([]*PoolItem)
	}
	p.free.Put(item.class, append(items, item))
	p.freeBytes += item.class
}

// collect gives free storage back to the device, largest classes
// first, until want bytes were freed. Returns the bytes freed.
func (p *Pool) collect(want int64) int64 {
	var freed int64
	keys := p.free.Keys()
	for i := len(keys) - 1; i >= 0 && freed < want; i-- {
		class := keys[i].(int64)
		for freed < want {
			item := p.popFree(class)
			if item == nil {
				break
			}
			p.destroy(item)
			freed += class
		}
	}
	return freed
}

func (p *Pool) destroy(item *PoolItem) {
	p.dev.Release(item.handle)
	p.inUse -= item.class
	p.liveItems--
	p.stats.poolInUse.Add(-item.class)
}

// GarbageCollect gives free storage back to the device until at most
// keep bytes remain on the free lists.
func (p *Pool) GarbageCollect(keep int64) int64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.freeBytes <= keep {
		return 0
	}
	return p.collect(p.freeBytes - keep)
}

// EndFrame resets the allocation allowance and recomputes pressure.
// The out of memory flag is cleared once bound memory is below the
// low watermark.
func (p *Pool) EndFrame() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.allowance = p.cfg.MaxAllocBytesPerFrame
	p.underPressure = p.failedInFrame || float64(p.bound) > p.cfg.HighWatermark*float64(p.cfg.Budget)
	p.failedInFrame = false
	if p.stats.OutOfMemory() && float64(p.bound) < p.cfg.LowWatermark*float64(p.cfg.Budget) {
		p.stats.SetOutOfMemory(false)
		p.log.Info("pool pressure relieved")
	}
}

// UnderPressure reports if the last frame ran out of pool memory or
// ended above the high watermark.
func (p *Pool) UnderPressure() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.underPressure
}

// FreeBytes returns the bytes sitting on free lists.
func (p *Pool) FreeBytes() int64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.freeBytes
}

// FreeItems returns the number of items on the free lists.
func (p *Pool) FreeItems() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	n := 0
	for _, v := range p.free.Values() {
		n += len(v.([]*PoolItem))
	}
	return n
}

// Close gives all free storage back to the device. Items still checked
// out are left alone and reported.
func (p *Pool) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.collect(p.freeBytes)
	if p.liveItems > 0 {
		p.log.WithFields(logrus.Fields{
			"items": p.liveItems,
			"bound": humanize.IBytes(uint64(p.bound)),
		}).Warn("pool closed with items still bound")
	}
}
