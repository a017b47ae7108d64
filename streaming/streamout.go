// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// StreamOutRequest moves a texture to a smaller pool item holding mips
// startMip..N-1, or unloads it when startMip is MaxMipLevels.
type StreamOutRequest struct {
	ctx      *streamContext
	tex      *Texture
	newItem  *PoolItem
	startMip int

	done      atomic.Bool
	aborted   atomic.Bool
	err       error
	finished  chan struct{}
	committed bool
}

func (r *StreamOutRequest) init(ctx *streamContext, tex *Texture, item *PoolItem, startMip int) {
	r.ctx = ctx
	r.tex = tex
	r.newItem = item
	r.startMip = startMip
	r.finished = make(chan struct{})
}

// Texture returns the texture being streamed out.
func (r *StreamOutRequest) Texture() *Texture { return r.tex }

// StartMip returns the finest mip kept.
func (r *StreamOutRequest) StartMip() int { return r.startMip }

// Done reports if the copy finished.
func (r *StreamOutRequest) Done() bool { return r.done.Load() }

// Abort keeps the texture as it is when the request commits.
func (r *StreamOutRequest) Abort() { r.aborted.Store(true) }

// run copies the kept mips into the new item. It runs once, on a
// worker when the device copies concurrently.
func (r *StreamOutRequest) run() {
	if r.newItem != nil && !r.aborted.Load() {
		old := r.tex.item.Load()
		if old == nil {
			r.err = ErrNoResidentMips
		} else {
			state := r.tex.state
			oldBase := r.tex.mips - old.mips
			r.err = r.ctx.dev.CopyRegion(old.handle, r.newItem.handle, state.tailRegion(oldBase, r.startMip), 0)
		}
	}
	r.done.Store(true)
	close(r.finished)
}

// TryCommit binds the new item, or unloads the texture. It returns false
// until the copy finished. The request must not be used after it
// returned true.
func (r *StreamOutRequest) TryCommit() bool {
	if r.committed {
		panic("streaming: TryCommit on a finished stream out request")
	}
	if !r.done.Load() {
		return false
	}

	switch {
	case r.aborted.Load():
		r.ctx.stats.aborted.Add(1)
	case r.err != nil:
		r.ctx.log.WithError(r.err).WithFields(logrus.Fields{
			"texture": r.tex.Name(),
			"mip":     r.startMip,
		}).Error("stream out copy failed")
		r.ctx.stats.aborted.Add(1)
	case r.startMip < MaxMipLevels:
		r.tex.bind(r.newItem, r.startMip)
		r.newItem = nil
		r.ctx.stats.committed.Add(1)
	default:
		r.tex.unload()
		r.ctx.stats.committed.Add(1)
	}

	r.Reset()
	r.tex.slot.Store(InvalidStreamSlot)
	r.tex.Release()
	r.tex = nil
	r.committed = true
	return true
}

// Reset gives the new item back to the pool if the request still holds it.
func (r *StreamOutRequest) Reset() {
	if r.newItem != nil {
		r.newItem.pool.Release(r.newItem)
		r.newItem = nil
	}
}
