// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/devblok/mipstream/device"
	"github.com/devblok/mipstream/utility/aio"
	"github.com/devblok/mipstream/utility/kar"
)

// mipRequest is the state of the read of one mip.
type mipRequest struct {
	done      atomic.Bool
	expanded  bool
	uploaded  bool
	inPlace   bool
	sideDelta int64
	read      *aio.Request
}

// StreamInRequest loads mips higherMip..lowerMip of a texture into a
// new pool item. Reads complete on io goroutines, the request is bound
// to the texture on the render thread by TryCommit.
type StreamInRequest struct {
	ctx     *streamContext
	tex     *Texture
	name    string
	newItem *PoolItem

	higherMip   int
	lowerMip    int
	activateMip int
	mips        []mipRequest

	asyncRefs          atomic.Int32
	aborted            atomic.Bool
	allStreamsComplete atomic.Bool
	complete           chan struct{}

	// written by the last completion or on commit
	validLowMips bool
	batch        *uploadBatch

	stallFrames int
	committed   bool
	started     time.Time

	// mutex guards the read handles against aborts from other goroutines
	mutex sync.Mutex
}

func (r *StreamInRequest) init(ctx *streamContext, tex *Texture, item *PoolItem, higherMip, lowerMip int) {
	r.ctx = ctx
	r.tex = tex
	r.name = tex.Name()
	r.newItem = item
	r.higherMip = higherMip
	r.lowerMip = lowerMip
	r.activateMip = higherMip
	r.mips = make([]mipRequest, lowerMip-higherMip+1)
	r.complete = make(chan struct{})
	r.started = time.Now()
}

// Texture returns the texture being streamed.
func (r *StreamInRequest) Texture() *Texture { return r.tex }

// MipRange returns the finest and coarsest mip being loaded.
func (r *StreamInRequest) MipRange() (int, int) { return r.higherMip, r.lowerMip }

// Aborted reports if the request was aborted.
func (r *StreamInRequest) Aborted() bool { return r.aborted.Load() }

// Complete reports if every read finished.
func (r *StreamInRequest) Complete() bool { return r.allStreamsComplete.Load() }

// Done is closed once every read finished.
func (r *StreamInRequest) Done() <-chan struct{} { return r.complete }

func (r *StreamInRequest) logger() logrus.FieldLogger {
	return r.ctx.log.WithFields(logrus.Fields{
		"texture": r.name,
		"mips":    [2]int{r.higherMip, r.lowerMip},
	})
}

func (r *StreamInRequest) mipBytes(idx int) int64 {
	return r.tex.state.headers[r.higherMip+idx].SideSize * int64(r.tex.sides)
}

// issue submits one read per mip. Every counter a completion undoes
// is set up before the first read goes out.
func (r *StreamInRequest) issue(reader aio.Reader, priority aio.Priority) {
	r.asyncRefs.Store(int32(len(r.mips)))
	for i := range r.mips {
		r.ctx.stats.submit(r.mipBytes(i), 1)
	}

	type failure struct {
		idx int
		err error
	}
	var failed []failure

	queueFull := false
	r.mutex.Lock()
	for i := range r.mips {
		if queueFull {
			failed = append(failed, failure{idx: i, err: aio.ErrQueueFull})
			continue
		}
		path, offset, size := r.tex.state.readRange(r.higherMip + i)
		read, err := reader.ReadAsync(aio.ReadParams{
			Path:     path,
			Offset:   offset,
			Size:     size,
			UserData: i,
			Priority: priority,
		}, r.onRead)
		if err != nil {
			queueFull = errors.Cause(err) == aio.ErrQueueFull
			failed = append(failed, failure{idx: i, err: err})
			continue
		}
		r.mips[i].read = read
	}
	r.mutex.Unlock()

	for _, f := range failed {
		r.onMipComplete(f.idx, nil, aio.MediaUnknown, errors.Wrap(f.err, "issue read"))
	}
}

func (r *StreamInRequest) onRead(res aio.Result) {
	r.onMipComplete(res.UserData.(int), res.Buf, res.Media, res.Err)
}

// onMipComplete runs once per mip on any goroutine. The goroutine
// completing the last mip finishes the request.
func (r *StreamInRequest) onMipComplete(idx int, buf []byte, media aio.MediaType, err error) {
	m := &r.mips[idx]
	if !m.done.CompareAndSwap(false, true) {
		r.logger().WithField("mip", r.higherMip+idx).Warn("duplicate read completion ignored")
		return
	}

	mip := r.higherMip + idx
	if err == nil && !r.aborted.Load() {
		if err = r.processMip(idx, buf); err == nil {
			r.ctx.stats.bytesRead.Add(int64(len(buf)))
			r.tex.state.headers[mip].media.Store(int32(media))
		}
	}
	if err != nil {
		r.abort()
		switch errors.Cause(err) {
		case aio.ErrAborted:
		case aio.ErrQueueFull:
			r.logger().WithField("mip", mip).Debug("read queue full, request retried later")
		default:
			r.logger().WithError(err).WithField("mip", mip).Error("mip read failed")
		}
	}

	r.ctx.stats.complete(r.mipBytes(idx), 1)
	if r.asyncRefs.Add(-1) == 0 {
		r.finishReads()
	}
}

func (r *StreamInRequest) processMip(idx int, buf []byte) error {
	mip := r.higherMip + idx
	state := r.tex.state
	h := &state.headers[mip]
	m := &r.mips[idx]
	if len(h.sources) > 1 {
		m.sideDelta = h.sources[1].offset - h.sources[0].offset
	}

	if r.ctx.strategy != UploadAsync {
		err := state.expand(mip, buf, func(side int) []byte {
			return h.blocks[side].Init(h.SideSize)
		})
		if err != nil {
			return err
		}
		m.expanded = true
		return nil
	}

	for side, src := range h.sources {
		raw, err := state.sideBytes(mip, side, buf)
		if err != nil {
			return err
		}
		region := device.Region{Offset: state.mipOffset(r.higherMip, mip, side), Size: h.SideSize}
		var data []byte
		if !src.entry.Compressed && r.ctx.dontKeepSystem {
			data = raw
			m.inPlace = true
		} else {
			if r.ctx.dontKeepSystem {
				data = make([]byte, h.SideSize)
			} else {
				data = h.blocks[side].Init(h.SideSize)
			}
			if err := kar.Expand(src.entry, raw, data); err != nil {
				return err
			}
		}
		if err := r.ctx.dev.Upload(r.newItem.handle, region, data); err != nil {
			return errors.Wrapf(err, "upload mip %d side %d", mip, side)
		}
		r.ctx.stats.bytesUploaded.Add(region.Size)
	}
	m.uploaded = true
	return nil
}

// finishReads runs once, after the last read completed.
func (r *StreamInRequest) finishReads() {
	if !r.aborted.Load() {
		switch {
		case r.ctx.strategy == UploadDeferred:
			r.batch = r.buildBatch()
			r.validLowMips = true
		case r.ctx.strategy == UploadAsync && r.ctx.caps.ConcurrentCopy:
			if err := r.copyLowMips(); err != nil {
				r.abort()
				r.logger().WithError(err).Error("failed to restore resident mips")
			} else {
				r.validLowMips = true
			}
		}
	}
	r.allStreamsComplete.Store(true)
	close(r.complete)
}

// buildBatch records the uploads of every expanded mip and the copy of
// the already resident mips.
func (r *StreamInRequest) buildBatch() *uploadBatch {
	state := r.tex.state
	batch := &uploadBatch{}
	if old := r.tex.item.Load(); old != nil && r.lowerMip+1 < r.tex.mips {
		oldBase := r.tex.mips - old.mips
		low := r.lowerMip + 1
		batch.copy(old.handle, state.tailRegion(oldBase, low), state.mipOffset(r.higherMip, low, 0))
	}
	for i := range r.mips {
		mip := r.higherMip + i
		h := &state.headers[mip]
		for side := range h.blocks {
			region := device.Region{Offset: state.mipOffset(r.higherMip, mip, side), Size: h.SideSize}
			batch.upload(region, h.blocks[side].Bytes())
		}
		r.mips[i].uploaded = true
	}
	return batch
}

// copyLowMips copies mips coarser than lowerMip from the resident item.
func (r *StreamInRequest) copyLowMips() error {
	low := r.lowerMip + 1
	if low >= r.tex.mips {
		return nil
	}
	old := r.tex.item.Load()
	if old == nil {
		return ErrNoResidentMips
	}
	oldBase := r.tex.mips - old.mips
	if oldBase > low {
		return errors.Wrapf(ErrNoResidentMips, "mip %d not resident", low)
	}
	state := r.tex.state
	return r.ctx.dev.CopyRegion(old.handle, r.newItem.handle, state.tailRegion(oldBase, low), state.mipOffset(r.higherMip, low, 0))
}

// uploadExpanded uploads mips expanded into host memory.
func (r *StreamInRequest) uploadExpanded() error {
	state := r.tex.state
	for i := range r.mips {
		m := &r.mips[i]
		if !m.expanded || m.uploaded {
			continue
		}
		mip := r.higherMip + i
		h := &state.headers[mip]
		for side := range h.blocks {
			region := device.Region{Offset: state.mipOffset(r.higherMip, mip, side), Size: h.SideSize}
			if err := r.ctx.dev.Upload(r.newItem.handle, region, h.blocks[side].Bytes()); err != nil {
				return errors.Wrapf(err, "upload mip %d side %d", mip, side)
			}
			r.ctx.stats.bytesUploaded.Add(region.Size)
		}
		m.uploaded = true
	}
	return nil
}

// abort marks the request aborted, it never becomes unaborted.
func (r *StreamInRequest) abort() {
	if r.aborted.CompareAndSwap(false, true) && r.ctx.onAbort != nil {
		r.ctx.onAbort(r)
	}
}

// Abort aborts the request. Reads already running finish anyway.
func (r *StreamInRequest) Abort() {
	r.abort()
}

// abortReads tries to abort the reads that have not started yet.
func (r *StreamInRequest) abortReads() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	n := 0
	for i := range r.mips {
		if read := r.mips[i].read; read != nil && read.TryAbort() {
			n++
		}
	}
	return n
}

// TryCommit binds the loaded mips to the texture. It returns false while
// the request is not ready, true once it is finished, committed or not.
// The request must not be used after it returned true.
func (r *StreamInRequest) TryCommit() bool {
	if r.committed {
		panic("streaming: TryCommit on a finished stream in request")
	}
	if !r.allStreamsComplete.Load() {
		return false
	}
	if r.aborted.Load() {
		r.teardown()
		return true
	}

	var err error
	switch r.ctx.strategy {
	case UploadExpandThenCopy:
		err = r.uploadExpanded()
	case UploadDeferred:
		if r.batch != nil {
			err = r.batch.execute(r.ctx.dev, r.newItem.handle)
			r.ctx.stats.bytesUploaded.Add(r.batch.bytes())
			r.batch = nil
		}
	}
	if err != nil {
		r.logger().WithError(err).Error("upload failed")
		r.abort()
		r.teardown()
		return true
	}

	if r.stallFrames < r.ctx.cooldown {
		r.stallFrames++
		return false
	}

	if !r.validLowMips {
		if err := r.copyLowMips(); err != nil {
			r.logger().WithError(err).Error("failed to restore resident mips")
			r.abort()
			r.teardown()
			return true
		}
		r.validLowMips = true
	}

	if r.ctx.dontKeepSystem {
		r.tex.state.freeMips(r.higherMip, r.lowerMip)
	}
	r.tex.bind(r.newItem, r.activateMip)
	r.newItem = nil
	r.ctx.stats.committed.Add(1)
	r.ctx.stats.streamTime.Add(int64(time.Since(r.started)))
	r.finish()
	return true
}

// teardown finishes an aborted request, the texture keeps its mips.
func (r *StreamInRequest) teardown() {
	r.batch = nil
	if r.ctx.dontKeepSystem {
		r.tex.state.freeMips(r.higherMip, r.lowerMip)
	}
	r.Reset()
	r.ctx.stats.aborted.Add(1)
	r.finish()
}

// Reset gives the target item back to the pool if the request still holds it.
func (r *StreamInRequest) Reset() {
	if r.newItem != nil {
		r.newItem.pool.Release(r.newItem)
		r.newItem = nil
	}
}

func (r *StreamInRequest) finish() {
	r.tex.slot.Store(InvalidStreamSlot)
	r.tex.Release()
	r.tex = nil
	r.committed = true
}
