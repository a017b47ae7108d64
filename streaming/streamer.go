// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"context"
	"sort"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/devblok/mipstream/core"
	"github.com/devblok/mipstream/device"
	"github.com/devblok/mipstream/utility/aio"
)

// defaultPolicySize is how many textures the default LRU policy tracks.
const defaultPolicySize = 1 << 16

// streamContext is what requests need from the engine that created them.
type streamContext struct {
	dev            device.Device
	caps           device.Capabilities
	pool           *Pool
	stats          *Stats
	strategy       UploadStrategy
	cooldown       int
	dontKeepSystem bool
	log            logrus.FieldLogger
	onAbort        func(*StreamInRequest)
}

// Jobs runs functions on background goroutines.
type Jobs interface {
	Enqueue(fn func()) error
}

// dispatcher delivers callbacks of reads issued with SyncCallback.
type dispatcher interface {
	Dispatch() int
}

// Update is what the renderer knows about a texture in one frame.
type Update struct {
	Texture *Texture
	// MipFactor is the squared size of a screen pixel in texture
	// coordinates, see MipFactor.
	MipFactor    float32
	HighPriority bool
	Visible      bool
}

// Options are the collaborators of a Streamer. Only Device is required.
type Options struct {
	Device device.Device
	// Reader performs the streaming reads, an aio.Pool configured
	// from the streaming configuration when nil.
	Reader aio.Reader
	// Opener opens containers for Prepare, aio.MmapOpener when nil.
	Opener aio.Opener
	// Jobs runs stream out copies, the Reader when it can run jobs.
	Jobs   Jobs
	Policy EvictionPolicy
	Log    logrus.FieldLogger
}

// Streamer decides which mips of which textures are resident and
// drives the requests that change it. Apart from Stats, its methods
// are meant to be called from the render thread.
type Streamer struct {
	cfg    core.StreamingConfiguration
	ctx    *streamContext
	dev    device.Device
	reader aio.Reader
	owned  *aio.Pool
	opener aio.Opener
	jobs   Jobs
	pool   *Pool
	stats  *Stats
	policy EvictionPolicy
	log    logrus.FieldLogger
	pump   *CompletionPump

	in  *slotTable[StreamInRequest]
	out *slotTable[StreamOutRequest]

	texMu    sync.Mutex
	textures map[uint64]*Texture

	evictMu    sync.Mutex
	evictQueue map[uint64]*Texture

	abortMu       sync.Mutex
	pendingAborts []*StreamInRequest

	frame uint64

	placeholderOnce sync.Once
	placeholder     *Texture
	placeholderErr  error
}

// New creates a Streamer.
func New(cfg core.StreamingConfiguration, opts Options) (*Streamer, error) {
	if opts.Device == nil {
		return nil, errors.New("streaming: no device")
	}
	if cfg.MaxStreamTasks <= 0 || cfg.MaxStreamTasks >= StreamOutMask {
		return nil, errors.Errorf("streaming: %d stream tasks requested", cfg.MaxStreamTasks)
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	log := opts.Log.WithField("component", "streamer")

	caps := opts.Device.Capabilities()
	strategy, err := SelectUploadStrategy(caps, cfg.UploadStrategy)
	if err != nil {
		return nil, err
	}

	s := &Streamer{
		cfg:        cfg,
		dev:        opts.Device,
		reader:     opts.Reader,
		opener:     opts.Opener,
		jobs:       opts.Jobs,
		stats:      NewStats(),
		policy:     opts.Policy,
		log:        log,
		in:         newSlotTable[StreamInRequest](cfg.MaxStreamTasks),
		out:        newSlotTable[StreamOutRequest](cfg.MaxStreamTasks),
		textures:   make(map[uint64]*Texture),
		evictQueue: make(map[uint64]*Texture),
		frame:      1,
	}
	if s.opener == nil {
		s.opener = aio.MmapOpener
	}
	if s.reader == nil {
		pool, err := aio.NewPool(aio.Config{
			Workers:   cfg.IOWorkers,
			QueueSize: cfg.IOQueueSize,
			OpenFiles: cfg.OpenFiles,
			Opener:    s.opener,
		}, opts.Log)
		if err != nil {
			return nil, errors.Wrap(err, "create reader")
		}
		s.reader = pool
		s.owned = pool
	}
	if s.jobs == nil {
		if jobs, ok := s.reader.(Jobs); ok {
			s.jobs = jobs
		}
	}
	if s.policy == nil {
		if s.policy, err = NewLRUPolicy(defaultPolicySize); err != nil {
			return nil, err
		}
	}

	s.pool = NewPool(PoolConfig{
		Budget:                cfg.PoolSize,
		MaxAllocBytesPerFrame: cfg.MaxAllocBytesPerFrame,
		HighWatermark:         cfg.HighWatermark,
		LowWatermark:          cfg.LowWatermark,
	}, s.dev, s.stats, s.policy, opts.Log)
	s.pool.SetEvictor(s)

	s.ctx = &streamContext{
		dev:            s.dev,
		caps:           caps,
		pool:           s.pool,
		stats:          s.stats,
		strategy:       strategy,
		cooldown:       cfg.CommitCooldownFrames,
		dontKeepSystem: cfg.DontKeepSystem,
		log:            log,
		onAbort:        s.queueAbort,
	}
	s.pump = &CompletionPump{s: s}

	log.WithFields(logrus.Fields{
		"budget":   humanize.IBytes(uint64(cfg.PoolSize)),
		"tasks":    cfg.MaxStreamTasks,
		"strategy": strategy,
	}).Info("streamer created")
	return s, nil
}

// Stats returns the engine counters.
func (s *Streamer) Stats() *Stats { return s.stats }

// Pool returns the storage pool.
func (s *Streamer) Pool() *Pool { return s.pool }

// Pump returns the completion pump driving the requests.
func (s *Streamer) Pump() *CompletionPump { return s.pump }

// Strategy returns the upload strategy in use.
func (s *Streamer) Strategy() UploadStrategy { return s.ctx.strategy }

// Frame returns the current frame number.
func (s *Streamer) Frame() uint64 { return s.frame }

// PendingStreamIns returns the number of live stream in requests.
func (s *Streamer) PendingStreamIns() int { return s.in.live() }

// PendingStreamOuts returns the number of live stream out requests.
func (s *Streamer) PendingStreamOuts() int { return s.out.live() }

// Register adds a prepared texture to the scheduler, which holds a
// reference until Unregister.
func (s *Streamer) Register(tex *Texture) {
	s.texMu.Lock()
	defer s.texMu.Unlock()
	if _, ok := s.textures[tex.id]; ok {
		return
	}
	tex.AddRef()
	tex.lastSeen = s.frame
	s.textures[tex.id] = tex
	s.policy.Touch(tex)
}

// Registered returns the number of textures the scheduler knows.
func (s *Streamer) Registered() int {
	s.texMu.Lock()
	defer s.texMu.Unlock()
	return len(s.textures)
}

// Unregister aborts the streaming tasks of tex and drops the reference
// the scheduler holds.
func (s *Streamer) Unregister(ctx context.Context, tex *Texture) error {
	if err := s.AbortStreamingTasks(ctx, tex); err != nil {
		return err
	}
	s.texMu.Lock()
	_, ok := s.textures[tex.id]
	delete(s.textures, tex.id)
	s.texMu.Unlock()

	s.evictMu.Lock()
	delete(s.evictQueue, tex.id)
	s.evictMu.Unlock()

	if ok {
		s.policy.Remove(tex)
		tex.Release()
	}
	return nil
}

// RequestEviction queues tex to be dropped to its persistent tail
// in the next Update.
func (s *Streamer) RequestEviction(tex *Texture) {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	s.evictQueue[tex.id] = tex
}

func (s *Streamer) takeEvictions() map[uint64]*Texture {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	if len(s.evictQueue) == 0 {
		return nil
	}
	q := s.evictQueue
	s.evictQueue = make(map[uint64]*Texture)
	return q
}

func (s *Streamer) queueAbort(r *StreamInRequest) {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	s.pendingAborts = append(s.pendingAborts, r)
}

func (s *Streamer) takeAborts() []*StreamInRequest {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	aborts := s.pendingAborts
	s.pendingAborts = nil
	return aborts
}

func (s *Streamer) registered() []*Texture {
	s.texMu.Lock()
	defer s.texMu.Unlock()
	textures := make([]*Texture, 0, len(s.textures))
	for _, tex := range s.textures {
		textures = append(textures, tex)
	}
	return textures
}

// desiredMip is the mip tex should have resident given its last update.
func (s *Streamer) desiredMip(tex *Texture) int {
	tail := tex.mips - tex.persistentMips
	floor := s.cfg.MipClamp
	if tex.highPriority {
		floor = 0
	}
	mip := tex.CalculateMip(tex.mipFactor)
	if mip < floor {
		mip = floor
	}
	if mip > tail {
		mip = tail
	}
	return mip
}

type streamCandidate struct {
	tex      *Texture
	mip      int
	resident int
}

// Update schedules the stream ins and outs of one frame.
func (s *Streamer) Update(updates []Update) {
	s.stats.bytesRequiredNotSubmitted.Store(0)

	visible := make(map[*Texture]bool, len(updates))
	for _, u := range updates {
		tex := u.Texture
		if tex == nil || tex.state == nil {
			continue
		}
		tex.mipFactor = u.MipFactor
		tex.highPriority = u.HighPriority
		if u.Visible {
			tex.lastSeen = s.frame
			visible[tex] = true
			s.policy.Touch(tex)
		}
	}

	pressure := s.pool.UnderPressure() || s.stats.OutOfMemory()
	evict := s.takeEvictions()

	var ins, outs []streamCandidate
	for _, tex := range s.registered() {
		if tex.state == nil || tex.StreamingInProgress() {
			continue
		}
		tail := tex.mips - tex.persistentMips
		resident := tex.MinMipUploaded()
		if resident >= tex.mips {
			if !visible[tex] {
				continue
			}
			resident = tex.mips
		}

		desired := resident
		if visible[tex] {
			desired = s.desiredMip(tex)
		}
		_, evicted := evict[tex.id]
		idle := s.cfg.IdleFramesBeforeEvict > 0 && s.frame-tex.lastSeen >= uint64(s.cfg.IdleFramesBeforeEvict)
		if evicted || idle {
			desired = tail
		}

		switch {
		case desired < resident:
			ins = append(ins, streamCandidate{tex: tex, mip: desired, resident: resident})
		case desired > resident && (evicted || idle || pressure || desired-resident >= s.cfg.StreamOutMargin):
			outs = append(outs, streamCandidate{tex: tex, mip: desired, resident: resident})
		}
	}

	sort.Slice(outs, func(i, j int) bool {
		a, b := outs[i].tex, outs[j].tex
		if a.lastSeen != b.lastSeen {
			return a.lastSeen < b.lastSeen
		}
		return a.id < b.id
	})
	issued := 0
	for _, c := range outs {
		if issued >= s.cfg.MaxRequestsPerFrame {
			break
		}
		if s.startStreamOut(c.tex, c.mip) {
			issued++
		}
	}

	sort.Slice(ins, func(i, j int) bool {
		a, b := ins[i], ins[j]
		if a.tex.highPriority != b.tex.highPriority {
			return a.tex.highPriority
		}
		if ma, mb := a.resident-a.mip, b.resident-b.mip; ma != mb {
			return ma > mb
		}
		if a.tex.mipFactor != b.tex.mipFactor {
			return a.tex.mipFactor < b.tex.mipFactor
		}
		return a.tex.id < b.tex.id
	})
	for _, c := range ins {
		if pressure && !c.tex.highPriority {
			s.deferStreamIn(c, "pool under pressure")
			continue
		}
		if issued >= s.cfg.MaxRequestsPerFrame {
			s.deferStreamIn(c, "request limit reached")
			continue
		}
		if s.startStreamIn(c.tex, c.mip, c.resident) {
			issued++
		}
	}
}

func (s *Streamer) streamInBytes(tex *Texture, higher, lower int) int64 {
	var n int64
	for mip := higher; mip <= lower; mip++ {
		n += tex.state.headers[mip].SideSize * int64(tex.sides)
	}
	return n
}

func (s *Streamer) deferStreamIn(c streamCandidate, reason string) {
	bytes := s.streamInBytes(c.tex, c.mip, c.resident-1)
	s.stats.bytesRequiredNotSubmitted.Add(bytes)
	s.log.WithFields(logrus.Fields{
		"texture": c.tex.name,
		"mip":     c.mip,
		"bytes":   humanize.IBytes(uint64(bytes)),
	}).Debug("stream in deferred: " + reason)
}

// startStreamIn issues the load of mips mip..resident-1 of tex. A texture
// without resident mips loads every mip down to the coarsest.
func (s *Streamer) startStreamIn(tex *Texture, mip, resident int) bool {
	c := streamCandidate{tex: tex, mip: mip, resident: resident}
	if s.in.available() == 0 {
		s.deferStreamIn(c, "no free stream slot")
		return false
	}
	bytes := s.streamInBytes(tex, mip, resident-1)
	if limit := s.cfg.MaxInFlightBytes; limit > 0 {
		if submitted := s.stats.BytesSubmitted(); submitted > 0 && submitted+bytes > limit {
			s.deferStreamIn(c, "in flight limit reached")
			return false
		}
	}

	item, err := s.pool.Acquire(AcquireRequest{
		Size:  tex.state.itemSize(mip),
		Mips:  tex.mips - mip,
		Owner: tex,
	})
	if err != nil {
		s.deferStreamIn(c, err.Error())
		return false
	}
	if !tex.TryAddRef() {
		s.pool.Release(item)
		return false
	}

	idx, req, _ := s.in.alloc()
	req.init(s.ctx, tex, item, mip, resident-1)
	tex.slot.Store(int32(idx))

	priority := aio.PriorityNormal
	if tex.highPriority {
		priority = aio.PriorityUrgent
	}
	req.issue(s.reader, priority)
	return true
}

// StreamOut schedules tex to keep only mips start..N-1, MaxMipLevels
// unloading it entirely.
func (s *Streamer) StreamOut(tex *Texture, start int) error {
	switch {
	case tex.state == nil:
		return errors.Wrap(ErrNotStreamable, tex.name)
	case tex.StreamingInProgress():
		return errors.Errorf("streaming: %s is already streaming", tex.name)
	case start < MaxMipLevels && (start <= tex.MinMipUploaded() || start > tex.mips-tex.persistentMips):
		return errors.Errorf("streaming: can not stream %s out to mip %d", tex.name, start)
	}
	if !s.startStreamOut(tex, start) {
		return errors.Errorf("streaming: stream out of %s not issued", tex.name)
	}
	return nil
}

func (s *Streamer) startStreamOut(tex *Texture, start int) bool {
	if s.out.available() == 0 {
		return false
	}

	var item *PoolItem
	if start < MaxMipLevels {
		tail := tex.mips - tex.persistentMips
		var err error
		item, err = s.pool.Acquire(AcquireRequest{
			Size:        tex.state.itemSize(start),
			Mips:        tex.mips - start,
			Owner:       tex,
			Persistent:  start >= tail,
			Synchronous: true,
		})
		if err != nil && start < tail {
			start = tail
			item, err = s.pool.Acquire(AcquireRequest{
				Size:        tex.state.itemSize(start),
				Mips:        tex.mips - start,
				Owner:       tex,
				Persistent:  true,
				Synchronous: true,
			})
		}
		if err != nil {
			s.log.WithError(err).WithField("texture", tex.name).Warn("stream out not issued")
			return false
		}
	}
	if !tex.TryAddRef() {
		if item != nil {
			s.pool.Release(item)
		}
		return false
	}

	idx, req, _ := s.out.alloc()
	req.init(s.ctx, tex, item, start)
	tex.slot.Store(int32(idx | StreamOutMask))

	if s.ctx.caps.ConcurrentCopy && s.jobs != nil {
		if err := s.jobs.Enqueue(req.run); err == nil {
			return true
		}
	}
	req.run()
	return true
}

// AbortStreamingTasks aborts the pending request of tex, if any, and
// waits for it to finish. The texture keeps the mips it had.
func (s *Streamer) AbortStreamingTasks(ctx context.Context, tex *Texture) error {
	slot := tex.StreamSlot()
	switch {
	case slot == InvalidStreamSlot:
		return nil

	case slot&StreamOutMask != 0:
		idx := slot &^ StreamOutMask
		req := s.out.get(idx)
		if req == nil {
			return nil
		}
		req.Abort()
		if err := wait(ctx, req.finished); err != nil {
			return err
		}
		s.commitOut(idx, req)

	default:
		req := s.in.get(slot)
		if req == nil {
			return nil
		}
		req.Abort()
		req.abortReads()
		s.dispatch()
		if err := wait(ctx, req.Done()); err != nil {
			return err
		}
		s.commitIn(slot, req)
	}
	return nil
}

// Flush waits until every pending request is finished, aborting them
// first when abort is set.
func (s *Streamer) Flush(ctx context.Context, abort bool) error {
	if abort {
		s.out.each(func(_ int, req *StreamOutRequest) { req.Abort() })
		s.in.each(func(_ int, req *StreamInRequest) {
			req.Abort()
			req.abortReads()
		})
	}

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		s.pump.PhaseA()
		s.commitAll()
		if s.in.live() == 0 && s.out.live() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "flush")
		case <-ticker.C:
		}
	}

	if n := s.stats.BytesSubmitted(); n != 0 {
		return errors.Wrapf(ErrFlushIncomplete, "%s submitted", humanize.IBytes(uint64(n)))
	}
	return nil
}

// Shutdown aborts all streaming, drops every registered texture and
// gives the pool storage back to the device.
func (s *Streamer) Shutdown(ctx context.Context) error {
	err := s.Flush(ctx, true)
	for _, tex := range s.registered() {
		if uerr := s.Unregister(ctx, tex); uerr != nil && err == nil {
			err = uerr
		}
	}
	if s.placeholder != nil {
		s.placeholder.Release()
		s.placeholder = nil
	}
	s.pool.Close()
	if s.owned != nil {
		s.owned.Close()
	}
	s.log.Info("streamer shut down")
	return err
}

func (s *Streamer) dispatch() {
	if d, ok := s.reader.(dispatcher); ok {
		d.Dispatch()
	}
}

func (s *Streamer) commitIn(idx int, req *StreamInRequest) {
	if req.TryCommit() {
		s.in.release(idx)
	}
}

func (s *Streamer) commitOut(idx int, req *StreamOutRequest) {
	if req.TryCommit() {
		s.out.release(idx)
	}
}

func (s *Streamer) commitAll() {
	s.out.each(s.commitOut)
	s.in.each(func(idx int, req *StreamInRequest) {
		if req.Complete() {
			s.commitIn(idx, req)
		}
	})
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
