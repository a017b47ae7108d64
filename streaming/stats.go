// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"sync/atomic"
	"time"
)

// Stats are the counters shared by every part of the streaming engine.
// All methods are safe for concurrent use.
type Stats struct {
	bytesSubmitted            atomic.Int64
	mipsSubmitted             atomic.Int64
	bytesRequiredNotSubmitted atomic.Int64

	poolInUse           atomic.Int64
	poolBound           atomic.Int64
	poolBoundPersistent atomic.Int64
	allocFails          atomic.Int64
	outOfMemory         atomic.Bool

	bytesRead     atomic.Int64
	bytesUploaded atomic.Int64
	committed     atomic.Int64
	aborted       atomic.Int64
	streamTime    atomic.Int64
}

// NewStats creates zeroed counters.
func NewStats() *Stats {
	return &Stats{}
}

// StatsSnapshot is a point in time copy of Stats.
type StatsSnapshot struct {
	BytesSubmitted            int64
	MipsSubmitted             int64
	BytesRequiredNotSubmitted int64
	PoolInUse                 int64
	PoolBound                 int64
	PoolBoundPersistent       int64
	AllocFails                int64
	OutOfMemory               bool
	BytesRead                 int64
	BytesUploaded             int64
	RequestsCommitted         int64
	RequestsAborted           int64
	StreamTime                time.Duration
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		BytesSubmitted:            s.bytesSubmitted.Load(),
		MipsSubmitted:             s.mipsSubmitted.Load(),
		BytesRequiredNotSubmitted: s.bytesRequiredNotSubmitted.Load(),
		PoolInUse:                 s.poolInUse.Load(),
		PoolBound:                 s.poolBound.Load(),
		PoolBoundPersistent:       s.poolBoundPersistent.Load(),
		AllocFails:                s.allocFails.Load(),
		OutOfMemory:               s.outOfMemory.Load(),
		BytesRead:                 s.bytesRead.Load(),
		BytesUploaded:             s.bytesUploaded.Load(),
		RequestsCommitted:         s.committed.Load(),
		RequestsAborted:           s.aborted.Load(),
		StreamTime:                time.Duration(s.streamTime.Load()),
	}
}

// BytesSubmitted returns the bytes issued to io and not completed yet.
func (s *Stats) BytesSubmitted() int64 {
	return s.bytesSubmitted.Load()
}

// MipsSubmitted returns the mips issued to io and not completed yet.
func (s *Stats) MipsSubmitted() int64 {
	return s.mipsSubmitted.Load()
}

// OutOfMemory reports if the engine hit an allocation failure it
// could not recover from and has not relieved the pool since.
func (s *Stats) OutOfMemory() bool {
	return s.outOfMemory.Load()
}

// SetOutOfMemory sets the out of memory flag.
func (s *Stats) SetOutOfMemory(oom bool) {
	s.outOfMemory.Store(oom)
}

// Reset zeroes every counter.
func (s *Stats) Reset() {
	for _, c := range []*atomic.Int64{
		&s.bytesSubmitted, &s.mipsSubmitted, &s.bytesRequiredNotSubmitted,
		&s.poolInUse, &s.poolBound, &s.poolBoundPersistent, &s.allocFails,
		&s.bytesRead, &s.bytesUploaded, &s.committed, &s.aborted, &s.streamTime,
	} {
		c.Store(0)
	}
	s.outOfMemory.Store(false)
}

func (s *Stats) submit(bytes, mips int64) {
	s.bytesSubmitted.Add(bytes)
	s.mipsSubmitted.Add(mips)
}

// complete undoes submit, the counters can never go below zero
// unless a read completed twice.
func (s *Stats) complete(bytes, mips int64) {
	if s.bytesSubmitted.Add(-bytes) < 0 || s.mipsSubmitted.Add(-mips) < 0 {
		panic("streaming: submitted counters went negative")
	}
}

func (s *Stats) bind(bytes int64, persistent bool) {
	s.poolBound.Add(bytes)
	if persistent {
		s.poolBoundPersistent.Add(bytes)
	}
}

func (s *Stats) unbind(bytes int64, persistent bool) {
	s.poolBound.Add(-bytes)
	if persistent {
		s.poolBoundPersistent.Add(-bytes)
	}
}
