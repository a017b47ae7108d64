// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package aio provides asynchronous byte range reads of files.
// Every read accepted by ReadAsync gets exactly one callback, be it
// with data, with an error or because it was aborted before it started.
package aio

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// package errors
var (
	ErrAborted   = errors.New("read aborted before it started")
	ErrQueueFull = errors.New("read queue is full")
	ErrClosed    = errors.New("reader is closed")
	ErrShortRead = errors.New("file ended before the requested range")
)

// MediaType hints at where the data of a read came from.
type MediaType int32

// Known media types
const (
	MediaUnknown MediaType = iota
	MediaMemory
	MediaDisk
	MediaOptical
	MediaNetwork
)

func (m MediaType) String() string {
	switch m {
	case MediaMemory:
		return "memory"
	case MediaDisk:
		return "disk"
	case MediaOptical:
		return "optical"
	case MediaNetwork:
		return "network"
	}
	return "unknown"
}

// Priority orders reads waiting in the queue.
type Priority int

// Read priorities
const (
	PriorityNormal Priority = iota
	PriorityUrgent
)

// File is an open file that can be read from concurrently.
type File interface {
	io.ReaderAt
	io.Closer
}

// Opener opens the file at path.
type Opener func(path string) (File, MediaType, error)

// MmapOpener memory maps files from the local filesystem.
func MmapOpener(path string) (File, MediaType, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, MediaUnknown, err
	}
	return r, MediaDisk, nil
}

// ReadParams describe one read.
type ReadParams struct {
	Path     string
	Offset   int64
	Size     int64
	UserData interface{}
	Priority Priority

	// SyncCallback delays the callback until Dispatch is called,
	// otherwise it runs on the goroutine that performed the read.
	SyncCallback bool
}

// Result is handed to the callback of a read.
type Result struct {
	Buf      []byte
	Err      error
	UserData interface{}
	Media    MediaType
}

// Callback is called exactly once per accepted read.
type Callback func(Result)

// Reader is the asynchronous read facility. When ReadAsync returns an
// error the read was not accepted and its callback will never be called.
type Reader interface {
	ReadAsync(params ReadParams, cb Callback) (*Request, error)
}

const (
	stateQueued int32 = iota
	stateRunning
	stateAborted
	stateDone
)

// Request is the handle of an accepted read.
type Request struct {
	params ReadParams
	cb     Callback
	state  int32
	done   chan struct{}
}

func newRequest(params ReadParams, cb Callback) *Request {
	return &Request{
		params: params,
		cb:     cb,
		done:   make(chan struct{}),
	}
}

// Params returns the parameters the read was issued with.
func (r *Request) Params() ReadParams {
	return r.params
}

// TryAbort aborts the read if it has not started yet. The callback
// is still called, with ErrAborted. Reads that already started run
// to completion.
func (r *Request) TryAbort() bool {
	return atomic.CompareAndSwapInt32(&r.state, stateQueued, stateAborted)
}

// Done is closed after the callback returned.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the callback returned or ctx is done.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start moves the request to running, false means it was aborted.
func (r *Request) start() bool {
	return atomic.CompareAndSwapInt32(&r.state, stateQueued, stateRunning)
}

func (r *Request) finish(res Result) {
	res.UserData = r.params.UserData
	r.cb(res)
	atomic.StoreInt32(&r.state, stateDone)
	close(r.done)
}
