// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package device describes the part of a rendering device that
// texture streaming needs: storage allocation, uploads and copies.
package device

import "github.com/pkg/errors"

// package errors
var (
	ErrOutOfMemory   = errors.New("device out of memory")
	ErrInvalidHandle = errors.New("invalid storage handle")
	ErrOutOfRange    = errors.New("region outside of storage")
)

// Handle identifies a block of device storage. Zero is never a valid handle.
type Handle uint64

// Region is a byte range inside a block of storage.
type Region struct {
	Offset int64
	Size   int64
}

// Capabilities describe what a device allows besides the basics.
type Capabilities struct {
	// ConcurrentUpload allows Upload from any goroutine.
	ConcurrentUpload bool
	// ConcurrentCopy allows CopyRegion from any goroutine,
	// for example on a dedicated copy engine.
	ConcurrentCopy bool
	// DeferredContexts means command lists can be recorded away
	// from the render thread and executed on it later.
	DeferredContexts bool
}

// Device describes a non-concrete rendering device. Unless the
// capabilities say otherwise, Upload and CopyRegion are only
// called from the render thread.
type Device interface {
	// AllocateStorage allocates size bytes of storage.
	AllocateStorage(size int64) (Handle, error)

	// Release frees storage, the handle must not be used again.
	Release(Handle)

	// Upload writes data into storage at region, the region
	// size must match the data length.
	Upload(h Handle, region Region, data []byte) error

	// CopyRegion copies region of src into dst at dstOffset.
	CopyRegion(src, dst Handle, region Region, dstOffset int64) error

	// SupportsFormat checks if textures of the format can be sampled.
	SupportsFormat(Format) bool

	// Capabilities returns the capability flags of the device.
	Capabilities() Capabilities
}
