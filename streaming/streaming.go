// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package streaming keeps the mip levels of textures resident in device
// memory according to how they are seen. A Streamer schedules loads of
// finer mips and evictions of unneeded ones, asynchronous reads complete
// on io goroutines, and the CompletionPump hands finished work back to
// the render thread where it is bound to the texture.
//
// Every streamed texture keeps a persistent tail of its coarsest mips
// resident for its whole life, so there is always something to sample.
package streaming

import (
	"github.com/pkg/errors"
)

// MaxMipLevels bounds the mip count of a texture. A stream out to
// MaxMipLevels unloads the texture entirely.
const MaxMipLevels = 16

// Streaming slot values stored in a texture.
const (
	InvalidStreamSlot = -1
	// StreamOutMask marks slots of the stream out table.
	StreamOutMask = 0x4000
)

// package errors
var (
	ErrPoolExhausted        = errors.New("stream pool exhausted")
	ErrAllocationDeferred   = errors.New("device allocation deferred to a later frame")
	ErrPersistentAllocation = errors.New("failed to allocate memory for persistent mip chain")
	ErrNotStreamable        = errors.New("texture can not be streamed")
	ErrNoResidentMips       = errors.New("texture has no resident mips to copy from")
	ErrUnsupportedStrategy  = errors.New("device can not run the upload strategy")
	ErrFlushIncomplete      = errors.New("streaming tasks still pending after flush")
	ErrUnsupportedFormat    = errors.New("texture format not supported by the device")
)
