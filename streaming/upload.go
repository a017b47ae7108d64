// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"github.com/pkg/errors"

	"github.com/devblok/mipstream/device"
)

// UploadStrategy decides where expanded mips are written to the device.
type UploadStrategy int

// Upload strategies
const (
	// UploadExpandThenCopy expands mips on io goroutines and uploads
	// them on the render thread when the request is committed.
	UploadExpandThenCopy UploadStrategy = iota
	// UploadAsync uploads straight from io goroutines, entries stored
	// uncompressed are uploaded in place without an extra copy.
	UploadAsync
	// UploadDeferred records every upload of a request into a batch on
	// the io goroutine that completes it, the batch runs on commit.
	UploadDeferred
)

func (u UploadStrategy) String() string {
	switch u {
	case UploadExpandThenCopy:
		return "expand"
	case UploadAsync:
		return "async"
	case UploadDeferred:
		return "deferred"
	}
	return "unknown"
}

// SelectUploadStrategy picks the strategy named by name, "auto" picking
// the best one the device capabilities allow.
func SelectUploadStrategy(caps device.Capabilities, name string) (UploadStrategy, error) {
	switch name {
	case "", "auto":
		switch {
		case caps.ConcurrentUpload:
			return UploadAsync, nil
		case caps.DeferredContexts:
			return UploadDeferred, nil
		}
		return UploadExpandThenCopy, nil
	case "async":
		if !caps.ConcurrentUpload {
			return 0, errors.Wrap(ErrUnsupportedStrategy, name)
		}
		return UploadAsync, nil
	case "deferred":
		if !caps.DeferredContexts {
			return 0, errors.Wrap(ErrUnsupportedStrategy, name)
		}
		return UploadDeferred, nil
	case "expand":
		return UploadExpandThenCopy, nil
	}
	return 0, errors.Errorf("unknown upload strategy %q", name)
}

type batchUpload struct {
	region device.Region
	data   []byte
}

type batchCopy struct {
	src       device.Handle
	region    device.Region
	dstOffset int64
}

// uploadBatch is a recorded list of device work for one target.
type uploadBatch struct {
	uploads []batchUpload
	copies  []batchCopy
}

func (b *uploadBatch) upload(region device.Region, data []byte) {
	b.uploads = append(b.uploads, batchUpload{region: region, data: data})
}

func (b *uploadBatch) copy(src device.Handle, region device.Region, dstOffset int64) {
	b.copies = append(b.copies, batchCopy{src: src, region: region, dstOffset: dstOffset})
}

// bytes is the amount of data the batch uploads.
func (b *uploadBatch) bytes() int64 {
	var n int64
	for _, u := range b.uploads {
		n += u.region.Size
	}
	return n
}

// execute runs the batch against dst.
func (b *uploadBatch) execute(dev device.Device, dst device.Handle) error {
	for _, c := range b.copies {
		if err := dev.CopyRegion(c.src, dst, c.region, c.dstOffset); err != nil {
			return errors.Wrap(err, "batched copy")
		}
	}
	for _, u := range b.uploads {
		if err := dev.Upload(dst, u.region, u.data); err != nil {
			return errors.Wrap(err, "batched upload")
		}
	}
	return nil
}
