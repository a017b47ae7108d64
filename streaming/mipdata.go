// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

// MipDataBlock is the host copy of one side of one mip.
type MipDataBlock struct {
	data []byte
}

// Init makes sure the block holds size bytes and returns them.
func (b *MipDataBlock) Init(size int64) []byte {
	if int64(len(b.data)) != size {
		b.data = make([]byte, size)
	}
	return b.data
}

// Bytes returns the block contents, nil when not allocated.
func (b *MipDataBlock) Bytes() []byte {
	return b.data
}

// Allocated reports whether the block holds data.
func (b *MipDataBlock) Allocated() bool {
	return b.data != nil
}

// Free drops the data.
func (b *MipDataBlock) Free() {
	b.data = nil
}
