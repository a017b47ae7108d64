// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"sync/atomic"

	"github.com/devblok/mipstream/device"
	"github.com/devblok/mipstream/utility/aio"
	"github.com/devblok/mipstream/utility/kar"
	"github.com/pkg/errors"
)

// mipSource is where one side of a mip lives on disk.
type mipSource struct {
	entry  kar.IndexEntry
	offset int64
}

// MipHeader describes one mip level of a streamed texture.
type MipHeader struct {
	// SideSize is the size of one side of the mip, padded to full blocks.
	SideSize int64
	// SideSizeWithMips is SideSize summed over this and every coarser mip.
	SideSizeWithMips int64

	path    string
	sources []mipSource
	blocks  []MipDataBlock
	media   atomic.Int32
}

// MediaType returns where the mip was last read from.
func (h *MipHeader) MediaType() aio.MediaType {
	return aio.MediaType(h.media.Load())
}

// Block returns the host copy of one side.
func (h *MipHeader) Block(side int) *MipDataBlock {
	return &h.blocks[side]
}

// StreamState is the streaming metadata of a texture.
type StreamState struct {
	path       string
	sides      int
	persistent int
	headers    []MipHeader
}

// computeSizes fills the per mip sizes of headers for the given
// dimensions and format.
func computeSizes(headers []MipHeader, width, height int, format device.Format) {
	for i := range headers {
		headers[i].SideSize = device.DataSize(max(1, width>>uint(i)), max(1, height>>uint(i)), 1, format)
	}
	var sum int64
	for i := len(headers) - 1; i >= 0; i-- {
		sum += headers[i].SideSize
		headers[i].SideSizeWithMips = sum
	}
}

// newStreamState builds the metadata of a texture from its archive.
// Split archives read their chunks from files next to path.
func newStreamState(path string, ar *kar.Archive, persistent int) (*StreamState, error) {
	desc := ar.Texture()
	s := &StreamState{
		path:       path,
		sides:      desc.Sides,
		persistent: persistent,
		headers:    make([]MipHeader, desc.Mips),
	}
	computeSizes(s.headers, desc.Width, desc.Height, device.Format(desc.Format))

	for mip := range s.headers {
		h := &s.headers[mip]
		h.sources = make([]mipSource, desc.Sides)
		h.blocks = make([]MipDataBlock, desc.Sides)
		for side := 0; side < desc.Sides; side++ {
			e, ok := ar.Entry(mip, side)
			if !ok {
				return nil, errors.Wrapf(kar.ErrNotFound, "mip %d side %d", mip, side)
			}
			if e.Size != h.SideSize {
				return nil, errors.Wrapf(kar.ErrEntrySize, "mip %d side %d holds %d bytes, expected %d", mip, side, e.Size, h.SideSize)
			}
			h.sources[side] = mipSource{entry: e, offset: ar.Location(e)}
			if side > 0 {
				prev := h.sources[side-1]
				if e.Chunk != prev.entry.Chunk || h.sources[side].offset != prev.offset+prev.entry.CompressedSize {
					return nil, errors.Errorf("sides of mip %d are not contiguous", mip)
				}
			}
		}
		h.path = kar.ChunkName(path, h.sources[0].entry.Chunk, desc.Flags)
	}
	return s, nil
}

// Header returns the header of a mip.
func (s *StreamState) Header(mip int) *MipHeader {
	return &s.headers[mip]
}

// Mips returns the number of mip levels.
func (s *StreamState) Mips() int {
	return len(s.headers)
}

// itemSize is the storage needed to hold mips base..N-1 of every side.
func (s *StreamState) itemSize(base int) int64 {
	return s.headers[base].SideSizeWithMips * int64(s.sides)
}

// mipOffset is the offset of one side of a mip inside storage whose
// finest mip is base. Mips are laid out finest first, each with all
// of its sides.
func (s *StreamState) mipOffset(base, mip, side int) int64 {
	h := &s.headers[mip]
	return (s.headers[base].SideSizeWithMips-h.SideSizeWithMips)*int64(s.sides) + int64(side)*h.SideSize
}

// tailRegion is the region of storage with finest mip base that holds
// mip and every coarser one.
func (s *StreamState) tailRegion(base, mip int) device.Region {
	return device.Region{
		Offset: s.mipOffset(base, mip, 0),
		Size:   s.itemSize(mip),
	}
}

// readRange returns the single contiguous read fetching every side of a mip.
func (s *StreamState) readRange(mip int) (path string, offset, size int64) {
	h := &s.headers[mip]
	first, last := h.sources[0], h.sources[len(h.sources)-1]
	return h.path, first.offset, last.offset + last.entry.CompressedSize - first.offset
}

// sideBytes slices the stored bytes of one side out of a read buffer
// returned for readRange.
func (s *StreamState) sideBytes(mip, side int, buf []byte) ([]byte, error) {
	h := &s.headers[mip]
	src := h.sources[side]
	start := src.offset - h.sources[0].offset
	end := start + src.entry.CompressedSize
	if end > int64(len(buf)) {
		return nil, errors.Wrapf(kar.ErrEntrySize, "mip %d side %d past the end of the read", mip, side)
	}
	return buf[start:end], nil
}

// expand decompresses every side of a mip from one read buffer into
// the slices returned by dst.
func (s *StreamState) expand(mip int, buf []byte, dst func(side int) []byte) error {
	h := &s.headers[mip]
	for side, src := range h.sources {
		raw, err := s.sideBytes(mip, side, buf)
		if err != nil {
			return err
		}
		if err := kar.Expand(src.entry, raw, dst(side)); err != nil {
			return err
		}
	}
	return nil
}

// freeMips drops the host copies of mips first..last.
func (s *StreamState) freeMips(first, last int) {
	for mip := first; mip <= last && mip < len(s.headers); mip++ {
		for side := range s.headers[mip].blocks {
			s.headers[mip].blocks[side].Free()
		}
	}
}
