// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package device

import (
	"strings"

	"github.com/pkg/errors"
)

// Format is a texel format.
type Format uint32

// Known formats
const (
	FormatUnknown Format = iota
	FormatR8
	FormatRG8
	FormatRGBA8
	FormatBGRA8
	FormatRGBA16F
	FormatBC1
	FormatBC2
	FormatBC3
	FormatBC4
	FormatBC5
	FormatBC6H
	FormatBC7
	FormatCTX1
	formatCount
)

type formatInfo struct {
	name       string
	blockDim   int
	blockBytes int
}

var formats = [formatCount]formatInfo{
	FormatUnknown: {"Unknown", 0, 0},
	FormatR8:      {"R8", 1, 1},
	FormatRG8:     {"RG8", 1, 2},
	FormatRGBA8:   {"RGBA8", 1, 4},
	FormatBGRA8:   {"BGRA8", 1, 4},
	FormatRGBA16F: {"RGBA16F", 1, 8},
	FormatBC1:     {"BC1", 4, 8},
	FormatBC2:     {"BC2", 4, 16},
	FormatBC3:     {"BC3", 4, 16},
	FormatBC4:     {"BC4", 4, 8},
	FormatBC5:     {"BC5", 4, 16},
	FormatBC6H:    {"BC6H", 4, 16},
	FormatBC7:     {"BC7", 4, 16},
	FormatCTX1:    {"CTX1", 4, 8},
}

// ParseFormat finds a format by its name, case insensitive.
func ParseFormat(name string) (Format, error) {
	for f := FormatR8; f < formatCount; f++ {
		if strings.EqualFold(formats[f].name, name) {
			return f, nil
		}
	}
	return FormatUnknown, errors.Errorf("unknown format %q", name)
}

// Known reports if the format is one this package describes.
func (f Format) Known() bool {
	return f > FormatUnknown && f < formatCount
}

func (f Format) String() string {
	if f >= formatCount {
		return formats[FormatUnknown].name
	}
	return formats[f].name
}

// Compressed reports block compressed formats.
func (f Format) Compressed() bool {
	return f.Known() && formats[f].blockDim > 1
}

// BlockDim returns the width and height of a block in texels.
func (f Format) BlockDim() int {
	if !f.Known() {
		return 0
	}
	return formats[f].blockDim
}

// BlockBytes returns the size of one block.
func (f Format) BlockBytes() int {
	if !f.Known() {
		return 0
	}
	return formats[f].blockBytes
}

// DataSize returns the number of bytes of one image of the given
// dimensions, partial blocks are padded to full blocks.
func DataSize(width, height, depth int, f Format) int64 {
	if !f.Known() || width <= 0 || height <= 0 || depth <= 0 {
		return 0
	}
	dim := formats[f].blockDim
	blocksW := (width + dim - 1) / dim
	blocksH := (height + dim - 1) / dim
	return int64(blocksW) * int64(blocksH) * int64(depth) * int64(formats[f].blockBytes)
}
