// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package kar is an api for an lz4 backed texture container format.
// It's purpose is to be well suited for streaming mip levels from it.
// It's designed to be memory mapped, so the archive knows where every
// mip of every side is located before anything is read. The archive
// itself is not compressed, rather every entry is individually compressed,
// so it can be read from it's place and decompressed on the fly.
//
// Entries are stored smallest mip first, and all sides of one mip are
// laid out next to each other, so a single contiguous read fetches a
// whole mip level. A split archive keeps the persistent mip tail in the
// base file and moves every other mip into its own chunk file, named
// with ChunkName.
package kar

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"strconv"

	"github.com/pkg/errors"
)

// package errors
var (
	ErrFileFormat = errors.New("corrupted or not a kar archive")
	ErrNotFound   = errors.New("entry not present in archive")
	ErrChunk      = errors.New("entry is stored in a separate chunk file")
	ErrEntrySize  = errors.New("entry size does not match the expanded data")
	ErrDuplicate  = errors.New("entry already added")
	ErrIncomplete = errors.New("archive is missing entries")
	ErrDesc       = errors.New("invalid texture description")
)

// Sizes relevant to the header of file
const (
	MagicLength            = 4
	HeaderSizeNumberLength = 8
)

// MaxHeaderSize bounds the header length Open accepts.
const MaxHeaderSize = 16 << 20

// Version is the current container version written by Builder.
const Version = 2

var magic = [MagicLength]byte{'K', 'A', 'R', '\x00'}

// Flags describe how a texture is stored.
type Flags uint32

// Texture storage flags
const (
	// FlagSplit means mips outside the persistent tail live in chunk files.
	FlagSplit Flags = 1 << iota
	// FlagAlpha marks an attached alpha texture, it changes chunk names.
	FlagAlpha
	// FlagNormalMap marks normal maps, these may stream in formats
	// the device does not report as supported.
	FlagNormalMap
	// FlagCubemap marks a six sided texture.
	FlagCubemap
)

// TextureDesc describes the texture held in an archive.
type TextureDesc struct {
	Width          int
	Height         int
	Depth          int
	Mips           int
	Sides          int
	PersistentMips int
	Format         uint32
	Flags          Flags
}

// Validate checks that the description can possibly describe a texture.
func (d TextureDesc) Validate() error {
	switch {
	case d.Width <= 0 || d.Height <= 0 || d.Depth <= 0:
		return errors.Wrap(ErrDesc, "dimensions must be positive")
	case d.Mips <= 0:
		return errors.Wrap(ErrDesc, "at least one mip is required")
	case d.Sides <= 0:
		return errors.Wrap(ErrDesc, "at least one side is required")
	case d.PersistentMips < 0 || d.PersistentMips > d.Mips:
		return errors.Wrapf(ErrDesc, "persistent mips %d out of range", d.PersistentMips)
	}
	return nil
}

// IndexEntry is info for one mip of one side in the index.
type IndexEntry struct {
	Mip   int
	Side  int
	Chunk int

	// Offset is relative to the start of the data section of
	// the file holding the chunk.
	Offset         int64
	Size           int64
	CompressedSize int64

	// Compressed is false when lz4 could not make the entry smaller,
	// in which case the entry is stored as is.
	Compressed bool
}

// Header is the file header for kar files.
type Header struct {
	Author      string
	DateCreated int64
	Version     int64
	Texture     TextureDesc
	Index       []IndexEntry
}

// ChunkFor returns the chunk number a mip is stored in. Persistent mips
// and every mip of a non split archive are stored in chunk 0.
func ChunkFor(desc TextureDesc, mip int) int {
	if desc.Flags&FlagSplit == 0 {
		return 0
	}
	chunk := desc.Mips - mip - desc.PersistentMips
	if chunk < 0 {
		return 0
	}
	return chunk
}

// ChunkName returns the name of the file that holds the given chunk
// of a split archive, base being the name of the main file.
func ChunkName(base string, chunk int, flags Flags) string {
	if chunk == 0 {
		return base
	}
	name := base + "." + strconv.Itoa(chunk)
	if flags&FlagAlpha != 0 {
		name += "a"
	}
	return name
}

func int64ToBinary(num int64) []byte {
	bts := make([]byte, HeaderSizeNumberLength)
	binary.LittleEndian.PutUint64(bts, uint64(num))
	return bts
}

func binaryToint64(bts []byte) (int64, error) {
	if len(bts) < HeaderSizeNumberLength {
		return 0, ErrFileFormat
	}
	return int64(binary.LittleEndian.Uint64(bts)), nil
}

func gobEncode(data interface{}) ([]byte, error) {
	var encoded bytes.Buffer
	enc := gob.NewEncoder(&encoded)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return encoded.Bytes(), nil
}

func gobDecode(obj interface{}, bts []byte) error {
	dec := gob.NewDecoder(bytes.NewBuffer(bts))
	if err := dec.Decode(obj); err != nil {
		return err
	}
	return nil
}
