// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kar

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

// Open opens the kar archived from r. It will also check
// if the file is actually a kar archive, will return an error
// when file incorrect.
func Open(r io.ReaderAt) (*Archive, error) {
	fileMagic := make([]byte, MagicLength)
	if num, err := r.ReadAt(fileMagic, 0); err != nil && err != io.EOF {
		return nil, err
	} else if num < MagicLength || !bytes.Equal(fileMagic, magic[:]) {
		return nil, ErrFileFormat
	}

	headerSizeBytes := make([]byte, HeaderSizeNumberLength)
	if num, err := r.ReadAt(headerSizeBytes, MagicLength); err != nil && err != io.EOF {
		return nil, err
	} else if num < HeaderSizeNumberLength {
		return nil, ErrFileFormat
	}

	headerSize, err := binaryToint64(headerSizeBytes)
	if err != nil || headerSize <= 0 || headerSize > MaxHeaderSize {
		return nil, ErrFileFormat
	}
	if sized, ok := r.(interface{ Size() int64 }); ok && headerSize > sized.Size()-MagicLength-HeaderSizeNumberLength {
		return nil, ErrFileFormat
	}

	headerBytes := make([]byte, headerSize)
	if num, err := r.ReadAt(headerBytes, MagicLength+HeaderSizeNumberLength); err != nil && err != io.EOF {
		return nil, err
	} else if int64(num) < headerSize {
		return nil, ErrFileFormat
	}

	ar := Archive{
		reader:    r,
		dataStart: MagicLength + HeaderSizeNumberLength + headerSize,
		index:     make(map[entryKey]int),
	}
	if err := gobDecode(&ar.header, headerBytes); err != nil {
		return nil, errors.Wrap(ErrFileFormat, err.Error())
	}
	if err := ar.header.Texture.Validate(); err != nil {
		return nil, errors.Wrap(ErrFileFormat, err.Error())
	}
	for i, e := range ar.header.Index {
		ar.index[entryKey{mip: e.Mip, side: e.Side}] = i
	}
	return &ar, nil
}

// Archive provides concurrent io for a kar file, and can provide
// an io.Reader for each entry separately to perform actions on.
type Archive struct {
	reader    io.ReaderAt
	header    Header
	dataStart int64
	index     map[entryKey]int
}

// Header returns the decoded archive header.
func (a *Archive) Header() Header {
	return a.header
}

// Texture returns the description of the stored texture.
func (a *Archive) Texture() TextureDesc {
	return a.header.Texture
}

// Entry looks up the index entry of one side of a mip.
func (a *Archive) Entry(mip, side int) (IndexEntry, bool) {
	i, ok := a.index[entryKey{mip: mip, side: side}]
	if !ok {
		return IndexEntry{}, false
	}
	return a.header.Index[i], true
}

// Location returns the absolute offset of the entry inside the
// file holding its chunk.
func (a *Archive) Location(e IndexEntry) int64 {
	if e.Chunk == 0 {
		return a.dataStart + e.Offset
	}
	return e.Offset
}

// ReadRaw reads the stored bytes of an entry without expanding them.
// Only entries of chunk 0 can be read through the archive.
func (a *Archive) ReadRaw(e IndexEntry) ([]byte, error) {
	if e.Chunk != 0 {
		return nil, errors.Wrapf(ErrChunk, "mip %d chunk %d", e.Mip, e.Chunk)
	}
	raw := make([]byte, e.CompressedSize)
	if num, err := a.reader.ReadAt(raw, a.Location(e)); err != nil && !(err == io.EOF && int64(num) == e.CompressedSize) {
		return nil, err
	}
	return raw, nil
}

// Open returns a Reader of the expanded data of one side of a mip.
func (a *Archive) Open(mip, side int) (io.Reader, error) {
	e, ok := a.Entry(mip, side)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "mip %d side %d", mip, side)
	}
	if e.Chunk != 0 {
		return nil, errors.Wrapf(ErrChunk, "mip %d chunk %d", e.Mip, e.Chunk)
	}
	section := io.NewSectionReader(a.reader, a.Location(e), e.CompressedSize)
	if !e.Compressed {
		return section, nil
	}
	return lz4.NewReader(section), nil
}

// ReadAll returns the entire expanded contents of one side of a mip.
func (a *Archive) ReadAll(mip, side int) ([]byte, error) {
	r, err := a.Open(mip, side)
	if err != nil {
		return nil, err
	}
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != a.header.Index[a.index[entryKey{mip: mip, side: side}]].Size {
		return nil, ErrEntrySize
	}
	return data, nil
}

// Expand decompresses raw entry bytes into dst, which must be exactly
// the size of the expanded entry.
func Expand(e IndexEntry, raw, dst []byte) error {
	if int64(len(dst)) != e.Size || int64(len(raw)) != e.CompressedSize {
		return ErrEntrySize
	}
	if !e.Compressed {
		copy(dst, raw)
		return nil
	}
	r := lz4.NewReader(bytes.NewReader(raw))
	if _, err := io.ReadFull(r, dst); err != nil {
		return errors.Wrapf(err, "expand mip %d side %d", e.Mip, e.Side)
	}
	return nil
}
