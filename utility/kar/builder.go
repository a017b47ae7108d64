// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kar

import (
	"bytes"
	"io"
	"sync"

	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

// NewBuilder creates a new Builder. Do not fill the Index in
// the header, it will be overwritten anyway.
func NewBuilder(header Header) (*Builder, error) {
	if err := header.Texture.Validate(); err != nil {
		return nil, err
	}
	if header.Version == 0 {
		header.Version = Version
	}
	header.Index = nil
	return &Builder{
		header:  header,
		entries: make(map[entryKey]*pendingEntry),
	}, nil
}

type entryKey struct {
	mip  int
	side int
}

type pendingEntry struct {
	size       int64
	compressed bool
	data       []byte
}

// Builder is the high level builder for the archive format.
// Archives are versioned and cannot be appended to, this Builder
// is the way to create one. Whenever Add is called the Builder
// compresses the mip and keeps it until WriteTo or WriteSplit
// bundles everything together.
type Builder struct {
	header Header

	mutex   sync.Mutex
	entries map[entryKey]*pendingEntry
}

// Add appends one side of one mip level to the builder.
// Will block until lz4 finishes compression. Is safe
// to use concurrently in different goroutines.
func (b *Builder) Add(mip, side int, data []byte) error {
	desc := b.header.Texture
	if mip < 0 || mip >= desc.Mips || side < 0 || side >= desc.Sides {
		return errors.Wrapf(ErrNotFound, "mip %d side %d", mip, side)
	}

	var compressed bytes.Buffer
	writer := lz4.NewWriter(&compressed)
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "lz4 compression")
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "lz4 compression")
	}

	entry := &pendingEntry{size: int64(len(data))}
	if compressed.Len() < len(data) {
		entry.compressed = true
		entry.data = compressed.Bytes()
	} else {
		entry.data = append([]byte(nil), data...)
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	key := entryKey{mip: mip, side: side}
	if _, ok := b.entries[key]; ok {
		return errors.Wrapf(ErrDuplicate, "mip %d side %d", mip, side)
	}
	b.entries[key] = entry
	return nil
}

// layout orders entries smallest mip first with all sides of a mip
// adjacent, and assigns every entry its chunk and offset.
func (b *Builder) layout() (Header, [][]byte, error) {
	desc := b.header.Texture
	header := b.header
	header.Index = make([]IndexEntry, 0, desc.Mips*desc.Sides)

	var chunks [][]byte
	offsets := map[int]int64{}
	for mip := desc.Mips - 1; mip >= 0; mip-- {
		chunk := ChunkFor(desc, mip)
		for len(chunks) <= chunk {
			chunks = append(chunks, nil)
		}
		for side := 0; side < desc.Sides; side++ {
			pending, ok := b.entries[entryKey{mip: mip, side: side}]
			if !ok {
				return Header{}, nil, errors.Wrapf(ErrIncomplete, "mip %d side %d", mip, side)
			}
			header.Index = append(header.Index, IndexEntry{
				Mip:            mip,
				Side:           side,
				Chunk:          chunk,
				Offset:         offsets[chunk],
				Size:           pending.size,
				CompressedSize: int64(len(pending.data)),
				Compressed:     pending.compressed,
			})
			chunks[chunk] = append(chunks[chunk], pending.data...)
			offsets[chunk] += int64(len(pending.data))
		}
	}
	return header, chunks, nil
}

// WriteTo bundles and writes all of the entries added to the Builder
// into a kar archive that is ready to use. For split archives only the
// base file is written, use WriteSplit to produce the chunks as well.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	header, chunks, err := b.layout()
	if err != nil {
		return 0, err
	}
	return writeBase(w, header, chunks[0])
}

// WriteSplit writes a split archive. The base file gets the header and
// the persistent tail, every other chunk goes into a file named by
// ChunkName. create is called once per file.
func (b *Builder) WriteSplit(base string, create func(name string) (io.WriteCloser, error)) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.header.Texture.Flags&FlagSplit == 0 {
		return errors.Wrap(ErrDesc, "texture is not flagged as split")
	}
	header, chunks, err := b.layout()
	if err != nil {
		return err
	}

	for chunk, data := range chunks {
		name := ChunkName(base, chunk, header.Texture.Flags)
		w, err := create(name)
		if err != nil {
			return errors.Wrapf(err, "create %s", name)
		}
		if chunk == 0 {
			_, err = writeBase(w, header, data)
		} else {
			_, err = w.Write(data)
		}
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Wrapf(err, "write %s", name)
		}
	}
	return nil
}

func writeBase(w io.Writer, header Header, data []byte) (int64, error) {
	rawHeader, err := gobEncode(header)
	if err != nil {
		return 0, err
	}

	var written int64
	for _, part := range [][]byte{magic[:], int64ToBinary(int64(len(rawHeader))), rawHeader, data} {
		n, err := w.Write(part)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
