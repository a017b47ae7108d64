// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kar_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devblok/mipstream/utility/kar"
	"golang.org/x/exp/mmap"
)

type nopCloser struct {
	*bytes.Buffer
}

func (nopCloser) Close() error { return nil }

func testDesc(flags kar.Flags) kar.TextureDesc {
	return kar.TextureDesc{
		Width:          64,
		Height:         64,
		Depth:          1,
		Mips:           4,
		Sides:          2,
		PersistentMips: 2,
		Format:         1,
		Flags:          flags,
	}
}

func mipData(mip, side int) []byte {
	size := 4096 >> uint(2*mip)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(mip*31 + side*7 + i%13)
	}
	return data
}

func build(t *testing.T, desc kar.TextureDesc) *kar.Builder {
	builder, err := kar.NewBuilder(kar.Header{
		Author:      "devblok",
		DateCreated: time.Now().Unix(),
		Texture:     desc,
	})
	if err != nil {
		t.Fatal(err)
	}
	for mip := 0; mip < desc.Mips; mip++ {
		for side := 0; side < desc.Sides; side++ {
			if err := builder.Add(mip, side, mipData(mip, side)); err != nil {
				t.Fatal(err)
			}
		}
	}
	return builder
}

func TestCreateAndReadAll(t *testing.T) {
	buf := bytes.NewBuffer([]byte{})
	if written, err := build(t, testDesc(0)).WriteTo(buf); err != nil {
		t.Error(err)
	} else if written != int64(buf.Len()) {
		t.Errorf("reported %d bytes, wrote %d", written, buf.Len())
	}

	ar, err := kar.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if ar.Header().Version != kar.Version {
		t.Error("version was not filled in")
	}

	for mip := 0; mip < 4; mip++ {
		for side := 0; side < 2; side++ {
			data, err := ar.ReadAll(mip, side)
			if err != nil {
				t.Error(err)
				continue
			}
			if !bytes.Equal(data, mipData(mip, side)) {
				t.Errorf("mip %d side %d does not match up", mip, side)
			}
		}
	}
}

func TestSmallestMipFirst(t *testing.T) {
	buf := bytes.NewBuffer([]byte{})
	if _, err := build(t, testDesc(0)).WriteTo(buf); err != nil {
		t.Fatal(err)
	}
	ar, err := kar.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}

	index := ar.Header().Index
	for i := 1; i < len(index); i++ {
		prev, cur := index[i-1], index[i]
		if cur.Mip > prev.Mip {
			t.Errorf("entry %d (mip %d) stored after a larger mip", i, cur.Mip)
		}
		if cur.Offset != prev.Offset+prev.CompressedSize {
			t.Errorf("entry %d is not contiguous with the previous one", i)
		}
	}
}

func TestExpandRaw(t *testing.T) {
	buf := bytes.NewBuffer([]byte{})
	if _, err := build(t, testDesc(0)).WriteTo(buf); err != nil {
		t.Fatal(err)
	}
	ar, err := kar.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}

	e, ok := ar.Entry(1, 1)
	if !ok {
		t.Fatal("entry missing")
	}
	raw, err := ar.ReadRaw(e)
	if err != nil {
		t.Fatal(err)
	}
	dst := make([]byte, e.Size)
	if err := kar.Expand(e, raw, dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst, mipData(1, 1)) {
		t.Error("expanded data does not match up")
	}
	if err := kar.Expand(e, raw, dst[1:]); err != kar.ErrEntrySize {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestSplit(t *testing.T) {
	files := map[string]*bytes.Buffer{}
	err := build(t, testDesc(kar.FlagSplit|kar.FlagAlpha)).WriteSplit("tex.kar", func(name string) (io.WriteCloser, error) {
		files[name] = &bytes.Buffer{}
		return nopCloser{files[name]}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"tex.kar", "tex.kar.1a", "tex.kar.2a"} {
		if _, ok := files[name]; !ok {
			t.Errorf("%s was not written", name)
		}
	}
	if len(files) != 3 {
		t.Errorf("expected 3 files, got %d", len(files))
	}

	ar, err := kar.Open(bytes.NewReader(files["tex.kar"].Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ar.ReadAll(3, 0); err != nil {
		t.Error(err)
	}
	if _, err := ar.ReadAll(0, 0); err == nil {
		t.Error("chunked entry must not be readable from the base file")
	}

	e, _ := ar.Entry(0, 1)
	if e.Chunk != 2 {
		t.Fatalf("mip 0 expected in chunk 2, got %d", e.Chunk)
	}
	chunk := files[kar.ChunkName("tex.kar", e.Chunk, kar.FlagAlpha)].Bytes()
	off := ar.Location(e)
	dst := make([]byte, e.Size)
	if err := kar.Expand(e, chunk[off:off+e.CompressedSize], dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst, mipData(0, 1)) {
		t.Error("chunked data does not match up")
	}
}

func TestChunkName(t *testing.T) {
	cases := []struct {
		chunk int
		flags kar.Flags
		name  string
	}{
		{0, 0, "a.kar"},
		{0, kar.FlagAlpha, "a.kar"},
		{3, 0, "a.kar.3"},
		{3, kar.FlagAlpha, "a.kar.3a"},
	}
	for _, c := range cases {
		if got := kar.ChunkName("a.kar", c.chunk, c.flags); got != c.name {
			t.Errorf("expected %s, got %s", c.name, got)
		}
	}
}

func TestIncomplete(t *testing.T) {
	builder, err := kar.NewBuilder(kar.Header{Texture: testDesc(0)})
	if err != nil {
		t.Fatal(err)
	}
	if err := builder.Add(0, 0, mipData(0, 0)); err != nil {
		t.Fatal(err)
	}
	if err := builder.Add(0, 0, mipData(0, 0)); err == nil {
		t.Error("duplicate entry accepted")
	}
	if err := builder.Add(4, 0, nil); err == nil {
		t.Error("out of range mip accepted")
	}
	if _, err := builder.WriteTo(&bytes.Buffer{}); err == nil {
		t.Error("incomplete archive written")
	}
}

func TestOpenCorrupted(t *testing.T) {
	if _, err := kar.Open(bytes.NewReader([]byte("TAR\x00garbage garbage"))); err != kar.ErrFileFormat {
		t.Errorf("expected format error, got %v", err)
	}
	if _, err := kar.Open(bytes.NewReader([]byte("KA"))); err != kar.ErrFileFormat {
		t.Errorf("expected format error, got %v", err)
	}
}

// sizelessReader hides the Size method of its reader.
type sizelessReader struct {
	r io.ReaderAt
}

func (s sizelessReader) ReadAt(p []byte, off int64) (int, error) {
	return s.r.ReadAt(p, off)
}

func TestOpenHeaderSizeBounded(t *testing.T) {
	lying := func(size uint64) []byte {
		data := []byte("KAR\x00")
		data = append(data, make([]byte, kar.HeaderSizeNumberLength)...)
		binary.LittleEndian.PutUint64(data[kar.MagicLength:], size)
		return append(data, "short header"...)
	}

	cases := []struct {
		name string
		r    io.ReaderAt
	}{
		{"past end of file", bytes.NewReader(lying(1 << 20))},
		{"over maximum", sizelessReader{bytes.NewReader(lying(1 << 62))}},
		{"negative", sizelessReader{bytes.NewReader(lying(1 << 63))}},
	}
	for _, c := range cases {
		if _, err := kar.Open(c.r); err != kar.ErrFileFormat {
			t.Errorf("%s: expected format error, got %v", c.name, err)
		}
	}
}

func TestOpenmmap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opentest.kar")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := build(t, testDesc(0)).WriteTo(f); err != nil {
		t.Fatal(err)
	}
	f.Close()

	r, err := mmap.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ar, err := kar.Open(r)
	if err != nil {
		t.Fatal(err)
	}
	if data, err := ar.ReadAll(2, 0); err != nil {
		t.Error(err)
	} else if !bytes.Equal(data, mipData(2, 0)) {
		t.Error("result is not expected value")
	}
}
