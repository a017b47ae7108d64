// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"io"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/devblok/mipstream/device"
	"github.com/devblok/mipstream/utility/aio"
	"github.com/devblok/mipstream/utility/kar"
)

// Image is an opened texture container.
type Image struct {
	Path    string
	Archive *kar.Archive

	open aio.Opener
	file aio.File
}

// OpenImage opens the container at path.
func OpenImage(open aio.Opener, path string) (*Image, error) {
	f, _, err := open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	ar, err := kar.Open(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return &Image{Path: path, Archive: ar, open: open, file: f}, nil
}

// Close closes the container file.
func (i *Image) Close() error {
	return i.file.Close()
}

// readEntry returns the stored bytes of an entry, opening the chunk
// file of split containers.
func (i *Image) readEntry(e kar.IndexEntry) ([]byte, error) {
	if e.Chunk == 0 {
		return i.Archive.ReadRaw(e)
	}
	name := kar.ChunkName(i.Path, e.Chunk, i.Archive.Texture().Flags)
	f, _, err := i.open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "open chunk %s", name)
	}
	defer f.Close()
	buf := make([]byte, e.CompressedSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, e.Offset, e.CompressedSize), buf); err != nil {
		return nil, errors.Wrapf(err, "read chunk %s", name)
	}
	return buf, nil
}

// persistentMips returns the persistent tail length of a texture, the
// one stored in the container or else the trailing mips no larger than
// PersistentMipMaxSize.
func (s *Streamer) persistentMips(desc kar.TextureDesc) int {
	if desc.PersistentMips > 0 {
		return desc.PersistentMips
	}
	n := 0
	for mip := desc.Mips - 1; mip >= 0; mip-- {
		if max(desc.Width>>uint(mip), desc.Height>>uint(mip), 1) > s.cfg.PersistentMipMaxSize {
			break
		}
		n++
	}
	return n
}

// eligible returns why a texture can not be streamed, nil if it can.
func (s *Streamer) eligible(desc kar.TextureDesc, persistent int) error {
	format := device.Format(desc.Format)
	switch {
	case !s.cfg.Enabled:
		return errors.New("streaming disabled")
	case !format.Known():
		return errors.Errorf("unknown format %d", desc.Format)
	case desc.Depth != 1:
		return errors.Errorf("depth %d", desc.Depth)
	case desc.Mips < 2:
		return errors.Errorf("%d mips", desc.Mips)
	case desc.Mips > MaxMipLevels:
		return errors.Errorf("%d mips, at most %d supported", desc.Mips, MaxMipLevels)
	case max(desc.Width, desc.Height) <= s.cfg.MinStreamableSize:
		return errors.Errorf("%dx%d not larger than %d", desc.Width, desc.Height, s.cfg.MinStreamableSize)
	case persistent <= 0 || persistent >= desc.Mips:
		return errors.Errorf("persistent tail of %d mips out of %d", persistent, desc.Mips)
	}
	if !s.dev.SupportsFormat(format) {
		normalMap := desc.Flags&kar.FlagNormalMap != 0 && (format == device.FormatBC5 || format == device.FormatCTX1)
		if !normalMap {
			return errors.Wrap(ErrUnsupportedFormat, format.String())
		}
	}
	return nil
}

// Prepare readies tex for streaming from img: the persistent tail is
// read and uploaded and the texture is registered. It returns false
// with a nil error when the texture can not be streamed, the caller is
// then expected to load it in full.
func (s *Streamer) Prepare(tex *Texture, img *Image) (bool, error) {
	desc := img.Archive.Texture()
	tex.setDesc(desc)
	persistent := s.persistentMips(desc)
	log := s.log.WithField("texture", tex.name)

	reject := func(reason error) (bool, error) {
		tex.persistentMips = 0
		tex.state = nil
		tex.setFlags(FlagDontStream | FlagUnloaded)
		log.WithError(reason).Debug("texture not streamed")
		return false, nil
	}
	if err := s.eligible(desc, persistent); err != nil {
		return reject(err)
	}
	state, err := newStreamState(img.Path, img.Archive, persistent)
	if err != nil {
		return reject(err)
	}
	tex.persistentMips = persistent

	tail := desc.Mips - persistent
	for mip := tail; mip < desc.Mips; mip++ {
		h := state.Header(mip)
		for side, src := range h.sources {
			raw, err := img.readEntry(src.entry)
			if err != nil {
				return false, errors.Wrapf(err, "read mip %d side %d", mip, side)
			}
			if err := kar.Expand(src.entry, raw, h.blocks[side].Init(h.SideSize)); err != nil {
				return false, errors.Wrapf(err, "expand mip %d side %d", mip, side)
			}
		}
	}
	tex.state = state

	item, err := s.pool.Acquire(AcquireRequest{
		Size:        state.itemSize(tail),
		Mips:        persistent,
		Owner:       tex,
		Persistent:  true,
		Synchronous: true,
	})
	if err != nil {
		log.WithError(err).WithField("size", humanize.IBytes(uint64(state.itemSize(tail)))).
			Error("failed to allocate memory for persistent mip chain")
		s.stats.SetOutOfMemory(true)
		state.freeMips(0, desc.Mips-1)
		tex.state = nil
		tex.setFlags(FlagFailed | FlagUnloaded)
		return false, errors.Wrap(ErrPersistentAllocation, err.Error())
	}

	for mip := tail; mip < desc.Mips; mip++ {
		h := state.Header(mip)
		for side := range h.blocks {
			region := device.Region{Offset: state.mipOffset(tail, mip, side), Size: h.SideSize}
			if err := s.dev.Upload(item.handle, region, h.blocks[side].Bytes()); err != nil {
				s.pool.Release(item)
				state.freeMips(0, desc.Mips-1)
				tex.state = nil
				tex.setFlags(FlagFailed)
				return false, errors.Wrapf(err, "upload mip %d side %d", mip, side)
			}
			s.stats.bytesUploaded.Add(region.Size)
		}
	}

	tex.bind(item, tail)
	tex.setFlags(FlagStreamed)
	if s.cfg.DontKeepSystem {
		state.freeMips(tail, desc.Mips-1)
	}
	s.Register(tex)

	log.WithFields(logrus.Fields{
		"mips":       desc.Mips,
		"persistent": persistent,
		"resident":   humanize.IBytes(uint64(item.Size())),
	}).Debug("texture prepared for streaming")
	return true, nil
}

// PrepareFromPath opens the container at path and prepares tex from it.
func (s *Streamer) PrepareFromPath(tex *Texture, path string) (bool, error) {
	img, err := OpenImage(s.opener, path)
	if err != nil {
		return false, err
	}
	defer img.Close()
	return s.Prepare(tex, img)
}

// loadFull uploads every mip of img into storage the texture keeps for
// its whole life.
func (s *Streamer) loadFull(tex *Texture, img *Image) error {
	desc := img.Archive.Texture()
	tex.setDesc(desc)
	if err := desc.Validate(); err != nil {
		return err
	}
	if !s.dev.SupportsFormat(tex.format) {
		return errors.Wrap(ErrUnsupportedFormat, tex.format.String())
	}

	var entries []kar.IndexEntry
	var total int64
	for mip := 0; mip < desc.Mips; mip++ {
		for side := 0; side < desc.Sides; side++ {
			e, ok := img.Archive.Entry(mip, side)
			if !ok {
				return errors.Wrapf(kar.ErrNotFound, "mip %d side %d", mip, side)
			}
			entries = append(entries, e)
			total += e.Size
		}
	}

	item, err := s.pool.Acquire(AcquireRequest{
		Size:        total,
		Mips:        desc.Mips,
		Owner:       tex,
		Persistent:  true,
		Synchronous: true,
	})
	if err != nil {
		s.stats.SetOutOfMemory(true)
		return errors.Wrap(err, "full load")
	}

	var offset int64
	for _, e := range entries {
		raw, err := img.readEntry(e)
		if err == nil {
			data := make([]byte, e.Size)
			if err = kar.Expand(e, raw, data); err == nil {
				err = s.dev.Upload(item.handle, device.Region{Offset: offset, Size: e.Size}, data)
			}
		}
		if err != nil {
			s.pool.Release(item)
			return errors.Wrapf(err, "load mip %d side %d", e.Mip, e.Side)
		}
		offset += e.Size
	}
	s.stats.bytesUploaded.Add(total)
	tex.persistentMips = desc.Mips
	tex.bind(item, 0)
	return nil
}

// LoadTexture loads the container at path. Streamable textures are
// prepared for streaming, others are loaded in full. Textures that can
// not be loaded at all are replaced by the placeholder.
func (s *Streamer) LoadTexture(path string) (*Texture, error) {
	log := s.log.WithField("path", path)
	tex := NewTexture(path)

	img, err := OpenImage(s.opener, path)
	if err == nil {
		defer img.Close()
		var ok bool
		if ok, err = s.Prepare(tex, img); ok {
			return tex, nil
		}
		if err == nil {
			if err = s.loadFull(tex, img); err == nil {
				return tex, nil
			}
		}
	}

	log.WithError(err).Error("texture failed to load, using placeholder")
	tex.setFlags(FlagFailed)
	tex.Release()
	return s.Placeholder()
}
