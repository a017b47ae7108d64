// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"github.com/gobuffalo/packr"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/devblok/mipstream/device"
)

// Resources holds files the engine ships with.
var Resources = packr.NewBox("./resources")

// placeholderDesc is the description of the placeholder in
// resources/placeholder.yaml.
type placeholderDesc struct {
	Name    string     `yaml:"name"`
	Width   int        `yaml:"width"`
	Height  int        `yaml:"height"`
	Checker int        `yaml:"checker"`
	Colors  [][4]uint8 `yaml:"colors"`
}

// pixels renders the checkerboard as RGBA8.
func (d placeholderDesc) pixels() []byte {
	buf := make([]byte, 0, d.Width*d.Height*4)
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			c := d.Colors[(x/d.Checker+y/d.Checker)%len(d.Colors)]
			buf = append(buf, c[:]...)
		}
	}
	return buf
}

func loadPlaceholderDesc() (placeholderDesc, error) {
	var desc placeholderDesc
	data, err := Resources.Find("placeholder.yaml")
	if err != nil {
		return desc, errors.Wrap(err, "placeholder resource")
	}
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return desc, errors.Wrap(err, "placeholder resource")
	}
	if desc.Width <= 0 || desc.Height <= 0 || desc.Checker <= 0 || len(desc.Colors) == 0 {
		return desc, errors.New("placeholder resource is incomplete")
	}
	return desc, nil
}

// Placeholder returns the texture shown for textures that failed to
// load, with a reference taken for the caller. It is created on first use.
func (s *Streamer) Placeholder() (*Texture, error) {
	s.placeholderOnce.Do(func() {
		s.placeholder, s.placeholderErr = s.createPlaceholder()
	})
	if s.placeholderErr != nil {
		return nil, s.placeholderErr
	}
	if !s.placeholder.TryAddRef() {
		return nil, errors.New("streaming: placeholder already released")
	}
	return s.placeholder, nil
}

func (s *Streamer) createPlaceholder() (*Texture, error) {
	desc, err := loadPlaceholderDesc()
	if err != nil {
		return nil, err
	}
	if !s.dev.SupportsFormat(device.FormatRGBA8) {
		return nil, errors.Wrap(ErrUnsupportedFormat, device.FormatRGBA8.String())
	}

	tex := NewTexture(desc.Name)
	tex.width, tex.height, tex.depth = desc.Width, desc.Height, 1
	tex.mips, tex.sides = 1, 1
	tex.format = device.FormatRGBA8
	tex.setFlags(FlagPlaceholder | FlagDontStream)

	data := desc.pixels()
	size := int64(len(data))
	item, err := s.pool.Acquire(AcquireRequest{
		Size:        size,
		Mips:        1,
		Owner:       tex,
		Persistent:  true,
		Synchronous: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "placeholder")
	}
	if err := s.dev.Upload(item.handle, device.Region{Size: size}, data); err != nil {
		s.pool.Release(item)
		return nil, errors.Wrap(err, "placeholder")
	}
	tex.bind(item, 0)
	return tex, nil
}
