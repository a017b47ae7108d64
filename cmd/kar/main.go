// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/mmap"
	_ "golang.org/x/image/bmp"

	"github.com/devblok/mipstream/core"
	"github.com/devblok/mipstream/device"
	"github.com/devblok/mipstream/utility/kar"
)

func init() {
	currentUserName = "unknown"
	if u, err := user.Current(); err == nil {
		currentUserName = u.Name
	}
}

var (
	currentUserName string
	author          = flag.String("author", "", "Set the author of the package when compressing")
	version         = flag.Int64("version", kar.Version, "Archive version number to create it with")
	extract         = flag.String("e", "", "Extract the mips of the given archive")
	compress        = flag.String("c", "", "Compress the given png or bmp image")
	dstFile         = flag.String("f", "out.kar", "Destination file, or directory when extracting")
	persistent      = flag.Int("p", 0, "Persistent tail length in mips, 0 lets the engine decide")
	split           = flag.Bool("split", false, "Store streamed mips in separate chunk files")
	normalMap       = flag.Bool("normal", false, "Mark the texture as a normal map")
	silent          = flag.Bool("s", false, "Silent")
)

func main() {
	var opMade bool
	flag.Parse()
	if *silent {
		log.SetLevel(log.WarnLevel)
	}

	if *extract != "" && *compress != "" {
		log.Fatal("only one operation at a time")
	}

	if *extract != "" {
		opMade = true
		if err := extractFile(); err != nil {
			log.WithError(err).Fatal("extract failed")
		}
	}

	if *compress != "" {
		opMade = true
		if err := compressFile(); err != nil {
			log.WithError(err).Fatal("compress failed")
		}
	}

	if !opMade {
		flag.PrintDefaults()
	}
}

func compressFile() error {
	if _, err := os.Stat(*dstFile); err == nil {
		return errors.New("destination file exists, will not overwrite")
	}
	if *split && *persistent <= 0 {
		return errors.New("split archives need a persistent tail, set -p")
	}

	f, err := os.Open(*compress)
	if err != nil {
		return err
	}
	img, kind, err := image.Decode(f)
	f.Close()
	if err != nil {
		return errors.Wrapf(err, "decode %s", *compress)
	}

	b := img.Bounds()
	mips := core.GenerateMips(img, core.MipCount(b.Dx(), b.Dy()))
	var flags kar.Flags
	if *split {
		flags |= kar.FlagSplit
	}
	if *normalMap {
		flags |= kar.FlagNormalMap
	}

	name := *author
	if name == "" {
		name = currentUserName
	}
	builder, err := kar.NewBuilder(kar.Header{
		Author:      name,
		DateCreated: time.Now().Unix(),
		Version:     *version,
		Texture: kar.TextureDesc{
			Width:          b.Dx(),
			Height:         b.Dy(),
			Depth:          1,
			Mips:           len(mips),
			Sides:          1,
			PersistentMips: *persistent,
			Format:         uint32(device.FormatRGBA8),
			Flags:          flags,
		},
	})
	if err != nil {
		return err
	}

	var total int
	for mip, level := range mips {
		if err := builder.Add(mip, 0, level.Pix); err != nil {
			return errors.Wrapf(err, "mip %d", mip)
		}
		total += len(level.Pix)
	}

	if *split {
		err = builder.WriteSplit(*dstFile, func(name string) (io.WriteCloser, error) {
			return os.Create(name)
		})
	} else {
		var dst *os.File
		if dst, err = os.Create(*dstFile); err != nil {
			return err
		}
		_, err = builder.WriteTo(dst)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"source": *compress,
		"kind":   kind,
		"size":   fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
		"mips":   len(mips),
		"raw":    humanize.IBytes(uint64(total)),
	}).Info("archive written to ", *dstFile)
	return nil
}

// extractFile prints the archive header and writes every mip of an
// RGBA8 archive as a png into the destination directory.
func extractFile() error {
	r, err := mmap.Open(*extract)
	if err != nil {
		return err
	}
	defer r.Close()

	archive, err := kar.Open(r)
	if err != nil {
		return errors.Wrapf(err, "open %s", *extract)
	}
	header := archive.Header()
	if !*silent {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(header); err != nil {
			return err
		}
	}

	desc := header.Texture
	if device.Format(desc.Format) != device.FormatRGBA8 {
		log.WithField("format", device.Format(desc.Format)).Warn("only rgba8 archives can be extracted to png")
		return nil
	}
	if *dstFile == "out.kar" {
		*dstFile = strings.TrimSuffix(filepath.Base(*extract), filepath.Ext(*extract))
	}
	if err := os.MkdirAll(*dstFile, 0755); err != nil {
		return err
	}

	for _, e := range header.Index {
		raw, err := readEntry(archive, e, desc.Flags)
		if err != nil {
			return err
		}
		width, height := max(1, desc.Width>>uint(e.Mip)), max(1, desc.Height>>uint(e.Mip))
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		if err := kar.Expand(e, raw, img.Pix); err != nil {
			return err
		}

		name := filepath.Join(*dstFile, fmt.Sprintf("mip%02d_side%d.png", e.Mip, e.Side))
		out, err := os.Create(name)
		if err != nil {
			return err
		}
		err = png.Encode(out, img)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Wrapf(err, "write %s", name)
		}
		log.Debug("extracted ", name)
	}
	return nil
}

func readEntry(archive *kar.Archive, e kar.IndexEntry, flags kar.Flags) ([]byte, error) {
	if e.Chunk == 0 {
		return archive.ReadRaw(e)
	}
	name := kar.ChunkName(*extract, e.Chunk, flags)
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	raw := make([]byte, e.CompressedSize)
	if _, err := f.ReadAt(raw, e.Offset); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "read %s", name)
	}
	return raw, nil
}
