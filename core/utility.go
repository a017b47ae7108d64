package core

import (
	"image"

	"golang.org/x/image/draw"
)

// GetPixels transforms a given image into right arrangement of pixels
// by drawing the decoded image onto a controlled RGBA canvas
func GetPixels(img image.Image) []uint8 {
	b := img.Bounds()
	newImg := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(newImg, newImg.Bounds(), img, b.Min, draw.Src)
	return newImg.Pix
}

// MipCount returns the length of a full mip chain down to 1x1.
func MipCount(width, height int) int {
	n := 1
	for width > 1 || height > 1 {
		width = max(1, width/2)
		height = max(1, height/2)
		n++
	}
	return n
}

// GenerateMips builds a mip chain of count levels for img, level 0
// being the image itself. Every level halves the previous one and is
// filtered with bilinear scaling.
func GenerateMips(img image.Image, count int) []*image.RGBA {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if limit := MipCount(width, height); count <= 0 || count > limit {
		count = limit
	}

	mips := make([]*image.RGBA, 0, count)
	base := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(base, base.Bounds(), img, b.Min, draw.Src)
	mips = append(mips, base)

	for i := 1; i < count; i++ {
		prev := mips[i-1]
		width = max(1, width/2)
		height = max(1, height/2)
		mip := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.BiLinear.Scale(mip, mip.Bounds(), prev, prev.Bounds(), draw.Src, nil)
		mips = append(mips, mip)
	}
	return mips
}
