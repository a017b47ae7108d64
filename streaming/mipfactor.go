// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// MipFactor returns the mip factor of a surface at pos seen from eye
// through a perspective camera with vertical field of view fovY (radians)
// rendering screenHeight pixels. uvWorldSize is the world size covered by
// the whole texture, so the factor is the squared size of one screen
// pixel in texture coordinates.
func MipFactor(eye, pos mgl32.Vec3, uvWorldSize, fovY float32, screenHeight int) float32 {
	if uvWorldSize <= 0 || screenHeight <= 0 {
		return 0
	}
	dist := pos.Sub(eye).Len()
	pixel := 2 * dist * float32(math.Tan(float64(fovY)/2)) / float32(screenHeight)
	ratio := pixel / uvWorldSize
	return ratio * ratio
}
