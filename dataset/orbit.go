// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package dataset

import (
	"math"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/march"
)

// Orbit returns n cameras on a ring of the given radius around target,
// raised by elevation radians and all looking at target.
func Orbit(n, width, height int, fovY, radius, elevation float64, target ngp.Vec3) []march.Camera {
	cams := make([]march.Camera, n)
	for i := range cams {
		phi := 2 * math.Pi * float64(i) / float64(n)
		eye := target.Add(ngp.V3(
			radius*math.Cos(elevation)*math.Cos(phi),
			radius*math.Sin(elevation),
			radius*math.Cos(elevation)*math.Sin(phi),
		))
		cams[i] = march.NewPinhole(width, height, fovY, ngp.LookAt(eye, target, ngp.V3(0, 1, 0)))
	}
	return cams
}
