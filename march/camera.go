// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package march

import (
	"fmt"
	"math"

	"github.com/gogpu/ngp"
)

// Camera is a pinhole camera with intrinsics in pixels and a
// camera-to-world pose. Image y grows downward.
type Camera struct {
	Width, Height int
	FocalX        float64
	FocalY        float64
	CX, CY        float64
	Pose          ngp.Mat34
}

// NewPinhole returns a camera with the principal point at the image centre
// and vertical field of view fovY in radians.
func NewPinhole(width, height int, fovY float64, pose ngp.Mat34) Camera {
	f := 0.5 * float64(height) / math.Tan(fovY/2)
	return Camera{
		Width:  width,
		Height: height,
		FocalX: f,
		FocalY: f,
		CX:     float64(width) / 2,
		CY:     float64(height) / 2,
		Pose:   pose,
	}
}

// Validate rejects cameras that would produce degenerate rays.
func (c *Camera) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: camera size %dx%d", ngp.ErrConfiguration, c.Width, c.Height)
	case !(c.FocalX > 0 && c.FocalY > 0) || math.IsInf(c.FocalX, 0) || math.IsInf(c.FocalY, 0):
		return fmt.Errorf("%w: camera focal length (%v, %v)", ngp.ErrConfiguration, c.FocalX, c.FocalY)
	case !c.Pose.IsFinite():
		return fmt.Errorf("%w: camera pose is not finite", ngp.ErrConfiguration)
	case math.Abs(c.Pose.Determinant()) < 1e-12:
		return fmt.Errorf("%w: camera pose collapses directions", ngp.ErrConfiguration)
	}
	return nil
}

// Pixels returns the number of pixels.
func (c *Camera) Pixels() int {
	return c.Width * c.Height
}

// GenerateRay returns the world-space origin and unit direction of the ray
// through continuous pixel coordinate (px, py); pixel centres sit at
// half-integer coordinates.
func (c *Camera) GenerateRay(px, py float64, pose ngp.Mat34) (origin, dir ngp.Vec3) {
	local := ngp.Vec3{
		X: (px - c.CX) / c.FocalX,
		Y: -(py - c.CY) / c.FocalY,
		Z: 1,
	}
	return pose.Origin(), pose.TransformVector(local).Normalize()
}

// Scaled returns the camera for an image resized by factor s.
func (c Camera) Scaled(s float64) Camera {
	c.Width = max(int(math.Round(float64(c.Width)*s)), 1)
	c.Height = max(int(math.Round(float64(c.Height)*s)), 1)
	c.FocalX *= s
	c.FocalY *= s
	c.CX *= s
	c.CY *= s
	return c
}
