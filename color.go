// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package ngp

import (
	"image/color"
	"math"
)

// RGBA is a linear color with premultiplied alpha: the color channels
// already carry the A coverage. Rendered pixels additionally hold the
// background behind the transmitted fraction 1-A, so with a non-zero
// background a channel may exceed A. Components are nominally in [0, 1].
type RGBA struct {
	R, G, B, A float64
}

// RGB returns the color part as a vector.
func (c RGBA) RGB() Vec3 {
	return Vec3{X: c.R, Y: c.G, Z: c.B}
}

// FromVec returns an RGBA from a premultiplied color vector and alpha.
func FromVec(v Vec3, a float64) RGBA {
	return RGBA{R: v.X, G: v.Y, B: v.Z, A: a}
}

// Over composites c over an opaque background.
func (c RGBA) Over(bg Vec3) RGBA {
	return FromVec(c.RGB().Add(bg.Mul(1-c.A)), 1)
}

// Color converts to 8-bit premultiplied color.RGBA with clamping.
func (c RGBA) Color() color.RGBA {
	return color.RGBA{
		R: uint8(clamp255(c.R * 255)),
		G: uint8(clamp255(c.G * 255)),
		B: uint8(clamp255(c.B * 255)),
		A: uint8(clamp255(c.A * 255)),
	}
}

// Color64 converts to 16-bit premultiplied color.RGBA64 with clamping.
func (c RGBA) Color64() color.RGBA64 {
	return color.RGBA64{
		R: uint16(clamp(c.R, 0, 1)*65535 + 0.5),
		G: uint16(clamp(c.G, 0, 1)*65535 + 0.5),
		B: uint16(clamp(c.B, 0, 1)*65535 + 0.5),
		A: uint16(clamp(c.A, 0, 1)*65535 + 0.5),
	}
}

// FromColor converts a standard color.Color to RGBA. Straight-alpha
// inputs such as color.NRGBA are premultiplied by the conversion.
func FromColor(c color.Color) RGBA {
	r, g, b, a := c.RGBA()
	return RGBA{
		R: float64(r) / 65535,
		G: float64(g) / 65535,
		B: float64(b) / 65535,
		A: float64(a) / 65535,
	}
}

func clamp255(x float64) float64 {
	return math.Round(clamp(x, 0, 255))
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
