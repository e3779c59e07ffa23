// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package render

import (
	"image"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/ngp"
)

// RenderTarget receives the pixels of a frame.
//
// Pixels are indexed row-major, y growing downward. The renderer writes
// every pixel exactly once per completed request, and not at all when the
// request fails or is cancelled.
type RenderTarget interface {
	// Width returns the target width in pixels.
	Width() int

	// Height returns the target height in pixels.
	Height() int

	// Format returns the pixel format of the target.
	Format() gputypes.TextureFormat

	// Write stores one pixel. c is premultiplied by its alpha, the
	// accumulated opacity, and includes the background behind the
	// transmitted fraction.
	Write(pixelIndex int, c ngp.RGBA)
}

// PixmapTarget is a CPU-backed 8-bit render target.
//
// Example:
//
//	target := render.NewPixmapTarget(800, 600)
//	status, err := renderer.Render(ctx, &cam, target, g, 0)
//	img := target.Image()
type PixmapTarget struct {
	img *image.RGBA
}

// NewPixmapTarget creates a new CPU-backed render target.
func NewPixmapTarget(width, height int) *PixmapTarget {
	return &PixmapTarget{
		img: image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

// NewPixmapTargetFromImage wraps an existing *image.RGBA as a render
// target. The image is used directly without copying.
func NewPixmapTargetFromImage(img *image.RGBA) *PixmapTarget {
	return &PixmapTarget{img: img}
}

// Width returns the target width in pixels.
func (t *PixmapTarget) Width() int {
	return t.img.Bounds().Dx()
}

// Height returns the target height in pixels.
func (t *PixmapTarget) Height() int {
	return t.img.Bounds().Dy()
}

// Format returns the pixel format (RGBA8).
func (t *PixmapTarget) Format() gputypes.TextureFormat {
	return gputypes.TextureFormatRGBA8Unorm
}

// Write stores c quantized to 8 bits.
func (t *PixmapTarget) Write(pixelIndex int, c ngp.RGBA) {
	b := t.img.Bounds()
	x, y := pixelIndex%b.Dx(), pixelIndex/b.Dx()
	t.img.SetRGBA(b.Min.X+x, b.Min.Y+y, c.Color())
}

// Image returns the underlying premultiplied *image.RGBA.
// The returned image shares memory with the target.
func (t *PixmapTarget) Image() *image.RGBA {
	return t.img
}

// Ensure PixmapTarget implements RenderTarget.
var _ RenderTarget = (*PixmapTarget)(nil)

// FloatTarget keeps pixels at full precision.
type FloatTarget struct {
	width, height int
	pix           []ngp.RGBA
	written       []bool
}

// NewFloatTarget creates a full precision target.
func NewFloatTarget(width, height int) *FloatTarget {
	return &FloatTarget{
		width:   width,
		height:  height,
		pix:     make([]ngp.RGBA, width*height),
		written: make([]bool, width*height),
	}
}

// Width returns the target width in pixels.
func (t *FloatTarget) Width() int {
	return t.width
}

// Height returns the target height in pixels.
func (t *FloatTarget) Height() int {
	return t.height
}

// Format returns the pixel format (RGBA32Float).
func (t *FloatTarget) Format() gputypes.TextureFormat {
	return gputypes.TextureFormatRGBA32Float
}

// Write stores c.
func (t *FloatTarget) Write(pixelIndex int, c ngp.RGBA) {
	t.pix[pixelIndex] = c
	t.written[pixelIndex] = true
}

// Pixels returns the pixel slice. It shares memory with the target.
func (t *FloatTarget) Pixels() []ngp.RGBA {
	return t.pix
}

// At returns pixel (x, y).
func (t *FloatTarget) At(x, y int) ngp.RGBA {
	return t.pix[y*t.width+x]
}

// Written reports how many pixels received a Write since creation or the
// last Reset.
func (t *FloatTarget) Written() int {
	n := 0
	for _, w := range t.written {
		if w {
			n++
		}
	}
	return n
}

// Reset clears pixels and write marks.
func (t *FloatTarget) Reset() {
	clear(t.pix)
	clear(t.written)
}

// Image16 converts the target to a premultiplied 16-bit image.
func (t *FloatTarget) Image16() *image.RGBA64 {
	img := image.NewRGBA64(image.Rect(0, 0, t.width, t.height))
	for i, c := range t.pix {
		img.SetRGBA64(i%t.width, i/t.width, c.Color64())
	}
	return img
}

// Ensure FloatTarget implements RenderTarget.
var _ RenderTarget = (*FloatTarget)(nil)
