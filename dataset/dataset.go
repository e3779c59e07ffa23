// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package dataset provides posed training images for the trainer.
package dataset

import (
	"fmt"
	"image"
	"math"
	"math/rand/v2"

	"golang.org/x/image/draw"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/march"
)

// Sample is one training pixel: the image it came from, the continuous
// pixel coordinate of its centre, the ground-truth color and the camera.
// Color is premultiplied and is compared as is with the rendered color,
// which includes the background behind the transmitted fraction.
type Sample struct {
	Image  int
	X, Y   float64
	Color  ngp.RGBA
	Camera *march.Camera
}

// Dataset supplies random training pixels.
type Dataset interface {
	// SampleBatch fills out with pixels drawn from rng.
	SampleBatch(rng *rand.Rand, out []Sample) error

	// Len returns the number of images.
	Len() int
}

// View is a ground-truth image and the camera that took it. The image
// size must equal the camera size.
type View struct {
	Image  image.Image
	Camera march.Camera
}

// Option configures an ImageSet.
type Option func(*options)

type options struct {
	scale      float64
	jitter     bool
	background *ngp.Vec3
}

// WithScale resamples every image by factor s (0 < s) with a Catmull-Rom
// filter, adjusting the camera intrinsics to match.
func WithScale(s float64) Option {
	return func(o *options) { o.scale = s }
}

// WithBackground flattens every pixel over the opaque color bg. Use it
// with the render background when the images carry transparency.
func WithBackground(bg ngp.Vec3) Option {
	return func(o *options) { o.background = &bg }
}

// WithJitter draws sample coordinates uniformly inside each pixel
// instead of at the pixel centre.
func WithJitter() Option {
	return func(o *options) { o.jitter = true }
}

type view struct {
	cam march.Camera
	pix []ngp.RGBA
}

// ImageSet is an in-memory Dataset. It is immutable after construction
// and safe for concurrent use.
type ImageSet struct {
	views  []view
	jitter bool
}

var _ Dataset = (*ImageSet)(nil)

// NewImageSet converts views to premultiplied linear RGBA. It returns an error wrapping
// ngp.ErrConfiguration for an empty set, an invalid camera or an image
// whose size does not match its camera.
func NewImageSet(views []View, opts ...Option) (*ImageSet, error) {
	o := options{scale: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if len(views) == 0 {
		return nil, fmt.Errorf("dataset: %w: no views", ngp.ErrConfiguration)
	}
	if !(o.scale > 0) || math.IsInf(o.scale, 0) {
		return nil, fmt.Errorf("dataset: %w: scale %v", ngp.ErrConfiguration, o.scale)
	}
	if o.background != nil && !o.background.IsFinite() {
		return nil, fmt.Errorf("dataset: %w: background %v", ngp.ErrConfiguration, *o.background)
	}

	set := &ImageSet{views: make([]view, len(views)), jitter: o.jitter}
	for i, v := range views {
		cam := v.Camera
		if err := cam.Validate(); err != nil {
			return nil, fmt.Errorf("dataset: view %d: %w", i, err)
		}
		if v.Image == nil {
			return nil, fmt.Errorf("dataset: %w: view %d has no image", ngp.ErrConfiguration, i)
		}
		b := v.Image.Bounds()
		if b.Dx() != cam.Width || b.Dy() != cam.Height {
			return nil, fmt.Errorf("dataset: %w: view %d image %dx%d, camera %dx%d",
				ngp.ErrConfiguration, i, b.Dx(), b.Dy(), cam.Width, cam.Height)
		}

		img := v.Image
		if o.scale != 1 {
			cam = cam.Scaled(o.scale)
			img = resample(img, cam.Width, cam.Height)
		}
		pix := toLinear(img)
		if o.background != nil {
			for k := range pix {
				pix[k] = pix[k].Over(*o.background)
			}
		}
		set.views[i] = view{cam: cam, pix: pix}
	}
	return set, nil
}

func resample(src image.Image, w, h int) image.Image {
	dst := image.NewRGBA64(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func toLinear(img image.Image) []ngp.RGBA {
	b := img.Bounds()
	pix := make([]ngp.RGBA, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			pix = append(pix, ngp.FromColor(img.At(x, y)))
		}
	}
	return pix
}

// Len returns the number of images.
func (s *ImageSet) Len() int {
	return len(s.views)
}

// Camera returns the camera of image i after resampling.
func (s *ImageSet) Camera(i int) *march.Camera {
	return &s.views[i].cam
}

// Pixel returns the ground-truth color of pixel (x, y) of image i.
func (s *ImageSet) Pixel(i, x, y int) ngp.RGBA {
	v := &s.views[i]
	return v.pix[y*v.cam.Width+x]
}

// SampleBatch fills out with uniformly drawn pixels. The same rng state
// always yields the same batch.
func (s *ImageSet) SampleBatch(rng *rand.Rand, out []Sample) error {
	if rng == nil {
		return fmt.Errorf("dataset: %w: nil rng", ngp.ErrConfiguration)
	}
	for i := range out {
		img := rng.IntN(len(s.views))
		v := &s.views[img]
		p := rng.IntN(len(v.pix))
		x, y := p%v.cam.Width, p/v.cam.Width
		ox, oy := 0.5, 0.5
		if s.jitter {
			ox, oy = rng.Float64(), rng.Float64()
		}
		out[i] = Sample{
			Image:  img,
			X:      float64(x) + ox,
			Y:      float64(y) + oy,
			Color:  v.pix[p],
			Camera: &v.cam,
		}
	}
	return nil
}
