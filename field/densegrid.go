// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package field

import (
	"fmt"
	"math"

	"github.com/gogpu/ngp"
)

// channels per lattice vertex: raw density and three color logits.
const channels = 4

// maxRawDensity bounds the exponent of the density activation.
const maxRawDensity = 15

// DenseGrid is a trainable field stored as a regular lattice of vertices
// over a box. Values are interpolated trilinearly; density is the
// exponential of the interpolated raw value and color the logistic
// function of the interpolated logits. Outside the box the field is empty.
type DenseGrid struct {
	bounds ngp.AABB
	res    int
	params []float64
}

// NewDenseGrid creates a field with res vertices per axis over bounds,
// initialized to density initDensity and mid-grey.
func NewDenseGrid(bounds ngp.AABB, res int, initDensity float64) (*DenseGrid, error) {
	if res < 2 {
		return nil, fmt.Errorf("field: %w: dense grid resolution %d below 2", ngp.ErrConfiguration, res)
	}
	if !(initDensity > 0) || math.IsInf(initDensity, 0) {
		return nil, fmt.Errorf("field: %w: initial density %v must be positive", ngp.ErrConfiguration, initDensity)
	}
	size := bounds.Size()
	if !(size.X > 0 && size.Y > 0 && size.Z > 0) {
		return nil, fmt.Errorf("field: %w: empty bounds %v", ngp.ErrConfiguration, bounds)
	}

	g := &DenseGrid{bounds: bounds, res: res, params: make([]float64, res*res*res*channels)}
	raw := math.Log(initDensity)
	for v := 0; v < len(g.params); v += channels {
		g.params[v] = raw
	}
	return g, nil
}

// Resolution returns the number of vertices per axis.
func (g *DenseGrid) Resolution() int { return g.res }

// Bounds returns the box covered by the lattice.
func (g *DenseGrid) Bounds() ngp.AABB { return g.bounds }

// Parameters implements Network.
func (g *DenseGrid) Parameters() []float64 { return g.params }

// corners holds the lattice vertices around a point and their trilinear
// weights.
type corners struct {
	base [8]int
	w    [8]float64
}

func (g *DenseGrid) locate(p ngp.Vec3) (c corners, ok bool) {
	size := g.bounds.Size()
	scale := float64(g.res - 1)
	var i0 [3]int
	var f [3]float64
	for axis := range 3 {
		u := (p.At(axis) - g.bounds.Min.At(axis)) / size.At(axis) * scale
		if !(u >= 0 && u <= scale) {
			return c, false
		}
		i := min(int(u), g.res-2)
		i0[axis] = i
		f[axis] = u - float64(i)
	}
	for k := range 8 {
		x, y, z := k&1, (k>>1)&1, (k>>2)&1
		w := 1.0
		for axis, bit := range [3]int{x, y, z} {
			if bit == 1 {
				w *= f[axis]
			} else {
				w *= 1 - f[axis]
			}
		}
		c.base[k] = (((i0[2]+z)*g.res+(i0[1]+y))*g.res + (i0[0] + x)) * channels
		c.w[k] = w
	}
	return c, true
}

func (g *DenseGrid) interpolate(c *corners) (raw float64, logits ngp.Vec3) {
	for k := range 8 {
		v := g.params[c.base[k] : c.base[k]+channels]
		w := c.w[k]
		raw += w * v[0]
		logits.X += w * v[1]
		logits.Y += w * v[2]
		logits.Z += w * v[3]
	}
	return raw, logits
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func activate(raw float64, logits ngp.Vec3) (float64, ngp.Vec3) {
	return math.Exp(math.Min(raw, maxRawDensity)),
		ngp.Vec3{X: sigmoid(logits.X), Y: sigmoid(logits.Y), Z: sigmoid(logits.Z)}
}

// Query implements Network.
func (g *DenseGrid) Query(positions, _ []ngp.Vec3, density []float64, color []ngp.Vec3) error {
	for i, p := range positions {
		c, ok := g.locate(p)
		if !ok {
			density[i], color[i] = 0, ngp.Vec3{}
			continue
		}
		density[i], color[i] = activate(g.interpolate(&c))
	}
	return nil
}

// ForwardBackward implements Network.
func (g *DenseGrid) ForwardBackward(b Batch, loss LossFunc, grads []float64) (float64, error) {
	if len(grads) != len(g.params) {
		return 0, fmt.Errorf("field: gradient buffer has %d entries, want %d", len(grads), len(g.params))
	}
	if err := g.Query(b.Positions, b.Directions, b.Density, b.Color); err != nil {
		return 0, err
	}
	value := loss(b.Density, b.Color, b.DDensity, b.DColor)

	clear(grads)
	for i, p := range b.Positions {
		c, ok := g.locate(p)
		if !ok {
			continue
		}
		dRaw := b.DDensity[i] * b.Density[i]
		col := b.Color[i]
		dLogit := ngp.Vec3{
			X: b.DColor[i].X * col.X * (1 - col.X),
			Y: b.DColor[i].Y * col.Y * (1 - col.Y),
			Z: b.DColor[i].Z * col.Z * (1 - col.Z),
		}
		for k := range 8 {
			w := c.w[k]
			v := grads[c.base[k] : c.base[k]+channels]
			v[0] += w * dRaw
			v[1] += w * dLogit.X
			v[2] += w * dLogit.Y
			v[3] += w * dLogit.Z
		}
	}
	return value, nil
}

var _ Network = (*DenseGrid)(nil)
