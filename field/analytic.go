// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package field

import (
	"math"

	"github.com/gogpu/ngp"
)

// Constant is a field with the same density and color everywhere.
type Constant struct {
	Density float64
	Color   ngp.Vec3
}

// Query implements Network.
func (c *Constant) Query(positions, _ []ngp.Vec3, density []float64, color []ngp.Vec3) error {
	for i := range positions {
		density[i] = c.Density
		color[i] = c.Color
	}
	return nil
}

// ForwardBackward implements Network. Constant has no parameters.
func (c *Constant) ForwardBackward(b Batch, loss LossFunc, _ []float64) (float64, error) {
	if err := c.Query(b.Positions, b.Directions, b.Density, b.Color); err != nil {
		return 0, err
	}
	return loss(b.Density, b.Color, b.DDensity, b.DColor), nil
}

// Parameters implements Network.
func (c *Constant) Parameters() []float64 { return nil }

// Sphere is a solid ball of constant density whose color varies with the
// surface normal direction. It serves as ground truth for synthetic
// scenes.
type Sphere struct {
	Center  ngp.Vec3
	Radius  float64
	Density float64

	// Base is the color at the centre; Tint is added along the
	// normalized offset from the centre.
	Base ngp.Vec3
	Tint float64
}

// Query implements Network.
func (s *Sphere) Query(positions, _ []ngp.Vec3, density []float64, color []ngp.Vec3) error {
	for i, p := range positions {
		off := p.Sub(s.Center)
		if off.Length() > s.Radius {
			density[i] = 0
			color[i] = ngp.Vec3{}
			continue
		}
		n := off.Normalize()
		density[i] = s.Density
		color[i] = ngp.Vec3{
			X: clamp01(s.Base.X + s.Tint*n.X),
			Y: clamp01(s.Base.Y + s.Tint*n.Y),
			Z: clamp01(s.Base.Z + s.Tint*n.Z),
		}
	}
	return nil
}

// ForwardBackward implements Network. Sphere has no parameters.
func (s *Sphere) ForwardBackward(b Batch, loss LossFunc, _ []float64) (float64, error) {
	if err := s.Query(b.Positions, b.Directions, b.Density, b.Color); err != nil {
		return 0, err
	}
	return loss(b.Density, b.Color, b.DDensity, b.DColor), nil
}

// Parameters implements Network.
func (s *Sphere) Parameters() []float64 { return nil }

func clamp01(x float64) float64 {
	return math.Min(math.Max(x, 0), 1)
}

var (
	_ Network = (*Constant)(nil)
	_ Network = (*Sphere)(nil)
)
