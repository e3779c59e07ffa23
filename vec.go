// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package ngp

import "math"

// Vec3 is a 3D vector used for positions, directions and linear colors.
type Vec3 struct {
	X, Y, Z float64
}

// V3 is a convenience function to create a Vec3.
func V3(x, y, z float64) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

// Splat returns a vector with all components set to s.
func Splat(s float64) Vec3 {
	return Vec3{X: s, Y: s, Z: s}
}

// Add returns the sum of two vectors.
func (v Vec3) Add(w Vec3) Vec3 {
	return Vec3{X: v.X + w.X, Y: v.Y + w.Y, Z: v.Z + w.Z}
}

// Sub returns the difference of two vectors.
func (v Vec3) Sub(w Vec3) Vec3 {
	return Vec3{X: v.X - w.X, Y: v.Y - w.Y, Z: v.Z - w.Z}
}

// Mul returns the vector scaled by a scalar.
func (v Vec3) Mul(s float64) Vec3 {
	return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// MulVec returns the component-wise product.
func (v Vec3) MulVec(w Vec3) Vec3 {
	return Vec3{X: v.X * w.X, Y: v.Y * w.Y, Z: v.Z * w.Z}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(w Vec3) float64 {
	return v.X*w.X + v.Y*w.Y + v.Z*w.Z
}

// Cross returns the cross product v × w.
func (v Vec3) Cross(w Vec3) Vec3 {
	return Vec3{
		X: v.Y*w.Z - v.Z*w.Y,
		Y: v.Z*w.X - v.X*w.Z,
		Z: v.X*w.Y - v.Y*w.X,
	}
}

// Length returns the Euclidean length of the vector.
func (v Vec3) Length() float64 {
	return math.Sqrt(v.Dot(v))
}

// Normalize returns a unit vector in the same direction.
// Returns the zero vector if v has zero length.
func (v Vec3) Normalize() Vec3 {
	l := v.Length()
	if l == 0 {
		return Vec3{}
	}
	return v.Mul(1 / l)
}

// MaxAbs returns the largest absolute component (the Chebyshev norm).
func (v Vec3) MaxAbs() float64 {
	return math.Max(math.Abs(v.X), math.Max(math.Abs(v.Y), math.Abs(v.Z)))
}

// At returns component i (0=X, 1=Y, 2=Z).
func (v Vec3) At(i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// IsFinite reports whether all components are finite.
func (v Vec3) IsFinite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// AABB is an axis-aligned bounding box.
type AABB struct {
	Min, Max Vec3
}

// Size returns the edge lengths of the box.
func (b AABB) Size() Vec3 {
	return b.Max.Sub(b.Min)
}

// Contains reports whether p lies inside the box (inclusive).
func (b AABB) Contains(p Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Intersect clips the ray o + t·d against the box using the slab test and
// returns the parametric entry and exit distances. ok is false on a miss.
// Zero direction components are handled through IEEE infinities.
func (b AABB) Intersect(o, d Vec3) (tmin, tmax float64, ok bool) {
	tmin = math.Inf(-1)
	tmax = math.Inf(1)
	for axis := range 3 {
		oa, da := o.At(axis), d.At(axis)
		lo, hi := b.Min.At(axis), b.Max.At(axis)
		if da == 0 {
			if oa < lo || oa > hi {
				return 0, 0, false
			}
			continue
		}
		inv := 1 / da
		t0 := (lo - oa) * inv
		t1 := (hi - oa) * inv
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tmin = math.Max(tmin, t0)
		tmax = math.Min(tmax, t1)
	}
	return tmin, tmax, tmax >= tmin && tmax > 0
}
