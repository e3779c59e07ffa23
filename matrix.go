// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package ngp

import "math"

// Mat34 is a 3D affine transform stored as a 3x4 row-major matrix:
//
//	| m00 m01 m02 m03 |
//	| m10 m11 m12 m13 |
//	| m20 m21 m22 m23 |
//
// The left 3x3 block is the linear part and the last column the
// translation. Camera poses are camera-to-world transforms: column 0 is the
// camera right axis, column 1 up, column 2 the viewing direction and
// column 3 the camera position.
type Mat34 [3][4]float64

// Identity34 returns the identity transform.
func Identity34() Mat34 {
	return Mat34{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
}

// Translate34 returns a translation transform.
func Translate34(t Vec3) Mat34 {
	m := Identity34()
	m[0][3], m[1][3], m[2][3] = t.X, t.Y, t.Z
	return m
}

// LookAt returns a camera-to-world pose at eye looking toward target.
// up need not be orthogonal to the viewing direction.
func LookAt(eye, target, up Vec3) Mat34 {
	fwd := target.Sub(eye).Normalize()
	right := fwd.Cross(up).Normalize()
	trueUp := right.Cross(fwd)
	return Mat34{
		{right.X, trueUp.X, fwd.X, eye.X},
		{right.Y, trueUp.Y, fwd.Y, eye.Y},
		{right.Z, trueUp.Z, fwd.Z, eye.Z},
	}
}

// Column returns column j as a vector.
func (m Mat34) Column(j int) Vec3 {
	return Vec3{X: m[0][j], Y: m[1][j], Z: m[2][j]}
}

// Origin returns the translation column.
func (m Mat34) Origin() Vec3 {
	return m.Column(3)
}

// TransformVector applies the linear part only.
func (m Mat34) TransformVector(v Vec3) Vec3 {
	return Vec3{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// TransformPoint applies the full affine transform.
func (m Mat34) TransformPoint(p Vec3) Vec3 {
	return m.TransformVector(p).Add(m.Origin())
}

// Determinant returns the determinant of the linear part.
// A (near) zero determinant means the transform collapses directions.
func (m Mat34) Determinant() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// IsFinite reports whether every entry is finite.
func (m Mat34) IsFinite() bool {
	for i := range 3 {
		for j := range 4 {
			if math.IsNaN(m[i][j]) || math.IsInf(m[i][j], 0) {
				return false
			}
		}
	}
	return true
}
