// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package march

import "github.com/gogpu/ngp"

// RayState is the termination state of a ray. Every state other than
// Alive is absorbing.
type RayState uint8

const (
	Alive RayState = iota
	TerminatedOpacity
	TerminatedOOB
	TerminatedMaxSteps
)

// String returns the state name.
func (s RayState) String() string {
	switch s {
	case Alive:
		return "Alive"
	case TerminatedOpacity:
		return "TerminatedOpacity"
	case TerminatedOOB:
		return "TerminatedOOB"
	case TerminatedMaxSteps:
		return "TerminatedMaxSteps"
	default:
		return "Unknown"
	}
}

// Ray is the marching state of one pixel.
type Ray struct {
	Origin ngp.Vec3
	Dir    ngp.Vec3

	// T is the marched distance; TMax the exit distance of the bounding
	// volume.
	T    float64
	TMax float64

	Color         ngp.Vec3
	Transmittance float64
	State         RayState

	// Pixel is the owning pixel (render) or batch entry (train).
	Pixel int
	Steps int
}

// Opacity returns the accumulated opacity 1 - T.
func (r *Ray) Opacity() float64 {
	return 1 - r.Transmittance
}

// Sample is one point of a ray at which the network is queried.
type Sample struct {
	Pos ngp.Vec3
	Dir ngp.Vec3
	Dt  float64

	// Ray is the slot of the owning ray in the round's ray buffer.
	Ray uint32
}
