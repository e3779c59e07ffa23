// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package grid

import (
	"math"
	"math/bits"
)

// Accelerator runs the whole-grid maintenance passes on a device.
//
// sigma is the flat level·R³ + Morton array and bits the packed occupancy
// bitfield, one ceil(R³/8)-byte block per level, bit k of byte j being cell
// 8j+k. Implementations update the slices in place and must match the
// host stages exactly. On error the slices must be left untouched; the
// grid then runs the host stage instead.
type Accelerator interface {
	Decay(sigma []float32, factor float32) error
	UpdateBits(sigma []float32, bits []byte, levels, cells int, threshold float32) error
}

// SetAccelerator routes Decay and UpdateBits through a. A nil a restores
// the host stages. Callers must hold the write lock or own the grid
// exclusively.
func (g *Grid) SetAccelerator(a Accelerator) {
	g.accel = a
}

// Accelerator returns the installed accelerator, or nil.
func (g *Grid) Accelerator() Accelerator {
	return g.accel
}

// bitThreshold returns the float32 t32 with s > t32 ⇔ float64(s) > t for
// every float32 s.
func bitThreshold(t float64) float32 {
	t32 := float32(t)
	if float64(t32) > t {
		t32 = math.Nextafter32(t32, float32(math.Inf(-1)))
	}
	return t32
}

func (g *Grid) countBits() int {
	var n int
	for _, b := range g.bits {
		n += bits.OnesCount8(b)
	}
	return n
}
