// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package grid

import (
	"math"

	"github.com/gogpu/ngp"
)

// CellAt returns the Morton index of the cell containing pos at level.
// ok is false when pos lies outside the level.
func (g *Grid) CellAt(level int, pos ngp.Vec3) (cell uint32, ok bool) {
	g.checkLevel(level)
	b := g.LevelBounds(level)
	inv := float64(g.res) / g.levelSize(level)

	var c [3]uint32
	for axis := range 3 {
		u := (pos.At(axis) - b.Min.At(axis)) * inv
		if !(u >= 0 && u <= float64(g.res)) {
			return 0, false
		}
		// The far face belongs to the last cell.
		c[axis] = uint32(min(int(u), g.res-1)) //nolint:gosec // G115: 0 <= u <= res
	}
	return Morton3D(c[0], c[1], c[2]), true
}

// Occupied reports whether the cell containing pos at level has its
// occupancy bit set. Positions outside the level are empty.
func (g *Grid) Occupied(level int, pos ngp.Vec3) bool {
	cell, ok := g.CellAt(level, pos)
	return ok && g.bit(level, int(cell))
}

// LevelFor selects the cascade for a sample at pos with step length dt.
// The finest level containing pos is the lower bound; steps longer than a
// cell select coarser levels, so distant samples (with larger adaptive
// steps) read coarser cascades. A result equal to Levels() means pos is
// outside the grid.
func (g *Grid) LevelFor(pos ngp.Vec3, dt float64) int {
	levels := g.cfg.Levels

	// Finest level whose cube contains pos: |p-c|∞ <= BaseSize·2^l / 2.
	extent := pos.Sub(g.cfg.Center).MaxAbs() * 2 / g.cfg.BaseSize
	posLevel := 0
	if extent > 1 {
		_, exp := math.Frexp(extent)
		posLevel = exp
		if extent == math.Ldexp(1, exp-1) {
			posLevel = exp - 1
		}
	}
	if posLevel >= levels {
		return levels
	}

	// Coarsest level whose cells are no larger than dt.
	dtLevel := 0
	if cells := dt * float64(g.res) / g.cfg.BaseSize; cells > 1 {
		_, exp := math.Frexp(cells)
		dtLevel = min(exp-1, levels-1)
	}
	return max(posLevel, dtLevel)
}

// CellExit returns the distance along dir from pos to just past the
// boundary of pos's cell at level. The result is always positive, so
// repeated calls walk the ray cell by cell.
func (g *Grid) CellExit(level int, pos, dir ngp.Vec3) float64 {
	g.checkLevel(level)
	b := g.LevelBounds(level)
	cs := g.CellSize(level)

	t := math.Inf(1)
	for axis := range 3 {
		d := dir.At(axis)
		if d == 0 {
			continue
		}
		local := (pos.At(axis) - b.Min.At(axis)) / cs
		var boundary float64
		if d > 0 {
			boundary = math.Floor(local) + 1
		} else {
			boundary = math.Ceil(local) - 1
		}
		t = math.Min(t, (boundary*cs+b.Min.At(axis)-pos.At(axis))/d)
	}
	if math.IsInf(t, 1) {
		return cs
	}
	return math.Max(t, 0) + cs*1e-4
}
