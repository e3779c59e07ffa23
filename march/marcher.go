// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package march

import (
	"math"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/grid"
)

// Marcher generates samples for rays against a read-only occupancy grid.
// A Marcher holds no per-ray state and may be shared by workers.
type Marcher struct {
	grid   *grid.Grid
	cfg    ngp.MarchConfig
	bounds ngp.AABB
}

// NewMarcher returns a marcher over g.
func NewMarcher(g *grid.Grid, cfg ngp.MarchConfig) *Marcher {
	return &Marcher{grid: g, cfg: cfg, bounds: g.Bounds()}
}

// Init resets r for a new origin and direction and clips it against the
// grid's bounding volume. A ray that misses the volume starts
// TerminatedOOB.
func (m *Marcher) Init(r *Ray, origin, dir ngp.Vec3, pixel int) {
	*r = Ray{
		Origin:        origin,
		Dir:           dir,
		Transmittance: 1,
		Pixel:         pixel,
	}
	tmin, tmax, ok := m.bounds.Intersect(origin, dir)
	if !ok {
		r.State = TerminatedOOB
		return
	}
	r.T = math.Max(tmin, 0)
	r.TMax = tmax
}

// StepSize returns the adaptive step at distance t: t·ConeAngle clamped to
// [MinStep, MaxStep].
func (m *Marcher) StepSize(t float64) float64 {
	return min(max(t*m.cfg.ConeAngle, m.cfg.MinStep), m.cfg.MaxStep)
}

// March advances r through empty space and emits up to len(out) samples in
// occupied cells, tagging them with slot. It returns the number of samples
// written and whether the ray left the bounding volume. The last sample
// before the exit is shortened so samples tile the traversed interval
// exactly. March stops early once r reached MaxSteps samples.
func (m *Marcher) March(r *Ray, out []Sample, slot uint32) (n int, exhausted bool) {
	levels := m.grid.Levels()
	for n < len(out) {
		if r.Steps >= m.cfg.MaxSteps {
			return n, false
		}

		t := r.T
		for {
			if t >= r.TMax {
				r.T = r.TMax
				return n, true
			}
			pos := r.Origin.Add(r.Dir.Mul(t))
			level := m.grid.LevelFor(pos, m.StepSize(t))
			if level >= levels {
				r.T = r.TMax
				return n, true
			}
			if m.grid.Occupied(level, pos) {
				break
			}
			t += m.grid.CellExit(level, pos, r.Dir)
		}

		dt := m.StepSize(t)
		next := t + dt
		if next >= r.TMax {
			dt, next = r.TMax-t, r.TMax
		}
		out[n] = Sample{
			Pos: r.Origin.Add(r.Dir.Mul(t + dt/2)),
			Dir: r.Dir,
			Dt:  dt,
			Ray: slot,
		}
		n++
		r.Steps++
		r.T = next
	}
	return n, r.T >= r.TMax
}
