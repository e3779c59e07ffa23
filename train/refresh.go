// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package train

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/field"
	"github.com/gogpu/ngp/grid"
)

// RefreshStats summarizes one grid refresh.
type RefreshStats struct {
	Visited    int
	Accepted   int
	Degenerate int

	// Occupied is the occupied cell count after the refresh and Ratio the
	// occupied fraction of all cells.
	Occupied int
	Ratio    float64
}

// refresher owns the buffers of a grid refresh.
type refresher struct {
	samples   int
	snapshot  []float32
	random    []float64
	selection []float64
	positions []ngp.Vec3
	dirs      []ngp.Vec3
	cells     []uint32
	density   []float64
	color     []ngp.Vec3
}

func newRefresher(g *grid.Grid, samples int) *refresher {
	samples = min(samples, g.CellsPerLevel())
	rf := &refresher{
		samples:   samples,
		snapshot:  make([]float32, g.SigmaLen()),
		random:    make([]float64, 3*samples),
		selection: make([]float64, samples),
		positions: make([]ngp.Vec3, samples),
		dirs:      make([]ngp.Vec3, samples),
		cells:     make([]uint32, samples),
		density:   make([]float64, samples),
		color:     make([]ngp.Vec3, samples),
	}
	// Density does not depend on the viewing direction.
	for i := range rf.dirs {
		rf.dirs[i] = ngp.V3(0, 0, 1)
	}
	return rf
}

// RefreshGrid re-estimates the grid from the network's density.
//
// Under the grid's write lock it decays every estimate by cfg.Decay, then
// for every level visits samples cells starting at cursor[level], queries
// net at a jittered point inside each, folds the results in under
// cfg.Policy and finally recomputes the occupancy bits against
// cfg.Threshold. cursor holds one entry per level and is advanced on
// success so that successive refreshes sweep every cell.
//
// On error the density estimates are restored, the bits and cursor are
// left unchanged and the error wraps ngp.ErrDevice.
func RefreshGrid(ctx context.Context, net field.Network, g *grid.Grid, cfg ngp.GridConfig, samples int, rng *rand.Rand, cursor []int) (RefreshStats, error) {
	if samples < 1 {
		return RefreshStats{}, fmt.Errorf("train: %w: refresh samples %d", ngp.ErrConfiguration, samples)
	}
	return newRefresher(g, samples).run(ctx, net, g, cfg, rng, cursor)
}

func (rf *refresher) run(ctx context.Context, net field.Network, g *grid.Grid, cfg ngp.GridConfig, rng *rand.Rand, cursor []int) (RefreshStats, error) {
	if err := ctx.Err(); err != nil {
		return RefreshStats{}, err
	}
	if len(cursor) < g.Levels() {
		return RefreshStats{}, fmt.Errorf("train: %w: %d cursors for %d levels", ngp.ErrConfiguration, len(cursor), g.Levels())
	}
	if rng == nil {
		return RefreshStats{}, fmt.Errorf("train: %w: nil rng", ngp.ErrConfiguration)
	}

	g.Lock()
	defer g.Unlock()

	g.SnapshotSigma(rf.snapshot)
	g.Decay(cfg.Decay)

	var st RefreshStats
	n := rf.samples
	for level := range g.Levels() {
		for i := range rf.random {
			rf.random[i] = rng.Float64()
		}
		g.GenerateSamplePoints(level, n, cursor[level], rf.random, rf.positions, rf.cells)

		if err := net.Query(rf.positions, rf.dirs, rf.density, rf.color); err != nil {
			g.RestoreSigma(rf.snapshot)
			return RefreshStats{}, fmt.Errorf("train: %w: refresh query at level %d: %w", ngp.ErrDevice, level, err)
		}

		for i := range rf.selection {
			rf.selection[i] = rng.Float64()
		}
		// Decay was applied to the whole grid above.
		us := g.UpdateWithDensity(level, rf.cells, cfg.SelectionThreshold, 1, rf.density, rf.selection)
		st.Visited += us.Visited
		st.Accepted += us.Accepted
		st.Degenerate += us.Degenerate
	}

	cells := g.CellsPerLevel()
	for level := range g.Levels() {
		cursor[level] = (cursor[level] + n) % cells
	}
	st.Occupied = g.UpdateBits(cfg.Threshold)
	st.Ratio = g.OccupancyRatio()

	if st.Degenerate > 0 {
		ngp.Logger().Debug("train: refresh skipped non-finite densities", "count", st.Degenerate)
	}
	return st, nil
}
