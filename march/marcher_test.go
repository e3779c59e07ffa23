// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package march

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/grid"
)

func newGrid(t *testing.T, levels, res int, occupied bool) *grid.Grid {
	t.Helper()
	cfg := ngp.DefaultConfig().Grid
	cfg.Levels = levels
	cfg.Resolution = res
	cfg.Threshold = 1
	cfg.InitSigma = 0
	if occupied {
		cfg.InitSigma = 2
	}
	g, err := grid.New(cfg, nil)
	require.NoError(t, err)
	return g
}

func marchConfig(step float64) ngp.MarchConfig {
	cfg := ngp.DefaultConfig().March
	cfg.MinStep = step
	cfg.MaxStep = step * 64
	return cfg
}

func TestMarcher_InitMiss(t *testing.T) {
	m := NewMarcher(newGrid(t, 1, 4, true), marchConfig(0.01))
	var r Ray
	m.Init(&r, ngp.V3(-1, 5, 0.5), ngp.V3(1, 0, 0), 3)
	assert.Equal(t, TerminatedOOB, r.State)
	assert.Equal(t, 3, r.Pixel)
	assert.Equal(t, 1.0, r.Transmittance)
}

func TestMarcher_SamplesTileTheInterval(t *testing.T) {
	m := NewMarcher(newGrid(t, 1, 8, true), marchConfig(0.03))
	var r Ray
	m.Init(&r, ngp.V3(-1, 0.5, 0.5), ngp.V3(1, 0, 0), 0)
	require.Equal(t, Alive, r.State)
	assert.Equal(t, 1.0, r.T)
	assert.Equal(t, 2.0, r.TMax)

	out := make([]Sample, 8)
	var total float64
	var count int
	for {
		n, exhausted := m.March(&r, out, 5)
		for _, s := range out[:n] {
			assert.Equal(t, uint32(5), s.Ray)
			total += s.Dt
		}
		count += n
		if exhausted {
			break
		}
	}
	assert.InDelta(t, 1.0, total, 1e-12, "sample lengths must sum to the traversal length")
	assert.Equal(t, 34, count) // 33 full steps of 0.03 plus the clipped remainder
	assert.Equal(t, count, r.Steps)
}

func TestMarcher_EmptyGridEmitsNothing(t *testing.T) {
	m := NewMarcher(newGrid(t, 2, 8, false), marchConfig(0.01))
	var r Ray
	m.Init(&r, ngp.V3(-3, 0.3, 0.7), ngp.V3(1, 0.1, 0).Normalize(), 0)
	require.Equal(t, Alive, r.State)

	n, exhausted := m.March(&r, make([]Sample, 16), 0)
	assert.Zero(t, n)
	assert.True(t, exhausted)
	assert.Equal(t, r.TMax, r.T)
}

func TestMarcher_SkipsToOccupiedCell(t *testing.T) {
	g := newGrid(t, 1, 4, false)
	// Occupy cell (2, 2, 2): x in [0.5, 0.75).
	seed := []float64{0.5, 0.5, 0.5}
	pos := make([]ngp.Vec3, 1)
	cells := make([]uint32, 1)
	g.GenerateSamplePoints(0, 1, int(grid.Morton3D(2, 2, 2)), seed, pos, cells)
	g.UpdateWithDensity(0, cells, 1, 1, []float64{5}, []float64{0})
	g.UpdateBits(1)

	m := NewMarcher(g, marchConfig(0.01))
	var r Ray
	m.Init(&r, ngp.V3(-1, 0.6, 0.6), ngp.V3(1, 0, 0), 0)

	out := make([]Sample, 64)
	n, _ := m.March(&r, out, 0)
	require.Equal(t, 25, n)
	for _, s := range out[:n] {
		assert.GreaterOrEqual(t, s.Pos.X, 0.5)
		assert.LessOrEqual(t, s.Pos.X, 0.76)
	}
}

func TestMarcher_MaxSteps(t *testing.T) {
	cfg := marchConfig(0.001)
	cfg.MaxSteps = 10
	m := NewMarcher(newGrid(t, 1, 4, true), cfg)
	var r Ray
	m.Init(&r, ngp.V3(0.5, 0.5, -1), ngp.V3(0, 0, 1), 0)

	n, exhausted := m.March(&r, make([]Sample, 64), 0)
	assert.Equal(t, 10, n)
	assert.False(t, exhausted)
	n, _ = m.March(&r, make([]Sample, 64), 0)
	assert.Zero(t, n)
}

func TestMarcher_AdaptiveStep(t *testing.T) {
	cfg := marchConfig(0.01)
	cfg.ConeAngle = 0.01
	m := NewMarcher(newGrid(t, 1, 4, true), cfg)

	assert.Equal(t, 0.01, m.StepSize(0.5))
	assert.InDelta(t, 0.05, m.StepSize(5), 1e-15)
	assert.Equal(t, cfg.MaxStep, m.StepSize(1e6))
	assert.False(t, math.IsNaN(m.StepSize(0)))
}
