// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package train

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/field"
)

// flakyNet fails every query after the first ok ones.
type flakyNet struct {
	field.Sphere
	ok    int
	calls int
}

func (f *flakyNet) Query(p, d []ngp.Vec3, density []float64, color []ngp.Vec3) error {
	f.calls++
	if f.calls > f.ok {
		return errors.New("query failed")
	}
	return f.Sphere.Query(p, d, density, color)
}

func refreshConfig() ngp.Config {
	cfg := testConfig()
	cfg.Grid.Levels = 2
	cfg.Grid.Decay = 0.4
	cfg.Grid.SelectionThreshold = 1
	// Two cascades double the diagonal a ray may cross.
	cfg.Train.MaxSamplesPerRay = 0
	return cfg.WithDefaults()
}

func TestRefreshGrid_CarvesEmptySpace(t *testing.T) {
	cfg := refreshConfig()
	g := newGrid(t, cfg)
	sphere := &field.Sphere{Center: ngp.Splat(0.5), Radius: 0.25, Density: 50}
	cells := g.CellsPerLevel()
	cursor := make([]int, g.Levels())

	st, err := RefreshGrid(context.Background(), sphere, g, cfg.Grid, cells, rand.New(rand.NewPCG(1, 1)), cursor)
	require.NoError(t, err)

	assert.Equal(t, 2*cells, st.Visited)
	assert.Equal(t, 2*cells, st.Accepted)
	assert.Zero(t, st.Degenerate)
	assert.Equal(t, st.Occupied, g.OccupiedCells())
	assert.Greater(t, st.Ratio, 0.0)
	assert.Less(t, st.Ratio, 0.5)

	assert.True(t, g.Occupied(0, ngp.Splat(0.5)))
	assert.False(t, g.Occupied(0, ngp.V3(0.02, 0.02, 0.02)))
	assert.False(t, g.Occupied(1, ngp.V3(-0.4, -0.4, -0.4)))
	assert.Equal(t, []int{0, 0}, cursor)
}

func TestRefreshGrid_CursorRotates(t *testing.T) {
	cfg := refreshConfig()
	g := newGrid(t, cfg)
	cursor := make([]int, g.Levels())
	rng := rand.New(rand.NewPCG(2, 2))
	sphere := &field.Sphere{Center: ngp.Splat(0.5), Radius: 0.25, Density: 50}

	cells := g.CellsPerLevel()
	n := cells / 4
	for want := 1; want <= 5; want++ {
		_, err := RefreshGrid(context.Background(), sphere, g, cfg.Grid, n, rng, cursor)
		require.NoError(t, err)
		assert.Equal(t, (want*n)%cells, cursor[0])
		assert.Equal(t, cursor[0], cursor[1])
	}
}

func TestRefreshGrid_ErrorRestoresGrid(t *testing.T) {
	cfg := refreshConfig()
	g := newGrid(t, cfg)
	before := make([]float32, g.SigmaLen())
	g.SnapshotSigma(before)
	occupied := g.OccupiedCells()
	cursor := []int{7, 7}

	// The second level's query fails after the first level was folded in.
	net := &flakyNet{Sphere: field.Sphere{Center: ngp.Splat(0.5), Radius: 0.25, Density: 50}, ok: 1}
	_, err := RefreshGrid(context.Background(), net, g, cfg.Grid, 128, rand.New(rand.NewPCG(3, 3)), cursor)
	require.Error(t, err)
	assert.ErrorIs(t, err, ngp.ErrDevice)
	assert.Equal(t, 2, net.calls)

	after := make([]float32, g.SigmaLen())
	g.SnapshotSigma(after)
	assert.Equal(t, before, after)
	assert.Equal(t, occupied, g.OccupiedCells())
	assert.Equal(t, []int{7, 7}, cursor)
}

func TestRefreshGrid_BadArguments(t *testing.T) {
	cfg := refreshConfig()
	g := newGrid(t, cfg)
	sphere := &field.Sphere{Radius: 1, Density: 1}
	rng := rand.New(rand.NewPCG(4, 4))

	_, err := RefreshGrid(context.Background(), sphere, g, cfg.Grid, 0, rng, make([]int, 2))
	assert.ErrorIs(t, err, ngp.ErrConfiguration)

	_, err = RefreshGrid(context.Background(), sphere, g, cfg.Grid, 16, rng, make([]int, 1))
	assert.ErrorIs(t, err, ngp.ErrConfiguration)

	_, err = RefreshGrid(context.Background(), sphere, g, cfg.Grid, 16, nil, make([]int, 2))
	assert.ErrorIs(t, err, ngp.ErrConfiguration)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RefreshGrid(ctx, sphere, g, cfg.Grid, 16, rng, make([]int, 2))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainer_RefreshGrid(t *testing.T) {
	cfg := refreshConfig()
	g := newGrid(t, cfg)
	tr := newTrainer(t, &field.Sphere{Center: ngp.Splat(0.5), Radius: 0.25, Density: 50}, g, cfg)

	st, err := tr.RefreshGrid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2*cfg.Train.RefreshSamples, st.Visited)
	assert.Less(t, g.OccupancyRatio(), 1.0)
}
