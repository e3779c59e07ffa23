// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package render

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/field"
	"github.com/gogpu/ngp/grid"
	"github.com/gogpu/ngp/march"
)

func testConfig() ngp.Config {
	return ngp.Config{
		Grid:    ngp.GridConfig{Resolution: 16},
		Workers: 2,
	}.WithDefaults()
}

func newGrid(t *testing.T, cfg ngp.Config) *grid.Grid {
	t.Helper()
	g, err := grid.New(cfg.Grid, nil)
	require.NoError(t, err)
	return g
}

// frontCamera looks down +z at the unit cube from z = -2.
func frontCamera(w, h int) march.Camera {
	pose := ngp.LookAt(ngp.V3(0.5, 0.5, -2), ngp.V3(0.5, 0.5, 0.5), ngp.V3(0, 1, 0))
	return march.NewPinhole(w, h, math.Pi/8, pose)
}

func newRenderer(t *testing.T, net field.Network, cfg ngp.Config, opts ...Option) *Renderer {
	t.Helper()
	r, err := NewRenderer(net, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

// countingNet counts queries and forwards to an inner network.
type countingNet struct {
	field.Network
	queries atomic.Int64
	onQuery func()
}

func (c *countingNet) Query(p, d []ngp.Vec3, density []float64, color []ngp.Vec3) error {
	c.queries.Add(1)
	if c.onQuery != nil {
		c.onQuery()
	}
	return c.Network.Query(p, d, density, color)
}

type failingNet struct{ field.Constant }

func (failingNet) Query([]ngp.Vec3, []ngp.Vec3, []float64, []ngp.Vec3) error {
	return errors.New("device lost")
}

type nanNet struct{ field.Constant }

func (nanNet) Query(p, _ []ngp.Vec3, density []float64, color []ngp.Vec3) error {
	for i := range p {
		density[i] = math.NaN()
		color[i] = ngp.V3(1, 1, 1)
	}
	return nil
}

func TestRender_ConstantDensityAnalytic(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)
	const sigma = 1.0
	c := ngp.V3(0.2, 0.4, 0.8)
	r := newRenderer(t, &field.Constant{Density: sigma, Color: c}, cfg)

	// A 1x1 camera: the single ray runs along the cube axis, length 1.
	cam := frontCamera(1, 1)
	target := NewFloatTarget(1, 1)
	st, err := r.Render(context.Background(), &cam, target, g, 0)
	require.NoError(t, err)

	trans := math.Exp(-sigma)
	got := target.At(0, 0)
	assert.InDelta(t, c.X*(1-trans), got.R, 1e-9)
	assert.InDelta(t, c.Y*(1-trans), got.G, 1e-9)
	assert.InDelta(t, c.Z*(1-trans), got.B, 1e-9)
	assert.InDelta(t, 1-trans, got.A, 1e-9)

	assert.True(t, st.Complete)
	assert.Equal(t, 1, st.OOB)
	assert.Equal(t, 0, st.Alive)
	assert.Equal(t, 1, st.Batches)
	assert.Equal(t, st.Rounds, st.Queries)
	assert.Positive(t, st.Samples)
}

func TestRender_BackgroundBehindTransmittance(t *testing.T) {
	cfg := testConfig()
	cfg.March.Background = ngp.V3(1, 1, 1)
	g := newGrid(t, cfg)
	r := newRenderer(t, &field.Constant{Density: 2, Color: ngp.V3(0, 0, 0)}, cfg)

	cam := frontCamera(1, 1)
	target := NewFloatTarget(1, 1)
	_, err := r.Render(context.Background(), &cam, target, g, 0)
	require.NoError(t, err)

	trans := math.Exp(-2)
	got := target.At(0, 0)
	assert.InDelta(t, trans, got.R, 1e-9)
	assert.InDelta(t, 1-trans, got.A, 1e-9)
}

func TestRender_EmptyGridNeverQueries(t *testing.T) {
	cfg := testConfig()
	cfg.March.Background = ngp.V3(0.1, 0.2, 0.3)
	g := newGrid(t, cfg)
	g.Fill(0)
	g.UpdateBits(cfg.Grid.Threshold)

	net := &countingNet{Network: &field.Constant{Density: 100, Color: ngp.V3(1, 0, 0)}}
	r := newRenderer(t, net, cfg)

	cam := frontCamera(8, 6)
	target := NewFloatTarget(8, 6)
	st, err := r.Render(context.Background(), &cam, target, g, 0)
	require.NoError(t, err)

	assert.Zero(t, net.queries.Load())
	assert.Zero(t, st.Queries)
	assert.Zero(t, st.Samples)
	assert.Equal(t, 48, st.OOB)
	assert.True(t, st.Complete)
	assert.Equal(t, 48, target.Written())
	for _, px := range target.Pixels() {
		assert.Equal(t, ngp.RGBA{R: 0.1, G: 0.2, B: 0.3, A: 0}, px)
	}
}

func TestRender_MissingRaysShowBackground(t *testing.T) {
	cfg := testConfig()
	cfg.March.Background = ngp.V3(0, 1, 0)
	g := newGrid(t, cfg)
	r := newRenderer(t, &field.Constant{Density: 5, Color: ngp.V3(1, 0, 0)}, cfg)

	// Pointing away from the cube.
	pose := ngp.LookAt(ngp.V3(0.5, 0.5, -2), ngp.V3(0.5, 0.5, -5), ngp.V3(0, 1, 0))
	cam := march.NewPinhole(4, 4, math.Pi/4, pose)
	target := NewFloatTarget(4, 4)
	st, err := r.Render(context.Background(), &cam, target, g, 0)
	require.NoError(t, err)

	assert.Equal(t, 16, st.OOB)
	assert.Zero(t, st.Rounds)
	for _, px := range target.Pixels() {
		assert.Equal(t, ngp.RGBA{G: 1}, px)
	}
}

func TestRender_OpacityTermination(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)
	r := newRenderer(t, &field.Constant{Density: 1e5, Color: ngp.V3(1, 1, 1)}, cfg)

	cam := frontCamera(1, 1)
	target := NewFloatTarget(1, 1)
	st, err := r.Render(context.Background(), &cam, target, g, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, st.Opacity)
	assert.Equal(t, 1, st.Rounds)
	assert.GreaterOrEqual(t, target.At(0, 0).A, 1-cfg.March.MinTransmittance)
}

func TestRender_MaxSteps(t *testing.T) {
	cfg := testConfig()
	cfg.March.MaxSteps = 10
	g := newGrid(t, cfg)
	r := newRenderer(t, &field.Constant{Density: 0.01, Color: ngp.V3(1, 1, 1)}, cfg)

	cam := frontCamera(1, 1)
	st, err := r.Render(context.Background(), &cam, NewFloatTarget(1, 1), g, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, st.MaxSteps)
	assert.Equal(t, 10, st.Samples)
}

func TestRender_RoundCap(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)
	r := newRenderer(t, &field.Constant{Density: 0.5, Color: ngp.V3(1, 1, 1)}, cfg)

	cam := frontCamera(1, 1)
	target := NewFloatTarget(1, 1)
	st, err := r.Render(context.Background(), &cam, target, g, 2)
	require.NoError(t, err)

	assert.False(t, st.Complete)
	assert.Equal(t, 2, st.Rounds)
	assert.Equal(t, 1, st.Alive)
	assert.Equal(t, 2*cfg.March.StepsPerRound, st.Samples)
	// Partial results are still written.
	assert.Equal(t, 1, target.Written())
	assert.Positive(t, target.At(0, 0).A)
}

func TestRender_DeterministicAcrossWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.March.ConeAngle = 1.0 / 256
	g := newGrid(t, cfg)
	sphere := &field.Sphere{Center: ngp.Splat(0.5), Radius: 0.3, Density: 20, Base: ngp.Splat(0.5), Tint: 0.4}

	cam := frontCamera(24, 16)
	var frames [][]ngp.RGBA
	for _, workers := range []int{1, 3, 8} {
		r := newRenderer(t, sphere, cfg, WithWorkers(workers))
		target := NewFloatTarget(24, 16)
		_, err := r.Render(context.Background(), &cam, target, g, 0)
		require.NoError(t, err)
		frames = append(frames, target.Pixels())
	}
	for i := 1; i < len(frames); i++ {
		if diff := cmp.Diff(frames[0], frames[i]); diff != "" {
			t.Errorf("frame %d differs (-want +got):\n%s", i, diff)
		}
	}
}

func TestRender_SubBatches(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)
	sphere := &field.Sphere{Center: ngp.Splat(0.5), Radius: 0.35, Density: 10, Base: ngp.Splat(0.5), Tint: 0.3}
	cam := frontCamera(5, 3)

	full := NewFloatTarget(5, 3)
	_, err := newRenderer(t, sphere, cfg).Render(context.Background(), &cam, full, g, 0)
	require.NoError(t, err)

	small := cfg
	small.March.MaxRays = 4
	tiled := NewFloatTarget(5, 3)
	st, err := newRenderer(t, sphere, small).Render(context.Background(), &cam, tiled, g, 0)
	require.NoError(t, err)

	assert.Equal(t, 4, st.Batches)
	assert.Equal(t, 15, tiled.Written())
	if diff := cmp.Diff(full.Pixels(), tiled.Pixels()); diff != "" {
		t.Errorf("tiled frame differs (-full +tiled):\n%s", diff)
	}
}

func TestRender_CancelledWritesNothing(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)

	t.Run("before start", func(t *testing.T) {
		r := newRenderer(t, &field.Constant{Density: 1, Color: ngp.V3(1, 1, 1)}, cfg)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		cam := frontCamera(2, 2)
		target := NewFloatTarget(2, 2)
		_, err := r.Render(ctx, &cam, target, g, 0)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, target.Written())
	})

	t.Run("between rounds", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		net := &countingNet{Network: &field.Constant{Density: 0.1, Color: ngp.V3(1, 1, 1)}, onQuery: cancel}
		r := newRenderer(t, net, cfg)
		cam := frontCamera(2, 2)
		target := NewFloatTarget(2, 2)
		_, err := r.Render(ctx, &cam, target, g, 0)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int64(1), net.queries.Load())
		assert.Zero(t, target.Written())
	})
}

func TestRender_NetworkError(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)
	r := newRenderer(t, &failingNet{}, cfg)

	cam := frontCamera(2, 2)
	target := NewFloatTarget(2, 2)
	_, err := r.Render(context.Background(), &cam, target, g, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ngp.ErrDevice)
	assert.Zero(t, target.Written())
}

func TestRender_DegenerateSamplesSkipped(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)
	r := newRenderer(t, &nanNet{}, cfg)

	cam := frontCamera(1, 1)
	target := NewFloatTarget(1, 1)
	st, err := r.Render(context.Background(), &cam, target, g, 0)
	require.NoError(t, err)

	assert.Equal(t, st.Samples, st.Degenerate)
	assert.Equal(t, ngp.RGBA{}, target.At(0, 0))
}

func TestRender_Validation(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)
	r := newRenderer(t, &field.Constant{}, cfg)
	cam := frontCamera(4, 4)

	_, err := r.Render(context.Background(), &cam, NewFloatTarget(3, 4), g, 0)
	assert.ErrorIs(t, err, ngp.ErrConfiguration)

	bad := cam
	bad.FocalX = 0
	_, err = r.Render(context.Background(), &bad, NewFloatTarget(4, 4), g, 0)
	assert.ErrorIs(t, err, ngp.ErrConfiguration)

	_, err = r.Render(context.Background(), nil, NewFloatTarget(4, 4), g, 0)
	assert.ErrorIs(t, err, ngp.ErrConfiguration)
}

func TestNewRenderer_Errors(t *testing.T) {
	_, err := NewRenderer(nil, testConfig())
	assert.ErrorIs(t, err, ngp.ErrConfiguration)

	cfg := testConfig()
	cfg.WorkspaceMB = 1
	_, err = NewRenderer(&field.Constant{}, cfg)
	assert.ErrorIs(t, err, ngp.ErrCapacity)

	cfg = testConfig()
	cfg.March.StepsPerRound = -1
	_, err = NewRenderer(&field.Constant{}, cfg)
	assert.ErrorIs(t, err, ngp.ErrConfiguration)
}

func TestNewRenderer_DeviceFallback(t *testing.T) {
	r := newRenderer(t, &field.Constant{}, testConfig(), WithDeviceProvider(NullDeviceHandle{}))
	assert.False(t, r.DeviceAttached())
	assert.Positive(t, r.Workspace().UsedBytes)
}

func TestNullDeviceHandle(t *testing.T) {
	var handle DeviceHandle = NullDeviceHandle{}
	assert.Nil(t, handle.Device())
	assert.Nil(t, handle.Queue())
	assert.Nil(t, handle.Adapter())
}
