// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package train

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/dataset"
	"github.com/gogpu/ngp/field"
	"github.com/gogpu/ngp/grid"
	"github.com/gogpu/ngp/march"
)

func testConfig() ngp.Config {
	return ngp.Config{
		Grid:  ngp.GridConfig{Resolution: 16},
		March: ngp.MarchConfig{MinStep: 1.0 / 64},
		Train: ngp.TrainConfig{
			BatchRays:        64,
			MaxSamplesPerRay: 128,
			RefreshEvery:     -1,
		},
		Workers:     2,
		WorkspaceMB: 64,
	}.WithDefaults()
}

func newGrid(t *testing.T, cfg ngp.Config) *grid.Grid {
	t.Helper()
	g, err := grid.New(cfg.Grid, nil)
	require.NoError(t, err)
	return g
}

func newTrainer(t *testing.T, net field.Network, g *grid.Grid, cfg ngp.Config, opts ...Option) *Trainer {
	t.Helper()
	tr, err := NewTrainer(net, g, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

func frontCamera() *march.Camera {
	pose := ngp.LookAt(ngp.V3(0.5, 0.5, -2), ngp.V3(0.5, 0.5, 0.5), ngp.V3(0, 1, 0))
	cam := march.NewPinhole(8, 8, math.Pi/16, pose)
	return &cam
}

// pixelSet draws pixels of one camera with a fixed ground truth color.
type pixelSet struct {
	cam   *march.Camera
	color ngp.RGBA
}

func (p *pixelSet) Len() int { return 1 }

func (p *pixelSet) SampleBatch(rng *rand.Rand, out []dataset.Sample) error {
	for i := range out {
		out[i] = dataset.Sample{
			X:      float64(rng.IntN(p.cam.Width)) + 0.5,
			Y:      float64(rng.IntN(p.cam.Height)) + 0.5,
			Color:  p.color,
			Camera: p.cam,
		}
	}
	return nil
}

// recordingNet has zero density everywhere and records the output gradients
// of the last forward/backward pass.
type recordingNet struct {
	params   []float64
	fail     error
	dDensity []float64
	dColor   []ngp.Vec3
}

func (p *recordingNet) Query(pos, _ []ngp.Vec3, density []float64, color []ngp.Vec3) error {
	if p.fail != nil {
		return p.fail
	}
	for i := range pos {
		density[i] = 0
		color[i] = ngp.V3(0.3, 0.6, 0.9)
	}
	return nil
}

func (p *recordingNet) ForwardBackward(b field.Batch, loss field.LossFunc, grads []float64) (float64, error) {
	if err := p.Query(b.Positions, b.Directions, b.Density, b.Color); err != nil {
		return 0, err
	}
	v := loss(b.Density, b.Color, b.DDensity, b.DColor)
	p.dDensity = append([]float64(nil), b.DDensity...)
	p.dColor = append([]ngp.Vec3(nil), b.DColor...)
	for i := range grads {
		grads[i] = 1
	}
	return v, nil
}

func (p *recordingNet) Parameters() []float64 { return p.params }

func TestTrainStep_ZeroDensityHasZeroColorGradient(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)
	net := &recordingNet{params: make([]float64, 4)}
	tr := newTrainer(t, net, g, cfg)

	ds := &pixelSet{cam: frontCamera(), color: ngp.RGBA{R: 1, G: 0, B: 0, A: 1}}
	res, err := tr.TrainStep(context.Background(), ds)
	require.NoError(t, err)

	require.Positive(t, res.Samples)
	require.Len(t, net.dColor, res.Samples)
	for i, dc := range net.dColor {
		assert.Equal(t, ngp.Vec3{}, dc, "sample %d", i)
	}
	// The density gradient pushes toward more red.
	nonZero := 0
	for _, dd := range net.dDensity {
		if dd != 0 {
			nonZero++
		}
	}
	assert.Positive(t, nonZero)

	// Loss of a black output against red: (1² + 0 + 0) / 3 per hitting ray.
	hits := res.Rays - res.EmptyRays
	assert.InDelta(t, float64(hits)/float64(3*res.Rays), res.Loss, 1e-12)
}

func TestTrainStep_StepCounter(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)
	tr := newTrainer(t, &recordingNet{params: make([]float64, 2)}, g, cfg)
	ds := &pixelSet{cam: frontCamera(), color: ngp.RGBA{A: 1}}

	for want := 1; want <= 4; want++ {
		res, err := tr.TrainStep(context.Background(), ds)
		require.NoError(t, err)
		assert.Equal(t, want, res.Step)
		assert.Equal(t, want, tr.Steps())
	}
}

func TestTrainStep_NetworkErrorCommitsNothing(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)
	net := &recordingNet{params: []float64{1, 2, 3}, fail: errors.New("device lost")}
	tr := newTrainer(t, net, g, cfg)

	before := make([]float32, g.SigmaLen())
	g.SnapshotSigma(before)

	_, err := tr.TrainStep(context.Background(), &pixelSet{cam: frontCamera(), color: ngp.RGBA{A: 1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ngp.ErrDevice)
	assert.Equal(t, []float64{1, 2, 3}, net.params)
	assert.Zero(t, tr.Steps())

	after := make([]float32, g.SigmaLen())
	g.SnapshotSigma(after)
	assert.Equal(t, before, after)
}

func TestTrainStep_DegenerateCamera(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)
	tr := newTrainer(t, &recordingNet{}, g, cfg)

	cam := *frontCamera()
	cam.FocalY = math.Inf(1)
	_, err := tr.TrainStep(context.Background(), &pixelSet{cam: &cam})
	assert.ErrorIs(t, err, ngp.ErrConfiguration)
	assert.Zero(t, tr.Steps())
}

func TestTrainStep_Cancelled(t *testing.T) {
	cfg := testConfig()
	tr := newTrainer(t, &recordingNet{}, newGrid(t, cfg), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.TrainStep(ctx, &pixelSet{cam: frontCamera()})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, tr.Steps())
}

func TestTrainStep_EmptyGridGivesEmptyRays(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)
	g.Fill(0)
	g.UpdateBits(cfg.Grid.Threshold)
	tr := newTrainer(t, &recordingNet{}, g, cfg)

	res, err := tr.TrainStep(context.Background(), &pixelSet{cam: frontCamera(), color: ngp.RGBA{R: 1, A: 1}})
	require.NoError(t, err)
	assert.Zero(t, res.Samples)
	assert.Equal(t, res.Rays, res.EmptyRays)
	assert.Zero(t, res.Loss)
}

func denseField(t *testing.T) *field.DenseGrid {
	t.Helper()
	f, err := field.NewDenseGrid(ngp.AABB{Max: ngp.Splat(1)}, 8, 1)
	require.NoError(t, err)
	return f
}

func TestTrainStep_DeterministicAcrossWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.Train.RefreshEvery = 2
	cfg.Train.RefreshSamples = 512

	run := func(workers int) ([]float64, []float64, []float32) {
		g := newGrid(t, cfg)
		net := denseField(t)
		tr := newTrainer(t, net, g, cfg, WithWorkers(workers))
		ds := &pixelSet{cam: frontCamera(), color: ngp.RGBA{R: 0.8, G: 0.3, B: 0.1, A: 1}}
		var losses []float64
		for range 4 {
			res, err := tr.TrainStep(context.Background(), ds)
			require.NoError(t, err)
			losses = append(losses, res.Loss)
		}
		sigma := make([]float32, g.SigmaLen())
		g.SnapshotSigma(sigma)
		return losses, net.Parameters(), sigma
	}

	l1, p1, s1 := run(1)
	l4, p4, s4 := run(4)
	if diff := cmp.Diff(l1, l4); diff != "" {
		t.Errorf("losses differ (-1 worker +4 workers):\n%s", diff)
	}
	if diff := cmp.Diff(p1, p4); diff != "" {
		t.Errorf("parameters differ (-1 worker +4 workers):\n%s", diff)
	}
	if diff := cmp.Diff(s1, s4); diff != "" {
		t.Errorf("grid differs (-1 worker +4 workers):\n%s", diff)
	}
}

func TestTrainStep_LossDecreases(t *testing.T) {
	cfg := testConfig()
	cfg.Train.BatchRays = 256
	cfg.Train.Optimizer.LearningRate = 0.05
	g := newGrid(t, cfg)
	net := denseField(t)
	tr := newTrainer(t, net, g, cfg)

	red := color.NRGBA{R: 230, G: 25, B: 25, A: 255}
	var views []dataset.View
	for _, cam := range dataset.Orbit(4, 16, 16, math.Pi/6, 2.5, 0.2, ngp.Splat(0.5)) {
		img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
		for y := range 16 {
			for x := range 16 {
				img.SetNRGBA(x, y, red)
			}
		}
		views = append(views, dataset.View{Image: img, Camera: cam})
	}
	ds, err := dataset.NewImageSet(views)
	require.NoError(t, err)

	mean := func(v []float64) float64 {
		var s float64
		for _, x := range v {
			s += x
		}
		return s / float64(len(v))
	}

	var losses []float64
	for range 40 {
		res, err := tr.TrainStep(context.Background(), ds)
		require.NoError(t, err)
		losses = append(losses, res.Loss)
	}
	first, last := mean(losses[:5]), mean(losses[len(losses)-5:])
	assert.Less(t, last, first*0.8, "loss %v -> %v", first, last)
}

func TestTrainStep_AutomaticRefresh(t *testing.T) {
	cfg := testConfig()
	cfg.Train.RefreshEvery = 2
	g := newGrid(t, cfg)
	tr := newTrainer(t, &recordingNet{}, g, cfg)
	ds := &pixelSet{cam: frontCamera(), color: ngp.RGBA{A: 1}}

	res, err := tr.TrainStep(context.Background(), ds)
	require.NoError(t, err)
	assert.False(t, res.Refreshed)

	res, err = tr.TrainStep(context.Background(), ds)
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assert.Equal(t, cfg.Train.RefreshSamples, res.Refresh.Visited)
}

func TestNewTrainer_Errors(t *testing.T) {
	cfg := testConfig()
	g := newGrid(t, cfg)

	_, err := NewTrainer(nil, g, cfg)
	assert.ErrorIs(t, err, ngp.ErrConfiguration)

	other := cfg
	other.Grid.Resolution = 32
	other.Train.RefreshSamples = 0
	_, err = NewTrainer(&recordingNet{}, g, other)
	assert.ErrorIs(t, err, ngp.ErrConfiguration)

	small := cfg
	small.WorkspaceMB = 1
	small.Train.BatchRays = 4096
	_, err = NewTrainer(&recordingNet{}, g, small)
	assert.ErrorIs(t, err, ngp.ErrCapacity)
}
