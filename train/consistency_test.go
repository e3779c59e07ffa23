// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package train

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/dataset"
	"github.com/gogpu/ngp/field"
	"github.com/gogpu/ngp/grid"
	"github.com/gogpu/ngp/march"
	"github.com/gogpu/ngp/render"
)

// frameSet draws pixels of a rendered frame.
type frameSet struct {
	cam   *march.Camera
	frame *render.FloatTarget
}

func (f *frameSet) Len() int { return 1 }

func (f *frameSet) SampleBatch(rng *rand.Rand, out []dataset.Sample) error {
	for i := range out {
		x, y := rng.IntN(f.cam.Width), rng.IntN(f.cam.Height)
		out[i] = dataset.Sample{
			X:      float64(x) + 0.5,
			Y:      float64(y) + 0.5,
			Color:  f.frame.At(x, y),
			Camera: f.cam,
		}
	}
	return nil
}

// renderFrame renders cam with a small ray workspace.
func renderFrame(t *testing.T, net field.Network, g *grid.Grid, cfg ngp.Config, cam *march.Camera) *render.FloatTarget {
	t.Helper()
	cfg.March.MaxRays = 64
	r, err := render.NewRenderer(net, cfg, render.WithWorkers(2))
	require.NoError(t, err)
	defer r.Close()

	frame := render.NewFloatTarget(cam.Width, cam.Height)
	st, err := r.Render(context.Background(), cam, frame, g, 0)
	require.NoError(t, err)
	require.True(t, st.Complete)
	return frame
}

func TestTrainStep_RenderedFrameHasZeroLoss(t *testing.T) {
	cfg := ngp.DefaultConfig()
	cfg.Workers = 2
	g := newGrid(t, cfg)
	net := &field.Constant{Density: 1, Color: ngp.V3(0.8, 0.5, 0.2)}
	cam := frontCamera()
	frame := renderFrame(t, net, g, cfg, cam)

	tr := newTrainer(t, net, g, cfg)
	res, err := tr.TrainStep(context.Background(), &frameSet{cam: cam, frame: frame})
	require.NoError(t, err)

	assert.InDelta(t, 0, res.Loss, 1e-12)
	assert.Zero(t, res.EmptyRays)
	assert.Zero(t, res.MaxStepsRays)
	// Every ray crosses the unit cube, which takes more than 256 steps.
	assert.Greater(t, res.Samples, 256*res.Rays)
}

func TestTrainStep_MaxStepsMatchesRenderer(t *testing.T) {
	cfg := testConfig()
	cfg.March.MaxSteps = 10
	require.NoError(t, cfg.Validate())
	g := newGrid(t, cfg)
	net := &field.Constant{Density: 1, Color: ngp.V3(0.3, 0.6, 0.9)}
	cam := frontCamera()
	frame := renderFrame(t, net, g, cfg, cam)

	tr := newTrainer(t, net, g, cfg)
	res, err := tr.TrainStep(context.Background(), &frameSet{cam: cam, frame: frame})
	require.NoError(t, err)

	assert.Equal(t, res.Rays, res.MaxStepsRays)
	assert.Equal(t, 10*res.Rays, res.Samples)
	assert.InDelta(t, 0, res.Loss, 1e-12)
}

func TestTrainStep_PixmapRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		bg   ngp.Vec3
	}{
		{"black background", ngp.Vec3{}},
		{"colored background", ngp.V3(0.1, 0.2, 0.3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.March.Background = tt.bg
			g := newGrid(t, cfg)
			net := &field.Constant{Density: 1, Color: ngp.Splat(0.8)}
			cam := frontCamera()

			rcfg := cfg
			rcfg.March.MaxRays = 64
			r, err := render.NewRenderer(net, rcfg, render.WithWorkers(2))
			require.NoError(t, err)
			defer r.Close()
			pix := render.NewPixmapTarget(cam.Width, cam.Height)
			_, err = r.Render(context.Background(), cam, pix, g, 0)
			require.NoError(t, err)

			ds, err := dataset.NewImageSet([]dataset.View{{Image: pix.Image(), Camera: *cam}})
			require.NoError(t, err)

			tr := newTrainer(t, net, g, cfg)
			res, err := tr.TrainStep(context.Background(), ds)
			require.NoError(t, err)
			// Only 8-bit quantization separates the network from its own render.
			assert.Less(t, res.Loss, 1e-5)
		})
	}
}

// cameraless returns samples without a camera.
type cameraless struct{}

func (cameraless) Len() int { return 1 }

func (cameraless) SampleBatch(_ *rand.Rand, out []dataset.Sample) error {
	for i := range out {
		out[i] = dataset.Sample{X: 0.5, Y: 0.5, Color: ngp.RGBA{A: 1}}
	}
	return nil
}

func TestTrainStep_MissingCamera(t *testing.T) {
	cfg := testConfig()
	tr := newTrainer(t, &recordingNet{}, newGrid(t, cfg), cfg)
	_, err := tr.TrainStep(context.Background(), cameraless{})
	assert.ErrorIs(t, err, ngp.ErrConfiguration)
	assert.Zero(t, tr.Steps())
}
