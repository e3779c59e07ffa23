// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package train

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/compact"
	"github.com/gogpu/ngp/dataset"
	"github.com/gogpu/ngp/field"
	"github.com/gogpu/ngp/grid"
	"github.com/gogpu/ngp/internal/kernels"
	"github.com/gogpu/ngp/parallel"
	"github.com/gogpu/ngp/internal/workspace"
	"github.com/gogpu/ngp/march"
)

// StepResult reports one training step.
type StepResult struct {
	// Step is the optimizer step count after this step.
	Step int

	// Loss is the mean squared error over rays and color channels.
	Loss float64

	Rays      int
	Samples   int
	EmptyRays int

	// MaxStepsRays counts rays stopped by MarchConfig.MaxSteps before
	// leaving the grid. They are composited like the renderer composites
	// a TerminatedMaxSteps ray.
	MaxStepsRays int

	// Degenerate counts samples skipped for non-finite network output.
	Degenerate int

	GradNorm float64

	// Refreshed is set when the step ended with a grid refresh.
	Refreshed bool
	Refresh   RefreshStats
}

// Trainer trains a network against a grid. A Trainer is not safe for
// concurrent TrainStep calls; renderers may read the grid concurrently.
type Trainer struct {
	mu sync.Mutex

	net      field.Network
	grid     *grid.Grid
	cfg      ngp.Config
	pool     *parallel.Pool
	ownsPool bool
	compact  *compact.Compactor
	arena    *workspace.Arena
	kernels  *kernels.Library
	opt      Optimizer
	rng      *rand.Rand
	marcher  *march.Marcher
	refresh  *refresher
	cursor   []int

	batch     []dataset.Sample
	rays      []march.Ray
	counts    []uint32
	offsets   []uint32
	slots     []march.Sample
	sampleIdx []uint32
	dense     []march.Sample

	positions  []ngp.Vec3
	directions []ngp.Vec3
	density    []float64
	color      []ngp.Vec3
	dDensity   []float64
	dColor     []ngp.Vec3
	grads      []float64

	rayLoss []float64
	rayDeg  []uint32
}

// NewTrainer creates a trainer for net over g. cfg is defaulted and
// validated; cfg.Grid must describe g. A workspace that cannot hold
// BatchRays·MaxSamplesPerRay samples within WorkspaceMB returns an error
// wrapping ngp.ErrCapacity.
func NewTrainer(net field.Network, g *grid.Grid, cfg ngp.Config, opts ...Option) (*Trainer, error) {
	if net == nil || g == nil {
		return nil, fmt.Errorf("train: %w: nil network or grid", ngp.ErrConfiguration)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	if cfg.Grid.Levels != g.Levels() || cfg.Grid.Resolution != g.Resolution() {
		return nil, fmt.Errorf("train: %w: config describes %d levels at %d, grid has %d at %d",
			ngp.ErrConfiguration, cfg.Grid.Levels, cfg.Grid.Resolution, g.Levels(), g.Resolution())
	}
	o := options{workers: cfg.Workers}
	for _, opt := range opts {
		opt(&o)
	}

	nParams := len(net.Parameters())
	optimizer, err := NewOptimizer(cfg.Train.Optimizer, nParams)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		net:     net,
		grid:    g,
		cfg:     cfg,
		opt:     optimizer,
		rng:     rand.New(rand.NewPCG(uint64(cfg.Train.Seed), 0x6e6770)), //nolint:gosec // G115: seed bits
		marcher: march.NewMarcher(g, cfg.March),
		cursor:  make([]int, g.Levels()),
	}
	if err := t.allocate(nParams); err != nil {
		return nil, err
	}
	t.refresh = newRefresher(g, cfg.Train.RefreshSamples)

	t.pool = o.pool
	if t.pool == nil {
		t.pool = parallel.NewPool(o.workers)
		t.ownsPool = true
	}
	t.compact = compact.New(t.pool, cfg.Train.BatchRays*cfg.Train.MaxSamplesPerRay, compact.DefaultBlockSize)

	if o.provider != nil {
		lib := kernels.NewLibrary()
		if err := lib.Attach(o.provider, t.arena.Descriptors()); err != nil {
			ngp.Logger().Warn("train: device kernels unavailable, using CPU stages", "err", err)
		} else {
			t.kernels = lib
			if lib.CanDispatch() {
				g.Lock()
				if g.Accelerator() == nil {
					g.SetAccelerator(lib)
				}
				g.Unlock()
			}
		}
	}
	return t, nil
}

func (t *Trainer) allocate(nParams int) error {
	tc := t.cfg.Train
	rays := tc.BatchRays
	slots := rays * tc.MaxSamplesPerRay
	a := workspace.New("train", t.cfg.WorkspaceMB)
	t.arena = a

	t.batch = workspace.Take[dataset.Sample](a, "batch", rays, workspace.UsageStorage)
	t.rays = workspace.Take[march.Ray](a, "rays", rays, workspace.UsageStorage)
	t.counts = workspace.Take[uint32](a, "counts", rays, workspace.UsageStorage)
	t.offsets = workspace.Take[uint32](a, "offsets", rays, workspace.UsageStorage)
	t.rayLoss = workspace.Take[float64](a, "ray_loss", rays, workspace.UsageReadback)
	t.rayDeg = workspace.Take[uint32](a, "ray_degenerate", rays, workspace.UsageReadback)
	t.slots = workspace.Take[march.Sample](a, "slots", slots, workspace.UsageStorage)
	t.sampleIdx = workspace.Take[uint32](a, "sample_index", slots, workspace.UsageStorage)
	t.dense = workspace.Take[march.Sample](a, "samples", slots, workspace.UsageStorage)
	t.positions = workspace.Take[ngp.Vec3](a, "positions", slots, workspace.UsageStorage)
	t.directions = workspace.Take[ngp.Vec3](a, "directions", slots, workspace.UsageStorage)
	t.density = workspace.Take[float64](a, "density", slots, workspace.UsageReadback)
	t.color = workspace.Take[ngp.Vec3](a, "color", slots, workspace.UsageReadback)
	t.dDensity = workspace.Take[float64](a, "d_density", slots, workspace.UsageStorage)
	t.dColor = workspace.Take[ngp.Vec3](a, "d_color", slots, workspace.UsageStorage)
	t.grads = workspace.Take[float64](a, "grads", nParams, workspace.UsageReadback)
	if err := a.Err(); err != nil {
		return fmt.Errorf("train: %w", err)
	}
	return nil
}

// Config returns the defaulted configuration.
func (t *Trainer) Config() ngp.Config {
	return t.cfg
}

// Steps returns the number of optimizer updates applied.
func (t *Trainer) Steps() int {
	return t.opt.Steps()
}

// Workspace returns the workspace usage summary.
func (t *Trainer) Workspace() workspace.Stats {
	return t.arena.Stats()
}

// DeviceAttached reports whether kernels were created on a shared device.
func (t *Trainer) DeviceAttached() bool {
	return t.kernels != nil && t.kernels.Attached()
}

// DeviceRefresh reports whether grid decay and bit updates run as compute
// passes on the shared device.
func (t *Trainer) DeviceRefresh() bool {
	if t.kernels == nil {
		return false
	}
	t.grid.RLock()
	defer t.grid.RUnlock()
	return t.grid.Accelerator() == grid.Accelerator(t.kernels)
}

// Close releases device resources and the trainer-owned pool.
func (t *Trainer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.kernels != nil {
		t.grid.Lock()
		if t.grid.Accelerator() == grid.Accelerator(t.kernels) {
			t.grid.SetAccelerator(nil)
		}
		t.grid.Unlock()
		t.kernels.Close()
		t.kernels = nil
	}
	if t.ownsPool {
		t.pool.Close()
	}
}

// TrainStep runs one training step on a batch drawn from ds.
//
// Context cancellation is checked before the step starts. Any error leaves
// the network parameters and the grid untouched; network failures wrap
// ngp.ErrDevice and a missing or degenerate camera wraps
// ngp.ErrConfiguration. Ground truth is premultiplied; the prediction is
// C + T·bg, the same color the renderer writes.
func (t *Trainer) TrainStep(ctx context.Context, ds dataset.Dataset) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	if ds == nil {
		return StepResult{}, fmt.Errorf("train: %w: nil dataset", ngp.ErrConfiguration)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	res, err := t.forwardBackward(ds)
	if err != nil {
		return StepResult{}, err
	}

	params := t.net.Parameters()
	t.grid.Lock()
	res.GradNorm = t.opt.Step(params, t.grads)
	t.grid.Unlock()
	res.Step = t.opt.Steps()

	if every := t.cfg.Train.RefreshEvery; every > 0 && res.Step%every == 0 {
		rs, err := t.refresh.run(ctx, t.net, t.grid, t.cfg.Grid, t.rng, t.cursor)
		if err != nil {
			return res, fmt.Errorf("train: step %d refresh: %w", res.Step, err)
		}
		res.Refreshed, res.Refresh = true, rs
		ngp.Logger().Info("train: grid refreshed",
			"step", res.Step, "occupied", rs.Occupied, "ratio", rs.Ratio, "accepted", rs.Accepted)
	}
	return res, nil
}

// forwardBackward fills t.grads for one batch under the grid's read lock.
func (t *Trainer) forwardBackward(ds dataset.Dataset) (StepResult, error) {
	tc := t.cfg.Train
	m := t.cfg.March
	nRays := tc.BatchRays
	spr := tc.MaxSamplesPerRay

	batch := t.batch[:nRays]
	if err := ds.SampleBatch(t.rng, batch); err != nil {
		return StepResult{}, fmt.Errorf("train: sample batch: %w", err)
	}
	var last *march.Camera
	for i := range batch {
		cam := batch[i].Camera
		if cam == nil {
			return StepResult{}, fmt.Errorf("train: %w: sample %d has no camera", ngp.ErrConfiguration, i)
		}
		if cam == last {
			continue
		}
		if err := cam.Validate(); err != nil {
			return StepResult{}, fmt.Errorf("train: sample %d: %w", i, err)
		}
		last = cam
	}

	t.grid.RLock()
	defer t.grid.RUnlock()

	// Generate and march rays; each ray owns spr sample slots.
	rays := t.rays[:nRays]
	parallel.For(t.pool, nRays, parallel.DefaultGrain/8, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			s := &batch[i]
			origin, dir := s.Camera.GenerateRay(s.X, s.Y, s.Camera.Pose)
			ray := &rays[i]
			t.marcher.Init(ray, origin, dir, i)
			n := 0
			if ray.State == march.Alive {
				var exhausted bool
				n, exhausted = t.marcher.March(ray, t.slots[i*spr:(i+1)*spr], uint32(i)) //nolint:gosec // G115: i < BatchRays
				switch {
				case exhausted:
					ray.State = march.TerminatedOOB
				case ray.Steps >= m.MaxSteps:
					ray.State = march.TerminatedMaxSteps
				}
			}
			t.counts[i] = uint32(n) //nolint:gosec // G115: n <= MaxSamplesPerRay
		}
	})

	// A ray still alive ran out of sample slots. Validate sizes
	// MaxSamplesPerRay so that this cannot happen.
	maxStepRays := 0
	for i := range rays {
		switch rays[i].State {
		case march.Alive:
			return StepResult{}, fmt.Errorf("train: %w: ray %d needs more than %d samples", ngp.ErrCapacity, i, spr)
		case march.TerminatedMaxSteps:
			maxStepRays++
		}
	}

	counts := t.counts[:nRays]
	total, err := t.compact.ExclusiveScan(counts, t.offsets)
	if err != nil {
		return StepResult{}, fmt.Errorf("train: sample offsets: %w", err)
	}
	nSamples, err := t.compact.Compact(nRays*spr, func(i int) bool {
		return uint32(i%spr) < counts[i/spr] //nolint:gosec // G115: i%spr < MaxSamplesPerRay
	}, t.sampleIdx)
	if err != nil {
		return StepResult{}, fmt.Errorf("train: compact samples: %w", err)
	}
	if uint32(nSamples) != total { //nolint:gosec // G115: nSamples <= slots
		panic(fmt.Sprintf("train: compacted %d samples, scan counted %d", nSamples, total))
	}

	dense := t.dense[:nSamples]
	compact.Gather(t.pool, t.sampleIdx[:nSamples], t.slots, dense)
	parallel.For(t.pool, nSamples, parallel.DefaultGrain, func(lo, hi int) {
		for k := lo; k < hi; k++ {
			t.positions[k] = dense[k].Pos
			t.directions[k] = dense[k].Dir
		}
	})

	fb := field.Batch{
		Positions:  t.positions[:nSamples],
		Directions: t.directions[:nSamples],
		Density:    t.density[:nSamples],
		Color:      t.color[:nSamples],
		DDensity:   t.dDensity[:nSamples],
		DColor:     t.dColor[:nSamples],
	}

	bg := m.Background
	norm := 1 / float64(3*nRays)
	lossFn := func(density []float64, color []ngp.Vec3, dDensity []float64, dColor []ngp.Vec3) float64 {
		parallel.For(t.pool, nRays, parallel.DefaultGrain/8, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				cnt, off := int(counts[i]), int(t.offsets[i])
				t.rayLoss[i], t.rayDeg[i] = 0, 0
				if cnt == 0 {
					continue
				}
				samples := dense[off : off+cnt]
				sigma, col := density[off:off+cnt], color[off:off+cnt]
				dSigma, dCol := dDensity[off:off+cnt], dColor[off:off+cnt]

				ray := march.Ray{Transmittance: 1}
				used, deg := march.Composite(&ray, samples, sigma, col, m.MinTransmittance)
				out := ray.Color.Add(bg.Mul(ray.Transmittance))

				diff := out.Sub(batch[i].Color.RGB())
				t.rayLoss[i] = diff.Dot(diff) * norm
				t.rayDeg[i] = uint32(deg) //nolint:gosec // G115: deg <= cnt

				march.CompositeGrad(samples[:used], sigma[:used], col[:used], out, diff.Mul(2*norm), dSigma[:used], dCol[:used])
				clear(dSigma[used:])
				clear(dCol[used:])
			}
		})
		var sum float64
		for _, l := range t.rayLoss[:nRays] {
			sum += l
		}
		return sum
	}

	loss, err := t.net.ForwardBackward(fb, lossFn, t.grads)
	if err != nil {
		return StepResult{}, fmt.Errorf("train: %w: forward/backward: %w", ngp.ErrDevice, err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return StepResult{}, fmt.Errorf("train: %w: non-finite loss %v", ngp.ErrDevice, loss)
	}

	res := StepResult{Loss: loss, Rays: nRays, Samples: nSamples, MaxStepsRays: maxStepRays}
	for i, c := range counts {
		if c == 0 {
			res.EmptyRays++
		}
		res.Degenerate += int(t.rayDeg[i])
	}
	if res.Degenerate > 0 {
		ngp.Logger().Debug("train: skipped non-finite samples", "count", res.Degenerate)
	}
	return res, nil
}

// RefreshGrid refreshes the grid from the network with the trainer's
// configuration, random stream and rotating cursor.
func (t *Trainer) RefreshGrid(ctx context.Context) (RefreshStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refresh.run(ctx, t.net, t.grid, t.cfg.Grid, t.rng, t.cursor)
}
