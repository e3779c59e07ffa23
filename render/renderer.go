// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package render

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/compact"
	"github.com/gogpu/ngp/field"
	"github.com/gogpu/ngp/grid"
	"github.com/gogpu/ngp/internal/kernels"
	"github.com/gogpu/ngp/parallel"
	"github.com/gogpu/ngp/internal/workspace"
	"github.com/gogpu/ngp/march"
)

// Status reports how a render request ended.
type Status struct {
	// Complete is false when the round cap stopped a batch with rays
	// still alive.
	Complete bool

	Rounds  int
	Samples int
	Queries int

	// Degenerate counts samples skipped for non-finite network output.
	Degenerate int

	// Final ray states.
	Opacity  int
	OOB      int
	MaxSteps int
	Alive    int

	// Batches is the number of MaxRays sub-batches the frame needed.
	Batches int
}

// Renderer renders frames of a network through an occupancy grid.
// It owns a fixed workspace sized for MaxRays rays.
type Renderer struct {
	mu sync.Mutex

	net      field.Network
	cfg      ngp.Config
	pool     *parallel.Pool
	ownsPool bool
	compact  *compact.Compactor
	arena    *workspace.Arena
	kernels  *kernels.Library

	rays      []march.Ray
	alive     []uint32
	slots     []march.Sample
	counts    []uint32
	offsets   []uint32
	exhausted []bool
	degen     []uint32
	sampleIdx []uint32

	positions  []ngp.Vec3
	directions []ngp.Vec3
	density    []float64
	color      []ngp.Vec3

	frame []ngp.RGBA
}

// NewRenderer creates a renderer for net. cfg is defaulted and validated;
// a workspace that cannot hold MaxRays·StepsPerRound samples within
// WorkspaceMB returns an error wrapping ngp.ErrCapacity.
func NewRenderer(net field.Network, cfg ngp.Config, opts ...Option) (*Renderer, error) {
	if net == nil {
		return nil, fmt.Errorf("render: %w: nil network", ngp.ErrConfiguration)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	o := options{workers: cfg.Workers}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Renderer{net: net, cfg: cfg}
	if err := r.allocate(); err != nil {
		return nil, err
	}

	r.pool = o.pool
	if r.pool == nil {
		r.pool = parallel.NewPool(o.workers)
		r.ownsPool = true
	}
	slots := cfg.March.MaxRays * cfg.March.StepsPerRound
	r.compact = compact.New(r.pool, slots, compact.DefaultBlockSize)

	if o.provider != nil {
		lib := kernels.NewLibrary()
		if err := lib.Attach(o.provider, r.arena.Descriptors()); err != nil {
			ngp.Logger().Warn("render: device kernels unavailable, using CPU stages", "err", err)
		} else {
			r.kernels = lib
		}
	}

	ngp.Logger().Debug("render: workspace allocated", "workspace", r.arena.Stats().String())
	return r, nil
}

func (r *Renderer) allocate() error {
	m := r.cfg.March
	slots := m.MaxRays * m.StepsPerRound
	a := workspace.New("render", r.cfg.WorkspaceMB)
	r.arena = a

	r.rays = workspace.Take[march.Ray](a, "rays", m.MaxRays, workspace.UsageStorage)
	r.alive = workspace.Take[uint32](a, "alive", m.MaxRays, workspace.UsageStorage)
	r.counts = workspace.Take[uint32](a, "counts", m.MaxRays, workspace.UsageStorage)
	r.offsets = workspace.Take[uint32](a, "offsets", m.MaxRays, workspace.UsageStorage)
	r.exhausted = workspace.Take[bool](a, "exhausted", m.MaxRays, workspace.UsageStorage)
	r.degen = workspace.Take[uint32](a, "degenerate", m.MaxRays, workspace.UsageStorage)
	r.slots = workspace.Take[march.Sample](a, "samples", slots, workspace.UsageStorage)
	r.sampleIdx = workspace.Take[uint32](a, "sample_index", slots, workspace.UsageStorage)
	r.positions = workspace.Take[ngp.Vec3](a, "positions", slots, workspace.UsageStorage)
	r.directions = workspace.Take[ngp.Vec3](a, "directions", slots, workspace.UsageStorage)
	r.density = workspace.Take[float64](a, "density", slots, workspace.UsageReadback)
	r.color = workspace.Take[ngp.Vec3](a, "color", slots, workspace.UsageReadback)
	if err := a.Err(); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return nil
}

// Config returns the defaulted configuration.
func (r *Renderer) Config() ngp.Config {
	return r.cfg
}

// Workspace returns the workspace usage summary.
func (r *Renderer) Workspace() workspace.Stats {
	return r.arena.Stats()
}

// DeviceAttached reports whether kernels were created on a shared device.
func (r *Renderer) DeviceAttached() bool {
	return r.kernels != nil && r.kernels.Attached()
}

// Close releases device resources and the renderer-owned pool.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kernels != nil {
		r.kernels.Close()
		r.kernels = nil
	}
	if r.ownsPool {
		r.pool.Close()
	}
}

// Render renders cam's view of the network through g into target.
// maxRounds caps the rounds of each sub-batch; zero or negative uses
// MarchConfig.MaxRounds.
//
// The grid's read lock is held for the whole request. Cancellation is
// observed between rounds; a cancelled or failed request writes nothing to
// target. A network error is returned wrapping ngp.ErrDevice.
func (r *Renderer) Render(ctx context.Context, cam *march.Camera, target RenderTarget, g *grid.Grid, maxRounds int) (Status, error) {
	if cam == nil || target == nil || g == nil {
		return Status{}, fmt.Errorf("render: %w: nil camera, target or grid", ngp.ErrConfiguration)
	}
	if err := cam.Validate(); err != nil {
		return Status{}, fmt.Errorf("render: %w", err)
	}
	if target.Width() != cam.Width || target.Height() != cam.Height {
		return Status{}, fmt.Errorf("render: %w: target %dx%d, camera %dx%d",
			ngp.ErrConfiguration, target.Width(), target.Height(), cam.Width, cam.Height)
	}
	if maxRounds <= 0 {
		maxRounds = r.cfg.March.MaxRounds
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	g.RLock()
	defer g.RUnlock()

	pixels := cam.Pixels()
	if cap(r.frame) < pixels {
		r.frame = make([]ngp.RGBA, pixels)
	}
	frame := r.frame[:pixels]

	marcher := march.NewMarcher(g, r.cfg.March)
	st := Status{Complete: true}
	for base := 0; base < pixels; base += r.cfg.March.MaxRays {
		n := min(r.cfg.March.MaxRays, pixels-base)
		if err := r.renderBatch(ctx, cam, marcher, base, n, maxRounds, frame, &st); err != nil {
			return Status{}, err
		}
		st.Batches++
	}

	for i, c := range frame {
		target.Write(i, c)
	}
	ngp.Logger().Debug("render: frame done",
		"pixels", pixels, "rounds", st.Rounds, "samples", st.Samples, "complete", st.Complete)
	return st, nil
}

// renderBatch renders pixels [base, base+n) into frame.
func (r *Renderer) renderBatch(ctx context.Context, cam *march.Camera, marcher *march.Marcher, base, n, maxRounds int, frame []ngp.RGBA, st *Status) error {
	m := r.cfg.March
	rays := r.rays[:n]

	parallel.For(r.pool, n, parallel.DefaultGrain, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			p := base + i
			px, py := p%cam.Width, p/cam.Width
			origin, dir := cam.GenerateRay(float64(px)+0.5, float64(py)+0.5, cam.Pose)
			marcher.Init(&rays[i], origin, dir, p)
		}
	})

	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		nAlive, err := r.compact.Compact(n, func(i int) bool { return rays[i].State == march.Alive }, r.alive)
		if err != nil {
			return fmt.Errorf("render: compact rays: %w", err)
		}
		if nAlive == 0 {
			break
		}
		if round == maxRounds {
			st.Complete = false
			break
		}

		if err := r.round(marcher, nAlive, st); err != nil {
			return err
		}
		st.Rounds++
	}

	bg := m.Background
	for i := range rays {
		ray := &rays[i]
		switch ray.State {
		case march.Alive:
			st.Alive++
		case march.TerminatedOpacity:
			st.Opacity++
		case march.TerminatedOOB:
			st.OOB++
		case march.TerminatedMaxSteps:
			st.MaxSteps++
		}
		frame[ray.Pixel] = ngp.FromVec(ray.Color.Add(bg.Mul(ray.Transmittance)), ray.Opacity())
	}
	return nil
}

// round runs one march/query/composite round over the first nAlive
// entries of r.alive.
func (r *Renderer) round(marcher *march.Marcher, nAlive int, st *Status) error {
	m := r.cfg.March
	spr := m.StepsPerRound
	alive := r.alive[:nAlive]

	// March.
	parallel.For(r.pool, nAlive, parallel.DefaultGrain/8, func(lo, hi int) {
		for j := lo; j < hi; j++ {
			ray := &r.rays[alive[j]]
			out := r.slots[j*spr : (j+1)*spr]
			cnt, exhausted := marcher.March(ray, out, alive[j])
			r.counts[j] = uint32(cnt) //nolint:gosec // G115: cnt <= StepsPerRound
			r.exhausted[j] = exhausted
		}
	})

	// Compact emitted sample slots; per-ray dense offsets.
	counts := r.counts[:nAlive]
	nSamples, err := r.compact.Compact(nAlive*spr, func(i int) bool {
		return uint32(i%spr) < counts[i/spr] //nolint:gosec // G115: i%spr < StepsPerRound
	}, r.sampleIdx)
	if err != nil {
		return fmt.Errorf("render: compact samples: %w", err)
	}
	if _, err := r.compact.ExclusiveScan(counts, r.offsets); err != nil {
		return fmt.Errorf("render: sample offsets: %w", err)
	}

	// Query.
	if nSamples > 0 {
		idx := r.sampleIdx[:nSamples]
		parallel.For(r.pool, nSamples, parallel.DefaultGrain, func(lo, hi int) {
			for k := lo; k < hi; k++ {
				s := &r.slots[idx[k]]
				r.positions[k] = s.Pos
				r.directions[k] = s.Dir
			}
		})
		err := r.net.Query(r.positions[:nSamples], r.directions[:nSamples], r.density[:nSamples], r.color[:nSamples])
		if err != nil {
			return fmt.Errorf("render: %w: network query: %w", ngp.ErrDevice, err)
		}
		st.Queries++
		st.Samples += nSamples
	}

	// Composite and update states.
	minT := m.MinTransmittance
	parallel.For(r.pool, nAlive, parallel.DefaultGrain/8, func(lo, hi int) {
		for j := lo; j < hi; j++ {
			ray := &r.rays[alive[j]]
			cnt, off := int(counts[j]), int(r.offsets[j])
			_, deg := march.Composite(ray,
				r.slots[j*spr:j*spr+cnt],
				r.density[off:off+cnt],
				r.color[off:off+cnt],
				minT)
			r.degen[j] = uint32(deg) //nolint:gosec // G115: deg <= StepsPerRound
			if ray.State != march.Alive {
				continue
			}
			switch {
			case r.exhausted[j]:
				ray.State = march.TerminatedOOB
			case ray.Steps >= m.MaxSteps:
				ray.State = march.TerminatedMaxSteps
			}
		}
	})

	degenerate := 0
	for _, d := range r.degen[:nAlive] {
		degenerate += int(d)
	}
	if degenerate > 0 {
		ngp.Logger().Debug("render: skipped non-finite samples", "count", degenerate)
	}
	st.Degenerate += degenerate
	return nil
}
