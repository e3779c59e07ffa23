// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package grid implements the multi-cascade occupancy grid.
//
// Each cascade is an R×R×R cell grid; cascade l covers a cube of edge
// BaseSize·2^l around a common centre, so a fixed number of cells gives
// logarithmic spatial coverage. Per cell the grid stores a density
// estimate (sigma) and an occupancy bit. Both live in flat arrays indexed
// by level·R³ + Morton(x, y, z); there is no per-cell object.
//
// Sigma only grows through UpdateWithDensity and only shrinks through
// Decay. Bits are derived from sigma by UpdateBits and may lag it until the
// next call.
//
// Concurrency: Grid embeds a sync.RWMutex. Readers (the renderer) hold the
// read lock for a whole request; the trainer holds the write lock while it
// mutates the grid or the parameters of the network trained against it.
// The mutating methods themselves do not lock.
package grid

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/parallel"
)

const grain = 4096

// Grid is a multi-cascade occupancy grid.
type Grid struct {
	sync.RWMutex

	cfg  ngp.GridConfig
	pool *parallel.Pool

	res           int
	cells         int
	bytesPerLevel int

	sigma []float32
	bits  []uint8
	accel Accelerator

	occupied atomic.Int64
}

// UpdateStats reports the outcome of one UpdateWithDensity call.
type UpdateStats struct {
	Visited    int
	Accepted   int
	Degenerate int
}

// New creates a grid with every cell at cfg.InitSigma and bits refreshed
// against cfg.Threshold. pool may be nil.
func New(cfg ngp.GridConfig, pool *parallel.Pool) (*Grid, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("grid: %w", err)
	}

	res := cfg.Resolution
	cells := res * res * res
	g := &Grid{
		cfg:           cfg,
		pool:          pool,
		res:           res,
		cells:         cells,
		bytesPerLevel: (cells + 7) / 8,
		sigma:         make([]float32, cfg.Levels*cells),
	}
	g.bits = make([]uint8, cfg.Levels*g.bytesPerLevel)

	g.Fill(cfg.InitSigma)
	g.UpdateBits(cfg.Threshold)

	ngp.Logger().Debug("grid: created",
		"levels", cfg.Levels, "resolution", res, "bytes", len(g.sigma)*4+len(g.bits))
	return g, nil
}

// Config returns the grid configuration.
func (g *Grid) Config() ngp.GridConfig { return g.cfg }

// Levels returns the number of cascades.
func (g *Grid) Levels() int { return g.cfg.Levels }

// Resolution returns the number of cells per axis.
func (g *Grid) Resolution() int { return g.res }

// CellsPerLevel returns R³.
func (g *Grid) CellsPerLevel() int { return g.cells }

// LevelBounds returns the world-space cube covered by level.
func (g *Grid) LevelBounds(level int) ngp.AABB {
	g.checkLevel(level)
	half := ngp.Splat(g.levelSize(level) / 2)
	return ngp.AABB{Min: g.cfg.Center.Sub(half), Max: g.cfg.Center.Add(half)}
}

// Bounds returns the coarsest cascade's cube, the global bounding volume.
func (g *Grid) Bounds() ngp.AABB {
	return g.LevelBounds(g.cfg.Levels - 1)
}

// CellSize returns the edge length of one cell at level.
func (g *Grid) CellSize(level int) float64 {
	return g.levelSize(level) / float64(g.res)
}

func (g *Grid) levelSize(level int) float64 {
	return g.cfg.BaseSize * math.Exp2(float64(level))
}

func (g *Grid) checkLevel(level int) {
	if level < 0 || level >= g.cfg.Levels {
		panic(fmt.Sprintf("grid: level %d out of range [0, %d)", level, g.cfg.Levels))
	}
}

func (g *Grid) checkCell(cell uint32) {
	if int(cell) >= g.cells {
		panic(fmt.Sprintf("grid: cell %d out of range [0, %d)", cell, g.cells))
	}
}

// Sigma returns the density estimate of a cell.
func (g *Grid) Sigma(level int, cell uint32) float32 {
	g.checkLevel(level)
	g.checkCell(cell)
	return g.sigma[level*g.cells+int(cell)]
}

// IsOccupied returns the occupancy bit of a cell.
func (g *Grid) IsOccupied(level int, cell uint32) bool {
	g.checkLevel(level)
	g.checkCell(cell)
	return g.bit(level, int(cell))
}

func (g *Grid) bit(level, cell int) bool {
	return g.bits[level*g.bytesPerLevel+cell>>3]&(1<<(cell&7)) != 0
}

// Fill sets every density estimate to sigma without touching the bits.
func (g *Grid) Fill(sigma float64) {
	if sigma < 0 || math.IsNaN(sigma) {
		panic(fmt.Sprintf("grid: fill value %v must be non-negative", sigma))
	}
	v := float32(sigma)
	parallel.For(g.pool, len(g.sigma), grain, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			g.sigma[i] = v
		}
	})
}

// Decay multiplies every density estimate by factor, which must lie in
// (0, 1]. Called before a refresh batch so that estimates not reconfirmed
// by the network fade away.
func (g *Grid) Decay(factor float64) {
	if !(factor > 0 && factor <= 1) {
		panic(fmt.Sprintf("grid: decay factor %v out of range (0, 1]", factor))
	}
	f := float32(factor)
	if g.accel != nil {
		err := g.accel.Decay(g.sigma, f)
		if err == nil {
			return
		}
		ngp.Logger().Warn("grid: device decay failed, using host stage", "err", err)
	}
	parallel.For(g.pool, len(g.sigma), grain, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			g.sigma[i] *= f
		}
	})
}

// GenerateSamplePoints maps batch entries to jittered world positions.
// Entry i visits the cell whose Morton code is (startIdx+i) mod R³ at the
// given level; random holds three uniform values in [0, 1) per entry that
// place the point inside the cell. positions and cells receive batchSize
// results. batchSize may not exceed R³, so a batch never visits a cell
// twice.
func (g *Grid) GenerateSamplePoints(level, batchSize, startIdx int, random []float64, positions []ngp.Vec3, cells []uint32) {
	g.checkLevel(level)
	switch {
	case batchSize < 0 || batchSize > g.cells:
		panic(fmt.Sprintf("grid: batch size %d out of range [0, %d]", batchSize, g.cells))
	case len(random) < 3*batchSize:
		panic(fmt.Sprintf("grid: %d random values for %d samples, need 3 per sample", len(random), batchSize))
	case len(positions) < batchSize || len(cells) < batchSize:
		panic(fmt.Sprintf("grid: output buffers shorter than batch size %d", batchSize))
	}

	bounds := g.LevelBounds(level)
	cs := g.CellSize(level)
	start := ((startIdx % g.cells) + g.cells) % g.cells

	parallel.For(g.pool, batchSize, grain, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			code := uint32((start + i) % g.cells) //nolint:gosec // G115: below R³ <= 2^30
			x, y, z := MortonDecode(code)
			r := random[3*i : 3*i+3]
			positions[i] = ngp.Vec3{
				X: bounds.Min.X + (float64(x)+r[0])*cs,
				Y: bounds.Min.Y + (float64(y)+r[1])*cs,
				Z: bounds.Min.Z + (float64(z)+r[2])*cs,
			}
			cells[i] = code
		}
	})
}

// UpdateWithDensity folds network density estimates into the grid. For every
// visited cell a draw random[i] < selectionThreshold accepts the estimate: the
// stored value is scaled by decayFactor and combined with sigma[i] under
// the configured policy. Rejected draws leave the cell unchanged.
//
// Non-finite estimates are skipped and counted as degenerate; negative estimates
// are clamped to zero. cells must not repeat within one call.
func (g *Grid) UpdateWithDensity(level int, cells []uint32, selectionThreshold, decayFactor float64, sigma, random []float64) UpdateStats {
	g.checkLevel(level)
	n := len(cells)
	if len(sigma) < n || len(random) < n {
		panic(fmt.Sprintf("grid: %d cells with %d densities and %d random values", n, len(sigma), len(random)))
	}
	if !(decayFactor > 0 && decayFactor <= 1) {
		panic(fmt.Sprintf("grid: decay factor %v out of range (0, 1]", decayFactor))
	}

	for _, cell := range cells {
		g.checkCell(cell)
	}

	overwrite := g.cfg.Policy == ngp.PolicyOverwrite
	base := g.sigma[level*g.cells : (level+1)*g.cells]
	decay := float32(decayFactor)

	var accepted, degenerate atomic.Int64
	parallel.For(g.pool, n, grain, func(lo, hi int) {
		var acc, deg int64
		for i := lo; i < hi; i++ {
			cell := cells[i]
			if !(random[i] < selectionThreshold) {
				continue
			}
			s := sigma[i]
			if math.IsNaN(s) || math.IsInf(s, 0) {
				deg++
				continue
			}
			est := float32(max(s, 0))
			old := base[cell] * decay
			if overwrite {
				base[cell] = est
			} else {
				base[cell] = max(old, est)
			}
			acc++
		}
		accepted.Add(acc)
		degenerate.Add(deg)
	})

	stats := UpdateStats{Visited: n, Accepted: int(accepted.Load()), Degenerate: int(degenerate.Load())}
	if stats.Degenerate > 0 {
		ngp.Logger().Debug("grid: skipped non-finite density estimates", "level", level, "count", stats.Degenerate)
	}
	return stats
}

// UpdateBits recomputes every occupancy bit as sigma > threshold and
// returns the number of occupied cells across all levels.
func (g *Grid) UpdateBits(threshold float64) int {
	if threshold < 0 || math.IsNaN(threshold) {
		panic(fmt.Sprintf("grid: bit threshold %v must be non-negative", threshold))
	}
	if g.accel != nil {
		err := g.accel.UpdateBits(g.sigma, g.bits, g.cfg.Levels, g.cells, bitThreshold(threshold))
		if err == nil {
			occ := g.countBits()
			g.occupied.Store(int64(occ))
			return occ
		}
		ngp.Logger().Warn("grid: device bit update failed, using host stage", "err", err)
	}

	var total atomic.Int64
	parallel.For(g.pool, len(g.bits), grain/8, func(lo, hi int) {
		var count int
		for j := lo; j < hi; j++ {
			level, byteIdx := j/g.bytesPerLevel, j%g.bytesPerLevel
			base := level * g.cells
			var b uint8
			for k := range 8 {
				cell := byteIdx*8 + k
				if cell < g.cells && float64(g.sigma[base+cell]) > threshold {
					b |= 1 << k
				}
			}
			g.bits[j] = b
			count += bits.OnesCount8(b)
		}
		total.Add(int64(count))
	})

	occ := total.Load()
	g.occupied.Store(occ)
	return int(occ)
}

// OccupiedCells returns the occupied count from the last UpdateBits.
func (g *Grid) OccupiedCells() int {
	return int(g.occupied.Load())
}

// OccupancyRatio returns the occupied fraction from the last UpdateBits.
func (g *Grid) OccupancyRatio() float64 {
	return float64(g.occupied.Load()) / float64(len(g.sigma))
}

// MeanSigma returns the mean density estimate of a level.
func (g *Grid) MeanSigma(level int) float64 {
	g.checkLevel(level)
	var sum float64
	for _, s := range g.sigma[level*g.cells : (level+1)*g.cells] {
		sum += float64(s)
	}
	return sum / float64(g.cells)
}

// SigmaLen returns the number of density estimates, the buffer length
// required by SnapshotSigma and RestoreSigma.
func (g *Grid) SigmaLen() int {
	return len(g.sigma)
}

// SnapshotSigma copies all density estimates into dst.
func (g *Grid) SnapshotSigma(dst []float32) {
	if len(dst) < len(g.sigma) {
		panic(fmt.Sprintf("grid: snapshot buffer %d below %d", len(dst), len(g.sigma)))
	}
	copy(dst, g.sigma)
}

// RestoreSigma overwrites all density estimates from src.
func (g *Grid) RestoreSigma(src []float32) {
	if len(src) < len(g.sigma) {
		panic(fmt.Sprintf("grid: restore buffer %d below %d", len(src), len(g.sigma)))
	}
	copy(g.sigma, src)
}
