// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package compact implements deterministic parallel stream compaction.
//
// Compaction densifies a sparse active set: given N entries and a predicate
// it produces the strictly increasing indices of the entries that satisfy
// it. The algorithm is the classic two-level scan used by GPU compaction
// kernels, run as three barrier-separated stages:
//
//  1. reduce: each fixed-size block counts its survivors
//  2. scan: exclusive prefix sum over the block counts
//  3. scatter: each block rescans its entries and writes survivor indices
//     starting at its block offset
//
// Block boundaries are fixed by the block size, never by the worker count,
// so the output is identical for any pool.
package compact

import (
	"fmt"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/parallel"
)

// DefaultBlockSize matches the workgroup size of the compaction kernels.
const DefaultBlockSize = 256

// Compactor holds the block-count scratch for inputs of up to MaxEntries.
// A Compactor is not safe for concurrent use; each pipeline owns one.
type Compactor struct {
	pool      *parallel.Pool
	blockSize int
	maxN      int
	blocks    []uint32
}

// New creates a compactor for inputs of up to maxEntries elements.
// pool may be nil to run every stage on the calling goroutine.
func New(pool *parallel.Pool, maxEntries, blockSize int) *Compactor {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	maxEntries = max(maxEntries, 0)
	return &Compactor{
		pool:      pool,
		blockSize: blockSize,
		maxN:      maxEntries,
		blocks:    make([]uint32, (maxEntries+blockSize-1)/blockSize),
	}
}

// MaxEntries returns the largest input length the compactor accepts.
func (c *Compactor) MaxEntries() int {
	return c.maxN
}

// Compact writes the indices i in [0, n) with keep(i) into out in
// increasing order and returns their count. keep is evaluated twice per
// index from several goroutines and must be a pure function of i.
//
// n above MaxEntries, or a survivor count above len(out), returns an error
// wrapping ngp.ErrCapacity and leaves out untouched.
func (c *Compactor) Compact(n int, keep func(i int) bool, out []uint32) (int, error) {
	if n < 0 {
		panic(fmt.Sprintf("compact: negative length %d", n))
	}
	if n > c.maxN {
		return 0, fmt.Errorf("compact: %w: %d entries, capacity %d", ngp.ErrCapacity, n, c.maxN)
	}
	if n == 0 {
		return 0, nil
	}

	blocks := c.blocks[:(n+c.blockSize-1)/c.blockSize]

	// Stage 1: per-block survivor counts.
	parallel.Blocks(c.pool, n, c.blockSize, func(b, lo, hi int) {
		var count uint32
		for i := lo; i < hi; i++ {
			if keep(i) {
				count++
			}
		}
		blocks[b] = count
	})

	// Stage 2: exclusive scan of block counts.
	total := scanInPlace(blocks)
	if int(total) > len(out) {
		return 0, fmt.Errorf("compact: %w: %d survivors, output holds %d", ngp.ErrCapacity, total, len(out))
	}

	// Stage 3: scatter survivors at their block offsets.
	parallel.Blocks(c.pool, n, c.blockSize, func(b, lo, hi int) {
		off := blocks[b]
		for i := lo; i < hi; i++ {
			if keep(i) {
				out[off] = uint32(i) //nolint:gosec // G115: i < n <= MaxEntries
				off++
			}
		}
	})
	return int(total), nil
}

// ExclusiveScan writes the exclusive prefix sum of counts into offsets and
// returns the total. offsets may alias counts. It uses the same
// reduce/scan/propagate stages as Compact.
func (c *Compactor) ExclusiveScan(counts, offsets []uint32) (uint32, error) {
	n := len(counts)
	if n > c.maxN {
		return 0, fmt.Errorf("compact: %w: %d entries, capacity %d", ngp.ErrCapacity, n, c.maxN)
	}
	if len(offsets) < n {
		panic(fmt.Sprintf("compact: offsets length %d below counts length %d", len(offsets), n))
	}
	if n == 0 {
		return 0, nil
	}

	blocks := c.blocks[:(n+c.blockSize-1)/c.blockSize]

	parallel.Blocks(c.pool, n, c.blockSize, func(b, lo, hi int) {
		var sum uint32
		for _, v := range counts[lo:hi] {
			sum += v
		}
		blocks[b] = sum
	})

	total := scanInPlace(blocks)

	parallel.Blocks(c.pool, n, c.blockSize, func(b, lo, hi int) {
		run := blocks[b]
		for i := lo; i < hi; i++ {
			v := counts[i]
			offsets[i] = run
			run += v
		}
	})
	return total, nil
}

// scanInPlace replaces v with its exclusive prefix sum and returns the
// total. The block count is small enough that a serial pass beats another
// level of parallel scan.
func scanInPlace(v []uint32) uint32 {
	var run uint32
	for i, x := range v {
		v[i] = run
		run += x
	}
	return run
}

// Gather relocates src[idx[i]] into dst[i] for every i in idx, producing
// the dense buffer that accompanies a compaction result.
func Gather[T any](pool *parallel.Pool, idx []uint32, src, dst []T) {
	if len(dst) < len(idx) {
		panic(fmt.Sprintf("compact: gather destination length %d below %d indices", len(dst), len(idx)))
	}
	parallel.For(pool, len(idx), parallel.DefaultGrain, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = src[idx[i]]
		}
	})
}
