// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package parallel

// DefaultGrain is the smallest index range worth a separate work item.
const DefaultGrain = 256

// For runs fn over [0, n) split into contiguous, disjoint ranges and
// returns after every range completed. Ranges never overlap, so stages
// that only write to their own indices need no synchronization and give
// the same result for any worker count.
//
// A nil pool runs the stage on the calling goroutine.
func For(p *Pool, n, grain int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if grain <= 0 {
		grain = DefaultGrain
	}
	if p == nil || n <= grain || p.Workers() == 1 {
		fn(0, n)
		return
	}

	chunks := min((n+grain-1)/grain, p.Workers()*4)
	size := (n + chunks - 1) / chunks

	work := make([]func(), 0, chunks)
	for lo := 0; lo < n; lo += size {
		hi := min(lo+size, n)
		work = append(work, func() { fn(lo, hi) })
	}
	p.ExecuteAll(work)
}

// Blocks runs fn once per fixed-size block of [0, n). Unlike For, block
// boundaries do not depend on the worker count, which matters for
// algorithms that store one value per block (block-level scans).
func Blocks(p *Pool, n, blockSize int, fn func(block, lo, hi int)) {
	if n <= 0 {
		return
	}
	if blockSize <= 0 {
		blockSize = DefaultGrain
	}
	nBlocks := (n + blockSize - 1) / blockSize
	For(p, nBlocks, 1, func(bLo, bHi int) {
		for b := bLo; b < bHi; b++ {
			lo := b * blockSize
			fn(b, lo, min(lo+blockSize, n))
		}
	})
}
