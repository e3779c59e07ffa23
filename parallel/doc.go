// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package parallel runs data-parallel pipeline stages on a shared
// work-stealing pool.
//
// A Pool may be shared by grids, renderers and trainers that never run
// concurrently; each stage returns only after every chunk completed, and
// chunk boundaries depend on the input size alone, so results do not
// depend on the worker count.
//
//	pool := parallel.NewPool(runtime.GOMAXPROCS(0))
//	defer pool.Close()
//	g, _ := grid.New(cfg.Grid, pool)
//	r, _ := render.NewRenderer(net, cfg, render.WithPool(pool))
package parallel
