// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package ngp renders and trains neural volumetric scenes with an
// occupancy-grid acceleration structure.
//
// # Overview
//
// A scene is a density/color field answered by a network collaborator
// (see package field). The multi-cascade occupancy grid (package grid)
// records which parts of space hold non-negligible density, so that both
// the renderer and the trainer only spend samples where the field is
// believed to be non-empty.
//
//	g, _ := grid.New(cfg.Grid, pool)
//	r, _ := render.NewRenderer(net, cfg)
//	status, err := r.Render(ctx, cam, target, g, cfg.March.MaxRounds)
//
// # Architecture
//
// The module is organized into:
//   - Root: math types (Vec3, Mat34, RGBA), Config, errors, logger
//   - grid: occupancy bits and density estimates per cascade
//   - compact: deterministic parallel stream compaction
//   - march: camera model, ray state machine, sampling, compositing
//   - render: round-based ray-marching renderer and render targets
//   - train: training step, optimizers, grid refresh
//   - field, dataset: network and dataset collaborators
//
// Every pipeline runs as a sequence of parallel stages separated by full
// barriers. Cancellation is observed only between rounds.
//
// # Logging
//
// ngp is silent by default. Call [SetLogger] to route diagnostics to a
// [log/slog] logger shared by all sub-packages.
package ngp
