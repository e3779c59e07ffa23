// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package render renders a density/color field through an occupancy grid.
//
// # Pipeline
//
// A render request turns every pixel of a camera into a ray and advances
// all rays in rounds. Each round runs barrier-separated stages over the
// worker pool:
//
//   - compact the alive rays
//   - march each alive ray through empty space and emit a bounded number
//     of samples in occupied cells
//   - compact the emitted samples and query the network once
//   - composite the results front to back and update ray states
//
// The loop ends when no ray is alive or the round cap is reached. Every
// pixel is then written once as (C + T·Background, 1 - T).
//
// # Device Integration
//
// The renderer RECEIVES a GPU device from the host application through
// WithDeviceProvider; it never creates one. When the provider exposes HAL
// types, the compute kernels and workspace buffers are created on the
// shared device. Stages execute on the CPU worker pool either way.
//
// # Render Targets
//
//   - PixmapTarget: 8-bit premultiplied *image.RGBA
//   - FloatTarget: full precision ngp.RGBA, convertible to 16-bit images
//
// # Thread Safety
//
// Render calls on one Renderer are serialized. Render holds the grid's
// read lock for the whole request, so a concurrent trainer commit waits
// for the frame to finish.
package render
