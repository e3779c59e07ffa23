// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package kernels holds the WGSL compute kernels of the occupancy grid and
// rendering pipelines and attaches them to a HAL device.
//
// Kernels are compiled to SPIR-V with naga. When a device provider exposing
// HAL types is attached, the library creates shader modules and device
// buffers mirroring the host workspace. With a HAL queue as well, the grid
// decay and bit kernels run as compute passes and Library serves as a
// grid.Accelerator: parameters and inputs are uploaded, the pass is
// dispatched and the result is read back through a staging buffer. The
// compaction and compositing kernels are compiled but their stages run on
// the host worker pool.
package kernels
