// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package march holds the ray marching pieces shared by the renderer and
// the trainer: the pinhole camera model, the per-ray state machine,
// grid-guided sample generation and front-to-back compositing.
//
// A ray starts Alive at the camera and ends in exactly one absorbing state:
//
//	Alive ──► TerminatedOpacity   transmittance fell below the threshold
//	      ├─► TerminatedOOB       left the grid's bounding volume
//	      └─► TerminatedMaxSteps  marched the configured maximum of samples
//
// Sample generation skips cells whose occupancy bit is clear by jumping to
// the cell boundary, choosing the cascade from the sample position and the
// adaptive step length, and only emits samples in occupied cells.
//
// Compositing uses the discrete volume rendering integral:
//
//	α_i = 1 - exp(-σ_i·Δ_i)
//	w_i = T_i·α_i
//	C   = Σ w_i·c_i
//	T_{i+1} = T_i·(1 - α_i)
//
// For constant density the product of (1-α_i) telescopes to exp(-σ·L),
// so the result matches the analytic integral for any step partition.
package march
