// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package field defines the network collaborator queried by the renderer
// and trained by the trainer, together with implementations of it.
//
// The pipelines treat a network as an opaque density/color function with
// trainable parameters. Constant and Sphere are closed-form fields without
// parameters; DenseGrid is a trainable voxel field.
package field

import "github.com/gogpu/ngp"

// Network is a density/color field.
type Network interface {
	// Query evaluates the field at positions seen along directions and
	// writes one density and one color per position.
	Query(positions, directions []ngp.Vec3, density []float64, color []ngp.Vec3) error

	// ForwardBackward evaluates the field on batch, calls loss with the
	// outputs to obtain the loss and its gradient with respect to the
	// outputs, and back-propagates that gradient into grads, which has
	// one entry per parameter and is overwritten. It returns the loss.
	ForwardBackward(batch Batch, loss LossFunc, grads []float64) (float64, error)

	// Parameters returns the trainable parameters. The optimizer updates
	// the returned slice in place.
	Parameters() []float64
}

// Batch holds the inputs of a forward/backward pass together with the
// caller-owned output and gradient buffers, all of the same length.
type Batch struct {
	Positions  []ngp.Vec3
	Directions []ngp.Vec3

	Density []float64
	Color   []ngp.Vec3

	DDensity []float64
	DColor   []ngp.Vec3
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int {
	return len(b.Positions)
}

// LossFunc computes the loss from network outputs and writes the gradient
// of the loss with respect to every output.
type LossFunc func(density []float64, color []ngp.Vec3, dDensity []float64, dColor []ngp.Vec3) float64
