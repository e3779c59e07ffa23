// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package train fits a network to posed images and keeps the occupancy
// grid in sync with the network's density.
//
// A training step draws a batch of pixels, marches their rays through the
// grid, packs the samples densely, runs the network forward and backward
// with a compositing loss and applies one optimizer update. Every
// RefreshEvery steps the grid is refreshed from the network.
//
// The trainer is the only writer of the grid and of the network
// parameters. Both are written under the grid's write lock, and only after
// every fallible stage of a step has succeeded.
package train
