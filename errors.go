// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package ngp

import "errors"

// Pipeline errors. Callers test for them with errors.Is; the returned error
// wraps one of these with context about the offending value.
var (
	// ErrConfiguration is returned for invalid cascade counts, resolutions,
	// step sizes or optimizer settings. Detected before any stage runs.
	ErrConfiguration = errors.New("ngp: invalid configuration")

	// ErrCapacity is returned when a request does not fit the pre-sized
	// workspace. Work is never silently truncated.
	ErrCapacity = errors.New("ngp: workspace capacity exceeded")

	// ErrDevice is returned when a collaborator (network, device) fails
	// during a stage. The failed request commits nothing.
	ErrDevice = errors.New("ngp: device failure")
)
