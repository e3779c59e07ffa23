// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package render

import "github.com/gogpu/ngp/parallel"

// Option configures a Renderer.
type Option func(*options)

type options struct {
	pool     *parallel.Pool
	workers  int
	provider DeviceHandle
}

// WithPool runs the stages on a caller-owned pool. The renderer does not
// close it.
func WithPool(p *parallel.Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithWorkers overrides Config.Workers for a renderer-owned pool.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithDeviceProvider attaches the renderer's kernels to a shared device.
// A provider without HAL access leaves the renderer on the CPU path.
func WithDeviceProvider(p DeviceHandle) Option {
	return func(o *options) { o.provider = p }
}
