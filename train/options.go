// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package train

import (
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/ngp/parallel"
)

// Option configures a Trainer.
type Option func(*options)

type options struct {
	pool     *parallel.Pool
	workers  int
	provider gpucontext.DeviceProvider
}

// WithPool runs the stages on a caller-owned pool. The trainer does not
// close it.
func WithPool(p *parallel.Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithWorkers overrides Config.Workers for a trainer-owned pool.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithDeviceProvider attaches the trainer's kernels to a shared device.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *options) { o.provider = p }
}
