// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package train

import (
	"context"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/software"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/field"
	"github.com/gogpu/ngp/render"
)

// softwareDevice is a device provider backed by the CPU software backend.
type softwareDevice struct {
	render.NullDeviceHandle
	device hal.Device
	queue  hal.Queue
}

func (d softwareDevice) HalDevice() any { return d.device }
func (d softwareDevice) HalQueue() any  { return d.queue }

func openSoftwareDevice(t *testing.T) softwareDevice {
	t.Helper()
	instance, err := software.API{}.CreateInstance(&hal.InstanceDescriptor{})
	require.NoError(t, err)
	adapters := instance.EnumerateAdapters(nil)
	require.NotEmpty(t, adapters)
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	require.NoError(t, err)
	t.Cleanup(func() {
		open.Device.Destroy()
		instance.Destroy()
	})
	return softwareDevice{device: open.Device, queue: open.Queue}
}

func TestTrainer_DeviceRefreshMatchesHost(t *testing.T) {
	cfg := refreshConfig()
	sphere := &field.Sphere{Center: ngp.Splat(0.5), Radius: 0.25, Density: 50}

	hostGrid := newGrid(t, cfg)
	host := newTrainer(t, sphere, hostGrid, cfg)

	devGrid := newGrid(t, cfg)
	dev, err := NewTrainer(sphere, devGrid, cfg, WithDeviceProvider(openSoftwareDevice(t)))
	require.NoError(t, err)
	if !dev.DeviceRefresh() {
		dev.Close()
		t.Skip("Skipping: software backend could not build the grid kernels")
	}
	assert.True(t, dev.DeviceAttached())

	for range 2 {
		want, err := host.RefreshGrid(context.Background())
		require.NoError(t, err)
		got, err := dev.RefreshGrid(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	want := make([]float32, hostGrid.SigmaLen())
	got := make([]float32, devGrid.SigmaLen())
	hostGrid.SnapshotSigma(want)
	devGrid.SnapshotSigma(got)
	assert.Equal(t, want, got)

	dev.Close()
	assert.Nil(t, devGrid.Accelerator(), "closing the trainer restores the host stages")
}
