// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package kernels

import (
	"embed"
	"fmt"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/internal/workspace"
)

//go:embed shaders/*.wgsl
var shaderFS embed.FS

// Kernel names, in pipeline order.
const (
	GridDecay      = "grid_decay"
	GridBits       = "grid_bits"
	CompactReduce  = "compact_reduce"
	CompactScatter = "compact_scatter"
	Composite      = "composite"
)

// Names lists every kernel in pipeline order.
var Names = []string{GridDecay, GridBits, CompactReduce, CompactScatter, Composite}

// Source returns the WGSL source of the named kernel.
func Source(name string) (string, error) {
	b, err := shaderFS.ReadFile("shaders/" + name + ".wgsl")
	if err != nil {
		return "", fmt.Errorf("kernels: unknown kernel %q: %w", name, err)
	}
	return string(b), nil
}

// CompileSPIRV compiles WGSL source to SPIR-V words.
func CompileSPIRV(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, err
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("kernels: spirv length %d is not word aligned", len(spirvBytes))
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// Library owns the compiled kernels and, once attached, their device
// resources. Library is safe for concurrent use.
type Library struct {
	mu      sync.Mutex
	spirv   map[string][]uint32
	device  hal.Device
	queue   hal.Queue
	modules map[string]hal.ShaderModule
	passes  map[string]*computePass
	buffers []hal.Buffer
}

// NewLibrary returns an empty, unattached library.
func NewLibrary() *Library {
	return &Library{}
}

// Compile compiles every kernel. It is a no-op after the first success.
func (l *Library) Compile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.compileLocked()
}

func (l *Library) compileLocked() error {
	if l.spirv != nil {
		return nil
	}
	spirv := make(map[string][]uint32, len(Names))
	for _, name := range Names {
		src, err := Source(name)
		if err != nil {
			return err
		}
		words, err := CompileSPIRV(src)
		if err != nil {
			return fmt.Errorf("kernels: compile %s: %w", name, err)
		}
		spirv[name] = words
	}
	l.spirv = spirv
	return nil
}

// SPIRV returns the compiled words of a kernel, or nil before Compile.
func (l *Library) SPIRV(name string) []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spirv[name]
}

// Attach binds the library to a shared device. The provider must implement
// HalDevice() any returning a hal.Device. Shader modules are created for
// every kernel and one device buffer per workspace descriptor. A provider
// that also implements HalQueue() any returning a hal.Queue gets compute
// pipelines for the grid kernels, which Decay and UpdateBits dispatch.
// Errors wrap ngp.ErrDevice; on error nothing stays attached.
func (l *Library) Attach(provider any, buffers []workspace.Descriptor) error {
	type halProvider interface {
		HalDevice() any
	}
	type queueProvider interface {
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return fmt.Errorf("kernels: %w: provider does not expose HAL types", ngp.ErrDevice)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return fmt.Errorf("kernels: %w: provider HalDevice is not hal.Device", ngp.ErrDevice)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.releaseLocked()
	if err := l.compileLocked(); err != nil {
		return fmt.Errorf("kernels: %w: %w", ngp.ErrDevice, err)
	}

	l.device = device
	l.modules = make(map[string]hal.ShaderModule, len(Names))
	for _, name := range Names {
		module, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
			Label:  name,
			Source: hal.ShaderSource{SPIRV: l.spirv[name]},
		})
		if err != nil {
			l.releaseLocked()
			return fmt.Errorf("kernels: %w: create shader module %s: %w", ngp.ErrDevice, name, err)
		}
		l.modules[name] = module
	}

	for _, d := range buffers {
		if d.Size == 0 {
			continue
		}
		buf, err := device.CreateBuffer(&hal.BufferDescriptor{
			Label: d.Label,
			Size:  alignUp(d.Size, 4),
			Usage: d.Usage,
		})
		if err != nil {
			l.releaseLocked()
			return fmt.Errorf("kernels: %w: create buffer %s: %w", ngp.ErrDevice, d.Label, err)
		}
		l.buffers = append(l.buffers, buf)
	}

	if qp, ok := provider.(queueProvider); ok {
		if queue, ok := qp.HalQueue().(hal.Queue); ok && queue != nil {
			l.queue = queue
			if err := l.createPassesLocked(); err != nil {
				l.releaseLocked()
				return fmt.Errorf("kernels: %w: %w", ngp.ErrDevice, err)
			}
		}
	}

	ngp.Logger().Info("kernels: attached to shared device",
		"modules", len(l.modules), "buffers", len(l.buffers), "dispatch", l.queue != nil)
	return nil
}

// Attached reports whether device resources exist.
func (l *Library) Attached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.device != nil
}

// Close releases device resources. The device itself belongs to the
// provider and is not destroyed.
func (l *Library) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked()
}

func (l *Library) releaseLocked() {
	if l.device == nil {
		return
	}
	l.destroyPassesLocked()
	for _, buf := range l.buffers {
		l.device.DestroyBuffer(buf)
	}
	for _, m := range l.modules {
		l.device.DestroyShaderModule(m)
	}
	l.buffers = nil
	l.modules = nil
	l.queue = nil
	l.device = nil
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) / a * a
}
