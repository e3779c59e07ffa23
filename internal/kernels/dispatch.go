// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package kernels

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/ngp/grid"
)

// ErrNoQueue is returned by the dispatching methods when the attached
// provider exposed no HAL queue.
var ErrNoQueue = errors.New("kernels: no device queue")

const (
	workgroupSize = 256
	maxWorkgroups = 65535
)

// passLayouts lists the buffer bindings of each dispatched kernel. Binding
// 0 is always the uniform parameter block; the last binding is read back.
var passLayouts = map[string][]gputypes.BufferBindingType{
	GridDecay: {gputypes.BufferBindingTypeUniform, gputypes.BufferBindingTypeStorage},
	GridBits:  {gputypes.BufferBindingTypeUniform, gputypes.BufferBindingTypeReadOnlyStorage, gputypes.BufferBindingTypeStorage},
}

// computePass is a compiled compute pipeline and its layouts.
type computePass struct {
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
}

var _ grid.Accelerator = (*Library)(nil)

func (l *Library) createPassesLocked() error {
	l.passes = make(map[string]*computePass, len(passLayouts))
	for _, name := range []string{GridDecay, GridBits} {
		bindings := passLayouts[name]
		entries := make([]gputypes.BindGroupLayoutEntry, len(bindings))
		for i, typ := range bindings {
			entries[i] = gputypes.BindGroupLayoutEntry{
				Binding:    uint32(i), //nolint:gosec // G115: at most a handful of bindings
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: typ},
			}
		}

		p := &computePass{}
		l.passes[name] = p
		var err error
		p.bindLayout, err = l.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   name + "_bind_layout",
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("create %s bind group layout: %w", name, err)
		}
		p.pipeLayout, err = l.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label:            name + "_pipe_layout",
			BindGroupLayouts: []hal.BindGroupLayout{p.bindLayout},
		})
		if err != nil {
			return fmt.Errorf("create %s pipeline layout: %w", name, err)
		}
		p.pipeline, err = l.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:   name + "_pipeline",
			Layout:  p.pipeLayout,
			Compute: hal.ComputeState{Module: l.modules[name], EntryPoint: "main"},
		})
		if err != nil {
			return fmt.Errorf("create %s compute pipeline: %w", name, err)
		}
	}
	return nil
}

func (l *Library) destroyPassesLocked() {
	for _, p := range l.passes {
		if p.pipeline != nil {
			l.device.DestroyComputePipeline(p.pipeline)
		}
		if p.pipeLayout != nil {
			l.device.DestroyPipelineLayout(p.pipeLayout)
		}
		if p.bindLayout != nil {
			l.device.DestroyBindGroupLayout(p.bindLayout)
		}
	}
	l.passes = nil
}

// CanDispatch reports whether the grid kernels run on the attached device.
func (l *Library) CanDispatch() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue != nil && l.passes != nil
}

// Decay multiplies every estimate in sigma by factor on the device.
func (l *Library) Decay(sigma []float32, factor float32) error {
	if len(sigma) == 0 {
		return nil
	}
	data := float32Bytes(sigma)
	out := make([]byte, len(data))
	count := uint32(len(sigma)) //nolint:gosec // G115: grid size is bounded by config validation
	params := func(stride uint32) []byte {
		return u32Bytes(count, math.Float32bits(factor), stride, 0)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.dispatchLocked(GridDecay, params, [][]byte{data}, len(sigma), out); err != nil {
		return err
	}
	for i := range sigma {
		sigma[i] = math.Float32frombits(binary.LittleEndian.Uint32(out[4*i:]))
	}
	return nil
}

// UpdateBits recomputes the packed occupancy bits of levels cascades of
// cells cells each as sigma > threshold on the device.
func (l *Library) UpdateBits(sigma []float32, bits []byte, levels, cells int, threshold float32) error {
	if levels*cells > len(sigma) {
		return fmt.Errorf("kernels: %d levels of %d cells exceed %d estimates", levels, cells, len(sigma))
	}
	wordsPerLevel := (cells + 31) / 32
	words := levels * wordsPerLevel
	if words == 0 {
		return nil
	}
	out := make([]byte, 4*words)
	params := func(stride uint32) []byte {
		//nolint:gosec // G115: grid dimensions are bounded by config validation
		return u32Bytes(uint32(cells), uint32(levels), uint32(wordsPerLevel), math.Float32bits(threshold), stride, 0, 0, 0)
	}

	l.mu.Lock()
	err := l.dispatchLocked(GridBits, params, [][]byte{float32Bytes(sigma[:levels*cells]), out}, words, out)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	bytesPerLevel := (cells + 7) / 8
	for level := range levels {
		src := out[level*wordsPerLevel*4:]
		copy(bits[level*bytesPerLevel:(level+1)*bytesPerLevel], src[:bytesPerLevel])
	}
	return nil
}

// dispatchLocked runs kernel name over n invocations. storage holds the
// initial contents of bindings 1..len(storage); the final binding is read
// back into out after the pass completes.
func (l *Library) dispatchLocked(name string, params func(stride uint32) []byte, storage [][]byte, n int, out []byte) error {
	if l.device == nil || l.queue == nil {
		return ErrNoQueue
	}
	p := l.passes[name]
	if p == nil {
		return fmt.Errorf("kernels: %s has no compute pass", name)
	}

	x, y, stride := workgroups(n)

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	newBuffer := func(label string, size int, usage gputypes.BufferUsage) (hal.Buffer, error) {
		buf, err := l.device.CreateBuffer(&hal.BufferDescriptor{
			Label: label,
			Size:  alignUp(uint64(size), 4), //nolint:gosec // G115: size is a slice length
			Usage: usage,
		})
		if err != nil {
			return nil, fmt.Errorf("kernels: create buffer %s: %w", label, err)
		}
		cleanup = append(cleanup, func() { l.device.DestroyBuffer(buf) })
		return buf, nil
	}

	paramBytes := params(stride)
	uniform, err := newBuffer(name+"_params", len(paramBytes), gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	if err := l.queue.WriteBuffer(uniform, 0, paramBytes); err != nil {
		return fmt.Errorf("kernels: upload %s params: %w", name, err)
	}
	entries := []gputypes.BindGroupEntry{{
		Binding:  0,
		Resource: gputypes.BufferBinding{Buffer: uniform.NativeHandle(), Size: uint64(len(paramBytes))},
	}}

	var result hal.Buffer
	for i, data := range storage {
		label := fmt.Sprintf("%s_binding%d", name, i+1)
		buf, err := newBuffer(label, len(data), gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc|gputypes.BufferUsageCopyDst)
		if err != nil {
			return err
		}
		if err := l.queue.WriteBuffer(buf, 0, data); err != nil {
			return fmt.Errorf("kernels: upload %s: %w", label, err)
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  uint32(i + 1), //nolint:gosec // G115: at most a handful of bindings
			Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Size: alignUp(uint64(len(data)), 4)},
		})
		result = buf
	}
	staging, err := newBuffer(name+"_staging", len(out), gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}

	bg, err := l.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   name + "_bind",
		Layout:  p.bindLayout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("kernels: create %s bind group: %w", name, err)
	}
	cleanup = append(cleanup, func() { l.device.DestroyBindGroup(bg) })

	encoder, err := l.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: name + "_encoder"})
	if err != nil {
		return fmt.Errorf("kernels: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(name); err != nil {
		return fmt.Errorf("kernels: begin encoding: %w", err)
	}
	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: name})
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(x, y, 1)
	pass.End()
	encoder.CopyBufferToBuffer(result, staging, []hal.BufferCopy{{Size: uint64(len(out))}})
	cmd, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("kernels: end encoding: %w", err)
	}
	defer l.device.FreeCommandBuffer(cmd)

	if _, err := l.queue.Submit([]hal.CommandBuffer{cmd}); err != nil {
		return fmt.Errorf("kernels: submit %s: %w", name, err)
	}
	if err := l.device.WaitIdle(); err != nil {
		return fmt.Errorf("kernels: wait for %s: %w", name, err)
	}

	m, err := l.device.MapBuffer(staging, 0, uint64(len(out)))
	if err != nil {
		return fmt.Errorf("kernels: map %s readback: %w", name, err)
	}
	defer func() { _ = l.device.UnmapBuffer(staging) }()
	if !m.IsCoherent {
		return fmt.Errorf("kernels: %s readback memory is not coherent", name)
	}
	copy(out, unsafe.Slice((*byte)(m.Ptr), len(out)))
	return nil
}

// workgroups returns a dispatch grid covering n invocations and its row
// stride in invocations. x never exceeds the per-dimension limit.
func workgroups(n int) (x, y, stride uint32) {
	groups := max((n+workgroupSize-1)/workgroupSize, 1)
	gx := min(groups, maxWorkgroups)
	gy := (groups + gx - 1) / gx
	//nolint:gosec // G115: gx <= 65535 and gy is bounded by the grid size
	return uint32(gx), uint32(gy), uint32(gx * workgroupSize)
}

func float32Bytes(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func u32Bytes(v ...uint32) []byte {
	b := make([]byte, 4*len(v))
	for i, w := range v {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
	return b
}
