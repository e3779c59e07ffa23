// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package workspace provides the pre-sized scratch arenas owned by the
// render and training pipelines.
//
// An Arena is created once per pipeline instance with a byte budget. Every
// buffer the pipeline needs is allocated up front for the worst-case
// active-entry count and reused across rounds and steps; nothing is
// resized mid-round. Each allocation records a descriptor carrying the
// GPU buffer usage it would have on a device, so a device backend can
// mirror the arena one to one.
package workspace

import (
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/ngp"
)

// Usage presets for pipeline buffers.
const (
	// UsageStorage is read and written by kernels and uploaded from the host.
	UsageStorage = gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst

	// UsageReadback is additionally copied back to the host.
	UsageReadback = gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc
)

// Descriptor describes one arena buffer.
type Descriptor struct {
	Label string
	Usage gputypes.BufferUsage
	Len   int
	Size  uint64
}

// Stats summarizes arena usage.
type Stats struct {
	Name        string
	BudgetBytes uint64
	UsedBytes   uint64
	Buffers     int
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Workspace[%s: %.1f%% used, %d/%d KB, %d buffers]",
		s.Name,
		100*float64(s.UsedBytes)/float64(max(s.BudgetBytes, 1)),
		s.UsedBytes/1024,
		s.BudgetBytes/1024,
		s.Buffers)
}

// Arena tracks the buffers of one pipeline against a byte budget.
// Arena is not safe for concurrent allocation; pipelines allocate during
// construction only.
type Arena struct {
	name        string
	budgetBytes uint64
	usedBytes   uint64
	buffers     []Descriptor
	err         error
}

// New creates an arena with a budget of budgetMB megabytes.
func New(name string, budgetMB int) *Arena {
	//nolint:gosec // G115: budgetMB validated positive by the pipeline config
	return &Arena{name: name, budgetBytes: uint64(max(budgetMB, 0)) * 1024 * 1024}
}

// Alloc allocates a zeroed buffer of n elements. If the buffer does not fit
// the remaining budget it returns an error wrapping ngp.ErrCapacity.
func Alloc[T any](a *Arena, label string, n int, usage gputypes.BufferUsage) ([]T, error) {
	if n < 0 {
		return nil, fmt.Errorf("workspace %s: %w: negative length %d for %s", a.name, ngp.ErrCapacity, n, label)
	}
	var zero T
	size := uint64(n) * uint64(unsafe.Sizeof(zero)) //nolint:gosec // G115: n checked non-negative
	if a.usedBytes+size > a.budgetBytes {
		return nil, fmt.Errorf("workspace %s: %w: %s needs %d bytes, %d of %d available",
			a.name, ngp.ErrCapacity, label, size, a.budgetBytes-a.usedBytes, a.budgetBytes)
	}
	a.usedBytes += size
	a.buffers = append(a.buffers, Descriptor{Label: label, Usage: usage, Len: n, Size: size})
	return make([]T, n), nil
}

// Descriptors returns the descriptors of all allocated buffers.
func (a *Arena) Descriptors() []Descriptor {
	out := make([]Descriptor, len(a.buffers))
	copy(out, a.buffers)
	return out
}

// Stats returns the current usage.
func (a *Arena) Stats() Stats {
	return Stats{
		Name:        a.name,
		BudgetBytes: a.budgetBytes,
		UsedBytes:   a.usedBytes,
		Buffers:     len(a.buffers),
	}
}

// Err returns the first allocation error recorded by Take.
func (a *Arena) Err() error {
	return a.err
}

// Take is Alloc with a sticky error: after the first failure it returns
// nil without allocating, and the failure is reported by Err. It lets a
// pipeline allocate its whole workspace before checking once.
func Take[T any](a *Arena, label string, n int, usage gputypes.BufferUsage) []T {
	if a.err != nil {
		return nil
	}
	buf, err := Alloc[T](a, label, n, usage)
	if err != nil {
		a.err = err
		return nil
	}
	return buf
}
