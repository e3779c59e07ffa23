// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package grid

// expand3 spreads the low 10 bits of v so that two zero bits separate
// consecutive input bits.
func expand3(v uint32) uint32 {
	v &= 0x3FF
	v = (v | (v << 16)) & 0xFF0000FF
	v = (v | (v << 8)) & 0x0F00F00F
	v = (v | (v << 4)) & 0xC30C30C3
	v = (v | (v << 2)) & 0x49249249
	return v
}

// compact3 is the inverse of expand3.
func compact3(v uint32) uint32 {
	v &= 0x49249249
	v = (v ^ (v >> 2)) & 0xC30C30C3
	v = (v ^ (v >> 4)) & 0x0F00F00F
	v = (v ^ (v >> 8)) & 0xFF0000FF
	v = (v ^ (v >> 16)) & 0x000003FF
	return v
}

// Morton3D interleaves the bits of x, y and z (each below 1024).
// For a power-of-two resolution R the codes of all cells are exactly
// [0, R³), so a Morton code doubles as a dense cell index that keeps
// spatial neighbours close in memory.
func Morton3D(x, y, z uint32) uint32 {
	return expand3(x) | expand3(y)<<1 | expand3(z)<<2
}

// MortonDecode returns the cell coordinate of a Morton code.
func MortonDecode(code uint32) (x, y, z uint32) {
	return compact3(code), compact3(code >> 1), compact3(code >> 2)
}
