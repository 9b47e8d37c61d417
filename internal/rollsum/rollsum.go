// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rollsum implements the rsync weak rolling checksum: a 32-bit
// sum split into two 16-bit lanes that can be advanced by one byte in
// constant time as a window slides over a byte stream.
package rollsum

// Sum is the rolling checksum state for one window position. A and B
// are independent mod-2^16 lanes, as described in Tridgell's thesis.
type Sum struct {
	A uint16
	B uint16
}

// Value packs A and B into a single 32-bit weak checksum: the high 16
// bits are B, the low 16 bits are A.
func (s Sum) Value() uint32 {
	return uint32(s.A) | uint32(s.B)<<16
}

// Block computes the rolling checksum from scratch over buf.
//
// a = sum(buf[i]), b = sum((L-i)*buf[i]), both mod 2^16, for a window
// of length L = len(buf).
func Block(buf []byte) Sum {
	var a, b uint32
	l := uint32(len(buf))
	for i, c := range buf {
		a += uint32(c)
		b += (l - uint32(i)) * uint32(c)
	}
	return Sum{A: uint16(a), B: uint16(b)}
}

// Roll advances s by one byte: oc is the byte leaving the window (the
// byte at the old low end), nc is the byte entering it (the new high
// end), and shift is log2(window length). The window length itself
// never appears directly: it is folded into shift so the update stays
// O(1) regardless of block size.
//
// Roll(Block(d[i:i+L]), d[i], d[i+L], log2(L)) == Block(d[i+1:i+1+L])
// for any i, L with shift = log2(L).
func Roll(s Sum, oc, nc byte, shift uint) Sum {
	a := uint32(s.A) + uint32(nc) - uint32(oc)
	b := uint32(s.B) + a - uint32(uint32(oc)<<shift)
	return Sum{A: uint16(a), B: uint16(b)}
}

// AMask returns the bitmask applied to a stored signature's A lane, as
// determined by how many rsum bytes the control file records for each
// block (2, 3, or 4 bytes of the big-endian (a,b) pair). The stored
// bytes are the trailing ones of that pair, so 3 bytes carry only the
// low byte of A and 2 bytes carry none of it; the rest of A must be
// masked to zero before comparison so widths narrower than 4 bytes
// still match.
func AMask(rsumBytes int) uint16 {
	switch {
	case rsumBytes < 3:
		return 0
	case rsumBytes == 3:
		return 0xff
	default:
		return 0xffff
	}
}
