// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package zmap implements the compressed-stream checkpoint table used
// to translate desired uncompressed byte ranges into compressed byte
// ranges of a deflate stream, and to align a decoder to a checkpoint
// (spec §4.8).
package zmap

import (
	"sort"

	"github.com/pkg/errors"
)

// MaxBlockHeaderBytes is a conservative upper bound on a deflate block
// header's length in bytes, used when a checkpoint's enclosing block header
// itself must be fetched to decode it. This is a heuristic inherited
// from the original implementation (see spec §9 Open Questions): a
// robust implementation documents and exposes it rather than trusting
// it silently, which is why Build records (without rejecting) any gap
// that would exceed it.
const MaxBlockHeaderBytes = 200

// Checkpoint is one row of the zmap: a point in the deflate stream at
// which decoding may begin.
type Checkpoint struct {
	// InBits is the bit offset from the start of the deflate stream
	// (including any gzip header) to this point.
	InBits int64
	// OutBytes is the uncompressed byte offset reached at this point.
	OutBytes int64
	// BlockCount is 0 if this checkpoint is a deflate block boundary
	// (decoder state resettable with a fresh raw-inflate init); >=1
	// otherwise, meaning a mid-block safe point within the same block
	// as the most recent BlockCount==0 entry.
	BlockCount int
}

// Entry is the on-wire delta record from a control file's Z-Map2
// section: two big-endian 16-bit deltas, in/out, with bit 15 of the
// out delta used as the GZB_NOTBLOCKSTART flag.
type Entry struct {
	InBitsDelta   uint16
	OutBytesDelta uint16 // low 15 bits is the delta; bit 15 is the not-block-start flag
}

// NotBlockStartFlag is the high bit of an Entry's OutBytesDelta field.
const NotBlockStartFlag = uint16(1) << 15

// Map is a sorted, searchable table of checkpoints.
type Map struct {
	checkpoints []Checkpoint

	// HeaderBoundExceeded is set by Build if any gap between a block
	// start and the following checkpoint implies a block header wider
	// than MaxBlockHeaderBytes would be needed — a caller may want to
	// log this rather than silently trust the heuristic.
	HeaderBoundExceeded bool
}

// Build accumulates the control file's delta-encoded entries into
// absolute checkpoints. Entries must already be in the order the
// control file stored them (construction itself preserves the
// strictly-increasing invariant, since deltas are added cumulatively
// and the control-file producer never emits a zero or negative delta).
func Build(entries []Entry) (*Map, error) {
	m := &Map{checkpoints: make([]Checkpoint, 0, len(entries))}

	var in, out int64
	bc := 0

	for i, e := range entries {
		ob := e.OutBytesDelta
		notBlockStart := ob&NotBlockStartFlag != 0
		ob &^= NotBlockStartFlag

		if notBlockStart {
			bc++
		} else {
			bc = 0
		}

		in += int64(e.InBitsDelta)
		out += int64(ob)

		cp := Checkpoint{InBits: in, OutBytes: out, BlockCount: bc}
		m.checkpoints = append(m.checkpoints, cp)

		if i > 0 && m.checkpoints[i-1].BlockCount == 0 && in-m.checkpoints[i-1].InBits > MaxBlockHeaderBytes*8 {
			m.HeaderBoundExceeded = true
		}
	}

	if len(m.checkpoints) == 0 {
		return nil, errors.New("zmap: empty checkpoint table")
	}
	if m.checkpoints[0].BlockCount != 0 {
		return nil, errors.New("zmap: first checkpoint is not a block boundary")
	}
	for i := 1; i < len(m.checkpoints); i++ {
		if m.checkpoints[i].InBits <= m.checkpoints[i-1].InBits {
			return nil, errors.New("zmap: inbits not strictly increasing")
		}
		if m.checkpoints[i].OutBytes <= m.checkpoints[i-1].OutBytes {
			return nil, errors.New("zmap: outbytes not strictly increasing")
		}
	}

	return m, nil
}

// Checkpoints exposes the built table (read-only use expected).
func (m *Map) Checkpoints() []Checkpoint {
	return m.checkpoints
}

// ByteRange is an inclusive-exclusive [Start, End) byte range.
type ByteRange struct {
	Start, End int64
}

// ToCompressedRanges translates a set of desired uncompressed byte
// ranges into the compressed byte ranges of the deflate stream that
// must be fetched to decode them, including any enclosing block
// header not already covered. Overlapping/abutting results are
// merged.
func (m *Map) ToCompressedRanges(ranges []ByteRange) ([]ByteRange, error) {
	var out []ByteRange
	var lastWrittenBlockStart int64 = -1

	for _, rg := range ranges {
		start, end := rg.Start, rg.End

		var zstart, zend int64 = -1, -1
		var lastBlockStartInBits int64

		for j := 0; j < len(m.checkpoints); j++ {
			cp := m.checkpoints[j]

			if start < cp.OutBytes && zstart == -1 {
				if j == 0 {
					return nil, errors.Errorf("zmap: range start %d precedes the first checkpoint", start)
				}
				zstart = m.checkpoints[j-1].InBits

				if lastWrittenBlockStart != lastBlockStartInBits {
					hs := lastBlockStartInBits / 8
					out = append(out, ByteRange{Start: hs, End: hs + MaxBlockHeaderBytes})
					lastWrittenBlockStart = lastBlockStartInBits
				}
			}

			if cp.BlockCount == 0 {
				lastBlockStartInBits = cp.InBits
			}

			if start < cp.OutBytes && (end <= cp.OutBytes || j == len(m.checkpoints)-1) {
				zend = cp.InBits
				break
			}
		}

		if zstart == -1 || zend == -1 {
			return nil, errors.Errorf("zmap: could not locate range [%d,%d)", start, end)
		}

		out = append(out, ByteRange{Start: zstart / 8, End: (zend + 7) / 8})
	}

	return mergeRanges(out), nil
}

func mergeRanges(ranges []ByteRange) []ByteRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	merged := []ByteRange{ranges[0]}
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// ConfigureDecoder binary-searches for the checkpoint whose InBits/8
// equals compressedOffset exactly (a mismatch is a fatal configuration
// error — the caller asked to resume somewhere the zmap never
// promised). It reports the checkpoint's uncompressed byte offset and
// whether the decoder must be freshly (re)initialized at a raw-deflate
// block boundary (BlockCount == 0) versus continuing an already-active
// decoder mid-block.
func (m *Map) ConfigureDecoder(compressedOffset int64) (outOffset int64, freshBlock bool, err error) {
	n := len(m.checkpoints)
	idx := sort.Search(n, func(i int) bool {
		return m.checkpoints[i].InBits/8 >= compressedOffset
	})
	if idx >= n || m.checkpoints[idx].InBits/8 != compressedOffset {
		return 0, false, errors.Errorf("zmap: offset %d is not a checkpoint boundary", compressedOffset)
	}
	cp := m.checkpoints[idx]
	return cp.OutBytes, cp.BlockCount == 0, nil
}
