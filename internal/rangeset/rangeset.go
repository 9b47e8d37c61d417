// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rangeset maintains the set of block ids already satisfied,
// as a sorted list of non-adjacent, non-overlapping inclusive ranges
// (spec §4.4).
package rangeset

import "sort"

// Range is an inclusive [Lo, Hi] span of block ids.
type Range struct {
	Lo, Hi uint64
}

// Set is a sorted, merged collection of block-id ranges.
type Set struct {
	ranges []Range
	blocks uint64 // total block count in the target, for BlocksTodo
	got    uint64 // distinct block ids currently in the set
}

// New creates an empty set for a target of the given total block count.
func New(totalBlocks uint64) *Set {
	return &Set{blocks: totalBlocks}
}

// Ranges returns the current ranges, sorted ascending. The caller must
// not mutate the returned slice.
func (s *Set) Ranges() []Range {
	return s.ranges
}

// GotBlocks returns the count of distinct block ids in the set.
func (s *Set) GotBlocks() uint64 {
	return s.got
}

// BlocksTodo returns the number of blocks not yet in the set.
func (s *Set) BlocksTodo() uint64 {
	return s.blocks - s.got
}

// Contains reports whether id is already in the set.
func (s *Set) Contains(id uint64) bool {
	i := s.search(id)
	return i < len(s.ranges) && s.ranges[i].Lo <= id && id <= s.ranges[i].Hi
}

// search returns the index of the first range whose Hi >= id, or
// len(s.ranges) if none.
func (s *Set) search(id uint64) int {
	return sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Hi >= id
	})
}

// Add inserts id into the set, merging with neighbouring ranges as
// needed. It is a no-op if id is already present.
func (s *Set) Add(id uint64) {
	s.AddRange(id, id)
}

// AddRange inserts the inclusive range [lo, hi] into the set.
func (s *Set) AddRange(lo, hi uint64) {
	if hi < lo {
		lo, hi = hi, lo
	}

	// i is the leftmost range that abuts or overlaps [lo,hi]: the
	// first range whose Hi+1 >= lo. Ranges are sorted and disjoint, so
	// this predicate is monotonic over the slice.
	i := sort.Search(len(s.ranges), func(k int) bool {
		return s.ranges[k].Hi+1 >= lo
	})

	// Count newly-covered ids before merging by walking the ranges
	// this insertion will absorb.
	added := hi - lo + 1
	j := i
	for j < len(s.ranges) && s.ranges[j].Lo <= hi+1 {
		r := s.ranges[j]
		// Overlap between [lo,hi] and r, subtract the overlap so we
		// don't double count ids both sets already agree on.
		ov := overlapLen(lo, hi, r.Lo, r.Hi)
		added -= ov
		if r.Lo < lo {
			lo = r.Lo
		}
		if r.Hi > hi {
			hi = r.Hi
		}
		j++
	}

	merged := Range{Lo: lo, Hi: hi}
	s.replace(i, j, merged)
	s.got += added
}

func overlapLen(aLo, aHi, bLo, bHi uint64) uint64 {
	lo := aLo
	if bLo > lo {
		lo = bLo
	}
	hi := aHi
	if bHi < hi {
		hi = bHi
	}
	if hi < lo {
		return 0
	}
	return hi - lo + 1
}

// replace swaps ranges[i:j] for a single merged range.
func (s *Set) replace(i, j int, merged Range) {
	tail := append([]Range{}, s.ranges[j:]...)
	s.ranges = append(s.ranges[:i], merged)
	s.ranges = append(s.ranges, tail...)
}

// NextKnownAfter returns the first block id >= id already in the set,
// or s.blocks if there is none.
func (s *Set) NextKnownAfter(id uint64) uint64 {
	i := s.search(id)
	if i >= len(s.ranges) {
		return s.blocks
	}
	if s.ranges[i].Lo <= id {
		return id
	}
	return s.ranges[i].Lo
}

// NeededRanges returns the complement of the set intersected with
// [from, to], as a freshly allocated list of inclusive ranges.
func (s *Set) NeededRanges(from, to uint64) []Range {
	if to < from {
		return nil
	}
	var out []Range
	cursor := from
	for _, r := range s.ranges {
		if r.Hi < cursor {
			continue
		}
		if r.Lo > to {
			break
		}
		if r.Lo > cursor {
			out = append(out, Range{Lo: cursor, Hi: r.Lo - 1})
		}
		if r.Hi+1 > cursor {
			cursor = r.Hi + 1
		}
		if cursor > to {
			break
		}
	}
	if cursor <= to {
		out = append(out, Range{Lo: cursor, Hi: to})
	}
	return out
}
