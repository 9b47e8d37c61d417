// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package blockhash owns the per-block (weak, strong) signature table
// loaded from a control file, the hash index built over it, and the
// bithash negative-lookup filter (spec §4.3).
package blockhash

import (
	"github.com/pkg/errors"
	"github.com/zsync-go/zsync/internal/rollsum"
	"github.com/zsync-go/zsync/internal/strongsum"
)

// bithashBits is the number of extra bits of hash the bithash uses
// over rsumHash, matching the original implementation's BITHASHBITS.
const bithashBits = 3

// entry is one signature slot: the masked weak checksum and the
// leading strongBytes bytes of the block's MD4 digest, plus its
// position in a hash chain.
type entry struct {
	rsum    rollsum.Sum
	strong  [strongsum.Size]byte
	next    int32 // index into table.entries, or -1
	inChain bool
}

// Table is the signature table for a target file's blocks: indexed by
// block id 0..Blocks-1, plus SeqMatches trailing sentinel slots so
// lookahead at id+1 never needs a bounds check.
type Table struct {
	BlockSize     int
	ChecksumBytes int
	RsumBytes     int
	SeqMatches    int

	entries []entry // len == Blocks + SeqMatches

	hashBits     int
	hashMask     uint32
	bithashMask  uint32
	rsumHash     []int32 // chain heads, index into entries, -1 if empty
	bithash      []byte
	built        bool
	blocksCount  uint64
}

// New allocates a signature table for a target of the given block
// count, block size, and control-file-declared hash widths.
func New(blocks uint64, blockSize, rsumBytes, checksumBytes, seqMatches int) *Table {
	t := &Table{
		BlockSize:     blockSize,
		ChecksumBytes: checksumBytes,
		RsumBytes:     rsumBytes,
		SeqMatches:    seqMatches,
		blocksCount:   blocks,
		entries:       make([]entry, blocks+uint64(seqMatches)),
	}
	for i := range t.entries {
		t.entries[i].next = -1
	}
	return t
}

// Blocks returns the number of real (non-sentinel) blocks.
func (t *Table) Blocks() uint64 {
	return t.blocksCount
}

// AddTargetBlock stores the signature for block id, masking the weak
// checksum's A lane to the control-file-declared width. Out-of-range
// ids are silently ignored, matching the original's behaviour for
// well-formed control files. Adding a block invalidates any
// previously built hash index.
func (t *Table) AddTargetBlock(id uint64, r rollsum.Sum, strong [strongsum.Size]byte) {
	if id >= t.blocksCount {
		return
	}
	r.A &= rollsum.AMask(t.RsumBytes)
	t.entries[id] = entry{rsum: r, strong: strong, next: -1}
	t.built = false
	t.rsumHash = nil
	t.bithash = nil
}

// rhash computes the combined hash for the entry at id, folding in the
// next entry's B lane when SeqMatches > 1 (matching the real
// implementation's fixed BITHASHBITS shift).
func (t *Table) rhash(id uint64) uint32 {
	e := &t.entries[id]
	var hi uint32
	if t.SeqMatches > 1 {
		hi = uint32(t.entries[id+1].rsum.B)
	} else {
		hi = uint32(e.rsum.A)
	}
	return uint32(e.rsum.B) ^ (hi << bithashBits)
}

// Build computes hashBits/bithashMask and populates the rsumHash
// chains and bithash filter. Idempotent: a no-op if already built and
// nothing has been added since. Chains are built by prepending in
// descending id order, so the resulting chain order is ascending by
// id — sparse-file writes driven off a chain walk land on disk
// monotonically.
func (t *Table) Build() error {
	if t.built {
		return nil
	}

	i := 16
	for uint64(2<<uint(i-1)) > t.blocksCount && i > 4 {
		i--
	}
	t.hashBits = i
	t.hashMask = uint32((2 << uint(i)) - 1)
	t.bithashMask = uint32((2 << uint(i+bithashBits)) - 1)

	if t.hashMask+1 == 0 || t.bithashMask+1 == 0 {
		return errors.New("blockhash: degenerate hash sizing")
	}

	t.rsumHash = make([]int32, t.hashMask+1)
	for i := range t.rsumHash {
		t.rsumHash[i] = -1
	}
	t.bithash = make([]byte, (t.bithashMask+1+7)/8)

	for id := int64(t.blocksCount) - 1; id >= 0; id-- {
		h := t.rhash(uint64(id))
		slot := h & t.hashMask
		t.entries[id].next = t.rsumHash[slot]
		t.entries[id].inChain = true
		t.rsumHash[slot] = int32(id)
		t.bithash[(h&t.bithashMask)>>3] |= 1 << (h & 7)
	}

	t.built = true
	return nil
}

// ChainHead returns the first entry id in the chain for the given
// combined hash value (see MatchHash), or ok=false if the chain is
// empty.
func (t *Table) ChainHead(hash uint32) (id uint64, ok bool) {
	slot := hash & t.hashMask
	h := t.rsumHash[slot]
	if h < 0 {
		return 0, false
	}
	return uint64(h), true
}

// BithashHit reports whether the bithash filter admits the given
// combined hash value as possibly present. A false result proves no
// block matches; a true result may be a false positive.
func (t *Table) BithashHit(hash uint32) bool {
	return t.bithash[(hash&t.bithashMask)>>3]&(1<<(hash&7)) != 0
}

// HashFuncShift reports the fixed shift CombinedHash applies to its
// second input, for callers that compute the combined hash themselves.
func (t *Table) HashFuncShift() uint {
	return bithashBits
}

// CombinedHash folds r0 (and r1, when SeqMatches > 1) into the same
// hash used to build the index.
func (t *Table) CombinedHash(r0, r1 rollsum.Sum) uint32 {
	var hi uint32
	if t.SeqMatches > 1 {
		hi = uint32(r1.B)
	} else {
		hi = uint32(r0.A & rollsum.AMask(t.RsumBytes))
	}
	return uint32(r0.B) ^ (hi << bithashBits)
}

// Next returns the next entry id in id's chain, or ok=false at the
// end of the chain.
func (t *Table) Next(id uint64) (uint64, bool) {
	n := t.entries[id].next
	if n < 0 {
		return 0, false
	}
	return uint64(n), true
}

// RemoveFromHash unlinks entry id from its hash chain. Bithash bits
// are never cleared: a stale bit only costs a harmless extra chain
// probe later, never a false negative.
func (t *Table) RemoveFromHash(id uint64) {
	if !t.entries[id].inChain {
		return
	}
	h := t.rhash(id)
	slot := h & t.hashMask
	cur := t.rsumHash[slot]
	if cur == int32(id) {
		t.rsumHash[slot] = t.entries[id].next
		t.entries[id].inChain = false
		return
	}
	for cur >= 0 {
		next := t.entries[cur].next
		if next == int32(id) {
			t.entries[cur].next = t.entries[id].next
			t.entries[id].inChain = false
			return
		}
		cur = next
	}
}

// Rsum returns the stored weak checksum for block id.
func (t *Table) Rsum(id uint64) rollsum.Sum {
	return t.entries[id].rsum
}

// Strong returns the stored strong-checksum prefix for block id.
func (t *Table) Strong(id uint64) [strongsum.Size]byte {
	return t.entries[id].strong
}

// MatchWeak reports whether r0 (and, if SeqMatches > 1, r1 against the
// following block) matches the stored weak checksums for block id.
func (t *Table) MatchWeak(id uint64, r0, r1 rollsum.Sum) bool {
	if !t.MatchWeak0(id, r0) {
		return false
	}
	if t.SeqMatches > 1 {
		return t.MatchWeakNext(id, r1)
	}
	return true
}

// MatchWeak0 reports whether r0 matches the stored weak checksum for
// block id, ignoring any sequence-matching lookahead. r0's A lane is
// masked to the stored width before the comparison.
func (t *Table) MatchWeak0(id uint64, r0 rollsum.Sum) bool {
	r0.A &= rollsum.AMask(t.RsumBytes)
	return t.entries[id].rsum == r0
}

// MatchWeakNext reports whether r1 matches the stored weak checksum of
// the block immediately following id (the sequence-matching
// lookahead). Only meaningful when SeqMatches > 1.
func (t *Table) MatchWeakNext(id uint64, r1 rollsum.Sum) bool {
	r1.A &= rollsum.AMask(t.RsumBytes)
	return t.entries[id+1].rsum == r1
}
