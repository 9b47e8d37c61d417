package matcher

import (
	"math/rand"
	"testing"

	"github.com/hooklift/assert"
	"github.com/pkg/profile"

	"github.com/zsync-go/zsync/internal/blockhash"
	"github.com/zsync-go/zsync/internal/rangeset"
	"github.com/zsync-go/zsync/internal/rollsum"
	"github.com/zsync-go/zsync/internal/strongsum"
)

const testBlockSize = 16

// memWriter is an in-memory stand-in for *store.Store, sized to hold
// totalBlocks*blockSize bytes, recording every WriteBlocks call and,
// like the store, committing the written ids to its range set.
type memWriter struct {
	blockSize int
	buf       []byte
	writes    int
	ranges    *rangeset.Set
}

func newMemWriter(totalBlocks, blockSize int, ranges *rangeset.Set) *memWriter {
	return &memWriter{blockSize: blockSize, buf: make([]byte, totalBlocks*blockSize), ranges: ranges}
}

func (w *memWriter) WriteBlocks(data []byte, fromID, toID uint64) error {
	w.writes++
	off := int(fromID) * w.blockSize
	copy(w.buf[off:], data)
	w.ranges.AddRange(fromID, toID)
	return nil
}

// buildTable constructs a signature table from target, split into
// blockSize blocks (the final block zero-padded when hashed).
func buildTable(target []byte, blockSize, rsumBytes, checksumBytes, seqMatches int) *blockhash.Table {
	n := (len(target) + blockSize - 1) / blockSize
	table := blockhash.New(uint64(n), blockSize, rsumBytes, checksumBytes, seqMatches)
	for i := 0; i < n; i++ {
		start := i * blockSize
		end := start + blockSize
		if end > len(target) {
			end = len(target)
		}
		block := target[start:end]
		r := rollsum.Block(padTo(block, blockSize))
		s := strongsum.Block(block, blockSize)
		table.AddTargetBlock(uint64(i), r, s)
	}
	return table
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func withContext(data []byte, context int) []byte {
	out := make([]byte, len(data)+context)
	copy(out, data)
	return out
}

func srand(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	buf := make([]byte, n)
	r.Read(buf)
	return buf
}

func TestIdentitySeedMatchesEveryBlock(t *testing.T) {
	defer profile.Start().Stop()

	target := srand(1, 10*testBlockSize+3)
	table := buildTable(target, testBlockSize, 4, 16, 1)

	n := int(table.Blocks())
	ranges := rangeset.New(uint64(n))
	w := newMemWriter(n, testBlockSize, ranges)
	eng := New(table, w, ranges, nil)

	context := testBlockSize * table.SeqMatches
	buf := withContext(target, context)

	got, err := eng.SubmitSourceData(buf, 0)
	assert.Ok(t, err)
	assert.Equals(t, n, got)
	assert.Equals(t, uint64(n), ranges.GotBlocks())
	assert.Equals(t, 0, len(ranges.NeededRanges(0, uint64(n-1))))
}

func TestShiftedSeedFindsAllBlocks(t *testing.T) {
	target := srand(2, 12*testBlockSize)
	table := buildTable(target, testBlockSize, 4, 16, 1)
	n := int(table.Blocks())

	prefix := srand(3, testBlockSize-5) // k < blockSize bytes of junk
	source := append(append([]byte{}, prefix...), target...)

	ranges := rangeset.New(uint64(n))
	w := newMemWriter(n, testBlockSize, ranges)
	eng := New(table, w, ranges, nil)

	context := testBlockSize * table.SeqMatches
	buf := withContext(source, context)

	_, err := eng.SubmitSourceData(buf, 0)
	assert.Ok(t, err)
	assert.Equals(t, uint64(n), ranges.GotBlocks())
}

func TestMatcherIdempotent(t *testing.T) {
	target := srand(4, 8*testBlockSize)
	table := buildTable(target, testBlockSize, 4, 16, 2)
	n := int(table.Blocks())

	ranges := rangeset.New(uint64(n))
	w := newMemWriter(n, testBlockSize, ranges)
	eng := New(table, w, ranges, nil)

	context := testBlockSize * table.SeqMatches
	buf := withContext(target, context)

	_, err := eng.SubmitSourceData(buf, 0)
	assert.Ok(t, err)
	firstWrites := w.writes

	// Re-running the exact same pass must find zero new blocks: every
	// matched entry's hash chain link was already removed.
	w2 := newMemWriter(n, testBlockSize, ranges)
	eng.writer = w2
	got2, err := eng.SubmitSourceData(buf, 0)
	assert.Ok(t, err)
	assert.Equals(t, 0, got2)
	assert.Equals(t, 0, w2.writes)
	assert.Cond(t, firstWrites > 0, "first pass should have written at least one block")
}

func TestSingleBlockDelta(t *testing.T) {
	target := srand(5, 20*testBlockSize)
	table := buildTable(target, testBlockSize, 4, 16, 1)
	n := int(table.Blocks())

	seed := append([]byte{}, target...)
	copy(seed[17*testBlockSize:18*testBlockSize], srand(99, testBlockSize))

	ranges := rangeset.New(uint64(n))
	w := newMemWriter(n, testBlockSize, ranges)
	eng := New(table, w, ranges, nil)

	context := testBlockSize * table.SeqMatches
	buf := withContext(seed, context)
	_, err := eng.SubmitSourceData(buf, 0)
	assert.Ok(t, err)

	needed := ranges.NeededRanges(0, uint64(n-1))
	assert.Equals(t, 1, len(needed))
	assert.Equals(t, uint64(17), needed[0].Lo)
	assert.Equals(t, uint64(17), needed[0].Hi)
}
