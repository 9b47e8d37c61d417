package zmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// deltaEntries builds Z-Map2-style delta entries from a list of
// absolute (inbits, outbytes, blockcount) checkpoints.
func deltaEntries(abs []Checkpoint) []Entry {
	var in, out int64
	entries := make([]Entry, len(abs))
	for i, cp := range abs {
		inDelta := cp.InBits - in
		outDelta := cp.OutBytes - out
		flag := uint16(0)
		if cp.BlockCount != 0 {
			flag = NotBlockStartFlag
		}
		entries[i] = Entry{InBitsDelta: uint16(inDelta), OutBytesDelta: uint16(outDelta) | flag}
		in = cp.InBits
		out = cp.OutBytes
	}
	return entries
}

func TestBuildMonotonicity(t *testing.T) {
	abs := []Checkpoint{
		{InBits: 100, OutBytes: 1000, BlockCount: 0},
		{InBits: 5000, OutBytes: 33000, BlockCount: 0},
		{InBits: 5200, OutBytes: 33200, BlockCount: 1},
		{InBits: 9000, OutBytes: 65000, BlockCount: 0},
	}
	m, err := Build(deltaEntries(abs))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cps := m.Checkpoints()
	if cps[0].BlockCount != 0 {
		t.Fatalf("first checkpoint must be a block boundary")
	}
	for i := 1; i < len(cps); i++ {
		if cps[i].InBits <= cps[i-1].InBits || cps[i].OutBytes <= cps[i-1].OutBytes {
			t.Fatalf("checkpoints not strictly increasing at %d: %+v -> %+v", i, cps[i-1], cps[i])
		}
	}
}

func TestBuildRejectsNonBoundaryFirstEntry(t *testing.T) {
	abs := []Checkpoint{{InBits: 100, OutBytes: 1000, BlockCount: 1}}
	if _, err := Build(deltaEntries(abs)); err == nil {
		t.Fatalf("expected error for non-boundary first checkpoint")
	}
}

func TestToCompressedRangesCoversRequestedSpan(t *testing.T) {
	abs := []Checkpoint{
		{InBits: 0, OutBytes: 0, BlockCount: 0},
		{InBits: 8000, OutBytes: 32000, BlockCount: 0},
		{InBits: 16000, OutBytes: 64000, BlockCount: 0},
		{InBits: 24000, OutBytes: 96000, BlockCount: 0},
	}
	m, err := Build(deltaEntries(abs))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ranges, err := m.ToCompressedRanges([]ByteRange{{Start: 40000, End: 70000}})
	if err != nil {
		t.Fatalf("ToCompressedRanges: %v", err)
	}
	if len(ranges) == 0 {
		t.Fatalf("expected at least one compressed range")
	}

	// The translated ranges must, end to end, cover from the start
	// checkpoint's bit offset through the end checkpoint's bit offset.
	covered := false
	for _, r := range ranges {
		if r.Start <= 8000/8 && r.End >= 24000/8 {
			covered = true
		}
	}
	if !covered {
		t.Fatalf("compressed ranges %v do not cover the data block span", ranges)
	}
}

func TestConfigureDecoderExactMatch(t *testing.T) {
	abs := []Checkpoint{
		{InBits: 0, OutBytes: 0, BlockCount: 0},
		{InBits: 8000, OutBytes: 32000, BlockCount: 0},
		{InBits: 8200, OutBytes: 33000, BlockCount: 1},
	}
	m, err := Build(deltaEntries(abs))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	out, fresh, err := m.ConfigureDecoder(8000 / 8)
	if err != nil {
		t.Fatalf("ConfigureDecoder: %v", err)
	}
	if out != 32000 || !fresh {
		t.Fatalf("got out=%d fresh=%v, want out=32000 fresh=true", out, fresh)
	}

	if _, _, err := m.ConfigureDecoder(12345); err == nil {
		t.Fatalf("expected error for non-checkpoint offset")
	}
}

func TestMergeRangesOverlapping(t *testing.T) {
	got := mergeRanges([]ByteRange{{0, 10}, {5, 15}, {20, 30}, {30, 40}})
	want := []ByteRange{{0, 15}, {20, 40}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mergeRanges mismatch (-want +got):\n%s", diff)
	}
}
