package receiver

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/require"

	"github.com/zsync-go/zsync/internal/blockhash"
	"github.com/zsync-go/zsync/internal/rollsum"
	"github.com/zsync-go/zsync/internal/strongsum"
	"github.com/zsync-go/zsync/internal/zmap"
)

const testBlockSize = 64

// memWriter records every committed block at its block-aligned offset.
type memWriter struct {
	blockSize int
	buf       []byte
}

func newMemWriter(totalBlocks, blockSize int) *memWriter {
	return &memWriter{blockSize: blockSize, buf: make([]byte, totalBlocks*blockSize)}
}

func (w *memWriter) WriteBlocks(data []byte, fromID, toID uint64) error {
	copy(w.buf[int(fromID)*w.blockSize:], data)
	return nil
}

func srand(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	buf := make([]byte, n)
	r.Read(buf)
	return buf
}

func TestPlainReceiverWholeBlocksAndPartial(t *testing.T) {
	target := srand(1, 5*testBlockSize+10) // final block is a short 10-byte remainder
	n := (len(target) + testBlockSize - 1) / testBlockSize

	w := newMemWriter(n, testBlockSize)
	r := NewPlainReceiver(testBlockSize, w)

	// Deliver in small, non-block-aligned chunks to exercise buffering.
	const chunk = 17
	for i := 0; i < len(target); i += chunk {
		end := i + chunk
		if end > len(target) {
			end = len(target)
		}
		require.NoError(t, r.ReceiveData(target[i:end], int64(i)))
	}
	require.NoError(t, r.Finish())

	want := make([]byte, n*testBlockSize)
	copy(want, target)
	require.Equal(t, want, w.buf)
}

func TestPlainReceiverRejectsMidBlockJump(t *testing.T) {
	w := newMemWriter(4, testBlockSize)
	r := NewPlainReceiver(testBlockSize, w)

	require.NoError(t, r.ReceiveData(make([]byte, 10), 0)) // partial block pending
	err := r.ReceiveData(make([]byte, testBlockSize), int64(2*testBlockSize))
	require.Error(t, err)
}

func TestPlainReceiverAllowsBlockAlignedResumeAfterGap(t *testing.T) {
	w := newMemWriter(4, testBlockSize)
	r := NewPlainReceiver(testBlockSize, w)

	block0 := srand(2, testBlockSize)
	require.NoError(t, r.ReceiveData(block0, 0))

	block2 := srand(3, testBlockSize)
	require.NoError(t, r.ReceiveData(block2, int64(2*testBlockSize)))

	require.Equal(t, block0, w.buf[0:testBlockSize])
	require.Equal(t, block2, w.buf[2*testBlockSize:3*testBlockSize])
}

func TestCompressedReceiverRoundTrip(t *testing.T) {
	target := srand(4, 6*testBlockSize+23)
	n := (len(target) + testBlockSize - 1) / testBlockSize

	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = fw.Write(target)
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	zm, err := zmap.Build([]zmap.Entry{{InBitsDelta: 0, OutBytesDelta: 0}})
	require.NoError(t, err)

	w := newMemWriter(n, testBlockSize)
	rec := NewCompressedReceiver(testBlockSize, zm, nil, w)

	data := compressed.Bytes()
	mid := len(data) / 3
	require.NoError(t, rec.ReceiveData(data[:mid], 0))
	require.NoError(t, rec.ReceiveData(data[mid:], int64(mid)))
	require.NoError(t, rec.Finish())

	want := make([]byte, n*testBlockSize)
	copy(want, target)
	require.Equal(t, want, w.buf)
}

func buildTable(t *testing.T, blocks [][]byte, blockSize int) *blockhash.Table {
	t.Helper()
	table := blockhash.New(uint64(len(blocks)), blockSize, 4, strongsum.Size, 1)
	for i, b := range blocks {
		table.AddTargetBlock(uint64(i), rollsum.Block(b), strongsum.Block(b, blockSize))
	}
	return table
}

func TestVerifyingWriterForwardsGoodBlocks(t *testing.T) {
	blocks := [][]byte{
		bytes.Repeat([]byte("A"), testBlockSize),
		bytes.Repeat([]byte("B"), testBlockSize),
	}
	table := buildTable(t, blocks, testBlockSize)

	w := newMemWriter(2, testBlockSize)
	vw := NewVerifyingWriter(table, testBlockSize, w, nil)

	require.NoError(t, vw.WriteBlocks(blocks[0], 0, 0))
	require.NoError(t, vw.WriteBlocks(blocks[1], 1, 1))
	require.Equal(t, bytes.Join(blocks, nil), w.buf)
}

func TestVerifyingWriterDiscardsMismatchedBlockButKeepsGoodPrefix(t *testing.T) {
	blocks := [][]byte{
		bytes.Repeat([]byte("A"), testBlockSize),
		bytes.Repeat([]byte("B"), testBlockSize),
		bytes.Repeat([]byte("C"), testBlockSize),
	}
	table := buildTable(t, blocks, testBlockSize)

	w := newMemWriter(3, testBlockSize)
	vw := NewVerifyingWriter(table, testBlockSize, w, nil)

	// Block 1's real bytes are swapped for garbage that doesn't match
	// its stored strong checksum; block 0 and block 2 are genuine.
	corrupted := bytes.Join([][]byte{
		blocks[0],
		bytes.Repeat([]byte("X"), testBlockSize),
		blocks[2],
	}, nil)

	err := vw.WriteBlocks(corrupted, 0, 2)
	require.Error(t, err)

	zeroBlock := make([]byte, testBlockSize)
	require.Equal(t, blocks[0], w.buf[0:testBlockSize])
	require.Equal(t, zeroBlock, w.buf[testBlockSize:2*testBlockSize]) // discarded, never written
	require.Equal(t, zeroBlock, w.buf[2*testBlockSize:3*testBlockSize])
}

func TestCompressedReceiverRejectsNonCheckpointOffset(t *testing.T) {
	zm, err := zmap.Build([]zmap.Entry{{InBitsDelta: 0, OutBytesDelta: 0}})
	require.NoError(t, err)

	w := newMemWriter(1, testBlockSize)
	rec := NewCompressedReceiver(testBlockSize, zm, nil, w)

	err = rec.ReceiveData([]byte{1, 2, 3}, 999)
	require.Error(t, err)
}
