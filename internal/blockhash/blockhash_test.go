package blockhash

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zsync-go/zsync/internal/rollsum"
	"github.com/zsync-go/zsync/internal/strongsum"
)

func sig(data []byte, blockSize int) (rollsum.Sum, [strongsum.Size]byte) {
	return rollsum.Block(data), strongsum.Block(data, blockSize)
}

func TestBuildChainsAscendingAndRemovable(t *testing.T) {
	const blockSize = 4
	blocks := [][]byte{
		[]byte("aaaa"),
		[]byte("bbbb"),
		[]byte("cccc"),
		[]byte("aaaa"), // same rsum as block 0, different chain position
	}

	table := New(uint64(len(blocks)), blockSize, 4, 16, 1)
	for i, b := range blocks {
		r, s := sig(b, blockSize)
		table.AddTargetBlock(uint64(i), r, s)
	}
	require.NoError(t, table.Build())

	r0, _ := sig(blocks[0], blockSize)
	hash := table.CombinedHash(r0, rollsum.Sum{})
	head, ok := table.ChainHead(hash)
	require.True(t, ok)

	// Walk the chain for this hash bucket; ids sharing a bucket must
	// appear in ascending order.
	var ids []uint64
	for id, ok := head, true; ok; id, ok = table.Next(id) {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i])
	}

	table.RemoveFromHash(0)
	head2, ok2 := table.ChainHead(hash)
	if ok2 {
		require.NotEqual(t, uint64(0), head2)
	}
}

func TestMatchWeakRespectsSeqMatches(t *testing.T) {
	const blockSize = 4
	b0 := []byte("aaaa")
	b1 := []byte("bbbb")

	table := New(2, blockSize, 4, 16, 2)
	r0, s0 := sig(b0, blockSize)
	r1, s1 := sig(b1, blockSize)
	table.AddTargetBlock(0, r0, s0)
	table.AddTargetBlock(1, r1, s1)
	require.NoError(t, table.Build())

	require.True(t, table.MatchWeak(0, r0, r1))
	require.False(t, table.MatchWeak(0, r0, rollsum.Sum{A: 1, B: 1}))
}
