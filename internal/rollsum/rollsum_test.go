package rollsum

import (
	"math/rand"
	"testing"

	"github.com/hooklift/assert"
)

func TestRollMatchesFreshBlock(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	data := make([]byte, 256)
	r.Read(data)

	const blockSize = 16
	shift := uint(4) // log2(16)

	s := Block(data[0:blockSize])
	for i := 0; i+blockSize+1 <= len(data); i++ {
		want := Block(data[i+1 : i+1+blockSize])
		s = Roll(s, data[i], data[i+blockSize], shift)
		assert.Equals(t, want, s)
	}
}

func TestValuePacksLanes(t *testing.T) {
	s := Sum{A: 0x1234, B: 0xabcd}
	assert.Equals(t, uint32(0xabcd1234), s.Value())
}

func TestAMask(t *testing.T) {
	assert.Equals(t, uint16(0), AMask(1))
	assert.Equals(t, uint16(0), AMask(2))
	assert.Equals(t, uint16(0xff), AMask(3))
	assert.Equals(t, uint16(0xffff), AMask(4))
}

func TestBlockEmpty(t *testing.T) {
	s := Block(nil)
	assert.Equals(t, Sum{}, s)
}
