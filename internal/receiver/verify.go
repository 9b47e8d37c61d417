// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package receiver

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zsync-go/zsync/internal/blockhash"
	"github.com/zsync-go/zsync/internal/strongsum"
)

// VerifyingWriter wraps a Writer and re-checks every downloaded block
// against its control-file strong checksum before committing it,
// matching the original's rcksum_submit_blocks: a run of blocks is
// written up to (but not including) the first one whose MD4 doesn't
// match, and an error is returned so the caller knows the rest of the
// run was discarded rather than silently trusted on transport data
// alone (spec §7).
type VerifyingWriter struct {
	blocks    *blockhash.Table
	blockSize int
	next      Writer
	log       *logrus.Entry
}

// NewVerifyingWriter builds a VerifyingWriter that checks each block
// against blocks before forwarding good data to next. log may be nil.
func NewVerifyingWriter(blocks *blockhash.Table, blockSize int, next Writer, log *logrus.Entry) *VerifyingWriter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &VerifyingWriter{blocks: blocks, blockSize: blockSize, next: next, log: log}
}

// WriteBlocks verifies each block-sized slice of data in turn; the
// leading run of verified blocks is forwarded to the wrapped writer
// even when a later block in the same call fails, so good data is
// never discarded just because it arrived alongside bad data.
func (v *VerifyingWriter) WriteBlocks(data []byte, fromID, toID uint64) error {
	n := int(toID-fromID) + 1
	good := n

	for i := 0; i < n; i++ {
		id := fromID + uint64(i)
		start := i * v.blockSize
		end := start + v.blockSize
		if end > len(data) {
			end = len(data)
		}

		sum := strongsum.Block(data[start:end], v.blockSize)
		stored := v.blocks.Strong(id)
		if !strongsum.Match(sum, stored[:v.blocks.ChecksumBytes]) {
			good = i
			break
		}
	}

	if good > 0 {
		goodEnd := good * v.blockSize
		if goodEnd > len(data) {
			goodEnd = len(data)
		}
		if err := v.next.WriteBlocks(data[:goodEnd], fromID, fromID+uint64(good)-1); err != nil {
			return err
		}
	}

	if good < n {
		badID := fromID + uint64(good)
		v.log.WithField("block", badID).Warn("receiver: strong checksum mismatch, discarding block")
		return errors.Errorf("receiver: strong checksum mismatch at block %d, discarding", badID)
	}

	return nil
}
