// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package receiver turns tagged byte ranges — either plain target-file
// bytes or compressed-stream bytes — into block-aligned writes against
// the sparse output store (spec §4.7).
package receiver

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"github.com/zsync-go/zsync/internal/zmap"
)

// errNeedMoreInput is a sentinel fed back through the flate decoder's
// underlying reader to signal "no more compressed bytes available yet,
// not end of stream". bufio.Reader clears a non-EOF read error after
// reporting it once, so the next call to Read resumes pulling from the
// feed buffer exactly where it left off.
var errNeedMoreInput = errors.New("receiver: more compressed input needed")

// Writer is the sink a decoded block is committed to. Satisfied by
// *store.Store directly, or by a *VerifyingWriter wrapping one to
// re-check each block's strong checksum before it reaches the store.
type Writer interface {
	WriteBlocks(data []byte, fromID, toID uint64) error
}

// WindowSource supplies already-known output bytes, used to prime the
// deflate decoder's sliding window when resuming mid-stream.
type WindowSource interface {
	ReadKnownData(buf []byte, offset int64) (int, error)
}

// PlainReceiver reassembles block-aligned writes from plain (identity)
// target-file byte ranges. Non-contiguous calls are permitted as long
// as no partial block is pending when a new offset arrives.
type PlainReceiver struct {
	blockSize int
	writer    Writer

	buf       []byte
	bufLen    int
	blockID   uint64
	outOffset int64
}

// NewPlainReceiver builds a receiver that submits blockSize-sized
// blocks to writer.
func NewPlainReceiver(blockSize int, writer Writer) *PlainReceiver {
	return &PlainReceiver{blockSize: blockSize, writer: writer, buf: make([]byte, blockSize)}
}

// ReceiveData delivers len(data) target-file bytes starting at offset.
func (p *PlainReceiver) ReceiveData(data []byte, offset int64) error {
	if p.bufLen > 0 {
		if offset != p.outOffset {
			return errors.Errorf("receiver: offset %d arrived mid-block (expected %d)", offset, p.outOffset)
		}
	} else {
		if offset%int64(p.blockSize) != 0 {
			return errors.Errorf("receiver: offset %d is not block-aligned", offset)
		}
		p.outOffset = offset
		p.blockID = uint64(offset) / uint64(p.blockSize)
	}

	i := 0
	if p.bufLen > 0 {
		n := copy(p.buf[p.bufLen:], data)
		p.bufLen += n
		p.outOffset += int64(n)
		i = n
		if p.bufLen == p.blockSize {
			if err := p.submit(p.buf); err != nil {
				return err
			}
			p.bufLen = 0
		}
	}

	for i+p.blockSize <= len(data) {
		if err := p.submit(data[i : i+p.blockSize]); err != nil {
			return err
		}
		p.outOffset += int64(p.blockSize)
		i += p.blockSize
	}

	if i < len(data) {
		n := copy(p.buf, data[i:])
		p.bufLen = n
		p.outOffset += int64(n)
	}

	return nil
}

func (p *PlainReceiver) submit(block []byte) error {
	if err := p.writer.WriteBlocks(block, p.blockID, p.blockID); err != nil {
		return errors.Wrapf(err, "receiver: submit block %d", p.blockID)
	}
	p.blockID++
	return nil
}

// Finish flushes any pending, zero-padded trailing partial block — the
// final, short block of the target file.
func (p *PlainReceiver) Finish() error {
	if p.bufLen == 0 {
		return nil
	}
	block := make([]byte, p.blockSize)
	copy(block, p.buf[:p.bufLen])
	p.bufLen = 0
	return p.submit(block)
}

// feedBuffer is a pull-based adapter between the push-style bytes
// arriving via ReceiveData and flate.Reader's pull-style io.Reader: it
// reports errNeedMoreInput rather than blocking or returning io.EOF
// when drained, so the decoder's partially-parsed bitstream state
// survives across calls.
type feedBuffer struct {
	buf bytes.Buffer
}

func (f *feedBuffer) Read(p []byte) (int, error) {
	if f.buf.Len() == 0 {
		return 0, errNeedMoreInput
	}
	return f.buf.Read(p)
}

// CompressedReceiver reassembles block-aligned writes from ranges of a
// compressed (deflate) stream, using a zmap to align the decoder to
// range boundaries and a WindowSource to prime its sliding window.
type CompressedReceiver struct {
	blockSize int
	zm        *zmap.Map
	store     WindowSource
	writer    Writer

	feed   *feedBuffer
	dec    io.ReadCloser
	active bool

	curIn     int64
	outOffset int64
	blockID   uint64
	out       []byte
	outLen    int
}

// NewCompressedReceiver builds a receiver that decodes deflate data
// described by zm, priming the decoder's window from store (may be
// nil, e.g. for a fresh download with no known bytes yet), and
// submitting decoded blocks to writer.
func NewCompressedReceiver(blockSize int, zm *zmap.Map, store WindowSource, writer Writer) *CompressedReceiver {
	return &CompressedReceiver{blockSize: blockSize, zm: zm, store: store, writer: writer, out: make([]byte, blockSize)}
}

// ReceiveData delivers len(data) compressed-stream bytes starting at
// the compressed byte offset.
func (c *CompressedReceiver) ReceiveData(data []byte, offset int64) error {
	if !c.active || offset != c.curIn {
		if err := c.reconfigure(offset); err != nil {
			return err
		}
	}

	c.feed.buf.Write(data)
	c.curIn = offset + int64(len(data))

	for {
		n, err := c.dec.Read(c.out[c.outLen:c.blockSize])
		c.outLen += n
		if c.outLen == c.blockSize {
			if ferr := c.flushBlock(); ferr != nil {
				return ferr
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, errNeedMoreInput):
			return nil
		case err == io.EOF:
			return nil
		default:
			return errors.Wrap(err, "receiver: inflate")
		}
	}
}

func (c *CompressedReceiver) flushBlock() error {
	if err := c.writer.WriteBlocks(c.out, c.blockID, c.blockID); err != nil {
		return errors.Wrapf(err, "receiver: submit block %d", c.blockID)
	}
	c.blockID++
	c.outOffset += int64(c.blockSize)
	c.outLen = 0
	return nil
}

// reconfigure binary-searches the zmap for the checkpoint at offset
// and either starts a fresh decoder (a block boundary) or requires one
// to already be active (a mid-block continuation).
func (c *CompressedReceiver) reconfigure(offset int64) error {
	outOffset, fresh, err := c.zm.ConfigureDecoder(offset)
	if err != nil {
		return errors.Wrap(err, "receiver: configure decoder")
	}

	if fresh {
		dict := c.preloadWindow(outOffset)
		c.feed = &feedBuffer{}
		if c.dec != nil {
			c.dec.Close()
		}
		c.dec = flate.NewReaderDict(c.feed, dict)
		c.active = true
	} else if !c.active {
		return errors.New("receiver: mid-block range requested but no decoder is active")
	}

	c.outOffset = outOffset
	c.blockID = uint64(outOffset) / uint64(c.blockSize)
	c.outLen = 0
	c.curIn = offset
	return nil
}

// preloadWindow reads up to 32 KiB of already-known output bytes
// immediately preceding outOffset, for use as the inflate dictionary.
func (c *CompressedReceiver) preloadWindow(outOffset int64) []byte {
	const maxWindow = 32 * 1024
	if c.store == nil || outOffset == 0 {
		return nil
	}
	size := outOffset
	if size > maxWindow {
		size = maxWindow
	}
	buf := make([]byte, size)
	n, err := c.store.ReadKnownData(buf, outOffset-size)
	if err != nil || n == 0 {
		return nil
	}
	return buf[:n]
}

// Finish flushes any pending, zero-padded trailing partial block and
// releases the decoder. Called when a range fetch ends.
func (c *CompressedReceiver) Finish() error {
	if !c.active {
		return nil
	}
	if c.outLen > 0 {
		block := make([]byte, c.blockSize)
		copy(block, c.out[:c.outLen])
		if err := c.writer.WriteBlocks(block, c.blockID, c.blockID); err != nil {
			return errors.Wrapf(err, "receiver: submit final block %d", c.blockID)
		}
		c.outLen = 0
	}
	c.active = false
	return c.dec.Close()
}
