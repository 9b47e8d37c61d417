// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package matcher implements the rsync-style matching engine: it
// streams bytes from a source, drives the rolling checksum, probes
// the block signature table, verifies strong-checksum hits, and
// commits matched blocks to the sparse output store (spec §4.6).
package matcher

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zsync-go/zsync/internal/blockhash"
	"github.com/zsync-go/zsync/internal/rollsum"
	"github.com/zsync-go/zsync/internal/strongsum"
)

// Writer is the sink a successful block match is committed to. It is
// satisfied by *store.Store; kept as an interface here so the engine
// has no import-time dependency on the store package.
type Writer interface {
	WriteBlocks(data []byte, fromID, toID uint64) error
}

// RangeQuerier answers "is this block already known" during a run of
// sequential matches, so the engine doesn't re-write blocks a
// different part of the same pass already secured.
type RangeQuerier interface {
	NextKnownAfter(id uint64) uint64
}

// Engine holds the state that must survive across successive
// SubmitSourceData calls: the current rolling-checksum windows, the
// byte count to skip at the start of the next call, and the
// sequence-matching fast-path hint.
type Engine struct {
	table      *blockhash.Table
	writer     Writer
	ranges     RangeQuerier
	blockSize  int
	seqMatches int
	log        *logrus.Entry

	r0, r1    rollsum.Sum
	skip      int
	nextMatch *uint64

	// Stats, exposed for diagnostics/logging callers.
	BlocksMatched uint64
}

// New builds a matching engine over table, committing matches to
// writer and consulting ranges to avoid redundant writes within a
// sequential run. log may be nil (defaults to a discard entry).
func New(table *blockhash.Table, writer Writer, ranges RangeQuerier, log *logrus.Entry) *Engine {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Engine{
		table:      table,
		writer:     writer,
		ranges:     ranges,
		blockSize:  table.BlockSize,
		seqMatches: table.SeqMatches,
		log:        log,
	}
}

// SubmitSourceData feeds one buffer of source bytes, starting at the
// given position in the logical source stream. offset == 0 signals
// the start of a fresh stream and resets carried-over state.
//
// Callers feeding a large source across multiple calls must provide
// overlapping buffers of bufsize+context bytes, where context =
// blockSize*seqMatches, and successive calls must share the trailing
// context bytes of the previous call as their leading bytes. The final
// call should zero-pad to a full context's worth of trailing bytes.
//
// Returns the number of blocks newly matched and committed.
func (e *Engine) SubmitSourceData(data []byte, offset int64) (int, error) {
	if err := e.table.Build(); err != nil {
		return 0, errors.Wrap(err, "matcher: build signature index")
	}

	bs := e.blockSize
	context := bs * e.seqMatches
	shift := log2(bs)

	x := 0
	if offset != 0 {
		x = e.skip
	} else {
		e.nextMatch = nil
	}

	if x != 0 || offset == 0 {
		if x+bs > len(data) {
			return 0, errors.Errorf("matcher: buffer too short for block at %d", x)
		}
		e.r0 = rollsum.Block(data[x : x+bs])
		if e.seqMatches > 1 {
			if x+2*bs > len(data) {
				return 0, errors.Errorf("matcher: buffer too short for lookahead block at %d", x)
			}
			e.r1 = rollsum.Block(data[x+bs : x+2*bs])
		}
	}
	e.skip = 0

	gotBlocks := 0

	for {
		if x+context == len(data) {
			return gotBlocks, nil
		}
		if x+context > len(data) {
			// Defensive: a caller violating the buffer contract. Treat
			// the remainder as unscanned rather than reading OOB.
			e.skip = 0
			return gotBlocks, nil
		}

		var (
			matchedID uint64
			thismatch int
		)
		blocksMatched := 0

		if e.nextMatch != nil && e.seqMatches > 1 {
			id, n, err := e.checkChain(*e.nextMatch, data[x:], true)
			if err != nil {
				return gotBlocks, err
			}
			if n > 0 {
				matchedID, thismatch, blocksMatched = id, n, 1
			} else {
				e.nextMatch = nil
			}
		}

		if blocksMatched == 0 {
			hash := e.table.CombinedHash(e.r0, e.r1)
			if e.table.BithashHit(hash) {
				if head, ok := e.table.ChainHead(hash); ok {
					id, n, err := e.checkChain(head, data[x:], false)
					if err != nil {
						return gotBlocks, err
					}
					if n > 0 {
						matchedID, thismatch = id, n
						blocksMatched = e.seqMatches
					}
				}
			}
		}

		if blocksMatched > 0 {
			e.BlocksMatched += uint64(thismatch)

			written, err := e.commit(matchedID, thismatch, data[x:])
			if err != nil {
				return gotBlocks, err
			}
			gotBlocks += written

			x += bs
			if blocksMatched > 1 {
				x += bs
			}
			if x+context > len(data) {
				e.skip = x + context - len(data)
				return gotBlocks, nil
			}

			if e.seqMatches > 1 && blocksMatched == 1 {
				e.r0 = e.r1
			} else {
				e.r0 = rollsum.Block(data[x : x+bs])
			}
			if e.seqMatches > 1 {
				e.r1 = rollsum.Block(data[x+bs : x+2*bs])
			}
			continue
		}

		oc := data[x]
		nc := data[x+bs]
		var nn byte
		if e.seqMatches > 1 {
			nn = data[x+2*bs]
		}
		e.r0 = rollsum.Roll(e.r0, oc, nc, shift)
		if e.seqMatches > 1 {
			e.r1 = rollsum.Roll(e.r1, nc, nn, shift)
		}
		x++
	}
}

// commit writes the matched run [id, id+count) to the store, capping
// the write to avoid re-committing blocks a previous part of this
// same pass already secured. If the run was truncated by already-known
// territory, the sequence-matching fast-path hint is cleared; otherwise
// it is set to the block immediately after the written run. It returns
// the number of blocks written.
func (e *Engine) commit(id uint64, count int, window []byte) (int, error) {
	avail := uint64(count)
	if e.ranges != nil {
		known := e.ranges.NextKnownAfter(id)
		if known-id < avail {
			avail = known - id
		}
	}

	if avail > 0 {
		end := id + avail - 1
		if err := e.writer.WriteBlocks(window[:int(avail)*e.blockSize], id, end); err != nil {
			return 0, errors.Wrapf(err, "matcher: commit blocks [%d,%d]", id, end)
		}
		e.log.WithFields(logrus.Fields{"from": id, "to": end}).Debug("matcher: committed blocks")
		e.table.RemoveFromHash(id)
		for i := id + 1; i <= end; i++ {
			e.table.RemoveFromHash(i)
		}
	} else {
		e.table.RemoveFromHash(id)
	}

	if avail < uint64(count) {
		e.nextMatch = nil
	} else {
		next := id + avail
		e.nextMatch = &next
	}
	return int(avail), nil
}

// checkChain walks the hash chain starting at startID, testing each
// candidate's weak checksum against the engine's current window and,
// on a weak hit, verifying strong checksums for `limit` consecutive
// blocks (1 if onlyOne, else seqMatches — a sequence match requires
// every block in the run to strong-match, matching the reference
// behaviour of all-or-nothing chain confirmation). The strong digest
// for a given position is computed at most once per call and reused
// across chain candidates tested at that same window position.
func (e *Engine) checkChain(startID uint64, window []byte, onlyOne bool) (id uint64, matched int, err error) {
	limit := 1
	if !onlyOne {
		limit = e.seqMatches
	}

	var cache [2][strongsum.Size]byte
	var haveCache [2]bool

	id = startID
	for {
		weakOK := e.table.MatchWeak0(id, e.r0)
		if weakOK && !onlyOne && e.seqMatches > 1 {
			weakOK = e.table.MatchWeakNext(id, e.r1)
		}

		if weakOK {
			ok := true
			for k := 0; k < limit; k++ {
				if !haveCache[k] {
					start := k * e.blockSize
					end := start + e.blockSize
					if end > len(window) {
						return 0, 0, errors.New("matcher: short window for strong checksum")
					}
					cache[k] = strongsum.Block(window[start:end], e.blockSize)
					haveCache[k] = true
				}
				stored := e.table.Strong(id + uint64(k))
				if !strongsum.Match(cache[k], stored[:e.table.ChecksumBytes]) {
					ok = false
					break
				}
			}
			if ok {
				return id, limit, nil
			}
		}

		if onlyOne {
			return 0, 0, nil
		}
		next, has := e.table.Next(id)
		if !has {
			return 0, 0, nil
		}
		id = next
	}
}

func log2(n int) uint {
	var shift uint
	for (1 << shift) < n {
		shift++
	}
	return shift
}
