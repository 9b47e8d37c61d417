// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package control parses the `.zsync` control file: a line-oriented
// header followed by an optional binary zmap section and the block
// signature table (spec §4.10, §6.1).
package control

import (
	"bufio"
	"encoding/binary"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/zsync-go/zsync/internal/blockhash"
	"github.com/zsync-go/zsync/internal/rollsum"
	"github.com/zsync-go/zsync/internal/zmap"
)

// ConsumerVersion is this implementation's zsync protocol version,
// compared lexicographically against a control file's Min-Version.
const ConsumerVersion = "0.6.2"

// incompatibleProducerVersion is the one zsync producer version known
// to emit a broken control file; any control file advertising it is
// rejected outright (spec §6.1).
const incompatibleProducerVersion = "0.0.4"

// File is a fully parsed control file.
type File struct {
	ZsyncVersion string
	MinVersion   string
	Length        int64
	Filename      string
	MTime         time.Time // zero if absent or unparsable
	BlockSize     int
	SeqMatches    int
	RsumBytes     int
	ChecksumBytes int

	URLs      []string
	ZURLs     []string
	ZFilename string

	SHA1       string
	Recompress string
	Safe       []string

	// ZMap is nil unless the control file declared Z-Map2 entries
	// (i.e. the content is also available compressed).
	ZMap *zmap.Map

	// Blocks is the target's block signature table, ready for
	// blockhash.Table.Build.
	Blocks *blockhash.Table
}

type headerLine struct {
	key, val string
}

var knownKeys = map[string]bool{
	"zsync": true, "Min-Version": true, "Length": true, "Filename": true,
	"MTime": true, "Blocksize": true, "Hash-Lengths": true, "URL": true,
	"Z-URL": true, "Z-Filename": true, "Z-Map2": true, "SHA-1": true,
	"Recompress": true, "Safe": true,
}

// Parse reads a complete control file from r: the key/value header,
// then (if declared) the binary Z-Map2 table, then the block signature
// table.
func Parse(r io.Reader) (*File, error) {
	br := bufio.NewReader(r)

	lines, err := readHeaderLines(br)
	if err != nil {
		return nil, err
	}

	safe := map[string]bool{}
	for _, l := range lines {
		if l.key == "Safe" {
			for _, tok := range strings.Fields(l.val) {
				safe[tok] = true
			}
		}
	}

	f := &File{}
	var zmapCount int
	haveLength, haveBlockSize := false, false

	for _, l := range lines {
		switch l.key {
		case "zsync":
			f.ZsyncVersion = l.val
			if f.ZsyncVersion == incompatibleProducerVersion {
				return nil, errors.Errorf("control: producer version %q is incompatible", f.ZsyncVersion)
			}
		case "Min-Version":
			f.MinVersion = l.val
			if f.MinVersion > ConsumerVersion {
				return nil, errors.Errorf("control: requires consumer version >= %s, have %s", f.MinVersion, ConsumerVersion)
			}
		case "Length":
			n, err := strconv.ParseInt(l.val, 10, 64)
			if err != nil || n <= 0 {
				return nil, errors.Errorf("control: malformed Length %q", l.val)
			}
			f.Length = n
			haveLength = true
		case "Filename":
			if strings.ContainsAny(l.val, "/\\") {
				return nil, errors.Errorf("control: Filename %q contains a path separator", l.val)
			}
			f.Filename = l.val
		case "MTime":
			if t, err := time.Parse(time.RFC1123, l.val); err == nil {
				f.MTime = t
			}
		case "Blocksize":
			n, err := strconv.Atoi(l.val)
			if err != nil || n <= 0 || n&(n-1) != 0 {
				return nil, errors.Errorf("control: Blocksize %q is not a positive power of two", l.val)
			}
			f.BlockSize = n
			haveBlockSize = true
		case "Hash-Lengths":
			parts := strings.Split(l.val, ",")
			if len(parts) != 3 {
				return nil, errors.Errorf("control: malformed Hash-Lengths %q", l.val)
			}
			seq, err1 := strconv.Atoi(parts[0])
			rb, err2 := strconv.Atoi(parts[1])
			cb, err3 := strconv.Atoi(parts[2])
			if err1 != nil || err2 != nil || err3 != nil {
				return nil, errors.Errorf("control: malformed Hash-Lengths %q", l.val)
			}
			if seq < 1 || seq > 2 {
				return nil, errors.Errorf("control: seq_matches %d out of range [1,2]", seq)
			}
			if rb < 1 || rb > 4 {
				return nil, errors.Errorf("control: rsum_bytes %d out of range [1,4]", rb)
			}
			if cb < 3 || cb > 16 {
				return nil, errors.Errorf("control: checksum_bytes %d out of range [3,16]", cb)
			}
			f.SeqMatches, f.RsumBytes, f.ChecksumBytes = seq, rb, cb
		case "URL":
			f.URLs = append(f.URLs, l.val)
		case "Z-URL":
			f.ZURLs = append(f.ZURLs, l.val)
		case "Z-Filename":
			f.ZFilename = l.val
		case "Z-Map2":
			n, err := strconv.Atoi(l.val)
			if err != nil || n < 0 {
				return nil, errors.Errorf("control: malformed Z-Map2 count %q", l.val)
			}
			zmapCount = n
		case "SHA-1":
			f.SHA1 = strings.ToLower(l.val)
		case "Recompress":
			f.Recompress = l.val
		case "Safe":
			f.Safe = append(f.Safe, strings.Fields(l.val)...)
		default:
			if !knownKeys[l.key] && !safe[l.key] {
				return nil, errors.Errorf("control: unknown header key %q (not declared Safe)", l.key)
			}
		}
	}

	if !haveLength {
		return nil, errors.New("control: missing Length")
	}
	if !haveBlockSize {
		return nil, errors.New("control: missing Blocksize")
	}
	if f.SeqMatches == 0 {
		return nil, errors.New("control: missing Hash-Lengths")
	}

	if zmapCount > 0 {
		zm, err := readZMap(br, zmapCount)
		if err != nil {
			return nil, err
		}
		f.ZMap = zm
	}

	blocks, err := readSignatures(br, f.Length, f.BlockSize, f.RsumBytes, f.ChecksumBytes, f.SeqMatches)
	if err != nil {
		return nil, err
	}
	f.Blocks = blocks

	return f, nil
}

func readHeaderLines(br *bufio.Reader) ([]headerLine, error) {
	var lines []headerLine
	for {
		raw, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "control: read header line")
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			return lines, nil
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Errorf("control: malformed header line %q", line)
		}
		lines = append(lines, headerLine{key: k, val: strings.TrimSpace(v)})
		if err == io.EOF {
			return lines, nil
		}
	}
}

func readZMap(r io.Reader, count int) (*zmap.Map, error) {
	entries := make([]zmap.Entry, count)
	buf := make([]byte, 4)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "control: short read in Z-Map2 section")
		}
		entries[i] = zmap.Entry{
			InBitsDelta:   binary.BigEndian.Uint16(buf[0:2]),
			OutBytesDelta: binary.BigEndian.Uint16(buf[2:4]),
		}
	}
	m, err := zmap.Build(entries)
	if err != nil {
		return nil, errors.Wrap(err, "control: build zmap")
	}
	return m, nil
}

// readSignatures reads the N x (rsumBytes+checksumBytes) packed block
// signature table, where N = ceil(length/blockSize).
func readSignatures(r io.Reader, length int64, blockSize, rsumBytes, checksumBytes, seqMatches int) (*blockhash.Table, error) {
	n := (length + int64(blockSize) - 1) / int64(blockSize)
	table := blockhash.New(uint64(n), blockSize, rsumBytes, checksumBytes, seqMatches)

	entryLen := rsumBytes + checksumBytes
	buf := make([]byte, entryLen)
	for id := int64(0); id < n; id++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrapf(err, "control: short read in signature table at block %d", id)
		}
		sum := decodeRsum(buf[:rsumBytes])
		var strong [16]byte
		copy(strong[:], buf[rsumBytes:])
		table.AddTargetBlock(uint64(id), sum, strong)
	}
	return table, nil
}

// decodeRsum reconstructs a rollsum.Sum from its on-wire encoding: the
// trailing len(wire) bytes of a conceptual big-endian 32-bit word
// whose high 16 bits are A and low 16 bits are B, the leading bytes
// implicitly zero.
func decodeRsum(wire []byte) rollsum.Sum {
	var full [4]byte
	copy(full[4-len(wire):], wire)
	v := binary.BigEndian.Uint32(full[:])
	return rollsum.Sum{A: uint16(v >> 16), B: uint16(v)}
}
