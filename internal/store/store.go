// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package store implements the sparse scratch-file output for blocks
// that have been matched locally or fetched from the origin (spec
// §4.5). Writes are block-aligned positioned writes; the registry of
// which blocks have landed lives alongside the file handle.
package store

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/zsync-go/zsync/internal/rangeset"
)

// Store owns a temporary scratch file and the set of block ids that
// have been committed to it.
type Store struct {
	f             *os.File
	name          string
	blockSize     int64
	got           *rangeset.Set
	unlinkOnClose bool
}

// New creates a scratch file in dir (os.TempDir() if empty) sized for
// totalBlocks blocks of blockSize bytes each.
func New(dir string, blockSize int, totalBlocks uint64) (*Store, error) {
	f, err := os.CreateTemp(dir, "rcksum-*")
	if err != nil {
		return nil, errors.Wrap(err, "store: create scratch file")
	}
	return &Store{
		f:             f,
		name:          f.Name(),
		blockSize:     int64(blockSize),
		got:           rangeset.New(totalBlocks),
		unlinkOnClose: true,
	}, nil
}

// Open adopts an existing file (e.g. a resumed ".part" file) as the
// scratch store, without creating a new temp file.
func Open(path string, blockSize int, totalBlocks uint64) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", path)
	}
	return &Store{
		f:             f,
		name:          path,
		blockSize:     int64(blockSize),
		got:           rangeset.New(totalBlocks),
		unlinkOnClose: false,
	}, nil
}

// Ranges exposes the underlying range registry so callers (the
// matching engine, the receiver) can query needed ranges directly.
func (s *Store) Ranges() *rangeset.Set {
	return s.got
}

// WriteBlocks writes data (exactly (toID-fromID+1)*blockSize bytes, or
// shorter only for the final block of the file) at the block-aligned
// offset for fromID, then commits [fromID, toID] to the range
// registry. The caller is responsible for verifying the data's strong
// checksum before calling this: writes are not reversible signals of
// the block's authenticity.
func (s *Store) WriteBlocks(data []byte, fromID, toID uint64) error {
	offset := int64(fromID) * s.blockSize
	n, err := s.f.WriteAt(data, offset)
	if err != nil {
		return errors.Wrapf(err, "store: write blocks [%d,%d]", fromID, toID)
	}
	if n != len(data) {
		return errors.Errorf("store: short write at block %d: wrote %d of %d bytes", fromID, n, len(data))
	}
	s.got.AddRange(fromID, toID)
	return nil
}

// ReadKnownData reads up to len(buf) bytes starting at the given
// target byte offset. Used to preload the deflate sliding window with
// bytes already known to be correct before resuming decompression
// mid-stream.
func (s *Store) ReadKnownData(buf []byte, offset int64) (int, error) {
	n, err := s.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, errors.Wrap(err, "store: read known data")
	}
	return n, nil
}

// Truncate resizes the scratch file to length bytes, e.g. to drop
// trailing zero padding applied to the final block during matching.
func (s *Store) Truncate(length int64) error {
	if err := s.f.Truncate(length); err != nil {
		return errors.Wrap(err, "store: truncate")
	}
	return nil
}

// TakeFilename transfers naming ownership to the caller: the store
// will no longer unlink the file on Close.
func (s *Store) TakeFilename() string {
	s.unlinkOnClose = false
	return s.name
}

// TakeFile transfers handle ownership to the caller: the store will no
// longer close or unlink the file.
func (s *Store) TakeFile() *os.File {
	f := s.f
	s.f = nil
	s.unlinkOnClose = false
	return f
}

// Name returns the current scratch filename without transferring
// ownership.
func (s *Store) Name() string {
	return s.name
}

// Rename moves the scratch file to newPath, e.g. claiming the fresh
// temp file as the durable "<target>.part" working file once seed
// feeding has picked up whatever a prior attempt left behind. The open
// handle is unaffected; only the tracked name changes.
func (s *Store) Rename(newPath string) error {
	if err := os.Rename(s.name, newPath); err != nil {
		return errors.Wrap(err, "store: rename")
	}
	s.name = newPath
	return nil
}

// Close releases the file handle. If ownership was never transferred
// via TakeFilename/TakeFile, the scratch file is also unlinked — a
// failed or abandoned transfer leaves no partial garbage unless the
// caller explicitly claimed it (e.g. to preserve a ".part" file).
func (s *Store) Close() error {
	if s.f == nil {
		return nil
	}
	name := s.f.Name()
	err := s.f.Close()
	s.f = nil
	if s.unlinkOnClose {
		if rmErr := os.Remove(name); rmErr != nil && err == nil {
			err = errors.Wrap(rmErr, "store: unlink scratch file")
		}
	}
	return err
}
