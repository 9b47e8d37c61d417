// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsync-go/zsync/internal/blockhash"
	"github.com/zsync-go/zsync/internal/control"
	"github.com/zsync-go/zsync/internal/rollsum"
	"github.com/zsync-go/zsync/internal/strongsum"
)

const testBlockSize = 8

func buildControlFile(t *testing.T, content []byte, urls []string) *control.File {
	t.Helper()
	require.Zero(t, len(content)%testBlockSize, "test content must be a whole number of blocks")

	n := uint64(len(content) / testBlockSize)
	table := blockhash.New(n, testBlockSize, 4, strongsum.Size, 1)
	for id := uint64(0); id < n; id++ {
		block := content[id*testBlockSize : (id+1)*testBlockSize]
		table.AddTargetBlock(id, rollsum.Block(block), strongsum.Block(block, testBlockSize))
	}

	sum := sha1.Sum(content)
	return &control.File{
		Length:        int64(len(content)),
		BlockSize:     testBlockSize,
		SeqMatches:    1,
		RsumBytes:     4,
		ChecksumBytes: strongsum.Size,
		URLs:          urls,
		SHA1:          hex.EncodeToString(sum[:]),
		Blocks:        table,
	}
}

func TestSessionFetchesOnlyMissingBlocksAfterSeeding(t *testing.T) {
	content := bytes.Join([][]byte{
		bytes.Repeat([]byte("A"), testBlockSize),
		bytes.Repeat([]byte("B"), testBlockSize),
		bytes.Repeat([]byte("C"), testBlockSize),
		bytes.Repeat([]byte("D"), testBlockSize),
		bytes.Repeat([]byte("E"), testBlockSize),
	}, nil)

	var fetchedRanges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchedRanges = append(fetchedRanges, r.Header.Get("Range"))
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	cf := buildControlFile(t, content, []string{srv.URL + "/file.bin"})

	dir := t.TempDir()
	outputPath := filepath.Join(dir, "target.bin")
	partPath := outputPath + ".part"
	require.NoError(t, os.WriteFile(partPath, content[:2*testBlockSize], 0o644))

	cfg := NewConfig(WithOutputPath(outputPath))
	sess, err := Open(cf, srv.URL+"/file.zsync", cfg)
	require.NoError(t, err)

	require.Equal(t, uint64(2), sess.store.Ranges().GotBlocks())
	require.Equal(t, partPath, sess.PartPath())

	require.NoError(t, sess.Fetch())
	require.NotEmpty(t, fetchedRanges, "fetch should have hit the server for the unmatched blocks")

	require.NoError(t, sess.Finish())

	got, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Equal(t, content, got)

	_, err = os.Stat(partPath)
	require.True(t, os.IsNotExist(err), "working file should be renamed away, not left behind")
}

func TestSessionDownloadsWholeFileWithNoLocalData(t *testing.T) {
	content := bytes.Repeat([]byte("xyzuvw12"), 5) // 5 identical blocks; fine since no seed matching is exercised here

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	cf := buildControlFile(t, content, []string{srv.URL + "/file.bin"})

	dir := t.TempDir()
	outputPath := filepath.Join(dir, "target.bin")
	cfg := NewConfig(WithOutputPath(outputPath))

	sess, err := Open(cf, srv.URL+"/file.zsync", cfg)
	require.NoError(t, err)
	require.Zero(t, sess.store.Ranges().GotBlocks())

	require.NoError(t, sess.Fetch())
	require.NoError(t, sess.Finish())

	got, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestSessionChecksumMismatchLeavesPartFile(t *testing.T) {
	content := bytes.Repeat([]byte("A"), testBlockSize*2)
	wrongContent := bytes.Repeat([]byte("B"), testBlockSize*2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Serve content whose blocks match the control file's block
		// signatures, so every fetched block passes its strong sum,
		// while the control file's whole-file SHA-1 is that of other
		// content: only Finish's whole-file check catches this.
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(wrongContent))
	}))
	defer srv.Close()

	cf := buildControlFile(t, wrongContent, []string{srv.URL + "/file.bin"})
	sum := sha1.Sum(content)
	cf.SHA1 = hex.EncodeToString(sum[:])

	dir := t.TempDir()
	outputPath := filepath.Join(dir, "target.bin")
	cfg := NewConfig(WithOutputPath(outputPath))

	sess, err := Open(cf, srv.URL+"/file.zsync", cfg)
	require.NoError(t, err)
	require.NoError(t, sess.Fetch())

	err = sess.Finish()
	require.ErrorIs(t, err, ErrChecksumMismatch)

	_, statErr := os.Stat(sess.PartPath())
	require.NoError(t, statErr, "the working file must survive a checksum mismatch for inspection")
}
