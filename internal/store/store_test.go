package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testBlockSize = 8

func TestWriteBlocksAndRanges(t *testing.T) {
	s, err := New(t.TempDir(), testBlockSize, 4)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteBlocks([]byte("AAAAAAAA"), 0, 0))
	require.NoError(t, s.WriteBlocks([]byte("CCCCCCCC"), 2, 2))

	require.Equal(t, uint64(2), s.Ranges().GotBlocks())
	require.True(t, s.Ranges().Contains(0))
	require.False(t, s.Ranges().Contains(1))
	require.True(t, s.Ranges().Contains(2))
}

func TestReadKnownData(t *testing.T) {
	s, err := New(t.TempDir(), testBlockSize, 2)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteBlocks([]byte("01234567"), 0, 0))

	buf := make([]byte, 4)
	n, err := s.ReadKnownData(buf, 2)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte("2345"), buf)
}

func TestCloseUnlinksUnlessClaimed(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, testBlockSize, 1)
	require.NoError(t, err)
	name := s.Name()
	require.NoError(t, s.Close())
	_, statErr := os.Stat(name)
	require.True(t, os.IsNotExist(statErr))
}

func TestTakeFilenamePreventsUnlink(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, testBlockSize, 1)
	require.NoError(t, err)
	name := s.TakeFilename()
	require.NoError(t, s.Close())
	_, statErr := os.Stat(name)
	require.NoError(t, statErr)
	os.Remove(name)
}

func TestRenameUpdatesName(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, testBlockSize, 1)
	require.NoError(t, err)
	s.TakeFilename()

	target := filepath.Join(dir, "target.part")
	require.NoError(t, s.Rename(target))
	require.Equal(t, target, s.Name())

	require.NoError(t, s.WriteBlocks([]byte("abcdefgh"), 0, 0))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefgh"), data)
}

func TestOpenAdoptsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "existing.part")
	require.NoError(t, os.WriteFile(path, make([]byte, testBlockSize), 0o644))

	s, err := Open(path, testBlockSize, 1)
	require.NoError(t, err)
	require.NoError(t, s.WriteBlocks([]byte("zzzzzzzz"), 0, 0))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("zzzzzzzz"), data)
}
