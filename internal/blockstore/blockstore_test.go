package blockstore

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestFilesReportsHashes(t *testing.T) {
	dir := t.TempDir()
	data := []byte("the quick brown fox jumps over the lazy dog")
	writeFile(t, dir, "fox.txt", data)

	store, err := New(dir, 10)
	require.NoError(t, err)

	files, err := store.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)

	wantSHA := sha256.Sum256(data)
	wantMD5 := md5.Sum(data)
	assert.Equal(t, "fox.txt", files[0].Name)
	assert.Equal(t, hex.EncodeToString(wantSHA[:]), files[0].SHA256)
	assert.Equal(t, hex.EncodeToString(wantMD5[:]), files[0].MD5)
}

func TestFilesSkipsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", []byte("a"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	store, err := New(dir, 10)
	require.NoError(t, err)

	files, err := store.Files()
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestBlockCount(t *testing.T) {
	tests := []struct {
		name      string
		fileLen   int64
		blockSize int
		want      int
	}{
		{"exact multiple", 300, 100, 3},
		{"short tail", 250, 100, 3},
		{"single byte", 1, 100, 1},
		{"empty file", 0, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := New(t.TempDir(), tt.blockSize)
			require.NoError(t, err)
			assert.Equal(t, tt.want, store.BlockCount(tt.fileLen))
		})
	}
}

func TestGetBlockSplitsFileIntoFixedSizeBlocksWithShortTail(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("x"), 250)
	writeFile(t, dir, "f.bin", data)

	store, err := New(dir, 100)
	require.NoError(t, err)

	b0, err := store.GetBlock("f.bin", 0)
	require.NoError(t, err)
	assert.Equal(t, data[0:100], b0)

	b1, err := store.GetBlock("f.bin", 1)
	require.NoError(t, err)
	assert.Equal(t, data[100:200], b1)

	b2, err := store.GetBlock("f.bin", 2)
	require.NoError(t, err)
	assert.Equal(t, data[200:250], b2)
	assert.Len(t, b2, 50)
}

func TestGetBlockOutOfRangeIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.bin", bytes.Repeat([]byte("x"), 250))

	store, err := New(dir, 100)
	require.NoError(t, err)

	block, err := store.GetBlock("f.bin", 99)
	require.NoError(t, err)
	assert.Empty(t, block)

	block, err = store.GetBlock("f.bin", -1)
	require.NoError(t, err)
	assert.Empty(t, block)
}

func TestSaveFileAndMD5OfSaved(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, 100)
	require.NoError(t, err)

	data := []byte("assembled contents")
	require.NoError(t, store.SaveFile(OutputName("abc123"), data))

	got, err := store.MD5OfSaved(OutputName("abc123"))
	require.NoError(t, err)

	want := md5.Sum(data)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestOutputNameIsDeterministic(t *testing.T) {
	assert.Equal(t, OutputName("abc123"), OutputName("abc123"))
	assert.NotEqual(t, OutputName("abc123"), OutputName("def456"))
}

func TestNewRejectsNonPositiveBlockSize(t *testing.T) {
	_, err := New(t.TempDir(), 0)
	assert.Error(t, err)
}
