/*
 * Directory-backed block access: scanning the catalog, reading one
 * block at a time, and saving/verifying a downloaded file.
 */

package blockstore

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File describes one entry in the server's catalog: its name, the hex
// SHA-256 of its bytes (used as the file id across S, C, and T), and
// the hex MD5 used for end-to-end integrity verification.
type File struct {
	Name   string
	SHA256 string
	MD5    string
}

// Store reads and writes blocks under one directory, using a fixed
// block size.
type Store struct {
	dir       string
	blockSize int
}

// New returns a Store rooted at dir, creating dir if it does not
// already exist. blockSize must be positive.
func New(dir string, blockSize int) (*Store, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("blockstore: block size must be positive, got %d", blockSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: cannot create directory %q: %w", dir, err)
	}
	return &Store{dir: dir, blockSize: blockSize}, nil
}

// BlockSize returns the configured block size in bytes.
func (s *Store) BlockSize() int {
	return s.blockSize
}

// Files scans the store's directory and returns a File record for
// every regular file in it, computing both hashes.
func (s *Store) Files() ([]File, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("blockstore: cannot read directory %q: %w", s.dir, err)
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		sha, md, err := hashFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, File{Name: entry.Name(), SHA256: sha, MD5: md})
	}
	return files, nil
}

// hashFile computes the hex SHA-256 and hex MD5 of a file's contents in
// one pass, treating both algorithms purely as opaque byte->hex
// functions.
func hashFile(path string) (shaHex, md5Hex string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	shaSum := sha256.New()
	md5Sum := md5.New()
	if _, err := io.Copy(io.MultiWriter(shaSum, md5Sum), f); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(shaSum.Sum(nil)), hex.EncodeToString(md5Sum.Sum(nil)), nil
}

// BlockCount returns ceil(fileLen / blockSize) for a file of the given
// length.
func (s *Store) BlockCount(fileLen int64) int {
	if fileLen <= 0 {
		return 0
	}
	return int((fileLen + int64(s.blockSize) - 1) / int64(s.blockSize))
}

// GetBlock returns the i-th block of name: bytes
// [i*blockSize, min((i+1)*blockSize, fileLen)). An out-of-range index
// (negative or beyond the last block) returns an empty, non-nil slice
// rather than an error, per the block-indexing invariant in §3.
func (s *Store) GetBlock(name string, index int) ([]byte, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	fileLen := info.Size()

	if index < 0 || index >= s.BlockCount(fileLen) {
		return []byte{}, nil
	}

	start := int64(index) * int64(s.blockSize)
	end := start + int64(s.blockSize)
	if end > fileLen {
		end = fileLen
	}

	block := make([]byte, end-start)
	if _, err := f.ReadAt(block, start); err != nil && err != io.EOF {
		return nil, err
	}
	return block, nil
}

// SaveFile writes data under name inside the store's directory,
// overwriting any existing file.
func (s *Store) SaveFile(name string, data []byte) error {
	return os.WriteFile(filepath.Join(s.dir, name), data, 0o644)
}

// MD5OfSaved recomputes the hex MD5 of a previously-saved file.
func (s *Store) MD5OfSaved(name string) (string, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// OutputName returns the deterministic name a downloaded file is saved
// under, so that the trusted-peer server can re-serve it later.
func OutputName(fileID string) string {
	return "output_" + fileID + ".bin"
}
