// Package checksum computes the SHA-256 digests recorded alongside every
// repository backup, so an operator can verify a bundle after download.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// SHA256 returns the lowercase hex SHA-256 of everything in reader and the
// number of bytes read.
func SHA256(reader io.Reader) (string, int64, error) {
	hasher := sha256.New()

	n, err := io.Copy(hasher, reader)
	if err != nil {
		return "", 0, fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// Rewind hashes rs like SHA256 and then seeks it back to the start, so the
// same body can be uploaded afterwards.
func Rewind(rs io.ReadSeeker) (string, int64, error) {
	sum, n, err := SHA256(rs)
	if err != nil {
		return "", 0, err
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("failed to rewind after checksum: %w", err)
	}
	return sum, n, nil
}

// Reader wraps an io.Reader and hashes what passes through it, for streams
// that are written out once and never buffered.
type Reader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, h: sha256.New()}
}

func (hr *Reader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the hex SHA-256 of the bytes read so far.
func (hr *Reader) Sum() string { return hex.EncodeToString(hr.h.Sum(nil)) }

// Size returns the number of bytes read so far.
func (hr *Reader) Size() int64 { return hr.n }
