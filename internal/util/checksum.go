package util

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// ChecksumWriter accumulates stream chunks into a SHA-256 digest. Chunks must
// be written in ascending index order for sender and receiver to agree.
type ChecksumWriter struct {
	h hash.Hash
}

// NewChecksumWriter returns an empty checksum accumulator.
func NewChecksumWriter() *ChecksumWriter {
	return &ChecksumWriter{h: sha256.New()}
}

// Write adds a chunk to the digest.
func (c *ChecksumWriter) Write(chunk []byte) {
	c.h.Write(chunk)
}

// Sum returns the hex-encoded digest of everything written so far.
func (c *ChecksumWriter) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// Checksum computes the digest of an ordered set of chunks in one call.
func Checksum(chunks [][]byte) string {
	w := NewChecksumWriter()
	for _, c := range chunks {
		w.Write(c)
	}
	return w.Sum()
}
