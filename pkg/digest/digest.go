// Package digest implements the SHA-224 content address used to name
// every chunk and manifest in the boot distribution protocol.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

// Size is the length in bytes of a Digest (SHA-224 output).
const Size = 28

// Digest is a fixed 28-byte SHA-224 content address.
type Digest [Size]byte

// Zero is the all-zero digest, used as a sentinel for "no digest yet".
var Zero Digest

// String renders the digest as 56 lowercase hex characters.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns the digest's raw 28 bytes.
func (d Digest) Bytes() []byte {
	return d[:]
}

// Less orders digests by byte value, making Digest usable as a stable
// sort key (e.g. for deterministic dedup-queue iteration in tests).
func (d Digest) Less(other Digest) bool {
	for i := range d {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}

// Parse decodes 56 lowercase (or uppercase) hex characters into a Digest.
func Parse(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(raw) != Size {
		return d, fmt.Errorf("parse digest: want %d bytes, got %d", Size, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// FromBytes copies a 28-byte slice into a Digest, erroring on any other length.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, fmt.Errorf("digest: want %d bytes, got %d", Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Hasher incrementally computes a SHA-224 digest. It wraps the standard
// library's implementation to keep the same Write/Sum(nil)-shaped calling
// convention the rest of this codebase uses for streaming hashes.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a fresh incremental SHA-224 hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New224()}
}

// Write feeds more bytes into the hash. It never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the digest of everything written so far without resetting
// the hasher, mirroring hash.Hash's Sum(nil) convention.
func (h *Hasher) Sum() Digest {
	var d Digest
	copy(d[:], h.h.Sum(nil))
	return d
}

// Finalize returns the digest and renders the hasher unusable for further
// writes, matching the "finalize invalidates" contract used elsewhere in
// this protocol (the wire codec's chunk digests are terminal values).
func (h *Hasher) Finalize() Digest {
	d := h.Sum()
	h.h = nil
	return d
}

// Sum224 computes the SHA-224 digest of a single byte slice in one call.
func Sum224(data []byte) Digest {
	sum := sha256.Sum224(data)
	return Digest(sum)
}
