// Package hashes computes the two digests requests and values carry:
// a fast in-process hash used for memory-cache shard routing, and a
// collision-resistant unique hash used as the cross-process fingerprint.
package hashes

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// Digest is a 256-bit unique hash, used as a request fingerprint or a
// value's content-address in the CAS.
type Digest [32]byte

// IsZero reports whether d is the zero digest (never a real fingerprint).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the lowercase hex form of the digest, used for disk-cache
// filenames and log messages.
func (d Digest) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(d)*2)
	for i, b := range d {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// Less gives requests and values the total order the spec requires:
// lexicographic by fingerprint.
func (d Digest) Less(other Digest) bool {
	for i := range d {
		if d[i] != other[i] {
			return d[i] < other[i]
		}
	}
	return false
}

// A Hasher accumulates bytes into a running unique hash. It mirrors the
// recursive id-combination idiom of combining sub-identities one at a time
// rather than requiring the whole input in memory at once.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a fresh accumulator.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Update feeds raw bytes into the hash, e.g. a value's canonical encoding
// or a blob's content.
func (h *Hasher) Update(b []byte) {
	h.h.Write(b)
}

// UpdateDigest feeds an already-computed digest into the hash, e.g. a
// sub-request's fingerprint. Length-prefixed so "ab"+"c" cannot collide
// with "a"+"bc".
func (h *Hasher) UpdateDigest(d Digest) {
	h.UpdateString(string(d[:]))
}

// UpdateString feeds a length-prefixed string into the hash, used for
// uuids and other discriminators that must not be confusable with
// adjacent fields.
func (h *Hasher) UpdateString(s string) {
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(s)))
	h.h.Write(length[:])
	h.h.Write([]byte(s))
}

// Sum finalizes the hash and returns the digest. The Hasher remains valid
// to extend further (blake3 supports this), but callers should treat a
// Sum'd value as the final answer for a given logical unit.
func (h *Hasher) Sum() Digest {
	var d Digest
	sum := h.h.Sum(nil)
	copy(d[:], sum)
	return d
}

// FastHash returns a cheap, non-cryptographic hash of already-canonical
// bytes, used only to pick a memory-cache shard. It must never be used as
// a cross-process identity.
func FastHash(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// Combine builds a digest over a uuid plus a sequence of sub-digests, the
// pattern every request fingerprint follows (spec invariant 4: fingerprint(r) == unique_hash(uuid(r),
// fingerprint(arg1), ...)).
func Combine(uuid string, parts ...Digest) Digest {
	h := NewHasher()
	h.UpdateString(uuid)
	for _, p := range parts {
		h.UpdateDigest(p)
	}
	return h.Sum()
}
