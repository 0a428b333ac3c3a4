// Package digest implements per-partition Bloom filters over
// (key, content-hash) pairs (spec.md §4.9), backed by a memory-mapped
// file with an OS advisory lock, grounded on
// original_source/.../server/{digest,local_digest,remote_digest}.cpp.
package digest

import (
	"github.com/cespare/xxhash/v2"
	"github.com/willf/bloom"
)

// ContentHash computes the 128-bit checksum a digest tracks membership
// of, as two xxhash passes over differently-salted renderings of the
// same (key, value) pair (SPEC_FULL.md DOMAIN STACK) — the Go-native
// analogue of digest.cpp's murmur_checksum_t, which used two halves of a
// single 128-bit murmur hash. Two independent xxhash digests, each
// seeded by writing a distinct one-byte salt before the payload, give the
// same "two roughly-independent hash values" property a Bloom filter
// needs from one underlying primitive.
func ContentHash(key, value []byte) (h0, h1 uint64) {
	d0, d1 := xxhash.New(), xxhash.New()
	_, _ = d0.Write([]byte{0})
	_, _ = d0.Write(key)
	_, _ = d0.Write(value)
	_, _ = d1.Write([]byte{1})
	_, _ = d1.Write(key)
	_, _ = d1.Write(value)
	return d0.Sum64(), d1.Sum64()
}

// EstimateByteLength resolves local_digest.cpp's unfinished TODO
// ("compute length from target element count & false positive rate") by
// calling through to willf/bloom's parameter estimator and rounding the
// resulting bit count up to whole bytes. k is fixed at 2 regardless of
// what the estimator suggests: the two-bits-per-test scheme above (and
// its wire-compatibility across gossip, spec.md §4.9) depends on testing
// exactly two bit positions per checksum.
func EstimateByteLength(targetElements uint, falsePositiveRate float64) uint32 {
	m, _ := bloom.EstimateParameters(targetElements, falsePositiveRate)
	return uint32((m + 7) / 8)
}

// filterBits is the raw-bitset bit-test/set logic over a digest's
// mmap-backed region, a direct port of digest.cpp's add()/test(): two bit
// positions are derived from XORing the filter's seed into each half of
// the content hash and reducing modulo the filter's bit length.
type filterBits struct {
	region     []byte // byte_length bytes, memory-mapped by the caller
	seed       uint64
	byteLength uint32
}

func (f filterBits) bitPositions(h0, h1 uint64) (uint64, uint64) {
	bits := uint64(f.byteLength) * 8
	return (f.seed ^ h0) % bits, (f.seed ^ h1) % bits
}

func (f filterBits) add(h0, h1 uint64) {
	b1, b2 := f.bitPositions(h0, h1)
	f.region[b1>>3] |= 1 << (b1 % 8)
	f.region[b2>>3] |= 1 << (b2 % 8)
}

func (f filterBits) test(h0, h1 uint64) bool {
	b1, b2 := f.bitPositions(h0, h1)
	return f.region[b1>>3]&(1<<(b1%8)) != 0 && f.region[b2>>3]&(1<<(b2%8)) != 0
}
