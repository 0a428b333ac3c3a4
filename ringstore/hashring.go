package ringstore

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// DefaultHasher is the production bucket-routing hasher: 64-bit xxhash
// over the raw key bytes.
func DefaultHasher(key []byte) uint64 { return xxhash.Sum64(key) }

// noOffset marks an empty bucket slot or "no next packet".
const noOffset = ^uint32(0)

// Hasher computes a bucket-routing hash for a key. Production rings use
// xxhash (DefaultHasher, which persister.New hands to NewHashRing); tests substitute deterministic
// stand-ins to pin bucket placement.
type Hasher func(key []byte) uint64

// HashRing is a fixed-size, append-at-tail/reclaim-at-head byte region
// holding Packets, addressed by a bucket array of hash-chain heads
// (spec.md §4.1). It never grows: once the data region is full, the
// oldest packets are reclaimed to make room for new ones, which is what
// gives the persister's layered HashRing stack its "rolling" behavior
// under the persister's own compaction (see persister.go).
type HashRing struct {
	region      []byte
	bucketCount uint32
	dataStart   uint32
	dataSize    uint32
	head        uint32 // offset of the oldest live-or-padding packet
	tail        uint32 // offset the next packet will be written at
	used        uint32 // bytes currently spanned between head and tail
	hash        Hasher
}

// RegionBytes returns the total byte length a HashRing needs for the
// given bucket count and data capacity (bucket array plus data region).
func RegionBytes(bucketCount, dataCapacity uint32) uint32 {
	return bucketCount*4 + dataCapacity
}

// NewHashRing formats region in place as an empty ring with bucketCount
// buckets. len(region) must equal RegionBytes(bucketCount, dataCapacity)
// for the dataCapacity the caller intends to use.
func NewHashRing(region []byte, bucketCount uint32, hash Hasher) *HashRing {
	r := &HashRing{
		region:      region,
		bucketCount: bucketCount,
		dataStart:   bucketCount * 4,
		hash:        hash,
	}
	r.dataSize = uint32(len(region)) - r.dataStart
	r.head = r.dataStart
	r.tail = r.dataStart
	for i := uint32(0); i < bucketCount; i++ {
		r.setBucket(i, noOffset)
	}
	return r
}

// OpenHashRing attaches a HashRing struct to an already-formatted region
// (e.g. reopened from a memory-mapped file), restoring the head/tail/used
// cursors a prior session persisted via Checkpoint.
func OpenHashRing(region []byte, bucketCount uint32, hash Hasher, head, tail, used uint32) *HashRing {
	return &HashRing{
		region:      region,
		bucketCount: bucketCount,
		dataStart:   bucketCount * 4,
		dataSize:    uint32(len(region)) - bucketCount*4,
		head:        head,
		tail:        tail,
		used:        used,
		hash:        hash,
	}
}

// Checkpoint returns the cursor state a caller should persist alongside
// the region so a later OpenHashRing call can resume cleanly.
func (r *HashRing) Checkpoint() (head, tail, used uint32) { return r.head, r.tail, r.used }

func (r *HashRing) bucketAt(i uint32) uint32 {
	return binary.LittleEndian.Uint32(r.region[i*4:])
}

func (r *HashRing) setBucket(i, offset uint32) {
	binary.LittleEndian.PutUint32(r.region[i*4:], offset)
}

func (r *HashRing) bucketIndex(hash uint64) uint32 {
	return uint32(hash % uint64(r.bucketCount))
}

// advance moves offset forward by n bytes, wrapping around the data
// region's end back to dataStart.
func (r *HashRing) advance(offset, n uint32) uint32 {
	end := r.dataStart + r.dataSize
	offset += n
	if offset >= end {
		offset = r.dataStart + (offset - end)
	}
	return offset
}

func (r *HashRing) packetAt(offset uint32) Packet { return newPacket(r.region, offset) }

// FreeBytes is the number of unallocated bytes remaining in the ring.
func (r *HashRing) FreeBytes() uint32 { return r.dataSize - r.used }

// Capacity is the ring's total data-region byte length.
func (r *HashRing) Capacity() uint32 { return r.dataSize }

// Used is the number of bytes currently spanned by allocated (live,
// dead, or padding) packets.
func (r *HashRing) Used() uint32 { return r.used }

// ErrNotFound is returned by Locate and Delete when no live element
// matches the given key.
var ErrNotFound = errors.New("ringstore: key not found")

// ErrElementTooLarge is returned when a key+value pair exceeds what a
// ring of this bucket/capacity configuration can ever hold.
var ErrElementTooLarge = errors.New("ringstore: element exceeds ring capacity")

// Locate finds the live packet chain for key and returns its assembled
// value. Mirrors hash_ring::locate's chain walk plus content checksum
// verification across the whole chain (spec.md §4.1, §7 "torn write").
func (r *HashRing) Locate(key []byte) ([]byte, error) {
	h := r.hash(key)
	offset := r.bucketAt(r.bucketIndex(h))

	for offset != noOffset {
		pkt := r.packetAt(offset)
		next := pkt.HashChainNext()
		if !pkt.IsDead() && bytesEqual(pkt.KeyBytes(), key) {
			return r.assembleValue(pkt)
		}
		offset = next
	}
	return nil, ErrNotFound
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// assembleValue walks a packet's continuation chain (first packet of an
// oversized element to its ContinuesSequence successors) and verifies
// the running content checksum, returning an error on mismatch rather
// than silently serving corrupt bytes.
func (r *HashRing) assembleValue(first Packet) ([]byte, error) {
	var value []byte
	running := uint32(0)
	pkt := first
	for {
		running = pkt.ComputeContentChecksum(running)
		value = append(value, pkt.ValueBytes()...)
		if pkt.CompletesSequence() {
			break
		}
		pkt = r.packetAt(r.advance(pkt.Offset(), pkt.PacketLength()))
	}
	if !first.CheckIntegrity(running) {
		return nil, errors.New("ringstore: packet chain failed integrity check")
	}
	return value, nil
}

// packetsNeeded splits key+value across as many MaxCapacity-sized
// packets as required, returning each packet's (key portion, value
// portion) slices in chain order.
func packetsNeeded(key, value []byte) ([][2][]byte, error) {
	if len(key) > MaxCapacity {
		return nil, errors.Errorf("ringstore: key length %d exceeds single-packet capacity %d", len(key), MaxCapacity)
	}
	first := len(key)
	if room := MaxCapacity - first; room > 0 {
		take := room
		if take > len(value) {
			take = len(value)
		}
		first += take
	}
	parts := [][2][]byte{{key, value[:first-len(key)]}}
	remaining := value[first-len(key):]
	for len(remaining) > 0 {
		take := MaxCapacity
		if take > len(remaining) {
			take = len(remaining)
		}
		parts = append(parts, [2][]byte{nil, remaining[:take]})
		remaining = remaining[take:]
	}
	return parts, nil
}

// Put allocates (reclaiming head packets as needed) and writes a fresh
// packet chain for key/value, replacing any prior live chain for the
// same key by marking it dead first. Mirrors hash_ring::allocate_packets
// plus the bucket-chain splice hash_ring::update_hash_chain performs
// (spec.md §4.1).
func (r *HashRing) Put(key, value []byte) error {
	if err := r.Delete(key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	parts, err := packetsNeeded(key, value)
	if err != nil {
		return err
	}

	offsets := make([]uint32, len(parts))
	for i, part := range parts {
		// Round up to a multiple of 4: the header stores capacity >> 2,
		// and every packet must stay 32-bit aligned.
		capacity := (uint32(len(part[0])+len(part[1])) + 3) &^ 3
		packetLen := HeaderLength + capacity
		offset, err := r.allocate(packetLen)
		if err != nil {
			return err
		}
		offsets[i] = offset

		pkt := initPacket(r.region, offset, capacity)
		if len(part[0]) > 0 {
			pkt.SetKey(part[0])
		}
		pkt.SetValue(part[1])
		if i > 0 {
			pkt.setContinuesSequence()
		}
		if i == len(parts)-1 {
			pkt.setCompletesSequence()
		}
	}

	// Recompute the running content checksum across the whole chain now
	// that every packet's bytes are in place, and store it on the head.
	head := r.packetAt(offsets[0])
	running := uint32(0)
	for _, off := range offsets {
		running = r.packetAt(off).ComputeContentChecksum(running)
	}
	head.setCombinedChecksum(head.ComputeCombinedChecksum(running))

	idx := r.bucketIndex(r.hash(key))
	head.SetHashChainNext(r.bucketAt(idx))
	r.setBucket(idx, offsets[0])
	return nil
}

// Delete marks a live element dead in place. Its space is reclaimed
// later, in ring order, by allocate's head-reclaim loop — never out of
// order, since reclamation always proceeds from the oldest packet.
func (r *HashRing) Delete(key []byte) error {
	h := r.hash(key)
	offset := r.bucketAt(r.bucketIndex(h))
	for offset != noOffset {
		pkt := r.packetAt(offset)
		if !pkt.IsDead() && bytesEqual(pkt.KeyBytes(), key) {
			pkt.SetDead()
			return nil
		}
		offset = pkt.HashChainNext()
	}
	return ErrNotFound
}

// allocate reserves needed contiguous bytes starting at the tail cursor,
// padding to the next bulkhead boundary first if needed would otherwise
// straddle one, and reclaiming from the head until enough free space
// exists. Returns the offset the caller should format a packet at.
func (r *HashRing) allocate(needed uint32) (uint32, error) {
	if needed > r.dataSize {
		return 0, ErrElementTooLarge
	}

	if pad := r.bulkheadPadding(needed); pad > 0 {
		if err := r.reserve(pad); err != nil {
			return 0, err
		}
		initPaddingPacket(r.region, r.tail, pad)
		r.tail = r.advance(r.tail, pad)
		r.used += pad
	}

	if err := r.reserve(needed); err != nil {
		return 0, err
	}
	offset := r.tail
	r.tail = r.advance(r.tail, needed)
	r.used += needed
	return offset, nil
}

// bulkheadPadding returns the number of filler bytes needed before the
// tail cursor so that a `needed`-byte packet starting there won't
// straddle a BulkheadSize boundary, or 0 if it already wouldn't.
func (r *HashRing) bulkheadPadding(needed uint32) uint32 {
	startInBulkhead := r.tail % BulkheadSize
	if startInBulkhead+needed <= BulkheadSize {
		return 0
	}
	pad := BulkheadSize - startInBulkhead
	if pad > 0 && pad < HeaderLength {
		// The gap left before the boundary is too small to hold even a
		// header-only packet (spec.md §4.1(d): "a packet is never
		// shorter than the minimum header-only packet... either
		// shorten this packet or elongate it to consume the
		// remainder"). hash_ring.cpp's allocate_packets folds this
		// shortfall into the real data packet adjacent to the
		// boundary; our padding is a dedicated packet rather than a
		// fold of the real one, so the equivalent move is to elongate
		// the padding itself up to the smallest valid length. The data
		// packet that follows still starts comfortably clear of the
		// *next* boundary, since HeaderLength is tiny next to
		// BulkheadSize.
		pad = HeaderLength
	}
	return pad
}

// reserve reclaims head packets until at least needed bytes are free.
func (r *HashRing) reserve(needed uint32) error {
	for r.FreeBytes() < needed {
		if !r.reclaimHead() {
			return errors.New("ringstore: ring is full and head cannot be reclaimed further")
		}
	}
	return nil
}

// reclaimHead evicts the oldest element's entire packet chain (or a
// single dead/padding packet) at the head cursor, unlinking it from its
// bucket chain first if it carries a key. A multi-packet element is
// always reclaimed as one unit — reclaiming only its first packet would
// leave a bare continuation packet at the head, violating the invariant
// that the head always begins a fresh element. Returns false if the ring
// is empty and nothing remains to reclaim.
func (r *HashRing) reclaimHead() bool {
	if r.used == 0 {
		return false
	}

	first := r.packetAt(r.head)
	if !first.IsPadding() {
		r.unlinkFromBucket(first)
	}

	total := uint32(0)
	pkt := first
	for {
		total += pkt.PacketLength()
		if pkt.IsPadding() || pkt.CompletesSequence() {
			break
		}
		pkt = r.packetAt(r.advance(pkt.Offset(), pkt.PacketLength()))
	}

	r.head = r.advance(r.head, total)
	r.used -= total
	return true
}

// IsEmpty reports whether the ring holds no allocated packets at all.
func (r *HashRing) IsEmpty() bool { return r.used == 0 }

// HeadIsDead reports whether the oldest packet is already marked dead or
// is a padding packet, i.e. holds no element to read.
// Precondition: !IsEmpty().
func (r *HashRing) HeadIsDead() bool {
	pkt := r.packetAt(r.head)
	return pkt.IsDead() || pkt.IsPadding()
}

// HeadKeyValue assembles the oldest element's key and its full value
// (gathered across its packet chain, if it spans more than one packet).
// Precondition: !IsEmpty() && !HeadIsDead().
func (r *HashRing) HeadKeyValue() (key, value []byte, err error) {
	return r.ElementAt(r.head)
}

// ElementAt assembles the key and value of the element whose first
// packet begins at offset. offset must name a live, non-continuation
// packet (typically one obtained from HeadOffset or NextOffset).
func (r *HashRing) ElementAt(offset uint32) (key, value []byte, err error) {
	pkt := r.packetAt(offset)
	value, err = r.assembleValue(pkt)
	if err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), pkt.KeyBytes()...), value, nil
}

// HeadOffset returns the byte offset of the oldest packet, or ok=false
// if the ring holds nothing.
func (r *HashRing) HeadOffset() (uint32, bool) {
	if r.used == 0 {
		return 0, false
	}
	return r.head, true
}

// NextOffset returns the offset physically following offset (by packet
// length, wrapping at the ring's end), or ok=false if offset names the
// most recently written packet — i.e. its successor would be the tail,
// where nothing has been written yet.
func (r *HashRing) NextOffset(offset uint32) (uint32, bool) {
	pkt := r.packetAt(offset)
	next := r.advance(offset, pkt.PacketLength())
	if next == r.tail {
		return 0, false
	}
	return next, true
}

// PacketAt wraps offset as a Packet view, for callers walking offsets
// obtained from HeadOffset/NextOffset.
func (r *HashRing) PacketAt(offset uint32) Packet { return r.packetAt(offset) }

// MarkHeadDead marks the oldest element dead without reclaiming its
// space, mirroring element::set_dead() in the compaction control flow:
// a live element that must be spilled to another layer is marked dead
// in place, then physically reclaimed by a following ReclaimHead call.
func (r *HashRing) MarkHeadDead() { r.packetAt(r.head).SetDead() }

// ReclaimHead physically reclaims the oldest element's packet chain (or
// a single dead/padding packet), unlinking it from its bucket first if
// it carries a key. Returns the number of bytes freed, or ok=false if
// the ring was already empty.
func (r *HashRing) ReclaimHead() (bytesFreed uint32, ok bool) {
	before := r.used
	if !r.reclaimHead() {
		return 0, false
	}
	return before - r.used, true
}

// BucketCount is the number of hash-chain bucket slots in this ring.
func (r *HashRing) BucketCount() uint32 { return r.bucketCount }

// IterateBucket returns the first live, non-continuation element in
// bucket idx that appears strictly after resumeAfterKey in chain order
// (chain order is newest-to-oldest); a nil resumeAfterKey starts at the
// chain head. ok is false once the bucket is exhausted from that point.
//
// If resumeAfterKey names a packet that has since been reclaimed (the
// ring evicts from the oldest end, so this can only happen to the
// oldest few entries a caller has already visited), iteration treats
// the bucket as exhausted from that point rather than restarting —
// anything still reachable was already returned before reclamation
// could have touched it.
func (r *HashRing) IterateBucket(idx uint32, resumeAfterKey []byte) (key, value []byte, ok bool, err error) {
	offset := r.bucketAt(idx)

	if resumeAfterKey != nil {
		for offset != noOffset {
			pkt := r.packetAt(offset)
			next := pkt.HashChainNext()
			found := !pkt.ContinuesSequence() && bytesEqual(pkt.KeyBytes(), resumeAfterKey)
			offset = next
			if found {
				break
			}
		}
	}

	for offset != noOffset {
		pkt := r.packetAt(offset)
		next := pkt.HashChainNext()
		if !pkt.IsDead() && !pkt.ContinuesSequence() {
			v, assembleErr := r.assembleValue(pkt)
			if assembleErr != nil {
				return nil, nil, false, assembleErr
			}
			return append([]byte(nil), pkt.KeyBytes()...), v, true, nil
		}
		offset = next
	}
	return nil, nil, false, nil
}

// unlinkFromBucket removes pkt from its bucket's hash chain by key
// rehash, splicing its HashChainNext into whichever node (or the bucket
// head slot) pointed at it.
func (r *HashRing) unlinkFromBucket(pkt Packet) {
	idx := r.bucketIndex(r.hash(pkt.KeyBytes()))
	next := pkt.HashChainNext()

	if r.bucketAt(idx) == pkt.Offset() {
		r.setBucket(idx, next)
		return
	}
	offset := r.bucketAt(idx)
	for offset != noOffset {
		node := r.packetAt(offset)
		if node.HashChainNext() == pkt.Offset() {
			node.SetHashChainNext(next)
			return
		}
		offset = node.HashChainNext()
	}
}
