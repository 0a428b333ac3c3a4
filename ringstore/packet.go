// Package ringstore implements Samoa's rolling-hash storage engine: a
// fixed-size byte region (HashRing) holding chained, CRC-32-protected
// Packets, with hash-chained point lookup and tail-allocate/head-reclaim
// space management (spec.md §4.1).
//
// Packet layout is widened from the C++ original's packed 13-byte header
// to an explicit 16-byte header (spec.md Design Notes §9 permits this —
// "disk images are not shared across versions"), avoiding Go's lack of
// C-style bitfields while keeping every semantic field the original has.
package ringstore

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	// HeaderLength is the byte length of a packet header.
	HeaderLength = 16

	capacityShift    = 2
	maxCapacityField = (1 << 11) - 1

	// MaxCapacity is the largest key+value byte capacity a single packet
	// can carry (spec.md §3: "up to ~8 KiB body").
	MaxCapacity = maxCapacityField << capacityShift

	// MinPacketByteLength is the smallest legal packet: header only.
	MinPacketByteLength = HeaderLength

	// MaxPacketByteLength is the largest legal packet.
	MaxPacketByteLength = HeaderLength + MaxCapacity

	// BulkheadSize is the fixed byte boundary packets must never straddle
	// (spec.md §3 GLOSSARY "Bulkhead"). Packets carrying key/value data
	// never do; a padding packet that HashRing.bulkheadPadding elongates
	// to HeaderLength does cross the boundary it pads up to.
	BulkheadSize = 1 << 19

	maxKeyLength   = (1 << 13) - 1
	maxValueLength = (1 << 13) - 1

	offCombinedChecksum = 0
	offHashChainNext    = 4
	offFlags            = 8
	offCapacity         = 9 // u16
	offKeyLength        = 11
	offValueLength      = 13
	// byte 15 reserved/padding.

	flagIsDead            = 1 << 0
	flagContinuesSequence = 1 << 1
	flagCompletesSequence = 1 << 2
	flagIsPadding         = 1 << 3
)

// Packet is a view over one packet's header+body, living at a fixed
// offset inside a HashRing's backing byte region. It never copies the
// region; all methods read/write in place, matching the mmap-backed
// storage model spec.md describes.
type Packet struct {
	region []byte
	offset uint32
}

func newPacket(region []byte, offset uint32) Packet {
	return Packet{region: region, offset: offset}
}

// Offset is this packet's byte offset within its HashRing's region.
func (p Packet) Offset() uint32 { return p.offset }

func (p Packet) header() []byte { return p.region[p.offset : p.offset+HeaderLength] }

// CombinedChecksum is the stored CRC-32 covering both this packet's
// metadata and its accumulated key/value content (spec.md §3 Packet).
func (p Packet) CombinedChecksum() uint32 {
	return binary.LittleEndian.Uint32(p.header()[offCombinedChecksum:])
}

func (p Packet) setCombinedChecksum(v uint32) {
	binary.LittleEndian.PutUint32(p.header()[offCombinedChecksum:], v)
}

// HashChainNext is the byte offset of the next packet in this packet's
// hash-chain bucket, or noOffset (0xFFFFFFFF) if this is the chain's tail.
func (p Packet) HashChainNext() uint32 {
	return binary.LittleEndian.Uint32(p.header()[offHashChainNext:])
}

// SetHashChainNext updates the chain pointer and recomputes the combined
// checksum, folding in only the changed metadata (spec.md §4.1 "Chain
// update").
func (p Packet) SetHashChainNext(next uint32) {
	oldMeta := p.computeMetaChecksum()
	binary.LittleEndian.PutUint32(p.header()[offHashChainNext:], next)
	p.updateMetaOfCombinedChecksum(oldMeta)
}

func (p Packet) flags() byte { return p.header()[offFlags] }

func (p Packet) setFlag(bit byte) {
	p.header()[offFlags] |= bit
}

// IsDead reports whether this packet's element has been logically
// deleted and is eligible for reclamation.
func (p Packet) IsDead() bool { return p.flags()&flagIsDead != 0 }

// SetDead marks the packet's element dead, recomputing the checksum.
func (p Packet) SetDead() {
	oldMeta := p.computeMetaChecksum()
	p.setFlag(flagIsDead)
	p.updateMetaOfCombinedChecksum(oldMeta)
}

// ContinuesSequence reports whether this packet continues a preceding
// packet's key/value run rather than starting a new element.
func (p Packet) ContinuesSequence() bool { return p.flags()&flagContinuesSequence != 0 }

func (p Packet) setContinuesSequence() { p.setFlag(flagContinuesSequence) }

// CompletesSequence reports whether this packet is the last in its
// element's packet chain.
func (p Packet) CompletesSequence() bool { return p.flags()&flagCompletesSequence != 0 }

func (p Packet) setCompletesSequence() { p.setFlag(flagCompletesSequence) }

// IsPadding reports whether this packet is unaddressable filler inserted
// only to keep a real packet from straddling a bulkhead boundary. Padding
// packets never appear in a bucket's hash chain.
func (p Packet) IsPadding() bool { return p.flags()&flagIsPadding != 0 }

func (p Packet) setPadding() { p.setFlag(flagIsPadding) }

// Capacity is this packet's total key+value byte capacity.
func (p Packet) Capacity() uint32 {
	raw := binary.LittleEndian.Uint16(p.header()[offCapacity:])
	return uint32(raw) << capacityShift
}

func (p Packet) setCapacity(capacity uint32) {
	binary.LittleEndian.PutUint16(p.header()[offCapacity:], uint16(capacity>>capacityShift))
}

// AvailableCapacity is the unused portion of Capacity.
func (p Packet) AvailableCapacity() uint32 {
	return p.Capacity() - p.KeyLength() - p.ValueLength()
}

// KeyLength is the number of key bytes stored in this packet.
func (p Packet) KeyLength() uint32 {
	return uint32(binary.LittleEndian.Uint16(p.header()[offKeyLength:]))
}

// ValueLength is the number of value bytes stored in this packet.
func (p Packet) ValueLength() uint32 {
	return uint32(binary.LittleEndian.Uint16(p.header()[offValueLength:]))
}

// PacketLength is this packet's total on-disk byte length: header plus capacity.
func (p Packet) PacketLength() uint32 {
	return HeaderLength + p.Capacity()
}

func (p Packet) bodyStart() uint32 { return p.offset + HeaderLength }

// KeyBytes is this packet's (possibly empty) key content slice.
func (p Packet) KeyBytes() []byte {
	start := p.bodyStart()
	return p.region[start : start+p.KeyLength()]
}

// ValueBytes is this packet's (possibly empty) value content slice.
func (p Packet) ValueBytes() []byte {
	start := p.bodyStart() + p.KeyLength()
	return p.region[start : start+p.ValueLength()]
}

// SetKey writes key into this packet's key region. Preconditions: SetKey
// has not yet been called on this packet, and len(key) <= AvailableCapacity().
func (p Packet) SetKey(key []byte) {
	if uint32(len(key)) > p.AvailableCapacity() {
		panic("ringstore: key exceeds available packet capacity")
	}
	oldMeta := p.computeMetaChecksum()
	binary.LittleEndian.PutUint16(p.header()[offKeyLength:], uint16(len(key)))
	copy(p.region[p.bodyStart():], key)
	p.updateMetaOfCombinedChecksum(oldMeta)
}

// SetValue writes value into this packet's value region, directly after
// its key. Preconditions: len(value) <= AvailableCapacity()+current ValueLength().
func (p Packet) SetValue(value []byte) {
	avail := p.AvailableCapacity() + p.ValueLength()
	if uint32(len(value)) > avail {
		panic("ringstore: value exceeds available packet capacity")
	}
	oldMeta := p.computeMetaChecksum()
	binary.LittleEndian.PutUint16(p.header()[offValueLength:], uint16(len(value)))
	start := p.bodyStart() + p.KeyLength()
	copy(p.region[start:], value)
	p.updateMetaOfCombinedChecksum(oldMeta)
}

// computeMetaChecksum is a CRC-32 over exactly the metadata fields that
// can change independently of content: hash_chain_next and the flag byte.
func (p Packet) computeMetaChecksum() uint32 {
	h := p.header()
	buf := make([]byte, 5)
	copy(buf, h[offHashChainNext:offHashChainNext+4])
	buf[4] = h[offFlags]
	return crc32.ChecksumIEEE(buf)
}

// ComputeContentChecksum folds this packet's key and value bytes into a
// running CRC-32, continuing the checksum of any antecedent packets in
// the same element (spec.md §4.1: packets store key bytes first across
// the whole chain, then value bytes, so per-packet boundaries don't
// affect the final content checksum).
func (p Packet) ComputeContentChecksum(running uint32) uint32 {
	running = crc32.Update(running, crc32.IEEETable, p.KeyBytes())
	return crc32.Update(running, crc32.IEEETable, p.ValueBytes())
}

// ComputeCombinedChecksum combines this packet's metadata and
// running-content checksums into the value that should be stored.
func (p Packet) ComputeCombinedChecksum(contentChecksum uint32) uint32 {
	return p.computeMetaChecksum() ^ contentChecksum
}

// updateMetaOfCombinedChecksum folds a metadata change into the stored
// combined checksum without re-walking this packet's content, per
// spec.md §4.1 "Chain update" (exactly one pointer changes; only its
// checksum contribution needs recomputing).
func (p Packet) updateMetaOfCombinedChecksum(oldMeta uint32) {
	newMeta := p.computeMetaChecksum()
	p.setCombinedChecksum(p.CombinedChecksum() ^ oldMeta ^ newMeta)
}

// CheckIntegrity recomputes this packet's combined checksum against
// runningContent and compares it to the stored value. A mismatch means a
// torn write, and per spec.md §4.1/§7 is treated as fatal by the caller.
func (p Packet) CheckIntegrity(runningContent uint32) bool {
	return p.CombinedChecksum() == p.ComputeCombinedChecksum(runningContent)
}

// initPacket formats a freshly-allocated packet header in place: zeroed
// content, the given capacity, and combined checksum seeded for an empty
// key/value pair.
func initPacket(region []byte, offset uint32, capacity uint32) Packet {
	pkt := newPacket(region, offset)
	for i := uint32(0); i < HeaderLength; i++ {
		region[offset+i] = 0
	}
	pkt.setCapacity(capacity)
	pkt.setCombinedChecksum(pkt.ComputeCombinedChecksum(crc32.ChecksumIEEE(nil)))
	return pkt
}

// initPaddingPacket formats a header-only filler packet spanning exactly
// byteLength bytes (capacity = byteLength - HeaderLength), used to pad out
// to a bulkhead boundary.
func initPaddingPacket(region []byte, offset uint32, byteLength uint32) Packet {
	pkt := initPacket(region, offset, byteLength-HeaderLength)
	pkt.setPadding()
	pkt.setCombinedChecksum(pkt.ComputeCombinedChecksum(crc32.ChecksumIEEE(nil)))
	return pkt
}
