package api

import (
	"github.com/gogo/protobuf/proto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DigestProperties is the on-disk protobuf record spec.md §6 describes
// for a digest's properties file: `{seed u64, byte_length u32,
// partition_uuid}`. It is hand-maintained (no protoc run, per DESIGN.md's
// "Hand-written protobuf" note) but still marshaled with gogo/protobuf's
// wire primitives rather than a bespoke binary format, so its bytes are
// real protobuf and any standard decoder could read them back.
type DigestProperties struct {
	Seed         uint64
	ByteLength   uint32
	PartitionID  uuid.UUID
}

// field numbers for the three DigestProperties fields, fixed for wire
// compatibility across process restarts.
const (
	fieldSeed        = 1
	fieldByteLength  = 2
	fieldPartitionID = 3
)

func (d *DigestProperties) Reset()         { *d = DigestProperties{} }
func (d *DigestProperties) String() string { return proto.CompactTextString(d) }
func (d *DigestProperties) ProtoMessage()  {}

// Marshal encodes d as a protobuf message: three tagged fields, varint
// for the two integers and a length-delimited 16-byte run for the uuid.
func (d *DigestProperties) Marshal() ([]byte, error) {
	buf := proto.NewBuffer(nil)

	if err := buf.EncodeVarint(uint64(fieldSeed)<<3 | proto.WireVarint); err != nil {
		return nil, errors.Wrap(err, "encode seed tag")
	}
	if err := buf.EncodeVarint(d.Seed); err != nil {
		return nil, errors.Wrap(err, "encode seed")
	}

	if err := buf.EncodeVarint(uint64(fieldByteLength)<<3 | proto.WireVarint); err != nil {
		return nil, errors.Wrap(err, "encode byte_length tag")
	}
	if err := buf.EncodeVarint(uint64(d.ByteLength)); err != nil {
		return nil, errors.Wrap(err, "encode byte_length")
	}

	if err := buf.EncodeVarint(uint64(fieldPartitionID)<<3 | proto.WireBytes); err != nil {
		return nil, errors.Wrap(err, "encode partition_uuid tag")
	}
	if err := buf.EncodeRawBytes(d.PartitionID[:]); err != nil {
		return nil, errors.Wrap(err, "encode partition_uuid")
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes bytes previously produced by Marshal. Marshal always
// emits exactly these three fields in this fixed order, so decoding walks
// them positionally rather than needing a generic skip-unknown-fields
// loop — the simplest correct reading of a format this package also
// writes and never needs to evolve independently of the code below.
func (d *DigestProperties) Unmarshal(data []byte) error {
	buf := proto.NewBuffer(data)
	*d = DigestProperties{}

	if err := expectTag(buf, fieldSeed, proto.WireVarint); err != nil {
		return err
	}
	seed, err := buf.DecodeVarint()
	if err != nil {
		return errors.Wrap(err, "decode seed")
	}
	d.Seed = seed

	if err := expectTag(buf, fieldByteLength, proto.WireVarint); err != nil {
		return err
	}
	byteLength, err := buf.DecodeVarint()
	if err != nil {
		return errors.Wrap(err, "decode byte_length")
	}
	d.ByteLength = uint32(byteLength)

	if err := expectTag(buf, fieldPartitionID, proto.WireBytes); err != nil {
		return err
	}
	raw, err := buf.DecodeRawBytes(true)
	if err != nil {
		return errors.Wrap(err, "decode partition_uuid")
	}
	if len(raw) != len(d.PartitionID) {
		return errors.Errorf("partition_uuid: want %d bytes, got %d", len(d.PartitionID), len(raw))
	}
	copy(d.PartitionID[:], raw)

	return nil
}

func expectTag(buf *proto.Buffer, wantField uint64, wantWireType uint64) error {
	tag, err := buf.DecodeVarint()
	if err != nil {
		return errors.Wrap(err, "decode field tag")
	}
	if field, wireType := tag>>3, tag&0x7; field != wantField || wireType != wantWireType {
		return errors.Errorf("unexpected field tag: field=%d wireType=%d", field, wireType)
	}
	return nil
}
