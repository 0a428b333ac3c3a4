package digest

import (
	"math/rand"
	"os"
	"path/filepath"
	"syscall"

	"github.com/edsrzf/mmap-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/samoadb/samoa/api"
)

// LocalDigest is a partition's own Bloom filter: a memory-mapped, OS-lock
// -exclusive filter file plus its properties file, grounded on
// digest.cpp/local_digest.cpp. Every successful local write adds its
// content hash (spec.md §4.9); RPCs to peers whose gossiped digest
// already contains a checksum are suppressed by the caller (package
// replication) using Test.
type LocalDigest struct {
	properties api.DigestProperties
	propPath   string
	filterPath string

	file   *os.File
	region mmap.MMap
	bits   filterBits

	logger log.Logger
}

// NewLocalDigest opens (or creates, on first run) the properties and
// filter files for a partition's digest under dir, exclusively locking
// the filter file per §5's "memory-mapped digest files are exclusively
// locked via OS advisory file lock on open; concurrent processes must not
// share a digest file."
func NewLocalDigest(dir string, partitionID uuid.UUID, targetElements uint, falsePositiveRate float64, logger log.Logger) (*LocalDigest, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	d := &LocalDigest{
		propPath:   filepath.Join(dir, partitionID.String()+"_digest.properties"),
		filterPath: filepath.Join(dir, partitionID.String()+"_digest.filter"),
		logger:     logger,
	}

	if raw, err := os.ReadFile(d.propPath); err == nil {
		if err := d.properties.Unmarshal(raw); err != nil {
			return nil, errors.Wrap(err, "parse digest properties")
		}
	} else if os.IsNotExist(err) {
		d.properties = api.DigestProperties{
			Seed:        rand.Uint64(),
			ByteLength:  EstimateByteLength(targetElements, falsePositiveRate),
			PartitionID: partitionID,
		}
		if err := d.writeProperties(); err != nil {
			return nil, err
		}
	} else {
		return nil, errors.Wrap(err, "open digest properties")
	}

	if err := d.openFilter(); err != nil {
		return nil, err
	}

	level.Debug(logger).Log("msg", "opened digest", "partition", partitionID, "byte_length", d.properties.ByteLength)
	return d, nil
}

func (d *LocalDigest) writeProperties() error {
	raw, err := d.properties.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal digest properties")
	}
	return errors.Wrap(os.WriteFile(d.propPath, raw, 0o644), "write digest properties")
}

func (d *LocalDigest) openFilter() error {
	file, err := os.OpenFile(d.filterPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(err, "open digest filter")
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		return errors.Wrap(err, "digest filter already locked by another process")
	}

	size := int64(d.properties.ByteLength)
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrap(err, "stat digest filter")
	}
	wasNew := info.Size() != size
	if wasNew {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return errors.Wrap(err, "size digest filter")
		}
	}

	region, err := mmap.MapRegion(file, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		file.Close()
		return errors.Wrap(err, "mmap digest filter")
	}
	if wasNew {
		for i := range region {
			region[i] = 0
		}
	}

	d.file = file
	d.region = region
	d.bits = filterBits{region: region, seed: d.properties.Seed, byteLength: d.properties.ByteLength}
	return nil
}

// Add records key/value's content hash as present.
func (d *LocalDigest) Add(key, value []byte) {
	h0, h1 := ContentHash(key, value)
	d.bits.add(h0, h1)
}

// Test reports whether key/value's content hash is (possibly) already
// present — false positives are expected of any Bloom filter; false
// negatives never occur.
func (d *LocalDigest) Test(key, value []byte) bool {
	h0, h1 := ContentHash(key, value)
	return d.bits.test(h0, h1)
}

// Properties returns the digest's current seed/byte_length/partition_uuid.
func (d *LocalDigest) Properties() api.DigestProperties { return d.properties }

// Snapshot copies the filter's current bytes out for DIGEST_SYNC gossip,
// without disturbing the live mmap-backed filter.
func (d *LocalDigest) Snapshot() *RemoteDigest {
	cp := make([]byte, len(d.region))
	copy(cp, d.region)
	return &RemoteDigest{properties: d.properties, bytes: cp}
}

// Rotate installs a fresh, empty filter with a new seed in place of the
// current one, returning the retired filter as a RemoteDigest snapshot
// suitable for DIGEST_SYNC gossip to every peer holding a replica of this
// partition (spec.md §4.9 "digest gossip": "the digest is swapped out...
// the retired digest is sent... to every peer server that holds a
// replica of this partition").
func (d *LocalDigest) Rotate(targetElements uint, falsePositiveRate float64) (*RemoteDigest, error) {
	retired := d.Snapshot()

	d.properties.Seed = rand.Uint64()
	d.properties.ByteLength = EstimateByteLength(targetElements, falsePositiveRate)

	if err := d.writeProperties(); err != nil {
		return nil, err
	}

	if d.properties.ByteLength != uint32(len(d.region)) {
		if err := d.region.Unmap(); err != nil {
			return nil, errors.Wrap(err, "unmap digest filter for resize")
		}
		if err := d.openFilter(); err != nil {
			return nil, err
		}
	} else {
		for i := range d.region {
			d.region[i] = 0
		}
		d.bits = filterBits{region: d.region, seed: d.properties.Seed, byteLength: d.properties.ByteLength}
	}

	level.Info(d.logger).Log("msg", "rotated digest", "partition", d.properties.PartitionID)
	return retired, nil
}

// Close unmaps the filter and releases the advisory file lock.
func (d *LocalDigest) Close() error {
	if d.region != nil {
		if err := d.region.Unmap(); err != nil {
			return errors.Wrap(err, "unmap digest filter")
		}
	}
	if d.file != nil {
		_ = syscall.Flock(int(d.file.Fd()), syscall.LOCK_UN)
		return errors.Wrap(d.file.Close(), "close digest filter")
	}
	return nil
}

// RemoteDigest is a peer's digest as received via DIGEST_SYNC: an
// in-memory snapshot with no backing file, atomically swapped in to
// replace the previous remote-digest for that partition on receipt
// (spec.md §4.9), grounded on remote_digest.cpp.
type RemoteDigest struct {
	properties api.DigestProperties
	bytes      []byte
}

// NewRemoteDigest builds a RemoteDigest from a gossiped properties
// message and raw filter bytes (api.SamoaRequest's DigestProperties and
// DataBlock fields for a DIGEST_SYNC request).
func NewRemoteDigest(properties api.DigestProperties, filterBytes []byte) *RemoteDigest {
	return &RemoteDigest{properties: properties, bytes: filterBytes}
}

// Test reports whether key/value's content hash is (possibly) already
// known to the peer this digest was gossiped from.
func (r *RemoteDigest) Test(key, value []byte) bool {
	h0, h1 := ContentHash(key, value)
	bits := filterBits{region: r.bytes, seed: r.properties.Seed, byteLength: r.properties.ByteLength}
	return bits.test(h0, h1)
}

func (r *RemoteDigest) Properties() api.DigestProperties { return r.properties }
func (r *RemoteDigest) Bytes() []byte                    { return r.bytes }
