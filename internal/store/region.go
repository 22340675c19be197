package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/types"
)

const (
	// LocBucketShift quantises a location into 2^16 space buckets.
	LocBucketShift = 16
	// LocBuckets is the number of space buckets on the ring.
	LocBuckets = 1 << (32 - LocBucketShift)
	// TimeQuantum is the width of one time bucket.
	TimeQuantum = 5 * time.Minute
)

// LocBucket returns the space bucket of loc.
func LocBucket(loc uint32) uint32 {
	return loc >> LocBucketShift
}

// TimeBucket returns the time bucket of ts.
func TimeBucket(ts types.Timestamp) int64 {
	q := TimeQuantum.Microseconds()
	b := int64(ts) / q
	if int64(ts) < 0 && int64(ts)%q != 0 {
		b--
	}
	return b
}

// RegionCoords is an inclusive rectangle of buckets.
type RegionCoords struct {
	LocStart  uint32 `cbor:"1,keyasint" json:"loc_start"`
	LocEnd    uint32 `cbor:"2,keyasint" json:"loc_end"`
	TimeStart int64  `cbor:"3,keyasint" json:"time_start"`
	TimeEnd   int64  `cbor:"4,keyasint" json:"time_end"`
}

// LocWidth is the number of space buckets covered.
func (c RegionCoords) LocWidth() int64 { return int64(c.LocEnd) - int64(c.LocStart) + 1 }

// TimeWidth is the number of time buckets covered.
func (c RegionCoords) TimeWidth() int64 { return c.TimeEnd - c.TimeStart + 1 }

// LocRange returns the first and last raw location inside the rectangle.
func (c RegionCoords) LocRange() (uint32, uint32) {
	return c.LocStart << LocBucketShift, c.LocEnd<<LocBucketShift | (1<<LocBucketShift - 1)
}

// TimeRange returns the first and last timestamp inside the rectangle.
func (c RegionCoords) TimeRange() (types.Timestamp, types.Timestamp) {
	q := TimeQuantum.Microseconds()
	return types.Timestamp(c.TimeStart * q), types.Timestamp((c.TimeEnd+1)*q - 1)
}

// RegionData summarises the ops inside a region.
type RegionData struct {
	Hash  hash.XOR `cbor:"1,keyasint" json:"hash"`
	Count uint32   `cbor:"2,keyasint" json:"count"`
	Bytes uint64   `cbor:"3,keyasint" json:"bytes"`
}

// Add folds other into d.
func (d *RegionData) Add(other RegionData) {
	d.Hash.Merge(other.Hash)
	d.Count += other.Count
	d.Bytes += other.Bytes
}

func (t *Txn) toggleRegion(loc uint32, ts types.Timestamp, h hash.Hash, size int) error {
	lb, tb := LocBucket(loc), TimeBucket(ts)
	var (
		blob         []byte
		count, bytes int64
	)
	err := t.queryRow(`SELECT xor_hash, op_count, byte_count FROM Region
        WHERE loc_bucket = ? AND time_bucket = ?`, int64(lb), tb).Scan(&blob, &count, &bytes)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read region: %w", err)
	}
	x := hash.XORFromBytes(blob)
	x.Toggle(h)
	_, err = t.exec(`INSERT OR REPLACE INTO Region (loc_bucket, time_bucket, xor_hash, op_count, byte_count)
        VALUES (?, ?, ?, ?, ?)`, int64(lb), tb, x[:], count+1, bytes+int64(size))
	if err != nil {
		return fmt.Errorf("write region: %w", err)
	}
	return nil
}

// RegionSummary reads the maintained summary of a region.
func (t *Txn) RegionSummary(c RegionCoords) (RegionData, error) {
	rows, err := t.query(`SELECT xor_hash, op_count, byte_count FROM Region
        WHERE loc_bucket BETWEEN ? AND ? AND time_bucket BETWEEN ? AND ?`,
		int64(c.LocStart), int64(c.LocEnd), c.TimeStart, c.TimeEnd)
	if err != nil {
		return RegionData{}, fmt.Errorf("region summary: %w", err)
	}
	defer rows.Close()
	var out RegionData
	for rows.Next() {
		var (
			blob         []byte
			count, bytes int64
		)
		if err := rows.Scan(&blob, &count, &bytes); err != nil {
			return RegionData{}, fmt.Errorf("region summary: %w", err)
		}
		out.Add(RegionData{Hash: hash.XORFromBytes(blob), Count: uint32(count), Bytes: uint64(bytes)})
	}
	return out, rows.Err()
}

// ComputeRegion recomputes a region summary from the integrated ops. It
// always equals RegionSummary for the same rectangle.
func (t *Txn) ComputeRegion(c RegionCoords) (RegionData, error) {
	locLo, locHi := c.LocRange()
	tLo, tHi := c.TimeRange()
	rows, err := t.query(`SELECT hash, size FROM DhtOp
        WHERE when_integrated IS NOT NULL
          AND storage_center_loc BETWEEN ? AND ?
          AND authored_timestamp BETWEEN ? AND ?`,
		int64(locLo), int64(locHi), int64(tLo), int64(tHi))
	if err != nil {
		return RegionData{}, fmt.Errorf("compute region: %w", err)
	}
	defer rows.Close()
	var out RegionData
	for rows.Next() {
		var (
			b    []byte
			size int64
		)
		if err := rows.Scan(&b, &size); err != nil {
			return RegionData{}, fmt.Errorf("compute region: %w", err)
		}
		h, err := hash.FromBytes(b)
		if err != nil {
			return RegionData{}, err
		}
		out.Hash.Toggle(h)
		out.Count++
		out.Bytes += uint64(size)
	}
	return out, rows.Err()
}

// OpHashesInRegion lists the integrated op hashes inside a region.
func (t *Txn) OpHashesInRegion(c RegionCoords) ([]hash.Hash, error) {
	locLo, locHi := c.LocRange()
	tLo, tHi := c.TimeRange()
	rows, err := t.query(`SELECT hash FROM DhtOp
        WHERE when_integrated IS NOT NULL
          AND storage_center_loc BETWEEN ? AND ?
          AND authored_timestamp BETWEEN ? AND ?
        ORDER BY hash`,
		int64(locLo), int64(locHi), int64(tLo), int64(tHi))
	if err != nil {
		return nil, fmt.Errorf("op hashes in region: %w", err)
	}
	return collectHashes(rows)
}
