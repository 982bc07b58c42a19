// Copyright 2025 SnappyData Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package relcache

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// mixConstant is the avalanche constant folded into the fingerprint hash.
const mixConstant uint32 = 0x9e3779b9

// Fingerprint identifies one buildable relation: the ordered output column
// ids of the build plan plus the id of the data source feeding it. Two
// fingerprints are equal iff both lists match elementwise. The hash is
// computed once at construction, so repeated cache lookups pay no rehashing.
type Fingerprint struct {
	cols   []uint64
	source uint32
	hash   uint32
}

// NewFingerprint builds a fingerprint from the ordered column ids and the
// build source id. The column slice is copied.
func NewFingerprint(cols []uint64, source uint32) Fingerprint {
	fp := Fingerprint{
		cols:   append([]uint64(nil), cols...),
		source: source,
	}
	h := uint32(len(cols))
	for _, id := range fp.cols {
		h = mix(h, uint32(id>>32))
		h = mix(h, uint32(id))
	}
	fp.hash = mix(h, source)
	return fp
}

func mix(h, x uint32) uint32 {
	return (h ^ mixConstant) + x + (h << 6) + (h >> 2)
}

// Hash returns the precomputed fingerprint hash.
func (fp Fingerprint) Hash() uint32 { return fp.hash }

// SourceID returns the build source id.
func (fp Fingerprint) SourceID() uint32 { return fp.source }

// ColumnIDs returns the ordered column ids. The returned slice must not be
// mutated.
func (fp Fingerprint) ColumnIDs() []uint64 { return fp.cols }

// Equal reports whether two fingerprints identify the same relation.
func (fp Fingerprint) Equal(other Fingerprint) bool {
	if fp.hash != other.hash || fp.source != other.source || len(fp.cols) != len(other.cols) {
		return false
	}
	for i, id := range fp.cols {
		if other.cols[i] != id {
			return false
		}
	}
	return true
}

// Key returns the binary encoding as a string, usable as a map key.
func (fp Fingerprint) Key() string { return string(fp.Encode()) }

// Encode serializes the fingerprint: a 4-byte column count, the 8-byte
// column ids in order, the 4-byte source id and the 4-byte precomputed hash,
// all big-endian.
func (fp Fingerprint) Encode() []byte {
	buf := make([]byte, 4+8*len(fp.cols)+8)
	binary.BigEndian.PutUint32(buf, uint32(len(fp.cols)))
	off := 4
	for _, id := range fp.cols {
		binary.BigEndian.PutUint64(buf[off:], id)
		off += 8
	}
	binary.BigEndian.PutUint32(buf[off:], fp.source)
	binary.BigEndian.PutUint32(buf[off+4:], fp.hash)
	return buf
}

// DecodeFingerprint deserializes an encoded fingerprint and verifies the
// embedded hash against a recomputation.
func DecodeFingerprint(data []byte) (Fingerprint, error) {
	if len(data) < 12 {
		return Fingerprint{}, errors.Errorf("fingerprint too short: %d bytes", len(data))
	}
	n := int(binary.BigEndian.Uint32(data))
	if len(data) != 4+8*n+8 {
		return Fingerprint{}, errors.Errorf("fingerprint length %d does not match %d columns", len(data), n)
	}
	cols := make([]uint64, n)
	off := 4
	for i := range cols {
		cols[i] = binary.BigEndian.Uint64(data[off:])
		off += 8
	}
	source := binary.BigEndian.Uint32(data[off:])
	hash := binary.BigEndian.Uint32(data[off+4:])
	fp := NewFingerprint(cols, source)
	if fp.hash != hash {
		return Fingerprint{}, errors.Errorf("fingerprint hash mismatch: stored %#x, computed %#x", hash, fp.hash)
	}
	return fp, nil
}
