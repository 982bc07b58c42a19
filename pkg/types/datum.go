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

package types

import (
	"encoding/binary"
	"hash"
	"math"

	"github.com/pingcap/errors"
)

// Kind identifies the concrete scalar kind stored in a Datum.
type Kind byte

// Datum kinds. The zero Kind is KindNull, so the zero Datum is a NULL.
const (
	KindNull Kind = iota
	KindInt64
	KindUint64
	KindFloat64
	KindString
	KindBytes
)

// Datum is an evaluated scalar value. It is the unit the join core moves
// around: join keys, condition inputs and output rows are all built from
// datums.
type Datum struct {
	k Kind
	i int64
	b []byte
}

// NewIntDatum creates a Datum from an int64 value.
func NewIntDatum(i int64) Datum { return Datum{k: KindInt64, i: i} }

// NewUintDatum creates a Datum from a uint64 value.
func NewUintDatum(u uint64) Datum { return Datum{k: KindUint64, i: int64(u)} }

// NewFloat64Datum creates a Datum from a float64 value.
func NewFloat64Datum(f float64) Datum {
	return Datum{k: KindFloat64, i: int64(math.Float64bits(f))}
}

// NewStringDatum creates a Datum from a string value.
func NewStringDatum(s string) Datum { return Datum{k: KindString, b: []byte(s)} }

// NewBytesDatum creates a Datum from a byte slice. The slice is not copied.
func NewBytesDatum(b []byte) Datum { return Datum{k: KindBytes, b: b} }

// Kind returns the kind of the Datum.
func (d Datum) Kind() Kind { return d.k }

// IsNull reports whether the Datum is a NULL value.
func (d Datum) IsNull() bool { return d.k == KindNull }

// GetInt64 returns the int64 value of the Datum.
func (d Datum) GetInt64() int64 { return d.i }

// GetUint64 returns the uint64 value of the Datum.
func (d Datum) GetUint64() uint64 { return uint64(d.i) }

// GetFloat64 returns the float64 value of the Datum.
func (d Datum) GetFloat64() float64 { return math.Float64frombits(uint64(d.i)) }

// GetString returns the string value of the Datum.
func (d Datum) GetString() string { return string(d.b) }

// GetBytes returns the raw byte value of the Datum.
func (d Datum) GetBytes() []byte { return d.b }

// IsIntegral reports whether the Datum holds an integral numeric kind.
func (d Datum) IsIntegral() bool { return d.k == KindInt64 || d.k == KindUint64 }

func (d Datum) isNumeric() bool {
	return d.k == KindInt64 || d.k == KindUint64 || d.k == KindFloat64
}

// Compare compares two datums and returns -1, 0 or 1. Numeric kinds compare
// with each other after promotion; NULL sorts before everything but a NULL
// pair compares equal only for ordering purposes, never for join matching
// (see EqualJoinKey). Comparing a numeric kind against a string kind is an
// error.
func Compare(a, b Datum) (int, error) {
	if a.k == KindNull || b.k == KindNull {
		if a.k == b.k {
			return 0, nil
		}
		if a.k == KindNull {
			return -1, nil
		}
		return 1, nil
	}
	if a.isNumeric() && b.isNumeric() {
		return compareNumeric(a, b), nil
	}
	if (a.k == KindString || a.k == KindBytes) && (b.k == KindString || b.k == KindBytes) {
		return compareBytes(a.b, b.b), nil
	}
	return 0, errors.Errorf("cannot compare kind %d with kind %d", a.k, b.k)
}

func compareBytes(a, b []byte) int {
	la, lb := len(a), len(b)
	n := la
	if lb < n {
		n = lb
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case la < lb:
		return -1
	case la > lb:
		return 1
	}
	return 0
}

func compareNumeric(a, b Datum) int {
	if a.k == b.k && a.k != KindFloat64 {
		if a.k == KindUint64 {
			return compareUint64(uint64(a.i), uint64(b.i))
		}
		return compareInt64(a.i, b.i)
	}
	// Mixed kinds or floats: promote through float64. Join keys come from
	// columns of one declared type per side, so precision loss past 2^53
	// only shows up on deliberately mixed inputs.
	return compareFloat64(a.toFloat(), b.toFloat())
}

func (d Datum) toFloat() float64 {
	switch d.k {
	case KindInt64:
		return float64(d.i)
	case KindUint64:
		return float64(uint64(d.i))
	default:
		return math.Float64frombits(uint64(d.i))
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// EqualJoinKey reports whether a and b match as join key components. NULL
// never matches anything, including another NULL.
func EqualJoinKey(a, b Datum) (bool, error) {
	if a.IsNull() || b.IsNull() {
		return false, nil
	}
	cmp, err := Compare(a, b)
	if err != nil {
		return false, errors.Trace(err)
	}
	return cmp == 0, nil
}

// Hash tag bytes. Numeric values are normalized before hashing so that
// datums comparing equal under Compare always hash equal: any numeric that
// holds an exact integer hashes through its sign and magnitude, everything
// else hashes its float bits.
const (
	tagNull     byte = 0
	tagIntPos   byte = 1
	tagIntNeg   byte = 2
	tagFloat    byte = 3
	tagVarBytes byte = 4
)

// HashDatum folds a single datum into h. Build and probe sides use this
// same normalization, so equal keys land on the same slot.
func HashDatum(h hash.Hash64, d Datum) {
	var buf [9]byte
	switch d.k {
	case KindNull:
		buf[0] = tagNull
		h.Write(buf[:1])
	case KindInt64:
		if d.i >= 0 {
			buf[0] = tagIntPos
			binary.BigEndian.PutUint64(buf[1:], uint64(d.i))
		} else {
			buf[0] = tagIntNeg
			binary.BigEndian.PutUint64(buf[1:], uint64(-d.i))
		}
		h.Write(buf[:9])
	case KindUint64:
		buf[0] = tagIntPos
		binary.BigEndian.PutUint64(buf[1:], uint64(d.i))
		h.Write(buf[:9])
	case KindFloat64:
		f := d.GetFloat64()
		if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
			HashDatum(h, NewIntDatum(int64(f)))
			return
		}
		buf[0] = tagFloat
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(f))
		h.Write(buf[:9])
	case KindString, KindBytes:
		buf[0] = tagVarBytes
		h.Write(buf[:1])
		h.Write(d.b)
	}
}

// EstimatedSize returns a byte-size estimate of the datum for memory
// accounting. It is an estimate, not an exact allocation count.
func (d Datum) EstimatedSize() int64 {
	// Kind byte plus the 8-byte scalar word, plus payload for var-len kinds.
	return 9 + int64(len(d.b))
}
