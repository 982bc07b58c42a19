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

package executor

import (
	"context"
	"math"
	"time"
	"unsafe"

	"github.com/jeisc/snappydata/pkg/metrics"
	"github.com/jeisc/snappydata/pkg/types"
	"github.com/jeisc/snappydata/pkg/util/memory"
	"github.com/pingcap/errors"
	"github.com/twmb/murmur3"
)

const (
	minTableCapacity = 128
	// load factor 0.6
	loadFactorNum = 3
	loadFactorDen = 5

	initialEntrySliceLen = 64
	maxEntrySliceLen     = 8192

	// consume batch for the memory tracker during build
	trackerConsumeBatch = 64
)

// tableEntry is one occupied slot: the key datums for comparison plus the
// indices of every build row that produced this key, in insertion order.
type tableEntry struct {
	hash    uint64
	key     Row
	rowIdxs []int32
}

// entryStore allocates table entries in slabs to keep GC scan cost down.
type entryStore struct {
	slices [][]tableEntry
	cursor int
}

func newEntryStore() *entryStore {
	return &entryStore{slices: [][]tableEntry{make([]tableEntry, initialEntrySliceLen)}}
}

func (es *entryStore) get() (e *tableEntry, memDelta int64) {
	sliceIdx := len(es.slices) - 1
	slice := es.slices[sliceIdx]
	if es.cursor >= cap(slice) {
		size := cap(slice) * 2
		if size >= maxEntrySliceLen {
			size = maxEntrySliceLen
		}
		slice = make([]tableEntry, size)
		es.slices = append(es.slices, slice)
		sliceIdx++
		es.cursor = 0
		memDelta = int64(unsafe.Sizeof(tableEntry{})) * int64(size)
	}
	e = &es.slices[sliceIdx][es.cursor]
	es.cursor++
	return e, memDelta
}

// keyRange tracks the observed min/max of one integral key column, enabling
// range pruning on the probe side.
type keyRange struct {
	min, max int64
	seen     bool
	poisoned bool
}

func (r *keyRange) update(d types.Datum) {
	if r.poisoned {
		return
	}
	var v int64
	switch d.Kind() {
	case types.KindInt64:
		v = d.GetInt64()
	case types.KindUint64:
		u := d.GetUint64()
		if u > math.MaxInt64 {
			r.poisoned = true
			return
		}
		v = int64(u)
	default:
		r.poisoned = true
		return
	}
	if !r.seen {
		r.min, r.max = v, v
		r.seen = true
		return
	}
	if v < r.min {
		r.min = v
	}
	if v > r.max {
		r.max = v
	}
}

func (r *keyRange) valid() bool { return r.seen && !r.poisoned }

// contains reports whether an integral probe value can possibly match.
func (r *keyRange) contains(d types.Datum) bool {
	switch d.Kind() {
	case types.KindInt64:
		v := d.GetInt64()
		return v >= r.min && v <= r.max
	case types.KindUint64:
		u := d.GetUint64()
		return u <= math.MaxInt64 && int64(u) >= r.min && int64(u) <= r.max
	}
	return true
}

// hashTable holds the build side of one join keyed by join-key hash. Backing
// storage is a fixed-capacity power-of-two slot array with linear probing;
// the capacity is sized once from the build row estimate and never grows, so
// a misestimated build degrades to longer probe chains instead of paying a
// resize pass. Once built the table is read-only and safe for concurrent
// probes.
type hashTable struct {
	slots []*tableEntry
	mask  uint64

	// rows holds every build row in insertion order; entries reference them
	// by index. Rows whose key contains a NULL can never match and are kept
	// aside for outer-join padding only.
	rows        []Row
	nullKeyRows []int32

	keyCols     []int
	keyRanges   []keyRange
	keyIsUnique bool
	buildWidth  int

	estimatedSize int64
	entryStore    *entryStore

	// probe-chain stats observed during build; they make capacity
	// misestimation visible in logs.
	maxChain   int
	totalChain int
}

func nextPowerOfTwo(n int) uint64 {
	c := uint64(1)
	for c < uint64(n) {
		c <<= 1
	}
	return c
}

func tableCapacity(estCount int) uint64 {
	target := estCount * loadFactorDen / loadFactorNum
	if target < minTableCapacity {
		target = minTableCapacity
	}
	return nextPowerOfTwo(target)
}

// hashKey folds the key datums into a 64-bit hash. Build and probe use the
// same fold, so equal keys land on the same probe sequence.
func hashKey(key Row) uint64 {
	h := murmur3.New64()
	for _, d := range key {
		types.HashDatum(h, d)
	}
	return h.Sum64()
}

func extractKey(row Row, keyCols []int, buf Row) (key Row, hasNull bool) {
	key = buf[:0]
	for _, col := range keyCols {
		d := row[col]
		if d.IsNull() {
			hasNull = true
		}
		key = append(key, d)
	}
	return key, hasNull
}

func keysEqual(a, b Row) (bool, error) {
	for i := range a {
		eq, err := types.EqualJoinKey(a[i], b[i])
		if err != nil {
			return false, errors.Trace(err)
		}
		if !eq {
			return false, nil
		}
	}
	return true, nil
}

func rowSize(row Row) int64 {
	size := int64(24)
	for _, d := range row {
		size += d.EstimatedSize()
	}
	return size
}

// buildHashTable consumes src and builds the keyed table. estCount sizes the
// slot array; keyCols are the build-side key column indices. tracker, when
// non-nil, is charged with the table's size as it grows and its quota breach
// aborts the build with a memory error. A source error aborts the build; no
// partial table is returned.
func buildHashTable(ctx context.Context, src RowSource, keyCols []int, estCount int, tracker *memory.Tracker) (*hashTable, error) {
	start := time.Now()
	capacity := tableCapacity(estCount)
	t := &hashTable{
		slots:       make([]*tableEntry, capacity),
		mask:        capacity - 1,
		keyCols:     keyCols,
		keyRanges:   make([]keyRange, len(keyCols)),
		keyIsUnique: true,
		entryStore:  newEntryStore(),
	}
	t.estimatedSize = int64(capacity) * int64(unsafe.Sizeof((*tableEntry)(nil)))

	// estimated bytes not yet reported to the tracker
	pending := t.estimatedSize
	keyBuf := make(Row, 0, len(keyCols))
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		row, err := src.Next(ctx)
		if err != nil {
			return nil, errors.Annotate(err, "hash join build side failed")
		}
		if row == nil {
			break
		}
		if t.buildWidth == 0 {
			t.buildWidth = len(row)
		}
		rowIdx := int32(len(t.rows))
		t.rows = append(t.rows, row)
		delta := rowSize(row)

		key, hasNull := extractKey(row, keyCols, keyBuf)
		if hasNull {
			t.nullKeyRows = append(t.nullKeyRows, rowIdx)
		} else {
			for i := range key {
				t.keyRanges[i].update(key[i])
			}
			entryDelta, err := t.insert(hashKey(key), key, rowIdx)
			if err != nil {
				return nil, errors.Trace(err)
			}
			delta += entryDelta
		}

		t.estimatedSize += delta
		pending += delta
		if tracker != nil && len(t.rows)%trackerConsumeBatch == 0 {
			if err := tracker.Consume(pending); err != nil {
				return nil, errors.Trace(err)
			}
			pending = 0
		}
	}
	if tracker != nil && pending != 0 {
		if err := tracker.Consume(pending); err != nil {
			return nil, errors.Trace(err)
		}
	}
	metrics.BuildRowsHistogram.Observe(float64(len(t.rows)))
	metrics.BuildDurationHistogram.Observe(time.Since(start).Seconds())
	return t, nil
}

// insert places rowIdx under key, appending to an existing entry when the
// key repeats. The scan starts at hash&mask and wraps; the capacity is fixed,
// so running out of empty slots is an overflow error rather than a resize.
func (t *hashTable) insert(hash uint64, key Row, rowIdx int32) (memDelta int64, err error) {
	idx := hash & t.mask
	for chain := 0; chain <= int(t.mask); chain++ {
		e := t.slots[idx]
		if e == nil {
			newEntry, delta := t.entryStore.get()
			newEntry.hash = hash
			newEntry.key = append(Row(nil), key...)
			newEntry.rowIdxs = append(newEntry.rowIdxs[:0], rowIdx)
			t.slots[idx] = newEntry
			t.observeChain(chain)
			return delta + rowSize(key), nil
		}
		if e.hash == hash {
			eq, err := keysEqual(e.key, key)
			if err != nil {
				return 0, errors.Trace(err)
			}
			if eq {
				e.rowIdxs = append(e.rowIdxs, rowIdx)
				t.keyIsUnique = false
				t.observeChain(chain)
				return 4, nil
			}
		}
		idx = (idx + 1) & t.mask
	}
	return 0, errors.Errorf("hash table overflow: %d slots exhausted", t.mask+1)
}

func (t *hashTable) observeChain(chain int) {
	t.totalChain += chain
	if chain > t.maxChain {
		t.maxChain = chain
	}
}

// lookup returns the entry matching key, or nil. Safe for concurrent use
// once the build has finished.
func (t *hashTable) lookup(hash uint64, key Row) (*tableEntry, error) {
	idx := hash & t.mask
	for chain := 0; chain <= int(t.mask); chain++ {
		e := t.slots[idx]
		if e == nil {
			return nil, nil
		}
		if e.hash == hash {
			eq, err := keysEqual(e.key, key)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if eq {
				return e, nil
			}
		}
		idx = (idx + 1) & t.mask
	}
	return nil, nil
}

// singleIntKeyRange returns the min/max range of the key when the join key
// is exactly one integral column, enabling probe-side pruning.
func (t *hashTable) singleIntKeyRange() (*keyRange, bool) {
	if len(t.keyCols) != 1 || !t.keyRanges[0].valid() {
		return nil, false
	}
	return &t.keyRanges[0], true
}

// Len returns the number of build rows loaded, null-keyed rows included.
func (t *hashTable) Len() int { return len(t.rows) }

// KeyIsUnique reports whether no two build rows produced an equal key.
func (t *hashTable) KeyIsUnique() bool { return t.keyIsUnique }

// EstimatedSize implements relcache.Relation.
func (t *hashTable) EstimatedSize() int64 { return t.estimatedSize }

// Close implements relcache.Relation. The table must not be probed after
// Close.
func (t *hashTable) Close() {
	t.slots = nil
	t.rows = nil
	t.nullKeyRows = nil
	t.entryStore = nil
}
