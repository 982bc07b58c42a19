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
	"github.com/jeisc/snappydata/pkg/types"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// JoinType is the closed set of join variants the probe supports.
type JoinType int

// Join types. The stream side is the left side of every output row.
const (
	InnerJoin JoinType = iota
	LeftOuterJoin
	RightOuterJoin
	FullOuterJoin
)

// String implements fmt.Stringer.
func (t JoinType) String() string {
	switch t {
	case InnerJoin:
		return "inner join"
	case LeftOuterJoin:
		return "left outer join"
	case RightOuterJoin:
		return "right outer join"
	case FullOuterJoin:
		return "full outer join"
	}
	return "unknown join"
}

// ConditionFunc evaluates the optional non-equi join condition over a
// concatenated (stream, build) row.
type ConditionFunc func(joined Row) (bool, error)

// emitFunc receives output rows in order.
type emitFunc func(Row) error

// joiner drives stream rows through a built hash table and emits joined
// rows according to the join type. One joiner serves one task; the table it
// probes may be shared, so all per-task state (matched flags, dictionary
// side array, scratch buffers) lives here, never on the table.
type joiner struct {
	joinType      JoinType
	table         *hashTable
	streamKeyCols []int
	cond          ConditionFunc

	// null-padding templates, built once per table
	nullBuildRow  Row
	nullStreamRow Row

	// matchedBuild flags build rows that joined at least once; only
	// allocated for join types that scan unmatched build rows.
	matchedBuild []bool

	// rowsEmitted is the driver-owned output accumulator.
	rowsEmitted *atomic.Int64

	prune   *keyRange
	pruneOK bool

	// dictionary fast path state, rebuilt per batch
	dictEntries  []*tableEntry
	dictResolved []bool

	keyBuf Row
}

func newJoiner(joinType JoinType, table *hashTable, streamKeyCols []int, streamWidth, buildWidth int, cond ConditionFunc, rowsEmitted *atomic.Int64) *joiner {
	if buildWidth < table.buildWidth {
		buildWidth = table.buildWidth
	}
	j := &joiner{
		joinType:      joinType,
		table:         table,
		streamKeyCols: streamKeyCols,
		cond:          cond,
		nullBuildRow:  make(Row, buildWidth),
		nullStreamRow: make(Row, streamWidth),
		rowsEmitted:   rowsEmitted,
		keyBuf:        make(Row, 0, len(streamKeyCols)),
	}
	if joinType == RightOuterJoin || joinType == FullOuterJoin {
		j.matchedBuild = make([]bool, len(table.rows))
	}
	j.prune, j.pruneOK = table.singleIntKeyRange()
	return j
}

// probeBatch probes every row of the batch in order. When the batch carries
// dictionary codes for a single-column key, each distinct code resolves its
// table entry exactly once for the whole batch.
func (j *joiner) probeBatch(batch *ProbeBatch, emit emitFunc) error {
	if len(j.streamKeyCols) == 1 && batch.Dict != nil && len(batch.DictCodes) == len(batch.Rows) {
		return j.probeDictBatch(batch, emit)
	}
	for _, row := range batch.Rows {
		if err := j.probeRow(row, emit); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (j *joiner) probeDictBatch(batch *ProbeBatch, emit emitFunc) error {
	// The side array is invalidated at every batch boundary: codes are only
	// meaningful within one batch's dictionary.
	n := len(batch.Dict)
	if cap(j.dictEntries) < n {
		j.dictEntries = make([]*tableEntry, n)
		j.dictResolved = make([]bool, n)
	} else {
		j.dictEntries = j.dictEntries[:n]
		j.dictResolved = j.dictResolved[:n]
		for i := range j.dictResolved {
			j.dictEntries[i] = nil
			j.dictResolved[i] = false
		}
	}
	for i, row := range batch.Rows {
		code := batch.DictCodes[i]
		if code < 0 || code >= n {
			return errors.Errorf("dictionary code %d out of range [0, %d)", code, n)
		}
		if !j.dictResolved[code] {
			e, err := j.resolveKey(batch.Dict[code])
			if err != nil {
				return errors.Trace(err)
			}
			j.dictEntries[code] = e
			j.dictResolved[code] = true
		}
		if err := j.emitForEntry(row, j.dictEntries[code], emit); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// resolveKey looks up the entry for a single-column key value.
func (j *joiner) resolveKey(d types.Datum) (*tableEntry, error) {
	if d.IsNull() {
		return nil, nil
	}
	key := append(j.keyBuf[:0], d)
	if j.pruneOK && !j.prune.contains(key[0]) {
		return nil, nil
	}
	return j.table.lookup(hashKey(key), key)
}

func (j *joiner) probeRow(streamRow Row, emit emitFunc) error {
	key, hasNull := extractKey(streamRow, j.streamKeyCols, j.keyBuf)
	if hasNull {
		return j.emitForEntry(streamRow, nil, emit)
	}
	if j.pruneOK && len(key) == 1 && !j.prune.contains(key[0]) {
		return j.emitForEntry(streamRow, nil, emit)
	}
	e, err := j.table.lookup(hashKey(key), key)
	if err != nil {
		return errors.Trace(err)
	}
	return j.emitForEntry(streamRow, e, emit)
}

// emitForEntry emits the joined rows for one stream row and its matching
// entry (nil when there is no match). Matched build rows keep insertion
// order; a stream row whose matches are all filtered out by the condition
// counts as unmatched for outer padding.
func (j *joiner) emitForEntry(streamRow Row, e *tableEntry, emit emitFunc) error {
	if e == nil {
		return j.emitUnmatchedStream(streamRow, emit)
	}
	if j.table.keyIsUnique {
		// Unique build key: at most one candidate, no iteration.
		idx := e.rowIdxs[0]
		joined := makeJoinRow(streamRow, j.table.rows[idx])
		ok, err := j.evalCond(joined)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			return j.emitUnmatchedStream(streamRow, emit)
		}
		j.markBuildMatched(idx)
		return j.emitRow(joined, emit)
	}
	matched := false
	for _, idx := range e.rowIdxs {
		joined := makeJoinRow(streamRow, j.table.rows[idx])
		ok, err := j.evalCond(joined)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			continue
		}
		matched = true
		j.markBuildMatched(idx)
		if err := j.emitRow(joined, emit); err != nil {
			return errors.Trace(err)
		}
	}
	if !matched {
		return j.emitUnmatchedStream(streamRow, emit)
	}
	return nil
}

func (j *joiner) emitUnmatchedStream(streamRow Row, emit emitFunc) error {
	switch j.joinType {
	case LeftOuterJoin, FullOuterJoin:
		return j.emitRow(makeJoinRow(streamRow, j.nullBuildRow), emit)
	}
	return nil
}

// emitUnmatchedBuildRows pads and emits every build row that never joined.
// Called once per task, after the stream side drains. Build rows whose key
// contains a NULL can never have matched and are included.
func (j *joiner) emitUnmatchedBuildRows(emit emitFunc) error {
	switch j.joinType {
	case RightOuterJoin, FullOuterJoin:
	default:
		return nil
	}
	for i, row := range j.table.rows {
		if j.matchedBuild[i] {
			continue
		}
		if err := j.emitRow(makeJoinRow(j.nullStreamRow, row), emit); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (j *joiner) markBuildMatched(idx int32) {
	if j.matchedBuild != nil {
		j.matchedBuild[idx] = true
	}
}

func (j *joiner) evalCond(joined Row) (bool, error) {
	if j.cond == nil {
		return true, nil
	}
	ok, err := j.cond(joined)
	if err != nil {
		return false, errors.Annotate(err, "join condition evaluation failed")
	}
	return ok, nil
}

func (j *joiner) emitRow(row Row, emit emitFunc) error {
	j.rowsEmitted.Inc()
	return emit(row)
}
