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
	"math/rand"
	"testing"

	"github.com/jeisc/snappydata/pkg/types"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// referenceJoin is the naive nested-loop oracle the probe is checked
// against: stream order crossed with build insertion order, null keys never
// matching, unmatched build rows appended at the end for right/full outer.
func referenceJoin(t *testing.T, joinType JoinType, buildRows, streamRows []Row, buildKey, streamKey []int, streamWidth, buildWidth int, cond ConditionFunc) []Row {
	matchedBuild := make([]bool, len(buildRows))
	var out []Row
	for _, sr := range streamRows {
		matched := false
		for bi, br := range buildRows {
			keyEq := true
			for i := range streamKey {
				eq, err := types.EqualJoinKey(sr[streamKey[i]], br[buildKey[i]])
				require.NoError(t, err)
				if !eq {
					keyEq = false
					break
				}
			}
			if !keyEq {
				continue
			}
			joined := makeJoinRow(sr, br)
			if cond != nil {
				ok, err := cond(joined)
				require.NoError(t, err)
				if !ok {
					continue
				}
			}
			matched = true
			matchedBuild[bi] = true
			out = append(out, joined)
		}
		if !matched && (joinType == LeftOuterJoin || joinType == FullOuterJoin) {
			out = append(out, makeJoinRow(sr, make(Row, buildWidth)))
		}
	}
	if joinType == RightOuterJoin || joinType == FullOuterJoin {
		for bi, br := range buildRows {
			if !matchedBuild[bi] {
				out = append(out, makeJoinRow(make(Row, streamWidth), br))
			}
		}
	}
	return out
}

func runJoin(t *testing.T, joinType JoinType, buildRows []Row, batches []*ProbeBatch, buildKey, streamKey []int, streamWidth, buildWidth int, cond ConditionFunc) []Row {
	table, err := buildHashTable(context.Background(), NewSliceSource(buildRows), buildKey, len(buildRows), nil)
	require.NoError(t, err)
	var counter atomic.Int64
	j := newJoiner(joinType, table, streamKey, streamWidth, buildWidth, cond, &counter)
	var out []Row
	emit := func(row Row) error {
		out = append(out, row)
		return nil
	}
	for _, batch := range batches {
		require.NoError(t, j.probeBatch(batch, emit))
	}
	require.NoError(t, j.emitUnmatchedBuildRows(emit))
	require.Equal(t, int64(len(out)), counter.Load())
	return out
}

func TestJoinerAgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	condition := func(joined Row) (bool, error) {
		// non-equi condition over (stream, build) columns: stream payload
		// differs from build payload
		return joined[1].GetInt64() != joined[3].GetInt64(), nil
	}
	joinTypes := []JoinType{InnerJoin, LeftOuterJoin, RightOuterJoin, FullOuterJoin}
	for round := 0; round < 20; round++ {
		buildRows := make([]Row, rng.Intn(60))
		for i := range buildRows {
			buildRows[i] = Row{types.NewIntDatum(int64(rng.Intn(8))), types.NewIntDatum(int64(rng.Intn(3)))}
		}
		streamRows := make([]Row, rng.Intn(60))
		for i := range streamRows {
			key := types.NewIntDatum(int64(rng.Intn(10)))
			if rng.Intn(10) == 0 {
				key = types.Datum{} // null join key
			}
			streamRows[i] = Row{key, types.NewIntDatum(int64(rng.Intn(3)))}
		}
		for _, joinType := range joinTypes {
			for _, cond := range []ConditionFunc{nil, condition} {
				want := referenceJoin(t, joinType, buildRows, streamRows, []int{0}, []int{0}, 2, 2, cond)
				got := runJoin(t, joinType, buildRows, []*ProbeBatch{{Rows: streamRows}}, []int{0}, []int{0}, 2, 2, cond)
				require.Equal(t, want, got, "round=%d joinType=%v cond=%v", round, joinType, cond != nil)
			}
		}
	}
}

func TestEndToEndExample(t *testing.T) {
	buildRows := []Row{kvRow(1, "a"), kvRow(2, "b"), kvRow(1, "c")}
	streamRows := []Row{{types.NewIntDatum(1)}, {types.NewIntDatum(3)}}

	table, err := buildHashTable(context.Background(), NewSliceSource(buildRows), []int{0}, len(buildRows), nil)
	require.NoError(t, err)
	require.False(t, table.KeyIsUnique())

	collect := func(joinType JoinType) []Row {
		var counter atomic.Int64
		j := newJoiner(joinType, table, []int{0}, 1, 2, nil, &counter)
		var out []Row
		emit := func(row Row) error { out = append(out, row); return nil }
		for _, sr := range streamRows {
			require.NoError(t, j.probeRow(sr, emit))
		}
		require.NoError(t, j.emitUnmatchedBuildRows(emit))
		return out
	}

	inner := collect(InnerJoin)
	require.Equal(t, []Row{
		{types.NewIntDatum(1), types.NewIntDatum(1), types.NewStringDatum("a")},
		{types.NewIntDatum(1), types.NewIntDatum(1), types.NewStringDatum("c")},
	}, inner)

	leftOuter := collect(LeftOuterJoin)
	require.Equal(t, []Row{
		{types.NewIntDatum(1), types.NewIntDatum(1), types.NewStringDatum("a")},
		{types.NewIntDatum(1), types.NewIntDatum(1), types.NewStringDatum("c")},
		{types.NewIntDatum(3), {}, {}},
	}, leftOuter)
}

func TestOuterJoinCompleteness(t *testing.T) {
	buildRows := []Row{kvRow(1, "a"), kvRow(2, "b"), nullKeyRow("n")}
	streamRows := []Row{{types.NewIntDatum(2), types.NewStringDatum("s1")}, {types.NewIntDatum(9), types.NewStringDatum("s2")}}

	got := runJoin(t, FullOuterJoin, buildRows, []*ProbeBatch{{Rows: streamRows}}, []int{0}, []int{0}, 2, 2, nil)
	require.Equal(t, []Row{
		// matched stream row
		{types.NewIntDatum(2), types.NewStringDatum("s1"), types.NewIntDatum(2), types.NewStringDatum("b")},
		// unmatched stream row, build side padded
		{types.NewIntDatum(9), types.NewStringDatum("s2"), {}, {}},
		// unmatched build rows, stream side padded; the null-keyed build row
		// can never match and must appear exactly once
		{{}, {}, types.NewIntDatum(1), types.NewStringDatum("a")},
		{{}, {}, {}, types.NewStringDatum("n")},
	}, got)
}

func TestConditionFiltersToUnmatched(t *testing.T) {
	// All key matches are rejected by the condition, so the stream row pads
	// as unmatched in a left outer join.
	buildRows := []Row{kvRow(1, "a")}
	streamRows := []Row{{types.NewIntDatum(1)}}
	never := func(Row) (bool, error) { return false, nil }
	got := runJoin(t, LeftOuterJoin, buildRows, []*ProbeBatch{{Rows: streamRows}}, []int{0}, []int{0}, 1, 2, never)
	require.Equal(t, []Row{{types.NewIntDatum(1), {}, {}}}, got)
}

func TestConditionEvaluationError(t *testing.T) {
	buildRows := []Row{kvRow(1, "a")}
	table, err := buildHashTable(context.Background(), NewSliceSource(buildRows), []int{0}, 1, nil)
	require.NoError(t, err)
	condErr := errors.New("bad expression")
	var counter atomic.Int64
	j := newJoiner(InnerJoin, table, []int{0}, 1, 2, func(Row) (bool, error) { return false, condErr }, &counter)
	err = j.probeRow(Row{types.NewIntDatum(1)}, func(Row) error { return nil })
	require.Error(t, err)
	require.Equal(t, condErr, errors.Cause(err))
}

func TestDictionaryFastPath(t *testing.T) {
	buildRows := []Row{kvRow(1, "a"), kvRow(2, "b"), kvRow(1, "c")}
	dict := []types.Datum{types.NewIntDatum(1), types.NewIntDatum(3), types.NewIntDatum(2)}
	codes := []int{0, 1, 0, 2, 0}
	streamRows := make([]Row, len(codes))
	for i, code := range codes {
		streamRows[i] = Row{dict[code]}
	}
	batchDict := []*ProbeBatch{{Rows: streamRows, Dict: dict, DictCodes: codes}}
	batchPlain := []*ProbeBatch{{Rows: streamRows}}

	for _, joinType := range []JoinType{InnerJoin, LeftOuterJoin, RightOuterJoin, FullOuterJoin} {
		want := runJoin(t, joinType, buildRows, batchPlain, []int{0}, []int{0}, 1, 2, nil)
		got := runJoin(t, joinType, buildRows, batchDict, []int{0}, []int{0}, 1, 2, nil)
		require.Equal(t, want, got, "joinType=%v", joinType)
	}
}

func TestDictionaryResolvesOncePerBatch(t *testing.T) {
	buildRows := []Row{kvRow(1, "a")}
	table, err := buildHashTable(context.Background(), NewSliceSource(buildRows), []int{0}, 1, nil)
	require.NoError(t, err)
	var counter atomic.Int64
	j := newJoiner(InnerJoin, table, []int{0}, 1, 2, nil, &counter)

	dict := []types.Datum{types.NewIntDatum(1), types.NewIntDatum(2)}
	codes := []int{0, 0, 1, 0}
	rows := make([]Row, len(codes))
	for i, code := range codes {
		rows[i] = Row{dict[code]}
	}
	batch := &ProbeBatch{Rows: rows, Dict: dict, DictCodes: codes}
	require.NoError(t, j.probeBatch(batch, func(Row) error { return nil }))
	require.Equal(t, []bool{true, true}, j.dictResolved)
	require.NotNil(t, j.dictEntries[0])
	require.Nil(t, j.dictEntries[1])

	// A new batch invalidates the side array.
	smaller := &ProbeBatch{Rows: rows[:1], Dict: dict[:1], DictCodes: codes[:1]}
	require.NoError(t, j.probeBatch(smaller, func(Row) error { return nil }))
	require.Len(t, j.dictResolved, 1)
}

func TestDictionaryCodeOutOfRange(t *testing.T) {
	buildRows := []Row{kvRow(1, "a")}
	table, err := buildHashTable(context.Background(), NewSliceSource(buildRows), []int{0}, 1, nil)
	require.NoError(t, err)
	var counter atomic.Int64
	j := newJoiner(InnerJoin, table, []int{0}, 1, 2, nil, &counter)
	batch := &ProbeBatch{
		Rows:      []Row{{types.NewIntDatum(1)}},
		Dict:      []types.Datum{types.NewIntDatum(1)},
		DictCodes: []int{5},
	}
	require.Error(t, j.probeBatch(batch, func(Row) error { return nil }))
}

func TestUniqueKeyFastPath(t *testing.T) {
	buildRows := []Row{kvRow(1, "a"), kvRow(2, "b")}
	streamRows := []Row{{types.NewIntDatum(2)}, {types.NewIntDatum(1)}}
	got := runJoin(t, InnerJoin, buildRows, []*ProbeBatch{{Rows: streamRows}}, []int{0}, []int{0}, 1, 2, nil)
	require.Equal(t, []Row{
		{types.NewIntDatum(2), types.NewIntDatum(2), types.NewStringDatum("b")},
		{types.NewIntDatum(1), types.NewIntDatum(1), types.NewStringDatum("a")},
	}, got)
}

func TestJoinTypeString(t *testing.T) {
	require.Equal(t, "inner join", InnerJoin.String())
	require.Equal(t, "left outer join", LeftOuterJoin.String())
	require.Equal(t, "right outer join", RightOuterJoin.String())
	require.Equal(t, "full outer join", FullOuterJoin.String())
	require.Equal(t, "unknown join", JoinType(99).String())
}
