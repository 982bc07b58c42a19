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

// Package executor implements the execution core of a co-located hash join:
// the keyed hash table built from the build side, the probe algorithm
// driving stream rows through it, and the driver that decides between a
// task-private build and a shared build through the relation cache.
package executor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jeisc/snappydata/pkg/types"
)

// Row is one evaluated row, a slice of datums.
type Row []types.Datum

// makeJoinRow concatenates a stream-side row and a build-side row into one
// output row.
func makeJoinRow(lhs, rhs Row) Row {
	out := make(Row, 0, len(lhs)+len(rhs))
	out = append(out, lhs...)
	out = append(out, rhs...)
	return out
}

// RowSource produces rows one at a time. A nil row with a nil error means
// the source is exhausted.
type RowSource interface {
	Next(ctx context.Context) (Row, error)
	Close() error
}

// PartitionedSource is a build-side input: one RowSource per physical
// partition. A replicated table reports exactly one partition.
type PartitionedSource interface {
	NumPartitions() int
	Partition(i int) RowSource
}

// ProbeBatch is one batch of stream-side rows. When the stream join key is a
// single dictionary-encoded column, Dict holds the batch's value dictionary
// and DictCodes the per-row code into it; the probe then resolves each
// distinct code with one hash lookup for the whole batch. Rows always holds
// the full decoded rows.
type ProbeBatch struct {
	Rows      []Row
	Dict      []types.Datum
	DictCodes []int
}

// BatchSource produces probe batches. A nil batch with a nil error means the
// source is exhausted.
type BatchSource interface {
	NextBatch(ctx context.Context) (*ProbeBatch, error)
	Close() error
}

// sliceSource is a RowSource over an in-memory row slice.
type sliceSource struct {
	rows []Row
	pos  int
}

// NewSliceSource returns a RowSource over rows.
func NewSliceSource(rows []Row) RowSource {
	return &sliceSource{rows: rows}
}

func (s *sliceSource) Next(context.Context) (Row, error) {
	if s.pos >= len(s.rows) {
		return nil, nil
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}

func (s *sliceSource) Close() error { return nil }

type slicePartitionedSource struct {
	partitions [][]Row
}

// NewSlicePartitionedSource returns a PartitionedSource over per-partition
// row slices.
func NewSlicePartitionedSource(partitions [][]Row) PartitionedSource {
	return &slicePartitionedSource{partitions: partitions}
}

func (s *slicePartitionedSource) NumPartitions() int { return len(s.partitions) }

func (s *slicePartitionedSource) Partition(i int) RowSource {
	return NewSliceSource(s.partitions[i])
}

type sliceBatchSource struct {
	batches []*ProbeBatch
	pos     int
}

// NewSliceBatchSource returns a BatchSource over prepared batches.
func NewSliceBatchSource(batches []*ProbeBatch) BatchSource {
	return &sliceBatchSource{batches: batches}
}

// NewRowBatchSource returns a BatchSource yielding rows as one plain batch.
func NewRowBatchSource(rows []Row) BatchSource {
	return &sliceBatchSource{batches: []*ProbeBatch{{Rows: rows}}}
}

func (s *sliceBatchSource) NextBatch(context.Context) (*ProbeBatch, error) {
	if s.pos >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

func (s *sliceBatchSource) Close() error { return nil }

// TaskScope is the completion lifecycle of one task. Cleanup hooks register
// on it while the task runs; Complete runs them exactly once, newest first,
// whether the task succeeded or aborted.
type TaskScope struct {
	id uuid.UUID

	mu    sync.Mutex
	hooks []func()
	done  bool
}

// NewTaskScope creates a task scope with a fresh task id.
func NewTaskScope() *TaskScope {
	return &TaskScope{id: uuid.New()}
}

// ID returns the task id, used for log correlation.
func (s *TaskScope) ID() uuid.UUID { return s.id }

// OnCompletion registers a hook to run at task completion. Registering on a
// completed scope runs the hook immediately.
func (s *TaskScope) OnCompletion(f func()) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		f()
		return
	}
	s.hooks = append(s.hooks, f)
	s.mu.Unlock()
}

// Complete runs the registered hooks in reverse registration order. Only the
// first call has any effect.
func (s *TaskScope) Complete() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}
