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
	"fmt"
	"time"

	"github.com/jeisc/snappydata/pkg/config"
	"github.com/jeisc/snappydata/pkg/util/memory"
	"github.com/jeisc/snappydata/pkg/util/relcache"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ColumnID is the stable per-query identity of an output column.
type ColumnID uint64

// NewRelationCache builds the process-wide shared relation cache from
// config. Created once per process or session and torn down with
// InvalidateAll.
func NewRelationCache(cfg *config.Config) *relcache.Cache {
	rc := cfg.RelationCache
	return relcache.NewCache(rc.Capacity, rc.BuildRetryLimit, rc.MemoryQuota)
}

// JoinConfig describes one hash join operator.
type JoinConfig struct {
	JoinType      JoinType
	BuildKeyCols  []int
	StreamKeyCols []int
	BuildWidth    int
	StreamWidth   int
	// Condition is the optional non-equi condition, evaluated over the
	// concatenated (stream, build) row of every key match.
	Condition ConditionFunc
	// BuildEstCount sizes the hash table; it comes from actual build row
	// counts, so the table never resizes mid-build.
	BuildEstCount int
	// ReplicatedTableJoin enables sharing the built table through the
	// relation cache when the build side has exactly one partition.
	ReplicatedTableJoin bool
	// BuildColumnIDs and BuildSourceID form the cache fingerprint.
	BuildColumnIDs []uint64
	BuildSourceID  uint32
	// StreamOutputCols are the stream side's expected output columns, used
	// by the pass-through check.
	StreamOutputCols []ColumnID
}

// JoinStats reports one task's execution to the host engine.
type JoinStats struct {
	RowsEmitted   int64
	BuildBytes    int64
	BuildDuration time.Duration
	SharedBuild   bool
	BuildRows     int
	KeyIsUnique   bool
}

// HashJoinExec is the per-operator join driver. One exec serves all tasks of
// the operator; each task runs one partition through RunTask on its own
// goroutine. The relation cache is the only shared mutable state.
type HashJoinExec struct {
	cfg        JoinConfig
	buildSide  PartitionedSource
	cache      *relcache.Cache
	memTracker *memory.Tracker

	rowsEmitted atomic.Int64
}

// NewHashJoinExec creates a join driver. cache may be nil, forcing private
// builds; memTracker is the session tracker task trackers attach to and may
// be nil.
func NewHashJoinExec(cfg JoinConfig, buildSide PartitionedSource, cache *relcache.Cache, memTracker *memory.Tracker) *HashJoinExec {
	return &HashJoinExec{
		cfg:        cfg,
		buildSide:  buildSide,
		cache:      cache,
		memTracker: memTracker,
	}
}

// RowsEmitted returns the rows emitted by all completed probes so far.
func (e *HashJoinExec) RowsEmitted() int64 { return e.rowsEmitted.Load() }

// CanPassThrough reports whether a consumer reading candidate's columns can
// merge directly with this join's stream-side output: every expected stream
// output column must be present, by identity, among the candidate columns.
// An exec with no configured stream output columns never passes through.
func (e *HashJoinExec) CanPassThrough(candidate []ColumnID) bool {
	if len(e.cfg.StreamOutputCols) == 0 {
		return false
	}
	present := make(map[ColumnID]struct{}, len(candidate))
	for _, id := range candidate {
		present[id] = struct{}{}
	}
	for _, id := range e.cfg.StreamOutputCols {
		if _, ok := present[id]; !ok {
			return false
		}
	}
	return true
}

// RunTask executes one task: build (or fetch) the hash table for partition,
// then probe it with the task's stream rows, emitting joined rows in stream
// order crossed with build insertion order. Cleanup (private-table close or
// cache-reference release) is registered exactly once on scope; the caller
// completes the scope when the task ends, however it ends.
func (e *HashJoinExec) RunTask(ctx context.Context, partition int, stream BatchSource, scope *TaskScope, emit func(Row) error) (JoinStats, error) {
	start := time.Now()

	taskTracker := memory.NewTracker(fmt.Sprintf("join-task-%d", partition), -1)
	if e.memTracker != nil {
		taskTracker.AttachTo(e.memTracker)
		scope.OnCompletion(taskTracker.Detach)
	}

	table, shared, err := e.fetchOrBuildTable(ctx, partition, scope, taskTracker)
	if err != nil {
		return JoinStats{}, errors.Trace(err)
	}
	buildDur := time.Since(start)
	if shared {
		// A cache hit still registers the table size as this task's peak
		// usage: the task holds a live reference for its whole probe.
		if err := taskTracker.Consume(table.EstimatedSize()); err != nil {
			return JoinStats{}, errors.Trace(err)
		}
	}

	var taskRows atomic.Int64
	j := newJoiner(e.cfg.JoinType, table, e.cfg.StreamKeyCols, e.cfg.StreamWidth, e.cfg.BuildWidth, e.cfg.Condition, &taskRows)
	for {
		if err := ctx.Err(); err != nil {
			return JoinStats{}, errors.Trace(err)
		}
		batch, err := stream.NextBatch(ctx)
		if err != nil {
			return JoinStats{}, errors.Annotate(err, "hash join stream side failed")
		}
		if batch == nil {
			break
		}
		if err := j.probeBatch(batch, emit); err != nil {
			return JoinStats{}, errors.Trace(err)
		}
	}
	if err := j.emitUnmatchedBuildRows(emit); err != nil {
		return JoinStats{}, errors.Trace(err)
	}

	stats := JoinStats{
		RowsEmitted:   taskRows.Load(),
		BuildBytes:    table.EstimatedSize(),
		BuildDuration: buildDur,
		SharedBuild:   shared,
		BuildRows:     table.Len(),
		KeyIsUnique:   table.KeyIsUnique(),
	}
	e.rowsEmitted.Add(stats.RowsEmitted)
	log.Info("hash join task finished",
		zap.String("task", scope.ID().String()),
		zap.Int("partition", partition),
		zap.Stringer("type", e.cfg.JoinType),
		zap.Int64("rows", stats.RowsEmitted),
		zap.Int("buildRows", stats.BuildRows),
		zap.Int64("buildBytes", stats.BuildBytes),
		zap.Duration("buildTime", stats.BuildDuration),
		zap.Bool("shared", shared),
		zap.Bool("uniqueKey", stats.KeyIsUnique),
		zap.Int("maxProbeChain", table.maxChain))
	return stats, nil
}

// fetchOrBuildTable returns the task's hash table. A single-partition build
// side with replicated-table join enabled goes through the shared cache;
// everything else builds a table private to this task.
func (e *HashJoinExec) fetchOrBuildTable(ctx context.Context, partition int, scope *TaskScope, taskTracker *memory.Tracker) (*hashTable, bool, error) {
	if e.cache != nil && e.cfg.ReplicatedTableJoin && e.buildSide.NumPartitions() == 1 {
		fp := relcache.NewFingerprint(e.cfg.BuildColumnIDs, e.cfg.BuildSourceID)
		rel, err := e.cache.Get(fp, func() (relcache.Relation, error) {
			src := e.buildSide.Partition(0)
			defer func() {
				if closeErr := src.Close(); closeErr != nil {
					log.Warn("closing build source failed", zap.Error(closeErr))
				}
			}()
			// The cache accounts the table against its own tracker at
			// insertion, so the build itself runs untracked here.
			return buildHashTable(ctx, src, e.cfg.BuildKeyCols, e.cfg.BuildEstCount, nil)
		}, scope)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		table, ok := rel.(*hashTable)
		if !ok {
			return nil, false, errors.Errorf("relation cache returned unexpected type %T", rel)
		}
		return table, true, nil
	}

	src := e.buildSide.Partition(partition)
	table, err := buildHashTable(ctx, src, e.cfg.BuildKeyCols, e.cfg.BuildEstCount, taskTracker)
	if closeErr := src.Close(); closeErr != nil && err == nil {
		err = errors.Annotate(closeErr, "closing build source failed")
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	scope.OnCompletion(table.Close)
	return table, false, nil
}
