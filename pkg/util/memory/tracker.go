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

package memory

import (
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// ErrOOM is the cause of every memory-quota failure reported by a Tracker.
// Callers classify recoverable memory pressure with IsOOM.
var ErrOOM = errors.New("memory quota exceeded")

// IsOOM reports whether err was caused by a memory tracker quota breach.
func IsOOM(err error) bool {
	return err != nil && errors.Cause(err) == ErrOOM
}

// Tracker tracks the memory usage of one execution scope. Trackers form a
// tree: consumption reported to a tracker is also reported to its ancestors,
// so a session tracker sees the sum of its task trackers.
//
// Consume and BytesConsumed are safe for concurrent use; AttachTo/Detach are
// not and belong to the single goroutine that owns the scope.
type Tracker struct {
	mu struct {
		sync.Mutex
		children []*Tracker
	}

	label         string
	bytesLimit    int64 // <= 0 means no limit
	bytesConsumed atomic.Int64
	maxConsumed   atomic.Int64
	parent        *Tracker
}

// NewTracker creates a tracker. bytesLimit <= 0 means no limit.
func NewTracker(label string, bytesLimit int64) *Tracker {
	return &Tracker{label: label, bytesLimit: bytesLimit}
}

// Label returns the tracker's label.
func (t *Tracker) Label() string { return t.label }

// AttachTo attaches this tracker as a child of parent. Any bytes already
// consumed are transferred up so the parent's view stays consistent.
func (t *Tracker) AttachTo(parent *Tracker) {
	if t.parent != nil {
		t.Detach()
	}
	parent.mu.Lock()
	parent.mu.children = append(parent.mu.children, t)
	parent.mu.Unlock()
	t.parent = parent
	if consumed := t.bytesConsumed.Load(); consumed != 0 {
		// The transfer may push an ancestor over its limit; attachment
		// itself never fails, the next Consume will report it.
		parent.consume(consumed)
	}
}

// Detach removes this tracker from its parent, returning its consumed bytes
// to the parent's budget.
func (t *Tracker) Detach() {
	parent := t.parent
	if parent == nil {
		return
	}
	parent.mu.Lock()
	for i, child := range parent.mu.children {
		if child == t {
			parent.mu.children = append(parent.mu.children[:i], parent.mu.children[i+1:]...)
			break
		}
	}
	parent.mu.Unlock()
	t.parent = nil
	if consumed := t.bytesConsumed.Load(); consumed != 0 {
		parent.consume(-consumed)
	}
}

// consume adjusts the consumed bytes of this tracker and all its ancestors
// without a limit check.
func (t *Tracker) consume(bytes int64) {
	for tr := t; tr != nil; tr = tr.parent {
		consumed := tr.bytesConsumed.Add(bytes)
		for {
			maxNow := tr.maxConsumed.Load()
			if consumed <= maxNow || tr.maxConsumed.CompareAndSwap(maxNow, consumed) {
				break
			}
		}
	}
}

// Consume accounts bytes against this tracker and every ancestor. A negative
// value releases bytes. If any tracker on the path ends up over its limit the
// bytes stay accounted and an error caused by ErrOOM is returned; the caller
// decides whether to abort or shed load.
func (t *Tracker) Consume(bytes int64) error {
	var exceeded *Tracker
	for tr := t; tr != nil; tr = tr.parent {
		consumed := tr.bytesConsumed.Add(bytes)
		for {
			maxNow := tr.maxConsumed.Load()
			if consumed <= maxNow || tr.maxConsumed.CompareAndSwap(maxNow, consumed) {
				break
			}
		}
		if tr.bytesLimit > 0 && consumed > tr.bytesLimit && exceeded == nil {
			exceeded = tr
		}
	}
	if exceeded != nil {
		return errors.Annotatef(ErrOOM, "tracker %q limit %d bytes", exceeded.label, exceeded.bytesLimit)
	}
	return nil
}

// BytesConsumed returns the bytes currently consumed by this tracker tree.
func (t *Tracker) BytesConsumed() int64 { return t.bytesConsumed.Load() }

// MaxConsumed returns the high-water mark of consumed bytes.
func (t *Tracker) MaxConsumed() int64 { return t.maxConsumed.Load() }

// BytesLimit returns the configured limit, <= 0 meaning unlimited.
func (t *Tracker) BytesLimit() int64 { return t.bytesLimit }
