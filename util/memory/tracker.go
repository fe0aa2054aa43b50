// Copyright 2025 Helios Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"sync"
	"sync/atomic"

	"github.com/pingcap/errors"
)

// ErrMemLimitExceeded is returned when an allocation would push a tracker
// past its byte limit. Callers use it to fall back to spilling.
var ErrMemLimitExceeded = errors.New("memory limit exceeded")

// Tracker labels used across the executor.
const (
	LabelForRowBatchList = "rowbatch.List"
	LabelForHashTable    = "executor.HashTable"
	LabelForQuery        = "query"
)

// Tracker tracks the memory usage of one consumer. Trackers form a tree:
// consumption reported to a tracker is also reported to its ancestors, and
// a byte limit may be set at any level. Only Consume, CheckConsume and
// BytesConsumed are safe for concurrent use; tree surgery is not.
type Tracker struct {
	label         string
	bytesConsumed int64
	maxConsumed   int64
	bytesLimit    int64 // <= 0 means no limit

	mu struct {
		sync.Mutex
		parent   *Tracker
		children []*Tracker
	}
}

// NewTracker creates a tracker. bytesLimit <= 0 means no limit.
func NewTracker(label string, bytesLimit int64) *Tracker {
	return &Tracker{label: label, bytesLimit: bytesLimit}
}

// Label returns the label of the tracker.
func (t *Tracker) Label() string { return t.label }

// SetBytesLimit sets the byte limit. bytesLimit <= 0 means no limit.
func (t *Tracker) SetBytesLimit(bytesLimit int64) { t.bytesLimit = bytesLimit }

// GetBytesLimit returns the byte limit.
func (t *Tracker) GetBytesLimit() int64 { return t.bytesLimit }

// AttachTo attaches the tracker as a child of parent. The bytes already
// consumed move with it.
func (t *Tracker) AttachTo(parent *Tracker) {
	t.mu.Lock()
	old := t.mu.parent
	t.mu.Unlock()
	if old != nil {
		old.removeChild(t)
		old.Consume(-t.BytesConsumed())
	}
	parent.mu.Lock()
	parent.mu.children = append(parent.mu.children, t)
	parent.mu.Unlock()
	t.mu.Lock()
	t.mu.parent = parent
	t.mu.Unlock()
	parent.Consume(t.BytesConsumed())
}

// Detach detaches the tracker from its parent, returning the consumed
// bytes to the parent.
func (t *Tracker) Detach() {
	t.mu.Lock()
	parent := t.mu.parent
	t.mu.parent = nil
	t.mu.Unlock()
	if parent == nil {
		return
	}
	parent.removeChild(t)
	parent.Consume(-t.BytesConsumed())
}

func (t *Tracker) removeChild(child *Tracker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.mu.children {
		if c == child {
			t.mu.children = append(t.mu.children[:i], t.mu.children[i+1:]...)
			break
		}
	}
}

// Consume adds delta (possibly negative) to the tracker and all its
// ancestors.
func (t *Tracker) Consume(delta int64) {
	if delta == 0 {
		return
	}
	for tr := t; tr != nil; tr = tr.parent() {
		consumed := atomic.AddInt64(&tr.bytesConsumed, delta)
		for {
			maxNow := atomic.LoadInt64(&tr.maxConsumed)
			if consumed <= maxNow || atomic.CompareAndSwapInt64(&tr.maxConsumed, maxNow, consumed) {
				break
			}
		}
	}
}

// CheckConsume reports whether consuming delta more bytes would exceed the
// limit of the tracker or any of its ancestors. It does not consume.
func (t *Tracker) CheckConsume(delta int64) error {
	for tr := t; tr != nil; tr = tr.parent() {
		if tr.bytesLimit > 0 && atomic.LoadInt64(&tr.bytesConsumed)+delta > tr.bytesLimit {
			return errors.Annotatef(ErrMemLimitExceeded,
				"tracker %q limit %d bytes, consumed %d, requested %d",
				tr.label, tr.bytesLimit, atomic.LoadInt64(&tr.bytesConsumed), delta)
		}
	}
	return nil
}

// ReplaceBytesUsed sets the consumption to bytes, adjusting ancestors by
// the difference.
func (t *Tracker) ReplaceBytesUsed(bytes int64) {
	t.Consume(bytes - t.BytesConsumed())
}

// BytesConsumed returns the bytes consumed so far.
func (t *Tracker) BytesConsumed() int64 { return atomic.LoadInt64(&t.bytesConsumed) }

// MaxConsumed returns the high-water mark of consumption.
func (t *Tracker) MaxConsumed() int64 { return atomic.LoadInt64(&t.maxConsumed) }

func (t *Tracker) parent() *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.parent
}
