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

package rowbatch

import (
	"unsafe"

	"github.com/pingcap/errors"

	"github.com/heliosdb/helios/types"
	"github.com/heliosdb/helios/util/memory"
)

// RowPtr points to an individual row in a List. The zero value points to
// the first row of the first batch.
type RowPtr struct {
	ChkIdx uint32
	RowIdx uint32
}

// List holds many rows across multiple batches and addresses them by
// RowPtr. It backs hash tables that keep row handles instead of rows:
// build rows are appended once and materialized lazily on a hash match.
type List struct {
	batches  []*RowBatch
	length   int
	maxBatch int

	memTracker *memory.Tracker
}

// NewList creates a List whose batches hold up to maxBatchSize rows.
func NewList(maxBatchSize int, label string) *List {
	return &List{
		maxBatch:   maxBatchSize,
		memTracker: memory.NewTracker(label, -1),
	}
}

// GetMemTracker returns the memory tracker of this List.
func (l *List) GetMemTracker() *memory.Tracker { return l.memTracker }

// AppendRow appends a copy of row to the list and returns its RowPtr.
func (l *List) AppendRow(row Row) RowPtr {
	if len(l.batches) == 0 || l.batches[len(l.batches)-1].IsFull() {
		l.batches = append(l.batches, NewRowBatch(l.maxBatch))
		l.memTracker.Consume(int64(l.maxBatch) * int64(unsafe.Sizeof(Row{})))
	}
	chkIdx := len(l.batches) - 1
	chk := l.batches[chkIdx]
	rowIdx := chk.NumRows()
	clone := row.Clone()
	chk.AppendRow(clone)
	l.length++
	l.memTracker.Consume(rowMemUsage(clone))
	return RowPtr{ChkIdx: uint32(chkIdx), RowIdx: uint32(rowIdx)}
}

// GetRow returns the row the ptr points to.
func (l *List) GetRow(ptr RowPtr) (Row, error) {
	if int(ptr.ChkIdx) >= len(l.batches) {
		return nil, errors.Errorf("chunk index %d out of range %d", ptr.ChkIdx, len(l.batches))
	}
	chk := l.batches[ptr.ChkIdx]
	if int(ptr.RowIdx) >= chk.NumRows() {
		return nil, errors.Errorf("row index %d out of range %d in chunk %d", ptr.RowIdx, chk.NumRows(), ptr.ChkIdx)
	}
	return chk.GetRow(int(ptr.RowIdx)), nil
}

// NumRows returns the number of rows in the list.
func (l *List) NumRows() int { return l.length }

// NumBatches returns the number of batches in the list.
func (l *List) NumBatches() int { return len(l.batches) }

// Reset drops all rows and releases the tracked memory.
func (l *List) Reset() {
	l.batches = l.batches[:0]
	l.length = 0
	l.memTracker.ReplaceBytesUsed(0)
}

// Close detaches the list from its tracker tree.
func (l *List) Close() {
	l.memTracker.ReplaceBytesUsed(0)
	l.memTracker.Detach()
}

func rowMemUsage(r Row) int64 {
	size := int64(unsafe.Sizeof(r)) + int64(len(r))*int64(unsafe.Sizeof(types.Datum{}))
	for i := range r {
		size += int64(len(r[i].GetBytes()))
	}
	return size
}
