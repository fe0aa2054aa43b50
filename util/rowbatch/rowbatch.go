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
	"github.com/heliosdb/helios/types"
)

// Row is one row of datums. A Row handed out by a RowBatch or List aliases
// the underlying storage; callers must not retain it across a Reset.
type Row []types.Datum

// Clone returns a copy of the row. The datums are copied by value; the
// byte contents of string and bytes datums are shared with the original.
func (r Row) Clone() Row {
	c := make(Row, len(r))
	copy(c, r)
	return c
}

// RowBatch is a bounded vector of rows flowing through the executor.
type RowBatch struct {
	rows     []Row
	capacity int
}

// NewRowBatch creates an empty batch that holds at most capacity rows.
func NewRowBatch(capacity int) *RowBatch {
	return &RowBatch{
		rows:     make([]Row, 0, capacity),
		capacity: capacity,
	}
}

// AppendRow appends a row to the batch. The batch takes no ownership; the
// caller must not mutate the row afterwards.
func (b *RowBatch) AppendRow(row Row) {
	b.rows = append(b.rows, row)
}

// GetRow returns the idx-th row of the batch.
func (b *RowBatch) GetRow(idx int) Row { return b.rows[idx] }

// NumRows returns the number of rows in the batch.
func (b *RowBatch) NumRows() int { return len(b.rows) }

// Capacity returns the maximum number of rows the batch holds.
func (b *RowBatch) Capacity() int { return b.capacity }

// IsFull reports whether the batch reached its capacity.
func (b *RowBatch) IsFull() bool { return len(b.rows) >= b.capacity }

// Reset truncates the batch for reuse.
func (b *RowBatch) Reset() { b.rows = b.rows[:0] }
