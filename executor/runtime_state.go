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

package executor

import (
	"sync"
	"sync/atomic"

	"github.com/pingcap/errors"
	uatomic "go.uber.org/atomic"
)

// Errors surfaced by the executor.
var (
	ErrQueryCancelled            = errors.New("query cancelled")
	ErrRowsProducedLimitExceeded = errors.New("rows produced limit exceeded")
)

// RuntimeState carries the per-query runtime shared by the fragment
// executor and the client-facing service threads: the cancellation flag,
// the query status, and the rows-produced limit.
type RuntimeState struct {
	queryID string

	cancelled uatomic.Bool

	mu          sync.Mutex
	queryStatus error

	// rowsProducedLimit <= 0 means no limit.
	rowsProducedLimit int64
	numRowsProduced   int64
}

// NewRuntimeState creates the runtime state for one query.
func NewRuntimeState(queryID string, rowsProducedLimit int64) *RuntimeState {
	return &RuntimeState{queryID: queryID, rowsProducedLimit: rowsProducedLimit}
}

// QueryID returns the id of the query.
func (s *RuntimeState) QueryID() string { return s.queryID }

// Cancel marks the query cancelled. The first status set wins; later
// errors are dropped.
func (s *RuntimeState) Cancel() {
	s.SetQueryStatus(errors.Trace(ErrQueryCancelled))
	s.cancelled.Store(true)
}

// IsCancelled reports whether the query has been cancelled.
func (s *RuntimeState) IsCancelled() bool { return s.cancelled.Load() }

// SetQueryStatus records the query's failure status. Only the first
// non-nil status is kept.
func (s *RuntimeState) SetQueryStatus(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryStatus == nil {
		s.queryStatus = err
	}
}

// QueryStatus returns the recorded failure status, or nil.
func (s *RuntimeState) QueryStatus() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryStatus
}

// UpdateAndCheckRowsProducedLimit adds numRows to the produced-row count
// and fails once the limit is crossed.
func (s *RuntimeState) UpdateAndCheckRowsProducedLimit(numRows int64) error {
	produced := atomic.AddInt64(&s.numRowsProduced, numRows)
	if s.rowsProducedLimit > 0 && produced > s.rowsProducedLimit {
		return errors.Annotatef(ErrRowsProducedLimitExceeded,
			"query %s produced %d rows, limit %d", s.queryID, produced, s.rowsProducedLimit)
	}
	return nil
}
