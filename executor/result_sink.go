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

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/heliosdb/helios/expression"
	"github.com/heliosdb/helios/util/logutil"
	"github.com/heliosdb/helios/util/rowbatch"
)

// SenderState tracks how the producer side of a result sink finished.
type SenderState int

// Sender states. RowsPending is the initial state; FlushFinal moves to
// EOS, and Close before FlushFinal (the error path) moves to
// ClosedNotEOS.
const (
	SenderRowsPending SenderState = iota
	SenderEOS
	SenderClosedNotEOS
)

// ResultCollector is the consumer's buffer for one fetch. AddRows
// evaluates the output expressions over rows [start, start+numRows) of
// the batch and appends the results.
type ResultCollector interface {
	AddRows(evals []expression.Expression, batch *rowbatch.RowBatch, start, numRows int) error
}

// BlockingResultSink streams result rows from the single fragment
// execution thread to the single client fetch thread. The two sides
// rendezvous over one mutex and two condition variables: the consumer
// publishes its collector in results and waits, the producer fills it,
// sets results back to nil and wakes the consumer. A non-nil results is
// only ever written by one party at a time.
type BlockingResultSink struct {
	outputExprs []expression.Expression

	mu         sync.Mutex
	senderCV   *sync.Cond
	consumerCV *sync.Cond

	senderState SenderState
	// results is borrowed from the consumer; nil means no outstanding
	// fetch.
	results ResultCollector
	// numRowsRequested caps the rows the producer places into results on
	// its next pass; 0 means unbounded for this pass.
	numRowsRequested int
}

// NewBlockingResultSink creates a sink producing rows through the given
// output expressions.
func NewBlockingResultSink(outputExprs []expression.Expression) *BlockingResultSink {
	s := &BlockingResultSink{outputExprs: outputExprs}
	s.senderCV = sync.NewCond(&s.mu)
	s.consumerCV = sync.NewCond(&s.mu)
	return s
}

// Send delivers one batch to the consumer, blocking until every row has
// been handed over or the query is cancelled. The batch is borrowed for
// the duration of the call only.
func (s *BlockingResultSink) Send(state *RuntimeState, batch *rowbatch.RowBatch) error {
	// Skip empty batches entirely; waking the consumer with zero rows
	// would surface 0-row fetches to clients that may not cope with them.
	if batch.NumRows() == 0 {
		return nil
	}
	if err := state.UpdateAndCheckRowsProducedLimit(int64(batch.NumRows())); err != nil {
		return err
	}

	currentBatchRow := 0
	for currentBatchRow < batch.NumRows() {
		s.mu.Lock()
		// Wait until the consumer gives us a collector to fill, or the
		// query is cancelled.
		for s.results == nil && !state.IsCancelled() {
			s.senderCV.Wait()
		}
		if state.IsCancelled() {
			s.mu.Unlock()
			return errors.Trace(ErrQueryCancelled)
		}

		numToFetch := batch.NumRows() - currentBatchRow
		if s.numRowsRequested > 0 && numToFetch > s.numRowsRequested {
			numToFetch = s.numRowsRequested
		}
		if err := s.results.AddRows(s.outputExprs, batch, currentBatchRow, numToFetch); err != nil {
			s.mu.Unlock()
			return errors.Trace(err)
		}
		currentBatchRow += numToFetch
		// Hand the collector back and wake the consumer.
		s.results = nil
		s.consumerCV.Broadcast()
		s.mu.Unlock()
	}
	return nil
}

// FlushFinal marks the end of the row stream. All rows have been sent, so
// the consumer is woken to observe eos.
func (s *BlockingResultSink) FlushFinal(_ *RuntimeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senderState = SenderEOS
	s.consumerCV.Broadcast()
	return nil
}

// Close tears the sink down. When the fragment hits an error before
// sending all rows, FlushFinal was never called and the sink closes
// without EOS; the consumer observes eos == false together with the
// query status.
func (s *BlockingResultSink) Close(_ *RuntimeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.senderState == SenderRowsPending {
		s.senderState = SenderClosedNotEOS
	}
	s.consumerCV.Broadcast()
}

// Cancel wakes both sides so they observe the cancellation flag. The
// sink state itself is untouched.
func (s *BlockingResultSink) Cancel(state *RuntimeState) {
	if !state.IsCancelled() {
		logutil.BgLogger().Error("result sink cancelled but query state is not cancelled",
			zap.String("query-id", state.QueryID()))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senderCV.Broadcast()
	s.consumerCV.Broadcast()
}

// GetNext hands the producer a collector for up to numResults rows
// (0 = unbounded) and blocks until it has been filled, the stream ended,
// or the query was cancelled. eos reports whether all rows have been
// consumed.
func (s *BlockingResultSink) GetNext(state *RuntimeState, results ResultCollector, numResults int, eos *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = results
	s.numRowsRequested = numResults
	s.senderCV.Broadcast()

	// Wait while the sender is still producing rows and has not filled
	// the current collector.
	for s.senderState == SenderRowsPending && s.results != nil && !state.IsCancelled() {
		s.consumerCV.Wait()
	}

	*eos = s.senderState == SenderEOS
	return state.QueryStatus()
}

// RowResultSet is a ResultCollector materializing fetched rows in memory.
type RowResultSet struct {
	rows []rowbatch.Row
}

// AddRows implements ResultCollector.
func (r *RowResultSet) AddRows(evals []expression.Expression, batch *rowbatch.RowBatch, start, numRows int) error {
	for i := start; i < start+numRows; i++ {
		row := batch.GetRow(i)
		out := make(rowbatch.Row, len(evals))
		for j, eval := range evals {
			d, err := eval.Eval(row)
			if err != nil {
				return errors.Trace(err)
			}
			out[j] = d
		}
		r.rows = append(r.rows, out)
	}
	return nil
}

// Rows returns the rows collected so far.
func (r *RowResultSet) Rows() []rowbatch.Row { return r.rows }

// NumRows returns the number of rows collected so far.
func (r *RowResultSet) NumRows() int { return len(r.rows) }
