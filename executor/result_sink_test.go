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
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/heliosdb/helios/expression"
	"github.com/heliosdb/helios/types"
	"github.com/heliosdb/helios/util/rowbatch"
)

func intBatch(values ...int64) *rowbatch.RowBatch {
	batch := rowbatch.NewRowBatch(len(values))
	for _, v := range values {
		batch.AppendRow(rowbatch.Row{types.NewIntDatum(v)})
	}
	return batch
}

func collectedInts(rs *RowResultSet) []int64 {
	out := make([]int64, 0, rs.NumRows())
	for _, row := range rs.Rows() {
		out = append(out, row[0].GetInt64())
	}
	return out
}

func TestResultSinkHappyPath(t *testing.T) {
	state := NewRuntimeState("q1", 0)
	sink := NewBlockingResultSink(expression.Columns(0))

	sendErr := make(chan error, 1)
	go func() {
		err := sink.Send(state, intBatch(0, 1, 2, 3, 4))
		if err == nil {
			err = sink.FlushFinal(state)
		}
		sink.Close(state)
		sendErr <- err
	}()

	var eos bool
	first := &RowResultSet{}
	require.NoError(t, sink.GetNext(state, first, 3, &eos))
	require.Equal(t, []int64{0, 1, 2}, collectedInts(first))
	require.False(t, eos)

	second := &RowResultSet{}
	require.NoError(t, sink.GetNext(state, second, 10, &eos))
	require.Equal(t, []int64{3, 4}, collectedInts(second))
	for !eos {
		require.NoError(t, sink.GetNext(state, second, 10, &eos))
	}
	require.Equal(t, []int64{3, 4}, collectedInts(second))
	require.NoError(t, <-sendErr)
}

func TestResultSinkMultiBatchScanOrder(t *testing.T) {
	state := NewRuntimeState("q1", 0)
	sink := NewBlockingResultSink(expression.Columns(0))

	sendErr := make(chan error, 1)
	go func() {
		for _, batch := range []*rowbatch.RowBatch{
			intBatch(1, 2, 3, 4),
			intBatch(),
			intBatch(5),
			intBatch(6, 7, 8, 9, 10, 11, 12),
		} {
			if err := sink.Send(state, batch); err != nil {
				sendErr <- err
				return
			}
		}
		sendErr <- sink.FlushFinal(state)
	}()

	results := &RowResultSet{}
	var eos bool
	for !eos {
		require.NoError(t, sink.GetNext(state, results, 5, &eos))
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, collectedInts(results))
	require.True(t, eos)
	require.NoError(t, <-sendErr)
}

func TestResultSinkCancelMidProduce(t *testing.T) {
	state := NewRuntimeState("q1", 0)
	sink := NewBlockingResultSink(expression.Columns(0))

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- sink.Send(state, intBatch(0, 1, 2, 3, 4, 5, 6, 7, 8, 9))
	}()

	// Let the producer block on the rendezvous before cancelling.
	time.Sleep(20 * time.Millisecond)
	state.Cancel()
	sink.Cancel(state)

	err := <-sendErr
	require.True(t, errors.ErrorEqual(err, ErrQueryCancelled))

	results := &RowResultSet{}
	var eos bool
	err = sink.GetNext(state, results, 10, &eos)
	require.True(t, errors.ErrorEqual(err, ErrQueryCancelled))
	require.False(t, eos)
}

func TestResultSinkCloseBeforeFlush(t *testing.T) {
	state := NewRuntimeState("q1", 0)
	sink := NewBlockingResultSink(expression.Columns(0))

	// The fragment hit an error before sending all rows.
	execErr := errors.New("scan failed")
	state.SetQueryStatus(execErr)
	sink.Close(state)

	results := &RowResultSet{}
	var eos bool
	err := sink.GetNext(state, results, 10, &eos)
	require.True(t, errors.ErrorEqual(err, execErr))
	require.False(t, eos)
	require.Zero(t, results.NumRows())
}

func TestResultSinkRowsProducedLimit(t *testing.T) {
	state := NewRuntimeState("q1", 5)
	sink := NewBlockingResultSink(expression.Columns(0))

	err := sink.Send(state, intBatch(0, 1, 2, 3, 4, 5, 6, 7, 8, 9))
	require.True(t, errors.ErrorEqual(errors.Cause(err), ErrRowsProducedLimitExceeded))
}

func TestResultSinkZeroRowBatch(t *testing.T) {
	state := NewRuntimeState("q1", 0)
	sink := NewBlockingResultSink(expression.Columns(0))

	// A zero-row batch must not wake the consumer at all.
	require.NoError(t, sink.Send(state, intBatch()))

	done := make(chan struct{})
	go func() {
		require.NoError(t, sink.Send(state, intBatch(42)))
		require.NoError(t, sink.FlushFinal(state))
		close(done)
	}()

	results := &RowResultSet{}
	var eos bool
	for !eos {
		require.NoError(t, sink.GetNext(state, results, 10, &eos))
	}
	require.Equal(t, []int64{42}, collectedInts(results))
	<-done
}
