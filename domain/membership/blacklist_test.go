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

package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBlacklistStateMachine(t *testing.T) {
	const timeout = 10 * time.Second
	now := time.Unix(1000, 0)
	bl := NewExecutorBlacklist(timeout)
	bl.SetNowFn(func() time.Time { return now })

	be := testBackend("1", 21000, "g1")
	require.False(t, bl.IsBlacklisted(be))
	require.Equal(t, NotBlacklisted, bl.FindAndRemove(be))

	bl.Blacklist(be)
	require.True(t, bl.IsBlacklisted(be))
	require.Equal(t, 1, bl.NumBlacklisted())
	require.False(t, bl.NeedsMaintenance())

	// Timeout passes: maintenance moves the entry to probation and hands
	// the descriptor back for group re-insertion.
	now = now.Add(timeout)
	require.True(t, bl.NeedsMaintenance())
	var probation []BackendDescriptor
	bl.Maintenance(&probation)
	require.Len(t, probation, 1)
	require.Equal(t, "1", probation[0].ID)
	require.False(t, bl.IsBlacklisted(be))
	require.Zero(t, bl.NumBlacklisted())

	// The probation entry remembers the prior state for FindAndRemove.
	require.Equal(t, OnProbation, bl.FindAndRemove(be))
	require.Equal(t, NotBlacklisted, bl.FindAndRemove(be))
}

func TestBlacklistProbationExpires(t *testing.T) {
	const timeout = 10 * time.Second
	now := time.Unix(1000, 0)
	bl := NewExecutorBlacklist(timeout)
	bl.SetNowFn(func() time.Time { return now })

	be := testBackend("1", 21000, "g1")
	bl.Blacklist(be)

	now = now.Add(timeout)
	var probation []BackendDescriptor
	bl.Maintenance(&probation)
	require.Len(t, probation, 1)

	// The probation window is longer than the blacklist timeout.
	now = now.Add(timeout)
	require.False(t, bl.NeedsMaintenance())

	now = now.Add(probationTimeoutMultiplier * timeout)
	require.True(t, bl.NeedsMaintenance())
	probation = probation[:0]
	bl.Maintenance(&probation)
	require.Empty(t, probation)
	require.Equal(t, NotBlacklisted, bl.FindAndRemove(be))
}

func TestBlacklistReblacklistDuringProbation(t *testing.T) {
	const timeout = 10 * time.Second
	now := time.Unix(1000, 0)
	bl := NewExecutorBlacklist(timeout)
	bl.SetNowFn(func() time.Time { return now })

	be := testBackend("1", 21000, "g1")
	bl.Blacklist(be)
	now = now.Add(timeout)
	var probation []BackendDescriptor
	bl.Maintenance(&probation)

	bl.Blacklist(be)
	require.True(t, bl.IsBlacklisted(be))
	require.False(t, bl.NeedsMaintenance())
}

func TestBlacklistClone(t *testing.T) {
	bl := NewExecutorBlacklist(time.Minute)
	be := testBackend("1", 21000, "g1")
	bl.Blacklist(be)

	clone := bl.Clone()
	require.Equal(t, Blacklisted, clone.FindAndRemove(be))
	// The original is untouched by mutations of the clone.
	require.True(t, bl.IsBlacklisted(be))
}
