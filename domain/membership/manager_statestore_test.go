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

	"github.com/heliosdb/helios/statestore"
)

// Two managers sharing one in-process statestore discover each other
// through their own topic advertisements.
func TestManagersConvergeOverLocalStatestore(t *testing.T) {
	store := statestore.NewLocal()

	startManager := func(id string, port int) *Manager {
		sub := store.RegisterSubscriber()
		mgr := NewManager(id, sub, time.Minute)
		local := testBackend(id, port, "g1")
		mgr.SetLocalBeDescFn(func() *BackendDescriptor { return local })
		require.NoError(t, mgr.Init())
		return mgr
	}

	mgrA := startManager("A", 21000)
	mgrB := startManager("B", 21001)

	for _, mgr := range []*Manager{mgrA, mgrB} {
		snapshot := mgr.GetSnapshot()
		require.Len(t, snapshot.CurrentBackends, 2)
		require.ElementsMatch(t, []string{"A", "B"}, groupExecutorIDs(snapshot, "g1"))
		require.True(t, snapshot.checkConsistency())
	}

	// A quiescing re-advertisement propagates to the peer.
	quiescing := testBackend("B", 21001, "g1")
	quiescing.IsQuiescing = true
	value, err := SerializeDescriptor(quiescing)
	require.NoError(t, err)
	store.Publish(statestore.TopicDelta{
		TopicName:    statestore.MembershipTopicName,
		IsDelta:      true,
		TopicEntries: []statestore.TopicItem{{Key: "B", Value: value}},
	})

	snapshot := mgrA.GetSnapshot()
	require.ElementsMatch(t, []string{"A"}, groupExecutorIDs(snapshot, "g1"))
	require.True(t, snapshot.CurrentBackends["B"].IsQuiescing)
}
