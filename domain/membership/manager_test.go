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
	"go.uber.org/atomic"

	"github.com/heliosdb/helios/statestore"
)

type fakeSubscriber struct {
	grace atomic.Bool
}

func (f *fakeSubscriber) AddTopic(string, bool, statestore.UpdateCallback) error { return nil }

func (f *fakeSubscriber) IsInPostRecoveryGracePeriod() bool { return f.grace.Load() }

func testBackend(id string, port int, groups ...string) *BackendDescriptor {
	groupDescs := make([]ExecutorGroupDesc, 0, len(groups))
	for _, g := range groups {
		groupDescs = append(groupDescs, ExecutorGroupDesc{Name: g, MinSize: 1})
	}
	return &BackendDescriptor{
		ID:             id,
		Address:        NetworkAddress{Hostname: "host-" + id, Port: port},
		IPAddress:      "10.0.0." + id,
		IsExecutor:     true,
		ExecutorGroups: groupDescs,
	}
}

func addItem(t *testing.T, be *BackendDescriptor) statestore.TopicItem {
	value, err := SerializeDescriptor(be)
	require.NoError(t, err)
	return statestore.TopicItem{Key: be.ID, Value: value}
}

func deltaMap(isDelta bool, items ...statestore.TopicItem) statestore.TopicDeltaMap {
	return statestore.TopicDeltaMap{
		statestore.MembershipTopicName: {
			TopicName:    statestore.MembershipTopicName,
			IsDelta:      isDelta,
			TopicEntries: items,
		},
	}
}

func groupExecutorIDs(snapshot *Snapshot, group string) []string {
	g := snapshot.GetGroup(group)
	if g == nil {
		return nil
	}
	ids := make([]string, 0, g.NumExecutors())
	for _, be := range g.GetAllExecutorDescriptors() {
		ids = append(ids, be.ID)
	}
	return ids
}

func TestManagerDeltaAddRemove(t *testing.T) {
	mgr := NewManager("local", &fakeSubscriber{}, time.Minute)
	require.Equal(t, int64(0), mgr.GetSnapshot().Version)

	a := testBackend("1", 21000, "g1")
	b := testBackend("2", 21000, "g1", "g2")
	var updates []statestore.TopicDelta
	mgr.UpdateMembership(deltaMap(true, addItem(t, a), addItem(t, b)), &updates)

	snapshot := mgr.GetSnapshot()
	require.Equal(t, int64(1), snapshot.Version)
	require.Len(t, snapshot.CurrentBackends, 2)
	require.ElementsMatch(t, []string{"1", "2"}, groupExecutorIDs(snapshot, "g1"))
	require.ElementsMatch(t, []string{"2"}, groupExecutorIDs(snapshot, "g2"))

	mgr.UpdateMembership(deltaMap(true, statestore.TopicItem{Key: "1", Deleted: true}), &updates)
	snapshot = mgr.GetSnapshot()
	require.Equal(t, int64(2), snapshot.Version)
	require.Len(t, snapshot.CurrentBackends, 1)
	require.Contains(t, snapshot.CurrentBackends, "2")
	require.ElementsMatch(t, []string{"2"}, groupExecutorIDs(snapshot, "g1"))
	require.ElementsMatch(t, []string{"2"}, groupExecutorIDs(snapshot, "g2"))
}

func TestManagerSnapshotImmutable(t *testing.T) {
	mgr := NewManager("local", &fakeSubscriber{}, time.Minute)
	var updates []statestore.TopicDelta
	mgr.UpdateMembership(deltaMap(true, addItem(t, testBackend("1", 21000, "g1"))), &updates)

	old := mgr.GetSnapshot()
	mgr.UpdateMembership(deltaMap(true, addItem(t, testBackend("2", 21000, "g1"))), &updates)

	// A long-running reader of the old snapshot sees no churn.
	require.Len(t, old.CurrentBackends, 1)
	require.ElementsMatch(t, []string{"1"}, groupExecutorIDs(old, "g1"))
	require.Len(t, mgr.GetSnapshot().CurrentBackends, 2)
	require.Greater(t, mgr.GetSnapshot().Version, old.Version)
}

func TestManagerIdempotentDelta(t *testing.T) {
	mgr := NewManager("local", &fakeSubscriber{}, time.Minute)
	var updates []statestore.TopicDelta
	delta := deltaMap(true, addItem(t, testBackend("1", 21000, "g1")), addItem(t, testBackend("2", 21000, "g1")))

	mgr.UpdateMembership(delta, &updates)
	first := mgr.GetSnapshot()

	mgr.UpdateMembership(delta, &updates)
	second := mgr.GetSnapshot()

	require.Equal(t, len(first.CurrentBackends), len(second.CurrentBackends))
	require.ElementsMatch(t, groupExecutorIDs(first, "g1"), groupExecutorIDs(second, "g1"))
	require.Greater(t, second.Version, first.Version)
}

func TestManagerEmptyDeltaSkipsCopy(t *testing.T) {
	mgr := NewManager("local", &fakeSubscriber{}, time.Minute)
	var updates []statestore.TopicDelta
	mgr.UpdateMembership(deltaMap(true, addItem(t, testBackend("1", 21000, "g1"))), &updates)

	before := mgr.GetSnapshot()
	mgr.UpdateMembership(deltaMap(true), &updates)
	require.Same(t, before, mgr.GetSnapshot())

	// Updates for other topics are ignored outright.
	mgr.UpdateMembership(statestore.TopicDeltaMap{"other-topic": {TopicName: "other-topic"}}, &updates)
	require.Same(t, before, mgr.GetSnapshot())
}

func TestManagerQuiescingLeavesGroups(t *testing.T) {
	mgr := NewManager("local", &fakeSubscriber{}, time.Minute)
	var updates []statestore.TopicDelta
	a := testBackend("1", 21000, "g1")
	b := testBackend("2", 21000, "g1")
	mgr.UpdateMembership(deltaMap(true, addItem(t, a), addItem(t, b)), &updates)

	quiescing := a.Clone()
	quiescing.IsQuiescing = true
	mgr.UpdateMembership(deltaMap(true, addItem(t, quiescing)), &updates)

	snapshot := mgr.GetSnapshot()
	// Still a member of the cluster, no longer schedulable.
	require.Len(t, snapshot.CurrentBackends, 2)
	require.True(t, snapshot.CurrentBackends["1"].IsQuiescing)
	require.ElementsMatch(t, []string{"2"}, groupExecutorIDs(snapshot, "g1"))
}

func TestManagerBlacklistExecutor(t *testing.T) {
	mgr := NewManager("local", &fakeSubscriber{}, time.Minute)
	var localServerCalls []int
	mgr.SetUpdateLocalServerFn(func(backends map[NetworkAddress]struct{}) {
		localServerCalls = append(localServerCalls, len(backends))
	})

	a := testBackend("1", 21000, "g1")
	b := testBackend("2", 21000, "g1")
	var updates []statestore.TopicDelta
	mgr.UpdateMembership(deltaMap(true, addItem(t, a), addItem(t, b)), &updates)

	mgr.BlacklistExecutor(a)
	snapshot := mgr.GetSnapshot()
	require.ElementsMatch(t, []string{"2"}, groupExecutorIDs(snapshot, "g1"))
	// The backend stays in the cluster view; only scheduling hides it.
	require.Len(t, snapshot.CurrentBackends, 2)
	require.True(t, snapshot.ExecutorBlacklist.IsBlacklisted(a))
	// Blacklisting alone must not fan out to the local server.
	require.Empty(t, localServerCalls)

	// Blacklisting a backend that is in no group is a no-op without a
	// snapshot copy.
	before := mgr.GetSnapshot()
	mgr.BlacklistExecutor(a)
	require.Same(t, before, mgr.GetSnapshot())

	// Statestore catch-up: deleting the backend clears the blacklist
	// entry and notifies the local server.
	mgr.UpdateMembership(deltaMap(true, statestore.TopicItem{Key: "1", Deleted: true}), &updates)
	snapshot = mgr.GetSnapshot()
	require.ElementsMatch(t, []string{"2"}, groupExecutorIDs(snapshot, "g1"))
	require.False(t, snapshot.ExecutorBlacklist.IsBlacklisted(a))
	require.Len(t, snapshot.CurrentBackends, 1)
	require.Equal(t, []int{1}, localServerCalls)
}

func TestManagerBlacklistMaintenance(t *testing.T) {
	const timeout = 5 * time.Millisecond
	mgr := NewManager("local", &fakeSubscriber{}, timeout)
	a := testBackend("1", 21000, "g1")
	var updates []statestore.TopicDelta
	mgr.UpdateMembership(deltaMap(true, addItem(t, a)), &updates)

	mgr.BlacklistExecutor(a)
	require.Empty(t, groupExecutorIDs(mgr.GetSnapshot(), "g1"))

	// After the timeout the next update pass puts the backend on
	// probation and returns it to its groups.
	time.Sleep(2 * timeout)
	mgr.UpdateMembership(deltaMap(true), &updates)
	snapshot := mgr.GetSnapshot()
	require.ElementsMatch(t, []string{"1"}, groupExecutorIDs(snapshot, "g1"))
	require.False(t, snapshot.ExecutorBlacklist.IsBlacklisted(a))
}

func TestManagerFullTransmitReplacesState(t *testing.T) {
	mgr := NewManager("local", &fakeSubscriber{}, time.Minute)
	var localServerCalls int
	mgr.SetUpdateLocalServerFn(func(map[NetworkAddress]struct{}) { localServerCalls++ })

	var updates []statestore.TopicDelta
	mgr.UpdateMembership(deltaMap(true, addItem(t, testBackend("1", 21000, "g1")), addItem(t, testBackend("2", 21000, "g1"))), &updates)
	versionBefore := mgr.GetSnapshot().Version

	// Full transmit only mentioning backend 2: backend 1 is gone.
	mgr.UpdateMembership(deltaMap(false, addItem(t, testBackend("2", 21000, "g1"))), &updates)
	snapshot := mgr.GetSnapshot()
	require.Greater(t, snapshot.Version, versionBefore)
	require.Len(t, snapshot.CurrentBackends, 1)
	require.ElementsMatch(t, []string{"2"}, groupExecutorIDs(snapshot, "g1"))
	require.Equal(t, 1, localServerCalls)
}

func TestManagerLocalBackendAdvertisement(t *testing.T) {
	mgr := NewManager("local", &fakeSubscriber{}, time.Minute)
	local := testBackend("local", 21050, "g1")
	mgr.SetLocalBeDescFn(func() *BackendDescriptor { return local })

	var updates []statestore.TopicDelta
	mgr.UpdateMembership(deltaMap(true), &updates)

	snapshot := mgr.GetSnapshot()
	require.Contains(t, snapshot.CurrentBackends, "local")
	require.ElementsMatch(t, []string{"local"}, groupExecutorIDs(snapshot, "g1"))
	require.NotNil(t, snapshot.LocalBeDesc)

	require.Len(t, updates, 1)
	require.True(t, updates[0].IsDelta)
	require.Len(t, updates[0].TopicEntries, 1)
	require.Equal(t, "local", updates[0].TopicEntries[0].Key)
	decoded, err := DeserializeDescriptor(updates[0].TopicEntries[0].Value)
	require.NoError(t, err)
	require.Equal(t, local.Address, decoded.Address)

	// The next empty delta finds nothing to do.
	updates = updates[:0]
	before := mgr.GetSnapshot()
	mgr.UpdateMembership(deltaMap(true), &updates)
	require.Same(t, before, mgr.GetSnapshot())
	require.Empty(t, updates)
}

func TestManagerFrontendUpdate(t *testing.T) {
	mgr := NewManager("local", &fakeSubscriber{}, time.Minute)
	var lastReq *UpdateFrontendRequest
	mgr.SetUpdateFrontendFn(func(req *UpdateFrontendRequest) error {
		lastReq = req
		return nil
	})

	coordOnly := testBackend("9", 21000)
	coordOnly.IsExecutor = false
	coordOnly.IsCoordinator = true

	var updates []statestore.TopicDelta
	mgr.UpdateMembership(deltaMap(true,
		addItem(t, testBackend("1", 21000, "g1")),
		addItem(t, testBackend("2", 21000, "g1")),
		addItem(t, coordOnly)), &updates)

	require.NotNil(t, lastReq)
	require.Equal(t, 2, lastReq.NumExecutors)
	require.Len(t, lastReq.Hostnames, 2)
	require.Len(t, lastReq.IPAddresses, 2)
}

func TestManagerRecoveringGracePeriod(t *testing.T) {
	sub := &fakeSubscriber{}
	mgr := NewManager("local", sub, time.Minute)
	var localServerCalls int
	mgr.SetUpdateLocalServerFn(func(map[NetworkAddress]struct{}) { localServerCalls++ })

	var updates []statestore.TopicDelta
	mgr.UpdateMembership(deltaMap(true, addItem(t, testBackend("1", 21000, "g1"))), &updates)
	published := mgr.GetSnapshot()

	// Updates arriving during the grace period are parked, not published.
	sub.grace.Store(true)
	mgr.UpdateMembership(deltaMap(true, addItem(t, testBackend("2", 21000, "g1"))), &updates)
	mgr.UpdateMembership(deltaMap(true, addItem(t, testBackend("3", 21000, "g1"))), &updates)
	require.Same(t, published, mgr.GetSnapshot())

	// Once the grace period ends, the parked snapshot is published and
	// the local server hears about it.
	sub.grace.Store(false)
	mgr.UpdateMembership(deltaMap(true), &updates)
	snapshot := mgr.GetSnapshot()
	require.Len(t, snapshot.CurrentBackends, 3)
	require.ElementsMatch(t, []string{"1", "2", "3"}, groupExecutorIDs(snapshot, "g1"))
	require.Greater(t, snapshot.Version, published.Version)
	require.Equal(t, 1, localServerCalls)
}

func TestManagerRejectsBadDescriptors(t *testing.T) {
	mgr := NewManager("local", &fakeSubscriber{}, time.Minute)
	var updates []statestore.TopicDelta

	noIP := testBackend("1", 21000, "g1")
	noIP.IPAddress = ""
	garbage := statestore.TopicItem{Key: "2", Value: []byte("{not json")}
	good := testBackend("3", 21000, "g1")

	// Bad entries are dropped; the update pass continues.
	mgr.UpdateMembership(deltaMap(true, addItem(t, noIP), garbage, addItem(t, good)), &updates)
	snapshot := mgr.GetSnapshot()
	require.Len(t, snapshot.CurrentBackends, 1)
	require.ElementsMatch(t, []string{"3"}, groupExecutorIDs(snapshot, "g1"))
}

func TestManagerVersionMonotonic(t *testing.T) {
	mgr := NewManager("local", &fakeSubscriber{}, time.Minute)
	var updates []statestore.TopicDelta
	last := mgr.GetSnapshot().Version
	steps := []statestore.TopicDeltaMap{
		deltaMap(true, addItem(t, testBackend("1", 21000, "g1"))),
		deltaMap(true, addItem(t, testBackend("2", 21000, "g1"))),
		deltaMap(false, addItem(t, testBackend("2", 21000, "g1"))),
		deltaMap(true, statestore.TopicItem{Key: "2", Deleted: true}),
	}
	for _, step := range steps {
		mgr.UpdateMembership(step, &updates)
		version := mgr.GetSnapshot().Version
		require.Greater(t, version, last)
		last = version
	}
}

func TestManagerConsistency(t *testing.T) {
	mgr := NewManager("local", &fakeSubscriber{}, time.Minute)
	var updates []statestore.TopicDelta
	mgr.UpdateMembership(deltaMap(true,
		addItem(t, testBackend("1", 21000, "g1")),
		addItem(t, testBackend("2", 21000, "g1", "g2"))), &updates)
	mgr.BlacklistExecutor(testBackend("1", 21000, "g1"))

	snapshot := mgr.GetSnapshot()
	require.True(t, snapshot.checkConsistency())
	for _, group := range snapshot.ExecutorGroups {
		for _, be := range group.GetAllExecutorDescriptors() {
			current, ok := snapshot.CurrentBackends[be.ID]
			require.True(t, ok)
			require.True(t, current.IsExecutor)
			require.False(t, current.IsQuiescing)
			require.False(t, snapshot.ExecutorBlacklist.IsBlacklisted(current))
		}
	}
}
