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
	"sync"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/heliosdb/helios/metrics"
	"github.com/heliosdb/helios/statestore"
	"github.com/heliosdb/helios/util/logutil"
)

// BackendDescriptorFn supplies the descriptor of the local backend; nil
// means the local backend has not started yet.
type BackendDescriptorFn func() *BackendDescriptor

// UpdateLocalServerFn receives the full set of currently known backend
// addresses after a snapshot change that could have removed backends. The
// local server uses it to cancel queries that targeted removed backends.
type UpdateLocalServerFn func(currentBackends map[NetworkAddress]struct{})

// UpdateFrontendRequest summarizes the executors for the planner.
type UpdateFrontendRequest struct {
	Hostnames    map[string]struct{}
	IPAddresses  map[string]struct{}
	NumExecutors int
}

// UpdateFrontendFn notifies the planner frontend of a membership change.
// Errors are non-fatal and only logged.
type UpdateFrontendFn func(req *UpdateFrontendRequest) error

// Manager maintains a consistent view of the cluster's backends and
// executor groups from statestore topic updates and publishes it as
// immutable snapshots.
//
// Lock order: updateMembershipLock, then callbackFnLock, then
// currentMembershipLock. Writers (UpdateMembership, BlacklistExecutor)
// serialize on updateMembershipLock; currentMembershipLock is only held
// to swap the snapshot pointer.
type Manager struct {
	localBackendID   string
	subscriber       statestore.Subscriber
	blacklistTimeout time.Duration

	// updateMembershipLock serializes all membership writers.
	updateMembershipLock sync.Mutex

	// callbackFnLock guards installation and invocation of the callbacks
	// below.
	callbackFnLock      sync.Mutex
	localBeDescFn       BackendDescriptorFn
	updateLocalServerFn UpdateLocalServerFn
	updateFrontendFn    UpdateFrontendFn

	// currentMembershipLock guards the snapshot pointer swap only.
	currentMembershipLock sync.Mutex
	currentMembership     *Snapshot

	// recoveringMembership collects updates while the statestore
	// subscriber is in its post-recovery grace period. It is never exposed
	// to readers and is published as currentMembership once the grace
	// period ends.
	recoveringMembership *Snapshot
}

// NewManager creates a membership manager for the backend with the given
// id. The subscriber may be nil in tests that drive UpdateMembership
// directly.
func NewManager(localBackendID string, subscriber statestore.Subscriber, blacklistTimeout time.Duration) *Manager {
	return &Manager{
		localBackendID:    localBackendID,
		subscriber:        subscriber,
		blacklistTimeout:  blacklistTimeout,
		currentMembership: newSnapshot(blacklistTimeout),
	}
}

// Init registers the membership topic callback with the statestore
// subscriber.
func (m *Manager) Init() error {
	logutil.BgLogger().Info("starting cluster membership manager",
		zap.String("backend-id", m.localBackendID))
	if m.subscriber == nil {
		return nil
	}
	err := m.subscriber.AddTopic(statestore.MembershipTopicName, true, m.UpdateMembership)
	if err != nil {
		return errors.Annotate(err, "failed to register membership topic")
	}
	return nil
}

// SetLocalBeDescFn installs the local descriptor provider. Must be called
// exactly once, before updates flow.
func (m *Manager) SetLocalBeDescFn(fn BackendDescriptorFn) {
	m.callbackFnLock.Lock()
	defer m.callbackFnLock.Unlock()
	if fn == nil || m.localBeDescFn != nil {
		panic("local backend descriptor callback must be set exactly once")
	}
	m.localBeDescFn = fn
}

// SetUpdateLocalServerFn installs the local server callback. Must be
// called exactly once, before updates flow.
func (m *Manager) SetUpdateLocalServerFn(fn UpdateLocalServerFn) {
	m.callbackFnLock.Lock()
	defer m.callbackFnLock.Unlock()
	if fn == nil || m.updateLocalServerFn != nil {
		panic("local server callback must be set exactly once")
	}
	m.updateLocalServerFn = fn
}

// SetUpdateFrontendFn installs the frontend callback. Must be called
// exactly once, before updates flow.
func (m *Manager) SetUpdateFrontendFn(fn UpdateFrontendFn) {
	m.callbackFnLock.Lock()
	defer m.callbackFnLock.Unlock()
	if fn == nil || m.updateFrontendFn != nil {
		panic("frontend callback must be set exactly once")
	}
	m.updateFrontendFn = fn
}

// GetSnapshot returns the current membership snapshot. The snapshot is
// immutable and may be read lock-free for arbitrary duration.
func (m *Manager) GetSnapshot() *Snapshot {
	m.currentMembershipLock.Lock()
	defer m.currentMembershipLock.Unlock()
	return m.currentMembership
}

// UpdateMembership is the statestore topic callback. It applies the
// pending deltas of the membership topic to a copy of the current
// snapshot and publishes the copy.
func (m *Manager) UpdateMembership(deltas statestore.TopicDeltaMap, updates *[]statestore.TopicDelta) {
	m.updateMembershipLock.Lock()
	defer m.updateMembershipLock.Unlock()

	// Ignore spurious messages for other topics.
	update, ok := deltas[statestore.MembershipTopicName]
	if !ok {
		return
	}

	// An empty delta carries no statestore changes.
	noStatestoreUpdate := update.IsDelta && len(update.TopicEntries) == 0

	baseSnapshot := m.recoveringMembership
	if baseSnapshot == nil {
		baseSnapshot = m.currentMembership
	}
	localBeDesc := m.getLocalBackendDescriptor()
	needsLocalBeUpdate := m.needsLocalBackendUpdate(baseSnapshot, localBeDesc)

	// The statestore counts as recovering until its post-recovery grace
	// period has elapsed.
	ssIsRecovering := m.subscriber != nil && m.subscriber.IsInPostRecoveryGracePeriod()

	// If we tracked a recovering membership and the statestore is out of
	// recovery, the local server needs to hear about the final state.
	updateLocalServer := m.recoveringMembership != nil && !ssIsRecovering

	needsBlacklistMaintenance := baseSnapshot.ExecutorBlacklist.NeedsMaintenance()

	// Nothing to do; skip the snapshot copy altogether.
	if noStatestoreUpdate && !needsLocalBeUpdate && !updateLocalServer && !needsBlacklistMaintenance {
		return
	}

	var newState *Snapshot
	if !update.IsDelta {
		logutil.BgLogger().Debug("received full membership update")
		// Full topic transmit, start from fresh state. A full update could
		// remove backends, so the local server needs an update.
		newState = newSnapshot(m.blacklistTimeout)
		newState.Version = baseSnapshot.Version
		updateLocalServer = true
	} else {
		logutil.BgLogger().Debug("received delta membership update")
		if m.recoveringMembership != nil {
			// The recovering membership is never exposed to readers, so it
			// can be mutated in place.
			newState = m.recoveringMembership
		} else {
			newState = m.currentMembership.clone()
		}
	}
	if localBeDesc != nil {
		newState.LocalBeDesc = localBeDesc
	}
	newState.Version++

	updateLocalServer = m.applyTopicEntries(update, newState, localBeDesc) || updateLocalServer

	if needsBlacklistMaintenance {
		// Backends leaving the blacklist go on probation and return to
		// their groups.
		var probationList []BackendDescriptor
		newState.ExecutorBlacklist.Maintenance(&probationList)
		for i := range probationList {
			be := &probationList[i]
			for _, group := range be.ExecutorGroups {
				logutil.BgLogger().Debug("adding backend back to group after blacklist timeout",
					zap.Stringer("address", be.Address), zap.String("group", group.Name))
				findOrInsertExecutorGroup(newState.ExecutorGroups, group).AddExecutor(be)
			}
		}
		assertConsistent(newState)
	}

	// Re-check against the new state: it may have been reset to empty by a
	// full transmit above.
	if m.needsLocalBackendUpdate(newState, localBeDesc) {
		newState.CurrentBackends[m.localBackendID] = localBeDesc.Clone()
		for _, group := range localBeDesc.ExecutorGroups {
			if localBeDesc.IsQuiescing {
				findOrInsertExecutorGroup(newState.ExecutorGroups, group).RemoveExecutor(localBeDesc)
			} else if localBeDesc.IsExecutor {
				findOrInsertExecutorGroup(newState.ExecutorGroups, group).AddExecutor(localBeDesc)
			}
		}
		m.addLocalBackendToStatestore(localBeDesc, updates)
		assertConsistent(newState)
	}

	updateMetrics(newState)

	// Don't publish snapshots built during the post-recovery grace
	// period; park them until the subscriber has settled.
	if ssIsRecovering {
		m.recoveringMembership = newState
		return
	}

	if updateLocalServer {
		m.notifyLocalServerForDeletedBackend(newState)
	}
	m.updateFrontendExecutorMembership(newState)

	m.setState(newState)
	m.recoveringMembership = nil
}

// applyTopicEntries folds the topic items into newState and reports
// whether a backend was removed.
func (m *Manager) applyTopicEntries(update *statestore.TopicDelta, newState *Snapshot, localBeDesc *BackendDescriptor) bool {
	removedBackend := false
	for _, item := range update.TopicEntries {
		if item.Deleted {
			if be, ok := newState.CurrentBackends[item.Key]; ok {
				blacklisted := newState.ExecutorBlacklist.FindAndRemove(be) == Blacklisted
				// A quiescing or blacklisted backend has already left its
				// groups.
				if be.IsExecutor && !be.IsQuiescing && !blacklisted {
					for _, group := range be.ExecutorGroups {
						logutil.BgLogger().Debug("removing deleted backend from group",
							zap.String("backend-id", item.Key), zap.String("group", group.Name))
						findOrInsertExecutorGroup(newState.ExecutorGroups, group).RemoveExecutor(be)
					}
				}
				delete(newState.CurrentBackends, item.Key)
				removedBackend = true
			}
			assertConsistent(newState)
			continue
		}

		beDesc, err := DeserializeDescriptor(item.Value)
		if err != nil {
			logutil.BgLogger().Warn("error deserializing membership topic item",
				zap.String("key", item.Key), zap.Error(err))
			continue
		}
		if beDesc.IPAddress == "" {
			// Each backend resolves its own IP and sends it in the
			// descriptor; an empty one means a malformed or foreign packet.
			logutil.BgLogger().Warn("ignoring backend descriptor with empty IP address",
				zap.Stringer("address", beDesc.Address))
			continue
		}
		if item.Key == m.localBackendID {
			// The local backend is always applied from the locally supplied
			// descriptor below, never from the statestore.
			if localBeDesc == nil {
				logutil.BgLogger().Warn("another host registered itself with the local backend id, "+
					"but the local backend has not started yet",
					zap.String("backend-id", item.Key), zap.Stringer("offending-address", beDesc.Address))
			} else if beDesc.Address != localBeDesc.Address {
				// Someone else registered our subscriber id with a different
				// address. We will overwrite their subscription, but there is
				// likely a configuration problem.
				logutil.BgLogger().Warn("duplicate subscriber registration",
					zap.String("backend-id", item.Key),
					zap.Stringer("offending-address", beDesc.Address),
					zap.Stringer("local-address", localBeDesc.Address))
			}
			continue
		}

		if existing, ok := newState.CurrentBackends[item.Key]; ok {
			blacklisted := newState.ExecutorBlacklist.FindAndRemove(beDesc) == Blacklisted
			if beDesc.IsQuiescing && !existing.IsQuiescing && existing.IsExecutor && !blacklisted {
				// Quiescing edge: the executor leaves its groups.
				for _, group := range beDesc.ExecutorGroups {
					logutil.BgLogger().Debug("removing quiescing backend from group",
						zap.String("backend-id", item.Key), zap.String("group", group.Name))
					findOrInsertExecutorGroup(newState.ExecutorGroups, group).RemoveExecutor(beDesc)
				}
			}
			newState.CurrentBackends[item.Key] = beDesc
		} else {
			newState.CurrentBackends[item.Key] = beDesc
			if !beDesc.IsQuiescing && beDesc.IsExecutor {
				for _, group := range beDesc.ExecutorGroups {
					logutil.BgLogger().Debug("adding backend to group",
						zap.String("backend-id", item.Key), zap.String("group", group.Name))
					findOrInsertExecutorGroup(newState.ExecutorGroups, group).AddExecutor(beDesc)
				}
			}
		}
		assertConsistent(newState)
	}
	return removedBackend
}

// BlacklistExecutor hides an executor from scheduling after a coordinator
// saw an error on it. It does not notify the local server (the backend is
// still in CurrentBackends and may be running queries successfully) nor
// the frontend (the planner's executor view is advisory; the scheduler
// consults the blacklist itself).
func (m *Manager) BlacklistExecutor(be *BackendDescriptor) {
	if m.blacklistTimeout <= 0 {
		return
	}
	m.updateMembershipLock.Lock()
	defer m.updateMembershipLock.Unlock()

	// Never blacklist the local backend. Root fragments scheduled on the
	// coordinator host would always fail afterwards.
	localDesc := m.currentMembership.LocalBeDesc
	if localDesc != nil && be.IPAddress == localDesc.IPAddress && be.Address.Port == localDesc.Address.Port {
		return
	}

	recovering := m.recoveringMembership != nil
	baseSnapshot := m.recoveringMembership
	if baseSnapshot == nil {
		baseSnapshot = m.currentMembership
	}

	// Check the base snapshot before copying: the backend may already be
	// gone from its groups, e.g. removed by a statestore update or
	// quiescing.
	exists := false
	for _, group := range be.ExecutorGroups {
		if g, ok := baseSnapshot.ExecutorGroups[group.Name]; ok && g.LookUpBackendDesc(be.Address) != nil {
			exists = true
			break
		}
	}
	if !exists {
		return
	}

	newState := baseSnapshot
	if !recovering {
		newState = m.currentMembership.clone()
	}
	newState.Version++
	for _, group := range be.ExecutorGroups {
		logutil.BgLogger().Info("removing blacklisted backend from group",
			zap.Stringer("address", be.Address), zap.String("group", group.Name))
		findOrInsertExecutorGroup(newState.ExecutorGroups, group).RemoveExecutor(be)
	}
	newState.ExecutorBlacklist.Blacklist(be)
	assertConsistent(newState)

	// The recovering membership is published once the statestore leaves
	// its grace period.
	if recovering {
		return
	}
	m.setState(newState)
}

// addLocalBackendToStatestore appends a topic update advertising the local
// descriptor. A serialization failure indicates a programmer error
// building the local descriptor and is fatal.
func (m *Manager) addLocalBackendToStatestore(localBeDesc *BackendDescriptor, updates *[]statestore.TopicDelta) {
	logutil.BgLogger().Debug("sending local backend to statestore")
	value, err := SerializeDescriptor(localBeDesc)
	if err != nil {
		logutil.BgLogger().Fatal("failed to serialize local backend descriptor for statestore topic",
			zap.Error(err))
		return
	}
	*updates = append(*updates, statestore.TopicDelta{
		TopicName: statestore.MembershipTopicName,
		// Keeping the flag set allows handing the resulting update to
		// other Manager instances unmodified in tests.
		IsDelta: true,
		TopicEntries: []statestore.TopicItem{
			{Key: m.localBackendID, Value: value},
		},
	})
}

func (m *Manager) getLocalBackendDescriptor() *BackendDescriptor {
	m.callbackFnLock.Lock()
	defer m.callbackFnLock.Unlock()
	if m.localBeDescFn == nil {
		return nil
	}
	return m.localBeDescFn()
}

func (m *Manager) notifyLocalServerForDeletedBackend(snapshot *Snapshot) {
	m.callbackFnLock.Lock()
	defer m.callbackFnLock.Unlock()
	if m.updateLocalServerFn == nil {
		return
	}
	currentBackendSet := make(map[NetworkAddress]struct{}, len(snapshot.CurrentBackends))
	for _, be := range snapshot.CurrentBackends {
		currentBackendSet[be.Address] = struct{}{}
	}
	m.updateLocalServerFn(currentBackendSet)
}

func (m *Manager) updateFrontendExecutorMembership(snapshot *Snapshot) {
	m.callbackFnLock.Lock()
	defer m.callbackFnLock.Unlock()
	if m.updateFrontendFn == nil {
		return
	}
	req := &UpdateFrontendRequest{
		Hostnames:   make(map[string]struct{}),
		IPAddresses: make(map[string]struct{}),
	}
	for _, be := range snapshot.CurrentBackends {
		if be.IsExecutor {
			req.Hostnames[be.Address.Hostname] = struct{}{}
			req.IPAddresses[be.IPAddress] = struct{}{}
			req.NumExecutors++
		}
	}
	if err := m.updateFrontendFn(req); err != nil {
		logutil.BgLogger().Warn("error updating frontend membership snapshot", zap.Error(err))
	}
}

// needsLocalBackendUpdate reports whether the local backend is up and its
// entry in the snapshot is missing or stale.
func (m *Manager) needsLocalBackendUpdate(state *Snapshot, localBeDesc *BackendDescriptor) bool {
	if localBeDesc == nil {
		return false
	}
	if state.LocalBeDesc == nil {
		return true
	}
	existing, ok := state.CurrentBackends[m.localBackendID]
	if !ok {
		return true
	}
	return existing.IsQuiescing != localBeDesc.IsQuiescing
}

func (m *Manager) setState(newState *Snapshot) {
	m.currentMembershipLock.Lock()
	defer m.currentMembershipLock.Unlock()
	m.currentMembership = newState
}

// findOrInsertExecutorGroup returns the group with the descriptor's name,
// creating it if it does not exist yet.
func findOrInsertExecutorGroup(groups map[string]*ExecutorGroup, desc ExecutorGroupDesc) *ExecutorGroup {
	if group, ok := groups[desc.Name]; ok {
		return group
	}
	group := newExecutorGroupFromDesc(desc)
	groups[desc.Name] = group
	return group
}

func assertConsistent(snapshot *Snapshot) {
	if !snapshot.checkConsistency() {
		logutil.BgLogger().Error("cluster membership state is inconsistent",
			zap.Int64("version", snapshot.Version))
	}
}

func updateMetrics(snapshot *Snapshot) {
	totalLiveGroups := 0
	totalHealthyGroups := 0
	for _, group := range snapshot.ExecutorGroups {
		if group.NumHosts() == 0 {
			continue
		}
		totalLiveGroups++
		if group.IsHealthy() {
			totalHealthyGroups++
		}
	}
	metrics.LiveExecutorGroups.Set(float64(totalLiveGroups))
	metrics.HealthyExecutorGroups.Set(float64(totalHealthyGroups))
	metrics.TotalBackends.Set(float64(len(snapshot.CurrentBackends)))
}
