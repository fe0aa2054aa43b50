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

package statestore

// MembershipTopicName is the statestore topic carrying backend
// descriptors.
const MembershipTopicName = "cluster-membership"

// TopicItem is one entry of a topic update. A deleted item carries no
// value.
type TopicItem struct {
	Key     string
	Value   []byte
	Deleted bool
}

// TopicDelta is a set of changes to one topic. When IsDelta is false the
// update is a full topic transmit and replaces all prior state.
type TopicDelta struct {
	TopicName    string
	IsDelta      bool
	TopicEntries []TopicItem
}

// TopicDeltaMap maps topic names to their pending updates.
type TopicDeltaMap map[string]*TopicDelta

// UpdateCallback is invoked with the pending updates for all subscribed
// topics. The callback may append deltas to updates to publish state of
// its own. Callbacks for one subscriber are invoked from a single worker;
// reentrant delivery is not permitted.
type UpdateCallback func(deltas TopicDeltaMap, updates *[]TopicDelta)

// Subscriber is the contract the membership manager has with the
// statestore transport. Gossip internals stay behind this interface.
type Subscriber interface {
	// AddTopic registers a callback for a topic. Transient topics drop
	// this subscriber's entries when it disconnects.
	AddTopic(topicName string, transient bool, cb UpdateCallback) error
	// IsInPostRecoveryGracePeriod reports whether the subscriber recently
	// reconnected and is still waiting out its grace period. Snapshots
	// built during the grace period must not be published.
	IsInPostRecoveryGracePeriod() bool
}
