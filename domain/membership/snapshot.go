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
	"time"

	"go.uber.org/zap"

	"github.com/heliosdb/helios/util/logutil"
)

// Snapshot captures all membership state at one publication point. A
// published snapshot is immutable: readers hold it lock-free for
// arbitrarily long, writers produce a new snapshot and swap the pointer.
type Snapshot struct {
	// Version increases with every published snapshot.
	Version int64
	// LocalBeDesc is the descriptor of the local backend, nil until the
	// local backend has started.
	LocalBeDesc *BackendDescriptor
	// CurrentBackends maps backend ids to their descriptors and always
	// reflects the full statestore membership, including quiescing and
	// blacklisted backends.
	CurrentBackends map[string]*BackendDescriptor
	// ExecutorGroups maps group names to their live, schedulable
	// executors.
	ExecutorGroups map[string]*ExecutorGroup
	// ExecutorBlacklist hides flaky executors from the groups.
	ExecutorBlacklist *ExecutorBlacklist
}

func newSnapshot(blacklistTimeout time.Duration) *Snapshot {
	return &Snapshot{
		CurrentBackends:   make(map[string]*BackendDescriptor),
		ExecutorGroups:    make(map[string]*ExecutorGroup),
		ExecutorBlacklist: NewExecutorBlacklist(blacklistTimeout),
	}
}

// clone returns a deep copy the writer may mutate before publishing.
func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		Version:           s.Version,
		LocalBeDesc:       s.LocalBeDesc,
		CurrentBackends:   make(map[string]*BackendDescriptor, len(s.CurrentBackends)),
		ExecutorGroups:    make(map[string]*ExecutorGroup, len(s.ExecutorGroups)),
		ExecutorBlacklist: s.ExecutorBlacklist.Clone(),
	}
	for id, be := range s.CurrentBackends {
		c.CurrentBackends[id] = be.Clone()
	}
	for name, group := range s.ExecutorGroups {
		c.ExecutorGroups[name] = group.Clone()
	}
	return c
}

// GetGroup returns the named executor group, or nil.
func (s *Snapshot) GetGroup(name string) *ExecutorGroup { return s.ExecutorGroups[name] }

// checkConsistency verifies that every backend in any executor group is
// present in CurrentBackends, is an executor, is not quiescing, is not
// blacklisted, and that the descriptors agree on the executor and
// quiescing flags. Violations are programmer errors; they are logged and
// reported but never abort an update pass.
func (s *Snapshot) checkConsistency() bool {
	addressToBackend := make(map[NetworkAddress]*BackendDescriptor, len(s.CurrentBackends))
	for _, be := range s.CurrentBackends {
		addressToBackend[be.Address] = be
	}

	for groupName, group := range s.ExecutorGroups {
		for _, groupBe := range group.GetAllExecutorDescriptors() {
			logger := logutil.BgLogger().With(
				zap.Stringer("address", groupBe.Address), zap.String("group", groupName))
			if !groupBe.IsExecutor {
				logger.Warn("backend in group is not an executor")
				return false
			}
			if groupBe.IsQuiescing {
				logger.Warn("backend in group is quiescing")
				return false
			}
			currentBe, ok := addressToBackend[groupBe.Address]
			if !ok {
				logger.Warn("backend in group is not in current set of backends")
				return false
			}
			if currentBe.IsQuiescing != groupBe.IsQuiescing {
				logger.Warn("backend in group differs from current set of backends on is_quiescing")
				return false
			}
			if currentBe.IsExecutor != groupBe.IsExecutor {
				logger.Warn("backend in group differs from current set of backends on is_executor")
				return false
			}
			if s.ExecutorBlacklist.IsBlacklisted(&groupBe) {
				logger.Warn("backend in group is blacklisted")
				return false
			}
		}
	}
	return true
}
