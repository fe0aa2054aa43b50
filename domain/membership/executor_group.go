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
	"go.uber.org/zap"

	"github.com/heliosdb/helios/util/logutil"
)

// ExecutorGroup is a named set of executors eligible to run fragments
// together. Executors are kept per host so multiple backends on one host
// (e.g. in tests) stay addressable, and a hostname to IP map supports
// lookups by either form.
type ExecutorGroup struct {
	name    string
	minSize int64

	// executorMap maps an IP address to the executors on that host.
	executorMap map[string][]BackendDescriptor
	// executorIPMap maps a hostname to its IP address.
	executorIPMap map[string]string
}

// NewExecutorGroup creates an empty group with a minimum size of one.
func NewExecutorGroup(name string) *ExecutorGroup {
	return NewExecutorGroupWithMinSize(name, 1)
}

// NewExecutorGroupWithMinSize creates an empty group. The group reports
// itself unhealthy while it has fewer than minSize executors.
func NewExecutorGroupWithMinSize(name string, minSize int64) *ExecutorGroup {
	if minSize <= 0 {
		minSize = 1
	}
	return &ExecutorGroup{
		name:          name,
		minSize:       minSize,
		executorMap:   make(map[string][]BackendDescriptor),
		executorIPMap: make(map[string]string),
	}
}

func newExecutorGroupFromDesc(desc ExecutorGroupDesc) *ExecutorGroup {
	return NewExecutorGroupWithMinSize(desc.Name, desc.MinSize)
}

// Name returns the group name.
func (g *ExecutorGroup) Name() string { return g.name }

// MinSize returns the minimum healthy size of the group.
func (g *ExecutorGroup) MinSize() int64 { return g.minSize }

// AddExecutor adds a backend to the group. Adding an already present
// backend is a programmer error and is logged and ignored.
func (g *ExecutorGroup) AddExecutor(be *BackendDescriptor) {
	if be.IPAddress == "" {
		logutil.BgLogger().Error("refusing executor with empty IP address",
			zap.String("group", g.name), zap.Stringer("address", be.Address))
		return
	}
	descs := g.executorMap[be.IPAddress]
	for i := range descs {
		// The IP addresses already match, checking the port suffices.
		if descs[i].Address.Port == be.Address.Port {
			logutil.BgLogger().Error("tried to add existing backend to executor group",
				zap.String("group", g.name), zap.Stringer("address", be.Address))
			return
		}
	}
	if !g.checkConsistencyOrWarn(be) {
		logutil.BgLogger().Warn("ignoring inconsistent backend for executor group",
			zap.String("group", g.name), zap.Stringer("address", be.Address))
		return
	}
	g.executorMap[be.IPAddress] = append(descs, *be.Clone())
	g.executorIPMap[be.Address.Hostname] = be.IPAddress
}

// RemoveExecutor removes a backend from the group. Removing an absent
// backend is a programmer error and is logged and ignored.
func (g *ExecutorGroup) RemoveExecutor(be *BackendDescriptor) {
	descs, ok := g.executorMap[be.IPAddress]
	if !ok {
		logutil.BgLogger().Error("tried to remove a backend from non-existing host",
			zap.String("group", g.name), zap.Stringer("address", be.Address))
		return
	}
	removeAt := -1
	for i := range descs {
		if descs[i].Address.Port == be.Address.Port {
			removeAt = i
			break
		}
	}
	if removeAt < 0 {
		logutil.BgLogger().Error("tried to remove non-existing backend from per-host list",
			zap.String("group", g.name), zap.Stringer("address", be.Address))
		return
	}
	descs = append(descs[:removeAt], descs[removeAt+1:]...)
	if len(descs) == 0 {
		delete(g.executorMap, be.IPAddress)
		delete(g.executorIPMap, be.Address.Hostname)
	} else {
		g.executorMap[be.IPAddress] = descs
	}
}

// LookUpExecutorIP resolves a hostname (or an IP already) to the IP of a
// host in this group.
func (g *ExecutorGroup) LookUpExecutorIP(hostname string) (string, bool) {
	if _, ok := g.executorMap[hostname]; ok {
		return hostname, true
	}
	ip, ok := g.executorIPMap[hostname]
	return ip, ok
}

// LookUpBackendDesc finds the descriptor registered under the given
// address, or nil.
func (g *ExecutorGroup) LookUpBackendDesc(addr NetworkAddress) *BackendDescriptor {
	ip, ok := g.LookUpExecutorIP(addr.Hostname)
	if !ok {
		return nil
	}
	for i := range g.executorMap[ip] {
		desc := &g.executorMap[ip][i]
		if desc.Address == addr {
			return desc
		}
	}
	return nil
}

// GetAllExecutorDescriptors returns all executors of the group.
func (g *ExecutorGroup) GetAllExecutorDescriptors() []BackendDescriptor {
	executors := make([]BackendDescriptor, 0, g.NumExecutors())
	for _, descs := range g.executorMap {
		executors = append(executors, descs...)
	}
	return executors
}

// NumExecutors returns the number of executors in the group.
func (g *ExecutorGroup) NumExecutors() int {
	count := 0
	for _, descs := range g.executorMap {
		count += len(descs)
	}
	return count
}

// NumHosts returns the number of distinct hosts in the group.
func (g *ExecutorGroup) NumHosts() int { return len(g.executorMap) }

// IsHealthy reports whether the group has at least its minimum number of
// executors.
func (g *ExecutorGroup) IsHealthy() bool {
	numExecutors := g.NumExecutors()
	if int64(numExecutors) < g.minSize {
		logutil.BgLogger().Warn("executor group is unhealthy",
			zap.String("group", g.name),
			zap.Int("executors", numExecutors),
			zap.Int64("min-size", g.minSize))
		return false
	}
	return true
}

// Clone returns a deep copy of the group.
func (g *ExecutorGroup) Clone() *ExecutorGroup {
	c := NewExecutorGroupWithMinSize(g.name, g.minSize)
	for ip, descs := range g.executorMap {
		cloned := make([]BackendDescriptor, len(descs))
		for i := range descs {
			cloned[i] = *descs[i].Clone()
		}
		c.executorMap[ip] = cloned
	}
	for hostname, ip := range g.executorIPMap {
		c.executorIPMap[hostname] = ip
	}
	return c
}

// checkConsistencyOrWarn verifies that the backend's configuration for
// this group matches the group. A backend that does not mention the group
// is considered consistent so that backends can be added to unrelated
// groups, e.g. for coordinator-only scheduling.
func (g *ExecutorGroup) checkConsistencyOrWarn(be *BackendDescriptor) bool {
	for _, desc := range be.ExecutorGroups {
		if desc.Name == g.name {
			if desc.MinSize == g.minSize {
				return true
			}
			logutil.BgLogger().Warn("backend configured with a different min size for executor group",
				zap.Stringer("address", be.Address),
				zap.String("group", g.name),
				zap.Int64("backend-min-size", desc.MinSize),
				zap.Int64("group-min-size", g.minSize))
			return false
		}
	}
	return true
}
