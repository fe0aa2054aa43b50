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
	"encoding/json"
	"fmt"

	"github.com/pingcap/errors"
)

// NetworkAddress identifies one backend endpoint.
type NetworkAddress struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

// String implements fmt.Stringer.
func (a NetworkAddress) String() string { return fmt.Sprintf("%s:%d", a.Hostname, a.Port) }

// ExecutorGroupDesc names an executor group a backend belongs to, together
// with the minimum group size the backend was configured with.
type ExecutorGroupDesc struct {
	Name    string `json:"name"`
	MinSize int64  `json:"min_size"`
}

// BackendDescriptor describes one backend process of the cluster. Each
// backend resolves its own IP address and transmits the descriptor inside
// its statestore update.
type BackendDescriptor struct {
	ID            string              `json:"id"`
	Address       NetworkAddress      `json:"address"`
	IPAddress     string              `json:"ip_address"`
	IsCoordinator bool                `json:"is_coordinator"`
	IsExecutor    bool                `json:"is_executor"`
	IsQuiescing   bool                `json:"is_quiescing"`
	ExecutorGroups []ExecutorGroupDesc `json:"executor_groups"`
}

// Clone returns a deep copy of the descriptor.
func (b *BackendDescriptor) Clone() *BackendDescriptor {
	c := *b
	c.ExecutorGroups = make([]ExecutorGroupDesc, len(b.ExecutorGroups))
	copy(c.ExecutorGroups, b.ExecutorGroups)
	return &c
}

// SerializeDescriptor encodes a descriptor for a statestore topic value.
func SerializeDescriptor(b *BackendDescriptor) ([]byte, error) {
	value, err := json.Marshal(b)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return value, nil
}

// DeserializeDescriptor decodes a statestore topic value.
func DeserializeDescriptor(value []byte) (*BackendDescriptor, error) {
	var b BackendDescriptor
	if err := json.Unmarshal(value, &b); err != nil {
		return nil, errors.Trace(err)
	}
	return &b, nil
}
