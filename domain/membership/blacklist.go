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

// BlacklistState is the state of one backend on the executor blacklist.
type BlacklistState int

// Blacklist entry states. A blacklisted backend is hidden from scheduling;
// once its timeout passes, Maintenance puts it on probation and it rejoins
// its groups. A probation entry only records that the backend was recently
// blacklisted; it expires on its own or is cleared by FindAndRemove.
const (
	NotBlacklisted BlacklistState = iota
	Blacklisted
	OnProbation
)

// String implements fmt.Stringer.
func (s BlacklistState) String() string {
	switch s {
	case Blacklisted:
		return "blacklisted"
	case OnProbation:
		return "on probation"
	default:
		return "not blacklisted"
	}
}

// probationTimeoutMultiplier scales the blacklist timeout into the window
// a backend stays on probation before the entry is dropped.
const probationTimeoutMultiplier = 5

type blacklistEntry struct {
	be        BackendDescriptor
	state     BlacklistState
	stateTime time.Time
}

// ExecutorBlacklist tracks backends a coordinator has hidden from
// scheduling after errors. It is a value inside a membership snapshot and
// inherits the snapshot's copy-on-write discipline; none of its methods
// are safe for concurrent mutation.
type ExecutorBlacklist struct {
	entries map[string]*blacklistEntry

	timeout time.Duration
	nowFn   func() time.Time
}

// NewExecutorBlacklist creates an empty blacklist. A timeout of zero
// disables blacklisting entirely.
func NewExecutorBlacklist(timeout time.Duration) *ExecutorBlacklist {
	return &ExecutorBlacklist{
		entries: make(map[string]*blacklistEntry),
		timeout: timeout,
		nowFn:   time.Now,
	}
}

// Enabled reports whether blacklisting is configured on.
func (b *ExecutorBlacklist) Enabled() bool { return b.timeout > 0 }

// SetNowFn installs the clock used for timeout checks. Tests use it to
// drive probation transitions deterministically.
func (b *ExecutorBlacklist) SetNowFn(nowFn func() time.Time) { b.nowFn = nowFn }

// Blacklist puts a backend on the blacklist. A backend already on
// probation is re-blacklisted; a backend already blacklisted has its
// timer restarted.
func (b *ExecutorBlacklist) Blacklist(be *BackendDescriptor) {
	entry, ok := b.entries[be.ID]
	if !ok {
		entry = &blacklistEntry{be: *be.Clone()}
		b.entries[be.ID] = entry
	}
	entry.state = Blacklisted
	entry.stateTime = b.nowFn()
	logutil.BgLogger().Info("blacklisted executor",
		zap.Stringer("address", be.Address), zap.String("id", be.ID))
}

// FindAndRemove removes a backend's entry and returns the state it was in.
func (b *ExecutorBlacklist) FindAndRemove(be *BackendDescriptor) BlacklistState {
	entry, ok := b.entries[be.ID]
	if !ok {
		return NotBlacklisted
	}
	delete(b.entries, be.ID)
	return entry.state
}

// IsBlacklisted reports whether the backend is currently blacklisted.
// Backends on probation are not blacklisted.
func (b *ExecutorBlacklist) IsBlacklisted(be *BackendDescriptor) bool {
	entry, ok := b.entries[be.ID]
	return ok && entry.state == Blacklisted
}

// NeedsMaintenance reports whether any entry is due for a state
// transition, i.e. whether Maintenance would change anything.
func (b *ExecutorBlacklist) NeedsMaintenance() bool {
	now := b.nowFn()
	for _, entry := range b.entries {
		if b.entryExpired(entry, now) {
			return true
		}
	}
	return false
}

// Maintenance transitions entries whose timeouts have passed: blacklisted
// entries move to probation and their descriptors are appended to
// probationList so the caller can re-add them to their executor groups;
// probation entries past the probation window are dropped.
func (b *ExecutorBlacklist) Maintenance(probationList *[]BackendDescriptor) {
	now := b.nowFn()
	for id, entry := range b.entries {
		if !b.entryExpired(entry, now) {
			continue
		}
		switch entry.state {
		case Blacklisted:
			entry.state = OnProbation
			entry.stateTime = now
			*probationList = append(*probationList, *entry.be.Clone())
			logutil.BgLogger().Info("executor moved from blacklist to probation",
				zap.Stringer("address", entry.be.Address))
		case OnProbation:
			delete(b.entries, id)
		}
	}
}

// NumBlacklisted returns the number of currently blacklisted backends.
func (b *ExecutorBlacklist) NumBlacklisted() int {
	count := 0
	for _, entry := range b.entries {
		if entry.state == Blacklisted {
			count++
		}
	}
	return count
}

// Clone returns a deep copy of the blacklist.
func (b *ExecutorBlacklist) Clone() *ExecutorBlacklist {
	c := &ExecutorBlacklist{
		entries: make(map[string]*blacklistEntry, len(b.entries)),
		timeout: b.timeout,
		nowFn:   b.nowFn,
	}
	for id, entry := range b.entries {
		cloned := *entry
		cloned.be = *entry.be.Clone()
		c.entries[id] = &cloned
	}
	return c
}

func (b *ExecutorBlacklist) entryExpired(entry *blacklistEntry, now time.Time) bool {
	switch entry.state {
	case Blacklisted:
		return now.Sub(entry.stateTime) >= b.timeout
	case OnProbation:
		return now.Sub(entry.stateTime) >= b.timeout*probationTimeoutMultiplier
	}
	return false
}
