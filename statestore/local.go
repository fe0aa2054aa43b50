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

import (
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/heliosdb/helios/util/logutil"
)

// Local is a single-process statestore. It keeps the authoritative value
// of every topic and fans deltas out to its subscribers synchronously, in
// registration order. It serves single-node deployments and tests; a
// networked statestore plugs in behind the same Subscriber interface.
type Local struct {
	mu     sync.Mutex
	topics map[string]map[string][]byte
	subs   []*LocalSubscriber
}

// NewLocal creates an empty local statestore.
func NewLocal() *Local {
	return &Local{topics: make(map[string]map[string][]byte)}
}

// RegisterSubscriber adds a subscriber to the statestore.
func (s *Local) RegisterSubscriber() *LocalSubscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &LocalSubscriber{store: s, callbacks: make(map[string]UpdateCallback)}
	s.subs = append(s.subs, sub)
	return sub
}

// Publish applies a delta to the topic state and delivers it to every
// subscriber of the topic. Updates returned by the callbacks are queued
// and delivered in turn, so a subscriber advertising its own state never
// re-enters its callback.
func (s *Local) Publish(delta TopicDelta) {
	pending := []TopicDelta{delta}
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]
		s.apply(&next)
		for _, sub := range s.snapshotSubs() {
			out := sub.deliver(&next)
			pending = append(pending, out...)
		}
	}
}

func (s *Local) apply(delta *TopicDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.topics[delta.TopicName]
	if entries == nil || !delta.IsDelta {
		entries = make(map[string][]byte)
		s.topics[delta.TopicName] = entries
	}
	for _, item := range delta.TopicEntries {
		if item.Deleted {
			delete(entries, item.Key)
			continue
		}
		entries[item.Key] = item.Value
	}
}

func (s *Local) snapshotSubs() []*LocalSubscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]*LocalSubscriber, len(s.subs))
	copy(subs, s.subs)
	return subs
}

// fullTransmit builds a full topic transmit from the current state.
func (s *Local) fullTransmit(topicName string) *TopicDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := &TopicDelta{TopicName: topicName, IsDelta: false}
	for key, value := range s.topics[topicName] {
		delta.TopicEntries = append(delta.TopicEntries, TopicItem{Key: key, Value: value})
	}
	return delta
}

// LocalSubscriber connects one process-local component to a Local
// statestore.
type LocalSubscriber struct {
	store *Local

	mu        sync.Mutex
	callbacks map[string]UpdateCallback

	inGracePeriod atomic.Bool
}

var _ Subscriber = (*LocalSubscriber)(nil)

// AddTopic implements Subscriber. The new subscriber immediately receives
// a full transmit of the topic's current state.
func (sub *LocalSubscriber) AddTopic(topicName string, transient bool, cb UpdateCallback) error {
	sub.mu.Lock()
	if _, ok := sub.callbacks[topicName]; ok {
		sub.mu.Unlock()
		return errors.Errorf("topic %q already subscribed", topicName)
	}
	sub.callbacks[topicName] = cb
	sub.mu.Unlock()
	logutil.BgLogger().Info("subscribed to statestore topic", zap.String("topic", topicName), zap.Bool("transient", transient))

	out := sub.deliver(sub.store.fullTransmit(topicName))
	for _, delta := range out {
		sub.store.Publish(delta)
	}
	return nil
}

// IsInPostRecoveryGracePeriod implements Subscriber.
func (sub *LocalSubscriber) IsInPostRecoveryGracePeriod() bool {
	return sub.inGracePeriod.Load()
}

// SetPostRecoveryGracePeriod marks the subscriber as (not) being in its
// post-recovery grace period. The local statestore never disconnects, so
// only recovery simulations flip this.
func (sub *LocalSubscriber) SetPostRecoveryGracePeriod(in bool) {
	sub.inGracePeriod.Store(in)
}

// deliver runs the topic callback, if any, and returns the updates the
// callback produced.
func (sub *LocalSubscriber) deliver(delta *TopicDelta) []TopicDelta {
	sub.mu.Lock()
	cb := sub.callbacks[delta.TopicName]
	sub.mu.Unlock()
	if cb == nil {
		return nil
	}
	var updates []TopicDelta
	cb(TopicDeltaMap{delta.TopicName: delta}, &updates)
	return updates
}
