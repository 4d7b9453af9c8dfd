// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package featureflag holds the client's runtime feature switches.
//
// A [Set] is an in-memory map of named booleans. Flipping a flag
// notifies its subscribers synchronously and persists nothing; initial
// values come from configuration.
package featureflag

import (
	"maps"
	"slices"
	"sync"
)

// Known flags.
const (
	// StreamingPreferred routes writes through the streaming channel
	// when it is connected.
	StreamingPreferred = "streaming_preferred"

	// RealtimeCollaboration opens the streaming channel at all and
	// delivers other collaborators' operations as they happen.
	RealtimeCollaboration = "realtime_collaboration"
)

// Set is a concurrency-safe collection of flags. The zero value is not
// usable; call New.
type Set struct {
	// notifyMu serializes changes with their notifications, so
	// subscribers see changes in the order they were made.
	notifyMu sync.Mutex

	mu          sync.Mutex
	values      map[string]bool
	subscribers map[string]map[int]func(bool)
	nextID      int
}

// New returns a Set holding initial. Flags absent from initial read as
// false.
func New(initial map[string]bool) *Set {
	values := make(map[string]bool, len(initial))
	maps.Copy(values, initial)
	return &Set{
		values:      values,
		subscribers: make(map[string]map[int]func(bool)),
	}
}

// Enabled reports the current value of name.
func (s *Set) Enabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[name]
}

// Set changes name to enabled. Subscribers run on the calling
// goroutine, only when the value changed, and before any later Set
// takes effect. A subscriber may read flags but must not call Set.
func (s *Set) Set(name string, enabled bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if current, ok := s.values[name]; ok && current == enabled {
		s.mu.Unlock()
		return
	}
	previous := s.values[name]
	s.values[name] = enabled
	callbacks := slices.Collect(maps.Values(s.subscribers[name]))
	s.mu.Unlock()

	if previous == enabled {
		// First explicit write of a flag that already read as false.
		return
	}
	for _, callback := range callbacks {
		callback(enabled)
	}
}

// Subscribe calls fn with the current value of name and again on every
// change. The returned function unsubscribes.
func (s *Set) Subscribe(name string, fn func(enabled bool)) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.subscribers[name] == nil {
		s.subscribers[name] = make(map[int]func(bool))
	}
	s.subscribers[name][id] = fn
	current := s.values[name]
	s.mu.Unlock()

	fn(current)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers[name], id)
	}
}

// Snapshot returns a copy of every explicitly set flag.
func (s *Set) Snapshot() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values)
}

// Names returns the explicitly set flag names in sorted order.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.values))
}
