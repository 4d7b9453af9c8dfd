// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"maps"

	"github.com/storyweave/storyweave/transport"
)

// Stats counts what the Dispatcher has done since it was created.
type Stats struct {
	// Delivered counts successful writes per path.
	Delivered map[transport.Path]int64

	// Routed counts writes that went to the persistent channel, per
	// reason, whether or not they then succeeded.
	Routed map[transport.FallbackReason]int64

	// StreamingFailures counts streaming attempts that failed and
	// were handed to the persistent channel.
	StreamingFailures int64

	// Failures counts writes that returned an error to the caller.
	Failures int64

	// LastFallbackReason is the reason attached to the most recent
	// persistent-channel write.
	LastFallbackReason transport.FallbackReason

	// LastStreamingError and LastError are the messages of the most
	// recent streaming failure and caller-visible failure.
	LastStreamingError string
	LastError          string
}

func newStats() Stats {
	return Stats{
		Delivered: make(map[transport.Path]int64),
		Routed:    make(map[transport.FallbackReason]int64),
	}
}

func (s Stats) clone() Stats {
	s.Delivered = maps.Clone(s.Delivered)
	s.Routed = maps.Clone(s.Routed)
	return s
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats.clone()
}

func (d *Dispatcher) record(result transport.SyncResult, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if result.FallbackReason != "" {
		d.stats.Routed[result.FallbackReason]++
		d.stats.LastFallbackReason = result.FallbackReason
	}
	if err != nil {
		d.stats.Failures++
		d.stats.LastError = err.Error()
		return
	}
	d.stats.Delivered[result.Path]++
}

func (d *Dispatcher) noteStreamingFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.StreamingFailures++
	d.stats.LastStreamingError = err.Error()
}
