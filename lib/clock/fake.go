// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance or Set is
// called. It is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

// waiter is one pending After delivery or one ticker schedule.
type waiter struct {
	deadline time.Time
	channel  chan time.Time
	// period is zero for After and the tick interval for tickers.
	period  time.Duration
	stopped bool
}

// Fake returns a FakeClock reading start.
func Fake(start time.Time) *FakeClock {
	fake := &FakeClock{now: start}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// Now returns the fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot waiter that fires when the clock reaches
// now+d.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- f.now
		return channel
	}
	f.waiters = append(f.waiters, &waiter{deadline: f.now.Add(d), channel: channel})
	f.changed.Broadcast()
	return channel
}

// NewTicker registers a periodic waiter.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := &waiter{deadline: f.now.Add(d), channel: make(chan time.Time, 1), period: d}
	f.waiters = append(f.waiters, entry)
	f.changed.Broadcast()

	return &Ticker{
		C: entry.channel,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			entry.stopped = true
			f.changed.Broadcast()
		},
	}
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline is at or before the new time, in deadline order. A ticker
// spanning several periods fires once per period; deliveries that
// find the channel full are dropped.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
	f.fireDue()
}

// Set jumps the clock to t. Moving backwards fires nothing.
func (f *FakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
	f.fireDue()
}

func (f *FakeClock) fireDue() {
	for {
		f.mu.Lock()
		now := f.now
		var due []*waiter
		remaining := f.waiters[:0:0]
		for _, entry := range f.waiters {
			switch {
			case entry.stopped:
			case entry.deadline.After(now):
				remaining = append(remaining, entry)
			default:
				due = append(due, entry)
			}
		}
		slices.SortStableFunc(due, func(a, b *waiter) int {
			return a.deadline.Compare(b.deadline)
		})
		fired := make([]time.Time, len(due))
		for i, entry := range due {
			fired[i] = entry.deadline
			if entry.period > 0 {
				entry.deadline = entry.deadline.Add(entry.period)
				remaining = append(remaining, entry)
			}
		}
		f.waiters = remaining
		f.mu.Unlock()

		if len(due) == 0 {
			return
		}
		for i, entry := range due {
			select {
			case entry.channel <- fired[i]:
			default:
			}
		}
	}
}

// WaitForTimers blocks until at least n waiters are pending.
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}

// PendingTimers reports how many waiters are registered and not stopped.
func (f *FakeClock) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *FakeClock) pendingLocked() int {
	count := 0
	for _, entry := range f.waiters {
		if !entry.stopped {
			count++
		}
	}
	return count
}
