// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by every
// time-dependent component of the sync core: the media cache stamps
// descriptor expiry with it, the eviction sweep and the persistent
// channel's health probe tick on it, and the streaming channel bounds
// its send wait with it.
//
// Production code receives Real(). Tests receive Fake(start), which
// never moves on its own:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	cache, _ := media.NewCache(media.CacheConfig{Clock: fake, ...})
//	fake.Advance(cache.TTL()) // every descriptor is now expired
//
// A goroutine that blocks on After or a Ticker registers a waiter on
// the fake clock. WaitForTimers lets a test block until the expected
// number of waiters exist before calling Advance, so the test never
// advances time ahead of the goroutine it is driving.
package clock
