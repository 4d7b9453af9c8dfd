// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeNowMovesOnlyOnAdvance(t *testing.T) {
	fake := Fake(start)
	if got := fake.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}
	fake.Advance(90 * time.Second)
	if got, want := fake.Now(), start.Add(90*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfter(t *testing.T) {
	t.Run("fires at deadline", func(t *testing.T) {
		fake := Fake(start)
		channel := fake.After(2 * time.Second)

		fake.Advance(time.Second)
		select {
		case <-channel:
			t.Fatal("After fired one second early")
		default:
		}

		fake.Advance(time.Second)
		select {
		case fired := <-channel:
			if want := start.Add(2 * time.Second); !fired.Equal(want) {
				t.Errorf("fired at %v, want %v", fired, want)
			}
		default:
			t.Fatal("After did not fire at its deadline")
		}
		if pending := fake.PendingTimers(); pending != 0 {
			t.Errorf("PendingTimers() = %d after one-shot fired, want 0", pending)
		}
	})

	t.Run("non-positive duration fires immediately", func(t *testing.T) {
		fake := Fake(start)
		select {
		case <-fake.After(0):
		default:
			t.Fatal("After(0) did not fire immediately")
		}
		if pending := fake.PendingTimers(); pending != 0 {
			t.Errorf("PendingTimers() = %d, want 0", pending)
		}
	})
}

func TestFakeTicker(t *testing.T) {
	fake := Fake(start)
	ticker := fake.NewTicker(time.Minute)

	for i := 1; i <= 3; i++ {
		fake.Advance(time.Minute)
		select {
		case fired := <-ticker.C:
			if want := start.Add(time.Duration(i) * time.Minute); !fired.Equal(want) {
				t.Errorf("tick %d at %v, want %v", i, fired, want)
			}
		default:
			t.Fatalf("tick %d not delivered", i)
		}
	}

	ticker.Stop()
	fake.Advance(time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
	if pending := fake.PendingTimers(); pending != 0 {
		t.Errorf("PendingTimers() = %d after Stop, want 0", pending)
	}
}

func TestFakeTickerDropsUnreadTicks(t *testing.T) {
	fake := Fake(start)
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	fake.Advance(5 * time.Second)

	select {
	case <-ticker.C:
	default:
		t.Fatal("expected one buffered tick")
	}
	select {
	case <-ticker.C:
		t.Fatal("expected extra ticks to be dropped")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	fake := Fake(start)
	result := make(chan time.Time, 1)

	go func() {
		result <- <-fake.After(10 * time.Second)
	}()

	fake.WaitForTimers(1)
	fake.Advance(10 * time.Second)

	select {
	case <-result:
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("goroutine blocked on After was not released")
	}
}

func TestFakeSetBackwardsFiresNothing(t *testing.T) {
	fake := Fake(start)
	channel := fake.After(time.Second)
	fake.Set(start.Add(-time.Hour))
	select {
	case <-channel:
		t.Fatal("moving the clock backwards fired a waiter")
	default:
	}
	fake.Set(start.Add(time.Second))
	select {
	case <-channel:
	default:
		t.Fatal("Set to the deadline did not fire the waiter")
	}
}
