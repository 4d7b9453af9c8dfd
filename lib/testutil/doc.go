// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the helpers shared by package tests.
//
// [RequireReceive], [RequireNoReceive], [RequireClosed], and
// [RequireEventually] bound every wait on another goroutine so a
// broken test fails instead of hanging. They are the only place tests
// wait on wall-clock time; everything else drives time through
// lib/clock's FakeClock.
//
// [UniqueID] produces distinct project, owner, and operation IDs for
// tests that share a devserver.
//
// Helpers call t.Fatalf on failure.
package testutil
