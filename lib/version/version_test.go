// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	savedCommit, savedDirty, savedTime := GitCommit, GitDirty, BuildTime
	t.Cleanup(func() { GitCommit, GitDirty, BuildTime = savedCommit, savedDirty, savedTime })

	GitCommit, GitDirty, BuildTime = "abc1234", "false", "2026-10-01T12:00:00Z"
	if got, want := Info(), Version+" (abc1234, 2026-10-01T12:00:00Z)"; got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}

	GitDirty = "true"
	if got := Info(); !strings.Contains(got, "abc1234-dirty") {
		t.Errorf("Info() = %q, want dirty marker", got)
	}
	if got := Full(); !strings.HasPrefix(got, Info()) || !strings.Contains(got, "Platform:") {
		t.Errorf("Full() = %q", got)
	}
}

func TestUserAgent(t *testing.T) {
	savedCommit := GitCommit
	t.Cleanup(func() { GitCommit = savedCommit })
	GitCommit = "abc1234"

	if got, want := UserAgent("storyweave-sync"), "storyweave-sync/"+Version+" (abc1234)"; got != want {
		t.Errorf("UserAgent = %q, want %q", got, want)
	}
}
