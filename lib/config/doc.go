// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the sync client's configuration.
//
// Configuration comes from a single YAML file named by either the
// STORYWEAVE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no search path. Commands run without
// a file use [FromEnvironment].
//
// Values are layered in a fixed order: [Default], the file, the
// override section (development, staging, production) matching
// [Config].Environment, ${VAR:-default} expansion on URL and token
// fields, and finally STORYWEAVE_SYNC_*, STORYWEAVE_MEDIA_*,
// STORYWEAVE_FEATURE_* and STORYWEAVE_TELEMETRY_* variables. The
// environment wins.
//
// Loading does not validate. Call [Config.Validate], which reports
// every problem in one joined error.
package config
