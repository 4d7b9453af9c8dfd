// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

// Package media turns logical references to stored media into URLs a
// client can fetch.
//
// Stored media is addressed by [Coordinates] (owner, container,
// resource, slot) and a [Variant]. Fetching it needs a signed URL that
// the media service mints on request and that expires. [Cache]
// remembers minted URLs for less than their lifetime, makes concurrent
// requests for the same key share one network call, and resolves whole
// grids of resources with a single call through a [Resolver].
// [HTTPResolver] is the Resolver for the media service's batch
// endpoint.
//
// Thumbnails are requested far more often than anything else and do
// not need signing: [ProxyURLBuilder] derives a stable proxy URL from
// the resource's storage path, so browsers cache thumbnails by URL and
// refetch exactly when the stored file changes.
//
// # Cache entry lifecycle
//
// An entry is unresolved until a caller asks for it, pending while its
// network call runs, cached once the call succeeds, and expired once
// the clock reaches its expiry. Expired entries are never served; the
// next request resolves afresh, and [Cache.Run] sweeps them out
// periodically. [Cache.Purge] drops every variant of a resource after
// an upload, replace, or delete, and also prevents a resolution that
// was already in flight from storing its now-stale URL.
package media
