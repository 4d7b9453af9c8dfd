// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrStoragePathRequired reports a thumbnail request without the
// storage path that versions it.
var ErrStoragePathRequired = errors.New("media: storage path is required")

// fingerprintKey is the BLAKE3 key for storage-path fingerprints:
// the ASCII domain name, zero-padded to 32 bytes. Changing it changes
// every thumbnail URL and so invalidates every browser cache entry.
var fingerprintKey = [32]byte{
	's', 't', 'o', 'r', 'y', 'w', 'e', 'a', 'v', 'e', '.', 'm', 'e', 'd', 'i', 'a',
	'.', 't', 'h', 'u', 'm', 'b', 'n', 'a', 'i', 'l', 0, 0, 0, 0, 0, 0,
}

// fingerprintLength is the number of hex characters kept. 64 bits is
// ample to tell versions of one resource apart.
const fingerprintLength = 16

// ProxyURLBuilder builds thumbnail URLs served by the media proxy. It
// makes no network calls and holds no state beyond its base URL, so a
// URL depends only on its inputs: the same stored file always yields
// the same URL, and replacing the file yields a new one.
type ProxyURLBuilder struct {
	base string
}

// NewProxyURLBuilder returns a builder for the proxy at base, e.g.
// "https://media.example.com".
func NewProxyURLBuilder(base string) (*ProxyURLBuilder, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("media: invalid proxy URL %q: %w", base, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("media: proxy URL %q must be an absolute http or https URL", base)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return nil, fmt.Errorf("media: proxy URL %q must not carry a query or fragment", base)
	}
	return &ProxyURLBuilder{base: strings.TrimRight(base, "/")}, nil
}

// Thumbnail returns the proxy URL for the thumbnail of coords, versioned
// by a fingerprint of storagePath.
func (b *ProxyURLBuilder) Thumbnail(coords Coordinates, storagePath string) (string, error) {
	if storagePath == "" {
		return "", ErrStoragePathRequired
	}
	return b.ThumbnailWithFingerprint(coords, Fingerprint(storagePath))
}

// ThumbnailWithFingerprint is Thumbnail with a caller-supplied version
// token, such as a content hash recorded at upload.
func (b *ProxyURLBuilder) ThumbnailWithFingerprint(coords Coordinates, fingerprint string) (string, error) {
	if err := coords.Validate(); err != nil {
		return "", err
	}
	if fingerprint == "" {
		return "", errors.New("media: fingerprint is required")
	}
	path := strings.Join([]string{
		b.base,
		"v1", "media",
		url.PathEscape(coords.OwnerID),
		url.PathEscape(coords.ContainerID),
		url.PathEscape(coords.ResourceID),
		url.PathEscape(coords.SlotID),
		string(VariantThumbnail),
	}, "/")
	return path + "?v=" + url.QueryEscape(fingerprint), nil
}

// Fingerprint returns the version token for a storage path: the first
// 16 hex characters of its keyed BLAKE3 hash.
func Fingerprint(storagePath string) string {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("media: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(storagePath))
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum)[:fingerprintLength]
}
