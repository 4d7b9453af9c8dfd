// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"errors"
	"fmt"
	"time"
)

// Coordinates identify one stored media resource and the context
// needed to authorize access to it.
type Coordinates struct {
	OwnerID     string `json:"ownerId"`
	ContainerID string `json:"containerId"`
	ResourceID  string `json:"resourceId"`
	SlotID      string `json:"slotId"`
}

// ErrCoordinatesIncomplete reports Coordinates with an empty field.
var ErrCoordinatesIncomplete = errors.New("media: coordinates incomplete")

// Validate reports which fields are missing, wrapping
// ErrCoordinatesIncomplete.
func (c Coordinates) Validate() error {
	var missing []string
	if c.OwnerID == "" {
		missing = append(missing, "ownerId")
	}
	if c.ContainerID == "" {
		missing = append(missing, "containerId")
	}
	if c.ResourceID == "" {
		missing = append(missing, "resourceId")
	}
	if c.SlotID == "" {
		missing = append(missing, "slotId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrCoordinatesIncomplete, missing)
	}
	return nil
}

func (c Coordinates) String() string {
	return c.OwnerID + "/" + c.ContainerID + "/" + c.ResourceID + "/" + c.SlotID
}

// Variant is a rendition of a resource. Each variant is signed and
// expires independently.
type Variant string

const (
	VariantThumbnail Variant = "thumbnail"
	VariantOptimized Variant = "optimized"
	VariantOriginal  Variant = "original"
)

// Variants lists every variant in a stable order.
var Variants = []Variant{VariantThumbnail, VariantOptimized, VariantOriginal}

// ParseVariant accepts the wire name of a variant.
func ParseVariant(name string) (Variant, error) {
	variant := Variant(name)
	if !variant.Valid() {
		return "", fmt.Errorf("media: unknown variant %q (want thumbnail, optimized, or original)", name)
	}
	return variant, nil
}

// Valid reports whether v is one of the known variants.
func (v Variant) Valid() bool {
	switch v {
	case VariantThumbnail, VariantOptimized, VariantOriginal:
		return true
	}
	return false
}

// Key is the cache key: one variant of one resource.
type Key struct {
	Coordinates
	Variant Variant
}

// NewKey validates coords and variant.
func NewKey(coords Coordinates, variant Variant) (Key, error) {
	if err := coords.Validate(); err != nil {
		return Key{}, err
	}
	if !variant.Valid() {
		return Key{}, fmt.Errorf("media: unknown variant %q", variant)
	}
	return Key{Coordinates: coords, Variant: variant}, nil
}

func (k Key) String() string {
	return k.Coordinates.String() + "#" + string(k.Variant)
}

// Descriptor is a resolved, expiring URL for one Key.
type Descriptor struct {
	URL       string
	ExpiresAt time.Time
	Variant   Variant
}

// FreshAt reports whether d may be served at now.
func (d Descriptor) FreshAt(now time.Time) bool {
	return now.Before(d.ExpiresAt)
}
