// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"errors"
	"fmt"
)

// ErrNotResolved reports that the resolver answered but did not
// include a URL for the key.
var ErrNotResolved = errors.New("media: resolver returned no URL")

// ResolutionError is returned to every caller that waited on a failed
// resolution. Nothing is cached for Key.
type ResolutionError struct {
	Key Key
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("media: resolving %s: %v", e.Key, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IsResolutionError reports whether err is or wraps a
// *ResolutionError.
func IsResolutionError(err error) bool {
	var resolutionErr *ResolutionError
	return errors.As(err, &resolutionErr)
}
