//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2025 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package errors

import (
	"errors"
	"fmt"
	"net"
)

// ErrDeadlineExceeded is returned when a bounded wait (verify, scope age
// check) runs out before the condition holds.
var ErrDeadlineExceeded = errors.New("deadline exceeded")

// ErrUnreachable indicates the remote store could not be reached at all, the
// one condition administrative commands treat as fatal.
var ErrUnreachable = errors.New("remote store unreachable")

func NewDeadlineExceeded(format string, a ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, a...), ErrDeadlineExceeded)
}

func NewUnreachable(err error) error {
	return fmt.Errorf("%v: %w", err, ErrUnreachable)
}

// IsTransient reports whether an error is worth retrying: network failures
// and anything explicitly marked transient, but never contract violations.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, ErrUnreachable)
}
