// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package metadata

import (
	"errors"
	"fmt"
)

// FormatError reports metadata that does not follow the ECMA-335 layout.
type FormatError string

func (e *FormatError) Error() string {
	return "malformed metadata: " + string(*e)
}

func newFormatError(format string, a ...any) *FormatError {
	err := FormatError(fmt.Sprintf(format, a...))
	return &err
}

var (
	// ErrRowOutOfRange is returned when a handle refers to a row that the
	// table does not contain.
	ErrRowOutOfRange = errors.New("row index out of range")
	// ErrHeapIndex is returned when a heap index points outside of its heap
	// or at data that is not properly terminated.
	ErrHeapIndex = errors.New("heap index out of range")
)
