// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package loader

import (
	"errors"

	"github.com/amirebrahimi/qsharp-compiler/program"
)

var (
	// ErrFileNotFound is returned when the path given to a loader does not
	// name an existing regular file.
	ErrFileNotFound = errors.New("file not found")
	// ErrInvalidArgument is returned when a source is a URI but not an
	// absolute file URI.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrMalformedResource is reported when the length prefix or the payload
	// of the embedded program image lies outside of the binary.
	ErrMalformedResource = errors.New("malformed embedded resource")
	// ErrDeserializationFailed is reported when the embedded payload is not a
	// valid program image.
	ErrDeserializationFailed = program.ErrDeserializationFailed
	// ErrAttributeResolution is returned when the constructor of an assembly
	// custom attribute is neither a MethodDef nor a MemberRef of a type.
	// Compilers never emit such metadata, so it is never skipped.
	ErrAttributeResolution = errors.New("cannot resolve custom attribute type")
)
