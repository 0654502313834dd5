// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package loader loads the compiled program that a referenced managed binary
// carries. The program image is normally embedded as a manifest resource;
// binaries built without one still describe their declarations through
// assembly custom attributes, which LoadHeaders falls back to.
package loader

import (
	"errors"

	"github.com/apex/log"

	"github.com/amirebrahimi/qsharp-compiler/metadata"
	"github.com/amirebrahimi/qsharp-compiler/pe"
	"github.com/amirebrahimi/qsharp-compiler/program"
)

// Headers describes the declarations of a referenced binary. Namespaces is
// set when they were loaded from an embedded program image, Attributes when
// they were read from custom attributes.
type Headers struct {
	SourceID   string
	Attributes []HeaderEntry
	Namespaces []program.Namespace
}

// openMetadata opens the binary at path and parses its metadata. The
// returned headers must be closed by the caller.
func openMetadata(path string, opts *Options) (*pe.PEHeaders, *metadata.Reader, error) {
	peh, err := pe.NewPEFromFileName(path, opts.peOptions())
	if err != nil {
		return nil, nil, err
	}

	md, err := peh.MetadataReader()
	if err != nil {
		peh.Close()
		return nil, nil, err
	}

	return peh, md, nil
}

// LoadHeaders loads the headers of the binary named by source, which is a
// path or an absolute file URI. opts may be nil.
//
// The program image embedded in the binary is used unless
// opts.IgnoreEmbeddedResource is set or there is none, in which case the
// header attributes are read instead. Reading attributes succeeds when it
// finds at least one, or unconditionally when the embedded resource was
// ignored on purpose.
//
// The returned error is non-nil only for ErrInvalidArgument, ErrFileNotFound
// and ErrAttributeResolution. Every other failure is passed to
// opts.OnException and reported by returning false.
func LoadHeaders(source string, opts *Options) (Headers, bool, error) {
	path, id, err := ParseSource(source)
	if err != nil {
		return Headers{}, false, err
	}

	headers := Headers{SourceID: id}
	if err := checkFile(path); err != nil {
		return headers, false, err
	}

	logger := opts.logger().WithField("path", path)
	peh, md, err := openMetadata(path, opts)
	if err != nil {
		opts.report(logger, err)
		return headers, false, nil
	}
	defer peh.Close()

	if !opts.ignoreEmbeddedResource() {
		img, ok, err := fromResource(peh, md, logger)
		if err != nil {
			opts.report(logger, err)
			return headers, false, nil
		}
		if ok {
			headers.Namespaces = img.Namespaces
			return headers, true, nil
		}
	}

	attrs, err := readHeaderAttributes(md, logger)
	if err != nil {
		if errors.Is(err, ErrAttributeResolution) {
			return headers, false, err
		}
		opts.report(logger, err)
		return headers, false, nil
	}

	logger.WithFields(log.Fields{
		"attributes": len(attrs),
		"ignored":    opts.ignoreEmbeddedResource(),
	}).Debug("loaded header attributes")

	headers.Attributes = attrs
	return headers, opts.ignoreEmbeddedResource() || len(attrs) > 0, nil
}

// LoadProgramImage loads the program image embedded in the binary at path.
// opts may be nil; only opts.OnException, opts.Logger and the mapping options
// are used.
//
// It returns ErrFileNotFound when path is not an existing file. Any other
// failure is passed to opts.OnException and reported by returning false, as
// is the absence of an embedded program image, without calling the hook.
func LoadProgramImage(path string, opts *Options) (*program.Image, bool, error) {
	if err := checkFile(path); err != nil {
		return nil, false, err
	}

	logger := opts.logger().WithField("path", path)
	peh, md, err := openMetadata(path, opts)
	if err != nil {
		opts.report(logger, err)
		return nil, false, nil
	}
	defer peh.Close()

	img, ok, err := fromResource(peh, md, logger)
	if err != nil {
		opts.report(logger, err)
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}

	return img, true, nil
}
