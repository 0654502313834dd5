// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/apex/log"

	"github.com/amirebrahimi/qsharp-compiler/metadata"
	"github.com/amirebrahimi/qsharp-compiler/pe"
	"github.com/amirebrahimi/qsharp-compiler/program"
)

// ResourceName is the name of the manifest resource that holds the program
// image of a compiled binary.
const ResourceName = "__qsharp_data__.bson"

const resourceLengthSize = 4

// locateResource returns the file offset of the manifest resource named name.
// It returns false when the binary has no resources directory, has no
// resource of that name, or when that resource lives outside of the binary.
func locateResource(peh *pe.PEHeaders, md *metadata.Reader, name string) (int64, bool, error) {
	dirOffset, ok := peh.ResourcesDirectoryOffset()
	if !ok {
		return 0, false, nil
	}

	resources, err := md.Resources()
	if err != nil {
		return 0, false, err
	}

	mr, ok := resources.Lookup(name)
	if !ok || !mr.IsLocal() {
		return 0, false, nil
	}

	return int64(dirOffset) + int64(mr.Offset), true, nil
}

// extractResource reads the length-prefixed resource at offset off.
func extractResource(img *pe.Image, off int64) ([]byte, error) {
	hdr, err := img.Content(off, resourceLengthSize)
	if err != nil {
		return nil, fmt.Errorf("%w: length at offset 0x%X: %w", ErrMalformedResource, off, err)
	}

	n := binary.LittleEndian.Uint32(hdr)
	data, err := img.Content(off+resourceLengthSize, int64(n))
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes at offset 0x%X: %w", ErrMalformedResource, n, off+resourceLengthSize, err)
	}

	return data, nil
}

// fromResource loads the program image embedded in peh. It returns false
// without an error when there is none.
func fromResource(peh *pe.PEHeaders, md *metadata.Reader, logger log.Interface) (*program.Image, bool, error) {
	off, ok, err := locateResource(peh, md, ResourceName)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		logger.Debug("no embedded program image")
		return nil, false, nil
	}

	logger.WithField("offset", off).Debug("found embedded program image")
	payload, err := extractResource(peh.Image(), off)
	if err != nil {
		return nil, false, err
	}

	img, err := program.Unmarshal(payload, nil)
	if err != nil {
		return nil, false, err
	}
	return img, true, nil
}
