// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import "io"

// Image is a read-only, bounds-checked view over the entire PE file.
type Image struct {
	r    io.ReaderAt
	size int64
}

// Image returns a view over the raw bytes of the file nfo was parsed from.
// The view is only valid until nfo is closed.
func (nfo *PEHeaders) Image() *Image {
	return &Image{r: nfo.r, size: nfo.r.Limit()}
}

// Size returns the length of the image in bytes.
func (img *Image) Size() int64 {
	return img.size
}

// Content copies length bytes starting at offset out of the image. It returns
// ErrOutOfBounds unless the whole range lies within the image.
func (img *Image) Content(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset > img.size || length > img.size-offset {
		return nil, ErrOutOfBounds
	}

	buf := make([]byte, length)
	n, err := img.r.ReadAt(buf, offset)
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = ErrOutOfBounds
	}
	return nil, err
}
