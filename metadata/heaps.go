// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package metadata

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/cryptobyte"
)

// nullSerString marks a null SerString in a custom attribute blob.
const nullSerString = 0xFF

// ReadCompressedUint reads an unsigned integer in the compressed encoding of
// partition II, 23.2 from s. It reports whether the read succeeded.
func ReadCompressedUint(s *cryptobyte.String, out *uint32) bool {
	if len(*s) == 0 {
		return false
	}

	switch b := (*s)[0]; {
	case b&0x80 == 0:
		var v uint8
		if !s.ReadUint8(&v) {
			return false
		}
		*out = uint32(v)
	case b&0xC0 == 0x80:
		var v uint16
		if !s.ReadUint16(&v) {
			return false
		}
		*out = uint32(v & 0x3FFF)
	case b&0xE0 == 0xC0:
		var v uint32
		if !s.ReadUint32(&v) {
			return false
		}
		*out = v & 0x1FFFFFFF
	default:
		return false
	}

	return true
}

// ReadSerString reads a SerString (partition II, 23.3) from s: either the
// single byte 0xFF for a null string, or a compressed length followed by that
// many bytes of UTF-8. A null string is returned as "".
func ReadSerString(s *cryptobyte.String, out *string) bool {
	if len(*s) > 0 && (*s)[0] == nullSerString {
		*out = ""
		return s.Skip(1)
	}

	var n uint32
	var b []byte
	if !ReadCompressedUint(s, &n) || !s.ReadBytes(&b, int(n)) {
		return false
	}

	*out = strings.ToValidUTF8(string(b), "�")
	return true
}

// String returns the NUL-terminated string at offset idx in the #Strings heap.
func (r *Reader) String(idx uint32) (string, error) {
	if idx == 0 {
		return "", nil
	}
	if uint64(idx) >= uint64(len(r.strings)) {
		return "", fmt.Errorf("#Strings[0x%X]: %w", idx, ErrHeapIndex)
	}

	tail := r.strings[idx:]
	end := bytes.IndexByte(tail, 0)
	if end < 0 {
		return "", fmt.Errorf("#Strings[0x%X] is not terminated: %w", idx, ErrHeapIndex)
	}

	return string(tail[:end]), nil
}

// Blob returns the length-prefixed blob at offset idx in the #Blob heap.
// The returned slice aliases the metadata buffer.
func (r *Reader) Blob(idx uint32) ([]byte, error) {
	if idx == 0 {
		return nil, nil
	}
	if uint64(idx) >= uint64(len(r.blobs)) {
		return nil, fmt.Errorf("#Blob[0x%X]: %w", idx, ErrHeapIndex)
	}

	s := cryptobyte.String(r.blobs[idx:])
	var n uint32
	var b []byte
	if !ReadCompressedUint(&s, &n) || !s.ReadBytes(&b, int(n)) {
		return nil, fmt.Errorf("#Blob[0x%X] overruns the heap: %w", idx, ErrHeapIndex)
	}

	return b, nil
}

// GUID returns the 1-based entry idx of the #GUID heap.
func (r *Reader) GUID(idx uint32) ([16]byte, error) {
	var g [16]byte
	if idx == 0 {
		return g, nil
	}

	off := (uint64(idx) - 1) * 16
	if off+16 > uint64(len(r.guids)) {
		return g, fmt.Errorf("#GUID[%d]: %w", idx, ErrHeapIndex)
	}

	copy(g[:], r.guids[off:off+16])
	return g, nil
}

// UserString returns the UTF-16 string at offset idx in the #US heap, decoded
// to UTF-8.
func (r *Reader) UserString(idx uint32) (string, error) {
	if idx == 0 {
		return "", nil
	}
	if uint64(idx) >= uint64(len(r.userStrings)) {
		return "", fmt.Errorf("#US[0x%X]: %w", idx, ErrHeapIndex)
	}

	s := cryptobyte.String(r.userStrings[idx:])
	var n uint32
	var b []byte
	if !ReadCompressedUint(&s, &n) || !s.ReadBytes(&b, int(n)) {
		return "", fmt.Errorf("#US[0x%X] overruns the heap: %w", idx, ErrHeapIndex)
	}

	// The last byte flags whether the string needs special handling; it is
	// not part of the text.
	if len(b)%2 == 1 {
		b = b[:len(b)-1]
	}

	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return string(utf16.Decode(u)), nil
}
