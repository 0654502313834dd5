// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	dpe "debug/pe"
	"encoding/binary"
)

const (
	optionalHeaderMagicPE32     = 0x010B
	optionalHeaderMagicPE32Plus = 0x020B
)

// OptionalHeader provides access to the fields of the PE optional header that
// are common to both its 32-bit and 64-bit layouts.
type OptionalHeader interface {
	GetMagic() uint16
	GetSizeOfImage() uint32
	GetDataDirectory() []DataDirectoryEntry
	// SizeOf returns the size of the fixed-length structure, including a full
	// data directory.
	SizeOf() uint16
}

type optionalHeader32 dpe.OptionalHeader32

func (oh *optionalHeader32) GetMagic() uint16 {
	return oh.Magic
}

func (oh *optionalHeader32) GetSizeOfImage() uint32 {
	return oh.SizeOfImage
}

func (oh *optionalHeader32) GetDataDirectory() []DataDirectoryEntry {
	return trimDataDirectory(oh.DataDirectory[:], oh.NumberOfRvaAndSizes)
}

func (oh *optionalHeader32) SizeOf() uint16 {
	return uint16(binary.Size(oh))
}

type optionalHeader64 dpe.OptionalHeader64

func (oh *optionalHeader64) GetMagic() uint16 {
	return oh.Magic
}

func (oh *optionalHeader64) GetSizeOfImage() uint32 {
	return oh.SizeOfImage
}

func (oh *optionalHeader64) GetDataDirectory() []DataDirectoryEntry {
	return trimDataDirectory(oh.DataDirectory[:], oh.NumberOfRvaAndSizes)
}

func (oh *optionalHeader64) SizeOf() uint16 {
	return uint16(binary.Size(oh))
}

func trimDataDirectory(dd []DataDirectoryEntry, cnt uint32) []DataDirectoryEntry {
	if maxCnt := uint32(len(dd)); cnt > maxCnt {
		cnt = maxCnt
	}
	return dd[:cnt]
}

// resolveOptionalHeader picks the optional header layout from its magic number.
// Managed binaries built for AnyCPU use PE32 regardless of the machine they
// end up running on, so the machine field is not a reliable guide.
func resolveOptionalHeader(r peReader, offset int64) (OptionalHeader, error) {
	magic, err := readStruct[uint16](r, offset)
	if err != nil {
		return nil, err
	}

	switch *magic {
	case optionalHeaderMagicPE32:
		return readStruct[optionalHeader32](r, offset)
	case optionalHeaderMagicPE32Plus:
		return readStruct[optionalHeader64](r, offset)
	default:
		return nil, ErrInvalidBinary
	}
}
