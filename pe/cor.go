// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/amirebrahimi/qsharp-compiler/metadata"
)

// COMIMAGE_FLAGS are the values for CorHeader.Flags.
const (
	COMIMAGE_FLAGS_ILONLY           = 0x00000001
	COMIMAGE_FLAGS_32BITREQUIRED    = 0x00000002
	COMIMAGE_FLAGS_STRONGNAMESIGNED = 0x00000008
	COMIMAGE_FLAGS_32BITPREFERRED   = 0x00020000
)

// CorHeader is the IMAGE_COR20_HEADER structure found through the
// IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR entry of a managed binary.
type CorHeader struct {
	Cb                      uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                DataDirectoryEntry
	Flags                   uint32
	EntryPointTokenOrRVA    uint32
	Resources               DataDirectoryEntry
	StrongNameSignature     DataDirectoryEntry
	CodeManagerTable        DataDirectoryEntry
	VTableFixups            DataDirectoryEntry
	ExportAddressTableJumps DataDirectoryEntry
	ManagedNativeHeader     DataDirectoryEntry
}

func (nfo *PEHeaders) extractCorHeader(dde DataDirectoryEntry) (*CorHeader, error) {
	off, ok := nfo.TryGetDirectoryOffset(dde)
	if !ok {
		return nil, ErrResolvingFileRVA
	}

	cor, err := readStruct[CorHeader](nfo.r, off)
	if err != nil {
		return nil, err
	}
	if cor.Cb < uint32(binary.Size(cor)) {
		return nil, ErrInvalidBinary
	}

	return cor, nil
}

// CorHeader returns the CLI header of nfo, or ErrNotManaged when nfo is not a
// managed binary.
func (nfo *PEHeaders) CorHeader() (*CorHeader, error) {
	if nfo.corHeader != nil {
		return nfo.corHeader, nil
	}

	v, err := nfo.DataDirectoryEntry(IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR)
	if err != nil {
		if errors.Is(err, ErrNotPresent) || errors.Is(err, ErrIndexOutOfRange) {
			err = ErrNotManaged
		}
		return nil, err
	}

	nfo.corHeader = v.(*CorHeader)
	return nfo.corHeader, nil
}

// ResourcesDirectoryOffset returns the file offset of the managed resources
// blob. The offset of every embedded manifest resource is relative to it.
// It returns false when nfo is not managed or declares no resources region.
func (nfo *PEHeaders) ResourcesDirectoryOffset() (uint32, bool) {
	cor, err := nfo.CorHeader()
	if err != nil {
		return 0, false
	}

	return nfo.TryGetDirectoryOffset(cor.Resources)
}

// MetadataReader returns a reader for the ECMA-335 metadata of nfo.
func (nfo *PEHeaders) MetadataReader() (*metadata.Reader, error) {
	cor, err := nfo.CorHeader()
	if err != nil {
		return nil, err
	}

	off, ok := nfo.TryGetDirectoryOffset(cor.MetaData)
	if !ok {
		return nil, fmt.Errorf("metadata directory: %w", ErrResolvingFileRVA)
	}

	buf, err := nfo.Image().Content(int64(off), int64(cor.MetaData.Size))
	if err != nil {
		return nil, fmt.Errorf("metadata directory: %w", err)
	}

	return metadata.NewReader(buf)
}
