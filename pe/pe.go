// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package pe provides facilities for extracting information from PE binaries.
// It understands enough of the format to locate the CLI header of managed
// binaries and hand their metadata to package metadata.
package pe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/mmap"
)

// The following constants are from the PE spec
const (
	maxNumSections                 = 96
	mzSignature                    = uint16(0x5A4D) // little-endian
	offsetIMAGE_DOS_HEADERe_lfanew = 0x3C
	peSignature                    = uint32(0x00004550) // little-endian
)

var (
	// ErrBadLength is returned when the actual length of a data field in the
	// binary is shorter than the expected length of that field.
	ErrBadLength = errors.New("effective length did not match expected length")
	// ErrIndexOutOfRange is returned by (*PEHeaders).DataDirectoryEntry if the
	// specified index is greater than the maximum allowable index.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrInvalidBinary is returned whenever the headers do not parse as expected,
	// or reference locations outside the bounds of the PE file.
	// The headers might be corrupt, malicious, or have been tampered with.
	ErrInvalidBinary = errors.New("invalid PE binary")
	// ErrNotManaged is returned when the binary does not carry a CLI header.
	ErrNotManaged = errors.New("PE binary does not contain managed code")
	// ErrNotPresent is returned by (*PEHeaders).DataDirectoryEntry if the
	// corresponding entry is not populated in the PE image.
	ErrNotPresent = errors.New("not present in this PE image")
	// ErrOutOfBounds is returned by (*Image).Content when the requested range
	// is not entirely contained in the image.
	ErrOutOfBounds = errors.New("range lies outside of the PE image")
	// ErrResolvingFileRVA is returned when the result of arithmetic on a relative
	// virtual address did not resolve to a valid file offset.
	ErrResolvingFileRVA = errors.New("could not resolve file RVA")
	// ErrUnsupportedMachine is returned if the binary's CPU architecture is
	// not one that managed binaries are produced for.
	ErrUnsupportedMachine = errors.New("unsupported machine")
)

// FileHeader is the PE/COFF IMAGE_FILE_HEADER structure.
type FileHeader dpe.FileHeader

// SectionHeader is the PE/COFF IMAGE_SECTION_HEADER structure.
type SectionHeader dpe.SectionHeader32

// NameString returns the name of s as a Go string.
func (s *SectionHeader) NameString() string {
	// s.Name is UTF-8. When the string's length is < len(s.Name), the remaining
	// bytes are padded with zeros.
	for i, c := range s.Name {
		if c == 0 {
			return string(s.Name[:i])
		}
	}

	return string(s.Name[:])
}

type peReader interface {
	io.Closer
	io.ReaderAt
	io.ReadSeeker
	Limit() int64
}

// peFile is a view over the whole file, backed either by a memory mapping,
// an open *os.File or a caller-supplied buffer.
type peFile struct {
	*io.SectionReader
	closer io.Closer
}

func (pef *peFile) Limit() int64 {
	return pef.Size()
}

func (pef *peFile) Close() error {
	if pef.closer == nil {
		return nil
	}
	c := pef.closer
	pef.closer = nil
	return c.Close()
}

// PEHeaders represents the partially-parsed headers from a PE binary.
type PEHeaders struct {
	r              peReader
	fileHeader     *FileHeader
	optionalHeader OptionalHeader
	sections       []SectionHeader
	corHeader      *CorHeader
}

// FileHeader returns the FileHeader that was parsed from peh.
func (peh *PEHeaders) FileHeader() *FileHeader {
	return peh.fileHeader
}

// OptionalHeader returns the OptionalHeader that was parsed from peh.
func (peh *PEHeaders) OptionalHeader() OptionalHeader {
	return peh.optionalHeader
}

// Sections returns a slice containing all section headers parsed from peh.
func (peh *PEHeaders) Sections() []SectionHeader {
	return peh.sections
}

// DataDirectoryEntry is a PE/COFF IMAGE_DATA_DIRECTORY structure.
type DataDirectoryEntry = dpe.DataDirectory

// Options controls how a PE file is brought into memory.
type Options struct {
	// DisableMmap reads the file through an *os.File instead of mapping it.
	DisableMmap bool
	// MmapThreshold is the minimum file size in bytes for which a memory
	// mapping is attempted. Zero maps every file.
	MmapThreshold int64
}

func shouldUseMmap(filename string, opts *Options) bool {
	if opts.DisableMmap {
		return false
	}

	fi, err := os.Stat(filename)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}

	// Empty files cannot be mapped on every platform.
	return fi.Size() > 0 && fi.Size() >= opts.MmapThreshold
}

// NewPEFromFileName opens a PE binary located at filename and parses its PE
// headers. opts may be nil. Upon success it returns a non-nil *PEHeaders,
// otherwise it returns a nil *PEHeaders and a non-nil error.
// Call Close() on the returned *PEHeaders when it is no longer needed.
func NewPEFromFileName(filename string, opts *Options) (*PEHeaders, error) {
	if opts == nil {
		opts = &Options{}
	}

	if shouldUseMmap(filename, opts) {
		// Mapping can fail because of OS limits or permissions; the plain file
		// path below still works in that case.
		if m, err := mmap.Open(filename); err == nil {
			return newPE(io.NewSectionReader(m, 0, int64(m.Len())), m)
		}
	}

	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	return newPEFromFile(f)
}

func newPEFromFile(f *os.File) (*PEHeaders, error) {
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return newPE(io.NewSectionReader(f, 0, fi.Size()), f)
}

// NewPEFromBytes parses the PE headers of a binary that has already been read
// into memory. buf must not be modified while the returned *PEHeaders is in use.
func NewPEFromBytes(buf []byte) (*PEHeaders, error) {
	return newPE(io.NewSectionReader(bytes.NewReader(buf), 0, int64(len(buf))), nil)
}

func newPE(sr *io.SectionReader, closer io.Closer) (*PEHeaders, error) {
	pef := &peFile{SectionReader: sr, closer: closer}
	peh, err := loadHeaders(pef)
	if err != nil {
		pef.Close()
		return nil, err
	}

	return peh, nil
}

// Close frees any resources that were opened when peh was created.
func (peh *PEHeaders) Close() error {
	return peh.r.Close()
}

func binaryRead(r io.Reader, data any) (err error) {
	// PE is always little-endian
	err = binary.Read(r, binary.LittleEndian, data)
	if err == io.ErrUnexpectedEOF {
		err = ErrBadLength
	}
	return err
}

// readStruct reads a T from file offset off.
func readStruct[T any, O constraints.Integer](r peReader, off O) (*T, error) {
	if off < 0 || int64(off) >= r.Limit() {
		return nil, ErrInvalidBinary
	}
	if _, err := r.Seek(int64(off), io.SeekStart); err != nil {
		return nil, err
	}

	result := new(T)
	if err := binaryRead(r, result); err != nil {
		if err == io.EOF {
			err = ErrInvalidBinary
		}
		return nil, err
	}

	return result, nil
}

// readStructArray reads a []T with length count from file offset off.
func readStructArray[T any, O constraints.Integer](r peReader, off O, count int) ([]T, error) {
	if off < 0 || int64(off) >= r.Limit() {
		return nil, ErrInvalidBinary
	}
	if _, err := r.Seek(int64(off), io.SeekStart); err != nil {
		return nil, err
	}

	result := make([]T, count)
	if err := binaryRead(r, result); err != nil {
		if err == io.EOF {
			err = ErrInvalidBinary
		}
		return nil, err
	}

	return result, nil
}

func checkMachine(machine uint16) bool {
	switch machine {
	case dpe.IMAGE_FILE_MACHINE_I386,
		dpe.IMAGE_FILE_MACHINE_AMD64,
		dpe.IMAGE_FILE_MACHINE_ARM64,
		dpe.IMAGE_FILE_MACHINE_ARMNT,
		dpe.IMAGE_FILE_MACHINE_IA64:
		return true
	default:
		return false
	}
}

func loadHeaders(r peReader) (*PEHeaders, error) {
	// Check the signature of the DOS stub header
	mz, err := readStruct[uint16](r, 0)
	if err != nil {
		if err == ErrBadLength {
			err = ErrInvalidBinary
		}
		return nil, err
	}
	if *mz != mzSignature {
		return nil, ErrInvalidBinary
	}

	// Load the offset to the beginning of the PE headers
	e_lfanew, err := readStruct[int32](r, offsetIMAGE_DOS_HEADERe_lfanew)
	if err != nil {
		if err == ErrBadLength {
			err = ErrInvalidBinary
		}
		return nil, err
	}
	if *e_lfanew <= 0 || int64(*e_lfanew) >= r.Limit() {
		return nil, ErrInvalidBinary
	}

	// Check the PE signature
	pe, err := readStruct[uint32](r, *e_lfanew)
	if err != nil {
		if err == ErrBadLength {
			err = ErrInvalidBinary
		}
		return nil, err
	}
	if *pe != peSignature {
		return nil, ErrInvalidBinary
	}

	// Read the file header
	fileHeaderOffset := int64(*e_lfanew) + int64(binary.Size(*pe))
	fileHeader, err := readStruct[FileHeader](r, fileHeaderOffset)
	if err != nil {
		return nil, err
	}

	if !checkMachine(fileHeader.Machine) {
		return nil, ErrUnsupportedMachine
	}

	// Read the optional header
	optionalHeaderOffset := fileHeaderOffset + int64(binary.Size(fileHeader))
	optionalHeader, err := resolveOptionalHeader(r, optionalHeaderOffset)
	if err != nil {
		return nil, err
	}

	if fileHeader.SizeOfOptionalHeader < optionalHeader.SizeOf() {
		return nil, ErrInvalidBinary
	}

	// Coarse-grained check that header sizes make sense
	totalEssentialHeaderLen := uint32(offsetIMAGE_DOS_HEADERe_lfanew) +
		uint32(binary.Size(*e_lfanew)) +
		uint32(binary.Size(fileHeader)) +
		uint32(fileHeader.SizeOfOptionalHeader)
	if optionalHeader.GetSizeOfImage() < totalEssentialHeaderLen {
		return nil, ErrInvalidBinary
	}

	numSections := fileHeader.NumberOfSections
	if numSections > maxNumSections {
		// More than 96 sections?! Really?!
		return nil, ErrInvalidBinary
	}

	// Read in the section table
	sectionTableOffset := optionalHeaderOffset + int64(fileHeader.SizeOfOptionalHeader)
	sections, err := readStructArray[SectionHeader](r, sectionTableOffset, int(numSections))
	if err != nil {
		return nil, err
	}

	return &PEHeaders{r: r, fileHeader: fileHeader, optionalHeader: optionalHeader, sections: sections}, nil
}

type rva32 interface {
	~int32 | ~uint32
}

// resolveRVA resolves rva to a file offset, or returns 0 if unavailable.
func resolveRVA[R rva32](nfo *PEHeaders, rva R) R {
	if rva <= 0 {
		return 0
	}

	// We walk the section table, locating the section that would contain rva if
	// we were mapped into memory. We then calculate the offset of rva from the
	// starting virtual address of the section, and then add that offset to the
	// section's starting file pointer.
	urva := uint32(rva)
	for _, s := range nfo.sections {
		if urva < s.VirtualAddress {
			continue
		}
		if urva >= (s.VirtualAddress + s.VirtualSize) {
			continue
		}
		voff := urva - s.VirtualAddress
		foff := s.PointerToRawData + voff
		if foff >= s.PointerToRawData+s.SizeOfRawData {
			return 0
		}
		return R(foff)
	}

	return 0
}

// TryGetDirectoryOffset returns the file offset of the data referenced by dde.
// It returns false when no section contains dde's virtual address.
func (nfo *PEHeaders) TryGetDirectoryOffset(dde DataDirectoryEntry) (uint32, bool) {
	off := resolveRVA(nfo, dde.VirtualAddress)
	return off, off != 0
}

// DataDirectoryIndex is an enumeration specifying a particular entry in the
// data directory.
type DataDirectoryIndex int

const (
	IMAGE_DIRECTORY_ENTRY_EXPORT         = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	IMAGE_DIRECTORY_ENTRY_IMPORT         = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_IMPORT)
	IMAGE_DIRECTORY_ENTRY_RESOURCE       = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	IMAGE_DIRECTORY_ENTRY_EXCEPTION      = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_EXCEPTION)
	IMAGE_DIRECTORY_ENTRY_SECURITY       = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_SECURITY)
	IMAGE_DIRECTORY_ENTRY_BASERELOC      = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_BASERELOC)
	IMAGE_DIRECTORY_ENTRY_DEBUG          = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_DEBUG)
	IMAGE_DIRECTORY_ENTRY_ARCHITECTURE   = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_ARCHITECTURE)
	IMAGE_DIRECTORY_ENTRY_GLOBALPTR      = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_GLOBALPTR)
	IMAGE_DIRECTORY_ENTRY_TLS            = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_TLS)
	IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG    = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG)
	IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT   = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT)
	IMAGE_DIRECTORY_ENTRY_IAT            = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_IAT)
	IMAGE_DIRECTORY_ENTRY_DELAY_IMPORT   = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_DELAY_IMPORT)
	IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR = DataDirectoryIndex(dpe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR)
)

// DataDirectoryEntry returns information from nfo's data directory at index idx.
// The type of the return value depends on the value of idx. Most values for idx
// return the DataDirectoryEntry itself, however
// IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR returns a *CorHeader.
func (nfo *PEHeaders) DataDirectoryEntry(idx DataDirectoryIndex) (any, error) {
	dd := nfo.optionalHeader.GetDataDirectory()
	if idx < 0 || int(idx) >= len(dd) {
		return nil, ErrIndexOutOfRange
	}

	dde := dd[idx]
	if dde.VirtualAddress == 0 || dde.Size == 0 {
		return nil, ErrNotPresent
	}

	switch idx {
	case IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR:
		return nfo.extractCorHeader(dde)
	default:
		return dde, nil
	}
}
