// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package testpe builds small managed PE images for tests. The images carry
// just enough metadata for the loader: a module, an assembly, the types and
// constructors of custom attributes, and manifest resources.
package testpe

import (
	"bytes"
	dpe "debug/pe"
	"encoding/binary"
	"os"
	"sort"
)

const (
	peOffset         = 0x80
	fileAlignment    = 0x200
	sectionAlignment = 0x1000
	textRVA          = 0x2000
	textFileOffset   = 0x200
	corHeaderSize    = 72
	imageBase        = 0x400000
)

// Attribute is a custom attribute with a single string argument.
type Attribute struct {
	Namespace string
	Name      string
	// Value is the string argument. It is ignored when Blob is set.
	Value string
	// Blob, when non-nil, is used verbatim as the attribute value blob.
	Blob []byte
	// ViaMethodDef makes the constructor a MethodDef of a TypeDef declared in
	// the image instead of a MemberRef of an external TypeRef.
	ViaMethodDef bool
	// OnModule attaches the attribute to the module instead of the assembly.
	OnModule bool
	// RawConstructor, when non-nil, replaces the encoded CustomAttributeType
	// column.
	RawConstructor *uint32
	// RawParent, when non-nil, replaces the encoded MemberRefParent column of
	// the constructor's MemberRef.
	RawParent *uint32
}

// Resource is a manifest resource.
type Resource struct {
	Name string
	// Data is written behind a four byte little-endian length prefix.
	Data []byte
	// Raw is written as-is instead of Data when non-nil.
	Raw []byte
	// External points the resource at an assembly reference, so that no data
	// is written into the image.
	External bool
	// Offset, when non-nil, replaces the offset recorded in the table.
	Offset *uint32
}

// Builder describes an image. The zero value produces a valid AnyCPU PE32
// assembly without attributes or resources.
type Builder struct {
	Machine  uint16
	PE32Plus bool

	Attributes []Attribute
	Resources  []Resource

	// NoCLIHeader produces a native image.
	NoCLIHeader bool
	// NoResourceDirectory leaves the CLI header's resources directory empty
	// even when there are local resources.
	NoResourceDirectory bool
	// NoAssembly leaves the Assembly table empty, as in a netmodule.
	NoAssembly bool
	// Unoptimized emits a "#-" tables stream with a MethodPtr table that lists
	// the methods in reverse.
	Unoptimized bool
	// LargeHeaps forces four byte heap indexes.
	LargeHeaps bool
	// ExtraData sets the extra data flag of the tables stream header.
	ExtraData bool
	// Version is the metadata version string; "v4.0.30319" when empty.
	Version string
}

// StringArg returns the value blob of a custom attribute whose constructor
// takes a single string: the prolog, the SerString and zero named arguments.
func StringArg(s string) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x01, 0x00})
	writeCompressed(&b, uint32(len(s)))
	b.WriteString(s)
	b.Write([]byte{0x00, 0x00})
	return b.Bytes()
}

// NullStringArg returns the value blob of a custom attribute whose single
// string argument is null.
func NullStringArg() []byte {
	return []byte{0x01, 0x00, 0xFF, 0x00, 0x00}
}

func writeCompressed(b *bytes.Buffer, v uint32) {
	switch {
	case v < 0x80:
		b.WriteByte(byte(v))
	case v < 0x4000:
		b.WriteByte(byte(v>>8) | 0x80)
		b.WriteByte(byte(v))
	default:
		b.WriteByte(byte(v>>24) | 0xC0)
		b.WriteByte(byte(v >> 16))
		b.WriteByte(byte(v >> 8))
		b.WriteByte(byte(v))
	}
}

func alignUp(v, a int) int {
	return (v + a - 1) &^ (a - 1)
}

func pad(b *bytes.Buffer, a int) {
	for b.Len()%a != 0 {
		b.WriteByte(0)
	}
}

type heaps struct {
	strings   bytes.Buffer
	stringIdx map[string]uint32
	blobs     bytes.Buffer
}

func newHeaps() *heaps {
	h := &heaps{stringIdx: map[string]uint32{"": 0}}
	h.strings.WriteByte(0)
	h.blobs.WriteByte(0)
	return h
}

func (h *heaps) str(s string) uint32 {
	if idx, ok := h.stringIdx[s]; ok {
		return idx
	}
	idx := uint32(h.strings.Len())
	h.strings.WriteString(s)
	h.strings.WriteByte(0)
	h.stringIdx[s] = idx
	return idx
}

func (h *heaps) blob(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	idx := uint32(h.blobs.Len())
	writeCompressed(&h.blobs, uint32(len(b)))
	h.blobs.Write(b)
	return idx
}

// Table numbers, kept local so that the builder does not depend on the code
// under test.
const (
	tModule           = 0x00
	tTypeRef          = 0x01
	tTypeDef          = 0x02
	tMethodPtr        = 0x05
	tMethodDef        = 0x06
	tMemberRef        = 0x0A
	tCustomAttribute  = 0x0C
	tAssembly         = 0x20
	tAssemblyRef      = 0x23
	tManifestResource = 0x28
)

// row is a sequence of column values together with their widths.
type row []col

type col struct {
	v     uint32
	width int
}

func u16(v uint32) col { return col{v, 2} }
func u32(v uint32) col { return col{v, 4} }

// ctorSignature is "instance void .ctor(string)".
var ctorSignature = []byte{0x20, 0x01, 0x01, 0x0E}

// MetadataBytes returns the metadata blob that Bytes embeds.
func (b *Builder) MetadataBytes() []byte {
	md, _ := b.metadata()
	return md
}

func (b *Builder) metadata() ([]byte, []byte) {
	h := newHeaps()
	heapWidth := 2
	if b.LargeHeaps {
		heapWidth = 4
	}
	hs := func(s string) col { return col{h.str(s), heapWidth} }
	hb := func(v []byte) col { return col{h.blob(v), heapWidth} }

	tables := map[int][]row{}

	tables[tModule] = []row{{u16(0), hs("test.dll"), {1, heapWidth}, {0, heapWidth}, {0, heapWidth}}}
	if !b.NoAssembly {
		tables[tAssembly] = []row{{
			u32(0x8004), u16(1), u16(0), u16(0), u16(0), u32(0), hb(nil), hs("Test"), hs(""),
		}}
	}
	tables[tAssemblyRef] = []row{{
		u16(4), u16(0), u16(0), u16(0), u32(0), hb(nil), hs("mscorlib"), hs(""), hb(nil),
	}}

	// TypeDef 1 is the <Module> pseudo type, which owns no methods.
	typeDefs := []row{{u32(0), hs("<Module>"), hs(""), u16(0), u16(1), u16(1)}}

	var methodTypes, typeRefs, memberRefs, attrs []row
	var nMethods uint32
	for _, a := range b.Attributes {
		if a.ViaMethodDef {
			nMethods++
		}
	}

	var methodPos uint32
	for _, a := range b.Attributes {
		var ctor uint32
		if a.ViaMethodDef {
			methodPos++
			methodTypes = append(methodTypes, row{
				u32(0x00100001), hs(a.Name), hs(a.Namespace), u16(0), u16(1), u16(methodPos),
			})
			methodRow := methodPos
			if b.Unoptimized {
				methodRow = nMethods + 1 - methodPos
			}
			ctor = methodRow<<3 | 2
		} else {
			typeRefs = append(typeRefs, row{u16(1<<2 | 2), hs(a.Name), hs(a.Namespace)})
			parent := uint32(len(typeRefs))<<3 | 1
			if a.RawParent != nil {
				parent = *a.RawParent
			}
			memberRefs = append(memberRefs, row{u16(parent), hs(".ctor"), hb(ctorSignature)})
			ctor = uint32(len(memberRefs))<<3 | 3
		}
		if a.RawConstructor != nil {
			ctor = *a.RawConstructor
		}

		parent := uint32(1)<<5 | 14
		if a.OnModule {
			parent = uint32(1)<<5 | 7
		}

		value := a.Blob
		if value == nil {
			value = StringArg(a.Value)
		}
		attrs = append(attrs, row{u16(parent), u16(ctor), hb(value)})
	}

	tables[tTypeDef] = append(typeDefs, methodTypes...)
	tables[tTypeRef] = typeRefs
	tables[tMemberRef] = memberRefs
	tables[tCustomAttribute] = attrs

	var methods, methodPtrs []row
	for i := uint32(1); i <= nMethods; i++ {
		methods = append(methods, row{u32(0), u16(0), u16(0x1886), hs(".ctor"), hb(ctorSignature), u16(1)})
		if b.Unoptimized {
			methodPtrs = append(methodPtrs, row{u16(nMethods + 1 - i)})
		}
	}
	tables[tMethodDef] = methods
	tables[tMethodPtr] = methodPtrs

	var resources bytes.Buffer
	var manifest []row
	for _, r := range b.Resources {
		impl := uint32(0)
		offset := uint32(0)
		if r.External {
			impl = 1<<2 | 1
		} else {
			offset = uint32(resources.Len())
			if r.Raw != nil {
				resources.Write(r.Raw)
			} else {
				binary.Write(&resources, binary.LittleEndian, uint32(len(r.Data)))
				resources.Write(r.Data)
			}
			pad(&resources, 8)
		}
		if r.Offset != nil {
			offset = *r.Offset
		}
		manifest = append(manifest, row{u32(offset), u32(0x0001), hs(r.Name), u16(impl)})
	}
	tables[tManifestResource] = manifest

	return b.encodeMetadata(h, tables), resources.Bytes()
}

func (b *Builder) encodeMetadata(h *heaps, tables map[int][]row) []byte {
	var ts bytes.Buffer
	var heapSizes byte
	if b.LargeHeaps {
		heapSizes |= 0x07
	}
	if b.ExtraData {
		heapSizes |= 0x40
	}

	var present []int
	var valid uint64
	for t, rows := range tables {
		if len(rows) > 0 {
			present = append(present, t)
			valid |= 1 << t
		}
	}
	sort.Ints(present)

	binary.Write(&ts, binary.LittleEndian, uint32(0))
	ts.Write([]byte{2, 0, heapSizes, 1})
	binary.Write(&ts, binary.LittleEndian, valid)
	binary.Write(&ts, binary.LittleEndian, uint64(0))
	for _, t := range present {
		binary.Write(&ts, binary.LittleEndian, uint32(len(tables[t])))
	}
	if b.ExtraData {
		binary.Write(&ts, binary.LittleEndian, uint32(0))
	}
	for _, t := range present {
		for _, r := range tables[t] {
			for _, c := range r {
				if c.width == 2 {
					binary.Write(&ts, binary.LittleEndian, uint16(c.v))
				} else {
					binary.Write(&ts, binary.LittleEndian, c.v)
				}
			}
		}
	}
	pad(&ts, 4)
	pad(&h.strings, 4)
	pad(&h.blobs, 4)

	tableStream := "#~"
	if b.Unoptimized {
		tableStream = "#-"
	}

	guids := make([]byte, 16)
	for i := range guids {
		guids[i] = byte(i + 1)
	}
	userStrings := []byte{0, 0, 0, 0}

	type stream struct {
		name string
		data []byte
	}
	streams := []stream{
		{tableStream, ts.Bytes()},
		{"#Strings", h.strings.Bytes()},
		{"#US", userStrings},
		{"#GUID", guids},
		{"#Blob", h.blobs.Bytes()},
	}

	version := b.Version
	if version == "" {
		version = "v4.0.30319"
	}
	verLen := alignUp(len(version)+1, 4)

	headerLen := 16 + verLen + 4
	for _, s := range streams {
		headerLen += 8 + alignUp(len(s.name)+1, 4)
	}

	var md bytes.Buffer
	binary.Write(&md, binary.LittleEndian, uint32(0x424A5342))
	binary.Write(&md, binary.LittleEndian, uint16(1))
	binary.Write(&md, binary.LittleEndian, uint16(1))
	binary.Write(&md, binary.LittleEndian, uint32(0))
	binary.Write(&md, binary.LittleEndian, uint32(verLen))
	md.WriteString(version)
	for i := len(version); i < verLen; i++ {
		md.WriteByte(0)
	}
	binary.Write(&md, binary.LittleEndian, uint16(0))
	binary.Write(&md, binary.LittleEndian, uint16(len(streams)))

	offset := headerLen
	for _, s := range streams {
		binary.Write(&md, binary.LittleEndian, uint32(offset))
		binary.Write(&md, binary.LittleEndian, uint32(len(s.data)))
		md.WriteString(s.name)
		md.WriteByte(0)
		pad(&md, 4)
		offset += len(s.data)
	}
	for _, s := range streams {
		md.Write(s.data)
	}

	return md.Bytes()
}

// Bytes returns the complete image.
func (b *Builder) Bytes() []byte {
	md, resources := b.metadata()

	// .text holds the CLI header, then the resources, then the metadata.
	var text bytes.Buffer
	resourcesRVA := textRVA + corHeaderSize
	text.Write(make([]byte, corHeaderSize))
	text.Write(resources)
	pad(&text, 4)
	metadataRVA := textRVA + text.Len()
	text.Write(md)

	cor := text.Bytes()[:corHeaderSize]
	le := binary.LittleEndian
	le.PutUint32(cor[0:], corHeaderSize)
	le.PutUint16(cor[4:], 2)
	le.PutUint16(cor[6:], 5)
	le.PutUint32(cor[8:], uint32(metadataRVA))
	le.PutUint32(cor[12:], uint32(len(md)))
	le.PutUint32(cor[16:], 0x00000001) // COMIMAGE_FLAGS_ILONLY
	if !b.NoResourceDirectory && len(resources) > 0 {
		le.PutUint32(cor[24:], uint32(resourcesRVA))
		le.PutUint32(cor[28:], uint32(len(resources)))
	}

	textLen := text.Len()
	rawSize := alignUp(textLen, fileAlignment)
	sizeOfImage := uint32(textRVA + alignUp(textLen, sectionAlignment))

	var dataDir [16]dpe.DataDirectory
	if !b.NoCLIHeader {
		dataDir[dpe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR] = dpe.DataDirectory{
			VirtualAddress: textRVA,
			Size:           corHeaderSize,
		}
	}

	machine := b.Machine
	if machine == 0 {
		machine = dpe.IMAGE_FILE_MACHINE_I386
	}

	var optional any
	characteristics := uint16(dpe.IMAGE_FILE_EXECUTABLE_IMAGE | dpe.IMAGE_FILE_DLL)
	if b.PE32Plus {
		optional = &dpe.OptionalHeader64{
			Magic:                       0x20B,
			SizeOfCode:                  uint32(rawSize),
			BaseOfCode:                  textRVA,
			ImageBase:                   imageBase,
			SectionAlignment:            sectionAlignment,
			FileAlignment:               fileAlignment,
			MajorOperatingSystemVersion: 4,
			MajorSubsystemVersion:       4,
			SizeOfImage:                 sizeOfImage,
			SizeOfHeaders:               textFileOffset,
			Subsystem:                   dpe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			SizeOfStackReserve:          0x100000,
			SizeOfStackCommit:           0x1000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x1000,
			NumberOfRvaAndSizes:         16,
			DataDirectory:               dataDir,
		}
		characteristics |= dpe.IMAGE_FILE_LARGE_ADDRESS_AWARE
	} else {
		optional = &dpe.OptionalHeader32{
			Magic:                       0x10B,
			SizeOfCode:                  uint32(rawSize),
			BaseOfCode:                  textRVA,
			ImageBase:                   imageBase,
			SectionAlignment:            sectionAlignment,
			FileAlignment:               fileAlignment,
			MajorOperatingSystemVersion: 4,
			MajorSubsystemVersion:       4,
			SizeOfImage:                 sizeOfImage,
			SizeOfHeaders:               textFileOffset,
			Subsystem:                   dpe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			SizeOfStackReserve:          0x100000,
			SizeOfStackCommit:           0x1000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x1000,
			NumberOfRvaAndSizes:         16,
			DataDirectory:               dataDir,
		}
		characteristics |= dpe.IMAGE_FILE_32BIT_MACHINE
	}

	var out bytes.Buffer
	out.Write([]byte{'M', 'Z'})
	out.Write(make([]byte, 0x3C-2))
	binary.Write(&out, le, uint32(peOffset))
	out.Write(make([]byte, peOffset-out.Len()))

	out.WriteString("PE\x00\x00")
	binary.Write(&out, le, dpe.FileHeader{
		Machine:              machine,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(binary.Size(optional)),
		Characteristics:      characteristics,
	})
	binary.Write(&out, le, optional)

	var name [8]uint8
	copy(name[:], ".text")
	binary.Write(&out, le, dpe.SectionHeader32{
		Name:             name,
		VirtualSize:      uint32(textLen),
		VirtualAddress:   textRVA,
		SizeOfRawData:    uint32(rawSize),
		PointerToRawData: textFileOffset,
		Characteristics:  0x60000020, // CNT_CODE | MEM_EXECUTE | MEM_READ
	})

	out.Write(make([]byte, textFileOffset-out.Len()))
	out.Write(text.Bytes())
	out.Write(make([]byte, rawSize-textLen))

	return out.Bytes()
}

// WriteFile writes the image to path.
func (b *Builder) WriteFile(path string) error {
	return os.WriteFile(path, b.Bytes(), 0o644)
}
