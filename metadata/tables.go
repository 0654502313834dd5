// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package metadata

import "fmt"

// TableIndex identifies one of the ECMA-335 metadata tables (partition II, 22).
type TableIndex uint8

const (
	TableModule                 TableIndex = 0x00
	TableTypeRef                TableIndex = 0x01
	TableTypeDef                TableIndex = 0x02
	TableFieldPtr               TableIndex = 0x03
	TableField                  TableIndex = 0x04
	TableMethodPtr              TableIndex = 0x05
	TableMethodDef              TableIndex = 0x06
	TableParamPtr               TableIndex = 0x07
	TableParam                  TableIndex = 0x08
	TableInterfaceImpl          TableIndex = 0x09
	TableMemberRef              TableIndex = 0x0A
	TableConstant               TableIndex = 0x0B
	TableCustomAttribute        TableIndex = 0x0C
	TableFieldMarshal           TableIndex = 0x0D
	TableDeclSecurity           TableIndex = 0x0E
	TableClassLayout            TableIndex = 0x0F
	TableFieldLayout            TableIndex = 0x10
	TableStandAloneSig          TableIndex = 0x11
	TableEventMap               TableIndex = 0x12
	TableEventPtr               TableIndex = 0x13
	TableEvent                  TableIndex = 0x14
	TablePropertyMap            TableIndex = 0x15
	TablePropertyPtr            TableIndex = 0x16
	TableProperty               TableIndex = 0x17
	TableMethodSemantics        TableIndex = 0x18
	TableMethodImpl             TableIndex = 0x19
	TableModuleRef              TableIndex = 0x1A
	TableTypeSpec               TableIndex = 0x1B
	TableImplMap                TableIndex = 0x1C
	TableFieldRVA               TableIndex = 0x1D
	TableEncLog                 TableIndex = 0x1E
	TableEncMap                 TableIndex = 0x1F
	TableAssembly               TableIndex = 0x20
	TableAssemblyProcessor      TableIndex = 0x21
	TableAssemblyOS             TableIndex = 0x22
	TableAssemblyRef            TableIndex = 0x23
	TableAssemblyRefProcessor   TableIndex = 0x24
	TableAssemblyRefOS          TableIndex = 0x25
	TableFile                   TableIndex = 0x26
	TableExportedType           TableIndex = 0x27
	TableManifestResource       TableIndex = 0x28
	TableNestedClass            TableIndex = 0x29
	TableGenericParam           TableIndex = 0x2A
	TableMethodSpec             TableIndex = 0x2B
	TableGenericParamConstraint TableIndex = 0x2C

	numTables = 0x2D

	// TableInvalid is reported for coded index tags that the format reserves
	// but does not assign to any table.
	TableInvalid TableIndex = 0xFF
)

var tableNames = [numTables]string{
	"Module", "TypeRef", "TypeDef", "FieldPtr", "Field", "MethodPtr", "MethodDef", "ParamPtr",
	"Param", "InterfaceImpl", "MemberRef", "Constant", "CustomAttribute", "FieldMarshal",
	"DeclSecurity", "ClassLayout", "FieldLayout", "StandAloneSig", "EventMap", "EventPtr", "Event",
	"PropertyMap", "PropertyPtr", "Property", "MethodSemantics", "MethodImpl", "ModuleRef",
	"TypeSpec", "ImplMap", "FieldRVA", "EncLog", "EncMap", "Assembly", "AssemblyProcessor",
	"AssemblyOS", "AssemblyRef", "AssemblyRefProcessor", "AssemblyRefOS", "File", "ExportedType",
	"ManifestResource", "NestedClass", "GenericParam", "MethodSpec", "GenericParamConstraint",
}

func (t TableIndex) String() string {
	if t < numTables {
		return tableNames[t]
	}
	if t == TableInvalid {
		return "Invalid"
	}
	return fmt.Sprintf("Table(0x%02X)", uint8(t))
}

// codedIndex describes one of the coded index encodings of partition II, 24.2.6.
// The low tagBits bits of a value select the table, the rest is the row.
type codedIndex struct {
	tagBits uint
	tables  []TableIndex
}

var (
	typeDefOrRef = &codedIndex{2, []TableIndex{TableTypeDef, TableTypeRef, TableTypeSpec}}
	hasConstant  = &codedIndex{2, []TableIndex{TableField, TableParam, TableProperty}}

	hasCustomAttribute = &codedIndex{5, []TableIndex{
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam, TableInterfaceImpl,
		TableMemberRef, TableModule, TableDeclSecurity, TableProperty, TableEvent,
		TableStandAloneSig, TableModuleRef, TableTypeSpec, TableAssembly, TableAssemblyRef,
		TableFile, TableExportedType, TableManifestResource, TableGenericParam,
		TableGenericParamConstraint, TableMethodSpec,
	}}

	hasFieldMarshal  = &codedIndex{1, []TableIndex{TableField, TableParam}}
	hasDeclSecurity  = &codedIndex{2, []TableIndex{TableTypeDef, TableMethodDef, TableAssembly}}
	memberRefParent  = &codedIndex{3, []TableIndex{TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec}}
	hasSemantics     = &codedIndex{1, []TableIndex{TableEvent, TableProperty}}
	methodDefOrRef   = &codedIndex{1, []TableIndex{TableMethodDef, TableMemberRef}}
	memberForwarded  = &codedIndex{1, []TableIndex{TableField, TableMethodDef}}
	implementation   = &codedIndex{2, []TableIndex{TableFile, TableAssemblyRef, TableExportedType}}
	resolutionScope  = &codedIndex{2, []TableIndex{TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef}}
	typeOrMethodDef  = &codedIndex{1, []TableIndex{TableTypeDef, TableMethodDef}}
	customAttribType = &codedIndex{3, []TableIndex{TableInvalid, TableInvalid, TableMethodDef, TableMemberRef, TableInvalid}}
)

// decode splits v into the table and row it refers to.
func (ci *codedIndex) decode(v uint32) Handle {
	tag := v & (1<<ci.tagBits - 1)
	row := v >> ci.tagBits
	if int(tag) >= len(ci.tables) {
		return Handle{Table: TableInvalid, Row: row}
	}
	return Handle{Table: ci.tables[tag], Row: row}
}

type columnKind uint8

const (
	colFixed columnKind = iota
	colString
	colGUID
	colBlob
	colTable
	colCoded
)

type column struct {
	kind  columnKind
	size  int // colFixed only
	table TableIndex
	coded *codedIndex
}

func fixed(size int) column { return column{kind: colFixed, size: size} }
func index(t TableIndex) column { return column{kind: colTable, table: t} }
func coded(ci *codedIndex) column { return column{kind: colCoded, coded: ci} }

var (
	str  = column{kind: colString}
	guid = column{kind: colGUID}
	blob = column{kind: colBlob}
)

// schema lists the columns of every table, in on-disk order.
var schema = [numTables][]column{
	TableModule:                 {fixed(2), str, guid, guid, guid},
	TableTypeRef:                {coded(resolutionScope), str, str},
	TableTypeDef:                {fixed(4), str, str, coded(typeDefOrRef), index(TableField), index(TableMethodDef)},
	TableFieldPtr:               {index(TableField)},
	TableField:                  {fixed(2), str, blob},
	TableMethodPtr:              {index(TableMethodDef)},
	TableMethodDef:              {fixed(4), fixed(2), fixed(2), str, blob, index(TableParam)},
	TableParamPtr:               {index(TableParam)},
	TableParam:                  {fixed(2), fixed(2), str},
	TableInterfaceImpl:          {index(TableTypeDef), coded(typeDefOrRef)},
	TableMemberRef:              {coded(memberRefParent), str, blob},
	TableConstant:               {fixed(2), coded(hasConstant), blob},
	TableCustomAttribute:        {coded(hasCustomAttribute), coded(customAttribType), blob},
	TableFieldMarshal:           {coded(hasFieldMarshal), blob},
	TableDeclSecurity:           {fixed(2), coded(hasDeclSecurity), blob},
	TableClassLayout:            {fixed(2), fixed(4), index(TableTypeDef)},
	TableFieldLayout:            {fixed(4), index(TableField)},
	TableStandAloneSig:          {blob},
	TableEventMap:               {index(TableTypeDef), index(TableEvent)},
	TableEventPtr:               {index(TableEvent)},
	TableEvent:                  {fixed(2), str, coded(typeDefOrRef)},
	TablePropertyMap:            {index(TableTypeDef), index(TableProperty)},
	TablePropertyPtr:            {index(TableProperty)},
	TableProperty:               {fixed(2), str, blob},
	TableMethodSemantics:        {fixed(2), index(TableMethodDef), coded(hasSemantics)},
	TableMethodImpl:             {index(TableTypeDef), coded(methodDefOrRef), coded(methodDefOrRef)},
	TableModuleRef:              {str},
	TableTypeSpec:               {blob},
	TableImplMap:                {fixed(2), coded(memberForwarded), str, index(TableModuleRef)},
	TableFieldRVA:               {fixed(4), index(TableField)},
	TableEncLog:                 {fixed(4), fixed(4)},
	TableEncMap:                 {fixed(4)},
	TableAssembly:               {fixed(4), fixed(2), fixed(2), fixed(2), fixed(2), fixed(4), blob, str, str},
	TableAssemblyProcessor:      {fixed(4)},
	TableAssemblyOS:             {fixed(4), fixed(4), fixed(4)},
	TableAssemblyRef:            {fixed(2), fixed(2), fixed(2), fixed(2), fixed(4), blob, str, str, blob},
	TableAssemblyRefProcessor:   {fixed(4), index(TableAssemblyRef)},
	TableAssemblyRefOS:          {fixed(4), fixed(4), fixed(4), index(TableAssemblyRef)},
	TableFile:                   {fixed(4), str, blob},
	TableExportedType:           {fixed(4), fixed(4), str, str, coded(implementation)},
	TableManifestResource:       {fixed(4), fixed(4), str, coded(implementation)},
	TableNestedClass:            {index(TableTypeDef), index(TableTypeDef)},
	TableGenericParam:           {fixed(2), fixed(2), coded(typeOrMethodDef), str},
	TableMethodSpec:             {coded(methodDefOrRef), blob},
	TableGenericParamConstraint: {index(TableGenericParam), coded(typeDefOrRef)},
}

// Heap size flags from the #~ stream header.
const (
	heapStringsLarge = 0x01
	heapGUIDLarge    = 0x02
	heapBlobLarge    = 0x04
	heapMinimalDelta = 0x20
	heapExtraData    = 0x40
)

// layout holds the column widths of every table, which depend on the row
// counts and heap sizes of the particular metadata being read.
type layout struct {
	heapSizes uint8
	rows      *[numTables]uint32
}

func (l layout) width(c column) int {
	switch c.kind {
	case colFixed:
		return c.size
	case colString:
		return l.heapWidth(heapStringsLarge)
	case colGUID:
		return l.heapWidth(heapGUIDLarge)
	case colBlob:
		return l.heapWidth(heapBlobLarge)
	case colTable:
		if l.heapSizes&heapMinimalDelta != 0 || l.rows[c.table] > 0xFFFF {
			return 4
		}
		return 2
	case colCoded:
		if l.heapSizes&heapMinimalDelta != 0 {
			return 4
		}
		limit := uint32(1) << (16 - c.coded.tagBits)
		for _, t := range c.coded.tables {
			if t != TableInvalid && l.rows[t] >= limit {
				return 4
			}
		}
		return 2
	default:
		panic("unknown column kind")
	}
}

func (l layout) heapWidth(flag uint8) int {
	if l.heapSizes&flag != 0 {
		return 4
	}
	return 2
}
