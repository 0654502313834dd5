// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package metadata

import (
	"errors"
	"fmt"

	"github.com/elliotchance/orderedmap"
)

// ErrNoAssembly is returned by (*Reader).Assembly when the metadata
// describes a module that is not an assembly.
var ErrNoAssembly = errors.New("metadata has no assembly definition")

// ManifestResourcePublic and ManifestResourcePrivate are the visibility
// values of ManifestResource.Flags.
const (
	ManifestResourcePublic  = 0x0001
	ManifestResourcePrivate = 0x0002
)

// TypeName is the namespace and simple name of a type.
type TypeName struct {
	Namespace string
	Name      string
}

func (tn TypeName) String() string {
	if tn.Namespace == "" {
		return tn.Name
	}
	return tn.Namespace + "." + tn.Name
}

// TypeRef is a row of the TypeRef table.
type TypeRef struct {
	ResolutionScope Handle
	TypeName
}

// TypeDef is a row of the TypeDef table.
type TypeDef struct {
	Flags uint32
	TypeName
	Extends    Handle
	FieldList  uint32
	MethodList uint32
}

// MethodDef is a row of the MethodDef table.
type MethodDef struct {
	RVA       uint32
	ImplFlags uint16
	Flags     uint16
	Name      string
	Signature []byte
	ParamList uint32
}

// MemberRef is a row of the MemberRef table.
type MemberRef struct {
	Parent    Handle
	Name      string
	Signature []byte
}

// CustomAttribute is a row of the CustomAttribute table. Value is the raw
// attribute blob, starting with the 0x0001 prolog.
type CustomAttribute struct {
	Parent      Handle
	Constructor Handle
	Value       []byte
}

// AssemblyDefinition is the single row of the Assembly table.
type AssemblyDefinition struct {
	HashAlgID uint32
	Version   [4]uint16
	Flags     uint32
	PublicKey []byte
	Name      string
	Culture   string
}

// ManifestResource is a row of the ManifestResource table. For a resource
// embedded in this binary Implementation is nil and Offset is relative to the
// start of the CLI header's resources directory.
type ManifestResource struct {
	Offset         uint32
	Flags          uint32
	Name           string
	Implementation Handle
}

// IsLocal reports whether the resource data lives in this binary.
func (mr *ManifestResource) IsLocal() bool {
	return mr.Implementation.IsNil()
}

// TypeRef returns row `row` of the TypeRef table.
func (r *Reader) TypeRef(row uint32) (TypeRef, error) {
	c := r.cursor(TableTypeRef, row)
	tr := TypeRef{ResolutionScope: c.coded(resolutionScope)}
	tr.Name = c.str()
	tr.Namespace = c.str()
	if c.err != nil {
		return TypeRef{}, fmt.Errorf("TypeRef[%d]: %w", row, c.err)
	}
	return tr, nil
}

// TypeDef returns row `row` of the TypeDef table.
func (r *Reader) TypeDef(row uint32) (TypeDef, error) {
	c := r.cursor(TableTypeDef, row)
	td := TypeDef{Flags: c.uint()}
	td.Name = c.str()
	td.Namespace = c.str()
	td.Extends = c.coded(typeDefOrRef)
	td.FieldList = c.uint()
	td.MethodList = c.uint()
	if c.err != nil {
		return TypeDef{}, fmt.Errorf("TypeDef[%d]: %w", row, c.err)
	}
	return td, nil
}

// MethodDef returns row `row` of the MethodDef table.
func (r *Reader) MethodDef(row uint32) (MethodDef, error) {
	c := r.cursor(TableMethodDef, row)
	md := MethodDef{
		RVA:       c.uint(),
		ImplFlags: uint16(c.uint()),
		Flags:     uint16(c.uint()),
		Name:      c.str(),
		Signature: c.blob(),
		ParamList: c.uint(),
	}
	if c.err != nil {
		return MethodDef{}, fmt.Errorf("MethodDef[%d]: %w", row, c.err)
	}
	return md, nil
}

// MemberRef returns row `row` of the MemberRef table.
func (r *Reader) MemberRef(row uint32) (MemberRef, error) {
	c := r.cursor(TableMemberRef, row)
	mr := MemberRef{
		Parent:    c.coded(memberRefParent),
		Name:      c.str(),
		Signature: c.blob(),
	}
	if c.err != nil {
		return MemberRef{}, fmt.Errorf("MemberRef[%d]: %w", row, c.err)
	}
	return mr, nil
}

// CustomAttribute returns row `row` of the CustomAttribute table.
func (r *Reader) CustomAttribute(row uint32) (CustomAttribute, error) {
	c := r.cursor(TableCustomAttribute, row)
	ca := CustomAttribute{
		Parent:      c.coded(hasCustomAttribute),
		Constructor: c.coded(customAttribType),
		Value:       c.blob(),
	}
	if c.err != nil {
		return CustomAttribute{}, fmt.Errorf("CustomAttribute[%d]: %w", row, c.err)
	}
	return ca, nil
}

// ManifestResource returns row `row` of the ManifestResource table.
func (r *Reader) ManifestResource(row uint32) (ManifestResource, error) {
	c := r.cursor(TableManifestResource, row)
	mr := ManifestResource{
		Offset:         c.uint(),
		Flags:          c.uint(),
		Name:           c.str(),
		Implementation: c.coded(implementation),
	}
	if c.err != nil {
		return ManifestResource{}, fmt.Errorf("ManifestResource[%d]: %w", row, c.err)
	}
	return mr, nil
}

// Assembly returns the assembly definition, or ErrNoAssembly when the
// Assembly table is empty.
func (r *Reader) Assembly() (AssemblyDefinition, error) {
	if r.rows[TableAssembly] == 0 {
		return AssemblyDefinition{}, ErrNoAssembly
	}

	c := r.cursor(TableAssembly, 1)
	ad := AssemblyDefinition{HashAlgID: c.uint()}
	for i := range ad.Version {
		ad.Version[i] = uint16(c.uint())
	}
	ad.Flags = c.uint()
	ad.PublicKey = c.blob()
	ad.Name = c.str()
	ad.Culture = c.str()
	if c.err != nil {
		return AssemblyDefinition{}, fmt.Errorf("Assembly[1]: %w", c.err)
	}
	return ad, nil
}

// TypeName returns the name of the TypeDef or TypeRef that h refers to.
func (r *Reader) TypeName(h Handle) (TypeName, error) {
	switch h.Kind() {
	case TableTypeDef:
		td, err := r.TypeDef(h.Row)
		return td.TypeName, err
	case TableTypeRef:
		tr, err := r.TypeRef(h.Row)
		return tr.TypeName, err
	default:
		return TypeName{}, fmt.Errorf("%v is not a type definition or reference", h)
	}
}

// methodPosition returns the position of method in the logical method list
// that TypeDef.MethodList indexes into. Without a MethodPtr table the two are
// the same.
func (r *Reader) methodPosition(method uint32) (pos, count uint32, err error) {
	n := r.rows[TableMethodPtr]
	if n == 0 {
		return method, r.rows[TableMethodDef], nil
	}

	for i := uint32(1); i <= n; i++ {
		v, err := r.column(TableMethodPtr, i, 0)
		if err != nil {
			return 0, 0, err
		}
		if v == method {
			return i, n, nil
		}
	}
	return 0, 0, fmt.Errorf("MethodDef[%d] is not listed in MethodPtr: %w", method, ErrRowOutOfRange)
}

// TypeDefOfMethod returns the TypeDef that declares MethodDef row method.
// A type owns the methods from its MethodList up to, but excluding, the next
// type's MethodList.
func (r *Reader) TypeDefOfMethod(method uint32) (Handle, error) {
	if method == 0 || method > r.rows[TableMethodDef] {
		return Handle{}, fmt.Errorf("MethodDef[%d]: %w", method, ErrRowOutOfRange)
	}

	pos, count, err := r.methodPosition(method)
	if err != nil {
		return Handle{}, err
	}

	types := r.rows[TableTypeDef]
	for t := uint32(1); t <= types; t++ {
		start, err := r.column(TableTypeDef, t, 5)
		if err != nil {
			return Handle{}, err
		}

		end := count + 1
		if t < types {
			if end, err = r.column(TableTypeDef, t+1, 5); err != nil {
				return Handle{}, err
			}
		}

		if start <= pos && pos < end {
			return Handle{Table: TableTypeDef, Row: t}, nil
		}
	}

	return Handle{}, fmt.Errorf("no type declares MethodDef[%d]: %w", method, ErrRowOutOfRange)
}

// ManifestResources returns every row of the ManifestResource table in table
// order.
func (r *Reader) ManifestResources() ([]ManifestResource, error) {
	n := r.rows[TableManifestResource]
	result := make([]ManifestResource, 0, n)
	for i := uint32(1); i <= n; i++ {
		mr, err := r.ManifestResource(i)
		if err != nil {
			return nil, err
		}
		result = append(result, mr)
	}
	return result, nil
}

// ResourceIndex maps manifest resource names to their rows, preserving table
// order. When a name occurs more than once the first row wins.
type ResourceIndex struct {
	m *orderedmap.OrderedMap
}

// Lookup returns the resource named name.
func (ri *ResourceIndex) Lookup(name string) (ManifestResource, bool) {
	v, ok := ri.m.Get(name)
	if !ok {
		return ManifestResource{}, false
	}
	return v.(ManifestResource), true
}

// Names returns the resource names in table order.
func (ri *ResourceIndex) Names() []string {
	keys := ri.m.Keys()
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.(string))
	}
	return names
}

// Len returns the number of distinct resource names.
func (ri *ResourceIndex) Len() int {
	return ri.m.Len()
}

// Resources returns an index of the ManifestResource table by name.
func (r *Reader) Resources() (*ResourceIndex, error) {
	if r.resources != nil {
		return r.resources, nil
	}

	all, err := r.ManifestResources()
	if err != nil {
		return nil, err
	}

	ri := &ResourceIndex{m: orderedmap.NewOrderedMap()}
	for _, mr := range all {
		if _, dup := ri.m.Get(mr.Name); dup {
			continue
		}
		ri.m.Set(mr.Name, mr)
	}

	r.resources = ri
	return ri, nil
}

// AssemblyCustomAttributes returns the custom attributes attached to the
// assembly definition, in table order.
func (r *Reader) AssemblyCustomAttributes() ([]CustomAttribute, error) {
	if r.rows[TableAssembly] == 0 {
		return nil, ErrNoAssembly
	}

	var result []CustomAttribute
	for i := uint32(1); i <= r.rows[TableCustomAttribute]; i++ {
		ca, err := r.CustomAttribute(i)
		if err != nil {
			return nil, err
		}
		if ca.Parent.Kind() == TableAssembly && ca.Parent.Row == 1 {
			result = append(result, ca)
		}
	}
	return result, nil
}
