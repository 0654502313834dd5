// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package metadata_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"

	"github.com/amirebrahimi/qsharp-compiler/internal/testpe"
	"github.com/amirebrahimi/qsharp-compiler/metadata"
)

func newReader(t *testing.T, b *testpe.Builder) *metadata.Reader {
	t.Helper()
	r, err := metadata.NewReader(b.MetadataBytes())
	require.NoError(t, err)
	return r
}

func sampleBuilder() *testpe.Builder {
	return &testpe.Builder{
		Attributes: []testpe.Attribute{
			{Namespace: "Microsoft.Quantum.Core", Name: "EntryPointAttribute", Value: "Main"},
			{Namespace: "Microsoft.Quantum.Core", Name: "CallableAttribute", Value: "Op", ViaMethodDef: true},
			{Namespace: "System.Runtime", Name: "TargetFrameworkAttribute", Value: ".NET 6", OnModule: true},
			{Namespace: "Microsoft.Quantum.Core", Name: "TypeAttribute", Value: "T", ViaMethodDef: true},
		},
		Resources: []testpe.Resource{
			{Name: "first", Data: []byte("one")},
			{Name: "remote", External: true},
			{Name: "first", Data: []byte("duplicate")},
		},
	}
}

func TestReaderRoot(t *testing.T) {
	r := newReader(t, &testpe.Builder{Version: "v2.0.50727"})

	assert.Equal(t, "v2.0.50727", r.Version())
	assert.Equal(t, metadata.StreamTables, r.TablesStreamName())

	var names []string
	for _, s := range r.Streams() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"#~", "#Strings", "#US", "#GUID", "#Blob"}, names)

	assert.EqualValues(t, 1, r.RowCount(metadata.TableModule))
	assert.EqualValues(t, 1, r.RowCount(metadata.TableAssembly))
	assert.EqualValues(t, 0, r.RowCount(metadata.TableInvalid))

	g, err := r.GUID(1)
	require.NoError(t, err)
	assert.Equal(t, byte(1), g[0])
	_, err = r.GUID(2)
	assert.ErrorIs(t, err, metadata.ErrHeapIndex)
}

func TestReaderRejectsGarbage(t *testing.T) {
	_, err := metadata.NewReader([]byte("not metadata at all"))
	var fe *metadata.FormatError
	assert.ErrorAs(t, err, &fe)

	_, err = metadata.NewReader(nil)
	assert.ErrorAs(t, err, &fe)

	md := (&testpe.Builder{}).MetadataBytes()
	_, err = metadata.NewReader(md[:len(md)/2])
	assert.ErrorAs(t, err, &fe)
}

func TestReaderRejectsUnknownTables(t *testing.T) {
	md := (&testpe.Builder{}).MetadataBytes()

	// The tables stream is the first stream; its offset is in the first
	// stream header right after the version string.
	verLen := binary.LittleEndian.Uint32(md[12:])
	tablesOff := binary.LittleEndian.Uint32(md[16+verLen+4:])
	valid := tablesOff + 8
	binary.LittleEndian.PutUint64(md[valid:], binary.LittleEndian.Uint64(md[valid:])|1<<0x30)

	_, err := metadata.NewReader(md)
	var fe *metadata.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Error(), "unknown tables")
}

func TestAssembly(t *testing.T) {
	r := newReader(t, sampleBuilder())
	a, err := r.Assembly()
	require.NoError(t, err)
	assert.Equal(t, "Test", a.Name)
	assert.Equal(t, [4]uint16{1, 0, 0, 0}, a.Version)

	r = newReader(t, &testpe.Builder{NoAssembly: true})
	_, err = r.Assembly()
	assert.ErrorIs(t, err, metadata.ErrNoAssembly)
	_, err = r.AssemblyCustomAttributes()
	assert.ErrorIs(t, err, metadata.ErrNoAssembly)
}

func attributeTypes(t *testing.T, r *metadata.Reader) []string {
	t.Helper()

	cas, err := r.AssemblyCustomAttributes()
	require.NoError(t, err)

	var names []string
	for _, ca := range cas {
		var h metadata.Handle
		switch ca.Constructor.Kind() {
		case metadata.TableMethodDef:
			h, err = r.TypeDefOfMethod(ca.Constructor.Row)
			require.NoError(t, err)
		case metadata.TableMemberRef:
			mr, err := r.MemberRef(ca.Constructor.Row)
			require.NoError(t, err)
			h = mr.Parent
		default:
			t.Fatalf("unexpected constructor %v", ca.Constructor)
		}
		tn, err := r.TypeName(h)
		require.NoError(t, err)
		names = append(names, tn.String())
	}
	return names
}

func TestAssemblyCustomAttributes(t *testing.T) {
	want := []string{
		"Microsoft.Quantum.Core.EntryPointAttribute",
		"Microsoft.Quantum.Core.CallableAttribute",
		"Microsoft.Quantum.Core.TypeAttribute",
	}

	for _, tc := range []struct {
		name string
		b    *testpe.Builder
	}{
		{"compressed", sampleBuilder()},
		{"unoptimized", func() *testpe.Builder { b := sampleBuilder(); b.Unoptimized = true; return b }()},
		{"large heaps", func() *testpe.Builder { b := sampleBuilder(); b.LargeHeaps = true; return b }()},
		{"extra data", func() *testpe.Builder { b := sampleBuilder(); b.ExtraData = true; return b }()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newReader(t, tc.b)
			assert.Equal(t, want, attributeTypes(t, r))
		})
	}
}

func TestUnoptimizedStream(t *testing.T) {
	b := sampleBuilder()
	b.Unoptimized = true
	r := newReader(t, b)

	assert.Equal(t, metadata.StreamTablesUnoptimized, r.TablesStreamName())
	assert.EqualValues(t, 2, r.RowCount(metadata.TableMethodPtr))

	// MethodPtr lists the methods in reverse, so MethodDef 1 belongs to the
	// last type.
	h, err := r.TypeDefOfMethod(1)
	require.NoError(t, err)
	assert.Equal(t, metadata.Handle{Table: metadata.TableTypeDef, Row: 3}, h)
}

func TestTypeDefOfMethodOutOfRange(t *testing.T) {
	r := newReader(t, sampleBuilder())
	_, err := r.TypeDefOfMethod(0)
	assert.ErrorIs(t, err, metadata.ErrRowOutOfRange)
	_, err = r.TypeDefOfMethod(3)
	assert.ErrorIs(t, err, metadata.ErrRowOutOfRange)
}

func TestRowOutOfRange(t *testing.T) {
	r := newReader(t, sampleBuilder())
	_, err := r.TypeRef(0)
	assert.ErrorIs(t, err, metadata.ErrRowOutOfRange)
	_, err = r.MemberRef(99)
	assert.ErrorIs(t, err, metadata.ErrRowOutOfRange)
	_, err = r.TypeName(metadata.Handle{Table: metadata.TableModule, Row: 1})
	assert.Error(t, err)
}

func TestResources(t *testing.T) {
	r := newReader(t, sampleBuilder())

	all, err := r.ManifestResources()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].IsLocal())
	assert.False(t, all[1].IsLocal())
	assert.Equal(t, metadata.TableAssemblyRef, all[1].Implementation.Kind())

	idx, err := r.Resources()
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "remote"}, idx.Names())
	assert.Equal(t, 2, idx.Len())

	first, ok := idx.Lookup("first")
	require.True(t, ok)
	assert.Equal(t, all[0], first)

	_, ok = idx.Lookup("missing")
	assert.False(t, ok)
}

func TestHandle(t *testing.T) {
	var h metadata.Handle
	assert.True(t, h.IsNil())

	h = metadata.Handle{Table: metadata.TableMethodDef, Row: 0x12}
	assert.False(t, h.IsNil())
	assert.Equal(t, metadata.TableMethodDef, h.Kind())
	assert.EqualValues(t, 0x06000012, h.Token())
	assert.Equal(t, "MethodDef[18]", h.String())
	assert.Equal(t, "Table(0x50)", metadata.TableIndex(0x50).String())
}

func TestReadCompressedUint(t *testing.T) {
	for _, tc := range []struct {
		in   []byte
		want uint32
	}{
		{[]byte{0x03}, 0x03},
		{[]byte{0x7F}, 0x7F},
		{[]byte{0x80, 0x80}, 0x80},
		{[]byte{0xAE, 0x57}, 0x2E57},
		{[]byte{0xBF, 0xFF}, 0x3FFF},
		{[]byte{0xC0, 0x00, 0x40, 0x00}, 0x4000},
		{[]byte{0xDF, 0xFF, 0xFF, 0xFF}, 0x1FFFFFFF},
	} {
		s := cryptobyte.String(tc.in)
		var got uint32
		if assert.True(t, metadata.ReadCompressedUint(&s, &got), "% X", tc.in) {
			assert.Equal(t, tc.want, got, "% X", tc.in)
			assert.Empty(t, s)
		}
	}

	for _, in := range [][]byte{nil, {0x80}, {0xC0, 0x00}, {0xE0, 0, 0, 0}} {
		s := cryptobyte.String(in)
		var got uint32
		assert.False(t, metadata.ReadCompressedUint(&s, &got), "% X", in)
	}
}

func TestReadSerString(t *testing.T) {
	s := cryptobyte.String([]byte{0x05, 'h', 'e', 'l', 'l', 'o', 0xFF, 0x00})
	var got string
	require.True(t, metadata.ReadSerString(&s, &got))
	assert.Equal(t, "hello", got)

	got = "x"
	require.True(t, metadata.ReadSerString(&s, &got))
	assert.Equal(t, "", got)

	require.True(t, metadata.ReadSerString(&s, &got))
	assert.Equal(t, "", got)
	assert.Empty(t, s)

	s = cryptobyte.String([]byte{0x05, 'h', 'i'})
	assert.False(t, metadata.ReadSerString(&s, &got))
}
