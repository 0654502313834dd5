// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package loader

import (
	"encoding/binary"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirebrahimi/qsharp-compiler/internal/testpe"
	"github.com/amirebrahimi/qsharp-compiler/metadata"
	"github.com/amirebrahimi/qsharp-compiler/pe"
	"github.com/amirebrahimi/qsharp-compiler/program"
)

type recorder struct {
	errs    []error
	handler *memory.Handler
}

func (r *recorder) options(ignore bool) *Options {
	if r.handler == nil {
		r.handler = memory.New()
	}
	return &Options{
		IgnoreEmbeddedResource: ignore,
		OnException:            func(err error) { r.errs = append(r.errs, err) },
		Logger:                 &log.Logger{Handler: r.handler, Level: log.DebugLevel},
	}
}

func writeBinary(t *testing.T, b *testpe.Builder) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Reference.dll")
	require.NoError(t, b.WriteFile(path))
	return path
}

func sampleImage() *program.Image {
	return &program.Image{
		Namespaces: []program.Namespace{{
			Name: "Microsoft.Quantum.Samples",
			Elements: []program.Element{
				{Kind: "Callable", FullName: program.QualifiedName{Namespace: "Microsoft.Quantum.Samples", Name: "Main"}},
			},
		}},
		EntryPoints: []program.QualifiedName{{Namespace: "Microsoft.Quantum.Samples", Name: "Main"}},
	}
}

func embedded(t *testing.T, img *program.Image) testpe.Resource {
	t.Helper()
	doc, err := program.Marshal(img)
	require.NoError(t, err)
	return testpe.Resource{Name: ResourceName, Data: doc}
}

var quantumAttributes = []testpe.Attribute{
	{Namespace: "Microsoft.Quantum.QsCompiler.Attributes", Name: "CallableDeclarationAttribute", Value: `{"Name":"A"}`},
	{Namespace: "System.Reflection", Name: "AssemblyTitleAttribute", Value: "Reference"},
	{Namespace: "Microsoft.Quantum.QsCompiler.Attributes", Name: "TypeDeclarationAttribute", Value: `{"Name":"T"}`, ViaMethodDef: true},
	{Namespace: "Microsoft.Quantum.QsCompiler.Attributes", Name: "CallableDeclarationAttribute", Blob: []byte{0x01, 0x00, 0x7F}},
	{Namespace: "Microsoft.QuantumX", Name: "SpecializationDeclarationAttribute", Value: "S"},
	{Namespace: "Microsoft.Quantum.QsCompiler.Attributes", Name: "CallableDeclarationAttribute", Value: `{"Name":"A"}`},
	{Namespace: "Microsoft.Quantum.QsCompiler.Attributes", Name: "ModuleAttribute", Value: "M", OnModule: true},
	{Namespace: "microsoft.quantum", Name: "LowerCaseAttribute", Value: "L"},
	{Namespace: "Microsoft.Quantum.QsCompiler.Attributes", Name: "NullAttribute", Blob: testpe.NullStringArg()},
	{Namespace: "Microsoft.Quantum.QsCompiler.Attributes", Name: "ShortAttribute", Blob: []byte{0x01}},
}

var quantumHeaders = []HeaderEntry{
	{Name: "CallableDeclarationAttribute", Value: `{"Name":"A"}`},
	{Name: "TypeDeclarationAttribute", Value: `{"Name":"T"}`},
	{Name: "SpecializationDeclarationAttribute", Value: "S"},
	{Name: "CallableDeclarationAttribute", Value: `{"Name":"A"}`},
	{Name: "NullAttribute", Value: ""},
}

func TestLoadHeadersFromResource(t *testing.T) {
	path := writeBinary(t, &testpe.Builder{
		Attributes: quantumAttributes,
		Resources:  []testpe.Resource{{Name: "other", Data: []byte("x")}, embedded(t, sampleImage())},
	})

	var rec recorder
	headers, ok, err := LoadHeaders(path, rec.options(false))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, path, headers.SourceID)
	assert.Equal(t, sampleImage().Namespaces, headers.Namespaces)
	assert.Nil(t, headers.Attributes)
	assert.Empty(t, rec.errs)
}

func TestLoadHeadersFallback(t *testing.T) {
	for _, tc := range []struct {
		name string
		b    *testpe.Builder
	}{
		{"no resources", &testpe.Builder{Attributes: quantumAttributes}},
		{"other resources", &testpe.Builder{
			Attributes: quantumAttributes,
			Resources:  []testpe.Resource{{Name: "strings.resources", Data: []byte("data")}},
		}},
		{"no resources directory", &testpe.Builder{
			Attributes:          quantumAttributes,
			Resources:           []testpe.Resource{embedded(t, sampleImage())},
			NoResourceDirectory: true,
		}},
		{"external resource", &testpe.Builder{
			Attributes: quantumAttributes,
			Resources:  []testpe.Resource{{Name: ResourceName, External: true}, {Name: "local", Data: []byte("x")}},
		}},
		{"unoptimized metadata", &testpe.Builder{Attributes: quantumAttributes, Unoptimized: true}},
		{"pe32+", &testpe.Builder{Attributes: quantumAttributes, PE32Plus: true, Machine: 0x8664}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeBinary(t, tc.b)

			var rec recorder
			headers, ok, err := LoadHeaders(path, rec.options(false))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, quantumHeaders, headers.Attributes)
			assert.Nil(t, headers.Namespaces)
			assert.Empty(t, rec.errs)
		})
	}
}

func TestLoadHeadersIgnoreEmbeddedResource(t *testing.T) {
	path := writeBinary(t, &testpe.Builder{Resources: []testpe.Resource{embedded(t, sampleImage())}})

	var rec recorder
	headers, ok, err := LoadHeaders(path, rec.options(true))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, headers.Attributes)
	assert.Nil(t, headers.Namespaces)

	path = writeBinary(t, &testpe.Builder{
		Attributes: quantumAttributes,
		Resources:  []testpe.Resource{embedded(t, sampleImage())},
	})
	headers, ok, err = LoadHeaders(path, rec.options(true))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, quantumHeaders, headers.Attributes)
	assert.Nil(t, headers.Namespaces)
	assert.Empty(t, rec.errs)
}

func TestLoadHeadersNoRecognizedAttributes(t *testing.T) {
	path := writeBinary(t, &testpe.Builder{
		Attributes: []testpe.Attribute{
			{Namespace: "System.Reflection", Name: "AssemblyTitleAttribute", Value: "Reference"},
			{Namespace: "Microsoft.Quantum.Core", Name: "OnModuleAttribute", Value: "x", OnModule: true},
		},
	})

	var rec recorder
	headers, ok, err := LoadHeaders(path, rec.options(false))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, headers.Attributes)
	assert.Empty(t, rec.errs)

	// Being told to ignore the resource makes an empty result a success.
	_, ok, err = LoadHeaders(path, rec.options(true))
	require.NoError(t, err)
	assert.True(t, ok)
}

func malformedBinaries() map[string]*testpe.Builder {
	huge := make([]byte, 4)
	binary.LittleEndian.PutUint32(huge, 0x7FFFFFF0)
	offset := uint32(0x00100000)

	return map[string]*testpe.Builder{
		"length beyond image": {
			Attributes: quantumAttributes,
			Resources:  []testpe.Resource{{Name: ResourceName, Raw: append(huge, 'x')}},
		},
		"offset beyond image": {
			Attributes: quantumAttributes,
			Resources:  []testpe.Resource{{Name: ResourceName, Data: []byte("x"), Offset: &offset}},
		},
	}
}

func TestLoadHeadersMalformedResource(t *testing.T) {
	for name, b := range malformedBinaries() {
		t.Run(name, func(t *testing.T) {
			path := writeBinary(t, b)

			var rec recorder
			headers, ok, err := LoadHeaders(path, rec.options(false))
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Nil(t, headers.Attributes)
			require.Len(t, rec.errs, 1)
			assert.ErrorIs(t, rec.errs[0], ErrMalformedResource)
			assert.ErrorIs(t, rec.errs[0], pe.ErrOutOfBounds)
		})
	}
}

func TestLoadHeadersDeserializationFailure(t *testing.T) {
	path := writeBinary(t, &testpe.Builder{
		Attributes: quantumAttributes,
		Resources:  []testpe.Resource{{Name: ResourceName, Data: []byte("definitely not bson")}},
	})

	var rec recorder
	headers, ok, err := LoadHeaders(path, rec.options(false))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, headers.Attributes)
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrDeserializationFailed)

	entries := rec.handler.Entries
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, log.WarnLevel, last.Level)
	assert.Equal(t, path, last.Fields["path"])
}

func TestLoadHeadersAttributeResolution(t *testing.T) {
	moduleRefParent := uint32(1)<<3 | 2
	for _, tc := range []struct {
		name string
		attr testpe.Attribute
	}{
		{"invalid constructor tag", testpe.Attribute{Namespace: "Microsoft.Quantum.Core", Name: "A", RawConstructor: new(uint32)}},
		{"constructor in type table", testpe.Attribute{Namespace: "Microsoft.Quantum.Core", Name: "A", RawConstructor: func() *uint32 { v := uint32(1)<<3 | 4; return &v }()}},
		{"module ref parent", testpe.Attribute{Namespace: "Microsoft.Quantum.Core", Name: "A", RawParent: &moduleRefParent}},
		{"typedef parent", testpe.Attribute{Namespace: "Microsoft.Quantum.Core", Name: "A", RawParent: func() *uint32 { v := uint32(1) << 3; return &v }()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeBinary(t, &testpe.Builder{Attributes: []testpe.Attribute{quantumAttributes[0], tc.attr}})

			var rec recorder
			_, ok, err := LoadHeaders(path, rec.options(false))
			if tc.name == "typedef parent" {
				// A MemberRef whose parent is a TypeDef names a type just as well.
				require.NoError(t, err)
				assert.True(t, ok)
				return
			}
			assert.ErrorIs(t, err, ErrAttributeResolution)
			assert.False(t, ok)
			assert.Empty(t, rec.errs)
		})
	}
}

func TestLoadHeadersNotLoadable(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.dll")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a PE file at all"), 0o644))
	empty := filepath.Join(dir, "empty.dll")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	for _, tc := range []struct {
		name string
		path string
		want error
	}{
		{"garbage", garbage, pe.ErrInvalidBinary},
		{"empty", empty, pe.ErrInvalidBinary},
		{"native", writeBinary(t, &testpe.Builder{NoCLIHeader: true}), pe.ErrNotManaged},
		{"unsupported machine", writeBinary(t, &testpe.Builder{Machine: 0x01F0}), pe.ErrUnsupportedMachine},
		{"netmodule", writeBinary(t, &testpe.Builder{NoAssembly: true}), metadata.ErrNoAssembly},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var rec recorder
			headers, ok, err := LoadHeaders(tc.path, rec.options(false))
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, tc.path, headers.SourceID)
			require.Len(t, rec.errs, 1)
			assert.ErrorIs(t, rec.errs[0], tc.want)
		})
	}
}

func TestLoadHeadersBadSource(t *testing.T) {
	dir := t.TempDir()

	_, _, err := LoadHeaders(filepath.Join(dir, "missing.dll"), nil)
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, _, err = LoadHeaders(dir, nil)
	assert.ErrorIs(t, err, ErrFileNotFound)

	for _, source := range []string{"", "http://example.com/Reference.dll", "file:Reference.dll"} {
		_, _, err = LoadHeaders(source, nil)
		assert.ErrorIs(t, err, ErrInvalidArgument, source)
	}
}

func fileURI(path string) string {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

func TestLoadHeadersFromURI(t *testing.T) {
	path := writeBinary(t, &testpe.Builder{Attributes: quantumAttributes})

	headers, ok, err := LoadHeaders(fileURI(path), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, path, headers.SourceID)
	assert.Equal(t, quantumHeaders, headers.Attributes)
}

func TestParseSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Reference.dll")

	got, id, err := ParseSource(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, path, id)

	got, _, err = ParseSource(fileURI(path))
	require.NoError(t, err)
	assert.Equal(t, path, got)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	got, _, err = ParseSource("Reference.dll")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "Reference.dll"), got)

	for _, source := range []string{"https://example.com/x.dll", "file:x.dll", "ftp://host/x.dll", "file://"} {
		_, _, err := ParseSource(source)
		assert.ErrorIs(t, err, ErrInvalidArgument, source)
	}
}

func TestParseSourcePathWithColons(t *testing.T) {
	if runtime.GOOS == "windows" {
		got, _, err := ParseSource(`C:\refs\Reference.dll`)
		require.NoError(t, err)
		assert.Equal(t, `C:\refs\Reference.dll`, got)
		return
	}

	dir := t.TempDir()
	for _, source := range []string{
		dir + "/odd://name/Reference.dll",
		dir + "/c:/Reference.dll",
	} {
		got, id, err := ParseSource(source)
		require.NoError(t, err, source)
		assert.Equal(t, filepath.Clean(source), got)
		assert.Equal(t, got, id)
	}

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "odd:", "name"), 0o755))
	path := filepath.Join(dir, "odd:", "name", "Reference.dll")
	require.NoError(t, (&testpe.Builder{Attributes: quantumAttributes}).WriteFile(path))

	headers, ok, err := LoadHeaders(dir+"/odd://name/Reference.dll", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, path, headers.SourceID)
	assert.Equal(t, quantumHeaders, headers.Attributes)
}

func TestLoadProgramImage(t *testing.T) {
	path := writeBinary(t, &testpe.Builder{
		Attributes: quantumAttributes,
		Resources:  []testpe.Resource{embedded(t, sampleImage())},
	})

	var rec recorder
	img, ok, err := LoadProgramImage(path, rec.options(false))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, sampleImage(), img)
	assert.Empty(t, rec.errs)

	opts := rec.options(false)
	opts.DisableMmap = true
	img, ok, err = LoadProgramImage(path, opts)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, sampleImage(), img)
}

func TestLoadProgramImageNeverFallsBack(t *testing.T) {
	for _, b := range []*testpe.Builder{
		{Attributes: quantumAttributes},
		{Attributes: quantumAttributes, Resources: []testpe.Resource{{Name: ResourceName, External: true}}},
	} {
		path := writeBinary(t, b)

		var rec recorder
		img, ok, err := LoadProgramImage(path, rec.options(false))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, img)
		assert.Empty(t, rec.errs)
	}
}

func TestLoadProgramImageFailures(t *testing.T) {
	builders := malformedBinaries()
	builders["bad payload"] = &testpe.Builder{
		Resources: []testpe.Resource{{Name: ResourceName, Data: []byte{5, 0, 0, 0, 1}}},
	}
	builders["native"] = &testpe.Builder{NoCLIHeader: true}

	for name, b := range builders {
		t.Run(name, func(t *testing.T) {
			path := writeBinary(t, b)

			var rec recorder
			img, ok, err := LoadProgramImage(path, rec.options(false))
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Nil(t, img)
			assert.Len(t, rec.errs, 1)
		})
	}

	_, _, err := LoadProgramImage(filepath.Join(t.TempDir(), "missing.dll"), nil)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestObserverDoesNotChangeOutcome(t *testing.T) {
	paths := []string{
		writeBinary(t, &testpe.Builder{Resources: []testpe.Resource{embedded(t, sampleImage())}}),
		writeBinary(t, &testpe.Builder{Resources: []testpe.Resource{{Name: ResourceName, Data: []byte("junk")}}}),
		writeBinary(t, &testpe.Builder{Attributes: quantumAttributes}),
		writeBinary(t, &testpe.Builder{NoCLIHeader: true}),
	}

	for _, path := range paths {
		var rec recorder
		h1, ok1, err1 := LoadHeaders(path, rec.options(false))
		h2, ok2, err2 := LoadHeaders(path, &Options{Logger: rec.options(false).Logger})
		assert.Equal(t, h2, h1)
		assert.Equal(t, ok2, ok1)
		assert.Equal(t, err2, err1)

		i1, ok1, err1 := LoadProgramImage(path, rec.options(false))
		i2, ok2, err2 := LoadProgramImage(path, nil)
		assert.Equal(t, i2, i1)
		assert.Equal(t, ok2, ok1)
		assert.Equal(t, err2, err1)
	}
}

func TestConcurrentLoads(t *testing.T) {
	path := writeBinary(t, &testpe.Builder{
		Attributes: quantumAttributes,
		Resources:  []testpe.Resource{embedded(t, sampleImage())},
	})

	const workers = 8
	var wg sync.WaitGroup
	headers := make([]Headers, workers)
	images := make([]*program.Image, workers)
	errs := make([]error, 2*workers)
	oks := make([]bool, 2*workers)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			opts := &Options{DisableMmap: i%2 == 0}
			headers[i], oks[2*i], errs[2*i] = LoadHeaders(path, opts)
		}(i)
		go func(i int) {
			defer wg.Done()
			images[i], oks[2*i+1], errs[2*i+1] = LoadProgramImage(path, nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		assert.NoError(t, errs[2*i])
		assert.NoError(t, errs[2*i+1])
		assert.True(t, oks[2*i])
		assert.True(t, oks[2*i+1])
		assert.Equal(t, path, headers[i].SourceID)
		assert.Equal(t, sampleImage().Namespaces, headers[i].Namespaces)
		assert.Equal(t, sampleImage(), images[i])
	}
}

func TestExtractResource(t *testing.T) {
	payload := []byte("payload")
	peh, err := pe.NewPEFromBytes((&testpe.Builder{
		Resources: []testpe.Resource{{Name: "a", Data: []byte("first")}, {Name: ResourceName, Data: payload}},
	}).Bytes())
	require.NoError(t, err)
	defer peh.Close()

	md, err := peh.MetadataReader()
	require.NoError(t, err)

	off, ok, err := locateResource(peh, md, ResourceName)
	require.NoError(t, err)
	require.True(t, ok)

	dir, ok := peh.ResourcesDirectoryOffset()
	require.True(t, ok)
	assert.Equal(t, int64(dir)+16, off)

	got, err := extractResource(peh.Image(), off)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, ok, err = locateResource(peh, md, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	size := peh.Image().Size()
	for _, bad := range []int64{size - 2, size, size + 100, -1} {
		_, err := extractResource(peh.Image(), bad)
		assert.ErrorIs(t, err, ErrMalformedResource, bad)
	}
}

func TestAttributeArgument(t *testing.T) {
	for _, tc := range []struct {
		blob []byte
		want string
		ok   bool
	}{
		{testpe.StringArg("hello"), "hello", true},
		{testpe.StringArg(""), "", true},
		{testpe.StringArg(strings.Repeat("x", 200)), strings.Repeat("x", 200), true},
		{testpe.NullStringArg(), "", true},
		{[]byte{0x01, 0x00, 0x05, 'a'}, "", false},
		{[]byte{0x01, 0x00}, "", false},
		{[]byte{0x01}, "", false},
		{nil, "", false},
	} {
		got, ok := attributeArgument(tc.blob)
		assert.Equal(t, tc.ok, ok, "% X", tc.blob)
		assert.Equal(t, tc.want, got, "% X", tc.blob)
	}
}
