// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package program holds the compiled program image that is embedded into
// referenced binaries, and its BSON wire format.
package program

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
)

// Field names of the top-level document.
const (
	fieldNamespaces  = "Namespaces"
	fieldEntryPoints = "EntryPoints"
)

var (
	// ErrDeserializationFailed is returned when a payload is not a valid
	// program image. The underlying cause is wrapped alongside it.
	ErrDeserializationFailed = errors.New("program image deserialization failed")

	errUndefined = errors.New("required field is not defined")
)

// QualifiedName is a fully qualified callable or type name.
type QualifiedName struct {
	Namespace string `bson:"Namespace"`
	Name      string `bson:"Name"`
}

func (qn QualifiedName) String() string {
	if qn.Namespace == "" {
		return qn.Name
	}
	return qn.Namespace + "." + qn.Name
}

// Element is a callable or type declared in a namespace.
type Element struct {
	Kind          string        `bson:"Kind"`
	FullName      QualifiedName `bson:"FullName"`
	SourceFile    string        `bson:"SourceFile,omitempty"`
	Documentation []string      `bson:"Documentation"`
}

// Namespace is a namespace of the compiled program with its declarations.
type Namespace struct {
	Name          string    `bson:"Name"`
	Elements      []Element `bson:"Elements"`
	Documentation []string  `bson:"Documentation"`
}

// Image is a compiled program. Both slices are non-nil in every Image
// returned by Unmarshal.
type Image struct {
	Namespaces  []Namespace     `bson:"Namespaces"`
	EntryPoints []QualifiedName `bson:"EntryPoints"`
}

// Marshal encodes img as a BSON document. A nil slice in img is written as
// null and is therefore rejected by Unmarshal.
func Marshal(img *Image) ([]byte, error) {
	if img == nil {
		return nil, errors.New("nil program image")
	}
	return bson.Marshal(img)
}

// Unmarshal decodes a BSON document produced by Marshal. Both the Namespaces
// and the EntryPoints fields must be present and hold arrays; an empty array
// is fine.
//
// On failure the returned error wraps ErrDeserializationFailed and the cause.
// If onErr is non-nil it is called with the same error before Unmarshal
// returns; it has no influence on the result.
func Unmarshal(buf []byte, onErr func(error)) (*Image, error) {
	img, err := unmarshal(buf)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDeserializationFailed, err)
		if onErr != nil {
			onErr(err)
		}
		return nil, err
	}
	return img, nil
}

func unmarshal(buf []byte) (*Image, error) {
	raw := bson.Raw(buf)
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	for _, key := range []string{fieldNamespaces, fieldEntryPoints} {
		v, err := raw.LookupErr(key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, errUndefined)
		}
		if v.Type != bson.TypeArray {
			return nil, fmt.Errorf("%s holds %v: %w", key, v.Type, errUndefined)
		}
	}

	img := new(Image)
	if err := bson.Unmarshal(buf, img); err != nil {
		return nil, err
	}

	if img.Namespaces == nil {
		img.Namespaces = []Namespace{}
	}
	if img.EntryPoints == nil {
		img.EntryPoints = []QualifiedName{}
	}
	return img, nil
}

// WriteResource writes img to w in the framing used for embedded resources:
// a four byte little-endian length followed by the BSON document.
func WriteResource(w io.Writer, img *Image) error {
	doc, err := Marshal(img)
	if err != nil {
		return err
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(doc)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(doc)
	return err
}

// EncodeResource returns img in the framing written by WriteResource.
func EncodeResource(img *Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteResource(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadResource reads a resource written by WriteResource from r and decodes
// it. onErr is passed on to Unmarshal.
func ReadResource(r io.Reader, onErr func(error)) (*Image, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading resource length: %w", err)
	}

	n := binary.LittleEndian.Uint32(hdr[:])
	doc, err := io.ReadAll(io.LimitReader(r, int64(n)))
	if err != nil {
		return nil, err
	}
	if uint32(len(doc)) != n {
		return nil, fmt.Errorf("resource declares %d bytes, found %d: %w", n, len(doc), io.ErrUnexpectedEOF)
	}

	return Unmarshal(doc, onErr)
}
