// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package loader

import (
	"fmt"
	"strings"

	"github.com/apex/log"
	"golang.org/x/crypto/cryptobyte"

	"github.com/amirebrahimi/qsharp-compiler/metadata"
)

// attributeNamespacePrefix selects the attributes that describe compiled
// declarations.
const attributeNamespacePrefix = "Microsoft.Quantum"

// HeaderEntry is an assembly custom attribute together with its single
// string argument.
type HeaderEntry struct {
	Name  string
	Value string
}

// attributeType resolves the type whose constructor ca invokes.
func attributeType(md *metadata.Reader, ca metadata.CustomAttribute) (metadata.TypeName, error) {
	var typ metadata.Handle
	switch ctor := ca.Constructor; ctor.Kind() {
	case metadata.TableMethodDef:
		h, err := md.TypeDefOfMethod(ctor.Row)
		if err != nil {
			return metadata.TypeName{}, err
		}
		typ = h
	case metadata.TableMemberRef:
		mr, err := md.MemberRef(ctor.Row)
		if err != nil {
			return metadata.TypeName{}, err
		}
		switch mr.Parent.Kind() {
		case metadata.TableTypeRef, metadata.TableTypeDef:
			typ = mr.Parent
		default:
			return metadata.TypeName{}, fmt.Errorf("%w: constructor %v has parent %v", ErrAttributeResolution, ctor, mr.Parent)
		}
	default:
		return metadata.TypeName{}, fmt.Errorf("%w: constructor %v", ErrAttributeResolution, ctor)
	}

	return md.TypeName(typ)
}

// attributeArgument returns the string argument of a custom attribute value
// blob. Blobs of constructors with any other signature fail to parse.
func attributeArgument(blob []byte) (string, bool) {
	s := cryptobyte.String(blob)
	var value string
	if !s.Skip(2) || !metadata.ReadSerString(&s, &value) {
		return "", false
	}
	return value, true
}

// readHeaderAttributes returns the name and argument of every assembly
// custom attribute declared in a namespace under attributeNamespacePrefix,
// in table order. Attributes whose blob does not parse are left out.
func readHeaderAttributes(md *metadata.Reader, logger log.Interface) ([]HeaderEntry, error) {
	cas, err := md.AssemblyCustomAttributes()
	if err != nil {
		return nil, err
	}

	var entries []HeaderEntry
	for _, ca := range cas {
		tn, err := attributeType(md, ca)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(tn.Namespace, attributeNamespacePrefix) {
			continue
		}

		value, ok := attributeArgument(ca.Value)
		if !ok {
			logger.WithField("attribute", tn.String()).Debug("skipping attribute without a string argument")
			continue
		}
		entries = append(entries, HeaderEntry{Name: tn.Name, Value: value})
	}

	return entries, nil
}
