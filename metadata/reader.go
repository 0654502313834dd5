// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package metadata reads the ECMA-335 metadata of managed binaries: the
// metadata root, its heaps and the tables stream.
package metadata

import (
	"encoding/binary"
	"math/bits"

	"golang.org/x/crypto/cryptobyte"
)

const (
	metadataSignature = 0x424A5342 // "BSJB"
	maxVersionLength  = 255
)

// Stream names.
const (
	StreamTables            = "#~"
	StreamTablesUnoptimized = "#-"
	StreamStrings           = "#Strings"
	StreamBlob              = "#Blob"
	StreamGUID              = "#GUID"
	StreamUserStrings       = "#US"
)

// StreamHeader describes one stream of the metadata root.
type StreamHeader struct {
	Offset uint32
	Size   uint32
	Name   string
}

type table struct {
	data    []byte
	rowSize int
	offsets []int
	widths  []int
}

// Reader provides access to a metadata blob. The blob must stay unmodified
// for as long as the Reader is in use.
type Reader struct {
	buf     []byte
	version string
	streams []StreamHeader

	tableStream string
	major       uint8
	minor       uint8
	heapSizes   uint8
	sorted      uint64

	strings     []byte
	blobs       []byte
	guids       []byte
	userStrings []byte

	rows   [numTables]uint32
	tables [numTables]table

	resources *ResourceIndex
}

func readUint16LE(s *cryptobyte.String, out *uint16) bool {
	var b []byte
	if !s.ReadBytes(&b, 2) {
		return false
	}
	*out = binary.LittleEndian.Uint16(b)
	return true
}

func readUint32LE(s *cryptobyte.String, out *uint32) bool {
	var b []byte
	if !s.ReadBytes(&b, 4) {
		return false
	}
	*out = binary.LittleEndian.Uint32(b)
	return true
}

func readUint64LE(s *cryptobyte.String, out *uint64) bool {
	var b []byte
	if !s.ReadBytes(&b, 8) {
		return false
	}
	*out = binary.LittleEndian.Uint64(b)
	return true
}

// NewReader parses the metadata root at the start of buf.
func NewReader(buf []byte) (*Reader, error) {
	r := &Reader{buf: buf}
	if err := r.readRoot(); err != nil {
		return nil, err
	}
	if err := r.readTables(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) readRoot() error {
	s := cryptobyte.String(r.buf)

	var sig, reserved, verLen uint32
	var major, minor uint16
	if !readUint32LE(&s, &sig) || !readUint16LE(&s, &major) || !readUint16LE(&s, &minor) ||
		!readUint32LE(&s, &reserved) || !readUint32LE(&s, &verLen) {
		return newFormatError("truncated metadata root")
	}
	if sig != metadataSignature {
		return newFormatError("bad metadata signature 0x%08X", sig)
	}
	if verLen > maxVersionLength+1 {
		return newFormatError("version string length %d too large", verLen)
	}

	var ver []byte
	if !s.ReadBytes(&ver, int(verLen)) {
		return newFormatError("truncated version string")
	}
	r.version = cstring(ver)

	var flags, count uint16
	if !readUint16LE(&s, &flags) || !readUint16LE(&s, &count) {
		return newFormatError("truncated metadata root")
	}

	r.streams = make([]StreamHeader, 0, count)
	for i := 0; i < int(count); i++ {
		var sh StreamHeader
		if !readUint32LE(&s, &sh.Offset) || !readUint32LE(&s, &sh.Size) {
			return newFormatError("truncated stream header %d", i)
		}

		// The name is NUL-terminated and padded to a multiple of four bytes.
		end := -1
		for j := 0; j < len(s) && j < 32; j++ {
			if s[j] == 0 {
				end = j
				break
			}
		}
		if end < 0 {
			return newFormatError("unterminated name in stream header %d", i)
		}
		sh.Name = string(s[:end])
		if !s.Skip((end + 4) &^ 3) {
			return newFormatError("truncated stream header %d", i)
		}

		data, ok := r.streamData(sh)
		if !ok {
			return newFormatError("stream %q lies outside of the metadata", sh.Name)
		}

		switch sh.Name {
		case StreamTables, StreamTablesUnoptimized:
			if r.tableStream != "" {
				return newFormatError("more than one tables stream")
			}
			r.tableStream = sh.Name
		case StreamStrings:
			r.strings = data
		case StreamBlob:
			r.blobs = data
		case StreamGUID:
			r.guids = data
		case StreamUserStrings:
			r.userStrings = data
		}

		r.streams = append(r.streams, sh)
	}

	if r.tableStream == "" {
		return newFormatError("no tables stream")
	}

	return nil
}

func (r *Reader) streamData(sh StreamHeader) ([]byte, bool) {
	end := uint64(sh.Offset) + uint64(sh.Size)
	if end > uint64(len(r.buf)) {
		return nil, false
	}
	return r.buf[sh.Offset:end], true
}

func (r *Reader) readTables() error {
	var data []byte
	for _, sh := range r.streams {
		if sh.Name == r.tableStream {
			data, _ = r.streamData(sh)
			break
		}
	}

	s := cryptobyte.String(data)
	var reserved uint32
	var valid uint64
	if !readUint32LE(&s, &reserved) || !s.ReadUint8(&r.major) || !s.ReadUint8(&r.minor) ||
		!s.ReadUint8(&r.heapSizes) || !s.Skip(1) || !readUint64LE(&s, &valid) ||
		!readUint64LE(&s, &r.sorted) {
		return newFormatError("truncated tables stream header")
	}
	if valid>>numTables != 0 {
		return newFormatError("unknown tables present (valid mask 0x%016X)", valid)
	}

	for t := TableIndex(0); t < numTables; t++ {
		if valid&(1<<t) == 0 {
			continue
		}
		if !readUint32LE(&s, &r.rows[t]) {
			return newFormatError("truncated row counts (%d tables)", bits.OnesCount64(valid))
		}
	}

	if r.heapSizes&heapExtraData != 0 && !s.Skip(4) {
		return newFormatError("truncated tables stream header")
	}

	l := layout{heapSizes: r.heapSizes, rows: &r.rows}
	for t := TableIndex(0); t < numTables; t++ {
		tbl := &r.tables[t]
		tbl.offsets = make([]int, len(schema[t]))
		tbl.widths = make([]int, len(schema[t]))
		for i, c := range schema[t] {
			tbl.offsets[i] = tbl.rowSize
			tbl.widths[i] = l.width(c)
			tbl.rowSize += tbl.widths[i]
		}

		size := uint64(tbl.rowSize) * uint64(r.rows[t])
		if size > uint64(len(s)) {
			return newFormatError("table %v (%d rows) overruns the tables stream", t, r.rows[t])
		}
		if !s.ReadBytes(&tbl.data, int(size)) {
			return newFormatError("table %v overruns the tables stream", t)
		}
	}

	return nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Version returns the runtime version string from the metadata root.
func (r *Reader) Version() string {
	return r.version
}

// Streams returns the stream headers in the order they appear in the root.
func (r *Reader) Streams() []StreamHeader {
	return r.streams
}

// TablesStreamName returns "#~" for optimized metadata or "#-" otherwise.
func (r *Reader) TablesStreamName() string {
	return r.tableStream
}

// RowCount returns the number of rows in table t.
func (r *Reader) RowCount(t TableIndex) uint32 {
	if t >= numTables {
		return 0
	}
	return r.rows[t]
}

// column returns column col of the given row of table t.
func (r *Reader) column(t TableIndex, row uint32, col int) (uint32, error) {
	if t >= numTables || row == 0 || row > r.rows[t] {
		return 0, ErrRowOutOfRange
	}

	tbl := &r.tables[t]
	off := int(row-1)*tbl.rowSize + tbl.offsets[col]
	b := tbl.data[off : off+tbl.widths[col]]
	switch len(b) {
	case 1:
		return uint32(b[0]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(b)), nil
	default:
		return binary.LittleEndian.Uint32(b), nil
	}
}

// cursor reads the columns of a single row in order.
type cursor struct {
	r   *Reader
	t   TableIndex
	row uint32
	col int
	err error
}

func (r *Reader) cursor(t TableIndex, row uint32) *cursor {
	c := &cursor{r: r, t: t, row: row}
	if t >= numTables || row == 0 || row > r.rows[t] {
		c.err = ErrRowOutOfRange
	}
	return c
}

func (c *cursor) uint() uint32 {
	if c.err != nil {
		return 0
	}
	v, err := c.r.column(c.t, c.row, c.col)
	c.col++
	c.err = err
	return v
}

func (c *cursor) str() string {
	idx := c.uint()
	if c.err != nil {
		return ""
	}
	s, err := c.r.String(idx)
	c.err = err
	return s
}

func (c *cursor) blob() []byte {
	idx := c.uint()
	if c.err != nil {
		return nil
	}
	b, err := c.r.Blob(idx)
	c.err = err
	return b
}

func (c *cursor) coded(ci *codedIndex) Handle {
	return ci.decode(c.uint())
}

func (c *cursor) index(t TableIndex) Handle {
	return Handle{Table: t, Row: c.uint()}
}
