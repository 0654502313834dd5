// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package metadata

import "fmt"

// Handle refers to a row of a metadata table. Row numbers are 1-based; a
// zero Row is the nil handle.
type Handle struct {
	Table TableIndex
	Row   uint32
}

// IsNil reports whether h refers to no row at all.
func (h Handle) IsNil() bool {
	return h.Row == 0
}

// Kind returns the table that h refers to.
func (h Handle) Kind() TableIndex {
	return h.Table
}

// Token returns h in the 0xTTRRRRRR form used by IL and the CLI header.
func (h Handle) Token() uint32 {
	return uint32(h.Table)<<24 | h.Row&0x00FFFFFF
}

func (h Handle) String() string {
	if h.IsNil() {
		return fmt.Sprintf("%v(nil)", h.Table)
	}
	return fmt.Sprintf("%v[%d]", h.Table, h.Row)
}
