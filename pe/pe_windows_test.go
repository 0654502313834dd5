// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"testing"

	"golang.org/x/sys/windows"
)

func TestFileHandle(t *testing.T) {
	for name, b := range testBuilders {
		t.Run(name, func(t *testing.T) {
			fname := writeTestBinary(t, b)

			fname16, err := windows.UTF16PtrFromString(fname)
			if err != nil {
				t.Fatalf("converting %q to UTF-16: %v", fname, err)
			}

			hfile, err := windows.CreateFile(
				fname16,
				windows.GENERIC_READ,
				windows.FILE_SHARE_READ,
				nil,
				windows.OPEN_EXISTING,
				windows.FILE_ATTRIBUTE_NORMAL,
				0,
			)
			if err != nil {
				t.Fatalf("CreateFile(%q): %v", fname, err)
			}
			defer windows.CloseHandle(hfile)

			peh, err := NewPEFromFileHandle(hfile)
			if err != nil {
				t.Fatalf("NewPEFromFileHandle: %v", err)
			}
			checkHeaders(t, peh, b.PE32Plus)
			if err := peh.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}

			// The original handle must still be usable after the duplicate
			// is closed.
			var info windows.ByHandleFileInformation
			if err := windows.GetFileInformationByHandle(hfile, &info); err != nil {
				t.Errorf("GetFileInformationByHandle on the original handle: %v", err)
			}
		})
	}
}
