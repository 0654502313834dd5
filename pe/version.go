// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pe

import (
	"errors"
	"fmt"
	"io"

	"github.com/tc-hib/winres"
	"github.com/tc-hib/winres/version"
)

var errNoVersionResource = errors.New("no RT_VERSION resource")

// VersionNumber is a four-part file or product version.
type VersionNumber struct {
	Major uint16
	Minor uint16
	Patch uint16
	Build uint16
}

func (vn *VersionNumber) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", vn.Major, vn.Minor, vn.Patch, vn.Build)
}

func versionNumber(v [4]uint16) VersionNumber {
	return VersionNumber{Major: v[0], Minor: v[1], Patch: v[2], Build: v[3]}
}

// VersionInfo holds the fixed part of a binary's VS_VERSIONINFO resource.
type VersionInfo struct {
	info *version.Info
}

// VersionInfo reads the Win32 version resource of nfo. Managed compilers emit
// one for every assembly, carrying the assembly's file version.
// It returns ErrNotPresent when nfo has no resource section or no version resource.
func (nfo *PEHeaders) VersionInfo() (*VersionInfo, error) {
	if _, err := nfo.DataDirectoryEntry(IMAGE_DIRECTORY_ENTRY_RESOURCE); err != nil {
		if errors.Is(err, ErrIndexOutOfRange) {
			err = ErrNotPresent
		}
		return nil, err
	}

	if _, err := nfo.r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	rs, err := winres.LoadFromEXE(nfo.r)
	if err != nil {
		return nil, fmt.Errorf("loading resources: %w", err)
	}

	var data []byte
	rs.WalkType(winres.RT_VERSION, func(resID winres.Identifier, langID uint16, d []byte) bool {
		data = d
		return false
	})
	if data == nil {
		return nil, fmt.Errorf("%w: %w", ErrNotPresent, errNoVersionResource)
	}

	vi, err := version.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing version resource: %w", err)
	}

	return &VersionInfo{info: vi}, nil
}

// FileVersion returns the file version from the fixed file info.
func (vi *VersionInfo) FileVersion() VersionNumber {
	return versionNumber(vi.info.FileVersion)
}

// ProductVersion returns the product version from the fixed file info.
func (vi *VersionInfo) ProductVersion() VersionNumber {
	return versionNumber(vi.info.ProductVersion)
}
