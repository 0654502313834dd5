// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package loader

import (
	"github.com/apex/log"

	"github.com/amirebrahimi/qsharp-compiler/pe"
)

// Options configures LoadHeaders and LoadProgramImage. A nil *Options is
// equivalent to the zero value.
type Options struct {
	// IgnoreEmbeddedResource makes LoadHeaders read the header attributes
	// even when the binary embeds a program image.
	IgnoreEmbeddedResource bool
	// OnException, if set, is called with every failure that a load call
	// reports through its success flag instead of its error. It cannot
	// change the outcome of the call.
	OnException func(error)
	// Logger receives diagnostics. It defaults to log.Log.
	Logger log.Interface
	// DisableMmap reads binaries through the file system instead of mapping
	// them into memory.
	DisableMmap bool
	// MmapThreshold is the minimum size of a binary for it to be mapped.
	MmapThreshold int64
}

func (o *Options) ignoreEmbeddedResource() bool {
	return o != nil && o.IgnoreEmbeddedResource
}

func (o *Options) logger() log.Interface {
	if o == nil || o.Logger == nil {
		return log.Log
	}
	return o.Logger
}

func (o *Options) peOptions() *pe.Options {
	if o == nil {
		return nil
	}
	return &pe.Options{DisableMmap: o.DisableMmap, MmapThreshold: o.MmapThreshold}
}

// report logs err and passes it to the OnException hook.
func (o *Options) report(logger log.Interface, err error) {
	logger.WithError(err).Warn("cannot load referenced binary")
	if o != nil && o.OnException != nil {
		o.OnException(err)
	}
}
