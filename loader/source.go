// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package loader

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ParseSource turns source, either a file system path or an absolute file
// URI, into the local path of the binary and the identifier that headers
// loaded from it carry. Any other kind of URI is rejected with
// ErrInvalidArgument.
func ParseSource(source string) (path, id string, err error) {
	if source == "" {
		return "", "", fmt.Errorf("%w: empty source", ErrInvalidArgument)
	}

	path = source
	if hasScheme(source) {
		if path, err = pathFromURI(source); err != nil {
			return "", "", err
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	return abs, abs, nil
}

// hasScheme reports whether source starts with a URI scheme. A single letter
// followed by a colon is a drive letter, not a scheme.
func hasScheme(source string) bool {
	i := strings.IndexByte(source, ':')
	if i < 0 {
		return false
	}
	u, err := url.Parse(source[:i+1])
	return err == nil && len(u.Scheme) > 1
}

func pathFromURI(source string) (string, error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if !strings.EqualFold(u.Scheme, "file") {
		return "", fmt.Errorf("%w: %q is not a file URI", ErrInvalidArgument, source)
	}
	if u.Opaque != "" || u.Path == "" {
		return "", fmt.Errorf("%w: %q is not an absolute file URI", ErrInvalidArgument, source)
	}

	p := u.Path
	if runtime.GOOS == "windows" {
		// file:///C:/dir/x.dll has the path /C:/dir/x.dll.
		if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
			p = p[1:]
		}
		p = filepath.FromSlash(p)
	}

	switch {
	case u.Host == "" || strings.EqualFold(u.Host, "localhost"):
	case runtime.GOOS == "windows":
		p = `\\` + u.Host + p
	default:
		return "", fmt.Errorf("%w: %q names a remote host", ErrInvalidArgument, source)
	}

	if !filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: %q is not an absolute file URI", ErrInvalidArgument, source)
	}
	return p, nil
}

// checkFile fails with ErrFileNotFound unless path is an existing regular
// file.
func checkFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFileNotFound, err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrFileNotFound, path)
	}
	return nil
}
