// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrReadOnly is returned by every write. Core images are immutable.
	ErrReadOnly = errors.New("core: core image is read-only")

	// ErrThreadNotFound is returned by Registers for an unknown thread id.
	ErrThreadNotFound = errors.New("core: no such thread")

	// ErrClosed is returned by operations on a released Process.
	ErrClosed = errors.New("core: process is closed")

	// ErrUnrecognizedFormat is returned when the core file starts with
	// neither an ELF nor a 64-bit Mach-O magic number.
	ErrUnrecognizedFormat = errors.New("core: unrecognized core format")
)

// A FormatError reports a malformed, truncated or mismatched image.
type FormatError struct {
	File string
	Msg  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s", e.File, e.Msg)
}

func formatErrorf(file, format string, args ...interface{}) error {
	return &FormatError{File: file, Msg: fmt.Sprintf(format, args...)}
}

// A ReadError reports that Len bytes at Addr could not all be read.
// Unmet is the number of bytes that were not satisfied.
type ReadError struct {
	Addr  uint64
	Len   int
	Unmet int
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("core read failed for %d byte(s) @ %#x (%d more bytes)", e.Len, e.Addr, e.Unmet)
}
