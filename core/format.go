// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// An imageFormat knows how to load one family of core images. Its steps
// are called in order by Open, each with the Process built so far.
type imageFormat interface {
	String() string

	// validateCore checks the core header and sets the architecture.
	validateCore(p *Process) error
	// validateExec checks the executable against the core.
	validateExec(p *Process) error
	// readCoreSegments records the core's memory and threads.
	readCoreSegments(p *Process) error
	// readExecSegments merges the executable's text.
	readExecSegments(p *Process) error
	// discoverLibraries finds shared libraries and merges their text.
	// Only errors that invalidate the whole image are returned.
	discoverLibraries(p *Process) error
}

// sniffFormat picks the image family from the magic number of f.
func sniffFormat(f io.ReaderAt) (imageFormat, error) {
	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return nil, errors.Wrap(ErrUnrecognizedFormat, "core file too short")
	}
	switch {
	case bytes.Equal(magic[:], []byte(elf.ELFMAG)):
		return new(elfFormat), nil
	case binary.LittleEndian.Uint32(magic[:]) == machMagic64,
		binary.BigEndian.Uint32(magic[:]) == machMagic64:
		return new(machoFormat), nil
	}
	return nil, errors.Wrapf(ErrUnrecognizedFormat, "magic % x", magic[:])
}

// cstring returns the bytes of b up to the first NUL.
func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
