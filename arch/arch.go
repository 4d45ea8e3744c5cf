// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch contains architecture-specific definitions.
package arch

import (
	"encoding/binary"
)

// Architecture defines the architecture-specific details for a given machine.
type Architecture struct {
	// Name is the short name used in listings ("amd64", "arm64", ...).
	Name string
	// PointerSize is the size of a pointer, in bytes.
	PointerSize int
	// ByteOrder is the byte order for ints and pointers.
	ByteOrder binary.ByteOrder
	// PageSize is the page size the target used when it dumped core.
	PageSize int64
}

func (a *Architecture) String() string {
	return a.Name
}

// Uintptr decodes a pointer-sized value from buf.
func (a *Architecture) Uintptr(buf []byte) uint64 {
	if len(buf) != a.PointerSize {
		panic("bad PointerSize")
	}
	switch a.PointerSize {
	case 4:
		return uint64(a.ByteOrder.Uint32(buf[:4]))
	case 8:
		return a.ByteOrder.Uint64(buf[:8])
	}
	panic("no PointerSize")
}

// PutUintptr encodes v into buf as a pointer-sized value.
func (a *Architecture) PutUintptr(buf []byte, v uint64) {
	switch a.PointerSize {
	case 4:
		a.ByteOrder.PutUint32(buf, uint32(v))
	case 8:
		a.ByteOrder.PutUint64(buf, v)
	default:
		panic("no PointerSize")
	}
}

var AMD64 = Architecture{
	Name:        "amd64",
	PointerSize: 8,
	ByteOrder:   binary.LittleEndian,
	PageSize:    4096,
}

var I386 = Architecture{
	Name:        "386",
	PointerSize: 4,
	ByteOrder:   binary.LittleEndian,
	PageSize:    4096,
}

var ARM64 = Architecture{
	Name:        "arm64",
	PointerSize: 8,
	ByteOrder:   binary.LittleEndian,
	PageSize:    4096,
}

// Mach-O targets. The arm64 kernel uses 16K pages.

var DarwinAMD64 = Architecture{
	Name:        "darwin/amd64",
	PointerSize: 8,
	ByteOrder:   binary.LittleEndian,
	PageSize:    4096,
}

var DarwinARM64 = Architecture{
	Name:        "darwin/arm64",
	PointerSize: 8,
	ByteOrder:   binary.LittleEndian,
	PageSize:    16384,
}
