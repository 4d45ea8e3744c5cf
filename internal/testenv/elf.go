// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testenv builds small ELF and Mach-O images for tests.
package testenv

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// An ELFProg is one program header of an ELFImage.
type ELFProg struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Vaddr uint64
	Memsz uint64 // defaults to len(Data)
	// Filesz, if non-zero, is written to the header in place of
	// len(Data), to describe a segment the file does not hold.
	Filesz uint64
	Align uint64
	Data  []byte
}

// An ELFImage describes a little-endian ELF file with program headers
// only.
type ELFImage struct {
	Class   elf.Class // defaults to ELFCLASS64
	Type    elf.Type
	Machine elf.Machine
	Entry   uint64
	Progs   []ELFProg
}

func align(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

// DataOffset returns the file offset at which Progs[i].Data is stored.
func (img *ELFImage) DataOffset(i int) uint64 {
	ehsize, phentsize := uint64(64), uint64(56)
	if img.Class == elf.ELFCLASS32 {
		ehsize, phentsize = 52, 32
	}
	off := ehsize + phentsize*uint64(len(img.Progs))
	for j, p := range img.Progs {
		off = align(off, 16)
		if j == i {
			break
		}
		off += uint64(len(p.Data))
	}
	return off
}

// Bytes encodes img. Segment data follows the program headers, each
// segment starting on a 16-byte boundary.
func (img *ELFImage) Bytes() []byte {
	class := img.Class
	if class == elf.ELFCLASSNONE {
		class = elf.ELFCLASS64
	}
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	le := binary.LittleEndian
	memsz := func(p ELFProg) uint64 {
		if p.Memsz != 0 {
			return p.Memsz
		}
		return uint64(len(p.Data))
	}
	filesz := func(p ELFProg) uint64 {
		if p.Filesz != 0 {
			return p.Filesz
		}
		return uint64(len(p.Data))
	}
	if class == elf.ELFCLASS64 {
		binary.Write(&buf, le, elf.Header64{
			Ident:     ident,
			Type:      uint16(img.Type),
			Machine:   uint16(img.Machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     img.Entry,
			Phoff:     64,
			Ehsize:    64,
			Phentsize: 56,
			Phnum:     uint16(len(img.Progs)),
		})
		for i, p := range img.Progs {
			binary.Write(&buf, le, elf.Prog64{
				Type:   uint32(p.Type),
				Flags:  uint32(p.Flags),
				Off:    img.DataOffset(i),
				Vaddr:  p.Vaddr,
				Paddr:  p.Vaddr,
				Filesz: filesz(p),
				Memsz:  memsz(p),
				Align:  p.Align,
			})
		}
	} else {
		binary.Write(&buf, le, elf.Header32{
			Ident:     ident,
			Type:      uint16(img.Type),
			Machine:   uint16(img.Machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     uint32(img.Entry),
			Phoff:     52,
			Ehsize:    52,
			Phentsize: 32,
			Phnum:     uint16(len(img.Progs)),
		})
		for i, p := range img.Progs {
			binary.Write(&buf, le, elf.Prog32{
				Type:   uint32(p.Type),
				Off:    uint32(img.DataOffset(i)),
				Vaddr:  uint32(p.Vaddr),
				Paddr:  uint32(p.Vaddr),
				Filesz: uint32(filesz(p)),
				Memsz:  uint32(memsz(p)),
				Flags:  uint32(p.Flags),
				Align:  uint32(p.Align),
			})
		}
	}
	for i, p := range img.Progs {
		pad(&buf, img.DataOffset(i))
		buf.Write(p.Data)
	}
	return buf.Bytes()
}

func pad(buf *bytes.Buffer, off uint64) {
	for uint64(buf.Len()) < off {
		buf.WriteByte(0)
	}
}

// ELFNote encodes one note for a PT_NOTE segment.
func ELFNote(name string, typ uint32, desc []byte) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	binary.Write(&buf, le, [3]uint32{uint32(len(name) + 1), uint32(len(desc)), typ})
	buf.WriteString(name)
	buf.WriteByte(0)
	pad(&buf, align(uint64(buf.Len()), 4))
	buf.Write(desc)
	pad(&buf, align(uint64(buf.Len()), 4))
	return buf.Bytes()
}

// WriteFile writes data to name in dir and returns its path.
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// OpenFDs returns the number of file descriptors the test process has
// open. It skips the test where they can't be counted.
func OpenFDs(t testing.TB) int {
	t.Helper()
	ents, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("can't count open files: %v", err)
	}
	return len(ents)
}
