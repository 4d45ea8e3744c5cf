// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testenv

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
)

// MachOPage is the file alignment of segment data in a MachOImage.
const MachOPage = 0x1000

// A MachOSegment is one LC_SEGMENT_64 of a MachOImage.
type MachOSegment struct {
	Name  string
	Addr  uint64
	Memsz uint64 // defaults to the file size
	Prot  uint32
	Data  []byte

	// Header makes the segment start at file offset 0 so that it maps
	// the Mach-O header page. Data follows at offset MachOPage.
	Header bool
}

// A MachOImage describes a 64-bit Mach-O file.
type MachOImage struct {
	BigEndian bool
	CPUType   uint32
	FileType  uint32
	Segments  []MachOSegment
	Threads   [][]byte // LC_THREAD bodies, see MachOThreadState
	DylibID   string   // LC_ID_DYLIB install name, if non-empty
}

type machHeader struct {
	Magic      uint32
	CPUType    uint32
	CPUSubtype uint32
	FileType   uint32
	NCmds      uint32
	SizeOfCmds uint32
	Flags      uint32
	Reserved   uint32
}

type segmentCommand struct {
	Cmd      uint32
	CmdSize  uint32
	SegName  [16]byte `struc:"[16]byte"`
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

type dylibCommand struct {
	Cmd            uint32
	CmdSize        uint32
	NameOffset     uint32
	Timestamp      uint32
	CurrentVersion uint32
	CompatVersion  uint32
}

func (img *MachOImage) order() binary.ByteOrder {
	if img.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Bytes encodes img. Load commands must fit in the first page; segment
// data is page aligned.
func (img *MachOImage) Bytes() []byte {
	order := img.order()

	// File placement: the header segment first, then the rest.
	offs := make([]uint64, len(img.Segments))
	sizes := make([]uint64, len(img.Segments))
	next := uint64(MachOPage)
	for i, s := range img.Segments {
		if s.Header {
			offs[i] = 0
			sizes[i] = MachOPage + uint64(len(s.Data))
			next = align(MachOPage+uint64(len(s.Data)), MachOPage)
		}
	}
	for i, s := range img.Segments {
		if s.Header || len(s.Data) == 0 {
			continue
		}
		offs[i] = next
		sizes[i] = uint64(len(s.Data))
		next = align(next+sizes[i], MachOPage)
	}

	var cmds bytes.Buffer
	ncmds := 0
	for i, s := range img.Segments {
		seg := segmentCommand{
			Cmd:      0x19,
			CmdSize:  72,
			VMAddr:   s.Addr,
			VMSize:   s.Memsz,
			FileOff:  offs[i],
			FileSize: sizes[i],
			MaxProt:  7,
			InitProt: s.Prot,
		}
		if seg.VMSize == 0 {
			seg.VMSize = sizes[i]
		}
		copy(seg.SegName[:], s.Name)
		struc.PackWithOrder(&cmds, &seg, order)
		ncmds++
	}
	for _, t := range img.Threads {
		var hdr [8]byte
		order.PutUint32(hdr[:], 0x4)
		order.PutUint32(hdr[4:], uint32(8+len(t)))
		cmds.Write(hdr[:])
		cmds.Write(t)
		ncmds++
	}
	if img.DylibID != "" {
		size := align(24+uint64(len(img.DylibID))+1, 8)
		dc := dylibCommand{Cmd: 0xd, CmdSize: uint32(size), NameOffset: 24}
		struc.PackWithOrder(&cmds, &dc, order)
		name := make([]byte, size-24)
		copy(name, img.DylibID)
		cmds.Write(name)
		ncmds++
	}
	if 32+cmds.Len() > MachOPage {
		panic("testenv: Mach-O load commands overflow the header page")
	}

	var buf bytes.Buffer
	h := machHeader{
		Magic:      0xfeedfacf,
		CPUType:    img.CPUType,
		FileType:   img.FileType,
		NCmds:      uint32(ncmds),
		SizeOfCmds: uint32(cmds.Len()),
	}
	struc.PackWithOrder(&buf, &h, order)
	buf.Write(cmds.Bytes())
	for i, s := range img.Segments {
		if len(s.Data) == 0 {
			continue
		}
		start := offs[i]
		if s.Header {
			start = MachOPage
		}
		pad(&buf, start)
		buf.Write(s.Data)
	}
	var end uint64
	for i := range img.Segments {
		end = max(end, offs[i]+sizes[i])
	}
	pad(&buf, end)
	return buf.Bytes()
}

// MachOThreadState encodes one {flavor, count, state} record of an
// LC_THREAD body.
func MachOThreadState(order binary.ByteOrder, flavor uint32, state []byte) []byte {
	b := make([]byte, 8+len(state))
	order.PutUint32(b, flavor)
	order.PutUint32(b[4:], uint32(len(state)/4))
	copy(b[8:], state)
	return b
}
