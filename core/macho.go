// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/blacktop/go-macho"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/coredbg/postmortem/arch"
)

const (
	machMagic64 = 0xfeedfacf

	// File types.
	mhExecute = 0x2
	mhCore    = 0x4
	mhDylib   = 0x6

	// Load commands.
	lcThread     = 0x4
	lcUnixThread = 0x5
	lcIDDylib    = 0xd
	lcSegment64  = 0x19

	cpuTypeX86_64 = 0x01000007
	cpuTypeARM64  = 0x0100000c

	// Thread state flavors.
	x86ThreadState64 = 4
	x86ThreadState   = 7
	armThreadState64 = 6

	machHeaderSize     = 32
	loadCommandSize    = 8
	segmentCommandSize = 72
	dylibCommandSize   = 24
)

// machHeader is mach_header_64.
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

type loadCommand struct {
	Cmd     uint32
	CmdSize uint32
}

// segmentCommand64 is segment_command_64.
type segmentCommand64 struct {
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

// dylibCommand is dylib_command; the install name is a NUL-terminated
// string at NameOffset from the start of the command.
type dylibCommand struct {
	Cmd            uint32
	CmdSize        uint32
	NameOffset     uint32
	Timestamp      uint32
	CurrentVersion uint32
	CompatVersion  uint32
}

func unpack(b []byte, v interface{}, order binary.ByteOrder) error {
	return struc.UnpackWithOrder(bytes.NewReader(b), v, order)
}

// readMachHeader reads a mach_header_64 at off, detecting its byte order
// from the magic number.
func readMachHeader(r io.ReaderAt, off int64) (*machHeader, binary.ByteOrder, error) {
	var b [machHeaderSize]byte
	if _, err := r.ReadAt(b[:], off); err != nil {
		return nil, nil, err
	}
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(b[:]) == machMagic64:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(b[:]) == machMagic64:
		order = binary.BigEndian
	default:
		return nil, nil, errors.Errorf("bad Mach-O magic %#x", binary.LittleEndian.Uint32(b[:]))
	}
	h := new(machHeader)
	if err := unpack(b[:], h, order); err != nil {
		return nil, nil, err
	}
	return h, order, nil
}

// forEachLoadCommand calls fn for each of the ncmds load commands packed
// in b, passing the whole command including its 8-byte prefix.
func forEachLoadCommand(b []byte, ncmds uint32, order binary.ByteOrder, fn func(cmd uint32, data []byte) error) error {
	for i := uint32(0); i < ncmds; i++ {
		if len(b) < loadCommandSize {
			return errors.Errorf("load command %d truncated", i)
		}
		cmd, size := order.Uint32(b), order.Uint32(b[4:])
		if size < loadCommandSize || uint64(size) > uint64(len(b)) {
			return errors.Errorf("load command %d has bad size %d", i, size)
		}
		if err := fn(cmd, b[:size]); err != nil {
			return err
		}
		b = b[size:]
	}
	return nil
}

// An embeddedImage is a Mach-O header found inside the core's memory.
type embeddedImage struct {
	addr     Address
	fileType uint32
	name     string // LC_ID_DYLIB install name, if any
}

// machoFormat loads 64-bit Mach-O cores, whose memory is described by
// LC_SEGMENT_64 commands and whose threads are LC_THREAD commands.
type machoFormat struct {
	hdr   *machHeader
	order binary.ByteOrder
	exec  *macho.File

	images []embeddedImage
	// scanned is set once images holds the result of scanning the core.
	scanned bool
}

func (f *machoFormat) String() string { return "macho" }

func (f *machoFormat) validateCore(p *Process) error {
	h, order, err := readMachHeader(p.core, 0)
	if err != nil {
		return formatErrorf(p.core.Name(), "not a valid Mach-O file: %v", err)
	}
	if h.FileType != mhCore {
		return formatErrorf(p.core.Name(), "not a Mach-O core file (type %#x)", h.FileType)
	}
	switch h.CPUType {
	case cpuTypeX86_64:
		p.arch = &arch.DarwinAMD64
	case cpuTypeARM64:
		p.arch = &arch.DarwinARM64
	default:
		return formatErrorf(p.core.Name(), "unsupported CPU type %#x", h.CPUType)
	}
	f.hdr, f.order = h, order
	return nil
}

func (f *machoFormat) validateExec(p *Process) error {
	mf, err := macho.NewFile(p.exe)
	if err != nil {
		return formatErrorf(p.exe.Name(), "not a valid Mach-O file: %v", err)
	}
	if uint32(mf.Type) != mhExecute {
		return formatErrorf(p.exe.Name(), "not a Mach-O executable (type %#x)", uint32(mf.Type))
	}
	if uint32(mf.CPU) != f.hdr.CPUType {
		return formatErrorf(p.exe.Name(), "executable CPU type %#x does not match core %#x", uint32(mf.CPU), f.hdr.CPUType)
	}
	f.exec = mf
	return nil
}

func (f *machoFormat) readCoreSegments(p *Process) error {
	name := p.core.Name()
	size, err := p.coreSize()
	if err != nil {
		return err
	}
	if int64(f.hdr.SizeOfCmds) > size-machHeaderSize {
		return formatErrorf(name, "load commands (%#x bytes) run past end of file", f.hdr.SizeOfCmds)
	}
	cmds := make([]byte, f.hdr.SizeOfCmds)
	if _, err := p.core.ReadAt(cmds, machHeaderSize); err != nil {
		return formatErrorf(name, "failed to read load commands, core file must have been truncated")
	}
	err = forEachLoadCommand(cmds, f.hdr.NCmds, f.order, func(cmd uint32, data []byte) error {
		switch cmd {
		case lcSegment64:
			if len(data) < segmentCommandSize {
				return errors.Errorf("LC_SEGMENT_64 is %d bytes", len(data))
			}
			var seg segmentCommand64
			if err := unpack(data[:segmentCommandSize], &seg, f.order); err != nil {
				return err
			}
			if seg.VMSize == 0 || seg.FileSize == 0 {
				return nil
			}
			p.memory.insert(&Mapping{
				min:  Address(seg.VMAddr),
				size: int64(min(seg.FileSize, seg.VMSize)),
				perm: Perm(seg.InitProt) & (Read | Write | Exec),
				f:    p.core,
				off:  int64(seg.FileOff),
			})
		case lcThread, lcUnixThread:
			return f.readThread(p, data[loadCommandSize:])
		}
		return nil
	})
	if err != nil {
		return formatErrorf(name, "%v", err)
	}
	return nil
}

// readThread records the thread described by the body of an LC_THREAD
// command: a sequence of {flavor, count, state[count]} records. Flavors
// we don't decode are skipped.
func (f *machoFormat) readThread(p *Process, b []byte) error {
	var regs arch.Registers
	for len(b) > 0 {
		if len(b) < 8 {
			return errors.New("thread state header truncated")
		}
		flavor, count := f.order.Uint32(b), f.order.Uint32(b[4:])
		b = b[8:]
		n := uint64(count) * 4
		if n > uint64(len(b)) {
			return errors.Errorf("thread state flavor %d truncated", flavor)
		}
		state := b[:n]
		b = b[n:]
		r, err := f.decodeThreadState(flavor, state)
		if err != nil {
			return err
		}
		if r != nil && regs == nil {
			regs = r
		}
	}
	if regs == nil {
		p.log.WithField("thread", len(p.threads)).Debug("thread has no decodable register state")
		return nil
	}
	p.threads = append(p.threads, &Thread{id: uint64(len(p.threads)), regs: regs})
	return nil
}

func (f *machoFormat) decodeThreadState(flavor uint32, state []byte) (arch.Registers, error) {
	switch f.hdr.CPUType {
	case cpuTypeX86_64:
		switch flavor {
		case x86ThreadState64:
			return arch.DecodeDarwinAMD64(state, f.order)
		case x86ThreadState:
			// x86_thread_state_t: a {flavor, count} header, then the state.
			if len(state) < 8 {
				return nil, errors.New("x86_THREAD_STATE truncated")
			}
			if f.order.Uint32(state) != x86ThreadState64 {
				return nil, nil
			}
			return arch.DecodeDarwinAMD64(state[8:], f.order)
		}
	case cpuTypeARM64:
		if flavor == armThreadState64 {
			return arch.DecodeDarwinARM64(state, f.order)
		}
	}
	return nil, nil
}

// textSegment returns the segment of mf mapped from file offset 0.
func textSegment(mf *macho.File) *macho.Segment {
	for _, s := range mf.Segments() {
		if s.Offset == 0 && s.Filesz != 0 {
			return s
		}
	}
	return nil
}

// machoSegments returns the segments of mf moved by slide.
func machoSegments(mf *macho.File, slide int64) []segment {
	var segs []segment
	for _, s := range mf.Segments() {
		segs = append(segs, segment{
			addr:   Address(s.Addr).Add(slide),
			off:    int64(s.Offset),
			filesz: int64(s.Filesz),
			perm:   Perm(uint32(s.Prot)) & (Read | Write | Exec),
		})
	}
	return segs
}

// machoImageSize returns the span covered by the segments of mf that
// lie at or above the text segment.
func machoImageSize(mf *macho.File, text *macho.Segment) int64 {
	var end uint64
	for _, s := range mf.Segments() {
		if s.Addr >= text.Addr && s.Memsz != 0 {
			end = max(end, s.Addr+s.Memsz)
		}
	}
	return int64(end - text.Addr)
}

func (f *machoFormat) readExecSegments(p *Process) error {
	text := textSegment(f.exec)
	if text == nil {
		return formatErrorf(p.exe.Name(), "no segment maps the Mach-O header")
	}
	// The executable's header is somewhere in the core; its address
	// gives the slide.
	var slide int64
	found := false
	for _, img := range f.scan(p) {
		if img.fileType == mhExecute {
			slide = int64(img.addr) - int64(text.Addr)
			found = true
			break
		}
	}
	if !found {
		p.log.Warn("executable header not found in core, assuming no slide")
	}
	if err := mergeSegments(&p.memory, p.pageSize, p.exe, machoSegments(f.exec, slide), p.log); err != nil {
		return err
	}
	p.libs = append(p.libs, &Library{
		name: p.exePath,
		base: Address(text.Addr).Add(slide),
		size: machoImageSize(f.exec, text),
		f:    p.exe,
	})
	return nil
}

// scan returns the Mach-O images whose headers appear at page starts in
// the core's own memory. Only mappings whose first word is the Mach-O
// magic are searched.
func (f *machoFormat) scan(p *Process) []embeddedImage {
	if f.scanned {
		return f.images
	}
	f.scanned = true
	var magic [4]byte
	for _, m := range p.memory.all {
		if m.f != p.core {
			continue
		}
		if _, err := pread(p.core, magic[:], m.off); err != nil || f.order.Uint32(magic[:]) != machMagic64 {
			continue
		}
		for off := int64(0); off+machHeaderSize <= m.size; {
			h, order, err := readMachHeader(p.core, m.off+off)
			if err != nil {
				off = alignUp(off+1, p.pageSize)
				continue
			}
			img := embeddedImage{addr: m.min.Add(off), fileType: h.FileType}
			n := min(int64(h.SizeOfCmds), m.size-off-machHeaderSize)
			cmds := make([]byte, n)
			if _, err := pread(p.core, cmds, m.off+off+machHeaderSize); err == nil {
				img.name = dylibName(cmds, h.NCmds, order)
			}
			p.log.WithFields(logrus.Fields{"addr": img.addr, "type": h.FileType, "name": img.name}).
				Debug("found Mach-O header in core")
			f.images = append(f.images, img)
			off = alignUp(off+machHeaderSize+n, p.pageSize)
		}
	}
	return f.images
}

func alignUp(n, align int64) int64 {
	return (n + align - 1) &^ (align - 1)
}

// dylibName returns the install name from the LC_ID_DYLIB command among
// cmds, or "". Commands past a malformed one are ignored.
func dylibName(cmds []byte, ncmds uint32, order binary.ByteOrder) string {
	var name string
	forEachLoadCommand(cmds, ncmds, order, func(cmd uint32, data []byte) error {
		if cmd != lcIDDylib || len(data) < dylibCommandSize {
			return nil
		}
		var dc dylibCommand
		if err := unpack(data[:dylibCommandSize], &dc, order); err != nil {
			return err
		}
		if dc.NameOffset < dylibCommandSize || dc.NameOffset >= uint32(len(data)) {
			return nil
		}
		name = cstring(data[dc.NameOffset:])
		return io.EOF
	})
	return name
}
