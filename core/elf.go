// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"strings"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/coredbg/postmortem/arch"
)

const (
	// Auxiliary vector tags.
	atNull  = 0
	atEntry = 9

	maxInterpLen = 4096

	ntAuxv elf.NType = 0x6
)

// elfFormat loads ELF cores, whose memory is described by PT_LOAD
// program headers and whose threads are NT_PRSTATUS notes.
type elfFormat struct {
	core *elf.File
	exec *elf.File
}

func (f *elfFormat) String() string { return "elf" }

// An elfNoteHeader precedes every note in a PT_NOTE segment. The name
// and descriptor that follow are each padded to 4 bytes.
type elfNoteHeader struct {
	Namesz uint32
	Descsz uint32
	Type   uint32
}

const elfNoteHeaderSize = 12

// prstatusLayout locates the fields we use in an NT_PRSTATUS descriptor.
type prstatusLayout struct {
	pidOff  int
	regsOff int
	regSize int
	decode  func(b []byte, order binary.ByteOrder) (arch.Registers, error)
}

// prpsinfoLayout locates pr_fname in an NT_PRPSINFO descriptor;
// pr_psargs follows it.
type prpsinfoLayout struct {
	fnameOff int
}

type elfMachine struct {
	arch     *arch.Architecture
	class    elf.Class
	prstatus prstatusLayout
	prpsinfo prpsinfoLayout
}

var elfMachines = map[elf.Machine]elfMachine{
	elf.EM_X86_64: {
		arch:  &arch.AMD64,
		class: elf.ELFCLASS64,
		prstatus: prstatusLayout{32, 112, arch.AMD64RegsSize, func(b []byte, o binary.ByteOrder) (arch.Registers, error) {
			return arch.DecodeAMD64(b, o)
		}},
		prpsinfo: prpsinfoLayout{40},
	},
	elf.EM_386: {
		arch:  &arch.I386,
		class: elf.ELFCLASS32,
		prstatus: prstatusLayout{24, 72, arch.I386RegsSize, func(b []byte, o binary.ByteOrder) (arch.Registers, error) {
			return arch.DecodeI386(b, o)
		}},
		prpsinfo: prpsinfoLayout{28},
	},
	elf.EM_AARCH64: {
		arch:  &arch.ARM64,
		class: elf.ELFCLASS64,
		prstatus: prstatusLayout{32, 112, arch.ARM64RegsSize, func(b []byte, o binary.ByteOrder) (arch.Registers, error) {
			return arch.DecodeARM64(b, o)
		}},
		prpsinfo: prpsinfoLayout{40},
	},
}

func (f *elfFormat) validateCore(p *Process) error {
	e, err := elf.NewFile(p.core)
	if err != nil {
		return formatErrorf(p.core.Name(), "not a valid ELF file: %v", err)
	}
	if e.Type != elf.ET_CORE {
		return formatErrorf(p.core.Name(), "not an ELF core file (type %s)", e.Type)
	}
	m, ok := elfMachines[e.Machine]
	if !ok {
		return formatErrorf(p.core.Name(), "unsupported machine %s", e.Machine)
	}
	if e.Class != m.class {
		return formatErrorf(p.core.Name(), "class %s does not match machine %s", e.Class, e.Machine)
	}
	f.core = e
	p.arch = m.arch
	return nil
}

func (f *elfFormat) validateExec(p *Process) error {
	e, err := elf.NewFile(p.exe)
	if err != nil {
		return formatErrorf(p.exe.Name(), "not a valid ELF file: %v", err)
	}
	if e.Type != elf.ET_EXEC && e.Type != elf.ET_DYN {
		return formatErrorf(p.exe.Name(), "not an ELF executable (type %s)", e.Type)
	}
	if e.Machine != f.core.Machine {
		return formatErrorf(p.exe.Name(), "executable is %s but core is %s", e.Machine, f.core.Machine)
	}
	f.exec = e
	return nil
}

func (f *elfFormat) readCoreSegments(p *Process) error {
	fileSize, err := p.coreSize()
	if err != nil {
		return err
	}
	for _, prog := range f.core.Progs {
		switch prog.Type {
		case elf.PT_NOTE:
			if err := f.readNotes(p, prog); err != nil {
				return err
			}
		case elf.PT_LOAD:
			if prog.Filesz == 0 {
				continue
			}
			if fileSize > 0 && int64(prog.Off+prog.Filesz) > fileSize {
				p.log.WithField("addr", Address(prog.Vaddr)).Warn("core file truncated, segment data partially missing")
			}
			p.memory.insert(&Mapping{
				min:  Address(prog.Vaddr),
				size: int64(prog.Filesz),
				perm: elfPerm(prog.Flags),
				f:    p.core,
				off:  int64(prog.Off),
			})
		}
	}
	return nil
}

func elfPerm(flags elf.ProgFlag) Perm {
	var perm Perm
	if flags&elf.PF_R != 0 {
		perm |= Read
	}
	if flags&elf.PF_W != 0 {
		perm |= Write
	}
	if flags&elf.PF_X != 0 {
		perm |= Exec
	}
	return perm
}

func align4(n uint32) uint64 {
	return (uint64(n) + 3) &^ 3
}

func (f *elfFormat) readNotes(p *Process, prog *elf.Prog) error {
	name := p.core.Name()
	size, err := p.coreSize()
	if err != nil {
		return err
	}
	if prog.Filesz > uint64(size) || prog.Off > uint64(size)-prog.Filesz {
		return formatErrorf(name, "note segment at offset %#x size %#x runs past end of file", prog.Off, prog.Filesz)
	}
	b := make([]byte, prog.Filesz)
	if _, err := p.core.ReadAt(b, int64(prog.Off)); err != nil {
		return formatErrorf(name, "failed to read notes, core file must have been truncated")
	}
	m := elfMachines[f.core.Machine]
	order := f.core.ByteOrder
	for len(b) > 0 {
		if len(b) < elfNoteHeaderSize {
			return formatErrorf(name, "truncated note header")
		}
		var h elfNoteHeader
		if err := struc.UnpackWithOrder(bytes.NewReader(b[:elfNoteHeaderSize]), &h, order); err != nil {
			return errors.Wrap(err, "reading note header")
		}
		b = b[elfNoteHeaderSize:]
		if uint64(len(b)) < align4(h.Namesz) {
			return formatErrorf(name, "truncated note name")
		}
		noteName := cstring(b[:h.Namesz])
		b = b[align4(h.Namesz):]
		if uint64(len(b)) < uint64(h.Descsz) {
			return formatErrorf(name, "truncated note descriptor")
		}
		desc := b[:h.Descsz]
		b = b[min(align4(h.Descsz), uint64(len(b))):]

		if noteName != "CORE" {
			continue
		}
		switch elf.NType(h.Type) {
		case elf.NT_PRSTATUS:
			err = p.readPRStatus(m.prstatus, desc, order)
		case ntAuxv:
			p.readAuxv(desc)
		case elf.NT_PRPSINFO:
			p.readPRPSInfo(m.prpsinfo, desc)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// readPRStatus records the thread described by an NT_PRSTATUS note.
func (p *Process) readPRStatus(l prstatusLayout, desc []byte, order binary.ByteOrder) error {
	if len(desc) < l.regsOff+l.regSize {
		return formatErrorf(p.core.Name(), "NT_PRSTATUS note is %d bytes, want at least %d", len(desc), l.regsOff+l.regSize)
	}
	regs, err := l.decode(desc[l.regsOff:l.regsOff+l.regSize], order)
	if err != nil {
		return err
	}
	tid := uint64(order.Uint32(desc[l.pidOff:]))
	p.threads = append(p.threads, &Thread{id: tid, regs: regs})
	return nil
}

func (p *Process) readAuxv(desc []byte) {
	n := p.arch.PointerSize
	for len(desc) >= 2*n {
		tag := p.arch.Uintptr(desc[:n])
		val := p.arch.Uintptr(desc[n : 2*n])
		desc = desc[2*n:]
		switch tag {
		case atNull:
			return
		case atEntry:
			p.entry = Address(val)
		}
	}
}

func (p *Process) readPRPSInfo(l prpsinfoLayout, desc []byte) {
	const fnameLen, argsLen = 16, 80
	if len(desc) < l.fnameOff+fnameLen+argsLen {
		p.log.WithField("size", len(desc)).Debug("short NT_PRPSINFO note")
		return
	}
	p.command = cstring(desc[l.fnameOff : l.fnameOff+fnameLen])
	p.args = strings.TrimRight(cstring(desc[l.fnameOff+fnameLen:l.fnameOff+fnameLen+argsLen]), " ")
}

func (f *elfFormat) readExecSegments(p *Process) error {
	e := f.exec
	var bias int64
	if e.Type == elf.ET_DYN {
		if p.entry == 0 {
			p.log.Warn("no AT_ENTRY in core, assuming position-independent executable is not relocated")
		} else {
			bias = int64(p.entry) - int64(e.Entry)
		}
	}
	for _, prog := range e.Progs {
		switch prog.Type {
		case elf.PT_INTERP:
			path, err := readInterp(prog)
			if err != nil {
				return formatErrorf(p.exe.Name(), "can't read PT_INTERP: %v", err)
			}
			p.interpPath = path
		case elf.PT_DYNAMIC:
			p.dynamicAddr = Address(prog.Vaddr).Add(bias)
		}
	}
	if err := mergeSegments(&p.memory, p.pageSize, p.exe, elfSegments(e, bias), p.log); err != nil {
		return err
	}
	base, size := elfImageRange(e)
	p.libs = append(p.libs, &Library{name: p.exePath, base: base.Add(bias), size: size, f: p.exe})

	if p.interpPath != "" {
		interp, err := p.cfg.openMapped(p.interpPath)
		if err != nil {
			p.log.WithError(err).WithField("interp", p.interpPath).Warn("can't open runtime loader")
		} else {
			p.interp = interp
		}
	}
	return nil
}

func readInterp(prog *elf.Prog) (string, error) {
	b, err := io.ReadAll(io.LimitReader(prog.Open(), maxInterpLen))
	if err != nil {
		return "", err
	}
	return cstring(b), nil
}

// elfSegments returns the PT_LOAD segments of e moved by bias.
func elfSegments(e *elf.File, bias int64) []segment {
	var segs []segment
	for _, prog := range e.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, segment{
			addr:   Address(prog.Vaddr).Add(bias),
			off:    int64(prog.Off),
			filesz: int64(prog.Filesz),
			perm:   elfPerm(prog.Flags),
		})
	}
	return segs
}

// elfBaseAddress returns the link-time address of the start of e's
// image: the page holding the segment mapped from file offset 0, or the
// lowest PT_LOAD address if no segment starts at offset 0.
func elfBaseAddress(e *elf.File) Address {
	var lowest Address
	found := false
	for _, prog := range e.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Off == 0 {
			a := Address(prog.Vaddr)
			if prog.Align > 1 {
				a &^= Address(prog.Align - 1)
			}
			return a
		}
		if !found || Address(prog.Vaddr) < lowest {
			lowest = Address(prog.Vaddr)
			found = true
		}
	}
	return lowest
}

// elfImageRange returns the base address of e and the size of the span
// its PT_LOAD segments cover from there.
func elfImageRange(e *elf.File) (Address, int64) {
	base := elfBaseAddress(e)
	var end Address
	for _, prog := range e.Progs {
		if prog.Type == elf.PT_LOAD {
			end = max(end, Address(prog.Vaddr+prog.Memsz))
		}
	}
	if end < base {
		return base, 0
	}
	return base, end.Sub(base)
}

// addELFLibrary opens the shared object name, loaded at bias diff, and
// merges its text. Failures are logged and the library is skipped.
func (p *Process) addELFLibrary(name string, diff Address, log logrus.FieldLogger) {
	log = log.WithField("lib", name)
	f, err := p.cfg.openMapped(name)
	if err != nil {
		log.WithError(err).Warn("can't open shared object")
		return
	}
	e, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		log.WithError(err).Warn("can't read ELF header for shared object")
		return
	}
	if err := mergeSegments(&p.memory, p.pageSize, f, elfSegments(e, int64(diff)), log); err != nil {
		f.Close()
		log.WithError(err).Warn("can't merge shared object's segments")
		return
	}
	base, size := elfImageRange(e)
	p.libs = append(p.libs, &Library{name: name, base: base + diff, size: size, f: f})
	p.memory.rebuild()
	log.WithField("base", base+diff).Debug("added shared object")
}
