// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package core is used to process core dump files. You can open a core
// dump together with the executable that produced it and read from
// addresses in the process that dumped core, called the "inferior", and
// recover the register set of each of its threads.
//
// Two image families are understood: ELF (program headers, with shared
// libraries found by walking the dynamic linker's link map inside the
// core) and 64-bit Mach-O (load commands, with shared libraries found by
// scanning the core for embedded image headers). Text that the core does
// not contain is read from the executable and library files themselves.
//
// A Process is not safe for concurrent use.
package core

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/coredbg/postmortem/arch"
	"github.com/coredbg/postmortem/program"
)

// A State is a step of the open sequence.
type State int

const (
	Unopened State = iota
	CoreValidated
	ExecValidated
	SegmentsLoaded
	Sorted
	LibrariesDiscovered
	Ready
	Released
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "Unopened"
	case CoreValidated:
		return "CoreValidated"
	case ExecValidated:
		return "ExecValidated"
	case SegmentsLoaded:
		return "SegmentsLoaded"
	case Sorted:
		return "Sorted"
	case LibrariesDiscovered:
		return "LibrariesDiscovered"
	case Ready:
		return "Ready"
	case Released:
		return "Released"
	}
	return "State(?)"
}

// A Process represents the state of the process that core dumped.
type Process struct {
	cfg Config
	log logrus.FieldLogger

	format   imageFormat
	state    State
	arch     *arch.Architecture
	pageSize int64

	core    *os.File
	exe     *os.File
	interp  *os.File // runtime loader, nil if none
	exePath string

	memory  mappingTable
	libs    []*Library
	threads []*Thread

	entry       Address // entry point recorded in the core (AT_ENTRY), or 0
	dynamicAddr Address // address of the executable's dynamic section, or 0
	interpPath  string
	interpBase  Address // load bias of the runtime loader

	command string // from NT_PRPSINFO
	args    string
}

// A Thread is an OS thread of the inferior at the time of the dump.
type Thread struct {
	id   uint64
	regs arch.Registers
}

// ID returns the thread's identifier: the LWP id for ELF cores, the
// position among the core's thread commands for Mach-O cores.
func (t *Thread) ID() uint64 {
	return t.id
}

// Regs returns the thread's integer registers.
func (t *Thread) Regs() arch.Registers {
	return t.regs
}

// PC returns the thread's program counter.
func (t *Thread) PC() Address { return Address(t.regs.PC()) }

// SP returns the thread's stack pointer.
func (t *Thread) SP() Address { return Address(t.regs.SP()) }

// A Library is a module (the executable or a shared library) whose text
// was merged into the address space.
type Library struct {
	name string
	base Address
	size int64
	f    *os.File
}

// Name returns the path the library was opened from.
func (l *Library) Name() string { return l.name }

// Base returns the address the library's image starts at.
func (l *Library) Base() Address { return l.base }

// Max returns the address just past the library's last segment.
func (l *Library) Max() Address { return l.base.Add(l.size) }

// Open opens the core file corePath produced by the executable exePath.
// Any failure releases everything opened so far; a Process is returned
// only once it is ready to be read from.
func Open(exePath, corePath string, opts ...Option) (*Process, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	p := &Process{
		cfg:     cfg,
		log:     cfg.Logger.WithField("layer", "core"),
		exePath: exePath,
	}
	p.log.WithFields(logrus.Fields{"exec": exePath, "core": corePath}).Debug("opening core")
	if err := p.open(corePath); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Process) open(corePath string) error {
	var err error
	if p.core, err = os.Open(corePath); err != nil {
		return errors.Wrap(err, "can't open core file")
	}
	if p.format, err = sniffFormat(p.core); err != nil {
		return err
	}
	if err := p.format.validateCore(p); err != nil {
		return err
	}
	p.pageSize = p.arch.PageSize
	if n := p.cfg.PageSize; n > 0 {
		if n&(n-1) == 0 {
			p.pageSize = n
		} else {
			p.log.WithField("pagesize", n).Warnf("page size is not a power of two, using %d", p.pageSize)
		}
	}
	p.advance(CoreValidated)

	if p.exe, err = os.Open(p.exePath); err != nil {
		return errors.Wrap(err, "can't open executable file")
	}
	if err := p.format.validateExec(p); err != nil {
		return err
	}
	p.advance(ExecValidated)

	if err := p.format.readCoreSegments(p); err != nil {
		return err
	}
	if err := p.format.readExecSegments(p); err != nil {
		return err
	}
	p.advance(SegmentsLoaded)

	// Library discovery reads from the inferior, so it needs an index.
	p.memory.rebuild()
	p.advance(Sorted)

	if err := p.format.discoverLibraries(p); err != nil {
		return err
	}
	p.advance(LibrariesDiscovered)

	p.memory.rebuild()
	p.advance(Ready)
	return nil
}

// coreSize returns the length of the core file.
func (p *Process) coreSize() (int64, error) {
	fi, err := p.core.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "can't stat core file")
	}
	return fi.Size(), nil
}

func (p *Process) advance(s State) {
	p.state = s
	p.log.WithField("mappings", len(p.memory.all)).Debugf("core state %s", s)
}

// Close releases the files and tables owned by p. It is safe to call
// more than once.
func (p *Process) Close() error {
	if p.state == Released {
		return nil
	}
	var first error
	closeFile := func(f *os.File) {
		if f == nil {
			return
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, l := range p.libs {
		if l.f != p.exe {
			closeFile(l.f)
		}
	}
	closeFile(p.interp)
	closeFile(p.exe)
	closeFile(p.core)
	p.core, p.exe, p.interp = nil, nil, nil
	p.libs = nil
	p.threads = nil
	p.memory.release()
	p.state = Released
	return first
}

// State reports how far the open sequence got.
func (p *Process) State() State {
	return p.state
}

// ReadAt reads len(b) bytes of the inferior's memory at address off.
// It implements io.ReaderAt; a short read returns a *ReadError.
func (p *Process) ReadAt(b []byte, off int64) (int, error) {
	if !p.readable() {
		return 0, ErrClosed
	}
	return readMemory(&p.memory, p.pageSize, b, Address(off))
}

// Read returns n bytes of the inferior's memory at a. On failure the
// bytes that could be read are returned with the error.
func (p *Process) Read(a Address, n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.Errorf("negative read length %d at %#x", n, uint64(a))
	}
	b := make([]byte, n)
	k, err := p.ReadAt(b, int64(a))
	return b[:k], err
}

// WriteAt always fails with ErrReadOnly: a core image cannot be modified.
func (p *Process) WriteAt(b []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

func (p *Process) readUintptr(a Address) (uint64, error) {
	var buf [8]byte
	b := buf[:p.arch.PointerSize]
	if _, err := p.ReadAt(b, int64(a)); err != nil {
		return 0, err
	}
	return p.arch.Uintptr(b), nil
}

// ReadPtr reads a pointer-sized value at a.
func (p *Process) ReadPtr(a Address) (Address, error) {
	v, err := p.readUintptr(a)
	return Address(v), err
}

// ReadCString reads a NUL-terminated string at a of at most limit bytes,
// terminator excluded.
func (p *Process) ReadCString(a Address, limit int) (string, error) {
	const chunk = 64
	start := a
	var s []byte
	var buf [chunk]byte
	for len(s) <= limit {
		// A chunk never crosses a page boundary: the next page may be
		// unmapped even though the string ends before it.
		n := min(int64(chunk), p.pageSize-int64(a)%p.pageSize)
		b := buf[:n]
		if _, err := p.ReadAt(b, int64(a)); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(b, 0); i >= 0 {
			s = append(s, b[:i]...)
			break
		}
		s = append(s, b...)
		a = a.Add(n)
	}
	if len(s) > limit {
		return "", errors.Errorf("string at %#x longer than %d bytes", uint64(start), limit)
	}
	return string(s), nil
}

// Registers returns the register set of thread tid.
func (p *Process) Registers(tid uint64) (arch.Registers, error) {
	for _, t := range p.threads {
		if t.id == tid {
			return t.regs, nil
		}
	}
	return nil, ErrThreadNotFound
}

// Threads returns information about each OS thread in the inferior.
func (p *Process) Threads() []*Thread {
	return p.threads
}

// ThreadIDs lists the identifiers accepted by Registers.
func (p *Process) ThreadIDs() []uint64 {
	ids := make([]uint64, len(p.threads))
	for i, t := range p.threads {
		ids[i] = t.id
	}
	return ids
}

// Libraries returns the executable followed by each shared library that
// was found and merged, in discovery order.
func (p *Process) Libraries() []*Library {
	return p.libs
}

// LibraryFor returns the library whose image spans a, or nil.
func (p *Process) LibraryFor(a Address) *Library {
	libs := make([]*Library, len(p.libs))
	copy(libs, p.libs)
	sort.Slice(libs, func(i, j int) bool { return libs[i].base < libs[j].base })
	i := sort.Search(len(libs), func(i int) bool { return libs[i].base > a }) - 1
	if i >= 0 && a < libs[i].Max() {
		return libs[i]
	}
	return nil
}

// Mappings returns the virtual memory mappings of p, sorted by address.
func (p *Process) Mappings() []*Mapping {
	return p.memory.mappings()
}

// Readable reports whether the address a is covered by a mapping.
func (p *Process) Readable(a Address) bool {
	return p.readable() && p.memory.lookup(a) != nil
}

// readable reports whether memory can be read: from the first index
// build until Close.
func (p *Process) readable() bool {
	return p.state != Released && p.memory.built
}

// Arch returns the architecture of the inferior.
func (p *Process) Arch() *arch.Architecture {
	return p.arch
}

// PtrSize returns the size in bytes of a pointer in the inferior.
func (p *Process) PtrSize() int64 {
	return int64(p.arch.PointerSize)
}

// ByteOrder returns the byte order of the inferior.
func (p *Process) ByteOrder() binary.ByteOrder {
	return p.arch.ByteOrder
}

// PageSize returns the page size used to round mappings.
func (p *Process) PageSize() int64 {
	return p.pageSize
}

// Format names the image family of the core ("elf" or "macho").
func (p *Process) Format() string {
	return p.format.String()
}

// DynamicAddr returns the address of the executable's dynamic section,
// or 0 if there is none.
func (p *Process) DynamicAddr() Address {
	return p.dynamicAddr
}

// Interp returns the runtime loader path named by the executable and the
// bias it was loaded at.
func (p *Process) Interp() (string, Address) {
	return p.interpPath, p.interpBase
}

// Command returns the executable name recorded in the core, if any.
func (p *Process) Command() string {
	return p.command
}

// Args returns the initial part of the program arguments.
func (p *Process) Args() string {
	return p.args
}

var _ program.Target = (*Process)(nil)
