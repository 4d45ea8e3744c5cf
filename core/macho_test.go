// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/coredbg/postmortem/arch"
	"github.com/coredbg/postmortem/internal/testenv"
)

const (
	exeSlide  = 0x400000
	exeText   = 0x100000000
	dylibAddr = 0x7fff20000000
	jvmAddr   = 0x7fff30000000
	goneAddr  = 0x7fff40000000
)

// stateAMD64 returns an x86_THREAD_STATE64 record body.
func stateAMD64(pc, sp uint64) []byte {
	b := make([]byte, arch.DarwinAMD64RegsSize)
	le.PutUint64(b[16*8:], pc)
	le.PutUint64(b[7*8:], sp)
	return b
}

func machoExe(cpu uint32, text []byte) *testenv.MachOImage {
	return &testenv.MachOImage{
		CPUType:  cpu,
		FileType: mhExecute,
		Segments: []testenv.MachOSegment{
			{Name: "__PAGEZERO", Addr: 0, Memsz: exeText},
			{Name: "__TEXT", Addr: exeText, Prot: 5, Data: text, Header: true},
			{Name: "__DATA", Addr: exeText + 0x3000, Prot: 3, Data: pattern(0x100, 2)},
		},
	}
}

func machoDylib(id string, text []byte) *testenv.MachOImage {
	return &testenv.MachOImage{
		CPUType:  cpuTypeX86_64,
		FileType: mhDylib,
		DylibID:  id,
		Segments: []testenv.MachOSegment{
			{Name: "__TEXT", Addr: 0, Prot: 5, Data: text, Header: true},
			{Name: "__DATA", Addr: 0x3000, Prot: 3, Data: pattern(0x40, 0)},
			{Name: "__LINKEDIT", Addr: 0x4000, Prot: 1, Data: pattern(0x80, 0x99)},
		},
	}
}

type machoFixture struct {
	dir     string
	exe     string
	core    string
	exeText []byte
	libText []byte
	jvmText []byte
	data    []byte
}

func (f *machoFixture) build(t *testing.T) {
	t.Helper()
	f.exeText = pattern(testPage, 0x21)
	f.libText = pattern(testPage, 0x44)
	f.jvmText = pattern(testPage, 0x55)
	f.data = pattern(testPage, 0x66)

	exe := machoExe(cpuTypeX86_64, f.exeText).Bytes()
	f.exe = testenv.WriteFile(t, f.dir, "jdk/bin/java", exe)
	libPath := filepath.Join(f.dir, "libfoo.dylib")
	lib := machoDylib(libPath, f.libText).Bytes()
	testenv.WriteFile(t, f.dir, "libfoo.dylib", lib)
	jvm := machoDylib("@rpath/libjvm.dylib", f.jvmText).Bytes()
	testenv.WriteFile(t, f.dir, "jdk/lib/server/libjvm.dylib", jvm)
	gone := machoDylib("/nonexistent/libgone.dylib", pattern(testPage, 0)).Bytes()

	wrapped := append(le.AppendUint32(le.AppendUint32(nil, x86ThreadState64), 42), stateAMD64(0x100401010, 0x7ff7bfeff000)...)
	f.core = testenv.WriteFile(t, f.dir, "core", (&testenv.MachOImage{
		CPUType:  cpuTypeX86_64,
		FileType: mhCore,
		Segments: []testenv.MachOSegment{
			{Addr: exeText + exeSlide, Prot: 5, Data: exe[:testenv.MachOPage]},
			{Addr: 0x7ff7bfef0000, Prot: 3, Data: f.data},
			{Addr: dylibAddr, Prot: 5, Data: lib[:testenv.MachOPage]},
			{Addr: jvmAddr, Prot: 5, Data: jvm[:testenv.MachOPage]},
			{Addr: goneAddr, Prot: 5, Data: gone[:testenv.MachOPage]},
		},
		Threads: [][]byte{
			testenv.MachOThreadState(le, x86ThreadState, wrapped),
			append(
				testenv.MachOThreadState(le, 5, make([]byte, 16)),
				testenv.MachOThreadState(le, x86ThreadState64, stateAMD64(0x100401020, 0x7ff7bfefe000))...,
			),
		},
	}).Bytes())
}

func TestOpenMachO(t *testing.T) {
	dir := t.TempDir()
	f := &machoFixture{dir: dir}
	f.build(t)

	p, hook := openTest(t, f.exe, f.core, WithInstallRoot(""), WithLibraryPath(""))
	if p.State() != Ready {
		t.Fatalf("state = %s, want Ready", p.State())
	}
	if p.Format() != "macho" || p.Arch() != &arch.DarwinAMD64 {
		t.Errorf("format %s arch %s", p.Format(), p.Arch())
	}

	if ids := p.ThreadIDs(); len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("ThreadIDs = %v, want [0 1]", ids)
	}
	for tid, pc := range []uint64{0x100401010, 0x100401020} {
		regs, err := p.Registers(uint64(tid))
		if err != nil {
			t.Fatal(err)
		}
		if regs.PC() != pc {
			t.Errorf("thread %d pc = %#x, want %#x", tid, regs.PC(), pc)
		}
	}

	libs := p.Libraries()
	if len(libs) != 3 {
		t.Fatalf("got %d libraries, want 3", len(libs))
	}
	if libs[0].Name() != f.exe || libs[0].Base() != exeText+exeSlide {
		t.Errorf("executable at %s, want %#x", libs[0].Base(), exeText+exeSlide)
	}
	if libs[1].Name() != filepath.Join(dir, "libfoo.dylib") || libs[1].Base() != dylibAddr {
		t.Errorf("library %s at %s", libs[1].Name(), libs[1].Base())
	}
	if want := filepath.Join(dir, "jdk/lib/server/libjvm.dylib"); libs[2].Name() != want {
		t.Errorf("library %s, want %s", libs[2].Name(), want)
	}
	if !warnedAbout(hook, "lib", "/nonexistent/libgone.dylib") {
		t.Errorf("missing dylib not reported")
	}

	checkRead(t, p, exeText+exeSlide+testPage+0x10, f.exeText[0x10:0x20])
	checkRead(t, p, dylibAddr+testPage+0x100, f.libText[0x100:0x110])
	checkRead(t, p, jvmAddr+testPage, f.jvmText[:0x10])
	checkRead(t, p, 0x7ff7bfef0040, f.data[0x40:0x50])
	// The header page now reads from the dylib file.
	if b, err := p.Read(dylibAddr, 4); err != nil || le.Uint32(b) != machMagic64 {
		t.Errorf("dylib header not readable: % x, %v", b, err)
	}
	if _, err := p.Read(dylibAddr+0x3000, 1); err == nil {
		t.Errorf("read of writable dylib segment not present in the core succeeded")
	}
	if l := p.LibraryFor(dylibAddr + 0x4010); l != libs[1] {
		t.Errorf("LibraryFor(__LINKEDIT) = %v", l)
	}
}

func TestOpenMachOARM64(t *testing.T) {
	dir := t.TempDir()
	text := pattern(testPage, 0x12)
	exe := testenv.WriteFile(t, dir, "prog", machoExe(cpuTypeARM64, text).Bytes())
	state := make([]byte, arch.DarwinARM64RegsSize)
	le.PutUint64(state[31*8:], 0x16fdff000)
	le.PutUint64(state[32*8:], 0x100001000)
	core := testenv.WriteFile(t, dir, "core", (&testenv.MachOImage{
		CPUType:  cpuTypeARM64,
		FileType: mhCore,
		Threads:  [][]byte{testenv.MachOThreadState(le, armThreadState64, state)},
	}).Bytes())

	p, hook := openTest(t, exe, core)
	if p.Arch() != &arch.DarwinARM64 || p.PageSize() != 16384 {
		t.Errorf("arch %s page size %d", p.Arch(), p.PageSize())
	}
	regs, err := p.Registers(0)
	if err != nil {
		t.Fatal(err)
	}
	if regs.PC() != 0x100001000 || regs.SP() != 0x16fdff000 {
		t.Errorf("pc=%#x sp=%#x", regs.PC(), regs.SP())
	}
	// No header in the core: the executable is taken at its link address.
	checkRead(t, p, exeText+testPage, text[:8])
	if !anyWarning(hook) {
		t.Errorf("missing executable header not reported")
	}
}

func TestOpenMachOErrors(t *testing.T) {
	dir := t.TempDir()
	exe := testenv.WriteFile(t, dir, "prog", machoExe(cpuTypeX86_64, pattern(testPage, 0)).Bytes())
	armExe := testenv.WriteFile(t, dir, "prog.arm64", machoExe(cpuTypeARM64, pattern(testPage, 0)).Bytes())
	core := testenv.WriteFile(t, dir, "core", (&testenv.MachOImage{CPUType: cpuTypeX86_64, FileType: mhCore}).Bytes())
	notCore := exe
	badThread := testenv.WriteFile(t, dir, "core.thread", (&testenv.MachOImage{
		CPUType:  cpuTypeX86_64,
		FileType: mhCore,
		Threads:  [][]byte{testenv.MachOThreadState(le, x86ThreadState64, make([]byte, 64))},
	}).Bytes())
	truncated := testenv.WriteFile(t, dir, "core.truncated", (&testenv.MachOImage{
		CPUType:  cpuTypeX86_64,
		FileType: mhCore,
		Threads:  [][]byte{stateAMD64(0, 0)[:6]},
	}).Bytes())

	hugeCmds := (&testenv.MachOImage{CPUType: cpuTypeX86_64, FileType: mhCore}).Bytes()
	le.PutUint32(hugeCmds[20:], 0xfffffff0)
	oversized := testenv.WriteFile(t, dir, "core.oversized", hugeCmds)

	for _, test := range []struct {
		name      string
		exe, core string
	}{
		{"cpu mismatch", armExe, core},
		{"load commands past end of file", exe, oversized},
		{"not a core", exe, notCore},
		{"core as executable", core, core},
		{"short thread state", exe, badThread},
		{"truncated thread command", exe, truncated},
	} {
		t.Run(test.name, func(t *testing.T) {
			fds := testenv.OpenFDs(t)
			log, _ := logtest.NewNullLogger()
			p, err := Open(test.exe, test.core, WithLogger(log))
			if p != nil {
				t.Fatal("Open returned a process with an error")
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Errorf("got error %v, want *FormatError", err)
			}
			if n := testenv.OpenFDs(t); n != fds {
				t.Errorf("%d files open after failed Open, want %d", n, fds)
			}
		})
	}
}

func TestMachOBigEndianHeader(t *testing.T) {
	img := (&testenv.MachOImage{BigEndian: true, CPUType: cpuTypeX86_64, FileType: mhDylib, DylibID: "/usr/lib/libbe.dylib"}).Bytes()
	f := tempFile(t, img)
	h, order, err := readMachHeader(f, 0)
	if err != nil {
		t.Fatal(err)
	}
	if h.FileType != mhDylib || order.Uint32(img[4:]) != cpuTypeX86_64 {
		t.Errorf("bad header %+v", h)
	}
	if name := dylibName(img[machHeaderSize:machHeaderSize+h.SizeOfCmds], h.NCmds, order); name != "/usr/lib/libbe.dylib" {
		t.Errorf("dylibName = %q", name)
	}
}
