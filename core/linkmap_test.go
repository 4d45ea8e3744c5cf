// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"debug/elf"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/coredbg/postmortem/internal/testenv"
)

const (
	dataBase = 0x600000
	libBias  = 0x7f0000000000
	ldBias   = 0x7e0000000000
)

// linkNode describes one link_map entry for dynamicFixture.
type linkNode struct {
	addr Address // within the data page
	bias uint64
	name string
	next Address
}

type dynamicFixture struct {
	dir      string
	interp   string // PT_INTERP of the executable
	ldbase   uint64
	nodes    []linkNode
	noDebug  bool
	libText  []byte
	exe      string
	core     string
	sharedSO string
}

// build writes an executable, a shared library and a core whose data
// page holds _DYNAMIC at 0x600000, r_debug at 0x600100 and the given
// link_map nodes with their names from 0x600800 on.
func (f *dynamicFixture) build(t *testing.T) {
	t.Helper()
	f.libText = pattern(testPage, 0x77)
	f.sharedSO = testenv.WriteFile(t, f.dir, "lib/libfoo.so", (&testenv.ELFImage{
		Type:    elf.ET_DYN,
		Machine: elf.EM_X86_64,
		Progs: []testenv.ELFProg{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0, Align: 0x1000, Data: f.libText},
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: 0x2000, Align: 0x1000, Data: pattern(0x10, 0)},
		},
	}).Bytes())

	progs := []testenv.ELFProg{
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0x400000, Align: 0x1000, Data: pattern(testPage, 1)},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: dataBase, Memsz: testPage, Align: 0x1000, Data: make([]byte, 0x20)},
		{Type: elf.PT_DYNAMIC, Flags: elf.PF_R | elf.PF_W, Vaddr: dataBase, Data: make([]byte, 0x20)},
	}
	if f.interp != "" {
		progs = append(progs, testenv.ELFProg{Type: elf.PT_INTERP, Flags: elf.PF_R, Data: append([]byte(f.interp), 0)})
	}
	f.exe = testenv.WriteFile(t, f.dir, "bin/prog", (&testenv.ELFImage{
		Type:    elf.ET_EXEC,
		Machine: elf.EM_X86_64,
		Progs:   progs,
	}).Bytes())

	page := make([]byte, testPage)
	if !f.noDebug {
		copy(page, words(dtDebug, dataBase+0x100, dtNull, 0))
	} else {
		copy(page, words(dtNull, 0))
	}
	var first Address
	if len(f.nodes) > 0 {
		first = f.nodes[0].addr
	}
	copy(page[0x100:], words(1, uint64(first), 0, 0, f.ldbase))
	str := Address(dataBase + 0x800)
	for _, n := range f.nodes {
		off := n.addr - dataBase
		copy(page[off:], words(n.bias, uint64(str), 0, uint64(n.next), 0))
		copy(page[str-dataBase:], n.name)
		str = str.Add(int64(len(n.name) + 1))
	}

	f.core = testenv.WriteFile(t, f.dir, "core", (&testenv.ELFImage{
		Type:    elf.ET_CORE,
		Machine: elf.EM_X86_64,
		Progs: []testenv.ELFProg{
			{Type: elf.PT_NOTE, Data: testenv.ELFNote("CORE", uint32(elf.NT_PRSTATUS), prstatusAMD64(1, 0x400010, 0))},
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: dataBase, Data: page},
		},
	}).Bytes())
}

func warnedAbout(hook *logtest.Hook, field, value string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data[field] == value {
			return true
		}
	}
	return false
}

func anyWarning(hook *logtest.Hook) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			return true
		}
	}
	return false
}

func TestLinkMapWalk(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "lib/libmissing.so")
	f := &dynamicFixture{dir: dir}
	f.nodes = []linkNode{
		{addr: dataBase + 0x200, bias: 0, name: "", next: dataBase + 0x280},
		{addr: dataBase + 0x280, bias: libBias, name: filepath.Join(dir, "lib/libfoo.so"), next: dataBase + 0x300},
		{addr: dataBase + 0x300, bias: 0x7f1000000000, name: missing, next: 0},
	}
	f.build(t)

	p, hook := openTest(t, f.exe, f.core)
	if p.State() != Ready {
		t.Fatalf("state = %s, want Ready", p.State())
	}
	if p.DynamicAddr() != dataBase {
		t.Errorf("DynamicAddr = %s", p.DynamicAddr())
	}
	libs := p.Libraries()
	if len(libs) != 2 {
		t.Fatalf("got %d libraries, want 2", len(libs))
	}
	if libs[0].Name() != f.exe {
		t.Errorf("first library is %s, want the executable", libs[0].Name())
	}
	if libs[1].Name() != f.sharedSO || libs[1].Base() != libBias {
		t.Errorf("library %s at %s, want %s at %#x", libs[1].Name(), libs[1].Base(), f.sharedSO, libBias)
	}
	checkRead(t, p, libBias+0x20, f.libText[0x20:0x40])
	if l := p.LibraryFor(libBias + 0x500); l != libs[1] {
		t.Errorf("LibraryFor(%#x) = %v", libBias+0x500, l)
	}
	if !warnedAbout(hook, "lib", missing) {
		t.Errorf("no warning about %s", missing)
	}
	// The shared object's writable segment is the core's business.
	if _, err := p.Read(libBias+0x2000, 1); err == nil {
		t.Errorf("read of unmapped library data succeeded")
	}
}

func TestLinkMapCycle(t *testing.T) {
	dir := t.TempDir()
	f := &dynamicFixture{dir: dir}
	f.nodes = []linkNode{
		{addr: dataBase + 0x200, bias: 0, name: "", next: dataBase + 0x280},
		{addr: dataBase + 0x280, bias: libBias, name: filepath.Join(dir, "lib/libfoo.so"), next: dataBase + 0x200},
	}
	f.build(t)

	p, _ := openTest(t, f.exe, f.core)
	if p.State() != Ready {
		t.Fatalf("state = %s, want Ready", p.State())
	}
	if n := len(p.Libraries()); n != 2 {
		t.Errorf("got %d libraries, want 2", n)
	}
}

func TestLinkMapBrokenChain(t *testing.T) {
	dir := t.TempDir()
	f := &dynamicFixture{dir: dir}
	f.nodes = []linkNode{
		{addr: dataBase + 0x200, bias: 0, name: "", next: 0xdead0000},
	}
	f.build(t)

	p, hook := openTest(t, f.exe, f.core)
	if p.State() != Ready || len(p.Libraries()) != 1 {
		t.Errorf("state %s with %d libraries", p.State(), len(p.Libraries()))
	}
	if !anyWarning(hook) {
		t.Errorf("broken link map not reported")
	}
}

func TestLinkMapNoDebug(t *testing.T) {
	f := &dynamicFixture{dir: t.TempDir(), noDebug: true}
	f.build(t)
	p, _ := openTest(t, f.exe, f.core)
	if n := len(p.Libraries()); n != 1 {
		t.Errorf("got %d libraries, want only the executable", n)
	}
}

func TestLinkMapInterp(t *testing.T) {
	dir := t.TempDir()
	ldText := pattern(testPage, 0x33)
	ld := testenv.WriteFile(t, dir, "lib/ld.so", (&testenv.ELFImage{
		Type:    elf.ET_DYN,
		Machine: elf.EM_X86_64,
		Progs: []testenv.ELFProg{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0, Align: 0x1000, Data: ldText},
		},
	}).Bytes())
	f := &dynamicFixture{dir: dir, interp: ld, ldbase: ldBias}
	f.nodes = []linkNode{{addr: dataBase + 0x200, name: ""}}
	f.build(t)

	p, _ := openTest(t, f.exe, f.core)
	path, base := p.Interp()
	if path != ld || base != ldBias {
		t.Errorf("Interp() = %s, %s", path, base)
	}
	checkRead(t, p, ldBias+0x40, ldText[0x40:0x48])
}

func TestLinkMapMissingInterp(t *testing.T) {
	dir := t.TempDir()
	f := &dynamicFixture{dir: dir, interp: "/nonexistent/ld-linux.so.2", ldbase: ldBias}
	f.nodes = []linkNode{
		{addr: dataBase + 0x200, name: "", next: dataBase + 0x280},
		{addr: dataBase + 0x280, bias: libBias, name: filepath.Join(dir, "lib/libfoo.so")},
	}
	f.build(t)

	p, hook := openTest(t, f.exe, f.core)
	if !warnedAbout(hook, "interp", "/nonexistent/ld-linux.so.2") {
		t.Errorf("missing runtime loader not reported")
	}
	if n := len(p.Libraries()); n != 2 {
		t.Errorf("got %d libraries, want 2", n)
	}
}

func TestSysRoot(t *testing.T) {
	dir := t.TempDir()
	f := &dynamicFixture{dir: dir}
	f.nodes = []linkNode{
		{addr: dataBase + 0x200, name: "", next: dataBase + 0x280},
		{addr: dataBase + 0x280, bias: libBias, name: "/usr/lib/libfoo.so"},
	}
	f.build(t)

	p, _ := openTest(t, f.exe, f.core, WithSysRoot(filepath.Join(dir, "lib")))
	libs := p.Libraries()
	if len(libs) != 2 || libs[1].Name() != "/usr/lib/libfoo.so" {
		t.Fatalf("library not found under sysroot")
	}
	checkRead(t, p, libBias, f.libText[:8])
}
