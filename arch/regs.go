// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package arch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"strings"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// Registers is a snapshot of one thread's integer register file, copied
// out of a core file. Each architecture has its own concrete type whose
// field order is the on-disk layout of the record it was decoded from.
type Registers interface {
	// Arch is the name of the architecture the snapshot belongs to.
	Arch() string
	PC() uint64
	SP() uint64
	// Names and Values list every register in layout order.
	Names() []string
	Values() []uint64
}

// AMD64Regs is Linux's struct user_regs_struct for x86-64, as found in
// the pr_reg field of an NT_PRSTATUS note.
// See arch/x86/include/uapi/asm/ptrace.h.
type AMD64Regs struct {
	R15     uint64
	R14     uint64
	R13     uint64
	R12     uint64
	Rbp     uint64
	Rbx     uint64
	R11     uint64
	R10     uint64
	R9      uint64
	R8      uint64
	Rax     uint64
	Rcx     uint64
	Rdx     uint64
	Rsi     uint64
	Rdi     uint64
	OrigRax uint64
	Rip     uint64
	Cs      uint64
	Eflags  uint64
	Rsp     uint64
	Ss      uint64
	FsBase  uint64
	GsBase  uint64
	Ds      uint64
	Es      uint64
	Fs      uint64
	Gs      uint64
}

// AMD64RegsSize is sizeof(elf_gregset_t) on linux/amd64.
const AMD64RegsSize = 27 * 8

func (r *AMD64Regs) Arch() string     { return AMD64.Name }
func (r *AMD64Regs) PC() uint64       { return r.Rip }
func (r *AMD64Regs) SP() uint64       { return r.Rsp }
func (r *AMD64Regs) Names() []string  { return fieldNames(r) }
func (r *AMD64Regs) Values() []uint64 { return fieldValues(r) }

// I386Regs is Linux's struct user_regs_struct for i386.
type I386Regs struct {
	Ebx     uint32
	Ecx     uint32
	Edx     uint32
	Esi     uint32
	Edi     uint32
	Ebp     uint32
	Eax     uint32
	Ds      uint32
	Es      uint32
	Fs      uint32
	Gs      uint32
	OrigEax uint32
	Eip     uint32
	Cs      uint32
	Eflags  uint32
	Esp     uint32
	Ss      uint32
}

// I386RegsSize is sizeof(elf_gregset_t) on linux/386.
const I386RegsSize = 17 * 4

func (r *I386Regs) Arch() string     { return I386.Name }
func (r *I386Regs) PC() uint64       { return uint64(r.Eip) }
func (r *I386Regs) SP() uint64       { return uint64(r.Esp) }
func (r *I386Regs) Names() []string  { return fieldNames(r) }
func (r *I386Regs) Values() []uint64 { return fieldValues(r) }

// ARM64Regs is Linux's struct user_pt_regs for aarch64.
type ARM64Regs struct {
	X      [31]uint64 `struc:"[31]uint64"`
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

// ARM64RegsSize is sizeof(elf_gregset_t) on linux/arm64.
const ARM64RegsSize = 34 * 8

func (r *ARM64Regs) Arch() string     { return ARM64.Name }
func (r *ARM64Regs) PC() uint64       { return r.Pc }
func (r *ARM64Regs) SP() uint64       { return r.Sp }
func (r *ARM64Regs) Names() []string  { return fieldNames(r) }
func (r *ARM64Regs) Values() []uint64 { return fieldValues(r) }

// DarwinAMD64Regs is x86_thread_state64_t, the payload of the
// x86_THREAD_STATE64 flavor of an LC_THREAD command.
type DarwinAMD64Regs struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rdi    uint64
	Rsi    uint64
	Rbp    uint64
	Rsp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Rflags uint64
	Cs     uint64
	Fs     uint64
	Gs     uint64
}

// DarwinAMD64RegsSize is sizeof(x86_thread_state64_t).
const DarwinAMD64RegsSize = 21 * 8

func (r *DarwinAMD64Regs) Arch() string     { return DarwinAMD64.Name }
func (r *DarwinAMD64Regs) PC() uint64       { return r.Rip }
func (r *DarwinAMD64Regs) SP() uint64       { return r.Rsp }
func (r *DarwinAMD64Regs) Names() []string  { return fieldNames(r) }
func (r *DarwinAMD64Regs) Values() []uint64 { return fieldValues(r) }

// DarwinARM64Regs is arm_thread_state64_t, the payload of the
// ARM_THREAD_STATE64 flavor of an LC_THREAD command.
type DarwinARM64Regs struct {
	X     [29]uint64 `struc:"[29]uint64"`
	Fp    uint64
	Lr    uint64
	Sp    uint64
	Pc    uint64
	Cpsr  uint32
	Flags uint32
}

// DarwinARM64RegsSize is sizeof(arm_thread_state64_t).
const DarwinARM64RegsSize = 33*8 + 2*4

func (r *DarwinARM64Regs) Arch() string     { return DarwinARM64.Name }
func (r *DarwinARM64Regs) PC() uint64       { return r.Pc }
func (r *DarwinARM64Regs) SP() uint64       { return r.Sp }
func (r *DarwinARM64Regs) Names() []string  { return fieldNames(r) }
func (r *DarwinARM64Regs) Values() []uint64 { return fieldValues(r) }

// DecodeAMD64 copies a linux/amd64 register set out of b.
func DecodeAMD64(b []byte, order binary.ByteOrder) (*AMD64Regs, error) {
	r := new(AMD64Regs)
	return r, decode(b, AMD64RegsSize, order, r)
}

// DecodeI386 copies a linux/386 register set out of b.
func DecodeI386(b []byte, order binary.ByteOrder) (*I386Regs, error) {
	r := new(I386Regs)
	return r, decode(b, I386RegsSize, order, r)
}

// DecodeARM64 copies a linux/arm64 register set out of b.
func DecodeARM64(b []byte, order binary.ByteOrder) (*ARM64Regs, error) {
	r := new(ARM64Regs)
	return r, decode(b, ARM64RegsSize, order, r)
}

// DecodeDarwinAMD64 copies an x86_thread_state64_t out of b.
func DecodeDarwinAMD64(b []byte, order binary.ByteOrder) (*DarwinAMD64Regs, error) {
	r := new(DarwinAMD64Regs)
	return r, decode(b, DarwinAMD64RegsSize, order, r)
}

// DecodeDarwinARM64 copies an arm_thread_state64_t out of b.
func DecodeDarwinARM64(b []byte, order binary.ByteOrder) (*DarwinARM64Regs, error) {
	r := new(DarwinARM64Regs)
	return r, decode(b, DarwinARM64RegsSize, order, r)
}

func decode(b []byte, size int, order binary.ByteOrder, v interface{}) error {
	if len(b) < size {
		return fmt.Errorf("register set truncated: have %d bytes, want %d", len(b), size)
	}
	if err := struc.UnpackWithOrder(bytes.NewReader(b[:size]), v, order); err != nil {
		return errors.Wrapf(err, "decoding %T", v)
	}
	return nil
}

// fieldNames and fieldValues flatten a register struct in field order.
// Array fields expand to name0, name1, ...

func fieldNames(r interface{}) []string {
	v := reflect.ValueOf(r).Elem()
	t := v.Type()
	var names []string
	for i := 0; i < t.NumField(); i++ {
		name := strings.ToLower(t.Field(i).Name)
		if f := v.Field(i); f.Kind() == reflect.Array {
			for j := 0; j < f.Len(); j++ {
				names = append(names, fmt.Sprintf("%s%d", name, j))
			}
			continue
		}
		names = append(names, name)
	}
	return names
}

func fieldValues(r interface{}) []uint64 {
	v := reflect.ValueOf(r).Elem()
	var vals []uint64
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		if f.Kind() == reflect.Array {
			for j := 0; j < f.Len(); j++ {
				vals = append(vals, f.Index(j).Uint())
			}
			continue
		}
		vals = append(vals, f.Uint())
	}
	return vals
}
