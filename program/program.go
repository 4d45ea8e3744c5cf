// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package program provides the portable interface to a program being
// inspected, whether live or reconstructed from a dump.
package program

import (
	"io"

	"github.com/coredbg/postmortem/arch"
)

// Target is the interface to the memory and threads of an inferior.
// It implements only ReaderAt and WriterAt, not Reader and Writer, because
// random access is a far more common pattern for things like symbol tables,
// and because the enormous address space of virtual memory makes routines
// like io.Copy dangerous.
//
// A Target backed by a dump rejects every write.
type Target interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Registers returns the register set of the thread with the given id.
	Registers(tid uint64) (arch.Registers, error)

	// ThreadIDs lists the ids accepted by Registers.
	ThreadIDs() []uint64
}

// Status is where a thread was stopped.
type Status struct {
	PC, SP uint64
}

// ThreadStatus returns the status of thread tid of t.
func ThreadStatus(t Target, tid uint64) (Status, error) {
	r, err := t.Registers(tid)
	if err != nil {
		return Status{}, err
	}
	return Status{PC: r.PC(), SP: r.SP()}, nil
}
