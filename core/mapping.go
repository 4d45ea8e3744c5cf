// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// An Address is a virtual address in the inferior.
type Address uint64

// Sub returns a - b.
func (a Address) Sub(b Address) int64 {
	return int64(a - b)
}

// Add returns a + x.
func (a Address) Add(x int64) Address {
	return a + Address(x)
}

// Align rounds a up to a multiple of x, which must be a power of two.
func (a Address) Align(x int64) Address {
	return (a + Address(x) - 1) & ^(Address(x) - 1)
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// A Mapping represents a contiguous subset of the inferior's address space
// whose contents live in a region of a file.
type Mapping struct {
	min  Address
	size int64
	perm Perm

	f   *os.File // file backing this region
	off int64    // offset of start of this mapping in f
}

// Min returns the lowest virtual address of the mapping.
func (m *Mapping) Min() Address {
	return m.min
}

// Max returns the virtual address of the byte just beyond the mapping.
func (m *Mapping) Max() Address {
	return m.min.Add(m.size)
}

// Size returns int64(Max-Min)
func (m *Mapping) Size() int64 {
	return m.size
}

// Perm returns the permissions on the mapping.
func (m *Mapping) Perm() Perm {
	return m.perm
}

// Source returns the backing file and offset for the mapping, or "", 0 if none.
func (m *Mapping) Source() (string, int64) {
	if m.f == nil {
		return "", 0
	}
	return m.f.Name(), m.off
}

// A Perm represents the permissions allowed for a Mapping.
// The bit values match Mach's VM_PROT_* constants.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Exec
)

func (p Perm) String() string {
	var a [3]string
	b := a[:0]
	if p&Read != 0 {
		b = append(b, "Read")
	}
	if p&Write != 0 {
		b = append(b, "Write")
	}
	if p&Exec != 0 {
		b = append(b, "Exec")
	}
	if len(b) == 0 {
		b = append(b, "None")
	}
	return strings.Join(b, "|")
}

// Short returns the ls-style "rwx" rendering of p.
func (p Perm) Short() string {
	s := []byte("---")
	if p&Read != 0 {
		s[0] = 'r'
	}
	if p&Write != 0 {
		s[1] = 'w'
	}
	if p&Exec != 0 {
		s[2] = 'x'
	}
	return string(s)
}

// mappingTable is an append-only set of mappings plus a sorted index
// used for address lookup. The index is rebuilt from scratch by
// rebuild; any insert makes it stale until the next rebuild.
type mappingTable struct {
	all    []*Mapping
	sorted []*Mapping
	built  bool
	stale  bool
}

func (t *mappingTable) insert(m *Mapping) {
	t.all = append(t.all, m)
	if t.built {
		t.stale = true
	}
}

func (t *mappingTable) rebuild() {
	sorted := make([]*Mapping, len(t.all))
	copy(sorted, t.all)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].min < sorted[j].min
	})
	t.sorted = sorted
	t.built = true
	t.stale = false
}

// search returns the index of the last mapping starting at or below a,
// or -1.
func (t *mappingTable) search(a Address) int {
	if t.stale {
		panic("core: lookup in stale mapping index")
	}
	return sort.Search(len(t.sorted), func(i int) bool {
		return t.sorted[i].min > a
	}) - 1
}

// lookup returns the mapping containing a, or nil.
func (t *mappingTable) lookup(a Address) *Mapping {
	i := t.search(a)
	if i < 0 {
		return nil
	}
	if m := t.sorted[i]; a < m.Max() {
		return m
	}
	return nil
}

// lookupTail returns the mapping whose last, partially backed page
// contains a, for addresses just past the end of the mapping's data.
func (t *mappingTable) lookupTail(a Address, pageSize int64) *Mapping {
	i := t.search(a)
	if i < 0 {
		return nil
	}
	m := t.sorted[i]
	if a >= m.Max() && a < m.Max().Align(pageSize) {
		return m
	}
	return nil
}

func (t *mappingTable) mappings() []*Mapping {
	return t.sorted
}

func (t *mappingTable) release() {
	t.all = nil
	t.sorted = nil
	t.built = false
	t.stale = false
}
