// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

const testPage = 0x1000

// pattern returns n bytes whose values depend on their position.
func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) ^ seed
	}
	return b
}

func TestReadAcrossMappings(t *testing.T) {
	data := pattern(2*testPage, 0)
	f := tempFile(t, data)
	var tab mappingTable
	tab.insert(&Mapping{min: 0x10000, size: testPage, perm: Read, f: f, off: 0})
	tab.insert(&Mapping{min: 0x11000, size: testPage, perm: Read, f: f, off: testPage})
	tab.rebuild()

	buf := make([]byte, 0x100)
	n, err := readMemory(&tab, testPage, buf, 0x10f80)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if n != len(buf) || !bytes.Equal(buf, data[0xf80:0x1080]) {
		t.Errorf("read returned wrong bytes")
	}
}

func TestReadZeroTail(t *testing.T) {
	data := pattern(0x1800, 7)
	f := tempFile(t, data)
	var tab mappingTable
	tab.insert(&Mapping{min: 0x20000, size: 0x1800, perm: Read, f: f})
	tab.rebuild()

	buf := make([]byte, 0x200)
	if _, err := readMemory(&tab, testPage, buf, 0x21700); err != nil {
		t.Fatalf("read straddling end of data failed: %v", err)
	}
	if !bytes.Equal(buf[:0x100], data[0x1700:]) {
		t.Errorf("data before the tail is wrong")
	}
	if !bytes.Equal(buf[0x100:], make([]byte, 0x100)) {
		t.Errorf("tail of last page is not zero")
	}

	for i := range buf {
		buf[i] = 0xff
	}
	if _, err := readMemory(&tab, testPage, buf, 0x21900); err != nil {
		t.Fatalf("read inside the tail failed: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		t.Errorf("tail of last page is not zero")
	}

	if _, err := readMemory(&tab, testPage, buf[:1], 0x22000); err == nil {
		t.Errorf("read past the last page succeeded")
	}
}

func TestReadUnmapped(t *testing.T) {
	f := tempFile(t, pattern(testPage, 1))
	var tab mappingTable
	tab.insert(&Mapping{min: 0x30000, size: testPage, perm: Read, f: f})
	tab.rebuild()

	buf := make([]byte, 0x20)
	n, err := readMemory(&tab, testPage, buf, 0x30ff0)
	var re *ReadError
	if !errors.As(err, &re) {
		t.Fatalf("got error %v, want *ReadError", err)
	}
	if n != 0x10 || re.Unmet != 0x10 || re.Len != 0x20 || re.Addr != 0x30ff0 {
		t.Errorf("got n=%d %+v, want 16 bytes read and 16 unmet", n, re)
	}
}

func TestReadTruncatedFile(t *testing.T) {
	// The mapping claims more data than the file holds.
	f := tempFile(t, pattern(0x800, 2))
	var tab mappingTable
	tab.insert(&Mapping{min: 0x40000, size: testPage, perm: Read, f: f})
	tab.rebuild()

	buf := make([]byte, 0x100)
	if _, err := readMemory(&tab, testPage, buf, 0x40000); err != nil {
		t.Errorf("read of present data failed: %v", err)
	}
	if _, err := readMemory(&tab, testPage, buf, 0x407c0); err == nil {
		t.Errorf("read past end of file succeeded")
	}
}
