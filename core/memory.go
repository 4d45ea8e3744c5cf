// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// readMemory fills buf with the inferior's memory starting at a, reading
// through the mappings in t. Mappings start on a page boundary but may end
// in the middle of a page; the rest of that page reads as zero.
// It returns the number of bytes filled and, if that is short of len(buf),
// a *ReadError carrying the number of bytes not satisfied.
func readMemory(t *mappingTable, pageSize int64, buf []byte, a Address) (int, error) {
	start := a
	n := 0
	for n < len(buf) {
		m := t.lookup(a)
		if m == nil {
			// Maybe a is in the zero tail of a mapping's last page.
			m = t.lookupTail(a, pageSize)
			if m == nil {
				break // No mapping for this address.
			}
			z := int(min(int64(len(buf)-n), m.Max().Align(pageSize).Sub(a)))
			clear(buf[n : n+z])
			n += z
			a = a.Add(int64(z))
			continue
		}

		off := a.Sub(m.min)
		c := int(min(int64(len(buf)-n), m.size-off))
		k, err := pread(m.f, buf[n:n+c], m.off+off)
		if k > 0 {
			n += k
			a = a.Add(int64(k))
		}
		if err != nil || k != c {
			break
		}

		if rem := m.size % pageSize; rem != 0 && a == m.Max() {
			z := int(min(int64(len(buf)-n), pageSize-rem))
			clear(buf[n : n+z])
			n += z
			a = a.Add(int64(z))
		}
	}
	if n < len(buf) {
		return n, &ReadError{Addr: uint64(start), Len: len(buf), Unmet: len(buf) - n}
	}
	return n, nil
}
