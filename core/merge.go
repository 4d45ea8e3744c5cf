// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"os"

	"github.com/sirupsen/logrus"
)

// A segment is one loadable region of an executable or library file,
// already relocated to its address in the inferior.
type segment struct {
	addr   Address
	off    int64 // file offset
	filesz int64
	perm   Perm
}

// mergeSegments folds the text segments of the image file f into t.
//
// Writable segments are skipped: the core's own copy of them is
// authoritative since it carries whatever the inferior wrote. For the
// rest, a segment at an address no mapping covers is added; a segment at
// the start of an existing mapping with the same permissions takes over
// that mapping's backing; a segment whose permissions differ from the
// existing mapping's leaves it alone, since the permissions were changed
// at run time and only the core knows about it.
//
// The merge is planned against a fresh index and applied only if no
// segment conflicts, so a failed merge leaves t untouched. The index is
// stale after a successful merge that added mappings.
func mergeSegments(t *mappingTable, pageSize int64, f *os.File, segs []segment, log logrus.FieldLogger) error {
	if !t.built || t.stale {
		t.rebuild()
	}
	type replacement struct {
		m   *Mapping
		seg segment
	}
	var adds []*Mapping
	var repls []replacement
	for _, s := range segs {
		if s.perm&Write != 0 || s.filesz == 0 {
			continue
		}
		m := t.lookup(s.addr)
		switch {
		case m == nil:
			adds = append(adds, &Mapping{min: s.addr, size: s.filesz, perm: s.perm, f: f, off: s.off})
		case m.min != s.addr:
			log.WithFields(logrus.Fields{"addr": s.addr, "mapping": m.min}).
				Debug("segment starts inside an existing mapping, keeping core data")
		case m.perm != s.perm:
			log.WithFields(logrus.Fields{"addr": s.addr, "core": m.perm, "file": s.perm}).
				Debug("permissions differ from core, keeping core mapping")
		case m.size != pageSize && m.f != f && m.size != s.filesz:
			return formatErrorf(f.Name(), "address conflict @ %#x (size = %#x, perm = %s)", uint64(s.addr), s.filesz, s.perm)
		default:
			repls = append(repls, replacement{m, s})
		}
	}
	for _, r := range repls {
		log.WithFields(logrus.Fields{"addr": r.m.min, "old": r.m.size, "new": r.seg.filesz}).
			Debug("overwrote with new address mapping")
		r.m.f = f
		r.m.off = r.seg.off
		r.m.size = r.seg.filesz
	}
	for _, m := range adds {
		t.insert(m)
	}
	return nil
}
