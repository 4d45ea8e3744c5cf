// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"debug/elf"

	"github.com/sirupsen/logrus"
)

const (
	// Dynamic section tags.
	dtNull  = 0
	dtDebug = 21

	maxLinkMapNodes = 1 << 16
	maxLibNameLen   = 4096
)

// discoverLibraries walks the runtime loader's list of loaded objects,
// found through the DT_DEBUG entry of the executable's dynamic section:
//
//	struct r_debug   { int r_version; link_map *r_map; ElfW(Addr) r_brk; int r_state; ElfW(Addr) r_ldbase; };
//	struct link_map  { ElfW(Addr) l_addr; char *l_name; ElfW(Dyn) *l_ld; link_map *l_next, *l_prev; };
//
// A statically linked executable, or one that died before the loader
// ran, has nothing to walk. A broken list ends the walk with whatever
// was found so far.
func (f *elfFormat) discoverLibraries(p *Process) error {
	log := p.log.WithField("layer", "linkmap")
	if p.dynamicAddr == 0 {
		log.Debug("no dynamic section, executable is statically linked")
		return nil
	}
	ptr := int64(p.arch.PointerSize)

	var debug Address
	for a := p.dynamicAddr; ; a = a.Add(2 * ptr) {
		tag, err := p.readUintptr(a)
		if err != nil {
			log.WithError(err).Warn("can't read debug info from _DYNAMIC")
			return nil
		}
		if tag == dtNull {
			log.Debug("no DT_DEBUG entry in _DYNAMIC")
			return nil
		}
		if tag == dtDebug {
			if debug, err = p.ReadPtr(a.Add(ptr)); err != nil {
				log.WithError(err).Warn("can't read DT_DEBUG value")
				return nil
			}
			break
		}
	}
	if debug == 0 {
		log.Debug("DT_DEBUG not yet initialized")
		return nil
	}

	first, err := p.ReadPtr(debug.Add(ptr))
	if err != nil {
		log.WithError(err).Warn("can't read r_map")
		return nil
	}
	if ldbase, err := p.ReadPtr(debug.Add(4 * ptr)); err != nil {
		log.WithError(err).Warn("can't read r_ldbase")
	} else {
		p.interpBase = ldbase
	}
	f.mergeInterp(p, log)

	visited := make(map[Address]bool)
	for lm := first; lm != 0; {
		if visited[lm] || len(visited) >= maxLinkMapNodes {
			log.WithField("node", lm).Warn("link map list does not terminate")
			break
		}
		visited[lm] = true

		diff, err := p.ReadPtr(lm)
		if err != nil {
			log.WithError(err).Warn("can't read l_addr")
			break
		}
		nameAddr, err := p.ReadPtr(lm.Add(ptr))
		if err != nil {
			log.WithError(err).Warn("can't read l_name")
			break
		}
		name, err := p.ReadCString(nameAddr, maxLibNameLen)
		if err != nil {
			log.WithError(err).Warn("can't read library name")
			break
		}
		// The executable's own entry has an empty name.
		if name != "" {
			p.addELFLibrary(name, diff, log)
		}
		if lm, err = p.ReadPtr(lm.Add(3 * ptr)); err != nil {
			log.WithError(err).Warn("can't read l_next")
			break
		}
	}
	return nil
}

// mergeInterp merges the runtime loader's text at the bias recorded in
// r_ldbase. It is loaded before any library the link map names.
func (f *elfFormat) mergeInterp(p *Process, log logrus.FieldLogger) {
	if p.interp == nil {
		return
	}
	log = log.WithField("interp", p.interpPath)
	e, err := elf.NewFile(p.interp)
	if err != nil {
		log.WithError(err).Warn("can't read ELF header for runtime loader")
		return
	}
	if err := mergeSegments(&p.memory, p.pageSize, p.interp, elfSegments(e, int64(p.interpBase)), log); err != nil {
		log.WithError(err).Warn("can't merge runtime loader's segments")
		return
	}
	p.memory.rebuild()
	log.WithField("base", p.interpBase).Debug("added runtime loader")
}
