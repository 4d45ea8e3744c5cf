// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/sirupsen/logrus"
)

// Subdirectories of an installation root searched for libraries whose
// install name is relative to a runtime-resolved root.
var installLibDirs = []string{"lib", "lib/server", "jre/lib", "jre/lib/server"}

// discoverLibraries merges every dylib whose header appears in the core.
// A dylib that can't be found, opened or merged is skipped.
func (f *machoFormat) discoverLibraries(p *Process) error {
	log := p.log.WithField("layer", "dylib")
	for _, img := range f.scan(p) {
		if img.fileType != mhDylib {
			continue
		}
		if img.name == "" {
			log.WithField("addr", img.addr).Debug("dylib header without LC_ID_DYLIB")
			continue
		}
		name := img.name
		if strings.HasPrefix(name, "@") {
			path, ok := p.cfg.resolveRelative(p.exePath, name)
			if !ok {
				log.WithField("lib", name).Warn("can't resolve relative install name")
				continue
			}
			name = path
		}
		p.addMachoLibrary(name, img.addr, log)
	}
	return nil
}

// resolveRelative finds a file for an install name such as
// @rpath/libjvm.dylib. Only the last path element of name is kept; it is
// looked for under the executable's installation root (the parent of the
// directory holding it, when that directory is named bin), then under
// InstallRoot, then in each LibraryPath directory.
func (c *Config) resolveRelative(exePath, name string) (string, bool) {
	i := strings.LastIndexByte(name, '/')
	if i < 0 {
		return "", false
	}
	file := name[i+1:]
	if file == "" {
		return "", false
	}

	var roots []string
	if dir := filepath.Dir(exePath); filepath.Base(dir) == "bin" {
		roots = append(roots, filepath.Dir(dir))
	}
	if c.InstallRoot != "" {
		roots = append(roots, c.InstallRoot)
	}
	for _, root := range roots {
		for _, sub := range installLibDirs {
			if path := filepath.Join(root, sub, file); exists(path) {
				return path, true
			}
		}
	}
	for _, dir := range c.libraryDirs() {
		if path := filepath.Join(dir, file); exists(path) {
			return path, true
		}
	}
	return "", false
}

func exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

// addMachoLibrary opens the dylib name, whose header the core holds at
// addr, and merges its text.
func (p *Process) addMachoLibrary(name string, addr Address, log logrus.FieldLogger) {
	log = log.WithField("lib", name)
	f, err := p.cfg.openMapped(name)
	if err != nil {
		log.WithError(err).Warn("can't open dylib")
		return
	}
	mf, err := macho.NewFile(f)
	if err != nil {
		f.Close()
		log.WithError(err).Warn("can't read Mach-O header for dylib")
		return
	}
	if uint32(mf.Type) != mhDylib {
		f.Close()
		log.WithField("type", uint32(mf.Type)).Warn("not a dylib")
		return
	}
	text := textSegment(mf)
	if text == nil {
		f.Close()
		log.Warn("no segment maps the dylib header")
		return
	}
	slide := int64(addr) - int64(text.Addr)
	if err := mergeSegments(&p.memory, p.pageSize, f, machoSegments(mf, slide), log); err != nil {
		f.Close()
		log.WithError(err).Warn("can't merge dylib's segments")
		return
	}
	p.libs = append(p.libs, &Library{name: name, base: addr, size: machoImageSize(mf, text), f: f})
	p.memory.rebuild()
	log.WithField("base", addr).Debug("added dylib")
}
