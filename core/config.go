// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config holds the knobs consulted while opening a core.
type Config struct {
	// Logger receives discovery progress (Debug) and skipped
	// libraries (Warn).
	Logger logrus.FieldLogger

	// SysRoot, if set, prefixes every library and interpreter path
	// named inside the core.
	SysRoot string

	// InstallRoot is the installation root probed for libraries whose
	// recorded name is relative to a runtime-resolved root (@rpath/...).
	// Defaults to $JAVA_HOME.
	InstallRoot string

	// LibraryPath is a colon-separated list of directories probed after
	// InstallRoot. Defaults to $DYLD_LIBRARY_PATH.
	LibraryPath string

	// PageSize overrides the target architecture's page size.
	PageSize int64
}

// An Option adjusts a Config.
type Option func(*Config)

// DefaultConfig returns the configuration used when Open is given no
// options.
func DefaultConfig() Config {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return Config{
		Logger:      l,
		InstallRoot: os.Getenv("JAVA_HOME"),
		LibraryPath: os.Getenv("DYLD_LIBRARY_PATH"),
	}
}

// WithLogger sets the logger that receives discovery progress.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithSysRoot sets the directory prefixed to library paths found in the core.
func WithSysRoot(dir string) Option {
	return func(c *Config) { c.SysRoot = dir }
}

// WithInstallRoot sets the root probed for @rpath libraries.
func WithInstallRoot(dir string) Option {
	return func(c *Config) { c.InstallRoot = dir }
}

// WithLibraryPath sets the colon-separated directories probed after the install root.
func WithLibraryPath(path string) Option {
	return func(c *Config) { c.LibraryPath = path }
}

// WithPageSize overrides the page size. It must be a power of two.
func WithPageSize(n int64) Option {
	return func(c *Config) { c.PageSize = n }
}

// openMapped opens a file named inside the core, honoring SysRoot.
func (c *Config) openMapped(name string) (*os.File, error) {
	if c.SysRoot == "" {
		return os.Open(name)
	}
	f, err := os.Open(filepath.Join(c.SysRoot, name))
	if err == nil {
		return f, nil
	}
	if f, err2 := os.Open(filepath.Join(c.SysRoot, filepath.Base(name))); err2 == nil {
		return f, nil
	}
	return nil, err
}

func (c *Config) libraryDirs() []string {
	var dirs []string
	for _, d := range strings.Split(c.LibraryPath, ":") {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}
