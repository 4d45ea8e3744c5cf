// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The viewcore tool is a command-line tool for exploring the state of a
// process that has dumped core.
// Run "viewcore help" for a list of commands.
package main

import (
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coredbg/postmortem/core"
)

// viewer holds the flags shared by every command and the process they
// inspect, opened on first use.
type viewer struct {
	exe         string
	corefile    string
	sysroot     string
	installRoot string
	libraryPath string
	pageSize    int64
	debug       bool

	log  *logrus.Logger
	proc *core.Process
}

func newRootCmd(v *viewer) *cobra.Command {
	root := &cobra.Command{
		Use:   "viewcore",
		Short: "viewcore is a set of tools for analyzing core dumped processes",
		Long: `viewcore is a set of tools for analyzing core dumped processes.

It opens an ELF or Mach-O core together with the executable that
produced it and shows the process's memory, threads and libraries.
Run without a command to start an interactive session.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if v.debug {
				v.log.SetLevel(logrus.DebugLevel)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return v.runRepl(cmd)
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&v.exe, "exe", "", "executable that produced the core")
	f.StringVar(&v.corefile, "core", "", "core file")
	f.StringVar(&v.sysroot, "sysroot", "", "root directory to find libraries named in the core")
	f.StringVar(&v.installRoot, "install-root", os.Getenv("JAVA_HOME"), "installation root searched for @rpath libraries")
	f.StringVar(&v.libraryPath, "library-path", os.Getenv("DYLD_LIBRARY_PATH"), "colon-separated directories searched for @rpath libraries")
	f.Int64Var(&v.pageSize, "page-size", 0, "override the target's page size")
	f.BoolVar(&v.debug, "debug", false, "log library discovery")

	root.AddCommand(
		&cobra.Command{
			Use:   "overview",
			Short: "print a few overall statistics",
			Args:  cobra.NoArgs,
			RunE:  v.runOverview,
		},
		&cobra.Command{
			Use:   "mappings",
			Short: "print virtual memory mappings",
			Args:  cobra.NoArgs,
			RunE:  v.runMappings,
		},
		&cobra.Command{
			Use:   "threads",
			Short: "list threads with their pc and sp",
			Args:  cobra.NoArgs,
			RunE:  v.runThreads,
		},
		&cobra.Command{
			Use:   "regs [tid]",
			Short: "print the registers of a thread (default the first)",
			Args:  cobra.MaximumNArgs(1),
			RunE:  v.runRegs,
		},
		&cobra.Command{
			Use:   "libs",
			Short: "list the executable and shared libraries",
			Args:  cobra.NoArgs,
			RunE:  v.runLibs,
		},
		&cobra.Command{
			Use:   "read <address> [<size>]",
			Short: "read a chunk of memory",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  v.runRead,
		},
		&cobra.Command{
			Use:   "string <address>",
			Short: "read a NUL-terminated string",
			Args:  cobra.ExactArgs(1),
			RunE:  v.runString,
		},
		&cobra.Command{
			Use:   "lib <address>",
			Short: "print the library an address belongs to",
			Args:  cobra.ExactArgs(1),
			RunE:  v.runLibFor,
		},
	)
	return root
}

// readCore opens the process on first use.
func (v *viewer) readCore() (*core.Process, error) {
	if v.proc != nil {
		return v.proc, nil
	}
	if v.exe == "" || v.corefile == "" {
		return nil, errors.New("both --exe and --core are required")
	}
	opts := []core.Option{
		core.WithLogger(v.log),
		core.WithSysRoot(v.sysroot),
		core.WithInstallRoot(v.installRoot),
		core.WithLibraryPath(v.libraryPath),
	}
	if v.pageSize > 0 {
		opts = append(opts, core.WithPageSize(v.pageSize))
	}
	p, err := core.Open(v.exe, v.corefile, opts...)
	if err != nil {
		return nil, err
	}
	v.proc = p
	return p, nil
}

func (v *viewer) close() {
	if v.proc != nil {
		v.proc.Close()
		v.proc = nil
	}
}

func newViewer(stderr io.Writer) *viewer {
	log := logrus.New()
	log.SetOutput(stderr)
	log.SetLevel(logrus.WarnLevel)
	return &viewer{log: log}
}

func exitf(format string, args ...interface{}) {
	color.New(color.FgRed).Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

func main() {
	v := newViewer(os.Stderr)
	err := newRootCmd(v).Execute()
	v.close()
	if err != nil {
		exitf("%v\n", err)
	}
}
