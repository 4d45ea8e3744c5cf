// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/coredbg/postmortem/core"
)

const maxString = 4096

func parseAddr(s string) (core.Address, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, errors.Errorf("can't parse %s as an address", s)
	}
	return core.Address(n), nil
}

func (v *viewer) runOverview(cmd *cobra.Command, args []string) error {
	p, err := v.readCore()
	if err != nil {
		return err
	}
	t := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 1, ' ', 0)
	fmt.Fprintf(t, "format\t%s\n", p.Format())
	fmt.Fprintf(t, "arch\t%s\n", p.Arch())
	fmt.Fprintf(t, "page size\t%d\n", p.PageSize())
	if p.Command() != "" {
		fmt.Fprintf(t, "command\t%s\n", p.Args())
	}
	fmt.Fprintf(t, "threads\t%d\n", len(p.Threads()))
	fmt.Fprintf(t, "libraries\t%d\n", len(p.Libraries()))
	if path, base := p.Interp(); path != "" {
		fmt.Fprintf(t, "interp\t%s @ %x\n", path, base)
	}
	var total int64
	for _, m := range p.Mappings() {
		total += m.Max().Sub(m.Min())
	}
	fmt.Fprintf(t, "memory\t%.1f MB\n", float64(total)/(1<<20))
	return t.Flush()
}

func (v *viewer) runMappings(cmd *cobra.Command, args []string) error {
	p, err := v.readCore()
	if err != nil {
		return err
	}
	bold := color.New(color.Bold).SprintFunc()
	t := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 1, ' ', tabwriter.AlignRight)
	fmt.Fprintf(t, "%s\t%s\t%s\t%s\t\n", bold("min"), bold("max"), bold("perm"), bold("source"))
	for _, m := range p.Mappings() {
		file, off := m.Source()
		fmt.Fprintf(t, "%x\t%x\t%s\t%s@%x\t\n", uint64(m.Min()), uint64(m.Max()), m.Perm().Short(), file, off)
	}
	return t.Flush()
}

func (v *viewer) runThreads(cmd *cobra.Command, args []string) error {
	p, err := v.readCore()
	if err != nil {
		return err
	}
	t := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 1, ' ', 0)
	fmt.Fprintf(t, "tid\tpc\tsp\tlib\n")
	for _, th := range p.Threads() {
		lib := "?"
		if l := p.LibraryFor(th.PC()); l != nil {
			lib = filepath.Base(l.Name())
		}
		fmt.Fprintf(t, "%d\t%x\t%x\t%s\n", th.ID(), uint64(th.PC()), uint64(th.SP()), lib)
	}
	return t.Flush()
}

func (v *viewer) runRegs(cmd *cobra.Command, args []string) error {
	p, err := v.readCore()
	if err != nil {
		return err
	}
	var tid uint64
	if len(args) > 0 {
		if tid, err = strconv.ParseUint(args[0], 0, 64); err != nil {
			return errors.Errorf("can't parse %s as a thread id", args[0])
		}
	} else {
		ids := p.ThreadIDs()
		if len(ids) == 0 {
			return errors.New("core has no threads")
		}
		tid = ids[0]
	}
	regs, err := p.Registers(tid)
	if err != nil {
		return errors.Wrapf(err, "thread %d", tid)
	}
	t := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 1, ' ', 0)
	vals := regs.Values()
	for i, name := range regs.Names() {
		fmt.Fprintf(t, "%s\t%#x\n", name, vals[i])
	}
	return t.Flush()
}

func (v *viewer) runLibs(cmd *cobra.Command, args []string) error {
	p, err := v.readCore()
	if err != nil {
		return err
	}
	t := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 1, ' ', 0)
	fmt.Fprintf(t, "base\tmax\tname\n")
	for _, l := range p.Libraries() {
		fmt.Fprintf(t, "%x\t%x\t%s\n", uint64(l.Base()), uint64(l.Max()), l.Name())
	}
	return t.Flush()
}

func (v *viewer) runRead(cmd *cobra.Command, args []string) error {
	p, err := v.readCore()
	if err != nil {
		return err
	}
	a, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	n := int64(256)
	if len(args) > 1 {
		if n, err = strconv.ParseInt(args[1], 10, 64); err != nil || n < 0 {
			return errors.Errorf("can't parse %s as a byte count", args[1])
		}
	}
	b, rerr := p.Read(a, int(n))
	out := cmd.OutOrStdout()
	for i, x := range b {
		if i%16 == 0 {
			if i > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%x:", uint64(a.Add(int64(i))))
		}
		fmt.Fprintf(out, " %02x", x)
	}
	if len(b) > 0 {
		fmt.Fprintln(out)
	}
	return rerr
}

func (v *viewer) runString(cmd *cobra.Command, args []string) error {
	p, err := v.readCore()
	if err != nil {
		return err
	}
	a, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	s, err := p.ReadCString(a, maxString)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%q\n", s)
	return nil
}

func (v *viewer) runLibFor(cmd *cobra.Command, args []string) error {
	p, err := v.readCore()
	if err != nil {
		return err
	}
	a, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	l := p.LibraryFor(a)
	if l == nil {
		return errors.Errorf("no library contains %x", uint64(a))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s+%#x\n", l.Name(), a.Sub(l.Base()))
	return nil
}
