// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/shibukawa/configdir"
	"github.com/spf13/cobra"
)

// runRepl reads commands from the terminal and runs them against the
// already opened process until EOF or "exit".
func (v *viewer) runRepl(cmd *cobra.Command) error {
	if _, err := v.readCore(); err != nil {
		return err
	}
	root := cmd.Root()

	historyPath := ""
	cache := configdir.New("coredbg", "viewcore").QueryCacheFolder()
	if err := cache.MkdirAll(); err == nil {
		historyPath = filepath.Join(cache.Path, "history")
	}
	var items []readline.PrefixCompleterInterface
	for _, c := range root.Commands() {
		items = append(items, readline.PcItem(c.Name()))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          color.New(color.FgCyan).Sprintf("(%s) ", filepath.Base(v.corefile)),
		HistoryFile:     historyPath,
		AutoComplete:    readline.NewPrefixCompleter(items...),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if line == "" {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if v.execLine(root, line, rl.Stdout(), rl.Stderr()) {
			return nil
		}
	}
}

// execLine runs one interactive command line. It reports whether the
// session should end.
func (v *viewer) execLine(root *cobra.Command, line string, stdout, stderr io.Writer) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "exit", "quit":
		return true
	}
	// Only subcommands make sense here: the root command would start
	// another session.
	if c, _, err := root.Find(args); err != nil || c == root {
		color.New(color.FgRed).Fprintf(stderr, "unknown command %q, try \"help\"\n", args[0])
		return false
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(stderr, "%v\n", err)
	}
	return false
}
