// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// ParseFlags parses args into f, and reports usage errors on stderr.
//
// positional describes the accepted positional arguments, e.g.,
// "workload [param=value ...]". Each word before the first "[" is a
// required argument. If positional is empty, no positional arguments
// are accepted.
//
// If ok is false the caller should return exitCode without doing
// anything else: 0 after printing help for "-help", otherwise 2.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		printUsage(f, prog, positional, stderr)
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	}
	if positional == "" && f.NArg() > 0 {
		fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", f.Args())
		return false, 2
	}
	if need := requiredArgs(positional); f.NArg() < need {
		fmt.Fprintf(stderr, "%s: missing arguments\n", prog)
		printUsage(f, prog, positional, stderr)
		return false, 2
	}
	return true, 0
}

func printUsage(f FlagSet, prog, positional string, stderr io.Writer) {
	fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
	f.SetOutput(stderr)
	f.PrintDefaults()
}

func requiredArgs(positional string) int {
	n := 0
	for _, word := range strings.Fields(positional) {
		if strings.HasPrefix(word, "[") {
			break
		}
		n++
	}
	return n
}
