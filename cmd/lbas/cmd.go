// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/computefarm/lbas/lib/cmd"
	"github.com/computefarm/lbas/lib/config"
	"github.com/computefarm/lbas/lib/dispatch"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"server":          dispatch.Command,
		"estimate":        dispatch.EstimateCommand,
		"store-metrics":   dispatch.StoreMetricsCommand,
		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
