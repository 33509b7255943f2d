// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/computefarm/lbas/lib/cmd"
	"github.com/computefarm/lbas/lib/config"
	"github.com/computefarm/lbas/lib/dispatch/estimate"
	"github.com/computefarm/lbas/lib/metricstore"
	"github.com/computefarm/lbas/lib/service"
	"github.com/computefarm/lbas/sdk/go/ctxlog"
	"github.com/computefarm/lbas/sdk/go/lbas"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Command runs the load balancer service.
var Command cmd.Handler = service.Command(newHandler)

func newHandler(ctx context.Context, cluster *lbas.Config, reg *prometheus.Registry) service.Handler {
	d := &dispatcher{
		Cluster:  cluster,
		Context:  ctx,
		Registry: reg,
	}
	go d.Start()
	return d
}

// EstimateCommand prints the estimated cost of a request, using the
// configured metrics store and the built-in models.
var EstimateCommand cmd.Handler = estimateCommand{}

type estimateCommand struct{}

func (estimateCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	logger := ctxlog.New(stderr, "text", "info")
	defer func() {
		if err != nil {
			logger.WithError(err).Error("estimate failed")
		}
	}()

	loader := config.NewLoader(stdin, logger)
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader.SetupFlags(flags)
	timeout := flags.Duration("timeout", time.Minute, "Maximum time to wait for the metrics store")
	if ok, code := cmd.ParseFlags(flags, prog, args, "workload [param=value ...]", stderr); !ok {
		return code
	}
	params, err := parseParams(flags.Args()[1:])
	if err != nil {
		return 2
	}
	cluster, err := loader.Load()
	if err != nil {
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	store, err := newStore(ctx, cluster, logger)
	if err != nil {
		return 1
	}
	est := &estimate.Estimator{
		Store:    store,
		Capacity: cluster.Fleet.Capacity,
		Logger:   logger,
	}
	result, err := est.Estimate(ctx, flags.Arg(0), params)
	if err != nil {
		return 1
	}
	source := "stored"
	if result.Persist {
		source = "model"
	}
	fmt.Fprintf(stdout, "%s\t%s\n", humanize.Comma(result.Cost), source)
	return 0
}

// StoreMetricsCommand records the instrumentation counters of one
// workload run in the configured metrics store, the same way an
// instrumented worker does.
var StoreMetricsCommand cmd.Handler = storeMetricsCommand{}

type storeMetricsCommand struct{}

func (storeMetricsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	logger := ctxlog.New(stderr, "text", "info")
	defer func() {
		if err != nil {
			logger.WithError(err).Error("store-metrics failed")
		}
	}()

	loader := config.NewLoader(stdin, logger)
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader.SetupFlags(flags)
	blocks := flags.Int64("blocks", 0, "Number of basic blocks executed")
	timeout := flags.Duration("timeout", time.Minute, "Maximum time to wait for the metrics store")
	if ok, code := cmd.ParseFlags(flags, prog, args, "workload methods instructions [param=value ...]", stderr); !ok {
		return code
	}
	methods, err := strconv.ParseInt(flags.Arg(1), 10, 64)
	if err != nil {
		return 2
	}
	instructions, err := strconv.ParseInt(flags.Arg(2), 10, 64)
	if err != nil {
		return 2
	}
	params, err := parseParams(flags.Args()[3:])
	if err != nil {
		return 2
	}
	cluster, err := loader.Load()
	if err != nil {
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	store, err := newStore(ctx, cluster, logger)
	if err != nil {
		return 1
	}
	rec := metricstore.NewRecord(flags.Arg(0), params, *blocks, methods, instructions)
	err = store.Put(ctx, rec)
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Workload":   rec.Workload,
		"Parameters": rec.Parameters,
	}).Info("stored")
	fmt.Fprintf(stdout, "%s\n", humanize.Comma(rec.Complexity))
	return 0
}

// parseParams converts "k=v" arguments to a map.
func parseParams(args []string) (map[string]string, error) {
	params := map[string]string{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, errors.New("parameters must look like name=value, not " + strconv.Quote(arg))
		}
		params[k] = v
	}
	return params, nil
}
