// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package probe checks worker health and updates worker state.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/computefarm/lbas/lib/dispatch/poll"
	"github.com/computefarm/lbas/lib/dispatch/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPath         = "/test"
	defaultInterval     = 30 * time.Second
	defaultFastInterval = 2 * time.Second
	defaultFastTimeout  = time.Minute
	defaultProbeTimeout = 5 * time.Second

	// Maximum number of probes in flight during a sweep.
	maxConcurrentProbes = 32
)

// Checker probes workers on two cadences: a slow sweep of the whole
// fleet, and a fast check of a single new worker until it comes up.
type Checker struct {
	Fleet  *worker.Fleet
	Client *http.Client
	Logger logrus.FieldLogger

	Path         string
	Interval     time.Duration
	FastInterval time.Duration
	FastTimeout  time.Duration
	ProbeTimeout time.Duration

	// Called (if not nil) whenever a worker changes from
	// unhealthy to available.
	OnAvailable func(*worker.Worker)

	mProbes *prometheus.CounterVec
}

func duration(conf, def time.Duration) time.Duration {
	if conf > 0 {
		return conf
	}
	return def
}

// RegisterMetrics creates the checker's metrics and registers them
// with reg.
func (chk *Checker) RegisterMetrics(reg *prometheus.Registry) {
	chk.mProbes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lbas",
		Subsystem: "health",
		Name:      "probes_total",
		Help:      "Number of worker health probes, by outcome.",
	}, []string{"outcome"})
	if reg != nil {
		reg.MustRegister(chk.mProbes)
	}
}

// Run sweeps the fleet every Interval until ctx is done. The first
// sweep happens after one interval.
func (chk *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(duration(chk.Interval, defaultInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chk.Sweep(ctx)
		}
	}
}

// Sweep probes every non-draining worker concurrently and updates
// their states. It returns when all probes have finished.
func (chk *Checker) Sweep(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for _, wkr := range chk.Fleet.Snapshot() {
		if wkr.State() == worker.StateDraining {
			continue
		}
		wkr := wkr
		g.Go(func() error {
			chk.probeAndUpdate(ctx, wkr)
			return nil
		})
	}
	g.Wait()
}

// probeAndUpdate probes wkr and updates its state. It returns true if
// the probe succeeded.
func (chk *Checker) probeAndUpdate(ctx context.Context, wkr *worker.Worker) bool {
	logger := chk.logger().WithField("Instance", wkr.ID)
	err := chk.Probe(ctx, wkr)
	if err != nil {
		chk.count("fail")
		if wkr.MarkUnhealthy() {
			logger.WithError(err).Warn("worker failed health check, marked unhealthy")
		} else {
			logger.WithError(err).Debug("health check failed")
		}
		return false
	}
	chk.count("ok")
	if wkr.MarkAvailable() {
		logger.Info("worker passed health check, marked available")
		if chk.OnAvailable != nil {
			chk.OnAvailable(wkr)
		}
	}
	return true
}

// Fast probes wkr every FastInterval until it is available (sends
// true), or FastTimeout elapses, ctx is done, or the worker leaves
// the fleet (sends false). The returned channel receives exactly one
// value.
func (chk *Checker) Fast(ctx context.Context, wkr *worker.Worker) <-chan bool {
	result := make(chan bool, 1)
	go func() {
		logger := chk.logger().WithField("Instance", wkr.ID)
		removed := false
		timeout := duration(chk.FastTimeout, defaultFastTimeout)
		err := poll.Until(ctx, duration(chk.FastInterval, defaultFastInterval), timeout, func(ctx context.Context) (bool, error) {
			if _, ok := chk.Fleet.Get(wkr.ID); !ok || wkr.State() == worker.StateDraining {
				removed = true
				return true, nil
			}
			if !chk.probeAndUpdate(ctx, wkr) {
				return false, nil
			}
			// Still inside warmup delay?
			return wkr.IsAvailable(), nil
		})
		switch {
		case err != nil:
			logger.WithError(err).Warn("worker did not become available")
			result <- false
		case removed:
			logger.Info("worker removed before becoming available")
			result <- false
		default:
			logger.Info("worker is available")
			result <- true
		}
	}()
	return result
}

// Probe sends a health check request to wkr, and returns nil if the
// response status is 2xx.
func (chk *Checker) Probe(ctx context.Context, wkr *worker.Worker) error {
	ctx, cancel := context.WithTimeout(ctx, duration(chk.ProbeTimeout, defaultProbeTimeout))
	defer cancel()
	path := chk.Path
	if path == "" {
		path = defaultPath
	}
	req, err := http.NewRequestWithContext(ctx, "GET", "http://"+wkr.Address()+path, nil)
	if err != nil {
		return err
	}
	client := chk.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned %s", resp.Status)
	}
	return nil
}

func (chk *Checker) logger() logrus.FieldLogger {
	if chk.Logger == nil {
		return logrus.StandardLogger()
	}
	return chk.Logger
}

func (chk *Checker) count(outcome string) {
	if chk.mProbes != nil {
		chk.mProbes.WithLabelValues(outcome).Inc()
	}
}
