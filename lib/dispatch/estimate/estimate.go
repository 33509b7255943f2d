// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package estimate predicts the cost of a workload request from its
// parameters.
package estimate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/computefarm/lbas/lib/metricstore"
	"github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrBadParameters is returned (wrapped) when the workload is unknown
// or a required parameter is missing or malformed.
var ErrBadParameters = errors.New("bad workload parameters")

const defaultCacheSize = 5000

// Estimate is the predicted cost of a request.
type Estimate struct {
	Cost int64

	// True if the cost came from a model rather than measured
	// counters, in which case the worker should be asked to
	// record its counters.
	Persist bool
}

// Estimator looks up measured costs in an in-process LRU cache, then
// in the durable store, and falls back to a per-workload regression
// model.
//
// The zero value is not usable. Fill in the exported fields before
// calling Estimate.
type Estimator struct {
	// Durable store. If nil, only the cache and models are
	// used.
	Store metricstore.Store

	// Fleet per-worker capacity. capturetheflag estimates are
	// clamped to this. Zero means no clamp.
	Capacity int64

	// Number of cached entries (default 5000).
	CacheSize int

	Logger   logrus.FieldLogger
	Registry *prometheus.Registry

	cache     *lru.Cache
	mLookups  *prometheus.CounterVec
	setupOnce sync.Once
}

func (est *Estimator) setup() {
	size := est.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	var err error
	est.cache, err = lru.New(size)
	if err != nil {
		panic(err)
	}
	if est.Logger == nil {
		est.Logger = logrus.StandardLogger()
	}
	est.mLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lbas",
		Subsystem: "estimator",
		Name:      "lookups_total",
		Help:      "Number of cost estimates, by the source that answered.",
	}, []string{"source"})
	if est.Registry != nil {
		est.Registry.MustRegister(est.mLookups)
	}
}

// Estimate returns the predicted cost of running workload with the
// given parameters.
func (est *Estimator) Estimate(ctx context.Context, workload string, params map[string]string) (Estimate, error) {
	est.setupOnce.Do(est.setup)
	workload = strings.ToLower(workload)
	model, ok := models[workload]
	if !ok {
		return Estimate{}, fmt.Errorf("%w: unsupported workload %q", ErrBadParameters, workload)
	}
	key := metricstore.CanonicalKey(params)
	cacheKey := workload + "\000" + key

	if ent, cached := est.cache.Get(cacheKey); cached {
		est.mLookups.WithLabelValues("cache").Inc()
		return Estimate{Cost: est.postScale(workload, ent.(int64))}, nil
	}

	if est.Store != nil {
		cost, err := est.Store.Get(ctx, workload, key)
		if err == nil {
			est.cache.Add(cacheKey, cost)
			est.mLookups.WithLabelValues("store").Inc()
			return Estimate{Cost: est.postScale(workload, cost)}, nil
		} else if !errors.Is(err, metricstore.ErrNotFound) {
			est.Logger.WithError(err).WithFields(logrus.Fields{
				"Workload":   workload,
				"Parameters": key,
			}).Warn("error fetching metrics from store, using model")
		}
	}

	cost, err := model(params)
	if err != nil {
		return Estimate{}, err
	}
	est.mLookups.WithLabelValues("model").Inc()
	return Estimate{Cost: est.postScale(workload, cost), Persist: true}, nil
}

// postScale converts a raw complexity into the units used for
// capacity accounting. The result is never negative. Scaled
// fifteenpuzzle and gameoflife costs may exceed Capacity; the
// balancer bounds them at admission.
func (est *Estimator) postScale(workload string, cost int64) int64 {
	if cost < 0 {
		cost = 0
	}
	switch workload {
	case "fifteenpuzzle":
		return toCost(float64(cost) * 3.54)
	case "gameoflife":
		return toCost(float64(cost) * 1.84)
	default:
		if est.Capacity > 0 && cost > est.Capacity {
			return est.Capacity
		}
		return cost
	}
}
