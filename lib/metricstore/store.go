// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package metricstore persists per-request instrumentation counters
// keyed by workload and canonical parameter string, and serves the
// derived complexity back to the estimator.
package metricstore

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("no metrics stored for this workload and parameters")

// Query parameter that asks a worker to record instrumentation
// counters. It is never part of a canonical key.
const StoreMetricsParam = "storeMetrics"

// Record is one set of instrumentation counters for a workload run.
type Record struct {
	Workload     string
	Parameters   string
	Blocks       int64
	Methods      int64
	Instructions int64
	Complexity   int64
}

// A Store reads and writes Records.
type Store interface {
	// Return the stored complexity for the given workload and
	// canonical key, or ErrNotFound.
	Get(ctx context.Context, workload, key string) (int64, error)

	// Insert or replace a record.
	Put(ctx context.Context, rec Record) error
}

// A Driver returns a Store configured with the given driver-specific
// parameters. The Store's backing table is created if needed.
type Driver interface {
	Store(ctx context.Context, config json.RawMessage, logger logrus.FieldLogger) (Store, error)
}

// DriverFunc makes a Driver using the provided function as its Store
// method.
func DriverFunc(fn func(ctx context.Context, config json.RawMessage, logger logrus.FieldLogger) (Store, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(ctx context.Context, config json.RawMessage, logger logrus.FieldLogger) (Store, error)

func (df driverFunc) Store(ctx context.Context, config json.RawMessage, logger logrus.FieldLogger) (Store, error) {
	return df(ctx, config, logger)
}

// CanonicalKey returns the parameters as "k=v" pairs sorted by key
// and joined with "#". The storeMetrics flag is omitted.
func CanonicalKey(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == StoreMetricsParam {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	return strings.Join(pairs, "#")
}

// ComputeComplexity converts raw instruction and method counts into
// cost units. Each workload's instruction count is normalized by its
// own calibration constants.
func ComputeComplexity(workload string, methods, instructions int64) int64 {
	var divisor, weight float64
	switch strings.ToLower(workload) {
	case "fifteenpuzzle":
		divisor, weight = 682.3358, 3.3
	case "capturetheflag":
		divisor, weight = 56.9413, 2.72
	default:
		divisor, weight = 541.5605, 7.85
	}
	return int64(math.Round(float64(instructions)/divisor*weight + float64(methods)))
}

// NewRecord returns a Record for the given workload run with the
// canonical key and complexity filled in.
func NewRecord(workload string, params map[string]string, blocks, methods, instructions int64) Record {
	workload = strings.ToLower(workload)
	return Record{
		Workload:     workload,
		Parameters:   CanonicalKey(params),
		Blocks:       blocks,
		Methods:      methods,
		Instructions: instructions,
		Complexity:   ComputeComplexity(workload, methods, instructions),
	}
}

// MemoryDriver returns process-local stores. Records do not survive
// a restart.
var MemoryDriver = DriverFunc(func(context.Context, json.RawMessage, logrus.FieldLogger) (Store, error) {
	return NewMemoryStore(), nil
})

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	records map[[2]string]Record
	mtx     sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[[2]string]Record{}}
}

func (ms *MemoryStore) Get(ctx context.Context, workload, key string) (int64, error) {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	rec, ok := ms.records[[2]string{workload, key}]
	if !ok {
		return 0, ErrNotFound
	}
	return rec.Complexity, nil
}

func (ms *MemoryStore) Put(ctx context.Context, rec Record) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.records[[2]string{rec.Workload, rec.Parameters}] = rec
	return nil
}

// Len returns the number of stored records.
func (ms *MemoryStore) Len() int {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	return len(ms.records)
}
