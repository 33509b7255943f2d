// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/computefarm/lbas/lib/cloud"
	"github.com/prometheus/client_golang/prometheus"
)

// Fleet is the set of workers requests can be routed to. Readers
// load an immutable membership snapshot and never take a lock, so
// they neither block nor are blocked by Add and Remove. Writers
// serialize on mtx and publish a fresh copy.
type Fleet struct {
	capacity int64
	members  atomic.Pointer[membership]
	mtx      sync.Mutex

	mWorkers  *prometheus.Desc
	mLoad     *prometheus.Desc
	mCapacity *prometheus.Desc
}

// membership is never modified after it is published.
type membership struct {
	byID   map[cloud.InstanceID]*Worker
	sorted []*Worker
}

func newMembership(byID map[cloud.InstanceID]*Worker) *membership {
	m := &membership{byID: byID, sorted: make([]*Worker, 0, len(byID))}
	for _, wkr := range byID {
		m.sorted = append(m.sorted, wkr)
	}
	sort.Slice(m.sorted, func(i, j int) bool { return m.sorted[i].ID < m.sorted[j].ID })
	return m
}

// NewFleet returns an empty fleet whose workers each have the given
// capacity. If reg is not nil, the fleet registers itself as a
// metrics collector.
func NewFleet(reg *prometheus.Registry, capacity int64) *Fleet {
	fl := &Fleet{
		capacity: capacity,
		mWorkers: prometheus.NewDesc("lbas_fleet_workers",
			"Number of workers in each state.", []string{"state"}, nil),
		mLoad: prometheus.NewDesc("lbas_fleet_load_reserved",
			"Sum of cost units reserved on all workers.", nil, nil),
		mCapacity: prometheus.NewDesc("lbas_fleet_capacity",
			"Sum of cost units all workers can carry.", nil, nil),
	}
	fl.members.Store(newMembership(map[cloud.InstanceID]*Worker{}))
	if reg != nil {
		reg.MustRegister(fl)
	}
	return fl
}

// Capacity returns the per-worker capacity.
func (fl *Fleet) Capacity() int64 {
	return fl.capacity
}

// update calls fn with a private copy of the current membership map
// and publishes the result.
func (fl *Fleet) update(fn func(map[cloud.InstanceID]*Worker)) {
	byID := map[cloud.InstanceID]*Worker{}
	for id, wkr := range fl.members.Load().byID {
		byID[id] = wkr
	}
	fn(byID)
	fl.members.Store(newMembership(byID))
}

// Add inserts a worker. It is an error to add a worker whose ID is
// already present.
func (fl *Fleet) Add(wkr *Worker) error {
	fl.mtx.Lock()
	defer fl.mtx.Unlock()
	if _, ok := fl.members.Load().byID[wkr.ID]; ok {
		return fmt.Errorf("worker %s already exists", wkr.ID)
	}
	fl.update(func(byID map[cloud.InstanceID]*Worker) { byID[wkr.ID] = wkr })
	return nil
}

// Remove deletes the worker with the given ID, and returns it (nil
// if there was no such worker).
func (fl *Fleet) Remove(id cloud.InstanceID) *Worker {
	fl.mtx.Lock()
	defer fl.mtx.Unlock()
	wkr, ok := fl.members.Load().byID[id]
	if ok {
		fl.update(func(byID map[cloud.InstanceID]*Worker) { delete(byID, id) })
	}
	return wkr
}

func (fl *Fleet) Get(id cloud.InstanceID) (*Worker, bool) {
	wkr, ok := fl.members.Load().byID[id]
	return wkr, ok
}

func (fl *Fleet) Len() int {
	return len(fl.members.Load().sorted)
}

// Snapshot returns all workers, sorted by ID. The caller may reorder
// the returned slice.
func (fl *Fleet) Snapshot() []*Worker {
	return append([]*Worker(nil), fl.members.Load().sorted...)
}

// AverageLoad returns the mean load of available workers, or 0 if
// none are available.
func (fl *Fleet) AverageLoad() float64 {
	var sum int64
	var n int
	for _, wkr := range fl.Snapshot() {
		if wkr.IsAvailable() {
			sum += wkr.Load()
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

// LeastLoaded returns the non-draining worker with the lowest load
// (lowest ID on ties), or nil if there is none.
func (fl *Fleet) LeastLoaded() *Worker {
	var best *Worker
	for _, wkr := range fl.Snapshot() {
		if wkr.State() == StateDraining {
			continue
		}
		if best == nil || wkr.Load() < best.Load() {
			best = wkr
		}
	}
	return best
}

// Instances returns a view of every worker, sorted by ID.
func (fl *Fleet) Instances() []InstanceView {
	var views []InstanceView
	for _, wkr := range fl.Snapshot() {
		views = append(views, wkr.View())
	}
	return views
}

// Describe implements prometheus.Collector.
func (fl *Fleet) Describe(ch chan<- *prometheus.Desc) {
	ch <- fl.mWorkers
	ch <- fl.mLoad
	ch <- fl.mCapacity
}

// Collect implements prometheus.Collector.
func (fl *Fleet) Collect(ch chan<- prometheus.Metric) {
	count := map[State]int{}
	var load int64
	wkrs := fl.Snapshot()
	for _, wkr := range wkrs {
		count[wkr.State()]++
		load += wkr.Load()
	}
	for state, s := range stateString {
		ch <- prometheus.MustNewConstMetric(fl.mWorkers, prometheus.GaugeValue, float64(count[state]), s)
	}
	ch <- prometheus.MustNewConstMetric(fl.mLoad, prometheus.GaugeValue, float64(load))
	ch <- prometheus.MustNewConstMetric(fl.mCapacity, prometheus.GaugeValue, float64(fl.capacity*int64(len(wkrs))))
}
