// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package balancer admits requests to workers, offloads cheap
// requests to a serverless backend, and queues the rest until
// capacity is available.
package balancer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/computefarm/lbas/lib/cloud"
	"github.com/computefarm/lbas/lib/dispatch/placement"
	"github.com/computefarm/lbas/lib/dispatch/probe"
	"github.com/computefarm/lbas/lib/dispatch/worker"
	"github.com/computefarm/lbas/sdk/go/lbas"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultServerlessThreshold = 1000000
	defaultWorkerPort          = 8000
	defaultWarmupDelay         = 20 * time.Second
	defaultConnectTimeout      = 30 * time.Second
	defaultForwardTimeout      = 2 * time.Minute
	defaultSpreadThreshold     = 0.7
	defaultPackThreshold       = 0.3
	defaultQueueWakeFraction   = 0.25
)

func duration(conf lbas.Duration, def time.Duration) time.Duration {
	if conf > 0 {
		return time.Duration(conf)
	}
	return def
}

// New returns a Balancer that routes requests to the workers in
// fleet, using checker to bring new workers online and invoker (if
// not nil) for serverless offload.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, fleet *worker.Fleet, checker *probe.Checker, invoker cloud.Invoker, cluster *lbas.Config) *Balancer {
	b := &Balancer{
		logger:              logger,
		fleet:               fleet,
		checker:             checker,
		invoker:             invoker,
		serverlessThreshold: cluster.Fleet.ServerlessThreshold,
		spreadThreshold:     cluster.Fleet.SpreadThreshold,
		packThreshold:       cluster.Fleet.PackThreshold,
		workerPort:          cluster.Fleet.WorkerPort,
		warmupDelay:         duration(cluster.Fleet.WarmupDelay, defaultWarmupDelay),
		queueWakeFraction:   cluster.AutoScaler.QueueWakeFraction,
		drainSignal:         make(chan struct{}, 1),
		stop:                make(chan struct{}),
	}
	if b.serverlessThreshold <= 0 {
		b.serverlessThreshold = defaultServerlessThreshold
	}
	if b.spreadThreshold <= 0 {
		b.spreadThreshold = defaultSpreadThreshold
	}
	if b.packThreshold <= 0 {
		b.packThreshold = defaultPackThreshold
	}
	if b.workerPort <= 0 {
		b.workerPort = defaultWorkerPort
	}
	if b.queueWakeFraction <= 0 {
		b.queueWakeFraction = defaultQueueWakeFraction
	}
	b.client = &http.Client{
		Timeout: duration(cluster.Fleet.ForwardTimeout, defaultForwardTimeout),
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   duration(cluster.Fleet.ConnectTimeout, defaultConnectTimeout),
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	b.registerMetrics(reg)
	go b.runDrain()
	return b
}

// Balancer is the admission point for requests. A zero Balancer
// should not be used. Call New to create a new Balancer.
type Balancer struct {
	// Called (if not nil) when the queued cost exceeds the wake
	// threshold. Must not block.
	Wake func()

	// configuration
	logger              logrus.FieldLogger
	fleet               *worker.Fleet
	checker             *probe.Checker
	invoker             cloud.Invoker
	client              *http.Client
	serverlessThreshold int64
	spreadThreshold     float64
	packThreshold       float64
	workerPort          int
	warmupDelay         time.Duration
	queueWakeFraction   float64

	// private state
	queue       []*queued
	queuedCost  int64
	queueMtx    sync.Mutex
	draining    atomic.Bool
	drainSignal chan struct{}
	stop        chan struct{}
	stopOnce    sync.Once

	mAdmissions *prometheus.CounterVec
	mResults    *prometheus.CounterVec
}

type queued struct {
	ctx     context.Context
	req     *Request
	rctx    Context
	pending *Pending
	since   time.Time
}

// Stop the background drain goroutine.
func (b *Balancer) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Strategy returns the placement strategy for the given average
// load.
func (b *Balancer) Strategy(avgLoad float64) placement.Strategy {
	return placement.Choose(avgLoad, b.fleet.Capacity(), b.spreadThreshold, b.packThreshold)
}

// Admit starts processing req. It reserves capacity on the best
// worker that has room and forwards req there. Failing that, a cheap
// request goes to the serverless backend (if configured) and anything
// else is added to the overflow queue.
//
// The returned Pending resolves when the request has run. A queued
// request is abandoned if ctx is done before it is placed.
//
// rctx.Cost is bounded to [0, capacity] so every queued request fits
// on an idle worker.
func (b *Balancer) Admit(ctx context.Context, req *Request, rctx Context, strategy placement.Strategy) *Pending {
	rctx.Cost = b.boundCost(req, rctx.Cost)
	pending := newPending()
	if wkr := b.reserve(req, rctx, strategy); wkr != nil {
		b.mAdmissions.WithLabelValues("worker").Inc()
		go b.forward(ctx, wkr, req, rctx, pending)
		return pending
	}
	if rctx.Cost < b.serverlessThreshold && b.invoker != nil {
		b.mAdmissions.WithLabelValues("serverless").Inc()
		go b.invokeServerless(ctx, req, pending)
		return pending
	}
	b.mAdmissions.WithLabelValues("queue").Inc()
	b.enqueue(&queued{ctx: ctx, req: req, rctx: rctx, pending: pending, since: time.Now()})
	return pending
}

func (b *Balancer) boundCost(req *Request, cost int64) int64 {
	limit := b.fleet.Capacity()
	switch {
	case cost < 0:
		return 0
	case limit > 0 && cost > limit:
		b.logger.WithFields(logrus.Fields{
			"Workload": req.Workload,
			"Cost":     humanize.Comma(cost),
			"Capacity": humanize.Comma(limit),
		}).Debug("estimated cost exceeds worker capacity, using capacity")
		return limit
	}
	return cost
}

// reserve tries the ranked candidates in order and returns the first
// one that accepts the reservation, or nil.
func (b *Balancer) reserve(req *Request, rctx Context, strategy placement.Strategy) *worker.Worker {
	for _, wkr := range strategy.Rank(b.fleet.Snapshot(), rctx.Cost, rctx.AvgLoad, b.fleet.Capacity()) {
		if wkr.TryAssignLoad(rctx.Cost) {
			b.logger.WithFields(logrus.Fields{
				"Instance": wkr.ID,
				"Workload": req.Workload,
				"Cost":     rctx.Cost,
				"Strategy": strategy.String(),
			}).Debug("reserved capacity")
			return wkr
		}
	}
	return nil
}

func (b *Balancer) enqueue(q *queued) {
	b.queueMtx.Lock()
	b.queue = append(b.queue, q)
	b.queuedCost += q.rctx.Cost
	length, cost := len(b.queue), b.queuedCost
	b.queueMtx.Unlock()

	b.logger.WithFields(logrus.Fields{
		"Workload":    q.req.Workload,
		"Cost":        humanize.Comma(q.rctx.Cost),
		"QueueLength": length,
		"QueuedCost":  humanize.Comma(cost),
	}).Info("no capacity, request queued")

	if float64(cost) > b.queueWakeFraction*float64(b.fleet.Capacity()) && b.Wake != nil {
		b.Wake()
	}
	// Capacity may have been released after reserve gave up
	// and before the request was queued.
	b.TriggerDrain()
}

// TriggerDrain schedules a queue drain pass. It does not block.
// Bursts of calls are coalesced.
func (b *Balancer) TriggerDrain() {
	select {
	case b.drainSignal <- struct{}{}:
	default:
	}
}

func (b *Balancer) runDrain() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.drainSignal:
			b.ClearQueue()
		}
	}
}

// ClearQueue places queued requests on workers, in order, until the
// queue is empty or the request at the head cannot be placed. If
// another ClearQueue call is already running, it returns
// immediately.
func (b *Balancer) ClearQueue() {
	if !b.draining.CompareAndSwap(false, true) {
		return
	}
	defer b.draining.Store(false)
	for {
		b.queueMtx.Lock()
		if len(b.queue) == 0 {
			b.queueMtx.Unlock()
			return
		}
		head := b.queue[0]
		b.queueMtx.Unlock()

		if err := head.ctx.Err(); err != nil {
			b.popHead()
			b.logger.WithField("Workload", head.req.Workload).Info("discarding queued request, client went away")
			head.pending.finish(nil, err)
			continue
		}
		avg := b.fleet.AverageLoad()
		rctx := Context{Cost: head.rctx.Cost, Persist: head.rctx.Persist, AvgLoad: avg}
		wkr := b.reserve(head.req, rctx, placement.Spreading)
		if wkr == nil {
			return
		}
		b.popHead()
		b.logger.WithFields(logrus.Fields{
			"Instance": wkr.ID,
			"Workload": head.req.Workload,
			"Queued":   time.Since(head.since).String(),
		}).Info("dequeued request")
		go b.forward(head.ctx, wkr, head.req, rctx, head.pending)
	}
}

// popHead removes the first queued request. Only ClearQueue removes
// entries, so the head is the one it last examined.
func (b *Balancer) popHead() {
	b.queueMtx.Lock()
	defer b.queueMtx.Unlock()
	b.queuedCost -= b.queue[0].rctx.Cost
	b.queue[0] = nil
	b.queue = b.queue[1:]
}

// QueueLength returns the number of queued requests.
func (b *Balancer) QueueLength() int {
	b.queueMtx.Lock()
	defer b.queueMtx.Unlock()
	return len(b.queue)
}

// QueuedCost returns the total estimated cost of queued requests.
func (b *Balancer) QueuedCost() int64 {
	b.queueMtx.Lock()
	defer b.queueMtx.Unlock()
	return b.queuedCost
}

// QueueEntry describes a queued request in the management API.
type QueueEntry struct {
	Workload string    `json:"workload"`
	Cost     int64     `json:"cost"`
	Queued   time.Time `json:"queued"`
}

// Queue returns the queued requests, head first.
func (b *Balancer) Queue() []QueueEntry {
	b.queueMtx.Lock()
	defer b.queueMtx.Unlock()
	entries := make([]QueueEntry, len(b.queue))
	for i, q := range b.queue {
		entries[i] = QueueEntry{Workload: q.req.Workload, Cost: q.rctx.Cost, Queued: q.since}
	}
	return entries
}

// AverageLoad returns the fleet's average load over available
// workers.
func (b *Balancer) AverageLoad() float64 {
	return b.fleet.AverageLoad()
}

// LeastLoadedWorker returns the non-draining worker with the lowest
// load, or nil.
func (b *Balancer) LeastLoadedWorker() *worker.Worker {
	return b.fleet.LeastLoaded()
}

// FleetSize returns the number of workers, including draining ones.
func (b *Balancer) FleetSize() int {
	return b.fleet.Len()
}

// Workers returns all workers, sorted by ID.
func (b *Balancer) Workers() []*worker.Worker {
	return b.fleet.Snapshot()
}

// AddWorker adds a new unhealthy worker and starts checking it. Once
// it passes a health check, queued requests are placed.
func (b *Balancer) AddWorker(ctx context.Context, id cloud.InstanceID, host string, port int) error {
	if port <= 0 {
		port = b.workerPort
	}
	wkr := worker.New(id, host, port, b.fleet.Capacity(), b.warmupDelay)
	if err := b.fleet.Add(wkr); err != nil {
		return err
	}
	b.logger.WithFields(logrus.Fields{
		"Instance": id,
		"Address":  wkr.Address(),
	}).Info("worker added")
	go func() {
		if <-b.checker.Fast(ctx, wkr) {
			b.TriggerDrain()
		}
	}()
	return nil
}

// InitiateRemoval marks the worker as draining and returns a channel
// that is closed when its load reaches zero.
func (b *Balancer) InitiateRemoval(id cloud.InstanceID) (<-chan struct{}, error) {
	wkr, ok := b.fleet.Get(id)
	if !ok {
		return nil, fmt.Errorf("worker %s not found", id)
	}
	b.logger.WithFields(logrus.Fields{
		"Instance": id,
		"Load":     wkr.Load(),
	}).Info("draining worker")
	return wkr.Drain(), nil
}

// FinalizeRemoval removes the worker from the fleet.
func (b *Balancer) FinalizeRemoval(id cloud.InstanceID) {
	if b.fleet.Remove(id) != nil {
		b.logger.WithField("Instance", id).Info("worker removed")
	}
}

func (b *Balancer) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	b.mAdmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lbas",
		Subsystem: "balancer",
		Name:      "admissions_total",
		Help:      "Number of admission attempts, by destination (worker, serverless, or queue).",
	}, []string{"destination"})
	reg.MustRegister(b.mAdmissions)
	b.mResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lbas",
		Subsystem: "balancer",
		Name:      "results_total",
		Help:      "Number of forwarded requests that finished, by destination and outcome.",
	}, []string{"destination", "outcome"})
	reg.MustRegister(b.mResults)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "lbas",
		Subsystem: "balancer",
		Name:      "queue_length",
		Help:      "Number of requests waiting for capacity.",
	}, func() float64 { return float64(b.QueueLength()) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "lbas",
		Subsystem: "balancer",
		Name:      "queued_cost",
		Help:      "Total estimated cost of requests waiting for capacity.",
	}, func() float64 { return float64(b.QueuedCost()) }))
}
