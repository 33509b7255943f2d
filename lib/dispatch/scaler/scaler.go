// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scaler grows and shrinks the worker fleet according to CPU
// utilization, queue length, and reserved load.
package scaler

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/computefarm/lbas/lib/cloud"
	"github.com/computefarm/lbas/lib/dispatch/poll"
	"github.com/computefarm/lbas/lib/dispatch/worker"
	"github.com/computefarm/lbas/sdk/go/lbas"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultInterval            = 2 * time.Minute
	defaultCooldown            = 2 * time.Minute
	defaultScaleOutCPU         = 85
	defaultScaleInCPU          = 25
	defaultScaleInLoadFraction = 0.25
	defaultMinWorkers          = 1
	defaultMaxWorkers          = 5
	defaultObservationWindow   = 5 * time.Minute
	defaultAddressPollInterval = 2 * time.Second
	defaultAddressTimeout      = time.Minute
	defaultTerminateTimeout    = 5 * time.Minute
	defaultInstanceType        = "t2.micro"
	defaultWorkerPort          = 8000
	defaultCapacity            = 188632527
)

func duration(conf lbas.Duration, def time.Duration) time.Duration {
	if conf > 0 {
		return time.Duration(conf)
	}
	return def
}

// Balancer is the part of the load balancer the scaler controls.
type Balancer interface {
	Workers() []*worker.Worker
	QueueLength() int
	AverageLoad() float64
	LeastLoadedWorker() *worker.Worker
	AddWorker(ctx context.Context, id cloud.InstanceID, host string, port int) error
	InitiateRemoval(id cloud.InstanceID) (<-chan struct{}, error)
	FinalizeRemoval(id cloud.InstanceID)
}

// A Scaler periodically compares fleet utilization against its
// thresholds, and creates or drains-and-terminates one instance when
// a threshold is crossed.
type Scaler struct {
	logger      logrus.FieldLogger
	balancer    Balancer
	instanceSet *throttledInstanceSet
	telemetry   cloud.Telemetry // nil if the provider has no telemetry

	imageID             cloud.ImageID
	instanceType        string
	workerPort          int
	capacity            int64
	interval            time.Duration
	cooldown            time.Duration
	scaleOutCPU         float64
	scaleInCPU          float64
	scaleInLoadFraction float64
	minWorkers          int
	maxWorkers          int
	observationWindow   time.Duration
	addressPollInterval time.Duration
	addressTimeout      time.Duration
	terminateTimeout    time.Duration

	lastAction time.Time // only accessed by the tick goroutine
	booting    atomic.Int32
	wake       chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	runOnce  sync.Once
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	bgTasks  sync.WaitGroup

	mActions *prometheus.CounterVec
	mErrors  *prometheus.CounterVec
	mCPU     prometheus.Gauge
}

// New returns a new unstarted Scaler.
//
// If instanceSet also implements cloud.Telemetry, it is used to
// measure CPU utilization. Otherwise utilization is taken to be zero.
func New(ctx context.Context, logger logrus.FieldLogger, reg *prometheus.Registry, bal Balancer, instanceSet cloud.InstanceSet, cluster *lbas.Config) *Scaler {
	conf := cluster.AutoScaler
	sc := &Scaler{
		logger:              logger,
		balancer:            bal,
		instanceSet:         newThrottledInstanceSet(instanceSet, logger, conf.MaxCloudOpsPerSecond),
		imageID:             cloud.ImageID(cluster.Cloud.ImageID),
		instanceType:        cluster.Cloud.InstanceType,
		workerPort:          cluster.Fleet.WorkerPort,
		capacity:            cluster.Fleet.Capacity,
		interval:            duration(conf.Interval, defaultInterval),
		cooldown:            duration(conf.Cooldown, defaultCooldown),
		scaleOutCPU:         conf.ScaleOutCPU,
		scaleInCPU:          conf.ScaleInCPU,
		scaleInLoadFraction: conf.ScaleInLoadFraction,
		minWorkers:          conf.MinWorkers,
		maxWorkers:          conf.MaxWorkers,
		observationWindow:   duration(conf.ObservationWindow, defaultObservationWindow),
		addressPollInterval: duration(conf.AddressPollInterval, defaultAddressPollInterval),
		addressTimeout:      duration(conf.AddressTimeout, defaultAddressTimeout),
		terminateTimeout:    duration(conf.TerminateTimeout, defaultTerminateTimeout),
		wake:                make(chan struct{}),
		stop:                make(chan struct{}),
		stopped:             make(chan struct{}),
	}
	if tel, ok := instanceSet.(cloud.Telemetry); ok {
		sc.telemetry = tel
	}
	if sc.instanceType == "" {
		sc.instanceType = defaultInstanceType
	}
	if sc.workerPort <= 0 {
		sc.workerPort = defaultWorkerPort
	}
	if sc.capacity <= 0 {
		sc.capacity = defaultCapacity
	}
	if sc.scaleOutCPU <= 0 {
		sc.scaleOutCPU = defaultScaleOutCPU
	}
	if sc.scaleInCPU <= 0 {
		sc.scaleInCPU = defaultScaleInCPU
	}
	if sc.scaleInLoadFraction <= 0 {
		sc.scaleInLoadFraction = defaultScaleInLoadFraction
	}
	if sc.minWorkers <= 0 {
		sc.minWorkers = defaultMinWorkers
	}
	if sc.maxWorkers <= 0 {
		sc.maxWorkers = defaultMaxWorkers
	}
	sc.ctx, sc.cancel = context.WithCancel(ctx)
	sc.registerMetrics(reg)
	return sc
}

func (sc *Scaler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sc.mActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lbas",
		Subsystem: "autoscaler",
		Name:      "actions_total",
		Help:      "Number of scaling actions started, by direction.",
	}, []string{"action"})
	reg.MustRegister(sc.mActions)
	sc.mErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lbas",
		Subsystem: "autoscaler",
		Name:      "errors_total",
		Help:      "Number of failed cloud operations, by operation.",
	}, []string{"operation"})
	reg.MustRegister(sc.mErrors)
	sc.mCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lbas",
		Subsystem: "autoscaler",
		Name:      "fleet_cpu_percent",
		Help:      "Fleet CPU utilization as of the last tick (mean of per-worker moving averages).",
	})
	reg.MustRegister(sc.mCPU)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "lbas",
		Subsystem: "autoscaler",
		Name:      "booting_instances",
		Help:      "Number of instances created but not yet registered as workers.",
	}, func() float64 { return float64(sc.booting.Load()) }))
}

// Start starts the scaler. The first tick happens right away.
func (sc *Scaler) Start() {
	go sc.runOnce.Do(sc.run)
}

// Stop stops the scaler and waits for background create/terminate
// tasks to give up. No other method should be called after Stop.
func (sc *Scaler) Stop() {
	sc.stopOnce.Do(func() {
		close(sc.stop)
		sc.cancel()
		sc.runOnce.Do(func() { close(sc.stopped) })
		<-sc.stopped
		sc.bgTasks.Wait()
	})
}

// Wake asks the scaler to tick now instead of at the end of the
// current interval. It does not block. If a tick is in progress, the
// request is dropped.
func (sc *Scaler) Wake() {
	select {
	case sc.wake <- struct{}{}:
	default:
	}
}

func (sc *Scaler) run() {
	defer close(sc.stopped)
	timer := time.NewTimer(sc.interval)
	defer timer.Stop()
	for {
		sc.tick()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sc.interval)
		select {
		case <-sc.stop:
			return
		case <-sc.wake:
		case <-timer.C:
		}
	}
}

// tick makes at most one scaling decision.
func (sc *Scaler) tick() {
	cpu, err := sc.fleetCPU(sc.ctx)
	if err != nil {
		sc.mErrors.WithLabelValues("telemetry").Inc()
		sc.logger.WithError(err).Warn("error getting CPU utilization, skipping autoscaler tick")
		return
	}
	sc.mCPU.Set(cpu)
	queueLen := sc.balancer.QueueLength()
	avgLoad := sc.balancer.AverageLoad()
	size := len(sc.balancer.Workers()) + int(sc.booting.Load())
	logger := sc.logger.WithFields(logrus.Fields{
		"CPU":         cpu,
		"QueueLength": queueLen,
		"AverageLoad": avgLoad,
		"FleetSize":   size,
	})

	if size < sc.minWorkers {
		logger.WithField("MinWorkers", sc.minWorkers).Info("fleet below minimum size")
		for ; size < sc.minWorkers; size++ {
			sc.scaleOut(logger)
		}
		return
	}
	if since := time.Since(sc.lastAction); since < sc.cooldown {
		logger.WithField("SinceLastAction", since).Debug("cooling down")
		return
	}
	if cpu > sc.scaleOutCPU || queueLen > 0 {
		if size < sc.maxWorkers {
			sc.scaleOut(logger)
		} else {
			logger.WithField("MaxWorkers", sc.maxWorkers).Info("would scale out, but fleet is at maximum size")
		}
	} else if cpu < sc.scaleInCPU && avgLoad < sc.scaleInLoadFraction*float64(sc.capacity) {
		if size > sc.minWorkers {
			sc.scaleIn(logger)
		}
	}
}

// fleetCPU returns the sum of each worker's CPU moving average,
// divided by the number of workers. Workers with no datapoints count
// as zero.
func (sc *Scaler) fleetCPU(ctx context.Context) (float64, error) {
	wkrs := sc.balancer.Workers()
	if len(wkrs) == 0 || sc.telemetry == nil {
		return 0, nil
	}
	var sum float64
	for _, wkr := range wkrs {
		dps, err := sc.telemetry.Utilization(ctx, wkr.ID, sc.observationWindow)
		if err != nil {
			return 0, err
		}
		if avg, ok := ema(dps); ok {
			sum += avg
		}
	}
	return sum / float64(len(wkrs)), nil
}

// ema returns the exponential moving average of the datapoints in
// time order, with alpha = 2/(n+1), seeded with the oldest value.
func ema(dps []cloud.Datapoint) (float64, bool) {
	if len(dps) == 0 {
		return 0, false
	}
	sorted := append([]cloud.Datapoint(nil), dps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
	alpha := 2 / float64(len(sorted)+1)
	avg := sorted[0].Value
	for _, dp := range sorted[1:] {
		avg = alpha*dp.Value + (1-alpha)*avg
	}
	return avg, true
}

// scaleOut creates an instance, and (in the background) waits for it
// to get an address and adds it to the balancer.
func (sc *Scaler) scaleOut(logger logrus.FieldLogger) {
	id, err := sc.instanceSet.Create(sc.ctx, sc.instanceType, sc.imageID)
	if err != nil {
		sc.mErrors.WithLabelValues("create").Inc()
		logger.WithError(err).Warn("error creating instance")
		return
	}
	sc.lastAction = time.Now()
	sc.mActions.WithLabelValues("scale_out").Inc()
	logger = logger.WithField("Instance", id)
	logger.Info("scaling out: created instance")
	sc.booting.Add(1)
	sc.bgTasks.Add(1)
	go func() {
		defer sc.bgTasks.Done()
		defer sc.booting.Add(-1)
		var status cloud.InstanceStatus
		err := poll.Until(sc.ctx, sc.addressPollInterval, sc.addressTimeout, func(ctx context.Context) (bool, error) {
			var err error
			status, err = sc.instanceSet.Describe(ctx, id)
			return err == nil && status.Address != "", err
		})
		if err != nil {
			sc.mErrors.WithLabelValues("describe").Inc()
			logger.WithError(err).Error("instance did not get an address, abandoning it")
			return
		}
		host, port := sc.splitAddress(status.Address)
		if err := sc.balancer.AddWorker(sc.ctx, id, host, port); err != nil {
			logger.WithError(err).Error("error adding worker")
		}
	}()
}

// splitAddress returns the host and port of an instance address,
// which may or may not include a port.
func (sc *Scaler) splitAddress(addr string) (string, int) {
	if host, portstr, err := net.SplitHostPort(addr); err == nil {
		if port, err := strconv.Atoi(portstr); err == nil {
			return host, port
		}
	}
	return addr, sc.workerPort
}

// scaleIn drains the least loaded worker, and (in the background)
// terminates its instance once its load reaches zero.
func (sc *Scaler) scaleIn(logger logrus.FieldLogger) {
	wkr := sc.balancer.LeastLoadedWorker()
	if wkr == nil {
		return
	}
	logger = logger.WithField("Instance", wkr.ID)
	if err := sc.drain(logger, wkr.ID); err != nil {
		logger.WithError(err).Warn("error draining worker")
		return
	}
	sc.lastAction = time.Now()
	sc.mActions.WithLabelValues("scale_in").Inc()
	logger.Info("scaling in: draining worker")
}

// Drain stops sending new requests to the given worker, and
// terminates its instance once its current requests finish. It does
// not count as a scaling action for cooldown purposes.
func (sc *Scaler) Drain(id cloud.InstanceID) error {
	logger := sc.logger.WithField("Instance", id)
	if err := sc.drain(logger, id); err != nil {
		return err
	}
	sc.mActions.WithLabelValues("drain").Inc()
	logger.Info("draining worker by request")
	return nil
}

func (sc *Scaler) drain(logger logrus.FieldLogger, id cloud.InstanceID) error {
	drained, err := sc.balancer.InitiateRemoval(id)
	if err != nil {
		return err
	}
	sc.bgTasks.Add(1)
	go func() {
		defer sc.bgTasks.Done()
		select {
		case <-drained:
		case <-sc.ctx.Done():
			return
		}
		sc.terminate(logger, id)
	}()
	return nil
}

// terminate destroys the instance, retrying on failure, and removes
// the worker from the balancer.
func (sc *Scaler) terminate(logger logrus.FieldLogger, id cloud.InstanceID) {
	err := poll.Until(sc.ctx, sc.addressPollInterval, sc.terminateTimeout, func(ctx context.Context) (bool, error) {
		err := sc.instanceSet.Terminate(ctx, id)
		if err != nil {
			sc.mErrors.WithLabelValues("terminate").Inc()
			logger.WithError(err).Warn("error terminating instance, will retry")
		}
		return err == nil, err
	})
	if err != nil {
		logger.WithError(err).Error("giving up on terminating instance")
	} else {
		logger.Info("terminated instance")
	}
	sc.balancer.FinalizeRemoval(id)
}
