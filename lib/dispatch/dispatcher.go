// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/computefarm/lbas/lib/cloud"
	"github.com/computefarm/lbas/lib/dispatch/assigner"
	"github.com/computefarm/lbas/lib/dispatch/balancer"
	"github.com/computefarm/lbas/lib/dispatch/estimate"
	"github.com/computefarm/lbas/lib/dispatch/probe"
	"github.com/computefarm/lbas/lib/dispatch/scaler"
	"github.com/computefarm/lbas/lib/dispatch/worker"
	"github.com/computefarm/lbas/sdk/go/auth"
	"github.com/computefarm/lbas/sdk/go/ctxlog"
	"github.com/computefarm/lbas/sdk/go/health"
	"github.com/computefarm/lbas/sdk/go/httpserver"
	"github.com/computefarm/lbas/sdk/go/lbas"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	defaultCapacity   = 188632527
	defaultProbePath  = "/test"
	storeSetupTimeout = time.Minute
)

type dispatcher struct {
	Cluster  *lbas.Config
	Context  context.Context
	Registry *prometheus.Registry

	logger      logrus.FieldLogger
	instanceSet cloud.InstanceSet
	fleet       *worker.Fleet
	checker     *probe.Checker
	estimator   *estimate.Estimator
	balancer    *balancer.Balancer
	scaler      *scaler.Scaler
	httpHandler http.Handler
	initErr     error

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the dispatcher. Start can be called multiple times
// with no ill effect.
func (disp *dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	disp.Start()
	return disp.initErr
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops the health checker and autoscaler and releases
// resources. It implements service.Closer.
func (disp *dispatcher) Close() {
	disp.Start()
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

func (disp *dispatcher) setup() {
	disp.initialize()
	go disp.run()
}

func (disp *dispatcher) initialize() {
	disp.logger = ctxlog.FromContext(disp.Context)
	disp.stop = make(chan struct{}, 1)
	disp.stopped = make(chan struct{})
	if disp.Registry == nil {
		disp.Registry = prometheus.NewRegistry()
	}
	disp.initErr = disp.initComponents()
	if disp.initErr != nil {
		disp.logger.WithError(disp.initErr).Error("error initializing dispatcher")
		disp.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpserver.WriteError(w, disp.initErr, http.StatusInternalServerError)
		})
		return
	}

	asg := &assigner.Assigner{
		Balancer:    disp.balancer,
		Estimator:   disp.estimator,
		MaxAttempts: disp.Cluster.Placement.MaxAttempts,
		RetryDelay:  time.Duration(disp.Cluster.Placement.RetryDelay),
	}

	mux := httprouter.New()
	mux.HandleOPTIONS = false
	mux.HandleMethodNotAllowed = false
	mux.RedirectTrailingSlash = false
	mux.RedirectFixedPath = false
	mux.HandlerFunc("GET", defaultProbePath, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK\n"))
	})
	mux.Handler("GET", "/lbas/v1/instances", disp.requireToken(http.HandlerFunc(disp.apiInstances)))
	mux.Handler("POST", "/lbas/v1/instances/drain", disp.requireToken(http.HandlerFunc(disp.apiInstanceDrain)))
	mux.Handler("GET", "/lbas/v1/queue", disp.requireToken(http.HandlerFunc(disp.apiQueue)))
	metricsH := promhttp.HandlerFor(disp.Registry, promhttp.HandlerOpts{
		ErrorLog: disp.logger,
	})
	mux.Handler("GET", "/metrics", disp.requireToken(metricsH))
	mux.Handler("GET", "/metrics.json", disp.requireToken(metricsH))
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  disp.Cluster.ManagementToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": disp.CheckHealth},
	})
	mux.NotFound = asg
	disp.httpHandler = mux
}

// initComponents builds the fleet, the drivers, and the components
// that use them. The scaler and health checker are not started until
// run.
func (disp *dispatcher) initComponents() error {
	cluster := disp.Cluster
	capacity := cluster.Fleet.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	disp.fleet = worker.NewFleet(disp.Registry, capacity)

	instanceSet, err := newInstanceSet(cluster, disp.logger)
	if err != nil {
		return err
	}
	disp.instanceSet = instanceSet

	invoker, err := newInvoker(cluster, disp.logger)
	if err != nil {
		instanceSet.Stop()
		return err
	}

	ctx, cancel := context.WithTimeout(disp.Context, storeSetupTimeout)
	defer cancel()
	store, err := newStore(ctx, cluster, disp.logger)
	if err != nil {
		instanceSet.Stop()
		return err
	}

	disp.checker = &probe.Checker{
		Fleet:        disp.fleet,
		Client:       &http.Client{},
		Logger:       disp.logger.WithField("Component", "health"),
		Path:         cluster.HealthCheck.Path,
		Interval:     time.Duration(cluster.HealthCheck.Interval),
		FastInterval: time.Duration(cluster.HealthCheck.FastInterval),
		FastTimeout:  time.Duration(cluster.HealthCheck.FastTimeout),
		ProbeTimeout: time.Duration(cluster.HealthCheck.ProbeTimeout),
	}
	disp.checker.RegisterMetrics(disp.Registry)
	disp.estimator = &estimate.Estimator{
		Store:     store,
		Capacity:  capacity,
		CacheSize: cluster.Estimator.CacheSize,
		Logger:    disp.logger.WithField("Component", "estimator"),
		Registry:  disp.Registry,
	}
	disp.balancer = balancer.New(disp.logger.WithField("Component", "balancer"), disp.Registry, disp.fleet, disp.checker, invoker, cluster)
	disp.checker.OnAvailable = func(*worker.Worker) { disp.balancer.TriggerDrain() }
	disp.scaler = scaler.New(disp.Context, disp.logger.WithField("Component", "autoscaler"), disp.Registry, disp.balancer, instanceSet, cluster)
	disp.balancer.Wake = disp.scaler.Wake
	return nil
}

func (disp *dispatcher) run() {
	defer close(disp.stopped)
	if disp.initErr != nil {
		<-disp.stop
		return
	}
	defer disp.instanceSet.Stop()
	defer disp.balancer.Stop()

	ctx, cancel := context.WithCancel(disp.Context)
	defer cancel()
	go disp.checker.Run(ctx)

	disp.scaler.Start()
	defer disp.scaler.Stop()

	<-disp.stop
}

// requireToken guards a management endpoint. All management
// endpoints are disabled if no token is configured.
func (disp *dispatcher) requireToken(h http.Handler) http.Handler {
	if disp.Cluster.ManagementToken == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	}
	return auth.RequireLiteralToken(disp.Cluster.ManagementToken, h)
}

// Management API: all workers, including draining ones.
func (disp *dispatcher) apiInstances(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []worker.InstanceView `json:"items"`
	}
	resp.Items = disp.fleet.Instances()
	json.NewEncoder(w).Encode(resp)
}

// Management API: stop sending requests to the specified instance,
// and terminate it when its current requests finish.
func (disp *dispatcher) apiInstanceDrain(w http.ResponseWriter, r *http.Request) {
	id := cloud.InstanceID(r.FormValue("instance_id"))
	if id == "" {
		httpserver.Error(w, "instance_id parameter not provided", http.StatusBadRequest)
		return
	}
	err := disp.scaler.Drain(id)
	if err != nil {
		httpserver.WriteError(w, err, http.StatusNotFound)
		return
	}
}

// Management API: requests waiting in the overflow queue, oldest
// first.
func (disp *dispatcher) apiQueue(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []balancer.QueueEntry `json:"items"`
	}
	resp.Items = disp.balancer.Queue()
	json.NewEncoder(w).Encode(resp)
}
