// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// StubWorker is an http.Handler that behaves like a worker: GET /test
// reports health, and any other path runs a "workload" by sleeping
// for Delay and responding with Status.
type StubWorker struct {
	Healthy bool
	Status  int
	Delay   time.Duration

	// If not nil, workload requests block until Hold is closed
	// (or receives a value).
	Hold chan struct{}

	queries []string
	mtx     sync.Mutex
}

// NewStubWorker returns a healthy StubWorker that responds 200.
func NewStubWorker() *StubWorker {
	return &StubWorker{Healthy: true, Status: http.StatusOK}
}

func (sw *StubWorker) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	sw.mtx.Lock()
	healthy, status, delay, hold := sw.Healthy, sw.Status, sw.Delay, sw.Hold
	if req.URL.Path != "/test" {
		sw.queries = append(sw.queries, req.URL.Path+"?"+req.URL.RawQuery)
	}
	sw.mtx.Unlock()

	if req.URL.Path == "/test" {
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		return
	}
	if hold != nil {
		select {
		case <-hold:
		case <-req.Context().Done():
			return
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte("ran " + req.URL.Path))
}

// Set updates the worker's behavior while holding its lock.
func (sw *StubWorker) Set(fn func(*StubWorker)) {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	fn(sw)
}

// Queries returns the path and query of each workload request
// received so far.
func (sw *StubWorker) Queries() []string {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	return append([]string(nil), sw.queries...)
}

// Serve starts an HTTP server for sw and returns it with its host
// and port.
func (sw *StubWorker) Serve() (srv *httptest.Server, host string, port int) {
	srv = httptest.NewServer(sw)
	host, portstr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		panic(err)
	}
	port, err = strconv.Atoi(portstr)
	if err != nil {
		panic(err)
	}
	return srv, host, port
}
