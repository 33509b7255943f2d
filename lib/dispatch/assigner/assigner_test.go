// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package assigner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/computefarm/lbas/lib/cloud"
	"github.com/computefarm/lbas/lib/dispatch/balancer"
	"github.com/computefarm/lbas/lib/dispatch/estimate"
	"github.com/computefarm/lbas/lib/dispatch/probe"
	"github.com/computefarm/lbas/lib/dispatch/test"
	"github.com/computefarm/lbas/lib/dispatch/worker"
	"github.com/computefarm/lbas/sdk/go/ctxlog"
	"github.com/computefarm/lbas/sdk/go/lbas"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&AssignerSuite{})

type AssignerSuite struct {
	fleet    *worker.Fleet
	invoker  *test.StubInvoker
	balancer *balancer.Balancer
	assigner *Assigner
	servers  []*httptest.Server
}

func (s *AssignerSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	cluster := &lbas.Config{}
	cluster.Fleet.Capacity = 10000
	cluster.Fleet.WarmupDelay = lbas.Duration(time.Nanosecond)
	s.fleet = worker.NewFleet(nil, 10000)
	s.invoker = &test.StubInvoker{}
	checker := &probe.Checker{Fleet: s.fleet, Logger: logger}
	s.balancer = balancer.New(logger, prometheus.NewRegistry(), s.fleet, checker, s.invoker, cluster)
	s.assigner = &Assigner{
		Balancer:   s.balancer,
		Estimator:  &estimate.Estimator{Capacity: 10000, Logger: logger},
		RetryDelay: time.Millisecond,
	}
	s.servers = nil
}

func (s *AssignerSuite) TearDownTest(c *check.C) {
	s.balancer.Stop()
	for _, srv := range s.servers {
		srv.Close()
	}
}

func (s *AssignerSuite) addWorker(c *check.C, id string) (*worker.Worker, *test.StubWorker) {
	stub := test.NewStubWorker()
	srv, host, port := stub.Serve()
	s.servers = append(s.servers, srv)
	wkr := worker.New(cloud.InstanceID(id), host, port, 10000, 0)
	wkr.MarkAvailable()
	c.Assert(s.fleet.Add(wkr), check.IsNil)
	return wkr, stub
}

func (s *AssignerSuite) do(method, target string) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	s.assigner.ServeHTTP(resp, httptest.NewRequest(method, target, nil))
	return resp
}

func (s *AssignerSuite) TestOptions(c *check.C) {
	resp := s.do("OPTIONS", "/gameoflife")
	c.Check(resp.Code, check.Equals, http.StatusNoContent)
	c.Check(resp.Header().Get("Access-Control-Allow-Origin"), check.Equals, "*")
	c.Check(resp.Header().Get("Access-Control-Allow-Methods"), check.Equals, "GET, OPTIONS")
	c.Check(resp.Header().Get("Access-Control-Allow-Headers"), check.Equals, "Content-Type,Authorization")
	c.Check(resp.Body.Len(), check.Equals, 0)
}

func (s *AssignerSuite) TestMethodNotAllowed(c *check.C) {
	resp := s.do("POST", "/gameoflife?iterations=1")
	c.Check(resp.Code, check.Equals, http.StatusMethodNotAllowed)
}

func (s *AssignerSuite) TestBadRequest(c *check.C) {
	for _, target := range []string{
		"/",
		"/mandelbrot?x=1",
		"/gameoflife",
		"/gameoflife?iterations=lots",
		"/gameoflife?iterations=1;x",
		"/gameoflife?iterations=-5",
		"/gameoflife?iterations=Inf",
		"/fifteenpuzzle?size=4",
	} {
		resp := s.do("GET", target)
		c.Check(resp.Code, check.Equals, http.StatusBadRequest, check.Commentf("%s", target))
		c.Check(resp.Header().Get("Content-Type"), check.Equals, "application/json")
	}
	c.Check(s.invoker.Calls(), check.HasLen, 0)
}

func (s *AssignerSuite) TestForwardToWorker(c *check.C) {
	_, stub := s.addWorker(c, "a")
	resp := s.do("GET", "/GameOfLife?iterations=1")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Equals, "ran /GameOfLife")
	c.Check(resp.Header().Get("Access-Control-Allow-Origin"), check.Equals, "*")
	c.Check(resp.Header().Get("Content-Type"), check.Equals, "text/plain")
	c.Check(stub.Queries(), check.DeepEquals, []string{"/GameOfLife?iterations=1&storeMetrics=true"})
}

func (s *AssignerSuite) TestRetryElsewhere(c *check.C) {
	wkr, stub := s.addWorker(c, "a")
	stub.Set(func(sw *test.StubWorker) { sw.Status = http.StatusInternalServerError })
	resp := s.do("GET", "/gameoflife?iterations=1")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Equals, "serverless gameoflife")
	c.Check(wkr.State(), check.Equals, worker.StateUnhealthy)
	c.Check(stub.Queries(), check.HasLen, 1)
	c.Check(s.invoker.Calls(), check.HasLen, 1)
}

func (s *AssignerSuite) TestGiveUp(c *check.C) {
	s.invoker.Status = http.StatusBadGateway
	resp := s.do("GET", "/gameoflife?iterations=1")
	c.Check(resp.Code, check.Equals, http.StatusInternalServerError)
	c.Check(resp.Body.String(), check.Equals, "Internal Server Error")
	c.Check(resp.Header().Get("Access-Control-Allow-Origin"), check.Equals, "*")
	c.Check(s.invoker.Calls(), check.HasLen, 3)

	s.assigner.MaxAttempts = 5
	s.do("GET", "/gameoflife?iterations=1")
	c.Check(s.invoker.Calls(), check.HasLen, 8)
}

func (s *AssignerSuite) TestClientGone(c *check.C) {
	// Too expensive for serverless, and no workers: queued.
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/gameoflife?iterations=5000", nil).WithContext(ctx)
	resp := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		s.assigner.ServeHTTP(resp, req)
		close(done)
	}()
	for deadline := time.Now().Add(5 * time.Second); s.balancer.QueueLength() == 0; time.Sleep(time.Millisecond) {
		c.Assert(time.Now().Before(deadline), check.Equals, true)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatal("handler did not return")
	}
	c.Check(resp.Body.Len(), check.Equals, 0)
	c.Check(s.invoker.Calls(), check.HasLen, 0)
}
