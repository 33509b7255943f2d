// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/computefarm/lbas/lib/cloud"
	"github.com/computefarm/lbas/lib/dispatch/test"
	"github.com/computefarm/lbas/lib/dispatch/worker"
	"github.com/computefarm/lbas/sdk/go/ctxlog"
	"github.com/computefarm/lbas/sdk/go/lbas"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ScalerSuite{})

// fakeBalancer records the scaler's calls.
type fakeBalancer struct {
	fleet    *worker.Fleet
	queueLen int
	added    []string
	removed  []cloud.InstanceID
	mtx      sync.Mutex
}

func (fb *fakeBalancer) Workers() []*worker.Worker { return fb.fleet.Snapshot() }
func (fb *fakeBalancer) AverageLoad() float64      { return fb.fleet.AverageLoad() }
func (fb *fakeBalancer) LeastLoadedWorker() *worker.Worker {
	return fb.fleet.LeastLoaded()
}

func (fb *fakeBalancer) QueueLength() int {
	fb.mtx.Lock()
	defer fb.mtx.Unlock()
	return fb.queueLen
}

func (fb *fakeBalancer) AddWorker(ctx context.Context, id cloud.InstanceID, host string, port int) error {
	fb.mtx.Lock()
	fb.added = append(fb.added, fmt.Sprintf("%s@%s", id, net.JoinHostPort(host, strconv.Itoa(port))))
	fb.mtx.Unlock()
	wkr := worker.New(id, host, port, fb.fleet.Capacity(), 0)
	wkr.MarkAvailable()
	return fb.fleet.Add(wkr)
}

func (fb *fakeBalancer) InitiateRemoval(id cloud.InstanceID) (<-chan struct{}, error) {
	wkr, ok := fb.fleet.Get(id)
	if !ok {
		return nil, errors.New("not found")
	}
	return wkr.Drain(), nil
}

func (fb *fakeBalancer) FinalizeRemoval(id cloud.InstanceID) {
	fb.mtx.Lock()
	fb.removed = append(fb.removed, id)
	fb.mtx.Unlock()
	fb.fleet.Remove(id)
}

func (fb *fakeBalancer) Added() []string {
	fb.mtx.Lock()
	defer fb.mtx.Unlock()
	return append([]string(nil), fb.added...)
}

func (fb *fakeBalancer) Removed() []cloud.InstanceID {
	fb.mtx.Lock()
	defer fb.mtx.Unlock()
	return append([]cloud.InstanceID(nil), fb.removed...)
}

type ScalerSuite struct {
	cluster  *lbas.Config
	balancer *fakeBalancer
	sis      *test.StubInstanceSet
	scaler   *Scaler
}

func (s *ScalerSuite) SetUpTest(c *check.C) {
	s.cluster = &lbas.Config{}
	s.cluster.Fleet.Capacity = 1000
	s.cluster.Cloud.ImageID = "ami-test"
	s.cluster.AutoScaler.Interval = lbas.Duration(time.Hour)
	s.cluster.AutoScaler.Cooldown = lbas.Duration(time.Hour)
	s.cluster.AutoScaler.AddressPollInterval = lbas.Duration(time.Millisecond)
	s.cluster.AutoScaler.AddressTimeout = lbas.Duration(5 * time.Second)
	s.cluster.AutoScaler.TerminateTimeout = lbas.Duration(5 * time.Second)
	s.balancer = &fakeBalancer{fleet: worker.NewFleet(nil, 1000)}
	s.sis = &test.StubInstanceSet{}
	s.scaler = nil
}

func (s *ScalerSuite) TearDownTest(c *check.C) {
	if s.scaler != nil {
		s.scaler.Stop()
	}
	s.sis.Stop()
}

func (s *ScalerSuite) newScaler(c *check.C) *Scaler {
	s.scaler = New(context.Background(), ctxlog.TestLogger(c), prometheus.NewRegistry(), s.balancer, s.sis, s.cluster)
	return s.scaler
}

// addWorkers adds n available workers with IDs w1, w2, ...
func (s *ScalerSuite) addWorkers(c *check.C, n int) {
	for i := 1; i <= n; i++ {
		wkr := worker.New(cloud.InstanceID(fmt.Sprintf("w%d", i)), "10.0.0.1", 8000, 1000, 0)
		wkr.MarkAvailable()
		c.Assert(s.balancer.fleet.Add(wkr), check.IsNil)
	}
}

func waitFor(c *check.C, cond func() bool) {
	for deadline := time.Now().Add(5 * time.Second); !cond(); time.Sleep(time.Millisecond) {
		if time.Now().After(deadline) {
			c.Fatal("timed out")
		}
	}
}

func (s *ScalerSuite) TestEMA(c *check.C) {
	t0 := time.Now()
	_, ok := ema(nil)
	c.Check(ok, check.Equals, false)
	avg, ok := ema([]cloud.Datapoint{{Time: t0, Value: 42}})
	c.Check(ok, check.Equals, true)
	c.Check(avg, check.Equals, 42.0)
	// alpha = 0.5: 10, then 15, then 22.5
	avg, _ = ema([]cloud.Datapoint{{Time: t0.Add(2 * time.Minute), Value: 30}, {Time: t0, Value: 10}, {Time: t0.Add(time.Minute), Value: 20}})
	c.Check(avg, check.Equals, 22.5)
}

func (s *ScalerSuite) TestStartupMinWorkers(c *check.C) {
	s.cluster.AutoScaler.MinWorkers = 2
	sc := s.newScaler(c)
	sc.tick()
	c.Check(s.sis.Creates(), check.Equals, 2)
	waitFor(c, func() bool { return len(s.balancer.Added()) == 2 })
	c.Check(s.balancer.Added()[0], check.Matches, `stub-t2.micro-\d+@127.0.0.1:\d+`)
	c.Check(testutil.ToFloat64(sc.mActions.WithLabelValues("scale_out")), check.Equals, 2.0)

	// At minimum now, and cooling down.
	sc.tick()
	c.Check(s.sis.Creates(), check.Equals, 2)
}

func (s *ScalerSuite) TestBootingCountsTowardFleetSize(c *check.C) {
	s.sis.AddressDelay = 1000000
	sc := s.newScaler(c)
	sc.tick()
	c.Check(s.sis.Creates(), check.Equals, 1)
	sc.tick()
	c.Check(s.sis.Creates(), check.Equals, 1)
	c.Check(sc.booting.Load(), check.Equals, int32(1))
}

func (s *ScalerSuite) TestScaleOutOnQueueThenCooldown(c *check.C) {
	s.addWorkers(c, 1)
	s.balancer.queueLen = 3
	sc := s.newScaler(c)
	sc.tick()
	c.Check(s.sis.Creates(), check.Equals, 1)
	waitFor(c, func() bool { return len(s.balancer.Added()) == 1 })

	// Queue still non-empty, but cooling down.
	sc.tick()
	c.Check(s.sis.Creates(), check.Equals, 1)

	// Cooldown over.
	sc.lastAction = time.Now().Add(-2 * time.Hour)
	sc.tick()
	c.Check(s.sis.Creates(), check.Equals, 2)
}

func (s *ScalerSuite) TestScaleOutOnCPU(c *check.C) {
	s.addWorkers(c, 5)
	s.sis.CPU = 90
	sc := s.newScaler(c)
	// At maximum.
	sc.tick()
	c.Check(s.sis.Creates(), check.Equals, 0)
	c.Check(testutil.ToFloat64(sc.mCPU), check.Equals, 90.0)

	s.balancer.fleet.Remove("w5")
	sc.tick()
	c.Check(s.sis.Creates(), check.Equals, 1)
}

func (s *ScalerSuite) TestNoActionInBand(c *check.C) {
	s.addWorkers(c, 2)
	s.sis.CPU = 50
	sc := s.newScaler(c)
	sc.tick()
	c.Check(s.sis.Creates(), check.Equals, 0)
	c.Check(s.balancer.fleet.LeastLoaded().State(), check.Equals, worker.StateAvailable)
}

func (s *ScalerSuite) TestScaleIn(c *check.C) {
	s.addWorkers(c, 2)
	w2, _ := s.balancer.fleet.Get("w2")
	w1, _ := s.balancer.fleet.Get("w1")
	c.Assert(w1.TryAssignLoad(100), check.Equals, true)
	s.sis.CPU = 10
	sc := s.newScaler(c)
	sc.tick()
	c.Check(w2.State(), check.Equals, worker.StateDraining)
	waitFor(c, func() bool { return len(s.balancer.Removed()) == 1 })
	c.Check(s.balancer.Removed(), check.DeepEquals, []cloud.InstanceID{"w2"})
	c.Check(testutil.ToFloat64(sc.mActions.WithLabelValues("scale_in")), check.Equals, 1.0)

	// Never below minimum.
	sc.lastAction = time.Time{}
	sc.tick()
	c.Check(w1.State(), check.Equals, worker.StateAvailable)
}

func (s *ScalerSuite) TestScaleInWaitsForDrain(c *check.C) {
	s.addWorkers(c, 2)
	w1, _ := s.balancer.fleet.Get("w1")
	w2, _ := s.balancer.fleet.Get("w2")
	c.Assert(w1.TryAssignLoad(10), check.Equals, true)
	c.Assert(w2.TryAssignLoad(20), check.Equals, true)
	s.sis.CPU = 10
	sc := s.newScaler(c)
	sc.tick()
	c.Check(w1.State(), check.Equals, worker.StateDraining)
	time.Sleep(10 * time.Millisecond)
	c.Check(s.balancer.Removed(), check.HasLen, 0)
	w1.DecreaseLoad(10)
	waitFor(c, func() bool { return len(s.balancer.Removed()) == 1 })
}

func (s *ScalerSuite) TestScaleInBlockedByLoad(c *check.C) {
	s.addWorkers(c, 2)
	for _, wkr := range s.balancer.fleet.Snapshot() {
		c.Assert(wkr.TryAssignLoad(300), check.Equals, true)
	}
	s.sis.CPU = 10
	sc := s.newScaler(c)
	sc.tick()
	for _, wkr := range s.balancer.fleet.Snapshot() {
		c.Check(wkr.State(), check.Equals, worker.StateAvailable)
	}
}

func (s *ScalerSuite) TestTerminateRetry(c *check.C) {
	s.addWorkers(c, 2)
	s.sis.CPU = 10
	s.sis.TerminateErr = errors.New("try later")
	sc := s.newScaler(c)
	sc.tick()
	waitFor(c, func() bool { return testutil.ToFloat64(sc.mErrors.WithLabelValues("terminate")) >= 2 })
	c.Check(s.balancer.Removed(), check.HasLen, 0)
	s.sis.Set(func(sis *test.StubInstanceSet) { sis.TerminateErr = nil })
	waitFor(c, func() bool { return len(s.balancer.Removed()) == 1 })
}

func (s *ScalerSuite) TestTelemetryError(c *check.C) {
	s.addWorkers(c, 1)
	s.balancer.queueLen = 1
	s.sis.UtilizationErr = errors.New("cloudwatch is down")
	sc := s.newScaler(c)
	sc.tick()
	c.Check(s.sis.Creates(), check.Equals, 0)
	c.Check(testutil.ToFloat64(sc.mErrors.WithLabelValues("telemetry")), check.Equals, 1.0)
}

func (s *ScalerSuite) TestAddressTimeout(c *check.C) {
	s.cluster.AutoScaler.AddressTimeout = lbas.Duration(20 * time.Millisecond)
	s.sis.AddressDelay = 1000000
	sc := s.newScaler(c)
	sc.tick()
	waitFor(c, func() bool {
		return testutil.ToFloat64(sc.mErrors.WithLabelValues("describe")) == 1 && sc.booting.Load() == 0
	})
	c.Check(s.balancer.Added(), check.HasLen, 0)
}

func (s *ScalerSuite) TestCreateError(c *check.C) {
	s.sis.CreateErr = errors.New("no")
	sc := s.newScaler(c)
	sc.tick()
	c.Check(testutil.ToFloat64(sc.mErrors.WithLabelValues("create")), check.Equals, 1.0)
	c.Check(sc.lastAction.IsZero(), check.Equals, true)
}

func (s *ScalerSuite) TestWake(c *check.C) {
	s.addWorkers(c, 1)
	s.cluster.AutoScaler.Cooldown = lbas.Duration(time.Nanosecond)
	sc := s.newScaler(c)
	sc.Start()
	time.Sleep(10 * time.Millisecond)
	c.Check(s.sis.Creates(), check.Equals, 0)

	s.balancer.mtx.Lock()
	s.balancer.queueLen = 1
	s.balancer.mtx.Unlock()
	waitFor(c, func() bool {
		sc.Wake()
		return s.sis.Creates() > 0
	})
}

func (s *ScalerSuite) TestDrainByRequest(c *check.C) {
	s.addWorkers(c, 2)
	w1, _ := s.balancer.fleet.Get("w1")
	c.Assert(w1.TryAssignLoad(10), check.Equals, true)
	sc := s.newScaler(c)
	c.Check(sc.Drain("w9"), check.NotNil)
	c.Check(sc.Drain("w1"), check.IsNil)
	c.Check(w1.State(), check.Equals, worker.StateDraining)
	c.Check(sc.lastAction.IsZero(), check.Equals, true)
	w1.DecreaseLoad(10)
	waitFor(c, func() bool { return len(s.balancer.Removed()) == 1 })
	c.Check(s.balancer.Removed(), check.DeepEquals, []cloud.InstanceID{"w1"})
	c.Check(testutil.ToFloat64(sc.mActions.WithLabelValues("drain")), check.Equals, 1.0)
}
