// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"fmt"
	"sync"

	"github.com/computefarm/lbas/lib/cloud"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&FleetSuite{})

type FleetSuite struct{}

func (s *FleetSuite) TestAddRemove(c *check.C) {
	fl := NewFleet(nil, 1000)
	c.Check(fl.Add(availableWorker("i-2", 1000)), check.IsNil)
	c.Check(fl.Add(availableWorker("i-1", 1000)), check.IsNil)
	c.Check(fl.Add(availableWorker("i-1", 1000)), check.ErrorMatches, `worker i-1 already exists`)
	c.Check(fl.Len(), check.Equals, 2)

	snap := fl.Snapshot()
	c.Assert(snap, check.HasLen, 2)
	c.Check(snap[0].ID, check.Equals, cloud.InstanceID("i-1"))
	c.Check(snap[1].ID, check.Equals, cloud.InstanceID("i-2"))

	_, ok := fl.Get("i-2")
	c.Check(ok, check.Equals, true)
	c.Check(fl.Remove("i-2").ID, check.Equals, cloud.InstanceID("i-2"))
	c.Check(fl.Remove("i-2"), check.IsNil)
	_, ok = fl.Get("i-2")
	c.Check(ok, check.Equals, false)
}

func (s *FleetSuite) TestSnapshotIsolation(c *check.C) {
	fl := NewFleet(nil, 1000)
	c.Assert(fl.Add(availableWorker("i-1", 1000)), check.IsNil)
	c.Assert(fl.Add(availableWorker("i-2", 1000)), check.IsNil)
	snap := fl.Snapshot()
	snap[0], snap[1] = snap[1], snap[0]
	fl.Remove("i-1")
	c.Assert(fl.Add(availableWorker("i-3", 1000)), check.IsNil)

	// Earlier snapshots do not see later changes, and reordering a
	// snapshot does not affect the fleet.
	c.Check(snap, check.HasLen, 2)
	c.Check(snap[0].ID, check.Equals, cloud.InstanceID("i-2"))
	now := fl.Snapshot()
	c.Assert(now, check.HasLen, 2)
	c.Check(now[0].ID, check.Equals, cloud.InstanceID("i-2"))
	c.Check(now[1].ID, check.Equals, cloud.InstanceID("i-3"))
}

func (s *FleetSuite) TestConcurrentReadWrite(c *check.C) {
	fl := NewFleet(nil, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("i-%d-%d", i, j)
				c.Check(fl.Add(availableWorker(id, 1000)), check.IsNil)
				if j%2 == 1 {
					fl.Remove(cloud.InstanceID(id))
				}
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap := fl.Snapshot()
				for k := 1; k < len(snap); k++ {
					c.Check(snap[k-1].ID < snap[k].ID, check.Equals, true)
				}
				fl.AverageLoad()
			}
		}()
	}
	wg.Wait()
	c.Check(fl.Len(), check.Equals, 200)
}

func (s *FleetSuite) TestAverageLoad(c *check.C) {
	fl := NewFleet(nil, 1000)
	c.Check(fl.AverageLoad(), check.Equals, 0.0)

	w1 := availableWorker("i-1", 1000)
	w2 := availableWorker("i-2", 1000)
	w3 := New("i-3", "10.0.0.3", 8000, 1000, 0)
	for _, wkr := range []*Worker{w1, w2, w3} {
		fl.Add(wkr)
	}
	w1.TryAssignLoad(100)
	w2.TryAssignLoad(800)
	// w3 is unhealthy, so it does not count.
	c.Check(fl.AverageLoad(), check.Equals, 450.0)

	w2.MarkUnhealthy()
	c.Check(fl.AverageLoad(), check.Equals, 100.0)
}

func (s *FleetSuite) TestLeastLoaded(c *check.C) {
	fl := NewFleet(nil, 1000)
	c.Check(fl.LeastLoaded(), check.IsNil)

	w1 := availableWorker("i-1", 1000)
	w2 := availableWorker("i-2", 1000)
	w3 := availableWorker("i-3", 1000)
	for _, wkr := range []*Worker{w3, w2, w1} {
		fl.Add(wkr)
	}
	w1.TryAssignLoad(500)
	c.Check(fl.LeastLoaded().ID, check.Equals, cloud.InstanceID("i-2"))

	w2.Drain()
	c.Check(fl.LeastLoaded().ID, check.Equals, cloud.InstanceID("i-3"))
	w3.Drain()
	c.Check(fl.LeastLoaded().ID, check.Equals, cloud.InstanceID("i-1"))
	w1.Drain()
	c.Check(fl.LeastLoaded(), check.IsNil)
}

func (s *FleetSuite) TestMetrics(c *check.C) {
	reg := prometheus.NewRegistry()
	fl := NewFleet(reg, 1000)
	w1 := availableWorker("i-1", 1000)
	w2 := New("i-2", "10.0.0.2", 8000, 1000, 0)
	fl.Add(w1)
	fl.Add(w2)
	w1.TryAssignLoad(250)

	c.Check(testutil.CollectAndCount(fl, "lbas_fleet_workers"), check.Equals, 3)

	mfs, err := reg.Gather()
	c.Assert(err, check.IsNil)
	got := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += "/" + lp.GetValue()
			}
			got[name] = m.GetGauge().GetValue()
		}
	}
	c.Check(got["lbas_fleet_workers/available"], check.Equals, 1.0)
	c.Check(got["lbas_fleet_workers/unhealthy"], check.Equals, 1.0)
	c.Check(got["lbas_fleet_workers/draining"], check.Equals, 0.0)
	c.Check(got["lbas_fleet_load_reserved"], check.Equals, 250.0)
	c.Check(got["lbas_fleet_capacity"], check.Equals, 2000.0)
}
