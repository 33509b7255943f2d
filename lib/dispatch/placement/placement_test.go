// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package placement

import (
	"testing"

	"github.com/computefarm/lbas/lib/cloud"
	"github.com/computefarm/lbas/lib/dispatch/worker"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&PlacementSuite{})

type PlacementSuite struct{}

const capacity = 1000

func workers(loads map[string]int64) []*worker.Worker {
	var wkrs []*worker.Worker
	for id, load := range loads {
		wkr := worker.New(cloud.InstanceID(id), "10.0.0.1", 8000, capacity, 0)
		wkr.MarkAvailable()
		if !wkr.TryAssignLoad(load) {
			panic("cannot assign load")
		}
		wkrs = append(wkrs, wkr)
	}
	return wkrs
}

func ids(wkrs []*worker.Worker) []string {
	var ret []string
	for _, wkr := range wkrs {
		ret = append(ret, string(wkr.ID))
	}
	return ret
}

func (*PlacementSuite) TestChoose(c *check.C) {
	for _, trial := range []struct {
		avg  float64
		want Strategy
	}{
		{900, Spreading},
		{701, Spreading},
		{700, Balanced},
		{500, Balanced},
		{300, Balanced},
		{299, Packing},
		{0, Packing},
	} {
		c.Check(Choose(trial.avg, capacity, 0.7, 0.3), check.Equals, trial.want, check.Commentf("avg %v", trial.avg))
	}
}

func (*PlacementSuite) TestSpreading(c *check.C) {
	wkrs := workers(map[string]int64{"a": 800, "b": 100})
	c.Check(Choose(900, capacity, 0.7, 0.3), check.Equals, Spreading)
	c.Check(ids(Spreading.Rank(wkrs, 0, 900, capacity)), check.DeepEquals, []string{"b", "a"})
}

func (*PlacementSuite) TestPacking(c *check.C) {
	wkrs := workers(map[string]int64{"a": 100, "b": 800, "c": 500})
	c.Check(ids(Packing.Rank(wkrs, 100, 100, capacity)), check.DeepEquals, []string{"b", "c", "a"})
	// b has no room for 300.
	c.Check(ids(Packing.Rank(wkrs, 300, 100, capacity)), check.DeepEquals, []string{"c", "a"})
}

func (*PlacementSuite) TestBalanced(c *check.C) {
	wkrs := workers(map[string]int64{"a": 100, "b": 800})
	// At avg 500, spread weight is 0.65, so spreading wins:
	// a: 0.9*0.65 + 0.1*0.35 = 0.62, b: 0.2*0.65 + 0.8*0.35 = 0.41
	c.Check(ids(Balanced.Rank(wkrs, 0, 500, capacity)), check.DeepEquals, []string{"a", "b"})
	// At avg 0, spread weight is 0.3, so packing wins:
	// a: 0.9*0.3 + 0.1*0.7 = 0.34, b: 0.2*0.3 + 0.8*0.7 = 0.62
	c.Check(ids(Balanced.Rank(wkrs, 0, 0, capacity)), check.DeepEquals, []string{"b", "a"})
}

func (*PlacementSuite) TestTieBreak(c *check.C) {
	wkrs := workers(map[string]int64{"c": 200, "a": 200, "b": 200})
	for _, s := range []Strategy{Spreading, Packing, Balanced} {
		c.Check(ids(s.Rank(wkrs, 0, 200, capacity)), check.DeepEquals, []string{"a", "b", "c"}, check.Commentf("%s", s))
	}
}

func (*PlacementSuite) TestExcludesUnavailable(c *check.C) {
	wkrs := workers(map[string]int64{"a": 0, "b": 0, "c": 0})
	wkrs = append(wkrs, worker.New("d", "10.0.0.4", 8000, capacity, 0))
	for _, wkr := range wkrs {
		switch wkr.ID {
		case "a":
			wkr.Drain()
		case "b":
			wkr.MarkUnhealthy()
		}
	}
	c.Check(ids(Spreading.Rank(wkrs, 10, 0, capacity)), check.DeepEquals, []string{"c"})
	c.Check(Spreading.Rank(wkrs, capacity+1, 0, capacity), check.HasLen, 0)
}
